package errs

import (
	"context"
	"errors"
)

// FromContext classifies a context error: cancellation becomes Cancelled and
// an expired deadline becomes Timeout. The context cause, when set, is kept as
// the error cause. Returns nil when ctx is still live.
func FromContext(ctx context.Context, op string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	cause := context.Cause(ctx)
	kind := Cancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Cause: cause, Location: caller(2)}
}

// IsContext reports whether err is a context cancellation or deadline error.
func IsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
