package backoff

import (
	"context"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// Retry calls fn up to retries+1 times, sleeping per policy between calls.
// It stops early when fn succeeds, when retryable(err) is false, or when ctx
// ends. The returned error is the last error from fn, or the context error if
// ctx ended first. attempts counts calls to fn.
func Retry(
	ctx context.Context,
	policy Policy,
	retries int,
	retryable func(error) bool,
	fn func(attempt int) error,
) (attempts int, err error) {
	if retries < 0 {
		retries = 0
	}
	if retryable == nil {
		retryable = errs.Retryable
	}
	for attempt := 1; attempt <= retries+1; attempt++ {
		if ctxErr := errs.FromContext(ctx, "backoff.retry"); ctxErr != nil {
			return attempts, ctxErr
		}
		attempts = attempt
		err = fn(attempt)
		if err == nil || !retryable(err) || attempt == retries+1 {
			return attempts, err
		}
		if sleepErr := Sleep(ctx, policy.Delay(attempt)); sleepErr != nil {
			return attempts, sleepErr
		}
	}
	return attempts, err
}
