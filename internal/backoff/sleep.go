package backoff

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// Sleep waits for d or until ctx ends, in which case it returns a Cancelled or
// Timeout error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return errs.FromContext(ctx, "backoff.sleep")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errs.FromContext(ctx, "backoff.sleep")
	case <-timer.C:
		return nil
	}
}
