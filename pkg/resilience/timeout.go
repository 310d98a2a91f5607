package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn under a derived context cancelled after timeout. fn is
// expected to honour ctx; the wrapper waits for it to return so no work
// outlives the call.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(timeoutCtx)
	if err != nil && timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%s: %w (limit: %v): %w", name, context.DeadlineExceeded, timeout, err)
	}
	return err
}
