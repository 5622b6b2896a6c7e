package batch

import (
	"context"
	"fmt"
	"time"

	"ArtifactFunnel/internal/domain"
)

// RetryPolicy bounds retries of transient provider failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Retry runs fn until it succeeds, fails permanently, or attempts run out.
// Only errors marked transient are retried; the delay doubles after each attempt.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := max(policy.Attempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := policy.Backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
