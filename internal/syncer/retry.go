package syncer

import (
	"context"
	"log/slog"
	"time"
)

const (
	retryAttempts = 2
	retryBaseWait = 2 * time.Second
)

// withRetry runs fn up to 1+retryAttempts times with doubling waits.
// Context cancellation is never retried.
func withRetry(ctx context.Context, desc string, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= retryAttempts || !retryable(err) {
			return err
		}
		slog.Warn("retrying after error", "op", desc, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func retryable(err error) bool {
	return !interrupted(err)
}
