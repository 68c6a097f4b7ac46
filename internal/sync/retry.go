package sync

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

const maxBackoff = 30 * time.Second

// withRetry runs fn up to attempts times, backing off exponentially between
// attempts. Only provider unavailability is retried.
func withRetry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		var v T
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, models.ErrProviderUnavailable) {
			return zero, err
		}
	}
	return zero, err
}
