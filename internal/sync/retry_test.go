package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

func TestWithRetryRetriesUnavailable(t *testing.T) {
	calls := 0
	v, err := withRetry(context.Background(), 3, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", unavailable("op")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("withRetry = %q, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, unavailable("op")
	})
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		return 0, models.ErrProviderRejected
	})
	if !errors.Is(err, models.ErrProviderRejected) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := withRetry(ctx, 5, time.Hour, func() (int, error) {
		calls++
		cancel()
		return 0, unavailable("op")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}
