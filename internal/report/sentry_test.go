package report

import (
	"errors"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync/internal/sync"
)

func TestDisabledReporterDropsEverything(t *testing.T) {
	r, err := New("", "test", "dev")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Enabled() {
		t.Fatal("reporter without dsn should be disabled")
	}

	r.ReportOutcome(sync.Outcome{MailboxID: "mb1", Kind: sync.OutcomeError, Err: errors.New("boom")})
	r.CaptureError(errors.New("boom"), map[string]string{"mailbox_id": "mb1"})
	r.Flush(time.Millisecond)
}

func TestNilReporterIsSafe(t *testing.T) {
	var r *Reporter
	r.ReportOutcome(sync.Outcome{Err: errors.New("boom")})
	r.CaptureError(errors.New("boom"), nil)
	r.Flush(time.Millisecond)
}

func TestInvalidDSN(t *testing.T) {
	if _, err := New("not a dsn", "test", "dev"); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
