package report

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Reporter sends sweep failures and reconnect-required errors to Sentry
type Reporter struct {
	hub *sentry.Hub
}

// New initializes a Sentry client for dsn. An empty dsn yields a reporter
// that drops everything.
func New(dsn, environment, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether events are sent anywhere
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// ReportOutcome captures a failed sweep outcome tagged by mailbox
func (r *Reporter) ReportOutcome(o sync.Outcome) {
	if !r.Enabled() || o.Err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("mailbox_id", o.MailboxID)
		scope.SetTag("provider", string(o.Provider))
		scope.SetTag("cause", string(o.Cause))
		scope.SetTag("error_type", "renewal")
		r.hub.CaptureException(o.Err)
	})
}

// CaptureError captures err with tags
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent
func (r *Reporter) Flush(timeout time.Duration) {
	if r.Enabled() {
		r.hub.Flush(timeout)
	}
}
