package sync

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// MessageRef identifies a provider message
type MessageRef struct {
	ID string
}

// RawMessage is a provider message before normalization. Providers that
// return raw MIME set MIME; the others fill the parsed fields.
type RawMessage struct {
	Ref        MessageRef
	MIME       []byte
	From       string
	Subject    string
	BodyText   string
	BodyHTML   string
	ReceivedAt time.Time
}

// ChangeSet is the result of a delta listing. Cursor is the terminal
// position after every page was read.
type ChangeSet struct {
	Added  []MessageRef
	Cursor string
}

// SubscriptionTarget describes where and for whom push notifications go
type SubscriptionTarget struct {
	MailboxID   string
	Address     string
	NotifyURL   string
	ClientState string
}

// Subscription is a created push subscription. ExpiresAt is the provider's
// value, reported verbatim.
type Subscription struct {
	Ref       string
	ExpiresAt time.Time
}

// Envelope is a parsed inbound webhook request. A non-empty Handshake is a
// validation ping that must be echoed back and carries no notifications.
type Envelope struct {
	Handshake     string
	Notifications []models.Notification
}

// MailProvider interface for provider-agnostic mail sync
type MailProvider interface {
	Name() models.Provider

	// ListChangesSince returns messages added after cursor, reading every page
	ListChangesSince(ctx context.Context, cred models.Credential, cursor string) (ChangeSet, error)

	// FetchMessage returns the full content of one message
	FetchMessage(ctx context.Context, cred models.Credential, ref MessageRef) (RawMessage, error)

	// CreateSubscription registers a push subscription for the mailbox
	CreateSubscription(ctx context.Context, cred models.Credential, target SubscriptionTarget) (Subscription, error)

	// DeleteSubscription removes a push subscription; an unknown ref is success
	DeleteSubscription(ctx context.Context, cred models.Credential, ref string) error

	// ListHistory pages the complete history of messages from sender
	ListHistory(ctx context.Context, cred models.Credential, sender string, fn func(MessageRef) error) error

	// CurrentCursor returns the provider's present position for the mailbox
	CurrentCursor(ctx context.Context, cred models.Credential) (string, error)

	// CompareCursor reports whether next is behind (-1), equal to (0) or
	// ahead of (1) prev
	CompareCursor(next, prev string) int
}

// NotificationParser turns a provider webhook request into notifications
type NotificationParser interface {
	ParseNotifications(query url.Values, body []byte) (Envelope, error)
}

// Providers maps provider names to their adapters
type Providers map[models.Provider]MailProvider

// Get returns the adapter for p
func (ps Providers) Get(p models.Provider) (MailProvider, error) {
	mp, ok := ps[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", p)
	}
	return mp, nil
}
