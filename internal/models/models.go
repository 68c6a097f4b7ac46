package models

import (
	"strings"
	"time"
)

// Provider identifies a mailbox provider
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is a supported provider
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Mailbox is one connected provider account for one user
type Mailbox struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is the OAuth token set authorizing calls against a mailbox.
// RefreshToken never changes for a given consent grant; AccessToken and
// ExpiresAt are replaced together on refresh.
type Credential struct {
	MailboxID    string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// ValidAt reports whether the access token can be used at now, leaving skew
// of headroom before expiry.
func (c Credential) ValidAt(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-skew))
}

// WatchState is the lifecycle state of a mailbox push subscription
type WatchState string

const (
	WatchUnsubscribed WatchState = "UNSUBSCRIBED"
	WatchActive       WatchState = "ACTIVE"
	WatchExpiring     WatchState = "EXPIRING"
	WatchRenewing     WatchState = "RENEWING"
	WatchFailed       WatchState = "FAILED"
)

// Watch is a provider push subscription plus the ingestion cursor of a mailbox
type Watch struct {
	MailboxID       string     `json:"mailbox_id"`
	Provider        Provider   `json:"provider"`
	SubscriptionRef string     `json:"subscription_ref"`
	Cursor          string     `json:"cursor"`
	ExpiresAt       time.Time  `json:"expires_at"`
	State           WatchState `json:"state"`
	LastError       string     `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Phase returns the effective state at now. ACTIVE watches within threshold
// of their expiry report EXPIRING; that phase is never persisted.
func (w Watch) Phase(now time.Time, threshold time.Duration) WatchState {
	if w.State == WatchActive && w.ExpiresAt.Sub(now) < threshold {
		return WatchExpiring
	}
	return w.State
}

// TrackedSender is an allow-listed address whose mail is ingested for a mailbox
type TrackedSender struct {
	ID        string `json:"id"`
	MailboxID string `json:"mailbox_id"`
	Address   string `json:"address"`
	Onboarded bool   `json:"onboarded"`
}

// NormalizeAddress lower-cases and trims an email address for allow-list matching
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// MailRecord is a normalized ingested message. (SenderRef, ReceivedAt) is
// the idempotency key.
type MailRecord struct {
	ID                string    `json:"id"`
	MailboxID         string    `json:"mailbox_id"`
	SenderRef         string    `json:"sender_ref"`
	ProviderMessageID string    `json:"provider_message_id"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
	Read              bool      `json:"read"`
}

// Notification is an untrusted hint that a mailbox changed
type Notification struct {
	Provider        Provider
	MailboxAddress  string
	SubscriptionRef string
	CursorHint      string
	ClientState     string
}
