package models

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing means no usable token exists; the user must reconnect
	ErrCredentialMissing = errors.New("credential missing: reconnect required")
	// ErrCredentialRefreshFailed is a transient refresh failure
	ErrCredentialRefreshFailed = errors.New("credential refresh failed")
	// ErrTokenRejected means the provider refused an access token that looked valid
	ErrTokenRejected = errors.New("access token rejected")
	// ErrProviderUnavailable covers network errors, throttling and 5xx responses
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected covers any other provider refusal
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrSubscriptionNotFound is returned for unknown subscription references
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrMessageNotFound means a message vanished between listing and fetching
	ErrMessageNotFound = errors.New("message not found")
	// ErrCursorExpired means the provider no longer accepts the stored cursor
	ErrCursorExpired = errors.New("cursor expired")
	// ErrUnresolvedNotification means a notification matched no watch
	ErrUnresolvedNotification = errors.New("unresolved notification")
	// ErrIngestionConflict means the record already exists
	ErrIngestionConflict = errors.New("ingestion conflict")
	// ErrNotFound is returned when a record is not found
	ErrNotFound = errors.New("record not found")
)

// ProviderError is a provider call failure classified into the error taxonomy
type ProviderError struct {
	Provider Provider
	Op       string
	Status   int
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %v (status %d): %v", e.Provider, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
