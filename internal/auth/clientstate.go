package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ClientState derives the opaque clientState registered with an Outlook
// subscription and echoed back on every notification.
type ClientState struct {
	secret []byte
}

// NewClientState creates a deriver keyed by secret
func NewClientState(secret string) *ClientState {
	return &ClientState{secret: []byte(secret)}
}

// For returns the clientState of a mailbox
func (c *ClientState) For(mailboxID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(mailboxID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether state was issued for mailboxID
func (c *ClientState) Verify(mailboxID, state string) bool {
	got, err := hex.DecodeString(state)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(mailboxID))
	return hmac.Equal(got, mac.Sum(nil))
}
