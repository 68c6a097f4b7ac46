package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Grant is the token set and account address of a fresh consent
type Grant struct {
	Address      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// GrantClient fetches consent grants from the auth server, which owns the
// OAuth consent flow. The engine only imports the resulting tokens.
type GrantClient struct {
	baseURL string
	client  *http.Client
}

// NewGrantClient creates a client for the auth server at authServerURL
func NewGrantClient(authServerURL string, client *http.Client) *GrantClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GrantClient{baseURL: authServerURL, client: client}
}

// FetchGrant exchanges the user's JWT for the provider grant of their account
func (c *GrantClient) FetchGrant(ctx context.Context, userJWT string, provider models.Provider) (Grant, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Grant{}, fmt.Errorf("no %s account connected: %w", provider, models.ErrCredentialMissing)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Grant{}, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Email        string `json:"email"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Grant{}, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" || result.Email == "" {
		return Grant{}, fmt.Errorf("incomplete grant for %s", provider)
	}

	return Grant{
		Address:      models.NormalizeAddress(result.Email),
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
