package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/models"
)

type fakeCredStore struct {
	mu      sync.Mutex
	creds   map[string]models.Credential
	updates int
}

func newFakeCredStore(creds ...models.Credential) *fakeCredStore {
	s := &fakeCredStore{creds: make(map[string]models.Credential)}
	for _, c := range creds {
		s.creds[c.MailboxID] = c
	}
	return s
}

func (s *fakeCredStore) GetCredential(_ context.Context, id string) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return models.Credential{}, models.ErrNotFound
	}
	return c, nil
}

func (s *fakeCredStore) UpdateAccessToken(_ context.Context, id, at string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return models.ErrNotFound
	}
	c.AccessToken = at
	c.ExpiresAt = exp
	s.creds[id] = c
	s.updates++
	return nil
}

func (s *fakeCredStore) ExpireAccessToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.creds[id]
	c.ExpiresAt = time.Time{}
	s.creds[id] = c
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenServer fakes a provider token endpoint answering with status/body
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func refresherFor(srv *httptest.Server) *OAuthRefresher {
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	return NewOAuthRefresher(map[models.Provider]*oauth2.Config{models.ProviderGoogle: cfg}, srv.Client())
}

func TestEnsureValidReturnsUnexpiredCredential(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{}`)
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	})
	m := NewManager(store, refresherFor(srv), discardLogger())

	cred, err := m.EnsureValid(context.Background(), "mb1")
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if cred.AccessToken != "at" {
		t.Fatalf("access token = %q", cred.AccessToken)
	}
	if *calls != 0 {
		t.Fatalf("token endpoint called %d times", *calls)
	}
}

func TestEnsureValidRefreshesExpiredCredential(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute),
	})
	m := NewManager(store, refresherFor(srv), discardLogger())

	cred, refreshed, err := m.Acquire(context.Background(), "mb1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !refreshed || cred.AccessToken != "fresh" {
		t.Fatalf("got %q refreshed=%v", cred.AccessToken, refreshed)
	}
	if *calls != 1 {
		t.Fatalf("token endpoint called %d times", *calls)
	}
	stored, _ := store.GetCredential(context.Background(), "mb1")
	if stored.AccessToken != "fresh" || stored.RefreshToken != "rt" {
		t.Fatalf("stored = %q/%q", stored.AccessToken, stored.RefreshToken)
	}
	if time.Until(stored.ExpiresAt) < 50*time.Minute {
		t.Fatalf("stored expiry %v too early", stored.ExpiresAt)
	}
}

func TestEnsureValidRefreshFailureLeavesStoreUntouched(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`)
	orig := models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	}
	store := newFakeCredStore(orig)
	m := NewManager(store, refresherFor(srv), discardLogger())

	_, err := m.EnsureValid(context.Background(), "mb1")
	if !errors.Is(err, models.ErrCredentialRefreshFailed) {
		t.Fatalf("err = %v, want ErrCredentialRefreshFailed", err)
	}
	if store.updates != 0 {
		t.Fatalf("store updated %d times", store.updates)
	}
	stored, _ := store.GetCredential(context.Background(), "mb1")
	if stored != orig {
		t.Fatalf("stored credential mutated: %+v", stored)
	}
}

func TestEnsureValidInvalidGrantIsCredentialMissing(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been revoked"}`)
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	})
	m := NewManager(store, refresherFor(srv), discardLogger())

	_, err := m.EnsureValid(context.Background(), "mb1")
	if !errors.Is(err, models.ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
}

func TestEnsureValidWithoutRefreshToken(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{}`)
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute),
	})
	m := NewManager(store, refresherFor(srv), discardLogger())

	tests := []struct {
		name    string
		mailbox string
	}{
		{"expired without refresh token", "mb1"},
		{"no credential at all", "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.EnsureValid(context.Background(), tt.mailbox)
			if !errors.Is(err, models.ErrCredentialMissing) {
				t.Fatalf("err = %v, want ErrCredentialMissing", err)
			}
		})
	}
	if *calls != 0 {
		t.Fatalf("token endpoint called %d times", *calls)
	}
}

func TestEnsureValidCancelledPersistsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	refresher := refresherFunc(func(context.Context, models.Provider, string) (*oauth2.Token, error) {
		cancel()
		return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
	})
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	})
	m := NewManager(store, refresher, discardLogger())

	if _, err := m.EnsureValid(ctx, "mb1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if store.updates != 0 {
		t.Fatalf("store updated %d times", store.updates)
	}
}

func TestLeaseDefersPersistence(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	orig := models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	}
	store := newFakeCredStore(orig)
	m := NewManager(store, refresherFor(srv), discardLogger())

	cred, refreshed, err := m.Lease(context.Background(), "mb1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if !refreshed || cred.AccessToken != "fresh" || *calls != 1 {
		t.Fatalf("got %q refreshed=%v after %d calls", cred.AccessToken, refreshed, *calls)
	}
	if stored, _ := store.GetCredential(context.Background(), "mb1"); stored != orig {
		t.Fatalf("lease persisted %+v", stored)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Commit(ctx, cred); !errors.Is(err, context.Canceled) {
		t.Fatalf("Commit on cancelled ctx = %v", err)
	}
	if store.updates != 0 {
		t.Fatalf("store updated %d times", store.updates)
	}

	if err := m.Commit(context.Background(), cred); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	stored, _ := store.GetCredential(context.Background(), "mb1")
	if stored.AccessToken != "fresh" || stored.RefreshToken != "rt" {
		t.Fatalf("stored = %q/%q", stored.AccessToken, stored.RefreshToken)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	store := newFakeCredStore(models.Credential{
		MailboxID: "mb1", Provider: models.ProviderGoogle,
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	})
	m := NewManager(store, refresherFor(srv), discardLogger())

	if err := m.Invalidate(context.Background(), "mb1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	cred, err := m.EnsureValid(context.Background(), "mb1")
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if cred.AccessToken != "fresh" || *calls != 1 {
		t.Fatalf("got %q after %d calls", cred.AccessToken, *calls)
	}
}

type refresherFunc func(context.Context, models.Provider, string) (*oauth2.Token, error)

func (f refresherFunc) Refresh(ctx context.Context, p models.Provider, rt string) (*oauth2.Token, error) {
	return f(ctx, p, rt)
}
