package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type fakeMailboxes struct {
	mailboxes    map[string]models.Mailbox
	connectErr   error
	disconnected []string
	added        []string
	backfills    []string
}

func (f *fakeMailboxes) Connect(_ context.Context, userID, _ string, provider models.Provider) (models.Mailbox, error) {
	if f.connectErr != nil {
		return models.Mailbox{}, f.connectErr
	}
	mb := models.Mailbox{ID: "new", UserID: userID, Provider: provider, Address: "me@example.com"}
	f.mailboxes[mb.ID] = mb
	return mb, nil
}

func (f *fakeMailboxes) Disconnect(_ context.Context, id string) error {
	f.disconnected = append(f.disconnected, id)
	return nil
}

func (f *fakeMailboxes) Mailbox(_ context.Context, id string) (models.Mailbox, error) {
	mb, ok := f.mailboxes[id]
	if !ok {
		return models.Mailbox{}, models.ErrNotFound
	}
	return mb, nil
}

func (f *fakeMailboxes) AddSenders(_ context.Context, _ string, addrs []string) (int, error) {
	for _, a := range addrs {
		if !strings.Contains(a, "@") {
			return 0, sync.ErrInvalidSender
		}
	}
	f.added = append(f.added, addrs...)
	return len(addrs), nil
}

func (f *fakeMailboxes) StartBackfill(id string) error {
	f.backfills = append(f.backfills, id)
	return nil
}

type recordingHandler struct {
	mu   gosync.Mutex
	seen []models.Notification
}

func (h *recordingHandler) HandleNotifications(_ context.Context, ns []models.Notification) []sync.NotificationResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ns...)
	return nil
}

type staticUsers map[string]*auth.User

func (u staticUsers) UserFromRequest(r *http.Request) (*auth.User, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if user, ok := u[token]; ok {
		return user, nil
	}
	return nil, errors.New("unknown token")
}

type verifierFunc func(r *http.Request) error

func (f verifierFunc) VerifyRequest(r *http.Request) error { return f(r) }

type fakeSweeper struct{ outcomes []sync.Outcome }

func (s fakeSweeper) Sweep(context.Context) ([]sync.Outcome, error) { return s.outcomes, nil }

type testEnv struct {
	srv       *Server
	mailboxes *fakeMailboxes
	handler   *recordingHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mailboxes := &fakeMailboxes{mailboxes: map[string]models.Mailbox{
		"mb1": {ID: "mb1", UserID: "alice", Provider: models.ProviderGoogle, Address: "alice@example.com"},
		"mb2": {ID: "mb2", UserID: "bob", Provider: models.ProviderMicrosoft, Address: "bob@example.com"},
	}}
	handler := &recordingHandler{}

	srv := New(Deps{
		Mailboxes:     mailboxes,
		Notifications: handler,
		Sweeper: fakeSweeper{outcomes: []sync.Outcome{
			{MailboxID: "mb1", Kind: sync.OutcomeRenewed},
			{MailboxID: "mb2", Kind: sync.OutcomeError, Cause: sync.CauseToken},
		}},
		Users: staticUsers{"alice-token": {ID: "alice"}, "bob-token": {ID: "bob"}},
		GmailPush: verifierFunc(func(r *http.Request) error {
			if r.Header.Get("Authorization") != "Bearer google-signed" {
				return errors.New("bad token")
			}
			return nil
		}),
		Cron: auth.NewCronSigner("0123456789abcdef0123"),
		Parsers: map[models.Provider]sync.NotificationParser{
			models.ProviderGoogle:    gmail.New(gmail.Config{}, logger),
			models.ProviderMicrosoft: outlook.New(outlook.Config{}, logger),
		},
		Logger:   logger,
		Dispatch: func(fn func()) { fn() },
	})
	return &testEnv{srv: srv, mailboxes: mailboxes, handler: handler}
}

func (e *testEnv) do(method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestOutlookHandshakeEchoesToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/webhooks/outlook?validationToken=Validation%3A+Testing+client+application", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}
	if got := rec.Body.String(); got != "Validation: Testing client application" {
		t.Errorf("body = %q", got)
	}
	if len(env.handler.seen) != 0 {
		t.Errorf("handshake must not reach the pipeline, got %d notifications", len(env.handler.seen))
	}
}

func TestOutlookNotificationsAccepted(t *testing.T) {
	env := newTestEnv(t)

	body := `{"value":[
		{"subscriptionId":"sub-1","clientState":"abc","changeType":"created","resourceData":{"id":"m1"}},
		{"subscriptionId":"sub-2","clientState":"def","changeType":"created","resourceData":{"id":"m2"}}
	]}`
	rec := env.do(http.MethodPost, "/webhooks/outlook", "", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(env.handler.seen) != 2 {
		t.Fatalf("dispatched %d notifications, want 2", len(env.handler.seen))
	}
	if env.handler.seen[0].SubscriptionRef != "sub-1" || env.handler.seen[1].ClientState != "def" {
		t.Errorf("unexpected notifications %+v", env.handler.seen)
	}
}

func TestGmailWebhookRequiresPushToken(t *testing.T) {
	env := newTestEnv(t)

	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"Alice@Example.com","historyId":1234}`))
	body := `{"message":{"data":"` + data + `","messageId":"1"},"subscription":"projects/p/subscriptions/s"}`

	rec := env.do(http.MethodPost, "/webhooks/gmail", "forged", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged push status = %d, want 401", rec.Code)
	}
	if len(env.handler.seen) != 0 {
		t.Fatal("forged push reached the pipeline")
	}

	rec = env.do(http.MethodPost, "/webhooks/gmail", "google-signed", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(env.handler.seen) != 1 {
		t.Fatalf("dispatched %d notifications, want 1", len(env.handler.seen))
	}
	n := env.handler.seen[0]
	if n.SubscriptionRef != gmail.SubscriptionRef("alice@example.com") || n.CursorHint != "1234" {
		t.Errorf("notification = %+v", n)
	}
}

func TestMalformedWebhookBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/webhooks/outlook", "", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("outlook status = %d, want 400", rec.Code)
	}

	// an undecodable Pub/Sub envelope is acknowledged so it is not redelivered
	rec = env.do(http.MethodPost, "/webhooks/gmail", "google-signed", `{"message":{"data":"!!"}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("gmail status = %d, want 204", rec.Code)
	}
	if len(env.handler.seen) != 0 {
		t.Fatalf("malformed envelope dispatched %d notifications", len(env.handler.seen))
	}
}

func TestAPIRequiresUser(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodPost, "/api/mailboxes", "", `{"provider":"google"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/mailboxes", "nobody", `{"provider":"google"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown token status = %d, want 401", rec.Code)
	}
}

func TestConnectMailbox(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/mailboxes", "alice-token", `{"provider":"yahoo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported provider status = %d, want 400", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/mailboxes", "alice-token", `{"provider":"google"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body)
	}
	var mb models.Mailbox
	if err := json.Unmarshal(rec.Body.Bytes(), &mb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mb.UserID != "alice" || mb.Provider != models.ProviderGoogle {
		t.Errorf("mailbox = %+v", mb)
	}
}

func TestConnectWithoutGrantIsReconnectRequired(t *testing.T) {
	env := newTestEnv(t)
	env.mailboxes.connectErr = models.ErrCredentialMissing

	rec := env.do(http.MethodPost, "/api/mailboxes", "alice-token", `{"provider":"microsoft"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "reconnect_required") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestMailboxOwnership(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodDelete, "/api/mailboxes/mb2", "alice-token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign mailbox status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/mailboxes/missing", "alice-token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing mailbox status = %d, want 404", rec.Code)
	}
	if len(env.mailboxes.disconnected) != 0 {
		t.Fatalf("disconnected %v", env.mailboxes.disconnected)
	}

	if rec := env.do(http.MethodDelete, "/api/mailboxes/mb1", "alice-token", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(env.mailboxes.disconnected) != 1 || env.mailboxes.disconnected[0] != "mb1" {
		t.Errorf("disconnected %v", env.mailboxes.disconnected)
	}
}

func TestAddSendersAndBackfill(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/mailboxes/mb1/senders", "alice-token", `{"senders":["news@example.com","billing@example.com"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"added":2`) {
		t.Errorf("body = %s", rec.Body)
	}

	rec = env.do(http.MethodPost, "/api/mailboxes/mb1/senders", "alice-token", `{"senders":["not-an-address"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid sender status = %d, want 400", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/mailboxes/mb1/backfill", "alice-token", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("backfill status = %d, want 202", rec.Code)
	}
	if len(env.mailboxes.backfills) != 1 || env.mailboxes.backfills[0] != "mb1" {
		t.Errorf("backfills = %v", env.mailboxes.backfills)
	}
}

func TestRenewalTriggerRequiresCronToken(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodPost, "/internal/renewals", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/internal/renewals", "alice-token", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("user token status = %d, want 401", rec.Code)
	}

	token, err := auth.NewCronSigner("0123456789abcdef0123").Issue(time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := env.do(http.MethodPost, "/internal/renewals", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Outcomes []sync.Outcome          `json:"outcomes"`
		Counts   map[sync.OutcomeKind]int `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Outcomes) != 2 || resp.Counts[sync.OutcomeRenewed] != 1 || resp.Counts[sync.OutcomeError] != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	env.srv.deps.Health = func(context.Context) error { return errors.New("db down") }
	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
