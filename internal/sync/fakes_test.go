package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// fakeProvider is an in-memory mailbox shared by every mailbox of a test.
// Cursors are the number of messages seen so far.
type fakeProvider struct {
	mu sync.Mutex

	order    []string
	messages map[string]RawMessage

	fetchErr      map[string]error
	onFetch       func(id string)
	cursorExpired bool

	createErr   map[string][]error
	createBlock bool
	created     map[string]int
	deleted     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		messages:  make(map[string]RawMessage),
		fetchErr:  make(map[string]error),
		createErr: make(map[string][]error),
		created:   make(map[string]int),
	}
}

func (p *fakeProvider) add(id, from string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, id)
	p.messages[id] = RawMessage{
		Ref:        MessageRef{ID: id},
		From:       from,
		Subject:    "subject " + id,
		BodyText:   "body of " + id,
		ReceivedAt: at,
	}
}

func (p *fakeProvider) setFetchErr(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fetchErr, id)
		return
	}
	p.fetchErr[id] = err
}

func (p *fakeProvider) Name() models.Provider { return models.ProviderGoogle }

func (p *fakeProvider) ListChangesSince(_ context.Context, _ models.Credential, cursor string) (ChangeSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursorExpired {
		return ChangeSet{}, &models.ProviderError{Provider: models.ProviderGoogle, Op: "list_changes", Status: 404, Kind: models.ErrCursorExpired, Err: fmt.Errorf("history gone")}
	}
	from, err := strconv.Atoi(cursor)
	if err != nil {
		return ChangeSet{}, models.ErrCursorExpired
	}
	var cs ChangeSet
	for i := from; i < len(p.order); i++ {
		cs.Added = append(cs.Added, MessageRef{ID: p.order[i]})
	}
	cs.Cursor = strconv.Itoa(len(p.order))
	return cs, nil
}

func (p *fakeProvider) FetchMessage(_ context.Context, _ models.Credential, ref MessageRef) (RawMessage, error) {
	p.mu.Lock()
	hook := p.onFetch
	err := p.fetchErr[ref.ID]
	msg, ok := p.messages[ref.ID]
	p.mu.Unlock()

	if hook != nil {
		hook(ref.ID)
	}
	if err != nil {
		return RawMessage{}, err
	}
	if !ok {
		return RawMessage{}, models.ErrMessageNotFound
	}
	return msg, nil
}

func (p *fakeProvider) CreateSubscription(ctx context.Context, _ models.Credential, target SubscriptionTarget) (Subscription, error) {
	p.mu.Lock()
	block := p.createBlock
	var err error
	if errs := p.createErr[target.MailboxID]; len(errs) > 0 {
		err, p.createErr[target.MailboxID] = errs[0], errs[1:]
	}
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return Subscription{}, ctx.Err()
	}
	if err != nil {
		return Subscription{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.created[target.MailboxID]++
	return Subscription{
		Ref:       fmt.Sprintf("sub-%s-%d", target.MailboxID, p.created[target.MailboxID]),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond),
	}, nil
}

func (p *fakeProvider) DeleteSubscription(_ context.Context, _ models.Credential, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ref)
	return nil
}

func (p *fakeProvider) ListHistory(ctx context.Context, cred models.Credential, sender string, fn func(MessageRef) error) error {
	p.mu.Lock()
	var refs []MessageRef
	for _, id := range p.order {
		if models.NormalizeAddress(p.messages[id].From) == models.NormalizeAddress(sender) {
			refs = append(refs, MessageRef{ID: id})
		}
	}
	p.mu.Unlock()

	for _, ref := range refs {
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProvider) CurrentCursor(context.Context, models.Credential) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strconv.Itoa(len(p.order)), nil
}

func (p *fakeProvider) CompareCursor(next, prev string) int {
	a, _ := strconv.Atoi(next)
	b, _ := strconv.Atoi(prev)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func unavailable(op string) error {
	return &models.ProviderError{Provider: models.ProviderGoogle, Op: op, Status: 503, Kind: models.ErrProviderUnavailable, Err: fmt.Errorf("backend error")}
}

type refresherFunc func(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error)

func (f refresherFunc) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, provider, refreshToken)
}

type testEnv struct {
	store     *store.Store
	creds     *auth.Manager
	provider  *fakeProvider
	providers Providers
	ingestor  *Ingestor
	backfill  *Backfiller
	pipeline  *Pipeline
	logger    *slog.Logger

	mu        sync.Mutex
	refreshed []string
	refuse    map[string]error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	e := &testEnv{
		store:    st,
		provider: newFakeProvider(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		refuse:   make(map[string]error),
	}
	e.creds = auth.NewManager(st, refresherFunc(func(_ context.Context, _ models.Provider, rt string) (*oauth2.Token, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.refuse[rt]; err != nil {
			return nil, err
		}
		e.refreshed = append(e.refreshed, rt)
		return &oauth2.Token{AccessToken: "fresh-" + rt, Expiry: time.Now().Add(time.Hour)}, nil
	}), e.logger)
	e.providers = Providers{models.ProviderGoogle: e.provider}
	e.ingestor = NewIngestor(st, e.logger)
	e.backfill = NewBackfiller(st, e.creds, e.providers, e.ingestor, e.logger)
	e.pipeline = NewPipeline(st, e.creds, e.providers, e.ingestor, e.backfill, e.logger)
	return e
}

// connect stores a mailbox with a valid credential and an active watch at
// cursor 0, tracking senders.
func (e *testEnv) connect(t *testing.T, id string, senders ...string) {
	t.Helper()
	e.connectWith(t, id, time.Now().Add(time.Hour), time.Now().Add(72*time.Hour), senders...)
}

func (e *testEnv) connectWith(t *testing.T, id string, tokenExpiry, watchExpiry time.Time, senders ...string) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.CreateMailbox(ctx, models.Mailbox{ID: id, UserID: "u1", Provider: models.ProviderGoogle, Address: id + "@example.com", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if err := e.store.SaveGrant(ctx, models.Credential{
		MailboxID:    id,
		Provider:     models.ProviderGoogle,
		AccessToken:  "at-" + id,
		RefreshToken: "rt-" + id,
		ExpiresAt:    tokenExpiry,
	}); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	if err := e.store.SaveWatch(ctx, models.Watch{
		MailboxID:       id,
		Provider:        models.ProviderGoogle,
		SubscriptionRef: "sub-" + id,
		Cursor:          "0",
		ExpiresAt:       watchExpiry,
		State:           models.WatchActive,
	}); err != nil {
		t.Fatalf("SaveWatch: %v", err)
	}
	if len(senders) > 0 {
		if _, err := e.store.AddSenders(ctx, id, senders); err != nil {
			t.Fatalf("AddSenders: %v", err)
		}
	}
}

func (e *testEnv) notify(ctx context.Context, refs ...string) []NotificationResult {
	ns := make([]models.Notification, 0, len(refs))
	for _, ref := range refs {
		ns = append(ns, models.Notification{Provider: models.ProviderGoogle, SubscriptionRef: ref})
	}
	return e.pipeline.HandleNotifications(ctx, ns)
}

func (e *testEnv) count(t *testing.T, mailboxID string) int {
	t.Helper()
	n, err := e.store.CountMail(context.Background(), mailboxID)
	if err != nil {
		t.Fatalf("CountMail: %v", err)
	}
	return n
}

func (e *testEnv) watch(t *testing.T, mailboxID string) models.Watch {
	t.Helper()
	w, err := e.store.GetWatch(context.Background(), mailboxID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	return w
}

func (e *testEnv) sender(t *testing.T, mailboxID, address string) models.TrackedSender {
	t.Helper()
	senders, err := e.store.ListSenders(context.Background(), mailboxID)
	if err != nil {
		t.Fatalf("ListSenders: %v", err)
	}
	for _, s := range senders {
		if s.Address == address {
			return s
		}
	}
	t.Fatalf("sender %s not tracked", address)
	return models.TrackedSender{}
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var oauth2RetrieveInvalidGrant = oauth2.RetrieveError{ErrorCode: "invalid_grant"}
