package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/goccy/go-json"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	graphScope = "https://graph.microsoft.com/.default"
	inboxID    = "inbox"
	resource   = "me/mailFolders('inbox')/messages"

	// MaxSubscriptionLifetime is the longest lifetime Graph grants for
	// Outlook message subscriptions.
	MaxSubscriptionLifetime = 4230 * time.Minute
)

var messageFields = []string{"id", "from", "subject", "receivedDateTime", "body"}

// Config configures the Outlook adapter
type Config struct {
	// Lifetime is the subscription lifetime requested from Graph
	Lifetime time.Duration
	// BaseURL overrides the Graph v1.0 root
	BaseURL string
	// HTTPClient replaces the Graph middleware client when set
	HTTPClient *http.Client
}

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	cfg     Config
	breaker *providers.Breaker
	logger  *slog.Logger
}

// New creates a new Outlook adapter
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Lifetime <= 0 || cfg.Lifetime > MaxSubscriptionLifetime {
		cfg.Lifetime = MaxSubscriptionLifetime
	}
	return &Adapter{
		cfg:     cfg,
		breaker: providers.NewBreaker(models.ProviderMicrosoft, logger),
		logger:  logger,
	}
}

func (a *Adapter) Name() models.Provider { return models.ProviderMicrosoft }

func (a *Adapter) client(cred models.Credential) (*msgraphsdk.GraphServiceClient, error) {
	auth := &bearerAuth{
		cred:   &staticTokenCredential{token: cred.AccessToken, expiresOn: cred.ExpiresAt},
		scopes: []string{graphScope},
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(auth, nil, nil, a.cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	if a.cfg.BaseURL != "" {
		adapter.SetBaseUrl(strings.TrimRight(a.cfg.BaseURL, "/"))
	}
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// ListChangesSince follows the inbox delta query from the stored deltaLink
// to its terminal deltaLink. An empty cursor starts a new delta round.
func (a *Adapter) ListChangesSince(ctx context.Context, cred models.Credential, cursor string) (sync.ChangeSet, error) {
	client, err := a.client(cred)
	if err != nil {
		return sync.ChangeSet{}, err
	}

	var added []sync.MessageRef
	deltaLink, err := a.walkDelta(ctx, client, cred.MailboxID, cursor, func(msg graphmodels.Messageable) {
		if _, removed := msg.GetAdditionalData()["@removed"]; removed {
			return
		}
		if id := msg.GetId(); id != nil {
			added = append(added, sync.MessageRef{ID: *id})
		}
	})
	if err != nil {
		return sync.ChangeSet{}, err
	}
	return sync.ChangeSet{Added: added, Cursor: deltaLink}, nil
}

// walkDelta pages a delta round and returns its deltaLink
func (a *Adapter) walkDelta(ctx context.Context, client *msgraphsdk.GraphServiceClient, mailboxID, from string, fn func(graphmodels.Messageable)) (string, error) {
	builder := client.Me().MailFolders().ByMailFolderId(inboxID).Messages().Delta()
	if from != "" {
		builder = builder.WithUrl(from)
	}
	config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: []string{"id"},
		},
	}
	if from != "" {
		config = nil
	}

	for {
		var page users.ItemMailFoldersItemMessagesDeltaGetResponseable
		err := a.breaker.Do(mailboxID, providers.OpListChanges, func() error {
			var err error
			page, err = builder.GetAsDeltaGetResponse(ctx, config)
			return classify(providers.OpListChanges, err)
		})
		if err != nil {
			return "", err
		}

		for _, msg := range page.GetValue() {
			fn(msg)
		}

		if next := page.GetOdataNextLink(); next != nil && *next != "" {
			builder = builder.WithUrl(*next)
			config = nil
			continue
		}
		if delta := page.GetOdataDeltaLink(); delta != nil && *delta != "" {
			return *delta, nil
		}
		return "", &models.ProviderError{
			Provider: models.ProviderMicrosoft, Op: providers.OpListChanges,
			Kind: models.ErrProviderRejected, Err: errors.New("delta response without next or delta link"),
		}
	}
}

// FetchMessage returns the parsed fields of a message
func (a *Adapter) FetchMessage(ctx context.Context, cred models.Credential, ref sync.MessageRef) (sync.RawMessage, error) {
	client, err := a.client(cred)
	if err != nil {
		return sync.RawMessage{}, err
	}

	config := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	}
	var msg graphmodels.Messageable
	err = a.breaker.Do(cred.MailboxID, providers.OpFetchMessage, func() error {
		var err error
		msg, err = client.Me().Messages().ByMessageId(ref.ID).Get(ctx, config)
		return classify(providers.OpFetchMessage, err)
	})
	if err != nil {
		return sync.RawMessage{}, err
	}
	return toRaw(ref, msg), nil
}

func toRaw(ref sync.MessageRef, msg graphmodels.Messageable) sync.RawMessage {
	raw := sync.RawMessage{Ref: ref}
	if from := msg.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			raw.From = *addr.GetAddress()
		}
	}
	if subject := msg.GetSubject(); subject != nil {
		raw.Subject = *subject
	}
	if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = *rcvd
	}
	if body := msg.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == graphmodels.HTML_BODYTYPE {
			raw.BodyHTML = *body.GetContent()
		} else {
			raw.BodyText = *body.GetContent()
		}
	}
	return raw
}

// CreateSubscription subscribes to messages created in the inbox. Graph may
// shorten the requested lifetime; its expirationDateTime is reported as is.
func (a *Adapter) CreateSubscription(ctx context.Context, cred models.Credential, target sync.SubscriptionTarget) (sync.Subscription, error) {
	if target.NotifyURL == "" {
		return sync.Subscription{}, errors.New("outlook subscription requires a notification URL")
	}
	client, err := a.client(cred)
	if err != nil {
		return sync.Subscription{}, err
	}

	changeType := "created"
	res := resource
	notifyURL := target.NotifyURL
	clientState := target.ClientState
	expires := time.Now().Add(a.cfg.Lifetime).UTC()

	sub := graphmodels.NewSubscription()
	sub.SetChangeType(&changeType)
	sub.SetResource(&res)
	sub.SetNotificationUrl(&notifyURL)
	sub.SetClientState(&clientState)
	sub.SetExpirationDateTime(&expires)

	var created graphmodels.Subscriptionable
	err = a.breaker.Do(cred.MailboxID, providers.OpCreateSubscription, func() error {
		var err error
		created, err = client.Subscriptions().Post(ctx, sub, nil)
		return classify(providers.OpCreateSubscription, err)
	})
	if err != nil {
		return sync.Subscription{}, err
	}
	if created.GetId() == nil || created.GetExpirationDateTime() == nil {
		return sync.Subscription{}, errors.New("graph returned an incomplete subscription")
	}

	return sync.Subscription{
		Ref:       *created.GetId(),
		ExpiresAt: *created.GetExpirationDateTime(),
	}, nil
}

// DeleteSubscription deletes a Graph subscription
func (a *Adapter) DeleteSubscription(ctx context.Context, cred models.Credential, ref string) error {
	client, err := a.client(cred)
	if err != nil {
		return err
	}
	err = a.breaker.Do(cred.MailboxID, providers.OpDeleteSubscription, func() error {
		return classify(providers.OpDeleteSubscription, client.Subscriptions().BySubscriptionId(ref).Delete(ctx, nil))
	})
	if errors.Is(err, models.ErrSubscriptionNotFound) {
		return nil
	}
	return err
}

// ListHistory pages every message from sender across all folders
func (a *Adapter) ListHistory(ctx context.Context, cred models.Credential, sender string, fn func(sync.MessageRef) error) error {
	client, err := a.client(cred)
	if err != nil {
		return err
	}

	filter := fmt.Sprintf("from/emailAddress/address eq '%s'", strings.ReplaceAll(sender, "'", "''"))
	top := int32(100)
	config := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id"},
			Top:    &top,
		},
	}
	builder := client.Me().Messages()

	for {
		var page graphmodels.MessageCollectionResponseable
		err := a.breaker.Do(cred.MailboxID, providers.OpListHistory, func() error {
			var err error
			page, err = builder.Get(ctx, config)
			return classify(providers.OpListHistory, err)
		})
		if err != nil {
			return err
		}

		for _, msg := range page.GetValue() {
			if id := msg.GetId(); id != nil {
				if err := fn(sync.MessageRef{ID: *id}); err != nil {
					return err
				}
			}
		}

		next := page.GetOdataNextLink()
		if next == nil || *next == "" {
			return nil
		}
		builder = builder.WithUrl(*next)
		config = nil
	}
}

// CurrentCursor runs a delta round from scratch and returns its deltaLink,
// the position a new watch starts from.
func (a *Adapter) CurrentCursor(ctx context.Context, cred models.Credential) (string, error) {
	client, err := a.client(cred)
	if err != nil {
		return "", err
	}
	return a.walkDelta(ctx, client, cred.MailboxID, "", func(graphmodels.Messageable) {})
}

// CompareCursor treats delta links as ordered by issue: a link different
// from the stored one was produced by a later round and is ahead of it.
func (a *Adapter) CompareCursor(next, prev string) int {
	if next == prev {
		return 0
	}
	return 1
}

type changeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// ParseNotifications handles the validation handshake and batched change
// notifications of Graph webhooks.
func (a *Adapter) ParseNotifications(query url.Values, body []byte) (sync.Envelope, error) {
	if token := query.Get("validationToken"); token != "" {
		return sync.Envelope{Handshake: token}, nil
	}

	var payload struct {
		Value []changeNotification `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return sync.Envelope{}, fmt.Errorf("failed to decode change notifications: %w", err)
	}

	env := sync.Envelope{Notifications: make([]models.Notification, 0, len(payload.Value))}
	for _, n := range payload.Value {
		if n.SubscriptionID == "" {
			continue
		}
		env.Notifications = append(env.Notifications, models.Notification{
			Provider:        models.ProviderMicrosoft,
			SubscriptionRef: n.SubscriptionID,
			CursorHint:      n.ResourceData.ID,
			ClientState:     n.ClientState,
		})
	}
	return env, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return providers.Classify(models.ProviderMicrosoft, op, odataErr.ResponseStatusCode, err)
	}
	return providers.Classify(models.ProviderMicrosoft, op, 0, err)
}

// staticTokenCredential hands Graph the access token of a credential; the
// credential manager owns refreshing.
type staticTokenCredential struct {
	token     string
	expiresOn time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := c.expiresOn
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expires}, nil
}

// bearerAuth authorizes Graph requests with a token from cred
type bearerAuth struct {
	cred   azcore.TokenCredential
	scopes []string
}

func (b *bearerAuth) AuthenticateRequest(ctx context.Context, request *abstractions.RequestInformation, _ map[string]interface{}) error {
	if request == nil {
		return errors.New("request is nil")
	}
	tok, err := b.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: b.scopes})
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}
	request.Headers.Add("Authorization", "Bearer "+tok.Token)
	return nil
}
