package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const user = "me"

// SubscriptionRef is the watch reference of a Gmail mailbox. Gmail allows a
// single watch per mailbox and addresses notifications by email address.
func SubscriptionRef(address string) string {
	return "gmail:" + models.NormalizeAddress(address)
}

// Config configures the Gmail adapter
type Config struct {
	// TopicName is the Pub/Sub topic Gmail publishes notifications to
	TopicName string
	// Endpoint overrides the API base URL
	Endpoint string
	// HTTPClient is the base transport for API calls
	HTTPClient *http.Client
}

// Adapter implements MailProvider for Gmail
type Adapter struct {
	cfg     Config
	breaker *providers.Breaker
	logger  *slog.Logger
}

// New creates a new Gmail adapter
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		breaker: providers.NewBreaker(models.ProviderGoogle, logger),
		logger:  logger,
	}
}

func (a *Adapter) Name() models.Provider { return models.ProviderGoogle }

// service builds a Gmail client authorized by the credential's access token.
// Refreshing is the credential manager's job, so the token source is static.
func (a *Adapter) service(ctx context.Context, cred models.Credential) (*gmail.Service, error) {
	if a.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}
	if a.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.cfg.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListChangesSince reads the mailbox history after the cursor (a history id)
func (a *Adapter) ListChangesSince(ctx context.Context, cred models.Credential, cursor string) (sync.ChangeSet, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil || start == 0 {
		return sync.ChangeSet{}, &models.ProviderError{
			Provider: models.ProviderGoogle, Op: providers.OpListChanges,
			Kind: models.ErrCursorExpired, Err: fmt.Errorf("invalid history id %q", cursor),
		}
	}

	svc, err := a.service(ctx, cred)
	if err != nil {
		return sync.ChangeSet{}, err
	}

	latest := start
	seen := make(map[string]bool)
	var added []sync.MessageRef

	err = a.breaker.Do(cred.MailboxID, providers.OpListChanges, func() error {
		call := svc.Users.History.List(user).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			MaxResults(100)
		err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				for _, rec := range h.MessagesAdded {
					if rec.Message == nil || seen[rec.Message.Id] {
						continue
					}
					seen[rec.Message.Id] = true
					added = append(added, sync.MessageRef{ID: rec.Message.Id})
				}
			}
			return nil
		})
		return classify(providers.OpListChanges, err)
	})
	if err != nil {
		return sync.ChangeSet{}, err
	}

	return sync.ChangeSet{Added: added, Cursor: strconv.FormatUint(latest, 10)}, nil
}

// FetchMessage returns the raw MIME of a message
func (a *Adapter) FetchMessage(ctx context.Context, cred models.Credential, ref sync.MessageRef) (sync.RawMessage, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return sync.RawMessage{}, err
	}

	var msg *gmail.Message
	err = a.breaker.Do(cred.MailboxID, providers.OpFetchMessage, func() error {
		var err error
		msg, err = svc.Users.Messages.Get(user, ref.ID).Format("raw").Context(ctx).Do()
		return classify(providers.OpFetchMessage, err)
	})
	if err != nil {
		return sync.RawMessage{}, err
	}

	mime, err := decodeRaw(msg.Raw)
	if err != nil {
		return sync.RawMessage{}, fmt.Errorf("failed to decode message %s: %w", ref.ID, err)
	}

	raw := sync.RawMessage{Ref: ref, MIME: mime}
	if msg.InternalDate != 0 {
		raw.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	return raw, nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// CreateSubscription starts (or restarts) the mailbox watch on the INBOX
// label. The expiration Gmail returns is reported as is.
func (a *Adapter) CreateSubscription(ctx context.Context, cred models.Credential, target sync.SubscriptionTarget) (sync.Subscription, error) {
	if a.cfg.TopicName == "" {
		return sync.Subscription{}, errors.New("gmail pubsub topic not configured")
	}
	svc, err := a.service(ctx, cred)
	if err != nil {
		return sync.Subscription{}, err
	}

	req := &gmail.WatchRequest{
		TopicName:           a.cfg.TopicName,
		LabelIds:            []string{"INBOX"},
		LabelFilterBehavior: "include",
	}

	var resp *gmail.WatchResponse
	err = a.breaker.Do(cred.MailboxID, providers.OpCreateSubscription, func() error {
		var err error
		resp, err = svc.Users.Watch(user, req).Context(ctx).Do()
		return classify(providers.OpCreateSubscription, err)
	})
	if err != nil {
		return sync.Subscription{}, err
	}

	return sync.Subscription{
		Ref:       SubscriptionRef(target.Address),
		ExpiresAt: time.UnixMilli(resp.Expiration),
	}, nil
}

// DeleteSubscription stops the mailbox watch
func (a *Adapter) DeleteSubscription(ctx context.Context, cred models.Credential, ref string) error {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return err
	}
	err = a.breaker.Do(cred.MailboxID, providers.OpDeleteSubscription, func() error {
		return classify(providers.OpDeleteSubscription, svc.Users.Stop(user).Context(ctx).Do())
	})
	if errors.Is(err, models.ErrSubscriptionNotFound) {
		return nil
	}
	return err
}

// ListHistory pages every message from sender
func (a *Adapter) ListHistory(ctx context.Context, cred models.Credential, sender string, fn func(sync.MessageRef) error) error {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return err
	}

	// callback errors must reach the caller unclassified
	var fnErr error
	err = a.breaker.Do(cred.MailboxID, providers.OpListHistory, func() error {
		call := svc.Users.Messages.List(user).
			Q("from:" + sender).
			IncludeSpamTrash(false).
			MaxResults(100)
		err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				if err := fn(sync.MessageRef{ID: m.Id}); err != nil {
					fnErr = err
					return err
				}
			}
			return nil
		})
		if fnErr != nil {
			return nil
		}
		return classify(providers.OpListHistory, err)
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// CurrentCursor returns the mailbox's latest history id
func (a *Adapter) CurrentCursor(ctx context.Context, cred models.Credential) (string, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return "", err
	}
	var profile *gmail.Profile
	err = a.breaker.Do(cred.MailboxID, providers.OpCurrentCursor, func() error {
		var err error
		profile, err = svc.Users.GetProfile(user).Context(ctx).Do()
		return classify(providers.OpCurrentCursor, err)
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// CompareCursor orders history ids numerically
func (a *Adapter) CompareCursor(x, y string) int {
	ix, _ := strconv.ParseUint(x, 10, 64)
	iy, _ := strconv.ParseUint(y, 10, 64)
	switch {
	case ix < iy:
		return -1
	case ix > iy:
		return 1
	default:
		return 0
	}
}

type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// ParseNotifications decodes a Pub/Sub push request. Each request carries
// exactly one mailbox change.
func (a *Adapter) ParseNotifications(_ url.Values, body []byte) (sync.Envelope, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return sync.Envelope{}, fmt.Errorf("failed to decode push envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return sync.Envelope{}, fmt.Errorf("failed to decode push data: %w", err)
	}
	var d pushData
	if err := json.Unmarshal(data, &d); err != nil {
		return sync.Envelope{}, fmt.Errorf("failed to decode push data: %w", err)
	}
	if d.EmailAddress == "" {
		return sync.Envelope{}, errors.New("push data missing emailAddress")
	}

	return sync.Envelope{Notifications: []models.Notification{{
		Provider:        models.ProviderGoogle,
		MailboxAddress:  models.NormalizeAddress(d.EmailAddress),
		SubscriptionRef: SubscriptionRef(d.EmailAddress),
		CursorHint:      strconv.FormatUint(d.HistoryID, 10),
	}}}, nil
}

// classify maps Gmail API errors to the sync taxonomy. Rate limiting is
// reported by Gmail as 403 with a rate limit reason.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return providers.Classify(models.ProviderGoogle, op, 0, err)
	}
	status := apiErr.Code
	if status == http.StatusForbidden {
		for _, item := range apiErr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				status = http.StatusTooManyRequests
			}
		}
	}
	return providers.Classify(models.ProviderGoogle, op, status, err)
}
