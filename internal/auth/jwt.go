package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL publishes the keys signing Pub/Sub push OIDC tokens
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier verifies JWTs against a cached JWKS. It serves both the user
// tokens of the API and the OIDC tokens Google attaches to push requests.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	opts        []jwt.ParseOption
}

// NewJWTVerifier creates a verifier for jwksURL and warms the key cache.
// ctx bounds the lifetime of the background refresh.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts ...jwt.ParseOption) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		opts:       opts,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)

	return v, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set, opts ...jwt.ParseOption) *JWTVerifier {
	return &JWTVerifier{keySet: keySet, lastFetch: time.Now(), opts: opts}
}

// NewPushVerifier verifies Google Pub/Sub push tokens for audience
func NewPushVerifier(ctx context.Context, audience string) (*JWTVerifier, error) {
	return NewJWTVerifier(ctx, GoogleJWKSURL,
		jwt.WithIssuer("https://accounts.google.com"),
		jwt.WithAudience(audience),
	)
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
		// keep the previous set on error; retried next tick
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// Verify parses and validates a compact JWT
func (v *JWTVerifier) Verify(token string) (jwt.Token, error) {
	opts := append([]jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}, v.opts...)
	tok, err := jwt.ParseString(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return tok, nil
}

// VerifyRequest validates the bearer token of r
func (v *JWTVerifier) VerifyRequest(r *http.Request) error {
	_, err := v.Verify(bearer(r))
	return err
}

// UserFromRequest extracts and validates the user JWT of the request
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := v.Verify(bearer(r))
	if err != nil {
		return nil, err
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}

	return &User{ID: userID, Email: email}, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return h
}
