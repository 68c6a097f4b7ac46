package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const cronSubject = "renewal-scheduler"

// CronSigner issues and checks the HS256 tokens an external scheduler
// presents when triggering a renewal sweep.
type CronSigner struct {
	secret []byte
}

// NewCronSigner creates a signer for secret
func NewCronSigner(secret string) *CronSigner {
	return &CronSigner{secret: []byte(secret)}
}

// Issue returns a token valid for ttl
func (s *CronSigner) Issue(ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   cronSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign cron token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and subject of a cron token
func (s *CronSigner) Verify(tokenString string) error {
	if len(s.secret) == 0 {
		return errors.New("cron secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid cron token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject != cronSubject {
		return errors.New("invalid cron token")
	}
	return nil
}
