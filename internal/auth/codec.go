// Package auth issues and verifies the signed bearer tokens that carry a
// caller's username between requests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLifetime is how long an issued token stays valid.
const DefaultLifetime = 24 * time.Hour

// MinSecretLength is the shortest accepted HMAC-SHA256 key.
const MinSecretLength = 32

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrMissingSubject   = errors.New("token has no subject")
	ErrWeakSecret       = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
)

// Codec signs tokens with a process-wide HS256 secret.
type Codec struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(secret string, lifetime time.Duration, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	c := &Codec{
		secret:   []byte(secret),
		lifetime: lifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lifetime returns the configured token validity window.
func (c *Codec) Lifetime() time.Duration {
	return c.lifetime
}

// Issue returns a token whose subject is the given username.
func (c *Codec) Issue(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrMissingSubject
	}

	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.lifetime)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature before looking at any claim and returns the
// subject. Expiry is only reported for tokens whose signature is intact.
func (c *Codec) Verify(token string) (string, error) {
	if token == "" || strings.Count(token, ".") != 2 {
		return "", ErrMalformedToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidSignature
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}

	return claims.Subject, nil
}
