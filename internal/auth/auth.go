// Package auth issues and verifies session tokens for registered users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "muwise-session"
	defaultSessionTTL = 12 * time.Hour
)

// Claims are the session token claims.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Sessions signs HS256 session tokens. Its issuer differs from the signing
// link issuer so neither token type is accepted in place of the other.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Sessions.
type Option func(*Sessions)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Sessions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessions returns a signer bound to secret.
func NewSessions(secret string, opts ...Option) (*Sessions, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	s := &Sessions{secret: []byte(secret), issuer: defaultIssuer, ttl: defaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a session for the user.
func (s *Sessions) Issue(userID, email string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(email) == "" {
		return "", time.Time{}, errors.New("user id and email are required")
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := Claims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies a session token and returns its principal.
func (s *Sessions) Parse(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		// Allow a small clock skew of 5 seconds.
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Email) == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Email: claims.Email}, nil
}
