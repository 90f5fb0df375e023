// Package signtoken issues and verifies the self-contained credentials carried
// by signing links. A token binds one signer on one agreement to an expected
// email and a purpose. Verification depends only on the token bytes, the
// secret and the clock; whether the signer already signed is checked by the
// caller against live state.
package signtoken

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TTL is the fixed lifetime of a signing token.
const TTL = 7 * 24 * time.Hour

const defaultIssuer = "muwise"

// Purpose discriminates guest signing from signing that requires a platform session.
type Purpose string

const (
	PurposeGuest Purpose = "guest-signing"
	PurposeUser  Purpose = "user-signing"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeGuest || p == PurposeUser
}

// RequiresAuthentication reports whether the signer must be logged in.
func (p Purpose) RequiresAuthentication() bool {
	return p == PurposeUser
}

var (
	ErrMissingSecret  = errors.New("signtoken: signing secret is not configured")
	ErrInvalidPayload = errors.New("signtoken: invalid payload")
	ErrMalformed      = errors.New("signtoken: malformed or unsigned token")
	ErrExpired        = errors.New("signtoken: token expired")
)

// Payload is the data bound into a signing token.
type Payload struct {
	AgreementID string  `json:"agreementId"`
	SignerID    string  `json:"signerId"`
	Email       string  `json:"email"`
	Purpose     Purpose `json:"purpose"`
}

func (p Payload) validate() error {
	switch {
	case strings.TrimSpace(p.AgreementID) == "":
		return fmt.Errorf("%w: agreement id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.SignerID) == "":
		return fmt.Errorf("%w: signer id is required", ErrInvalidPayload)
	case strings.TrimSpace(p.Email) == "":
		return fmt.Errorf("%w: email is required", ErrInvalidPayload)
	case !p.Purpose.Valid():
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidPayload, p.Purpose)
	}
	return nil
}

type claims struct {
	AgreementID string  `json:"agreementId"`
	SignerID    string  `json:"signerId"`
	Email       string  `json:"email"`
	Purpose     Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec mints and verifies signing tokens with HS256.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the wall clock, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// NewCodec builds a codec. An empty secret is a configuration error: the
// codec never signs with a default key.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	c := &Codec{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mint signs p with an expiry of TTL from now.
func (c *Codec) Mint(p Payload) (string, error) {
	p.Email = strings.TrimSpace(p.Email)
	if err := p.validate(); err != nil {
		return "", err
	}
	now := c.now().UTC()
	cl := claims{
		AgreementID: p.AgreementID,
		SignerID:    p.SignerID,
		Email:       p.Email,
		Purpose:     p.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.SignerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the bound payload.
// The error is ErrExpired for a correctly signed but stale token and
// ErrMalformed for everything else.
func (c *Codec) Verify(token string) (Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, ErrMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(c.now),
	)
	var cl claims
	parsed, err := parser.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Payload{}, ErrExpired
		}
		return Payload{}, ErrMalformed
	}
	if !parsed.Valid || cl.Subject != cl.SignerID {
		return Payload{}, ErrMalformed
	}
	p := Payload{
		AgreementID: cl.AgreementID,
		SignerID:    cl.SignerID,
		Email:       cl.Email,
		Purpose:     cl.Purpose,
	}
	if err := p.validate(); err != nil {
		return Payload{}, ErrMalformed
	}
	return p, nil
}

// GuestLink builds the link used for guest signing: {base}/sign/{token}.
func GuestLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/sign/" + url.PathEscape(token)
}

// UserLink builds the link used for authenticated signing: {base}/sign?token={token}.
func UserLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/sign?token=" + url.QueryEscape(token)
}

// Link picks the link shape matching the purpose.
func Link(baseURL, token string, purpose Purpose) string {
	if purpose.RequiresAuthentication() {
		return UserLink(baseURL, token)
	}
	return GuestLink(baseURL, token)
}
