// Package account holds user profiles: identity, credentials, plan and the
// agreement usage counter.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"muwise.app/internal/usage"
)

var (
	ErrNotFound      = errors.New("account: not found")
	ErrAlreadyExists = errors.New("account: already exists")
	ErrInvalidInput  = errors.New("account: invalid input")
)

// User is a registered platform user.
type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"displayName"`
	PasswordHash   string     `json:"-"`
	PlanID         usage.Plan `json:"planId"`
	AgreementCount int        `json:"agreementCount"`

	StripeSubscriptionID     string `json:"stripeSubscriptionId,omitempty"`
	StripePriceID            string `json:"stripePriceId,omitempty"`
	StripeSubscriptionStatus string `json:"stripeSubscriptionStatus,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription is the billing state pushed by the payment provider.
type Subscription struct {
	ID      string
	PriceID string
	Status  string
	Plan    usage.Plan
}

// Store persists users. Email lookups are case-insensitive.
type Store interface {
	usage.CounterStore

	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateSubscription(ctx context.Context, userID string, sub Subscription) error
}

// NormalizeEmail is the comparison key for emails.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks the fields required to create a user.
func (u *User) Validate() error {
	email := strings.TrimSpace(u.Email)
	if email == "" || !strings.Contains(email, "@") {
		return errors.Join(ErrInvalidInput, errors.New("a valid email is required"))
	}
	if strings.TrimSpace(u.DisplayName) == "" {
		return errors.Join(ErrInvalidInput, errors.New("display name is required"))
	}
	return nil
}
