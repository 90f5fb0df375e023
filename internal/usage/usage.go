// Package usage gates agreement membership against plan ceilings.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Plan identifies a subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanCreator Plan = "creator"
	PlanPro     Plan = "pro"
)

// ParsePlan normalises a stored plan id. Unknown and empty values map to free.
func ParsePlan(raw string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanCreator:
		return PlanCreator
	case PlanPro:
		return PlanPro
	default:
		return PlanFree
	}
}

// ErrNoProfile is returned by a CounterStore when the user has no profile yet.
var ErrNoProfile = errors.New("usage: no profile")

// Usage is the counter embedded in a user profile.
type Usage struct {
	PlanID         Plan `json:"planId"`
	AgreementCount int  `json:"agreementCount"`
}

// Ceiling is a plan limit. Unlimited ceilings ignore Max.
type Ceiling struct {
	Max       int  `json:"max"`
	Unlimited bool `json:"unlimited"`
}

// Allows reports whether one more agreement fits under the ceiling.
func (c Ceiling) Allows(count int) bool {
	return c.Unlimited || count < c.Max
}

// Limits maps plans to ceilings.
type Limits map[Plan]Ceiling

// DefaultLimits are the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		PlanFree:    {Max: 15},
		PlanCreator: {Max: 200},
		PlanPro:     {Unlimited: true},
	}
}

// For returns the ceiling of p, falling back to the free ceiling.
func (l Limits) For(p Plan) Ceiling {
	if c, ok := l[p]; ok {
		return c
	}
	if c, ok := l[PlanFree]; ok {
		return c
	}
	return DefaultLimits()[PlanFree]
}

// CounterStore is the user-profile store seen by the ledger. The increment
// must be a store-level atomic operation, not a read followed by a write.
type CounterStore interface {
	Usage(ctx context.Context, userID string) (Usage, error)
	IncrementAgreementCount(ctx context.Context, userID string) error
}

// Ledger answers admission questions and records admissions.
type Ledger struct {
	store  CounterStore
	limits Limits
}

// NewLedger builds a ledger; nil limits select DefaultLimits.
func NewLedger(store CounterStore, limits Limits) *Ledger {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Ledger{store: store, limits: limits}
}

// CanAdmit reports whether the user may become party to one more agreement.
// A user without a profile is admitted.
func (l *Ledger) CanAdmit(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.Usage(ctx, userID)
	if errors.Is(err, ErrNoProfile) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read usage for %s: %w", userID, err)
	}
	return l.limits.For(u.PlanID).Allows(u.AgreementCount), nil
}

// Admit records one agreement membership for the user.
func (l *Ledger) Admit(ctx context.Context, userID string) error {
	if err := l.store.IncrementAgreementCount(ctx, userID); err != nil {
		return fmt.Errorf("increment usage for %s: %w", userID, err)
	}
	return nil
}

// Snapshot returns the user's counter with the ceiling that applies to it.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Usage, Ceiling, error) {
	u, err := l.store.Usage(ctx, userID)
	if errors.Is(err, ErrNoProfile) {
		u = Usage{PlanID: PlanFree}
	} else if err != nil {
		return Usage{}, Ceiling{}, err
	}
	return u, l.limits.For(u.PlanID), nil
}
