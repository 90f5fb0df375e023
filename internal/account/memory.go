package account

import (
	"context"
	"sync"
	"time"

	"muwise.app/internal/ids"
	"muwise.app/internal/usage"
)

var _ Store = (*Memory)(nil)

// Memory implements Store in process memory.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *Memory) Create(ctx context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	key := NormalizeEmail(u.Email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[key]; ok {
		return ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, ok := m.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	u.PlanID = usage.ParsePlan(string(u.PlanID))
	u.CreatedAt, u.UpdatedAt = now, now
	stored := *u
	m.users[u.ID] = &stored
	m.byEmail[key] = u.ID
	return nil
}

func (m *Memory) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (m *Memory) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.users[id]
	return &out, nil
}

func (m *Memory) Usage(ctx context.Context, userID string) (usage.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return usage.Usage{}, usage.ErrNoProfile
	}
	return usage.Usage{PlanID: u.PlanID, AgreementCount: u.AgreementCount}, nil
}

func (m *Memory) IncrementAgreementCount(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.AgreementCount++
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, userID string, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PlanID = usage.ParsePlan(string(sub.Plan))
	u.StripeSubscriptionID = sub.ID
	u.StripePriceID = sub.PriceID
	u.StripeSubscriptionStatus = sub.Status
	u.UpdatedAt = time.Now().UTC()
	return nil
}
