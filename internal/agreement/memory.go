package agreement

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Update holds the store lock across fn, so
// concurrent writers to the same agreement are serialized.
type Memory struct {
	mu    sync.Mutex
	items map[string]*Agreement
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*Agreement)}
}

func (m *Memory) Create(_ context.Context, a *Agreement) error {
	if a == nil {
		return fmt.Errorf("%w: nil agreement", ErrInvalid)
	}
	rec := a.Clone()
	rec.SyncSignerEmails()
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[rec.ID]; exists {
		return fmt.Errorf("%w: id %s already used", ErrInvalid, rec.ID)
	}
	m.items[rec.ID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*Agreement) error) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	work := rec.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID = rec.ID
	work.SyncSignerEmails()
	if err := work.Validate(); err != nil {
		return nil, err
	}
	m.items[id] = work
	return work.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string, guard func(*Agreement) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if guard != nil {
		if err := guard(rec.Clone()); err != nil {
			return err
		}
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) ListForUser(_ context.Context, userID, email string) ([]*Agreement, error) {
	if userID == "" && email == "" {
		return nil, errors.New("list requires a user id or email")
	}
	m.mu.Lock()
	out := make([]*Agreement, 0)
	for _, rec := range m.items {
		if rec.Involves(userID, email) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.Unlock()
	SortNewestFirst(out)
	return out, nil
}
