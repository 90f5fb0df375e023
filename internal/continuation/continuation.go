// Package continuation keeps a pending signing token on the server while the
// signer authenticates. The browser only ever carries an opaque one-time nonce.
package continuation

import (
	"context"
	"errors"
	"sync"
	"time"

	"muwise.app/internal/ids"
)

// TTL bounds how long a continuation survives without being resumed.
const TTL = 15 * time.Minute

var (
	ErrNotFound = errors.New("continuation not found or expired")
	ErrEmpty    = errors.New("continuation token is empty")
)

// Store saves a token under a fresh nonce and hands it back exactly once.
// Peek reads without consuming, so a resume by the wrong account leaves the
// continuation for the intended signer.
type Store interface {
	Put(ctx context.Context, token string) (string, error)
	Peek(ctx context.Context, nonce string) (string, error)
	Take(ctx context.Context, nonce string) (string, error)
}

type entry struct {
	token   string
	expires time.Time
}

// Memory is a process-local Store.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store; a zero ttl uses TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = TTL
	}
	return &Memory{items: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (m *Memory) Put(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrEmpty
	}
	nonce := ids.Nonce()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.items[nonce] = entry{token: token, expires: m.now().Add(m.ttl)}
	return nonce, nil
}

func (m *Memory) Peek(_ context.Context, nonce string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[nonce]
	if !ok || !m.now().Before(e.expires) {
		return "", ErrNotFound
	}
	return e.token, nil
}

func (m *Memory) Take(_ context.Context, nonce string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[nonce]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.items, nonce)
	if !m.now().Before(e.expires) {
		return "", ErrNotFound
	}
	return e.token, nil
}

func (m *Memory) sweep() {
	now := m.now()
	for k, e := range m.items {
		if !now.Before(e.expires) {
			delete(m.items, k)
		}
	}
}
