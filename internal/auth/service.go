package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"muwise.app/internal/account"
	"muwise.app/internal/usage"
)

// placeholderHash keeps login timing similar for unknown emails.
const placeholderHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoO5h3G1pQkq1Ue1tkfFhxQFX/PqIvB1ZW"

// Service registers users and opens sessions.
type Service struct {
	users    account.Store
	sessions *Sessions
}

// NewService binds registration and login to a user store.
func NewService(users account.Store, sessions *Sessions) *Service {
	return &Service{users: users, sessions: sessions}
}

// Sessions returns the session signer.
func (s *Service) Sessions() *Sessions { return s.sessions }

// Session is an issued login.
type Session struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
	User      *account.User `json:"user"`
}

// Register creates a user on the free plan with a zero usage counter.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*Session, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &account.User{
		Email:        strings.TrimSpace(email),
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		PlanID:       usage.PlanFree,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return s.open(u)
}

// Login checks the credentials and issues a session.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		_ = VerifyPassword(placeholderHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.open(u)
}

func (s *Service) open(u *account.User) (*Session, error) {
	token, expires, err := s.sessions.Issue(u.ID, u.Email)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, User: u}, nil
}
