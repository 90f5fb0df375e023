package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"muwise.app/internal/ids"
)

// Registry manages the signer list embedded in each agreement. Every mutation
// is one Store.Update, so the list and its derived email index change together.
type Registry struct {
	store Store
	now   func() time.Time
	newID func() string
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for signedAt and lastModified.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry binds a registry to a store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, now: time.Now, newID: ids.Signer}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the underlying store.
func (r *Registry) Store() Store { return r.store }

// AddSigner appends a new unsigned signer. A signer whose email already
// appears in the list (case-insensitively) yields ErrSignerExists and the list
// is left as it was.
func (r *Registry) AddSigner(ctx context.Context, agreementID string, in SignerInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Role = strings.TrimSpace(in.Role)

	var signerID string
	_, err := r.store.Update(ctx, agreementID, func(a *Agreement) error {
		if a.Status == StatusCompleted {
			return ErrFrozen
		}
		if _, dup := a.SignerByEmail(in.Email); dup {
			return ErrSignerExists
		}
		signerID = r.uniqueSignerID(a)
		a.Signers = append(a.Signers, Signer{
			ID:    signerID,
			Name:  in.Name,
			Email: in.Email,
			Role:  in.Role,
		})
		if a.Status == StatusDraft && len(a.Signers) > 1 {
			a.Status = StatusPending
		}
		a.LastModified = r.now().UTC()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("add signer to %s: %w", agreementID, err)
	}
	return signerID, nil
}

func (r *Registry) uniqueSignerID(a *Agreement) string {
	for {
		id := r.newID()
		if _, taken := a.Signer(id); !taken {
			return id
		}
	}
}

// MarkSigned records a signature. A signer that already signed keeps the
// first signature; its time is returned together with ErrAlreadySigned.
func (r *Registry) MarkSigned(ctx context.Context, agreementID, signerID, signature string) (time.Time, error) {
	if strings.TrimSpace(signature) == "" {
		return time.Time{}, fmt.Errorf("%w: signature is required", ErrInvalidSigner)
	}
	var signedAt time.Time
	_, err := r.store.Update(ctx, agreementID, func(a *Agreement) error {
		s, ok := a.Signer(signerID)
		if !ok {
			return ErrSignerNotFound
		}
		if s.Signed {
			signedAt = *s.SignedAt
			return ErrAlreadySigned
		}
		if a.Status == StatusCompleted {
			return ErrFrozen
		}
		now := r.now().UTC()
		s.Signed = true
		s.SignedAt = &now
		s.Signature = signature
		a.LastModified = now
		signedAt = now
		return nil
	})
	if errors.Is(err, ErrAlreadySigned) {
		return signedAt, ErrAlreadySigned
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("mark signer %s signed: %w", signerID, err)
	}
	return signedAt, nil
}

// IsAlreadySigned reads the live signed flag. A missing agreement or signer
// reports false; store failures propagate.
func (r *Registry) IsAlreadySigned(ctx context.Context, agreementID, signerID string) (bool, error) {
	s, err := r.GetSigner(ctx, agreementID, signerID)
	if err != nil || s == nil {
		return false, err
	}
	return s.Signed, nil
}

// GetSigner returns the signer, or nil when the agreement or signer is absent.
func (r *Registry) GetSigner(ctx context.Context, agreementID, signerID string) (*Signer, error) {
	a, err := r.store.Get(ctx, agreementID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agreement %s: %w", agreementID, err)
	}
	s, ok := a.Signer(signerID)
	if !ok {
		return nil, nil
	}
	out := *s
	return &out, nil
}
