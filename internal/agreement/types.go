// Package agreement models contract instances and the signer registry
// embedded in them.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("agreement not found")
	ErrSignerNotFound = errors.New("signer not found in this agreement")
	ErrSignerExists   = errors.New("signer with this email already exists")
	ErrAlreadySigned  = errors.New("signer has already signed")
	ErrFrozen         = errors.New("agreement is completed and can no longer change")
	ErrInvalidSigner  = errors.New("invalid signer data")
	ErrInvalid        = errors.New("invalid agreement")
	ErrNotDeletable   = errors.New("only draft agreements without signatures can be deleted")
)

// Status is the agreement lifecycle state.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
)

// ParseStatus accepts the canonical names and the library aliases
// (Borrador, Pendiente, Completado), case-insensitively.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "draft", "borrador":
		return StatusDraft, nil
	case "pending", "pendiente":
		return StatusPending, nil
	case "completed", "completado":
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, raw)
}

// CreatorRole is the role given to the signer created with the agreement.
const CreatorRole = "Creator"

// Signer is one required signature.
type Signer struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	Signed    bool       `json:"signed"`
	SignedAt  *time.Time `json:"signedAt,omitempty"`
	Signature string     `json:"signature,omitempty"`
}

// SignerInput is the caller-supplied part of a new signer.
type SignerInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Validate rejects incomplete signer data before any store mutation.
func (in SignerInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}
	email := strings.TrimSpace(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(in.Role) == "" {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidSigner, strings.Join(missing, ", "))
	}
	return nil
}

// Agreement is a contract instance.
type Agreement struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Content      string     `json:"content,omitempty"`
	CreatedBy    string     `json:"createdBy"`
	Status       Status     `json:"status"`
	Signers      []Signer   `json:"signers"`
	SignerEmails []string   `json:"signerEmails"`
	PDFURL       string     `json:"pdfUrl,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastModified time.Time  `json:"lastModified"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// SameEmail compares emails the way signer identity is matched.
func SameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Signer returns the signer with the given id.
func (a *Agreement) Signer(id string) (*Signer, bool) {
	for i := range a.Signers {
		if a.Signers[i].ID == id {
			return &a.Signers[i], true
		}
	}
	return nil, false
}

// SignerByEmail returns the signer with a case-insensitively equal email.
func (a *Agreement) SignerByEmail(email string) (*Signer, bool) {
	for i := range a.Signers {
		if SameEmail(a.Signers[i].Email, email) {
			return &a.Signers[i], true
		}
	}
	return nil, false
}

// AllSigned reports whether every signer signed. An agreement without signers
// is never complete.
func (a *Agreement) AllSigned() bool {
	if len(a.Signers) == 0 {
		return false
	}
	for _, s := range a.Signers {
		if !s.Signed {
			return false
		}
	}
	return true
}

// AnySigned reports whether at least one signature exists.
func (a *Agreement) AnySigned() bool {
	for _, s := range a.Signers {
		if s.Signed {
			return true
		}
	}
	return false
}

// Involves reports whether the user created the agreement or is listed as a signer.
func (a *Agreement) Involves(userID, email string) bool {
	if userID != "" && a.CreatedBy == userID {
		return true
	}
	if email == "" {
		return false
	}
	_, ok := a.SignerByEmail(email)
	return ok
}

// SyncSignerEmails rebuilds the derived email list from the signer list.
func (a *Agreement) SyncSignerEmails() {
	emails := make([]string, 0, len(a.Signers))
	for _, s := range a.Signers {
		emails = append(emails, s.Email)
	}
	a.SignerEmails = emails
}

// Validate checks the record invariants. Stores call it before every commit.
func (a *Agreement) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.TrimSpace(a.CreatedBy) == "" {
		return fmt.Errorf("%w: creator is required", ErrInvalid)
	}
	switch a.Status {
	case StatusDraft, StatusPending, StatusCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, a.Status)
	}

	seenIDs := make(map[string]struct{}, len(a.Signers))
	seenEmails := make(map[string]struct{}, len(a.Signers))
	for _, s := range a.Signers {
		if s.ID == "" {
			return fmt.Errorf("%w: signer without id", ErrInvalid)
		}
		if _, dup := seenIDs[s.ID]; dup {
			return fmt.Errorf("%w: duplicate signer id %s", ErrInvalid, s.ID)
		}
		seenIDs[s.ID] = struct{}{}
		key := strings.ToLower(strings.TrimSpace(s.Email))
		if _, dup := seenEmails[key]; dup {
			return fmt.Errorf("%w: duplicate signer email %s", ErrInvalid, s.Email)
		}
		seenEmails[key] = struct{}{}
		if s.Signed != (s.SignedAt != nil && s.Signature != "") {
			return fmt.Errorf("%w: signer %s has inconsistent signature state", ErrInvalid, s.ID)
		}
		if !s.Signed && (s.SignedAt != nil || s.Signature != "") {
			return fmt.Errorf("%w: unsigned signer %s carries signature data", ErrInvalid, s.ID)
		}
	}

	if len(a.SignerEmails) != len(a.Signers) {
		return fmt.Errorf("%w: signer email index out of sync", ErrInvalid)
	}
	for i, s := range a.Signers {
		if a.SignerEmails[i] != s.Email {
			return fmt.Errorf("%w: signer email index out of sync", ErrInvalid)
		}
	}

	if a.Status == StatusCompleted && (!a.AllSigned() || a.PDFURL == "") {
		return fmt.Errorf("%w: completed agreement needs every signature and a pdf", ErrInvalid)
	}
	return nil
}

// Clone returns a deep copy.
func (a *Agreement) Clone() *Agreement {
	out := *a
	out.Tags = append([]string(nil), a.Tags...)
	out.Signers = make([]Signer, len(a.Signers))
	for i, s := range a.Signers {
		if s.SignedAt != nil {
			t := *s.SignedAt
			s.SignedAt = &t
		}
		out.Signers[i] = s
	}
	out.SignerEmails = append([]string(nil), a.SignerEmails...)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Store persists agreements. Update is a transactional read-modify-write
// scoped to one agreement: fn sees the current record, and either every change
// it makes is committed together or none is. An error from fn aborts the write
// and is returned wrapped.
type Store interface {
	Create(ctx context.Context, a *Agreement) error
	Get(ctx context.Context, id string) (*Agreement, error)
	Update(ctx context.Context, id string, fn func(*Agreement) error) (*Agreement, error)
	Delete(ctx context.Context, id string, guard func(*Agreement) error) error
	ListForUser(ctx context.Context, userID, email string) ([]*Agreement, error)
}

// SortNewestFirst orders agreements by creation time, newest first.
func SortNewestFirst(items []*Agreement) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// Artifact is the finalized document of a completed agreement.
type Artifact struct {
	URL string `json:"url"`
}
