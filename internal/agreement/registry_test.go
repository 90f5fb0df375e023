package agreement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seed(t *testing.T, store Store, status Status) *Agreement {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Agreement{
		ID:        "agr-1",
		Title:     "Split sheet",
		CreatedBy: "user-creator",
		Status:    status,
		Signers: []Signer{
			{ID: "signer-creator", Name: "Ana", Email: "ana@example.com", Role: CreatorRole},
		},
		CreatedAt:    now,
		LastModified: now,
	}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestAddSignerAppendsAndDerivesEmails(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusDraft)
	reg := NewRegistry(store)

	id, err := reg.AddSigner(context.Background(), "agr-1", SignerInput{Name: "Bea", Email: "Bea@Example.com", Role: "Producer"})
	if err != nil {
		t.Fatalf("add signer: %v", err)
	}
	got, err := store.Get(context.Background(), "agr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Signers) != 2 || got.Signers[1].ID != id || got.Signers[1].Signed {
		t.Fatalf("unexpected signers: %+v", got.Signers)
	}
	if want := []string{"ana@example.com", "Bea@Example.com"}; fmt.Sprint(got.SignerEmails) != fmt.Sprint(want) {
		t.Fatalf("signer emails = %v, want %v", got.SignerEmails, want)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want Pending", got.Status)
	}
}

func TestAddSignerRejectsDuplicateEmailCaseInsensitive(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	reg := NewRegistry(store)

	_, err := reg.AddSigner(context.Background(), "agr-1", SignerInput{Name: "Ana again", Email: "ANA@example.com", Role: "Writer"})
	if !errors.Is(err, ErrSignerExists) {
		t.Fatalf("expected ErrSignerExists, got %v", err)
	}
	got, _ := store.Get(context.Background(), "agr-1")
	if len(got.Signers) != 1 {
		t.Fatalf("signer list changed: %+v", got.Signers)
	}
}

func TestAddSignerValidationAndState(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		id     string
		in     SignerInput
		want   error
	}{
		{"missing name", StatusPending, "agr-1", SignerInput{Email: "x@example.com", Role: "Writer"}, ErrInvalidSigner},
		{"bad email", StatusPending, "agr-1", SignerInput{Name: "X", Email: "nope", Role: "Writer"}, ErrInvalidSigner},
		{"missing role", StatusPending, "agr-1", SignerInput{Name: "X", Email: "x@example.com"}, ErrInvalidSigner},
		{"unknown agreement", StatusPending, "agr-404", SignerInput{Name: "X", Email: "x@example.com", Role: "Writer"}, ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemory()
			seed(t, store, tc.status)
			_, err := NewRegistry(store).AddSigner(context.Background(), tc.id, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCompletedAgreementIsFrozen(t *testing.T) {
	store := NewMemory()
	signedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := &Agreement{
		ID:        "agr-done",
		CreatedBy: "user-creator",
		Status:    StatusCompleted,
		PDFURL:    "https://files.example.com/agr-done.pdf",
		Signers: []Signer{
			{ID: "signer-1", Name: "Ana", Email: "ana@example.com", Role: CreatorRole, Signed: true, SignedAt: &signedAt, Signature: "data:image/png;base64,AA=="},
		},
	}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	reg := NewRegistry(store)
	if _, err := reg.AddSigner(context.Background(), "agr-done", SignerInput{Name: "B", Email: "b@example.com", Role: "Writer"}); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	// A repeat signature on a completed agreement keeps the first one.
	at, err := reg.MarkSigned(context.Background(), "agr-done", "signer-1", "data:image/png;base64,BB==")
	if !errors.Is(err, ErrAlreadySigned) || !at.Equal(signedAt) {
		t.Fatalf("mark signed = %v, %v", at, err)
	}
}

func TestMarkSignedIsIdempotent(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	reg := NewRegistry(store, WithRegistryClock(func() time.Time { return clock }))

	first, err := reg.MarkSigned(context.Background(), "agr-1", "signer-creator", "data:image/png;base64,first")
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	clock = clock.Add(time.Hour)
	second, err := reg.MarkSigned(context.Background(), "agr-1", "signer-creator", "data:image/png;base64,second")
	if !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("second mark: expected ErrAlreadySigned, got %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("signedAt moved: %v -> %v", first, second)
	}
	s, err := reg.GetSigner(context.Background(), "agr-1", "signer-creator")
	if err != nil || s == nil {
		t.Fatalf("get signer: %v %v", s, err)
	}
	if s.Signature != "data:image/png;base64,first" {
		t.Fatalf("signature overwritten: %s", s.Signature)
	}
}

func TestMarkSignedUnknownSigner(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	reg := NewRegistry(store)
	if _, err := reg.MarkSigned(context.Background(), "agr-1", "signer-ghost", "sig"); !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
	if _, err := reg.MarkSigned(context.Background(), "agr-404", "signer-creator", "sig"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookupsTolerateMissingRecords(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	reg := NewRegistry(store)

	signed, err := reg.IsAlreadySigned(context.Background(), "agr-404", "signer-creator")
	if err != nil || signed {
		t.Fatalf("missing agreement: %v %v", signed, err)
	}
	s, err := reg.GetSigner(context.Background(), "agr-1", "signer-ghost")
	if err != nil || s != nil {
		t.Fatalf("missing signer: %v %v", s, err)
	}
}

type failingStore struct{ Store }

func (failingStore) Get(context.Context, string) (*Agreement, error) {
	return nil, errors.New("connection reset")
}

func TestLookupsPropagateStoreFailure(t *testing.T) {
	reg := NewRegistry(failingStore{NewMemory()})
	if _, err := reg.IsAlreadySigned(context.Background(), "agr-1", "signer-1"); err == nil {
		t.Fatal("expected store failure to propagate")
	}
}

func TestConcurrentAddSignerSameEmail(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	reg := NewRegistry(store)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	added, dup := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.AddSigner(context.Background(), "agr-1", SignerInput{Name: "Cy", Email: "cy@example.com", Role: "Writer"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				added++
			case errors.Is(err, ErrSignerExists):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if added != 1 || dup != workers-1 {
		t.Fatalf("added=%d dup=%d", added, dup)
	}
	got, _ := store.Get(context.Background(), "agr-1")
	if len(got.Signers) != 2 {
		t.Fatalf("expected 2 signers, got %d", len(got.Signers))
	}
}

func TestConcurrentDistinctAdditionsAllLand(t *testing.T) {
	store := NewMemory()
	seed(t, store, StatusPending)
	reg := NewRegistry(store)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := fmt.Sprintf("writer%d@example.com", i)
			if _, err := reg.AddSigner(context.Background(), "agr-1", SignerInput{Name: "W", Email: email, Role: "Writer"}); err != nil {
				t.Errorf("add %s: %v", email, err)
			}
		}(i)
	}
	wg.Wait()
	got, _ := store.Get(context.Background(), "agr-1")
	if len(got.Signers) != workers+1 || len(got.SignerEmails) != workers+1 {
		t.Fatalf("signers=%d emails=%d", len(got.Signers), len(got.SignerEmails))
	}
}
