package lifecycle_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"muwise.app/internal/account"
	"muwise.app/internal/agreement"
	"muwise.app/internal/lifecycle"
	"muwise.app/internal/notify"
	"muwise.app/internal/objectstore"
	"muwise.app/internal/signing"
	"muwise.app/internal/signtoken"
	"muwise.app/internal/usage"
)

const drawn = "data:image/png;base64,iVBORw0KGgo="

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Invitation
	err  error
}

func (r *recordingSender) SendInvitation(_ context.Context, inv notify.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, inv)
	return nil
}

func (r *recordingSender) last(t *testing.T) notify.Invitation {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatal("no invitation sent")
	}
	return r.sent[len(r.sent)-1]
}

type stubRenderer struct{ calls int }

func (s *stubRenderer) Render(a *agreement.Agreement) ([]byte, error) {
	s.calls++
	return []byte("%PDF-1.3 " + a.ID), nil
}

type env struct {
	svc      *lifecycle.Service
	orch     *signing.Orchestrator
	users    *account.Memory
	store    *agreement.Memory
	sender   *recordingSender
	renderer *stubRenderer
	objects  *objectstore.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	users := account.NewMemory()
	store := agreement.NewMemory()
	registry := agreement.NewRegistry(store)
	codec, err := signtoken.NewCodec("lifecycle-test-secret")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	e := &env{
		users:    users,
		store:    store,
		sender:   &recordingSender{},
		renderer: &stubRenderer{},
		objects:  objectstore.NewMemory("https://files.example.com"),
	}
	e.svc, err = lifecycle.New(lifecycle.Deps{
		Agreements: store,
		Registry:   registry,
		Ledger:     usage.NewLedger(users, nil),
		Users:      users,
		Tokens:     codec,
		Sender:     e.sender,
		Renderer:   e.renderer,
		Objects:    e.objects,
		BaseURL:    "https://app.example.com/",
	})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	e.orch = signing.New(codec, registry, signing.WithFinalizer(e.svc))
	return e
}

func (e *env) register(t *testing.T, id, email, name string, plan usage.Plan, count int) {
	t.Helper()
	err := e.users.Create(context.Background(), &account.User{ID: id, Email: email, DisplayName: name, PlanID: plan, AgreementCount: count})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (e *env) count(t *testing.T, id string) int {
	t.Helper()
	u, err := e.users.Usage(context.Background(), id)
	if err != nil {
		t.Fatalf("usage %s: %v", id, err)
	}
	return u.AgreementCount
}

// tokenFrom extracts the token from a guest or user signing link.
func tokenFrom(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if tok := u.Query().Get("token"); tok != "" {
		return tok
	}
	return strings.TrimPrefix(u.Path, "/sign/")
}

func signerStates(t *testing.T, e *env, id string) []bool {
	t.Helper()
	a, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := make([]bool, len(a.Signers))
	for i, s := range a.Signers {
		out[i] = s.Signed
	}
	return out
}

func TestEndToEndSigningFlow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)
	e.register(t, "user-b", "b@example.com", "Bea", usage.PlanCreator, 0)

	// Scenario 1: A creates, invites B, B signs, finalize is a no-op.
	id, err := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Split sheet", Content: "50/50"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := e.count(t, "user-a"); got != 1 {
		t.Fatalf("creator count = %d", got)
	}
	a, _ := e.store.Get(ctx, id)
	if len(a.Signers) != 1 || a.Signers[0].Role != agreement.CreatorRole || a.Status != agreement.StatusDraft {
		t.Fatalf("unexpected draft %+v", a)
	}

	res, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Bea", Email: "B@example.com", Role: "Producer"})
	if err != nil || res.Outcome != lifecycle.OutcomeAdded || res.NotifyError != nil {
		t.Fatalf("add collaborator: %+v %v", res, err)
	}
	if res.Purpose != signtoken.PurposeUser || !strings.HasPrefix(res.Link, "https://app.example.com/sign?token=") {
		t.Fatalf("registered invitee should get a user link: %+v", res)
	}
	if got := e.count(t, "user-b"); got != 1 {
		t.Fatalf("collaborator count = %d", got)
	}
	inv := e.sender.last(t)
	if inv.To != "B@example.com" || inv.InviterName != "Ana" || !inv.RequiresLogin {
		t.Fatalf("unexpected invitation %+v", inv)
	}
	a, _ = e.store.Get(ctx, id)
	if a.Status != agreement.StatusPending {
		t.Fatalf("status = %s, want Pending", a.Status)
	}

	bTok := tokenFrom(t, inv.Link)
	bea := signing.Identity{UserID: "user-b", Email: "b@example.com"}

	// Scenario 3, first half: valid before signing.
	d, err := e.orch.Check(ctx, bTok, bea)
	if err != nil || d.State != signing.StateReady {
		t.Fatalf("check before signing: %+v %v", d, err)
	}
	d, err = e.orch.Submit(ctx, bTok, bea, drawn)
	if err != nil || d.State != signing.StateSigned || d.Result.Completed {
		t.Fatalf("B submit: %+v %v", d, err)
	}
	if got := signerStates(t, e, id); len(got) != 2 || got[0] || !got[1] {
		t.Fatalf("signer states = %v", got)
	}
	art, err := e.svc.FinalizeIfComplete(ctx, id)
	if err != nil || art != nil {
		t.Fatalf("finalize with A unsigned: %v %v", art, err)
	}

	// Scenario 3, second half: same token is now already used.
	d, err = e.orch.Check(ctx, bTok, bea)
	if err != nil || d.State != signing.StateAlreadySigned {
		t.Fatalf("re-check: %+v %v", d, err)
	}

	// Scenario 2: A signs, agreement completes and freezes.
	a, _ = e.store.Get(ctx, id)
	creatorSigner, _ := a.SignerByEmail("a@example.com")
	codec, _ := signtoken.NewCodec("lifecycle-test-secret")
	aTok, _ := codec.Mint(signtoken.Payload{AgreementID: id, SignerID: creatorSigner.ID, Email: "a@example.com", Purpose: signtoken.PurposeUser})
	d, err = e.orch.Submit(ctx, aTok, signing.Identity{UserID: "user-a", Email: "A@Example.com"}, drawn)
	if err != nil || d.State != signing.StateSigned || !d.Result.Completed {
		t.Fatalf("A submit: %+v %v", d, err)
	}
	a, _ = e.store.Get(ctx, id)
	if a.Status != agreement.StatusCompleted || a.PDFURL == "" || a.CompletedAt == nil {
		t.Fatalf("agreement not completed: %+v", a)
	}
	if _, err := e.objects.Get(objectstore.AgreementKey(id)); err != nil {
		t.Fatalf("pdf not uploaded: %v", err)
	}
	art, err = e.svc.FinalizeIfComplete(ctx, id)
	if err != nil || art == nil || art.URL != a.PDFURL || e.renderer.calls != 1 {
		t.Fatalf("repeat finalize: %v %v calls=%d", art, err, e.renderer.calls)
	}
	if _, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Cy", Email: "c@example.com", Role: "Writer"}); !errors.Is(err, agreement.ErrFrozen) {
		t.Fatalf("expected frozen, got %v", err)
	}
}

func TestCollaboratorOverQuotaLeavesSignersUnchanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanPro, 0)
	e.register(t, "user-c", "c@example.com", "Cy", usage.PlanFree, 15)

	id, err := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "License"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Cy", Email: "C@Example.com", Role: "Writer"})
	var quota *lifecycle.QuotaError
	if !errors.As(err, &quota) || quota.Party != lifecycle.PartyCollaborator || quota.Email != "C@Example.com" {
		t.Fatalf("expected collaborator quota error, got %v", err)
	}
	a, _ := e.store.Get(ctx, id)
	if len(a.Signers) != 1 || len(a.SignerEmails) != 1 {
		t.Fatalf("signers changed: %+v", a.Signers)
	}
	if got := e.count(t, "user-c"); got != 15 {
		t.Fatalf("collaborator count moved to %d", got)
	}
}

func TestCreatorOverQuota(t *testing.T) {
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 15)
	_, err := e.svc.CreateDraft(context.Background(), "user-a", lifecycle.Draft{Title: "One too many"})
	var quota *lifecycle.QuotaError
	if !errors.As(err, &quota) || quota.Party != lifecycle.PartyCreator {
		t.Fatalf("expected creator quota error, got %v", err)
	}
	list, _ := e.svc.List(context.Background(), lifecycle.Actor{UserID: "user-a", Email: "a@example.com"})
	if len(list) != 0 {
		t.Fatalf("agreement created despite quota: %d", len(list))
	}
}

func TestCreateDraftWithoutProfile(t *testing.T) {
	e := newEnv(t)
	if _, err := e.svc.CreateDraft(context.Background(), "user-ghost", lifecycle.Draft{Title: "x"}); !errors.Is(err, lifecycle.ErrCreatorProfile) {
		t.Fatalf("expected ErrCreatorProfile, got %v", err)
	}
}

func TestGuestInviteAndDuplicate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)
	id, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Feature"})

	res, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Guest", Email: "guest@example.com", Role: "Featured artist"})
	if err != nil || res.Purpose != signtoken.PurposeGuest || !strings.HasPrefix(res.Link, "https://app.example.com/sign/") {
		t.Fatalf("guest invite: %+v %v", res, err)
	}
	again, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Guest", Email: "GUEST@example.com", Role: "Featured artist"})
	if err != nil || again.Outcome != lifecycle.OutcomeAlreadyPresent || again.SignerID != res.SignerID {
		t.Fatalf("duplicate invite: %+v %v", again, err)
	}

	d, err := e.orch.Check(ctx, tokenFrom(t, res.Link), signing.Identity{})
	if err != nil || d.State != signing.StateReady {
		t.Fatalf("guest check: %+v %v", d, err)
	}
}

func TestNotifyFailureKeepsSigner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)
	id, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Feature"})
	e.sender.err = errors.New("smtp down")

	res, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "G", Email: "g@example.com", Role: "Writer"})
	if err != nil || res.Outcome != lifecycle.OutcomeAdded || res.NotifyError == nil {
		t.Fatalf("add: %+v %v", res, err)
	}
	a, _ := e.store.Get(ctx, id)
	if _, ok := a.Signer(res.SignerID); !ok {
		t.Fatal("signer rolled back after email failure")
	}

	e.sender.err = nil
	resent, err := e.svc.Resend(ctx, "user-a", id, res.SignerID)
	if err != nil || resent.Link == "" {
		t.Fatalf("resend: %+v %v", resent, err)
	}
}

func TestOnlyCreatorManagesAgreement(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)
	e.register(t, "user-x", "x@example.com", "Xavi", usage.PlanFree, 0)
	id, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Mine"})

	if _, err := e.svc.AddCollaborator(ctx, "user-x", id, agreement.SignerInput{Name: "Y", Email: "y@example.com", Role: "Writer"}); !errors.Is(err, lifecycle.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := e.svc.Get(ctx, lifecycle.Actor{UserID: "user-x", Email: "x@example.com"}, id); !errors.Is(err, lifecycle.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := e.svc.DeleteDraft(ctx, "user-x", id); !errors.Is(err, lifecycle.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDeleteDraftRules(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)

	draft, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Scratch"})
	if err := e.svc.DeleteDraft(ctx, "user-a", draft); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := e.store.Get(ctx, draft); !errors.Is(err, agreement.ErrNotFound) {
		t.Fatalf("draft still present: %v", err)
	}

	pending, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Sent"})
	if _, err := e.svc.AddCollaborator(ctx, "user-a", pending, agreement.SignerInput{Name: "G", Email: "g@example.com", Role: "Writer"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.svc.DeleteDraft(ctx, "user-a", pending); !errors.Is(err, agreement.ErrNotDeletable) {
		t.Fatalf("expected ErrNotDeletable, got %v", err)
	}
}

func TestListIncludesSignedAgreements(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "user-a", "a@example.com", "Ana", usage.PlanFree, 0)
	e.register(t, "user-b", "b@example.com", "Bea", usage.PlanFree, 0)
	id, _ := e.svc.CreateDraft(ctx, "user-a", lifecycle.Draft{Title: "Shared"})
	if _, err := e.svc.AddCollaborator(ctx, "user-a", id, agreement.SignerInput{Name: "Bea", Email: "b@example.com", Role: "Writer"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	list, err := e.svc.List(ctx, lifecycle.Actor{UserID: "user-b", Email: "B@example.com"})
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Fatalf("list for invitee: %v %v", list, err)
	}
}
