// Package lifecycle runs agreement creation, invitations and finalization on
// top of the signer registry and the usage ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"muwise.app/internal/account"
	"muwise.app/internal/agreement"
	"muwise.app/internal/audit"
	"muwise.app/internal/ids"
	"muwise.app/internal/notify"
	"muwise.app/internal/objectstore"
	"muwise.app/internal/obs"
	"muwise.app/internal/pdf"
	"muwise.app/internal/signtoken"
	"muwise.app/internal/stream"
	"muwise.app/internal/usage"
)

var (
	ErrForbidden      = errors.New("only the agreement creator can do this")
	ErrNotParticipant = errors.New("you are not a party to this agreement")
	ErrCreatorProfile = errors.New("creator profile not found")
	ErrInvalidDraft   = errors.New("invalid agreement draft")
	ErrSignerSigned   = errors.New("signer already signed")
)

// Party names who is over quota.
type Party string

const (
	PartyCreator      Party = "creator"
	PartyCollaborator Party = "collaborator"
)

// QuotaError reports a plan ceiling reached by one party.
type QuotaError struct {
	Party Party
	Email string
}

func (e *QuotaError) Error() string {
	if e.Party == PartyCollaborator {
		return fmt.Sprintf("collaborator %s has reached the agreement limit of their plan", e.Email)
	}
	return "you have reached the agreement limit of your plan"
}

// Outcome classifies a successful AddCollaborator call.
type Outcome string

const (
	OutcomeAdded          Outcome = "added"
	OutcomeAlreadyPresent Outcome = "already_present"
)

// AddResult is returned by AddCollaborator.
type AddResult struct {
	Outcome     Outcome
	SignerID    string
	Purpose     signtoken.Purpose
	Link        string
	NotifyError error
}

// Draft is the creator-supplied content of a new agreement.
type Draft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Content     string   `json:"content"`
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDraft)
	}
	return nil
}

// Actor is the authenticated caller of a dashboard operation.
type Actor struct {
	UserID string
	Email  string
}

// Directory resolves users by id and email.
type Directory interface {
	Find(ctx context.Context, id string) (*account.User, error)
	FindByEmail(ctx context.Context, email string) (*account.User, error)
}

// Minter issues signing tokens.
type Minter interface {
	Mint(p signtoken.Payload) (string, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Agreements agreement.Store
	Registry   *agreement.Registry
	Ledger     *usage.Ledger
	Users      Directory
	Tokens     Minter
	Sender     notify.Sender
	Renderer   pdf.Renderer
	Objects    objectstore.Store
	Events     stream.Publisher
	BaseURL    string
	Now        func() time.Time
}

// Service implements the agreement lifecycle.
type Service struct {
	d Deps
}

// New validates deps and returns a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Agreements == nil:
		return nil, errors.New("lifecycle: agreement store is required")
	case d.Ledger == nil:
		return nil, errors.New("lifecycle: usage ledger is required")
	case d.Users == nil:
		return nil, errors.New("lifecycle: user directory is required")
	case d.Tokens == nil:
		return nil, errors.New("lifecycle: token minter is required")
	case d.Renderer == nil || d.Objects == nil:
		return nil, errors.New("lifecycle: pdf renderer and object store are required")
	}
	if d.Registry == nil {
		d.Registry = agreement.NewRegistry(d.Agreements)
	}
	if d.Sender == nil {
		d.Sender = notify.Log{}
	}
	if d.Events == nil {
		d.Events = stream.Discard{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.BaseURL = strings.TrimRight(d.BaseURL, "/")
	return &Service{d: d}, nil
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return obs.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CreateDraft creates an agreement with the creator as its only signer and
// counts it against the creator's plan. When the count fails after the
// agreement was stored, the id is returned together with the error.
func (s *Service) CreateDraft(ctx context.Context, creatorID string, d Draft) (string, error) {
	ctx, span := s.start(ctx, "lifecycle.CreateDraft", attribute.String("user.id", creatorID))
	defer span.End()

	if err := d.validate(); err != nil {
		return "", err
	}
	ok, err := s.d.Ledger.CanAdmit(ctx, creatorID)
	if err != nil {
		fail(span, err)
		return "", fmt.Errorf("check creator usage: %w", err)
	}
	if !ok {
		obs.UsageDenials.WithLabelValues(string(PartyCreator)).Inc()
		return "", &QuotaError{Party: PartyCreator}
	}

	creator, err := s.d.Users.Find(ctx, creatorID)
	if errors.Is(err, account.ErrNotFound) {
		return "", ErrCreatorProfile
	}
	if err != nil {
		fail(span, err)
		return "", fmt.Errorf("load creator: %w", err)
	}

	now := s.d.Now().UTC()
	a := &agreement.Agreement{
		ID:          ids.New(),
		Title:       strings.TrimSpace(d.Title),
		Description: d.Description,
		Category:    d.Category,
		Tags:        d.Tags,
		Content:     d.Content,
		CreatedBy:   creatorID,
		Status:      agreement.StatusDraft,
		Signers: []agreement.Signer{{
			ID:    ids.Signer(),
			Name:  creator.DisplayName,
			Email: creator.Email,
			Role:  agreement.CreatorRole,
		}},
		CreatedAt:    now,
		LastModified: now,
	}
	a.SyncSignerEmails()
	if err := s.d.Agreements.Create(ctx, a); err != nil {
		fail(span, err)
		return "", fmt.Errorf("store agreement: %w", err)
	}

	if err := s.d.Ledger.Admit(ctx, creatorID); err != nil {
		// The agreement stays; usage is undercounted by one.
		obs.Error("usage_admit_failed", err, map[string]any{"agreement_id": a.ID, "user_id": creatorID, "party": PartyCreator})
		fail(span, err)
		return a.ID, fmt.Errorf("count agreement for creator: %w", err)
	}

	_ = audit.LogEvent(ctx, "agreement.created", map[string]any{"agreement_id": a.ID})
	span.SetAttributes(attribute.String("agreement.id", a.ID))
	return a.ID, nil
}

// AddCollaborator invites a signer. A registered invitee is gated by their own
// plan and counted once added. Re-inviting an email already on the agreement
// is reported as OutcomeAlreadyPresent. Email delivery failures are returned
// in AddResult.NotifyError and never undo the invitation.
func (s *Service) AddCollaborator(ctx context.Context, actorID, agreementID string, in agreement.SignerInput) (AddResult, error) {
	ctx, span := s.start(ctx, "lifecycle.AddCollaborator", attribute.String("agreement.id", agreementID))
	defer span.End()

	if err := in.Validate(); err != nil {
		return AddResult{}, err
	}
	a, err := s.d.Agreements.Get(ctx, agreementID)
	if err != nil {
		return AddResult{}, err
	}
	if a.CreatedBy != actorID {
		return AddResult{}, ErrForbidden
	}
	if a.Status == agreement.StatusCompleted {
		return AddResult{}, agreement.ErrFrozen
	}

	invitee, err := s.registeredUser(ctx, in.Email)
	if err != nil {
		fail(span, err)
		return AddResult{}, err
	}
	if invitee != nil {
		ok, err := s.d.Ledger.CanAdmit(ctx, invitee.ID)
		if err != nil {
			fail(span, err)
			return AddResult{}, fmt.Errorf("check collaborator usage: %w", err)
		}
		if !ok {
			obs.UsageDenials.WithLabelValues(string(PartyCollaborator)).Inc()
			return AddResult{}, &QuotaError{Party: PartyCollaborator, Email: strings.TrimSpace(in.Email)}
		}
	}

	signerID, err := s.d.Registry.AddSigner(ctx, agreementID, in)
	if errors.Is(err, agreement.ErrSignerExists) {
		obs.Warn("signer_already_present", map[string]any{"agreement_id": agreementID})
		res := AddResult{Outcome: OutcomeAlreadyPresent}
		if existing, ok := a.SignerByEmail(in.Email); ok {
			res.SignerID = existing.ID
		}
		return res, nil
	}
	if err != nil {
		fail(span, err)
		return AddResult{}, err
	}
	res := AddResult{Outcome: OutcomeAdded, SignerID: signerID, Purpose: signtoken.PurposeGuest}

	if invitee != nil {
		res.Purpose = signtoken.PurposeUser
		if err := s.d.Ledger.Admit(ctx, invitee.ID); err != nil {
			obs.Error("usage_admit_failed", err, map[string]any{"agreement_id": agreementID, "user_id": invitee.ID, "party": PartyCollaborator})
			fail(span, err)
			return res, fmt.Errorf("count agreement for collaborator: %w", err)
		}
	}

	s.d.Events.Publish(stream.Event{Type: stream.SignerAdded, AgreementID: agreementID, SignerID: signerID})
	_ = audit.LogEvent(ctx, "agreement.signer_added", map[string]any{
		"agreement_id": agreementID,
		"signer_id":    signerID,
		"registered":   invitee != nil,
	})

	link, err := s.mintLink(a.ID, signerID, strings.TrimSpace(in.Email), res.Purpose)
	if err != nil {
		fail(span, err)
		return res, err
	}
	res.Link = link
	res.NotifyError = s.send(ctx, a, actorID, signerID, strings.TrimSpace(in.Name), strings.TrimSpace(in.Email), link, res.Purpose)
	return res, nil
}

// Resend mints a fresh link for an unsigned signer and emails it again.
func (s *Service) Resend(ctx context.Context, actorID, agreementID, signerID string) (AddResult, error) {
	ctx, span := s.start(ctx, "lifecycle.Resend", attribute.String("agreement.id", agreementID))
	defer span.End()

	a, err := s.d.Agreements.Get(ctx, agreementID)
	if err != nil {
		return AddResult{}, err
	}
	if a.CreatedBy != actorID {
		return AddResult{}, ErrForbidden
	}
	signer, ok := a.Signer(signerID)
	if !ok {
		return AddResult{}, agreement.ErrSignerNotFound
	}
	if signer.Signed {
		return AddResult{}, ErrSignerSigned
	}
	invitee, err := s.registeredUser(ctx, signer.Email)
	if err != nil {
		fail(span, err)
		return AddResult{}, err
	}
	purpose := signtoken.PurposeGuest
	if invitee != nil {
		purpose = signtoken.PurposeUser
	}
	link, err := s.mintLink(a.ID, signer.ID, signer.Email, purpose)
	if err != nil {
		fail(span, err)
		return AddResult{}, err
	}
	res := AddResult{Outcome: OutcomeAlreadyPresent, SignerID: signer.ID, Purpose: purpose, Link: link}
	if err := s.send(ctx, a, actorID, signer.ID, signer.Name, signer.Email, link, purpose); err != nil {
		fail(span, err)
		return res, err
	}
	return res, nil
}

func (s *Service) registeredUser(ctx context.Context, email string) (*account.User, error) {
	u, err := s.d.Users.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up invitee: %w", err)
	}
	return u, nil
}

func (s *Service) mintLink(agreementID, signerID, email string, purpose signtoken.Purpose) (string, error) {
	token, err := s.d.Tokens.Mint(signtoken.Payload{
		AgreementID: agreementID,
		SignerID:    signerID,
		Email:       email,
		Purpose:     purpose,
	})
	if err != nil {
		obs.TokenOps.WithLabelValues("mint", "error").Inc()
		return "", fmt.Errorf("mint signing token: %w", err)
	}
	obs.TokenOps.WithLabelValues("mint", "ok").Inc()
	return signtoken.Link(s.d.BaseURL, token, purpose), nil
}

func (s *Service) send(ctx context.Context, a *agreement.Agreement, actorID, signerID, name, email, link string, purpose signtoken.Purpose) error {
	inviter := ""
	if u, err := s.d.Users.Find(ctx, actorID); err == nil {
		inviter = u.DisplayName
	}
	err := s.d.Sender.SendInvitation(ctx, notify.Invitation{
		To:             email,
		SignerName:     name,
		AgreementTitle: a.Title,
		InviterName:    inviter,
		Link:           link,
		RequiresLogin:  purpose.RequiresAuthentication(),
	})
	if err != nil {
		obs.Error("invitation_failed", err, map[string]any{"agreement_id": a.ID, "signer_id": signerID})
		return fmt.Errorf("send invitation: %w", err)
	}
	return nil
}

var (
	errAlreadyFinal = errors.New("agreement already completed")
	errIncomplete   = errors.New("agreement has unsigned signers")
)

// FinalizeIfComplete renders and stores the signed PDF and marks the agreement
// Completed once every signer signed. It returns nil while any signature is
// missing and the existing artifact if the agreement is already Completed, so
// it is safe to call after every signature.
func (s *Service) FinalizeIfComplete(ctx context.Context, agreementID string) (*agreement.Artifact, error) {
	ctx, span := s.start(ctx, "lifecycle.FinalizeIfComplete", attribute.String("agreement.id", agreementID))
	defer span.End()

	a, err := s.d.Agreements.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if a.Status == agreement.StatusCompleted {
		return &agreement.Artifact{URL: a.PDFURL}, nil
	}
	if !a.AllSigned() {
		return nil, nil
	}

	completedAt := s.d.Now().UTC()
	a.CompletedAt = &completedAt
	doc, err := s.d.Renderer.Render(a)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	url, err := s.d.Objects.Put(ctx, objectstore.AgreementKey(a.ID), doc, pdf.ContentType)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("upload pdf: %w", err)
	}

	var existing string
	_, err = s.d.Agreements.Update(ctx, agreementID, func(cur *agreement.Agreement) error {
		if cur.Status == agreement.StatusCompleted {
			existing = cur.PDFURL
			return errAlreadyFinal
		}
		if !cur.AllSigned() {
			return errIncomplete
		}
		cur.PDFURL = url
		cur.Status = agreement.StatusCompleted
		cur.CompletedAt = &completedAt
		cur.LastModified = completedAt
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyFinal):
		return &agreement.Artifact{URL: existing}, nil
	case errors.Is(err, errIncomplete):
		return nil, nil
	case err != nil:
		fail(span, err)
		return nil, fmt.Errorf("complete agreement: %w", err)
	}

	obs.Finalized.Inc()
	obs.Info("agreement_completed", map[string]any{"agreement_id": agreementID, "pdf_url": url})
	s.d.Events.Publish(stream.Event{Type: stream.AgreementCompleted, AgreementID: agreementID, PDFURL: url, Timestamp: completedAt})
	_ = audit.LogEvent(ctx, "agreement.completed", map[string]any{"agreement_id": agreementID})
	return &agreement.Artifact{URL: url}, nil
}

// Get returns an agreement visible to the actor.
func (s *Service) Get(ctx context.Context, actor Actor, agreementID string) (*agreement.Agreement, error) {
	a, err := s.d.Agreements.Get(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !a.Involves(actor.UserID, actor.Email) {
		return nil, ErrNotParticipant
	}
	return a, nil
}

// List returns the agreements the actor created or is asked to sign.
func (s *Service) List(ctx context.Context, actor Actor) ([]*agreement.Agreement, error) {
	return s.d.Agreements.ListForUser(ctx, actor.UserID, actor.Email)
}

// DeleteDraft removes a Draft agreement nobody has signed yet.
func (s *Service) DeleteDraft(ctx context.Context, actorID, agreementID string) error {
	ctx, span := s.start(ctx, "lifecycle.DeleteDraft", attribute.String("agreement.id", agreementID))
	defer span.End()

	err := s.d.Agreements.Delete(ctx, agreementID, func(a *agreement.Agreement) error {
		if a.CreatedBy != actorID {
			return ErrForbidden
		}
		if a.Status != agreement.StatusDraft || a.AnySigned() {
			return agreement.ErrNotDeletable
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.d.Events.Publish(stream.Event{Type: stream.AgreementDeleted, AgreementID: agreementID})
	_ = audit.LogEvent(ctx, "agreement.deleted", map[string]any{"agreement_id": agreementID})
	return nil
}

// Usage reports the actor's counter and ceiling.
func (s *Service) Usage(ctx context.Context, userID string) (usage.Usage, usage.Ceiling, error) {
	return s.d.Ledger.Snapshot(ctx, userID)
}
