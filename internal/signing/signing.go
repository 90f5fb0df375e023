// Package signing decides, for one signing link and one requester, whether a
// signature may be collected, and records it.
package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"muwise.app/internal/agreement"
	"muwise.app/internal/obs"
	"muwise.app/internal/signtoken"
	"muwise.app/internal/stream"
)

// State is the outcome class of a signing attempt.
type State string

const (
	StateTokenInvalid        State = "token_invalid"
	StateAlreadySigned       State = "already_signed"
	StateNotFound            State = "not_found"
	StateNeedsAuthentication State = "needs_authentication"
	StateIdentityMismatch    State = "identity_mismatch"
	StateInvalidSignature    State = "invalid_signature"
	StateReady               State = "ready"
	StateSigned              State = "signed"
)

// Terminal reports whether the attempt cannot proceed with the same link.
func (s State) Terminal() bool {
	switch s {
	case StateTokenInvalid, StateAlreadySigned, StateNotFound, StateIdentityMismatch, StateSigned:
		return true
	}
	return false
}

// Reasons for StateTokenInvalid.
const (
	ReasonExpired   = "expired"
	ReasonMalformed = "malformed"
)

// Identity is the authenticated requester. The zero value is anonymous.
type Identity struct {
	UserID string
	Email  string
}

// Authenticated reports whether a session identity is present.
func (id Identity) Authenticated() bool { return id.UserID != "" && id.Email != "" }

// Decision is the structured result of Check and Submit.
type Decision struct {
	State    State
	Reason   string
	Message  string
	Payload  signtoken.Payload
	Signer   *agreement.Signer
	Result   *Completion
	Verified bool
}

// Completion carries the data of a recorded signature.
type Completion struct {
	SignedAt  time.Time
	Completed bool
	PDFURL    string
}

// Finalizer completes an agreement once every signer signed.
type Finalizer interface {
	FinalizeIfComplete(ctx context.Context, agreementID string) (*agreement.Artifact, error)
}

// Verifier decodes signing tokens.
type Verifier interface {
	Verify(token string) (signtoken.Payload, error)
}

// Orchestrator runs the signing state machine.
type Orchestrator struct {
	tokens    Verifier
	registry  *agreement.Registry
	finalizer Finalizer
	events    stream.Publisher
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithFinalizer sets the completion hook run after each recorded signature.
func WithFinalizer(f Finalizer) Option {
	return func(o *Orchestrator) { o.finalizer = f }
}

// WithEvents publishes signer.signed events.
func WithEvents(p stream.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// New wires an orchestrator.
func New(tokens Verifier, registry *agreement.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{tokens: tokens, registry: registry, events: stream.Discard{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Check verifies the token, re-reads live signer state and matches identity.
// The returned error is non-nil only for store failures.
func (o *Orchestrator) Check(ctx context.Context, token string, id Identity) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "signing.Check")
	defer span.End()

	d, err := o.check(ctx, token, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	span.SetAttributes(attribute.String("signing.state", string(d.State)))
	return d, nil
}

func (o *Orchestrator) check(ctx context.Context, token string, id Identity) (Decision, error) {
	payload, err := o.tokens.Verify(token)
	if err != nil {
		reason := ReasonMalformed
		msg := "This signing link is invalid. Ask the sender for a new one."
		if errors.Is(err, signtoken.ErrExpired) {
			reason = ReasonExpired
			msg = "This signing link has expired. Ask the sender for a new one."
		}
		obs.TokenOps.WithLabelValues("verify", reason).Inc()
		return Decision{State: StateTokenInvalid, Reason: reason, Message: msg}, nil
	}
	obs.TokenOps.WithLabelValues("verify", "ok").Inc()

	d := Decision{Payload: payload, Verified: true}

	signer, err := o.registry.GetSigner(ctx, payload.AgreementID, payload.SignerID)
	if err != nil {
		return Decision{}, fmt.Errorf("load signer: %w", err)
	}
	if signer == nil || !agreement.SameEmail(signer.Email, payload.Email) {
		d.State = StateNotFound
		d.Message = "The agreement or signer for this link no longer exists."
		return d, nil
	}
	d.Signer = signer

	if signer.Signed {
		d.State = StateAlreadySigned
		d.Message = "This link was already used."
		return d, nil
	}

	if payload.Purpose.RequiresAuthentication() && !id.Authenticated() {
		d.State = StateNeedsAuthentication
		d.Message = "Sign in to continue signing."
		return d, nil
	}

	if id.Authenticated() && !agreement.SameEmail(id.Email, payload.Email) {
		d.State = StateIdentityMismatch
		d.Message = fmt.Sprintf("This link is for %s. Sign in with that account to continue.", payload.Email)
		return d, nil
	}

	d.State = StateReady
	return d, nil
}

// Submit re-runs Check and, when the attempt is Ready, records the signature
// and triggers finalization. Finalization failures are logged and leave the
// signature in place.
func (o *Orchestrator) Submit(ctx context.Context, token string, id Identity, signatureDataURL string) (Decision, error) {
	ctx, span := obs.Tracer().Start(ctx, "signing.Submit")
	defer span.End()

	d, err := o.check(ctx, token, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}
	if d.State != StateReady {
		span.SetAttributes(attribute.String("signing.state", string(d.State)))
		return d, nil
	}

	if _, _, err := agreement.ParseSignature(signatureDataURL); err != nil {
		d.State = StateInvalidSignature
		d.Message = err.Error()
		return d, nil
	}

	p := d.Payload
	signedAt, err := o.registry.MarkSigned(ctx, p.AgreementID, p.SignerID, signatureDataURL)
	switch {
	case errors.Is(err, agreement.ErrNotFound), errors.Is(err, agreement.ErrSignerNotFound):
		d.State = StateNotFound
		d.Message = "The agreement or signer for this link no longer exists."
		return d, nil
	case errors.Is(err, agreement.ErrAlreadySigned):
		d.State = StateAlreadySigned
		d.Message = "This link was already used."
		span.SetAttributes(attribute.String("signing.state", string(d.State)))
		return d, nil
	case errors.Is(err, agreement.ErrFrozen):
		d.State = StateAlreadySigned
		d.Message = "This agreement is already completed."
		return d, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	obs.Signatures.Inc()
	obs.Info("signature_recorded", map[string]any{
		"agreement_id": p.AgreementID,
		"signer_id":    p.SignerID,
		"purpose":      string(p.Purpose),
	})
	o.events.Publish(stream.Event{Type: stream.SignerSigned, AgreementID: p.AgreementID, SignerID: p.SignerID, Timestamp: signedAt})

	d.State = StateSigned
	d.Message = "Signature recorded."
	d.Result = &Completion{SignedAt: signedAt.UTC()}
	if d.Signer != nil {
		d.Signer.Signed = true
		d.Signer.SignedAt = &signedAt
	}

	if o.finalizer != nil {
		artifact, err := o.finalizer.FinalizeIfComplete(ctx, p.AgreementID)
		if err != nil {
			obs.Error("finalize_failed", err, map[string]any{"agreement_id": p.AgreementID})
		} else if artifact != nil {
			d.Result.Completed = true
			d.Result.PDFURL = artifact.URL
		}
	}
	span.SetAttributes(attribute.String("signing.state", string(d.State)))
	return d, nil
}
