package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"muwise.app/internal/agreement"
	"muwise.app/internal/lifecycle"
	"muwise.app/internal/obs"
	"muwise.app/internal/signtoken"
	"muwise.app/internal/usage"
)

type addSignerResponse struct {
	Outcome     lifecycle.Outcome `json:"outcome"`
	SignerID    string            `json:"signerId,omitempty"`
	Purpose     signtoken.Purpose `json:"purpose,omitempty"`
	Notified    bool              `json:"notified"`
	NotifyError string            `json:"notifyError,omitempty"`
	Warning     string            `json:"warning,omitempty"`
	Link        string            `json:"link,omitempty"`
}

type usageResponse struct {
	PlanID         usage.Plan `json:"planId"`
	AgreementCount int        `json:"agreementCount"`
	Limit          *int       `json:"limit"`
	Unlimited      bool       `json:"unlimited"`
	AsOf           time.Time  `json:"asOf"`
}

func (a *API) handleAgreementsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listAgreements(w, r)
	case http.MethodPost:
		a.createAgreement(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAgreementResource dispatches /v1/agreements/{id}[/...].
func (a *API) handleAgreementResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/agreements/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.getAgreement(w, r, id)
		case http.MethodDelete:
			a.deleteAgreement(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "signers":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.addSigner(w, r, id)
	case len(parts) == 4 && parts[1] == "signers" && parts[3] == "resend":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resendInvite(w, r, id, parts[2])
	case len(parts) == 2 && parts[1] == "finalize":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.finalize(w, r, id)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.Events(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listAgreements(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	items, err := a.deps.Lifecycle.List(r.Context(), actorOf(p))
	if err != nil {
		internalError(w, r, "list_agreements", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createAgreement(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var draft lifecycle.Draft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.deps.Lifecycle.CreateDraft(r.Context(), p.UserID, draft)
	if err != nil {
		if id != "" {
			// Stored but not counted against the plan.
			obs.Error("create_agreement_admit_failed", err, map[string]any{
				"request_id":   RequestIDFromContext(r.Context()),
				"agreement_id": id,
			})
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":      "the agreement was saved but could not be counted against your plan",
				"id":         id,
				"request_id": RequestIDFromContext(r.Context()),
			})
			return
		}
		handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) getAgreement(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	rec, err := a.deps.Lifecycle.Get(r.Context(), actorOf(p), id)
	if err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteAgreement(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := a.deps.Lifecycle.DeleteDraft(r.Context(), p.UserID, id); err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addSigner(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	var in agreement.SignerInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Lifecycle.AddCollaborator(r.Context(), p.UserID, id, in)
	if err != nil && res.Outcome != lifecycle.OutcomeAdded {
		handleLifecycleError(w, r, err)
		return
	}
	if err != nil {
		// The signer was added; only the usage count failed.
		internalError(w, r, "add_signer_admit", err)
		return
	}
	writeJSON(w, addStatus(res), a.addResponse(res))
}

func (a *API) resendInvite(w http.ResponseWriter, r *http.Request, id, signerID string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := a.deps.Lifecycle.Resend(r.Context(), p.UserID, id, signerID)
	if err != nil {
		if res.Link != "" {
			writeError(w, r, http.StatusBadGateway, "the invitation email could not be sent")
			return
		}
		handleLifecycleError(w, r, err)
		return
	}
	resp := a.addResponse(res)
	resp.Notified = true
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) finalize(w http.ResponseWriter, r *http.Request, id string) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, err := a.deps.Lifecycle.Get(r.Context(), actorOf(p), id); err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	artifact, err := a.deps.Lifecycle.FinalizeIfComplete(r.Context(), id)
	if err != nil {
		handleLifecycleError(w, r, err)
		return
	}
	if artifact == nil {
		writeError(w, r, http.StatusConflict, "agreement has unsigned signers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdfUrl": artifact.URL})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	u, ceiling, err := a.deps.Lifecycle.Usage(r.Context(), p.UserID)
	if err != nil {
		internalError(w, r, "usage", err)
		return
	}
	resp := usageResponse{
		PlanID:         u.PlanID,
		AgreementCount: u.AgreementCount,
		Unlimited:      ceiling.Unlimited,
		AsOf:           time.Now().UTC(),
	}
	if !ceiling.Unlimited {
		limit := ceiling.Max
		resp.Limit = &limit
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) addResponse(res lifecycle.AddResult) addSignerResponse {
	resp := addSignerResponse{
		Outcome:  res.Outcome,
		SignerID: res.SignerID,
		Purpose:  res.Purpose,
	}
	switch {
	case res.Outcome == lifecycle.OutcomeAlreadyPresent && res.Link == "":
		resp.Warning = "a signer with this email is already on the agreement"
	case res.NotifyError != nil:
		resp.NotifyError = "the invitation email could not be sent; use resend to try again"
	default:
		resp.Notified = true
	}
	if a.exposeLinks {
		resp.Link = res.Link
	}
	return resp
}

func addStatus(res lifecycle.AddResult) int {
	if res.Outcome == lifecycle.OutcomeAdded {
		return http.StatusCreated
	}
	return http.StatusOK
}

func handleLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *lifecycle.QuotaError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":      quota.Error(),
			"party":      quota.Party,
			"email":      quota.Email,
			"request_id": RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, lifecycle.ErrInvalidDraft), errors.Is(err, agreement.ErrInvalidSigner):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrForbidden), errors.Is(err, lifecycle.ErrNotParticipant):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, lifecycle.ErrCreatorProfile):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, agreement.ErrNotFound), errors.Is(err, agreement.ErrSignerNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, agreement.ErrFrozen), errors.Is(err, agreement.ErrNotDeletable),
		errors.Is(err, lifecycle.ErrSignerSigned), errors.Is(err, agreement.ErrSignerExists):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		internalError(w, r, "agreement", err)
	}
}
