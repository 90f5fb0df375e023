package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"muwise.app/internal/continuation"
	"muwise.app/internal/signing"
	"muwise.app/internal/signtoken"
)

type signerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type verifyResponse struct {
	Valid         bool               `json:"valid"`
	State         signing.State      `json:"state"`
	Reason        string             `json:"reason,omitempty"`
	Message       string             `json:"message,omitempty"`
	Payload       *signtoken.Payload `json:"payload,omitempty"`
	Signer        *signerView        `json:"signer,omitempty"`
	LoginRequired bool               `json:"loginRequired,omitempty"`
	Continuation  string             `json:"continuation,omitempty"`
	Token         string             `json:"token,omitempty"`
}

type submitRequest struct {
	SignatureDataURL string `json:"signatureDataUrl"`
}

type submitData struct {
	SignedAt  time.Time `json:"signedAt"`
	Completed bool      `json:"completed"`
	PDFURL    string    `json:"pdfUrl,omitempty"`
}

type submitResponse struct {
	Status        string        `json:"status"`
	State         signing.State `json:"state,omitempty"`
	Message       string        `json:"message,omitempty"`
	Data          *submitData   `json:"data,omitempty"`
	LoginRequired bool          `json:"loginRequired,omitempty"`
	Continuation  string        `json:"continuation,omitempty"`
}

// handleSignQuery serves /v1/sign?token=, the link shape of user-signing invites.
func (a *API) handleSignQuery(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}
	a.signToken(w, r, token)
}

// handleSignResource serves /v1/sign/{token} and /v1/sign/resume.
func (a *API) handleSignResource(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sign/"), "/")
	if raw == "resume" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.resume(w, r)
		return
	}
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	a.signToken(w, r, raw)
}

func (a *API) signToken(w http.ResponseWriter, r *http.Request, token string) {
	switch r.Method {
	case http.MethodGet:
		a.verify(w, r, token)
	case http.MethodPost:
		a.submit(w, r, token)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) verify(w http.ResponseWriter, r *http.Request, token string) {
	d, err := a.deps.Signing.Check(r.Context(), token, identityOf(r))
	if err != nil {
		internalError(w, r, "sign_verify", err)
		return
	}
	resp := verifyResponse{
		Valid:   d.State == signing.StateReady,
		State:   d.State,
		Reason:  d.Reason,
		Message: d.Message,
	}
	if d.State == signing.StateReady {
		p := d.Payload
		resp.Payload = &p
		resp.Signer = viewSigner(d)
	}
	if d.State == signing.StateNeedsAuthentication {
		nonce, err := a.deps.Continuations.Put(r.Context(), token)
		if err != nil {
			internalError(w, r, "continuation_put", err)
			return
		}
		resp.LoginRequired = true
		resp.Continuation = nonce
	}
	writeJSON(w, decisionStatus(d.State), resp)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, token string) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Status: "error", Message: err.Error()})
		return
	}
	d, err := a.deps.Signing.Submit(r.Context(), token, identityOf(r), req.SignatureDataURL)
	if err != nil {
		internalError(w, r, "sign_submit", err)
		return
	}
	if d.State == signing.StateSigned && d.Result != nil {
		writeJSON(w, http.StatusOK, submitResponse{
			Status: "success",
			State:  d.State,
			Data: &submitData{
				SignedAt:  d.Result.SignedAt,
				Completed: d.Result.Completed,
				PDFURL:    d.Result.PDFURL,
			},
		})
		return
	}
	resp := submitResponse{Status: "error", State: d.State, Message: d.Message}
	if d.State == signing.StateNeedsAuthentication {
		nonce, err := a.deps.Continuations.Put(r.Context(), token)
		if err != nil {
			internalError(w, r, "continuation_put", err)
			return
		}
		resp.LoginRequired = true
		resp.Continuation = nonce
	}
	writeJSON(w, decisionStatus(d.State), resp)
}

// resume verifies a continuation's token for the now authenticated signer.
// The continuation is consumed only when the caller may sign, so logging in
// with the wrong account leaves it for the intended signer. The token is
// returned so the client can submit.
func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	nonce := strings.TrimSpace(r.URL.Query().Get("nonce"))
	if nonce == "" {
		writeError(w, r, http.StatusBadRequest, "nonce is required")
		return
	}
	token, err := a.deps.Continuations.Peek(r.Context(), nonce)
	if errors.Is(err, continuation.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		internalError(w, r, "continuation_peek", err)
		return
	}
	d, err := a.deps.Signing.Check(r.Context(), token, identityOf(r))
	if err != nil {
		internalError(w, r, "sign_resume", err)
		return
	}
	if d.State != signing.StateIdentityMismatch {
		taken, err := a.deps.Continuations.Take(r.Context(), nonce)
		if errors.Is(err, continuation.ErrNotFound) || (err == nil && taken != token) {
			writeError(w, r, http.StatusNotFound, continuation.ErrNotFound.Error())
			return
		}
		if err != nil {
			internalError(w, r, "continuation_take", err)
			return
		}
	}
	resp := verifyResponse{
		Valid:   d.State == signing.StateReady,
		State:   d.State,
		Reason:  d.Reason,
		Message: d.Message,
	}
	if d.State == signing.StateReady {
		p := d.Payload
		resp.Payload = &p
		resp.Signer = viewSigner(d)
		resp.Token = token
	}
	writeJSON(w, decisionStatus(d.State), resp)
}

func viewSigner(d signing.Decision) *signerView {
	if d.Signer == nil {
		return nil
	}
	return &signerView{ID: d.Signer.ID, Name: d.Signer.Name, Email: d.Signer.Email, Role: d.Signer.Role}
}

func decisionStatus(s signing.State) int {
	switch s {
	case signing.StateReady, signing.StateSigned:
		return http.StatusOK
	case signing.StateTokenInvalid, signing.StateNeedsAuthentication:
		return http.StatusUnauthorized
	case signing.StateAlreadySigned:
		return http.StatusConflict
	case signing.StateNotFound:
		return http.StatusNotFound
	case signing.StateIdentityMismatch:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
