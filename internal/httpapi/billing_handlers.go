package httpapi

import (
	"io"
	"net/http"

	"muwise.app/internal/billing"
	"muwise.app/internal/obs"
)

func (a *API) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.deps.Webhooks == nil || a.deps.Billing == nil {
		writeError(w, r, http.StatusServiceUnavailable, "billing is not configured")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "could not read body")
		return
	}
	if err := a.deps.Webhooks.Verify(r.Header.Get(billing.SignatureHeader), body); err != nil {
		obs.Warn("billing_signature_rejected", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusBadRequest, "invalid signature")
		return
	}
	evt, err := billing.Parse(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Billing.Apply(r.Context(), evt); err != nil {
		internalError(w, r, "billing_apply", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
