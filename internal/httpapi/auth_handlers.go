package httpapi

import (
	"errors"
	"net/http"

	"muwise.app/internal/account"
	"muwise.app/internal/audit"
	"muwise.app/internal/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.deps.Auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	switch {
	case errors.Is(err, account.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "an account with this email already exists")
		return
	case errors.Is(err, account.ErrInvalidInput), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		internalError(w, r, "register", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.deps.Auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
		return
	case err != nil:
		internalError(w, r, "login", err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"user_id": session.User.ID})
	writeJSON(w, http.StatusOK, session)
}
