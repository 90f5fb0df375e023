package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"muwise.app/internal/auth"
	"muwise.app/internal/lifecycle"
	"muwise.app/internal/signing"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withIdentity attaches the session principal when a bearer token is sent.
// Anonymous requests pass through; handlers that need a user call requireUser.
// A token that is present but invalid is always rejected.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if r.Method == http.MethodOptions || strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.deps.Auth.Sessions().Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			internalError(w, r, "authenticate", err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireUser writes 401 and returns false when the request is anonymous.
func requireUser(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.UserID == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="muwise"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

func actorOf(p auth.Principal) lifecycle.Actor {
	return lifecycle.Actor{UserID: p.UserID, Email: p.Email}
}

func identityOf(r *http.Request) signing.Identity {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return signing.Identity{}
	}
	return signing.Identity{UserID: p.UserID, Email: p.Email}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
