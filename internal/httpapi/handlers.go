// Package httpapi exposes the signing service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"muwise.app/internal/auth"
	"muwise.app/internal/billing"
	"muwise.app/internal/continuation"
	"muwise.app/internal/lifecycle"
	"muwise.app/internal/objectstore"
	"muwise.app/internal/obs"
	"muwise.app/internal/signing"
	"muwise.app/internal/stream"
)

const serviceName = "muwise-api"

// Check is one named readiness dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadyProbe runs every dependency check; the first failure wins.
type ReadyProbe struct {
	Checks []Check
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, c := range rp.Checks {
		if c.Fn == nil {
			continue
		}
		if err := c.Fn(ctx); err != nil {
			return errors.New(c.Name + ": " + err.Error())
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. Billing, Webhooks and Files
// are optional.
type Deps struct {
	Lifecycle     *lifecycle.Service
	Signing       *signing.Orchestrator
	Auth          *auth.Service
	Continuations continuation.Store
	Billing       *billing.Service
	Webhooks      *billing.Verifier
	Stream        *stream.Stream
	Files         *objectstore.Memory
	Ready         readinessChecker
	Version       string
}

// Option tunes the HTTP layer.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithCORSOrigins allows browser calls from the given origins in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithExposedLinks returns minted signing links in invite responses.
func WithExposedLinks(on bool) Option {
	return func(a *API) { a.exposeLinks = on }
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps

	ratePerSec  float64
	rateBurst   int
	maxBody     int64
	corsOrigins []string
	exposeLinks bool
}

func New(d Deps, opts ...Option) (*API, error) {
	switch {
	case d.Lifecycle == nil:
		return nil, errors.New("httpapi: lifecycle service is required")
	case d.Signing == nil:
		return nil, errors.New("httpapi: signing orchestrator is required")
	case d.Auth == nil:
		return nil, errors.New("httpapi: auth service is required")
	case d.Continuations == nil:
		return nil, errors.New("httpapi: continuation store is required")
	}
	if d.Stream == nil {
		d.Stream = stream.New()
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		deps:       d,
		ratePerSec: 20,
		rateBurst:  40,
		maxBody:    2 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	a.mux.HandleFunc("/v1/agreements", a.handleAgreementsCollection)
	a.mux.HandleFunc("/v1/agreements/", a.handleAgreementResource)
	a.mux.HandleFunc("/v1/usage", a.handleUsage)

	a.mux.HandleFunc("/v1/sign", a.handleSignQuery)
	a.mux.HandleFunc("/v1/sign/", a.handleSignResource)

	a.mux.HandleFunc("/v1/billing/stripe/webhook", a.handleStripeWebhook)
	if d.Files != nil {
		a.mux.HandleFunc("/v1/files/", a.handleFile)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withIdentity(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = Recovery(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return obs.Trace(h, serviceName)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Error(op+"_failed", err, map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
	})
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
