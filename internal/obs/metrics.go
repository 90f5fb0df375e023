package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "muwise_ready",
		Help: "1 when the service dependencies answered the last readiness probe.",
	})

	// TokenOps counts signing-token operations by op (mint|verify) and result.
	TokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muwise_signing_tokens_total",
			Help: "Signing token mint and verify operations.",
		},
		[]string{"op", "result"},
	)

	// Signatures counts signatures durably recorded.
	Signatures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "muwise_signatures_total",
		Help: "Signatures recorded on agreements.",
	})

	// UsageDenials counts plan-ceiling rejections by party (creator|collaborator).
	UsageDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muwise_usage_denials_total",
			Help: "Operations rejected because a party reached the plan ceiling.",
		},
		[]string{"party"},
	)

	// Finalized counts agreements transitioned to Completed.
	Finalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "muwise_agreements_finalized_total",
		Help: "Agreements finalized with a PDF artifact.",
	})

	// Notifications counts invitation emails by result (sent|failed|rejected|logged).
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muwise_notifications_total",
			Help: "Signing invitations handed to the email provider.",
		},
		[]string{"result"},
	)
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			TokenOps, Signatures, UsageDenials, Finalized, Notifications,
		)
	})
}

// Handler exposes the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces identifiers and tokens with placeholders so metric
// label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "agreements":
		return canonicalAgreementPath(raw, parts)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sign":
		if parts[2] == "resume" {
			return raw
		}
		return "/v1/sign/:token"
	}
	return raw
}

func canonicalAgreementPath(raw string, parts []string) string {
	switch len(parts) {
	case 3:
		return "/v1/agreements/:id"
	case 4:
		switch parts[3] {
		case "signers", "finalize", "events":
			return "/v1/agreements/:id/" + parts[3]
		}
	case 6:
		if parts[3] == "signers" && parts[5] == "resend" {
			return "/v1/agreements/:id/signers/:sid/resend"
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets server-sent event handlers work behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
