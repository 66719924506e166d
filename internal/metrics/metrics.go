// Package metrics exposes the Prometheus instrumentation of the auth
// subsystem: auth-flow outcome counters, password-verify latency, audit
// queue health, database pool gauges, and the middleware/handler for the
// operational HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for result-style counters.
const (
	ResultSuccess            = "success"
	ResultInvalidCredentials = "invalid_credentials"
	ResultLocked             = "locked"
	ResultInvalid            = "invalid"
	ResultExpired            = "expired"
	ResultReuseDetected      = "reuse_detected"
	ResultRejected           = "rejected"
	ResultError              = "error"
)

// Revocation reasons.
const (
	ReasonLoginSweep     = "login_sweep"
	ReasonLogout         = "logout"
	ReasonReuse          = "reuse"
	ReasonPasswordChange = "password_change"
)

var (
	// LoginAttemptsTotal counts login outcomes by result.
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total number of login attempts by result",
		},
		[]string{"result"},
	)

	// LockoutsTotal counts failed attempts that crossed the lockout threshold.
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Total number of account lockouts triggered",
		},
	)

	// TokenRotationsTotal counts refresh-token rotation outcomes by result.
	TokenRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "token_rotations_total",
			Help:      "Total number of refresh-token rotations by result",
		},
		[]string{"result"},
	)

	// TokenReuseDetectedTotal counts presentations of already-consumed
	// refresh tokens.
	TokenReuseDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "token_reuse_detected_total",
			Help:      "Total number of refresh-token reuse detections",
		},
	)

	// TokensIssuedTotal counts issued tokens by type.
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "tokens_issued_total",
			Help:      "Total number of tokens issued by type",
		},
		[]string{"type"},
	)

	// SessionsRevokedTotal counts revoked sessions by reason.
	SessionsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "sessions_revoked_total",
			Help:      "Total number of sessions revoked by reason",
		},
		[]string{"reason"},
	)

	// PasswordChangesTotal counts password-change outcomes by result.
	PasswordChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "password_changes_total",
			Help:      "Total number of password change attempts by result",
		},
		[]string{"result"},
	)

	// LogoutsTotal counts logout calls that actually revoked a session.
	LogoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "logouts_total",
			Help:      "Total number of sessions ended by logout",
		},
	)

	// PasswordVerifyDuration measures argon2id verification latency.
	PasswordVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "password_verify_duration_seconds",
			Help:      "Password hash verification duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// AuditEventsDroppedTotal counts audit events discarded because the
	// dispatcher queue was full.
	AuditEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "auth",
			Name:      "audit_events_dropped_total",
			Help:      "Total number of audit events dropped by the dispatcher",
		},
	)
)

var (
	// DBConnectionsOpen tracks open connections per pool (pgx, sql).
	DBConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "erp",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections per pool",
		},
		[]string{"pool"},
	)

	// DBConnectionsInUse tracks connections currently in use per pool.
	DBConnectionsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "erp",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use per pool",
		},
		[]string{"pool"},
	)

	// DBConnectionsIdle tracks idle connections per pool.
	DBConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "erp",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections per pool",
		},
		[]string{"pool"},
	)

	// DBConnectionsMaxOpen tracks the configured pool ceiling per pool.
	DBConnectionsMaxOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "erp",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections per pool",
		},
		[]string{"pool"},
	)

	// DBQueryDuration measures database operation duration.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "erp",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// HTTPRequestsTotal counts requests on the operational HTTP surface.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request duration on the operational
	// HTTP surface.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "erp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks currently executing requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "erp",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures response size on the operational HTTP
	// surface.
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "erp",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware records request count, duration, and in-flight gauge for the
// operational router.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		path := getRoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

// getRoutePattern prefers the chi route pattern over the raw path so labels
// stay low-cardinality.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
