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

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "koperasi_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dataOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_data_operations_total",
			Help: "Data client operations by client kind, operation and outcome",
		},
		[]string{"client", "operation", "outcome"},
	)

	dataOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "koperasi_data_operation_duration_seconds",
			Help:    "Data client round-trip latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"client", "operation"},
	)

	permissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_permission_denials_total",
			Help: "Operations refused by a client capability check",
		},
		[]string{"client", "operation"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_notifications_total",
			Help: "Notifications dispatched by kind and final status",
		},
		[]string{"kind", "status"},
	)

	relayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_relay_attempts_total",
			Help: "Message relay attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "koperasi_notification_latency_seconds",
			Help:    "Time from send call to terminal status, retries included",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "koperasi_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	auditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koperasi_audit_events_total",
			Help: "Audit entries emitted by action and sink outcome",
		},
		[]string{"action", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "koperasi_circuit_breaker_state",
			Help: "Circuit breaker state per relay (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "koperasi_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDataOperation records one data client call. outcome is "ok" or an
// error code.
func RecordDataOperation(client, operation, outcome string, duration time.Duration) {
	dataOperations.WithLabelValues(client, operation, outcome).Inc()
	dataOperationDuration.WithLabelValues(client, operation).Observe(duration.Seconds())
}

func RecordPermissionDenied(client, operation string) {
	permissionDenials.WithLabelValues(client, operation).Inc()
}

// RecordNotification records the terminal status of a send
func RecordNotification(kind, status string, latency time.Duration) {
	notificationsSent.WithLabelValues(kind, status).Inc()
	notificationLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func RecordRelayAttempt(provider string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	relayAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

func RecordAuditEvent(action string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	auditEvents.WithLabelValues(action, outcome).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
