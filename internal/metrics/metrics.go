// Package metrics provides Prometheus metrics for the fileguard interceptor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "scope", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "scope"},
	)

	// Path resolution
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_path_resolutions_total",
			Help: "Path resolutions by outcome (managed, not_managed, not_found, unavailable)",
		},
		[]string{"outcome"},
	)

	// Sessions
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_auth_attempts_total",
			Help: "Session token verifications by realm and status",
		},
		[]string{"realm", "status"},
	)

	// Access decisions
	accessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_access_decisions_total",
			Help: "Access decisions by result and deciding rule",
		},
		[]string{"result", "rule"},
	)

	hookOverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileguard_hook_overrides_total",
			Help: "Decisions flipped by a security-check listener",
		},
	)

	// Delivery
	rangeResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_range_responses_total",
			Help: "Negotiated responses by kind (full, single, multi, unsatisfiable, not_modified)",
		},
		[]string{"kind"},
	)

	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileguard_content_bytes_served_total",
			Help: "Total payload bytes streamed to clients",
		},
	)

	streamErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileguard_stream_errors_total",
			Help: "Responses aborted because of an I/O error while streaming",
		},
	)

	// Catalog metrics
	catalogQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileguard_catalog_query_duration_seconds",
			Help:    "Catalog query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileguard_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileguard_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileguard_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric. Scope is a low-cardinality
// label ("managed" or "passthrough") instead of the raw path.
func RecordHTTPRequest(method, scope string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, scope, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, scope).Observe(duration.Seconds())
}

// RecordResolution records a path resolution outcome.
func RecordResolution(outcome string) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuthAttempt records a session token verification.
func RecordAuthAttempt(realm string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	authAttemptsTotal.WithLabelValues(realm, status).Inc()
}

// RecordAccessDecision records an access decision.
func RecordAccessDecision(allowed bool, rule string) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	accessDecisionsTotal.WithLabelValues(result, rule).Inc()
}

// RecordHookOverride records a decision changed by the hook chain.
func RecordHookOverride() {
	hookOverridesTotal.Inc()
}

// RecordRangeResponse records the kind of negotiated response.
func RecordRangeResponse(kind string) {
	rangeResponsesTotal.WithLabelValues(kind).Inc()
}

// RecordContentServed records streamed payload bytes.
func RecordContentServed(bytes int64, success bool) {
	contentBytesServed.Add(float64(bytes))
	if !success {
		streamErrorsTotal.Inc()
	}
}

// RecordCatalogQuery records a catalog query duration.
func RecordCatalogQuery(backend, query string, duration time.Duration) {
	catalogQueryDuration.WithLabelValues(backend, query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// Middleware returns HTTP middleware that records request metrics. scopeOf
// classifies a request into a bounded label set.
func Middleware(scopeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m := httpsnoop.Metrics{Code: http.StatusOK}
			defer func() {
				RecordHTTPRequest(r.Method, scopeOf(r), m.Code, time.Since(start))
			}()
			m.CaptureMetrics(w, func(ww http.ResponseWriter) { next.ServeHTTP(ww, r) })
		})
	}
}
