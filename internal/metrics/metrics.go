// Package metrics provides Prometheus metrics for docscope.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscope_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docscope_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Serializer metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docscope_serializer_queue_depth",
			Help: "Units waiting on a scope's operation queue",
		},
		[]string{"scope"},
	)

	unitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docscope_serializer_unit_duration_seconds",
			Help:    "Time spent running one serialized unit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscope_serializer_units_total",
			Help: "Serialized units by outcome",
		},
		[]string{"scope", "status"},
	)

	// Tree metrics
	scopeItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docscope_scope_items",
			Help: "Number of files and folders in a scope's tree",
		},
		[]string{"scope"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docscope_reconcile_duration_seconds",
			Help:    "Time to scan and reconcile a scope",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	// Batch operation metrics
	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscope_batch_items_total",
			Help: "Items processed by batch operations",
		},
		[]string{"operation", "status"},
	)

	relinquishVetoesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docscope_relinquish_vetoes_total",
			Help: "Cross-scope transfers refused by the source scope",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docscope_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscope_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// SSE metrics
	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscope_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SetQueueDepth sets the number of queued units for a scope.
func SetQueueDepth(scope string, depth int) {
	queueDepth.WithLabelValues(scope).Set(float64(depth))
}

// RecordUnit records one serialized unit.
func RecordUnit(scope string, duration time.Duration, success bool) {
	unitDuration.WithLabelValues(scope).Observe(duration.Seconds())
	unitsTotal.WithLabelValues(scope, status(success)).Inc()
}

// SetScopeItems sets the tree size of a scope.
func SetScopeItems(scope string, n int) {
	scopeItems.WithLabelValues(scope).Set(float64(n))
}

// RecordReconcile records a scan and reconcile pass.
func RecordReconcile(scope string, duration time.Duration) {
	reconcileDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// ForgetScope drops the per-scope series of a removed scope.
func ForgetScope(scope string) {
	queueDepth.DeleteLabelValues(scope)
	scopeItems.DeleteLabelValues(scope)
}

// RecordBatch records the outcome of a batch operation.
func RecordBatch(operation string, succeeded, failed int) {
	batchItemsTotal.WithLabelValues(operation, "success").Add(float64(succeeded))
	batchItemsTotal.WithLabelValues(operation, "error").Add(float64(failed))
}

// RecordRelinquishVeto records a refused cross-scope transfer.
func RecordRelinquishVeto() {
	relinquishVetoesTotal.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
