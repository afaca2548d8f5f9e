package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spgate/spgate/internal/config"
)

const namespace = "spgate"

// Manager defines the interface for metrics management
type Manager interface {
	// HTTP Metrics
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// S3 API Metrics
	RecordS3Operation(operation, bucket string, success bool, duration time.Duration)
	RecordS3Error(operation, bucket, code string)
	RecordObjectBytes(bucket string, bytes int64)

	// Upstream (Microsoft Graph) Metrics
	RecordUpstreamRequest(operation string, status int, duration time.Duration)
	RecordUpstreamRetry(operation, reason string)

	// Credential Metrics
	RecordTokenAcquisition(success bool, duration time.Duration)

	// Inbound authentication
	RecordAuthAttempt(success bool)

	// Export
	GetMetricsHandler() http.Handler

	// HTTP Middleware
	Middleware() func(http.Handler) http.Handler
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3ErrorsTotal       *prometheus.CounterVec
	objectBytesTotal    *prometheus.CounterVec

	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamRetriesTotal    *prometheus.CounterVec

	tokenAcquisitionsTotal   *prometheus.CounterVec
	tokenAcquisitionDuration prometheus.Histogram

	authAttemptsTotal *prometheus.CounterVec
}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics()
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.s3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "s3",
			Name:      "operations_total",
			Help:      "Total number of S3 operations",
		},
		[]string{"operation", "bucket", "status"},
	)

	m.s3OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "s3",
			Name:      "operation_duration_seconds",
			Help:      "S3 operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "bucket"},
	)

	m.s3ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "s3",
			Name:      "errors_total",
			Help:      "Total number of S3 error responses by code",
		},
		[]string{"operation", "bucket", "code"},
	)

	m.objectBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "object",
			Name:      "bytes_served_total",
			Help:      "Total object bytes streamed to clients",
		},
		[]string{"bucket"},
	)

	m.upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of Microsoft Graph requests by status",
		},
		[]string{"operation", "status"},
	)

	m.upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Microsoft Graph request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.upstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total number of Microsoft Graph retries by reason",
		},
		[]string{"operation", "reason"},
	)

	m.tokenAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "acquisitions_total",
			Help:      "Total number of access token acquisitions",
		},
		[]string{"status"},
	)

	m.tokenAcquisitionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "acquisition_duration_seconds",
			Help:      "Access token acquisition duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of inbound authentication attempts",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newSystemCollector(),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.s3OperationsTotal,
		m.s3OperationDuration,
		m.s3ErrorsTotal,
		m.objectBytesTotal,
		m.upstreamRequestsTotal,
		m.upstreamRequestDuration,
		m.upstreamRetriesTotal,
		m.tokenAcquisitionsTotal,
		m.tokenAcquisitionDuration,
		m.authAttemptsTotal,
	)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// HTTP Metrics Implementation

func (m *metricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// S3 API Metrics Implementation

func (m *metricsManager) RecordS3Operation(operation, bucket string, success bool, duration time.Duration) {
	m.s3OperationsTotal.WithLabelValues(operation, bucket, statusLabel(success)).Inc()
	m.s3OperationDuration.WithLabelValues(operation, bucket).Observe(duration.Seconds())
}

func (m *metricsManager) RecordS3Error(operation, bucket, code string) {
	m.s3ErrorsTotal.WithLabelValues(operation, bucket, code).Inc()
}

func (m *metricsManager) RecordObjectBytes(bucket string, bytes int64) {
	m.objectBytesTotal.WithLabelValues(bucket).Add(float64(bytes))
}

// Upstream Metrics Implementation

func (m *metricsManager) RecordUpstreamRequest(operation string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamRequestsTotal.WithLabelValues(operation, label).Inc()
	m.upstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordUpstreamRetry(operation, reason string) {
	m.upstreamRetriesTotal.WithLabelValues(operation, reason).Inc()
}

// Credential Metrics Implementation

func (m *metricsManager) RecordTokenAcquisition(success bool, duration time.Duration) {
	m.tokenAcquisitionsTotal.WithLabelValues(statusLabel(success)).Inc()
	m.tokenAcquisitionDuration.Observe(duration.Seconds())
}

func (m *metricsManager) RecordAuthAttempt(success bool) {
	m.authAttemptsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// Export Implementation

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTP Middleware Implementation

func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// routeLabel uses the matched route template so that label cardinality
// stays bounded.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *responseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *noopManager) RecordS3Operation(operation, bucket string, success bool, duration time.Duration) {
}
func (n *noopManager) RecordS3Error(operation, bucket, code string)                               {}
func (n *noopManager) RecordObjectBytes(bucket string, bytes int64)                               {}
func (n *noopManager) RecordUpstreamRequest(operation string, status int, duration time.Duration) {}
func (n *noopManager) RecordUpstreamRetry(operation, reason string)                               {}
func (n *noopManager) RecordTokenAcquisition(success bool, duration time.Duration)                {}
func (n *noopManager) RecordAuthAttempt(success bool)                                             {}
func (n *noopManager) GetMetricsHandler() http.Handler                                            { return http.NotFoundHandler() }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

// NewNoop returns a manager that discards everything; used by tests and
// by components constructed without metrics.
func NewNoop() Manager {
	return &noopManager{}
}
