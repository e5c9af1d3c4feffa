package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// Authorization metrics
	ScopeDenialsTotal     *prometheus.CounterVec
	IPDenialsTotal        prometheus.Counter
	RateLimitRejectsTotal prometheus.Counter

	// Lifecycle metrics
	KeysIssuedTotal  *prometheus.CounterVec
	KeysRotatedTotal prometheus.Counter
	KeysRevokedTotal *prometheus.CounterVec
	ActiveKeys       prometheus.Gauge

	// Usage telemetry metrics
	UsageEventsTotal prometheus.Counter
	UsageDropsTotal  prometheus.Counter

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywarden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywarden_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_verifications_total",
				Help: "Total number of key verification attempts",
			},
			[]string{"outcome"},
		),
		VerificationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keywarden_verification_duration_seconds",
				Help:    "Key verification duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),

		ScopeDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_scope_denials_total",
				Help: "Total number of requests denied for missing scopes",
			},
			[]string{"scope"},
		),
		IPDenialsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_ip_denials_total",
				Help: "Total number of requests denied by IP allowlists",
			},
		),
		RateLimitRejectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_rate_limit_rejects_total",
				Help: "Total number of requests rejected by per-key rate limits",
			},
		),

		KeysIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_keys_issued_total",
				Help: "Total number of API keys issued",
			},
			[]string{"owner_kind", "environment"},
		),
		KeysRotatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_keys_rotated_total",
				Help: "Total number of API key rotations",
			},
		),
		KeysRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_keys_revoked_total",
				Help: "Total number of API key revocations",
			},
			[]string{"reason"},
		),
		ActiveKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_active_keys",
				Help: "Number of active API keys",
			},
		),

		UsageEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_usage_events_total",
				Help: "Total number of usage events recorded",
			},
		),
		UsageDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keywarden_usage_drops_total",
				Help: "Total number of usage events dropped by storage failures",
			},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywarden_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"operation", "backend"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.VerificationsTotal,
		m.VerificationDuration,
		m.ScopeDenialsTotal,
		m.IPDenialsTotal,
		m.RateLimitRejectsTotal,
		m.KeysIssuedTotal,
		m.KeysRotatedTotal,
		m.KeysRevokedTotal,
		m.ActiveKeys,
		m.UsageEventsTotal,
		m.UsageDropsTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.StorageErrorsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
