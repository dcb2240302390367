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

	// Ingestion metrics
	EventsIngestedTotal *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	AggregateUpdates    *prometheus.CounterVec

	// Report metrics
	ReportsGeneratedTotal *prometheus.CounterVec
	ReportDuration        *prometheus.HistogramVec
	ReportCacheHitsTotal  *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Health metrics
	ProvidersDown prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_ingested_total",
				Help: "Total number of telemetry events ingested",
			},
			[]string{"provider", "event_type", "outcome"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_ingest_duration_seconds",
				Help:    "Event ingestion duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		AggregateUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_aggregate_updates_total",
				Help: "Total number of window aggregate updates",
			},
			[]string{"provider", "health_status"},
		),

		ReportsGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_reports_generated_total",
				Help: "Total number of reports generated",
			},
			[]string{"report_type", "time_range"},
		),
		ReportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_report_duration_seconds",
				Help:    "Report generation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"report_type"},
		),
		ReportCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_report_cache_hits_total",
				Help: "Report cache lookups by result",
			},
			[]string{"result"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		ProvidersDown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_providers_down",
				Help: "Number of providers currently classified as down",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.IngestDuration,
		m.AggregateUpdates,
		m.ReportsGeneratedTotal,
		m.ReportDuration,
		m.ReportCacheHitsTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.ProvidersDown,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
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
		})
	}
}

// MetricsHandler returns the /metrics endpoint handler for a registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
