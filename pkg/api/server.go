package api

import (
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/telemetry"
)

// Server exposes the telemetry engine over HTTP
type Server struct {
	router    *mux.Router
	recorder  *telemetry.Recorder
	service   *telemetry.Service
	generator *telemetry.Generator
	cache     *telemetry.ReportCache
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// ServerConfig wires the engine components into the server. Cache,
// HealthChecker and RateLimit are optional.
type ServerConfig struct {
	Recorder      *telemetry.Recorder
	Service       *telemetry.Service
	Generator     *telemetry.Generator
	Cache         *telemetry.ReportCache
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry
	HealthChecker *observability.HealthChecker
	TracingOn     bool

	// RateLimit bounds ingestion per client when set. Redis makes the
	// budget shared across instances; without it each instance limits
	// independently.
	RateLimit *RateLimitConfig
	Redis     *redis.Client
}

// NewServer creates the API server and registers all routes
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		recorder:  cfg.Recorder,
		service:   cfg.Service,
		generator: cfg.Generator,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}

	s.router.Use(recoverPanics(cfg.Logger))
	s.router.Use(requestLogging(cfg.Logger))
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	if cfg.TracingOn {
		s.router.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "pulse-api")
		})
	}

	recordEvent := s.recordEvent
	if cfg.RateLimit != nil {
		var limiter ingestLimiter
		if cfg.Redis != nil {
			limiter = newRedisLimiter(cfg.Redis, cfg.RateLimit)
		} else {
			limiter = newMemoryLimiter(cfg.RateLimit)
		}
		recordEvent = rateLimit(limiter, cfg.Logger, s.recordEvent)
	}

	s.router.HandleFunc("/api/v1/events", recordEvent).Methods("POST")
	s.router.HandleFunc("/api/v1/dashboard", s.getDashboard).Methods("GET")
	s.router.HandleFunc("/api/v1/providers/performance", s.getProviderPerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/engagement", s.getEngagementAnalytics).Methods("GET")
	s.router.HandleFunc("/api/v1/reports/{type}", s.generateReport).Methods("GET")

	if cfg.HealthChecker != nil {
		s.router.HandleFunc("/health", cfg.HealthChecker.Readiness).Methods("GET")
		s.router.HandleFunc("/health/live", cfg.HealthChecker.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", cfg.HealthChecker.Readiness).Methods("GET")
	}
	if cfg.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Registry)).Methods("GET")
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server with sane timeouts. The
// caller owns the returned server and is responsible for starting and
// shutting it down.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ListenAndServe starts the server with sane timeouts
func (s *Server) ListenAndServe(addr string) error {
	return s.HTTPServer(addr).ListenAndServe()
}
