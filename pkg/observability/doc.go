// Package observability provides structured logging, Prometheus metrics,
// health probes, and OpenTelemetry integration for the Pulse service.
//
// # Structured Logging
//
// Create a logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider_id", "spotify").Info("Aggregate updated")
//
// # Prometheus Metrics
//
// Initialize and use metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.EventsIngestedTotal.WithLabelValues("spotify", "api_call", "success").Inc()
//
// # Health Probes
//
// Wire probes to the HTTP server:
//
//	checker := observability.NewHealthChecker(store, redisClient)
//	mux.HandleFunc("/health/ready", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
