package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/pulse/pkg/api"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/postgres"
	"github.com/platinummonkey/pulse/pkg/storage/sqlite"
	"github.com/platinummonkey/pulse/pkg/telemetry"
)

var (
	port         = flag.String("port", getEnv("PORT", "8080"), "Port to listen on")
	configPath   = flag.String("config", "", "Path to YAML config file")
	storageType  = flag.String("storage", "", "Storage backend: sqlite or postgres (overrides config)")
	dbURL        = flag.String("db-url", getEnv("DATABASE_URL", ""), "PostgreSQL connection URL (overrides config)")
	sqlitePath   = flag.String("sqlite-path", "", "SQLite database path (overrides config)")
	logLevel     = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	otelEndpoint = flag.String("otel-endpoint", getEnv("OTEL_ENDPOINT", ""), "OTLP collector endpoint; empty disables tracing")
	rateLimitOn  = flag.Bool("rate-limit", true, "Rate limit event ingestion per client")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stdout)

	cfg := storage.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = storage.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *storageType != "" {
		cfg.Type = *storageType
	}
	if *dbURL != "" {
		cfg.Type = "postgres"
		cfg.PostgresURL = *dbURL
	}
	if *sqlitePath != "" {
		cfg.SQLitePath = *sqlitePath
	}

	ctx := context.Background()

	var store telemetry.Store
	switch cfg.Type {
	case "postgres":
		pgStore, err := postgres.NewPostgresStorage(cfg)
		if err != nil {
			log.Fatalf("Failed to initialize postgres storage: %v", err)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	case "sqlite":
		liteStore, err := sqlite.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize sqlite storage: %v", err)
		}
		defer liteStore.Close()
		store = liteStore
	default:
		log.Fatalf("Unknown storage type: %s", cfg.Type)
	}
	logger.Infof("Storage initialized (%s)", cfg.Type)

	var redisClient *redis.Client
	if cfg.CacheEnabled && cfg.RedisURL != "" {
		var err error
		redisClient, err = storage.NewRedisClient(cfg)
		if err != nil {
			// The cache tier is optional; run without it rather than fail.
			logger.WithError(err).Warn("Redis unavailable, report cache degraded to in-process only")
			redisClient = nil
		}
	}

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        *otelEndpoint != "",
		Endpoint:       *otelEndpoint,
		ServiceName:    "pulse",
		ServiceVersion: "1.0.0",
		Insecure:       true,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	instrumented := storage.NewInstrumentedStore(store, metrics, cfg.Type)

	aggregator := telemetry.NewAggregator(instrumented, logger)
	aggregator.SetMetrics(metrics)
	recorder := telemetry.NewRecorder(instrumented, aggregator, logger)
	generator := telemetry.NewGenerator(instrumented, logger)
	service := telemetry.NewService(instrumented, generator, logger)

	var reportCache *telemetry.ReportCache
	if cfg.CacheEnabled {
		reportCache, err = telemetry.NewReportCache(redisClient, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("Failed to initialize report cache: %v", err)
		}
	}

	serverCfg := api.ServerConfig{
		Recorder:      recorder,
		Service:       service,
		Generator:     generator,
		Cache:         reportCache,
		Logger:        logger,
		Metrics:       metrics,
		Registry:      registry,
		HealthChecker: observability.NewHealthChecker(store, redisClient),
		TracingOn:     *otelEndpoint != "",
	}
	if *rateLimitOn {
		serverCfg.RateLimit = api.DefaultRateLimitConfig()
		serverCfg.Redis = redisClient
	}
	server := api.NewServer(serverCfg)
	httpServer := server.HTTPServer(":" + *port)

	shutdown := observability.NewShutdownManager(logger, httpServer, 30*time.Second)
	shutdown.OnShutdown("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	if redisClient != nil {
		shutdown.OnShutdown("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}

	go func() {
		logger.Infof("Starting Pulse telemetry server on port %s", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if err := shutdown.Wait(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
