// pulse-retention prunes old telemetry data on a schedule. The engine itself
// never deletes events or aggregates; retention is an operational job that
// runs alongside it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/postgres"
	"github.com/platinummonkey/pulse/pkg/storage/sqlite"
)

// RetentionStore is the pruning surface both backends implement
type RetentionStore interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	PruneAggregates(ctx context.Context, before time.Time) (int64, error)
}

var (
	storageType   = flag.String("storage", getEnv("PULSE_STORAGE", "postgres"), "Storage backend: sqlite or postgres")
	dbURL         = flag.String("db-url", getEnv("DATABASE_URL", "postgres://localhost/pulse?sslmode=disable"), "PostgreSQL connection URL")
	sqlitePath    = flag.String("sqlite-path", "pulse.db", "SQLite database path")
	eventDays     = flag.Int("event-retention-days", 90, "Days of raw events to keep")
	aggregateDays = flag.Int("aggregate-retention-days", 365, "Days of closed aggregates to keep")
	pruneSchedule = flag.String("schedule", "30 1 * * *", "Cron schedule for pruning (default: 01:30 UTC)")
	runOnce       = flag.Bool("run-once", false, "Prune once and exit")
)

func main() {
	flag.Parse()

	store, cleanup, err := openStore()
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer cleanup()

	if *runOnce {
		if err := prune(store); err != nil {
			log.Fatalf("Pruning failed: %v", err)
		}
		log.Println("Pruning completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*pruneSchedule, func() {
		log.Println("Starting scheduled pruning")
		if err := prune(store); err != nil {
			log.Printf("Pruning failed: %v", err)
		} else {
			log.Println("Pruning completed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule pruning: %v", err)
	}

	c.Start()
	log.Println("Pulse retention job started")
	log.Printf("Prune schedule: %s", *pruneSchedule)
	log.Printf("Event retention: %d days, aggregate retention: %d days", *eventDays, *aggregateDays)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()
	log.Println("Retention job stopped")
}

func openStore() (RetentionStore, func(), error) {
	switch *storageType {
	case "postgres":
		cfg := storage.DefaultConfig()
		cfg.Type = "postgres"
		cfg.PostgresURL = *dbURL
		store, err := postgres.NewPostgresStorage(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "sqlite":
		store, err := sqlite.NewSQLiteStorage(*sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		log.Fatalf("Unknown storage type: %s", *storageType)
		return nil, nil, nil
	}
}

func prune(store RetentionStore) error {
	ctx := context.Background()
	now := time.Now().UTC()

	eventCutoff := now.AddDate(0, 0, -*eventDays)
	removed, err := store.PruneEvents(ctx, eventCutoff)
	if err != nil {
		return err
	}
	log.Printf("Pruned %d events older than %s", removed, eventCutoff.Format("2006-01-02"))

	aggregateCutoff := now.AddDate(0, 0, -*aggregateDays)
	removed, err = store.PruneAggregates(ctx, aggregateCutoff)
	if err != nil {
		return err
	}
	log.Printf("Pruned %d aggregates older than %s", removed, aggregateCutoff.Format("2006-01-02"))

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
