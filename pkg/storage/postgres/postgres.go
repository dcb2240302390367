package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/telemetry"
)

// PostgresStorage implements telemetry.Store on PostgreSQL
type PostgresStorage struct {
	db     *sql.DB
	config storage.Config
}

// NewPostgresStorage connects to PostgreSQL and returns a store
func NewPostgresStorage(config storage.Config) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(config.PostgresMaxConns)
	db.SetMaxIdleConns(config.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), config.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStorage{db: db, config: config}, nil
}

// NewWithDB wraps an existing database handle, used by tests
func NewWithDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			user_id TEXT,
			event_type TEXT NOT NULL,
			action TEXT,
			success BOOLEAN NOT NULL,
			duration_ms BIGINT,
			error_code TEXT,
			error_message TEXT,
			metadata JSONB,
			dim_hour INTEGER NOT NULL,
			dim_day_of_week INTEGER NOT NULL,
			dim_month INTEGER NOT NULL,
			dim_year INTEGER NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_recorded_at
			ON telemetry_events (recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_provider
			ON telemetry_events (provider_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS performance_aggregates (
			provider_id TEXT NOT NULL,
			window_size TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			total_requests BIGINT NOT NULL,
			successful_requests BIGINT NOT NULL,
			failed_requests BIGINT NOT NULL,
			avg_response_time_ms DOUBLE PRECISION NOT NULL,
			error_rate DOUBLE PRECISION NOT NULL,
			error_categories JSONB NOT NULL,
			health JSONB NOT NULL,
			PRIMARY KEY (provider_id, window_size, window_start)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// InsertEvent appends one immutable event record
func (s *PostgresStorage) InsertEvent(ctx context.Context, event *telemetry.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO telemetry_events (
			id, provider_id, user_id, event_type, action, success,
			duration_ms, error_code, error_message, metadata,
			dim_hour, dim_day_of_week, dim_month, dim_year, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.ProviderID, nullString(event.UserID),
		string(event.Type), event.Action, event.Success,
		nullInt64(event.DurationMs), nullString(event.ErrorCode),
		nullString(event.ErrorMessage), metadata,
		event.Dimensions.Hour, event.Dimensions.DayOfWeek,
		event.Dimensions.Month, event.Dimensions.Year,
		event.Timestamp,
	)
	return err
}

// ScanEvents range-scans events newest first, applying the filter's equality
// predicates and row cap
func (s *PostgresStorage) ScanEvents(ctx context.Context, filter telemetry.EventFilter) ([]*telemetry.Event, error) {
	query := `
		SELECT id, provider_id, user_id, event_type, action, success,
			duration_ms, error_code, error_message, metadata,
			dim_hour, dim_day_of_week, dim_month, dim_year, recorded_at
		FROM telemetry_events
		WHERE recorded_at >= $1`
	args := []interface{}{filter.Since}

	if filter.ProviderID != "" {
		args = append(args, filter.ProviderID)
		query += " AND provider_id = $" + strconv.Itoa(len(args))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += " AND user_id = $" + strconv.Itoa(len(args))
	}
	if filter.EventType != "" {
		args = append(args, string(filter.EventType))
		query += " AND event_type = $" + strconv.Itoa(len(args))
	}

	query += " ORDER BY recorded_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*telemetry.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*telemetry.Event, error) {
	var (
		event        telemetry.Event
		userID       sql.NullString
		durationMs   sql.NullInt64
		errorCode    sql.NullString
		errorMessage sql.NullString
		metadata     []byte
		eventType    string
	)

	if err := rows.Scan(
		&event.ID, &event.ProviderID, &userID, &eventType, &event.Action,
		&event.Success, &durationMs, &errorCode, &errorMessage, &metadata,
		&event.Dimensions.Hour, &event.Dimensions.DayOfWeek,
		&event.Dimensions.Month, &event.Dimensions.Year, &event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.Type = telemetry.EventType(eventType)
	if userID.Valid {
		event.UserID = userID.String
	}
	if durationMs.Valid {
		d := durationMs.Int64
		event.DurationMs = &d
	}
	if errorCode.Valid {
		event.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		event.ErrorMessage = errorMessage.String
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &event, nil
}

// GetLatestAggregate returns the newest aggregate for the key, nil when none
// exists
func (s *PostgresStorage) GetLatestAggregate(ctx context.Context, providerID, windowSize string) (*telemetry.Aggregate, error) {
	query := `
		SELECT provider_id, window_size, window_start, window_end,
			total_requests, successful_requests, failed_requests,
			avg_response_time_ms, error_rate, error_categories, health
		FROM performance_aggregates
		WHERE provider_id = $1 AND window_size = $2
		ORDER BY window_start DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, providerID, windowSize)
	agg, err := scanAggregateRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agg, err
}

// UpsertAggregate writes the aggregate row keyed by
// (provider, window size, window start)
func (s *PostgresStorage) UpsertAggregate(ctx context.Context, agg *telemetry.Aggregate) error {
	categories, err := json.Marshal(agg.ErrorCategories)
	if err != nil {
		return fmt.Errorf("failed to marshal error categories: %w", err)
	}
	health, err := json.Marshal(agg.Health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	query := `
		INSERT INTO performance_aggregates (
			provider_id, window_size, window_start, window_end,
			total_requests, successful_requests, failed_requests,
			avg_response_time_ms, error_rate, error_categories, health
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider_id, window_size, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end,
			total_requests = EXCLUDED.total_requests,
			successful_requests = EXCLUDED.successful_requests,
			failed_requests = EXCLUDED.failed_requests,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			error_rate = EXCLUDED.error_rate,
			error_categories = EXCLUDED.error_categories,
			health = EXCLUDED.health
	`
	_, err = s.db.ExecContext(ctx, query,
		agg.ProviderID, agg.WindowSize, agg.WindowStart, agg.WindowEnd,
		agg.TotalRequests, agg.SuccessfulRequests, agg.FailedRequests,
		agg.AverageResponseTimeMs, agg.ErrorRate, categories, health,
	)
	return err
}

// ListAggregates returns aggregates newest first, capped at limit. Empty
// providerID lists across all providers.
func (s *PostgresStorage) ListAggregates(ctx context.Context, providerID, windowSize string, limit int) ([]*telemetry.Aggregate, error) {
	query := `
		SELECT provider_id, window_size, window_start, window_end,
			total_requests, successful_requests, failed_requests,
			avg_response_time_ms, error_rate, error_categories, health
		FROM performance_aggregates
		WHERE window_size = $1`
	args := []interface{}{windowSize}

	if providerID != "" {
		args = append(args, providerID)
		query += " AND provider_id = $" + strconv.Itoa(len(args))
	}

	args = append(args, limit)
	query += " ORDER BY window_start DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggregates []*telemetry.Aggregate
	for rows.Next() {
		agg, err := scanAggregateRow(rows)
		if err != nil {
			return nil, err
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAggregateRow(row rowScanner) (*telemetry.Aggregate, error) {
	var (
		agg        telemetry.Aggregate
		categories []byte
		health     []byte
	)

	if err := row.Scan(
		&agg.ProviderID, &agg.WindowSize, &agg.WindowStart, &agg.WindowEnd,
		&agg.TotalRequests, &agg.SuccessfulRequests, &agg.FailedRequests,
		&agg.AverageResponseTimeMs, &agg.ErrorRate, &categories, &health,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(categories, &agg.ErrorCategories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error categories: %w", err)
	}
	if err := json.Unmarshal(health, &agg.Health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health: %w", err)
	}
	return &agg, nil
}

// PruneEvents deletes event records older than before, returning the number
// removed. Retention is an operational concern outside the engine.
func (s *PostgresStorage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_events WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneAggregates deletes closed aggregate windows that ended before the
// cutoff
func (s *PostgresStorage) PruneAggregates(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM performance_aggregates WHERE window_end < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HealthCheck verifies the database is reachable
func (s *PostgresStorage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
