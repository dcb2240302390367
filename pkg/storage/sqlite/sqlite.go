package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/pulse/pkg/telemetry"
)

// SQLiteStorage implements telemetry.Store on a local SQLite file, for
// single-binary deployments and development
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids lock contention
	// between the aggregator's upserts.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			user_id TEXT,
			event_type TEXT NOT NULL,
			action TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER,
			error_code TEXT,
			error_message TEXT,
			metadata TEXT,
			dim_hour INTEGER NOT NULL,
			dim_day_of_week INTEGER NOT NULL,
			dim_month INTEGER NOT NULL,
			dim_year INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_recorded_at
			ON telemetry_events (recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_provider
			ON telemetry_events (provider_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS performance_aggregates (
			provider_id TEXT NOT NULL,
			window_size TEXT NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			total_requests INTEGER NOT NULL,
			successful_requests INTEGER NOT NULL,
			failed_requests INTEGER NOT NULL,
			avg_response_time_ms REAL NOT NULL,
			error_rate REAL NOT NULL,
			error_categories TEXT NOT NULL,
			health TEXT NOT NULL,
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
func (s *SQLiteStorage) InsertEvent(ctx context.Context, event *telemetry.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO telemetry_events (
			id, provider_id, user_id, event_type, action, success,
			duration_ms, error_code, error_message, metadata,
			dim_hour, dim_day_of_week, dim_month, dim_year, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.ProviderID, nullString(event.UserID),
		string(event.Type), event.Action, event.Success,
		nullInt64(event.DurationMs), nullString(event.ErrorCode),
		nullString(event.ErrorMessage), string(metadata),
		event.Dimensions.Hour, event.Dimensions.DayOfWeek,
		event.Dimensions.Month, event.Dimensions.Year,
		event.Timestamp.UTC(),
	)
	return err
}

// ScanEvents range-scans events newest first with the filter's equality
// predicates and row cap
func (s *SQLiteStorage) ScanEvents(ctx context.Context, filter telemetry.EventFilter) ([]*telemetry.Event, error) {
	query := `
		SELECT id, provider_id, user_id, event_type, action, success,
			duration_ms, error_code, error_message, metadata,
			dim_hour, dim_day_of_week, dim_month, dim_year, recorded_at
		FROM telemetry_events
		WHERE recorded_at >= ?`
	args := []interface{}{filter.Since.UTC()}

	if filter.ProviderID != "" {
		query += " AND provider_id = ?"
		args = append(args, filter.ProviderID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.EventType))
	}

	query += " ORDER BY recorded_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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
		metadata     sql.NullString
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
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &event, nil
}

// GetLatestAggregate returns the newest aggregate for the key, nil when none
// exists
func (s *SQLiteStorage) GetLatestAggregate(ctx context.Context, providerID, windowSize string) (*telemetry.Aggregate, error) {
	query := `
		SELECT provider_id, window_size, window_start, window_end,
			total_requests, successful_requests, failed_requests,
			avg_response_time_ms, error_rate, error_categories, health
		FROM performance_aggregates
		WHERE provider_id = ? AND window_size = ?
		ORDER BY window_start DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, providerID, windowSize)
	agg, err := scanAggregate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return agg, err
}

// UpsertAggregate writes the aggregate row keyed by
// (provider, window size, window start)
func (s *SQLiteStorage) UpsertAggregate(ctx context.Context, agg *telemetry.Aggregate) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, window_size, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			total_requests = excluded.total_requests,
			successful_requests = excluded.successful_requests,
			failed_requests = excluded.failed_requests,
			avg_response_time_ms = excluded.avg_response_time_ms,
			error_rate = excluded.error_rate,
			error_categories = excluded.error_categories,
			health = excluded.health
	`
	_, err = s.db.ExecContext(ctx, query,
		agg.ProviderID, agg.WindowSize, agg.WindowStart.UTC(), agg.WindowEnd.UTC(),
		agg.TotalRequests, agg.SuccessfulRequests, agg.FailedRequests,
		agg.AverageResponseTimeMs, agg.ErrorRate, string(categories), string(health),
	)
	return err
}

// ListAggregates returns aggregates newest first, capped at limit. Empty
// providerID lists across all providers.
func (s *SQLiteStorage) ListAggregates(ctx context.Context, providerID, windowSize string, limit int) ([]*telemetry.Aggregate, error) {
	query := `
		SELECT provider_id, window_size, window_start, window_end,
			total_requests, successful_requests, failed_requests,
			avg_response_time_ms, error_rate, error_categories, health
		FROM performance_aggregates
		WHERE window_size = ?`
	args := []interface{}{windowSize}

	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}

	query += " ORDER BY window_start DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggregates []*telemetry.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAggregate(row rowScanner) (*telemetry.Aggregate, error) {
	var (
		agg        telemetry.Aggregate
		categories string
		health     string
	)

	if err := row.Scan(
		&agg.ProviderID, &agg.WindowSize, &agg.WindowStart, &agg.WindowEnd,
		&agg.TotalRequests, &agg.SuccessfulRequests, &agg.FailedRequests,
		&agg.AverageResponseTimeMs, &agg.ErrorRate, &categories, &health,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(categories), &agg.ErrorCategories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error categories: %w", err)
	}
	if err := json.Unmarshal([]byte(health), &agg.Health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health: %w", err)
	}
	return &agg, nil
}

// PruneEvents deletes event records older than before, returning the number
// removed
func (s *SQLiteStorage) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_events WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneAggregates deletes closed aggregate windows that ended before the
// cutoff
func (s *SQLiteStorage) PruneAggregates(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM performance_aggregates WHERE window_end < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStorage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
