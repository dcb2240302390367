package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/platinummonkey/pulse/pkg/telemetry"
)

func newMockStorage(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func checkExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertEvent(t *testing.T) {
	store, mock := newMockStorage(t)

	duration := int64(250)
	ts := time.Date(2026, 3, 10, 15, 42, 0, 0, time.UTC)
	event := &telemetry.Event{
		ID:         "evt-1",
		ProviderID: "spotify",
		UserID:     "u1",
		Type:       telemetry.EventAPICall,
		Action:     "fetch_playlists",
		Success:    true,
		DurationMs: &duration,
		Metadata:   map[string]interface{}{"platform": "ios"},
		Dimensions: telemetry.Dimensions{Hour: 15, DayOfWeek: 2, Month: 3, Year: 2026},
		Timestamp:  ts,
	}

	metadata, _ := json.Marshal(event.Metadata)
	mock.ExpectExec("INSERT INTO telemetry_events").
		WithArgs("evt-1", "spotify", "u1", "api_call", "fetch_playlists", true,
			duration, nil, nil, metadata, 15, 2, 3, 2026, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.InsertEvent(context.Background(), event); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	checkExpectations(t, mock)
}

func TestInsertEventNullableFields(t *testing.T) {
	store, mock := newMockStorage(t)

	ts := time.Date(2026, 3, 10, 15, 42, 0, 0, time.UTC)
	event := &telemetry.Event{
		ID:         "evt-2",
		ProviderID: "github",
		Type:       telemetry.EventError,
		Success:    false,
		ErrorCode:  "503",
		Dimensions: telemetry.Dimensions{Hour: 15, DayOfWeek: 2, Month: 3, Year: 2026},
		Timestamp:  ts,
	}

	// Empty user, duration and message travel as NULL, not empty values.
	mock.ExpectExec("INSERT INTO telemetry_events").
		WithArgs("evt-2", "github", nil, "error", "", false,
			nil, "503", nil, []byte("null"), 15, 2, 3, 2026, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.InsertEvent(context.Background(), event); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	checkExpectations(t, mock)
}

func eventColumns() []string {
	return []string{
		"id", "provider_id", "user_id", "event_type", "action", "success",
		"duration_ms", "error_code", "error_message", "metadata",
		"dim_hour", "dim_day_of_week", "dim_month", "dim_year", "recorded_at",
	}
}

func TestScanEvents(t *testing.T) {
	store, mock := newMockStorage(t)

	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	ts := since.Add(6 * time.Hour)
	rows := sqlmock.NewRows(eventColumns()).
		AddRow("evt-1", "spotify", "u1", "api_call", "fetch", true,
			int64(250), nil, nil, []byte(`{"platform":"ios"}`), 6, 2, 3, 2026, ts).
		AddRow("evt-2", "spotify", nil, "error", "", false,
			nil, "timeout", "deadline exceeded", nil, 6, 2, 3, 2026, ts)

	mock.ExpectQuery("SELECT (.+) FROM telemetry_events").
		WithArgs(since, "spotify", 100).
		WillReturnRows(rows)

	events, err := store.ScanEvents(context.Background(), telemetry.EventFilter{
		Since:      since,
		ProviderID: "spotify",
		Limit:      100,
	})
	if err != nil {
		t.Fatalf("ScanEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if first.UserID != "u1" || first.DurationMs == nil || *first.DurationMs != 250 {
		t.Errorf("first event not decoded: %+v", first)
	}
	if first.Metadata["platform"] != "ios" {
		t.Errorf("metadata not decoded: %v", first.Metadata)
	}

	second := events[1]
	if second.UserID != "" || second.DurationMs != nil {
		t.Errorf("null columns should decode to zero values: %+v", second)
	}
	if second.ErrorCode != "timeout" || second.ErrorMessage != "deadline exceeded" {
		t.Errorf("error fields not decoded: %+v", second)
	}
	checkExpectations(t, mock)
}

func TestScanEventsFilterPredicates(t *testing.T) {
	store, mock := newMockStorage(t)

	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM telemetry_events").
		WithArgs(since, "u1", "sync", 50).
		WillReturnRows(sqlmock.NewRows(eventColumns()))

	events, err := store.ScanEvents(context.Background(), telemetry.EventFilter{
		Since:     since,
		UserID:    "u1",
		EventType: telemetry.EventSync,
		Limit:     50,
	})
	if err != nil {
		t.Fatalf("ScanEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	checkExpectations(t, mock)
}

func aggregateColumns() []string {
	return []string{
		"provider_id", "window_size", "window_start", "window_end",
		"total_requests", "successful_requests", "failed_requests",
		"avg_response_time_ms", "error_rate", "error_categories", "health",
	}
}

func TestGetLatestAggregate(t *testing.T) {
	store, mock := newMockStorage(t)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(aggregateColumns()).
		AddRow("spotify", "1h", start, start.Add(time.Hour),
			int64(10), int64(9), int64(1), 500.0, 0.1,
			[]byte(`{"authentication":0,"rate_limit":0,"server_error":1,"network":0,"timeout":0,"other":0}`),
			[]byte(`{"status":"healthy","availability":0.9}`))

	mock.ExpectQuery("SELECT (.+) FROM performance_aggregates").
		WithArgs("spotify", "1h").
		WillReturnRows(rows)

	agg, err := store.GetLatestAggregate(context.Background(), "spotify", "1h")
	if err != nil {
		t.Fatalf("GetLatestAggregate failed: %v", err)
	}
	if agg == nil {
		t.Fatal("expected an aggregate")
	}
	if agg.TotalRequests != 10 || agg.ErrorRate != 0.1 {
		t.Errorf("aggregate not decoded: %+v", agg)
	}
	if agg.ErrorCategories.ServerError != 1 {
		t.Errorf("error categories not decoded: %+v", agg.ErrorCategories)
	}
	if agg.Health.Status != telemetry.StatusHealthy || agg.Health.Availability != 0.9 {
		t.Errorf("health not decoded: %+v", agg.Health)
	}
	checkExpectations(t, mock)
}

func TestGetLatestAggregateNone(t *testing.T) {
	store, mock := newMockStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM performance_aggregates").
		WithArgs("nobody", "1h").
		WillReturnError(sql.ErrNoRows)

	agg, err := store.GetLatestAggregate(context.Background(), "nobody", "1h")
	if err != nil {
		t.Fatalf("expected nil error for missing aggregate, got %v", err)
	}
	if agg != nil {
		t.Errorf("expected nil aggregate, got %+v", agg)
	}
	checkExpectations(t, mock)
}

func TestUpsertAggregate(t *testing.T) {
	store, mock := newMockStorage(t)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	agg := &telemetry.Aggregate{
		ProviderID:            "spotify",
		WindowSize:            "1h",
		WindowStart:           start,
		WindowEnd:             start.Add(time.Hour),
		TotalRequests:         10,
		SuccessfulRequests:    9,
		FailedRequests:        1,
		AverageResponseTimeMs: 500,
		ErrorRate:             0.1,
		ErrorCategories:       telemetry.ErrorCategories{ServerError: 1},
		Health:                telemetry.Health{Status: telemetry.StatusHealthy, Availability: 0.9},
	}

	categories, _ := json.Marshal(agg.ErrorCategories)
	health, _ := json.Marshal(agg.Health)
	mock.ExpectExec("INSERT INTO performance_aggregates").
		WithArgs("spotify", "1h", start, start.Add(time.Hour),
			int64(10), int64(9), int64(1), 500.0, 0.1, categories, health).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpsertAggregate(context.Background(), agg); err != nil {
		t.Fatalf("UpsertAggregate failed: %v", err)
	}
	checkExpectations(t, mock)
}

func TestListAggregates(t *testing.T) {
	store, mock := newMockStorage(t)

	newer := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)
	rows := sqlmock.NewRows(aggregateColumns()).
		AddRow("spotify", "1h", newer, newer.Add(time.Hour),
			int64(5), int64(5), int64(0), 120.0, 0.0,
			[]byte(`{}`), []byte(`{"status":"healthy","availability":1}`)).
		AddRow("spotify", "1h", older, older.Add(time.Hour),
			int64(8), int64(6), int64(2), 300.0, 0.25,
			[]byte(`{"timeout":2}`), []byte(`{"status":"degraded","availability":0.75}`))

	mock.ExpectQuery("SELECT (.+) FROM performance_aggregates").
		WithArgs("1h", "spotify", 50).
		WillReturnRows(rows)

	aggs, err := store.ListAggregates(context.Background(), "spotify", "1h", 50)
	if err != nil {
		t.Fatalf("ListAggregates failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}
	if !aggs[0].WindowStart.Equal(newer) {
		t.Errorf("aggregates not newest first")
	}
	if aggs[1].ErrorCategories.Timeout != 2 {
		t.Errorf("categories not decoded: %+v", aggs[1].ErrorCategories)
	}
	checkExpectations(t, mock)
}

func TestPruneEvents(t *testing.T) {
	store, mock := newMockStorage(t)

	before := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM telemetry_events").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 1234))

	removed, err := store.PruneEvents(context.Background(), before)
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if removed != 1234 {
		t.Errorf("removed %d, want 1234", removed)
	}
	checkExpectations(t, mock)
}

func TestPruneAggregates(t *testing.T) {
	store, mock := newMockStorage(t)

	before := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM performance_aggregates").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 7))

	removed, err := store.PruneAggregates(context.Background(), before)
	if err != nil {
		t.Fatalf("PruneAggregates failed: %v", err)
	}
	if removed != 7 {
		t.Errorf("removed %d, want 7", removed)
	}
	checkExpectations(t, mock)
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectPing()
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	checkExpectations(t, mock)
}
