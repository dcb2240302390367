package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// EventType identifies the kind of provider interaction being recorded
type EventType string

const (
	EventConnection    EventType = "connection"
	EventDisconnection EventType = "disconnection"
	EventTokenRefresh  EventType = "token_refresh"
	EventAPICall       EventType = "api_call"
	EventSync          EventType = "sync"
	EventError         EventType = "error"
	EventUserAction    EventType = "user_action"
)

var knownEventTypes = map[EventType]bool{
	EventConnection:    true,
	EventDisconnection: true,
	EventTokenRefresh:  true,
	EventAPICall:       true,
	EventSync:          true,
	EventError:         true,
	EventUserAction:    true,
}

// Dimensions are calendar facets derived once from the event timestamp so
// time-bucketed analysis never has to re-parse timestamps.
type Dimensions struct {
	Hour      int `json:"hour"`
	DayOfWeek int `json:"day_of_week"`
	Month     int `json:"month"`
	Year      int `json:"year"`
}

// Event is one observed interaction with a provider. Events are append-only:
// created once, never mutated. Timestamp is the sole ordering key.
type Event struct {
	ID           string                 `json:"id"`
	ProviderID   string                 `json:"provider_id"`
	UserID       string                 `json:"user_id,omitempty"`
	Type         EventType              `json:"event_type"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Dimensions   Dimensions             `json:"dimensions"`
	Timestamp    time.Time              `json:"timestamp"`
}

// EventFilter selects events for a range scan. Since is compared against the
// event timestamp; the string fields are equality predicates, empty means any.
type EventFilter struct {
	Since      time.Time
	ProviderID string
	UserID     string
	EventType  EventType
	Limit      int
}

// EventStore persists event records
type EventStore interface {
	InsertEvent(ctx context.Context, event *Event) error
	ScanEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// AggregateStore persists performance aggregates keyed by
// (provider, window size, window start)
type AggregateStore interface {
	// GetLatestAggregate returns the newest aggregate for the key, or nil
	// when none exists yet.
	GetLatestAggregate(ctx context.Context, providerID, windowSize string) (*Aggregate, error)
	UpsertAggregate(ctx context.Context, agg *Aggregate) error
	// ListAggregates returns aggregates newest first, at most limit rows.
	// Empty providerID lists across all providers.
	ListAggregates(ctx context.Context, providerID, windowSize string, limit int) ([]*Aggregate, error)
}

// Store combines the persistence operations the engine consumes
type Store interface {
	EventStore
	AggregateStore
	HealthCheck(ctx context.Context) error
}

// RecordRequest carries the caller-supplied fields of a new event
type RecordRequest struct {
	ProviderID   string                 `json:"provider_id"`
	UserID       string                 `json:"user_id,omitempty"`
	EventType    EventType              `json:"event_type"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Recorder validates incoming telemetry, persists the event record and feeds
// the window aggregator.
type Recorder struct {
	store      EventStore
	aggregator *Aggregator
	logger     *observability.Logger
	now        func() time.Time
}

// NewRecorder creates a new event recorder
func NewRecorder(store EventStore, aggregator *Aggregator, logger *observability.Logger) *Recorder {
	return &Recorder{
		store:      store,
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

// Record validates the request, persists an immutable event record and applies
// it to the live aggregate for the provider. It returns the generated event ID.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (string, error) {
	if req.ProviderID == "" {
		return "", NewValidationError("provider_id", "must not be empty")
	}
	if !knownEventTypes[req.EventType] {
		return "", NewValidationError("event_type", "unknown event type "+string(req.EventType))
	}
	if req.DurationMs != nil && *req.DurationMs < 0 {
		return "", NewValidationError("duration_ms", "must not be negative")
	}

	ts := r.now()
	event := &Event{
		ID:           uuid.NewString(),
		ProviderID:   req.ProviderID,
		UserID:       req.UserID,
		Type:         req.EventType,
		Action:       req.Action,
		Success:      req.Success,
		DurationMs:   req.DurationMs,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
		Metadata:     req.Metadata,
		Dimensions:   deriveDimensions(ts),
		Timestamp:    ts,
	}

	if err := r.store.InsertEvent(ctx, event); err != nil {
		return "", &StorageError{Op: "insert event", Err: err}
	}

	if _, err := r.aggregator.Record(ctx, event); err != nil {
		return "", err
	}

	r.logger.WithFields(map[string]interface{}{
		"event_id":    event.ID,
		"provider_id": event.ProviderID,
		"event_type":  string(event.Type),
		"success":     event.Success,
	}).Debug("Recorded telemetry event")

	return event.ID, nil
}

// deriveDimensions computes the calendar facets for a timestamp
func deriveDimensions(ts time.Time) Dimensions {
	return Dimensions{
		Hour:      ts.Hour(),
		DayOfWeek: int(ts.Weekday()),
		Month:     int(ts.Month()),
		Year:      ts.Year(),
	}
}
