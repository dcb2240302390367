package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// WindowSizeHour is the single canonical window size for live aggregation.
// Longer ranges are computed on demand by the report generator from raw
// events rather than kept as separate live aggregates.
const WindowSizeHour = "1h"

// ErrorCategories partitions failed requests by the classified cause
type ErrorCategories struct {
	Authentication int64 `json:"authentication"`
	RateLimit      int64 `json:"rate_limit"`
	ServerError    int64 `json:"server_error"`
	Network        int64 `json:"network"`
	Timeout        int64 `json:"timeout"`
	Other          int64 `json:"other"`
}

// Aggregate holds the rolling performance counters for one provider over one
// window. Counters are monotonically non-decreasing for the lifetime of the
// window; an aggregate becomes immutable history once a newer one exists for
// the same provider and window size.
type Aggregate struct {
	ProviderID            string          `json:"provider_id"`
	WindowSize            string          `json:"window_size"`
	TotalRequests         int64           `json:"total_requests"`
	SuccessfulRequests    int64           `json:"successful_requests"`
	FailedRequests        int64           `json:"failed_requests"`
	AverageResponseTimeMs float64         `json:"average_response_time_ms"`
	ErrorRate             float64         `json:"error_rate"`
	ErrorCategories       ErrorCategories `json:"error_categories"`
	Health                Health          `json:"health"`
	WindowStart           time.Time       `json:"window_start"`
	WindowEnd             time.Time       `json:"window_end"`
}

// Aggregator maintains the live per-provider aggregates. Updates for the same
// provider are serialized through a per-key mutex so the counter and
// incremental-mean arithmetic never races; distinct providers update in
// parallel. The durable store holds the authoritative state.
type Aggregator struct {
	store   AggregateStore
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAggregator creates a new window aggregator
func NewAggregator(store AggregateStore, logger *observability.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetMetrics enables Prometheus instrumentation of aggregate updates
func (a *Aggregator) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// lockFor returns the mutex serializing updates for one aggregate key
func (a *Aggregator) lockFor(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// Record applies one event to the live aggregate for its provider and returns
// the updated aggregate. The whole read-modify-write is atomic per key. The
// aggregate is persisted before returning.
func (a *Aggregator) Record(ctx context.Context, event *Event) (*Aggregate, error) {
	if event.DurationMs != nil && *event.DurationMs < 0 {
		return nil, NewValidationError("duration_ms", "must not be negative")
	}

	key := event.ProviderID + "/" + WindowSizeHour
	lock := a.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	agg, err := a.store.GetLatestAggregate(ctx, event.ProviderID, WindowSizeHour)
	if err != nil {
		return nil, &StorageError{Op: "get aggregate", Err: err}
	}

	prevStatus := StatusHealthy
	if agg != nil {
		prevStatus = agg.Health.Status
	}

	if agg == nil || !event.Timestamp.Before(agg.WindowEnd) {
		agg = a.newWindow(event.ProviderID, event.Timestamp)
	}

	a.apply(agg, event)

	if err := a.store.UpsertAggregate(ctx, agg); err != nil {
		return nil, &StorageError{Op: "upsert aggregate", Err: err}
	}

	if a.metrics != nil {
		a.metrics.AggregateUpdates.WithLabelValues(agg.ProviderID, string(agg.Health.Status)).Inc()
		switch {
		case prevStatus != StatusDown && agg.Health.Status == StatusDown:
			a.metrics.ProvidersDown.Inc()
		case prevStatus == StatusDown && agg.Health.Status != StatusDown:
			a.metrics.ProvidersDown.Dec()
		}
	}

	updated := *agg
	return &updated, nil
}

// newWindow creates a fresh aggregate whose window contains ts
func (a *Aggregator) newWindow(providerID string, ts time.Time) *Aggregate {
	start := ts.Truncate(time.Hour)
	return &Aggregate{
		ProviderID:  providerID,
		WindowSize:  WindowSizeHour,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		Health: Health{
			Status:       StatusHealthy,
			Availability: 1.0,
		},
	}
}

// apply performs the per-event update in the required order: counters,
// incremental mean, error rate, error category, health.
func (a *Aggregator) apply(agg *Aggregate, event *Event) {
	agg.TotalRequests++
	if event.Success {
		agg.SuccessfulRequests++
	} else {
		agg.FailedRequests++
	}

	if event.DurationMs != nil {
		n := float64(agg.TotalRequests)
		agg.AverageResponseTimeMs = (agg.AverageResponseTimeMs*(n-1) + float64(*event.DurationMs)) / n
	}

	agg.ErrorRate = float64(agg.FailedRequests) / float64(agg.TotalRequests)

	if !event.Success {
		incrementCategory(&agg.ErrorCategories, ClassifyErrorCode(event.ErrorCode))
	}

	agg.Health = Classify(agg, agg.Health, a.now())
}

// ErrorCategory names one bucket of the error taxonomy
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryServerError    ErrorCategory = "server_error"
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryOther          ErrorCategory = "other"
)

// ClassifyErrorCode assigns an error code to exactly one category by
// substring match. The priority order is load-bearing: a code matching
// several rules resolves to the first one, so changing the order would
// silently reclassify historical errors.
func ClassifyErrorCode(code string) ErrorCategory {
	lower := strings.ToLower(code)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "403"):
		return CategoryAuthentication
	case strings.Contains(lower, "429"):
		return CategoryRateLimit
	case strings.HasPrefix(lower, "5"):
		return CategoryServerError
	case strings.Contains(lower, "timeout"):
		return CategoryTimeout
	case strings.Contains(lower, "network"):
		return CategoryNetwork
	default:
		return CategoryOther
	}
}

func incrementCategory(c *ErrorCategories, cat ErrorCategory) {
	switch cat {
	case CategoryAuthentication:
		c.Authentication++
	case CategoryRateLimit:
		c.RateLimit++
	case CategoryServerError:
		c.ServerError++
	case CategoryNetwork:
		c.Network++
	case CategoryTimeout:
		c.Timeout++
	default:
		c.Other++
	}
}
