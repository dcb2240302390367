package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/telemetry"
)

// InstrumentedStore wraps a telemetry.Store with Prometheus counters and
// timers per operation. The backend label distinguishes sqlite from postgres
// in dashboards.
type InstrumentedStore struct {
	inner   telemetry.Store
	metrics *observability.Metrics
	backend string
}

// NewInstrumentedStore decorates a store with operation metrics
func NewInstrumentedStore(inner telemetry.Store, metrics *observability.Metrics, backend string) *InstrumentedStore {
	return &InstrumentedStore{
		inner:   inner,
		metrics: metrics,
		backend: backend,
	}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.StorageOperationsTotal.WithLabelValues(op, s.backend, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(op, s.backend).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStore) InsertEvent(ctx context.Context, event *telemetry.Event) error {
	start := time.Now()
	err := s.inner.InsertEvent(ctx, event)
	s.observe("insert_event", start, err)
	return err
}

func (s *InstrumentedStore) ScanEvents(ctx context.Context, filter telemetry.EventFilter) ([]*telemetry.Event, error) {
	start := time.Now()
	events, err := s.inner.ScanEvents(ctx, filter)
	s.observe("scan_events", start, err)
	return events, err
}

func (s *InstrumentedStore) GetLatestAggregate(ctx context.Context, providerID, windowSize string) (*telemetry.Aggregate, error) {
	start := time.Now()
	agg, err := s.inner.GetLatestAggregate(ctx, providerID, windowSize)
	s.observe("get_latest_aggregate", start, err)
	return agg, err
}

func (s *InstrumentedStore) UpsertAggregate(ctx context.Context, agg *telemetry.Aggregate) error {
	start := time.Now()
	err := s.inner.UpsertAggregate(ctx, agg)
	s.observe("upsert_aggregate", start, err)
	return err
}

func (s *InstrumentedStore) ListAggregates(ctx context.Context, providerID, windowSize string, limit int) ([]*telemetry.Aggregate, error) {
	start := time.Now()
	aggs, err := s.inner.ListAggregates(ctx, providerID, windowSize, limit)
	s.observe("list_aggregates", start, err)
	return aggs, err
}

func (s *InstrumentedStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}
