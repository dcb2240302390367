package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memStore is an in-memory Store used by the engine tests
type memStore struct {
	mu         sync.Mutex
	events     []*Event
	aggregates map[string][]*Aggregate // keyed by provider/windowSize, newest last
	failWith   error
}

func newMemStore() *memStore {
	return &memStore{aggregates: make(map[string][]*Aggregate)}
}

func (m *memStore) InsertEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

func (m *memStore) ScanEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	var matched []*Event
	for _, ev := range m.events {
		if ev.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.ProviderID != "" && ev.ProviderID != filter.ProviderID {
			continue
		}
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.EventType != "" && ev.Type != filter.EventType {
			continue
		}
		copied := *ev
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *memStore) GetLatestAggregate(ctx context.Context, providerID, windowSize string) (*Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	aggs := m.aggregates[providerID+"/"+windowSize]
	if len(aggs) == 0 {
		return nil, nil
	}
	copied := *aggs[len(aggs)-1]
	return &copied, nil
}

func (m *memStore) UpsertAggregate(ctx context.Context, agg *Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	key := agg.ProviderID + "/" + agg.WindowSize
	copied := *agg
	aggs := m.aggregates[key]
	for i, existing := range aggs {
		if existing.WindowStart.Equal(agg.WindowStart) {
			aggs[i] = &copied
			return nil
		}
	}
	m.aggregates[key] = append(aggs, &copied)
	return nil
}

func (m *memStore) ListAggregates(ctx context.Context, providerID, windowSize string, limit int) ([]*Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}

	var matched []*Aggregate
	for _, aggs := range m.aggregates {
		for _, agg := range aggs {
			if providerID != "" && agg.ProviderID != providerID {
				continue
			}
			if agg.WindowSize != windowSize {
				continue
			}
			copied := *agg
			matched = append(matched, &copied)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].WindowStart.After(matched[j].WindowStart)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error {
	if m.failWith != nil {
		return m.failWith
	}
	return nil
}

var errStoreDown = errors.New("store unreachable")
