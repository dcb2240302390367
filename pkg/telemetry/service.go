package telemetry

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// maxProviderPage bounds the provider-performance listing
const maxProviderPage = 50

// topErrorLimit bounds the top-errors section of the dashboard
const topErrorLimit = 10

// Service is the read-only query surface composing the aggregator, health
// classifier and report generator. It holds no invariants of its own; any new
// business rule belongs in one of those components.
type Service struct {
	store     Store
	generator *Generator
	logger    *observability.Logger
	now       func() time.Time
	scanLimit int
}

// NewService creates a new query service
func NewService(store Store, generator *Generator, logger *observability.Logger) *Service {
	return &Service{
		store:     store,
		generator: generator,
		logger:    logger,
		now:       time.Now,
		scanLimit: defaultScanLimit,
	}
}

// Dashboard is the operational overview returned to dashboards
type Dashboard struct {
	Range       TimeRange          `json:"time_range"`
	TotalEvents int64              `json:"total_events"`
	ErrorRate   float64            `json:"error_rate"`
	Providers   map[string]int64   `json:"providers"`
	EventTypes  map[string]int64   `json:"event_types"`
	TimeSeries  []TimeSeriesBucket `json:"time_series"`
	TopErrors   []ErrorCodeCount   `json:"top_errors"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// GetDashboard builds the dashboard summary for a range, optionally filtered
// to one provider. The scan-based sections and the time series are computed
// concurrently; they may observe slightly different event sets, which is
// acceptable for a read-only overview.
func (s *Service) GetDashboard(ctx context.Context, rng TimeRange, providerID string) (*Dashboard, error) {
	window, err := rng.Duration()
	if err != nil {
		return nil, err
	}

	dashboard := &Dashboard{
		Range:       rng,
		Providers:   make(map[string]int64),
		EventTypes:  make(map[string]int64),
		TimeSeries:  []TimeSeriesBucket{},
		TopErrors:   []ErrorCodeCount{},
		GeneratedAt: s.now(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		events, err := s.store.ScanEvents(gctx, EventFilter{
			Since:      s.now().Add(-window),
			ProviderID: providerID,
			Limit:      s.scanLimit,
		})
		if err != nil {
			return &StorageError{Op: "scan events", Err: err}
		}

		var failed int64
		for _, ev := range events {
			dashboard.TotalEvents++
			dashboard.Providers[ev.ProviderID]++
			dashboard.EventTypes[string(ev.Type)]++
			if !ev.Success {
				failed++
			}
		}
		if dashboard.TotalEvents > 0 {
			dashboard.ErrorRate = float64(failed) / float64(dashboard.TotalEvents)
		}
		dashboard.TopErrors = topErrorCodes(events, topErrorLimit)
		return nil
	})

	g.Go(func() error {
		series, err := s.generator.TimeSeries(gctx, rng, providerID)
		if err != nil {
			return err
		}
		dashboard.TimeSeries = series
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dashboard, nil
}

// ProviderPerformance is an aggregate enriched with the advisory score and
// trend label for display
type ProviderPerformance struct {
	Aggregate   *Aggregate `json:"aggregate"`
	HealthScore int        `json:"health_score"`
	Trend       string     `json:"trend"`
}

// GetProviderPerformance lists aggregates newest first, enriched with health
// score and trend. Empty providerID lists across all providers. The page is
// capped at a bounded size.
func (s *Service) GetProviderPerformance(ctx context.Context, providerID, windowSize string) ([]ProviderPerformance, error) {
	if windowSize == "" {
		windowSize = WindowSizeHour
	}

	aggregates, err := s.store.ListAggregates(ctx, providerID, windowSize, maxProviderPage)
	if err != nil {
		return nil, &StorageError{Op: "list aggregates", Err: err}
	}

	result := make([]ProviderPerformance, 0, len(aggregates))
	for _, agg := range aggregates {
		score := HealthScore(agg)
		result = append(result, ProviderPerformance{
			Aggregate:   agg,
			HealthScore: score,
			Trend:       Trend(score),
		})
	}
	return result, nil
}

// EngagementSummary describes user activity over a range
type EngagementSummary struct {
	Range         TimeRange        `json:"time_range"`
	UniqueUsers   int64            `json:"unique_users"`
	Sessions      int64            `json:"sessions"`
	Platforms     map[string]int64 `json:"platforms"`
	PeakHours     []HourActivity   `json:"peak_hours"`
	TotalEvents   int64            `json:"total_events"`
	EventsPerUser float64          `json:"events_per_user"`
}

// GetEngagementAnalytics summarizes engagement for a range, optionally for a
// single user. Session count is approximated by connection-typed events; the
// platform distribution comes from event metadata.
func (s *Service) GetEngagementAnalytics(ctx context.Context, rng TimeRange, userID string) (*EngagementSummary, error) {
	window, err := rng.Duration()
	if err != nil {
		return nil, err
	}

	events, err := s.store.ScanEvents(ctx, EventFilter{
		Since:  s.now().Add(-window),
		UserID: userID,
		Limit:  s.scanLimit,
	})
	if err != nil {
		return nil, &StorageError{Op: "scan events", Err: err}
	}

	summary := &EngagementSummary{
		Range:     rng,
		Platforms: make(map[string]int64),
		PeakHours: []HourActivity{},
	}

	users := make(map[string]bool)
	for _, ev := range events {
		summary.TotalEvents++
		if ev.UserID != "" {
			users[ev.UserID] = true
		}
		if ev.Type == EventConnection {
			summary.Sessions++
		}
		if platform, ok := ev.Metadata["platform"].(string); ok && platform != "" {
			summary.Platforms[platform]++
		}
	}
	summary.UniqueUsers = int64(len(users))
	if summary.UniqueUsers > 0 {
		summary.EventsPerUser = float64(summary.TotalEvents) / float64(summary.UniqueUsers)
	}
	summary.PeakHours = peakHours(events)

	return summary, nil
}
