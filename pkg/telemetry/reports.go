package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// TimeRange is a named lookback window measured back from now
type TimeRange string

const (
	Range1h  TimeRange = "1h"
	Range24h TimeRange = "24h"
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
)

// Duration returns the lookback window for a range key
func (r TimeRange) Duration() (time.Duration, error) {
	switch r {
	case Range1h:
		return time.Hour, nil
	case Range24h:
		return 24 * time.Hour, nil
	case Range7d:
		return 7 * 24 * time.Hour, nil
	case Range30d:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, NewValidationError("time_range", "unknown time range "+string(r))
	}
}

// bucketWidth is the time-series bucket size used for a range
func (r TimeRange) bucketWidth() time.Duration {
	switch r {
	case Range1h:
		return 5 * time.Minute
	case Range24h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// ReportType selects the report to generate
type ReportType string

const (
	ReportPerformance ReportType = "performance"
	ReportUsage       ReportType = "usage"
	ReportErrors      ReportType = "errors"
	ReportCustom      ReportType = "custom"
)

// ReportFilters are optional equality filters applied to the event scan
type ReportFilters struct {
	ProviderID string    `json:"provider_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	EventType  EventType `json:"event_type,omitempty"`
}

// ReportRequest names a report, its range and filters. Metrics is only
// consulted for custom reports.
type ReportRequest struct {
	Type    ReportType    `json:"report_type"`
	Range   TimeRange     `json:"time_range"`
	Filters ReportFilters `json:"filters,omitempty"`
	Metrics []string      `json:"metrics,omitempty"`
}

// PerformanceReport summarizes request outcomes and latency over a range
type PerformanceReport struct {
	TotalEvents       int64    `json:"total_events"`
	SuccessfulEvents  int64    `json:"successful_events"`
	SuccessRate       float64  `json:"success_rate"`
	AvgResponseTimeMs float64  `json:"avg_response_time_ms"`
	Recommendations   []string `json:"recommendations"`
}

// UsageReport summarizes user engagement over a range
type UsageReport struct {
	UniqueUsers      int64            `json:"unique_users"`
	EventsByProvider map[string]int64 `json:"events_by_provider"`
	AvgEventsPerUser float64          `json:"avg_events_per_user"`
	Recommendations  []string         `json:"recommendations"`
}

// ErrorReport breaks down failed events over a range
type ErrorReport struct {
	TotalErrors      int64            `json:"total_errors"`
	ErrorRate        float64          `json:"error_rate"`
	UniqueErrorCodes int              `json:"unique_error_codes"`
	ErrorsByCode     map[string]int64 `json:"errors_by_code"`
	Recommendations  []string         `json:"recommendations"`
}

// Report is the result of one generation. Exactly one of the typed sections
// is populated, matching the requested type.
type Report struct {
	Type        ReportType             `json:"report_type"`
	Range       TimeRange              `json:"time_range"`
	GeneratedAt time.Time              `json:"generated_at"`
	Performance *PerformanceReport     `json:"performance,omitempty"`
	Usage       *UsageReport           `json:"usage,omitempty"`
	Errors      *ErrorReport           `json:"errors,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
}

// TimeSeriesBucket is one point of a bucketed event series. Buckets with no
// events are omitted, not zero-filled; dashboard consumers must treat a
// missing bucket as zero.
type TimeSeriesBucket struct {
	Start      time.Time `json:"start"`
	Count      int64     `json:"count"`
	ErrorCount int64     `json:"error_count"`
}

// HourActivity ranks one hour of day by event volume
type HourActivity struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// defaultScanLimit is the hard cap on rows pulled from the store per report
const defaultScanLimit = 10000

// Generator builds on-demand analytical reports by scanning raw event
// records. Generation is read-only and safe to run concurrently with
// ingestion; two reports run moments apart may disagree by the events
// recorded in between.
type Generator struct {
	store     EventStore
	logger    *observability.Logger
	now       func() time.Time
	scanLimit int
}

// NewGenerator creates a new report generator
func NewGenerator(store EventStore, logger *observability.Logger) *Generator {
	return &Generator{
		store:     store,
		logger:    logger,
		now:       time.Now,
		scanLimit: defaultScanLimit,
	}
}

// Generate produces the requested report over the filtered event scan
func (g *Generator) Generate(ctx context.Context, req ReportRequest) (*Report, error) {
	events, err := g.scan(ctx, req.Range, req.Filters)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Type:        req.Type,
		Range:       req.Range,
		GeneratedAt: g.now(),
	}

	switch req.Type {
	case ReportPerformance:
		report.Performance = buildPerformanceReport(events)
	case ReportUsage:
		report.Usage = buildUsageReport(events)
	case ReportErrors:
		report.Errors = buildErrorReport(events)
	case ReportCustom:
		report.Custom = buildCustomReport(events, req.Metrics)
	default:
		return nil, NewValidationError("report_type", "unknown report type "+string(req.Type))
	}

	g.logger.WithFields(map[string]interface{}{
		"report_type": string(req.Type),
		"time_range":  string(req.Range),
		"events":      len(events),
	}).Debug("Generated report")

	return report, nil
}

// TimeSeries buckets events in the range by the width appropriate for it
// (5m for 1h, 1h for 24h, 1d for 7d/30d). Buckets are sorted by start time;
// empty buckets are omitted.
func (g *Generator) TimeSeries(ctx context.Context, rng TimeRange, providerID string) ([]TimeSeriesBucket, error) {
	events, err := g.scan(ctx, rng, ReportFilters{ProviderID: providerID})
	if err != nil {
		return nil, err
	}

	width := rng.bucketWidth()
	byStart := make(map[time.Time]*TimeSeriesBucket)
	for _, ev := range events {
		start := ev.Timestamp.Truncate(width)
		b, ok := byStart[start]
		if !ok {
			b = &TimeSeriesBucket{Start: start}
			byStart[start] = b
		}
		b.Count++
		if !ev.Success {
			b.ErrorCount++
		}
	}

	buckets := make([]TimeSeriesBucket, 0, len(byStart))
	for _, b := range byStart {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	return buckets, nil
}

// PeakHours ranks hours of day by event count using the precomputed
// dimensions facet and returns the top three.
func (g *Generator) PeakHours(ctx context.Context, rng TimeRange, userID string) ([]HourActivity, error) {
	events, err := g.scan(ctx, rng, ReportFilters{UserID: userID})
	if err != nil {
		return nil, err
	}
	return peakHours(events), nil
}

func peakHours(events []*Event) []HourActivity {
	counts := make(map[int]int64)
	for _, ev := range events {
		counts[ev.Dimensions.Hour]++
	}

	hours := make([]HourActivity, 0, len(counts))
	for h, c := range counts {
		hours = append(hours, HourActivity{Hour: h, Count: c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Count != hours[j].Count {
			return hours[i].Count > hours[j].Count
		}
		return hours[i].Hour < hours[j].Hour
	})

	if len(hours) > 3 {
		hours = hours[:3]
	}
	return hours
}

// scan pulls the filtered events for a range, capped at the scan limit
func (g *Generator) scan(ctx context.Context, rng TimeRange, filters ReportFilters) ([]*Event, error) {
	window, err := rng.Duration()
	if err != nil {
		return nil, err
	}

	events, err := g.store.ScanEvents(ctx, EventFilter{
		Since:      g.now().Add(-window),
		ProviderID: filters.ProviderID,
		UserID:     filters.UserID,
		EventType:  filters.EventType,
		Limit:      g.scanLimit,
	})
	if err != nil {
		return nil, &StorageError{Op: "scan events", Err: err}
	}
	return events, nil
}

func buildPerformanceReport(events []*Event) *PerformanceReport {
	report := &PerformanceReport{Recommendations: []string{}}

	var durationSum float64
	var durationCount int64
	for _, ev := range events {
		report.TotalEvents++
		if ev.Success {
			report.SuccessfulEvents++
		}
		if ev.DurationMs != nil {
			durationSum += float64(*ev.DurationMs)
			durationCount++
		}
	}

	if report.TotalEvents > 0 {
		report.SuccessRate = float64(report.SuccessfulEvents) / float64(report.TotalEvents)
	}
	if durationCount > 0 {
		report.AvgResponseTimeMs = durationSum / float64(durationCount)
	}

	if report.AvgResponseTimeMs > 2000 {
		report.Recommendations = append(report.Recommendations,
			"Average response time exceeds 2s. Consider caching provider responses to reduce latency.")
	}
	errorRate := 0.0
	if report.TotalEvents > 0 {
		errorRate = 1 - report.SuccessRate
	}
	if errorRate > 0.05 {
		report.Recommendations = append(report.Recommendations,
			"Error rate exceeds 5%. Review error handling and retry behavior for failing providers.")
	}

	return report
}

func buildUsageReport(events []*Event) *UsageReport {
	report := &UsageReport{
		EventsByProvider: make(map[string]int64),
		Recommendations:  []string{},
	}

	users := make(map[string]bool)
	for _, ev := range events {
		report.EventsByProvider[ev.ProviderID]++
		if ev.UserID != "" {
			users[ev.UserID] = true
		}
	}
	report.UniqueUsers = int64(len(users))

	if report.UniqueUsers > 0 {
		report.AvgEventsPerUser = float64(len(events)) / float64(report.UniqueUsers)
	}

	if report.AvgEventsPerUser < 5 {
		report.Recommendations = append(report.Recommendations,
			"Average events per user is below 5. Engagement is low; consider prompting users to connect providers.")
	}

	return report
}

func buildErrorReport(events []*Event) *ErrorReport {
	report := &ErrorReport{
		ErrorsByCode:    make(map[string]int64),
		Recommendations: []string{},
	}

	var authErrors int64
	for _, ev := range events {
		if ev.Success {
			continue
		}
		report.TotalErrors++
		code := ev.ErrorCode
		if code == "" {
			code = "unknown"
		}
		report.ErrorsByCode[code]++
		if ClassifyErrorCode(ev.ErrorCode) == CategoryAuthentication {
			authErrors++
		}
	}

	if len(events) > 0 {
		report.ErrorRate = float64(report.TotalErrors) / float64(len(events))
	}
	report.UniqueErrorCodes = len(report.ErrorsByCode)

	if report.TotalErrors > 0 && float64(authErrors)/float64(report.TotalErrors) > 0.30 {
		report.Recommendations = append(report.Recommendations,
			"Authentication failures make up over 30% of errors. Check provider credentials and token refresh.")
	}

	return report
}

// buildCustomReport computes only the metrics named in the request. Metrics
// without an implementation return the literal not-implemented marker so one
// missing metric never fails the whole report.
func buildCustomReport(events []*Event, metrics []string) map[string]interface{} {
	result := make(map[string]interface{}, len(metrics))
	for _, name := range metrics {
		switch name {
		case "response_time_percentiles":
			result[name] = responseTimePercentiles(events)
		default:
			result[name] = NotImplementedMarker
		}
	}
	return result
}

// responseTimePercentiles computes p50/p90/p95/p99 over all available
// response times by sorting and indexing at floor(n*p).
func responseTimePercentiles(events []*Event) map[string]float64 {
	durations := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.DurationMs != nil {
			durations = append(durations, float64(*ev.DurationMs))
		}
	}
	sort.Float64s(durations)

	percentiles := map[string]float64{"p50": 0, "p90": 0, "p95": 0, "p99": 0}
	if len(durations) == 0 {
		return percentiles
	}
	for _, p := range []struct {
		name string
		q    float64
	}{{"p50", 0.50}, {"p90", 0.90}, {"p95", 0.95}, {"p99", 0.99}} {
		idx := int(float64(len(durations)) * p.q)
		if idx >= len(durations) {
			idx = len(durations) - 1
		}
		percentiles[p.name] = durations[idx]
	}
	return percentiles
}

// topErrorCodes returns the most frequent error codes among failed events,
// capped at limit
func topErrorCodes(events []*Event, limit int) []ErrorCodeCount {
	counts := make(map[string]int64)
	for _, ev := range events {
		if ev.Success {
			continue
		}
		code := ev.ErrorCode
		if code == "" {
			code = "unknown"
		}
		counts[code]++
	}

	codes := make([]ErrorCodeCount, 0, len(counts))
	for code, count := range counts {
		codes = append(codes, ErrorCodeCount{Code: code, Count: count})
	}
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Count != codes[j].Count {
			return codes[i].Count > codes[j].Count
		}
		return codes[i].Code < codes[j].Code
	})
	if len(codes) > limit {
		codes = codes[:limit]
	}
	return codes
}

// ErrorCodeCount pairs an error code with its occurrence count
type ErrorCodeCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// CacheKey returns a stable fingerprint of the request for report caching
func (r ReportRequest) CacheKey() string {
	return fmt.Sprintf("report:%s:%s:%s:%s:%s:%v",
		r.Type, r.Range, r.Filters.ProviderID, r.Filters.UserID, r.Filters.EventType, r.Metrics)
}
