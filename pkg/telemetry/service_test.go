package telemetry

import (
	"context"
	"testing"
	"time"
)

func newTestService(store *memStore, now time.Time) *Service {
	gen := newTestGenerator(store, now)
	svc := NewService(store, gen, testLogger())
	svc.now = func() time.Time { return now }
	return svc
}

func TestDashboardEmptyRange(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newTestService(newMemStore(), now)

	dash, err := svc.GetDashboard(context.Background(), Range24h, "")
	if err != nil {
		t.Fatalf("GetDashboard failed on empty store: %v", err)
	}

	if dash.TotalEvents != 0 {
		t.Errorf("total events %d, want 0", dash.TotalEvents)
	}
	if dash.ErrorRate != 0 {
		t.Errorf("error rate %f, want 0 on empty range", dash.ErrorRate)
	}
	if len(dash.Providers) != 0 || len(dash.EventTypes) != 0 {
		t.Errorf("expected empty distributions, got providers=%v types=%v", dash.Providers, dash.EventTypes)
	}
	if dash.TimeSeries == nil || dash.TopErrors == nil {
		t.Errorf("collections should be empty, not nil")
	}
	if len(dash.TimeSeries) != 0 || len(dash.TopErrors) != 0 {
		t.Errorf("expected no buckets or errors, got %v / %v", dash.TimeSeries, dash.TopErrors)
	}
}

func TestDashboardSummary(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	for i := 0; i < 6; i++ {
		seedEvent(store, makeEvent("github", true, int64Ptr(100), "", now.Add(-time.Duration(i)*time.Minute)))
	}
	for i := 0; i < 2; i++ {
		seedEvent(store, makeEvent("spotify", false, nil, "429", now.Add(-time.Duration(i)*time.Minute)))
	}
	ev := makeEvent("spotify", true, nil, "", now.Add(-time.Minute))
	ev.Type = EventConnection
	seedEvent(store, ev)

	svc := newTestService(store, now)
	dash, err := svc.GetDashboard(context.Background(), Range24h, "")
	if err != nil {
		t.Fatalf("GetDashboard failed: %v", err)
	}

	if dash.TotalEvents != 9 {
		t.Errorf("total events %d, want 9", dash.TotalEvents)
	}
	if dash.Providers["github"] != 6 || dash.Providers["spotify"] != 3 {
		t.Errorf("provider distribution wrong: %v", dash.Providers)
	}
	if dash.EventTypes[string(EventAPICall)] != 8 || dash.EventTypes[string(EventConnection)] != 1 {
		t.Errorf("event type distribution wrong: %v", dash.EventTypes)
	}
	wantRate := 2.0 / 9.0
	if diff := dash.ErrorRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("error rate %f, want %f", dash.ErrorRate, wantRate)
	}
	if len(dash.TopErrors) != 1 || dash.TopErrors[0].Code != "429" || dash.TopErrors[0].Count != 2 {
		t.Errorf("top errors wrong: %v", dash.TopErrors)
	}
	if len(dash.TimeSeries) == 0 {
		t.Errorf("expected time series buckets")
	}
}

func TestDashboardProviderFilter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	seedEvent(store, makeEvent("github", true, nil, "", now.Add(-time.Minute)))
	seedEvent(store, makeEvent("spotify", true, nil, "", now.Add(-time.Minute)))

	svc := newTestService(store, now)
	dash, err := svc.GetDashboard(context.Background(), Range24h, "github")
	if err != nil {
		t.Fatalf("GetDashboard failed: %v", err)
	}
	if dash.TotalEvents != 1 {
		t.Errorf("filter leaked other providers: total=%d", dash.TotalEvents)
	}
	if _, ok := dash.Providers["spotify"]; ok {
		t.Errorf("filtered provider present in distribution")
	}
}

func TestDashboardUnknownRange(t *testing.T) {
	svc := newTestService(newMemStore(), time.Now())
	if _, err := svc.GetDashboard(context.Background(), "2h", ""); !IsValidationError(err) {
		t.Errorf("expected validation error for unknown range, got %v", err)
	}
}

func TestProviderPerformanceEnrichment(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	agg := NewAggregator(store, testLogger())
	ctx := context.Background()

	// One clean window and one degraded window an hour apart.
	for i := 0; i < 10; i++ {
		if _, err := agg.Record(ctx, makeEvent("github", true, int64Ptr(100), "", now.Add(-2*time.Hour))); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if _, err := agg.Record(ctx, makeEvent("github", i%2 == 0, int64Ptr(4000), "503", now.Add(-time.Hour))); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	svc := newTestService(store, now)
	page, err := svc.GetProviderPerformance(ctx, "github", "")
	if err != nil {
		t.Fatalf("GetProviderPerformance failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(page))
	}
	if page[0].Aggregate.WindowStart.Before(page[1].Aggregate.WindowStart) {
		t.Errorf("aggregates not newest first")
	}

	// Newest window: 50% failures at 4s average.
	// 100*(0.4*0.5 + 0.3*0.5 + 0.3*0.2) = 41 -> declining.
	if page[0].HealthScore != 41 {
		t.Errorf("degraded window score %d, want 41", page[0].HealthScore)
	}
	if page[0].Trend != TrendDeclining {
		t.Errorf("degraded window trend %q, want declining", page[0].Trend)
	}

	// Older window: perfect availability at 100ms.
	// 100*(0.4 + 0.3 + 0.3*0.98) = 99 -> improving.
	if page[1].HealthScore != 99 {
		t.Errorf("clean window score %d, want 99", page[1].HealthScore)
	}
	if page[1].Trend != TrendImproving {
		t.Errorf("clean window trend %q, want improving", page[1].Trend)
	}
}

func TestProviderPerformanceEmpty(t *testing.T) {
	svc := newTestService(newMemStore(), time.Now())
	page, err := svc.GetProviderPerformance(context.Background(), "nobody", "")
	if err != nil {
		t.Fatalf("GetProviderPerformance failed: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("expected empty page, got %v", page)
	}
}

func TestEngagementAnalytics(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	addEvent := func(userID string, typ EventType, platform string, ts time.Time) {
		ev := makeEvent("github", true, nil, "", ts)
		ev.UserID = userID
		ev.Type = typ
		if platform != "" {
			ev.Metadata = map[string]interface{}{"platform": platform}
		}
		seedEvent(store, ev)
	}

	addEvent("u1", EventConnection, "ios", now.Add(-time.Hour))
	addEvent("u1", EventSync, "ios", now.Add(-50*time.Minute))
	addEvent("u1", EventSync, "ios", now.Add(-40*time.Minute))
	addEvent("u2", EventConnection, "android", now.Add(-30*time.Minute))
	addEvent("u2", EventAPICall, "", now.Add(-20*time.Minute))
	addEvent("", EventAPICall, "web", now.Add(-10*time.Minute))

	svc := newTestService(store, now)
	summary, err := svc.GetEngagementAnalytics(context.Background(), Range7d, "")
	if err != nil {
		t.Fatalf("GetEngagementAnalytics failed: %v", err)
	}

	if summary.TotalEvents != 6 {
		t.Errorf("total events %d, want 6", summary.TotalEvents)
	}
	if summary.UniqueUsers != 2 {
		t.Errorf("unique users %d, want 2 (anonymous events excluded)", summary.UniqueUsers)
	}
	if summary.Sessions != 2 {
		t.Errorf("sessions %d, want 2", summary.Sessions)
	}
	if summary.Platforms["ios"] != 3 || summary.Platforms["android"] != 1 || summary.Platforms["web"] != 1 {
		t.Errorf("platform distribution wrong: %v", summary.Platforms)
	}
	if summary.EventsPerUser != 3 {
		t.Errorf("events per user %f, want 3", summary.EventsPerUser)
	}
	if len(summary.PeakHours) == 0 {
		t.Errorf("expected peak hours")
	}
}

func TestEngagementAnalyticsUserFilter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	for _, user := range []string{"u1", "u1", "u2"} {
		ev := makeEvent("github", true, nil, "", now.Add(-time.Minute))
		ev.UserID = user
		seedEvent(store, ev)
	}

	svc := newTestService(store, now)
	summary, err := svc.GetEngagementAnalytics(context.Background(), Range7d, "u1")
	if err != nil {
		t.Fatalf("GetEngagementAnalytics failed: %v", err)
	}
	if summary.TotalEvents != 2 || summary.UniqueUsers != 1 {
		t.Errorf("filter wrong: total=%d users=%d", summary.TotalEvents, summary.UniqueUsers)
	}
}

func TestServiceStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failWith = errStoreDown
	svc := newTestService(store, time.Now())

	if _, err := svc.GetDashboard(context.Background(), Range24h, ""); !IsStorageError(err) {
		t.Errorf("GetDashboard: expected storage error, got %v", err)
	}
	if _, err := svc.GetProviderPerformance(context.Background(), "", ""); !IsStorageError(err) {
		t.Errorf("GetProviderPerformance: expected storage error, got %v", err)
	}
	if _, err := svc.GetEngagementAnalytics(context.Background(), Range7d, ""); !IsStorageError(err) {
		t.Errorf("GetEngagementAnalytics: expected storage error, got %v", err)
	}
}
