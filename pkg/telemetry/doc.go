// Package telemetry turns per-request provider events into rolling
// performance aggregates, health classifications, and on-demand reports.
//
// # Overview
//
// A Recorder validates and persists immutable event records and feeds an
// Aggregator, which maintains one live performance aggregate per provider
// over a one-hour window: monotonic counters, an incrementally updated
// response-time mean, an error-category breakdown, and a health
// classification. Longer ranges are never kept live; a Generator computes
// them on demand by scanning raw events.
//
// # Ingestion
//
// Record an event:
//
//	id, err := recorder.Record(ctx, telemetry.RecordRequest{
//		ProviderID: "spotify",
//		EventType:  telemetry.EventAPICall,
//		Action:     "fetch_playlists",
//		Success:    true,
//		DurationMs: &duration,
//	})
//
// Updates for the same provider are serialized per key; distinct providers
// update fully in parallel.
//
// # Health
//
// Health status is a pure function of the window's error rate: at most 10%
// is healthy, at most 25% degraded, above that down. The last-incident
// timestamp is stamped on the transition into down and kept through
// recovery.
//
// # Reports
//
// Generate a report:
//
//	report, err := generator.Generate(ctx, telemetry.ReportRequest{
//		Type:  telemetry.ReportPerformance,
//		Range: telemetry.Range24h,
//	})
//
// Report generation is read-only and may run concurrently with ingestion; it
// does not observe a single consistent snapshot.
//
// # Related Packages
//
//   - pkg/storage/postgres: production store
//   - pkg/storage/sqlite: single-binary local store
//   - pkg/observability: logging and metrics
package telemetry
