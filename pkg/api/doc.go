// Package api exposes the telemetry engine's boundary operations over HTTP:
// event ingestion, the dashboard overview, provider performance listings,
// engagement analytics, and on-demand reports.
//
// The transport is deliberately thin: handlers parse parameters, delegate to
// pkg/telemetry, and map engine errors to statuses (validation errors to 400,
// storage failures to 502). Report responses may be served from the
// two-tier report cache when one is configured.
package api
