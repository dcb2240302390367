// Package storage holds backend configuration and connection helpers for the
// stores that persist telemetry events and performance aggregates.
//
// Two implementations of telemetry.Store exist: pkg/storage/postgres for
// production deployments and pkg/storage/sqlite for single-binary local use.
// The optional Redis tier only backs the report cache; it is never the store
// of record.
package storage
