package telemetry

import (
	"math"
	"time"
)

// HealthStatus is the qualitative health of a provider within a window
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// Health state thresholds on the aggregate error rate. The boundary values
// belong to the better state: an error rate of exactly 0.10 is still healthy.
const (
	degradedErrorRate = 0.10
	downErrorRate     = 0.25
)

// baselineLatencyMs is the fixed "acceptable" latency used by the health
// score; responses at or above it zero out the latency component.
const baselineLatencyMs = 5000.0

// Health captures the classified state of a provider aggregate
type Health struct {
	Status HealthStatus `json:"status"`
	// Availability is successfulRequests/totalRequests, 1.0 before any
	// requests have been seen.
	Availability float64 `json:"availability"`
	// LastIncidentAt marks the most recent transition into down. It is
	// retained after recovery for MTTR-style reporting.
	LastIncidentAt *time.Time `json:"last_incident_at,omitempty"`
}

// Trend labels returned for a health score
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"
)

// Classify re-derives the health state of an aggregate. Status is a pure
// function of the current error rate; prev carries the incident marker
// forward so a recovery never clears it.
func Classify(agg *Aggregate, prev Health, now time.Time) Health {
	h := Health{
		Availability:   1.0,
		LastIncidentAt: prev.LastIncidentAt,
	}
	if agg.TotalRequests > 0 {
		h.Availability = float64(agg.SuccessfulRequests) / float64(agg.TotalRequests)
	}

	switch {
	case agg.ErrorRate <= degradedErrorRate:
		h.Status = StatusHealthy
	case agg.ErrorRate <= downErrorRate:
		h.Status = StatusDegraded
	default:
		h.Status = StatusDown
		if prev.Status != StatusDown {
			stamped := now
			h.LastIncidentAt = &stamped
		}
	}

	return h
}

// HealthScore computes the advisory 0-100 composite of availability, error
// rate and latency for an aggregate.
func HealthScore(agg *Aggregate) int {
	latency := math.Max(0, 1-agg.AverageResponseTimeMs/baselineLatencyMs)
	score := 100 * (0.4*agg.Health.Availability + 0.3*(1-agg.ErrorRate) + 0.3*latency)
	return int(math.Round(score))
}

// Trend maps a health score to a label. This is a stateless function of the
// current score only, not a history-aware derivative.
func Trend(score int) string {
	switch {
	case score >= 90:
		return TrendImproving
	case score >= 70:
		return TrendStable
	default:
		return TrendDeclining
	}
}
