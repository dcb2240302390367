package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/telemetry"
)

// errorResponse is the JSON envelope for failed requests
type errorResponse struct {
	Error string `json:"error"`
}

// recordEventResponse returns the generated event ID
type recordEventResponse struct {
	EventID string `json:"event_id"`
}

// recordEvent handles POST /api/v1/events
func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req telemetry.RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	start := time.Now()
	eventID, err := s.recorder.Record(ctx, req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if s.metrics != nil {
		outcome := "success"
		if !req.Success {
			outcome = "failure"
		}
		s.metrics.EventsIngestedTotal.WithLabelValues(req.ProviderID, string(req.EventType), outcome).Inc()
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}

	s.writeJSON(w, http.StatusCreated, recordEventResponse{EventID: eventID})
}

// getDashboard handles GET /api/v1/dashboard
// Query params:
//   - range: time range (1h, 24h, 7d, 30d) - default: 24h
//   - provider: optional provider filter
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rng := telemetry.TimeRange(r.URL.Query().Get("range"))
	if rng == "" {
		rng = telemetry.Range24h
	}
	providerID := r.URL.Query().Get("provider")

	dashboard, err := s.service.GetDashboard(ctx, rng, providerID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, dashboard)
}

// getProviderPerformance handles GET /api/v1/providers/performance
// Query params:
//   - provider: optional provider filter
//   - window: window size - default: 1h
func (s *Server) getProviderPerformance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providerID := r.URL.Query().Get("provider")
	windowSize := r.URL.Query().Get("window")

	performance, err := s.service.GetProviderPerformance(ctx, providerID, windowSize)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, performance)
}

// getEngagementAnalytics handles GET /api/v1/engagement
// Query params:
//   - range: time range (1h, 24h, 7d, 30d) - default: 7d
//   - user: optional user filter
func (s *Server) getEngagementAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rng := telemetry.TimeRange(r.URL.Query().Get("range"))
	if rng == "" {
		rng = telemetry.Range7d
	}
	userID := r.URL.Query().Get("user")

	summary, err := s.service.GetEngagementAnalytics(ctx, rng, userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// generateReport handles GET /api/v1/reports/{type}
// Query params:
//   - range: time range (1h, 24h, 7d, 30d) - default: 24h
//   - provider, user, event_type: optional equality filters
//   - metrics: comma-separated custom metric names (custom reports only)
func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vars := mux.Vars(r)
	rng := telemetry.TimeRange(r.URL.Query().Get("range"))
	if rng == "" {
		rng = telemetry.Range24h
	}

	req := telemetry.ReportRequest{
		Type:  telemetry.ReportType(vars["type"]),
		Range: rng,
		Filters: telemetry.ReportFilters{
			ProviderID: r.URL.Query().Get("provider"),
			UserID:     r.URL.Query().Get("user"),
			EventType:  telemetry.EventType(r.URL.Query().Get("event_type")),
		},
	}
	if raw := r.URL.Query().Get("metrics"); raw != "" {
		req.Metrics = strings.Split(raw, ",")
	}

	if s.cache != nil {
		if report := s.cache.Get(ctx, req); report != nil {
			if s.metrics != nil {
				s.metrics.ReportCacheHitsTotal.WithLabelValues("hit").Inc()
			}
			s.writeJSON(w, http.StatusOK, report)
			return
		}
		if s.metrics != nil {
			s.metrics.ReportCacheHitsTotal.WithLabelValues("miss").Inc()
		}
	}

	start := time.Now()
	report, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ReportsGeneratedTotal.WithLabelValues(string(req.Type), string(req.Range)).Inc()
		s.metrics.ReportDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}
	if s.cache != nil {
		s.cache.Set(ctx, req, report)
	}

	s.writeJSON(w, http.StatusOK, report)
}

// writeEngineError maps engine error types to HTTP statuses: validation
// errors are the caller's fault, storage errors are upstream failures
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case telemetry.IsValidationError(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case telemetry.IsStorageError(err):
		s.logger.WithError(err).Error("Storage failure")
		s.writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		s.logger.WithError(err).Error("Request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
