package api

import (
	"net/http"

	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/schedule"
)

type StatsHandler struct {
	svc       *schedule.Service
	collector *metrics.Collector
}

func NewStatsHandler(svc *schedule.Service, collector *metrics.Collector) *StatsHandler {
	return &StatsHandler{svc: svc, collector: collector}
}

// Health answers 503 while the engine is degraded so load balancers and
// probes can act on it.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health()
	status := http.StatusOK
	if report.Status != metrics.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  report.Status,
		"reasons": report.Reasons,
		"service": "remindrelay",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *StatsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	h.collector.WritePrometheus(w)
}
