package handlers

import (
	"encoding/json"
	"net/http"

	"marketwatch/internal/model"
)

// StatsHandler serves the periodic aggregate counters, the same snapshot
// function the hub uses for its redis_stats broadcast.
type StatsHandler struct {
	statsFn func() model.Stats
}

func NewStatsHandler(statsFn func() model.Stats) *StatsHandler {
	return &StatsHandler{statsFn: statsFn}
}

type statsResponse struct {
	Success bool        `json:"success"`
	Data    model.Stats `json:"data"`
}

// GetStats handles GET /api/stats/.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statsResponse{Success: true, Data: h.statsFn()})
}
