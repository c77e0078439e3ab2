package handlers

import (
	"encoding/json"
	"net/http"

	"marketwatch/internal/cache"
	"marketwatch/internal/model"
	"marketwatch/internal/symbol"
	"marketwatch/internal/view"
)

// OpportunitiesHandler serves the current opportunity set and the best
// one currently tracked.
type OpportunitiesHandler struct {
	cache    *cache.Cache
	registry *symbol.Registry
}

func NewOpportunitiesHandler(c *cache.Cache, registry *symbol.Registry) *OpportunitiesHandler {
	return &OpportunitiesHandler{cache: c, registry: registry}
}

type opportunitiesResponse struct {
	Success        bool                `json:"success"`
	Data           []model.Opportunity `json:"data"`
	BestOpportunity *model.Opportunity `json:"best_opportunity"`
	TotalCount     int                 `json:"total_count"`
	CurrencyNames  map[string]string   `json:"currency_names"`
}

// GetOpportunities handles GET /api/opportunities/.
func (h *OpportunitiesHandler) GetOpportunities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	opps := h.cache.Snapshot()
	if opps == nil {
		opps = []model.Opportunity{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(opportunitiesResponse{
		Success:         true,
		Data:            opps,
		BestOpportunity: h.cache.Best(),
		TotalCount:      len(opps),
		CurrencyNames:   view.CurrencyNames(h.registry),
	})
}
