package handlers

import (
	"encoding/json"
	"net/http"

	"marketwatch/internal/book"
	"marketwatch/internal/symbol"
	"marketwatch/internal/view"
)

// PricesHandler serves the current top-of-book snapshot.
type PricesHandler struct {
	store    *book.Store
	registry *symbol.Registry
}

func NewPricesHandler(store *book.Store, registry *symbol.Registry) *PricesHandler {
	return &PricesHandler{store: store, registry: registry}
}

type pricesResponse struct {
	Success       bool              `json:"success"`
	Data          []view.Quote      `json:"data"`
	CurrencyNames map[string]string `json:"currency_names"`
}

// GetPrices handles GET /api/prices/.
func (h *PricesHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	quotes := view.BuildQuotes(h.registry, h.store.Snapshot())
	if quotes == nil {
		quotes = []view.Quote{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(pricesResponse{
		Success:       true,
		Data:          quotes,
		CurrencyNames: view.CurrencyNames(h.registry),
	})
}
