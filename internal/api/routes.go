package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketwatch/internal/api/handlers"
	"marketwatch/internal/api/middleware"
	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/hub"
	"marketwatch/internal/model"
	"marketwatch/internal/symbol"
	"marketwatch/pkg/logging"
)

// Dependencies bundles every component the HTTP surface reads from. All
// fields are read-only snapshots/handles into the live pipeline; the API
// layer never mutates upstream state.
type Dependencies struct {
	Store    *book.Store
	Cache    *cache.Cache
	Registry *symbol.Registry
	Hub      *hub.Hub
	StatsFn  func() model.Stats
	Logger   *logging.Logger
}

// SetupRoutes wires the read-only JSON endpoints (/api/prices/,
// /api/opportunities/, /api/stats/), the dashboard websocket, and the
// operational endpoints (health, metrics). Global middleware order:
// Recovery -> Logging -> CORS.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	pricesHandler := handlers.NewPricesHandler(deps.Store, deps.Registry)
	opportunitiesHandler := handlers.NewOpportunitiesHandler(deps.Cache, deps.Registry)
	statsHandler := handlers.NewStatsHandler(deps.StatsFn)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/prices/", pricesHandler.GetPrices).Methods(http.MethodGet)
	apiRouter.HandleFunc("/opportunities/", opportunitiesHandler.GetOpportunities).Methods(http.MethodGet)
	apiRouter.HandleFunc("/stats/", statsHandler.GetStats).Methods(http.MethodGet)

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			hub.ServeWS(deps.Hub, deps.Logger, w, r)
		}).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	// GET /metrics - Prometheus scrape target for every counter/gauge/
	// histogram in internal/metrics.
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}
