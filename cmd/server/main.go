package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"marketwatch/internal/api"
	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/collector"
	"marketwatch/internal/config"
	"marketwatch/internal/detector"
	"marketwatch/internal/hub"
	"marketwatch/internal/metrics"
	"marketwatch/internal/mirror"
	"marketwatch/internal/model"
	"marketwatch/internal/repository"
	"marketwatch/internal/symbol"
	"marketwatch/pkg/logging"
	"marketwatch/pkg/ratelimit"

	"github.com/shopspring/decimal"
)

// venueEndpoints carries the public WS/REST endpoints for each collector
// kind.
var venueEndpoints = map[string]struct {
	wsURL       string
	restBaseURL string
}{
	"venue_a": {wsURL: "wss://stream.venue-a.example/ws", restBaseURL: "https://api.venue-a.example"},
	"venue_b": {wsURL: "wss://ws.venue-b.example/spot", restBaseURL: "https://api.venue-b.example"},
	"venue_c": {wsURL: "wss://realtime.venue-c.example/connection/websocket", restBaseURL: "https://api.venue-c.example"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.InitGlobalLogger(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer log.Sync()

	db, err := repository.Open(cfg.Database.URL)
	if err != nil {
		log.Error("failed to open symbol metadata store", logging.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	symbolRepo := repository.NewSymbolRepository(db)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	registry, err := symbol.Load(startupCtx, symbolRepo)
	startupCancel()
	if err != nil {
		log.Error("failed to load symbol registry", logging.Err(err))
		os.Exit(1)
	}
	log.Info("symbol registry loaded", logging.Int("pairs", len(registry.Pairs())))

	store := book.NewStore(cfg.Book.StaleGrace)

	det := detector.New(detector.Config{
		WorkerCount:  cfg.Detector.WorkerCount,
		MinProfitPct: decimal.NewFromFloat(cfg.Detector.MinProfitPct),
	}, store, log)

	oppCache := cache.New(cache.Config{
		TTL:         cfg.Book.OpportunityTTL,
		SweepPeriod: cfg.Book.CacheSweepPeriod,
	}, det.Out())

	startedAt := time.Now()
	collectors := buildCollectors(cfg, store, registry, log)

	// broadcastHub is assigned below; statsFn closes over the variable
	// rather than a value so it can report SessionCount once the hub
	// exists, without the hub needing to depend on a stats source built
	// from itself.
	var broadcastHub *hub.Hub
	statsFn := func() model.Stats {
		active := 0
		for _, c := range collectors {
			if c.State() == collector.StateStreaming {
				active++
			}
		}
		metrics.ActiveExchanges.Set(float64(active))
		metrics.TrackedPairs.Set(float64(store.TrackedPairs()))
		subscribers := 0
		if broadcastHub != nil {
			subscribers = broadcastHub.SessionCount()
		}
		return model.Stats{
			UptimeSeconds:      time.Since(startedAt).Seconds(),
			PricesCount:        len(store.Snapshot()),
			OpportunitiesCount: oppCache.Size(),
			ActiveExchanges:    active,
			TrackedPairs:       store.TrackedPairs(),
			ActiveSubscribers:  subscribers,
		}
	}

	broadcastHub = hub.New(hub.Config{
		SubscriberQueueSize: cfg.Hub.SubscriberQueueSize,
		BatchFlushInterval:  cfg.Hub.BatchFlushInterval,
		BatchMaxSize:        cfg.Hub.BatchMaxSize,
		StatsInterval:       cfg.Hub.StatsInterval,
	}, hub.Deps{
		Store:    store,
		Cache:    oppCache,
		Registry: registry,
		Logger:   log,
		StatsFn:  statsFn,
	})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	runComponent := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error("component exited with error", logging.String("component", name), logging.Err(err))
			}
		}()
	}

	runComponent("detector", det.Run)
	runComponent("cache", oppCache.Run)
	runComponent("hub", broadcastHub.Run)

	if cfg.Redis.Enabled() {
		redisMirror := mirror.New(cfg.Redis, log, cfg.Hub.SubscriberQueueSize)
		runComponent("redis_mirror", func(ctx context.Context) error {
			return redisMirror.Run(ctx, store, oppCache)
		})
	}

	for _, c := range collectors {
		c := c
		runComponent("collector:"+c.Venue(), c.Run)
	}

	deps := &api.Dependencies{
		Store:    store,
		Cache:    oppCache,
		Registry: registry,
		Hub:      broadcastHub,
		StatsFn:  statsFn,
		Logger:   log,
	}
	router := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting http server", logging.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", logging.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	for _, c := range collectors {
		c.Shutdown()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shut down", logging.Err(err))
	}
	shutdownCancel()

	cancel()
	wg.Wait()

	log.Info("shutdown complete")
}

// buildCollectors constructs one Collector per supported venue the
// registry actually has aliases for, skipping venues with no configured
// market data (a registry seeded for only a subset of venues should not
// crash startup over the rest).
func buildCollectors(cfg *config.Config, store *book.Store, registry *symbol.Registry, log *logging.Logger) []collector.Collector {
	var out []collector.Collector
	for _, venue := range collector.SupportedVenues {
		if len(registry.ForExchange(venue)) == 0 {
			log.Warn("skipping venue with no registered symbols", logging.Exchange(venue))
			continue
		}
		endpoints := venueEndpoints[venue]
		deps := collector.Deps{
			Store:    store,
			Registry: registry,
			Logger:   log,
			Limiter:  ratelimit.NewRateLimiter(20, 40),
			HTTP:     collector.NewHTTPClient(collector.DefaultHTTPClientConfig()),
		}
		c, err := collector.New(venue, collector.Config{
			Venue:                     venue,
			WSURL:                     endpoints.wsURL,
			RESTBaseURL:               endpoints.restBaseURL,
			APIKey:                    cfg.Venues.APIKeys[venueEnvKey(venue)],
			MaxSubscriptionsPerSocket: 200,
			StaleGrace:                cfg.Book.StaleGrace,
		}, deps)
		if err != nil {
			log.Error("failed to construct collector", logging.Exchange(venue), logging.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

func venueEnvKey(venue string) string {
	switch venue {
	case "venue_a":
		return "VENUE_A"
	case "venue_b":
		return "VENUE_B"
	case "venue_c":
		return "VENUE_C"
	default:
		return venue
	}
}
