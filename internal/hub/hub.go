// Package hub implements the broadcast hub: it owns the set of dashboard
// websocket sessions, seeds each new session with the current snapshot,
// and fans out live price/opportunity/stats events to every registered
// session, each event type with its own fan-out and backpressure rule.
package hub

import (
	"context"
	"sync"
	"time"

	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/internal/symbol"
	"marketwatch/internal/view"
	"marketwatch/pkg/logging"
)

// Message types per the dashboard websocket schema.
const (
	TypeInitialPrices        = "initial_prices"
	TypePriceUpdate          = "price_update"
	TypeInitialOpportunities = "initial_opportunities"
	TypeOpportunitiesUpdate  = "opportunities_update"
	TypeBestOpportunityUpdate = "best_opportunity_update"
	TypeRedisStats           = "redis_stats"
)

// Message is the envelope every event is sent as. Stale is stamped onto
// the first frame written after the session dropped events under
// backpressure, telling the client to refresh from a snapshot endpoint.
type Message struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Stale bool        `json:"stale,omitempty"`
}

// Config tunes queueing and batching behavior.
type Config struct {
	SubscriberQueueSize int
	BatchFlushInterval  time.Duration
	BatchMaxSize        int
	StatsInterval       time.Duration
}

// Deps bundles the data sources a new session is seeded from and live
// events are sourced from.
type Deps struct {
	Store    *book.Store
	Cache    *cache.Cache
	Registry *symbol.Registry
	Logger   *logging.Logger
	// StatsFn produces the periodic redis_stats payload. Built in
	// cmd/server/main.go from the store, cache, and hub itself so the hub
	// doesn't need to know about every other component's internals.
	StatsFn func() model.Stats
}

// Hub owns every registered Session and drives the event fan-out loops.
type Hub struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	mu       sync.RWMutex
	sessions map[*Session]struct{}

	register   chan *Session
	unregister chan *Session
}

// New constructs a Hub. Call Run to start its fan-out loops.
func New(cfg Config, deps Deps) *Hub {
	if cfg.SubscriberQueueSize <= 0 {
		cfg.SubscriberQueueSize = 1024
	}
	if cfg.BatchFlushInterval <= 0 {
		cfg.BatchFlushInterval = 100 * time.Millisecond
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 64
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return &Hub{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger.WithComponent("hub"),
		sessions:   make(map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

// Register admits a new session, seeding it with the current snapshot
// before any live event can reach it.
func (h *Hub) Register(s *Session) {
	s.sendSnapshot(h.deps.Store, h.deps.Cache, h.deps.Registry)
	h.register <- s
}

// Unregister removes a session; safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.unregister <- s
}

// SessionCount reports the number of currently registered sessions, for
// the ActiveSubscribers gauge and Stats payload.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Run drives registration and every live event fan-out until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	priceSub := h.deps.Store.Subscribe(h.cfg.SubscriberQueueSize)
	defer priceSub.Close()

	insertedCh := h.deps.Cache.SubscribeInserted(h.cfg.SubscriberQueueSize)
	bestCh := h.deps.Cache.SubscribeBest(16)

	flushTicker := time.NewTicker(h.cfg.BatchFlushInterval)
	defer flushTicker.Stop()
	statsTicker := time.NewTicker(h.cfg.StatsInterval)
	defer statsTicker.Stop()

	var batch []model.Opportunity

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			h.mu.Unlock()
			metrics.ActiveSubscribers.Set(float64(h.SessionCount()))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				s.close()
			}
			h.mu.Unlock()
			metrics.ActiveSubscribers.Set(float64(h.SessionCount()))

		case ev, ok := <-priceSub.Out():
			if !ok {
				continue
			}
			h.broadcast(Message{Type: TypePriceUpdate, Data: view.BuildQuote(h.deps.Registry, ev.New)}, false)

		case opp, ok := <-insertedCh:
			if !ok {
				insertedCh = nil
				continue
			}
			batch = append(batch, opp)
			if len(batch) >= h.cfg.BatchMaxSize {
				h.broadcast(Message{Type: TypeOpportunitiesUpdate, Data: batch}, false)
				batch = nil
			}

		case <-flushTicker.C:
			if len(batch) > 0 {
				h.broadcast(Message{Type: TypeOpportunitiesUpdate, Data: batch}, false)
				batch = nil
			}

		case best, ok := <-bestCh:
			if !ok {
				bestCh = nil
				continue
			}
			h.broadcast(Message{Type: TypeBestOpportunityUpdate, Data: best.Best}, true)

		case <-statsTicker.C:
			if h.deps.StatsFn != nil {
				h.broadcast(Message{Type: TypeRedisStats, Data: h.deps.StatsFn()}, false)
			}
		}
	}
}

func (h *Hub) broadcast(msg Message, isBest bool) {
	started := time.Now()
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(msg, isBest)
	}
	metrics.BroadcastLatency.Observe(time.Since(started).Seconds())
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.close()
		delete(h.sessions, s)
	}
}
