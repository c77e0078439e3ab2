package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketwatch/internal/book"
	"marketwatch/internal/symbol"
	"marketwatch/pkg/logging"
	"marketwatch/pkg/ratelimit"
)

// Collector is the shared capability set every venue-specific collector
// implements: run/shutdown plus introspection of its current state.
// Concrete venue types are picked by name at startup; nothing dispatches
// dynamically past construction.
type Collector interface {
	// Venue returns the collector's venue identifier (e.g. "venue_a").
	Venue() string
	// Run drives the collector's full state machine until ctx is
	// cancelled or Shutdown is called. It blocks, reconnecting internally
	// on transport/protocol failures; it returns nil on a clean shutdown.
	Run(ctx context.Context) error
	// Shutdown requests a graceful stop; Run returns shortly after.
	Shutdown()
	// State reports the collector's current position in the state
	// machine, used for the ActiveExchanges gauge and diagnostics.
	State() State
}

// Config carries per-venue connection parameters, assembled in
// cmd/server/main.go at startup; APIKey comes from
// internal/config.VenueConfig.
type Config struct {
	Venue                     string
	WSURL                     string
	RESTBaseURL               string
	APIKey                    string
	MaxSubscriptionsPerSocket int
	// StaleGrace is how long the collector may stay out of STREAMING
	// before its exchange's quotes are flagged stale in the store.
	StaleGrace time.Duration
	// ChannelPrefixQuirk reproduces the stray non-ASCII channel-name
	// prefix observed in one venue's captured subscription traffic;
	// whether the venue treats it as significant is unconfirmed. Off by
	// default; flipping it is a config change, not a code change.
	ChannelPrefixQuirk bool
}

// Deps bundles the shared infrastructure every collector needs, built
// once in cmd/server/main.go and passed to each venue constructor.
type Deps struct {
	Store    *book.Store
	Registry *symbol.Registry
	Logger   *logging.Logger
	Limiter  *ratelimit.RateLimiter
	HTTP     *HTTPClient
}

// SupportedVenues lists the venue identifiers New recognizes.
var SupportedVenues = []string{"venue_a", "venue_b", "venue_c"}

// New constructs the collector for venue, selecting the concrete
// implementation by name.
func New(venue string, cfg Config, deps Deps) (Collector, error) {
	switch strings.ToLower(venue) {
	case "venue_a":
		return NewVenueA(cfg, deps), nil
	case "venue_b":
		return NewVenueB(cfg, deps), nil
	case "venue_c":
		return NewVenueC(cfg, deps), nil
	default:
		return nil, fmt.Errorf("collector: unsupported venue %q", venue)
	}
}

// IsSupported reports whether venue names a known collector kind.
func IsSupported(venue string) bool {
	venue = strings.ToLower(venue)
	for _, v := range SupportedVenues {
		if v == venue {
			return true
		}
	}
	return false
}

// seqGen hands out a per-key monotonically increasing sequence number,
// used to satisfy the Top-of-Book Store's CAS-on-sequence contract: each
// venue's own update ids are not necessarily comparable across symbols,
// so a collector's Quote pushes are numbered independently here instead.
type seqGen struct {
	mu sync.Mutex
	n  map[string]int64
}

func newSeqGen() *seqGen {
	return &seqGen{n: make(map[string]int64)}
}

func (g *seqGen) next(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n[key]++
	return g.n[key]
}

var staleWatchTick = time.Second

// staleWatch flags venue's quotes stale in store once state has been out
// of STREAMING for grace. Recovery needs no counterpart call here: the
// store lifts the flag on the next accepted Put, which only a streaming
// collector produces.
func staleWatch(ctx context.Context, done <-chan struct{}, state func() State, store *book.Store, venue string, grace time.Duration) {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ticker := time.NewTicker(staleWatchTick)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case now := <-ticker.C:
			if state() == StateStreaming {
				downSince = time.Time{}
				continue
			}
			if downSince.IsZero() {
				downSince = now
				continue
			}
			if now.Sub(downSince) >= grace && !store.IsStale(venue) {
				store.MarkExchangeStale(venue)
			}
		}
	}
}

// shardSubscriptions greedily fills sockets up to maxPerSocket topics
// each; topics past the cap spill onto a new socket.
func shardSubscriptions(topics []string, maxPerSocket int) [][]string {
	if maxPerSocket <= 0 {
		maxPerSocket = 200
	}
	var shards [][]string
	for len(topics) > 0 {
		n := maxPerSocket
		if n > len(topics) {
			n = len(topics)
		}
		shards = append(shards, topics[:n])
		topics = topics[n:]
	}
	return shards
}
