// Package cache implements the opportunity cache: a single-writer
// table of currently-live arbitrage opportunities keyed by fingerprint,
// plus the one with the highest profit_percentage ("best"). A background
// sweep expires entries that haven't been re-seen within a TTL window.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
)

// bestEpsilon is the margin a new opportunity's profit_percentage must
// exceed the current best by before it replaces it, avoiding flapping
// between two opportunities with near-identical profit.
var bestEpsilon = decimal.NewFromFloat(0.01)

// Config tunes the cache's expiry sweep.
type Config struct {
	TTL         time.Duration
	SweepPeriod time.Duration
}

// entry is the cache's internal record: the Opportunity plus its last
// arrival time, tracked separately from Opportunity.LastSeen so a sweep
// can compare monotonic time without worrying about clock fields the
// caller might mutate.
type entry struct {
	opp      model.Opportunity
	lastSeen time.Time
}

// Cache is the single-writer Opportunity table. upsert must only be
// called from the goroutine running Run's consume loop; Snapshot/Best are
// safe for concurrent readers.
type Cache struct {
	cfg Config

	mu           sync.RWMutex
	byFingerprint map[string]*entry
	best         *model.Opportunity

	in <-chan model.Opportunity

	subMu        sync.Mutex
	bestSubs     []chan model.BestChanged
	insertedSubs []chan model.Opportunity
	subsClosed   bool
}

// New constructs a Cache that consumes Opportunities from in (typically
// the detector's Out() channel).
func New(cfg Config, in <-chan model.Opportunity) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = 1 * time.Second
	}
	return &Cache{
		cfg:           cfg,
		byFingerprint: make(map[string]*entry),
		in:            in,
	}
}

// SubscribeBest registers a new subscriber channel for BestChanged
// events. Both the broadcast hub and the Redis mirror consume these, so
// each must hold its own channel; delivery is non-blocking, dropping the
// event for a subscriber whose buffer is full (it can recover from Best).
func (c *Cache) SubscribeBest(buf int) <-chan model.BestChanged {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan model.BestChanged, buf)
	c.subMu.Lock()
	if c.subsClosed {
		close(ch)
	} else {
		c.bestSubs = append(c.bestSubs, ch)
	}
	c.subMu.Unlock()
	return ch
}

// SubscribeInserted registers a new subscriber channel carrying each
// newly-seen (non-repeat) Opportunity, feeding the hub's batched
// opportunities_update and the Redis mirror's opportunity keys.
func (c *Cache) SubscribeInserted(buf int) <-chan model.Opportunity {
	if buf <= 0 {
		buf = 4096
	}
	ch := make(chan model.Opportunity, buf)
	c.subMu.Lock()
	if c.subsClosed {
		close(ch)
	} else {
		c.insertedSubs = append(c.insertedSubs, ch)
	}
	c.subMu.Unlock()
	return ch
}

// Run consumes Opportunities and drives the TTL sweep until ctx is
// cancelled. It is the cache's single writer goroutine.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeSubs()
			return nil
		case opp, ok := <-c.in:
			if !ok {
				c.closeSubs()
				return nil
			}
			c.upsert(opp)
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// upsert applies the dedup/insert/best-refresh rule for one incoming
// detection.
func (c *Cache) upsert(opp model.Opportunity) {
	now := time.Now()

	c.mu.Lock()
	existing, found := c.byFingerprint[opp.Fingerprint]
	if found {
		existing.opp.LastSeen = now
		existing.opp.SeenCount++
		existing.lastSeen = now
		c.mu.Unlock()
		return
	}

	opp.FirstSeen = now
	opp.LastSeen = now
	opp.SeenCount = 1
	c.byFingerprint[opp.Fingerprint] = &entry{opp: opp, lastSeen: now}
	metrics.CacheSize.Set(float64(len(c.byFingerprint)))

	replaced := c.maybeReplaceBestLocked(opp)
	c.mu.Unlock()

	c.subMu.Lock()
	for _, ch := range c.insertedSubs {
		select {
		case ch <- opp:
		default:
		}
	}
	c.subMu.Unlock()

	if replaced {
		c.publishBest()
	}
}

func (c *Cache) closeSubs() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return
	}
	c.subsClosed = true
	for _, ch := range c.bestSubs {
		close(ch)
	}
	for _, ch := range c.insertedSubs {
		close(ch)
	}
}

// maybeReplaceBestLocked must be called with c.mu held. It returns true if
// best changed.
func (c *Cache) maybeReplaceBestLocked(opp model.Opportunity) bool {
	if c.best == nil || opp.ProfitPercentage.GreaterThan(c.best.ProfitPercentage.Add(bestEpsilon)) {
		stored := opp
		c.best = &stored
		return true
	}
	return false
}

// sweep drops entries not re-seen within TTL; if the removed entry was
// best, it rescans the remaining entries for the new best.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	bestRemoved := false
	for fp, e := range c.byFingerprint {
		if now.Sub(e.lastSeen) > c.cfg.TTL {
			if c.best != nil && c.best.Fingerprint == fp {
				bestRemoved = true
			}
			delete(c.byFingerprint, fp)
		}
	}
	metrics.CacheSize.Set(float64(len(c.byFingerprint)))

	if bestRemoved {
		c.recomputeBestLocked()
	}
	c.mu.Unlock()

	if bestRemoved {
		c.publishBest()
	}
}

// recomputeBestLocked must be called with c.mu held. Ties on
// profit_percentage go to the larger trade_volume.
func (c *Cache) recomputeBestLocked() {
	var best *model.Opportunity
	for _, e := range c.byFingerprint {
		if best == nil ||
			e.opp.ProfitPercentage.GreaterThan(best.ProfitPercentage) ||
			(e.opp.ProfitPercentage.Equal(best.ProfitPercentage) && e.opp.TradeVolume.GreaterThan(best.TradeVolume)) {
			stored := e.opp
			best = &stored
		}
	}
	c.best = best
}

func (c *Cache) publishBest() {
	c.mu.RLock()
	var best *model.Opportunity
	if c.best != nil {
		stored := *c.best
		best = &stored
	}
	c.mu.RUnlock()

	metrics.BestProfitPercentage.Set(bestProfitValue(best))
	c.subMu.Lock()
	for _, ch := range c.bestSubs {
		select {
		case ch <- model.BestChanged{Best: best}:
		default:
		}
	}
	c.subMu.Unlock()
}

func bestProfitValue(best *model.Opportunity) float64 {
	if best == nil {
		return 0
	}
	f, _ := best.ProfitPercentage.Float64()
	return f
}

// Best returns the current best opportunity, or nil.
func (c *Cache) Best() *model.Opportunity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.best == nil {
		return nil
	}
	stored := *c.best
	return &stored
}

// Snapshot returns every live opportunity ordered by last_seen descending,
// for a new subscriber's initial_opportunities event.
func (c *Cache) Snapshot() []model.Opportunity {
	c.mu.RLock()
	out := make([]model.Opportunity, 0, len(c.byFingerprint))
	for _, e := range c.byFingerprint {
		out = append(out, e.opp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Size returns the number of live fingerprints, for Stats.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFingerprint)
}
