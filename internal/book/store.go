// Package book implements the top-of-book store: a concurrent mapping
// keyed by (exchange, pair) holding the latest Quote seen for each key, plus
// the bounded/conflating fan-out used to deliver QuoteChanged events to the
// detector and the broadcast hub without letting a slow consumer stall a
// producing collector.
package book

import (
	"hash/fnv"
	"sync"
	"time"

	"marketwatch/internal/model"
)

// staleQuoteError is the book-level sentinel for a rejected,
// non-increasing sequence update.
type staleQuoteError struct{}

func (staleQuoteError) Error() string { return "book: quote sequence did not advance" }

// ErrStaleQuote is returned by Put when quote.Sequence <= the stored one.
var ErrStaleQuote error = staleQuoteError{}

const shardCount = 32

// shard holds a subset of pairs, chosen by FNV-1a hash of the pair
// string. Each pair maps exchange to quote rather than collapsing to a
// single best price, because the detector needs every exchange's quote
// for a pair, not just the global best.
type shard struct {
	mu sync.RWMutex
	// pair -> exchange -> quote
	byPair map[string]map[string]*model.Quote
}

// Store is the process-wide Top-of-Book Store.
type Store struct {
	shards [shardCount]*shard

	staleMu sync.RWMutex
	stale   map[string]bool // exchange -> stale

	subsMu sync.Mutex
	subs   []*ConflatingChannel

	staleGrace time.Duration
}

// NewStore constructs an empty store. staleGrace is informational only here
// (the grace timer lives with the caller that decides when to call
// MarkExchangeStale); the store itself just records the flag.
func NewStore(staleGrace time.Duration) *Store {
	s := &Store{
		stale:      make(map[string]bool),
		staleGrace: staleGrace,
	}
	for i := range s.shards {
		s.shards[i] = &shard{byPair: make(map[string]map[string]*model.Quote)}
	}
	return s
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func (s *Store) shardFor(pair string) *shard {
	return s.shards[fnv32a(pair)%shardCount]
}

// Put atomically applies an incoming Quote. It is rejected with
// ErrStaleQuote if quote.Sequence <= the currently stored sequence for that
// (exchange, pair); otherwise it replaces the stored Quote and publishes a
// QuoteChanged event (carrying the previous Quote, or nil) to every
// subscriber.
func (s *Store) Put(q model.Quote) error {
	sh := s.shardFor(q.Pair)

	sh.mu.Lock()
	byExchange, ok := sh.byPair[q.Pair]
	if !ok {
		byExchange = make(map[string]*model.Quote)
		sh.byPair[q.Pair] = byExchange
	}
	current, exists := byExchange[q.Exchange]
	if exists && q.Sequence <= current.Sequence {
		sh.mu.Unlock()
		return ErrStaleQuote
	}

	var previous *model.Quote
	if exists {
		prevCopy := *current
		previous = &prevCopy
	}
	stored := q
	byExchange[q.Exchange] = &stored
	sh.mu.Unlock()

	// An accepted quote means the exchange's collector is streaming
	// again; lift the stale flag so it rejoins detection.
	if s.IsStale(q.Exchange) {
		s.staleMu.Lock()
		delete(s.stale, q.Exchange)
		s.staleMu.Unlock()
	}

	s.publish(model.QuoteChanged{
		Exchange: q.Exchange,
		Pair:     q.Pair,
		New:      q,
		Previous: previous,
	})
	return nil
}

// Get returns the stored Quote for (exchange, pair), if any.
func (s *Store) Get(exchange, pair string) (model.Quote, bool) {
	sh := s.shardFor(pair)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	byExchange, ok := sh.byPair[pair]
	if !ok {
		return model.Quote{}, false
	}
	q, ok := byExchange[exchange]
	if !ok {
		return model.Quote{}, false
	}
	return *q, true
}

// QuotesForPair returns a point-in-time copy of every non-stale exchange's
// Quote for pair, keyed by exchange. Used by the detector to scan
// counter-exchanges in O(exchanges) per update rather than O(exchanges²).
func (s *Store) QuotesForPair(pair string) map[string]model.Quote {
	sh := s.shardFor(pair)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	byExchange, ok := sh.byPair[pair]
	if !ok {
		return nil
	}
	out := make(map[string]model.Quote, len(byExchange))
	for exchange, q := range byExchange {
		if s.IsStale(exchange) {
			continue
		}
		out[exchange] = *q
	}
	return out
}

// Snapshot returns a consistent point-in-time copy of every stored Quote,
// used to seed a new dashboard subscriber's initial_prices event.
func (s *Store) Snapshot() []model.Quote {
	var out []model.Quote
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, byExchange := range sh.byPair {
			for _, q := range byExchange {
				out = append(out, *q)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// TrackedPairs returns the number of distinct pairs with at least one
// stored Quote, for the TrackedPairs gauge.
func (s *Store) TrackedPairs() int {
	seen := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for pair := range sh.byPair {
			seen[pair] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	return len(seen)
}

// MarkExchangeStale flags an exchange as stale after a protracted collector
// disconnect; its quotes remain stored (so a late reconnect recovers
// cleanly) but are excluded from detection until cleared.
func (s *Store) MarkExchangeStale(exchange string) {
	s.staleMu.Lock()
	s.stale[exchange] = true
	s.staleMu.Unlock()
}

// ClearExchange un-marks an exchange as stale and removes every Quote it
// contributed, forcing collectors to rebuild from a fresh snapshot on
// reconnect rather than resume from possibly-outdated top-of-book state.
func (s *Store) ClearExchange(exchange string) {
	s.staleMu.Lock()
	delete(s.stale, exchange)
	s.staleMu.Unlock()

	for _, sh := range s.shards {
		sh.mu.Lock()
		for pair, byExchange := range sh.byPair {
			if _, ok := byExchange[exchange]; ok {
				delete(byExchange, exchange)
				if len(byExchange) == 0 {
					delete(sh.byPair, pair)
				}
			}
		}
		sh.mu.Unlock()
	}
}

// IsStale reports whether an exchange is currently flagged stale.
func (s *Store) IsStale(exchange string) bool {
	s.staleMu.RLock()
	defer s.staleMu.RUnlock()
	return s.stale[exchange]
}

// Subscribe registers a new ConflatingChannel that receives every
// subsequent QuoteChanged event. Typical subscribers: the detector's
// dispatcher and the broadcast hub's price fan-out, each with their own
// channel so one slow consumer cannot stall the other.
func (s *Store) Subscribe(outBuffer int) *ConflatingChannel {
	ch := NewConflatingChannel(outBuffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) publish(ev model.QuoteChanged) {
	key := ev.Exchange + "|" + ev.Pair
	s.subsMu.Lock()
	subs := make([]*ConflatingChannel, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.Push(key, ev)
	}
}
