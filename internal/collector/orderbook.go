package collector

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is one (price, volume) entry of a venue's orderbook side.
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Diff is one incremental update frame, carrying the update-id range it
// covers and the levels it touches on each side.
type Diff struct {
	FirstID int64
	LastID  int64
	Bids    []Level
	Asks    []Level
}

const diffRingSize = 3

// diffRing keeps the last few diffs seen, used to rebuild continuity
// across a short gap without forcing a resubscribe.
type diffRing struct {
	buf []Diff
}

func (r *diffRing) push(d Diff) {
	r.buf = append(r.buf, d)
	if len(r.buf) > diffRingSize {
		r.buf = r.buf[len(r.buf)-diffRingSize:]
	}
}

func (r *diffRing) reset() {
	r.buf = r.buf[:0]
}

// contiguousRunFrom looks for a run of diffs in the ring whose FirstID/
// LastID chain continuously starting at `start`. Returns the run in
// order and true if one covers the gap, or nil/false otherwise.
func (r *diffRing) contiguousRunFrom(start int64) ([]Diff, bool) {
	sorted := make([]Diff, len(r.buf))
	copy(sorted, r.buf)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FirstID < sorted[j].FirstID })

	var run []Diff
	expect := start
	for _, d := range sorted {
		if d.FirstID == expect {
			run = append(run, d)
			expect = d.LastID + 1
		}
	}
	if len(run) == 0 {
		return nil, false
	}
	return run, true
}

// Book is a collector-local, per-(exchange,pair) sorted orderbook
// maintained from a snapshot plus sequential diffs, with the usual
// update-id continuity check (firstId <= local+1 <= lastId). It is not
// shared outside its owning collector goroutine except via its exported,
// locked methods.
type Book struct {
	mu           sync.Mutex
	bids         map[string]Level
	asks         map[string]Level
	lastUpdateID int64
	ring         diffRing
	seeded       bool
}

// NewBook returns an empty, unseeded Book.
func NewBook() *Book {
	return &Book{
		bids: make(map[string]Level),
		asks: make(map[string]Level),
	}
}

// ApplySnapshot resets the book to a full snapshot tagged with id.
func (b *Book) ApplySnapshot(id int64, bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]Level, len(bids))
	b.asks = make(map[string]Level, len(asks))
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
	b.lastUpdateID = id
	b.ring.reset()
	b.seeded = true
}

// GapResolution describes what ApplyDiff had to do to stay consistent.
type GapResolution int

const (
	// ResolutionApplied means the diff applied cleanly in sequence; no
	// gap occurred.
	ResolutionApplied GapResolution = iota
	// ResolutionMerged means a gap was detected but rebuilt from the
	// ring buffer without losing continuity.
	ResolutionMerged
	// ResolutionDropped means a stale repeat was ignored.
	ResolutionDropped
	// ResolutionResubscribe means continuity could not be rebuilt and the
	// caller must resubscribe (forcing a fresh snapshot from the venue).
	ResolutionResubscribe
)

// ApplyDiff applies one incremental update, classifying it as an
// in-sequence apply, a stale repeat to drop, or a gap (attempt
// ring-buffer merge, else signal resubscribe).
func (b *Book) ApplyDiff(d Diff) GapResolution {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		return ResolutionResubscribe
	}

	switch {
	case d.LastID <= b.lastUpdateID:
		return ResolutionDropped

	case d.FirstID <= b.lastUpdateID+1:
		b.apply(d)
		b.lastUpdateID = d.LastID
		b.ring.push(d)
		return ResolutionApplied

	default:
		b.ring.push(d)
		if run, ok := b.ring.contiguousRunFrom(b.lastUpdateID + 1); ok {
			for _, rd := range run {
				b.apply(rd)
				b.lastUpdateID = rd.LastID
			}
			b.ring.reset()
			return ResolutionMerged
		}
		b.ring.reset()
		b.seeded = false
		return ResolutionResubscribe
	}
}

func (b *Book) apply(d Diff) {
	applyLevels(b.bids, d.Bids)
	applyLevels(b.asks, d.Asks)
}

func applyLevels(m map[string]Level, levels []Level) {
	for _, lv := range levels {
		key := lv.Price.String()
		if lv.Volume.IsZero() {
			delete(m, key)
		} else {
			m[key] = lv
		}
	}
}

// Top returns the current best bid and best ask, and whether the book has
// at least one side populated.
func (b *Book) Top() (bid, ask Level, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, bidOK := maxLevel(b.bids)
	ask, askOK := minLevel(b.asks)
	return bid, ask, bidOK || askOK
}

func maxLevel(m map[string]Level) (Level, bool) {
	var best Level
	found := false
	for _, lv := range m {
		if !found || lv.Price.GreaterThan(best.Price) {
			best = lv
			found = true
		}
	}
	return best, found
}

func minLevel(m map[string]Level) (Level, bool) {
	var best Level
	found := false
	for _, lv := range m {
		if !found || lv.Price.LessThan(best.Price) {
			best = lv
			found = true
		}
	}
	return best, found
}
