package collector

import (
	"errors"
	"sync"
	"time"
)

// errProtocolRate signals that a socket accumulated malformed or
// undecodable frames faster than the tolerated rate and must be cycled
// rather than kept limping along.
var errProtocolRate = errors.New("collector: protocol error rate exceeded")

// errorWindow counts events inside a sliding time window. Collectors use
// one per socket to decide when a stream of protocol/decode errors stops
// being "drop the frame and move on" and becomes "cycle the connection"
// (more than 5 per minute).
type errorWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	times  []time.Time
}

func newErrorWindow(limit int, window time.Duration) *errorWindow {
	return &errorWindow{limit: limit, window: window}
}

// Record registers one error at now and reports whether the count inside
// the window now exceeds the limit.
func (w *errorWindow) Record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times) > w.limit
}
