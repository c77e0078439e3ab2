package hub

import "testing"

func newTestSession(maxSize int) *Session {
	return &Session{
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func TestSession_Backpressure_BestNeverDropped(t *testing.T) {
	s := newTestSession(4)

	for i := 0; i < 10; i++ {
		s.enqueue(Message{Type: TypePriceUpdate, Data: i}, false)
	}
	s.enqueue(Message{Type: TypeBestOpportunityUpdate, Data: "best"}, true)

	queued := s.drain()
	if len(queued) != 4 {
		t.Fatalf("len(queued) = %d, want 4 (maxSize)", len(queued))
	}

	var sawBest bool
	var priceUpdates int
	for _, qm := range queued {
		if qm.isBest {
			sawBest = true
		} else {
			priceUpdates++
		}
	}
	if !sawBest {
		t.Fatal("best_opportunity_update was dropped, must never be")
	}
	if priceUpdates < 3 {
		t.Fatalf("priceUpdates = %d, want at least 3 delivered", priceUpdates)
	}
	if !s.IsStale() {
		t.Fatal("expected session to be flagged stale after eviction")
	}
}

func TestSession_NoEvictionUnderCapacity(t *testing.T) {
	s := newTestSession(4)

	s.enqueue(Message{Type: TypePriceUpdate, Data: 1}, false)
	s.enqueue(Message{Type: TypePriceUpdate, Data: 2}, false)

	if s.IsStale() {
		t.Fatal("should not be stale under capacity")
	}
	queued := s.drain()
	if len(queued) != 2 {
		t.Fatalf("len(queued) = %d, want 2", len(queued))
	}
}
