package collector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/book"
	"marketwatch/internal/model"
)

func TestShardSubscriptions(t *testing.T) {
	topics := make([]string, 450)
	for i := range topics {
		topics[i] = "t"
	}

	shards := shardSubscriptions(topics, 200)
	if len(shards) != 3 {
		t.Fatalf("got %d shards for 450 topics at 200/socket, want 3", len(shards))
	}
	if len(shards[0]) != 200 || len(shards[1]) != 200 || len(shards[2]) != 50 {
		t.Fatalf("shard sizes = %d/%d/%d, want 200/200/50", len(shards[0]), len(shards[1]), len(shards[2]))
	}
}

func TestSeqGen_MonotonicPerKey(t *testing.T) {
	g := newSeqGen()
	if g.next("a") != 1 || g.next("a") != 2 {
		t.Fatal("sequence for one key must increase by one")
	}
	if g.next("b") != 1 {
		t.Fatal("keys must be numbered independently")
	}
}

func TestNew_UnsupportedVenue(t *testing.T) {
	if _, err := New("venue_z", Config{}, Deps{}); err == nil {
		t.Fatal("expected error for unsupported venue")
	}
	if !IsSupported("venue_a") || IsSupported("venue_z") {
		t.Fatal("IsSupported gave wrong answers")
	}
}

func TestStaleWatch_FlagsAfterGrace(t *testing.T) {
	origTick := staleWatchTick
	staleWatchTick = 5 * time.Millisecond
	defer func() { staleWatchTick = origTick }()

	store := book.NewStore(30 * time.Second)
	q := model.Quote{
		Exchange: "venue_a", Pair: "ETH/USDT",
		BidPrice: decimal.NewFromInt(2000), AskPrice: decimal.NewFromInt(2001),
		Timestamp: time.Now(), Sequence: 1,
	}
	if err := store.Put(q); err != nil {
		t.Fatalf("put: %v", err)
	}

	var h stateHolder
	h.Set(StateReconnectBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go staleWatch(ctx, done, h.Get, store, "venue_a", 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for !store.IsStale("venue_a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !store.IsStale("venue_a") {
		t.Fatal("exchange not flagged stale after grace elapsed")
	}

	// Stop the watcher before exercising recovery so its next tick can't
	// re-flag between the Put and the assertion.
	close(done)
	time.Sleep(15 * time.Millisecond)

	// A fresh accepted quote lifts the flag, the same recovery path a
	// reconnected socket takes.
	q.Sequence = 2
	if err := store.Put(q); err != nil {
		t.Fatalf("recovery put: %v", err)
	}
	if store.IsStale("venue_a") {
		t.Fatal("accepted Put should lift the stale flag")
	}
}
