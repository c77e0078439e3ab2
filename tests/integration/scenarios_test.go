// Package integration wires the detection pipeline's real components
// together (book -> detector -> cache -> hub) and drives them through
// end-to-end scenarios rather than mocking each collaborator in
// isolation.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/detector"
	"marketwatch/internal/hub"
	"marketwatch/internal/model"
	"marketwatch/internal/symbol"
	"marketwatch/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.InitLogger(logging.LogConfig{Level: "error"})
}

func quote(exchange, pair string, bid, ask, bidVol, askVol float64, seq int64) model.Quote {
	return model.Quote{
		Exchange:  exchange,
		Pair:      pair,
		BidPrice:  decimal.NewFromFloat(bid),
		AskPrice:  decimal.NewFromFloat(ask),
		BidVolume: decimal.NewFromFloat(bidVol),
		AskVolume: decimal.NewFromFloat(askVol),
		Timestamp: time.Now(),
		Sequence:  seq,
	}
}

// pipeline bundles one store -> detector -> cache wiring, started on a
// background context and torn down by Close.
type pipeline struct {
	store  *book.Store
	det    *detector.Detector
	cache  *cache.Cache
	cancel context.CancelFunc
}

func newPipeline(t *testing.T, minProfitPct float64) *pipeline {
	t.Helper()
	log := testLogger()
	store := book.NewStore(30 * time.Second)
	det := detector.New(detector.Config{
		WorkerCount:  4,
		MinProfitPct: decimal.NewFromFloat(minProfitPct),
	}, store, log)
	c := cache.New(cache.Config{
		TTL:         500 * time.Millisecond,
		SweepPeriod: 20 * time.Millisecond,
	}, det.Out())

	ctx, cancel := context.WithCancel(context.Background())
	go det.Run(ctx)
	go c.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	p := &pipeline{store: store, det: det, cache: c, cancel: cancel}
	t.Cleanup(p.Close)
	return p
}

func (p *pipeline) Close() { p.cancel() }

// waitFor polls cond until it returns true or the timeout elapses,
// failing the test otherwise. Needed because the pipeline is driven by
// goroutines communicating over channels rather than synchronous calls.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// A single crossed pair between two exchanges produces exactly one
// live opportunity above the configured profit floor, with the expected
// direction and profit percentage.
func TestScenario_SingleCrossedPairProducesOpportunity(t *testing.T) {
	p := newPipeline(t, 0.1)

	mustPut(t, p.store, quote("venue_a", "ETH/USDT", 2000, 2001, 10, 10, 1))
	mustPut(t, p.store, quote("venue_b", "ETH/USDT", 2010, 2011, 5, 5, 1))

	waitFor(t, time.Second, func() bool { return p.cache.Size() >= 1 })

	snap := p.cache.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("cache size = %d, want 1", len(snap))
	}
	opp := snap[0]
	if opp.BuyExchange != "venue_a" || opp.SellExchange != "venue_b" {
		t.Fatalf("unexpected direction: buy=%s sell=%s", opp.BuyExchange, opp.SellExchange)
	}
	want := decimal.NewFromFloat(0.4497)
	diff := opp.ProfitPercentage.Sub(want).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(0.01)) {
		t.Fatalf("profit_percentage = %s, want ~0.4497", opp.ProfitPercentage)
	}
	if !opp.TradeVolume.Equal(decimal.NewFromFloat(5)) {
		t.Fatalf("trade_volume = %s, want 5 (min of ask/bid volume)", opp.TradeVolume)
	}
}

// Replaying the exact same crossed quotes does not create new
// fingerprints; seen_count accumulates on the single surviving entry.
func TestScenario_RepeatedDetectionDedupsBySeenCount(t *testing.T) {
	p := newPipeline(t, 0.1)

	mustPut(t, p.store, quote("venue_a", "ETH/USDT", 2000, 2001, 10, 10, 1))

	// Replay the same crossed venue_b quote 100 times (prices unchanged,
	// sequence strictly increasing each time so the store accepts it).
	// Every replay re-fires the same fingerprint, so the cache should
	// dedup down to a single entry with seen_count == 100.
	b := quote("venue_b", "ETH/USDT", 2010, 2011, 5, 5, 1)
	for i := 0; i < 100; i++ {
		b.Sequence = int64(i + 1)
		mustPut(t, p.store, b)
	}

	waitFor(t, 2*time.Second, func() bool {
		snap := p.cache.Snapshot()
		return len(snap) == 1 && snap[0].SeenCount >= 100
	})

	snap := p.cache.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("cache size = %d, want 1 fingerprint after 100 repeats", len(snap))
	}
	if snap[0].SeenCount != 100 {
		t.Fatalf("seen_count = %d, want 100", snap[0].SeenCount)
	}
}

// Introducing a third exchange with a strictly better edge replaces
// the tracked best opportunity.
func TestScenario_ThirdExchangeRefreshesBest(t *testing.T) {
	p := newPipeline(t, 0.1)

	mustPut(t, p.store, quote("venue_a", "ETH/USDT", 2000, 2001, 10, 10, 1))
	mustPut(t, p.store, quote("venue_b", "ETH/USDT", 2010, 2011, 5, 5, 1))

	waitFor(t, time.Second, func() bool { return p.cache.Best() != nil })
	firstBest := p.cache.Best()
	if firstBest.SellExchange != "venue_b" {
		t.Fatalf("initial best sell exchange = %s, want venue_b", firstBest.SellExchange)
	}

	mustPut(t, p.store, quote("venue_c", "ETH/USDT", 2050, 2060, 3, 3, 1))

	waitFor(t, time.Second, func() bool {
		best := p.cache.Best()
		return best != nil && best.SellExchange == "venue_c"
	})

	best := p.cache.Best()
	want := decimal.NewFromFloat(2.45)
	diff := best.ProfitPercentage.Sub(want).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(0.05)) {
		t.Fatalf("best profit_percentage = %s, want ~2.45", best.ProfitPercentage)
	}
	if !best.TradeVolume.Equal(decimal.NewFromFloat(3)) {
		t.Fatalf("best trade_volume = %s, want 3", best.TradeVolume)
	}
}

// A crossed pair that goes stale (its exchange marked stale) drops
// out of QuotesForPair and can no longer feed new detections against it,
// matching the store's staleness contract collectors rely on once a
// disconnect outlasts the stale grace period.
func TestScenario_StaleExchangeExcludedFromDetection(t *testing.T) {
	store := book.NewStore(30 * time.Second)

	mustPut(t, store, quote("venue_a", "ETH/USDT", 2000, 2001, 10, 10, 1))
	mustPut(t, store, quote("venue_b", "ETH/USDT", 2010, 2011, 5, 5, 1))

	quotes := store.QuotesForPair("ETH/USDT")
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2 before staleness", len(quotes))
	}

	store.MarkExchangeStale("venue_b")

	quotes = store.QuotesForPair("ETH/USDT")
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1 after marking venue_b stale", len(quotes))
	}
	if _, ok := quotes["venue_b"]; ok {
		t.Fatal("venue_b should be excluded from QuotesForPair once stale")
	}

	// A fresh, higher-sequence update clears the stale flag and rejoins
	// detection, the same recovery path a successful resubscribe takes.
	mustPut(t, store, quote("venue_b", "ETH/USDT", 2012, 2013, 5, 5, 2))
	quotes = store.QuotesForPair("ETH/USDT")
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2 after venue_b recovers", len(quotes))
	}
}

// A dashboard session behind a slow reader experiences backpressure:
// stale price updates get dropped to keep the queue bounded, but the
// current best_opportunity_update always arrives.
func TestScenario_SlowSubscriberBackpressureNeverDropsBest(t *testing.T) {
	log := testLogger()
	store := book.NewStore(30 * time.Second)
	det := detector.New(detector.Config{WorkerCount: 2, MinProfitPct: decimal.NewFromFloat(0.1)}, store, log)
	c := cache.New(cache.Config{TTL: 5 * time.Second, SweepPeriod: 50 * time.Millisecond}, det.Out())
	registry := &symbol.Registry{}

	h := hub.New(hub.Config{
		SubscriberQueueSize: 4,
		BatchFlushInterval:  10 * time.Millisecond,
		BatchMaxSize:        8,
		StatsInterval:       time.Hour,
	}, hub.Deps{Store: store, Cache: c, Registry: registry, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go det.Run(ctx)
	go c.Run(ctx)
	go h.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(h, log, w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return h.SessionCount() == 1 })

	mustPut(t, store, quote("venue_a", "ETH/USDT", 2000, 2001, 10, 10, 1))
	mustPut(t, store, quote("venue_b", "ETH/USDT", 2010, 2011, 5, 5, 1))
	waitFor(t, time.Second, func() bool { return c.Best() != nil })

	// Flood price updates on venue_a without reading the socket, forcing
	// the session's bounded queue past capacity before we ever drain it.
	for i := 0; i < 50; i++ {
		bid := 2000 + float64(i)
		mustPut(t, store, quote("venue_a", "ETH/USDT", bid, bid+1, 10, 10, int64(i+2)))
	}

	var sawBest bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !sawBest {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg hub.Message
		if err := conn.ReadJSON(&msg); err != nil {
			continue
		}
		if msg.Type == hub.TypeBestOpportunityUpdate {
			sawBest = true
		}
	}
	if !sawBest {
		t.Fatal("expected best_opportunity_update to survive backpressure, none received")
	}
}

func mustPut(t *testing.T, store *book.Store, q model.Quote) {
	t.Helper()
	if err := store.Put(q); err != nil {
		t.Fatalf("store.Put(%s/%s): %v", q.Exchange, q.Pair, err)
	}
}
