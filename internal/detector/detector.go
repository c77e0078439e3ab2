// Package detector implements the arbitrage detector: a sharded pool of
// workers that watch the top-of-book store for QuoteChanged events and,
// on each one, scan every other exchange's current quote for the same
// pair looking for a profitable cross-exchange edge. Dispatch is sharded
// by FNV-1a hash of the pair, so all updates for one pair serialize
// through one worker and one pair's burst never blocks another's.
package detector

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/book"
	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/pkg/logging"
)

// Config tunes the detector's worker pool and profitability floor.
type Config struct {
	WorkerCount  int
	MinProfitPct decimal.Decimal
	// InboxSize bounds each worker's conflating channel.
	InboxSize int
}

// Detector fans QuoteChanged events out across WorkerCount shards and
// emits every surviving Opportunity on Out().
type Detector struct {
	cfg   Config
	store *book.Store
	log   *logging.Logger

	workers []*book.ConflatingChannel
	out     chan model.Opportunity
}

// New constructs a Detector. Call Run to start consuming from store.
func New(cfg Config, store *book.Store, log *logging.Logger) *Detector {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	workers := make([]*book.ConflatingChannel, cfg.WorkerCount)
	for i := range workers {
		workers[i] = book.NewConflatingChannelFunc(cfg.InboxSize, metrics.DetectorBusyDrops.Inc)
	}
	return &Detector{
		cfg:     cfg,
		store:   store,
		log:     log.WithComponent("detector"),
		workers: workers,
		out:     make(chan model.Opportunity, 4096),
	}
}

// Out returns the channel every detected Opportunity is published on,
// regardless of which worker produced it. The Opportunity Cache is its
// sole consumer.
func (d *Detector) Out() <-chan model.Opportunity { return d.out }

// Run subscribes to the store's QuoteChanged stream, dispatches each event
// to its shard, and blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	sub := d.store.Subscribe(4096)
	defer sub.Close()

	var workerWg sync.WaitGroup
	for i := range d.workers {
		workerWg.Add(1)
		go func(idx int) {
			defer workerWg.Done()
			d.runWorker(ctx, idx)
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			for _, w := range d.workers {
				w.Close()
			}
			workerWg.Wait()
			close(d.out)
			return nil
		case ev, ok := <-sub.Out():
			if !ok {
				continue
			}
			shard := fnv32a(ev.Pair) % uint32(d.cfg.WorkerCount)
			d.workers[shard].Push(ev.Exchange+"|"+ev.Pair, ev)
		}
	}
}

func (d *Detector) runWorker(ctx context.Context, idx int) {
	w := d.workers[idx]
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Out():
			if !ok {
				return
			}
			d.evaluate(ev)
		}
	}
}

// evaluate scans every other non-stale exchange for the pair and
// considers both directions, emitting an Opportunity for each that
// clears MinProfitPct.
func (d *Detector) evaluate(ev model.QuoteChanged) {
	started := time.Now()
	quotes := d.store.QuotesForPair(ev.Pair)
	if len(quotes) < 2 {
		return
	}
	qe, ok := quotes[ev.Exchange]
	if !ok {
		return
	}

	for exchangeX, qx := range quotes {
		if exchangeX == ev.Exchange {
			continue
		}
		if opp := crossCheck(ev.Pair, ev.Exchange, qe, exchangeX, qx, d.cfg.MinProfitPct); opp != nil {
			d.emit(*opp, started)
		}
		if opp := crossCheck(ev.Pair, exchangeX, qx, ev.Exchange, qe, d.cfg.MinProfitPct); opp != nil {
			d.emit(*opp, started)
		}
	}
}

func (d *Detector) emit(opp model.Opportunity, started time.Time) {
	metrics.OpportunitiesDetected.Inc()
	metrics.DetectionLatency.Observe(time.Since(started).Seconds())
	select {
	case d.out <- opp:
	default:
		d.log.Warn("opportunity output channel full, dropping", logging.String("pair", opp.Pair))
	}
}

// crossCheck evaluates buying on buyExchange (at its ask) and selling on
// sellExchange (at its bid). Returns nil if unprofitable or below the
// configured floor.
func crossCheck(pair, buyExchange string, buy model.Quote, sellExchange string, sell model.Quote, minProfitPct decimal.Decimal) *model.Opportunity {
	if buy.AskPrice.IsZero() || sell.BidPrice.IsZero() {
		return nil
	}
	if !sell.BidPrice.GreaterThan(buy.AskPrice) {
		return nil
	}
	profitPct := sell.BidPrice.Sub(buy.AskPrice).Div(buy.AskPrice).Mul(decimal.NewFromInt(100))
	if profitPct.LessThan(minProfitPct) {
		return nil
	}
	tradeVolume := decimal.Min(buy.AskVolume, sell.BidVolume)
	now := time.Now()
	opp := &model.Opportunity{
		Pair:             pair,
		BuyExchange:      buyExchange,
		SellExchange:     sellExchange,
		BuyPrice:         buy.AskPrice,
		SellPrice:        sell.BidPrice,
		BuyVolume:        buy.AskVolume,
		SellVolume:       sell.BidVolume,
		TradeVolume:      tradeVolume,
		ProfitPercentage: profitPct,
		FirstSeen:        now,
		LastSeen:         now,
		SeenCount:        1,
	}
	opp.Fingerprint = model.ComputeFingerprint(buyExchange, sellExchange, pair, opp.BuyPrice, opp.SellPrice, opp.BuyVolume, opp.SellVolume)
	return opp
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
