package collector

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/pkg/logging"
	"marketwatch/pkg/retry"
)

var venueAJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// VenueA speaks the futures-style venue's protocol: gzip-compressed
// binary JSON frames, a "Ping"/"Pong" textual heartbeat every ~5s, and a
// {"id","reqType","dataType"}-shaped subscribe/ack exchange.
type VenueA struct {
	cfg  Config
	deps Deps

	agg      aggregateState
	books    sync.Map // native symbol -> *Book
	seq      *seqGen
	closeCh  chan struct{}
	closeOne sync.Once
}

// NewVenueA constructs the futures-style venue collector.
func NewVenueA(cfg Config, deps Deps) *VenueA {
	return &VenueA{cfg: cfg, deps: deps, seq: newSeqGen(), closeCh: make(chan struct{})}
}

func (v *VenueA) Venue() string { return v.cfg.Venue }
func (v *VenueA) State() State  { return v.agg.Get() }
func (v *VenueA) Shutdown()     { v.closeOne.Do(func() { close(v.closeCh) }) }

type venueASubscribe struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

type venueAEnvelope struct {
	ID       string          `json:"id"`
	Code     *int            `json:"code"`
	Msg      string          `json:"msg"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

type venueADepth struct {
	Symbol        string     `json:"symbol"`
	LastUpdateID  int64      `json:"lastUpdateId"`
	FirstUpdateID int64      `json:"firstUpdateId"`
	FinalUpdateID int64      `json:"finalUpdateId"`
	Bids          [][]string `json:"bids"`
	Asks          [][]string `json:"asks"`
}

// Run fans the collector's assigned pairs out across sockets sharded at
// cfg.MaxSubscriptionsPerSocket topics each (the venue caps subscriptions
// per socket) and drives every socket concurrently until ctx is cancelled
// or Shutdown is called.
func (v *VenueA) Run(ctx context.Context) error {
	log := v.deps.Logger.WithComponent("collector").WithExchange(v.cfg.Venue)
	v.agg.Set(StateDisconnected)

	pairs := v.deps.Registry.ForExchange(v.cfg.Venue)
	if len(pairs) == 0 {
		log.Warn("no symbols registered for venue")
		return nil
	}
	topics := make([]string, len(pairs))
	for i, p := range pairs {
		topics[i] = p.Native + "@incrDepth"
	}
	shards := shardSubscriptions(topics, v.cfg.MaxSubscriptionsPerSocket)

	go staleWatch(ctx, v.closeCh, v.agg.Get, v.deps.Store, v.cfg.Venue, v.cfg.StaleGrace)

	var wg sync.WaitGroup
	for _, shard := range shards {
		wg.Add(1)
		go func(topics []string) {
			defer wg.Done()
			v.runSocket(ctx, topics, log)
		}(shard)
	}
	wg.Wait()
	v.agg.Set(StateShutdown)
	return nil
}

func (v *VenueA) runSocket(ctx context.Context, topics []string, log *logging.Logger) {
	backoff := NewBackoff()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.closeCh:
			return
		default:
		}

		v.agg.Set(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.cfg.WSURL, nil)
		if err != nil {
			metrics.TransportErrors.WithLabelValues(v.cfg.Venue).Inc()
			v.agg.Set(StateReconnectBackoff)
			if !v.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}

		v.agg.Set(StateHandshaking)
		v.agg.Set(StateSubscribing)
		if err := v.subscribe(conn, topics); err != nil {
			conn.Close()
			metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
			v.agg.Set(StateReconnectBackoff)
			if !v.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}

		if err := v.readLoop(ctx, conn, topics, backoff, log); err != nil {
			log.Warn("socket closed", logging.Err(err))
		}
		conn.Close()
		metrics.CollectorReconnects.WithLabelValues(v.cfg.Venue).Inc()

		select {
		case <-ctx.Done():
			return
		case <-v.closeCh:
			return
		default:
		}
		if !v.sleep(ctx, backoff.Next()) {
			return
		}
	}
}

func (v *VenueA) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-v.closeCh:
		return false
	}
}

func (v *VenueA) subscribe(conn *websocket.Conn, topics []string) error {
	for _, topic := range topics {
		msg := venueASubscribe{ID: fmt.Sprintf("sub-%s", topic), ReqType: "sub", DataType: topic}
		b, err := venueAJSON.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (v *VenueA) readLoop(ctx context.Context, conn *websocket.Conn, topics []string, backoff *Backoff, log *logging.Logger) error {
	const idleTimeout = 30 * time.Second
	const heartbeatDeadline = 5 * time.Second

	errs := newErrorWindow(5, time.Minute)
	entered := false
	defer func() {
		if entered {
			v.agg.LeaveStreaming()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.closeCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			metrics.TransportErrors.WithLabelValues(v.cfg.Venue).Inc()
			return err
		}

		if messageType == websocket.TextMessage && strings.TrimSpace(string(data)) == "Ping" {
			conn.SetWriteDeadline(time.Now().Add(heartbeatDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				return err
			}
			continue
		}

		payload := data
		if messageType == websocket.BinaryMessage {
			decompressed, err := gunzip(data)
			if err != nil {
				if v.decodeError(errs) {
					return errProtocolRate
				}
				continue
			}
			payload = decompressed
		}

		var env venueAEnvelope
		if err := venueAJSON.Unmarshal(payload, &env); err != nil {
			if v.decodeError(errs) {
				return errProtocolRate
			}
			continue
		}

		if !entered {
			v.agg.EnterStreaming()
			entered = true
			backoff.EnterStreaming(time.Now())
		}
		backoff.MaybeReset(time.Now())

		if env.Code != nil {
			// Subscription ack; nothing further to do.
			continue
		}
		if env.DataType == "" || len(env.Data) == 0 {
			continue
		}

		var depth venueADepth
		if err := venueAJSON.Unmarshal(env.Data, &depth); err != nil {
			if v.decodeError(errs) {
				return errProtocolRate
			}
			continue
		}
		v.handleDepth(ctx, depth, log)
	}
}

// decodeError counts one dropped frame and reports whether the socket's
// error rate now warrants cycling the connection.
func (v *VenueA) decodeError(errs *errorWindow) bool {
	metrics.DecodeErrors.WithLabelValues(v.cfg.Venue).Inc()
	if errs.Record(time.Now()) {
		metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
		return true
	}
	return false
}

func (v *VenueA) handleDepth(ctx context.Context, depth venueADepth, log *logging.Logger) {
	bookIface, _ := v.books.LoadOrStore(depth.Symbol, NewBook())
	bk := bookIface.(*Book)

	bids := toLevels(depth.Bids)
	asks := toLevels(depth.Asks)

	switch {
	case depth.FirstUpdateID == 0 && depth.FinalUpdateID == 0:
		// No diff ids present: this is a full snapshot.
		bk.ApplySnapshot(depth.LastUpdateID, bids, asks)
	default:
		res := bk.ApplyDiff(Diff{FirstID: depth.FirstUpdateID, LastID: depth.FinalUpdateID, Bids: bids, Asks: asks})
		switch res {
		case ResolutionDropped:
			return
		case ResolutionApplied:
			// In-sequence apply, no gap.
		case ResolutionMerged:
			metrics.SequenceGaps.WithLabelValues(v.cfg.Venue, "merged").Inc()
		case ResolutionResubscribe:
			metrics.SequenceGaps.WithLabelValues(v.cfg.Venue, "resubscribed").Inc()
			v.resnapshot(ctx, depth.Symbol, bk, log)
			return
		}
	}

	v.publishTop(depth.Symbol, bk, log)
}

func (v *VenueA) publishTop(nativeSymbol string, bk *Book, log *logging.Logger) {
	bid, ask, ok := bk.Top()
	if !ok {
		return
	}
	pair, err := v.deps.Registry.Canonicalize(v.cfg.Venue, nativeSymbol)
	if err != nil {
		metrics.UnknownSymbols.WithLabelValues(v.cfg.Venue).Inc()
		return
	}
	q := model.Quote{
		Exchange:  v.cfg.Venue,
		Pair:      pair,
		BidPrice:  bid.Price,
		BidVolume: bid.Volume,
		AskPrice:  ask.Price,
		AskVolume: ask.Volume,
		Timestamp: time.Now(),
		Sequence:  v.seq.next(pair),
	}
	if err := v.deps.Store.Put(q); err != nil {
		metrics.StaleQuotesRejected.WithLabelValues(v.cfg.Venue).Inc()
	}
}

// resnapshot refetches a full depth snapshot over REST when an orderbook
// gap can't be rebuilt from the diff ring buffer.
func (v *VenueA) resnapshot(ctx context.Context, nativeSymbol string, bk *Book, log *logging.Logger) {
	if v.deps.Limiter != nil {
		if err := v.deps.Limiter.Wait(ctx); err != nil {
			return
		}
	}
	url := fmt.Sprintf("%s/depth?symbol=%s", v.cfg.RESTBaseURL, nativeSymbol)
	var snapshot venueADepth
	err := retry.Do(ctx, func() error {
		resp, err := v.deps.HTTP.Get(ctx, url)
		if err != nil {
			return retry.Temporary(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Temporary(err)
		}
		return venueAJSON.Unmarshal(body, &snapshot)
	}, retry.NetworkConfig())
	if err != nil {
		log.Warn("resnapshot failed", logging.String("symbol", nativeSymbol), logging.Err(err))
		return
	}
	bk.ApplySnapshot(snapshot.LastUpdateID, toLevels(snapshot.Bids), toLevels(snapshot.Asks))
	v.publishTop(nativeSymbol, bk, log)
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func toLevels(raw [][]string) []Level {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			continue
		}
		volume, err := decimal.NewFromString(pair[1])
		if err != nil {
			continue
		}
		out = append(out, Level{Price: price, Volume: volume})
	}
	return out
}
