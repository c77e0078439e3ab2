package collector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/pkg/logging"
)

var venueBJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// VenueB speaks the spot venue's array-framed protocol:
// ["subscribe", {"channel": "<SYMBOL>@buyDepth"}]. Each channel streams
// only one side of the book as a full array of levels (never a diff), so
// unlike Venue A/C there is no local orderbook reconstruction here: the
// collector just tracks the latest array per side and recomputes that
// side's top on every push, combining the last-known bid and ask sides
// into one Quote.
type VenueB struct {
	cfg  Config
	deps Deps

	agg      aggregateState
	sides    sync.Map // native symbol -> *venueBSides
	seq      *seqGen
	closeCh  chan struct{}
	closeOne sync.Once
}

func NewVenueB(cfg Config, deps Deps) *VenueB {
	return &VenueB{cfg: cfg, deps: deps, seq: newSeqGen(), closeCh: make(chan struct{})}
}

func (v *VenueB) Venue() string { return v.cfg.Venue }
func (v *VenueB) State() State  { return v.agg.Get() }
func (v *VenueB) Shutdown()     { v.closeOne.Do(func() { close(v.closeCh) }) }

// venueBSides holds the last-seen top of each side for one symbol; a
// Quote is only ever published once both sides have been observed.
type venueBSides struct {
	mu           sync.Mutex
	bid, ask     Level
	bidSet, askSet bool
}

type venueBLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Sum      string `json:"sum"`
}

type venueBPush struct {
	Channel string        `json:"channel"`
	Data    []venueBLevel `json:"data"`
}

func (v *VenueB) Run(ctx context.Context) error {
	log := v.deps.Logger.WithComponent("collector").WithExchange(v.cfg.Venue)
	v.agg.Set(StateDisconnected)

	pairs := v.deps.Registry.ForExchange(v.cfg.Venue)
	if len(pairs) == 0 {
		log.Warn("no symbols registered for venue")
		return nil
	}
	var channels []string
	for _, p := range pairs {
		channels = append(channels, p.Native+"@buyDepth", p.Native+"@sellDepth")
	}
	shards := shardSubscriptions(channels, v.cfg.MaxSubscriptionsPerSocket)

	go staleWatch(ctx, v.closeCh, v.agg.Get, v.deps.Store, v.cfg.Venue, v.cfg.StaleGrace)

	var wg sync.WaitGroup
	for _, shard := range shards {
		wg.Add(1)
		go func(channels []string) {
			defer wg.Done()
			v.runSocket(ctx, channels, log)
		}(shard)
	}
	wg.Wait()
	v.agg.Set(StateShutdown)
	return nil
}

func (v *VenueB) runSocket(ctx context.Context, channels []string, log *logging.Logger) {
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
		if err := v.subscribe(conn, channels); err != nil {
			conn.Close()
			metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
			v.agg.Set(StateReconnectBackoff)
			if !v.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}

		if err := v.readLoop(ctx, conn, backoff, log); err != nil {
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

func (v *VenueB) sleep(ctx context.Context, d time.Duration) bool {
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

func (v *VenueB) subscribe(conn *websocket.Conn, channels []string) error {
	for _, ch := range channels {
		frame := []interface{}{"subscribe", map[string]string{"channel": ch}}
		b, err := venueBJSON.Marshal(frame)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (v *VenueB) readLoop(ctx context.Context, conn *websocket.Conn, backoff *Backoff, log *logging.Logger) error {
	const idleTimeout = 30 * time.Second

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
		_, data, err := conn.ReadMessage()
		if err != nil {
			metrics.TransportErrors.WithLabelValues(v.cfg.Venue).Inc()
			return err
		}

		var frame []json.RawMessage
		if err := venueBJSON.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			if v.decodeError(errs) {
				return errProtocolRate
			}
			continue
		}
		var command string
		if err := venueBJSON.Unmarshal(frame[0], &command); err != nil {
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

		if command != "update" && command != "snapshot" {
			continue // subscription ack or other control frame
		}

		var push venueBPush
		if err := venueBJSON.Unmarshal(frame[1], &push); err != nil {
			if v.decodeError(errs) {
				return errProtocolRate
			}
			continue
		}
		v.handlePush(push, log)
	}
}

func (v *VenueB) decodeError(errs *errorWindow) bool {
	metrics.DecodeErrors.WithLabelValues(v.cfg.Venue).Inc()
	if errs.Record(time.Now()) {
		metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
		return true
	}
	return false
}

func (v *VenueB) handlePush(push venueBPush, log *logging.Logger) {
	nativeSymbol, side, ok := splitChannel(push.Channel)
	if !ok {
		return
	}

	top, ok := topOfSide(push.Data, side)
	if !ok {
		return
	}

	sidesIface, _ := v.sides.LoadOrStore(nativeSymbol, &venueBSides{})
	sides := sidesIface.(*venueBSides)

	sides.mu.Lock()
	if side == "buyDepth" {
		sides.bid = top
		sides.bidSet = true
	} else {
		sides.ask = top
		sides.askSet = true
	}
	ready := sides.bidSet && sides.askSet
	bid, ask := sides.bid, sides.ask
	sides.mu.Unlock()

	if !ready {
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

func splitChannel(channel string) (symbol, side string, ok bool) {
	parts := strings.SplitN(channel, "@", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// topOfSide finds the best level for a side: the highest price for
// buyDepth, the lowest for sellDepth.
func topOfSide(levels []venueBLevel, side string) (Level, bool) {
	var best Level
	found := false
	for _, lv := range levels {
		price, err := decimal.NewFromString(lv.Price)
		if err != nil {
			continue
		}
		quantity, err := decimal.NewFromString(lv.Quantity)
		if err != nil {
			continue
		}
		if !found {
			best = Level{Price: price, Volume: quantity}
			found = true
			continue
		}
		if side == "buyDepth" && price.GreaterThan(best.Price) {
			best = Level{Price: price, Volume: quantity}
		}
		if side == "sellDepth" && price.LessThan(best.Price) {
			best = Level{Price: price, Volume: quantity}
		}
	}
	return best, found
}
