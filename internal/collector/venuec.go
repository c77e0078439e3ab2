package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"marketwatch/internal/metrics"
	"marketwatch/internal/model"
	"marketwatch/pkg/logging"
)

var venueCJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// channelPrefixQuirk is the stray non-ASCII character observed prefixing
// this venue's channel names in captured subscription traffic. Off by
// default; cfg.ChannelPrefixQuirk flips it on.
const channelPrefixQuirk = "َ"

// VenueC speaks the Centrifugo-flavored protocol: connect/subscribe/push
// envelopes, an empty-object ping the client must echo within 25s, and
// orderbook:<pair_id> channels carrying either a full snapshot or, in
// "fossil" delta mode, an incremental diff. Diff continuity is tracked
// with the same Book/Diff machinery Venue A uses, since both venues
// follow the identical snapshot-then-sequential-diff contract.
type VenueC struct {
	cfg  Config
	deps Deps

	agg      aggregateState
	books    sync.Map // pair id -> *Book
	seq      *seqGen
	closeCh  chan struct{}
	closeOne sync.Once
}

func NewVenueC(cfg Config, deps Deps) *VenueC {
	return &VenueC{cfg: cfg, deps: deps, seq: newSeqGen(), closeCh: make(chan struct{})}
}

func (v *VenueC) Venue() string { return v.cfg.Venue }
func (v *VenueC) State() State  { return v.agg.Get() }
func (v *VenueC) Shutdown()     { v.closeOne.Do(func() { close(v.closeCh) }) }

type centrifugoFrame struct {
	ID        int              `json:"id,omitempty"`
	Connect   *json.RawMessage `json:"connect,omitempty"`
	Subscribe *centrifugoSub   `json:"subscribe,omitempty"`
	Push      *centrifugoPush  `json:"push,omitempty"`
}

type centrifugoSub struct {
	Channel string `json:"channel"`
}

type centrifugoPush struct {
	Channel string          `json:"channel"`
	Pub     json.RawMessage `json:"pub"`
}

type centrifugoPub struct {
	Data venueCPayload `json:"data"`
}

type venueCPayload struct {
	Offset int64      `json:"offset"`
	Delta  string     `json:"delta"`
	Buys   [][]string `json:"buys"`
	Sells  [][]string `json:"sells"`
}

func (v *VenueC) Run(ctx context.Context) error {
	log := v.deps.Logger.WithComponent("collector").WithExchange(v.cfg.Venue)
	v.agg.Set(StateDisconnected)

	pairs := v.deps.Registry.ForExchange(v.cfg.Venue)
	if len(pairs) == 0 {
		log.Warn("no symbols registered for venue")
		return nil
	}
	channels := make([]string, len(pairs))
	for i, p := range pairs {
		channels[i] = v.channelName(p.Native)
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

// channelName builds the orderbook:<pair_id> channel, optionally
// reproducing the stray-prefix quirk.
func (v *VenueC) channelName(pairID string) string {
	name := "orderbook:" + pairID
	if v.cfg.ChannelPrefixQuirk {
		name = channelPrefixQuirk + name
	}
	return name
}

func (v *VenueC) runSocket(ctx context.Context, channels []string, log *logging.Logger) {
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
		if err := v.connect(conn); err != nil {
			conn.Close()
			metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
			v.agg.Set(StateReconnectBackoff)
			if !v.sleep(ctx, backoff.Next()) {
				return
			}
			continue
		}

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

func (v *VenueC) sleep(ctx context.Context, d time.Duration) bool {
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

func (v *VenueC) connect(conn *websocket.Conn) error {
	empty := json.RawMessage("{}")
	frame := centrifugoFrame{ID: 1, Connect: &empty}
	b, err := venueCJSON.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (v *VenueC) subscribe(conn *websocket.Conn, channels []string) error {
	for i, ch := range channels {
		frame := centrifugoFrame{ID: i + 2, Subscribe: &centrifugoSub{Channel: ch}}
		b, err := venueCJSON.Marshal(frame)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (v *VenueC) readLoop(ctx context.Context, conn *websocket.Conn, backoff *Backoff, log *logging.Logger) error {
	const idleTimeout = 30 * time.Second
	const pingReplyDeadline = 25 * time.Second

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

		if isEmptyFrame(data) {
			conn.SetWriteDeadline(time.Now().Add(pingReplyDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
				return err
			}
			continue
		}

		var frame centrifugoFrame
		if err := venueCJSON.Unmarshal(data, &frame); err != nil {
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

		if frame.Push == nil || len(frame.Push.Pub) == 0 {
			continue // connect/subscribe ack
		}

		var pub centrifugoPub
		if err := venueCJSON.Unmarshal(frame.Push.Pub, &pub); err != nil {
			if v.decodeError(errs) {
				return errProtocolRate
			}
			continue
		}
		v.handlePush(frame.Push.Channel, pub.Data, log)
	}
}

func (v *VenueC) decodeError(errs *errorWindow) bool {
	metrics.DecodeErrors.WithLabelValues(v.cfg.Venue).Inc()
	if errs.Record(time.Now()) {
		metrics.ProtocolErrors.WithLabelValues(v.cfg.Venue).Inc()
		return true
	}
	return false
}

func isEmptyFrame(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			continue
		case '}':
			return true
		default:
			return false
		}
	}
	return false
}

func (v *VenueC) handlePush(channel string, payload venueCPayload, log *logging.Logger) {
	pairID := pairIDFromChannel(channel)
	bookIface, _ := v.books.LoadOrStore(pairID, NewBook())
	bk := bookIface.(*Book)

	buys := toLevels(payload.Buys)
	sells := toLevels(payload.Sells)

	if payload.Delta != "fossil" {
		bk.ApplySnapshot(payload.Offset, buys, sells)
	} else {
		res := bk.ApplyDiff(Diff{FirstID: payload.Offset, LastID: payload.Offset, Bids: buys, Asks: sells})
		switch res {
		case ResolutionDropped:
			return
		case ResolutionApplied:
			// In-sequence apply, no gap.
		case ResolutionMerged:
			metrics.SequenceGaps.WithLabelValues(v.cfg.Venue, "merged").Inc()
		case ResolutionResubscribe:
			metrics.SequenceGaps.WithLabelValues(v.cfg.Venue, "resubscribed").Inc()
			// No REST fallback for this venue: the next snapshot push after
			// resubscribe reseeds the book.
			return
		}
	}

	v.publishTop(pairID, bk, log)
}

func (v *VenueC) publishTop(pairID string, bk *Book, log *logging.Logger) {
	bid, ask, ok := bk.Top()
	if !ok {
		return
	}
	pair, err := v.deps.Registry.Canonicalize(v.cfg.Venue, pairID)
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

// pairIDFromChannel strips the "orderbook:" prefix and, if present, the
// stray-prefix quirk character, recovering the pair id used at subscribe
// time.
func pairIDFromChannel(channel string) string {
	const want = "orderbook:"
	idx := indexOf(channel, want)
	if idx < 0 {
		return channel
	}
	return channel[idx+len(want):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
