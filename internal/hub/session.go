package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketwatch/internal/book"
	"marketwatch/internal/cache"
	"marketwatch/internal/metrics"
	"marketwatch/internal/symbol"
	"marketwatch/internal/view"
	"marketwatch/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

type queuedMessage struct {
	msg    Message
	isBest bool
}

// Session represents one dashboard websocket connection. Its outbound
// queue is a bounded slice rather than a channel because backpressure
// handling needs to evict a specific victim (the oldest non-best message)
// rather than simply reject the newest: a best_opportunity_update must
// never be dropped.
type Session struct {
	conn *websocket.Conn
	hub  *Hub
	log  *logging.Logger

	mu      sync.Mutex
	queue   []queuedMessage
	maxSize int
	stale   bool
	notify  chan struct{}
	closeCh chan struct{}
	closeOne sync.Once
}

func newSession(conn *websocket.Conn, hub *Hub, log *logging.Logger, maxSize int) *Session {
	return &Session{
		conn:    conn,
		hub:     hub,
		log:     log,
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// ServeWS upgrades an HTTP request to a websocket session, registers it
// with hub, and runs its read/write pumps until the connection closes.
func ServeWS(hub *Hub, log *logging.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	s := newSession(conn, hub, log, hub.cfg.SubscriberQueueSize)
	hub.Register(s)

	go s.writePump()
	s.readPump()
}

// sendSnapshot seeds the session with initial_prices, initial_opportunities,
// and best_opportunity_update before it is registered for live events.
func (s *Session) sendSnapshot(store *book.Store, c *cache.Cache, reg *symbol.Registry) {
	s.enqueue(Message{Type: TypeInitialPrices, Data: view.BuildQuotes(reg, store.Snapshot())}, false)
	s.enqueue(Message{Type: TypeInitialOpportunities, Data: c.Snapshot()}, false)
	s.enqueue(Message{Type: TypeBestOpportunityUpdate, Data: c.Best()}, true)
}

// enqueue appends msg to the session's bounded queue. When full, the
// oldest non-best queued message is evicted and the stale flag is set;
// best_opportunity_update messages are never evicted or dropped. When
// every queued message is a best update, an incoming non-best message is
// dropped (also setting the stale flag) and an incoming best update is
// appended past maxSize.
func (s *Session) enqueue(msg Message, isBest bool) {
	s.mu.Lock()
	if len(s.queue) >= s.maxSize {
		if s.evictOldestNonBestLocked() {
			s.stale = true
		} else if !isBest {
			metrics.SubscriberBackpressureDrops.Inc()
			s.stale = true
			s.mu.Unlock()
			return // every queued message is best-exempt; drop the incoming one
		}
	}
	s.queue = append(s.queue, queuedMessage{msg: msg, isBest: isBest})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) evictOldestNonBestLocked() bool {
	for i, qm := range s.queue {
		if !qm.isBest {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.SubscriberBackpressureDrops.Inc()
			return true
		}
	}
	return false
}

// IsStale reports whether this session has dropped at least one message
// due to backpressure since the flag was last surfaced to the client.
func (s *Session) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// takeStale returns the stale flag and clears it, so the marker reaches
// the client exactly once per backpressure episode.
func (s *Session) takeStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.stale
	s.stale = false
	return was
}

func (s *Session) drain() []queuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue
	s.queue = nil
	return out
}

func (s *Session) close() {
	s.closeOne.Do(func() { close(s.closeCh) })
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closeCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-s.notify:
			for _, qm := range s.drain() {
				msg := qm.msg
				if s.takeStale() {
					msg.Stale = true
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteJSON(msg); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
