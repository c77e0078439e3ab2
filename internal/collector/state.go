// Package collector implements the exchange collectors: one
// concrete type per venue, each speaking that venue's native websocket
// protocol, normalizing through the Symbol Registry, and pushing Quotes
// into the Top-of-Book Store. All three share the state machine, backoff,
// and orderbook reconstruction helpers in this package; the wire framing
// itself is venue-specific and lives in venuea.go/venueb.go/venuec.go.
package collector

import "sync/atomic"

// State is one of the seven named states a collector instance moves
// through over its lifetime.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSubscribing
	StateStreaming
	StateReconnectBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnectBackoff:
		return "RECONNECT_BACKOFF"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ValidTransitions enumerates the allowed state-to-state moves over a
// venue collector's lifetime.
var ValidTransitions = map[State][]State{
	StateDisconnected:     {StateConnecting, StateShutdown},
	StateConnecting:       {StateHandshaking, StateReconnectBackoff, StateShutdown},
	StateHandshaking:      {StateSubscribing, StateReconnectBackoff, StateShutdown},
	StateSubscribing:      {StateStreaming, StateReconnectBackoff, StateShutdown},
	StateStreaming:        {StateReconnectBackoff, StateShutdown},
	StateReconnectBackoff: {StateConnecting, StateShutdown},
	StateShutdown:         {},
}

// CanTransition reports whether moving from one state to another is a
// legal edge in the table above.
func CanTransition(from, to State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stateHolder gives a venue collector (through aggregateState) an
// atomically-readable current state plus a transition guard. Invalid
// transitions are simply not applied; the holder stays in its current
// state rather than corrupting it.
type stateHolder struct {
	v int32
}

func (h *stateHolder) Get() State {
	return State(atomic.LoadInt32(&h.v))
}

// Set unconditionally stores a state; used for initialization.
func (h *stateHolder) Set(s State) {
	atomic.StoreInt32(&h.v, int32(s))
}

// Transition attempts to move to s, returning false without effect if the
// move is not in ValidTransitions.
func (h *stateHolder) Transition(to State) bool {
	from := h.Get()
	if !CanTransition(from, to) {
		return false
	}
	atomic.StoreInt32(&h.v, int32(to))
	return true
}
