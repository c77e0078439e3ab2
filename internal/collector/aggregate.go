package collector

import "sync/atomic"

// aggregateState reports a single State() for a collector that may run
// several concurrent sockets at once (subscription sharding across the
// venue's per-socket topic cap). The collector counts
// as STREAMING if at least one socket is; it only falls back to
// RECONNECT_BACKOFF once every socket has dropped out of STREAMING.
type aggregateState struct {
	holder stateHolder
	live   int32
}

// EnterStreaming marks one socket as having reached STREAMING.
func (a *aggregateState) EnterStreaming() {
	atomic.AddInt32(&a.live, 1)
	a.holder.Set(StateStreaming)
}

// LeaveStreaming marks one socket as having dropped out of STREAMING.
func (a *aggregateState) LeaveStreaming() {
	if atomic.AddInt32(&a.live, -1) <= 0 {
		a.holder.Set(StateReconnectBackoff)
	}
}

// Set records an intermediate (non-streaming) state for a socket. It is a
// no-op while any other socket is still streaming, so one reconnecting
// shard never regresses the collector's reported state out of STREAMING.
func (a *aggregateState) Set(s State) {
	if atomic.LoadInt32(&a.live) > 0 {
		return
	}
	a.holder.Set(s)
}

func (a *aggregateState) Get() State { return a.holder.Get() }
