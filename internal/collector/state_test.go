package collector

import "testing"

func TestCanTransition(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateHandshaking},
		{StateHandshaking, StateSubscribing},
		{StateSubscribing, StateStreaming},
		{StateStreaming, StateReconnectBackoff},
		{StateReconnectBackoff, StateConnecting},
		{StateStreaming, StateShutdown},
	}
	for _, tc := range valid {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to State }{
		{StateDisconnected, StateStreaming},
		{StateStreaming, StateSubscribing},
		{StateShutdown, StateConnecting},
		{StateReconnectBackoff, StateStreaming},
	}
	for _, tc := range invalid {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestStateHolder_TransitionGuard(t *testing.T) {
	var h stateHolder
	h.Set(StateDisconnected)

	if !h.Transition(StateConnecting) {
		t.Fatal("DISCONNECTED -> CONNECTING should be allowed")
	}
	if h.Transition(StateStreaming) {
		t.Fatal("CONNECTING -> STREAMING should be rejected")
	}
	if got := h.Get(); got != StateConnecting {
		t.Fatalf("state after rejected transition = %s, want CONNECTING", got)
	}
}

func TestAggregateState_OneStreamingShardHoldsState(t *testing.T) {
	var a aggregateState
	a.Set(StateConnecting)

	a.EnterStreaming()
	a.EnterStreaming()

	// One shard reconnecting must not regress the reported state while
	// the other is still live.
	a.Set(StateReconnectBackoff)
	if got := a.Get(); got != StateStreaming {
		t.Fatalf("state with one live shard = %s, want STREAMING", got)
	}

	a.LeaveStreaming()
	if got := a.Get(); got != StateStreaming {
		t.Fatalf("state with one of two shards down = %s, want STREAMING", got)
	}

	a.LeaveStreaming()
	if got := a.Get(); got != StateReconnectBackoff {
		t.Fatalf("state with all shards down = %s, want RECONNECT_BACKOFF", got)
	}
}
