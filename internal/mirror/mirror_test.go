package mirror

import (
	"context"
	"testing"

	"marketwatch/internal/config"
	"marketwatch/internal/metrics"

	dto "github.com/prometheus/client_model/go"
)

func TestAddr_CombinesHostAndPort(t *testing.T) {
	got := addr(config.RedisConfig{Host: "cache.internal", Port: 6380})
	if got != "cache.internal:6380" {
		t.Fatalf("addr() = %q, want %q", got, "cache.internal:6380")
	}
}

func TestSubmit_DropsWhenQueueFull(t *testing.T) {
	m := &Mirror{queue: make(chan func(context.Context), 1)}

	before := counterValue(t)

	m.submit(func(context.Context) {})
	m.submit(func(context.Context) {}) // queue already full, must drop

	after := counterValue(t)
	if after != before+1 {
		t.Fatalf("RedisMirrorErrors increased by %v, want 1", after-before)
	}
}

func counterValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.RedisMirrorErrors.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
