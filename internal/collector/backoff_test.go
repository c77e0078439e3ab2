package collector

import (
	"testing"
	"time"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff()

	for i := 0; i < 10; i++ {
		d := b.Next()
		if d > 72*time.Second { // 60s cap + 20% jitter
			t.Fatalf("attempt %d: delay %s exceeds cap+jitter", i, d)
		}
		// Doubling with ±20% jitter: once near the cap the delay must not
		// collapse back into the initial range.
		if i >= 6 && d < 30*time.Second {
			t.Fatalf("attempt %d: delay %s, want >= 30s near the cap", i, d)
		}
	}
}

func TestBackoff_FirstDelayAroundOneSecond(t *testing.T) {
	b := NewBackoff()
	d := b.Next()
	if d < 800*time.Millisecond-1 || d > 1200*time.Millisecond+1 {
		t.Fatalf("first delay = %s, want ~1s ±20%% jitter", d)
	}
}

func TestBackoff_ResetAfterStreamingWindow(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 5; i++ {
		b.Next()
	}

	start := time.Now()
	b.EnterStreaming(start)

	// Not yet 30s of streaming: no reset.
	b.MaybeReset(start.Add(10 * time.Second))
	if b.attempt != 5 {
		t.Fatalf("attempt = %d after 10s streaming, want 5 (no reset yet)", b.attempt)
	}

	b.MaybeReset(start.Add(31 * time.Second))
	if b.attempt != 0 {
		t.Fatalf("attempt = %d after 31s streaming, want 0 (reset)", b.attempt)
	}

	d := b.Next()
	if d > 1200*time.Millisecond+1 {
		t.Fatalf("post-reset delay = %s, want back at ~1s", d)
	}
}
