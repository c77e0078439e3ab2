package collector

import (
	"testing"
	"time"
)

func TestErrorWindow_ExceedsOnlyPastLimit(t *testing.T) {
	w := newErrorWindow(5, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if w.Record(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("Record #%d exceeded the limit early", i+1)
		}
	}
	if !w.Record(now.Add(6 * time.Second)) {
		t.Fatal("Record #6 within the window should exceed the limit")
	}
}

func TestErrorWindow_OldEntriesExpire(t *testing.T) {
	w := newErrorWindow(2, time.Minute)
	now := time.Now()

	w.Record(now)
	w.Record(now.Add(time.Second))
	// Both prior entries fall outside the window by now + 2m.
	if w.Record(now.Add(2 * time.Minute)) {
		t.Fatal("entries older than the window must not count")
	}
}
