package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	c := NewCounter(time.Hour)
	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("expected first event to log, got total=%d ok=%v", total, ok)
	}
	for i := 0; i < 5; i++ {
		if _, ok := c.Inc(); ok {
			t.Fatalf("expected event %d to be throttled", i+2)
		}
	}
	if got := c.Total(); got != 6 {
		t.Fatalf("expected total 6, got %d", got)
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	var c Counter
	for i := 0; i < 3; i++ {
		if _, ok := c.Inc(); !ok {
			t.Fatalf("expected zero interval to log every event")
		}
	}
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	if total, ok := c.Inc(); ok || total != 0 {
		t.Fatalf("nil counter should neither count nor log")
	}
	if c.Total() != 0 {
		t.Fatalf("nil counter total should be 0")
	}
}
