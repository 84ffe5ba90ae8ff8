package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d inside burst denied", i)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("request past burst allowed")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatal("second caller shares the first caller's bucket")
	}

	now = now.Add(time.Second)
	if !rl.allow("10.0.0.1") {
		t.Fatal("token not refilled after one second at 60/min")
	}
}

func TestRateLimiterEvictIdle(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60, 3)
	rl.now = func() time.Time { return now }

	rl.allow("old")
	now = now.Add(20 * time.Minute)
	rl.allow("fresh")
	now = now.Add(15 * time.Minute)

	if n := rl.evictIdle(30 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := rl.callers["fresh"]; !ok {
		t.Fatal("fresh caller evicted")
	}
}
