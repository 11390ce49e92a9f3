package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowAndDeny(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithNow(2, time.Minute, func() time.Time { return clock })
	defer l.Stop()

	if !l.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if !l.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if l.Allow("ip") {
		t.Fatalf("expected deny")
	}
	if !l.Allow("other") {
		t.Fatalf("expected keys to be independent")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !l.Allow("ip") {
		t.Fatalf("expected allow after window")
	}
}

func TestWindow_TwentyPerSecond(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindowWithNow(20, time.Second, func() time.Time { return clock })

	allowed := 0
	for i := 0; i < 50; i++ {
		if w.Allow() {
			allowed++
		}
		clock = clock.Add(10 * time.Millisecond)
	}
	// 50 attempts over 500ms all fall into the first window.
	if allowed != 20 {
		t.Fatalf("expected 20 allowed, got %d", allowed)
	}

	clock = clock.Add(600 * time.Millisecond)
	if !w.Allow() {
		t.Fatalf("expected a fresh window to allow")
	}
}

func TestWindow_RollingAcrossBoundary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	w := NewWindowWithNow(20, time.Second, func() time.Time { return clock })

	allow := func(n int) int {
		ok := 0
		for i := 0; i < n; i++ {
			if w.Allow() {
				ok++
			}
		}
		return ok
	}

	if got := allow(1); got != 1 {
		t.Fatalf("expected first send allowed, got %d", got)
	}
	clock = start.Add(990 * time.Millisecond)
	if got := allow(19); got != 19 {
		t.Fatalf("expected 19 allowed at 0.99s, got %d", got)
	}
	clock = start.Add(time.Second)
	// Only the send from t=0 has left the last second.
	if got := allow(20); got != 1 {
		t.Fatalf("expected 1 allowed at 1.00s, got %d", got)
	}
	clock = start.Add(1989 * time.Millisecond)
	if got := allow(5); got != 0 {
		t.Fatalf("expected none allowed before the 0.99s burst ages out, got %d", got)
	}
	clock = start.Add(1990 * time.Millisecond)
	if got := allow(25); got != 19 {
		t.Fatalf("expected 19 allowed once the burst ages out, got %d", got)
	}
}
