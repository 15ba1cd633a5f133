package manager

import (
	"testing"

	"dsync/internal/sync/plan"
)

func TestRateLimiterUnthrottled(t *testing.T) {
	t.Parallel()
	r := NewRateLimiter(plan.Throttle{})
	for i := 0; i < 100; i++ {
		if !r.TryAcquire() {
			t.Fatalf("TryAcquire() #%d = false on unthrottled limiter", i)
		}
		r.RecordDispatch()
	}
	if got := r.Dispatched(); got != 100 {
		t.Fatalf("Dispatched() = %d, want 100", got)
	}
}

func TestRateLimiterNilSafe(t *testing.T) {
	t.Parallel()
	var r *RateLimiter
	if !r.TryAcquire() {
		t.Fatal("TryAcquire() on nil limiter = false, want true")
	}
	r.RecordDispatch()
	if got := r.Dispatched(); got != 0 {
		t.Fatalf("Dispatched() on nil limiter = %d, want 0", got)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	t.Parallel()
	// Refill so slow it never matters within the test.
	r := NewRateLimiter(plan.Throttle{RatePerSec: 1.0 / 3600, Burst: 3})
	for i := 0; i < 3; i++ {
		if !r.TryAcquire() {
			t.Fatalf("TryAcquire() #%d = false within burst", i)
		}
		r.RecordDispatch()
	}
	if r.TryAcquire() {
		t.Fatal("TryAcquire() past burst = true, want false")
	}
}

func TestRateLimiterDailyCap(t *testing.T) {
	t.Parallel()
	r := NewRateLimiter(plan.Throttle{MaxPerDay: 2})
	for i := 0; i < 2; i++ {
		if !r.TryAcquire() {
			t.Fatalf("TryAcquire() #%d = false under daily cap", i)
		}
		r.RecordDispatch()
	}
	if r.TryAcquire() {
		t.Fatal("TryAcquire() past daily cap = true, want false")
	}
	// Repeated probes past the cap stay rejected and have no side effects.
	for i := 0; i < 5; i++ {
		if r.TryAcquire() {
			t.Fatal("TryAcquire() past daily cap flipped to true")
		}
	}
	if got := r.Dispatched(); got != 2 {
		t.Fatalf("Dispatched() = %d, want 2", got)
	}
}
