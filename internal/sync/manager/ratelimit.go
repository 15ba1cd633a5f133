package manager

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dsync/internal/sync/plan"
)

// RateLimiter throttles the dispatch cadence of a single queue.
//
// The per-second limit rides on a token bucket, so idle periods accumulate
// at most Burst worth of credit and repeated TryAcquire calls under no
// dispatch activity cannot build unbounded slack. The optional daily cap is
// a rolling midnight-to-midnight counter, matching upstream APIs that
// enforce a requests-per-day quota.
type RateLimiter struct {
	lim *rate.Limiter // nil when unthrottled

	mu              sync.Mutex
	maxPerDay       int
	day             time.Time
	dispatchedToday int
	lastDispatch    time.Time
	dispatched      uint64
}

// NewRateLimiter builds a limiter from the plan's throttle policy.
func NewRateLimiter(cfg plan.Throttle) *RateLimiter {
	r := &RateLimiter{maxPerDay: cfg.MaxPerDay}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return r
}

// TryAcquire reports whether a dispatch slot is available right now.
// A failed acquisition has no side effects. A successful one consumes a
// bucket token; the caller must follow up with RecordDispatch once the task
// has actually been handed out.
func (r *RateLimiter) TryAcquire() bool {
	if r == nil {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	if r.maxPerDay > 0 {
		day := now.Truncate(24 * time.Hour)
		if !day.Equal(r.day) {
			r.day = day
			r.dispatchedToday = 0
		}
		if r.dispatchedToday >= r.maxPerDay {
			r.mu.Unlock()
			return false
		}
	}
	r.mu.Unlock()

	if r.lim != nil && !r.lim.AllowN(now, 1) {
		return false
	}
	return true
}

// RecordDispatch updates timing state after a successful dispatch.
func (r *RateLimiter) RecordDispatch() {
	if r == nil {
		return
	}
	now := time.Now()
	r.mu.Lock()
	if r.maxPerDay > 0 {
		day := now.Truncate(24 * time.Hour)
		if !day.Equal(r.day) {
			r.day = day
			r.dispatchedToday = 0
		}
		r.dispatchedToday++
	}
	r.lastDispatch = now
	r.dispatched++
	r.mu.Unlock()
}

// Dispatched returns the total number of recorded dispatches.
func (r *RateLimiter) Dispatched() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatched
}
