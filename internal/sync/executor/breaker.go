package executor

import (
	"sync"
	"time"
)

// breaker counts consecutive terminal task failures across all plans.
//
// Once trip failures land within window, the executor treats the downstream
// system as unhealthy and drains instead of burning through the remaining
// queue. A single success closes the breaker.
type breaker struct {
	mu     sync.Mutex
	trip   int           // <= 0 disables the breaker
	window time.Duration // 0 means no window, any consecutive run counts

	fails int
	first time.Time
}

func newBreaker(trip int, window time.Duration) *breaker {
	return &breaker{trip: trip, window: window}
}

func (b *breaker) recordSuccess() {
	if b == nil || b.trip <= 0 {
		return
	}
	b.mu.Lock()
	b.fails = 0
	b.first = time.Time{}
	b.mu.Unlock()
}

// recordFailure returns true when the failure run reaches the trip threshold.
func (b *breaker) recordFailure(now time.Time) bool {
	if b == nil || b.trip <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fails == 0 || (b.window > 0 && now.Sub(b.first) > b.window) {
		b.fails = 0
		b.first = now
	}
	b.fails++
	return b.fails >= b.trip
}
