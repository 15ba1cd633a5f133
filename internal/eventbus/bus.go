package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known event types published by the sync engine.
const (
	TypeTaskDispatched = "task.dispatched"
	TypeTaskFinished   = "task.finished"
	TypeTaskFailed     = "task.failed"
	TypeTaskRetried    = "task.retried"
	TypeTaskCancelled  = "task.cancelled"
	TypePlanLoaded     = "plan.loaded"
	TypeEngineDraining = "engine.draining"
	TypeEngineStopped  = "engine.stopped"
)

// TaskEvent is the payload for task lifecycle events.
type TaskEvent struct {
	TaskID   uuid.UUID     `json:"task_id"`
	PlanID   uuid.UUID     `json:"plan_id"`
	Name     string        `json:"name"`
	Status   string        `json:"status,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a simple in-memory fanout. It owns no background goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to all subscribers without blocking.
// A nil bus is a no-op, so components can publish unconditionally.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently and
		// the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
