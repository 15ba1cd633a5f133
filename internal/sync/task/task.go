// Package task defines the sync task unit and its status lifecycle.
//
// Status transitions go through a compare-and-set cell so that racing
// writers (a cancellation against a concurrent success report) serialize:
// the first transition into a terminal state wins and later attempts fail
// with ErrAlreadyTerminal.
package task

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyTerminal is returned when a transition is requested on a task
	// whose status is already Finished, Failed or Cancelled. Callers may
	// silently ignore it (late worker reports after a force shutdown).
	ErrAlreadyTerminal = errors.New("task already in terminal status")

	// ErrInvalidTransition is returned for transitions the lifecycle graph
	// does not allow (e.g. Pending directly to Finished).
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Status is the lifecycle state of a sync task.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusFinished
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// allowed is the status transition graph.
//
// Finished/Failed are only reachable from Running; Pending tasks that are
// dropped (queue stop, removal, shutdown) go to Cancelled. Running tasks
// requeued for retry go back to Pending.
var allowed = map[Status][]Status{
	StatusPending: {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning: {StatusFinished, StatusFailed, StatusCancelled, StatusPaused, StatusPending},
	StatusPaused:  {StatusPending, StatusRunning, StatusCancelled},
}

func transitionLegal(from, to Status) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FetchSpec carries the task-specific fetch parameters handed to a worker.
// The engine treats it as an opaque descriptor.
type FetchSpec struct {
	URL     string
	Method  string
	Headers map[string]string
	Payload []byte
}

// Task is one unit of fetch work tracked through the status lifecycle.
//
// Queue membership is owned by the task manager; workers only read the
// descriptor fields and never touch status directly.
type Task struct {
	ID        uuid.UUID
	PlanID    uuid.UUID
	Name      string
	Spec      FetchSpec
	CreatedAt time.Time

	status   atomic.Int32
	attempts atomic.Int32
}

func New(planID uuid.UUID, name string, spec FetchSpec) *Task {
	t := &Task{
		ID:        uuid.New(),
		PlanID:    planID,
		Name:      name,
		Spec:      spec,
		CreatedAt: time.Now(),
	}
	t.status.Store(int32(StatusPending))
	return t
}

func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Transition moves the task from exactly `from` to `to`.
// It fails with ErrAlreadyTerminal if the current status is terminal, and
// ErrInvalidTransition if the current status is not `from` or the edge is
// not in the lifecycle graph.
func (t *Task) Transition(from, to Status) error {
	if !transitionLegal(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	cur := t.Status()
	if cur.Terminal() {
		return fmt.Errorf("%w: %s (wanted %s -> %s)", ErrAlreadyTerminal, cur, from, to)
	}
	if !t.status.CompareAndSwap(int32(from), int32(to)) {
		cur = t.Status()
		if cur.Terminal() {
			return fmt.Errorf("%w: %s (wanted %s -> %s)", ErrAlreadyTerminal, cur, from, to)
		}
		return fmt.Errorf("%w: status is %s, not %s", ErrInvalidTransition, cur, from)
	}
	return nil
}

// TransitionTo moves the task from its current status to `to`, whatever the
// current non-terminal status is, as long as the edge is legal.
func (t *Task) TransitionTo(to Status) error {
	for {
		cur := t.Status()
		if cur.Terminal() {
			return fmt.Errorf("%w: %s (wanted -> %s)", ErrAlreadyTerminal, cur, to)
		}
		if !transitionLegal(cur, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
		}
		if t.status.CompareAndSwap(int32(cur), int32(to)) {
			return nil
		}
	}
}

// RecordAttempt increments and returns the task's dispatch attempt count.
func (t *Task) RecordAttempt() int {
	return int(t.attempts.Add(1))
}

func (t *Task) Attempts() int {
	return int(t.attempts.Load())
}
