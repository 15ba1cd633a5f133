package manager

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dsync/internal/sync/task"
)

// QueueState is the lifecycle state of a SyncTaskQueue.
type QueueState int32

const (
	QueueActive QueueState = iota
	QueuePaused
	QueueStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueActive:
		return "active"
	case QueuePaused:
		return "paused"
	case QueueStopped:
		return "stopped"
	default:
		return fmt.Sprintf("queuestate(%d)", int32(s))
	}
}

// Queue is the ordered task queue for one sync plan.
//
// It is owned exclusively by the Manager; all mutation happens under mu and
// workers never see it. Pending tasks dispatch FIFO; tasks held via StopTask
// leave the pending view until released; Running tasks are retained for
// cancellation tracking until their completion report lands.
type Queue struct {
	planID   uuid.UUID
	planName string
	maxRetry int
	limiter  *RateLimiter

	mu      sync.Mutex
	state   QueueState
	pending []*task.Task
	held    map[uuid.UUID]*task.Task
	running map[uuid.UUID]*task.Task

	finished  int
	failed    int
	cancelled int
}

func newQueue(planID uuid.UUID, planName string, limiter *RateLimiter, maxRetry int) *Queue {
	return &Queue{
		planID:   planID,
		planName: planName,
		maxRetry: maxRetry,
		limiter:  limiter,
		state:    QueueActive,
		held:     make(map[uuid.UUID]*task.Task),
		running:  make(map[uuid.UUID]*task.Task),
	}
}

func (q *Queue) PlanID() uuid.UUID { return q.planID }
func (q *Queue) PlanName() string  { return q.planName }
func (q *Queue) MaxRetry() int     { return q.maxRetry }

func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Enqueue appends a task. Allowed in any lifecycle state except Stopped.
func (q *Queue) Enqueue(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStopped {
		return fmt.Errorf("%w: plan %s", ErrQueueStopped, q.planName)
	}
	q.pending = append(q.pending, t)
	return nil
}

// enqueueFront puts a task at the head of the pending view. Used when a
// dispatched task bounces off an exhausted worker pool.
func (q *Queue) enqueueFront(t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStopped {
		return fmt.Errorf("%w: plan %s", ErrQueueStopped, q.planName)
	}
	q.pending = append([]*task.Task{t}, q.pending...)
	return nil
}

// Remove drops a Pending task by id. Running and terminal tasks cannot be
// removed this way.
func (q *Queue) Remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if t.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			if err := t.Transition(task.StatusPending, task.StatusCancelled); err == nil {
				q.cancelled++
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Pause stops the queue from yielding dispatches. Running tasks are untouched.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.state == QueueActive {
		q.state = QueuePaused
	}
	q.mu.Unlock()
}

// Resume reactivates a paused queue. No-op on stopped queues.
func (q *Queue) Resume() {
	q.mu.Lock()
	if q.state == QueuePaused {
		q.state = QueueActive
	}
	q.mu.Unlock()
}

// Stop drops all remaining Pending (and held) tasks and makes the queue
// permanently non-dispatchable. Idempotent. Running tasks are kept for
// cancellation tracking.
func (q *Queue) Stop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == QueueStopped {
		return 0
	}
	q.state = QueueStopped
	return q.dropPendingLocked()
}

func (q *Queue) dropPendingLocked() int {
	dropped := 0
	for _, t := range q.pending {
		if err := t.TransitionTo(task.StatusCancelled); err == nil {
			q.cancelled++
			dropped++
		}
	}
	q.pending = nil
	for id, t := range q.held {
		if err := t.TransitionTo(task.StatusCancelled); err == nil {
			q.cancelled++
			dropped++
		}
		delete(q.held, id)
	}
	return dropped
}

// NextReady returns the next Pending task in FIFO order if the queue is
// Active and its limiter permits a dispatch. The returned task is already
// transitioned to Running and retained in the running set. Never blocks.
func (q *Queue) NextReady() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != QueueActive {
		return nil
	}
	// Drop heads that raced into a terminal or held state before touching the
	// limiter, so a skipped task never burns a dispatch token.
	for len(q.pending) > 0 && q.pending[0].Status() != task.StatusPending {
		q.pending = q.pending[1:]
	}
	if len(q.pending) == 0 {
		return nil
	}
	if !q.limiter.TryAcquire() {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	if err := t.Transition(task.StatusPending, task.StatusRunning); err != nil {
		return nil
	}
	q.running[t.ID] = t
	q.limiter.RecordDispatch()
	return t
}

// abortDispatch undoes a NextReady whose task never reached a worker
// (shutdown raced the hand-off). The task is cancelled locally.
func (q *Queue) abortDispatch(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[t.ID]; !ok {
		return
	}
	delete(q.running, t.ID)
	if err := t.TransitionTo(task.StatusCancelled); err == nil {
		q.cancelled++
	}
}

// reportStatus applies a completion report to a running task.
func (q *Queue) reportStatus(id uuid.UUID, st task.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := t.Transition(task.StatusRunning, st); err != nil {
		// Already terminal (e.g. force shutdown marked it cancelled): the
		// slot is freed either way.
		delete(q.running, id)
		return err
	}
	delete(q.running, id)
	switch st {
	case task.StatusFinished:
		q.finished++
	case task.StatusFailed:
		q.failed++
	case task.StatusCancelled:
		q.cancelled++
	}
	return nil
}

// requeueRunning moves a running task back to Pending (retry, or a bounce
// off an exhausted pool when front is set).
func (q *Queue) requeueRunning(t *task.Task, front bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	if q.state == QueueStopped {
		delete(q.running, t.ID)
		if err := t.TransitionTo(task.StatusCancelled); err == nil {
			q.cancelled++
		}
		return fmt.Errorf("%w: plan %s", ErrQueueStopped, q.planName)
	}
	if err := t.Transition(task.StatusRunning, task.StatusPending); err != nil {
		delete(q.running, t.ID)
		return err
	}
	delete(q.running, t.ID)
	if front {
		q.pending = append([]*task.Task{t}, q.pending...)
	} else {
		q.pending = append(q.pending, t)
	}
	return nil
}

// hold parks a Pending task (StopTask control surface).
func (q *Queue) hold(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if t.ID == id {
			if err := t.Transition(task.StatusPending, task.StatusPaused); err != nil {
				return err
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.held[id] = t
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// release returns a held task to the back of the pending view (StartTask).
func (q *Queue) release(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.held[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := t.Transition(task.StatusPaused, task.StatusPending); err != nil {
		return err
	}
	delete(q.held, id)
	q.pending = append(q.pending, t)
	return nil
}

// runningTask returns the running task with the given id, if any.
func (q *Queue) runningTask(id uuid.UUID) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	return t, ok
}

// cancelRunningLocal marks every running task Cancelled without waiting for
// worker reports (force shutdown). Returns the affected ids.
func (q *Queue) cancelRunningLocal() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(q.running))
	for id, t := range q.running {
		if err := t.TransitionTo(task.StatusCancelled); err == nil {
			q.cancelled++
		}
		ids = append(ids, id)
		delete(q.running, id)
	}
	return ids
}

// runningIDs snapshots the ids of currently running tasks.
func (q *Queue) runningIDs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	return ids
}

func (q *Queue) runningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// countsLocked assumes q.mu is held by the caller (snapshot path).
func (q *Queue) countsLocked() PlanProgress {
	return PlanProgress{
		PlanID:    q.planID,
		PlanName:  q.planName,
		State:     q.state.String(),
		Pending:   len(q.pending),
		Held:      len(q.held),
		Running:   len(q.running),
		Finished:  q.finished,
		Failed:    q.failed,
		Cancelled: q.cancelled,
	}
}
