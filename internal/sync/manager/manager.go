// Package manager owns the per-plan sync task queues and the dispatch
// stream consumed by the executor.
//
// Dispatch ordering: FIFO within a queue, round-robin across queues so one
// plan cannot starve the others. A queue's rate limiter defers that queue's
// turn without blocking anyone else. The dispatch stream is a bounded
// channel, so a slow executor applies backpressure instead of dropping work.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dsync/internal/eventbus"
	"dsync/internal/sync/plan"
	"dsync/internal/sync/task"
	logx "dsync/pkg/logx"
)

// Canceler requests cooperative cancellation of a running task's assignment.
// The worker pool implements it.
type Canceler interface {
	Cancel(id uuid.UUID) error
}

type Config struct {
	// DispatchBuffer is the dispatch channel capacity.
	DispatchBuffer int

	// PollInterval is how long the dispatch loop sleeps when no queue has a
	// ready task.
	PollInterval time.Duration

	// ShutdownTimeout bounds how long a graceful shutdown waits for running
	// tasks to report before cancelling them locally.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// terminalRingSize bounds the dedup memory for late duplicate reports.
const terminalRingSize = 1024

type Manager struct {
	cfg Config
	log logx.Logger
	bus *eventbus.Bus

	mu     sync.Mutex
	queues map[uuid.UUID]*Queue
	order  []uuid.UUID
	rr     int
	index  map[uuid.UUID]uuid.UUID // task id -> plan id

	// Recently completed task ids, so duplicate reports fail with
	// ErrAlreadyTerminal instead of ErrTaskNotFound.
	terminalSet  map[uuid.UUID]struct{}
	terminalRing []uuid.UUID

	canceler Canceler

	dispatch  chan *task.Task
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	sendMu   sync.Mutex
	sending  bool
	paused   bool
	resumeCh chan struct{}
	loopDone chan struct{}

	shuttingDown atomic.Bool
}

func New(cfg Config, log logx.Logger, bus *eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		queues:      make(map[uuid.UUID]*Queue),
		index:       make(map[uuid.UUID]uuid.UUID),
		terminalSet: make(map[uuid.UUID]struct{}),
		dispatch:    make(chan *task.Task, cfg.DispatchBuffer),
		stopCh:      make(chan struct{}),
	}
}

// SetCanceler wires the worker pool's cancellation surface. Must be set
// before a shutdown needs to cancel running tasks.
func (m *Manager) SetCanceler(c Canceler) {
	m.mu.Lock()
	m.canceler = c
	m.mu.Unlock()
}

// Dispatch is the single dispatch stream. It closes once shutdown completes.
func (m *Manager) Dispatch() <-chan *task.Task { return m.dispatch }

// LoadSyncPlan creates a queue (with rate limiter) for the plan and
// populates it from the plan's tasks.
func (m *Manager) LoadSyncPlan(p *plan.Plan) error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	tasks := p.BuildTasks()

	m.mu.Lock()
	if _, exists := m.queues[p.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrDuplicatePlan, p.Name, p.ID)
	}
	q := newQueue(p.ID, p.Name, NewRateLimiter(p.Throttle), p.MaxRetry)
	for _, t := range tasks {
		// A fresh queue is Active, enqueue cannot fail.
		_ = q.Enqueue(t)
		m.index[t.ID] = p.ID
	}
	m.queues[p.ID] = q
	m.order = append(m.order, p.ID)
	m.mu.Unlock()

	m.log.Info("sync plan loaded", logx.String("plan", p.Name), logx.Int("tasks", len(tasks)))
	m.bus.Publish(eventbus.Event{Type: eventbus.TypePlanLoaded, Data: eventbus.TaskEvent{PlanID: p.ID, Name: p.Name}})
	return nil
}

func (m *Manager) LoadSyncPlans(plans []*plan.Plan) error {
	for _, p := range plans {
		if err := m.LoadSyncPlan(p); err != nil {
			return fmt.Errorf("plan %s: %w", p.Name, err)
		}
	}
	return nil
}

// AddTask appends a task to its plan's queue. The index entry must exist
// before the task becomes dispatchable, or a fast worker could finish it and
// ReportStatus would not find it, so the enqueue happens under m.mu just like
// in LoadSyncPlan.
func (m *Manager) AddTask(t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[t.PlanID]
	if !ok {
		return fmt.Errorf("%w: plan %s", ErrPlanNotFound, t.PlanID)
	}
	if err := q.Enqueue(t); err != nil {
		return err
	}
	m.index[t.ID] = t.PlanID
	return nil
}

// RemoveTask removes a Pending task by id.
func (m *Manager) RemoveTask(id uuid.UUID) error {
	q, err := m.queueFor(id)
	if err != nil {
		return err
	}
	if err := q.Remove(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.index, id)
	m.rememberTerminalLocked(id)
	m.mu.Unlock()
	return nil
}

// StopTask parks a Pending task, or requests cooperative cancellation if the
// task is already Running.
func (m *Manager) StopTask(id uuid.UUID) error {
	q, err := m.queueFor(id)
	if err != nil {
		return err
	}
	if err := q.hold(id); err == nil {
		return nil
	}
	if _, ok := q.runningTask(id); ok {
		m.mu.Lock()
		c := m.canceler
		m.mu.Unlock()
		if c == nil {
			return fmt.Errorf("%w: no canceler wired for running task %s", ErrTaskNotFound, id)
		}
		return c.Cancel(id)
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// StartTask returns a parked task to its queue's pending view.
func (m *Manager) StartTask(id uuid.UUID) error {
	q, err := m.queueFor(id)
	if err != nil {
		return err
	}
	return q.release(id)
}

// PauseQueue / ResumeQueue / StopQueue control one plan's queue.
func (m *Manager) PauseQueue(planID uuid.UUID) error {
	q, err := m.planQueue(planID)
	if err != nil {
		return err
	}
	q.Pause()
	return nil
}

func (m *Manager) ResumeQueue(planID uuid.UUID) error {
	q, err := m.planQueue(planID)
	if err != nil {
		return err
	}
	q.Resume()
	return nil
}

func (m *Manager) StopQueue(planID uuid.UUID) error {
	q, err := m.planQueue(planID)
	if err != nil {
		return err
	}
	dropped := q.Stop()
	if dropped > 0 {
		m.log.Info("queue stopped", logx.String("plan", q.PlanName()), logx.Int("dropped", dropped))
	}
	return nil
}

// PlanName resolves a plan id to its name, or "" if unknown.
func (m *Manager) PlanName(planID uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[planID]
	if !ok {
		return ""
	}
	return q.PlanName()
}

// RetryLimit returns the plan's retry budget, or -1 if the plan is unknown.
func (m *Manager) RetryLimit(planID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[planID]
	if !ok {
		return -1
	}
	return q.MaxRetry()
}

// StartSendingAllTasks begins the dispatch loop. Idempotent; the loop runs
// until a shutdown closes the stream.
func (m *Manager) StartSendingAllTasks(ctx context.Context) {
	m.sendMu.Lock()
	if m.sending {
		m.sendMu.Unlock()
		return
	}
	m.sending = true
	m.loopDone = make(chan struct{})
	done := m.loopDone
	m.sendMu.Unlock()

	go func() {
		defer close(done)
		m.dispatchLoop(ctx)
	}()
	m.log.Info("task dispatch started")
}

// PauseSending suspends the dispatch loop without touching queue contents
// or running tasks. The loop must have been started.
func (m *Manager) PauseSending() error {
	m.sendMu.Lock()
	if !m.sending {
		m.sendMu.Unlock()
		return ErrNotSending
	}
	if !m.paused {
		m.paused = true
		m.resumeCh = make(chan struct{})
	}
	m.sendMu.Unlock()
	m.log.Info("task dispatch paused")
	return nil
}

// ResumeSending continues dispatch from the next ready task.
func (m *Manager) ResumeSending() error {
	m.sendMu.Lock()
	if !m.sending {
		m.sendMu.Unlock()
		return ErrNotSending
	}
	if m.paused {
		m.paused = false
		close(m.resumeCh)
	}
	m.sendMu.Unlock()
	m.log.Info("task dispatch resumed")
	return nil
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.sendMu.Lock()
		paused, resume := m.paused, m.resumeCh
		m.sendMu.Unlock()
		if paused {
			select {
			case <-resume:
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		t := m.nextRoundRobin()
		if t == nil {
			select {
			case <-time.After(m.cfg.PollInterval):
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case m.dispatch <- t:
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDispatched, Data: eventbus.TaskEvent{TaskID: t.ID, PlanID: t.PlanID, Name: t.Name}})
			m.log.Debug("task dispatched", logx.String("task", t.Name), logx.String("id", t.ID.String()))
		case <-m.stopCh:
			m.abortDispatched(t)
			return
		case <-ctx.Done():
			m.abortDispatched(t)
			return
		}
	}
}

// nextRoundRobin scans queues starting just past the last dispatching queue.
func (m *Manager) nextRoundRobin() *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.order)
	for i := 0; i < n; i++ {
		idx := (m.rr + i) % n
		q := m.queues[m.order[idx]]
		if t := q.NextReady(); t != nil {
			m.rr = (idx + 1) % n
			return t
		}
	}
	return nil
}

// abortDispatched cancels a task that was pulled from its queue but never
// handed to a worker because shutdown won the race.
func (m *Manager) abortDispatched(t *task.Task) {
	m.mu.Lock()
	q, ok := m.queues[t.PlanID]
	delete(m.index, t.ID)
	m.rememberTerminalLocked(t.ID)
	m.mu.Unlock()
	if ok {
		q.abortDispatch(t)
	}
	m.log.Debug("dispatch aborted by shutdown", logx.String("task", t.Name))
}

// Requeue returns a running task to the back of its queue (retry cycle).
func (m *Manager) Requeue(t *task.Task) error {
	return m.requeue(t, false)
}

// RequeueFront returns a running task to the front of its queue, preserving
// its turn after a PoolExhausted bounce.
func (m *Manager) RequeueFront(t *task.Task) error {
	return m.requeue(t, true)
}

func (m *Manager) requeue(t *task.Task, front bool) error {
	m.mu.Lock()
	q, ok := m.queues[t.PlanID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: plan %s", ErrPlanNotFound, t.PlanID)
	}
	if err := q.requeueRunning(t, front); err != nil {
		return err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRetried, Data: eventbus.TaskEvent{TaskID: t.ID, PlanID: t.PlanID, Name: t.Name, Attempts: t.Attempts()}})
	return nil
}

// ReportStatus applies a terminal status reported by the executor, frees the
// task's running slot and destroys its record. Duplicate reports for a task
// fail with task.ErrAlreadyTerminal, which callers may ignore.
func (m *Manager) ReportStatus(id uuid.UUID, st task.Status) error {
	if !st.Terminal() {
		return fmt.Errorf("%w: report must be terminal, got %s", task.ErrInvalidTransition, st)
	}

	m.mu.Lock()
	if _, seen := m.terminalSet[id]; seen {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", task.ErrAlreadyTerminal, id)
	}
	planID, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	q := m.queues[planID]
	m.mu.Unlock()

	err := q.reportStatus(id, st)

	m.mu.Lock()
	delete(m.index, id)
	m.rememberTerminalLocked(id)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.publishTerminal(id, planID, st)
	return nil
}

func (m *Manager) publishTerminal(id, planID uuid.UUID, st task.Status) {
	typ := eventbus.TypeTaskFinished
	switch st {
	case task.StatusFailed:
		typ = eventbus.TypeTaskFailed
	case task.StatusCancelled:
		typ = eventbus.TypeTaskCancelled
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{TaskID: id, PlanID: planID, Status: st.String()}})
}

// Progress returns a snapshot of counts per status, per plan. All queue
// locks are held while counting so the view is consistent across queues.
func (m *Manager) Progress() ProgressSnapshot {
	m.sendMu.Lock()
	sending := m.sending && !m.paused
	m.sendMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := ProgressSnapshot{TakenAt: time.Now(), Sending: sending}
	locked := make([]*Queue, 0, len(m.order))
	for _, id := range m.order {
		q := m.queues[id]
		q.mu.Lock()
		locked = append(locked, q)
	}
	for _, q := range locked {
		snap.Plans = append(snap.Plans, q.countsLocked())
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.Unlock()
	}
	return snap
}

// GracefulShutdown stops dispatch, drops all Pending tasks, signals
// cancellation to Running tasks and waits (bounded by ShutdownTimeout and
// ctx) for their completion reports before closing the dispatch stream.
func (m *Manager) GracefulShutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.waitLoopExit(ctx)

	m.log.Info("graceful shutdown: dropping pending tasks")
	dropped := 0
	for _, q := range m.allQueues() {
		dropped += q.Stop()
	}

	m.cancelAllRunning()

	deadline := time.NewTimer(m.cfg.ShutdownTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	var timedOut bool
wait:
	for m.totalRunning() > 0 {
		select {
		case <-tick.C:
		case <-deadline.C:
			timedOut = true
			break wait
		case <-ctx.Done():
			timedOut = true
			break wait
		}
	}

	if timedOut {
		// Mark stragglers cancelled locally; their late reports will hit the
		// terminal dedup and be ignored.
		m.cancelRunningLocal()
	}

	m.closeOnce.Do(func() { close(m.dispatch) })
	m.log.Info("graceful shutdown complete", logx.Int("dropped_pending", dropped), logx.Bool("timed_out", timedOut))
	if timedOut {
		return fmt.Errorf("graceful shutdown: timed out waiting for running tasks")
	}
	return nil
}

// ForceShutdown cancels running tasks without waiting for their reports,
// drops all Pending tasks and closes the dispatch stream immediately.
func (m *Manager) ForceShutdown() {
	m.shuttingDown.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.waitLoopExit(context.Background())

	dropped := 0
	for _, q := range m.allQueues() {
		dropped += q.Stop()
	}

	// Best-effort cooperative cancel so workers stop fetching, then mark
	// running tasks terminal without waiting.
	m.cancelAllRunning()
	cancelled := m.cancelRunningLocal()

	m.closeOnce.Do(func() { close(m.dispatch) })
	m.log.Warn("force shutdown complete", logx.Int("dropped_pending", dropped), logx.Int("cancelled_running", cancelled))
}

func (m *Manager) waitLoopExit(ctx context.Context) {
	m.sendMu.Lock()
	done := m.loopDone
	m.sendMu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *Manager) cancelAllRunning() {
	m.mu.Lock()
	c := m.canceler
	m.mu.Unlock()
	if c == nil {
		return
	}
	for _, q := range m.allQueues() {
		for _, id := range q.runningIDs() {
			if err := c.Cancel(id); err != nil {
				m.log.Debug("cancel request failed", logx.String("id", id.String()), logx.Err(err))
			}
		}
	}
}

func (m *Manager) cancelRunningLocal() int {
	n := 0
	for _, q := range m.allQueues() {
		ids := q.cancelRunningLocal()
		n += len(ids)
		m.mu.Lock()
		for _, id := range ids {
			delete(m.index, id)
			m.rememberTerminalLocked(id)
		}
		m.mu.Unlock()
	}
	return n
}

func (m *Manager) totalRunning() int {
	n := 0
	for _, q := range m.allQueues() {
		n += q.runningCount()
	}
	return n
}

func (m *Manager) allQueues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Queue, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.queues[id])
	}
	return out
}

func (m *Manager) queueFor(taskID uuid.UUID) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.terminalSet[taskID]; seen {
		return nil, fmt.Errorf("%w: %s", task.ErrAlreadyTerminal, taskID)
	}
	planID, ok := m.index[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return m.queues[planID], nil
}

func (m *Manager) planQueue(planID uuid.UUID) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return q, nil
}

func (m *Manager) rememberTerminalLocked(id uuid.UUID) {
	if _, ok := m.terminalSet[id]; ok {
		return
	}
	m.terminalSet[id] = struct{}{}
	m.terminalRing = append(m.terminalRing, id)
	if len(m.terminalRing) > terminalRingSize {
		old := m.terminalRing[0]
		m.terminalRing = m.terminalRing[1:]
		delete(m.terminalSet, old)
	}
}
