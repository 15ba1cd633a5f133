// Package executor drives the sync engine: it drains the manager's dispatch
// stream into the worker pool and turns pool reports into terminal status
// updates, retries and persisted payloads.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dsync/internal/eventbus"
	"dsync/internal/metrics"
	rtsup "dsync/internal/runtime/supervisor"
	"dsync/internal/storage"
	"dsync/internal/sync/manager"
	"dsync/internal/sync/task"
	"dsync/internal/sync/worker"
	logx "dsync/pkg/logx"
)

// State is the executor lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrNotIdle = errors.New("executor already started")

type Config struct {
	// RetryMax is the fallback retry budget used when a task's plan is no
	// longer known to the manager. Loaded plans carry their own budget.
	RetryMax int

	// TripFailures drains the engine after this many consecutive terminal
	// failures within TripWindow. <= 0 uses the default; set TripWindow
	// negative to disable.
	TripFailures int
	TripWindow   time.Duration

	// ShutdownTimeout bounds the drain on shutdown.
	ShutdownTimeout time.Duration

	// ResubmitDelay is how long the dispatch loop backs off after the pool
	// rejects a submission.
	ResubmitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.TripFailures == 0 {
		c.TripFailures = 10
	}
	if c.TripWindow == 0 {
		c.TripWindow = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.ResubmitDelay <= 0 {
		c.ResubmitDelay = 25 * time.Millisecond
	}
	return c
}

// Deps are the executor's collaborators. Store and Metrics may be nil.
type Deps struct {
	Manager *manager.Manager
	Pool    *worker.Pool
	Store   storage.Store
	Metrics *metrics.Collector
	Bus     *eventbus.Bus
}

type Executor struct {
	cfg Config
	log logx.Logger

	mgr   *manager.Manager
	pool  *worker.Pool
	store storage.Store
	met   *metrics.Collector
	bus   *eventbus.Bus

	state atomic.Int32
	brk   *breaker
	sup   *rtsup.Supervisor

	drainOnce   sync.Once
	killOnce    sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	reportsDone chan struct{}
}

func New(cfg Config, log logx.Logger, d Deps) *Executor {
	cfg = cfg.withDefaults()
	trip := cfg.TripFailures
	if cfg.TripWindow < 0 {
		trip = 0
	}
	return &Executor{
		cfg:   cfg,
		log:   log,
		mgr:   d.Manager,
		pool:  d.Pool,
		store: d.Store,
		met:   d.Metrics,
		bus:   d.Bus,
		brk:         newBreaker(trip, cfg.TripWindow),
		done:        make(chan struct{}),
		reportsDone: make(chan struct{}),
	}
}

// State returns the executor lifecycle state.
func (e *Executor) State() State { return State(e.state.Load()) }

// Done closes once the executor has fully stopped.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Execute starts the engine: worker pool, dispatch pump and report handling.
// It returns immediately; use Done or Shutdown to wait.
func (e *Executor) Execute(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("%w: state %s", ErrNotIdle, e.State())
	}

	e.mgr.SetCanceler(e.pool)
	e.pool.Start(ctx)
	e.mgr.StartSendingAllTasks(ctx)

	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "executor"))),
		rtsup.WithCancelOnError(false),
	)
	e.sup.Go("executor.dispatch", func(c context.Context) error {
		e.dispatchLoop(c)
		return nil
	})
	e.sup.Go("executor.reports", func(c context.Context) error {
		e.reportLoop(c)
		return nil
	})

	e.log.Info("executor started")
	return nil
}

// dispatchLoop pumps the manager's dispatch stream into the worker pool. A
// full pool bounces the task back to the front of its queue so it keeps its
// turn.
func (e *Executor) dispatchLoop(ctx context.Context) {
	for t := range e.mgr.Dispatch() {
		err := e.pool.Submit(t)
		if err == nil {
			e.met.IncDispatched(e.mgr.PlanName(t.PlanID))
			e.met.SetInflight(e.pool.InFlight())
			continue
		}
		switch {
		case errors.Is(err, worker.ErrPoolExhausted):
			if rqErr := e.mgr.RequeueFront(t); rqErr != nil {
				e.log.Debug("requeue after pool bounce failed", logx.String("task", t.Name), logx.Err(rqErr))
			}
			select {
			case <-time.After(e.cfg.ResubmitDelay):
			case <-ctx.Done():
				return
			}
		default:
			// Pool is stopping; the task never reached a worker.
			if rsErr := e.mgr.ReportStatus(t.ID, task.StatusCancelled); rsErr != nil && !errors.Is(rsErr, task.ErrAlreadyTerminal) {
				e.log.Debug("cancel report for undispatched task failed", logx.String("task", t.Name), logx.Err(rsErr))
			}
		}
	}
	e.log.Debug("dispatch stream closed")
}

// reportLoop consumes pool reports until the reports stream closes.
func (e *Executor) reportLoop(ctx context.Context) {
	defer close(e.reportsDone)
	for r := range e.pool.Reports() {
		e.handleReport(ctx, r)
	}
	e.log.Debug("report stream closed")
}

func (e *Executor) handleReport(ctx context.Context, r worker.Report) {
	t := r.Task
	planName := e.mgr.PlanName(t.PlanID)
	e.met.ObserveFetch(r.Took)
	e.met.SetInflight(e.pool.InFlight())

	switch {
	case r.Cancelled():
		e.finish(ctx, r, planName, task.StatusCancelled, "")

	case r.Err == nil:
		if e.store != nil {
			rec := storage.PayloadRecord{
				TaskID: t.ID, PlanID: t.PlanID, Name: t.Name,
				FetchedAt: r.Started, Body: r.Payload,
			}
			if err := e.store.SavePayload(ctx, rec); err != nil {
				// The fetch itself succeeded; surface the write failure
				// loudly but do not fail the task.
				e.log.Error("payload save failed", logx.String("task", t.Name), logx.Err(err))
			}
		}
		e.met.AddPayloadBytes(len(r.Payload))
		e.finish(ctx, r, planName, task.StatusFinished, "")
		e.brk.recordSuccess()

	case IsSystemFatal(r.Err):
		e.finish(ctx, r, planName, task.StatusFailed, r.Err.Error())
		e.log.Error("system-fatal task failure, draining engine", logx.String("task", t.Name), logx.Err(r.Err))
		e.beginDrain("system_fatal")

	case IsTaskFatal(r.Err):
		e.failOrTrip(ctx, r, planName)

	default:
		// Recoverable: retry until the plan's budget runs out.
		limit := e.mgr.RetryLimit(t.PlanID)
		if limit < 0 {
			limit = e.cfg.RetryMax
		}
		if r.Attempt <= limit {
			if err := e.mgr.Requeue(t); err != nil {
				e.log.Warn("requeue for retry failed", logx.String("task", t.Name), logx.Err(err))
				e.failOrTrip(ctx, r, planName)
				return
			}
			e.met.IncRetry(planName)
			e.log.Debug("task scheduled for retry", logx.String("task", t.Name), logx.Int("attempt", r.Attempt), logx.Int("limit", limit), logx.Err(r.Err))
			return
		}
		e.log.Warn("task failed after retries", logx.String("task", t.Name), logx.Int("attempts", r.Attempt), logx.Err(r.Err))
		e.failOrTrip(ctx, r, planName)
	}
}

func (e *Executor) failOrTrip(ctx context.Context, r worker.Report, planName string) {
	e.finish(ctx, r, planName, task.StatusFailed, r.Err.Error())
	if e.brk.recordFailure(time.Now()) {
		e.log.Error("failure breaker tripped, draining engine", logx.Int("trip", e.cfg.TripFailures))
		e.beginDrain("breaker_tripped")
	}
}

// finish applies the terminal status and records history. Duplicate reports
// after a force shutdown are expected and ignored.
func (e *Executor) finish(ctx context.Context, r worker.Report, planName string, st task.Status, errStr string) {
	t := r.Task
	if err := e.mgr.ReportStatus(t.ID, st); err != nil && !errors.Is(err, task.ErrAlreadyTerminal) {
		e.log.Warn("status report failed", logx.String("task", t.Name), logx.String("status", st.String()), logx.Err(err))
	}
	e.met.IncTask(planName, st.String())

	if e.store != nil {
		entry := storage.HistoryEntry{
			At: time.Now(), TaskID: t.ID, PlanID: t.PlanID, PlanName: planName,
			Name: t.Name, Status: st.String(), Attempts: r.Attempt,
			TookMS: r.Took.Milliseconds(), Error: errStr,
		}
		if err := e.store.AppendHistory(ctx, entry); err != nil {
			e.log.Warn("history append failed", logx.String("task", t.Name), logx.Err(err))
		}
	}
}

// beginDrain starts a graceful shutdown in the background. Idempotent.
func (e *Executor) beginDrain(reason string) {
	e.drainOnce.Do(func() {
		e.state.Store(int32(StateDraining))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineDraining, Data: reason})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
			defer cancel()
			e.drain(ctx)
		}()
	})
}

// drain runs the graceful shutdown protocol: stop dispatch, wait for running
// tasks, then close the pool so every accepted assignment still reports, and
// let the report loop finish handling whatever the pool buffered before the
// executor is declared stopped.
func (e *Executor) drain(ctx context.Context) {
	if err := e.mgr.GracefulShutdown(ctx); err != nil {
		e.log.Warn("manager shutdown incomplete", logx.Err(err))
	}
	e.pool.Stop(ctx)
	select {
	case <-e.reportsDone:
	case <-ctx.Done():
		e.log.Warn("stopped before all reports were handled", logx.Err(ctx.Err()))
	}
	e.finishStop()
}

func (e *Executor) finishStop() {
	e.state.Store(int32(StateStopped))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineStopped})
	e.doneOnce.Do(func() { close(e.done) })
	e.log.Info("executor stopped")
}

// Shutdown drains gracefully and waits for completion, bounded by ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.State() == StateIdle {
		e.state.Store(int32(StateStopped))
		e.doneOnce.Do(func() { close(e.done) })
		return nil
	}
	e.drainOnce.Do(func() {
		e.state.Store(int32(StateDraining))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineDraining, Data: "shutdown"})
		go e.drain(ctx)
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill shuts the engine down immediately: pending tasks are dropped, running
// tasks are cancelled without waiting for their reports.
func (e *Executor) Kill() {
	e.killOnce.Do(func() {
		// Claim the drain slot so a later graceful call is a no-op.
		e.drainOnce.Do(func() {})
		e.state.Store(int32(StateDraining))
		e.mgr.ForceShutdown()
		e.pool.ForceStop()
		e.finishStop()
	})
}
