// Package worker runs sync task fetches on a bounded pool of goroutines.
//
// The pool accepts assignments without blocking (Submit fails with
// ErrPoolExhausted when the queue is full), supports per-assignment
// cancellation by task id and emits exactly one Report per accepted
// assignment on a single reports stream.
//
// The pool scales between MinWorkers and MaxWorkers: a Submit that finds
// every worker occupied starts one more, and a worker that sits idle past
// IdleTimeout retires while the pool stays above MinWorkers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "dsync/internal/runtime/supervisor"
	"dsync/internal/sync/task"
	logx "dsync/pkg/logx"
)

var (
	ErrStopped       = errors.New("worker pool stopped")
	ErrStopping      = errors.New("worker pool stopping")
	ErrPoolExhausted = errors.New("worker pool exhausted")
	ErrUnknownTask   = errors.New("worker pool: unknown task")
)

type Config struct {
	// MinWorkers is the resident worker count. Defaults to 1.
	MinWorkers int

	// MaxWorkers caps on-demand growth. Defaults to 4.
	MaxWorkers int

	// IdleTimeout retires a worker above MinWorkers after this long without
	// an assignment. Defaults to 30s.
	IdleTimeout time.Duration

	QueueSize int

	// FetchTimeout bounds each fetch attempt. 0 disables the per-attempt
	// timeout.
	FetchTimeout time.Duration

	ReportBuffer int
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxWorkers
	}
	if c.ReportBuffer <= 0 {
		c.ReportBuffer = 64
	}
	return c
}

type assignment struct {
	t      *task.Task
	ctx    context.Context
	cancel context.CancelFunc
}

type Pool struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	fetcher Fetcher

	queue   chan assignment
	reports chan Report

	sup      *rtsup.Supervisor
	quitCh   chan struct{} // graceful: stop accepting, finish in flight
	killCh   chan struct{} // force: drop undelivered reports
	stopDone chan struct{}

	// Per-assignment cancel funcs, keyed by task id.
	cmu     sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	workers  atomic.Int32  // current worker count
	spawned  atomic.Uint64 // lifetime worker sequence, for naming
	inFlight atomic.Int32
	dropped  atomic.Uint64
}

func New(cfg Config, log logx.Logger, fetcher Fetcher) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		log:     log,
		fetcher: fetcher,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Reports is the pool's single completion stream. It closes after Stop (or
// ForceStop) has drained the workers.
func (p *Pool) Reports() <-chan Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reports
}

// Start spins up the workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.quitCh != nil {
		p.mu.Unlock()
		return
	}
	p.queue = make(chan assignment, p.cfg.QueueSize)
	p.reports = make(chan Report, p.cfg.ReportBuffer)
	p.quitCh = make(chan struct{})
	p.killCh = make(chan struct{})
	p.stopDone = nil

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "workerpool"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	queue := p.queue
	p.mu.Unlock()

	p.log.Info("worker pool started",
		logx.Int("min_workers", p.cfg.MinWorkers),
		logx.Int("max_workers", p.cfg.MaxWorkers),
		logx.Int("queue", cap(queue)))
}

// Submit hands a task to the pool without blocking.
func (p *Pool) Submit(t *task.Task) error {
	p.mu.Lock()
	queue := p.queue
	quit := p.quitCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if queue == nil || quit == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	select {
	case <-quit:
		return ErrStopping
	default:
	}

	actx, cancel := context.WithCancel(context.Background())
	a := assignment{t: t, ctx: actx, cancel: cancel}

	p.cmu.Lock()
	p.cancels[t.ID] = cancel
	p.cmu.Unlock()

	select {
	case queue <- a:
		p.maybeGrow()
		return nil
	default:
		p.clearCancel(t.ID)
		cancel()
		return fmt.Errorf("%w: queue full (%d)", ErrPoolExhausted, cap(queue))
	}
}

// maybeGrow starts one more worker when every current worker is occupied
// and the pool has room to scale.
func (p *Pool) maybeGrow() {
	if int(p.inFlight.Load()) < int(p.workers.Load()) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quitCh == nil || p.stopDone != nil {
		return
	}
	if int(p.workers.Load()) >= p.cfg.MaxWorkers {
		return
	}
	p.spawnLocked()
}

// spawnLocked starts one worker goroutine. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	p.workers.Add(1)
	n := p.spawned.Add(1)
	quit := p.quitCh
	queue := p.queue
	p.sup.Go0(fmt.Sprintf("worker.%d", n), func(c context.Context) {
		p.worker(c, quit, queue)
	})
}

// retire removes the calling worker while the pool stays above MinWorkers.
func (p *Pool) retire() bool {
	for {
		cur := p.workers.Load()
		if int(cur) <= p.cfg.MinWorkers {
			return false
		}
		if p.workers.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Cancel requests cooperative cancellation of a queued or in-flight
// assignment. The assignment still emits its report.
func (p *Pool) Cancel(id uuid.UUID) error {
	p.cmu.Lock()
	cancel, ok := p.cancels[id]
	p.cmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	cancel()
	return nil
}

// InFlight returns the number of assignments currently being fetched.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Workers returns the current worker count.
func (p *Pool) Workers() int { return int(p.workers.Load()) }

// QueueLen returns the number of queued, not yet started assignments.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q)
}

// Dropped returns the number of reports dropped during a force stop.
func (p *Pool) Dropped() uint64 { return p.dropped.Load() }

// Stop drains the pool gracefully: no new assignments are accepted, in-flight
// fetches run to completion and every accepted assignment still gets its
// report before the reports stream closes. Bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	p.stop(ctx, false)
}

// ForceStop cancels in-flight fetches and closes down without waiting for
// report delivery. Undelivered reports are dropped and logged.
func (p *Pool) ForceStop() {
	p.stop(context.Background(), true)
}

func (p *Pool) stop(ctx context.Context, force bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.quitCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		if force {
			p.killAll()
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.quitCh)
	sup := p.sup
	queue := p.queue
	reports := p.reports
	p.mu.Unlock()

	if force {
		p.killAll()
	}

	go func() {
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		// Workers are gone; flush assignments that never started. The queue
		// channel is never closed so a racing Submit cannot panic.
	flush:
		for {
			select {
			case a := <-queue:
				a.cancel()
				p.clearCancel(a.t.ID)
				p.emit(Report{Task: a.t, Err: context.Canceled, Started: time.Now()})
			default:
				break flush
			}
		}
		close(reports)

		p.mu.Lock()
		p.queue = nil
		p.quitCh = nil
		p.sup = nil
		p.workers.Store(0)
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped", logx.Bool("force", force))
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

// killAll trips the drop path for report delivery and cancels everything in
// flight.
func (p *Pool) killAll() {
	p.mu.Lock()
	kill := p.killCh
	p.mu.Unlock()
	if kill != nil {
		select {
		case <-kill:
		default:
			close(kill)
		}
	}
	p.cmu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cmu.Unlock()
}

func (p *Pool) worker(ctx context.Context, quit <-chan struct{}, queue chan assignment) {
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		// Fast-exit check so a closed quit wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case a, ok := <-queue:
			if !ok {
				return
			}
			p.runOne(a)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			if p.retire() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *Pool) runOne(a assignment) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer p.clearCancel(a.t.ID)
	defer a.cancel()

	start := time.Now()
	attempt := a.t.RecordAttempt()

	if a.ctx.Err() != nil {
		p.emit(Report{Task: a.t, Err: context.Canceled, Attempt: attempt, Started: start})
		return
	}

	runCtx := a.ctx
	var cancel context.CancelFunc
	if p.cfg.FetchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.FetchTimeout)
	}

	var payload []byte
	var err error
	// Panic guard: one bad fetch must not take the worker down.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("fetch panic", logx.String("task", a.t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		payload, err = p.fetcher.Fetch(runCtx, a.t)
	}()
	if cancel != nil {
		cancel()
	}

	took := time.Since(start)
	if err != nil {
		p.log.Debug("fetch failed", logx.String("task", a.t.Name), logx.Int("attempt", attempt), logx.Duration("took", took), logx.Err(err))
	} else {
		p.log.Debug("fetch done", logx.String("task", a.t.Name), logx.Int("attempt", attempt), logx.Duration("took", took), logx.Int("bytes", len(payload)))
	}

	p.emit(Report{Task: a.t, Payload: payload, Err: err, Attempt: attempt, Started: start, Took: took})
}

func (p *Pool) emit(r Report) {
	p.mu.Lock()
	reports := p.reports
	kill := p.killCh
	p.mu.Unlock()
	if reports == nil {
		p.dropped.Add(1)
		return
	}
	select {
	case reports <- r:
	case <-kill:
		p.dropped.Add(1)
		p.log.Warn("report dropped during force stop", logx.String("task", r.Task.Name), logx.Err(r.Err))
	}
}

func (p *Pool) clearCancel(id uuid.UUID) {
	p.cmu.Lock()
	delete(p.cancels, id)
	p.cmu.Unlock()
}
