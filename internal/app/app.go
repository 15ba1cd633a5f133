// Package app wires configuration, logging, storage, metrics and the sync
// engine into one runnable daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dsync/internal/config"
	"dsync/internal/eventbus"
	"dsync/internal/metrics"
	rtsup "dsync/internal/runtime/supervisor"
	"dsync/internal/storage"
	"dsync/internal/sync/executor"
	"dsync/internal/sync/fetch"
	"dsync/internal/sync/manager"
	"dsync/internal/sync/plan"
	"dsync/internal/sync/worker"
	logx "dsync/pkg/logx"
)

type App struct {
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger

	bus    *eventbus.Bus
	store  storage.Store
	met    *metrics.Collector
	metSrv *metrics.Server

	mgr     *manager.Manager
	pool    *worker.Pool
	exec    *executor.Executor
	planner *plan.Planner
	watcher *plan.Watcher

	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{cfg: cfg, logSvc: logSvc, log: log, bus: eventbus.New()}

	if err := a.build(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
	}

	a.met = metrics.New()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.metSrv = metrics.NewServer(metrics.ServerConfig{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
		}, a.log, a.met)
	}

	pollInterval, err := config.ParseDurationField("manager.poll_interval", cfg.Manager.PollInterval)
	if err != nil {
		return err
	}
	mgrShutdown, err := config.ParseDurationOrDefault("manager.shutdown_timeout", cfg.Manager.ShutdownTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.mgr = manager.New(manager.Config{
		DispatchBuffer:  cfg.Manager.DispatchBuffer,
		PollInterval:    pollInterval,
		ShutdownTimeout: mgrShutdown,
	}, a.log.With(logx.String("comp", "manager")), a.bus)

	fetchTimeout, err := config.ParseDurationField("pool.fetch_timeout", cfg.Pool.FetchTimeout)
	if err != nil {
		return err
	}
	idleTimeout, err := config.ParseDurationOrDefault("pool.idle_timeout", cfg.Pool.IdleTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	fetcher := fetch.New(fetch.Config{}, a.log.With(logx.String("comp", "fetch")))
	a.pool = worker.New(worker.Config{
		MinWorkers:   cfg.Pool.MinWorkers,
		MaxWorkers:   cfg.Pool.MaxWorkers,
		IdleTimeout:  idleTimeout,
		QueueSize:    cfg.Pool.QueueSize,
		FetchTimeout: fetchTimeout,
		ReportBuffer: cfg.Pool.ReportBuffer,
	}, a.log.With(logx.String("comp", "pool")), fetcher)

	tripWindow, err := config.ParseDurationOrDefault("executor.trip_window", cfg.Executor.TripWindow, time.Minute)
	if err != nil {
		return err
	}
	execShutdown, err := config.ParseDurationOrDefault("executor.shutdown_timeout", cfg.Executor.ShutdownTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.exec = executor.New(executor.Config{
		RetryMax:        cfg.Executor.RetryMax,
		TripFailures:    cfg.Executor.TripFailures,
		TripWindow:      tripWindow,
		ShutdownTimeout: execShutdown,
	}, a.log.With(logx.String("comp", "executor")), executor.Deps{
		Manager: a.mgr,
		Pool:    a.pool,
		Store:   a.store,
		Metrics: a.met,
		Bus:     a.bus,
	})

	a.planner = plan.NewPlanner(a.log.With(logx.String("comp", "planner")))
	a.watcher = plan.NewWatcher(a.log.With(logx.String("comp", "planwatch")))
	return nil
}

func (a *App) Log() logx.Logger { return a.log }

// Done closes when the engine has fully stopped, including self-initiated
// drains after a system-fatal failure.
func (a *App) Done() <-chan struct{} { return a.exec.Done() }

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if a.metSrv != nil {
		a.metSrv.Start(ctx)
	}

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(false),
	)

	events, unsub := a.bus.Subscribe(64)
	a.unsub = unsub
	a.sup.Go0("bus.log", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	plans, err := plan.LoadDir(a.cfg.Plans.Dir)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	for _, p := range plans {
		if err := a.planner.Arm(p, a.firePlan); err != nil {
			return fmt.Errorf("arm plan %q: %w", p.Name, err)
		}
	}
	a.planner.Start()
	a.log.Info("plans armed", logx.Int("count", len(plans)))

	if a.cfg.Plans.Watch {
		ch, err := a.watcher.Watch(ctx, a.cfg.Plans.Dir)
		if err != nil {
			return fmt.Errorf("watch plans: %w", err)
		}
		a.sup.Go0("plans.watch", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case p, ok := <-ch:
					if !ok {
						return
					}
					if err := a.planner.Arm(p, a.firePlan); err != nil {
						a.log.Warn("arm plan failed", logx.String("plan", p.Name), logx.Err(err))
					}
				}
			}
		})
	}

	if err := a.exec.Execute(ctx); err != nil {
		return err
	}
	a.log.Info("syncd started", logx.Int("plans", len(plans)))
	return nil
}

// firePlan runs when a plan's schedule triggers. The first firing loads the
// plan; later firings of a recurring schedule top its queue back up.
func (a *App) firePlan(p *plan.Plan) {
	err := a.mgr.LoadSyncPlan(p)
	if err == nil {
		return
	}
	if errors.Is(err, manager.ErrDuplicatePlan) {
		for _, t := range p.BuildTasks() {
			if addErr := a.mgr.AddTask(t); addErr != nil {
				a.log.Warn("re-enqueue failed", logx.String("plan", p.Name), logx.Err(addErr))
				return
			}
		}
		a.log.Debug("recurring plan re-enqueued", logx.String("plan", p.Name), logx.Int("tasks", len(p.Tasks)))
		return
	}
	a.log.Warn("plan load failed", logx.String("plan", p.Name), logx.Err(err))
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeTaskFailed:
		if te, ok := e.Data.(eventbus.TaskEvent); ok {
			a.log.Warn("task failed", logx.String("task", te.TaskID.String()), logx.String("plan", te.PlanID.String()))
			return
		}
		a.log.Warn("task failed")
	case eventbus.TypeEngineDraining:
		a.log.Warn("engine draining", logx.Any("reason", e.Data))
	case eventbus.TypeEngineStopped:
		a.log.Info("engine stopped")
	default:
		a.log.Debug("event", logx.String("type", e.Type))
	}
}

// Stop drains gracefully, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := a.exec.Shutdown(ctx)
	a.shutdownShared(ctx)
	return err
}

// Kill tears the engine down without draining.
func (a *App) Kill() {
	a.exec.Kill()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.shutdownShared(ctx)
}

func (a *App) shutdownShared(ctx context.Context) {
	a.planner.Stop()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	if a.metSrv != nil {
		a.metSrv.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	_ = a.logSvc.Close()
}
