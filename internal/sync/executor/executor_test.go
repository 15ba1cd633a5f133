package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"dsync/internal/storage"
	"dsync/internal/sync/manager"
	"dsync/internal/sync/plan"
	"dsync/internal/sync/task"
	"dsync/internal/sync/worker"
	logx "dsync/pkg/logx"
)

// testFetcher drives outcomes from task names: "ok-*" succeeds, "fail-*"
// returns a recoverable error, "flaky-*" fails twice then succeeds,
// "fatal-*" returns a task-fatal error, "sysfatal-*" a system-fatal one and
// "block-*" waits for cancellation.
type testFetcher struct {
	calls atomic.Int64
}

func (f *testFetcher) Fetch(ctx context.Context, t *task.Task) ([]byte, error) {
	f.calls.Add(1)
	switch {
	case strings.HasPrefix(t.Name, "ok"):
		return []byte("payload:" + t.Name), nil
	case strings.HasPrefix(t.Name, "flaky"):
		if t.Attempts() <= 2 {
			return nil, errors.New("transient upstream error")
		}
		return []byte("payload:" + t.Name), nil
	case strings.HasPrefix(t.Name, "fail"):
		return nil, errors.New("transient upstream error")
	case strings.HasPrefix(t.Name, "fatal"):
		return nil, TaskFatal(errors.New("bad credentials"))
	case strings.HasPrefix(t.Name, "sysfatal"):
		return nil, SystemFatal(errors.New("disk full"))
	case strings.HasPrefix(t.Name, "block"):
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

type harness struct {
	mgr     *manager.Manager
	pool    *worker.Pool
	exec    *Executor
	fetcher *testFetcher
}

func newHarness(t *testing.T, cfg Config, store storage.Store, plans ...*plan.Plan) *harness {
	t.Helper()
	mgr := manager.New(manager.Config{
		PollInterval:    2 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, logx.Nop(), nil)
	if err := mgr.LoadSyncPlans(plans); err != nil {
		t.Fatalf("LoadSyncPlans = %v", err)
	}

	f := &testFetcher{}
	pool := worker.New(worker.Config{MinWorkers: 2, MaxWorkers: 2}, logx.Nop(), f)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	exec := New(cfg, logx.Nop(), Deps{Manager: mgr, Pool: pool, Store: store})
	return &harness{mgr: mgr, pool: pool, exec: exec, fetcher: f}
}

func testPlan(name string, maxRetry int, taskNames ...string) *plan.Plan {
	p := &plan.Plan{ID: uuid.New(), Name: name, MaxRetry: maxRetry}
	for _, tn := range taskNames {
		p.Tasks = append(p.Tasks, plan.TaskSpec{Name: tn, URL: "https://example.test/" + tn})
	}
	return p
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestExecutorFinishesTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 0, "ok-1", "ok-2"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	defer h.exec.Kill()

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.Progress().Totals().Finished == 2
	}, "both tasks finished")

	if err := h.exec.Execute(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Execute = %v, want ErrNotIdle", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.exec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestExecutorRetriesThenFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 2, "fail-1"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	defer h.exec.Kill()

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.Progress().Totals().Failed == 1
	}, "task failed after retries")

	// 1 initial attempt + 2 retries.
	if got := h.fetcher.calls.Load(); got != 3 {
		t.Fatalf("fetch calls = %d, want 3", got)
	}
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 3, "flaky-1", "ok-b", "ok-c"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	defer h.exec.Kill()

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.Progress().Totals().Finished == 3
	}, "all three tasks finished")

	if got := h.mgr.Progress().Totals().Failed; got != 0 {
		t.Fatalf("failed = %d, want 0", got)
	}
	// flaky-1 takes 3 attempts, ok-b and ok-c one each.
	if got := h.fetcher.calls.Load(); got != 5 {
		t.Fatalf("fetch calls = %d, want 5", got)
	}
}

func TestExecutorTaskFatalSkipsRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 5, "fatal-1"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	defer h.exec.Kill()

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.Progress().Totals().Failed == 1
	}, "fatal task failed")

	if got := h.fetcher.calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (no retries)", got)
	}
}

func TestExecutorSystemFatalDrains(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 0, "sysfatal-1", "ok-tail"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}

	select {
	case <-h.exec.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("executor did not drain after system-fatal failure")
	}
	if got := h.exec.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	got := h.mgr.Progress().Totals()
	if got.Failed != 1 {
		t.Fatalf("failed = %d, want 1", got.Failed)
	}
	if got.Pending != 0 || got.Running != 0 {
		t.Fatalf("pending %d running %d after drain, want 0/0", got.Pending, got.Running)
	}
}

func TestExecutorBreakerTrips(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TripFailures: 2, TripWindow: time.Minute},
		nil, testPlan("alpha", 0, "fatal-1", "fatal-2", "ok-tail"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}

	select {
	case <-h.exec.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("executor did not drain after breaker tripped")
	}
	if got := h.mgr.Progress().Totals().Failed; got != 2 {
		t.Fatalf("failed = %d, want 2", got)
	}
}

func TestExecutorSavesPayloadAndHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "dsync")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open = %v", err)
	}
	defer st.Close()

	h := newHarness(t, Config{}, st, testPlan("alpha", 0, "ok-1"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	defer h.exec.Kill()

	waitFor(t, 2*time.Second, func() bool {
		return h.mgr.Progress().Totals().Finished == 1
	}, "task finished")

	waitFor(t, 2*time.Second, func() bool {
		entries, err := st.RecentHistory(context.Background(), 10)
		return err == nil && len(entries) == 1 && entries[0].Status == "finished"
	}, "history entry written")

	matches, err := filepath.Glob(filepath.Join(dir, "dsync.payloads", "*.bin"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("payload files = %v, want 1", matches)
	}
}

func TestExecutorKill(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 0, "block-1", "ok-2", "ok-3"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pool.InFlight() > 0
	}, "fetch in flight")

	h.exec.Kill()
	select {
	case <-h.exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Kill")
	}
	if got := h.exec.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	got := h.mgr.Progress().Totals()
	if got.Running != 0 || got.Pending != 0 {
		t.Fatalf("running %d pending %d after Kill, want 0/0", got.Running, got.Pending)
	}
}

func TestExecutorShutdownWaitsForBufferedReports(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "dsync")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open = %v", err)
	}
	defer st.Close()

	h := newHarness(t, Config{}, st, testPlan("alpha", 0, "ok-1", "ok-2", "ok-3", "ok-4"))
	if err := h.exec.Execute(context.Background()); err != nil {
		t.Fatalf("Execute = %v", err)
	}

	// Shut down immediately, while reports may still sit in the pool buffer.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.exec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}

	// Every task the manager counts as finished must have had its report
	// fully handled before Shutdown returned, history entry included.
	finished := h.mgr.Progress().Totals().Finished
	entries, err := st.RecentHistory(context.Background(), 20)
	if err != nil {
		t.Fatalf("RecentHistory = %v", err)
	}
	handled := 0
	for _, e := range entries {
		if e.Status == "finished" {
			handled++
		}
	}
	if handled != finished {
		t.Fatalf("finished history entries = %d, manager finished = %d", handled, finished)
	}
}

func TestExecutorShutdownBeforeExecute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil, testPlan("alpha", 0, "ok-1"))
	if err := h.exec.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Execute = %v", err)
	}
	if got := h.exec.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}
