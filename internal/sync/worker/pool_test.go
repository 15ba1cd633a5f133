package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"dsync/internal/sync/task"
	logx "dsync/pkg/logx"
)

func newPoolTask(name string) *task.Task {
	return task.New(uuid.New(), name, task.FetchSpec{URL: "https://example.test/" + name})
}

func recvReport(t *testing.T, ch <-chan Report, d time.Duration) Report {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatal("reports channel closed")
		}
		return r
	case <-time.After(d):
		t.Fatal("timed out waiting for report")
	}
	return Report{}
}

func TestPoolSubmitAndReport(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 2}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		return []byte("payload:" + tk.Name), nil
	}))
	p.Start(context.Background())
	defer p.ForceStop()

	tk := newPoolTask("a")
	if err := p.Submit(tk); err != nil {
		t.Fatalf("Submit = %v", err)
	}

	r := recvReport(t, p.Reports(), time.Second)
	if r.Task.ID != tk.ID {
		t.Fatalf("report task = %s, want %s", r.Task.ID, tk.ID)
	}
	if r.Err != nil {
		t.Fatalf("report err = %v", r.Err)
	}
	if string(r.Payload) != "payload:a" {
		t.Fatalf("report payload = %q", r.Payload)
	}
	if r.Attempt != 1 {
		t.Fatalf("report attempt = %d, want 1", r.Attempt)
	}
}

func TestPoolExhausted(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := New(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))
	p.Start(context.Background())
	defer close(release)
	defer p.ForceStop()

	if err := p.Submit(newPoolTask("busy")); err != nil {
		t.Fatalf("Submit #1 = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	if err := p.Submit(newPoolTask("queued")); err != nil {
		t.Fatalf("Submit #2 = %v", err)
	}
	if err := p.Submit(newPoolTask("rejected")); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Submit #3 = %v, want ErrPoolExhausted", err)
	}
}

func TestPoolGrowsAndShrinks(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	p := New(Config{MinWorkers: 1, MaxWorkers: 2, IdleTimeout: 25 * time.Millisecond, QueueSize: 4},
		logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []byte("ok"), nil
		}))
	p.Start(context.Background())
	defer p.ForceStop()

	if got := p.Workers(); got != 1 {
		t.Fatalf("Workers at start = %d, want 1", got)
	}

	// Two concurrent blocking tasks force growth to MaxWorkers.
	if err := p.Submit(newPoolTask("a")); err != nil {
		t.Fatalf("Submit a = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first task never started")
	}
	if err := p.Submit(newPoolTask("b")); err != nil {
		t.Fatalf("Submit b = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second task never started; pool did not grow")
	}
	if got := p.Workers(); got != 2 {
		t.Fatalf("Workers while busy = %d, want 2", got)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if r := recvReport(t, p.Reports(), time.Second); r.Err != nil {
			t.Fatalf("report err = %v", r.Err)
		}
	}

	// The extra worker retires after sitting idle; the resident one stays.
	deadline := time.Now().Add(2 * time.Second)
	for p.Workers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Workers after idle = %d, want 1", p.Workers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolCancelInFlight(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	p := New(Config{MinWorkers: 1, MaxWorkers: 1}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p.Start(context.Background())
	defer p.ForceStop()

	tk := newPoolTask("a")
	if err := p.Submit(tk); err != nil {
		t.Fatalf("Submit = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	if err := p.Cancel(tk.ID); err != nil {
		t.Fatalf("Cancel = %v", err)
	}
	r := recvReport(t, p.Reports(), time.Second)
	if !r.Cancelled() {
		t.Fatalf("report err = %v, want cancelled", r.Err)
	}
}

func TestPoolCancelQueued(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := New(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte("ok"), nil
	}))
	p.Start(context.Background())
	defer p.ForceStop()

	busy := newPoolTask("busy")
	queued := newPoolTask("queued")
	if err := p.Submit(busy); err != nil {
		t.Fatalf("Submit busy = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}
	if err := p.Submit(queued); err != nil {
		t.Fatalf("Submit queued = %v", err)
	}
	if err := p.Cancel(queued.ID); err != nil {
		t.Fatalf("Cancel queued = %v", err)
	}
	close(release)

	// Exactly one report per assignment.
	byID := map[uuid.UUID]Report{}
	for i := 0; i < 2; i++ {
		r := recvReport(t, p.Reports(), time.Second)
		byID[r.Task.ID] = r
	}
	if r := byID[busy.ID]; r.Err != nil {
		t.Fatalf("busy report err = %v", r.Err)
	}
	if r := byID[queued.ID]; !r.Cancelled() {
		t.Fatalf("queued report err = %v, want cancelled", r.Err)
	}
}

func TestPoolCancelUnknown(t *testing.T) {
	t.Parallel()
	p := New(Config{MinWorkers: 1, MaxWorkers: 1}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		return nil, nil
	}))
	p.Start(context.Background())
	defer p.ForceStop()

	if err := p.Cancel(uuid.New()); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Cancel(unknown) = %v, want ErrUnknownTask", err)
	}
}

func TestPoolGracefulStopDeliversReports(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	p := New(Config{MinWorkers: 1, MaxWorkers: 1}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		started <- struct{}{}
		time.Sleep(20 * time.Millisecond)
		return []byte("slow"), nil
	}))
	p.Start(context.Background())

	tk := newPoolTask("slow")
	if err := p.Submit(tk); err != nil {
		t.Fatalf("Submit = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	reports := p.Reports()
	got := make(chan Report, 1)
	go func() {
		for r := range reports {
			got <- r
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Stop(ctx)

	select {
	case r := <-got:
		if r.Err != nil || string(r.Payload) != "slow" {
			t.Fatalf("report = %v / %q, want slow payload", r.Err, r.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight report lost during graceful stop")
	}

	if err := p.Submit(newPoolTask("late")); err == nil {
		t.Fatal("Submit after Stop succeeded")
	}
}

func TestPoolForceStopExactlyOnceAccounting(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	p := New(Config{MinWorkers: 1, MaxWorkers: 1}, logx.Nop(), FetcherFunc(func(ctx context.Context, tk *task.Task) ([]byte, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p.Start(context.Background())

	if err := p.Submit(newPoolTask("a")); err != nil {
		t.Fatalf("Submit = %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	reports := p.Reports()
	p.ForceStop()

	delivered := 0
	for range reports {
		delivered++
	}
	// The assignment is accounted exactly once: its report is either
	// delivered or dropped-and-counted, never both, never neither.
	if total := delivered + int(p.Dropped()); total != 1 {
		t.Fatalf("delivered %d + dropped %d = %d, want 1", delivered, p.Dropped(), total)
	}
}
