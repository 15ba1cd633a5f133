package worker

import (
	"context"
	"errors"
	"time"

	"dsync/internal/sync/task"
)

// Fetcher performs the actual data retrieval for one sync task.
type Fetcher interface {
	Fetch(ctx context.Context, t *task.Task) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, t *task.Task) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, t *task.Task) ([]byte, error) {
	return f(ctx, t)
}

// Report is the completion record for one assignment. Exactly one report is
// emitted per accepted Submit, except during a force stop where undelivered
// reports are dropped and logged.
type Report struct {
	Task    *task.Task
	Payload []byte
	Err     error
	Attempt int
	Started time.Time
	Took    time.Duration
}

// Cancelled reports whether the assignment ended because its context was
// cancelled rather than because the fetch itself failed.
func (r Report) Cancelled() bool {
	return errors.Is(r.Err, context.Canceled)
}
