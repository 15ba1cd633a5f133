package task

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestTransitionGraph(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning},
		{name: "pending to paused", from: StatusPending, to: StatusPaused},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled},
		{name: "pending to finished is illegal", from: StatusPending, to: StatusFinished, wantErr: ErrInvalidTransition},
		{name: "pending to failed is illegal", from: StatusPending, to: StatusFailed, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tk := New(uuid.New(), "t", FetchSpec{})
			err := tk.Transition(tt.from, tt.to)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Transition(%s, %s) error: %v", tt.from, tt.to, err)
				}
				if got := tk.Status(); got != tt.to {
					t.Fatalf("Status = %s, want %s", got, tt.to)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transition(%s, %s) = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestRunningReachesTerminals(t *testing.T) {
	t.Parallel()
	for _, to := range []Status{StatusFinished, StatusFailed, StatusCancelled} {
		tk := New(uuid.New(), "t", FetchSpec{})
		if err := tk.Transition(StatusPending, StatusRunning); err != nil {
			t.Fatalf("to running: %v", err)
		}
		if err := tk.Transition(StatusRunning, to); err != nil {
			t.Fatalf("running -> %s: %v", to, err)
		}
		if !tk.Status().Terminal() {
			t.Fatalf("expected terminal status, got %s", tk.Status())
		}
	}
}

func TestTerminalAbsorbs(t *testing.T) {
	t.Parallel()
	tk := New(uuid.New(), "t", FetchSpec{})
	if err := tk.Transition(StatusPending, StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(StatusRunning, StatusFinished); err != nil {
		t.Fatal(err)
	}
	// A late cancellation must not resurrect the task.
	err := tk.TransitionTo(StatusCancelled)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if tk.Status() != StatusFinished {
		t.Fatalf("terminal status changed to %s", tk.Status())
	}
}

func TestPausedRoundTrip(t *testing.T) {
	t.Parallel()
	tk := New(uuid.New(), "t", FetchSpec{})
	if err := tk.Transition(StatusPending, StatusPaused); err != nil {
		t.Fatal(err)
	}
	if err := tk.Transition(StatusPaused, StatusPending); err != nil {
		t.Fatal(err)
	}
	if tk.Status() != StatusPending {
		t.Fatalf("Status = %s, want pending", tk.Status())
	}
}

func TestConcurrentTerminalRace(t *testing.T) {
	t.Parallel()
	tk := New(uuid.New(), "t", FetchSpec{})
	if err := tk.Transition(StatusPending, StatusRunning); err != nil {
		t.Fatal(err)
	}

	// Exactly one of N racing terminal transitions must win.
	const n = 16
	var wg sync.WaitGroup
	wins := make(chan Status, n)
	for i := 0; i < n; i++ {
		to := StatusFinished
		if i%2 == 0 {
			to = StatusCancelled
		}
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			if err := tk.TransitionTo(to); err == nil {
				wins <- to
			}
		}(to)
	}
	wg.Wait()
	close(wins)

	var got []Status
	for s := range wins {
		got = append(got, s)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", len(got))
	}
	if tk.Status() != got[0] {
		t.Fatalf("Status = %s, winner was %s", tk.Status(), got[0])
	}
}

func TestAttempts(t *testing.T) {
	t.Parallel()
	tk := New(uuid.New(), "t", FetchSpec{})
	if got := tk.RecordAttempt(); got != 1 {
		t.Fatalf("RecordAttempt = %d, want 1", got)
	}
	if got := tk.RecordAttempt(); got != 2 {
		t.Fatalf("RecordAttempt = %d, want 2", got)
	}
	if got := tk.Attempts(); got != 2 {
		t.Fatalf("Attempts = %d, want 2", got)
	}
}
