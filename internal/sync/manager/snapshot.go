package manager

import (
	"time"

	"github.com/google/uuid"
)

// PlanProgress is the per-plan slice of a progress snapshot.
type PlanProgress struct {
	PlanID    uuid.UUID `json:"plan_id"`
	PlanName  string    `json:"plan_name"`
	State     string    `json:"state"`
	Pending   int       `json:"pending"`
	Held      int       `json:"held"`
	Running   int       `json:"running"`
	Finished  int       `json:"finished"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
}

// ProgressSnapshot is a point-in-time view of every queue. Counts are taken
// while all queue locks are held, so no torn reads across queues.
type ProgressSnapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Sending bool           `json:"sending"`
	Plans   []PlanProgress `json:"plans"`
}

// Totals sums the per-plan counters.
func (s ProgressSnapshot) Totals() PlanProgress {
	var t PlanProgress
	t.PlanName = "total"
	for _, p := range s.Plans {
		t.Pending += p.Pending
		t.Held += p.Held
		t.Running += p.Running
		t.Finished += p.Finished
		t.Failed += p.Failed
		t.Cancelled += p.Cancelled
	}
	return t
}
