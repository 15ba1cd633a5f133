package plan

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "dsync/pkg/logx"
)

// Planner arms plan schedules and invokes a fire callback when a plan is due.
//
// Immediate plans fire once right away, RFC3339 plans fire once at their due
// time (or immediately if it already passed), cron plans fire on every tick.
// The callback decides what "fire" means; the daemon loads the plan on first
// fire and re-enqueues its tasks on later ones.
type Planner struct {
	log  logx.Logger
	cron *cron.Cron

	mu     sync.Mutex
	timers []*time.Timer
}

func NewPlanner(log logx.Logger) *Planner {
	return &Planner{
		log:  log,
		cron: cron.New(),
	}
}

// Arm schedules fire(p) according to p.Schedule.
func (pl *Planner) Arm(p *Plan, fire func(*Plan)) error {
	sched, err := ParseSchedule(p.Schedule)
	if err != nil {
		return err
	}

	switch sched.Kind {
	case ScheduleImmediate:
		fire(p)
	case ScheduleAt:
		delay := time.Until(sched.At)
		if delay <= 0 {
			fire(p)
			return nil
		}
		pl.log.Info("plan armed", logx.String("plan", p.Name), logx.Time("due", sched.At))
		t := time.AfterFunc(delay, func() { fire(p) })
		pl.mu.Lock()
		pl.timers = append(pl.timers, t)
		pl.mu.Unlock()
	case ScheduleCron:
		pl.log.Info("plan armed", logx.String("plan", p.Name), logx.String("cron", sched.Raw))
		if _, err := pl.cron.AddFunc(sched.Raw, func() { fire(p) }); err != nil {
			return err
		}
	}
	return nil
}

// Start begins cron evaluation. Idempotent.
func (pl *Planner) Start() { pl.cron.Start() }

// Stop halts cron evaluation and any pending one-shot timers.
// Fires already in flight are not interrupted.
func (pl *Planner) Stop() {
	pl.cron.Stop()
	pl.mu.Lock()
	for _, t := range pl.timers {
		t.Stop()
	}
	pl.timers = nil
	pl.mu.Unlock()
}
