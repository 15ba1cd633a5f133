// Package plan defines user-authored sync plans: a named group of fetch
// tasks plus scheduling metadata (due time or cron expression, throttle
// configuration, retry budget).
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	"dsync/internal/sync/task"
)

var ErrInvalidPlan = errors.New("invalid sync plan")

// Throttle is the per-plan dispatch throttle policy.
//
// RatePerSec <= 0 means unthrottled. MaxPerDay <= 0 disables the daily cap.
type Throttle struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	MaxPerDay  int     `yaml:"max_per_day"`
}

// TaskSpec is one task entry in a plan file.
type TaskSpec struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Payload string            `yaml:"payload"`
}

// Plan is a named, user-defined collection of sync tasks.
//
// Schedule is either empty (due immediately), an RFC3339 timestamp, or a
// standard 5-field cron expression for recurring syncs.
type Plan struct {
	ID       uuid.UUID  `yaml:"id"`
	Name     string     `yaml:"name"`
	Schedule string     `yaml:"schedule"`
	Throttle Throttle   `yaml:"throttle"`
	MaxRetry int        `yaml:"max_retry"`
	Tasks    []TaskSpec `yaml:"tasks"`
}

// Parse decodes a YAML plan document. Unknown fields are rejected so typos
// in plan files surface as errors instead of silently dropped settings.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return &p, nil
}

func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlan)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: plan %q has no tasks", ErrInvalidPlan, p.Name)
	}
	for i, ts := range p.Tasks {
		if strings.TrimSpace(ts.URL) == "" {
			return fmt.Errorf("%w: plan %q task %d has no url", ErrInvalidPlan, p.Name, i)
		}
	}
	if p.MaxRetry < 0 {
		return fmt.Errorf("%w: max_retry must be >= 0", ErrInvalidPlan)
	}
	if p.Schedule != "" {
		if _, err := ParseSchedule(p.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// BuildTasks materializes the plan's task specs into trackable tasks.
// Each call produces fresh task IDs, so recurring cron fires re-sync
// with new task instances.
func (p *Plan) BuildTasks() []*task.Task {
	out := make([]*task.Task, 0, len(p.Tasks))
	for i, ts := range p.Tasks {
		name := strings.TrimSpace(ts.Name)
		if name == "" {
			name = fmt.Sprintf("%s/%d", p.Name, i)
		}
		method := strings.ToUpper(strings.TrimSpace(ts.Method))
		if method == "" {
			method = "GET"
		}
		spec := task.FetchSpec{
			URL:     ts.URL,
			Method:  method,
			Headers: ts.Headers,
		}
		if ts.Payload != "" {
			spec.Payload = []byte(ts.Payload)
		}
		out = append(out, task.New(p.ID, name, spec))
	}
	return out
}

// ScheduleKind tells how a plan's schedule string fires.
type ScheduleKind int

const (
	ScheduleImmediate ScheduleKind = iota
	ScheduleAt
	ScheduleCron
)

// Schedule is the parsed form of Plan.Schedule.
type Schedule struct {
	Kind ScheduleKind
	At   time.Time     // ScheduleAt
	Spec cron.Schedule // ScheduleCron
	Raw  string
}

// ParseSchedule accepts "", an RFC3339 timestamp, or a 5-field cron spec.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{Kind: ScheduleImmediate, Raw: raw}, nil
	}
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return Schedule{Kind: ScheduleAt, At: at, Raw: raw}, nil
	}
	if spec, err := cron.ParseStandard(s); err == nil {
		return Schedule{Kind: ScheduleCron, Spec: spec, Raw: raw}, nil
	}
	return Schedule{}, fmt.Errorf("%w: schedule %q is neither RFC3339 nor cron", ErrInvalidPlan, raw)
}
