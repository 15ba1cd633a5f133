package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (payload dir + history jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PayloadRecord is one fetched payload body.
type PayloadRecord struct {
	TaskID    uuid.UUID
	PlanID    uuid.UUID
	Name      string
	FetchedAt time.Time
	Body      []byte
}

func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

// HistoryEntry records the terminal outcome of one task.
// Keep it compact and schema-stable.
type HistoryEntry struct {
	At       time.Time `json:"at"`
	TaskID   uuid.UUID `json:"task_id"`
	PlanID   uuid.UUID `json:"plan_id"`
	PlanName string    `json:"plan_name,omitempty"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	TookMS   int64     `json:"took_ms"`
	Error    string    `json:"error,omitempty"`
}
