package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dsync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SavePayload(ctx context.Context, r PayloadRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.FetchedAt.IsZero() {
		r.FetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payloads(task_id, plan_id, name, fetched_at, body) VALUES(?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET fetched_at=excluded.fetched_at, body=excluded.body`,
		r.TaskID.String(), r.PlanID.String(), r.Name, r.FetchedAt.Format(time.RFC3339Nano), r.Body,
	)
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(at, task_id, plan_id, plan_name, name, status, attempts, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.TaskID.String(), e.PlanID.String(), nullStr(e.PlanName),
		e.Name, e.Status, e.Attempts, e.TookMS, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, plan_id, COALESCE(plan_name,''), name, status, attempts, took_ms, COALESCE(err,'')
		 FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at, taskID, planID string
		if err := rows.Scan(&at, &taskID, &planID, &e.PlanName, &e.Name, &e.Status, &e.Attempts, &e.TookMS, &e.Error); err != nil {
			return out, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.TaskID = parseUUID(taskID)
		e.PlanID = parseUUID(planID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
