package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "dsync/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout, relative to cfg.Path:
//   - <prefix>.history.jsonl  (append-only JSON Lines)
//   - <prefix>.payloads/      (one file per finished task)
type fileStore struct {
	log logx.Logger

	mu          sync.Mutex
	historyFile *os.File
	historyPath string
	payloadDir  string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	payloadDir := prefix + ".payloads"
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, err
	}

	historyPath := prefix + ".history.jsonl"
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:         log,
		historyFile: hf,
		historyPath: historyPath,
		payloadDir:  payloadDir,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) SavePayload(ctx context.Context, r PayloadRecord) error {
	_ = ctx
	// Write-then-rename so readers never see a torn payload.
	name := fmt.Sprintf("%s.bin", r.TaskID)
	final := filepath.Join(s.payloadDir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, r.Body, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (s *fileStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	enc := json.NewEncoder(s.historyFile)
	return enc.Encode(e)
}

func (s *fileStore) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	path := s.historyPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []HistoryEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Tolerate a torn trailing line.
			continue
		}
		out = append(out, e)
		if len(out) > limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// The file is append-only, so the tail holds the oldest-to-newest slice.
	// Callers get newest first, same as the sqlite driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
