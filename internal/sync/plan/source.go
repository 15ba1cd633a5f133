package plan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	logx "dsync/pkg/logx"
)

// LoadDir reads every *.yaml / *.yml plan file in dir, sorted by filename so
// load order is stable across restarts.
func LoadDir(dir string) ([]*Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isPlanFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	plans := make([]*Plan, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		p, err := Parse(data)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watcher emits plans parsed from files created or rewritten in a directory.
// Parse failures are logged and skipped so one broken file cannot stall the
// pipeline.
type Watcher struct {
	log logx.Logger
}

func NewWatcher(log logx.Logger) *Watcher {
	return &Watcher{log: log}
}

// Watch starts watching dir and returns a channel of newly loaded plans.
// The channel closes when ctx is done.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan *Plan, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	out := make(chan *Plan, 8)
	go func() {
		defer close(out)
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !isPlanFile(ev.Name) {
					continue
				}
				data, err := os.ReadFile(ev.Name)
				if err != nil {
					w.log.Warn("plan file unreadable", logx.String("file", ev.Name), logx.Err(err))
					continue
				}
				p, err := Parse(data)
				if err != nil {
					w.log.Warn("plan file rejected", logx.String("file", ev.Name), logx.Err(err))
					continue
				}
				w.log.Info("plan file loaded", logx.String("file", ev.Name), logx.String("plan", p.Name))
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("plan watcher error", logx.Err(err))
			}
		}
	}()
	return out, nil
}
