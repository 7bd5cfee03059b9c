package quota

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 200 * time.Millisecond

// PolicyWatcher reloads the policy file into a PolicySet whenever it changes.
// A file that fails to parse or validate is logged and the previous table
// stays active.
type PolicyWatcher struct {
	path     string
	base     PolicyTable
	set      *PolicySet
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewPolicyWatcher watches path and merges it onto base on every change.
func NewPolicyWatcher(path string, base PolicyTable, set *PolicySet) *PolicyWatcher {
	return &PolicyWatcher{
		path:     path,
		base:     base.clone(),
		set:      set,
		debounce: defaultReloadDebounce,
		logger:   slog.Default().With("component", "quota.policy_watcher"),
	}
}

// Watch blocks until ctx is cancelled. It watches the file's directory so
// editors that replace the file by rename are picked up.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("policy watcher started", "path", w.path)
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			w.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			w.logger.Debug("policy file event", "op", event.Op.String())
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("policy watcher error", "error", err)
		}
	}
}

// Reload reads the file once and swaps it in.
func (w *PolicyWatcher) Reload() error {
	table, err := LoadPolicyFile(w.path, w.base)
	if err != nil {
		return err
	}
	if err := w.set.Replace(table); err != nil {
		return err
	}
	w.logger.Info("quota policies reloaded", "services", len(table))
	return nil
}

func (w *PolicyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Error("policy reload failed, keeping previous policies", "error", err)
		}
	})
}

func (w *PolicyWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
