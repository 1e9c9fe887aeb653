// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package setup

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a template file into a Store whenever it changes.
type Watcher struct {
	path     string
	model    string
	store    *Store
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. A zero debounce uses 100ms.
func NewWatcher(path, model string, store *Store, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		model:    model,
		store:    store,
		debounce: debounce,
		logger:   logger,
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched so
// that atomic renames by editors are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	name := filepath.Clean(w.path)
	w.logger.Info("setup template watcher started", slog.String("path", name))

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("setup template watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("setup template watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}

// reload keeps the previous template when the file cannot be loaded.
func (w *Watcher) reload() {
	tmpl, err := Load(w.path, w.model)
	if err != nil {
		w.logger.Warn("setup template reload failed, keeping previous template",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	if err := w.store.Set(tmpl); err != nil {
		w.logger.Warn("setup template rejected", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("setup template reloaded", slog.String("path", w.path))
}
