// Package watch reloads the dataset when the base file is replaced on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rpattn/zonemap/internal/logger"
)

// Reloader is satisfied by service.Service.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher watches the directory holding the base file. Editors and exporters
// usually replace files through a rename, so the file itself is not watched.
type Watcher struct {
	path     string
	debounce time.Duration
	target   Reloader
	logger   *slog.Logger
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the file must be quiet before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Watcher for the base file at path.
func New(path string, target Reloader, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 2 * time.Second,
		target:   target,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. Reload failures are logged; the watcher
// keeps running.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("base_watch_started", "path", w.path, "debounce", w.debounce)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("base_file_event", "op", event.Op.String(), "path", event.Name)
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("base_watch_error", "error", err)
		case <-timer.C:
			w.logger.Info("base_file_changed", "path", w.path)
			if err := w.target.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("base_reload_failed", "path", w.path, "error", err)
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}
