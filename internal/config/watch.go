package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/monitor"
)

// Watcher reloads the config file when it changes and hands each valid
// version to a callback. An invalid version is reported and ignored, so the
// last good config stays in effect.
type Watcher struct {
	path   string
	apply  func(*Config)
	logger *slog.Logger
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, apply func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, apply: apply, logger: logger}
}

// Watch blocks until ctx is done. The directory is watched rather than the
// file so editors that save by renaming are seen too.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// Only reload on write or create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Continue watching despite errors
			w.logger.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config change rejected", "path", w.path, "error", err)
		capitan.Emit(ctx, monitor.ConfigRejected,
			monitor.KeyPath.Field(w.path),
			monitor.KeyError.Field(err.Error()),
		)
		return
	}
	capitan.Emit(ctx, monitor.ConfigReloaded,
		monitor.KeyPath.Field(w.path),
		monitor.KeyCount.Field(len(cfg.Connectors)),
	)
	w.apply(cfg)
}
