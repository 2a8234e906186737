package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/pagetier/internal/logger"
)

// Watcher reloads the configuration file when it changes on disk and
// hands every valid new configuration to a callback.
//
// A change that fails to parse or validate is logged and dropped; the
// previously applied configuration stays active. Only hot-reloadable
// settings (the shard topology, the log level) should be taken from the
// callback's argument, the rest requires a restart.
type Watcher struct {
	path  string
	apply func(*Config)
	fsw   *fsnotify.Watcher
	log   *slog.Logger
}

// NewWatcher creates a watcher for the given config file. The watch is
// placed on the parent directory because editors and config management
// tools replace files instead of writing them in place.
func NewWatcher(path string, apply func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:  path,
		apply: apply,
		fsw:   fsw,
		log:   logger.With("component", "config-watcher"),
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

// reload loads and validates the file, applying it only when both
// succeed.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("ignoring config change, reload failed",
			"path", w.path,
			"error", err)
		return
	}
	w.log.Info("configuration reloaded", "path", w.path)
	w.apply(cfg)
}
