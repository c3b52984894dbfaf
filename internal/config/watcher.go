package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file and notifies subscribers of valid
// changes. Only a subset of configuration is safe to change at runtime
// (salience weight overrides, thresholds within bounds); consumers decide
// what to pick up from the reloaded Config.
//
// Invalid edits are logged and ignored; the previous configuration stays in
// effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	updates chan *Config
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return &Watcher{
		path:    path,
		watcher: fsw,
		logger:  logger,
		updates: make(chan *Config, 1),
	}, nil
}

// Updates returns the channel of validated reloaded configurations.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload rejected, keeping previous configuration",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path))
			select {
			case w.updates <- cfg:
			default:
				// Drop if the consumer has not picked up the previous
				// update; the next event will carry the latest state.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
