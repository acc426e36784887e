package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/useai-dev/useaid/slogger"
)

// reloadDebounce suppresses duplicate reloads: an atomic save emits both a
// create and a write event within a few milliseconds.
const reloadDebounce = 500 * time.Millisecond

// Watch re-reads config.json whenever it changes and hands the result to
// onChange. The watch is on the directory rather than the file because
// saves replace the file by rename. Runs until ctx is done.
func Watch(ctx context.Context, dir string, logger slogger.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if time.Since(lastReload) < reloadDebounce {
				continue
			}
			lastReload = time.Now()
			cfg, err := Load(dir)
			if err != nil {
				logger.Warn("failed to reload config", "error", err)
				continue
			}
			logger.Info("configuration reloaded", "path", event.Name)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
