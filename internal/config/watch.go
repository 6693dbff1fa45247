package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads configuration whenever the project file changes and passes the
// result to fn. Reload errors are logged and the previous config stays in
// effect. The directory is watched rather than the file so atomic
// rename-on-save keeps working. Blocks until ctx is done.
func Watch(ctx context.Context, globalPath, projectPath string, logger *slog.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", projectPath, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		case <-timer.C:
			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				logger.Warn("config reload failed", "path", projectPath, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", projectPath)
			fn(cfg)
		}
	}
}
