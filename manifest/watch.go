package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manifest at path whenever the file changes and calls fn
// with each manifest that loads and validates. Invalid edits are logged and
// skipped. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors and
// deploy tools that replace the file by rename are observed.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Manifest)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m, err := Load(abs)
			if err != nil {
				logger.Warn("manifest reload failed",
					slog.String("path", abs),
					slog.Any("error", err))
				continue
			}
			logger.Info("manifest reloaded",
				slog.String("path", abs),
				slog.String("version", m.Version()))
			fn(m)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("manifest watcher error", slog.Any("error", err))
		}
	}
}
