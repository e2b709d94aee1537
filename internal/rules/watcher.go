package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the classifier's rules whenever path changes. It watches
// the parent directory so editors that replace the file atomically are
// picked up. A file that fails to parse keeps the previous rules. Blocks
// until ctx is cancelled.
func (c *Classifier) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving rules path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching rules directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			c.reload(abs, logger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("rules watcher error", slog.String("error", err.Error()))
		}
	}
}

func (c *Classifier) reload(path string, logger *slog.Logger) {
	r, err := LoadFile(path)
	if err != nil {
		logger.Warn("keeping previous rules",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	c.SetRules(r)
	logger.Info("rules reloaded",
		slog.String("path", path),
		slog.Any("api_prefixes", r.APIPrefixes),
		slog.String("navigation", string(r.Navigation)),
	)
}
