// Package watch triggers scope rescans when storage changes.
//
// Local directories are observed with fsnotify; cloud containers are polled.
// Bursts of change events collapse into one rescan after a quiet period.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a rescan fires.
const DefaultDebounce = 200 * time.Millisecond

// RescanFunc reconciles a scope with its storage.
type RescanFunc func(ctx context.Context) error

// ignored reports names the watcher never reacts to, such as the local
// backend's in-flight temp files.
func ignored(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".docscope-tmp-") || strings.HasPrefix(base, ".download-")
}

// Dir starts an fsnotify watcher on root and calls rescan, debounced, after
// any change below it. It returns when ctx is cancelled.
//
// New directories created at runtime are added to the watch list.
func Dir(ctx context.Context, root string, debounce time.Duration, logger *slog.Logger, rescan RescanFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	logger.Info("watcher: started", slog.String("root", root))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped", slog.String("root", root))
			return nil

		case <-fire:
			if err := rescan(ctx); err != nil {
				logger.Warn("watcher: rescan failed",
					slog.String("root", root),
					slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			logger.Debug("watcher: change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Poll calls rescan every interval until ctx is cancelled.
func Poll(ctx context.Context, interval time.Duration, logger *slog.Logger, rescan RescanFunc) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := rescan(ctx); err != nil {
				logger.Warn("poller: rescan failed", slog.String("error", err.Error()))
			}
		}
	}
}
