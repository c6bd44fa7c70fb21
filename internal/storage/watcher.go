package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// Watcher invalidates a TaskStore cache when its backing file changes on disk,
// so edits made by another process are picked up on the next load
type Watcher struct {
	logger *zap.Logger
	store  TaskStore
	path   string
}

// NewWatcher creates a watcher for the store file at path
func NewWatcher(store TaskStore, path string, logger *zap.Logger) *Watcher {
	return &Watcher{
		logger: logger.Named("store-watcher"),
		store:  store,
		path:   filepath.Clean(path),
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself because atomic saves replace the file.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("Watching schedule store", zap.String("path", w.path))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			w.store.InvalidateCache()
			w.logger.Debug("Schedule store changed on disk, cache invalidated")
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}
