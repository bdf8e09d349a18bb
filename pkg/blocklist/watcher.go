package blocklist

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"adward/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the bursts of events editors and downloads produce.
const debounceDelay = 100 * time.Millisecond

// Watcher reloads a Manager when rule files change on disk.
type Watcher struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	onReload func(error)
}

// NewWatcher watches the block directory and, when set, the directory that
// holds the allow file.
func NewWatcher(m *Manager, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dirs := []string{m.blockDir}
	if m.allowFile != "" {
		if allowDir := filepath.Dir(m.allowFile); allowDir != filepath.Clean(m.blockDir) {
			dirs = append(dirs, allowDir)
		}
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return &Watcher{
		manager: m,
		watcher: fsw,
		logger:  logger,
	}, nil
}

// OnReload registers a callback invoked after every reload attempt.
func (w *Watcher) OnReload(fn func(error)) {
	w.onReload = fn
}

// Start blocks, reloading on changes, until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting block list watcher", "dir", w.manager.blockDir, "allow_file", w.manager.allowFile)

	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Block list watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			debounceTimer.Reset(debounceDelay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Block list watcher error", "error", err)

		case <-debounceTimer.C:
			err := w.manager.Reload(ctx)
			if err != nil {
				w.logger.Error("Failed to reload block lists", "error", err)
			} else {
				w.logger.Debug("Block lists reloaded after file change")
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}

// relevant filters events down to the block directory's files and the allow
// file itself; siblings of the allow file are ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	dir := filepath.Dir(event.Name)
	if dir == filepath.Clean(w.manager.blockDir) {
		return !isHidden(filepath.Base(event.Name))
	}
	return w.manager.allowFile != "" && filepath.Clean(event.Name) == filepath.Clean(w.manager.allowFile)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
