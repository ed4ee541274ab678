package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/portofcontext/vestige/internal/logging"
)

// PoolReloadCallback is called when the pool-targets file is successfully
// reloaded. A callback error is logged but the watcher keeps watching with
// the previous valid config.
type PoolReloadCallback func(cfg *PoolFile) error

// PoolWatcherConfig holds configuration for the PoolWatcher.
type PoolWatcherConfig struct {
	// FilePath is the pool-targets YAML file to watch.
	FilePath string

	// DebounceMillis coalesces bursts of file change events into one reload.
	// Default: 500ms.
	DebounceMillis int
}

// PoolWatcher watches the pool-targets file for changes and triggers reload
// callbacks with debouncing, so editor save sequences don't cause reload
// storms. Invalid configs are logged and skipped; the watcher keeps the last
// valid config applied.
type PoolWatcher struct {
	config   PoolWatcherConfig
	callback PoolReloadCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{}
	mu       sync.Mutex

	debounceTimer *time.Timer
}

// NewPoolWatcher creates a watcher for the given pool file.
func NewPoolWatcher(config PoolWatcherConfig, callback PoolReloadCallback) (*PoolWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}

	return &PoolWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.poolwatcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the initial config, calls the callback, and begins watching.
// Returns once the watcher is installed; fails fast if the initial load or
// callback fails.
func (w *PoolWatcher) Start(ctx context.Context) error {
	initial, err := LoadPoolFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial pool config: %w", err)
	}
	if err := w.callback(initial); err != nil {
		return fmt.Errorf("initial pool config callback failed: %w", err)
	}

	w.logger.Info("Loaded initial pool config from %s (%d targets)", w.config.FilePath, len(initial.Targets))

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// Stop terminates the watch loop.
func (w *PoolWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.stopped
	}
}

func (w *PoolWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *PoolWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.Error("Failed to watch file %s: %v", w.config.FilePath, err)
		return
	}

	w.logger.Debug("Watching %s for changes (debounce: %dms)", w.config.FilePath, w.config.DebounceMillis)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			relevant := event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
			if !relevant {
				continue
			}
			// Atomic writes unlink the old file before renaming the new one
			// into place; the watch follows the dead inode unless re-added.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.config.FilePath); err != nil {
					w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.handleFileChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error: %v", err)
		}
	}
}

// handleFileChange debounces by resetting a timer on each event.
func (w *PoolWatcher) handleFileChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		w.reloadConfig,
	)
}

func (w *PoolWatcher) reloadConfig() {
	cfg, err := LoadPoolFile(w.config.FilePath)
	if err != nil {
		w.logger.Warn("Pool config reload skipped, keeping previous config: %v", err)
		return
	}
	if err := w.callback(cfg); err != nil {
		w.logger.Warn("Pool config reload callback failed: %v", err)
		return
	}
	w.logger.Info("Pool config reloaded from %s (%d targets)", w.config.FilePath, len(cfg.Targets))
}
