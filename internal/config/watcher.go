package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moolen/nosql/internal/logging"
)

// ReloadCallback is called with every successfully loaded profiles file.
// An error returned on reload is logged and the watcher keeps watching.
type ReloadCallback func(profiles *ProfilesFile) error

// ProfilesWatcherConfig holds configuration for the ProfilesWatcher.
type ProfilesWatcherConfig struct {
	// FilePath is the path to the profiles YAML file to watch
	FilePath string

	// Debounce coalesces change events arriving within this period. Default: 500ms
	Debounce time.Duration
}

// ProfilesWatcher watches a profiles file and invokes a callback after each
// debounced change. An invalid file is logged and skipped; the previous
// profiles stay in effect.
type ProfilesWatcher struct {
	config   ProfilesWatcherConfig
	callback ReloadCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{}
	mu       sync.Mutex

	debounceTimer *time.Timer
	// closed and inflight are guarded by mu; no reload starts once closed is set
	closed   bool
	inflight sync.WaitGroup
}

// NewProfilesWatcher creates a watcher for the given file.
func NewProfilesWatcher(config ProfilesWatcherConfig, callback ReloadCallback) (*ProfilesWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if config.Debounce == 0 {
		config.Debounce = 500 * time.Millisecond
	}

	return &ProfilesWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the file, hands it to the callback and begins watching.
// It returns once the underlying fsnotify watch is in place.
func (w *ProfilesWatcher) Start(ctx context.Context) error {
	initial, err := LoadProfilesFile(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial profiles: %w", err)
	}

	if err := w.callback(initial); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.logger.Info("Loaded initial profiles from %s", w.config.FilePath)

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

func (w *ProfilesWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *ProfilesWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.ErrorWithErr("Failed to create file watcher", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.Error("Failed to watch %s: %v", w.config.FilePath, err)
		return
	}

	w.logger.Debug("Watching %s for changes (debounce: %s)", w.config.FilePath, w.config.Debounce)
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			// Atomic writes replace the inode; the watch has to be re-added.
			if event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				time.Sleep(50 * time.Millisecond)
				if err := watcher.Add(w.config.FilePath); err != nil {
					w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
				}
			}
			w.scheduleReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error: %v", err)
		}
	}
}

func (w *ProfilesWatcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		if w.closed || ctx.Err() != nil {
			w.mu.Unlock()
			return
		}
		w.inflight.Add(1)
		w.mu.Unlock()

		defer w.inflight.Done()
		w.reload()
	})
}

func (w *ProfilesWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}

func (w *ProfilesWatcher) reload() {
	profiles, err := LoadProfilesFile(w.config.FilePath)
	if err != nil {
		w.logger.Warn("Keeping previous profiles: %v", err)
		return
	}

	if err := w.callback(profiles); err != nil {
		w.logger.Error("Reload callback failed: %v", err)
		return
	}

	w.logger.Info("Reloaded %d profiles from %s", len(profiles.Profiles), w.config.FilePath)
}

// Stop cancels the watch and waits up to 5s for the loop and any reload
// callback already running to finish. No callback runs after Stop returns nil.
func (w *ProfilesWatcher) Stop() error {
	w.mu.Lock()
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		<-w.stopped
		w.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}
