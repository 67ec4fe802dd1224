package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler observes a reload. Handlers run on the watcher goroutine;
// long work belongs elsewhere.
type ChangeHandler func(old, updated *Config)

// Watcher hot-reloads one config file. The directory is watched rather
// than the file because editors and orchestrators replace files by rename.
// A reload that fails to parse or validate keeps the current config.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler

	fsw      *fsnotify.Watcher
	pollTick time.Duration
	lastMod  time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewWatcher wraps an already-loaded config. Start begins watching.
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:    path,
		logger:  logger.Named("config"),
		current: initial,
		done:    make(chan struct{}),
	}
}

// Current returns the latest good config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler for successful reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// EnablePolling switches to modtime polling instead of fsnotify, for
// filesystems that drop inotify events (network mounts, some containers).
// Call before Start.
func (w *Watcher) EnablePolling(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.pollTick = interval
}

// Start begins watching. It is a no-op when the watcher has no path.
func (w *Watcher) Start() error {
	if w.path == "" {
		w.logger.Info("no config file to watch, hot reload disabled")
		return nil
	}
	if w.started {
		return fmt.Errorf("config: watcher already started")
	}
	w.started = true

	if w.pollTick > 0 {
		if info, err := os.Stat(w.path); err == nil {
			w.lastMod = info.ModTime()
		}
		w.wg.Add(1)
		go w.pollLoop()
		w.logger.Info("config watcher polling",
			zap.String("path", w.path),
			zap.Duration("interval", w.pollTick))
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Writers rarely land a file in one syscall. A short settle
			// keeps us from reading half a file.
			time.Sleep(50 * time.Millisecond)
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(w.lastMod) {
				w.lastMod = info.ModTime()
				w.reload()
			}
		}
	}
}

// reload re-reads the file and swaps the current config when it parses and
// validates. Handlers see old and new so they can diff the knobs they care
// about.
func (w *Watcher) reload() {
	updated, err := LoadFrom(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping current",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		zap.String("path", w.path),
		zap.String("logging_level", updated.Logging.Level),
		zap.Int("breaker_threshold", updated.LB.CircuitBreakerThreshold))

	for _, h := range handlers {
		h(old, updated)
	}
}
