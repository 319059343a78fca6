package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/logging"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the gateway configuration whenever the file on disk
// changes. A reload that fails validation is discarded and the last
// valid configuration stays active.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration

	mu      sync.RWMutex
	active  *Config
	onLoad  []func(*Config)
	reloads atomic.Int64
}

// NewWatcher loads the configuration at path and prepares a watcher for
// it. Start must be called before changes are picked up.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fs,
		loader:   NewLoader(),
		path:     path,
		debounce: reloadDebounce,
	}

	cfg, err := w.loader.Load(path)
	if err != nil {
		fs.Close()
		return nil, err
	}
	w.active = cfg

	return w, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Callbacks run on their own goroutines.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLoad = append(w.onLoad, fn)
}

// Start watches the directory holding the config file. Watching the
// directory instead of the file survives editors that replace the file
// on save.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var pending *time.Timer

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Collapse the burst of events a single save produces.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.active = cfg
	callbacks := make([]func(*Config), len(w.onLoad))
	copy(callbacks, w.onLoad)
	w.mu.Unlock()

	n := w.reloads.Add(1)
	logging.Info("configuration reloaded",
		zap.String("path", w.path),
		zap.Int64("reloads", n))

	for _, fn := range callbacks {
		go fn(cfg)
	}
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// Reloads reports how many successful reloads have happened since start.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
