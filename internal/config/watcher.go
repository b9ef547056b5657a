package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/spire/internal/logging"
)

// Watcher watches a config file's directory for changes and reloads it,
// secondary to (and consistent with) the admin POST /reload trigger.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*AppConfig)
	mu         sync.RWMutex
	debounce   time.Duration
	lastConfig *AppConfig
}

// NewWatcher loads configPath once and prepares a Watcher to track it.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg

	return w, nil
}

// OnChange registers a callback invoked with the freshly reloaded config.
func (w *Watcher) OnChange(cb func(*AppConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching the config file's containing directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			now := time.Now()
			if now.Sub(lastEvent) < w.debounce && debounceTimer != nil {
				debounceTimer.Stop()
			}
			lastEvent = now
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	callbacks := make([]func(*AppConfig), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))

	for _, cb := range callbacks {
		go cb(cfg)
	}
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *AppConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
