package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

// ConfigWatcher watches a config file and hands the previous and reloaded
// config to every callback, so subscribers can diff settings.
type ConfigWatcher struct {
	configPath      string
	watcher         *fsnotify.Watcher
	callbacks       []ReloadCallback
	mu              sync.RWMutex
	current         *Config
	debounceTimer   *time.Timer
	debouncePeriod  time.Duration
	isOwnWrite      bool // set by PersistDefaults so our own writes don't reload
	isOwnWriteMutex sync.Mutex
	done            chan struct{}
}

// ReloadCallback is called with the config before and after a reload
type ReloadCallback func(old, new *Config) error

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher creates a watcher for configPath. current is the config
// the process is running with; it becomes "old" on the first reload.
func NewConfigWatcher(configPath string, current *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	// Watch the directory: editors replace files by rename, which drops a file watch
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory for %s", configPath)
	}

	return &ConfigWatcher{
		configPath:     configPath,
		watcher:        watcher,
		current:        current,
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite marks the next write as coming from us (prevents reload loops)
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	cw.isOwnWrite = true
}

func (cw *ConfigWatcher) checkOwnWrite() bool {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	own := cw.isOwnWrite
	cw.isOwnWrite = false
	return own
}

// Current returns the last loaded config
func (cw *ConfigWatcher) Current() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if cw.checkOwnWrite() {
				logger.Debugw("Config watcher ignoring own write", "file", event.Name)
				continue
			}
			logger.Infow("Config watcher detected change", "file", event.Name, "op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.Reload(); err != nil {
			logger.Errorw("Config reload failed", "error", err)
		}
	})
}

// Reload re-reads the watched file and calls all callbacks with the old and
// new config. Invalid files are rejected and the current config is kept.
func (cw *ConfigWatcher) Reload() error {
	next, err := LoadFromFile(cw.configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}

	cw.mu.Lock()
	old := cw.current
	cw.current = next
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	// Keep Load() consistent with what the callbacks see
	Reset()

	logger.Infow("Config reloaded successfully", "path", cw.configPath)

	for _, callback := range callbacks {
		if err := callback(old, next); err != nil {
			// Continue calling other callbacks even if one fails
			logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	close(cw.done)
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

// SetGlobalWatcher sets the global watcher instance (used to prevent reload loops)
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the global watcher instance
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
