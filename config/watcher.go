package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goclaw/sagaflow/pkg/logger"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeFunc receives the configuration in force before a reload and the one
// that replaces it. prev is nil when the watcher started without one.
type ChangeFunc func(prev, next *Config)

// Watcher reloads a config file after it changes. It watches the parent
// directory, so editors that save via rename are seen as well.
type Watcher struct {
	fs        *fsnotify.Watcher
	loader    *Loader
	path      string
	overrides map[string]interface{}
	debounce  time.Duration
	log       logger.Logger

	mu        sync.RWMutex
	current   *Config
	digest    []byte
	callbacks []ChangeFunc
	running   bool

	stop     chan struct{}
	stopOnce sync.Once
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
// Non-positive values keep the default.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatcherLogger(log logger.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// WithReloadOverrides re-applies command-line overrides on every reload.
func WithReloadOverrides(overrides map[string]interface{}) WatcherOption {
	return func(w *Watcher) { w.overrides = overrides }
}

// WithInitialConfig seeds the configuration passed as prev to the first change.
func WithInitialConfig(cfg *Config) WatcherOption {
	return func(w *Watcher) { w.current = cfg }
}

// NewWatcher creates a watcher for path. A nil loader gets a fresh one.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	if loader == nil {
		loader = NewLoader()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		loader:   loader,
		path:     abs,
		debounce: defaultDebounce,
		log:      logger.Global(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config-watcher", "path", abs)
	return w, nil
}

// Watch blocks until ctx is done or Stop is called. A burst of file events
// produces one reload after the debounce interval; a file whose bytes did not
// change is not reloaded.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := w.begin(); err != nil {
		return err
	}
	defer w.end()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	if sum, err := fileDigest(w.path); err == nil {
		w.mu.Lock()
		w.digest = sum
		w.mu.Unlock()
	}

	// Stopped timer; only file events arm it.
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				quiet.Reset(w.debounce)
			}
		case <-quiet.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher is already running")
	}
	w.running = true
	return nil
}

func (w *Watcher) end() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// reload loads the file and runs callbacks in registration order. A file that
// fails to load or validate leaves the current configuration in force.
func (w *Watcher) reload() {
	sum, err := fileDigest(w.path)
	if err != nil {
		w.log.Warn("Config file unreadable", "error", err)
		return
	}
	w.mu.RLock()
	unchanged := w.digest != nil && bytes.Equal(sum, w.digest)
	w.mu.RUnlock()
	if unchanged {
		w.log.Debug("Config file touched without changes")
		return
	}

	next, err := w.loader.Load(w.path, w.overrides)
	if err != nil {
		w.log.Error("Config reload rejected", "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.digest = sum
	callbacks := append([]ChangeFunc(nil), w.callbacks...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		w.notify(fn, prev, next)
	}
	w.log.Info("Config reloaded", "source", w.loader.Source())
}

func (w *Watcher) notify(fn ChangeFunc, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Config callback panicked", "panic", r)
		}
	}()
	fn(prev, next)
}

func fileDigest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Current returns the most recently applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop ends Watch and releases the fsnotify handle. It is safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig holds the settings a running sagad applies without restart.
type HotReloadableConfig struct {
	LogLevel    string
	ResumeRate  float64
	ResumeBurst int
}

// ExtractHotReloadable returns the hot-reloadable subset of cfg. A nil cfg yields the zero value.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	if cfg == nil {
		return HotReloadableConfig{}
	}
	return HotReloadableConfig{
		LogLevel:    cfg.Log.Level,
		ResumeRate:  cfg.Recovery.ResumeRate,
		ResumeBurst: cfg.Recovery.ResumeBurst,
	}
}

func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
