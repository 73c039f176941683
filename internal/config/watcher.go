package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// DefaultDebounce collapses the burst of events an editor produces per save
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes. It watches the
// parent directory so atomic saves (write temp, rename over) are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *logger.Logger
	loader   func(string) (*Config, error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onReload ReloadFunc, log *logger.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	if log == nil {
		log = logger.Discard()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		onReload: onReload,
		logger:   log.WithField("component", "config_watcher"),
		loader:   LoadConfig,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period before a reload fires
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching the file's directory
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(1)
	go w.loop()

	w.logger.WithField("path", w.path).Info("Watching configuration file")
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Configuration reload rejected, keeping current configuration")
		return
	}
	w.logger.Info("Configuration file changed, applying")
	w.onReload(cfg)
}

// Close stops watching and cancels a pending reload
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
