package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"glimpse/internal/logging"
)

// Watcher reloads the config file on change and pushes the result into a
// Settings view. Rapid editor save bursts are debounced.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	settings    *Settings
	onReload    func(*Config)
	debounceDur time.Duration
	lastEvent   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config path. onReload may be
// nil; when set it runs after every successful reload.
func NewWatcher(path string, settings *Settings, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		path:        path,
		settings:    settings,
		onReload:    onReload,
		debounceDur: 300 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the
// directory instead of the file survives the rename-and-replace pattern
// editors use on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	logging.Get(logging.CategoryConfig).Info("watching config at %s", w.path)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryConfig)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			tooSoon := time.Since(w.lastEvent) < w.debounceDur
			if !tooSoon {
				w.lastEvent = time.Now()
			}
			w.mu.Unlock()
			if tooSoon {
				continue
			}
			w.reload(log)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error: %v", err)
		}
	}
}

func (w *Watcher) reload(log *logging.Logger) {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error("config reload failed, keeping previous: %v", err)
		return
	}
	w.settings.Replace(cfg)
	log.Info("config reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
