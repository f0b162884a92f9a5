// internal/config/watcher.go
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a throttlegate config file for changes and invokes
// every registered callback with the freshly reloaded Config. This is
// what lets an operator edit bytes_per_second or priority_map on disk
// and have it land within one epoch, without a process restart.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(*Config)
	mu         sync.Mutex
	stopped    bool
	log        *slog.Logger
}

// NewWatcher creates a Watcher for configPath. It also watches the
// containing directory, since editors commonly write a temp file and
// rename it over the original rather than writing in place.
func NewWatcher(configPath string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:    fw,
		configPath: configPath,
		log:        slog.Default(),
	}

	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	if err := fw.Add(filepath.Dir(configPath)); err != nil {
		w.log.Warn("failed to watch config directory", "path", configPath, "error", err)
	}

	go w.watch()
	return w, nil
}

// OnChange registers a callback invoked with the reloaded Config every
// time the watched file changes and reparses cleanly. A parse or
// validation failure is logged and the previous configuration is left in
// effect; it is never passed to callbacks.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous configuration", "path", w.configPath, "error", err)
		return
	}

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher goroutine and releases the underlying
// filesystem watch.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()
	return w.watcher.Close()
}
