package config

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mir00r/bulu/pkg/logger"
)

// Watcher reloads the configuration file when it changes on disk and hands
// every valid new version to the registered callbacks. Invalid versions are
// logged and ignored so the running configuration stays in effect.
type Watcher struct {
	path      string
	logger    *logger.Logger
	mutex     sync.Mutex
	current   *Config
	overrides []func(*Config)
	callbacks []func(*Config) error
}

// NewWatcher creates a watcher for path. current is the configuration
// already in effect; unchanged reloads are skipped.
func NewWatcher(path string, current *Config, log *logger.Logger) *Watcher {
	return &Watcher{
		path:    path,
		current: current,
		logger:  log.ConfigLogger(),
	}
}

// OnReload registers a callback to be called when config is reloaded
func (w *Watcher) OnReload(callback func(*Config) error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Override registers a function applied to every loaded file before it is
// compared with the current configuration. current must already carry the
// same overrides.
func (w *Watcher) Override(fn func(*Config)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.overrides = append(w.overrides, fn)
}

// Current returns the configuration currently in effect
func (w *Watcher) Current() *Config {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.current
}

// Run watches the file until ctx is cancelled. The parent directory is
// watched so that editors which replace the file atomically are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	target := filepath.Clean(w.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.WithField("config_file", w.path).Info("Started configuration file watcher")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopped configuration file watcher")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Error("Configuration reload rejected, keeping current configuration")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// Reload loads and validates the file and applies it if it changed
func (w *Watcher) Reload() error {
	newConfig, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	for _, override := range w.overrides {
		override(newConfig)
	}

	if !changed(w.current, newConfig) {
		w.logger.Debug("Configuration file touched without changes")
		return nil
	}

	for _, callback := range w.callbacks {
		if err := callback(newConfig); err != nil {
			return fmt.Errorf("config reload callback failed: %w", err)
		}
	}

	w.current = newConfig
	w.logger.WithFields(map[string]interface{}{
		"flat_mode": newConfig.FlatMode(),
		"domains":   len(newConfig.Domains),
		"nodes":     len(newConfig.Nodes),
	}).Info("Configuration reloaded")
	return nil
}

func changed(oldConfig, newConfig *Config) bool {
	if oldConfig == nil {
		return true
	}
	oldData, _ := json.Marshal(oldConfig)
	newData, _ := json.Marshal(newConfig)
	return string(oldData) != string(newData)
}
