// Package config provides configuration types and loading for the orchestration platform.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return unmarshalExpanded(data, cfg)
}

func loadConfigFromString(content string, cfg *Config) error {
	return unmarshalExpanded([]byte(content), cfg)
}

func unmarshalExpanded(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	cfg.SetDefaults()
	return cfg.Validate()
}

// Watcher reloads Config from a file on disk whenever it changes, notifying
// the onChange callback given to NewWatcher. It never replaces a good config with a broken one:
// reload failures are logged and the previous config remains in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	mu  sync.RWMutex
	cur *Config

	done chan struct{}
}

// NewWatcher loads the initial config from path and arms an fsnotify watch on it.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		cur:      cfg,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.cur = cfg
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Current returns the most recently loaded, valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops watching the configuration file.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
