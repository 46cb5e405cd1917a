// Package watcher reloads the configuration file when it changes on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alucardeht/toolbridge/internal/config"
	"github.com/alucardeht/toolbridge/internal/logger"
)

var log = logger.ForComponent("watcher")

const DefaultDebounce = 300 * time.Millisecond

// ApplyFunc receives each successfully loaded configuration.
type ApplyFunc func(config.Config) error

// ConfigWatcher watches the directory holding the config file, since editors
// and config management tools usually replace the file rather than write it
// in place.
type ConfigWatcher struct {
	path      string
	apply     ApplyFunc
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	reloads  int
	failures int
	lastErr  error
}

func New(path string, debounce time.Duration, apply ApplyFunc) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &ConfigWatcher{
		path:      abs,
		apply:     apply,
		fsWatcher: fsWatcher,
	}
	w.debouncer = NewDebouncer(debounce, w.onFlush)
	return w, nil
}

func (w *ConfigWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.running = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.handleEvents(ctx, w.done)

	log.Info("watching config file", "path", w.path)
}

func (w *ConfigWatcher) handleEvents(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			fe, ok := convertEvent(event)
			if !ok {
				continue
			}
			log.Debug("config file event", "op", fe.Type)
			w.debouncer.Add(fe)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", "error", err)
		}
	}
}

func (w *ConfigWatcher) onFlush(events []FileEvent) {
	for _, e := range events {
		if e.Type == EventDelete || e.Type == EventRename {
			// the replacement usually lands as a create right after
			log.Debug("config file moved away", "path", e.Path)
			return
		}
	}
	w.Reload()
}

// Reload loads the file and hands it to the apply function. A file that
// fails to load or validate leaves the running configuration untouched.
func (w *ConfigWatcher) Reload() error {
	cfg, err := config.Load(w.path)
	if err == nil {
		err = w.apply(*cfg)
	}

	w.mu.Lock()
	if err != nil {
		w.failures++
		w.lastErr = err
	} else {
		w.reloads++
		w.lastErr = nil
	}
	w.mu.Unlock()

	if err != nil {
		log.Warn("config reload rejected", "path", w.path, "error", err)
		return err
	}
	log.Info("config reloaded", "path", w.path)
	return nil
}

type Stats struct {
	Path      string `json:"path" yaml:"path"`
	Reloads   int    `json:"reloads" yaml:"reloads"`
	Failures  int    `json:"failures" yaml:"failures"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

func (w *ConfigWatcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{Path: w.path, Reloads: w.reloads, Failures: w.failures}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fsWatcher.Close()
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.debouncer.Stop()

	log.Info("config watcher stopped")
	return w.fsWatcher.Close()
}
