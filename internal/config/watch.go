package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk. Invalid
// revisions are logged and skipped; the last good config stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. onChange runs on a background
// goroutine after each successful reload.
func NewWatcher(path string, initial *Config, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: DefaultWatchDebounce,
		onChange: onChange,
		logger:   logger.With("component", "config_watcher", "path", path),
		current:  initial,
	}
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start watches the file's directory until ctx ends or Close is called.
// The directory is watched because editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return err
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx, fw, abs)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, abs string) {
	defer w.wg.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logger.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
