package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// ToolchainReloader receives a validated toolchain section after the config file changed.
type ToolchainReloader interface {
	ReloadToolchain(cfg ToolchainConfig)
}

// Watcher monitors the configuration file and hot-reloads the toolchain section.
// Other sections need a restart and are only logged when they change.
type Watcher struct {
	configPath   string
	reloader     ToolchainReloader
	watcher      *fsnotify.Watcher
	mu           sync.Mutex
	current      *Config
	stopChan     chan struct{}
	stopOnce     sync.Once
	reloadChan   chan struct{}
	debounceTime time.Duration
}

// NewWatcher creates a configuration file watcher.
func NewWatcher(configPath string, current *Config, reloader ToolchainReloader) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	return &Watcher{
		configPath:   absPath,
		reloader:     reloader,
		watcher:      watcher,
		current:      current,
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

// WithDebounce overrides the debounce window.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounceTime = d
	return w
}

// Start begins monitoring the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory; editors replace files by rename.
	configDir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", configDir, err)
	}

	slog.Info("Starting configuration watcher", logfields.Path(w.configPath))

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	configFile := filepath.Base(w.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				slog.Debug("Config file change detected", logfields.File(event.Name), slog.String("op", event.Op.String()))
				w.triggerReload()
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				slog.Warn("Config file removed", logfields.File(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case <-w.stopChan:
			stop()
			return
		case <-w.reloadChan:
			stop()
			timer = time.AfterFunc(w.debounceTime, func() {
				if err := w.performReload(); err != nil {
					slog.Error("Failed to reload configuration", logfields.Error(err))
				}
			})
		}
	}
}

func (w *Watcher) triggerReload() {
	select {
	case w.reloadChan <- struct{}{}:
	default:
	}
}

// performReload loads the file and forwards a changed toolchain section.
func (w *Watcher) performReload() error {
	slog.Info("Reloading configuration", logfields.Path(w.configPath))

	next, err := Load(w.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev != nil && (prev.Server != next.Server || prev.Catalog != next.Catalog) {
		slog.Warn("Server or catalog settings changed; restart required to apply them")
	}
	if prev != nil && reflect.DeepEqual(prev.Toolchain, next.Toolchain) {
		slog.Debug("Toolchain configuration unchanged")
		return nil
	}
	if w.reloader != nil {
		w.reloader.ReloadToolchain(next.Toolchain)
	}
	slog.Info("Toolchain configuration reloaded")
	return nil
}
