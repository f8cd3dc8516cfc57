package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the feature-flag set when the config file changes on
// disk. Only flags are hot-swapped; everything else in the configuration
// stays fixed until restart. Change events are debounced so an editor
// write (truncate + write + rename) triggers a single reload.
type Watcher struct {
	cfg      *Config
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(cfg *Config, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:      cfg,
		path:     path,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default().With("component", "config.watcher"),
	}, nil
}

// Watch blocks until ctx is cancelled, swapping the live flags on each
// change to the watched file.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer w.watcher.Close()

	// Watch the directory rather than the file itself: most editors and
	// config-management tools replace the file, which drops an inode-level
	// watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info("config watcher started", "path", w.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	fresh := &Config{}
	if err := loadFile(fresh, w.path); err != nil {
		w.logger.Error("config reload failed, keeping current flags", "error", err)
		return
	}
	ApplyEnvOverrides(fresh)
	ApplyDefaults(fresh)

	old := w.cfg.Flags()
	w.cfg.SetFlags(fresh.Features)

	w.logger.Info("feature flags reloaded",
		"sanitization", fresh.Features.DataSanitization,
		"time_blocking", fresh.Features.TimeBasedBlocking,
		"caching", fresh.Features.Caching,
		"policy", fresh.Features.PolicyEnforcement,
		"rate_limiting", fresh.Features.RateLimiting,
		"changed", old != fresh.Features,
	)
}
