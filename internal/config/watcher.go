package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last event
// before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the analysis section when the config file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(AnalysisConfig)
	logger   *zap.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	reloads int
}

// NewWatcher creates a watcher for the config file at path. onReload
// receives each successfully parsed analysis section.
func NewWatcher(path string, debounce time.Duration, onReload func(AnalysisConfig), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Watch blocks until ctx is done. The parent directory is watched so
// editors that replace the file via rename are still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.watcher.Close()
	}()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reloads returns how many reloads were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
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
	cfg, err := LoadAnalysis(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("analysis defaults reloaded",
		zap.Int("banned_phrases", len(cfg.BannedPhrases)),
		zap.Strings("pii_detectors", cfg.PIIDetectors))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
