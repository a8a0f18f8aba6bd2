package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands
// each valid new config to the observer. Invalid edits are logged and
// the previous config stays in effect.
type Watcher struct {
	loader     *Loader
	configPath string
	observer   func(domain.Config)
	logger     *zap.Logger
}

func NewWatcher(loader *Loader, configPath string, observer func(domain.Config), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:     loader,
		configPath: configPath,
		observer:   observer,
		logger:     logger.Named("config_watcher"),
	}
}

// Run blocks until the context is canceled. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.loader.Load(ctx, w.configPath)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.configPath))
	w.observer(cfg)
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
