package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Live holds the active config. Readers always see a complete value.
type Live struct {
	ptr atomic.Pointer[Config]
}

func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.ptr.Store(cfg)
	return l
}

func (l *Live) Load() *Config {
	if l == nil {
		return nil
	}
	return l.ptr.Load()
}

func (l *Live) Store(cfg *Config) {
	l.ptr.Store(cfg)
}

// reloadDelay coalesces the burst of events a single save produces.
var reloadDelay = 100 * time.Millisecond

// Watch reloads path into live whenever the file is written or replaced.
// Invalid files are logged and ignored; the previous config stays active.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, live *Live, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDelay)
		case <-timer.C:
			cfg, err := FromFile(target)
			if err != nil {
				logger.Warn("config reload rejected", "path", target, "err", err)
				continue
			}
			live.Store(cfg)
			logger.Info("config reloaded", "path", target, "project", cfg.Project.ID)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		}
	}
}
