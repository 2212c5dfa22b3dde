package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads path into cfg whenever the file changes, until ctx is done.
// The parent directory is watched so atomic rename-on-save is observed.
// onReload, if set, is called after each applied change.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				applyReload(abs, cfg, onReload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func applyReload(path string, cfg *Config, onReload func(*Config)) {
	next, err := Load(path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
		return
	}
	if next.Hash() == cfg.Hash() {
		return
	}
	cfg.ReplaceFrom(next)
	slog.Info("config reloaded", "path", path)
	if onReload != nil {
		onReload(cfg)
	}
}
