package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file at path changes. The loaded
// contents replace cfg wholesale via ReplaceFrom, so the binding table is
// swapped atomically. onReload (optional) fires after each successful swap.
//
// Editors write configs as remove+rename, so the parent directory is watched
// rather than the file itself. Events are debounced briefly to coalesce the
// write bursts editors produce.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		lastHash := cfg.Hash()

		reload := func() {
			next, err := Load(path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous", "path", path, "error", err)
				return
			}
			if h := next.Hash(); h == lastHash {
				return
			} else {
				lastHash = h
			}
			// Load already overlaid env vars (secrets included) onto next, so
			// the swap is the only mutation and it holds the config mutex.
			cfg.ReplaceFrom(next)
			slog.Info("config: reloaded", "path", path, "bindings", len(next.Bindings))
			if onReload != nil {
				onReload(cfg)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watch error", "error", err)
			case <-pending:
				pending = nil
				reload()
			}
		}
	}()

	return nil
}
