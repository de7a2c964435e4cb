package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchAgentSpecs reloads agent spec files when they change on disk and hands
// the fresh set to onReload. Running agents keep the spec they started with;
// only new runs observe the reload.
func WatchAgentSpecs(ctx context.Context, entries []AgentEntry, onReload func(map[string]*AgentSpec)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	for _, e := range entries {
		dirs[filepath.Dir(e.SpecPath)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("config: watch agent spec dir failed", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		// Editors fire bursts of writes; debounce before reloading.
		var timer *time.Timer
		reload := func() {
			specs, err := LoadAgentSpecs(entries)
			if err != nil {
				slog.Warn("config: agent spec reload failed, keeping previous set", "error", err)
				return
			}
			slog.Info("config: agent specs reloaded", "count", len(specs))
			onReload(specs)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: spec watcher error", "error", err)
			}
		}
	}()
	return nil
}
