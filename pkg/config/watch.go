package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onChange with the new
// values until the context is canceled. The parent directory is watched so
// editor rename-and-replace saves are seen. A periodic fallback poll covers
// platforms where fsnotify misses events; unparseable files are skipped and
// the previous values stay in effect.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	fallback := time.NewTicker(time.Minute)
	defer fallback.Stop()

	reload := func() {
		c, err := Load(path)
		if err != nil {
			return
		}
		onChange(c)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case <-watcher.Errors:
			// Transient watcher errors are covered by the fallback poll.
		case <-fallback.C:
			reload()
		}
	}
}
