package jailconf

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and passes each valid
// result to fn. The directory is watched rather than the file so editors
// that replace the file by rename are seen. Invalid edits are logged and
// skipped. Watch returns once the watcher is running; it stops when ctx is
// done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jailconf: watch: %w", err)
	}
	dir, name := filepath.Dir(path), filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("jailconf: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Base(event.Name) != name {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("jailconf: WARNING: ignoring changed config: %v", err)
					continue
				}
				log.Printf("jailconf: reloaded %s", path)
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("jailconf: watcher error: %v", err)
			}
		}
	}()
	log.Printf("jailconf: watching %s for changes", path)
	return nil
}
