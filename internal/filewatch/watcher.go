// Package filewatch watches local directories and delivers a debounced
// stream of changed paths, the feed the phx CLI's watch command turns into
// channel pushes.
package filewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event describes one debounced file change.
type Event struct {
	Path   string
	Action string // "upsert" or "delete"
}

// Watch watches dirs (recursively) and sends a debounced Event to onChange
// for every create/write/remove/rename, until ctx is cancelled. Skip names
// are directory basenames never descended into (e.g. ".git").
func Watch(ctx context.Context, dirs []string, debounceWindow time.Duration, skip []string, onChange func(Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range dirs {
		if err := addRecursive(w, dir, skip); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	deb := newDebouncer(debounceWindow)
	defer deb.Stop()

	go func() {
		for path := range deb.Output() {
			onChange(classify(path))
		}
	}()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				deb.trigger(event.Name)
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addRecursive(w, event.Name, skip)
				}
			}
		case <-w.Errors:
			// non-fatal; fsnotify already dropped the event
		case <-ctx.Done():
			return nil
		}
	}
}

func classify(path string) Event {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Event{Path: path, Action: "delete"}
	}
	return Event{Path: path, Action: "upsert"}
}

func addRecursive(w *fsnotify.Watcher, root string, skip []string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			for _, s := range skip {
				if info.Name() == s {
					return filepath.SkipDir
				}
			}
			return w.Add(path)
		}
		return nil
	})
}
