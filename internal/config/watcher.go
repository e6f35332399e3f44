package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher hot-reloads the provider definitions file. Editors often replace
// files by rename, so the parent directory is watched and events filtered
// by name.
type Watcher struct {
	path     string
	onReload func()
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewWatcher creates a watcher that invokes onReload after each change to
// the file at path.
func NewWatcher(path string, onReload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
	}
	go w.run()

	log.Info().Str("path", path).Msg("Provider definitions watcher started")
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Info().Str("path", w.path).Str("op", event.Op.String()).Msg("Provider definitions changed")
			w.onReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Provider definitions watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
