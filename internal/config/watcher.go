package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the settings file when it changes on disk. Editors often
// replace the file instead of writing it, so the directory is watched.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Settings)
	debounce time.Duration
	log      *zap.Logger
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for path. onChange receives each valid reload.
func NewWatcher(path string, onChange func(*Settings), log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		watcher:  w,
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		log:      log,
		doneCh:   make(chan struct{}),
	}, nil
}

// Run watches until ctx is done. It returns after the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.doneCh)
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.log.Info("watching settings", zap.String("path", w.path))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// Done is closed when Run returns
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) reload() {
	// a rename leaves no file behind until the editor writes the new one
	if _, err := os.Stat(w.path); err != nil {
		return
	}
	s, err := Load(w.path)
	if err != nil {
		w.log.Warn("settings reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.log.Info("settings reloaded", zap.String("path", w.path))
	if w.onChange != nil {
		w.onChange(s)
	}
}
