// Package filewatch reports settled changes to watched directories.
package filewatch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a set of directories and coalesces bursts of file events
// into one notification per directory.
type Watcher struct {
	w    *fsnotify.Watcher
	dirs map[string]struct{}
}

// New starts watching dirs. Events are not delivered until Run is called.
func New(dirs ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	watched := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		clean := filepath.Clean(dir)
		if err := w.Add(clean); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", clean, err)
		}
		watched[clean] = struct{}{}
	}
	return &Watcher{w: w, dirs: watched}, nil
}

// Run delivers onChange(dir) once a watched directory has been quiet for
// debounce after its last write, create, remove or rename. Run blocks until
// ctx is done and closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context, debounce time.Duration, onChange func(dir string)) error {
	defer w.w.Close()

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			dir := w.owningDir(event.Name)
			if dir == "" {
				continue
			}
			mu.Lock()
			if t, ok := timers[dir]; ok {
				t.Reset(debounce)
			} else {
				timers[dir] = time.AfterFunc(debounce, func() {
					if ctx.Err() != nil {
						return
					}
					onChange(dir)
				})
			}
			mu.Unlock()
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			log.Printf("filewatch: %v", err)
		}
	}
}

// Close stops the watcher without running it.
func (w *Watcher) Close() error {
	return w.w.Close()
}

func (w *Watcher) owningDir(name string) string {
	clean := filepath.Clean(name)
	if _, ok := w.dirs[clean]; ok {
		return clean
	}
	parent := filepath.Dir(clean)
	if _, ok := w.dirs[parent]; ok {
		return parent
	}
	return ""
}
