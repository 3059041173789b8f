package snapshot

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the snapshot storage root for out-of-band deletion of a
// snapshot directory between CreateSnapshot and Rollback: a Rollback of a
// snapshot whose disk directory was deleted returns an error message
// naming the missing path rather than raising. Without a Watcher, Rollback
// already degrades gracefully by surfacing missing-file errors from
// loadFromDisk; the Watcher lets a caller distinguish "deleted externally"
// from "never existed" in the message it prints to the user.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu        sync.Mutex
	deleted   map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// WatchRoot starts watching m's snapshot storage path for directory removal
// events. Manager.Close closes the returned Watcher; a caller may also close
// it earlier.
func (m *Manager) WatchRoot() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(m.cfg.StoragePath); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		deleted: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go w.run()

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				id := filepath.Base(ev.Name)
				w.mu.Lock()
				w.deleted[id] = struct{}{}
				w.mu.Unlock()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// WasDeletedOutOfBand reports whether the watcher has seen snapshotID's
// directory removed or renamed since it started. Every such event is
// recorded: removals made by the Manager itself (Commit, Rollback, a
// re-persist) are not told apart from external ones.
func (w *Watcher) WasDeletedOutOfBand(snapshotID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.deleted[snapshotID]
	return ok
}

// Close stops the watch goroutine and releases the underlying fsnotify
// handle. It is safe to call more than once; only the first call acts.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
