package settings

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a settings file on disk and reloads the Store whenever it
// changes, standing in for grbl's assumption that settings writes happen
// in-process via the `$`-command interpreter: here, an external tool (the
// out-of-core `$x=` handler) can rewrite the YAML file directly and have it
// picked up without a restart.
type Watcher struct {
	path    string
	store   *Store
	fsw     *fsnotify.Watcher
	beforeReload func() // called before swapping in new Data, e.g. planner sync
	done    chan struct{}
}

// NewWatcher opens an fsnotify watch on path and returns a Watcher that is
// not yet running; call Run to start the background goroutine.
//
// beforeReload is invoked synchronously before each reload is applied; the
// caller should use it to perform a planner sync, since spec.md section 6
// requires persisted-state writes to be preceded by one.
func NewWatcher(path string, store *Store, beforeReload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:         path,
		store:        store,
		fsw:          fsw,
		beforeReload: beforeReload,
		done:         make(chan struct{}),
	}, nil
}

// Run processes filesystem events until Close is called. Intended to be
// run in its own goroutine, the same way comm.Pool.destroyTrash is run in
// the background by NewPool.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d, err := Load(w.path)
			if err != nil {
				log.Printf("settings: reload of %s failed: %v", w.path, err)
				continue
			}
			if w.beforeReload != nil {
				w.beforeReload()
			}
			w.store.Replace(d)
			log.Printf("settings: reloaded %s", w.path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("settings: watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
