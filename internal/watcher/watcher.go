// Package watcher streams normalized change events for markdown memory
// files. fsnotify events are filtered to .md paths outside deprecated/ and
// coalesced per path through a debounce window, so the indexer sees at most
// one in-flight operation per file.
package watcher

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a change.
type EventType string

const (
	Created  EventType = "created"
	Modified EventType = "modified"
	Deleted  EventType = "deleted"
)

// Event is a normalized filesystem change.
type Event struct {
	Type EventType
	Path string // absolute path
	Time time.Time
}

// Callback receives debounced events on the dispatcher goroutine.
type Callback func(Event)

// Watcher recursively watches a memory root.
type Watcher struct {
	root     string
	debounce time.Duration
	cb       Callback

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEvent
}

type pendingEvent struct {
	timer  *time.Timer
	latest EventType
}

// New creates a watcher for root. debounce <= 0 defaults to 100ms.
func New(root string, debounce time.Duration, cb Callback) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		cb:       cb,
		pending:  map[string]*pendingEvent{},
	}
}

// Start begins watching. It walks the root registering every directory
// except deprecated/ subtrees, then dispatches until Stop or ctx cancel.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.active.Store(true)

	go w.loop(ctx)
	return nil
}

// Stop cancels dispatching and every pending debounce timer.
func (w *Watcher) Stop() {
	if !w.active.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	<-w.done

	w.pendingMu.Lock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	w.fsw.Close()
}

// Active reports whether the watcher is dispatching.
func (w *Watcher) Active() bool { return w.active.Load() }

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isDeprecated(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// New directories join the watch so nested creates are seen.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.isDeprecated(ev.Name) {
				_ = w.addRecursive(ev.Name)
			}
			return
		}
	}

	if filepath.Ext(ev.Name) != ".md" || w.isDeprecated(ev.Name) {
		return
	}

	var typ EventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = Created
	case ev.Op.Has(fsnotify.Write):
		typ = Modified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		typ = Deleted
	default:
		return
	}
	w.schedule(ev.Name, typ)
}

// schedule resets the per-path debounce timer, keeping only the most
// recent event type within the window.
func (w *Watcher) schedule(path string, typ EventType) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.latest = typ
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{latest: typ}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
	w.pending[path] = p
}

func (w *Watcher) fire(path string) {
	w.pendingMu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	if !ok || !w.active.Load() {
		return
	}
	w.cb(Event{Type: p.latest, Path: path, Time: time.Now()})
}

// isDeprecated reports whether path sits under a deprecated/ segment
// relative to the memory root.
func (w *Watcher) isDeprecated(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel == "deprecated" || strings.HasPrefix(rel, "deprecated/")
}
