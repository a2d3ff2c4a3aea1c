package pending

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rjeczalik/notify"

	"github.com/syncmesh/engine/relpath"
)

// Watcher feeds filesystem events from a local root into a Tracker
// without requiring a full tree rescan.
type Watcher struct {
	root    string
	tracker *Tracker
	events  chan notify.EventInfo

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewWatcher starts watching root recursively and forwarding every
// create/write/remove/rename event into tracker. Call Close to stop.
func NewWatcher(root string, tracker *Tracker) (*Watcher, error) {
	events := make(chan notify.EventInfo, 256)
	recursive := filepath.Join(root, "...")
	if err := notify.Watch(recursive, events, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    root,
		tracker: tracker,
		events:  events,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handle(ev)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev notify.EventInfo) {
	rel, err := w.relativize(ev.Path())
	if err != nil {
		slog.Warn("watcher: could not relativize event path", "path", ev.Path(), "error", err)
		return
	}

	switch ev.Event() {
	case notify.Create:
		w.tracker.Notify(rel, Created)
	case notify.Write:
		w.tracker.Notify(rel, Changed)
	case notify.Remove:
		w.tracker.Notify(rel, Deleted)
	case notify.Rename:
		// rjeczalik/notify reports rename halves as independent events
		// on most platforms rather than an old/new pair, so each half is
		// queued as Changed. The Reconciler turns a Changed entry into an
		// Upload from the local side, taking precedence over the scan
		// for that path in the same run; a half whose local file is gone
		// is not propagated as a remote delete until a later scan finds
		// the tracked row missing locally.
		w.tracker.Notify(rel, Changed)
	default:
		slog.Debug("watcher: ignoring unhandled event", "event", ev.Event(), "path", ev.Path())
	}
}

func (w *Watcher) relativize(absPath string) (relpath.Path, error) {
	r, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return "", err
	}
	r = strings.ReplaceAll(r, string(filepath.Separator), "/")
	return relpath.New(r)
}

// Close stops the underlying OS watch and the forwarding goroutine.
// Events still buffered in the channel at that point may not be
// forwarded to the tracker.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	notify.Stop(w.events)
	close(w.done)
	return nil
}
