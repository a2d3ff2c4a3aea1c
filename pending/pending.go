// Package pending implements the pending-change tracker: a
// process-wide, mutex-protected map of not-yet-reconciled external
// change notifications, coalesced per its notify rules and drained
// once per sync run.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syncmesh/engine/filter"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/storage"
)

// ChangeType classifies one queued notification.
type ChangeType string

const (
	Created ChangeType = "created"
	Changed ChangeType = "changed"
	Deleted ChangeType = "deleted"
	Renamed ChangeType = "renamed"
)

// ActionType is the inferred directional action for a UI-facing
// snapshot returned by GetPending.
type ActionType string

const (
	ActionUpload       ActionType = "upload"
	ActionDeleteRemote ActionType = "delete_remote"
)

// Change is one queued notification from an external watcher.
type Change struct {
	Path        relpath.Path
	ChangeType  ChangeType
	DetectedAt  time.Time
	RenamedFrom *relpath.Path
	RenamedTo   *relpath.Path
}

// Operation is a Change annotated with an inferred ActionType, for
// get_pending's UI-facing snapshot.
type Operation struct {
	Change
	ActionType ActionType
}

// Tracker is the process-wide pending-change map. It is owned by one
// engine instance and shared across the goroutines that feed it
// (watcher callbacks) and the goroutine that runs a sync.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]Change
	filter  *filter.Filter
	now     func() time.Time
}

// New builds an empty Tracker. f may be nil, in which case the
// default filter preset is used to decide which paths are tracked.
func New(f *filter.Filter) *Tracker {
	if f == nil {
		f = filter.NewDefault()
	}
	return &Tracker{entries: make(map[string]Change), filter: f, now: time.Now}
}

// Notify records one change, filter-checked and coalesced against any
// existing entry for the same path.
func (t *Tracker) Notify(path relpath.Path, changeType ChangeType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked(path, changeType)
}

// NotifyBatch applies Notify to every change in order, under a single
// lock acquisition.
func (t *Tracker) NotifyBatch(changes []Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range changes {
		t.notifyLocked(c.Path, c.ChangeType)
	}
}

func (t *Tracker) notifyLocked(path relpath.Path, changeType ChangeType) {
	if !t.filter.ShouldSync(path) {
		return
	}
	key := path.Key()
	existing, ok := t.entries[key]
	if !ok {
		t.entries[key] = Change{Path: path, ChangeType: changeType, DetectedAt: t.now()}
		return
	}

	switch {
	case existing.ChangeType == Created && changeType == Changed:
		// Stays Created: surfacing "new" takes priority in UIs.
	case existing.ChangeType == Created && changeType == Deleted:
		delete(t.entries, key)
	case existing.ChangeType == Changed && changeType == Deleted:
		existing.ChangeType = Deleted
		existing.DetectedAt = t.now()
		t.entries[key] = existing
	case changeType == Created && existing.ChangeType != Deleted:
		// Keep the earlier type.
	default:
		t.entries[key] = Change{Path: path, ChangeType: changeType, DetectedAt: t.now()}
	}
}

// NotifyRename records a rename as a paired Deleted/Created entry, one
// at each path, cross-referencing each other via RenamedTo/RenamedFrom.
func (t *Tracker) NotifyRename(oldPath, newPath relpath.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.filter.ShouldSync(oldPath) {
		dst := newPath
		t.entries[oldPath.Key()] = Change{Path: oldPath, ChangeType: Deleted, DetectedAt: now, RenamedTo: &dst}
	} else {
		delete(t.entries, oldPath.Key())
	}
	if t.filter.ShouldSync(newPath) {
		src := oldPath
		t.entries[newPath.Key()] = Change{Path: newPath, ChangeType: Created, DetectedAt: now, RenamedFrom: &src}
	}
}

// GetPending returns a UI-facing snapshot of all pending entries
// without draining them, inferring each entry's ActionType from the
// local storage's current view (a Deleted entry, or one whose path is
// absent locally -> DeleteRemote; else Upload).
func (t *Tracker) GetPending(ctx context.Context, local storage.Storage) ([]Operation, error) {
	snapshot := t.snapshot()

	ops := make([]Operation, 0, len(snapshot))
	for _, c := range snapshot {
		actionType := ActionUpload
		switch {
		case c.ChangeType == Deleted:
			actionType = ActionDeleteRemote
		default:
			item, err := local.Get(ctx, c.Path)
			if err != nil {
				slog.Warn("pending: local lookup failed for action inference", "path", c.Path, "error", err)
			} else if item == nil {
				actionType = ActionDeleteRemote
			}
		}
		ops = append(ops, Operation{Change: c, ActionType: actionType})
	}
	return ops, nil
}

func (t *Tracker) snapshot() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, 0, len(t.entries))
	for _, c := range t.entries {
		out = append(out, c)
	}
	return out
}

// Drain atomically returns and clears all pending entries. The
// Reconciler calls this once at the start of a run.
func (t *Tracker) Drain() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, 0, len(t.entries))
	for _, c := range t.entries {
		out = append(out, c)
	}
	t.entries = make(map[string]Change)
	return out
}

// Clear discards all pending entries without applying them.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Change)
}

// Len reports the number of distinct pending paths.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
