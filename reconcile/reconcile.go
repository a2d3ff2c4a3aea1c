// Package reconcile implements the reconciler: it turns a ChangeSet
// plus drained pending changes into five prioritized Action groups
// ready for the Scheduler.
package reconcile

import (
	"context"
	"time"

	"github.com/syncmesh/engine/detect"
	"github.com/syncmesh/engine/pending"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
	"github.com/syncmesh/engine/state"
	"github.com/syncmesh/engine/storage"
)

// Type is the kind of work one Action performs.
type Type string

const (
	Upload       Type = "upload"
	Download     Type = "download"
	DeleteLocal  Type = "delete_local"
	DeleteRemote Type = "delete_remote"
	ConflictType Type = "conflict"
)

// largeFileThreshold is the Phase 2 cutover point between small and
// large file transfers.
const largeFileThreshold = 10 * 1024 * 1024

const (
	directoryBonus = 1000
	recentBonus    = 100
	recentWindow   = time.Hour

	conflictBasePriority = 1000
	deleteBasePriority   = 500
)

// Action is one scheduled unit of work.
type Action struct {
	Type         Type
	Path         relpath.Path
	LocalItem    *storage.Item
	RemoteItem   *storage.Item
	ConflictKind resolver.Kind
	Priority     int32

	// FromPending marks an Action synthesized from a pending
	// notification rather than a scan; pending actions take
	// precedence over scan-derived ones for the same path.
	FromPending bool
	// IsRename marks one half of a rename pair so the Scheduler may
	// coalesce it into a native move when the remote supports it.
	IsRename    bool
	RenamedFrom *relpath.Path
	RenamedTo   *relpath.Path
}

// Groups is the Reconciler's output: five buckets ready for the
// Scheduler's three phases.
type Groups struct {
	Directories []Action
	SmallFiles  []Action
	LargeFiles  []Action
	Conflicts   []Action
	Deletes     []Action
}

// Reconcile builds Groups from cs and pendingChanges. local is
// consulted to size/type pending-derived upload actions, since
// pending.Change carries only a path.
func Reconcile(ctx context.Context, cs *detect.ChangeSet, pendingChanges []pending.Change, local storage.Storage) (*Groups, error) {
	g := &Groups{}
	scheduled := make(map[string]bool)

	if err := reconcilePending(ctx, pendingChanges, local, g, scheduled); err != nil {
		return nil, err
	}
	reconcileAdditions(cs, g, scheduled)
	reconcileModifications(cs, g, scheduled)
	reconcileDeletions(cs, g, scheduled)

	sortByPriority(g)
	return g, nil
}

func reconcilePending(ctx context.Context, changes []pending.Change, local storage.Storage, g *Groups, scheduled map[string]bool) error {
	for _, pc := range changes {
		switch pc.ChangeType {
		case pending.Deleted:
			a := Action{Type: DeleteRemote, Path: pc.Path, FromPending: true}
			if pc.RenamedTo != nil {
				a.IsRename = true
				a.RenamedTo = pc.RenamedTo
			}
			a.Priority = deleteBasePriority
			g.Deletes = append(g.Deletes, a)
			scheduled[pc.Path.Key()] = true

		case pending.Created, pending.Changed:
			item, err := local.Get(ctx, pc.Path)
			if err != nil {
				return err
			}
			a := Action{Type: Upload, Path: pc.Path, LocalItem: item, FromPending: true}
			if pc.RenamedFrom != nil {
				a.IsRename = true
				a.RenamedFrom = pc.RenamedFrom
			}
			place(g, a, item)
			scheduled[pc.Path.Key()] = true
		}
	}
	return nil
}

func reconcileAdditions(cs *detect.ChangeSet, g *Groups, scheduled map[string]bool) {
	type pair struct{ local, remote *storage.Item }
	byPath := make(map[string]*pair)
	order := make([]relpath.Path, 0)

	for _, a := range cs.Additions {
		key := a.Path.Key()
		p, ok := byPath[key]
		if !ok {
			p = &pair{}
			byPath[key] = p
			order = append(order, a.Path)
		}
		if a.Side == detect.Local {
			p.local = a.Item
		} else {
			p.remote = a.Item
		}
	}

	for _, path := range order {
		if scheduled[path.Key()] {
			continue
		}
		p := byPath[path.Key()]
		switch {
		case p.local != nil && p.remote != nil:
			g.Conflicts = append(g.Conflicts, Action{
				Type: ConflictType, Path: path, LocalItem: p.local, RemoteItem: p.remote,
				ConflictKind: resolver.KindBothCreated, Priority: conflictBasePriority,
			})
		case p.local != nil:
			place(g, Action{Type: Upload, Path: path, LocalItem: p.local}, p.local)
		default:
			place(g, Action{Type: Download, Path: path, RemoteItem: p.remote}, p.remote)
		}
	}
}

func reconcileModifications(cs *detect.ChangeSet, g *Groups, scheduled map[string]bool) {
	type pair struct{ local, remote *storage.Item }
	byPath := make(map[string]*pair)
	order := make([]relpath.Path, 0)

	for _, m := range cs.Modifications {
		key := m.Path.Key()
		p, ok := byPath[key]
		if !ok {
			p = &pair{}
			byPath[key] = p
			order = append(order, m.Path)
		}
		if m.Side == detect.Local {
			p.local = m.Item
		} else {
			p.remote = m.Item
		}
	}

	for _, path := range order {
		if scheduled[path.Key()] {
			continue
		}
		p := byPath[path.Key()]
		switch {
		case p.local != nil && p.remote != nil:
			g.Conflicts = append(g.Conflicts, Action{
				Type: ConflictType, Path: path, LocalItem: p.local, RemoteItem: p.remote,
				ConflictKind: resolver.KindBothModified, Priority: conflictBasePriority,
			})
		case p.local != nil:
			place(g, Action{Type: Upload, Path: path, LocalItem: p.local}, p.local)
		default:
			place(g, Action{Type: Download, Path: path, RemoteItem: p.remote}, p.remote)
		}
	}
}

func reconcileDeletions(cs *detect.ChangeSet, g *Groups, scheduled map[string]bool) {
	for _, d := range cs.Deletions {
		if scheduled[d.Path.Key()] {
			continue
		}

		switch {
		case d.DeletedLocally && d.DeletedRemotely:
			// No Action. The tracked row is not removed either: the
			// engine's commit only writes rows for executed Actions.

		case d.DeletedLocally:
			if remoteNewerThanLocal(d.Tracked) {
				g.Conflicts = append(g.Conflicts, Action{
					Type: ConflictType, Path: d.Path, ConflictKind: resolver.KindDeletedLocallyModifiedRemotely,
					Priority: conflictBasePriority,
				})
			} else {
				g.Deletes = append(g.Deletes, Action{Type: DeleteRemote, Path: d.Path, Priority: deleteBasePriority})
			}

		case d.DeletedRemotely:
			if localNewerThanRemote(d.Tracked) {
				g.Conflicts = append(g.Conflicts, Action{
					Type: ConflictType, Path: d.Path, ConflictKind: resolver.KindModifiedLocallyDeletedRemotely,
					Priority: conflictBasePriority,
				})
			} else {
				g.Deletes = append(g.Deletes, Action{Type: DeleteLocal, Path: d.Path, Priority: deleteBasePriority})
			}
		}
	}
}

func remoteNewerThanLocal(tracked *state.State) bool {
	if tracked == nil || tracked.RemoteModified == nil || tracked.LocalModified == nil {
		return false
	}
	return tracked.RemoteModified.After(*tracked.LocalModified)
}

func localNewerThanRemote(tracked *state.State) bool {
	if tracked == nil || tracked.RemoteModified == nil || tracked.LocalModified == nil {
		return false
	}
	return tracked.LocalModified.After(*tracked.RemoteModified)
}

// place assigns a to the right group based on item's kind/size, and
// computes its priority.
func place(g *Groups, a Action, item *storage.Item) {
	if item == nil {
		a.Priority = 1_000_000
		g.SmallFiles = append(g.SmallFiles, a)
		return
	}
	a.Priority = filePriority(item)
	switch {
	case item.IsDir:
		g.Directories = append(g.Directories, a)
	case item.Size >= largeFileThreshold:
		g.LargeFiles = append(g.LargeFiles, a)
	default:
		g.SmallFiles = append(g.SmallFiles, a)
	}
}

func filePriority(item *storage.Item) int32 {
	reduction := item.Size / 1024
	if reduction > 999_999 {
		reduction = 999_999
	}
	priority := int32(1_000_000 - reduction)
	if item.IsDir {
		priority += directoryBonus
	}
	if !item.LastModified.IsZero() && time.Since(item.LastModified) < recentWindow {
		priority += recentBonus
	}
	return priority
}

func sortByPriority(g *Groups) {
	sortDesc(g.Directories)
	sortDesc(g.SmallFiles)
	sortDesc(g.LargeFiles)
	sortDesc(g.Conflicts)
	sortDesc(g.Deletes)
}

func sortDesc(actions []Action) {
	// Insertion sort: action counts per run are small and this keeps
	// equal-priority items in their original (deterministic) order.
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && actions[j].Priority > actions[j-1].Priority; j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
}
