// Package detect implements the change detector: a concurrent
// three-way diff between the local and remote storage trees and the
// last-known State Store contents, producing a ChangeSet of additions,
// modifications, and deletions.
package detect

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncmesh/engine/filter"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/state"
	"github.com/syncmesh/engine/storage"
)

// Side identifies which tree an observation came from.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// DefaultChangeWindow absorbs clock drift and filesystem mtime
// rounding when comparing timestamps.
const DefaultChangeWindow = 2 * time.Second

// Addition is an item present on one side with no SyncState row.
type Addition struct {
	Path relpath.Path
	Item *storage.Item
	Side Side
}

// Modification is an item whose side differs from its SyncState row.
type Modification struct {
	Path    relpath.Path
	Item    *storage.Item
	Side    Side
	Tracked *state.State
}

// Deletion is a SyncState row whose path was not observed on the
// scanning side(s) and was confirmed absent by a direct existence
// check.
type Deletion struct {
	Path            relpath.Path
	DeletedLocally  bool
	DeletedRemotely bool
	Tracked         *state.State
}

// ChangeSet accumulates one run's scan results. Its collections are
// guarded by an internal lock since both side-walks mutate it
// concurrently.
type ChangeSet struct {
	mu            sync.Mutex
	Additions     []Addition
	Modifications []Modification
	Deletions     []Deletion

	processedPaths map[string]struct{}
	localPaths     map[string]struct{}
	remotePaths    map[string]struct{}
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		processedPaths: make(map[string]struct{}),
		localPaths:     make(map[string]struct{}),
		remotePaths:    make(map[string]struct{}),
	}
}

func (cs *ChangeSet) markProcessed(path relpath.Path, side Side) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.processedPaths[path.Key()] = struct{}{}
	if side == Local {
		cs.localPaths[path.Key()] = struct{}{}
	} else {
		cs.remotePaths[path.Key()] = struct{}{}
	}
}

func (cs *ChangeSet) addAddition(a Addition) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.Additions = append(cs.Additions, a)
}

func (cs *ChangeSet) addModification(m Modification) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.Modifications = append(cs.Modifications, m)
}

func (cs *ChangeSet) addDeletion(d Deletion) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.Deletions = append(cs.Deletions, d)
}

// Processed reports whether path was observed on either side during
// the scan.
func (cs *ChangeSet) Processed(path relpath.Path) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.processedPaths[path.Key()]
	return ok
}

// ProcessedBoth reports whether path was observed on both sides'
// walks. A tracked row seen on only one side (or neither) is a
// deletion candidate: the surviving side alone can't tell us whether
// the other side genuinely lost the path or the walk simply never
// reached it, so resolveDeletion always makes the final call with a
// fresh existence check.
func (cs *ChangeSet) ProcessedBoth(path relpath.Path) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, l := cs.localPaths[path.Key()]
	_, r := cs.remotePaths[path.Key()]
	return l && r
}

// Options configures comparison behavior for one detection run.
type Options struct {
	// ChangeWindow is the timestamp-difference tolerance; zero uses
	// DefaultChangeWindow.
	ChangeWindow time.Duration
	SizeOnly     bool
	ChecksumOnly bool
	FollowSymlinks bool
}

func (o Options) changeWindow() time.Duration {
	if o.ChangeWindow > 0 {
		return o.ChangeWindow
	}
	return DefaultChangeWindow
}

// Detector runs the three-way diff against a configured Filter.
type Detector struct {
	Filter  *filter.Filter
	Options Options
}

// New builds a Detector. f may be nil for the default filter preset.
func New(f *filter.Filter, opts Options) *Detector {
	if f == nil {
		f = filter.NewDefault()
	}
	return &Detector{Filter: f, Options: opts}
}

// Detect scans local and remote concurrently below root (the empty
// path for a full sync, or a folder prefix for sync_folder) against
// store's tracked rows, and returns the resulting ChangeSet.
func (d *Detector) Detect(ctx context.Context, local, remote storage.Storage, store state.Store, root relpath.Path) (*ChangeSet, error) {
	var tracked []*state.State
	var err error
	if root == "" {
		tracked, err = store.All(ctx)
	} else {
		tracked, err = store.ByPrefix(ctx, root)
	}
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*state.State, len(tracked))
	for _, row := range tracked {
		byKey[row.Path.Key()] = row
	}

	cs := newChangeSet()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.walk(gctx, local, Local, root, cs, byKey)
		return nil
	})
	g.Go(func() error {
		d.walk(gctx, remote, Remote, root, cs, byKey)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, row := range tracked {
		if cs.ProcessedBoth(row.Path) {
			continue
		}
		d.resolveDeletion(ctx, local, remote, row, cs)
	}

	return cs, nil
}

func (d *Detector) walk(ctx context.Context, s storage.Storage, side Side, root relpath.Path, cs *ChangeSet, tracked map[string]*state.State) {
	items, err := s.List(ctx, root)
	if err != nil {
		slog.Warn("detect: directory listing failed, skipping", "side", side, "path", root, "error", err)
		return
	}

	for _, item := range items {
		if !d.Filter.ShouldSync(item.Path) {
			continue
		}
		cs.markProcessed(item.Path, side)

		row, ok := tracked[item.Path.Key()]
		if ok {
			changed, err := d.hasChanged(ctx, s, side, item, row)
			if err != nil {
				slog.Warn("detect: has-changed check failed", "side", side, "path", item.Path, "error", err)
			} else if changed {
				cs.addModification(Modification{Path: item.Path, Item: item, Side: side, Tracked: row})
			}
		} else {
			cs.addAddition(Addition{Path: item.Path, Item: item, Side: side})
		}

		if item.IsDir {
			if item.IsSymlink && !d.Options.FollowSymlinks {
				continue
			}
			d.walk(ctx, s, side, item.Path, cs, tracked)
		}
	}
}

func (d *Detector) hasChanged(ctx context.Context, s storage.Storage, side Side, item *storage.Item, row *state.State) (bool, error) {
	var rowModified *time.Time
	var rowHash []byte
	var rowSize uint64
	if side == Local {
		rowModified, rowHash, rowSize = row.LocalModified, row.LocalHash, row.LocalSize
	} else {
		rowModified, rowHash, rowSize = row.RemoteModified, row.RemoteHash, row.RemoteSize
	}

	if rowModified == nil {
		return true, nil
	}

	itemID := item.ContentID()
	if len(rowHash) > 0 && len(itemID) > 0 {
		if !bytes.Equal(rowHash, itemID) {
			return true, nil
		}
		if d.Options.ChecksumOnly {
			return false, nil
		}
	}

	if d.Options.SizeOnly {
		return item.Size != rowSize, nil
	}

	if d.Options.ChecksumOnly {
		if item.IsDir {
			return false, nil
		}
		hash, err := s.ComputeHash(ctx, item.Path)
		if err != nil {
			return false, err
		}
		return !bytes.Equal(hash, rowHash), nil
	}

	if item.Size != rowSize {
		return true, nil
	}
	delta := item.LastModified.Sub(*rowModified)
	if delta < 0 {
		delta = -delta
	}
	return delta > d.Options.changeWindow(), nil
}

func (d *Detector) resolveDeletion(ctx context.Context, local, remote storage.Storage, row *state.State, cs *ChangeSet) {
	localExists, err := local.Exists(ctx, row.Path)
	if err != nil {
		slog.Warn("detect: local existence check failed, leaving row tracked", "path", row.Path, "error", err)
		return
	}
	remoteExists, err := remote.Exists(ctx, row.Path)
	if err != nil {
		slog.Warn("detect: remote existence check failed, leaving row tracked", "path", row.Path, "error", err)
		return
	}

	deletedLocally := !localExists
	deletedRemotely := !remoteExists
	if !deletedLocally && !deletedRemotely {
		// Both sides still have it; the row was simply unreached by
		// this scan (e.g. a scan error higher up the tree).
		return
	}

	cs.addDeletion(Deletion{
		Path:            row.Path,
		DeletedLocally:  deletedLocally,
		DeletedRemotely: deletedRemotely,
		Tracked:         row,
	})
}
