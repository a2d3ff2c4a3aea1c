package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/engine/detect"
	"github.com/syncmesh/engine/pending"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
	"github.com/syncmesh/engine/state"
	"github.com/syncmesh/engine/storage"
	storagemem "github.com/syncmesh/engine/storage/memory"
)

func TestAdditionLocalOnlyProducesUpload(t *testing.T) {
	cs := &detect.ChangeSet{
		Additions: []detect.Addition{{Path: relpath.MustNew("a.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("a.txt"), Size: 10}}},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.SmallFiles, 1)
	assert.Equal(t, Upload, g.SmallFiles[0].Type)
}

func TestAdditionBothSidesProducesBothCreatedConflict(t *testing.T) {
	cs := &detect.ChangeSet{
		Additions: []detect.Addition{
			{Path: relpath.MustNew("a.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("a.txt"), Size: 10}},
			{Path: relpath.MustNew("a.txt"), Side: detect.Remote, Item: &storage.Item{Path: relpath.MustNew("a.txt"), Size: 20}},
		},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.Conflicts, 1)
	assert.Equal(t, resolver.KindBothCreated, g.Conflicts[0].ConflictKind)
}

func TestModificationBothSidesProducesBothModifiedConflict(t *testing.T) {
	now := time.Now()
	cs := &detect.ChangeSet{
		Modifications: []detect.Modification{
			{Path: relpath.MustNew("a.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("a.txt")}, Tracked: &state.State{LocalModified: &now}},
			{Path: relpath.MustNew("a.txt"), Side: detect.Remote, Item: &storage.Item{Path: relpath.MustNew("a.txt")}, Tracked: &state.State{LocalModified: &now}},
		},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.Conflicts, 1)
	assert.Equal(t, resolver.KindBothModified, g.Conflicts[0].ConflictKind)
}

func TestModificationSingleSideProducesDirectionalAction(t *testing.T) {
	cs := &detect.ChangeSet{
		Modifications: []detect.Modification{
			{Path: relpath.MustNew("a.txt"), Side: detect.Remote, Item: &storage.Item{Path: relpath.MustNew("a.txt")}},
		},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.SmallFiles, 1)
	assert.Equal(t, Download, g.SmallFiles[0].Type)
}

func TestDeletionBothSidesProducesNoAction(t *testing.T) {
	cs := &detect.ChangeSet{
		Deletions: []detect.Deletion{{Path: relpath.MustNew("a.txt"), DeletedLocally: true, DeletedRemotely: true}},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	assert.Empty(t, g.Deletes)
	assert.Empty(t, g.Conflicts)
}

func TestDeletionLocalOnlyWithStaleRemoteProducesDeleteRemote(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	cs := &detect.ChangeSet{
		Deletions: []detect.Deletion{{
			Path: relpath.MustNew("a.txt"), DeletedLocally: true,
			Tracked: &state.State{LocalModified: &now, RemoteModified: &earlier},
		}},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.Deletes, 1)
	assert.Equal(t, DeleteRemote, g.Deletes[0].Type)
}

func TestDeletionLocalOnlyWithNewerRemoteProducesConflict(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	cs := &detect.ChangeSet{
		Deletions: []detect.Deletion{{
			Path: relpath.MustNew("a.txt"), DeletedLocally: true,
			Tracked: &state.State{LocalModified: &now, RemoteModified: &later},
		}},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.Conflicts, 1)
	assert.Equal(t, resolver.KindDeletedLocallyModifiedRemotely, g.Conflicts[0].ConflictKind)
}

func TestPendingTakesPrecedenceOverScanDerived(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("a.txt"), strings.NewReader("hi"), 2))

	cs := &detect.ChangeSet{
		Additions: []detect.Addition{{Path: relpath.MustNew("a.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("a.txt")}}},
	}
	pendingChanges := []pending.Change{{Path: relpath.MustNew("a.txt"), ChangeType: pending.Changed}}

	g, err := Reconcile(ctx, cs, pendingChanges, local)
	require.NoError(t, err)

	total := len(g.Directories) + len(g.SmallFiles) + len(g.LargeFiles) + len(g.Conflicts) + len(g.Deletes)
	assert.Equal(t, 1, total, "path must only be scheduled once")
}

func TestRenamePairMarksBothHalvesAsRename(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("new.txt"), strings.NewReader("hi"), 2))

	oldPath := relpath.MustNew("old.txt")
	newPath := relpath.MustNew("new.txt")
	changes := []pending.Change{
		{Path: oldPath, ChangeType: pending.Deleted, RenamedTo: &newPath},
		{Path: newPath, ChangeType: pending.Created, RenamedFrom: &oldPath},
	}

	g, err := Reconcile(ctx, &detect.ChangeSet{}, changes, local)
	require.NoError(t, err)

	require.Len(t, g.Deletes, 1)
	assert.True(t, g.Deletes[0].IsRename)

	var uploadFound bool
	for _, group := range [][]Action{g.Directories, g.SmallFiles, g.LargeFiles} {
		for _, a := range group {
			if a.Type == Upload {
				uploadFound = true
				assert.True(t, a.IsRename)
			}
		}
	}
	assert.True(t, uploadFound)
}

func TestGroupsSortedByDescendingPriority(t *testing.T) {
	cs := &detect.ChangeSet{
		Additions: []detect.Addition{
			{Path: relpath.MustNew("small.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("small.txt"), Size: 100}},
			{Path: relpath.MustNew("big.txt"), Side: detect.Local, Item: &storage.Item{Path: relpath.MustNew("big.txt"), Size: 50000}},
		},
	}
	local := storagemem.New()
	g, err := Reconcile(context.Background(), cs, nil, local)
	require.NoError(t, err)
	require.Len(t, g.SmallFiles, 2)
	assert.GreaterOrEqual(t, g.SmallFiles[0].Priority, g.SmallFiles[1].Priority)
}
