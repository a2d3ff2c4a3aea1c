package schedule

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/engine/reconcile"
	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/resolver"
	"github.com/syncmesh/engine/storage"
	"github.com/syncmesh/engine/storage/memory"
)

func TestRunUploadsSmallFile(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("a.txt"), strings.NewReader("hello"), 5))
	item, err := local.Get(ctx, relpath.MustNew("a.txt"))
	require.NoError(t, err)

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{SmallFiles: []reconcile.Action{{Type: reconcile.Upload, Path: relpath.MustNew("a.txt"), LocalItem: item}}}

	require.NoError(t, s.Run(ctx, groups))

	remoteItem, err := remote.Get(ctx, relpath.MustNew("a.txt"))
	require.NoError(t, err)
	require.NotNil(t, remoteItem)
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesSynchronized.Load())
}

func TestRunDownloadsFile(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, remote.Write(ctx, relpath.MustNew("b.txt"), strings.NewReader("world"), 5))
	item, err := remote.Get(ctx, relpath.MustNew("b.txt"))
	require.NoError(t, err)

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{SmallFiles: []reconcile.Action{{Type: reconcile.Download, Path: relpath.MustNew("b.txt"), RemoteItem: item}}}

	require.NoError(t, s.Run(ctx, groups))

	localItem, err := local.Get(ctx, relpath.MustNew("b.txt"))
	require.NoError(t, err)
	require.NotNil(t, localItem)
}

func TestRunCreatesDirectory(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{Directories: []reconcile.Action{{
		Type: reconcile.Upload, Path: relpath.MustNew("dir"),
		LocalItem: &storage.Item{Path: relpath.MustNew("dir"), IsDir: true},
	}}}

	require.NoError(t, s.Run(ctx, groups))

	exists, err := remote.Exists(ctx, relpath.MustNew("dir"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunDeleteOrdersChildrenBeforeParents(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, remote.Write(ctx, relpath.MustNew("dir/child.txt"), strings.NewReader("x"), 1))
	require.NoError(t, remote.CreateDirectory(ctx, relpath.MustNew("dir")))

	var order []string
	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{
		OnProgress: func(p Progress) {
			if p.Operation == OpDeleting {
				order = append(order, string(p.Path))
			}
		},
	}, nil)
	groups := &reconcile.Groups{Deletes: []reconcile.Action{
		{Type: reconcile.DeleteRemote, Path: relpath.MustNew("dir")},
		{Type: reconcile.DeleteRemote, Path: relpath.MustNew("dir/child.txt")},
	}}

	require.NoError(t, s.Run(ctx, groups))
	require.Len(t, order, 2)
	assert.Equal(t, "dir/child.txt", order[0])
	assert.Equal(t, "dir", order[1])
	assert.Equal(t, int64(2), s.CountersSnapshot().FilesDeleted.Load())
}

func TestRunDryRunPerformsNoWrites(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("a.txt"), strings.NewReader("hello"), 5))
	item, err := local.Get(ctx, relpath.MustNew("a.txt"))
	require.NoError(t, err)

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{DryRun: true}, Events{}, nil)
	groups := &reconcile.Groups{SmallFiles: []reconcile.Action{{Type: reconcile.Upload, Path: relpath.MustNew("a.txt"), LocalItem: item}}}

	require.NoError(t, s.Run(ctx, groups))

	exists, err := remote.Exists(ctx, relpath.MustNew("a.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesSynchronized.Load())
}

func TestConflictUseLocalUploadsLocalVersion(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("c.txt"), strings.NewReader("local"), 5))
	localItem, err := local.Get(ctx, relpath.MustNew("c.txt"))
	require.NoError(t, err)

	s := New(local, remote, resolver.NewDefault(resolver.UseLocal), Options{}, Events{}, nil)
	groups := &reconcile.Groups{Conflicts: []reconcile.Action{{
		Type: reconcile.ConflictType, Path: relpath.MustNew("c.txt"),
		ConflictKind: resolver.KindBothModified, LocalItem: localItem,
	}}}

	require.NoError(t, s.Run(ctx, groups))

	remoteItem, err := remote.Get(ctx, relpath.MustNew("c.txt"))
	require.NoError(t, err)
	require.NotNil(t, remoteItem)
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesConflicted.Load())
}

func TestConflictSkipCountsSkippedNotConflicted(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{Conflicts: []reconcile.Action{{
		Type: reconcile.ConflictType, Path: relpath.MustNew("c.txt"), ConflictKind: resolver.KindBothModified,
	}}}

	require.NoError(t, s.Run(ctx, groups))
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesSkipped.Load())
	assert.Equal(t, int64(0), s.CountersSnapshot().FilesConflicted.Load())
}

func TestConflictOverrideBypassesResolver(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("c.txt"), strings.NewReader("local"), 5))
	localItem, err := local.Get(ctx, relpath.MustNew("c.txt"))
	require.NoError(t, err)

	override := resolver.UseLocal
	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{ConflictOverride: &override}, Events{}, nil)
	groups := &reconcile.Groups{Conflicts: []reconcile.Action{{
		Type: reconcile.ConflictType, Path: relpath.MustNew("c.txt"), ConflictKind: resolver.KindBothModified, LocalItem: localItem,
	}}}

	require.NoError(t, s.Run(ctx, groups))
	exists, err := remote.Exists(ctx, relpath.MustNew("c.txt"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunCoalescesRenamePairIntoMove(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, remote.Write(ctx, relpath.MustNew("old.txt"), strings.NewReader("hello"), 5))
	require.NoError(t, local.Write(ctx, relpath.MustNew("new.txt"), strings.NewReader("hello"), 5))
	item, err := local.Get(ctx, relpath.MustNew("new.txt"))
	require.NoError(t, err)

	oldPath := relpath.MustNew("old.txt")
	newPath := relpath.MustNew("new.txt")

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{
		Deletes:    []reconcile.Action{{Type: reconcile.DeleteRemote, Path: oldPath, IsRename: true, RenamedTo: &newPath}},
		SmallFiles: []reconcile.Action{{Type: reconcile.Upload, Path: newPath, LocalItem: item, IsRename: true, RenamedFrom: &oldPath}},
	}

	require.NoError(t, s.Run(ctx, groups))

	exists, err := remote.Exists(ctx, oldPath)
	require.NoError(t, err)
	assert.False(t, exists, "old path should no longer exist remotely")

	renamedItem, err := remote.Get(ctx, newPath)
	require.NoError(t, err)
	require.NotNil(t, renamedItem)
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesSynchronized.Load())
	assert.Equal(t, int64(0), s.CountersSnapshot().FilesDeleted.Load())

	completed := s.Completed()
	require.Len(t, completed, 2)
}

func TestRunFallsBackWhenRenameCoalesceFails(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()
	require.NoError(t, local.Write(ctx, relpath.MustNew("new.txt"), strings.NewReader("hello"), 5))
	item, err := local.Get(ctx, relpath.MustNew("new.txt"))
	require.NoError(t, err)

	oldPath := relpath.MustNew("old.txt")
	newPath := relpath.MustNew("new.txt")

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{
		Deletes:    []reconcile.Action{{Type: reconcile.DeleteRemote, Path: oldPath, IsRename: true, RenamedTo: &newPath}},
		SmallFiles: []reconcile.Action{{Type: reconcile.Upload, Path: newPath, LocalItem: item, IsRename: true, RenamedFrom: &oldPath}},
	}

	require.NoError(t, s.Run(ctx, groups))

	remoteItem, err := remote.Get(ctx, newPath)
	require.NoError(t, err)
	require.NotNil(t, remoteItem)
	assert.Equal(t, int64(1), s.CountersSnapshot().FilesSynchronized.Load())
}

func TestRunCancellationStopsBeforeNextPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	local := memory.New()
	remote := memory.New()

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, nil)
	groups := &reconcile.Groups{Deletes: []reconcile.Action{{Type: reconcile.DeleteRemote, Path: relpath.MustNew("a.txt")}}}

	err := s.Run(ctx, groups)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPauseBlocksUntilResumed(t *testing.T) {
	ctx := context.Background()
	local := memory.New()
	remote := memory.New()

	gate := NewGate()
	gate.Pause()

	s := New(local, remote, resolver.NewDefault(resolver.Skip), Options{}, Events{}, gate)
	groups := &reconcile.Groups{Deletes: []reconcile.Action{{Type: reconcile.DeleteRemote, Path: relpath.MustNew("a.txt")}}}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, groups) }()

	select {
	case <-done:
		t.Fatal("run completed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not complete after resume")
	}
}
