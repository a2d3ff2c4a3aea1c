package detect

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/state"
	"github.com/syncmesh/engine/state/memory"
	storagemem "github.com/syncmesh/engine/storage/memory"
)

func TestDetectAdditionOnLocalOnly(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	require.NoError(t, local.Write(ctx, relpath.MustNew("new.txt"), strings.NewReader("hello"), 5))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)

	require.Len(t, cs.Additions, 1)
	assert.Equal(t, Local, cs.Additions[0].Side)
	assert.Equal(t, relpath.MustNew("new.txt"), cs.Additions[0].Path)
	assert.Empty(t, cs.Modifications)
	assert.Empty(t, cs.Deletions)
}

func TestDetectModificationWhenSizeDiffers(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	require.NoError(t, local.Write(ctx, relpath.MustNew("f.txt"), strings.NewReader("12345"), 5))
	now := time.Now()
	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("f.txt"), LocalModified: &now, LocalSize: 3, Status: state.StatusSynced,
	}))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)

	require.Len(t, cs.Modifications, 1)
	assert.Equal(t, Local, cs.Modifications[0].Side)
}

func TestDetectNoModificationWithinChangeWindow(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	require.NoError(t, local.Write(ctx, relpath.MustNew("f.txt"), strings.NewReader("hello"), 5))
	item, err := local.Get(ctx, relpath.MustNew("f.txt"))
	require.NoError(t, err)

	trackedTime := item.LastModified.Add(time.Second) // within the 2s default window
	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("f.txt"), LocalModified: &trackedTime, LocalSize: 5, Status: state.StatusSynced,
	}))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)
	assert.Empty(t, cs.Modifications)
}

func TestDetectDeletionWhenTrackedPathMissingFromBothSides(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	now := time.Now()
	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("gone.txt"), LocalModified: &now, RemoteModified: &now, Status: state.StatusSynced,
	}))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)

	require.Len(t, cs.Deletions, 1)
	assert.True(t, cs.Deletions[0].DeletedLocally)
	assert.True(t, cs.Deletions[0].DeletedRemotely)
}

func TestDetectRowPresentAndUnchangedOnBothSidesIsNotADeletion(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	// Present and unchanged on both sides: the scan reaches it on both
	// walks, so it must not be treated as a deletion candidate.
	require.NoError(t, local.Write(ctx, relpath.MustNew("untouched.txt"), strings.NewReader("x"), 1))
	require.NoError(t, remote.Write(ctx, relpath.MustNew("untouched.txt"), strings.NewReader("x"), 1))
	localItem, err := local.Get(ctx, relpath.MustNew("untouched.txt"))
	require.NoError(t, err)
	remoteItem, err := remote.Get(ctx, relpath.MustNew("untouched.txt"))
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("untouched.txt"), Status: state.StatusSynced,
		LocalModified: &localItem.LastModified, LocalSize: localItem.Size,
		RemoteModified: &remoteItem.LastModified, RemoteSize: remoteItem.Size,
	}))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)
	assert.Empty(t, cs.Deletions)
	assert.Empty(t, cs.Modifications)
	assert.Empty(t, cs.Additions)
}

func TestDetectSingleSidedDeletionIsDetectedEvenWhenSurvivingSideIsUnchanged(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	require.NoError(t, remote.Write(ctx, relpath.MustNew("shared.txt"), strings.NewReader("x"), 1))
	remoteItem, err := remote.Get(ctx, relpath.MustNew("shared.txt"))
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("shared.txt"), Status: state.StatusSynced,
		LocalModified: &now, RemoteModified: &remoteItem.LastModified, RemoteSize: remoteItem.Size,
	}))

	d := New(nil, Options{})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)

	require.Len(t, cs.Deletions, 1)
	assert.True(t, cs.Deletions[0].DeletedLocally)
	assert.False(t, cs.Deletions[0].DeletedRemotely)
}

func TestDetectSizeOnlyModeIgnoresTimestamp(t *testing.T) {
	ctx := context.Background()
	local := storagemem.New()
	remote := storagemem.New()
	store := memory.New()

	require.NoError(t, local.Write(ctx, relpath.MustNew("f.txt"), strings.NewReader("hello"), 5))
	oldTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Upsert(ctx, &state.State{
		Path: relpath.MustNew("f.txt"), LocalModified: &oldTime, LocalSize: 5, Status: state.StatusSynced,
	}))

	d := New(nil, Options{SizeOnly: true})
	cs, err := d.Detect(ctx, local, remote, store, "")
	require.NoError(t, err)
	assert.Empty(t, cs.Modifications)
}
