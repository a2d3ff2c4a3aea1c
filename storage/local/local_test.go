package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncmesh/engine/relpath"
)

func TestWriteReadRoundtrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	p := relpath.MustNew("hello.txt")
	require.NoError(t, s.Write(ctx, p, bytes.NewBufferString("hi"), 2))

	rc, err := s.Read(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	item, err := s.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), item.Size)
	assert.False(t, item.IsDir)
}

func TestListChildrenOnly(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.CreateDirectory(ctx, relpath.MustNew("docs")))
	require.NoError(t, s.Write(ctx, relpath.MustNew("docs/a.txt"), bytes.NewBufferString("a"), 1))
	require.NoError(t, s.Write(ctx, relpath.MustNew("root.txt"), bytes.NewBufferString("r"), 1))

	items, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	docItems, err := s.List(ctx, relpath.MustNew("docs"))
	require.NoError(t, err)
	assert.Len(t, docItems, 1)
	assert.Equal(t, relpath.MustNew("docs/a.txt"), docItems[0].Path)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	p := relpath.MustNew("gone.txt")
	require.NoError(t, s.Delete(ctx, p))

	require.NoError(t, s.Write(ctx, p, bytes.NewBufferString("x"), 1))
	require.NoError(t, s.Delete(ctx, p))
	exists, err := s.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestComputeHashStableForSameContent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	p := relpath.MustNew("a.txt")
	require.NoError(t, s.Write(ctx, p, bytes.NewBufferString("same"), 4))
	h1, err := s.ComputeHash(ctx, p)
	require.NoError(t, err)
	h2, err := s.ComputeHash(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
