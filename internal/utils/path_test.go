package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirCreatesMissingAncestors(t *testing.T) {
	tmp := t.TempDir()
	nested := filepath.Join(tmp, "a", "b", "c")

	require.NoError(t, EnsureDir(nested))

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDirIsNoopWhenAlreadyPresent(t *testing.T) {
	tmp := t.TempDir()

	require.NoError(t, EnsureDir(tmp))
	require.NoError(t, EnsureDir(tmp))
}

func TestEnsureParentCreatesOnlyTheParent(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "nested", "state.db")

	require.NoError(t, EnsureParent(file))

	info, err := os.Stat(filepath.Dir(file))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err), "EnsureParent must not create the file itself")
}
