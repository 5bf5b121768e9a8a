package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRemovesEmptyParentDirectories(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "usr", "share", "demo")
	require.NoError(t, os.MkdirAll(nested, 0755))
	file := filepath.Join(nested, "readme.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi\n"), 0644))

	tx := NewTransaction(root)
	tx.addInstalledFile(file)

	require.NoError(t, tx.Rollback())

	assert.NoFileExists(t, file)
	assert.NoDirExists(t, nested)
	assert.NoDirExists(t, filepath.Join(root, "usr", "share"))
	assert.NoDirExists(t, filepath.Join(root, "usr"))
	assert.DirExists(t, root, "cleanup must never remove installRoot itself")
}

func TestRollbackStopsAtNonEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(root, "usr", "share")
	require.NoError(t, os.MkdirAll(shared, 0755))
	keep := filepath.Join(shared, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("pre-existing\n"), 0644))

	removed := filepath.Join(shared, "new.txt")
	require.NoError(t, os.WriteFile(removed, []byte("new\n"), 0644))

	tx := NewTransaction(root)
	tx.addInstalledFile(removed)

	require.NoError(t, tx.Rollback())

	assert.NoFileExists(t, removed)
	assert.FileExists(t, keep, "sibling file must survive rollback")
	assert.DirExists(t, shared, "non-empty directory must not be removed")
}
