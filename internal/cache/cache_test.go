package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, content string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "src-*")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestStoreAndHas(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	src := writeTemp(t, dir, "package bytes")
	path, err := c.Store("demo", "1.0", "amd64", "apx", src)
	require.NoError(t, err)

	assert.True(t, c.Has("demo", "1.0", "amd64", "apx"))
	assert.Equal(t, c.PathOf("demo", "1.0", "amd64", "apx"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package bytes", string(data))
}

func TestStoreDedupsIdenticalContentViaHardlink(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	src1 := writeTemp(t, dir, "same bytes")
	_, err = c.Store("pkg-a", "1.0", "amd64", "apx", src1)
	require.NoError(t, err)

	src2 := writeTemp(t, dir, "same bytes")
	path2, err := c.Store("pkg-b", "1.0", "amd64", "apx", src2)
	require.NoError(t, err)

	info, err := os.Lstat(path2)
	require.NoError(t, err)
	nlink, ok := linkCount(info)
	if ok {
		assert.GreaterOrEqual(t, nlink, 2)
	}
}

func TestCleanRemovesUnsharedFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	src := writeTemp(t, dir, "solo content")
	path, err := c.Store("solo", "1.0", "amd64", "apx", src)
	require.NoError(t, err)

	require.NoError(t, c.Clean())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanOldVersionsKeepsNewestPerPackage(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	srcOld := writeTemp(t, dir, "old content")
	pathOld, err := c.Store("demo", "1.0", "amd64", "apx", srcOld)
	require.NoError(t, err)
	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pathOld, oldTime, oldTime))

	srcNew := writeTemp(t, dir, "new content")
	pathNew, err := c.Store("demo", "2.0", "amd64", "apx", srcNew)
	require.NoError(t, err)

	removed, err := c.CleanOldVersions()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(pathOld)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pathNew)
	assert.NoError(t, err)
}

func TestCleanIfOverLimitRemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	srcOld := writeTemp(t, dir, "xxxxxxxxxx") // 10 bytes
	pathOld, err := c.Store("a", "1.0", "amd64", "apx", srcOld)
	require.NoError(t, err)
	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(pathOld, oldTime, oldTime))

	srcNew := writeTemp(t, dir, "yyyyyyyyyy") // 10 bytes
	pathNew, err := c.Store("b", "1.0", "amd64", "apx", srcNew)
	require.NoError(t, err)

	removed, err := c.CleanIfOverLimit(10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(pathOld)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pathNew)
	assert.NoError(t, err)
}

func TestSizeAndStats(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	src := writeTemp(t, dir, "12345")
	_, err = c.Store("demo", "1.0", "amd64", "apx", src)
	require.NoError(t, err)

	size, count, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, 1, count)
}

func TestPathOfIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "packages", "demo_1.0_amd64.apx"), c.PathOf("demo", "1.0", "amd64", "apx"))
}
