package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexKey(c string) string {
	return strings.Repeat(c, 64)
}

func openLocal(t *testing.T, dir string, maxSize int64) *Local {
	t.Helper()

	l, err := NewLocal(dir, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l
}

func TestLocal_PutGet(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t, t.TempDir(), 0)

	_, err := l.Get(ctx, hexKey("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.Put(ctx, hexKey("a"), []byte("blob")))

	data, err := l.Get(ctx, hexKey("a"))
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))

	ok, err := l.Exists(ctx, hexKey("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(4), l.CurrentSize())
	assert.Contains(t, l.Location(), "Local disk")
}

func TestLocal_Overwrite(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t, t.TempDir(), 0)

	require.NoError(t, l.Put(ctx, hexKey("b"), []byte("first")))
	require.NoError(t, l.Put(ctx, hexKey("b"), []byte("second!")))

	data, err := l.Get(ctx, hexKey("b"))
	require.NoError(t, err)
	assert.Equal(t, "second!", string(data))
	assert.Equal(t, int64(7), l.CurrentSize())
	assert.Equal(t, 1, l.Len())
}

func TestLocal_LRUEviction(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t, t.TempDir(), 100)

	blob := []byte(strings.Repeat("x", 40))

	require.NoError(t, l.Put(ctx, hexKey("a"), blob))
	require.NoError(t, l.Put(ctx, hexKey("b"), blob))

	// Touch a so b becomes least recently used
	_, err := l.Get(ctx, hexKey("a"))
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, hexKey("c"), blob))

	assert.LessOrEqual(t, l.CurrentSize(), int64(100))

	_, err = l.Get(ctx, hexKey("b"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Get(ctx, hexKey("a"))
	assert.NoError(t, err)
	_, err = l.Get(ctx, hexKey("c"))
	assert.NoError(t, err)
}

func TestLocal_RejectsOversizedEntry(t *testing.T) {
	l := openLocal(t, t.TempDir(), 10)

	err := l.Put(context.Background(), hexKey("a"), make([]byte, 11))
	assert.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := NewLocal(dir, 0)
	require.NoError(t, err)
	require.NoError(t, l.Put(ctx, hexKey("c"), []byte("persisted")))
	require.NoError(t, l.Close())

	l = openLocal(t, dir, 0)
	data, err := l.Get(ctx, hexKey("c"))
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
	assert.Equal(t, int64(9), l.CurrentSize())
}

func TestLocal_RebuildsIndexFromTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := NewLocal(dir, 0)
	require.NoError(t, err)
	require.NoError(t, l.Put(ctx, hexKey("d"), []byte("one")))
	require.NoError(t, l.Put(ctx, hexKey("e"), []byte("two")))
	require.NoError(t, l.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, indexFile)))

	l = openLocal(t, dir, 0)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(6), l.CurrentSize())

	data, err := l.Get(ctx, hexKey("e"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestLocal_Delete(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t, t.TempDir(), 0)

	require.NoError(t, l.Put(ctx, hexKey("f"), []byte("gone")))
	require.NoError(t, l.Delete(ctx, hexKey("f")))
	require.NoError(t, l.Delete(ctx, hexKey("f")), "delete is idempotent")

	_, err := l.Get(ctx, hexKey("f"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), l.CurrentSize())
}

func TestLocal_FileRemovedExternally(t *testing.T) {
	ctx := context.Background()
	l := openLocal(t, t.TempDir(), 0)

	require.NoError(t, l.Put(ctx, hexKey("1"), []byte("data")))
	require.NoError(t, os.Remove(l.path(hexKey("1"))))

	_, err := l.Get(ctx, hexKey("1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	l := openLocal(t, dir, 0)

	require.NoError(t, l.Put(context.Background(), hexKey("2"), []byte("data")))

	entries, err := os.ReadDir(filepath.Join(dir, tmpDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
