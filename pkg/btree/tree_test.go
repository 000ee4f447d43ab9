package btree

import (
	"fmt"
	"testing"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, maxEntries int) *Tree {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return NewTree(1, ByteComparator, ByteComparator, maxEntries, log)
}

func TestInsertGetRoundTrip(t *testing.T) {
	tr := newTestTree(t, 8)
	existed, err := tr.Insert([]byte("apple"), []byte("red"), 0, false, false, false, 1)
	require.NoError(t, err)
	require.False(t, existed)

	v, err := tr.Get([]byte("apple"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("red"), v.Value)

	_, err = tr.Get([]byte("missing"), 1)
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

func TestInsertOverwriteAndNoOverwrite(t *testing.T) {
	tr := newTestTree(t, 8)
	_, err := tr.Insert([]byte("k"), []byte("v1"), 0, false, false, false, 1)
	require.NoError(t, err)

	existed, err := tr.Insert([]byte("k"), []byte("v2"), 0, false, false, false, 1)
	require.NoError(t, err)
	require.True(t, existed)
	v, err := tr.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v.Value)

	_, err = tr.Insert([]byte("k"), []byte("v3"), 0, false, true, false, 1)
	require.ErrorIs(t, err, ekind.ErrKeyExists)
}

func TestSplitGrowsTreeAndPreservesOrder(t *testing.T) {
	tr := newTestTree(t, 4)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		_, err := tr.Insert(key, []byte(fmt.Sprintf("val-%d", i)), 0, false, false, false, 1)
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, err := tr.Get(key, 1)
		require.NoError(t, err, "key %s", key)
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), v.Value)
	}
	require.Greater(t, tr.INList().Len(), 1, "expected the tree to have grown past a single node")
}

func TestDuplicateInsertAndCount(t *testing.T) {
	tr := newTestTree(t, 8)
	_, err := tr.Insert([]byte("fruit"), []byte("apple"), 0, true, false, false, 1)
	require.NoError(t, err)
	existed, err := tr.Insert([]byte("fruit"), []byte("banana"), 0, true, false, false, 1)
	require.NoError(t, err)
	require.True(t, existed)

	count, err := tr.Count([]byte("fruit"), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	v, err := tr.GetBoth([]byte("fruit"), []byte("banana"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("banana"), v.Value)

	existed, err = tr.Insert([]byte("fruit"), []byte("apple"), 0, true, false, true, 1)
	require.ErrorIs(t, err, ekind.ErrKeyExists)
	require.True(t, existed)
}

func TestDeleteThenCompress(t *testing.T) {
	tr := newTestTree(t, 8)
	_, err := tr.Insert([]byte("k1"), []byte("v1"), 0, false, false, false, 1)
	require.NoError(t, err)
	_, err = tr.Insert([]byte("k2"), []byte("v2"), 0, false, false, false, 1)
	require.NoError(t, err)

	require.NoError(t, tr.Delete([]byte("k1"), nil, 0, 1))
	_, err = tr.Get([]byte("k1"), 1)
	require.ErrorIs(t, err, ekind.ErrNotFound)

	removed, err := tr.CompressSubtree([]byte("k1"), 0, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	v, err := tr.Get([]byte("k2"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v.Value)
}

func TestDeleteAllCompressesToEmptyTree(t *testing.T) {
	tr := newTestTree(t, 8)
	_, err := tr.Insert([]byte("only"), []byte("value"), 0, false, false, false, 1)
	require.NoError(t, err)
	require.NoError(t, tr.Delete([]byte("only"), nil, 0, 1))
	_, err = tr.CompressSubtree([]byte("only"), 0, 1)
	require.NoError(t, err)

	_, err = tr.Get([]byte("only"), 1)
	require.ErrorIs(t, err, ekind.ErrNotFound)

	_, err = tr.Insert([]byte("again"), []byte("v"), 0, false, false, false, 1)
	require.NoError(t, err)
	v, err := tr.Get([]byte("again"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v.Value)
}
