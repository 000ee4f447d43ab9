package compressor

import (
	"testing"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *btree.Tree {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
}

func lookupFor(trees map[uint64]*btree.Tree) TreeLookup {
	return func(id uint64) (*btree.Tree, bool) {
		tr, ok := trees[id]
		return tr, ok
	}
}

func TestCycleCompactsQueuedDeletion(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Insert([]byte("k1"), []byte("v1"), 0, false, false, false, 1)
	require.NoError(t, err)
	_, err = tree.Insert([]byte("k2"), []byte("v2"), 0, false, false, false, 1)
	require.NoError(t, err)
	require.NoError(t, tree.Delete([]byte("k1"), nil, 0, 1))

	c := New(lookupFor(map[uint64]*btree.Tree{7: tree}), Config{})
	c.Enqueue(7, []byte("k1"))

	removed := c.Cycle()
	require.Equal(t, 1, removed)

	_, err = tree.Get([]byte("k1"), 1)
	require.ErrorIs(t, err, ekind.ErrNotFound)
	v, err := tree.Get([]byte("k2"), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v.Value)
}

func TestCycleWithEmptyQueueIsNoop(t *testing.T) {
	tree := newTestTree(t)
	c := New(lookupFor(map[uint64]*btree.Tree{7: tree}), Config{})
	require.Equal(t, 0, c.Cycle())
}

func TestCycleRequeuesUnresolvableDatabase(t *testing.T) {
	c := New(lookupFor(map[uint64]*btree.Tree{}), Config{})
	c.Enqueue(99, []byte("missing-db"))

	require.Equal(t, 0, c.Cycle())

	// the item should have been requeued rather than dropped: it is
	// still in the live queue.
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	require.Equal(t, 1, queued)
}

func TestStartStopRunsCycles(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Insert([]byte("k1"), []byte("v1"), 0, false, false, false, 1)
	require.NoError(t, err)
	require.NoError(t, tree.Delete([]byte("k1"), nil, 0, 1))

	c := New(lookupFor(map[uint64]*btree.Tree{1: tree}), Config{Interval: 10 * time.Millisecond})
	c.Enqueue(1, []byte("k1"))
	c.Start()
	defer c.Stop()

	// Get already fails on the known-deleted slot, so watch for the slot
	// itself to be physically removed by a background cycle.
	require.Eventually(t, func() bool {
		res, err := tree.Search([]byte("k1"), nil, btree.Set, false, 1)
		if err != nil {
			return false
		}
		tree.Unlatch(res, false, 1)
		return !res.Found
	}, time.Second, 5*time.Millisecond)
}
