package cursor

import (
	"testing"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lock"
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

func put(t *testing.T, tree *btree.Tree, key, value string, allowDup bool) {
	t.Helper()
	_, err := tree.Insert([]byte(key), []byte(value), 0, allowDup, false, false, 1)
	require.NoError(t, err)
}

func TestFirstLastOnEmptyTree(t *testing.T) {
	tree := newTestTree(t)
	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.ErrorIs(t, c.First(), ekind.ErrNotFound)
	require.ErrorIs(t, c.Last(), ekind.ErrNotFound)
}

func TestFirstLastAndNextPrevWalkInOrder(t *testing.T) {
	tree := newTestTree(t)
	for _, k := range []string{"b", "d", "a", "c"} {
		put(t, tree, k, "v-"+k, false)
	}

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.NoError(t, c.First())
	key, value, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
	require.Equal(t, []byte("v-a"), value)

	for _, want := range []string{"b", "c", "d"} {
		require.NoError(t, c.Next())
		key, _, err := c.Current()
		require.NoError(t, err)
		require.Equal(t, []byte(want), key)
	}
	require.ErrorIs(t, c.Next(), ekind.ErrNotFound)

	require.NoError(t, c.Last())
	key, _, err = c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("d"), key)

	for _, want := range []string{"c", "b", "a"} {
		require.NoError(t, c.Prev())
		key, _, err := c.Current()
		require.NoError(t, err)
		require.Equal(t, []byte(want), key)
	}
	require.ErrorIs(t, c.Prev(), ekind.ErrNotFound)
}

func TestNextFromUninitializedBehavesLikeFirst(t *testing.T) {
	tree := newTestTree(t)
	put(t, tree, "a", "1", false)

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.NoError(t, c.Next())
	key, _, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), key)
}

func TestSearchSetAndSetRange(t *testing.T) {
	tree := newTestTree(t)
	for _, k := range []string{"a", "c", "e"} {
		put(t, tree, k, "v-"+k, false)
	}

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.NoError(t, c.Search([]byte("c"), nil, btree.Set))
	key, _, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), key)

	require.ErrorIs(t, c.Search([]byte("b"), nil, btree.Set), ekind.ErrNotFound)

	require.NoError(t, c.Search([]byte("b"), nil, btree.SetRange))
	key, _, err = c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), key)
}

func TestDuplicateEnumerationWithNextAndNextDup(t *testing.T) {
	tree := newTestTree(t)
	put(t, tree, "k", "1", true)
	put(t, tree, "k", "2", true)
	put(t, tree, "k", "3", true)
	put(t, tree, "z", "lone", false)

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.NoError(t, c.Search([]byte("k"), nil, btree.Set))
	_, value, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	count, err := c.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	require.NoError(t, c.NextDup())
	_, value, err = c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)

	require.NoError(t, c.Next())
	_, value, err = c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("3"), value)

	require.ErrorIs(t, c.NextDup(), ekind.ErrNotFound)

	// Next from the last duplicate of "k" should roll over to the next
	// distinct key, "z".
	require.NoError(t, c.Next())
	key, value, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("z"), key)
	require.Equal(t, []byte("lone"), value)
}

func TestNextNoDupSkipsRemainingDuplicates(t *testing.T) {
	tree := newTestTree(t)
	put(t, tree, "k", "1", true)
	put(t, tree, "k", "2", true)
	put(t, tree, "z", "lone", false)

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()

	require.NoError(t, c.First())
	key, _, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)

	require.NoError(t, c.NextNoDup())
	key, _, err = c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("z"), key)
}

func TestCloneDoesNotDisturbOriginal(t *testing.T) {
	tree := newTestTree(t)
	for _, k := range []string{"a", "b", "c"} {
		put(t, tree, k, "v-"+k, false)
	}

	c := Open(tree, lock.NewLockerID(), nil, 1)
	defer c.Close()
	require.NoError(t, c.Search([]byte("b"), nil, btree.Set))

	clone := c.Clone()
	defer clone.Close()
	require.NoError(t, clone.Next())
	cloneKey, _, err := clone.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), cloneKey)

	origKey, _, err := c.Current()
	require.NoError(t, err)
	require.Equal(t, []byte("b"), origKey)
}
