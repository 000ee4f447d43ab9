package cleaner

import (
	"testing"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*logfile.Manager, *btree.Tree) {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{LogFileMax: 64}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
	return log, tree
}

func fillAndRotate(t *testing.T, tree *btree.Tree, log *logfile.Manager) {
	t.Helper()
	for i := 0; i < 40; i++ {
		_, err := tree.Insert([]byte{byte(i)}, []byte("0123456789"), 0, false, false, false, 1)
		require.NoError(t, err)
	}
	nums, err := log.SegmentNumbers()
	require.NoError(t, err)
	require.Greater(t, len(nums), 1, "test setup must actually rotate segments")
}

func TestForceCleanMigratesLiveLNAndMarksForDeletion(t *testing.T) {
	log, tree := newTestEnv(t)
	fillAndRotate(t, tree, log)

	locks := lock.New(lock.Config{})
	defer locks.Stop()

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	c := New(log, trees, locks, Config{MinAgeFiles: 0})

	nums, err := log.SegmentNumbers()
	require.NoError(t, err)
	oldest := nums[0]
	require.NotEqual(t, log.CurrentFileNum(), oldest)

	ok := c.ForceCleanFile(oldest)
	require.True(t, ok)

	c.mu.Lock()
	marked := c.toDelete[oldest]
	c.mu.Unlock()
	require.True(t, marked)

	v, err := tree.Get([]byte{0}, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789"), v.Value)
}

func TestFinalizeCheckpointReclaimsMarkedFiles(t *testing.T) {
	log, tree := newTestEnv(t)
	fillAndRotate(t, tree, log)

	locks := lock.New(lock.Config{})
	defer locks.Stop()

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	c := New(log, trees, locks, Config{MinAgeFiles: 0})

	nums, err := log.SegmentNumbers()
	require.NoError(t, err)
	oldest := nums[0]
	require.True(t, c.ForceCleanFile(oldest))

	reclaimed := c.FinalizeCheckpoint(true)
	require.Contains(t, reclaimed, oldest)

	remaining, err := log.SegmentNumbers()
	require.NoError(t, err)
	require.NotContains(t, remaining, oldest)
}

func TestCycleIsNoopWithNoEligibleFiles(t *testing.T) {
	log, tree := newTestEnv(t)
	_, err := tree.Insert([]byte("a"), []byte("v"), 0, false, false, false, 1)
	require.NoError(t, err)

	locks := lock.New(lock.Config{})
	defer locks.Stop()

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	c := New(log, trees, locks, Config{MinAgeFiles: 2})

	_, ok := c.Cycle()
	require.False(t, ok)
}

func TestProcessLNRequeuesWhenLockedByAnotherLocker(t *testing.T) {
	log, tree := newTestEnv(t)
	fillAndRotate(t, tree, log)

	locks := lock.New(lock.Config{})
	defer locks.Stop()

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	c := New(log, trees, locks, Config{MinAgeFiles: 0})

	nums, err := log.SegmentNumbers()
	require.NoError(t, err)
	oldest := nums[0]

	other := lock.NewLockerID()
	res, err := tree.Search([]byte{0}, nil, btree.Set, false, 2)
	require.NoError(t, err)
	nodeID := res.BIN.Entries[res.Index].ChildID
	tree.Unlatch(res, false, 2)
	require.NoError(t, locks.Acquire(other, nodeID, lock.Write))

	ok := c.ForceCleanFile(oldest)
	require.False(t, ok, "a locked LN must leave the file pending, not migrated-and-marked")

	c.mu.Lock()
	st := c.retry[oldest]
	c.mu.Unlock()
	require.NotNil(t, st)
	require.Equal(t, 1, st.failures)
}
