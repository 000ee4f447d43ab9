package checkpoint

import (
	"testing"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/cleaner"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*logfile.Manager, *btree.Tree) {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
	return log, tree
}

func readCheckpointEnd(t *testing.T, log *logfile.Manager) record.CheckpointEnd {
	t.Helper()
	var found record.CheckpointEnd
	ok := false
	err := log.Iterate(lsn.Null, func(e logfile.Entry) (bool, error) {
		if e.Record.Header.Type == record.TypeCheckpointEnd {
			end, derr := record.DecodeCheckpointEnd(e.Record.Payload)
			if derr != nil {
				return false, derr
			}
			found, ok = end, true
		}
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, ok, "no checkpoint-end record found")
	return found
}

func TestRunWithNoDirtyNodesStillProducesCheckpointEnd(t *testing.T) {
	log, tree := newTestEnv(t)
	// A fresh tree's root BIN starts dirty (it has never been logged);
	// flush it once so the checkpoint below really has nothing dirty.
	_, _, err := tree.FlushDirty(0, 1)
	require.NoError(t, err)
	trees := func() []*btree.Tree { return []*btree.Tree{tree} }

	cp := New(log, trees, nil, Config{Invoker: "test-invoker"})
	endLSN, err := cp.Run()
	require.NoError(t, err)
	require.False(t, endLSN.IsNull())

	end := readCheckpointEnd(t, log)
	require.Equal(t, "test-invoker", end.Invoker)
	require.False(t, end.HasRoot)
}

func TestRunWithDirtyNodeFlushesAndMovesRoot(t *testing.T) {
	log, tree := newTestEnv(t)
	_, err := tree.Insert([]byte("a"), []byte("1"), 0, false, false, false, 1)
	require.NoError(t, err)

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	cp := New(log, trees, nil, Config{})

	_, err = cp.Run()
	require.NoError(t, err)

	end := readCheckpointEnd(t, log)
	require.True(t, end.HasRoot)
	require.NotZero(t, end.LastDatabaseID)
}

func TestRunInvokesCleanerFinalize(t *testing.T) {
	// Small segments, so the oldest file is not the active one by the
	// time the cleaner looks at it.
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{LogFileMax: 64}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
	for i := 0; i < 40; i++ {
		_, err := tree.Insert([]byte{byte(i)}, []byte("0123456789"), 0, false, false, false, 1)
		require.NoError(t, err)
	}

	locks := lock.New(lock.Config{})
	defer locks.Stop()
	trees := func() []*btree.Tree { return []*btree.Tree{tree} }

	cl := cleaner.New(log, trees, locks, cleaner.Config{MinAgeFiles: 0})
	nums, err := log.SegmentNumbers()
	require.NoError(t, err)
	oldest := nums[0]
	require.True(t, cl.ForceCleanFile(oldest))

	cp := New(log, trees, cl, Config{})
	_, err = cp.Run()
	require.NoError(t, err)

	remaining, err := log.SegmentNumbers()
	require.NoError(t, err)
	require.NotContains(t, remaining, oldest)
}
