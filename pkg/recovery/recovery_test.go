package recovery

import (
	"testing"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/checkpoint"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/txn"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*logfile.Manager, *lock.Table, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	locks := lock.New(lock.Config{RequestTimeout: 50 * time.Millisecond})
	t.Cleanup(locks.Stop)

	mgr := txn.NewManager(log, locks)
	return log, locks, mgr
}

func fillUnderTxn(t *testing.T, tx *txn.Txn, tree *btree.Tree, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tx.Put(tree, []byte{byte(i)}, []byte("value"), false, false, false)
		require.NoError(t, err)
	}
}

func TestRunWithNoCheckpointRecoversLatestCommittedRoot(t *testing.T) {
	log, _, mgr := newTestEnv(t)
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)

	tx, err := mgr.Begin(txn.NoSync)
	require.NoError(t, err)
	fillUnderTxn(t, tx, tree, 40) // forces at least one split, logging a TypeRoot
	require.NoError(t, tx.Commit())

	result, err := Run(log)
	require.NoError(t, err)
	require.False(t, result.CheckpointFound)

	info, ok := result.Roots[1]
	require.True(t, ok)
	wantID, wantLSN := tree.RootPointer()
	require.Equal(t, wantID, info.RootNodeID)
	require.Equal(t, wantLSN, info.RootLSN)
	require.Equal(t, tree.RootKind(), info.RootKind)
}

func TestRunSkipsRootLoggedByInFlightTransaction(t *testing.T) {
	log, _, mgr := newTestEnv(t)
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)

	committed, err := mgr.Begin(txn.NoSync)
	require.NoError(t, err)
	fillUnderTxn(t, committed, tree, 40)
	require.NoError(t, committed.Commit())

	result, err := Run(log)
	require.NoError(t, err)
	committedRoot := result.Roots[1]

	uncommitted, err := mgr.Begin(txn.NoSync)
	require.NoError(t, err)
	fillUnderTxn(t, uncommitted, tree, 40) // more splits, more TypeRoot records
	// No Commit/Abort: simulates a crash mid-transaction.

	result2, err := Run(log)
	require.NoError(t, err)
	require.Contains(t, result2.InFlightTxnIDs, uncommitted.ID)

	info, ok := result2.Roots[1]
	require.True(t, ok)
	require.Equal(t, committedRoot.RootNodeID, info.RootNodeID)
	require.Equal(t, committedRoot.RootLSN, info.RootLSN)
}

func TestRunFindsLastCheckpointAndScansOnlyForward(t *testing.T) {
	log, _, mgr := newTestEnv(t)
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)

	tx, err := mgr.Begin(txn.NoSync)
	require.NoError(t, err)
	fillUnderTxn(t, tx, tree, 10)
	require.NoError(t, tx.Commit())

	trees := func() []*btree.Tree { return []*btree.Tree{tree} }
	cp := checkpoint.New(log, trees, nil, checkpoint.Config{Invoker: "test"})
	_, err = cp.Run()
	require.NoError(t, err)

	tx2, err := mgr.Begin(txn.NoSync)
	require.NoError(t, err)
	fillUnderTxn(t, tx2, tree, 40)
	require.NoError(t, tx2.Commit())

	result, err := Run(log)
	require.NoError(t, err)
	require.True(t, result.CheckpointFound)

	info, ok := result.Roots[1]
	require.True(t, ok)
	wantID, wantLSN := tree.RootPointer()
	require.Equal(t, wantID, info.RootNodeID)
	require.Equal(t, wantLSN, info.RootLSN)
}

func TestOpenTreeReportsNotFoundForUnknownDatabase(t *testing.T) {
	log, _, _ := newTestEnv(t)
	result, err := Run(log)
	require.NoError(t, err)

	_, err = result.OpenTree(99, btree.ByteComparator, btree.ByteComparator, 8, log)
	require.Error(t, err)
	require.Equal(t, ekind.DatabaseNotFound, ekind.KindOf(err))
}
