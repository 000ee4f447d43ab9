package txn

import (
	"testing"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*btree.Tree, *Manager) {
	t.Helper()
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	locks := lock.New(lock.Config{RequestTimeout: 50 * time.Millisecond})
	t.Cleanup(locks.Stop)

	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
	mgr := NewManager(log, locks)
	return tree, mgr
}

func TestCommitPersistsWrite(t *testing.T) {
	tree, mgr := newTestEnv(t)
	tx, err := mgr.Begin(NoSync)
	require.NoError(t, err)

	existed, err := tx.Put(tree, []byte("a"), []byte("1"), false, false, false)
	require.NoError(t, err)
	require.False(t, existed)
	require.NoError(t, tx.Commit())

	v, err := tree.Get([]byte("a"), 99)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v.Value)
}

func TestAbortUndoesNewKey(t *testing.T) {
	tree, mgr := newTestEnv(t)
	tx, err := mgr.Begin(NoSync)
	require.NoError(t, err)

	_, err = tx.Put(tree, []byte("a"), []byte("1"), false, false, false)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	_, err = tree.Get([]byte("a"), 99)
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

func TestAbortRestoresOverwrittenValue(t *testing.T) {
	tree, mgr := newTestEnv(t)

	seed, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	_, err = seed.Put(tree, []byte("a"), []byte("orig"), false, false, false)
	require.NoError(t, err)
	require.NoError(t, seed.Commit())

	tx, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	_, err = tx.Put(tree, []byte("a"), []byte("updated"), false, false, false)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	v, err := tree.Get([]byte("a"), 99)
	require.NoError(t, err)
	require.Equal(t, []byte("orig"), v.Value)
}

func TestAbortRestoresDeletedKey(t *testing.T) {
	tree, mgr := newTestEnv(t)

	seed, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	_, err = seed.Put(tree, []byte("a"), []byte("orig"), false, false, false)
	require.NoError(t, err)
	require.NoError(t, seed.Commit())

	tx, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(tree, []byte("a"), nil))
	require.NoError(t, tx.Abort())

	v, err := tree.Get([]byte("a"), 99)
	require.NoError(t, err)
	require.Equal(t, []byte("orig"), v.Value)
}

func TestWriteWriteConflictTimesOut(t *testing.T) {
	dir := t.TempDir()
	log, err := logfile.Open(dir, logfile.Config{}, false, true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	locks := lock.New(lock.Config{RequestTimeout: 50 * time.Millisecond})
	t.Cleanup(locks.Stop)
	tree := btree.NewTree(1, btree.ByteComparator, btree.ByteComparator, 8, log)
	mgr := NewManager(log, locks)

	txA, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	_, err = txA.Put(tree, []byte("a"), []byte("1"), false, false, false)
	require.NoError(t, err)

	txB, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	_, err = txB.Put(tree, []byte("a"), []byte("2"), false, false, false)
	require.ErrorIs(t, err, ekind.ErrLockTimeout)

	require.NoError(t, txA.Commit())
	require.NoError(t, txB.Abort())
}

func TestHandleLockSerializesAgainstOpener(t *testing.T) {
	_, mgr := newTestEnv(t)

	opener, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	require.NoError(t, mgr.AcquireHandleLock(opener, 1))

	truncator, err := mgr.Begin(NoSync)
	require.NoError(t, err)
	err = mgr.AcquireHandleLock(truncator, 1)
	require.ErrorIs(t, err, ekind.ErrLockTimeout)

	mgr.ReleaseHandleLock(opener, 1)
	require.NoError(t, opener.Commit())
	require.NoError(t, truncator.Abort())
}
