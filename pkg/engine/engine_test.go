package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/txn"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(dir, EnvironmentConfig{AllowCreate: true})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenDatabaseCreateAndReopen(t *testing.T) {
	env := newTestEnv(t)

	db, err := env.OpenDatabase(nil, "widgets", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.Equal(t, "widgets", db.Name())

	db2, err := env.OpenDatabase(nil, "widgets", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.Same(t, db, db2)

	_, err = env.OpenDatabase(nil, "missing", DatabaseConfig{Create: false})
	require.ErrorIs(t, err, ekind.ErrDatabaseNotFound)
}

func TestPutGetDeleteAutoCommit(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("a"), []byte("1")))
	v, err := db.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, db.Put(nil, []byte("a"), []byte("2")))
	v, err = db.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, db.Delete(nil, []byte("a")))
	_, err = db.Get(nil, []byte("a"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

func TestPutNoOverwriteRejectsExistingKey(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, db.PutNoOverwrite(nil, []byte("a"), []byte("1")))
	err = db.PutNoOverwrite(nil, []byte("a"), []byte("2"))
	require.ErrorIs(t, err, ekind.ErrKeyExists)
}

func TestTransactionCommitAndAbort(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	tx, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	require.NoError(t, db.Put(tx, []byte("a"), []byte("1")))
	require.NoError(t, tx.Commit())

	v, err := db.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	tx2, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	require.NoError(t, db.Put(tx2, []byte("b"), []byte("2")))
	require.NoError(t, tx2.Abort())

	_, err = db.Get(nil, []byte("b"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

func TestTransactionRejectsNestedParent(t *testing.T) {
	env := newTestEnv(t)
	parent, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	defer parent.Abort()

	_, err = env.BeginTransaction(parent, txn.NoSync)
	require.ErrorIs(t, err, ekind.ErrInvalidConfig)
}

func TestDuplicatesAndCursorNavigation(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "dups", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("a")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("b")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("c")))

	c, err := db.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Search([]byte("k"), nil, btree.Set))
	n, err := c.Count()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	var seen [][]byte
	_, v, err := c.Current()
	require.NoError(t, err)
	seen = append(seen, v)
	for {
		if err := c.NextDup(); err != nil {
			break
		}
		_, v, err := c.Current()
		require.NoError(t, err)
		seen = append(seen, v)
	}
	require.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, seen)
}

func TestGetSearchBothConfirmsExactPair(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "dups", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("a")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("b")))

	v, err := db.GetSearchBoth(nil, []byte("k"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)

	_, err = db.GetSearchBoth(nil, []byte("k"), []byte("z"))
	require.Error(t, err)
}

func TestDeleteRemovesEveryDuplicate(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "dups", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("a")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("b")))
	require.NoError(t, db.Delete(nil, []byte("k")))

	_, err = db.Get(nil, []byte("k"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

// TestDeleteAllDupsDoesNotStopAtFirstDeadSlot guards against a
// self-inflicted tombstone: deleting a whole key's duplicate set
// searches for the key fresh before removing each duplicate, and that
// search always lands on the set's lowest surviving index regardless
// of liveness. Once the lowest-index duplicate itself has just been
// removed, a naive loop would find its own leftover tombstone and
// conclude (wrongly) that no duplicates remain.
func TestDeleteAllDupsDoesNotStopAtFirstDeadSlot(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "dups", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("a")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("b")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("c")))

	count, err := db.tree.Count([]byte("k"), 999)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	require.NoError(t, db.Delete(nil, []byte("k")))

	count, err = db.tree.Count([]byte("k"), 999)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
}

// TestScanSkipsKeyDeletedMidWalk covers spec.md §8 scenario S1: deleting
// a key between two survivors must not truncate a subsequent cursor scan,
// and the deleted key itself must not appear.
func TestScanSkipsKeyDeletedMidWalk(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k1"), []byte("v1")))
	require.NoError(t, db.Put(nil, []byte("k2"), []byte("v2")))
	require.NoError(t, db.Put(nil, []byte("k3"), []byte("v3")))

	require.NoError(t, db.Delete(nil, []byte("k2")))

	c, err := db.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	var keys []string
	for err := c.First(); err == nil; err = c.Next() {
		key, _, cerr := c.Current()
		require.NoError(t, cerr)
		keys = append(keys, string(key))
	}
	require.Equal(t, []string{"k1", "k3"}, keys)
}

// TestDupScanSkipsDuplicateDeletedMidWalk covers spec.md §8 scenario S2:
// deleting the middle duplicate of three while a cursor is positioned on
// it leaves Count at 2, and a fresh scan over the duplicate set still
// yields both survivors.
func TestDupScanSkipsDuplicateDeletedMidWalk(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "dups", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k"), []byte("v1")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("v2")))
	require.NoError(t, db.Put(nil, []byte("k"), []byte("v3")))

	tx, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	c, err := db.OpenCursor(tx)
	require.NoError(t, err)
	require.NoError(t, c.Search([]byte("k"), []byte("v2"), btree.Both))
	require.NoError(t, c.Delete())
	require.NoError(t, c.Close())
	require.NoError(t, tx.Commit())

	c2, err := db.OpenCursor(nil)
	require.NoError(t, err)
	defer c2.Close()
	require.NoError(t, c2.Search([]byte("k"), nil, btree.Set))

	n, err := c2.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var values [][]byte
	_, v, err := c2.Current()
	require.NoError(t, err)
	values = append(values, v)
	for {
		if err := c2.NextDup(); err != nil {
			break
		}
		_, v, err := c2.Current()
		require.NoError(t, err)
		values = append(values, v)
	}
	require.ElementsMatch(t, [][]byte{[]byte("v1"), []byte("v3")}, values)
}

// TestJoinSkipsDeletedDuplicateInMatchSet confirms Join doesn't
// truncate early when a secondary's duplicate set has a known-deleted
// entry in the middle of the matches it is walking.
func TestJoinSkipsDeletedDuplicateInMatchSet(t *testing.T) {
	env := newTestEnv(t)
	primary, err := env.OpenDatabase(nil, "docs", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, primary.Put(nil, []byte("d1"), []byte("red")))
	require.NoError(t, primary.Put(nil, []byte("d2"), []byte("red")))
	require.NoError(t, primary.Put(nil, []byte("d3"), []byte("red")))

	byColor, err := env.OpenDatabase(nil, "by_color", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)
	for _, pk := range []string{"d1", "d2", "d3"} {
		require.NoError(t, byColor.Put(nil, []byte("red"), []byte(pk)))
	}

	tx, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	mid, err := byColor.OpenCursor(tx)
	require.NoError(t, err)
	require.NoError(t, mid.Search([]byte("red"), []byte("d2"), btree.Both))
	require.NoError(t, mid.Delete())
	require.NoError(t, mid.Close())
	require.NoError(t, tx.Commit())

	c, err := byColor.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Search([]byte("red"), nil, btree.Set))

	matches, err := primary.Join([]*Cursor{c})
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{[]byte("d1"), []byte("d3")}, matches)
}

func TestTruncateEmptiesDatabase(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, db.Put(nil, key, []byte("v")))
	}

	n, err := db.Truncate(nil, true)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	_, err = db.Get(nil, []byte("k0"))
	require.ErrorIs(t, err, ekind.ErrNotFound)

	require.NoError(t, db.Put(nil, []byte("after"), []byte("v")))
	v, err := db.Get(nil, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestRemoveDatabaseRefusesWhileHandleOpen(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)

	err = env.RemoveDatabase(nil, "kv")
	require.Error(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, env.RemoveDatabase(nil, "kv"))

	_, err = env.OpenDatabase(nil, "kv", DatabaseConfig{Create: false})
	require.ErrorIs(t, err, ekind.ErrDatabaseNotFound)
}

func TestRenameDatabase(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "old", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, db.Put(nil, []byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	require.NoError(t, env.RenameDatabase(nil, "old", "new"))

	renamed, err := env.OpenDatabase(nil, "new", DatabaseConfig{Create: false})
	require.NoError(t, err)
	v, err := renamed.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestSecondaryDatabaseIndexesAndPropagates(t *testing.T) {
	env := newTestEnv(t)
	primary, err := env.OpenDatabase(nil, "users", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, primary.Put(nil, []byte("u1"), []byte("email:a@example.com")))
	require.NoError(t, primary.Put(nil, []byte("u2"), []byte("email:b@example.com")))

	byEmail := func(primaryKey, primaryValue []byte) ([]byte, bool) {
		const prefix = "email:"
		v := string(primaryValue)
		if len(v) <= len(prefix) {
			return nil, false
		}
		return []byte(v[len(prefix):]), true
	}

	sec, err := env.OpenSecondaryDatabase(nil, "users_by_email", primary, SecondaryConfig{
		Create:     true,
		KeyCreator: byEmail,
	})
	require.NoError(t, err)

	pk, pv, err := sec.Get(nil, []byte("a@example.com"))
	require.NoError(t, err)
	require.Equal(t, []byte("u1"), pk)
	require.Equal(t, []byte("email:a@example.com"), pv)

	require.NoError(t, primary.Put(nil, []byte("u3"), []byte("email:c@example.com")))
	pk, _, err = sec.Get(nil, []byte("c@example.com"))
	require.NoError(t, err)
	require.Equal(t, []byte("u3"), pk)

	require.NoError(t, primary.Delete(nil, []byte("u1")))
	_, _, err = sec.Get(nil, []byte("a@example.com"))
	require.ErrorIs(t, err, ekind.ErrNotFound)

	require.NoError(t, primary.Put(nil, []byte("u2"), []byte("email:newb@example.com")))
	_, _, err = sec.Get(nil, []byte("b@example.com"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
	pk, _, err = sec.Get(nil, []byte("newb@example.com"))
	require.NoError(t, err)
	require.Equal(t, []byte("u2"), pk)
}

func TestSecondaryBackfillsExistingPrimaryData(t *testing.T) {
	env := newTestEnv(t)
	primary, err := env.OpenDatabase(nil, "users", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, primary.Put(nil, []byte("u1"), []byte("email:a@example.com")))

	sec, err := env.OpenSecondaryDatabase(nil, "users_by_email", primary, SecondaryConfig{
		Create: true,
		KeyCreator: func(primaryKey, primaryValue []byte) ([]byte, bool) {
			const prefix = "email:"
			return []byte(string(primaryValue)[len(prefix):]), true
		},
	})
	require.NoError(t, err)

	pk, _, err := sec.Get(nil, []byte("a@example.com"))
	require.NoError(t, err)
	require.Equal(t, []byte("u1"), pk)
}

func byWholeValue(primaryKey, primaryValue []byte) ([]byte, bool) {
	return append([]byte(nil), primaryValue...), true
}

func TestForeignKeyAbortRejectsDeleteWhileReferenced(t *testing.T) {
	env := newTestEnv(t)
	orders, err := env.OpenDatabase(nil, "orders", DatabaseConfig{Create: true})
	require.NoError(t, err)
	customers, err := env.OpenDatabase(nil, "customers", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, customers.Put(nil, []byte("c1"), []byte("Ada")))
	require.NoError(t, orders.Put(nil, []byte("o1"), []byte("c1")))

	_, err = env.OpenSecondaryDatabase(nil, "orders_by_customer", orders, SecondaryConfig{
		Create:                 true,
		KeyCreator:             byWholeValue,
		ForeignKeyDatabase:     customers,
		ForeignKeyDeleteAction: ForeignKeyAbort,
	})
	require.NoError(t, err)

	err = customers.Delete(nil, []byte("c1"))
	require.ErrorIs(t, err, ekind.ErrForeignKeyConstraint)

	v, err := customers.Get(nil, []byte("c1"))
	require.NoError(t, err)
	require.Equal(t, []byte("Ada"), v)
}

func TestForeignKeyCascadeDeletesReferencingRecords(t *testing.T) {
	env := newTestEnv(t)
	orders, err := env.OpenDatabase(nil, "orders", DatabaseConfig{Create: true})
	require.NoError(t, err)
	customers, err := env.OpenDatabase(nil, "customers", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, customers.Put(nil, []byte("c1"), []byte("Ada")))
	require.NoError(t, orders.Put(nil, []byte("o1"), []byte("c1")))
	require.NoError(t, orders.Put(nil, []byte("o2"), []byte("c1")))

	_, err = env.OpenSecondaryDatabase(nil, "orders_by_customer", orders, SecondaryConfig{
		Create:                 true,
		KeyCreator:             byWholeValue,
		ForeignKeyDatabase:     customers,
		ForeignKeyDeleteAction: ForeignKeyCascade,
	})
	require.NoError(t, err)

	require.NoError(t, customers.Delete(nil, []byte("c1")))

	_, err = orders.Get(nil, []byte("o1"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
	_, err = orders.Get(nil, []byte("o2"))
	require.ErrorIs(t, err, ekind.ErrNotFound)
}

func TestForeignKeyNullifyRewritesReferencingRecords(t *testing.T) {
	env := newTestEnv(t)
	orders, err := env.OpenDatabase(nil, "orders", DatabaseConfig{Create: true})
	require.NoError(t, err)
	customers, err := env.OpenDatabase(nil, "customers", DatabaseConfig{Create: true})
	require.NoError(t, err)

	require.NoError(t, customers.Put(nil, []byte("c1"), []byte("Ada")))
	require.NoError(t, orders.Put(nil, []byte("o1"), []byte("c1")))

	_, err = env.OpenSecondaryDatabase(nil, "orders_by_customer", orders, SecondaryConfig{
		Create:                 true,
		KeyCreator:             byWholeValue,
		ForeignKeyDatabase:     customers,
		ForeignKeyDeleteAction: ForeignKeyNullify,
		Nullifier: func(secondaryKey, primaryKey, primaryValue []byte) []byte {
			return []byte("unassigned")
		},
	})
	require.NoError(t, err)

	require.NoError(t, customers.Delete(nil, []byte("c1")))

	v, err := orders.Get(nil, []byte("o1"))
	require.NoError(t, err)
	require.Equal(t, []byte("unassigned"), v)
}

func TestStatsAndVerify(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, db.Put(nil, []byte("a"), []byte("1")))

	stats := env.Stats()
	require.Equal(t, 1, stats.OpenDatabases)

	dbStats := db.GetStats()
	require.Equal(t, "kv", dbStats.Name)

	require.NoError(t, env.Verify())
}

func TestCheckpointCleanAndEvictCycles(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, db.Put(nil, key, []byte("v")))
	}

	_, err = env.Checkpoint()
	require.NoError(t, err)

	freed := env.EvictMemory()
	require.GreaterOrEqual(t, freed, 0)

	removed := env.Compress()
	require.GreaterOrEqual(t, removed, 0)
}

func TestJoinIntersectsSecondaryMatches(t *testing.T) {
	env := newTestEnv(t)
	primary, err := env.OpenDatabase(nil, "docs", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, primary.Put(nil, []byte("d1"), []byte("red,small")))
	require.NoError(t, primary.Put(nil, []byte("d2"), []byte("red,large")))
	require.NoError(t, primary.Put(nil, []byte("d3"), []byte("blue,small")))

	byColor, err := env.OpenDatabase(nil, "by_color", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)
	bySize, err := env.OpenDatabase(nil, "by_size", DatabaseConfig{Create: true, AllowDuplicates: true})
	require.NoError(t, err)

	for _, pair := range [][2]string{{"d1", "red,small"}, {"d2", "red,large"}, {"d3", "blue,small"}} {
		fields := splitCSV(pair[1])
		require.NoError(t, byColor.Put(nil, []byte(fields[0]), []byte(pair[0])))
		require.NoError(t, bySize.Put(nil, []byte(fields[1]), []byte(pair[0])))
	}

	cColor, err := byColor.OpenCursor(nil)
	require.NoError(t, err)
	defer cColor.Close()
	require.NoError(t, cColor.Search([]byte("red"), nil, btree.Set))

	cSize, err := bySize.OpenCursor(nil)
	require.NoError(t, err)
	defer cSize.Close()
	require.NoError(t, cSize.Search([]byte("small"), nil, btree.Set))

	matches, err := primary.Join([]*Cursor{cColor, cSize})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("d1")}, matches)
}

func splitCSV(s string) [2]string {
	for i := range s {
		if s[i] == ',' {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}

func TestSetLockTimeoutOverridesTableDefault(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(dir, EnvironmentConfig{
		AllowCreate:        true,
		LockRequestTimeout: time.Minute, // table default: would hang the test if honored
	})
	require.NoError(t, err)
	defer env.Close()

	db, err := env.OpenDatabase(nil, "kv", DatabaseConfig{Create: true})
	require.NoError(t, err)
	require.NoError(t, db.Put(nil, []byte("a"), []byte("1")))

	holder, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	require.NoError(t, holder.tx.Delete(db.tree, []byte("a"), nil))
	defer holder.Abort()

	waiter, err := env.BeginTransaction(nil, txn.NoSync)
	require.NoError(t, err)
	waiter.SetLockTimeout(20 * time.Millisecond)

	err = db.Put(waiter, []byte("a"), []byte("2"))
	require.ErrorIs(t, err, ekind.ErrLockTimeout)
	require.NoError(t, waiter.Abort())
}
