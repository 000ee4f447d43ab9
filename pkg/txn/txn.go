/*
Package txn implements the transaction manager: locker identity, the
undo-record list a transaction accumulates as it writes, and begin/
commit/abort against the shared log and lock table (spec §4.8).

A Txn wraps single-database writes the way BDB JE's Database/Cursor
methods take a transaction handle: callers never touch a *btree.Tree
directly once a Manager is in play, they call Txn.Put/Txn.Delete/Txn.Get,
which acquire the record lock, perform the write, and append an undo
record before returning.
*/
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
	"github.com/rs/zerolog"
)

// Durability mirrors logfile.Durability for the three commit flags spec
// §4.8 names (SYNC, NO_SYNC, WRITE_NO_SYNC).
type Durability = logfile.Durability

const (
	NoSync      = logfile.NoSync
	WriteNoSync = logfile.WriteNoSync
	Sync        = logfile.Sync
)

type state int

const (
	active state = iota
	committed
	aborted
)

// Manager owns the environment-wide transaction id allocator, the shared
// lock table, and the log every transaction appends to.
type Manager struct {
	log    *logfile.Manager
	locks  *lock.Table
	logger zerolog.Logger

	nextTxnID uint64 // atomic

	mu         sync.Mutex
	handles    map[uint64]lock.LockerID // databaseID -> locker currently holding its handle lock
	activeTxns map[uint64]lsn.LSN       // txnID -> begin LSN, for every not-yet-finished transaction
}

// NewManager creates a transaction manager over the given log and lock
// table. The lock table's lifecycle (Stop) is the caller's responsibility;
// Manager does not own it, since engine-level code may share one lock
// table across several Managers in tests.
func NewManager(log *logfile.Manager, locks *lock.Table) *Manager {
	return &Manager{
		log:        log,
		locks:      locks,
		logger:     elog.WithComponent("txn"),
		handles:    make(map[uint64]lock.LockerID),
		activeTxns: make(map[uint64]lsn.LSN),
	}
}

func (m *Manager) allocTxnID() uint64 {
	return atomic.AddUint64(&m.nextTxnID, 1)
}

// SeedNextTxnID advances the id allocator so a fresh Begin never reissues
// an id recovery observed in the log (pkg/recovery.Result.NextTxnID).
func (m *Manager) SeedNextTxnID(next uint64) {
	for {
		cur := atomic.LoadUint64(&m.nextTxnID)
		if next <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&m.nextTxnID, cur, next) {
			return
		}
	}
}

// FirstActiveLSN reports the begin LSN of the oldest still-active
// transaction, or lsn.Null if none are active. pkg/checkpoint uses this
// to stamp a checkpoint-end record's informational first-active-LSN field
// (spec §6).
func (m *Manager) FirstActiveLSN() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := lsn.Null
	for _, l := range m.activeTxns {
		if first.IsNull() || l.Less(first) {
			first = l
		}
	}
	return first
}

// ActiveCount reports how many transactions are currently active, for
// Environment.TxnStats.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeTxns)
}

// LastTxnID reports the highest transaction id allocated so far, for
// pkg/checkpoint's checkpoint-end payload.
func (m *Manager) LastTxnID() uint64 {
	return atomic.LoadUint64(&m.nextTxnID)
}

// Begin starts a new user transaction and appends its begin record.
func (m *Manager) Begin(durability Durability) (*Txn, error) {
	return m.begin(durability, false)
}

// BeginAuto starts an auto-commit transaction wrapping a single operation
// that the caller did not supply a transaction for. Finish commits it on
// success or aborts it on failure.
func (m *Manager) BeginAuto(durability Durability) (*Txn, error) {
	return m.begin(durability, true)
}

func (m *Manager) begin(durability Durability, auto bool) (*Txn, error) {
	tx := &Txn{
		ID:          m.allocTxnID(),
		Locker:      lock.NewLockerID(),
		mgr:         m,
		durability:  durability,
		auto:        auto,
		state:       active,
	}
	beginLSN, err := m.log.Append(record.Record{
		Header: record.Header{Type: record.TypeTxnBegin, TxnID: tx.ID},
	}, logfile.NoSync)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.activeTxns[tx.ID] = beginLSN
	m.mu.Unlock()
	m.logger.Debug().Uint64("txn", tx.ID).Bool("auto", auto).Msg("begin")
	return tx, nil
}

// AcquireHandleLock serializes truncate/remove/rename of databaseID
// against concurrent openers: opening a database acquires the handle
// lock for the lifetime of the handle, and a truncating/removing
// transaction must acquire it exclusively before proceeding (spec §4.8).
func (m *Manager) AcquireHandleLock(tx *Txn, databaseID uint64) error {
	if err := m.locks.Acquire(tx.Locker, lock.HandleKeyFor(databaseID), lock.Write); err != nil {
		return err
	}
	m.mu.Lock()
	m.handles[databaseID] = tx.Locker
	m.mu.Unlock()
	return nil
}

// ReleaseHandleLock drops databaseID's handle lock, e.g. when a handle is
// closed.
func (m *Manager) ReleaseHandleLock(tx *Txn, databaseID uint64) {
	m.locks.Release(tx.Locker, lock.HandleKeyFor(databaseID))
	m.mu.Lock()
	if m.handles[databaseID] == tx.Locker {
		delete(m.handles, databaseID)
	}
	m.mu.Unlock()
}

// undoKind selects how Txn.rollback reverses one write.
type undoKind int

const (
	undoInsertNew undoKind = iota // key did not exist: undo by deleting it
	undoOverwrite                 // key held priorValue: undo by reinserting it
	undoDelete                    // key/data was logically deleted: undo by reinserting it
	undoDupInsert                 // a duplicate (key,data) was added: undo by deleting that pair
)

type undoRecord struct {
	tree *btree.Tree
	kind undoKind
	key  []byte
	data []byte // the duplicate's data, for dup-aware kinds
}

// Txn is a single transaction: a locker identity plus the ordered list of
// undo records needed to reverse every write it has made so far.
type Txn struct {
	ID         uint64
	Locker     lock.LockerID
	mgr        *Manager
	durability Durability
	auto       bool

	mu          sync.Mutex
	state       state
	undo        []undoRecord
	lockTimeout time.Duration // 0 means "use the lock table's default"
	txnTimeout  time.Duration // recorded only; see DESIGN.md
	name        string
}

func (tx *Txn) owner() uint64 { return tx.ID }

// SetLockTimeout overrides this transaction's lock-wait timeout, in place
// of the lock table's configured default.
func (tx *Txn) SetLockTimeout(d time.Duration) {
	tx.mu.Lock()
	tx.lockTimeout = d
	tx.mu.Unlock()
}

// SetTxnTimeout records the transaction's maximum lifetime. No background
// watchdog currently enforces it (see DESIGN.md); a caller that needs the
// limit honored must check Deadline-style logic of its own for now.
func (tx *Txn) SetTxnTimeout(d time.Duration) {
	tx.mu.Lock()
	tx.txnTimeout = d
	tx.mu.Unlock()
}

// SetName attaches a human-readable name to the transaction, surfaced by
// diagnostics; it has no effect on behavior.
func (tx *Txn) SetName(name string) {
	tx.mu.Lock()
	tx.name = name
	tx.mu.Unlock()
}

// Name returns the transaction's diagnostic name, if one was set.
func (tx *Txn) Name() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.name
}

// acquire takes mode on the (tree, key) record lock, honoring this
// transaction's lock-timeout override if one was set via SetLockTimeout.
func (tx *Txn) acquire(tree *btree.Tree, key []byte, mode lock.Mode) error {
	nodeKey := lock.KeyFor(tree.DatabaseID, key)
	if tx.lockTimeout > 0 {
		return tx.mgr.locks.AcquireWithTimeout(tx.Locker, nodeKey, mode, tx.lockTimeout)
	}
	return tx.mgr.locks.Acquire(tx.Locker, nodeKey, mode)
}

// Put inserts or overwrites (key, value) in tree under this transaction's
// locker, recording whatever undo is needed to reverse the write on abort.
func (tx *Txn) Put(tree *btree.Tree, key, value []byte, allowDup, noOverwrite, noDupData bool) (existed bool, err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != active {
		return false, ekind.New(ekind.InvalidConfig, "transaction is not active")
	}

	if err := tx.acquire(tree, key, lock.Write); err != nil {
		return false, err
	}

	prior, priorErr := tree.Get(key, tx.owner())
	wasAbsent := false
	switch {
	case priorErr == nil:
		// existing plain value, captured below
	case ekindIsNotFound(priorErr):
		wasAbsent = true
	default:
		return false, priorErr
	}

	existed, err = tree.Insert(key, value, tx.ID, allowDup, noOverwrite, noDupData, tx.owner())
	if err != nil {
		return existed, err
	}

	switch {
	case allowDup:
		tx.undo = append(tx.undo, undoRecord{tree: tree, kind: undoDupInsert, key: clone(key), data: clone(value)})
	case wasAbsent:
		tx.undo = append(tx.undo, undoRecord{tree: tree, kind: undoInsertNew, key: clone(key)})
	default:
		tx.undo = append(tx.undo, undoRecord{tree: tree, kind: undoOverwrite, key: clone(key), data: clone(prior.Value)})
	}
	return existed, nil
}

// Delete logically removes key (or, for a key with duplicates, the
// duplicate matching data) from tree under this transaction's locker;
// tree.Delete returns ErrNotFound for a key with duplicates and nil data.
func (tx *Txn) Delete(tree *btree.Tree, key, data []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != active {
		return ekind.New(ekind.InvalidConfig, "transaction is not active")
	}

	if err := tx.acquire(tree, key, lock.Write); err != nil {
		return err
	}

	var priorValue []byte
	if data != nil {
		v, err := tree.GetBoth(key, data, tx.owner())
		if err != nil {
			return err
		}
		priorValue = v.Value
	} else {
		v, err := tree.Get(key, tx.owner())
		if err != nil {
			return err
		}
		priorValue = v.Value
	}

	if err := tree.Delete(key, data, tx.ID, tx.owner()); err != nil {
		return err
	}
	tx.undo = append(tx.undo, undoRecord{tree: tree, kind: undoDelete, key: clone(key), data: clone(priorValue)})
	return nil
}

// Get reads key under this transaction's locker, taking a read lock.
func (tx *Txn) Get(tree *btree.Tree, key []byte) (*btree.LNValue, error) {
	tx.mu.Lock()
	st := tx.state
	tx.mu.Unlock()
	if st != active {
		return nil, ekind.New(ekind.InvalidConfig, "transaction is not active")
	}
	if err := tx.acquire(tree, key, lock.Read); err != nil {
		return nil, err
	}
	return tree.Get(key, tx.owner())
}

// GetBoth reads the exact (key, data) duplicate pair under this
// transaction's locker, taking a read lock, for Database.GetSearchBoth.
func (tx *Txn) GetBoth(tree *btree.Tree, key, data []byte) (*btree.LNValue, error) {
	tx.mu.Lock()
	st := tx.state
	tx.mu.Unlock()
	if st != active {
		return nil, ekind.New(ekind.InvalidConfig, "transaction is not active")
	}
	if err := tx.acquire(tree, key, lock.Read); err != nil {
		return nil, err
	}
	return tree.GetBoth(key, data, tx.owner())
}

// Commit appends a commit record (fsyncing first if the transaction's
// durability is Sync) and releases every lock the transaction holds.
func (tx *Txn) Commit() error {
	return tx.CommitWith(tx.durability)
}

// CommitWith commits using durability in place of the transaction's
// begin-time durability setting, for Transaction.CommitSync/CommitNoSync.
func (tx *Txn) CommitWith(durability Durability) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != active {
		return ekind.New(ekind.InvalidConfig, "transaction already finished")
	}
	timer := emetrics.NewTimer()
	if _, err := tx.mgr.log.Append(record.Record{
		Header: record.Header{Type: record.TypeTxnCommit, TxnID: tx.ID},
	}, durability); err != nil {
		return err
	}
	tx.state = committed
	tx.mgr.locks.ReleaseAll(tx.Locker)
	tx.mgr.mu.Lock()
	delete(tx.mgr.activeTxns, tx.ID)
	tx.mgr.mu.Unlock()
	timer.ObserveDuration(emetrics.TxnCommitDuration)
	emetrics.TxnCommitsTotal.Inc()
	tx.mgr.logger.Debug().Uint64("txn", tx.ID).Msg("commit")
	return nil
}

// Abort walks the undo list in reverse, reinstalling each write's
// pre-image and logging an abort marker so recovery observes the
// rollback, then releases every lock.
func (tx *Txn) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != active {
		return ekind.New(ekind.InvalidConfig, "transaction already finished")
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.rollback(tx.undo[i]); err != nil {
			tx.mgr.logger.Warn().Err(err).Uint64("txn", tx.ID).Msg("undo step failed during abort")
		}
	}
	if _, err := tx.mgr.log.Append(record.Record{
		Header: record.Header{Type: record.TypeTxnAbort, TxnID: tx.ID},
	}, logfile.NoSync); err != nil {
		return err
	}
	tx.state = aborted
	tx.mgr.locks.ReleaseAll(tx.Locker)
	tx.mgr.mu.Lock()
	delete(tx.mgr.activeTxns, tx.ID)
	tx.mgr.mu.Unlock()
	emetrics.TxnAbortsTotal.Inc()
	tx.mgr.logger.Debug().Uint64("txn", tx.ID).Int("undoSteps", len(tx.undo)).Msg("abort")
	return nil
}

// Finish commits on a nil err, aborts otherwise, and returns err unchanged
// (or the commit/abort error if that itself failed). Auto-transactions use
// this at the end of the single operation they wrap.
func (tx *Txn) Finish(err error) error {
	if err != nil {
		if abortErr := tx.Abort(); abortErr != nil {
			return fmt.Errorf("abort after %w: %v", err, abortErr)
		}
		return err
	}
	return tx.Commit()
}

func (tx *Txn) rollback(u undoRecord) error {
	switch u.kind {
	case undoInsertNew:
		return u.tree.Delete(u.key, nil, tx.ID, tx.owner())
	case undoOverwrite:
		_, err := u.tree.Insert(u.key, u.data, tx.ID, false, false, false, tx.owner())
		return err
	case undoDelete:
		_, err := u.tree.Insert(u.key, u.data, tx.ID, false, false, false, tx.owner())
		return err
	case undoDupInsert:
		return u.tree.Delete(u.key, u.data, tx.ID, tx.owner())
	default:
		return nil
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func ekindIsNotFound(err error) bool {
	return ekind.KindOf(err) == ekind.NotFound
}
