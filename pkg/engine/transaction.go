package engine

import (
	"time"

	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/txn"
)

// Transaction is a handle onto one in-flight transaction (spec §6). It is
// a thin wrapper over pkg/txn.Txn: the engine package adds nothing to its
// semantics, only the commit-flag convenience methods BDB JE's API
// exposes as separate calls.
type Transaction struct {
	tx  *txn.Txn
	env *Environment
}

// BeginTransaction starts a new transaction. parent is accepted for
// interface symmetry with spec §6's beginTransaction(parent, config) but
// nested transactions are a non-goal (see DESIGN.md); a non-nil parent is
// rejected with InvalidConfig.
func (env *Environment) BeginTransaction(parent *Transaction, durability txn.Durability) (*Transaction, error) {
	if parent != nil {
		return nil, errInvalidConfig("nested transactions are not supported")
	}
	tx, err := env.txns.Begin(durability)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx, env: env}, nil
}

// Commit commits using the transaction's configured durability.
func (t *Transaction) Commit() error { return t.tx.Commit() }

// CommitSync commits with a forced fsync regardless of how the
// transaction was begun.
func (t *Transaction) CommitSync() error {
	return t.commitWith(logfile.Sync)
}

// CommitNoSync commits without forcing an fsync.
func (t *Transaction) CommitNoSync() error {
	return t.commitWith(logfile.NoSync)
}

func (t *Transaction) commitWith(d logfile.Durability) error {
	return t.tx.CommitWith(d)
}

// Abort rolls back every write the transaction made and releases its
// locks.
func (t *Transaction) Abort() error { return t.tx.Abort() }

// SetLockTimeout overrides this transaction's lock-wait timeout.
func (t *Transaction) SetLockTimeout(d time.Duration) { t.tx.SetLockTimeout(d) }

// SetTxnTimeout records this transaction's maximum lifetime.
func (t *Transaction) SetTxnTimeout(d time.Duration) { t.tx.SetTxnTimeout(d) }

// SetName attaches a diagnostic name to the transaction.
func (t *Transaction) SetName(name string) { t.tx.SetName(name) }

// ID returns the transaction's identifier.
func (t *Transaction) ID() uint64 { return t.tx.ID }
