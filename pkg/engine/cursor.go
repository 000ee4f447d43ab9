package engine

import (
	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/cursor"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/txn"
)

// Cursor is a positional handle over one database (spec §6's cursor
// navigation/put set plus count, dup, close). It wraps pkg/cursor.Cursor,
// adding only the transaction bookkeeping a bare cursor package has no
// reason to know about: a cursor opened with no explicit transaction runs
// under an implicit auto-commit transaction for its own lifetime, exactly
// like Database.Put/Get's single-operation auto-commit path.
type Cursor struct {
	cur    *cursor.Cursor
	db     *Database
	tx     *Transaction
	autoTx *txn.Txn
	owns   bool // true if this handle created autoTx and must finish it on Close
}

// OpenCursor opens a cursor over db. tx may be nil, in which case the
// cursor runs under an implicit auto-commit transaction until Close.
func (db *Database) OpenCursor(tx *Transaction) (*Cursor, error) {
	c := &Cursor{db: db, tx: tx}
	if tx == nil {
		at, err := db.env.txns.BeginAuto(logfile.NoSync)
		if err != nil {
			return nil, err
		}
		c.autoTx = at
		c.owns = true
	}
	c.cur = cursor.Open(db.tree, c.locker(), db.env.locks, c.owner())
	return c, nil
}

func (c *Cursor) locker() lock.LockerID {
	if c.tx != nil {
		return c.tx.tx.Locker
	}
	return c.autoTx.Locker
}

func (c *Cursor) owner() uint64 {
	if c.tx != nil {
		return c.tx.tx.ID
	}
	return c.autoTx.ID
}

// Close releases the cursor's latch and, if it owns an implicit
// auto-commit transaction, commits it.
func (c *Cursor) Close() error {
	c.cur.Close()
	if c.owns {
		return c.autoTx.Commit()
	}
	return nil
}

func (c *Cursor) First() error     { return c.cur.First() }
func (c *Cursor) Last() error      { return c.cur.Last() }
func (c *Cursor) Next() error      { return c.cur.Next() }
func (c *Cursor) Prev() error      { return c.cur.Prev() }
func (c *Cursor) NextDup() error   { return c.cur.NextDup() }
func (c *Cursor) PrevDup() error   { return c.cur.PrevDup() }
func (c *Cursor) NextNoDup() error { return c.cur.NextNoDup() }
func (c *Cursor) PrevNoDup() error { return c.cur.PrevNoDup() }

// Search positions the cursor per mode (btree.Set/SetRange/Both/BothRange).
func (c *Cursor) Search(key, data []byte, mode btree.SearchMode) error {
	return c.cur.Search(key, data, mode)
}

// Current returns the cursor's current key and value.
func (c *Cursor) Current() (key, value []byte, err error) {
	return c.cur.Current()
}

// Count reports the number of duplicates at the cursor's current key.
func (c *Cursor) Count() (uint64, error) {
	return c.cur.Count()
}

// Put inserts or overwrites (key, value) at the cursor's position.
func (c *Cursor) Put(key, value []byte, allowDup, noOverwrite, noDupData bool) error {
	return c.cur.Put(c.owner(), key, value, allowDup, noOverwrite, noDupData)
}

// Delete removes the record the cursor is currently positioned on.
func (c *Cursor) Delete() error {
	return c.cur.Delete(c.owner())
}

// Dup creates an independent cursor sharing this cursor's transaction.
// The duplicate never owns the shared implicit auto-commit transaction
// (if any): only the original handle's Close finishes it, matching BDB
// JE's single owning handle per implicit transaction.
func (c *Cursor) Dup(samePosition bool) *Cursor {
	return &Cursor{
		cur: c.cur.Dup(samePosition),
		db:  c.db,
		tx:  c.tx,
		// autoTx is shared so the duplicate resolves the same locker;
		// owns is false, so the duplicate never finishes it.
		autoTx: c.autoTx,
		owns:   false,
	}
}
