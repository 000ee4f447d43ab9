/*
Package cursor implements the positional cursor over a single database:
uninitialized / positioned-on-BIN(index) / positioned-on-DBIN(dupIndex)
states, the navigation primitives, and the dup-and-swap clone-operate-
adopt protocol that keeps a cursor's last-good position intact across a
failed move (spec §4.9).

There is no parent-/sibling-pointer-shaped type here: navigation is
delegated to the btree package's First/Last/Next/Prev/NextDup/PrevDup,
which recompute each step's position fresh from the surrounding key
rather than walking cached links (see pkg/btree/walk.go's doc comment).
*/
package cursor

import (
	"errors"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lock"
)

// Mode selects which slot a cursor is parked on.
type Mode int

const (
	Uninitialized Mode = iota
	OnBIN
	OnDBIN
)

// Cursor is a steppable position over one database. It is not safe for
// concurrent use by multiple goroutines, matching the teacher's other
// single-owner stateful types.
type Cursor struct {
	tree   *btree.Tree
	locker lock.LockerID
	locks  *lock.Table
	owner  uint64

	mode Mode
	res  btree.Result
	key  []byte // the key the cursor is parked on, cached for Next/Prev
}

// Open creates a fresh, uninitialized cursor over tree. locker identifies
// the transaction (or auto-transaction) the cursor's reads are locked
// under; locks is the environment's shared lock table.
func Open(tree *btree.Tree, locker lock.LockerID, locks *lock.Table, owner uint64) *Cursor {
	return &Cursor{tree: tree, locker: locker, locks: locks, owner: owner}
}

// Close releases whatever latch the cursor currently holds and resets it
// to uninitialized. It does not release record locks: those belong to
// the cursor's transaction and live until that transaction ends.
func (c *Cursor) Close() {
	c.unlatch()
	c.mode = Uninitialized
	c.key = nil
}

func (c *Cursor) unlatch() {
	if c.mode == Uninitialized {
		return
	}
	c.tree.Unlatch(c.res, false, c.owner)
}

// Clone produces an independent cursor sharing this cursor's locker and
// current position, per the dup-and-swap protocol's step 1. The clone
// does not hold its own latch until a navigation call re-acquires one.
func (c *Cursor) Clone() *Cursor {
	return &Cursor{
		tree:   c.tree,
		locker: c.locker,
		locks:  c.locks,
		owner:  c.owner,
		mode:   Uninitialized,
		key:    append([]byte(nil), c.key...),
	}
}

// adopt implements the dup-and-swap protocol for a navigation primitive
// nav that returns a new Result: nav runs, latching its own new position,
// before this cursor's previous position is unlatched, so the cursor is
// never left pointing at a released latch if nav fails partway through.
// Only on success does the new position replace this cursor's.
//
// A Result landing on a key that owns a duplicate subtree (DIN set) but
// has not already drilled into a specific duplicate (DBIN unset, true of
// every First/Last/Next/Prev landing and a Set/SetRange search) is walked
// one step further onto its first duplicate, matching a real B-tree
// cursor's "a key with duplicates IS its first duplicate" positioning.
func (c *Cursor) adopt(nav func() (btree.Result, error)) error {
	res, err := nav()
	if err != nil {
		return err
	}
	if !res.Found {
		c.tree.Unlatch(res, false, c.owner)
		return ekind.ErrNotFound
	}
	if res.DIN != nil && res.DBIN == nil {
		if descended, derr := c.tree.NextDup(res, c.owner); derr != nil {
			c.tree.Unlatch(res, false, c.owner)
			return derr
		} else if descended.Found {
			res = descended
		}
	}
	c.unlatch()
	c.res = res
	if res.BIN != nil && res.Index < len(res.BIN.Entries) {
		c.key = append([]byte(nil), res.BIN.Entries[res.Index].Key...)
	}
	c.mode = OnBIN
	if res.DBIN != nil {
		c.mode = OnDBIN
	}
	return nil
}

// First positions on the smallest key in the database.
func (c *Cursor) First() error {
	return c.adopt(func() (btree.Result, error) { return c.tree.First(c.owner) })
}

// Last positions on the largest key in the database.
func (c *Cursor) Last() error {
	return c.adopt(func() (btree.Result, error) { return c.tree.Last(c.owner) })
}

// Next advances to the next entry in full enumeration order: if the
// cursor sits within a duplicate set with more duplicates remaining, it
// advances there first; otherwise it moves to the following distinct key.
// A cursor with no anchor key at all (never positioned) behaves like
// First; note this is judged by the cached key, not by mode, so a freshly
// Cloned cursor (mode reset to Uninitialized, key copied) correctly
// resumes from its copied position rather than restarting at First.
func (c *Cursor) Next() error {
	if len(c.key) == 0 {
		return c.First()
	}
	if c.mode == OnDBIN {
		if err := c.NextDup(); err == nil || !errors.Is(err, ekind.ErrNotFound) {
			return err
		}
	}
	return c.adopt(func() (btree.Result, error) { return c.tree.Next(c.key, c.owner) })
}

// Prev retreats to the previous entry in full enumeration order, symmetric
// to Next.
func (c *Cursor) Prev() error {
	if len(c.key) == 0 {
		return c.Last()
	}
	if c.mode == OnDBIN {
		if err := c.PrevDup(); err == nil || !errors.Is(err, ekind.ErrNotFound) {
			return err
		}
	}
	return c.adopt(func() (btree.Result, error) { return c.tree.Prev(c.key, c.owner) })
}

// NextDup advances within the current key's duplicate set. It fails with
// ErrNotFound if the cursor is not positioned within a duplicate set or
// already sits on its last duplicate.
//
// Unlike the other navigation methods, NextDup does not go through adopt:
// a dup move keeps the cursor's BIN/DIN latches exactly as they were (only
// the DBIN level changes), so unlatching and re-latching them on every
// step would be both wasteful and wrong, since the returned Result still
// references those same latched nodes.
func (c *Cursor) NextDup() error {
	if c.mode != OnDBIN && c.res.DIN == nil {
		return ekind.ErrNotFound
	}
	res, err := c.tree.NextDup(c.res, c.owner)
	if err != nil {
		return err
	}
	if !res.Found {
		return ekind.ErrNotFound
	}
	c.res = res
	c.mode = OnDBIN
	return nil
}

// PrevDup retreats within the current key's duplicate set.
func (c *Cursor) PrevDup() error {
	if c.mode != OnDBIN && c.res.DIN == nil {
		return ekind.ErrNotFound
	}
	res, err := c.tree.PrevDup(c.res, c.owner)
	if err != nil {
		return err
	}
	if !res.Found {
		return ekind.ErrNotFound
	}
	c.res = res
	c.mode = OnDBIN
	return nil
}

// NextNoDup advances to the next distinct key, skipping any remaining
// duplicates of the current key.
func (c *Cursor) NextNoDup() error {
	if len(c.key) == 0 {
		return c.First()
	}
	return c.adopt(func() (btree.Result, error) { return c.tree.Next(c.key, c.owner) })
}

// PrevNoDup retreats to the previous distinct key.
func (c *Cursor) PrevNoDup() error {
	if len(c.key) == 0 {
		return c.Last()
	}
	return c.adopt(func() (btree.Result, error) { return c.tree.Prev(c.key, c.owner) })
}

// Search positions the cursor per mode, per spec §4.9's SET/SET_RANGE/
// BOTH/BOTH_RANGE.
func (c *Cursor) Search(key, data []byte, mode btree.SearchMode) error {
	return c.adopt(func() (btree.Result, error) {
		return c.tree.Search(key, data, mode, false, c.owner)
	})
}

// Current returns the cursor's current key and value. If the cursor is
// positioned within a duplicate set, Value returns that duplicate's data;
// otherwise it returns the key's single value.
func (c *Cursor) Current() (key, value []byte, err error) {
	switch c.mode {
	case Uninitialized:
		return nil, nil, ekind.ErrInvalidConfig
	case OnDBIN:
		e := c.res.DBIN.Entries[c.res.DupIndex]
		if e.KnownDeleted {
			return nil, nil, ekind.ErrNotFound
		}
		ln, err := c.tree.FetchLN(e)
		if err != nil {
			return nil, nil, err
		}
		return append([]byte(nil), c.key...), ln.Value, nil
	default:
		e := c.res.BIN.Entries[c.res.Index]
		if e.KnownDeleted || e.HasDuplicates {
			return nil, nil, ekind.ErrNotFound
		}
		ln, err := c.tree.FetchLN(e)
		if err != nil {
			return nil, nil, err
		}
		if ln.Deleted {
			return nil, nil, ekind.ErrNotFound
		}
		return append([]byte(nil), c.key...), ln.Value, nil
	}
}

// Count reports the number of live duplicates at the cursor's current
// key, or 1 for a plain key, without individually locking each duplicate
// (spec §4.9's DupCountLN-only count).
func (c *Cursor) Count() (uint64, error) {
	if c.mode == Uninitialized {
		return 0, ekind.ErrInvalidConfig
	}
	return c.tree.Count(c.key, c.owner)
}

// Put inserts or overwrites (key, value) and repositions the cursor onto
// the written record, taking a write lock under the cursor's locker
// first. txnID is the log record's owning transaction (0 for an
// auto-commit cursor).
func (c *Cursor) Put(txnID uint64, key, value []byte, allowDup, noOverwrite, noDupData bool) error {
	if err := c.locks.Acquire(c.locker, lock.KeyFor(c.tree.DatabaseID, key), lock.Write); err != nil {
		return err
	}
	if _, err := c.tree.Insert(key, value, txnID, allowDup, noOverwrite, noDupData, c.owner); err != nil {
		return err
	}
	return c.Search(key, nil, btree.Set)
}

// Delete removes the record the cursor is currently positioned on (the
// specific duplicate, if within a duplicate set).
func (c *Cursor) Delete(txnID uint64) error {
	if c.mode == Uninitialized {
		return ekind.ErrInvalidConfig
	}
	key, _, err := c.Current()
	if err != nil {
		return err
	}
	var data []byte
	if c.mode == OnDBIN {
		ln, err := c.tree.FetchLN(c.res.DBIN.Entries[c.res.DupIndex])
		if err != nil {
			return err
		}
		data = ln.Value
	}
	if err := c.locks.Acquire(c.locker, lock.KeyFor(c.tree.DatabaseID, key), lock.Write); err != nil {
		return err
	}
	return c.tree.Delete(key, data, txnID, c.owner)
}

// Dup creates an independent cursor over the same database. If
// samePosition is true the new cursor starts at this cursor's current
// position (via Clone); otherwise it starts uninitialized, matching BDB
// JE's Cursor.dup(samePosition).
func (c *Cursor) Dup(samePosition bool) *Cursor {
	if samePosition {
		return c.Clone()
	}
	return Open(c.tree, c.locker, c.locks, c.owner)
}
