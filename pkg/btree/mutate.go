package btree

import (
	"github.com/cuemby/logkv/pkg/ekind"
)

// Insert and Delete hold every node on the root-to-leaf path write-latched
// for the duration of the operation, rather than the finer-grained
// "couple down, split preemptively, release the parent once the child is
// provably safe" discipline spec §4.2/§4.3 describe in full generality.
// This is a deliberate simplification (see DESIGN.md): it is still
// correct (latch discipline guarantees the same mutual exclusion, just
// coarser), it makes the compare-and-lower parent-key fixup in
// logAndLowerAncestors trivial to implement correctly, and splits remain
// rare enough relative to point operations that the extra hold time on
// upper INs is not expected to be a bottleneck for this implementation's
// scope.

// Insert adds or overwrites (key, value) in a non-duplicate database, or
// adds a duplicate data value in one configured for sorted duplicates.
// noOverwrite rejects an existing key outright; noDupData rejects a
// duplicate whose data exactly matches an existing one.
func (t *Tree) Insert(key, value []byte, txnID uint64, allowDup, noOverwrite, noDupData bool, owner uint64) (existed bool, err error) {
	path, idx, err := t.descendForWrite(key, owner)
	if err != nil {
		return false, err
	}
	defer t.unlatchPath(path, owner)

	bin := path[len(path)-1]
	if idx < len(bin.Entries) && t.Comparator(bin.Entries[idx].Key, key) == 0 {
		e := bin.Entries[idx]
		if e.HasDuplicates {
			_, dupExisted, err := t.insertDuplicate(bin, e, value, noDupData, txnID, owner)
			if err != nil {
				return dupExisted, err
			}
			if err := t.logAndLowerAncestors(path, txnID); err != nil {
				return false, err
			}
			return dupExisted, nil
		}
		if noOverwrite {
			return true, ekind.ErrKeyExists
		}
		if allowDup {
			existingVal, err := t.FetchLN(e)
			if err != nil {
				return false, err
			}
			if !existingVal.Deleted && t.DupComparator(existingVal.Value, value) == 0 {
				if noDupData {
					return true, ekind.ErrKeyExists
				}
				return true, nil
			}
			if err := t.materializeDuplicateSubtree(e, existingVal.Value, value, txnID); err != nil {
				return false, err
			}
			bin.Dirty = true
			return true, t.logAndLowerAncestors(path, txnID)
		}

		// Plain overwrite: log a fresh LN image and repoint the entry.
		newLN := &LNValue{NodeID: e.ChildID, Value: append([]byte(nil), value...)}
		if _, err := t.LogLN(newLN, txnID, false); err != nil {
			return false, err
		}
		e.LN = newLN
		e.ChildLSN = newLN.LSN
		e.KnownDeleted = false
		bin.Dirty = true
		return true, t.logAndLowerAncestors(path, txnID)
	}

	// New key.
	ln := &LNValue{NodeID: t.allocNodeID(), Value: append([]byte(nil), value...)}
	if _, err := t.LogLN(ln, txnID, false); err != nil {
		return false, err
	}
	e := &Entry{Key: append([]byte(nil), key...), ChildID: ln.NodeID, ChildLSN: ln.LSN, LN: ln}
	bin.insertAt(idx, e)

	if bin.full(t.NodeMaxEntries) {
		if err := t.splitLeaf(path, txnID); err != nil {
			return false, err
		}
		return false, nil
	}
	return false, t.logAndLowerAncestors(path, txnID)
}

// Delete logically removes key (spec §4.2: mark KnownDeleted, defer
// physical slot removal to the compressor). For a key that owns a
// duplicate subtree, data selects the one duplicate to remove; a data
// value matching no duplicate (including nil) returns ErrNotFound. For a
// key with a single value, data is ignored.
func (t *Tree) Delete(key, data []byte, txnID uint64, owner uint64) error {
	path, idx, err := t.descendForWrite(key, owner)
	if err != nil {
		return err
	}
	defer t.unlatchPath(path, owner)

	bin := path[len(path)-1]
	if idx >= len(bin.Entries) || t.Comparator(bin.Entries[idx].Key, key) != 0 {
		return ekind.ErrNotFound
	}
	e := bin.Entries[idx]

	if e.HasDuplicates {
		din, err := t.FetchDIN(e)
		if err != nil {
			return err
		}
		if len(din.Entries) == 0 {
			return ekind.ErrNotFound
		}
		dbin, err := t.FetchChild(din, din.Entries[0])
		if err != nil {
			return err
		}
		di, found := dbin.find(data, t.DupComparator, false)
		if !found {
			return ekind.ErrNotFound
		}
		de := dbin.Entries[di]
		if de.KnownDeleted {
			return ekind.ErrNotFound
		}
		de.KnownDeleted = true
		dbin.Dirty = true
		if din.DupCount != nil && din.DupCount.Count > 0 {
			din.DupCount.Count--
			din.Dirty = true
		}
		if _, err := t.LogNode(dbin, txnID, false); err != nil {
			return err
		}
		if din.Dirty {
			if _, err := t.LogNode(din, txnID, false); err != nil {
				return err
			}
			e.ChildLSN = din.LSN
			bin.Dirty = true
		}
		return t.logAndLowerAncestors(path, txnID)
	}

	if e.KnownDeleted {
		return ekind.ErrNotFound
	}
	ln, err := t.FetchLN(e)
	if err != nil {
		return err
	}
	if ln.Deleted {
		return ekind.ErrNotFound
	}
	deadLN := &LNValue{NodeID: e.ChildID, Deleted: true}
	if _, err := t.LogLN(deadLN, txnID, false); err != nil {
		return err
	}
	e.LN = deadLN
	e.ChildLSN = deadLN.LSN
	e.KnownDeleted = true
	bin.Dirty = true
	return t.logAndLowerAncestors(path, txnID)
}

// descendForWrite write-latches the root-to-BIN path for key and returns
// it along with the BIN-level insertion index for key. Splitting, if
// needed, happens afterward via splitLeaf, which walks back up this same
// path.
func (t *Tree) descendForWrite(key []byte, owner uint64) ([]*Node, int, error) {
	root, err := t.FetchRoot()
	if err != nil {
		return nil, 0, err
	}
	root.Latch.Lock(owner)
	path := []*Node{root}

	cur := root
	for cur.Kind.IsInternal() {
		idx := descendIndex(cur, key, t.Comparator)
		child, err := t.FetchChild(cur, cur.Entries[idx])
		if err != nil {
			t.unlatchPath(path, owner)
			return nil, 0, err
		}
		child.Latch.Lock(owner)
		path = append(path, child)
		cur = child
	}

	idx, _ := cur.find(key, t.Comparator, false)
	return path, idx, nil
}

func (t *Tree) unlatchPath(path []*Node, owner uint64) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].Latch.Unlock()
	}
}

// logAndLowerAncestors logs every dirty node on path (bottom-up) and, if
// the bottom BIN's smallest key changed, lowers the separator key its
// immediate parent holds for it so range search invariants stay intact
// (spec §4.3 step 5's compare-and-lower). Internal nodes above that single
// level are never a lowering target themselves, since their own index-0
// entry is the parent-relative sentinel rather than a real key.
func (t *Tree) logAndLowerAncestors(path []*Node, txnID uint64) error {
	bottom := len(path) - 1
	if bottom >= 0 && bottom > 0 && len(path[bottom].Entries) > 0 && !path[bottom].Kind.IsInternal() {
		n := path[bottom]
		smallest := n.Entries[0].Key
		parent := path[bottom-1]
		if pidx := indexOfChild(parent, n.NodeID); pidx > 0 {
			if t.Comparator(parent.Entries[pidx].Key, smallest) > 0 {
				parent.Entries[pidx].Key = append([]byte(nil), smallest...)
				parent.Dirty = true
			}
		}
	}

	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if n.Dirty {
			if _, err := t.LogNode(n, txnID, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertDuplicate adds value to the duplicate subtree rooted at e, which
// already has HasDuplicates set.
func (t *Tree) insertDuplicate(bin *Node, e *Entry, value []byte, noDupData bool, txnID uint64, owner uint64) (*LNValue, bool, error) {
	din, err := t.FetchDIN(e)
	if err != nil {
		return nil, false, err
	}
	if len(din.Entries) == 0 {
		return nil, false, ekind.New(ekind.LogCorruption, "duplicate subtree root has no DBIN child")
	}
	dbin, err := t.FetchChild(din, din.Entries[0])
	if err != nil {
		return nil, false, err
	}

	di, found := dbin.find(value, t.DupComparator, false)
	if found && !dbin.Entries[di].KnownDeleted {
		if noDupData {
			return nil, true, ekind.ErrKeyExists
		}
		ln, err := t.FetchLN(dbin.Entries[di])
		return ln, true, err
	}

	ln := &LNValue{NodeID: t.allocNodeID(), Value: append([]byte(nil), value...)}
	if _, err := t.LogLN(ln, txnID, false); err != nil {
		return nil, false, err
	}
	de := &Entry{Key: append([]byte(nil), value...), ChildID: ln.NodeID, ChildLSN: ln.LSN, LN: ln}
	if found {
		dbin.Entries[di] = de
	} else {
		dbin.insertAt(di, de)
	}
	dbin.Dirty = true

	if din.DupCount == nil {
		din.DupCount = &DupCount{NodeID: t.allocNodeID()}
	}
	din.DupCount.Count++
	din.Dirty = true
	if _, err := t.LogNode(dbin, txnID, false); err != nil {
		return nil, false, err
	}
	if _, err := t.LogNode(din, txnID, false); err != nil {
		return nil, false, err
	}
	e.ChildLSN = din.LSN
	bin.Dirty = true
	return ln, false, nil
}

// materializeDuplicateSubtree converts a plain BIN entry holding a single
// value into one holding a DIN/DBIN duplicate subtree containing both the
// old and new values (spec §3's "first duplicate insert materializes a
// DIN/DBIN pair"). Per this implementation's scope simplification, the
// duplicate subtree is always exactly one DIN root with one DBIN child,
// not a deep fan-out (see DESIGN.md).
func (t *Tree) materializeDuplicateSubtree(e *Entry, oldValue, newValue []byte, txnID uint64) error {
	dbin := t.NewNode(KindDBIN, 0)
	oldLN := &LNValue{NodeID: t.allocNodeID(), Value: append([]byte(nil), oldValue...)}
	if _, err := t.LogLN(oldLN, txnID, true); err != nil {
		return err
	}
	newLN := &LNValue{NodeID: t.allocNodeID(), Value: append([]byte(nil), newValue...)}
	if _, err := t.LogLN(newLN, txnID, true); err != nil {
		return err
	}

	entries := []*Entry{
		{Key: append([]byte(nil), oldValue...), ChildID: oldLN.NodeID, ChildLSN: oldLN.LSN, LN: oldLN},
		{Key: append([]byte(nil), newValue...), ChildID: newLN.NodeID, ChildLSN: newLN.LSN, LN: newLN},
	}
	if t.DupComparator(oldValue, newValue) > 0 {
		entries[0], entries[1] = entries[1], entries[0]
	}
	dbin.Entries = entries
	if _, err := t.LogNode(dbin, txnID, true); err != nil {
		return err
	}

	din := t.NewNode(KindDIN, 1)
	din.DupCount = &DupCount{NodeID: t.allocNodeID(), Count: 2}
	if _, err := t.LogDupCount(din.DupCount, txnID, true); err != nil {
		return err
	}
	din.Entries = []*Entry{{Key: nil, ChildID: dbin.NodeID, ChildLSN: dbin.LSN, Child: dbin}}
	if _, err := t.LogNode(din, txnID, false); err != nil {
		return err
	}

	e.HasDuplicates = true
	e.ChildID = din.NodeID
	e.ChildLSN = din.LSN
	e.Child = din
	e.LN = nil
	return nil
}
