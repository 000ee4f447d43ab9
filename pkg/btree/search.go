package btree

import (
	"github.com/cuemby/logkv/pkg/ekind"
)

// SearchMode selects how Search resolves a key (and, for duplicate-enabled
// databases, a data value) into a cursor position (spec §4.2).
type SearchMode int

const (
	// Set finds the BIN entry whose key exactly matches.
	Set SearchMode = iota
	// SetRange finds the first BIN entry whose key is >= the given key:
	// an exact match, otherwise the first live entry after key. A
	// write-latched SetRange search reports only an exact match.
	SetRange
	// Both finds the exact (key, data) pair within a duplicate set.
	Both
	// BothRange finds the first (key, data) pair with the given key whose
	// data is >= the given data. When the key has no duplicate subtree
	// this mode falls back to positioning on the key alone (equivalent to
	// a plain getCurrent); when it has one and every duplicate is < data,
	// the search is not found.
	BothRange
)

// Result is the outcome of a completed descent: the BIN holding the
// target slot, the slot's index within it (or the insertion point if the
// key was not found), and whether an exact match was located.
type Result struct {
	BIN   *Node
	Index int
	Found bool

	// DIN/DBIN are set only when the BIN slot at Index holds a duplicate
	// subtree and the search mode descended into it.
	DIN      *Node
	DBIN     *Node
	DupIndex int
}

// Search performs a latch-coupled top-down descent from the tree's root
// to the BIN that should hold key, per spec §4.2: the parent's latch is
// only released after the child has been successfully latched (never
// latch the child first), and the descent always takes the read latch
// unless write is true.
//
// On return, if write is false, Result.BIN (and, if applicable,
// Result.DBIN) is held read-latched; if write is true, held write-latched.
// The caller must release it when done.
func (t *Tree) Search(key, data []byte, mode SearchMode, write bool, owner uint64) (Result, error) {
	root, err := t.FetchRoot()
	if err != nil {
		return Result{}, err
	}

	cur := root
	latchNode(cur, write, owner)

	for cur.Kind.IsInternal() {
		if len(cur.Entries) == 0 {
			unlatchNode(cur, write, owner)
			return Result{}, ekind.New(ekind.NotFound, "empty internal node during descent")
		}
		idx := descendIndex(cur, key, t.Comparator)

		child, err := t.FetchChild(cur, cur.Entries[idx])
		if err != nil {
			unlatchNode(cur, write, owner)
			return Result{}, err
		}
		childWrite := write
		latchNode(child, childWrite, owner)
		unlatchNode(cur, write, owner)
		cur = child
	}

	idx, found := cur.find(key, t.Comparator, false)
	res := Result{BIN: cur, Index: idx, Found: found}
	if !found {
		if mode == SetRange && !write {
			// No exact match: the first entry >= key is the first live
			// entry after key, possibly in a following BIN.
			unlatchNode(cur, write, owner)
			return t.Next(key, owner)
		}
		return res, nil
	}

	e := cur.Entries[idx]
	if !e.HasDuplicates {
		return res, nil
	}

	din, err := t.FetchDIN(e)
	if err != nil {
		return res, err
	}
	latchNode(din, write, owner)
	res.DIN = din

	// Set/SetRange only need the duplicate subtree's root (e.g. for its
	// DupCount); only Both/BothRange descend into the DBIN itself.
	if mode == Set || mode == SetRange {
		return res, nil
	}

	var dbin *Node
	if len(din.Entries) > 0 {
		dbin, err = t.FetchChild(din, din.Entries[0])
		if err != nil {
			unlatchNode(din, write, owner)
			return res, err
		}
		latchNode(dbin, write, owner)
	}
	res.DBIN = dbin
	if dbin == nil {
		return res, nil
	}

	switch mode {
	case Both:
		di, df := dbin.find(data, t.DupComparator, false)
		res.DupIndex = di
		res.Found = df
	case BothRange:
		di, df := dbin.find(data, t.DupComparator, false)
		res.DupIndex = di
		if df {
			res.Found = true
		} else if di < len(dbin.Entries) {
			// first duplicate >= data exists: position there.
			res.Found = true
		} else {
			// Every duplicate is < data: nothing in range.
			res.Found = false
		}
	}
	return res, nil
}

// Unlatch releases the latches Search acquired on res, in bottom-up order.
func (t *Tree) Unlatch(res Result, write bool, owner uint64) {
	if res.DBIN != nil {
		unlatchNode(res.DBIN, write, owner)
	}
	if res.DIN != nil {
		unlatchNode(res.DIN, write, owner)
	}
	if res.BIN != nil {
		unlatchNode(res.BIN, write, owner)
	}
}

func latchNode(n *Node, write bool, owner uint64) {
	if write {
		n.Latch.Lock(owner)
	} else {
		n.Latch.RLock(owner)
	}
}

func unlatchNode(n *Node, write bool, owner uint64) {
	if write {
		n.Latch.Unlock()
	} else {
		n.Latch.RUnlock(owner)
	}
}
