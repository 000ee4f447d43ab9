/*
Package btree implements the in-memory B-tree: IN/BIN/DIN/DBIN/LN node
representation, the IN-list, search, insert, split, and compress (spec
§3, §4.2, §4.3).

Per design note §9, node ownership is arena-based: nodes refer to each
other by (node-id, LSN) pairs rather than by pervasive object identity and
parent back-pointers, so IN/BIN/DIN/DBIN are a single tagged struct
distinguished by Kind rather than a class hierarchy.
*/
package btree

import (
	"github.com/cuemby/logkv/pkg/latch"
	"github.com/cuemby/logkv/pkg/lsn"
)

// Kind tags what a Node's entries point to.
type Kind uint8

const (
	KindIN Kind = iota + 1
	KindBIN
	KindDIN
	KindDBIN
)

func (k Kind) String() string {
	switch k {
	case KindIN:
		return "IN"
	case KindBIN:
		return "BIN"
	case KindDIN:
		return "DIN"
	case KindDBIN:
		return "DBIN"
	default:
		return "?"
	}
}

// IsInternal reports whether entries of this kind point at child Nodes
// (IN, DIN) rather than at leaf values (BIN, DBIN).
func (k Kind) IsInternal() bool { return k == KindIN || k == KindDIN }

// IsDup reports whether this kind belongs to a duplicate subtree and
// therefore compares entries with the duplicate comparator.
func (k Kind) IsDup() bool { return k == KindDIN || k == KindDBIN }

const (
	nodeOverhead  = 128
	entryOverhead = 48
	lnOverhead    = 32
)

// LNValue is the resident in-memory handle for a leaf record: one key's
// (or one duplicate's) value bytes, plus the LSN of its last logged image.
type LNValue struct {
	NodeID  uint64
	Value   []byte
	LSN     lsn.LSN
	Deleted bool
}

func (v *LNValue) memSize() int {
	if v == nil {
		return 0
	}
	return lnOverhead + len(v.Value)
}

// DupCount is the resident handle for a DupCountLN: the live count of
// duplicate data entries under a DIN subtree root.
type DupCount struct {
	NodeID uint64
	Count  uint64
	LSN    lsn.LSN
}

// Entry is one slot of a Node.
type Entry struct {
	Key      []byte
	ChildID  uint64  // node-id of the child Node (IN/DIN/DIN-root), or of the LN/DupCountLN for bottom kinds
	ChildLSN lsn.LSN // last-known LSN of the referenced child/leaf, for lazy re-fetch

	Child *Node    // resident child Node, for IN/DIN entries (nil if evicted)
	LN    *LNValue // resident leaf value, for BIN/DBIN entries without a duplicate subtree (nil if evicted or absent)

	HasDuplicates bool // true for a BIN entry whose Child/ChildID is a DIN subtree root instead of a plain LN
	KnownDeleted  bool // physically-pending-removal marker (spec §4.2 delete, §4.4 compressor)
}

func (e *Entry) memSize() int {
	return entryOverhead + len(e.Key) + e.LN.memSize()
}

// Node is the shared representation of an IN, BIN, DIN, or DBIN.
type Node struct {
	Latch *latch.Latch

	NodeID     uint64
	Kind       Kind
	Level      int // 0 at the bottom (BIN/DBIN), increasing toward the root
	Dirty      bool
	Generation uint64 // monotonic access counter, the evictor's LRU proxy
	LSN        lsn.LSN // LSN of this node's last logged image; Null if never logged

	Entries []*Entry

	DupCount *DupCount // set only on a DIN subtree root
}

func newNode(id uint64, kind Kind, level int) *Node {
	return &Node{
		Latch:  latch.New(kind.String()),
		NodeID: id,
		Kind:   kind,
		Level:  level,
		Dirty:  true,
	}
}

// MemorySize implements Invariant 5: a node's accounted size is the sum of
// its entries' sizes plus fixed overhead.
func (n *Node) MemorySize() int {
	size := nodeOverhead
	for _, e := range n.Entries {
		size += e.memSize()
	}
	return size
}

// find returns the index of the first entry whose key is >= key under cmp,
// and whether that entry's key equals key exactly. Entry 0 is treated as a
// sentinel (always "less than" key) when sentinel is true, matching the IN
// invariant that index 0 never participates in ordering comparisons.
func (n *Node) find(key []byte, cmp Comparator, sentinel bool) (index int, exact bool) {
	lo, hi := 0, len(n.Entries)
	if sentinel && hi > 0 {
		lo = 1
	}
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(n.Entries[mid].Key, key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	if sentinel && lo == 0 && len(n.Entries) > 0 {
		lo = 1
	}
	return lo, false
}

// insertAt shifts entries right and places e at index.
func (n *Node) insertAt(index int, e *Entry) {
	n.Entries = append(n.Entries, nil)
	copy(n.Entries[index+1:], n.Entries[index:])
	n.Entries[index] = e
	n.Dirty = true
}

// removeAt physically removes the entry at index.
func (n *Node) removeAt(index int) {
	copy(n.Entries[index:], n.Entries[index+1:])
	n.Entries[len(n.Entries)-1] = nil
	n.Entries = n.Entries[:len(n.Entries)-1]
	n.Dirty = true
}

// full reports whether the node has reached its fanout limit.
func (n *Node) full(maxEntries int) bool {
	return len(n.Entries) >= maxEntries
}

// descendIndex picks which entry of an internal node n to descend into
// for key: each entry's key is the minimum key of its subtree (except
// entry 0, the always-matching sentinel), so the right child is the last
// entry whose key is <= key, i.e. the predecessor of find's lower-bound
// result rather than the lower-bound entry itself.
func descendIndex(n *Node, key []byte, cmp Comparator) int {
	idx, exact := n.find(key, cmp, true)
	if exact {
		return idx
	}
	idx--
	if idx < 0 {
		idx = 0
	}
	return idx
}
