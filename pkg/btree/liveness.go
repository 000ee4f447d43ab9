package btree

import "github.com/cuemby/logkv/pkg/lsn"

// LocateLiveNode reports whether l is the LSN of a currently-resident
// structural node's last logged image. Because this implementation never
// evicts IN/BIN/DIN/DBIN nodes themselves (only their resident LN values,
// see pkg/evictor), the full tree shape is always present in t.INList, so
// this check alone is enough to decide an IN/BIN/DIN/DBIN log record's
// liveness without needing a node-id recorded in the log image itself.
func (t *Tree) LocateLiveNode(l lsn.LSN) (*Node, bool) {
	for _, n := range t.inList.All() {
		if n.LSN == l {
			return n, true
		}
	}
	return nil, false
}

// LocateLiveLN reports whether l is the LSN an entry of some resident
// BIN/DBIN currently treats as its leaf value's current location. An LN
// record is live iff some resident leaf-level entry's ChildLSN still
// points at it and that entry is not KnownDeleted; this is the same
// "entries point by (node-id, LSN) rather than a node-id recorded inside
// the LN payload" scheme documented in pkg/btree's package doc, applied
// here to answer the cleaner's "is this LN still current" question.
func (t *Tree) LocateLiveLN(l lsn.LSN) (owner *Node, index int, ok bool) {
	for _, n := range t.inList.All() {
		if n.Kind != KindBIN && n.Kind != KindDBIN {
			continue
		}
		for i, e := range n.Entries {
			if e.ChildLSN == l && !e.KnownDeleted {
				return n, i, true
			}
		}
	}
	return nil, 0, false
}

// MigrateLN re-logs the LN value at owner.Entries[index] to the end of
// the log and updates the owning entry's ChildLSN, per spec §4.6's
// cleaner migration step. owner must not be write-latched by the caller;
// MigrateLN takes the latch itself for the duration of the update.
func (t *Tree) MigrateLN(owner *Node, index int, txnID uint64, latchOwner uint64) (lsn.LSN, error) {
	owner.Latch.Lock(latchOwner)
	defer owner.Latch.Unlock()

	if index >= len(owner.Entries) {
		return lsn.Null, nil
	}
	e := owner.Entries[index]
	v, err := t.FetchLN(e)
	if err != nil {
		return lsn.Null, err
	}
	l, err := t.LogLN(v, txnID, false)
	if err != nil {
		return lsn.Null, err
	}
	e.ChildLSN = l
	owner.Dirty = true
	return l, nil
}

// MarkNodeDirty flags n so the next checkpoint rewrites its image, per
// spec §4.6's "if current, mark dirty" IN/BIN processing step.
func (t *Tree) MarkNodeDirty(n *Node, latchOwner uint64) {
	n.Latch.Lock(latchOwner)
	n.Dirty = true
	n.Latch.Unlock()
}
