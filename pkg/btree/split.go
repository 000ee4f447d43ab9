package btree

// splitLeaf is invoked by Insert once the BIN at the bottom of path has
// reached NodeMaxEntries. It splits that node and, if necessary,
// cascades the split upward through path, growing the tree by one level
// when the root itself splits (spec §4.3).
//
// Per this implementation's scope (see DESIGN.md), only the primary IN/BIN
// tree splits; a duplicate subtree's single DBIN holds all of a key's
// duplicates without further fan-out.
func (t *Tree) splitLeaf(path []*Node, txnID uint64) error {
	return t.splitAt(path, len(path)-1, txnID)
}

func (t *Tree) splitAt(path []*Node, i int, txnID uint64) error {
	n := path[i]
	if !n.full(t.NodeMaxEntries) {
		return t.logAndLowerAncestors(path[:i+1], txnID)
	}

	mid := len(n.Entries) / 2
	if mid == 0 {
		mid = 1
	}
	right := t.NewNode(n.Kind, n.Level)
	right.Entries = append([]*Entry(nil), n.Entries[mid:]...)
	n.Entries = n.Entries[:mid:mid]
	n.Dirty = true

	separator := append([]byte(nil), right.Entries[0].Key...)
	if n.Kind.IsInternal() {
		// The first entry of an internal node is always the sentinel; its
		// key is no longer meaningful once it becomes index 0 of a node.
		right.Entries[0].Key = nil
	}

	// Children first (provisional), the committing parent record last,
	// per the structural-modification protocol (spec §4.2).
	if _, err := t.LogNode(right, txnID, true); err != nil {
		return err
	}
	if _, err := t.LogNode(n, txnID, true); err != nil {
		return err
	}

	parentEntry := &Entry{Key: separator, ChildID: right.NodeID, ChildLSN: right.LSN, Child: right}

	if i == 0 {
		newRoot := t.NewNode(KindIN, n.Level+1)
		leftEntry := &Entry{Key: nil, ChildID: n.NodeID, ChildLSN: n.LSN, Child: n}
		newRoot.Entries = []*Entry{leftEntry, parentEntry}
		if _, err := t.LogNode(newRoot, txnID, false); err != nil {
			return err
		}
		t.SetRoot(newRoot.NodeID, newRoot.LSN, KindIN)
		_, err := t.LogRoot(txnID)
		return err
	}

	parent := path[i-1]
	pidx, _ := parent.find(separator, t.Comparator, true)
	parent.insertAt(pidx, parentEntry)
	parent.Dirty = true
	return t.splitAt(path, i-1, txnID)
}
