package btree

import "github.com/cuemby/logkv/pkg/lsn"

// CompressSubtree is the compressor's per-key unit of work (spec §4.4):
// physically remove every KnownDeleted entry from the BIN holding key,
// then cascade upward, removing any internal node left with no real
// children, collapsing an internal node left with only its sentinel and
// one child, and re-rooting an emptied tree to a fresh empty BIN.
func (t *Tree) CompressSubtree(key []byte, txnID uint64, owner uint64) (removed int, err error) {
	path, _, err := t.descendForWrite(key, owner)
	if err != nil {
		return 0, err
	}
	defer t.unlatchPath(path, owner)

	bin := path[len(path)-1]
	kept := bin.Entries[:0]
	for _, e := range bin.Entries {
		if e.KnownDeleted {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	bin.Entries = kept
	bin.Dirty = true
	if removed > 0 {
		if _, err := t.LogNode(bin, txnID, false); err != nil {
			return removed, err
		}
	}

	i := len(path) - 1
	for i > 0 && len(path[i].Entries) == 0 {
		parent := path[i-1]
		child := path[i]

		pi := indexOfChild(parent, child.NodeID)
		if pi < 0 {
			break
		}
		parent.removeAt(pi)
		parent.Dirty = true
		t.inList.Untrack(child.NodeID)

		if i-1 > 0 && len(parent.Entries) == 1 {
			// Single-child collapse: parent holds only its sentinel entry
			// now, so it adds nothing but a level; promote its child in
			// parent's place within the grandparent.
			only := parent.Entries[0]
			grand := path[i-2]
			gi := indexOfChild(grand, parent.NodeID)
			if gi >= 0 {
				grand.Entries[gi] = &Entry{
					Key:      grand.Entries[gi].Key,
					ChildID:  only.ChildID,
					ChildLSN: only.ChildLSN,
					Child:    only.Child,
				}
				grand.Dirty = true
			}
			t.inList.Untrack(parent.NodeID)
			i -= 2
			continue
		}

		if i-1 == 0 && len(parent.Entries) == 1 {
			only := parent.Entries[0]
			childNode, ferr := t.FetchChild(parent, only)
			if ferr != nil {
				return removed, ferr
			}
			t.inList.Untrack(parent.NodeID)
			t.SetRoot(childNode.NodeID, childNode.LSN, childNode.Kind)
			if _, err := t.LogRoot(txnID); err != nil {
				return removed, err
			}
			return removed, nil
		}

		if _, err := t.LogNode(parent, txnID, false); err != nil {
			return removed, err
		}
		i--
	}

	if i == 0 && len(path[0].Entries) == 0 {
		fresh := t.NewNode(KindBIN, 0)
		if _, err := t.LogNode(fresh, txnID, false); err != nil {
			return removed, err
		}
		t.inList.Untrack(path[0].NodeID)
		t.SetRoot(fresh.NodeID, lsn.Null, KindBIN)
		if _, err := t.LogRoot(txnID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func indexOfChild(parent *Node, childID uint64) int {
	for i, e := range parent.Entries {
		if e.ChildID == childID {
			return i
		}
	}
	return -1
}
