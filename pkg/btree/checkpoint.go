package btree

import (
	"sort"

	"github.com/cuemby/logkv/pkg/lsn"
)

// FlushDirty rewrites every dirty resident node's image to the log,
// children before parents (Level ascending — level 0 is the bottom),
// matching the same child-before-parent ordering the structural-
// modification protocol already uses for splits. It reports how many
// nodes were rewritten and whether the tree's root pointer should be
// re-anchored with a fresh TypeRoot record as a result.
func (t *Tree) FlushDirty(txnID uint64, latchOwner uint64) (flushed int, rootMoved bool, err error) {
	nodes := t.inList.All()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Level < nodes[j].Level })

	rootID := t.RootID()
	for _, n := range nodes {
		n.Latch.Lock(latchOwner)
		dirty := n.Dirty
		var nodeID uint64
		var nodeLSN lsn.LSN
		var kind Kind
		if dirty {
			l, logErr := t.LogNode(n, txnID, false)
			if logErr != nil {
				n.Latch.Unlock()
				return flushed, rootMoved, logErr
			}
			flushed++
			nodeID, nodeLSN, kind = n.NodeID, l, n.Kind
		}
		n.Latch.Unlock()
		if dirty && nodeID == rootID {
			// The root node's own image changed without its identity
			// changing (no split/collapse) — resync the tree-level root
			// pointer so LogRoot/recovery see the fresh LSN.
			t.SetRoot(nodeID, nodeLSN, kind)
		}
	}
	if root, ok := t.inList.Get(rootID); ok {
		// A root that Insert/Delete already logged is clean here, but its
		// fresh LSN has not reached the tree-level root pointer yet.
		root.Latch.Lock(latchOwner)
		rootLSN, rootKind := root.LSN, root.Kind
		root.Latch.Unlock()
		if _, cur := t.RootPointer(); !rootLSN.IsNull() && rootLSN != cur {
			t.SetRoot(rootID, rootLSN, rootKind)
			rootMoved = true
		}
	}
	if flushed > 0 {
		rootMoved = true
	}
	return flushed, rootMoved, nil
}
