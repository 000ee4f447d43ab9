/*
Package recovery reconstructs environment state from the log on open
(spec §4.10): find the last checkpoint, determine which transactions
committed, aborted, or were still in flight at crash time, and recover
each database's authoritative root pointer.

This implementation never logs a node-id or database-id inside a node's
own image, and structural modifications always write full images bottom-
up rather than deltas (see pkg/btree's package doc and its encode.go
comment on BINDelta). One consequence, load-bearing for this package: a
database's entire tree is reachable on demand, node by node, the moment
its current root pointer (node id, kind, LSN) is known, via the same
fetch-target-lazily-materializes-the-LN model pkg/btree always uses.
Recovery therefore does not walk and re-attach every IN/BIN/LN record it
finds — it only needs to determine, per database, the latest root
pointer not left behind by a transaction that was never resolved, and a
normal tree descent from there does the rest. A split's provisional child
records left dangling by a crash mid-split are simply never referenced by
anything once recovery lands on the pre-split parent's last confirmed
image, which is what spec step 2's "a provisional record is applied only
if a following non-provisional record in the same group is present" comes
down to in a fetch-on-demand, full-image-relog architecture: there is no
separate filtering step, an orphaned provisional record is just unreached.
*/
package recovery

import (
	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
)

// RootInfo is a database's recovered root pointer, the argument
// btree.OpenTree needs to reattach to an existing on-log tree.
type RootInfo struct {
	RootNodeID uint64
	RootKind   btree.Kind
	RootLSN    lsn.LSN
}

// Result is everything a fresh environment open needs to resume: per-
// database root pointers, which transactions never resolved (so a caller
// replaying its own undo log, if any, knows to discard rather than trust
// their writes), and high-water marks to resume id allocation from.
type Result struct {
	CheckpointFound bool
	CheckpointEnd   record.CheckpointEnd

	Roots map[uint64]RootInfo // databaseID -> recovered root

	InFlightTxnIDs []uint64

	// NextTxnID is one past the highest transaction id observed anywhere
	// in the log, so the transaction manager's allocator never reissues
	// an id a recovered or in-flight transaction already used.
	NextTxnID uint64
	// NextNodeIDHint is a safe (possibly generous — see DESIGN.md) upper
	// bound for every tree's node-id allocator to resume from.
	NextNodeIDHint uint64
}

// Run scans log end-to-end (from the last checkpoint's start, if one is
// found) and returns the recovered environment state. It performs no
// writes of its own; pkg/engine uses the result to reopen each database's
// tree via btree.OpenTree and to seed pkg/txn's id allocator.
func Run(log *logfile.Manager) (*Result, error) {
	logger := elog.WithComponent("recovery")

	end, found, err := findLastCheckpoint(log)
	if err != nil {
		return nil, err
	}

	start := lsn.Null
	if found {
		start = end.CheckpointStart
	}

	inFlight, nextTxnID, err := scanTxnOutcomes(log, start)
	if err != nil {
		return nil, err
	}

	roots, nextNodeIDHint, err := scanRoots(log, start, inFlight)
	if err != nil {
		return nil, err
	}
	if found && end.LastNodeID > nextNodeIDHint {
		nextNodeIDHint = end.LastNodeID
	}
	if found && end.LastTxnID+1 > nextTxnID {
		nextTxnID = end.LastTxnID + 1
	}

	inFlightIDs := make([]uint64, 0, len(inFlight))
	for id := range inFlight {
		inFlightIDs = append(inFlightIDs, id)
	}

	logger.Info().
		Bool("checkpointFound", found).
		Int("databases", len(roots)).
		Int("inFlight", len(inFlightIDs)).
		Msg("recovery scan complete")

	return &Result{
		CheckpointFound: found,
		CheckpointEnd:   end,
		Roots:           roots,
		InFlightTxnIDs:  inFlightIDs,
		NextTxnID:       nextTxnID,
		NextNodeIDHint:  nextNodeIDHint,
	}, nil
}

// findLastCheckpoint scans the whole log forward, remembering the last
// TypeCheckpointEnd seen. ReverseIterate only walks the previous-offset
// chain within a single segment file (that chain resets at every file
// rotation), so a full forward scan is the simplest correct way to find
// the last checkpoint across however many segment files exist; recovery
// runs once at open, not on any hot path.
func findLastCheckpoint(log *logfile.Manager) (record.CheckpointEnd, bool, error) {
	var last record.CheckpointEnd
	found := false
	err := log.Iterate(lsn.Null, func(e logfile.Entry) (bool, error) {
		if e.Record.Header.Type != record.TypeCheckpointEnd {
			return true, nil
		}
		end, derr := record.DecodeCheckpointEnd(e.Record.Payload)
		if derr != nil {
			return false, derr
		}
		last, found = end, true
		return true, nil
	})
	if err != nil {
		return record.CheckpointEnd{}, false, err
	}
	return last, found, nil
}

// scanTxnOutcomes performs spec §4.10 step 1 (the undo pass): forward
// from start, track every transaction that began but has not yet seen a
// matching commit or abort. What remains at end-of-log is in flight.
func scanTxnOutcomes(log *logfile.Manager, start lsn.LSN) (inFlight map[uint64]bool, nextTxnID uint64, err error) {
	began := make(map[uint64]bool)
	var maxTxnID uint64

	err = log.Iterate(start, func(e logfile.Entry) (bool, error) {
		txnID := e.Record.Header.TxnID
		if txnID > maxTxnID {
			maxTxnID = txnID
		}
		switch e.Record.Header.Type {
		case record.TypeTxnBegin:
			began[txnID] = true
		case record.TypeTxnCommit, record.TypeTxnAbort:
			delete(began, txnID)
		}
		return true, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return began, maxTxnID + 1, nil
}

// scanRoots performs spec §4.10 step 2/3 for this architecture's model
// (see the package doc): forward from start, track the latest TypeRoot
// record per database, skipping any record tagged with a transaction
// that never committed or aborted — skipping is the entire rollback
// pass, since an in-flight transaction's writes (including any root it
// logged) are simply never adopted, which is equivalent to undoing them
// without needing a persisted undo chain on disk.
func scanRoots(log *logfile.Manager, start lsn.LSN, inFlight map[uint64]bool) (map[uint64]RootInfo, uint64, error) {
	roots := make(map[uint64]RootInfo)
	var nextNodeIDHint uint64

	err := log.Iterate(start, func(e logfile.Entry) (bool, error) {
		if txnID := e.Record.Header.TxnID; txnID != 0 && inFlight[txnID] {
			return true, nil
		}
		if e.Record.Header.Type != record.TypeRoot {
			return true, nil
		}
		p, derr := btree.DecodeRoot(e.Record.Payload)
		if derr != nil {
			return false, derr
		}
		roots[p.DatabaseID] = RootInfo{RootNodeID: p.RootNodeID, RootKind: p.RootKind, RootLSN: p.RootLSN}
		if p.RootNodeID > nextNodeIDHint {
			nextNodeIDHint = p.RootNodeID
		}
		return true, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return roots, nextNodeIDHint, nil
}

// OpenTree reattaches to a recovered database using btree.OpenTree, or
// reports ekind.DatabaseNotFound if no root was recovered for it (the
// caller should treat this as "never existed" rather than reattach).
func (r *Result) OpenTree(databaseID uint64, cmp, dupCmp btree.Comparator, nodeMaxEntries int, log *logfile.Manager) (*btree.Tree, error) {
	info, ok := r.Roots[databaseID]
	if !ok {
		return nil, ekind.New(ekind.DatabaseNotFound, "no recovered root for database")
	}
	return btree.OpenTree(databaseID, cmp, dupCmp, nodeMaxEntries, log, info.RootNodeID, info.RootLSN, info.RootKind, r.NextNodeIDHint+1), nil
}
