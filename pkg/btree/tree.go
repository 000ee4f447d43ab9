package btree

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
)

// Tree is one database's B-tree: a root pointer, a node-id allocator, and
// an IN-list of resident nodes, all backed by a shared log manager that
// every database in the environment appends to (spec §3, §4).
//
// A Tree does not itself know about transactions or record locks; callers
// (pkg/txn, pkg/cursor) latch-couple their way down via Search/Insert/
// Delete and are responsible for taking record locks before relying on
// what they see.
type Tree struct {
	DatabaseID     uint64
	Comparator     Comparator
	DupComparator  Comparator
	NodeMaxEntries int

	Log *logfile.Manager

	inList *INList

	nextNodeID uint64 // atomic

	rootMu   sync.RWMutex
	rootID   uint64
	rootLSN  lsn.LSN
	rootKind Kind

	generation uint64 // atomic, the evictor's LRU clock
}

// NewTree creates a fresh, empty tree rooted at a single empty BIN. The
// caller is responsible for durably logging the initial root (e.g. as
// part of the database-creation transaction).
func NewTree(databaseID uint64, cmp, dupCmp Comparator, nodeMaxEntries int, log *logfile.Manager) *Tree {
	if nodeMaxEntries <= 0 {
		nodeMaxEntries = 128
	}
	t := &Tree{
		DatabaseID:     databaseID,
		Comparator:     cmp,
		DupComparator:  dupCmp,
		NodeMaxEntries: nodeMaxEntries,
		Log:            log,
		inList:         NewINList(),
	}
	root := newNode(t.allocNodeID(), KindBIN, 0)
	t.inList.Track(root)
	t.rootID = root.NodeID
	t.rootKind = KindBIN
	return t
}

// OpenTree attaches to an existing on-log tree given its last-known root
// pointer and next-node-id high-water mark, as recovery would supply them.
func OpenTree(databaseID uint64, cmp, dupCmp Comparator, nodeMaxEntries int, log *logfile.Manager, rootID uint64, rootLSN lsn.LSN, rootKind Kind, nextNodeID uint64) *Tree {
	if nodeMaxEntries <= 0 {
		nodeMaxEntries = 128
	}
	return &Tree{
		DatabaseID:     databaseID,
		Comparator:     cmp,
		DupComparator:  dupCmp,
		NodeMaxEntries: nodeMaxEntries,
		Log:            log,
		inList:         NewINList(),
		rootID:         rootID,
		rootLSN:        rootLSN,
		rootKind:       rootKind,
		nextNodeID:     nextNodeID,
	}
}

func (t *Tree) allocNodeID() uint64 {
	return atomic.AddUint64(&t.nextNodeID, 1)
}

// NextNodeIDHint returns the current allocator high-water mark, for
// checkpoint records.
func (t *Tree) NextNodeIDHint() uint64 {
	return atomic.LoadUint64(&t.nextNodeID)
}

// Touch bumps a node's generation, the evictor's recency signal.
func (t *Tree) Touch(n *Node) {
	n.Generation = atomic.AddUint64(&t.generation, 1)
}

// RootID returns the tree's current root node id.
func (t *Tree) RootID() uint64 {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootID
}

// RootPointer returns the current root node id and its last-logged LSN.
func (t *Tree) RootPointer() (uint64, lsn.LSN) {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootID, t.rootLSN
}

// SetRoot installs a new root pointer, e.g. after a split grows the tree
// or a collapse shrinks it (spec §4.3 step 4, §4.4).
func (t *Tree) SetRoot(id uint64, l lsn.LSN, kind Kind) {
	t.rootMu.Lock()
	t.rootID = id
	t.rootLSN = l
	t.rootKind = kind
	t.rootMu.Unlock()
}

// RootKind returns the Kind of the current root node.
func (t *Tree) RootKind() Kind {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootKind
}

// FetchRoot returns the resident root node, materializing it from the log
// if necessary.
func (t *Tree) FetchRoot() (*Node, error) {
	id, l := t.RootPointer()
	kind := t.RootKind()
	if n, ok := t.inList.Get(id); ok {
		t.Touch(n)
		return n, nil
	}
	if l.IsNull() {
		return nil, ekind.New(ekind.LogCorruption, "root has no resident value and no logged image")
	}
	rec, err := t.Log.Read(l)
	if err != nil {
		return nil, err
	}
	n, err := DecodeNode(id, kind, rec.Payload)
	if err != nil {
		return nil, err
	}
	n.LSN = l
	t.inList.Track(n)
	t.Touch(n)
	return n, nil
}

// IN-list access, for the evictor, compressor, and checkpointer.
func (t *Tree) INList() *INList { return t.inList }

// NewNode allocates and tracks a brand-new, dirty node of the given kind
// and level.
func (t *Tree) NewNode(kind Kind, level int) *Node {
	n := newNode(t.allocNodeID(), kind, level)
	t.inList.Track(n)
	t.Touch(n)
	return n
}

func typeForKind(kind Kind) record.Type {
	switch kind {
	case KindIN:
		return record.TypeIN
	case KindBIN:
		return record.TypeBIN
	case KindDIN:
		return record.TypeDIN
	case KindDBIN:
		return record.TypeDBIN
	default:
		return record.TypeInvalid
	}
}

// childKind reports the Kind of the nodes that n's entries point to, for
// internal n (IN or DIN). The bottom of an IN subtree is BIN; the bottom
// of a DIN subtree is DBIN.
func childKind(n *Node) Kind {
	switch n.Kind {
	case KindIN:
		if n.Level == 1 {
			return KindBIN
		}
		return KindIN
	case KindDIN:
		if n.Level == 1 {
			return KindDBIN
		}
		return KindDIN
	default:
		return n.Kind
	}
}

// LogNode appends n's current image to the log, folding in txnID and the
// structural-modification protocol's provisional flag, and updates n's
// resident LSN. It does not clear n.Dirty for provisional writes, since a
// provisional record is not yet a durable commitment to n's content
// (spec §4.2 "structural modifications log children before parents").
func (t *Tree) LogNode(n *Node, txnID uint64, provisional bool) (lsn.LSN, error) {
	payload := EncodeNode(n)
	l, err := t.Log.Append(record.Record{
		Header: record.Header{
			Type:        typeForKind(n.Kind),
			Provisional: provisional,
			TxnID:       txnID,
		},
		Payload: payload,
	}, logfile.NoSync)
	if err != nil {
		return lsn.Null, err
	}
	n.LSN = l
	if !provisional {
		n.Dirty = false
	}
	return l, nil
}

// LogLN appends an LN (or, if v came from a duplicate subtree, a plain
// leaf value under a DBIN) to the log and updates v's resident LSN.
func (t *Tree) LogLN(v *LNValue, txnID uint64, provisional bool) (lsn.LSN, error) {
	l, err := t.Log.Append(record.Record{
		Header: record.Header{
			Type:        record.TypeLN,
			Provisional: provisional,
			TxnID:       txnID,
		},
		Payload: EncodeLN(v),
	}, logfile.NoSync)
	if err != nil {
		return lsn.Null, err
	}
	v.LSN = l
	return l, nil
}

// LogDupCount appends a DupCountLN record and updates dc's resident LSN.
func (t *Tree) LogDupCount(dc *DupCount, txnID uint64, provisional bool) (lsn.LSN, error) {
	l, err := t.Log.Append(record.Record{
		Header: record.Header{
			Type:        record.TypeDupCountLN,
			Provisional: provisional,
			TxnID:       txnID,
		},
		Payload: EncodeDupCountLN(dc.Count),
	}, logfile.NoSync)
	if err != nil {
		return lsn.Null, err
	}
	dc.LSN = l
	return l, nil
}

// LogRoot appends the tree's current root pointer as a TypeRoot record,
// the durable anchor recovery starts a tree descent from.
func (t *Tree) LogRoot(txnID uint64) (lsn.LSN, error) {
	id, rl := t.RootPointer()
	kind := t.RootKind()
	l, err := t.Log.Append(record.Record{
		Header: record.Header{Type: record.TypeRoot, TxnID: txnID},
		Payload: EncodeRoot(RootPayload{
			DatabaseID: t.DatabaseID,
			RootNodeID: id,
			RootKind:   kind,
			RootLSN:    rl,
		}),
	}, logfile.NoSync)
	return l, err
}

// FetchChild returns e's child node, materializing it from the log if it
// is not currently resident (spec §3's fetch-target model). parent is the
// node e belongs to, used to infer the child's Kind.
func (t *Tree) FetchChild(parent *Node, e *Entry) (*Node, error) {
	return t.fetchNode(e, childKind(parent))
}

// FetchDIN returns the duplicate-subtree root referenced by a BIN entry
// with HasDuplicates set. Unlike FetchChild it does not need the parent
// BIN, since a duplicate subtree root is always a DIN regardless of what
// kind of node its owning entry lives in.
func (t *Tree) FetchDIN(e *Entry) (*Node, error) {
	return t.fetchNode(e, KindDIN)
}

func (t *Tree) fetchNode(e *Entry, kind Kind) (*Node, error) {
	if e.Child != nil {
		t.Touch(e.Child)
		return e.Child, nil
	}
	if n, ok := t.inList.Get(e.ChildID); ok {
		e.Child = n
		t.Touch(n)
		return n, nil
	}
	if e.ChildLSN.IsNull() {
		return nil, ekind.New(ekind.LogCorruption, "child has no resident value and no logged image")
	}
	rec, err := t.Log.Read(e.ChildLSN)
	if err != nil {
		return nil, err
	}
	n, err := DecodeNode(e.ChildID, kind, rec.Payload)
	if err != nil {
		return nil, err
	}
	n.LSN = e.ChildLSN
	t.inList.Track(n)
	t.Touch(n)
	e.Child = n
	return n, nil
}

// FetchLN returns e's leaf value, materializing it from the log if it is
// not currently resident.
func (t *Tree) FetchLN(e *Entry) (*LNValue, error) {
	if e.LN != nil {
		return e.LN, nil
	}
	if e.ChildLSN.IsNull() {
		return nil, ekind.New(ekind.LogCorruption, "leaf entry has no resident value and no logged image")
	}
	rec, err := t.Log.Read(e.ChildLSN)
	if err != nil {
		return nil, err
	}
	v, err := DecodeLN(e.ChildID, e.ChildLSN, rec.Payload)
	if err != nil {
		return nil, err
	}
	e.LN = v
	return v, nil
}
