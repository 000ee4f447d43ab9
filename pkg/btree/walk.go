package btree

// pathStep records one step of a root-to-leaf descent: the node visited
// and the index of the entry that was used to reach the next step (or,
// for the final step, the entry landed on within the BIN itself).
type pathStep struct {
	node *Node
	idx  int
}

// pathTo descends from the root to the BIN that should hold key, in the
// same latch-coupled, one-ancestor-latched-at-a-time manner as Search,
// but additionally records the index taken at each level so First/Last/
// Next/Prev can climb back toward the root without parent back-pointers:
// a step's idx says which of its node's entries led to the next step, so
// "the next subtree over" at any level is simply idx+1 there.
//
// Only the final BIN is left latched on return; every ancestor is
// unlatched as soon as its child is latched, exactly as Search does.
func (t *Tree) pathTo(key []byte, write bool, owner uint64) ([]pathStep, error) {
	root, err := t.FetchRoot()
	if err != nil {
		return nil, err
	}
	cur := root
	latchNode(cur, write, owner)
	path := []pathStep{{node: cur}}

	for cur.Kind.IsInternal() {
		idx := descendIndex(cur, key, t.Comparator)
		path[len(path)-1].idx = idx

		child, err := t.FetchChild(cur, cur.Entries[idx])
		if err != nil {
			unlatchNode(cur, write, owner)
			return nil, err
		}
		latchNode(child, write, owner)
		unlatchNode(cur, write, owner)
		cur = child
		path = append(path, pathStep{node: cur})
	}
	return path, nil
}

// pathToRightmost descends from the root always taking the last entry,
// recording the path the same way pathTo does, so Last can climb back
// toward the root if its landing BIN turns out to be entirely
// known-deleted.
func (t *Tree) pathToRightmost(write bool, owner uint64) ([]pathStep, error) {
	root, err := t.FetchRoot()
	if err != nil {
		return nil, err
	}
	cur := root
	latchNode(cur, write, owner)
	path := []pathStep{{node: cur}}

	for cur.Kind.IsInternal() {
		if len(cur.Entries) == 0 {
			break
		}
		idx := len(cur.Entries) - 1
		path[len(path)-1].idx = idx

		child, err := t.FetchChild(cur, cur.Entries[idx])
		if err != nil {
			unlatchNode(cur, write, owner)
			return nil, err
		}
		latchNode(child, write, owner)
		unlatchNode(cur, write, owner)
		cur = child
		path = append(path, pathStep{node: cur})
	}
	return path, nil
}

// pathLeftmostFrom extends ancestors (whose final step's node, "parent",
// the caller already holds latched) by descending from parent's entry at
// parentIdx always taking entry 0, recording every step along the way.
// Only the final BIN is left latched on return.
func (t *Tree) pathLeftmostFrom(ancestors []pathStep, parentIdx int, write bool, owner uint64) ([]pathStep, error) {
	ancestors[len(ancestors)-1].idx = parentIdx
	parent := ancestors[len(ancestors)-1].node

	child, err := t.FetchChild(parent, parent.Entries[parentIdx])
	if err != nil {
		return nil, err
	}
	latchNode(child, write, owner)
	path := append(ancestors, pathStep{node: child})
	cur := child
	for cur.Kind.IsInternal() {
		if len(cur.Entries) == 0 {
			break
		}
		path[len(path)-1].idx = 0
		next, err := t.FetchChild(cur, cur.Entries[0])
		if err != nil {
			unlatchNode(cur, write, owner)
			return nil, err
		}
		latchNode(next, write, owner)
		unlatchNode(cur, write, owner)
		cur = next
		path = append(path, pathStep{node: cur})
	}
	return path, nil
}

// pathRightmostFrom is pathLeftmostFrom's mirror, always taking the last
// entry at each level.
func (t *Tree) pathRightmostFrom(ancestors []pathStep, parentIdx int, write bool, owner uint64) ([]pathStep, error) {
	ancestors[len(ancestors)-1].idx = parentIdx
	parent := ancestors[len(ancestors)-1].node

	child, err := t.FetchChild(parent, parent.Entries[parentIdx])
	if err != nil {
		return nil, err
	}
	latchNode(child, write, owner)
	path := append(ancestors, pathStep{node: child})
	cur := child
	for cur.Kind.IsInternal() {
		if len(cur.Entries) == 0 {
			break
		}
		idx := len(cur.Entries) - 1
		path[len(path)-1].idx = idx
		next, err := t.FetchChild(cur, cur.Entries[idx])
		if err != nil {
			unlatchNode(cur, write, owner)
			return nil, err
		}
		latchNode(next, write, owner)
		unlatchNode(cur, write, owner)
		cur = next
		path = append(path, pathStep{node: cur})
	}
	return path, nil
}

// climbNextSubtree walks path back toward the root looking for the
// nearest ancestor with an unvisited entry to its right, then descends
// leftmost from there, returning the extended path. ok is false once the
// climb reaches the root without finding one, meaning the tree is
// exhausted in the forward direction.
func (t *Tree) climbNextSubtree(path []pathStep, write bool, owner uint64) ([]pathStep, bool, error) {
	for level := len(path) - 2; level >= 0; level-- {
		node := path[level].node
		used := path[level].idx
		latchNode(node, write, owner)
		if used+1 >= len(node.Entries) {
			unlatchNode(node, write, owner)
			continue
		}
		newPath, err := t.pathLeftmostFrom(path[:level+1], used+1, write, owner)
		unlatchNode(node, write, owner)
		if err != nil {
			return nil, false, err
		}
		return newPath, true, nil
	}
	return nil, false, nil
}

// climbPrevSubtree mirrors climbNextSubtree, looking for the nearest
// ancestor with an unvisited entry to its left and descending rightmost
// from there.
func (t *Tree) climbPrevSubtree(path []pathStep, write bool, owner uint64) ([]pathStep, bool, error) {
	for level := len(path) - 2; level >= 0; level-- {
		used := path[level].idx
		if used-1 < 0 {
			continue
		}
		node := path[level].node
		latchNode(node, write, owner)
		newPath, err := t.pathRightmostFrom(path[:level+1], used-1, write, owner)
		unlatchNode(node, write, owner)
		if err != nil {
			return nil, false, err
		}
		return newPath, true, nil
	}
	return nil, false, nil
}

// scanForwardLive returns the index of the first entry at or after
// startIdx that is not KnownDeleted.
func scanForwardLive(bin *Node, startIdx int) (int, bool) {
	for i := startIdx; i < len(bin.Entries); i++ {
		if !bin.Entries[i].KnownDeleted {
			return i, true
		}
	}
	return 0, false
}

// scanBackwardLive returns the index of the last entry at or before
// startIdx that is not KnownDeleted.
func scanBackwardLive(bin *Node, startIdx int) (int, bool) {
	for i := startIdx; i >= 0; i-- {
		if !bin.Entries[i].KnownDeleted {
			return i, true
		}
	}
	return 0, false
}

// firstLiveFrom lands on the first live entry at or after startIdx in
// path's final BIN, climbing into however many sibling subtrees it takes
// (spec §4.2's tie-break rule: a match landing on a known-deleted slot
// advances forward to the next live slot) until one is found or the tree
// is exhausted.
func (t *Tree) firstLiveFrom(path []pathStep, startIdx int, write bool, owner uint64) (Result, error) {
	for {
		bin := path[len(path)-1].node
		if len(bin.Entries) == 0 {
			unlatchNode(bin, write, owner)
		} else if idx, ok := scanForwardLive(bin, startIdx); ok {
			return t.finishLanding(bin, idx, write, owner)
		} else {
			unlatchNode(bin, write, owner)
		}

		newPath, ok, err := t.climbNextSubtree(path, write, owner)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Found: false}, nil
		}
		path = newPath
		startIdx = 0
	}
}

// lastLiveFrom mirrors firstLiveFrom, landing on the last live entry at
// or before startIdx, climbing backward through sibling subtrees as
// needed.
func (t *Tree) lastLiveFrom(path []pathStep, startIdx int, write bool, owner uint64) (Result, error) {
	for {
		bin := path[len(path)-1].node
		if len(bin.Entries) == 0 {
			unlatchNode(bin, write, owner)
		} else if idx, ok := scanBackwardLive(bin, startIdx); ok {
			return t.finishLanding(bin, idx, write, owner)
		} else {
			unlatchNode(bin, write, owner)
		}

		newPath, ok, err := t.climbPrevSubtree(path, write, owner)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Found: false}, nil
		}
		path = newPath
		startIdx = len(newPath[len(newPath)-1].node.Entries) - 1
	}
}

// finishLanding populates a Result for a BIN the caller already holds
// latched, fetching its duplicate subtree root if the landed entry has
// one (mirroring Search's Set-mode behavior). Callers are responsible
// for having already picked idx as a live (non-KnownDeleted) entry;
// liveness within the duplicate subtree itself is NextDup/PrevDup's
// concern.
func (t *Tree) finishLanding(bin *Node, idx int, write bool, owner uint64) (Result, error) {
	if len(bin.Entries) == 0 {
		unlatchNode(bin, write, owner)
		return Result{Found: false}, nil
	}
	res := Result{BIN: bin, Index: idx, Found: true}
	e := bin.Entries[idx]
	if e.HasDuplicates {
		din, err := t.FetchDIN(e)
		if err != nil {
			unlatchNode(bin, write, owner)
			return Result{}, err
		}
		latchNode(din, write, owner)
		res.DIN = din
	}
	return res, nil
}

// First positions at the tree's smallest live key, skipping past any
// leading known-deleted entries (and entire known-deleted BINs) per
// spec §4.2's tie-break rule.
func (t *Tree) First(owner uint64) (Result, error) {
	path, err := t.pathTo(nil, false, owner)
	if err != nil {
		return Result{}, err
	}
	return t.firstLiveFrom(path, 0, false, owner)
}

// Last positions at the tree's largest live key, skipping backward past
// any trailing known-deleted entries.
func (t *Tree) Last(owner uint64) (Result, error) {
	path, err := t.pathToRightmost(false, owner)
	if err != nil {
		return Result{}, err
	}
	bin := path[len(path)-1].node
	startIdx := len(bin.Entries) - 1
	if startIdx < 0 {
		startIdx = 0
	}
	return t.lastLiveFrom(path, startIdx, false, owner)
}

// Next returns the first live entry strictly after afterKey. There are
// no BIN-to-BIN sibling pointers (spec §9's arena model keeps no
// parent/sibling back-pointers either), so rather than caching a sibling
// link and rechecking it for a racing insert, Next always recomputes the
// descent from afterKey fresh: the same insertion-race spec §4.9 calls
// out ("retries from the original position" after a concurrent insert)
// is handled for free here, since a fresh descent from afterKey always
// sees whatever is live at the moment it runs rather than a value cached
// before releasing a latch. Any known-deleted entries encountered after
// afterKey, whether within the same BIN or in however many subsequent
// BINs, are skipped per spec §4.2's tie-break rule.
func (t *Tree) Next(afterKey []byte, owner uint64) (Result, error) {
	path, err := t.pathTo(afterKey, false, owner)
	if err != nil {
		return Result{}, err
	}
	bin := path[len(path)-1].node
	idx, found := bin.find(afterKey, t.Comparator, false)
	pos := idx
	if found {
		pos++
	}
	if pos < len(bin.Entries) {
		return t.firstLiveFrom(path, pos, false, owner)
	}
	unlatchNode(bin, false, owner)

	newPath, ok, err := t.climbNextSubtree(path, false, owner)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Found: false}, nil
	}
	return t.firstLiveFrom(newPath, 0, false, owner)
}

// Prev returns the last live entry strictly before beforeKey, symmetric
// to Next.
func (t *Tree) Prev(beforeKey []byte, owner uint64) (Result, error) {
	path, err := t.pathTo(beforeKey, false, owner)
	if err != nil {
		return Result{}, err
	}
	bin := path[len(path)-1].node
	idx, _ := bin.find(beforeKey, t.Comparator, false)
	pos := idx - 1
	if pos >= 0 {
		return t.lastLiveFrom(path, pos, false, owner)
	}
	unlatchNode(bin, false, owner)

	newPath, ok, err := t.climbPrevSubtree(path, false, owner)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Found: false}, nil
	}
	startIdx := len(newPath[len(newPath)-1].node.Entries) - 1
	return t.lastLiveFrom(newPath, startIdx, false, owner)
}

// NextDup advances within res's duplicate subtree, fetching the DBIN if
// res.DBIN is not already populated, skipping past any known-deleted
// duplicate entries per spec §4.2's tie-break rule. res.BIN/res.DIN
// remain latched on both a found and a not-found return: the caller
// already held them and NextDup never touches that ownership, only the
// DBIN level. The duplicate subtree is always exactly one DIN root with
// one DBIN child (see mutate.go), so skipping in place within dbin.Entries
// is sufficient: there is no sibling DBIN to climb into.
func (t *Tree) NextDup(res Result, owner uint64) (Result, error) {
	dbin, fresh, err := t.dbinFor(res, owner)
	if err != nil || dbin == nil {
		return Result{}, err
	}
	next := res.DupIndex + 1
	if res.DBIN == nil {
		next = 0
	}
	idx, ok := scanForwardLive(dbin, next)
	if !ok {
		if fresh {
			unlatchNode(dbin, false, owner)
		}
		return Result{Found: false}, nil
	}
	out := res
	out.DBIN = dbin
	out.DupIndex = idx
	out.Found = true
	return out, nil
}

// PrevDup retreats within res's duplicate subtree, skipping past any
// known-deleted duplicate entries.
func (t *Tree) PrevDup(res Result, owner uint64) (Result, error) {
	dbin, fresh, err := t.dbinFor(res, owner)
	if err != nil || dbin == nil {
		return Result{}, err
	}
	prev := res.DupIndex - 1
	if res.DBIN == nil {
		prev = len(dbin.Entries) - 1
	}
	if prev < 0 {
		if fresh {
			unlatchNode(dbin, false, owner)
		}
		return Result{Found: false}, nil
	}
	idx, ok := scanBackwardLive(dbin, prev)
	if !ok {
		if fresh {
			unlatchNode(dbin, false, owner)
		}
		return Result{Found: false}, nil
	}
	out := res
	out.DBIN = dbin
	out.DupIndex = idx
	out.Found = true
	return out, nil
}

// dbinFor returns res's duplicate BIN, latching it if it was not already
// resident in res. The fresh return reports whether this call is the one
// that latched it, so callers that end up discarding the position know
// whether they are responsible for unlatching it.
func (t *Tree) dbinFor(res Result, owner uint64) (dbin *Node, fresh bool, err error) {
	if res.DBIN != nil {
		return res.DBIN, false, nil
	}
	if res.DIN == nil || len(res.DIN.Entries) == 0 {
		return nil, false, nil
	}
	dbin, err = t.FetchChild(res.DIN, res.DIN.Entries[0])
	if err != nil {
		return nil, false, err
	}
	latchNode(dbin, false, owner)
	return dbin, true, nil
}
