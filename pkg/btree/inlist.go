package btree

import "sync"

// INList is the global collection of resident internal and bottom nodes
// for one tree: the arena the evictor and compressor walk (spec §4.5,
// §4.4). Membership is tracked by node-id rather than by pointer identity,
// since a node can be evicted and later re-fetched under a different
// *Node value.
type INList struct {
	mu    sync.Mutex
	nodes map[uint64]*Node
}

// NewINList creates an empty IN-list.
func NewINList() *INList {
	return &INList{nodes: make(map[uint64]*Node)}
}

// Track adds or replaces the resident node for n.NodeID.
func (l *INList) Track(n *Node) {
	l.mu.Lock()
	l.nodes[n.NodeID] = n
	l.mu.Unlock()
}

// Untrack removes a node from residency, e.g. on eviction.
func (l *INList) Untrack(id uint64) {
	l.mu.Lock()
	delete(l.nodes, id)
	l.mu.Unlock()
}

// Get returns the resident node for id, if any.
func (l *INList) Get(id uint64) (*Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[id]
	return n, ok
}

// All returns a snapshot slice of every resident node, for the evictor and
// checkpointer to walk without holding the list latch during the walk.
func (l *INList) All() []*Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Node, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, n)
	}
	return out
}

// Len reports the number of resident nodes.
func (l *INList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nodes)
}
