/*
Package evictor keeps the resident node set within a configured cache
budget (spec §4.5): periodically scan a slice of the global IN-list in
round-robin order, picking the lowest-generation candidates, and strip
bytes until back at the configured floor or a full pass completes.

Scope simplification (see DESIGN.md): eviction here only strips resident
LN values from BIN/DBIN leaf entries, never removes a whole IN/BIN/DIN
node from the IN-list. Spec §4.5 step 3 describes "leaves-up" whole-node
eviction that nulls the parent's in-memory pointer to the evicted child;
the arena's Entry.Child-based design (see pkg/btree's package doc) keeps
no parent back-pointer the evictor could use to do that from here without
re-searching the owning tree, which this package has no reference to.
Spec §4.5 step 2 itself notes LN-stripping "often yields enough bytes
without evicting the BIN itself," which is the case this package covers.
*/
package evictor

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/rs/zerolog"
)

// ownerID is the fixed latch-owner token the evictor presents when it
// write-latches a node to strip its resident LN values; it never
// collides with a real transaction id (those start at 1 and increment).
const ownerID uint64 = ^uint64(0)

// Config controls the evictor's budget and scan cadence.
type Config struct {
	BudgetBytes   int           // the cache budget (spec §4.5)
	FloorFraction float64       // target low-water mark as a fraction of BudgetBytes
	ScanFraction  float64       // fraction of resident nodes scanned per cycle
	Interval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FloorFraction <= 0 {
		c.FloorFraction = 0.8
	}
	if c.ScanFraction <= 0 {
		c.ScanFraction = 0.25
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	return c
}

// Evictor runs the periodic eviction cycle over one tree's IN-list.
type Evictor struct {
	cfg    Config
	list   *btree.INList
	logger zerolog.Logger

	mu      sync.Mutex
	scanPos int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Evictor over list. Call Start to begin the background
// cycle.
func New(list *btree.INList, cfg Config) *Evictor {
	return &Evictor{
		cfg:    cfg.withDefaults(),
		list:   list,
		logger: elog.WithComponent("evictor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background eviction loop.
func (e *Evictor) Start() {
	go e.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (e *Evictor) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Evictor) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if freed := e.Cycle(); freed > 0 {
				e.logger.Debug().Int("freed_bytes", freed).Msg("eviction cycle")
			}
		case <-e.stopCh:
			return
		}
	}
}

// Cycle runs one eviction pass: if resident bytes exceed the configured
// floor, strips LN values from the lowest-generation BIN/DBIN nodes in a
// round-robin slice of the IN-list until back at the floor or the slice
// is exhausted, and reports the bytes freed.
func (e *Evictor) Cycle() int {
	nodes := e.list.All()
	if len(nodes) == 0 {
		return 0
	}

	current := 0
	for _, n := range nodes {
		current += n.MemorySize()
	}
	emetrics.CacheResidentBytes.Set(float64(current))
	floor := int(float64(e.cfg.BudgetBytes) * e.cfg.FloorFraction)
	if e.cfg.BudgetBytes <= 0 || current <= floor {
		return 0
	}
	target := current - floor

	e.mu.Lock()
	start := e.scanPos % len(nodes)
	e.mu.Unlock()

	candidates := make([]*btree.Node, len(nodes))
	copy(candidates, nodes)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Generation < candidates[j].Generation
	})

	scanCount := int(float64(len(candidates)) * e.cfg.ScanFraction)
	if scanCount < 1 {
		scanCount = 1
	}

	freed := 0
	visited := 0
	for i := start; visited < len(candidates) && visited < scanCount && freed < target; i = (i + 1) % len(candidates) {
		freed += e.stripLNs(candidates[i])
		visited++
	}

	e.mu.Lock()
	e.scanPos = (start + visited) % len(nodes)
	e.mu.Unlock()

	return freed
}

// stripLNs write-latches n and, if it is a leaf-kind node (BIN/DBIN),
// clears every entry's resident LN value (they remain re-fetchable via
// each entry's ChildLSN), returning the approximate bytes freed.
func (e *Evictor) stripLNs(n *btree.Node) int {
	if n.Kind != btree.KindBIN && n.Kind != btree.KindDBIN {
		return 0
	}
	n.Latch.Lock(ownerID)
	defer n.Latch.Unlock()

	freed := 0
	stripped := 0
	for _, entry := range n.Entries {
		if entry.LN == nil || entry.ChildLSN.IsNull() {
			continue
		}
		freed += len(entry.LN.Value)
		entry.LN = nil
		stripped++
	}
	if stripped > 0 {
		emetrics.EvictionsTotal.Add(float64(stripped))
	}
	return freed
}
