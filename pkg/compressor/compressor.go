/*
Package compressor implements the background BIN compressor (spec §4.4):
a work queue of (database, key) references naming BINs with known-deleted
entries, drained on a cycle and compacted via btree.Tree.CompressSubtree.

The queue itself is grounded on pkg/events.Broker's buffered-channel/
mutex-guarded-subscriber-set shape, adapted from publish/broadcast to the
simpler producer-appends/consumer-swaps-empty-queue pattern a compaction
backlog needs: one snapshot-and-reset per cycle rather than fan-out to
multiple readers.
*/
package compressor

import (
	"sync"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/rs/zerolog"
)

const ownerID uint64 = ^uint64(0) - 1

// Item names a BIN indirectly, by a key it should still hold: the
// compressor re-locates the owning BIN by search on each cycle rather
// than trusting a cached node-id, since splits may have moved the entry
// since it was queued (spec §4.4 step 2).
type Item struct {
	DatabaseID uint64
	Key        []byte
}

// TreeLookup resolves a database id to its tree. The engine layer
// supplies this once every database is open; the compressor package
// itself holds no registry of its own.
type TreeLookup func(databaseID uint64) (*btree.Tree, bool)

// Config controls the compressor's run cadence.
type Config struct {
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Compressor drains a snapshot of its work queue each cycle and
// compacts every referenced BIN.
type Compressor struct {
	cfg    Config
	lookup TreeLookup
	logger zerolog.Logger

	mu    sync.Mutex
	queue []Item

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Compressor. lookup resolves a work item's database id to
// the tree that should compact it.
func New(lookup TreeLookup, cfg Config) *Compressor {
	return &Compressor{
		cfg:    cfg.withDefaults(),
		lookup: lookup,
		logger: elog.WithComponent("compressor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue adds a BIN reference to the work queue. Safe to call from any
// goroutine (every deleting writer calls this after marking a slot
// KnownDeleted).
func (c *Compressor) Enqueue(databaseID uint64, key []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, Item{DatabaseID: databaseID, Key: append([]byte(nil), key...)})
	c.mu.Unlock()
}

// Start begins the background compaction loop.
func (c *Compressor) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Compressor) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Compressor) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Cycle(); n > 0 {
				c.logger.Debug().Int("compacted", n).Msg("compression cycle")
			}
		case <-c.stopCh:
			return
		}
	}
}

// drain takes a snapshot of the queue and resets it, per spec §4.4 step 1.
func (c *Compressor) drain() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.queue
	c.queue = nil
	return items
}

// requeue adds item back to the live queue (spec §4.4's re-queueing
// rule: a reference that could not be processed this cycle is retried
// next cycle).
func (c *Compressor) requeue(item Item) {
	c.mu.Lock()
	c.queue = append(c.queue, item)
	c.mu.Unlock()
}

// Cycle drains the work queue and compacts each referenced BIN, returning
// the number of entries physically removed across every item processed.
// An item whose tree cannot currently be resolved, or whose compaction
// fails, is re-queued for the next cycle rather than dropped.
func (c *Compressor) Cycle() int {
	items := c.drain()
	removed := 0
	for _, item := range items {
		tree, ok := c.lookup(item.DatabaseID)
		if !ok {
			c.requeue(item)
			continue
		}
		n, err := tree.CompressSubtree(item.Key, 0, ownerID)
		if err != nil {
			c.logger.Warn().Err(err).Uint64("database_id", item.DatabaseID).Msg("compaction failed, requeueing")
			c.requeue(item)
			continue
		}
		removed += n
	}
	if removed > 0 {
		emetrics.CompressorEntriesRemovedTotal.Add(float64(removed))
	}
	return removed
}
