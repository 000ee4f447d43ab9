/*
Package cleaner reclaims log segment files once all of their live content
has migrated forward (spec §4.6): pick a candidate file by utilization or
rotation, replay it, migrate or mark-dirty whatever is still live, and
hand fully-processed files to FinalizeCheckpoint for deletion once a
later checkpoint has made that safe.

A record's liveness is decided purely from the resident tree shape rather
than from a node-id recorded in the log image (pkg/btree carries none):
see btree.Tree.LocateLiveNode/LocateLiveLN, which this package drives.
*/
package cleaner

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
	"github.com/rs/zerolog"
)

// Strategy selects how the next file to clean is chosen.
type Strategy int

const (
	StrategyUtilization Strategy = iota
	StrategyRotation
)

// Config tunes file selection and retry behavior.
type Config struct {
	Strategy Strategy

	// MinUtilization is the average live-fraction below which the
	// utilization strategy proceeds; at or above it, a cycle is a no-op
	// unless ForceCleanFile is used.
	MinUtilization float64
	// MinAgeFiles is how many segments behind the currently-active file a
	// candidate must be before it is eligible.
	MinAgeFiles uint64

	MaxRetries        int
	MaxRestartRetries int

	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinUtilization <= 0 {
		c.MinUtilization = 0.5
	}
	if c.MinAgeFiles == 0 {
		c.MinAgeFiles = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxRestartRetries <= 0 {
		c.MaxRestartRetries = 5
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// TreeSource lists every currently-open tree in the environment. The log
// is shared across every database (see pkg/btree's package doc), so a
// record's owning tree cannot be determined from its header alone — the
// cleaner instead asks every open tree whether it claims a given LSN.
type TreeSource func() []*btree.Tree

const ownerID uint64 = ^uint64(0) - 2

type fileState struct {
	failures     int
	pausedCycles int
}

// Cleaner runs the periodic file-cleaning cycle over one environment's
// shared log.
type Cleaner struct {
	cfg    Config
	log    *logfile.Manager
	trees  TreeSource
	locks  *lock.Table
	locker lock.LockerID
	logger zerolog.Logger

	mu        sync.Mutex
	retry     map[uint64]*fileState
	toDelete  map[uint64]bool
	rotatePos int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Cleaner. locks is the environment's shared lock table,
// used to defer migrating an LN whose node id another locker holds in the
// table. Record locks taken through lock.KeyFor (as pkg/txn and
// pkg/cursor take them) are keyed by a (database, key) hash, not the node
// id, and are not detected by this check.
func New(log *logfile.Manager, trees TreeSource, locks *lock.Table, cfg Config) *Cleaner {
	return &Cleaner{
		cfg:      cfg.withDefaults(),
		log:      log,
		trees:    trees,
		locks:    locks,
		locker:   lock.NewLockerID(),
		logger:   elog.WithComponent("cleaner"),
		retry:    make(map[uint64]*fileState),
		toDelete: make(map[uint64]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background cleaning loop.
func (c *Cleaner) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Cleaner) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cleaner) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if fileNum, ok := c.Cycle(); ok {
				c.logger.Debug().Uint64("file", fileNum).Msg("cleaned file")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Cycle selects at most one eligible file per the configured strategy and
// processes it, reporting the file number and whether it is now fully
// migrated (and so added to the to-delete set).
func (c *Cleaner) Cycle() (uint64, bool) {
	nums, err := c.log.SegmentNumbers()
	if err != nil || len(nums) == 0 {
		return 0, false
	}
	current := c.log.CurrentFileNum()
	eligible := c.eligibleFiles(nums, current)
	if len(eligible) == 0 {
		return 0, false
	}

	fileNum, ok := c.selectFile(eligible)
	if !ok {
		return 0, false
	}
	return fileNum, c.clean(fileNum)
}

// ForceCleanFile processes fileNum immediately, bypassing the average-
// utilization gate (spec §4.6's "or cleaning is forced").
func (c *Cleaner) ForceCleanFile(fileNum uint64) bool {
	return c.clean(fileNum)
}

func (c *Cleaner) clean(fileNum uint64) bool {
	pending, err := c.processFile(fileNum)
	if err != nil {
		c.logger.Warn().Err(err).Uint64("file", fileNum).Msg("clean failed")
		c.recordFailure(fileNum)
		return false
	}
	if pending {
		c.recordFailure(fileNum)
		return false
	}
	c.clearFailure(fileNum)
	c.mu.Lock()
	c.toDelete[fileNum] = true
	c.mu.Unlock()
	return true
}

func (c *Cleaner) eligibleFiles(nums []uint64, current uint64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(nums))
	for _, n := range nums {
		if n >= current {
			continue
		}
		if c.toDelete[n] {
			continue
		}
		if current-n < c.cfg.MinAgeFiles {
			continue
		}
		if st, ok := c.retry[n]; ok && st.pausedCycles > 0 {
			st.pausedCycles--
			continue
		}
		out = append(out, n)
	}
	return out
}

func (c *Cleaner) selectFile(candidates []uint64) (uint64, bool) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	if c.cfg.Strategy == StrategyRotation {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.rotatePos >= len(candidates) {
			c.rotatePos = 0
		}
		n := candidates[c.rotatePos%len(candidates)]
		c.rotatePos++
		return n, true
	}

	summaries := make(map[uint64]utilizationSummary, len(candidates))
	var total float64
	for _, n := range candidates {
		u, err := c.measure(n)
		if err != nil {
			continue
		}
		summaries[n] = u
		total += u.liveFraction()
	}
	if len(summaries) == 0 {
		return 0, false
	}
	avg := total / float64(len(summaries))
	emetrics.CleanerUtilization.Set(avg)
	if avg >= c.cfg.MinUtilization {
		return 0, false
	}

	var best uint64
	bestFrac := math.Inf(1)
	found := false
	for n, u := range summaries {
		if f := u.liveFraction(); f < bestFrac {
			bestFrac, best, found = f, n, true
		}
	}
	return best, found
}

type utilizationSummary struct {
	totalBytes int64
	liveBytes  int64
}

func (u utilizationSummary) liveFraction() float64 {
	if u.totalBytes == 0 {
		return 1
	}
	return float64(u.liveBytes) / float64(u.totalBytes)
}

func (c *Cleaner) measure(fileNum uint64) (utilizationSummary, error) {
	var u utilizationSummary
	trees := c.trees()
	err := c.log.Iterate(lsn.LSN{FileNum: fileNum}, func(e logfile.Entry) (bool, error) {
		if e.LSN.FileNum != fileNum {
			return false, nil
		}
		size := int64(record.HeaderSize + len(e.Record.Payload))
		u.totalBytes += size
		if c.recordLive(trees, e) {
			u.liveBytes += size
		}
		return true, nil
	})
	return u, err
}

func (c *Cleaner) recordLive(trees []*btree.Tree, e logfile.Entry) bool {
	switch e.Record.Header.Type {
	case record.TypeLN:
		for _, tr := range trees {
			if _, _, ok := tr.LocateLiveLN(e.LSN); ok {
				return true
			}
		}
		return false
	case record.TypeIN, record.TypeBIN, record.TypeDIN, record.TypeDBIN:
		for _, tr := range trees {
			if _, ok := tr.LocateLiveNode(e.LSN); ok {
				return true
			}
		}
		return false
	case record.TypeRoot:
		for _, tr := range trees {
			if _, rootLSN := tr.RootPointer(); rootLSN == e.LSN {
				return true
			}
		}
		return false
	default:
		// BINDelta is never produced (pkg/btree's EncodeNode doc); txn and
		// checkpoint records carry no independent liveness of their own and
		// are harmless to lose once the rest of their file is obsolete.
		return false
	}
}

// processFile replays fileNum in order, migrating or marking-dirty every
// live record it finds, per spec §4.6's per-file processing steps. It
// reports whether any LN was left pending (locked by another locker) and
// so must be retried on a later cycle rather than finalized now.
func (c *Cleaner) processFile(fileNum uint64) (pending bool, err error) {
	release, err := c.log.AcquireReaderLock()
	if err != nil {
		return false, err
	}
	defer release()

	trees := c.trees()
	err = c.log.Iterate(lsn.LSN{FileNum: fileNum}, func(e logfile.Entry) (bool, error) {
		if e.LSN.FileNum != fileNum {
			return false, nil
		}
		switch e.Record.Header.Type {
		case record.TypeLN:
			p, perr := c.processLN(trees, e.LSN)
			if perr != nil {
				return false, perr
			}
			if p {
				pending = true
			}
		case record.TypeIN, record.TypeBIN, record.TypeDIN, record.TypeDBIN:
			c.processNode(trees, e.LSN)
		default:
		}
		return true, nil
	})
	return pending, err
}

func (c *Cleaner) processLN(trees []*btree.Tree, l lsn.LSN) (pending bool, err error) {
	for _, tr := range trees {
		owner, idx, ok := tr.LocateLiveLN(l)
		if !ok {
			continue
		}
		nodeID := owner.Entries[idx].ChildID
		if c.locks.IsHeldByOther(c.locker, nodeID) {
			return true, nil
		}
		if _, err := tr.MigrateLN(owner, idx, 0, ownerID); err != nil {
			return false, err
		}
		return false, nil
	}
	return false, nil // not live in any tree: obsolete
}

func (c *Cleaner) processNode(trees []*btree.Tree, l lsn.LSN) {
	for _, tr := range trees {
		if n, ok := tr.LocateLiveNode(l); ok {
			tr.MarkNodeDirty(n, ownerID)
			return
		}
	}
}

func (c *Cleaner) recordFailure(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.retry[fileNum]
	if !ok {
		st = &fileState{}
		c.retry[fileNum] = st
	}
	st.failures++
	if st.failures >= c.cfg.MaxRetries {
		st.pausedCycles = c.cfg.MaxRestartRetries
		st.failures = 0
	}
}

func (c *Cleaner) clearFailure(fileNum uint64) {
	c.mu.Lock()
	delete(c.retry, fileNum)
	c.mu.Unlock()
}

// FinalizeCheckpoint reclaims every file marked fully migrated. Callers
// (pkg/checkpoint) must only invoke this after a checkpoint that flushed
// every dirty node all the way to the root, per spec §4.6 step 4.
func (c *Cleaner) FinalizeCheckpoint(remove bool) []uint64 {
	c.mu.Lock()
	nums := make([]uint64, 0, len(c.toDelete))
	for n := range c.toDelete {
		nums = append(nums, n)
	}
	c.mu.Unlock()

	reclaimed := make([]uint64, 0, len(nums))
	for _, n := range nums {
		if err := c.log.ReclaimFile(n, remove); err != nil {
			c.logger.Warn().Err(err).Uint64("file", n).Msg("reclaim failed")
			continue
		}
		reclaimed = append(reclaimed, n)
		c.mu.Lock()
		delete(c.toDelete, n)
		c.mu.Unlock()
	}
	if len(reclaimed) > 0 {
		emetrics.CleanerFilesReclaimedTotal.Add(float64(len(reclaimed)))
	}
	return reclaimed
}
