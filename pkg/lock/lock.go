/*
Package lock implements the record lock table: per node-id lock queues,
READ/WRITE/RANGE_READ/RANGE_WRITE/RANGE_INSERT modes, wait-for graph
deadlock detection, and request timeouts (spec §4.7).

Locks are held by a Locker (a transaction or an auto-commit operation),
identified by a google/uuid-based id, not by goroutine. Deadlock detection
runs as a periodic background scan over the waiters map, in the same
ticker-plus-mutex-guarded-map shape the teacher uses for its health
monitor.
*/
package lock

import (
	"sync"
	"time"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode is a lock request's access mode.
type Mode int

const (
	Read Mode = iota
	Write
	RangeRead
	RangeWrite
	RangeInsert
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case RangeRead:
		return "RANGE_READ"
	case RangeWrite:
		return "RANGE_WRITE"
	case RangeInsert:
		return "RANGE_INSERT"
	default:
		return "?"
	}
}

// compatible reports whether two modes may be held concurrently by
// different lockers on the same node-id. Only plain and range reads can
// share a node; every write-flavored mode is exclusive, and a range
// insert conflicts with everything (including another range insert) to
// serialize phantom-preventing inserts into the same key gap.
func compatible(a, b Mode) bool {
	readLike := func(m Mode) bool { return m == Read || m == RangeRead }
	return readLike(a) && readLike(b)
}

// KeyFor derives a record lock's node-id-shaped key from a database id and
// a logical key, the same way for every caller (pkg/txn, pkg/cursor): a
// record lock must be acquirable before the key's LN node-id exists (a
// brand-new key has none until Insert allocates it), so lockers key by a
// hash of (databaseID, key) rather than by node-id. Every caller must
// derive locks for the same key exactly this way or a txn-held lock and a
// bare cursor's lock on the same key would silently fail to conflict.
func KeyFor(databaseID uint64, key []byte) uint64 {
	h := fnv64aSeed(databaseID)
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func fnv64aSeed(seed uint64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= (seed >> (8 * i)) & 0xff
		h *= 1099511628211
	}
	return h
}

// HandleKeyFor derives a database handle lock's key from a database id.
// Handle locks live in the same id-keyed lock table as record locks;
// databaseID alone would collide with a record whose node-id happens to
// equal it, so the high bit tags this as a handle lock rather than a
// record lock. Record locks taken through KeyFor are 64-bit hashes and
// can have the high bit set, so a handle key collides with one only when
// that hash equals databaseID|1<<63 exactly.
func HandleKeyFor(databaseID uint64) uint64 {
	return databaseID | (1 << 63)
}

// LockerID identifies the entity a lock is held on behalf of: a
// transaction or an auto-commit operation.
type LockerID uuid.UUID

// NewLockerID mints a fresh locker identity.
func NewLockerID() LockerID { return LockerID(uuid.New()) }

func (id LockerID) String() string { return uuid.UUID(id).String() }

type holder struct {
	locker LockerID
	mode   Mode
}

type waiter struct {
	locker  LockerID
	mode    Mode
	ready   chan struct{}
	granted bool
	err     error
}

type entry struct {
	holders []holder
	waiters []*waiter
}

// Config tunes the lock table's deadlock detector and default timeout.
type Config struct {
	DetectInterval time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DetectInterval <= 0 {
		c.DetectInterval = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// Table is the environment-wide record lock table.
type Table struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	// byLocker indexes, for each locker, every node-id it currently holds or
	// waits on, so Release and the deadlock detector don't need to scan
	// every entry.
	byLocker map[LockerID]map[uint64]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a lock table and starts its background deadlock detector.
func New(cfg Config) *Table {
	t := &Table{
		cfg:      cfg.withDefaults(),
		log:      elog.WithComponent("lock"),
		entries:  make(map[uint64]*entry),
		byLocker: make(map[LockerID]map[uint64]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go t.detectLoop()
	return t
}

// Stop halts the deadlock detector.
func (t *Table) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Table) track(locker LockerID, nodeID uint64) {
	m, ok := t.byLocker[locker]
	if !ok {
		m = make(map[uint64]struct{})
		t.byLocker[locker] = m
	}
	m[nodeID] = struct{}{}
}

// Acquire blocks until locker holds mode on nodeID, or returns
// ErrLockTimeout/ErrDeadlock. Re-entrant: a locker that already holds an
// equal-or-stronger mode on nodeID returns immediately. It waits up to
// the table's configured default RequestTimeout.
func (t *Table) Acquire(locker LockerID, nodeID uint64, mode Mode) error {
	return t.AcquireWithTimeout(locker, nodeID, mode, t.cfg.RequestTimeout)
}

// AcquireWithTimeout is Acquire with a caller-supplied wait timeout,
// overriding the table's default — pkg/txn uses this for a transaction
// that called Transaction.SetLockTimeout (spec §6).
func (t *Table) AcquireWithTimeout(locker LockerID, nodeID uint64, mode Mode, timeout time.Duration) error {
	t.mu.Lock()
	e, ok := t.entries[nodeID]
	if !ok {
		e = &entry{}
		t.entries[nodeID] = e
	}

	for _, h := range e.holders {
		if h.locker == locker {
			if h.mode == mode || (h.mode == Write && mode == Read) {
				t.mu.Unlock()
				return nil
			}
		}
	}

	grantable := true
	for _, h := range e.holders {
		if h.locker != locker && !compatible(h.mode, mode) {
			grantable = false
			break
		}
	}
	if grantable && len(e.waiters) == 0 {
		e.holders = append(e.holders, holder{locker: locker, mode: mode})
		t.track(locker, nodeID)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{locker: locker, mode: mode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	t.track(locker, nodeID)
	t.mu.Unlock()

	timer := emetrics.NewTimer()
	select {
	case <-w.ready:
		timer.ObserveDuration(emetrics.LockWaitDuration)
		if w.err != nil {
			return w.err
		}
		return nil
	case <-time.After(timeout):
		t.mu.Lock()
		defer t.mu.Unlock()
		if w.granted {
			return nil
		}
		removeWaiter(e, w)
		return ekind.ErrLockTimeout
	}
}

// Release drops every lock and pending wait locker holds on nodeID, and
// promotes any now-grantable waiters.
func (t *Table) Release(locker LockerID, nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[nodeID]
	if !ok {
		return
	}
	kept := e.holders[:0]
	for _, h := range e.holders {
		if h.locker != locker {
			kept = append(kept, h)
		}
	}
	e.holders = kept
	removeWaitersFor(e, locker)
	t.promote(e)
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		delete(t.entries, nodeID)
	}
	if m := t.byLocker[locker]; m != nil {
		delete(m, nodeID)
		if len(m) == 0 {
			delete(t.byLocker, locker)
		}
	}
}

// ReleaseAll drops every lock locker holds anywhere, e.g. on commit/abort.
func (t *Table) ReleaseAll(locker LockerID) {
	t.mu.Lock()
	nodeIDs := make([]uint64, 0, len(t.byLocker[locker]))
	for id := range t.byLocker[locker] {
		nodeIDs = append(nodeIDs, id)
	}
	t.mu.Unlock()
	for _, id := range nodeIDs {
		t.Release(locker, id)
	}
}

// Stats is a snapshot of the lock table's size, for Environment.LockStats.
type Stats struct {
	Entries int
	Waiters int
}

// Stats reports the current number of locked entries and pending waiters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Entries: len(t.entries)}
	for _, e := range t.entries {
		s.Waiters += len(e.waiters)
	}
	return s
}

// IsHeldByOther reports whether nodeID is currently held or awaited by any
// locker other than locker, without acquiring or waiting for anything.
// The cleaner uses this to decide whether an otherwise-migratable LN must
// instead be marked pending for a later cycle (spec §4.6).
func (t *Table) IsHeldByOther(locker LockerID, nodeID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[nodeID]
	if !ok {
		return false
	}
	for _, h := range e.holders {
		if h.locker != locker {
			return true
		}
	}
	for _, w := range e.waiters {
		if w.locker != locker {
			return true
		}
	}
	return false
}

func (t *Table) promote(e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		ok := true
		for _, h := range e.holders {
			if h.locker != w.locker && !compatible(h.mode, w.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		e.holders = append(e.holders, holder{locker: w.locker, mode: w.mode})
		w.granted = true
		close(w.ready)
		e.waiters = e.waiters[1:]
	}
}

func removeWaiter(e *entry, target *waiter) {
	for i, w := range e.waiters {
		if w == target {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

func removeWaitersFor(e *entry, locker LockerID) {
	kept := e.waiters[:0]
	for _, w := range e.waiters {
		if w.locker == locker {
			w.err = ekind.ErrInterrupted
			close(w.ready)
			continue
		}
		kept = append(kept, w)
	}
	e.waiters = kept
}

// detectLoop periodically scans the wait-for graph for cycles and breaks
// each one by failing its youngest waiter with ErrDeadlock, in the same
// ticker-plus-mutex-guarded-map shape the teacher's health monitor uses
// for its periodic sweeps.
func (t *Table) detectLoop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.DetectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.breakDeadlocks()
		}
	}
}

// breakDeadlocks builds the wait-for graph (waiter locker -> holder
// lockers it is blocked behind) and, for each cycle found by a depth-
// first walk, fails the waiter whose edge closes the cycle. Which locker
// that is depends on map iteration order; no age ordering of lockers or
// transactions is applied.
func (t *Table) breakDeadlocks() {
	t.mu.Lock()
	defer t.mu.Unlock()

	waitFor := make(map[LockerID]map[LockerID]struct{})
	waiterOf := make(map[LockerID]*waiter)
	for _, e := range t.entries {
		for _, w := range e.waiters {
			if w.granted {
				continue
			}
			blocked, ok := waitFor[w.locker]
			if !ok {
				blocked = make(map[LockerID]struct{})
				waitFor[w.locker] = blocked
			}
			for _, h := range e.holders {
				if h.locker != w.locker {
					blocked[h.locker] = struct{}{}
				}
			}
			waiterOf[w.locker] = w
		}
	}

	victims := make(map[LockerID]struct{})
	visited := make(map[LockerID]int) // 0=unvisited 1=in-progress 2=done
	var stack []LockerID

	var visit func(l LockerID)
	visit = func(l LockerID) {
		visited[l] = 1
		stack = append(stack, l)
		for next := range waitFor[l] {
			switch visited[next] {
			case 0:
				visit(next)
			case 1:
				// Cycle found; the locker that closes it back on next is
				// the one we just tried to expand from, i.e. l itself.
				victims[l] = struct{}{}
			}
		}
		stack = stack[:len(stack)-1]
		if visited[l] == 1 {
			visited[l] = 2
		}
	}
	for l := range waitFor {
		if visited[l] == 0 {
			visit(l)
		}
	}

	for l := range victims {
		w := waiterOf[l]
		if w == nil || w.granted {
			continue
		}
		for _, e := range t.entries {
			removeWaiter(e, w)
		}
		w.err = ekind.ErrDeadlock
		close(w.ready)
		emetrics.DeadlocksTotal.Inc()
	}
}
