/*
Package checkpoint implements the periodic checkpointer: flush every
dirty node of every open tree to the log, anchor a fresh root record,
write a checkpoint-end record recovery can restart from, and hand off to
the cleaner to reclaim whatever log segments that checkpoint just made
safe to delete (spec.md's Checkpointer row, and §4.6 step 4).
*/
package checkpoint

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/emetrics"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ownerID uint64 = ^uint64(0) - 3

// TreeSource lists every currently-open tree in the environment.
type TreeSource func() []*btree.Tree

// Finalizer reclaims log segments a checkpoint has made safe to delete.
// pkg/cleaner.Cleaner satisfies this.
type Finalizer interface {
	FinalizeCheckpoint(remove bool) []uint64
}

// Config controls checkpoint cadence and the identity it stamps on each
// checkpoint-end record.
type Config struct {
	Interval time.Duration
	// Invoker tags who triggered the checkpoint (spec §6's checkpoint-end
	// payload); if empty, a fresh uuid is minted per instance.
	Invoker string
	// FirstActiveLSN reports the oldest active transaction's begin LSN, if
	// any; supplied by the transaction manager. Nil means "none active."
	FirstActiveLSN func() lsn.LSN
	// LastTxnID reports the highest transaction id allocated so far.
	LastTxnID func() uint64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Invoker == "" {
		c.Invoker = uuid.New().String()
	}
	return c
}

// Checkpointer runs the periodic checkpoint cycle over every open tree in
// an environment.
type Checkpointer struct {
	cfg     Config
	log     *logfile.Manager
	trees   TreeSource
	cleaner Finalizer
	logger  zerolog.Logger

	nextID uint64 // atomic

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Checkpointer. cleaner may be nil, in which case a
// completed checkpoint never triggers file reclamation on its own (a
// caller can still invoke the cleaner's FinalizeCheckpoint directly).
func New(log *logfile.Manager, trees TreeSource, cleaner Finalizer, cfg Config) *Checkpointer {
	return &Checkpointer{
		cfg:     cfg.withDefaults(),
		log:     log,
		trees:   trees,
		cleaner: cleaner,
		logger:  elog.WithComponent("checkpoint"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background checkpoint loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Run(); err != nil {
				c.logger.Warn().Err(err).Msg("checkpoint failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Run performs one checkpoint cycle: log a checkpoint-start marker, flush
// every dirty node of every open tree (children before parents), anchor
// every open tree's root, log a checkpoint-end record, and finalize the
// cleaner.
// It returns the checkpoint-end record's LSN.
func (c *Checkpointer) Run() (lsn.LSN, error) {
	timer := emetrics.NewTimer()
	defer timer.ObserveDuration(emetrics.CheckpointDuration)

	startLSN, err := c.log.Append(record.Record{
		Header: record.Header{Type: record.TypeCheckpointStart},
	}, logfile.NoSync)
	if err != nil {
		return lsn.Null, err
	}

	var lastNodeID, lastDatabaseID uint64
	var rootLSN lsn.LSN
	hasRoot := false

	for _, tr := range c.trees() {
		_, moved, err := tr.FlushDirty(0, ownerID)
		if err != nil {
			return lsn.Null, err
		}
		// Every open tree gets a fresh TypeRoot record each checkpoint,
		// regardless of whether anything in it was dirty this cycle: a
		// quiescent database still needs an authoritative root pointer at
		// or after this checkpoint's start for recovery to anchor on,
		// since recovery does not scan backward past checkpoint-start.
		if _, err := tr.LogRoot(0); err != nil {
			return lsn.Null, err
		}
		if moved {
			hasRoot = true
			_, rootLSN = tr.RootPointer()
		}
		if hint := tr.NextNodeIDHint(); hint > lastNodeID {
			lastNodeID = hint
		}
		if tr.DatabaseID > lastDatabaseID {
			lastDatabaseID = tr.DatabaseID
		}
	}

	var firstActive lsn.LSN
	if c.cfg.FirstActiveLSN != nil {
		firstActive = c.cfg.FirstActiveLSN()
	}
	var lastTxnID uint64
	if c.cfg.LastTxnID != nil {
		lastTxnID = c.cfg.LastTxnID()
	}

	end := record.CheckpointEnd{
		Invoker:         c.cfg.Invoker,
		EndTimeUnixNano: time.Now().UnixNano(),
		CheckpointStart: startLSN,
		RootLSN:         rootLSN,
		HasRoot:         hasRoot,
		FirstActiveLSN:  firstActive,
		LastNodeID:      lastNodeID,
		LastDatabaseID:  lastDatabaseID,
		LastTxnID:       lastTxnID,
		CheckpointID:    atomic.AddUint64(&c.nextID, 1),
	}
	endLSN, err := c.log.Append(record.Record{
		Header:  record.Header{Type: record.TypeCheckpointEnd},
		Payload: record.EncodeCheckpointEnd(end),
	}, logfile.Sync)
	if err != nil {
		return lsn.Null, err
	}

	if c.cleaner != nil {
		if reclaimed := c.cleaner.FinalizeCheckpoint(true); len(reclaimed) > 0 {
			c.logger.Debug().Int("reclaimed", len(reclaimed)).Msg("checkpoint reclaimed log files")
		}
	}

	emetrics.CheckpointsTotal.Inc()
	return endLSN, nil
}
