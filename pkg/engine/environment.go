package engine

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/checkpoint"
	"github.com/cuemby/logkv/pkg/cleaner"
	"github.com/cuemby/logkv/pkg/compressor"
	"github.com/cuemby/logkv/pkg/cursor"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/evictor"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/recovery"
	"github.com/cuemby/logkv/pkg/txn"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fixed latch-owner tokens for operations performed on the environment's
// behalf rather than a user transaction's, mirroring the reserved owner
// constants each background package already defines for itself.
const mappingOwnerID uint64 = ^uint64(0) - 4

// Environment is one open instance of the storage engine: the shared log,
// lock table, transaction manager, the mapping database every other
// database is recorded in, and the background evictor/compressor/cleaner/
// checkpointer that keep it all within budget (spec §6).
type Environment struct {
	dir string
	cfg EnvironmentConfig

	log        *logfile.Manager
	locks      *lock.Table
	txns       *txn.Manager
	cleanerSvc *cleaner.Cleaner
	compr      *compressor.Compressor
	ckpt       *checkpoint.Checkpointer

	mapping  *btree.Tree
	recovery *recovery.Result

	instanceID uuid.UUID
	logger     zerolog.Logger

	mu             sync.RWMutex
	databases      map[string]*Database // name -> open handle (cleared on Close)
	trees          map[uint64]*btree.Tree // id -> resident tree (survives handle Close; cleared only by RemoveDatabase)
	nextDatabaseID uint64 // atomic
	evictors       map[uint64]*evictor.Evictor // id -> evictor, same lifetime as trees

	closed bool
}

// Open opens (or creates) an environment rooted at dir, replays the log
// via pkg/recovery, and starts every background subsystem.
func Open(dir string, cfg EnvironmentConfig) (*Environment, error) {
	cfg = cfg.withDefaults()

	log, err := logfile.Open(dir, cfg.logConfig(), cfg.ReadOnly, cfg.AllowCreate)
	if err != nil {
		return nil, err
	}

	result, err := recovery.Run(log)
	if err != nil {
		log.Close()
		return nil, err
	}
	log.SetNextEntryID(result.NextTxnID + result.NextNodeIDHint + 1)

	locks := lock.New(cfg.lockConfig())
	txns := txn.NewManager(log, locks)
	txns.SeedNextTxnID(result.NextTxnID)

	env := &Environment{
		dir:        dir,
		cfg:        cfg,
		log:        log,
		locks:      locks,
		txns:       txns,
		recovery:   result,
		instanceID: uuid.New(),
		logger:     elog.WithEnv(dir),
		databases:  make(map[string]*Database),
		trees:      make(map[uint64]*btree.Tree),
		evictors:   make(map[uint64]*evictor.Evictor),
	}

	if info, ok := result.Roots[mappingDatabaseID]; ok {
		env.mapping = btree.OpenTree(mappingDatabaseID, btree.ByteComparator, btree.ByteComparator, 128, log,
			info.RootNodeID, info.RootLSN, info.RootKind, result.NextNodeIDHint+1)
	} else {
		if !cfg.AllowCreate {
			log.Close()
			locks.Stop()
			return nil, ekind.New(ekind.DatabaseNotFound, "environment has no mapping database and AllowCreate is false")
		}
		env.mapping = btree.NewTree(mappingDatabaseID, btree.ByteComparator, btree.ByteComparator, 128, log)
		if _, err := env.mapping.LogRoot(0); err != nil {
			log.Close()
			locks.Stop()
			return nil, err
		}
	}

	env.nextDatabaseID = firstUserDatabaseID
	if entries, derr := env.listDirEntries(); derr == nil {
		for _, e := range entries {
			if e.ID >= env.nextDatabaseID {
				env.nextDatabaseID = e.ID + 1
			}
		}
	}
	if result.CheckpointFound && result.CheckpointEnd.LastDatabaseID+1 > env.nextDatabaseID {
		env.nextDatabaseID = result.CheckpointEnd.LastDatabaseID + 1
	}

	mappingEvictor := evictor.New(env.mapping.INList(), cfg.evictorConfig())
	env.evictors[mappingDatabaseID] = mappingEvictor
	mappingEvictor.Start()

	env.compr = compressor.New(env.lookupTree, cfg.compressorConfig())
	env.compr.Start()

	env.cleanerSvc = cleaner.New(log, env.openTrees, locks, cfg.cleanerConfig())
	env.cleanerSvc.Start()

	ckptCfg := cfg.checkpointConfig()
	ckptCfg.FirstActiveLSN = txns.FirstActiveLSN
	ckptCfg.LastTxnID = txns.LastTxnID
	env.ckpt = checkpoint.New(log, env.openTrees, env.cleanerSvc, ckptCfg)
	env.ckpt.Start()

	env.logger.Info().
		Int("databases", len(env.recovery.Roots)).
		Bool("checkpointFound", env.recovery.CheckpointFound).
		Msg("environment open")
	return env, nil
}

// openTrees lists every currently-resident tree (the mapping tree plus
// every database ever attached this process, whether or not a Database
// handle is presently open on it), for pkg/cleaner and pkg/checkpoint's
// TreeSource callbacks: cleaning and checkpointing operate on a
// database's on-disk state regardless of handle lifetime.
func (env *Environment) openTrees() []*btree.Tree {
	env.mu.RLock()
	defer env.mu.RUnlock()
	trees := make([]*btree.Tree, 0, len(env.trees)+1)
	trees = append(trees, env.mapping)
	for _, t := range env.trees {
		trees = append(trees, t)
	}
	return trees
}

// lookupTree resolves a database id to its resident tree, for
// pkg/compressor's TreeLookup callback.
func (env *Environment) lookupTree(databaseID uint64) (*btree.Tree, bool) {
	if databaseID == mappingDatabaseID {
		return env.mapping, true
	}
	env.mu.RLock()
	defer env.mu.RUnlock()
	t, ok := env.trees[databaseID]
	return t, ok
}

// newRawCursor opens an unlocked cursor over tree under the environment's
// own mapping-maintenance owner token, for internal directory walks that
// never need record locking (the handle lock already serializes them
// against concurrent structural changes).
func (env *Environment) newRawCursor(tree *btree.Tree) *cursor.Cursor {
	return cursor.Open(tree, lock.NewLockerID(), env.locks, mappingOwnerID)
}

// Close stops every background subsystem and closes the log. No further
// calls on env or any handle opened from it are valid afterward.
func (env *Environment) Close() error {
	env.mu.Lock()
	if env.closed {
		env.mu.Unlock()
		return nil
	}
	env.closed = true
	for _, ev := range env.evictors {
		ev.Stop()
	}
	env.mu.Unlock()

	env.ckpt.Stop()
	env.cleanerSvc.Stop()
	env.compr.Stop()
	env.locks.Stop()
	return env.log.Close()
}

// Sync fsyncs the log up to its current end.
func (env *Environment) Sync() error {
	return env.log.Sync()
}

// Checkpoint runs one checkpoint cycle immediately and returns its LSN.
func (env *Environment) Checkpoint() (lsn.LSN, error) {
	return env.ckpt.Run()
}

// CleanLog runs one cleaner cycle immediately, returning the file number
// it worked on (if any) and whether that file is now fully migrated and
// queued for deletion.
func (env *Environment) CleanLog() (uint64, bool) {
	return env.cleanerSvc.Cycle()
}

// EvictMemory runs one eviction cycle over every currently-resident
// tree's IN-list immediately, returning the total bytes freed.
func (env *Environment) EvictMemory() int {
	env.mu.RLock()
	evs := make([]*evictor.Evictor, 0, len(env.evictors))
	for _, ev := range env.evictors {
		evs = append(evs, ev)
	}
	env.mu.RUnlock()
	total := 0
	for _, ev := range evs {
		total += ev.Cycle()
	}
	return total
}

// Compress runs one compressor cycle immediately, returning the number of
// known-deleted entries removed.
func (env *Environment) Compress() int {
	return env.compr.Cycle()
}

// EnvironmentStats summarizes the environment for diagnostics (spec §6's
// stats operation).
type EnvironmentStats struct {
	InstanceID      string
	OpenDatabases   int
	CurrentFileNum  uint64
	CheckpointFound bool
}

// Stats reports a snapshot of environment-wide counters.
func (env *Environment) Stats() EnvironmentStats {
	env.mu.RLock()
	defer env.mu.RUnlock()
	return EnvironmentStats{
		InstanceID:      env.instanceID.String(),
		OpenDatabases:   len(env.databases),
		CurrentFileNum:  env.log.CurrentFileNum(),
		CheckpointFound: env.recovery.CheckpointFound,
	}
}

// LockStats reports the lock table's current size.
func (env *Environment) LockStats() lock.Stats {
	return env.locks.Stats()
}

// TxnStats reports how many transactions are currently active.
func (env *Environment) TxnStats() int {
	return env.txns.ActiveCount()
}

// Verify walks every database's mapping entry and confirms its root
// is reachable, reporting the first error found (spec §6's verify
// operation). It is a lightweight structural check, not a full page-by-
// page scan.
func (env *Environment) Verify() error {
	entries, err := env.listDirEntries()
	if err != nil {
		return err
	}
	for name, e := range entries {
		tree, ok := env.lookupTree(e.ID)
		if !ok {
			var derr error
			tree, derr = env.recovery.OpenTree(e.ID, btree.ByteComparator, btree.ByteComparator, int(e.NodeMaxEntries), env.log)
			if derr != nil {
				return ekind.Wrap(ekind.RunRecovery, "database "+name+" has no reachable root", derr)
			}
		}
		if _, err := tree.FetchRoot(); err != nil {
			return ekind.Wrap(ekind.RunRecovery, "database "+name+" root unreachable", err)
		}
	}
	return nil
}

// allocDatabaseID hands out the next user database id.
func (env *Environment) allocDatabaseID() uint64 {
	return atomic.AddUint64(&env.nextDatabaseID, 1) - 1
}
