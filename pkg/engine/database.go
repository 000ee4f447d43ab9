package engine

import (
	"errors"
	"sync"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/cursor"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/evictor"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/txn"
)

// Database is a single named, open B-tree within an Environment (spec
// §6). Handles are cached by name on the environment: a second
// OpenDatabase call for an already-open name returns the same handle.
type Database struct {
	env          *Environment
	id           uint64
	name         string
	tree         *btree.Tree
	cfg          DatabaseConfig
	handleLocker lock.LockerID

	secMu       sync.RWMutex
	secondaries []*SecondaryDatabase

	// fkDependents are the open secondaries, against any primary, that
	// name this database as their ForeignKeyDatabase: a delete from this
	// database must run each one's configured ForeignKeyDeleteAction
	// before the key is actually removed.
	fkMu         sync.RWMutex
	fkDependents []*SecondaryDatabase
}

// propagatePut keeps every open secondary in sync, within the same
// transaction t as the primary write that triggered it. oldValue is the
// record's previous value, if any (nil if this was an insert rather than
// an overwrite); its stale secondary entry is removed before the new one
// is added.
func (db *Database) propagatePut(t *txn.Txn, key, oldValue, newValue []byte) error {
	db.secMu.RLock()
	secs := db.secondaries
	db.secMu.RUnlock()
	for _, sec := range secs {
		if oldValue != nil {
			if err := sec.remove(t, key, oldValue); err != nil {
				return err
			}
		}
		if err := sec.insert(t, key, newValue); err != nil {
			return err
		}
	}
	return nil
}

// propagateDelete removes every secondary entry derived from (key, value),
// within the same transaction t as the primary delete.
func (db *Database) propagateDelete(t *txn.Txn, key, value []byte) error {
	db.secMu.RLock()
	secs := db.secondaries
	db.secMu.RUnlock()
	for _, sec := range secs {
		if err := sec.remove(t, key, value); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the database's internal id, stable for its lifetime.
func (db *Database) ID() uint64 { return db.id }

// Name returns the database's name.
func (db *Database) Name() string { return db.name }

// OpenDatabase opens an existing database or, if cfg.Create is set and
// none exists, creates it. tx is accepted for interface symmetry with
// spec §6's openDatabase(txn, name, config) but the directory write for a
// brand-new database commits independently of it (see DESIGN.md): a
// database's existence is not undone by aborting the transaction that
// created it.
func (env *Environment) OpenDatabase(tx *Transaction, name string, cfg DatabaseConfig) (*Database, error) {
	cfg = cfg.withDefaults()

	env.mu.RLock()
	if db, ok := env.databases[name]; ok {
		env.mu.RUnlock()
		return db, nil
	}
	env.mu.RUnlock()

	entry, found, err := env.lookupDirEntry(name)
	if err != nil {
		return nil, err
	}
	if found && cfg.AllowDuplicates != entry.AllowDuplicates {
		return nil, errInvalidConfig("AllowDuplicates does not match the database's creation-time setting")
	}
	if !found && !cfg.Create {
		return nil, errDatabaseNotFound("database not found: " + name)
	}

	var id uint64
	if found {
		id = entry.ID
	} else {
		id = env.allocDatabaseID()
	}

	handleLocker := lock.NewLockerID()
	if err := env.locks.Acquire(handleLocker, lock.HandleKeyFor(id), lock.Read); err != nil {
		return nil, err
	}

	tree, err := env.attachTree(id, cfg, found)
	if err != nil {
		env.locks.Release(handleLocker, lock.HandleKeyFor(id))
		return nil, err
	}

	if !found {
		entry = dirEntry{ID: id, AllowDuplicates: cfg.AllowDuplicates, NodeMaxEntries: uint32(cfg.NodeMaxEntries)}
		if err := env.putDirEntry(name, entry); err != nil {
			env.locks.Release(handleLocker, lock.HandleKeyFor(id))
			return nil, err
		}
	}

	db := &Database{env: env, id: id, name: name, tree: tree, cfg: cfg, handleLocker: handleLocker}

	env.mu.Lock()
	env.databases[name] = db
	env.mu.Unlock()

	return db, nil
}

// attachTree returns id's resident tree, creating it the first time this
// id is attached in this process: reattaching a recovered root, or
// creating a fresh one if none was recovered. Once attached, the tree and
// its evictor stay resident in env (keyed by id) for the rest of the
// environment's lifetime, independent of whether any Database handle is
// currently open on it — a later OpenDatabase for the same id within this
// process reuses the same in-memory tree rather than re-deriving it from
// the stale snapshot pkg/recovery took once at Open, which would see
// nothing for a database created after that scan ran.
func (env *Environment) attachTree(id uint64, cfg DatabaseConfig, found bool) (*btree.Tree, error) {
	if t, ok := env.lookupTree(id); ok {
		return t, nil
	}

	var tree *btree.Tree
	if found {
		if t, err := env.recovery.OpenTree(id, cfg.Comparator, cfg.DupComparator, cfg.NodeMaxEntries, env.log); err == nil {
			tree = t
		}
		// A directory entry with no recovered root means the database was
		// created but no TypeRoot record for it was ever logged (created
		// and crashed before its first checkpoint): treat it as fresh.
	}
	if tree == nil {
		tree = btree.NewTree(id, cfg.Comparator, cfg.DupComparator, cfg.NodeMaxEntries, env.log)
		if _, err := tree.LogRoot(0); err != nil {
			return nil, err
		}
	}

	ev := evictor.New(tree.INList(), env.cfg.evictorConfig())
	env.mu.Lock()
	env.trees[id] = tree
	env.evictors[id] = ev
	env.mu.Unlock()
	ev.Start()

	return tree, nil
}

// Close releases db's handle. The underlying tree and its evictor stay
// resident in the environment (see attachTree) so a later OpenDatabase
// for the same name is cheap; use Environment.RemoveDatabase to actually
// discard the database.
func (db *Database) Close() error {
	env := db.env
	env.mu.Lock()
	delete(env.databases, db.name)
	env.mu.Unlock()
	env.locks.Release(db.handleLocker, lock.HandleKeyFor(db.id))
	return nil
}

// RemoveDatabase deletes a closed database's directory entry, refusing
// if any handle on it is still open (spec's handle-lock serialization).
func (env *Environment) RemoveDatabase(tx *Transaction, name string) error {
	env.mu.RLock()
	_, open := env.databases[name]
	env.mu.RUnlock()
	if open {
		return errInvalidConfig("database " + name + " has an open handle")
	}
	entry, found, err := env.lookupDirEntry(name)
	if err != nil {
		return err
	}
	if !found {
		return errDatabaseNotFound("database not found: " + name)
	}
	locker := lock.NewLockerID()
	if err := env.locks.Acquire(locker, lock.HandleKeyFor(entry.ID), lock.Write); err != nil {
		return err
	}
	defer env.locks.Release(locker, lock.HandleKeyFor(entry.ID))
	if err := env.removeDirEntry(name); err != nil {
		return err
	}

	env.mu.Lock()
	ev := env.evictors[entry.ID]
	delete(env.evictors, entry.ID)
	delete(env.trees, entry.ID)
	env.mu.Unlock()
	if ev != nil {
		ev.Stop()
	}
	return nil
}

// RenameDatabase renames a closed database's directory entry.
func (env *Environment) RenameDatabase(tx *Transaction, from, to string) error {
	env.mu.RLock()
	_, open := env.databases[from]
	env.mu.RUnlock()
	if open {
		return errInvalidConfig("database " + from + " has an open handle")
	}
	entry, found, err := env.lookupDirEntry(from)
	if err != nil {
		return err
	}
	if !found {
		return errDatabaseNotFound("database not found: " + from)
	}
	locker := lock.NewLockerID()
	if err := env.locks.Acquire(locker, lock.HandleKeyFor(entry.ID), lock.Write); err != nil {
		return err
	}
	defer env.locks.Release(locker, lock.HandleKeyFor(entry.ID))
	return env.renameDirEntry(from, to)
}

// autoTxn runs fn under tx, or under a fresh auto-commit transaction if
// tx is nil, finishing the auto-commit transaction with fn's result. A
// caller with an explicit tx chose its own transaction's lifetime and
// retry policy; an implicit auto-commit call never had a handle the
// caller could retry with, so autoTxn itself retries once if the
// operation is chosen as a deadlock victim, matching BDB JE's
// auto-commit-retries-once-on-deadlock behavior.
func (db *Database) autoTxn(tx *Transaction, fn func(*txn.Txn) error) error {
	if tx != nil {
		return fn(tx.tx)
	}
	for attempt := 0; ; attempt++ {
		at, err := db.env.txns.BeginAuto(logfile.NoSync)
		if err != nil {
			return err
		}
		err = at.Finish(fn(at))
		if errors.Is(err, ekind.ErrDeadlock) && attempt == 0 {
			continue
		}
		return err
	}
}

// Put inserts or overwrites (key, value). If the database was opened
// with AllowDuplicates, an equal key with different data is added as a
// new duplicate rather than replacing the existing one.
func (db *Database) Put(tx *Transaction, key, value []byte) error {
	return db.autoTxn(tx, func(t *txn.Txn) error {
		var oldValue []byte
		if !db.cfg.AllowDuplicates {
			if v, err := t.Get(db.tree, key); err == nil {
				oldValue = v.Value
			} else if !errors.Is(err, ekind.ErrNotFound) {
				return err
			}
		}
		if _, err := t.Put(db.tree, key, value, db.cfg.AllowDuplicates, false, false); err != nil {
			return err
		}
		return db.propagatePut(t, key, oldValue, value)
	})
}

// PutNoOverwrite inserts (key, value) only if key does not already exist,
// failing with ErrKeyExists otherwise.
func (db *Database) PutNoOverwrite(tx *Transaction, key, value []byte) error {
	return db.autoTxn(tx, func(t *txn.Txn) error {
		if _, err := t.Put(db.tree, key, value, db.cfg.AllowDuplicates, true, false); err != nil {
			return err
		}
		return db.propagatePut(t, key, nil, value)
	})
}

// PutNoDupData inserts (key, value) as a new duplicate only if that exact
// (key, value) pair does not already exist. Requires AllowDuplicates.
func (db *Database) PutNoDupData(tx *Transaction, key, value []byte) error {
	if !db.cfg.AllowDuplicates {
		return errInvalidConfig("PutNoDupData requires a database opened with AllowDuplicates")
	}
	return db.autoTxn(tx, func(t *txn.Txn) error {
		if _, err := t.Put(db.tree, key, value, true, false, true); err != nil {
			return err
		}
		return db.propagatePut(t, key, nil, value)
	})
}

// Get reads key's value. If the database allows duplicates and key has
// more than one, the first duplicate in sort order is returned; use a
// Cursor to enumerate the rest.
func (db *Database) Get(tx *Transaction, key []byte) ([]byte, error) {
	var value []byte
	err := db.autoTxn(tx, func(t *txn.Txn) error {
		v, err := t.Get(db.tree, key)
		if err != nil {
			return err
		}
		value = v.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// GetSearchBoth confirms that the exact (key, value) duplicate pair
// exists, returning it unchanged on success.
func (db *Database) GetSearchBoth(tx *Transaction, key, value []byte) ([]byte, error) {
	var out []byte
	err := db.autoTxn(tx, func(t *txn.Txn) error {
		v, err := t.GetBoth(db.tree, key, value)
		if err != nil {
			return err
		}
		out = v.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key. If the database allows duplicates, every duplicate
// of key is removed.
func (db *Database) Delete(tx *Transaction, key []byte) error {
	return db.autoTxn(tx, func(t *txn.Txn) error {
		return db.deleteWithin(t, key)
	})
}

// deleteWithin removes every record under key within the caller's
// existing transaction t, propagating into secondaries and enforcing any
// foreign key constraints this database is the target of. It is the
// shared body of Delete's auto-commit wrapper and of cascaded foreign key
// deletes, which must run inside the triggering delete's own transaction
// rather than a fresh one.
func (db *Database) deleteWithin(t *txn.Txn, key []byte) error {
	if !db.cfg.AllowDuplicates {
		v, err := t.Get(db.tree, key)
		if err != nil {
			return err
		}
		if err := db.enforceForeignKeyDelete(t, key); err != nil {
			return err
		}
		if err := t.Delete(db.tree, key, nil); err != nil {
			return err
		}
		db.env.compr.Enqueue(db.id, key)
		return db.propagateDelete(t, key, v.Value)
	}
	if err := db.enforceForeignKeyDelete(t, key); err != nil {
		return err
	}
	return db.deleteAllDups(t, key)
}

// enforceForeignKeyDelete applies every secondary database's
// ForeignKeyDeleteAction that names db as its ForeignKeyDatabase, before
// key is actually removed from db.
func (db *Database) enforceForeignKeyDelete(t *txn.Txn, key []byte) error {
	db.fkMu.RLock()
	deps := db.fkDependents
	db.fkMu.RUnlock()
	for _, sec := range deps {
		if err := sec.enforceDelete(t, key); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) deleteAllDups(t *txn.Txn, key []byte) error {
	removed := 0
	for {
		c := cursor.Open(db.tree, t.Locker, db.env.locks, t.ID)
		if err := c.Search(key, nil, btree.Set); err != nil {
			c.Close()
			if errors.Is(err, ekind.ErrNotFound) {
				if removed == 0 {
					return ekind.ErrNotFound
				}
				return nil
			}
			return err
		}
		// Search's exact-match landing is liveness-agnostic, so the
		// slot it lands on may already be the known-deleted remnant
		// of a duplicate removed on an earlier pass through this
		// loop: walk forward with NextDup until a live value turns
		// up before concluding the whole key is exhausted.
		var value []byte
		var live bool
		for {
			_, v, err := c.Current()
			if err == nil {
				value, live = v, true
				break
			}
			if !errors.Is(err, ekind.ErrNotFound) {
				c.Close()
				return err
			}
			if derr := c.NextDup(); derr != nil {
				break
			}
		}
		c.Close()
		if !live {
			if removed == 0 {
				return ekind.ErrNotFound
			}
			return nil
		}
		if err := t.Delete(db.tree, key, value); err != nil {
			return err
		}
		db.env.compr.Enqueue(db.id, key)
		if err := db.propagateDelete(t, key, value); err != nil {
			return err
		}
		removed++
	}
}

// Truncate discards every record from the database by replacing its tree
// with a fresh empty one, the same optimization BDB JE's truncate uses
// rather than deleting record by record. If countRecords is true, the
// number of records discarded is counted (via a full scan) before the
// swap and returned; otherwise the count return value is 0.
func (db *Database) Truncate(tx *Transaction, countRecords bool) (uint64, error) {
	var n uint64
	if countRecords {
		_ = db.autoTxn(tx, func(t *txn.Txn) error {
			c := cursor.Open(db.tree, t.Locker, db.env.locks, t.ID)
			defer c.Close()
			for err := c.First(); err == nil; err = c.Next() {
				n++
			}
			return nil
		})
	}

	fresh := btree.NewTree(db.id, db.cfg.Comparator, db.cfg.DupComparator, db.cfg.NodeMaxEntries, db.env.log)
	if _, err := fresh.LogRoot(0); err != nil {
		return n, err
	}

	db.env.mu.Lock()
	db.tree = fresh
	db.env.trees[db.id] = fresh
	oldEv := db.env.evictors[db.id]
	newEv := evictor.New(fresh.INList(), db.env.cfg.evictorConfig())
	db.env.evictors[db.id] = newEv
	db.env.mu.Unlock()
	if oldEv != nil {
		oldEv.Stop()
	}
	newEv.Start()

	return n, nil
}

// Preload walks every node reachable from the root into memory, up to a
// total byte budget, so a subsequent scan does not pay cold-cache fetch
// latency. It stops early (without error) once maxBytes is exceeded.
func (db *Database) Preload(maxBytes int) error {
	root, err := db.tree.FetchRoot()
	if err != nil {
		return err
	}
	budget := maxBytes
	var walk func(n *btree.Node) error
	walk = func(n *btree.Node) error {
		if budget <= 0 {
			return nil
		}
		budget -= n.MemorySize()
		if !n.Kind.IsInternal() {
			return nil
		}
		for i := range n.Entries {
			if budget <= 0 {
				return nil
			}
			child, err := db.tree.FetchChild(n, n.Entries[i])
			if err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}

// DatabaseStats summarizes a database for diagnostics (spec §6's
// getStats operation).
type DatabaseStats struct {
	ID             uint64
	Name           string
	ResidentNodes  int
	ResidentBytes  int
}

// GetStats reports a snapshot of the database's resident node set.
func (db *Database) GetStats() DatabaseStats {
	nodes := db.tree.INList().All()
	total := 0
	for _, n := range nodes {
		total += n.MemorySize()
	}
	return DatabaseStats{ID: db.id, Name: db.name, ResidentNodes: len(nodes), ResidentBytes: total}
}

// Join performs a sorted-duplicate equi-join (spec's join(cursors,
// config)): given one cursor per secondary database, each already
// positioned via Search on the candidate secondary key being probed,
// Join walks each cursor's duplicate set at its current position and
// returns the primary keys common to every cursor, the way BDB JE's join
// cursor intersects sorted duplicate sets instead of scanning. Scope
// simplification: this returns the matching key slice directly rather
// than a synthetic streaming join cursor (see DESIGN.md); a caller
// wanting a cursor-shaped result can wrap the slice itself.
func (db *Database) Join(cursors []*Cursor) ([][]byte, error) {
	if len(cursors) == 0 {
		return nil, errInvalidConfig("join requires at least one cursor")
	}
	sets := make([]map[string]bool, len(cursors))
	for i, c := range cursors {
		set := make(map[string]bool)
		for {
			_, v, err := c.Current()
			if err != nil {
				if errors.Is(err, ekind.ErrNotFound) {
					if err := c.NextDup(); err != nil {
						break
					}
					continue
				}
				break
			}
			set[string(v)] = true
			if err := c.NextDup(); err != nil {
				break
			}
		}
		sets[i] = set
	}
	common := sets[0]
	for _, s := range sets[1:] {
		next := make(map[string]bool, len(common))
		for k := range common {
			if s[k] {
				next[k] = true
			}
		}
		common = next
	}
	out := make([][]byte, 0, len(common))
	for k := range common {
		out = append(out, []byte(k))
	}
	return out, nil
}
