package engine

import (
	"errors"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/cursor"
	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/txn"
)

// SecondaryDatabase indexes a primary Database by a key derived from each
// record (spec §6's openSecondaryDatabase). Its backing tree always
// allows duplicates, since distinct primary records commonly derive the
// same secondary key. A secondary never stores a copy of the primary's
// data: the value under a secondary key is the corresponding primary
// key, and every read dereferences into the primary.
type SecondaryDatabase struct {
	db      *Database
	primary *Database
	keyOf   KeyCreator

	foreignKeyDB     *Database
	foreignKeyAction ForeignKeyDeleteAction
	nullifier        Nullifier
}

// OpenSecondaryDatabase opens or creates a secondary index over primary,
// keyed by cfg.KeyCreator. Every subsequent Put/Delete against primary
// through this Environment keeps the secondary's key set in sync; a
// secondary opened against a primary that already has data is back-filled
// once, at open time.
func (env *Environment) OpenSecondaryDatabase(tx *Transaction, name string, primary *Database, cfg SecondaryConfig) (*SecondaryDatabase, error) {
	cfg = cfg.withDefaults()
	if cfg.KeyCreator == nil {
		return nil, errInvalidConfig("SecondaryConfig.KeyCreator is required")
	}
	if cfg.ForeignKeyDatabase != nil && cfg.ForeignKeyDeleteAction == ForeignKeyNullify && cfg.Nullifier == nil {
		return nil, errInvalidConfig("SecondaryConfig.Nullifier is required when ForeignKeyDeleteAction is ForeignKeyNullify")
	}

	_, alreadyExisted, err := env.lookupDirEntry(name)
	if err != nil {
		return nil, err
	}

	dbCfg := DatabaseConfig{
		Create:          cfg.Create,
		AllowDuplicates: true,
		Comparator:      cfg.Comparator,
		DupComparator:   btree.ByteComparator,
	}
	secDB, err := env.OpenDatabase(tx, name, dbCfg)
	if err != nil {
		return nil, err
	}
	if !alreadyExisted {
		if entry, found, derr := env.lookupDirEntry(name); derr == nil && found {
			entry.Secondary = true
			if derr := env.putDirEntry(name, entry); derr != nil {
				return nil, derr
			}
		}
	}

	sec := &SecondaryDatabase{
		db:               secDB,
		primary:          primary,
		keyOf:            cfg.KeyCreator,
		foreignKeyDB:     cfg.ForeignKeyDatabase,
		foreignKeyAction: cfg.ForeignKeyDeleteAction,
		nullifier:        cfg.Nullifier,
	}

	primary.secMu.Lock()
	primary.secondaries = append(primary.secondaries, sec)
	primary.secMu.Unlock()

	if sec.foreignKeyDB != nil {
		fk := sec.foreignKeyDB
		fk.fkMu.Lock()
		fk.fkDependents = append(fk.fkDependents, sec)
		fk.fkMu.Unlock()
	}

	if !alreadyExisted {
		if err := sec.build(); err != nil {
			return nil, err
		}
	}

	return sec, nil
}

// build back-fills the secondary from every record already present in
// the primary, under a single auto-commit transaction.
func (sec *SecondaryDatabase) build() error {
	return sec.primary.autoTxn(nil, func(t *txn.Txn) error {
		c := cursor.Open(sec.primary.tree, t.Locker, sec.primary.env.locks, t.ID)
		defer c.Close()
		for err := c.First(); err == nil; {
			key, value, cerr := c.Current()
			if cerr != nil {
				err = c.Next()
				continue
			}
			if err := sec.insert(t, key, value); err != nil {
				return err
			}
			err = c.Next()
		}
		return nil
	})
}

// insert adds key's derived secondary entry within t, the same
// transaction as the primary write that triggered it, ignoring a pair
// that is already present (the record was already indexed).
func (sec *SecondaryDatabase) insert(t *txn.Txn, primaryKey, primaryValue []byte) error {
	secKey, ok := sec.keyOf(primaryKey, primaryValue)
	if !ok {
		return nil
	}
	_, err := t.Put(sec.db.tree, secKey, primaryKey, true, false, true)
	if err != nil && errors.Is(err, ekind.ErrKeyExists) {
		return nil
	}
	return err
}

// remove deletes key's derived secondary entry within t, if primaryValue
// derives one.
func (sec *SecondaryDatabase) remove(t *txn.Txn, primaryKey, primaryValue []byte) error {
	secKey, ok := sec.keyOf(primaryKey, primaryValue)
	if !ok {
		return nil
	}
	err := t.Delete(sec.db.tree, secKey, primaryKey)
	if err != nil && errors.Is(err, ekind.ErrNotFound) {
		return nil
	}
	return err
}

// Get looks up primaryKey's first match under secKey in the secondary and
// returns the primary record's value, dereferencing into the primary
// database. ErrSecondaryCorrupt surfaces if the secondary references a
// primary key that is no longer present.
func (sec *SecondaryDatabase) Get(tx *Transaction, secKey []byte) ([]byte, []byte, error) {
	primaryKey, err := sec.db.Get(tx, secKey)
	if err != nil {
		return nil, nil, err
	}
	value, err := sec.primary.Get(tx, primaryKey)
	if err != nil {
		if errors.Is(err, ekind.ErrNotFound) {
			return nil, nil, ekind.ErrSecondaryCorrupt
		}
		return nil, nil, err
	}
	return primaryKey, value, nil
}

// OpenCursor opens a navigation cursor directly over the secondary's own
// key set (secondary keys mapping to primary keys), for callers that want
// to enumerate matches rather than fetch a single one.
func (sec *SecondaryDatabase) OpenCursor(tx *Transaction) (*Cursor, error) {
	return sec.db.OpenCursor(tx)
}

// Close closes the secondary's own database handle and stops propagating
// primary writes into it.
func (sec *SecondaryDatabase) Close() error {
	primary := sec.primary
	primary.secMu.Lock()
	for i, s := range primary.secondaries {
		if s == sec {
			primary.secondaries = append(primary.secondaries[:i], primary.secondaries[i+1:]...)
			break
		}
	}
	primary.secMu.Unlock()

	if sec.foreignKeyDB != nil {
		fk := sec.foreignKeyDB
		fk.fkMu.Lock()
		for i, s := range fk.fkDependents {
			if s == sec {
				fk.fkDependents = append(fk.fkDependents[:i], fk.fkDependents[i+1:]...)
				break
			}
		}
		fk.fkMu.Unlock()
	}

	return sec.db.Close()
}

// enforceDelete applies sec's ForeignKeyDeleteAction to every primary
// record indexed under foreignKey, within t, the same transaction as the
// delete from sec.foreignKeyDB that triggered it. It is a no-op if no
// primary record currently references foreignKey.
func (sec *SecondaryDatabase) enforceDelete(t *txn.Txn, foreignKey []byte) error {
	referencing, err := sec.referencingPrimaryKeys(t, foreignKey)
	if err != nil {
		return err
	}
	if len(referencing) == 0 {
		return nil
	}
	if sec.foreignKeyAction == ForeignKeyAbort {
		return ekind.ErrForeignKeyConstraint
	}

	for _, primaryKey := range referencing {
		switch sec.foreignKeyAction {
		case ForeignKeyCascade:
			if err := sec.primary.deleteWithin(t, primaryKey); err != nil && !errors.Is(err, ekind.ErrNotFound) {
				return err
			}
		case ForeignKeyNullify:
			value, gerr := t.Get(sec.primary.tree, primaryKey)
			if gerr != nil {
				if errors.Is(gerr, ekind.ErrNotFound) {
					continue
				}
				return gerr
			}
			newValue := sec.nullifier(foreignKey, primaryKey, value.Value)
			if _, perr := t.Put(sec.primary.tree, primaryKey, newValue, false, false, false); perr != nil {
				return perr
			}
			if err := sec.primary.propagatePut(t, primaryKey, value.Value, newValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// referencingPrimaryKeys collects every primary key currently indexed
// under foreignKey in sec, reading the whole duplicate set into memory
// up front: the actions enforceDelete applies (cascading deletes,
// nullifying rewrites) mutate sec's own duplicate set as they run, so a
// cursor positioned mid-walk over it cannot be trusted to survive them.
func (sec *SecondaryDatabase) referencingPrimaryKeys(t *txn.Txn, foreignKey []byte) ([][]byte, error) {
	c := cursor.Open(sec.db.tree, t.Locker, sec.db.env.locks, t.ID)
	defer c.Close()

	if err := c.Search(foreignKey, nil, btree.Set); err != nil {
		if errors.Is(err, ekind.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var out [][]byte
	for {
		_, primaryKey, cerr := c.Current()
		if cerr != nil {
			if errors.Is(cerr, ekind.ErrNotFound) {
				if derr := c.NextDup(); derr != nil {
					if errors.Is(derr, ekind.ErrNotFound) {
						return out, nil
					}
					return nil, derr
				}
				continue
			}
			return nil, cerr
		}
		out = append(out, append([]byte(nil), primaryKey...))

		if derr := c.NextDup(); derr != nil {
			if errors.Is(derr, ekind.ErrNotFound) {
				return out, nil
			}
			return nil, derr
		}
	}
}
