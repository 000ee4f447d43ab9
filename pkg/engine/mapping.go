package engine

import (
	"encoding/binary"

	"github.com/cuemby/logkv/pkg/ekind"
)

// mappingDatabaseID is the reserved id of the environment's name directory:
// an ordinary *btree.Tree, keyed by database name, whose LN values record
// each database's id and creation-time flags. Keeping the directory as a
// plain tree rather than a bespoke on-disk structure means it is
// recovered by exactly the same root-pointer/checkpoint machinery as every
// user database (spec.md's "create the mapping database ... on initial-
// create" is this tree; see DESIGN.md for why a separate persisted
// utilization database was not built alongside it).
const mappingDatabaseID uint64 = 0

// firstUserDatabaseID is the lowest id ever handed to a user-created
// database; ids below it are reserved (today, only mappingDatabaseID).
const firstUserDatabaseID uint64 = 1

// dirEntry is the mapping tree's LN payload for one database.
type dirEntry struct {
	ID              uint64
	AllowDuplicates bool
	NodeMaxEntries  uint32
	Secondary       bool
}

func encodeDirEntry(e dirEntry) []byte {
	buf := make([]byte, 8+1+4+1)
	binary.BigEndian.PutUint64(buf[0:8], e.ID)
	if e.AllowDuplicates {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], e.NodeMaxEntries)
	if e.Secondary {
		buf[13] = 1
	}
	return buf
}

func decodeDirEntry(buf []byte) (dirEntry, error) {
	if len(buf) < 14 {
		return dirEntry{}, ekind.New(ekind.LogCorruption, "directory entry payload too short")
	}
	return dirEntry{
		ID:              binary.BigEndian.Uint64(buf[0:8]),
		AllowDuplicates: buf[8] == 1,
		NodeMaxEntries:  binary.BigEndian.Uint32(buf[9:13]),
		Secondary:       buf[13] == 1,
	}, nil
}

// lookupDirEntry reads name's directory entry, if any, using the fixed
// mapping-owner token (directory reads/writes are never user-transactional:
// the handle lock serializes concurrent opens/creates/removes instead).
func (env *Environment) lookupDirEntry(name string) (dirEntry, bool, error) {
	v, err := env.mapping.Get([]byte(name), mappingOwnerID)
	if err != nil {
		if ekind.KindOf(err) == ekind.NotFound {
			return dirEntry{}, false, nil
		}
		return dirEntry{}, false, err
	}
	e, derr := decodeDirEntry(v.Value)
	if derr != nil {
		return dirEntry{}, false, derr
	}
	return e, true, nil
}

func (env *Environment) putDirEntry(name string, e dirEntry) error {
	if _, err := env.mapping.Insert([]byte(name), encodeDirEntry(e), 0, false, false, false, mappingOwnerID); err != nil {
		return err
	}
	_, err := env.mapping.LogRoot(0)
	return err
}

func (env *Environment) removeDirEntry(name string) error {
	if err := env.mapping.Delete([]byte(name), nil, 0, mappingOwnerID); err != nil {
		return err
	}
	_, err := env.mapping.LogRoot(0)
	return err
}

// renameDirEntry moves name's entry to newName, preserving its id and
// flags.
func (env *Environment) renameDirEntry(name, newName string) error {
	e, ok, err := env.lookupDirEntry(name)
	if err != nil {
		return err
	}
	if !ok {
		return ekind.New(ekind.DatabaseNotFound, "database not found: "+name)
	}
	if err := env.putDirEntry(newName, e); err != nil {
		return err
	}
	return env.removeDirEntry(name)
}

// ListDatabases returns the name of every database currently recorded in
// the environment's directory, for spec §6's getDatabaseNames.
func (env *Environment) ListDatabases() ([]string, error) {
	entries, err := env.listDirEntries()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	return names, nil
}

// listDirEntries walks the mapping tree in full, for Environment.Verify,
// ListDatabases, and for seeding the next database id on reopen.
func (env *Environment) listDirEntries() (map[string]dirEntry, error) {
	out := make(map[string]dirEntry)
	c := env.newRawCursor(env.mapping)
	defer c.Close()
	for err := c.First(); err == nil; {
		key, value, cerr := c.Current()
		if cerr != nil {
			err = c.Next()
			continue
		}
		e, derr := decodeDirEntry(value)
		if derr != nil {
			return nil, derr
		}
		out[string(key)] = e
		err = c.Next()
	}
	return out, nil
}
