package btree

import "github.com/cuemby/logkv/pkg/ekind"

// Get looks up a single (non-duplicate-aware) value for key.
func (t *Tree) Get(key []byte, owner uint64) (*LNValue, error) {
	res, err := t.Search(key, nil, Set, false, owner)
	if err != nil {
		return nil, err
	}
	defer t.Unlatch(res, false, owner)
	if !res.Found {
		return nil, ekind.ErrNotFound
	}
	e := res.BIN.Entries[res.Index]
	if e.KnownDeleted || e.HasDuplicates {
		return nil, ekind.ErrNotFound
	}
	v, err := t.FetchLN(e)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, ekind.ErrNotFound
	}
	return v, nil
}

// GetBoth looks up a specific (key, data) duplicate pair.
func (t *Tree) GetBoth(key, data []byte, owner uint64) (*LNValue, error) {
	res, err := t.Search(key, data, Both, false, owner)
	if err != nil {
		return nil, err
	}
	defer t.Unlatch(res, false, owner)
	if !res.Found || res.DBIN == nil {
		return nil, ekind.ErrNotFound
	}
	e := res.DBIN.Entries[res.DupIndex]
	if e.KnownDeleted {
		return nil, ekind.ErrNotFound
	}
	return t.FetchLN(e)
}

// Count returns the number of live duplicates for key, or 1 for a plain
// key with no duplicate subtree, or 0 if the key is absent.
func (t *Tree) Count(key []byte, owner uint64) (uint64, error) {
	res, err := t.Search(key, nil, Set, false, owner)
	if err != nil {
		return 0, err
	}
	defer t.Unlatch(res, false, owner)
	if !res.Found {
		return 0, nil
	}
	e := res.BIN.Entries[res.Index]
	if e.KnownDeleted {
		return 0, nil
	}
	if !e.HasDuplicates {
		return 1, nil
	}
	if res.DIN != nil && res.DIN.DupCount != nil {
		return res.DIN.DupCount.Count, nil
	}
	return 0, nil
}
