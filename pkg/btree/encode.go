package btree

import (
	"encoding/binary"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lsn"
)

const (
	entryFlagHasDuplicates byte = 1 << 0
	entryFlagKnownDeleted  byte = 1 << 1
)

// EncodeNode serializes a node's structural image: level, entry count, and
// per-entry (key, child id, child LSN, flags). Resident LN/Child pointers
// are not part of the on-log image — only the references are, per the
// fetch-target-lazily-materializes-the-LN model (spec §3).
//
// Note: this implementation always logs full node images; the BIN-delta
// record type (record.TypeBINDelta) is defined but is
// never produced by the checkpointer or evictor, so a checkpoint never
// has outstanding deltas to disallow (spec invariant 7) — see DESIGN.md.
func EncodeNode(n *Node) []byte {
	buf := make([]byte, 0, nodeOverhead+len(n.Entries)*entryOverhead)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(n.Level))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(n.Entries)))
	buf = append(buf, hdr[:]...)

	for _, e := range n.Entries {
		var klen [4]byte
		binary.BigEndian.PutUint32(klen[:], uint32(len(e.Key)))
		buf = append(buf, klen[:]...)
		buf = append(buf, e.Key...)

		var rest [8 + 16 + 1]byte
		binary.BigEndian.PutUint64(rest[0:8], e.ChildID)
		binary.BigEndian.PutUint64(rest[8:16], e.ChildLSN.FileNum)
		binary.BigEndian.PutUint64(rest[16:24], e.ChildLSN.Offset)
		var flags byte
		if e.HasDuplicates {
			flags |= entryFlagHasDuplicates
		}
		if e.KnownDeleted {
			flags |= entryFlagKnownDeleted
		}
		rest[24] = flags
		buf = append(buf, rest[:]...)
	}

	if n.Kind == KindDIN {
		if n.DupCount != nil {
			buf = append(buf, 1)
			var dc [8 + 8 + 16]byte
			binary.BigEndian.PutUint64(dc[0:8], n.DupCount.NodeID)
			binary.BigEndian.PutUint64(dc[8:16], n.DupCount.Count)
			binary.BigEndian.PutUint64(dc[16:24], n.DupCount.LSN.FileNum)
			binary.BigEndian.PutUint64(dc[24:32], n.DupCount.LSN.Offset)
			buf = append(buf, dc[:]...)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodeNode reconstructs a node's structural fields (not its resident
// pointers) from a logged image.
func DecodeNode(nodeID uint64, kind Kind, buf []byte) (*Node, error) {
	if len(buf) < 8 {
		return nil, ekind.New(ekind.LogCorruption, "node image too short")
	}
	level := int(binary.BigEndian.Uint32(buf[0:4]))
	count := int(binary.BigEndian.Uint32(buf[4:8]))
	off := 8

	n := newNode(nodeID, kind, level)
	n.Dirty = false
	n.Entries = make([]*Entry, 0, count)

	for i := 0; i < count; i++ {
		if len(buf) < off+4 {
			return nil, ekind.New(ekind.LogCorruption, "node image entry key length truncated")
		}
		klen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf) < off+klen {
			return nil, ekind.New(ekind.LogCorruption, "node image entry key truncated")
		}
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen

		if len(buf) < off+25 {
			return nil, ekind.New(ekind.LogCorruption, "node image entry fixed fields truncated")
		}
		childID := binary.BigEndian.Uint64(buf[off : off+8])
		childLSN := lsn.LSN{
			FileNum: binary.BigEndian.Uint64(buf[off+8 : off+16]),
			Offset:  binary.BigEndian.Uint64(buf[off+16 : off+24]),
		}
		flags := buf[off+24]
		off += 25

		n.Entries = append(n.Entries, &Entry{
			Key:           key,
			ChildID:       childID,
			ChildLSN:      childLSN,
			HasDuplicates: flags&entryFlagHasDuplicates != 0,
			KnownDeleted:  flags&entryFlagKnownDeleted != 0,
		})
	}

	if kind == KindDIN {
		if len(buf) < off+1 {
			return nil, ekind.New(ekind.LogCorruption, "node image dup-count presence flag truncated")
		}
		has := buf[off] == 1
		off++
		if has {
			if len(buf) < off+32 {
				return nil, ekind.New(ekind.LogCorruption, "node image dup-count truncated")
			}
			n.DupCount = &DupCount{
				NodeID: binary.BigEndian.Uint64(buf[off : off+8]),
				Count:  binary.BigEndian.Uint64(buf[off+8 : off+16]),
				LSN: lsn.LSN{
					FileNum: binary.BigEndian.Uint64(buf[off+16 : off+24]),
					Offset:  binary.BigEndian.Uint64(buf[off+24 : off+32]),
				},
			}
			off += 32
		}
	}
	return n, nil
}

// EncodeLN serializes a leaf value: a one-byte deleted flag followed by the
// raw value bytes.
func EncodeLN(v *LNValue) []byte {
	buf := make([]byte, 1+len(v.Value))
	if v.Deleted {
		buf[0] = 1
	}
	copy(buf[1:], v.Value)
	return buf
}

// DecodeLN parses a leaf value payload.
func DecodeLN(nodeID uint64, l lsn.LSN, buf []byte) (*LNValue, error) {
	if len(buf) < 1 {
		return nil, ekind.New(ekind.LogCorruption, "LN payload too short")
	}
	return &LNValue{
		NodeID:  nodeID,
		Value:   append([]byte(nil), buf[1:]...),
		LSN:     l,
		Deleted: buf[0] == 1,
	}, nil
}

// EncodeDupCountLN serializes a duplicate count leaf record.
func EncodeDupCountLN(count uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	return buf[:]
}

// DecodeDupCountLN parses a duplicate count leaf record.
func DecodeDupCountLN(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, ekind.New(ekind.LogCorruption, "dup-count payload too short")
	}
	return binary.BigEndian.Uint64(buf), nil
}

// RootPayload is the payload of a TypeRoot record: which database's tree
// the record belongs to (the log is shared across every database in the
// environment, per Tree's package doc) and that tree's current root node
// id, kind, and LSN. DatabaseID/RootKind were added alongside
// pkg/recovery: without them a root record found by log replay alone
// cannot be attributed to a tree or decoded (DecodeNode needs a Kind).
type RootPayload struct {
	DatabaseID uint64
	RootNodeID uint64
	RootKind   Kind
	RootLSN    lsn.LSN
}

// EncodeRoot serializes a RootPayload.
func EncodeRoot(r RootPayload) []byte {
	buf := make([]byte, 33)
	binary.BigEndian.PutUint64(buf[0:8], r.DatabaseID)
	binary.BigEndian.PutUint64(buf[8:16], r.RootNodeID)
	buf[16] = byte(r.RootKind)
	binary.BigEndian.PutUint64(buf[17:25], r.RootLSN.FileNum)
	binary.BigEndian.PutUint64(buf[25:33], r.RootLSN.Offset)
	return buf
}

// DecodeRoot parses a RootPayload.
func DecodeRoot(buf []byte) (RootPayload, error) {
	if len(buf) < 33 {
		return RootPayload{}, ekind.New(ekind.LogCorruption, "root payload too short")
	}
	return RootPayload{
		DatabaseID: binary.BigEndian.Uint64(buf[0:8]),
		RootNodeID: binary.BigEndian.Uint64(buf[8:16]),
		RootKind:   Kind(buf[16]),
		RootLSN: lsn.LSN{
			FileNum: binary.BigEndian.Uint64(buf[17:25]),
			Offset:  binary.BigEndian.Uint64(buf[25:33]),
		},
	}, nil
}
