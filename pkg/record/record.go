/*
Package record defines the on-disk framing of a single log entry: a fixed,
checksummed header followed by a type-specific payload (spec §6).

Header layout (36 bytes, big-endian):

	magic(1) type(1) flags(1) reserved(1) length(4) entryID(8) txnID(8) prevOffset(8) checksum(4)

checksum is CRC-32 (IEEE) over every preceding header byte plus the
payload; the exact algorithm is an implementer's choice per spec.md's
Open Questions (format compatibility with any prior system is a
non-goal).
*/
package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cuemby/logkv/pkg/ekind"
)

// Magic is the first byte of every record header.
const Magic byte = 0xB7

// HeaderSize is the fixed size, in bytes, of every record header.
const HeaderSize = 1 + 1 + 1 + 1 + 4 + 8 + 8 + 8 + 4

// Type tags the payload that follows a header.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeIN
	TypeBIN
	TypeDIN
	TypeDBIN
	TypeLN
	TypeDupCountLN
	TypeNameLN
	TypeFileSummaryLN
	TypeRoot
	TypeBINDelta
	TypeTxnBegin
	TypeTxnCommit
	TypeTxnAbort
	TypeTxnPrepare
	TypeCheckpointStart
	TypeCheckpointEnd
)

func (t Type) String() string {
	names := map[Type]string{
		TypeIN:              "IN",
		TypeBIN:             "BIN",
		TypeDIN:             "DIN",
		TypeDBIN:            "DBIN",
		TypeLN:              "LN",
		TypeDupCountLN:      "DupCountLN",
		TypeNameLN:          "NameLN",
		TypeFileSummaryLN:   "FileSummaryLN",
		TypeRoot:            "Root",
		TypeBINDelta:        "BINDelta",
		TypeTxnBegin:        "TxnBegin",
		TypeTxnCommit:       "TxnCommit",
		TypeTxnAbort:        "TxnAbort",
		TypeTxnPrepare:      "TxnPrepare",
		TypeCheckpointStart: "CheckpointStart",
		TypeCheckpointEnd:   "CheckpointEnd",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "Invalid"
}

// IsNodeImage reports whether t is one of the node-image record types that
// the structural-modification protocol treats as candidates for the
// provisional flag.
func (t Type) IsNodeImage() bool {
	switch t {
	case TypeIN, TypeBIN, TypeDIN, TypeDBIN, TypeLN, TypeDupCountLN:
		return true
	default:
		return false
	}
}

// flag bits within the header's flags byte.
const (
	flagProvisional byte = 1 << 0
)

// Header is the fixed-size prefix of every log record.
type Header struct {
	Type        Type
	Provisional bool
	Length      uint32
	EntryID     uint64
	TxnID       uint64 // zero for non-transactional records
	PrevOffset  uint64 // offset, within the same file, of the previous record; 0 if none
	Checksum    uint32
}

// Record is a fully decoded log entry.
type Record struct {
	Header  Header
	Payload []byte
}

// Encode serializes r into its on-disk byte form, computing and filling in
// the checksum.
func Encode(r Record) []byte {
	buf := make([]byte, HeaderSize+len(r.Payload))
	buf[0] = Magic
	buf[1] = byte(r.Header.Type)
	var flags byte
	if r.Header.Provisional {
		flags |= flagProvisional
	}
	buf[2] = flags
	buf[3] = 0 // reserved
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(r.Payload)))
	binary.BigEndian.PutUint64(buf[8:16], r.Header.EntryID)
	binary.BigEndian.PutUint64(buf[16:24], r.Header.TxnID)
	binary.BigEndian.PutUint64(buf[24:32], r.Header.PrevOffset)
	copy(buf[HeaderSize:], r.Payload)
	sum := checksum(buf[:32], r.Payload)
	binary.BigEndian.PutUint32(buf[32:36], sum)
	return buf
}

// checksum computes a single CRC-32 (IEEE) over the first 32 header bytes
// (everything before the checksum field) followed by the payload.
func checksum(header32 []byte, payload []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(header32)
	_, _ = h.Write(payload)
	return h.Sum32()
}

// Decode parses a single record out of buf, which must contain at least
// HeaderSize bytes. It returns the record, the total number of bytes
// consumed (HeaderSize+payload length), and an error if the checksum or
// framing is invalid.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, ekind.Wrap(ekind.LogCorruption, "truncated record header", nil)
	}
	if buf[0] != Magic {
		return Record{}, 0, ekind.New(ekind.LogCorruption, "bad magic byte")
	}
	typ := Type(buf[1])
	flags := buf[2]
	length := binary.BigEndian.Uint32(buf[4:8])
	entryID := binary.BigEndian.Uint64(buf[8:16])
	txnID := binary.BigEndian.Uint64(buf[16:24])
	prevOffset := binary.BigEndian.Uint64(buf[24:32])
	wantSum := binary.BigEndian.Uint32(buf[32:36])

	total := HeaderSize + int(length)
	if len(buf) < total {
		return Record{}, 0, ekind.Wrap(ekind.LogCorruption, "truncated record payload", nil)
	}
	payload := buf[HeaderSize:total]

	gotSum := checksum(buf[:32], payload)
	if gotSum != wantSum {
		return Record{}, 0, ekind.New(ekind.LogCorruption, fmt.Sprintf("checksum mismatch: want %#x got %#x", wantSum, gotSum))
	}

	r := Record{
		Header: Header{
			Type:        typ,
			Provisional: flags&flagProvisional != 0,
			Length:      length,
			EntryID:     entryID,
			TxnID:       txnID,
			PrevOffset:  prevOffset,
			Checksum:    wantSum,
		},
		Payload: payload,
	}
	return r, total, nil
}
