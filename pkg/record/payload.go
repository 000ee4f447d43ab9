package record

import (
	"encoding/binary"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lsn"
)

// CheckpointEnd is the payload of a checkpoint-end record (spec §6).
type CheckpointEnd struct {
	Invoker         string
	EndTimeUnixNano int64
	CheckpointStart lsn.LSN
	RootLSN         lsn.LSN // root LSN of the last tree whose root moved; Null if none moved
	HasRoot         bool
	FirstActiveLSN  lsn.LSN
	LastNodeID      uint64
	LastDatabaseID  uint64
	LastTxnID       uint64
	CheckpointID    uint64
}

// EncodeCheckpointEnd serializes a CheckpointEnd payload.
func EncodeCheckpointEnd(c CheckpointEnd) []byte {
	invoker := []byte(c.Invoker)
	buf := make([]byte, 2+len(invoker)+8+16+1+16+16+8+8+8+8)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(invoker)))
	off += 2
	copy(buf[off:], invoker)
	off += len(invoker)
	binary.BigEndian.PutUint64(buf[off:], uint64(c.EndTimeUnixNano))
	off += 8
	off = putLSN(buf, off, c.CheckpointStart)
	if c.HasRoot {
		buf[off] = 1
	}
	off++
	off = putLSN(buf, off, c.RootLSN)
	off = putLSN(buf, off, c.FirstActiveLSN)
	binary.BigEndian.PutUint64(buf[off:], c.LastNodeID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], c.LastDatabaseID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], c.LastTxnID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], c.CheckpointID)
	off += 8
	return buf[:off]
}

// DecodeCheckpointEnd parses a CheckpointEnd payload.
func DecodeCheckpointEnd(buf []byte) (CheckpointEnd, error) {
	if len(buf) < 2 {
		return CheckpointEnd{}, ekind.New(ekind.LogCorruption, "checkpoint-end payload too short")
	}
	off := 0
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+n {
		return CheckpointEnd{}, ekind.New(ekind.LogCorruption, "checkpoint-end invoker truncated")
	}
	invoker := string(buf[off : off+n])
	off += n
	if len(buf) < off+8 {
		return CheckpointEnd{}, ekind.New(ekind.LogCorruption, "checkpoint-end truncated")
	}
	endTime := int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	var c CheckpointEnd
	c.Invoker = invoker
	c.EndTimeUnixNano = endTime
	c.CheckpointStart, off = getLSN(buf, off)
	c.HasRoot = buf[off] == 1
	off++
	c.RootLSN, off = getLSN(buf, off)
	c.FirstActiveLSN, off = getLSN(buf, off)
	c.LastNodeID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	c.LastDatabaseID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	c.LastTxnID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	c.CheckpointID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	return c, nil
}

// FileSummary is the per-file utilization summary persisted by a
// file-summary-LN record (spec §6).
type FileSummary struct {
	FileNum         uint64
	TotalCount      uint32
	TotalSize       uint32
	INCount         uint32
	INSize          uint32
	LNCount         uint32
	LNSize          uint32
	Reserved        uint32
	ObsoleteLNCount uint32
}

// EncodeFileSummary serializes a FileSummary payload: the file-number key
// (8 bytes big-endian) followed by the fixed 32-bit fields.
func EncodeFileSummary(fs FileSummary) []byte {
	buf := make([]byte, 8+8*4)
	binary.BigEndian.PutUint64(buf[0:8], fs.FileNum)
	binary.BigEndian.PutUint32(buf[8:12], fs.TotalCount)
	binary.BigEndian.PutUint32(buf[12:16], fs.TotalSize)
	binary.BigEndian.PutUint32(buf[16:20], fs.INCount)
	binary.BigEndian.PutUint32(buf[20:24], fs.INSize)
	binary.BigEndian.PutUint32(buf[24:28], fs.LNCount)
	binary.BigEndian.PutUint32(buf[28:32], fs.LNSize)
	binary.BigEndian.PutUint32(buf[32:36], fs.Reserved)
	binary.BigEndian.PutUint32(buf[36:40], fs.ObsoleteLNCount)
	return buf
}

// DecodeFileSummary parses a FileSummary payload.
func DecodeFileSummary(buf []byte) (FileSummary, error) {
	if len(buf) < 40 {
		return FileSummary{}, ekind.New(ekind.LogCorruption, "file-summary payload too short")
	}
	return FileSummary{
		FileNum:         binary.BigEndian.Uint64(buf[0:8]),
		TotalCount:      binary.BigEndian.Uint32(buf[8:12]),
		TotalSize:       binary.BigEndian.Uint32(buf[12:16]),
		INCount:         binary.BigEndian.Uint32(buf[16:20]),
		INSize:          binary.BigEndian.Uint32(buf[20:24]),
		LNCount:         binary.BigEndian.Uint32(buf[24:28]),
		LNSize:          binary.BigEndian.Uint32(buf[28:32]),
		Reserved:        binary.BigEndian.Uint32(buf[32:36]),
		ObsoleteLNCount: binary.BigEndian.Uint32(buf[36:40]),
	}, nil
}

func putLSN(buf []byte, off int, l lsn.LSN) int {
	binary.BigEndian.PutUint64(buf[off:], l.FileNum)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], l.Offset)
	off += 8
	return off
}

func getLSN(buf []byte, off int) (lsn.LSN, int) {
	l := lsn.LSN{
		FileNum: binary.BigEndian.Uint64(buf[off:]),
		Offset:  binary.BigEndian.Uint64(buf[off+8:]),
	}
	return l, off + 16
}
