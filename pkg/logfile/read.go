package logfile

import (
	"io"
	"os"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
)

// Read fetches and decodes the record at l.
func (m *Manager) Read(l lsn.LSN) (record.Record, error) {
	m.mu.Lock()
	if l.FileNum == m.curNum && m.curWriter != nil {
		if err := m.curWriter.Flush(); err != nil {
			m.mu.Unlock()
			return record.Record{}, ekind.Wrap(ekind.IO, "flush before read", err)
		}
	}
	m.mu.Unlock()

	f, err := m.fm.openSegmentRead(l.FileNum)
	if err != nil {
		return record.Record{}, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(l.Offset), io.SeekStart); err != nil {
		return record.Record{}, ekind.Wrap(ekind.IO, "seek to record", err)
	}

	header := make([]byte, record.HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return record.Record{}, ekind.Wrap(ekind.LogCorruption, "read record header", err)
	}
	length := headerPayloadLength(header)
	buf := make([]byte, record.HeaderSize+length)
	copy(buf, header)
	if _, err := io.ReadFull(f, buf[record.HeaderSize:]); err != nil {
		return record.Record{}, ekind.Wrap(ekind.LogCorruption, "read record payload", err)
	}
	rec, _, err := record.Decode(buf)
	return rec, err
}

func headerPayloadLength(header []byte) int {
	return int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
}

// Entry pairs a decoded record with its LSN, for iteration callbacks.
type Entry struct {
	LSN    lsn.LSN
	Record record.Record
}

// Iterate walks records in file order starting at from, invoking fn for
// each. fn returns false to stop early. Iterate is restartable from any
// LSN (spec §4.1).
func (m *Manager) Iterate(from lsn.LSN, fn func(Entry) (bool, error)) error {
	m.mu.Lock()
	if m.curWriter != nil {
		_ = m.curWriter.Flush()
	}
	m.mu.Unlock()

	nums, err := m.fm.segmentNumbers()
	if err != nil {
		return err
	}
	for _, num := range nums {
		if num < from.FileNum {
			continue
		}
		startOffset := uint64(0)
		if num == from.FileNum {
			startOffset = from.Offset
		}
		cont, err := m.iterateFile(num, startOffset, fn)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *Manager) iterateFile(num uint64, startOffset uint64, fn func(Entry) (bool, error)) (bool, error) {
	f, err := m.fm.openSegmentRead(num)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(startOffset), io.SeekStart); err != nil {
		return false, ekind.Wrap(ekind.IO, "seek to iteration start", err)
	}

	offset := startOffset
	header := make([]byte, record.HeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return true, nil
			}
			return false, ekind.Wrap(ekind.LogCorruption, "read record header during iteration", err)
		}
		length := headerPayloadLength(header)
		buf := make([]byte, record.HeaderSize+length)
		copy(buf, header)
		if _, err := io.ReadFull(f, buf[record.HeaderSize:]); err != nil {
			return false, ekind.Wrap(ekind.LogCorruption, "read record payload during iteration", err)
		}
		rec, n, err := record.Decode(buf)
		if err != nil {
			return false, err
		}
		cont, err := fn(Entry{LSN: lsn.LSN{FileNum: num, Offset: offset}, Record: rec})
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
		offset += uint64(n)
	}
}

// ReverseIterate walks backward through the previous-offset chain within a
// single segment file starting at from, invoking fn for each record. It
// stops at the first record in the file (PrevOffset == 0 and offset == 0)
// or when fn returns false.
func (m *Manager) ReverseIterate(from lsn.LSN, fn func(Entry) (bool, error)) error {
	m.mu.Lock()
	if from.FileNum == m.curNum && m.curWriter != nil {
		_ = m.curWriter.Flush()
	}
	m.mu.Unlock()

	f, err := m.fm.openSegmentRead(from.FileNum)
	if err != nil {
		return err
	}
	defer f.Close()

	offset := from.Offset
	for {
		rec, prevOffset, err := readAt(f, offset)
		if err != nil {
			return err
		}
		cont, err := fn(Entry{LSN: lsn.LSN{FileNum: from.FileNum, Offset: offset}, Record: rec})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		if offset == 0 {
			return nil
		}
		offset = prevOffset
	}
}

func readAt(f *os.File, offset uint64) (record.Record, uint64, error) {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return record.Record{}, 0, ekind.Wrap(ekind.IO, "seek for reverse iteration", err)
	}
	header := make([]byte, record.HeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return record.Record{}, 0, ekind.Wrap(ekind.LogCorruption, "read record header", err)
	}
	length := headerPayloadLength(header)
	buf := make([]byte, record.HeaderSize+length)
	copy(buf, header)
	if _, err := io.ReadFull(f, buf[record.HeaderSize:]); err != nil {
		return record.Record{}, 0, ekind.Wrap(ekind.LogCorruption, "read record payload", err)
	}
	rec, _, err := record.Decode(buf)
	if err != nil {
		return record.Record{}, 0, err
	}
	return rec, rec.Header.PrevOffset, nil
}
