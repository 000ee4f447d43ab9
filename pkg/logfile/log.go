package logfile

import (
	"bufio"
	"os"
	"sync"

	"github.com/cuemby/logkv/pkg/ekind"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
)

// Durability selects the fsync policy applied when a record is appended
// (spec §4.8's SYNC / NO_SYNC / WRITE_NO_SYNC commit flags).
type Durability int

const (
	// NoSync buffers the write in memory; it is fsynced only by a later
	// Sync append or explicit Sync. A file rotation writes it to the OS
	// without an fsync.
	NoSync Durability = iota
	// WriteNoSync flushes to the OS but does not fsync.
	WriteNoSync
	// Sync fsyncs before Append returns.
	Sync
)

// Config configures the log manager.
type Config struct {
	// LogFileMax is the target segment size in bytes; a new segment begins
	// once the current one would exceed it.
	LogFileMax uint64
	// ReadBufferSize sizes the write buffer of the current segment.
	ReadBufferSize int
}

func (c Config) withDefaults() Config {
	if c.LogFileMax == 0 {
		c.LogFileMax = 10 << 20 // 10MiB
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 64 << 10
	}
	return c
}

// Manager is the Log Manager: the append-only record log across numbered
// segment files. All appends serialize under a single write latch, which
// defines the total LSN order (spec §4.1).
type Manager struct {
	fm       *fileManager
	cfg      Config
	readOnly bool

	mu          sync.Mutex // the write latch
	curNum      uint64
	curFile     *os.File
	curWriter   *bufio.Writer
	curOffset   uint64
	lastOffset  uint64
	nextEntryID uint64
	closed      bool
}

// Open opens (or creates) the log manager rooted at dir. If allowCreate is
// false and no segment files exist, Open fails with DatabaseNotFound. A
// fresh writable session always begins a new segment file on top of
// whatever already exists, so that resuming never needs to re-derive the
// previous-offset chain of a partially written file; recovery is
// responsible for replaying everything that came before.
func Open(dir string, cfg Config, readOnly, allowCreate bool) (*Manager, error) {
	cfg = cfg.withDefaults()
	fm, err := openFileManager(dir, readOnly)
	if err != nil {
		return nil, err
	}
	nums, err := fm.segmentNumbers()
	if err != nil {
		fm.close()
		return nil, err
	}

	m := &Manager{fm: fm, cfg: cfg, readOnly: readOnly, nextEntryID: 1}

	switch {
	case len(nums) == 0:
		if !allowCreate {
			fm.close()
			return nil, ekind.New(ekind.DatabaseNotFound, "no environment found and allowCreate is false")
		}
		if readOnly {
			fm.close()
			return nil, ekind.New(ekind.ReadOnlyViolation, "cannot create a new environment read-only")
		}
		m.curNum = 0
		f, err := fm.createSegment(0)
		if err != nil {
			fm.close()
			return nil, err
		}
		m.curFile = f
		m.curWriter = bufio.NewWriterSize(f, cfg.ReadBufferSize)
	case readOnly:
		m.curNum = nums[len(nums)-1]
		f, err := fm.openSegmentRead(m.curNum)
		if err != nil {
			fm.close()
			return nil, err
		}
		size, err := fm.fileSize(m.curNum)
		if err != nil {
			f.Close()
			fm.close()
			return nil, err
		}
		m.curFile = f
		m.curOffset = uint64(size)
	default:
		m.curNum = nums[len(nums)-1] + 1
		f, err := fm.createSegment(m.curNum)
		if err != nil {
			fm.close()
			return nil, err
		}
		m.curFile = f
		m.curWriter = bufio.NewWriterSize(f, cfg.ReadBufferSize)
	}
	return m, nil
}

// SetNextEntryID is called once by recovery after scanning existing
// segments, so that new entry ids continue monotonically.
func (m *Manager) SetNextEntryID(next uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next > m.nextEntryID {
		m.nextEntryID = next
	}
}

// CurrentFileNum returns the segment file number currently being appended to.
func (m *Manager) CurrentFileNum() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curNum
}

// Append writes rec to the end of the log under the write latch, assigning
// its LSN and entry id, and returns the LSN. provisional and txnID are
// folded into rec.Header before encoding.
func (m *Manager) Append(rec record.Record, durability Durability) (lsn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readOnly {
		return lsn.Null, ekind.New(ekind.ReadOnlyViolation, "append on read-only log manager")
	}
	if m.closed {
		return lsn.Null, ekind.New(ekind.RunRecovery, "log manager is closed")
	}

	buf := record.Encode(record.Record{
		Header: record.Header{
			Type:        rec.Header.Type,
			Provisional: rec.Header.Provisional,
			EntryID:     m.nextEntryID,
			TxnID:       rec.Header.TxnID,
			PrevOffset:  m.lastOffset,
		},
		Payload: rec.Payload,
	})

	if m.curOffset > 0 && m.curOffset+uint64(len(buf)) > m.cfg.LogFileMax {
		if err := m.rotateLocked(); err != nil {
			return lsn.Null, err
		}
	}

	n, err := m.curWriter.Write(buf)
	if err != nil {
		return lsn.Null, ekind.Wrap(ekind.IO, "append record", err)
	}

	result := lsn.LSN{FileNum: m.curNum, Offset: m.curOffset}
	m.lastOffset = m.curOffset
	m.curOffset += uint64(n)
	m.nextEntryID++

	if err := m.flushLocked(durability); err != nil {
		return lsn.Null, err
	}
	return result, nil
}

func (m *Manager) rotateLocked() error {
	if err := m.curWriter.Flush(); err != nil {
		return ekind.Wrap(ekind.IO, "flush segment before rotation", err)
	}
	if err := m.curFile.Close(); err != nil {
		return ekind.Wrap(ekind.IO, "close segment before rotation", err)
	}
	m.curNum++
	f, err := m.fm.createSegment(m.curNum)
	if err != nil {
		return err
	}
	m.curFile = f
	m.curWriter = bufio.NewWriterSize(f, m.cfg.ReadBufferSize)
	m.curOffset = 0
	m.lastOffset = 0
	return nil
}

func (m *Manager) flushLocked(durability Durability) error {
	switch durability {
	case Sync:
		if err := m.curWriter.Flush(); err != nil {
			return ekind.Wrap(ekind.IO, "flush segment", err)
		}
		if err := m.curFile.Sync(); err != nil {
			return ekind.Wrap(ekind.IO, "fsync segment", err)
		}
	case WriteNoSync:
		if err := m.curWriter.Flush(); err != nil {
			return ekind.Wrap(ekind.IO, "flush segment", err)
		}
	case NoSync:
		// leave buffered
	}
	return nil
}

// Sync flushes any buffered writes and fsyncs the current segment file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(Sync)
}

// Close flushes, fsyncs, and closes the log manager, releasing the
// exclusive environment lock if one was held.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.curWriter != nil {
		if err := m.curWriter.Flush(); err != nil {
			return ekind.Wrap(ekind.IO, "flush segment on close", err)
		}
	}
	if m.curFile != nil {
		if !m.readOnly {
			m.curFile.Sync()
		}
		m.curFile.Close()
	}
	return m.fm.close()
}

// SegmentNumbers returns every segment file number known to the
// environment directory, ascending.
func (m *Manager) SegmentNumbers() ([]uint64, error) {
	return m.fm.segmentNumbers()
}

// FileSize returns the on-disk size of a segment file.
func (m *Manager) FileSize(fileNum uint64) (int64, error) {
	m.mu.Lock()
	flushErr := m.flushLocked(WriteNoSync)
	m.mu.Unlock()
	if flushErr != nil {
		return 0, flushErr
	}
	return m.fm.fileSize(fileNum)
}

// ReclaimFile deletes or renames-to-.del a fully migrated segment file
// (cleaner, spec §4.6). It must never be the file currently being
// appended to.
func (m *Manager) ReclaimFile(fileNum uint64, remove bool) error {
	m.mu.Lock()
	if fileNum == m.curNum {
		m.mu.Unlock()
		return ekind.New(ekind.InvalidConfig, "cannot reclaim the active segment file")
	}
	m.mu.Unlock()
	return m.fm.reclaim(fileNum, remove)
}

// AcquireReaderLock takes the shared environment lock used to keep
// concurrent read-only processes from running during cleaner file
// reclamation; the returned func releases it.
func (m *Manager) AcquireReaderLock() (func(), error) {
	return m.fm.acquireSharedLock()
}
