// Package wal is a segmented write-ahead log. The write cache only consumes
// the WriteAheadLog contract; LogManager is the file-backed implementation.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
)

// LSN is a log position: segment id and byte offset of a record inside it.
type LSN = pagemanager.LSN

// WriteAheadLog is what the write cache needs from a WAL.
type WriteAheadLog interface {
	// Begin returns the position of the oldest segment still kept.
	Begin() LSN
	// End returns the LSN of the last appended record.
	End() LSN
	Log(recordType RecordType, payload []byte) (LSN, error)
	// Flush makes every appended record durable.
	Flush() error
	FlushedLSN() LSN
	CutAllSegmentsSmallerThan(segment int64) error
}

// RecordType defines the type of a logged operation.
type RecordType byte

const (
	RecordTypePageUpdate RecordType = iota + 1
	RecordTypeNewPage
	RecordTypeCheckpointStart
	RecordTypeCheckpointEnd
)

// Record is one decoded log entry.
type Record struct {
	LSN     LSN
	Type    RecordType
	Payload []byte
}

// record header: length(4) | crc32(4) | type(1)
const recordHeaderSize = 9

// Config holds LogManager tunables.
type Config struct {
	Dir           string        `yaml:"dir"`
	SegmentSize   int64         `yaml:"segment_size"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		SegmentSize:   64 << 20,
		BufferSize:    1 << 20,
		FlushInterval: 100 * time.Millisecond,
	}
}

// LogManager manages the write-ahead log segment files.
type LogManager struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	logFile        *os.File      // Current active segment file handle
	segments       []int64       // Ids of every segment on disk, ascending
	currentSegment int64         // Id of the active segment
	currentOffset  int64         // Bytes in the active segment, buffered bytes included
	buffer         *bytes.Buffer // Records not yet written to the file
	lastLSN        LSN           // LSN of the last appended record
	closed         bool
	closeOnce      sync.Once

	flushedLSN atomic.Pointer[LSN]

	stopChan chan struct{}  // Signals the flusher goroutine to stop
	wg       sync.WaitGroup // Waits for the flusher goroutine
}

var _ WriteAheadLog = (*LogManager)(nil)

// NewLogManager opens the log in cfg.Dir, recovering the tail of the last
// segment, and starts the background flusher.
func NewLogManager(cfg Config, logger *zap.Logger) (*LogManager, error) {
	if cfg.SegmentSize <= 0 || cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("%w: log segment and buffer sizes must be positive", flushmanager.ErrInvalidConfig)
	}
	if cfg.SegmentSize < int64(cfg.BufferSize) {
		return nil, fmt.Errorf("%w: log segment size (%d) must be greater than or equal to buffer size (%d)",
			flushmanager.ErrInvalidConfig, cfg.SegmentSize, cfg.BufferSize)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}

	lm := &LogManager{
		cfg:      cfg,
		logger:   logger.Named("wal"),
		buffer:   bytes.NewBuffer(make([]byte, 0, cfg.BufferSize)),
		stopChan: make(chan struct{}),
	}
	if err := lm.openLatestSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}
	flushed := lm.lastLSN
	lm.flushedLSN.Store(&flushed)

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.Int64("segment", lm.currentSegment),
		zap.Stringer("end", lm.lastLSN))
	return lm, nil
}

func (lm *LogManager) segmentPath(id int64) string {
	return filepath.Join(lm.cfg.Dir, fmt.Sprintf("log_%05d.log", id))
}

func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "log_"), ".log"), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// openLatestSegment finds the newest segment, drops a torn tail record and
// positions the log after the last complete record.
func (lm *LogManager) openLatestSegment() error {
	ids, err := listSegments(lm.cfg.Dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []int64{1}
	}
	lm.segments = ids
	lm.currentSegment = ids[len(ids)-1]

	path := lm.segmentPath(lm.currentSegment)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open/create log segment %s: %w", path, err)
	}

	validEnd := int64(0)
	last := LSN{Segment: lm.currentSegment}
	err = scanSegment(f, lm.currentSegment, func(r Record, end int64) bool {
		last = r.LSN
		validEnd = end
		return true
	})
	if err != nil && !errors.Is(err, errTornRecord) {
		_ = f.Close()
		return err
	}
	if errors.Is(err, errTornRecord) {
		lm.logger.Warn("Dropping torn record at the tail of the log",
			zap.String("segment", path), zap.Int64("validEnd", validEnd))
		if err := f.Truncate(validEnd); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to truncate torn log tail of %s: %w", path, err)
		}
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to seek log segment %s: %w", path, err)
	}
	lm.logFile = f
	lm.currentOffset = validEnd
	lm.lastLSN = last
	return nil
}

var errTornRecord = errors.New("torn log record")

// scanSegment calls fn for each complete record of r. It stops with
// errTornRecord at the first incomplete or corrupted record.
func scanSegment(r io.ReaderAt, segment int64, fn func(rec Record, end int64) bool) error {
	reader := bufio.NewReader(io.NewSectionReader(r, 0, 1<<62))
	var offset int64
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errTornRecord
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		sum := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return errTornRecord
		}
		h := crc32.NewIEEE()
		h.Write(header[8:9])
		h.Write(payload)
		if h.Sum32() != sum {
			return errTornRecord
		}
		end := offset + recordHeaderSize + int64(length)
		rec := Record{LSN: LSN{Segment: segment, Position: offset}, Type: RecordType(header[8]), Payload: payload}
		if !fn(rec, end) {
			return nil
		}
		offset = end
	}
}

func encodeRecord(recordType RecordType, payload []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[8] = byte(recordType)
	copy(buf[recordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[8:]))
	return buf
}

// Log appends a record to the in-memory buffer and returns its LSN. The
// record is durable only after Flush.
func (lm *LogManager) Log(recordType RecordType, payload []byte) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return LSN{}, fmt.Errorf("log manager is closed")
	}

	data := encodeRecord(recordType, payload)
	size := int64(len(data))

	if lm.buffer.Len()+len(data) > lm.cfg.BufferSize {
		if err := lm.flushInternal(); err != nil {
			return LSN{}, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}
	if lm.currentOffset > 0 && lm.currentOffset+size > lm.cfg.SegmentSize {
		if err := lm.rollLogSegment(); err != nil {
			return LSN{}, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	lsn := LSN{Segment: lm.currentSegment, Position: lm.currentOffset}
	lm.buffer.Write(data)
	lm.currentOffset += size
	lm.lastLSN = lsn
	return lsn, nil
}

// flushInternal writes the buffer to the active segment. Caller holds lm.mu.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	if _, err := lm.logFile.Write(lm.buffer.Bytes()); err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	lm.buffer.Reset()
	return nil
}

// rollLogSegment syncs and closes the active segment and opens the next one.
// Caller holds lm.mu.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush buffer before rolling segment: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file before rolling segment: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file %s: %w", lm.segmentPath(lm.currentSegment), err)
	}
	lm.logFile = nil
	// Everything in the closed segment is on disk.
	flushed := lm.lastLSN
	lm.flushedLSN.Store(&flushed)

	next := lm.currentSegment + 1
	f, err := os.OpenFile(lm.segmentPath(next), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", lm.segmentPath(next), err)
	}
	lm.logFile = f
	lm.currentSegment = next
	lm.currentOffset = 0
	lm.segments = append(lm.segments, next)
	lm.logger.Debug("Rolled to new log segment", zap.Int64("segment", next))
	return nil
}

// Flush writes and syncs every buffered record.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	return lm.flushAndSyncLocked()
}

func (lm *LogManager) flushAndSyncLocked() error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	flushed := lm.lastLSN
	lm.flushedLSN.Store(&flushed)
	return nil
}

func (lm *LogManager) FlushedLSN() LSN { return *lm.flushedLSN.Load() }

func (lm *LogManager) Begin() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return LSN{Segment: lm.segments[0]}
}

func (lm *LogManager) End() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastLSN
}

// CutAllSegmentsSmallerThan deletes every segment whose id is below segment.
// The active segment is never removed.
func (lm *LogManager) CutAllSegmentsSmallerThan(segment int64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var kept, removed []int64
	for i, id := range lm.segments {
		if id >= segment || id == lm.currentSegment {
			kept = append(kept, id)
			continue
		}
		if err := os.Remove(lm.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			lm.segments = append(kept, lm.segments[i:]...)
			return fmt.Errorf("failed to remove log segment %d: %w", id, err)
		}
		removed = append(removed, id)
	}
	lm.segments = kept
	if len(removed) > 0 {
		lm.logger.Debug("Removed log segments", zap.Int64s("segments", removed))
	}
	return nil
}

// Records returns every durable record at or after from, in log order.
func (lm *LogManager) Records(from LSN) ([]Record, error) {
	if err := lm.Flush(); err != nil {
		return nil, err
	}
	lm.mu.Lock()
	segments := append([]int64(nil), lm.segments...)
	lm.mu.Unlock()

	var out []Record
	for _, id := range segments {
		if id < from.Segment {
			continue
		}
		f, err := os.Open(lm.segmentPath(id))
		if err != nil {
			return nil, fmt.Errorf("failed to open log segment %d: %w", id, err)
		}
		err = scanSegment(f, id, func(r Record, _ int64) bool {
			if !r.LSN.Less(from) {
				out = append(out, r)
			}
			return true
		})
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read log segment %d: %w", id, err)
		}
	}
	return out, nil
}

// flusher periodically writes and syncs the buffer.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 && !lm.closed {
				if err := lm.flushAndSyncLocked(); err != nil {
					lm.logger.Error("Periodic log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, makes the buffer durable and closes the active segment.
func (lm *LogManager) Close() error {
	var err error
	lm.closeOnce.Do(func() { err = lm.close() })
	return err
}

func (lm *LogManager) close() error {
	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	flushErr := lm.flushAndSyncLocked()
	lm.closed = true
	closeErr := lm.logFile.Close()
	lm.logFile = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log file: %w", closeErr)
	}
	lm.logger.Info("LogManager closed", zap.Stringer("end", lm.lastLSN))
	return nil
}
