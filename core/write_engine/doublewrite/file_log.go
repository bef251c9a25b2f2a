package doublewrite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/pagecache/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
)

const (
	segmentExt = ".dwl"

	// record header: xxhash64(8) | fileID(4) | pageIndex(8) | pageCount(4) | rawLen(4) | storedLen(4)
	recordHeaderSize = 32

	DefaultMaxSegmentSize = 64 << 20
)

type recordLocation struct {
	segment   int64
	offset    int64
	firstPage int64
}

// FileLog is a Log kept in append-only segment files named <name>_<n>.dwl.
// Page content is lz4 compressed and every record is guarded by an xxhash64.
type FileLog struct {
	mu             sync.Mutex
	name           string
	dir            string
	pageSize       int
	maxSegmentSize int64
	logger         *zap.Logger

	segments    []int64
	current     *os.File
	currentID   int64
	currentSize int64

	// Older segments are dropped on the next write once the caller has
	// fsynced the data files they protect.
	cutPending   bool
	previous     bool
	checkpoint   bool
	restoreMode  bool
	restoreIndex map[pagemanager.PageKey]recordLocation
}

var _ Log = (*FileLog)(nil)

func NewFileLog(maxSegmentSize int64, logger *zap.Logger) *FileLog {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLog{maxSegmentSize: maxSegmentSize, logger: logger.Named("double_write_log")}
}

func (l *FileLog) segmentPath(id int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%d%s", l.name, id, segmentExt))
}

// Open starts a new segment after any segments left by a previous run.
// Those are kept for restore mode until the next cut.
func (l *FileLog) Open(name, dir string, pageSize int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.name, l.dir, l.pageSize = name, dir, pageSize
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating double-write log directory %s: %v", flushmanager.ErrIO, dir, err)
	}
	ids, err := l.listSegments()
	if err != nil {
		return err
	}
	l.segments = ids
	next := int64(1)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
		l.cutPending = true
		l.previous = true
	}
	return l.openSegment(next)
}

func (l *FileLog) listSegments() ([]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", flushmanager.ErrIO, l.dir, err)
	}
	prefix := l.name + "_"
	var ids []int64
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, segmentExt) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(n, prefix), segmentExt), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *FileLog) openSegment(id int64) error {
	f, err := os.OpenFile(l.segmentPath(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening double-write segment %d: %v", flushmanager.ErrIO, id, err)
	}
	l.current = f
	l.currentID = id
	l.currentSize = 0
	l.segments = append(l.segments, id)
	return nil
}

func (l *FileLog) StartCheckpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoint = true
	return nil
}

func (l *FileLog) EndCheckpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoint = false
	if l.cutPending {
		return l.cutLocked()
	}
	return nil
}

// cutLocked removes every segment but the active one.
func (l *FileLog) cutLocked() error {
	if l.checkpoint || l.restoreMode {
		return nil
	}
	var errs error
	kept := []int64{l.currentID}
	for _, id := range l.segments {
		if id == l.currentID {
			continue
		}
		if err := os.Remove(l.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
			kept = append(kept, id)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	l.segments = kept
	if errs != nil {
		return fmt.Errorf("%w: removing double-write segments: %v", flushmanager.ErrIO, errs)
	}
	l.cutPending = false
	l.previous = false
	return nil
}

func (l *FileLog) Recoverable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.previous
}

func (l *FileLog) Write(buffers [][]byte, fileIDs []int32, pageIndexes []int64) (bool, error) {
	if len(buffers) != len(fileIDs) || len(buffers) != len(pageIndexes) {
		return false, fmt.Errorf("double-write log: %d buffers, %d file ids, %d page indexes",
			len(buffers), len(fileIDs), len(pageIndexes))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return false, fmt.Errorf("%w: double-write log is not open", flushmanager.ErrFileNotOpen)
	}

	if l.cutPending {
		if err := l.cutLocked(); err != nil {
			l.logger.Warn("Removing obsolete double-write segments failed", zap.Error(err))
		}
	}

	mustFsync := false
	if l.currentSize >= l.maxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return false, err
		}
		mustFsync = true
	}

	var out []byte
	offsets := make([]int64, len(buffers))
	for i, buf := range buffers {
		if len(buf) == 0 || len(buf)%l.pageSize != 0 {
			return false, fmt.Errorf("%w: double-write chunk of %d bytes", flushmanager.ErrInvalidPageSize, len(buf))
		}
		offsets[i] = l.currentSize + int64(len(out))
		out = append(out, l.encode(buf, fileIDs[i], pageIndexes[i])...)
	}
	if _, err := l.current.WriteAt(out, l.currentSize); err != nil {
		return false, fmt.Errorf("%w: writing double-write segment %d: %v", flushmanager.ErrIO, l.currentID, err)
	}
	if err := l.current.Sync(); err != nil {
		return false, fmt.Errorf("%w: syncing double-write segment %d: %v", flushmanager.ErrIO, l.currentID, err)
	}
	l.currentSize += int64(len(out))
	if l.restoreMode {
		for i, buf := range buffers {
			loc := recordLocation{segment: l.currentID, offset: offsets[i], firstPage: pageIndexes[i]}
			for p := 0; p < len(buf)/l.pageSize; p++ {
				l.restoreIndex[pagemanager.PageKey{FileID: fileIDs[i], PageIndex: pageIndexes[i] + int64(p)}] = loc
			}
		}
	}
	return mustFsync, nil
}

func (l *FileLog) rotateLocked() error {
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("%w: closing double-write segment %d: %v", flushmanager.ErrIO, l.currentID, err)
	}
	if err := l.openSegment(l.currentID + 1); err != nil {
		return err
	}
	l.cutPending = true
	return nil
}

func (l *FileLog) encode(pages []byte, fileID int32, pageIndex int64) []byte {
	rec := make([]byte, recordHeaderSize+lz4.CompressBlockBound(len(pages)))
	n, err := lz4.CompressBlock(pages, rec[recordHeaderSize:], nil)
	if err != nil || n == 0 || n >= len(pages) {
		n = copy(rec[recordHeaderSize:], pages)
	}
	rec = rec[:recordHeaderSize+n]
	binary.LittleEndian.PutUint32(rec[8:], uint32(fileID))
	binary.LittleEndian.PutUint64(rec[12:], uint64(pageIndex))
	binary.LittleEndian.PutUint32(rec[20:], uint32(len(pages)/l.pageSize))
	binary.LittleEndian.PutUint32(rec[24:], uint32(len(pages)))
	binary.LittleEndian.PutUint32(rec[28:], uint32(n))
	binary.LittleEndian.PutUint64(rec[0:], xxhash.Sum64(rec[8:]))
	return rec
}

type recordHeader struct {
	fileID    int32
	pageIndex int64
	pageCount int
	rawLen    int
	storedLen int
}

// readRecord reads the record at offset. It returns io.EOF at the end of the
// segment and errTornRecord when the rest of the segment is unusable.
func readRecord(r io.ReaderAt, offset int64) (recordHeader, []byte, error) {
	head := make([]byte, recordHeaderSize)
	n, err := r.ReadAt(head, offset)
	if n == 0 && errors.Is(err, io.EOF) {
		return recordHeader{}, nil, io.EOF
	}
	if n < recordHeaderSize {
		return recordHeader{}, nil, errTornRecord
	}
	h := recordHeader{
		fileID:    int32(binary.LittleEndian.Uint32(head[8:])),
		pageIndex: int64(binary.LittleEndian.Uint64(head[12:])),
		pageCount: int(binary.LittleEndian.Uint32(head[20:])),
		rawLen:    int(binary.LittleEndian.Uint32(head[24:])),
		storedLen: int(binary.LittleEndian.Uint32(head[28:])),
	}
	if h.storedLen > h.rawLen {
		return h, nil, errTornRecord
	}
	body := make([]byte, h.storedLen)
	if n, _ := r.ReadAt(body, offset+recordHeaderSize); n < h.storedLen {
		return h, nil, errTornRecord
	}
	d := xxhash.New()
	d.Write(head[8:])
	d.Write(body)
	if d.Sum64() != binary.LittleEndian.Uint64(head[0:]) {
		return h, nil, errTornRecord
	}
	return h, body, nil
}

var errTornRecord = errors.New("torn double-write record")

func (h recordHeader) decode(body []byte) ([]byte, error) {
	if h.storedLen == h.rawLen {
		return body, nil
	}
	raw := make([]byte, h.rawLen)
	n, err := lz4.UncompressBlock(body, raw)
	if err != nil {
		return nil, fmt.Errorf("decompressing double-write record: %w", err)
	}
	if n != h.rawLen {
		return nil, fmt.Errorf("double-write record decompressed to %d bytes, want %d", n, h.rawLen)
	}
	return raw, nil
}

// RestoreModeOn indexes every intact record so LoadPage can serve pages.
func (l *FileLog) RestoreModeOn() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := make(map[pagemanager.PageKey]recordLocation)
	for _, id := range l.segments {
		if err := l.indexSegment(id, index); err != nil {
			return err
		}
	}
	l.restoreIndex = index
	l.restoreMode = true
	l.logger.Info("Double-write log restore mode on", zap.Int("pages", len(index)))
	return nil
}

func (l *FileLog) indexSegment(id int64, index map[pagemanager.PageKey]recordLocation) error {
	f, err := os.Open(l.segmentPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: opening double-write segment %d: %v", flushmanager.ErrIO, id, err)
	}
	defer f.Close()
	var offset int64
	for {
		h, _, err := readRecord(f, offset)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, errTornRecord) {
			l.logger.Warn("Double-write segment has a torn tail",
				zap.Int64("segment", id), zap.Int64("offset", offset))
			return nil
		}
		loc := recordLocation{segment: id, offset: offset, firstPage: h.pageIndex}
		for p := 0; p < h.pageCount; p++ {
			index[pagemanager.PageKey{FileID: h.fileID, PageIndex: h.pageIndex + int64(p)}] = loc
		}
		offset += recordHeaderSize + int64(h.storedLen)
	}
}

func (l *FileLog) RestoreModeOff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreMode = false
	l.restoreIndex = nil
}

func (l *FileLog) LoadPage(fileID int32, pageIndex int64, pool *bufferpool.Pool) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.restoreMode {
		return nil, nil
	}
	loc, ok := l.restoreIndex[pagemanager.PageKey{FileID: fileID, PageIndex: pageIndex}]
	if !ok {
		return nil, nil
	}
	f, err := os.Open(l.segmentPath(loc.segment))
	if err != nil {
		return nil, fmt.Errorf("%w: opening double-write segment %d: %v", flushmanager.ErrIO, loc.segment, err)
	}
	defer f.Close()
	h, body, err := readRecord(f, loc.offset)
	if err != nil {
		return nil, fmt.Errorf("%w: rereading double-write record: %v", flushmanager.ErrIO, err)
	}
	pages, err := h.decode(body)
	if err != nil {
		return nil, err
	}
	start := int(pageIndex-loc.firstPage) * l.pageSize
	buf := pool.Acquire(false)
	copy(buf, pages[start:start+l.pageSize])
	return buf, nil
}

// Truncate drops every logged page and starts a fresh segment.
func (l *FileLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("%w: closing double-write segment %d: %v", flushmanager.ErrIO, l.currentID, err)
	}
	next := l.currentID + 1
	if err := l.openSegment(next); err != nil {
		return err
	}
	l.cutPending = true
	return l.cutLocked()
}

// Close closes the active segment. Segments stay on disk for the next Open.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	if err != nil {
		return fmt.Errorf("%w: closing double-write segment %d: %v", flushmanager.ErrIO, l.currentID, err)
	}
	return nil
}

// Delete closes the log and removes all of its segments.
func (l *FileLog) Delete() error {
	errs := l.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.segments {
		if err := os.Remove(l.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	l.segments = nil
	return errs
}
