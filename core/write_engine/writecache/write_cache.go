// Package writecache is the write-back page cache of the storage engine. It
// holds every page with an outstanding write, tracks the oldest WAL position
// each dirty page depends on, and flushes pages to their files from a single
// background worker in disk-contiguous chunks, after the WAL and the
// double-write log made that safe.
package writecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	bufferpool "github.com/sushant-115/pagecache/core/write_engine/buffer_pool"
	"github.com/sushant-115/pagecache/core/write_engine/doublewrite"
	"github.com/sushant-115/pagecache/core/write_engine/fileio"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	"github.com/sushant-115/pagecache/core/write_engine/latch"
	nameregistry "github.com/sushant-115/pagecache/core/write_engine/name_registry"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/pagecache/internal/telemetry"
)

type (
	PageKey      = pagemanager.PageKey
	LSN          = pagemanager.LSN
	CachePointer = pagemanager.CachePointer
)

// WriteCache is a per-storage write-back cache. Its exported methods are
// safe for concurrent use.
type WriteCache struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.WriteCacheMetrics

	framer   *pageframe.Framer
	wal      wal.WriteAheadLog
	dwl      doublewrite.Log
	pool     *bufferpool.Pool
	limiter  *rate.Limiter
	pageSize int64

	// filesLock is held shared for page I/O and exclusively for structural
	// changes of the file table.
	filesLock sync.RWMutex
	files     *fileio.Container
	registry  *nameregistry.Registry
	booked    map[string]int32

	pageLocks *latch.PartitionedLock[PageKey]

	writeCachePages         *xsync.MapOf[PageKey, *CachePointer]
	writeCacheSize          atomic.Int64
	exclusiveWritePages     *xsync.MapOf[PageKey, struct{}]
	exclusiveWriteCacheSize atomic.Int64

	// dirtyPages is written by any goroutine but drained only by the worker.
	dirtyPages *xsync.MapOf[PageKey, LSN]
	// Owned by the flush worker.
	local         *localDirtyPages
	unsyncedFiles map[int32]struct{}
	// Oldest WAL segment of a change that left the dirty tables before the
	// file holding it was fsynced.
	unsyncedSegment int64
	hasUnsynced     bool

	worker    *flushWorker
	listeners *listenerSet

	// counterSeed hands out update counters to pages written for the first
	// time. It starts from the clock so counters of earlier runs are not reused.
	counterSeed atomic.Uint64
	restoring   atomic.Bool

	flushErrMu sync.Mutex
	flushErr   error

	readOnly atomic.Bool
	closed   atomic.Bool
}

var _ pagemanager.WritersListener = (*WriteCache)(nil)

// New opens the write cache in cfg.Dir and starts its flush worker.
func New(ctx context.Context, cfg Config, deps Deps) (*WriteCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.WAL == nil {
		return nil, fmt.Errorf("%w: a write-ahead log is required", flushmanager.ErrInvalidConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("")
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if deps.DoubleWrite == nil {
		deps.DoubleWrite = doublewrite.NoOp{}
	}
	if deps.Pool == nil {
		deps.Pool = bufferpool.New(cfg.PageSize)
	}
	if deps.Pool.PageSize() != cfg.PageSize {
		return nil, fmt.Errorf("%w: buffer pool page size %d, cache page size %d",
			flushmanager.ErrInvalidPageSize, deps.Pool.PageSize(), cfg.PageSize)
	}
	cipher, err := cfg.cipher()
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.Named("write_cache").With(zap.String("storage", cfg.StorageName))
	registry, err := nameregistry.Open(ctx, cfg.Dir, logger)
	if err != nil {
		return nil, err
	}
	if err := deps.DoubleWrite.Open(cfg.StorageName, cfg.Dir, cfg.PageSize); err != nil {
		return nil, multierr.Append(err, registry.Close())
	}

	wc := &WriteCache{
		cfg:                 cfg,
		logger:              logger,
		framer:              pageframe.New(cfg.ChecksumMode != ChecksumOff, cipher),
		wal:                 deps.WAL,
		dwl:                 deps.DoubleWrite,
		pool:                deps.Pool,
		pageSize:            int64(cfg.PageSize),
		files:               fileio.NewContainer(cfg.MaxOpenFiles, logger),
		registry:            registry,
		booked:              make(map[string]int32),
		pageLocks:           latch.NewPageLock(cfg.PageLockPartitions),
		writeCachePages:     xsync.NewMapOf[PageKey, *CachePointer](),
		exclusiveWritePages: xsync.NewMapOf[PageKey, struct{}](),
		dirtyPages:          xsync.NewMapOf[PageKey, LSN](),
		local:               newLocalDirtyPages(),
		unsyncedFiles:       make(map[int32]struct{}),
		listeners:           newListenerSet(),
	}
	wc.counterSeed.Store(uint64(time.Now().UnixMicro()))
	if cfg.FlushRateBytesPerSec > 0 {
		burst := cfg.PageSize * cfg.ChunkSize
		wc.limiter = rate.NewLimiter(rate.Limit(cfg.FlushRateBytesPerSec), burst)
	}

	wc.metrics, err = internaltelemetry.NewWriteCacheMetrics(deps.Meter, wc)
	if err != nil {
		return nil, multierr.Combine(err, registry.Close(), deps.DoubleWrite.Close())
	}
	if err := wc.openRegisteredFiles(); err != nil {
		return nil, multierr.Combine(err, wc.files.Close(), registry.Close(), deps.DoubleWrite.Close())
	}

	if wc.dwl.Recoverable() {
		if err := wc.RestoreModeOn(); err != nil {
			return nil, multierr.Combine(err, wc.files.Close(), registry.Close(), deps.DoubleWrite.Close())
		}
	}

	wc.worker = newFlushWorker(logger, deps.Tracer, cfg.FlushInterval, wc.periodicFlush, wc.observeTask)
	wc.worker.start()

	logger.Info("Write cache opened",
		zap.String("dir", cfg.Dir),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("files", wc.files.Len()),
		zap.Bool("encrypted", cipher != nil),
		zap.Bool("restoreMode", wc.restoring.Load()),
		zap.Stringer("checksumMode", cfg.ChecksumMode))
	return wc, nil
}

// RestoreModeOn lets verified loads repair broken pages from the
// double-write log. New turns it on by itself when the log still holds
// segments of an earlier run. While it is on the log drops no segment, so
// callers leave it with RestoreModeOff once their recovery is done.
func (wc *WriteCache) RestoreModeOn() error {
	if err := wc.dwl.RestoreModeOn(); err != nil {
		return err
	}
	wc.restoring.Store(true)
	wc.logger.Info("Restore mode on")
	return nil
}

func (wc *WriteCache) RestoreModeOff() {
	if wc.restoring.CompareAndSwap(true, false) {
		wc.dwl.RestoreModeOff()
		wc.logger.Info("Restore mode off")
	}
}

func (wc *WriteCache) InRestoreMode() bool { return wc.restoring.Load() }

func (wc *WriteCache) observeTask(name string, d time.Duration) {
	wc.metrics.FlushDurationHistogram.Record(context.Background(), d.Milliseconds(),
		metric.WithAttributes(attribute.String("task", name)))
}

// --- File identity ---

// ExternalFileID composes the id seen by callers from an internal id.
func (wc *WriteCache) ExternalFileID(internalID int32) int64 {
	return int64(wc.cfg.CacheID)<<32 | int64(uint32(internalID))
}

// InternalFileID projects an external id onto this cache.
func (wc *WriteCache) InternalFileID(externalID int64) int32 {
	return int32(externalID & 0xFFFFFFFF)
}

func (wc *WriteCache) ID() int32 { return wc.cfg.CacheID }

func (wc *WriteCache) PageSize() int { return wc.cfg.PageSize }

// --- Sizes ---

func (wc *WriteCache) WriteCacheSize() int64          { return wc.writeCacheSize.Load() }
func (wc *WriteCache) ExclusiveWriteCacheSize() int64 { return wc.exclusiveWriteCacheSize.Load() }
func (wc *WriteCache) DirtyPagesCount() int64 {
	return int64(wc.dirtyPages.Size()) + wc.local.count.Load()
}

// IsReadOnly reports whether a broken page switched the cache to read-only.
func (wc *WriteCache) IsReadOnly() bool { return wc.readOnly.Load() }

// --- Exclusive-only tracking ---

// AddOnlyWriters marks a page as held only by the write cache.
func (wc *WriteCache) AddOnlyWriters(fileID, pageIndex int64) {
	key := PageKey{FileID: wc.InternalFileID(fileID), PageIndex: pageIndex}
	if _, loaded := wc.exclusiveWritePages.LoadOrStore(key, struct{}{}); !loaded {
		wc.exclusiveWriteCacheSize.Add(1)
	}
}

// RemoveOnlyWriters clears the exclusive-only mark of a page.
func (wc *WriteCache) RemoveOnlyWriters(fileID, pageIndex int64) {
	key := PageKey{FileID: wc.InternalFileID(fileID), PageIndex: pageIndex}
	if _, loaded := wc.exclusiveWritePages.LoadAndDelete(key); loaded {
		wc.exclusiveWriteCacheSize.Add(-1)
	}
}

// --- Page table ---

func (wc *WriteCache) checkOpen() error {
	if wc.closed.Load() {
		return flushmanager.ErrCacheClosed
	}
	return nil
}

// Store registers pointer as the pending write of a page. Storing a page
// that is already cached must pass the same pointer.
func (wc *WriteCache) Store(fileID, pageIndex int64, pointer *CachePointer) error {
	if err := wc.checkOpen(); err != nil {
		return err
	}
	if wc.readOnly.Load() {
		return flushmanager.ErrReadOnly
	}
	if len(pointer.Buffer()) != wc.cfg.PageSize {
		return fmt.Errorf("%w: got %d bytes", flushmanager.ErrInvalidPageSize, len(pointer.Buffer()))
	}
	key := PageKey{FileID: wc.InternalFileID(fileID), PageIndex: pageIndex}

	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	unlock := wc.pageLocks.Lock(key)
	defer unlock()

	existing, ok := wc.writeCachePages.Load(key)
	if !ok {
		pointer.SetWritersListener(wc)
		wc.writeCachePages.Store(key, pointer)
		wc.writeCacheSize.Add(1)
		pointer.IncrementWritersReferrer()
		return nil
	}
	if existing != pointer {
		return fmt.Errorf("%w: page %v", flushmanager.ErrPageNotInCache, key)
	}
	return nil
}

// Load returns the page from the write cache, or reads it from its file.
// The returned pointer carries one reader reference. cacheHit reports
// whether the write cache held the page. A page beyond the end of the file
// yields a nil pointer.
func (wc *WriteCache) Load(fileID, pageIndex int64, verify bool) (pointer *CachePointer, cacheHit bool, err error) {
	if err := wc.checkOpen(); err != nil {
		return nil, false, err
	}
	internalID := wc.InternalFileID(fileID)
	key := PageKey{FileID: internalID, PageIndex: pageIndex}

	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	unlock := wc.pageLocks.RLock(key)
	defer unlock()

	if p, ok := wc.writeCachePages.Load(key); ok {
		p.IncrementReadersReferrer()
		return p, true, nil
	}

	file, err := wc.files.Acquire(int64(internalID))
	if err != nil {
		return nil, false, err
	}
	defer wc.files.Release(int64(internalID))

	offset := pageIndex * wc.pageSize
	if offset >= file.FileSize() {
		return nil, false, nil
	}
	buf, counter, err := wc.readPage(file, internalID, pageIndex, verify)
	if err != nil {
		return nil, false, err
	}
	wc.observeUpdateCounter(counter)
	p := pagemanager.NewCachePointer(buf, wc.pool, fileID, pageIndex)
	p.SetUpdateCounter(counter)
	p.IncrementReadersReferrer()
	return p, false, nil
}

// readPage reads and unframes one page. Pages past the end of the file on
// disk are allocated but never written and read as zeros.
func (wc *WriteCache) readPage(file *fileio.File, internalID int32, pageIndex int64, verify bool) ([]byte, uint64, error) {
	offset := pageIndex * wc.pageSize
	underlying, err := file.UnderlyingFileSize()
	if err != nil {
		return nil, 0, err
	}
	buf := wc.pool.Acquire(true)
	if offset < underlying {
		n := min(wc.pageSize, underlying-offset)
		if err := file.Read(offset, buf[:n]); err != nil {
			wc.pool.Release(buf)
			return nil, 0, err
		}
	}
	framed := wc.pool.Acquire(false)
	defer wc.pool.Release(framed)
	copy(framed, buf)

	counter, verr := wc.framer.Unframe(internalID, pageIndex, buf, verify && wc.cfg.ChecksumMode.verifies())
	if verr == nil {
		return buf, counter, nil
	}

	restored, rcounter, rerr := wc.restoreFromDoubleWrite(file, internalID, pageIndex, verify)
	if rerr == nil && restored != nil {
		wc.pool.Release(buf)
		return restored, rcounter, nil
	}
	if rerr != nil {
		wc.logger.Warn("Double-write log restore failed", zap.Stringer("page", PageKey{FileID: internalID, PageIndex: pageIndex}), zap.Error(rerr))
	}

	// The page stays broken. Give the caller the raw image it was read with.
	copy(buf, framed)
	return wc.brokenPage(file, internalID, pageIndex, buf, verr)
}

// restoreFromDoubleWrite looks the page up in the double-write log and, when
// a valid copy exists, writes it back to the data file.
func (wc *WriteCache) restoreFromDoubleWrite(file *fileio.File, internalID int32, pageIndex int64, verify bool) ([]byte, uint64, error) {
	copyBuf, err := wc.dwl.LoadPage(internalID, pageIndex, wc.pool)
	if err != nil || copyBuf == nil {
		return nil, 0, err
	}
	framed := wc.pool.Acquire(false)
	defer wc.pool.Release(framed)
	copy(framed, copyBuf)

	counter, err := wc.framer.Unframe(internalID, pageIndex, copyBuf, verify && wc.cfg.ChecksumMode.verifies())
	if err != nil {
		wc.pool.Release(copyBuf)
		return nil, 0, err
	}
	if err := file.Write(pageIndex*wc.pageSize, framed); err != nil {
		wc.pool.Release(copyBuf)
		return nil, 0, err
	}
	if err := file.Sync(); err != nil {
		wc.pool.Release(copyBuf)
		return nil, 0, err
	}
	wc.logger.Info("Page restored from the double-write log",
		zap.String("file", file.Name()), zap.Int64("pageIndex", pageIndex))
	return copyBuf, counter, nil
}

// brokenPage applies the checksum mode to a page that failed verification.
func (wc *WriteCache) brokenPage(file *fileio.File, internalID int32, pageIndex int64, buf []byte, cause error) ([]byte, uint64, error) {
	wc.metrics.BrokenPagesCounter.Add(context.Background(), 1)
	name, ok := wc.registry.NameOf(internalID)
	if !ok {
		name = file.Name()
	}
	fields := []zap.Field{zap.String("file", name), zap.Int64("pageIndex", pageIndex), zap.Error(cause)}

	switch wc.cfg.ChecksumMode {
	case ChecksumStoreAndThrow:
		wc.pool.Release(buf)
		wc.logger.Error("Page is broken", fields...)
		wc.listeners.notifyBroken(name, pageIndex)
		return nil, 0, fmt.Errorf("%w: file %s page %d: %w", flushmanager.ErrPageBroken, name, pageIndex, cause)
	case ChecksumStoreAndSwitchReadOnly:
		wc.logger.Error("Page is broken, switching storage to read-only mode", fields...)
		wc.listeners.notifyBroken(name, pageIndex)
		wc.readOnly.Store(true)
	default:
		wc.logger.Warn("Page is broken", fields...)
		wc.listeners.notifyBroken(name, pageIndex)
	}
	return buf, 0, nil
}

// AllocateNewPage reserves the next page of a file and returns its index.
// Nothing is written until the page is stored and flushed.
func (wc *WriteCache) AllocateNewPage(fileID int64) (int64, error) {
	if err := wc.checkOpen(); err != nil {
		return 0, err
	}
	internalID := wc.InternalFileID(fileID)
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	file, ok := wc.files.Get(int64(internalID))
	if !ok {
		return 0, fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
	}
	return file.AllocateSpace(wc.pageSize) / wc.pageSize, nil
}

// GetFilledUpTo returns the number of pages allocated in a file.
func (wc *WriteCache) GetFilledUpTo(fileID int64) (int64, error) {
	internalID := wc.InternalFileID(fileID)
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	file, ok := wc.files.Get(int64(internalID))
	if !ok {
		return 0, fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
	}
	return file.FileSize() / wc.pageSize, nil
}

// --- Sticky flush error ---

// setFlushError records the first background failure. Every later flush
// related call fails with it.
func (wc *WriteCache) setFlushError(err error) {
	wc.flushErrMu.Lock()
	first := wc.flushErr == nil
	if first {
		wc.flushErr = err
	}
	wc.flushErrMu.Unlock()
	if first {
		wc.logger.Error("Background flush failed, write cache refuses further flushes", zap.Error(err))
		wc.listeners.notifyBackground(err)
	}
}

func (wc *WriteCache) checkFlushError() error {
	wc.flushErrMu.Lock()
	err := wc.flushErr
	wc.flushErrMu.Unlock()
	if err == nil {
		return nil
	}
	wc.logger.Warn("Refusing flush after an earlier background failure", zap.Error(err))
	return fmt.Errorf("%w: %w", flushmanager.ErrFlushFailed, err)
}

// --- Lifecycle ---

// Close flushes every page, stops the worker and closes all files.
func (wc *WriteCache) Close(ctx context.Context) error {
	if wc.closed.Load() {
		return nil
	}
	var errs error
	if err := wc.Flush(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if !wc.closed.CompareAndSwap(false, true) {
		return errs
	}
	errs = multierr.Append(errs, wc.stopWorker())

	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()
	errs = multierr.Append(errs, wc.files.Close())
	errs = multierr.Append(errs, wc.registry.Compact(ctx))
	errs = multierr.Append(errs, wc.registry.Close())
	errs = multierr.Append(errs, wc.dwl.Close())
	errs = multierr.Append(errs, wc.metrics.Unregister())
	if errs != nil {
		wc.logger.Error("Write cache closed with errors", zap.Error(errs))
		return errs
	}
	wc.logger.Info("Write cache closed")
	return nil
}

func (wc *WriteCache) stopWorker() error {
	wc.worker.stopPeriodic()
	if !wc.worker.shutdown(wc.cfg.ShutdownTimeout) {
		return fmt.Errorf("%w: waited %s", flushmanager.ErrDurability, wc.cfg.ShutdownTimeout)
	}
	return nil
}

// Delete drops every cached page and removes all files of the cache,
// including the registry and the double-write log.
func (wc *WriteCache) Delete(ctx context.Context) error {
	if !wc.closed.CompareAndSwap(false, true) {
		return flushmanager.ErrCacheClosed
	}
	errs := wc.stopWorker()

	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()
	for _, id := range wc.files.IDs() {
		wc.removeCachedPages(int32(id))
		file, err := wc.files.Remove(id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, file.Delete())
	}
	errs = multierr.Append(errs, wc.registry.Delete())
	if d, ok := wc.dwl.(interface{ Delete() error }); ok {
		errs = multierr.Append(errs, d.Delete())
	} else {
		errs = multierr.Append(errs, multierr.Combine(wc.dwl.Truncate(), wc.dwl.Close()))
	}
	errs = multierr.Append(errs, wc.metrics.Unregister())
	if errs != nil {
		wc.logger.Error("Write cache deleted with errors", zap.Error(errs))
	}
	return errs
}
