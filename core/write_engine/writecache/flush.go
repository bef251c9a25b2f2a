package writecache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
)

const (
	retryBackoff      = time.Millisecond
	backlogInterval   = time.Millisecond
	periodicChunkMult = 4
)

// cachedKeys returns the keys of the page table accepted by filter, in disk order.
func (wc *WriteCache) cachedKeys(filter func(PageKey) bool) []PageKey {
	keys := make([]PageKey, 0, wc.writeCacheSize.Load())
	wc.writeCachePages.Range(func(k PageKey, _ *CachePointer) bool {
		if filter == nil || filter(k) {
			keys = append(keys, k)
		}
		return true
	})
	pagemanager.SortPageKeys(keys)
	return keys
}

func (wc *WriteCache) exclusiveKeys() []PageKey {
	keys := make([]PageKey, 0, wc.exclusiveWriteCacheSize.Load())
	wc.exclusiveWritePages.Range(func(k PageKey, _ struct{}) bool {
		keys = append(keys, k)
		return true
	})
	pagemanager.SortPageKeys(keys)
	return keys
}

// failFlush records err as the sticky flush error and returns it.
func (wc *WriteCache) failFlush(err error) error {
	wc.setFlushError(err)
	return err
}

// callError turns the failure of a worker task into the caller's error.
func (wc *WriteCache) callError(err error) error {
	if ferr := wc.checkFlushError(); ferr != nil {
		return ferr
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", flushmanager.ErrInterrupted, ctx.Err())
	}
}

// Flush writes every page of the cache to its file.
func (wc *WriteCache) Flush(ctx context.Context) error {
	return wc.flushSelected(ctx, "flush", nil)
}

// FlushFile writes every cached page of one file.
func (wc *WriteCache) FlushFile(ctx context.Context, fileID int64) error {
	internalID := wc.InternalFileID(fileID)
	return wc.flushSelected(ctx, "flush_file", func(k PageKey) bool { return k.FileID == internalID })
}

// flushSelected flushes the pages present when it is called. Pages latched
// by writers are retried until they are flushed.
func (wc *WriteCache) flushSelected(ctx context.Context, name string, filter func(PageKey) bool) error {
	if err := wc.checkOpen(); err != nil {
		return err
	}
	var pending []PageKey
	first := true
	for first || len(pending) > 0 {
		if err := wc.checkFlushError(); err != nil {
			return err
		}
		if !first {
			if err := sleepCtx(ctx, retryBackoff); err != nil {
				return err
			}
		}
		retry := !first
		err := wc.worker.call(ctx, name, func(ctx context.Context) error {
			keys := pending
			if !retry {
				keys = wc.cachedKeys(filter)
			}
			pass, err := wc.flushPages(ctx, keys, nil)
			if err != nil {
				return wc.failFlush(err)
			}
			pending = pass.skipped
			if len(pending) == 0 && wc.cfg.SyncOnFlush {
				if err := wc.syncDataFiles(); err != nil {
					return wc.failFlush(err)
				}
			}
			return nil
		})
		if err != nil {
			return wc.callError(err)
		}
		first = false
	}
	return nil
}

// FlushTillSegment flushes the pages of the oldest dirty WAL segments until
// no page with a change older than segment is left, then fsyncs the data
// files written on the way.
func (wc *WriteCache) FlushTillSegment(ctx context.Context, segment int64) error {
	if err := wc.checkOpen(); err != nil {
		return err
	}
	for {
		if err := wc.checkFlushError(); err != nil {
			return err
		}
		var (
			oldest     int64
			found      bool
			progressed bool
		)
		err := wc.worker.call(ctx, "flush_till_segment", func(ctx context.Context) error {
			wc.convertSharedDirtyPagesToLocal()
			oldest, found = wc.local.minSegment()
			if !found || oldest >= segment {
				if err := wc.syncDataFiles(); err != nil {
					return wc.failFlush(err)
				}
				return nil
			}
			pass, err := wc.flushPages(ctx, wc.local.keysOfSegment(oldest), nil)
			if err != nil {
				return wc.failFlush(err)
			}
			progressed = pass.flushed > 0
			return nil
		})
		if err != nil {
			return wc.callError(err)
		}
		if !found || oldest >= segment {
			return nil
		}
		if !progressed {
			if err := sleepCtx(ctx, retryBackoff); err != nil {
				return err
			}
		}
	}
}

// periodicFlush is the worker's timer tick. It drains part of the
// exclusive-only backlog and, when the WAL spans several segments, the
// pages holding back its oldest segment. It returns the delay until the
// next tick.
func (wc *WriteCache) periodicFlush(ctx context.Context) time.Duration {
	interval := wc.cfg.FlushInterval
	if wc.hasFlushError() || (wc.writeCacheSize.Load() == 0 && !wc.hasUnsynced) {
		return interval
	}
	backlog := false

	if ewc := wc.exclusiveWriteCacheSize.Load(); ewc > 0 {
		limit := min(ewc, int64(periodicChunkMult*wc.cfg.ChunkSize))
		if err := wc.flushExclusivePages(ctx, limit, nil); err != nil {
			return interval
		}
		backlog = wc.exclusiveWriteCacheSize.Load() > 0
	}

	begin, end := wc.wal.Begin(), wc.wal.End()
	if end.Segment-begin.Segment+1 > 1 {
		wc.convertSharedDirtyPagesToLocal()
		if oldest, ok := wc.local.minSegment(); ok && oldest < end.Segment {
			pass, err := wc.flushPages(ctx, wc.local.keysOfSegment(oldest), nil)
			if err != nil {
				wc.setFlushError(err)
				return interval
			}
			if pass.flushed > 0 {
				if next, ok := wc.local.minSegment(); ok && next < end.Segment {
					backlog = true
				}
			}
		}
	}

	if wc.hasUnsynced {
		if err := wc.syncDataFiles(); err != nil {
			wc.setFlushError(err)
			return interval
		}
	}

	if backlog {
		return backlogInterval
	}
	return interval
}

// flushExclusivePages flushes up to limit pages held only by the write
// cache. The latch, if any, is released as soon as the exclusive-only count
// is back under its maximum.
func (wc *WriteCache) flushExclusivePages(ctx context.Context, limit int64, l *overflowLatch) error {
	underMax := func() bool {
		return wc.exclusiveWriteCacheSize.Load() <= wc.cfg.ExclusiveWriteCacheMaxSize
	}
	pass, err := wc.flushPages(ctx, wc.exclusiveKeys(), func(flushed int) bool {
		if l != nil && underMax() {
			l.release()
		}
		return int64(flushed) >= limit
	})
	if err != nil {
		return wc.failFlush(err)
	}
	wc.logger.Debug("Exclusive pages flushed",
		zap.Int("flushed", pass.flushed),
		zap.Int("skipped", len(pass.skipped)),
		zap.Int64("remaining", wc.exclusiveWriteCacheSize.Load()))
	return nil
}

func (wc *WriteCache) hasFlushError() bool {
	wc.flushErrMu.Lock()
	defer wc.flushErrMu.Unlock()
	return wc.flushErr != nil
}
