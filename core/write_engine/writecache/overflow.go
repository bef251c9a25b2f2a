package writecache

import (
	"context"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

// overflowLatch is released once, either by the flush task that made room
// or when that task ends.
type overflowLatch struct {
	ch   chan struct{}
	once sync.Once
}

func newOverflowLatch() *overflowLatch { return &overflowLatch{ch: make(chan struct{})} }

func (l *overflowLatch) release() { l.once.Do(func() { close(l.ch) }) }

// CheckCacheOverflow blocks while the number of pages held only by the
// write cache exceeds the configured maximum. Producers call it before
// creating new pages. It returns once a priority flush brought the count
// back under the maximum, not when the whole backlog is gone.
func (wc *WriteCache) CheckCacheOverflow(ctx context.Context) error {
	maxSize := wc.cfg.ExclusiveWriteCacheMaxSize
	for wc.exclusiveWriteCacheSize.Load() > maxSize {
		if err := wc.checkOpen(); err != nil {
			return err
		}
		if err := wc.checkFlushError(); err != nil {
			return err
		}
		before := wc.exclusiveWriteCacheSize.Load()
		l := newOverflowLatch()
		done, err := wc.worker.submit(ctx, "overflow_flush", true, func(ctx context.Context) error {
			defer l.release()
			ewc := wc.exclusiveWriteCacheSize.Load()
			if ewc <= maxSize {
				return nil
			}
			limit := min(max(ewc-maxSize, int64(wc.cfg.ChunkSize)), ewc)
			return wc.flushExclusivePages(ctx, limit, l)
		})
		if err != nil {
			return err
		}
		wc.metrics.OverflowWaitsCounter.Add(ctx, 1)

		select {
		case <-l.ch:
		case err := <-done:
			if err != nil {
				return wc.callError(err)
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for exclusive write cache to drain: %v", flushmanager.ErrInterrupted, ctx.Err())
		case <-wc.worker.exited:
			return fmt.Errorf("%w: flush worker is stopped", flushmanager.ErrCacheClosed)
		}

		if wc.exclusiveWriteCacheSize.Load() >= before {
			// Every candidate was latched by a writer. Let them finish.
			if err := sleepCtx(ctx, retryBackoff); err != nil {
				return err
			}
		}
	}
	return nil
}
