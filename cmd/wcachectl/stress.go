package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
)

// StressCmd appends pages from concurrent writers, each to its own file,
// and waits on the exclusive write cache limit before every page.
type StressCmd struct {
	Dir      string        `arg:"" help:"Cache directory" type:"path"`
	Writers  int           `default:"8" help:"Concurrent writers"`
	Pages    int           `default:"1000" help:"Pages appended by each writer"`
	Duration time.Duration `help:"Stop the writers after this long"`
}

func (c *StressCmd) Run(rt *runtime) (err error) {
	if c.Writers <= 0 || c.Pages <= 0 {
		return fmt.Errorf("%w: writers and pages must be positive", flushmanager.ErrInvalidConfig)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	oc, err := rt.openCache(context.Background(), c.Dir, false)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, oc.close(context.Background())) }()

	run := uuid.NewString()[:8]
	var written atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range c.Writers {
		g.Go(func() error {
			id, err := oc.cache.AddFile(fmt.Sprintf("stress-%s-%d.dat", run, w))
			if err != nil {
				return err
			}
			for i := 0; i < c.Pages; i++ {
				if gctx.Err() != nil {
					return nil
				}
				if err := oc.cache.CheckCacheOverflow(gctx); err != nil {
					return err
				}
				if err := oc.appendPage(id, byte(i)); err != nil {
					return err
				}
				written.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	if errors.Is(err, flushmanager.ErrInterrupted) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		return err
	}
	writeTime := time.Since(start)
	if err := oc.cache.Flush(context.Background()); err != nil {
		return err
	}

	rt.logger.Info("Stress run finished",
		zap.String("run", run),
		zap.Int64("pages", written.Load()),
		zap.Duration("writeTime", writeTime),
		zap.Duration("total", time.Since(start)))
	_, err = fmt.Fprintf(rt.out, "run %s: %d pages from %d writers in %s (%.0f pages/s), flushed in %s\n",
		run, written.Load(), c.Writers, writeTime.Round(time.Millisecond),
		float64(written.Load())/max(writeTime.Seconds(), 1e-9), (time.Since(start) - writeTime).Round(time.Millisecond))
	return err
}

// appendPage logs a new page, fills it and hands it to the write cache the
// way a storage engine does.
func (oc *openedCache) appendPage(fileID int64, fill byte) error {
	pageIndex, err := oc.cache.AllocateNewPage(fileID)
	if err != nil {
		return err
	}
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[:8], uint64(fileID))
	binary.LittleEndian.PutUint64(rec[8:], uint64(pageIndex))
	lsn, err := oc.wal.Log(wal.RecordTypeNewPage, rec[:])
	if err != nil {
		return err
	}

	p := pagemanager.NewCachePointer(oc.pool.Acquire(true), oc.pool, fileID, pageIndex)
	p.AcquireExclusiveLock()
	oc.cache.UpdateDirtyPagesTable(p, lsn)
	body := p.Buffer()[pageframe.PageDataOffset:]
	for i := range body {
		body[i] = fill
	}
	p.SetEndLSN(lsn)
	p.ReleaseExclusiveLock()

	if err := oc.cache.Store(fileID, pageIndex, p); err != nil {
		oc.pool.Release(p.Buffer())
		return err
	}
	return nil
}
