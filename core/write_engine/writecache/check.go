package writecache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

// PageDataVerificationError describes a page on disk that failed verification.
type PageDataVerificationError struct {
	IncorrectMagicNumber bool
	IncorrectCheckSum    bool
	PageIndex            int64
	FileName             string
}

// CheckStoredPages verifies every page of every open file on disk. Cached
// pages are not consulted. progress, if set, may be called concurrently.
func (wc *WriteCache) CheckStoredPages(ctx context.Context, progress func(checked, total int64)) ([]PageDataVerificationError, error) {
	if err := wc.checkOpen(); err != nil {
		return nil, err
	}
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()

	ids := wc.files.IDs()
	var total int64
	for _, id := range ids {
		if f, ok := wc.files.Get(id); ok {
			total += f.FileSize() / wc.pageSize
		}
	}

	var (
		checked atomic.Int64
		mu      sync.Mutex
		broken  []PageDataVerificationError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wc.cfg.WriteParallelism)
	for _, id := range ids {
		g.Go(func() error {
			file, err := wc.files.Acquire(id)
			if err != nil {
				return err
			}
			defer wc.files.Release(id)
			name, ok := wc.registry.NameOf(int32(id))
			if !ok {
				name = file.Name()
			}
			underlying, err := file.UnderlyingFileSize()
			if err != nil {
				return err
			}
			buf := wc.pool.Acquire(false)
			defer wc.pool.Release(buf)

			for idx := int64(0); idx < underlying/wc.pageSize; idx++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := file.Read(idx*wc.pageSize, buf); err != nil {
					return err
				}
				if _, err := wc.framer.Unframe(int32(id), idx, buf, true); err != nil {
					e := PageDataVerificationError{
						IncorrectMagicNumber: !errors.Is(err, flushmanager.ErrChecksumMismatch),
						IncorrectCheckSum:    errors.Is(err, flushmanager.ErrChecksumMismatch),
						PageIndex:            idx,
						FileName:             name,
					}
					mu.Lock()
					broken = append(broken, e)
					mu.Unlock()
				}
				n := checked.Add(1)
				if progress != nil {
					progress(n, total)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(broken, func(i, j int) bool {
		if broken[i].FileName != broken[j].FileName {
			return broken[i].FileName < broken[j].FileName
		}
		return broken[i].PageIndex < broken[j].PageIndex
	})
	wc.logger.Info("Stored pages checked",
		zap.Int64("pages", checked.Load()), zap.Int("broken", len(broken)))
	return broken, nil
}
