package writecache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/pagecache/core/write_engine/fileio"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
)

// chunkState is the step a chunk is in. A chunk moves strictly forward;
// a failure in any step aborts the whole flush pass.
type chunkState int

const (
	chunkCollecting chunkState = iota
	chunkCopying
	chunkFraming
	chunkDoubleWriteLogging
	chunkWriting
	chunkRemoving
	chunkDone
)

func (s chunkState) String() string {
	switch s {
	case chunkCollecting:
		return "collecting"
	case chunkCopying:
		return "copying"
	case chunkFraming:
		return "framing"
	case chunkDoubleWriteLogging:
		return "double_write_logging"
	case chunkWriting:
		return "writing"
	case chunkRemoving:
		return "removing"
	case chunkDone:
		return "done"
	}
	return fmt.Sprintf("chunkState(%d)", int(s))
}

// chunkPage is one page of a chunk. Blank pages fill a gap between the end
// of the file on disk and the first flushed page and have no pointer.
type chunkPage struct {
	key     PageKey
	pointer *CachePointer
	buf     []byte
	version int64
}

// chunk is a run of disk-contiguous pages of one file flushed as a unit.
type chunk struct {
	state   chunkState
	fileID  int32
	file    *fileio.File
	pages   []chunkPage
	maxEnd  LSN
	hasEnd  bool
	blanks  int
	skipped []PageKey
}

// release returns every scratch buffer of the chunk to the pool.
func (c *chunk) release(wc *WriteCache) {
	for i := range c.pages {
		if c.pages[i].buf != nil {
			wc.pool.Release(c.pages[i].buf)
			c.pages[i].buf = nil
		}
	}
}

// flushPass is the outcome of flushing a list of keys.
type flushPass struct {
	flushed int
	// skipped holds keys whose page was latched by a writer and must be retried.
	skipped []PageKey
}

// flushPages flushes the cached pages among keys, which must be sorted in
// disk order. Keys without a cached page are ignored. stop is consulted
// after every chunk. Must run on the flush worker.
func (wc *WriteCache) flushPages(ctx context.Context, keys []PageKey, stop func(flushed int) bool) (flushPass, error) {
	var pass flushPass
	rescans := 0
	for cursor := 0; cursor < len(keys); {
		c, next := wc.collect(keys, cursor)
		if len(c.pages) == 0 {
			cursor = next
			continue
		}
		restart, err := wc.flushChunk(ctx, c, rescans < wc.cfg.GapRescanLimit)
		pass.skipped = append(pass.skipped, c.skipped...)
		if err != nil {
			return pass, err
		}
		if restart {
			rescans++
			wc.logger.Debug("Gap before chunk, rescanning from the first page",
				zap.Int32("fileID", c.fileID), zap.Int("rescan", rescans))
			cursor = 0
			continue
		}
		pass.flushed += len(c.pages) - c.blanks
		if len(c.skipped) > 0 {
			// The chunk was cut at the skipped page.
			next = wc.indexAfter(keys, cursor, c.skipped[len(c.skipped)-1])
		}
		cursor = next
		if stop != nil && stop(pass.flushed) {
			break
		}
	}
	return pass, nil
}

func (wc *WriteCache) indexAfter(keys []PageKey, from int, key PageKey) int {
	for i := from; i < len(keys); i++ {
		if keys[i] == key {
			return i + 1
		}
	}
	return len(keys)
}

// collect gathers the run of contiguous cached pages starting at keys[from].
// It returns the chunk and the index of the first key not in it.
func (wc *WriteCache) collect(keys []PageKey, from int) (*chunk, int) {
	c := &chunk{state: chunkCollecting}
	i := from
	for ; i < len(keys) && len(c.pages) < wc.cfg.ChunkSize; i++ {
		key := keys[i]
		if len(c.pages) > 0 && !key.Follows(c.pages[len(c.pages)-1].key) {
			break
		}
		pointer, ok := wc.writeCachePages.Load(key)
		if !ok {
			if len(c.pages) > 0 {
				break
			}
			continue
		}
		c.fileID = key.FileID
		c.pages = append(c.pages, chunkPage{key: key, pointer: pointer})
	}
	return c, i
}

// flushChunk drives c through its states. restart reports that the chunk
// would leave a gap in the file and mayRescan asked for a fresh scan
// instead of blank pages.
func (wc *WriteCache) flushChunk(ctx context.Context, c *chunk, mayRescan bool) (restart bool, err error) {
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()

	file, err := wc.files.Acquire(int64(c.fileID))
	if err != nil {
		return false, err
	}
	defer wc.files.Release(int64(c.fileID))
	c.file = file
	defer c.release(wc)

	for c.state != chunkDone {
		next := c.state + 1
		switch c.state {
		case chunkCollecting:
			var gap bool
			if gap, err = wc.fillGap(c, mayRescan); gap {
				return true, nil
			}
		case chunkCopying:
			wc.copyPages(c)
			if len(c.pages) == c.blanks {
				next = chunkDone
			}
		case chunkFraming:
			wc.framePages(c)
		case chunkDoubleWriteLogging:
			var mustFsync bool
			mustFsync, err = wc.logChunk(c)
			if err == nil && mustFsync {
				err = wc.syncUnsyncedFiles()
			}
		case chunkWriting:
			err = wc.writeChunk(ctx, c)
		case chunkRemoving:
			wc.removeFlushedPages(c)
			wc.metrics.FlushedChunksCounter.Add(ctx, 1)
			wc.metrics.FlushedPagesCounter.Add(ctx, int64(len(c.pages)-c.blanks))
			if c.blanks > 0 {
				wc.metrics.BlankPagesCounter.Add(ctx, int64(c.blanks))
			}
		}
		if err != nil {
			return false, fmt.Errorf("flushing chunk of file %d while %s: %w", c.fileID, c.state, err)
		}
		c.state = next
	}
	return false, nil
}

// fillGap prepends blank pages when the first page of c starts past the end
// of the file on disk, so flushing never leaves a hole.
func (wc *WriteCache) fillGap(c *chunk, mayRescan bool) (bool, error) {
	underlying, err := c.file.UnderlyingFileSize()
	if err != nil {
		return false, err
	}
	diskPages := (underlying + wc.pageSize - 1) / wc.pageSize
	first := c.pages[0].key.PageIndex
	if first <= diskPages {
		return false, nil
	}
	if mayRescan {
		return true, nil
	}
	blanks := make([]chunkPage, 0, first-diskPages)
	for idx := diskPages; idx < first; idx++ {
		blanks = append(blanks, chunkPage{key: PageKey{FileID: c.fileID, PageIndex: idx}})
	}
	c.pages = append(blanks, c.pages...)
	c.blanks = len(blanks)
	return false, nil
}

// copyPages snapshots every page under a non-blocking shared lock. A page
// latched by a writer ends the chunk; the rest of the run is left for the
// next chunk.
func (wc *WriteCache) copyPages(c *chunk) {
	for i := range c.pages {
		p := &c.pages[i]
		if p.pointer == nil {
			p.buf = wc.pool.Acquire(true)
			continue
		}
		if !p.pointer.TryAcquireSharedLock() {
			c.skipped = append(c.skipped, p.key)
			c.pages = c.pages[:i]
			return
		}
		p.buf = wc.pool.Acquire(false)
		copy(p.buf, p.pointer.Buffer())
		p.version = p.pointer.Version()
		if end, ok := p.pointer.EndLSN(); ok {
			if !c.hasEnd || c.maxEnd.Less(end) {
				c.maxEnd, c.hasEnd = end, true
			}
		}
		// Still under the page latch, so a writer's next dirty entry is not lost.
		wc.noteUnsynced(p.key)
		wc.removeFromDirtyPages(p.key)
		p.pointer.ReleaseSharedLock()
	}
}

func (wc *WriteCache) framePages(c *chunk) {
	for i := range c.pages {
		p := &c.pages[i]
		if p.pointer == nil {
			wc.framer.FrameBlank(c.fileID, p.key.PageIndex, p.buf)
			continue
		}
		if wc.framer.Encrypted() && p.pointer.UpdateCounter() == pageframe.BlankUpdateCounter {
			// No image of this page is known, start above every counter used before.
			p.pointer.SetUpdateCounter(wc.counterSeed.Add(1))
		}
		counter := p.pointer.NextUpdateCounter()
		wc.observeUpdateCounter(counter)
		wc.framer.Frame(c.fileID, p.key.PageIndex, counter, p.buf)
	}
}

// observeUpdateCounter raises the counter seed to at least c.
func (wc *WriteCache) observeUpdateCounter(c uint64) {
	for {
		cur := wc.counterSeed.Load()
		if c <= cur || wc.counterSeed.CompareAndSwap(cur, c) {
			return
		}
	}
}

// logChunk makes the WAL durable up to the newest change in the chunk and
// hands the framed pages to the double-write log.
func (wc *WriteCache) logChunk(c *chunk) (bool, error) {
	if c.hasEnd {
		for wc.wal.FlushedLSN().Less(c.maxEnd) {
			before := wc.wal.FlushedLSN()
			if err := wc.wal.Flush(); err != nil {
				return false, fmt.Errorf("%w: flushing wal up to %s: %w", flushmanager.ErrDurability, c.maxEnd, err)
			}
			if after := wc.wal.FlushedLSN(); !before.Less(after) && after.Less(c.maxEnd) {
				return false, fmt.Errorf("%w: wal is flushed up to %s, pages need %s",
					flushmanager.ErrDurability, after, c.maxEnd)
			}
		}
	}
	buffers := make([][]byte, len(c.pages))
	fileIDs := make([]int32, len(c.pages))
	indexes := make([]int64, len(c.pages))
	for i, p := range c.pages {
		buffers[i] = p.buf
		fileIDs[i] = c.fileID
		indexes[i] = p.key.PageIndex
	}
	return wc.dwl.Write(buffers, fileIDs, indexes)
}

// writeChunk writes the framed pages to the data file, split into at most
// WriteParallelism concurrent batches.
func (wc *WriteCache) writeChunk(ctx context.Context, c *chunk) error {
	if wc.limiter != nil {
		for _, p := range c.pages {
			if err := wc.limiter.WaitN(ctx, len(p.buf)); err != nil {
				return err
			}
		}
	}
	per := (len(c.pages) + wc.cfg.WriteParallelism - 1) / wc.cfg.WriteParallelism
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wc.cfg.WriteParallelism)
	for start := 0; start < len(c.pages); start += per {
		end := min(start+per, len(c.pages))
		reqs := make([]fileio.WriteRequest, 0, end-start)
		for _, p := range c.pages[start:end] {
			reqs = append(reqs, fileio.WriteRequest{Offset: p.key.PageIndex * wc.pageSize, Data: p.buf})
		}
		g.Go(func() error { return c.file.WriteBatch(reqs).Wait(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	wc.unsyncedFiles[c.fileID] = struct{}{}
	return nil
}

// removeFlushedPages drops pages from the table whose version did not
// change since they were copied. Newer versions stay for a later pass.
func (wc *WriteCache) removeFlushedPages(c *chunk) {
	for _, p := range c.pages {
		if p.pointer == nil {
			continue
		}
		unlock := wc.pageLocks.Lock(p.key)
		current, ok := wc.writeCachePages.Load(p.key)
		if ok && current == p.pointer && p.pointer.TryAcquireSharedLock() {
			if p.pointer.Version() == p.version {
				wc.writeCachePages.Delete(p.key)
				wc.writeCacheSize.Add(-1)
				p.pointer.ReleaseSharedLock()
				p.pointer.DecrementWritersReferrer()
				p.pointer.SetWritersListener(nil)
			} else {
				p.pointer.ReleaseSharedLock()
			}
		}
		unlock()
	}
}

// syncUnsyncedFiles fsyncs every data file written since the last sync.
// Must run on the flush worker.
func (wc *WriteCache) syncUnsyncedFiles() error {
	for id := range wc.unsyncedFiles {
		file, err := wc.files.Acquire(int64(id))
		if err != nil {
			// Deleted since it was written.
			delete(wc.unsyncedFiles, id)
			continue
		}
		err = file.Sync()
		wc.files.Release(int64(id))
		if err != nil {
			return err
		}
		delete(wc.unsyncedFiles, id)
	}
	wc.hasUnsynced = false
	return nil
}

// noteUnsynced keeps the segment of the page's oldest change until its
// file is fsynced, so the page still holds back that segment.
func (wc *WriteCache) noteUnsynced(key PageKey) {
	lsn, ok := wc.local.pages[key]
	if shared, found := wc.dirtyPages.Load(key); found && (!ok || shared.Less(lsn)) {
		lsn, ok = shared, true
	}
	if ok && (!wc.hasUnsynced || lsn.Segment < wc.unsyncedSegment) {
		wc.unsyncedSegment, wc.hasUnsynced = lsn.Segment, true
	}
}

// syncDataFiles fsyncs the written data files inside a double-write log
// checkpoint. On failure the checkpoint stays open and the log keeps every
// copy it holds.
func (wc *WriteCache) syncDataFiles() error {
	if err := wc.dwl.StartCheckpoint(); err != nil {
		return err
	}
	if err := wc.syncUnsyncedFiles(); err != nil {
		return err
	}
	return wc.dwl.EndCheckpoint()
}
