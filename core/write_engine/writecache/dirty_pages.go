package writecache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
)

// localDirtyPages is the flush worker's private copy of the dirty pages
// table, indexed by WAL segment so the oldest segment is cheap to find.
type localDirtyPages struct {
	pages     map[PageKey]LSN
	bySegment map[int64]map[PageKey]struct{}
	count     atomic.Int64
}

func newLocalDirtyPages() *localDirtyPages {
	return &localDirtyPages{
		pages:     make(map[PageKey]LSN),
		bySegment: make(map[int64]map[PageKey]struct{}),
	}
}

// put keeps the smaller of the existing and the given LSN.
func (d *localDirtyPages) put(key PageKey, lsn LSN) {
	if old, ok := d.pages[key]; ok {
		if !lsn.Less(old) {
			return
		}
		d.unindex(key, old)
	} else {
		d.count.Add(1)
	}
	d.pages[key] = lsn
	seg := d.bySegment[lsn.Segment]
	if seg == nil {
		seg = make(map[PageKey]struct{})
		d.bySegment[lsn.Segment] = seg
	}
	seg[key] = struct{}{}
}

func (d *localDirtyPages) remove(key PageKey) {
	old, ok := d.pages[key]
	if !ok {
		return
	}
	delete(d.pages, key)
	d.unindex(key, old)
	d.count.Add(-1)
}

func (d *localDirtyPages) unindex(key PageKey, lsn LSN) {
	seg := d.bySegment[lsn.Segment]
	delete(seg, key)
	if len(seg) == 0 {
		delete(d.bySegment, lsn.Segment)
	}
}

func (d *localDirtyPages) minSegment() (int64, bool) {
	first, found := int64(0), false
	for seg := range d.bySegment {
		if !found || seg < first {
			first, found = seg, true
		}
	}
	return first, found
}

// keysOfSegment returns the keys whose oldest change is in segment, in disk order.
func (d *localDirtyPages) keysOfSegment(segment int64) []PageKey {
	keys := make([]PageKey, 0, len(d.bySegment[segment]))
	for k := range d.bySegment[segment] {
		keys = append(keys, k)
	}
	pagemanager.SortPageKeys(keys)
	return keys
}

func (d *localDirtyPages) keysOfFile(fileID int32) []PageKey {
	var keys []PageKey
	for k := range d.pages {
		if k.FileID == fileID {
			keys = append(keys, k)
		}
	}
	return keys
}

// UpdateDirtyPagesTable records the oldest unflushed change of a page. It
// is called right after the caller took the page's exclusive lock and
// before it mutates the page. Only the first LSN since the page's last
// flush is kept. A zero startLSN means the current end of the WAL.
func (wc *WriteCache) UpdateDirtyPagesTable(pointer *CachePointer, startLSN LSN) {
	key := PageKey{FileID: wc.InternalFileID(pointer.FileID()), PageIndex: pointer.PageIndex()}
	if _, ok := wc.dirtyPages.Load(key); ok {
		return
	}
	if startLSN.IsZero() {
		startLSN = wc.wal.End()
	}
	wc.dirtyPages.LoadOrStore(key, startLSN)
}

// convertSharedDirtyPagesToLocal drains the shared table into the worker's
// local one. Entries are removed only if nobody replaced them meanwhile.
// Must run on the flush worker.
func (wc *WriteCache) convertSharedDirtyPagesToLocal() {
	wc.dirtyPages.Range(func(key PageKey, lsn LSN) bool {
		wc.local.put(key, lsn)
		wc.dirtyPages.Compute(key, func(old LSN, loaded bool) (LSN, bool) {
			return old, !loaded || old == lsn
		})
		return true
	})
}

// removeFromDirtyPages forgets a page in both tables. Must run on the flush
// worker, or with the worker stopped.
func (wc *WriteCache) removeFromDirtyPages(key PageKey) {
	wc.dirtyPages.Delete(key)
	wc.local.remove(key)
}

// GetMinimalNotFlushedSegment returns the oldest WAL segment that still has
// page changes not durably on disk. Pages written but not fsynced yet count
// as not flushed. ok is false when every change is on disk.
func (wc *WriteCache) GetMinimalNotFlushedSegment(ctx context.Context) (segment int64, ok bool, err error) {
	if err := wc.checkOpen(); err != nil {
		return 0, false, err
	}
	err = wc.worker.call(ctx, "min_dirty_segment", func(context.Context) error {
		wc.convertSharedDirtyPagesToLocal()
		segment, ok = wc.local.minSegment()
		if wc.hasUnsynced && (!ok || wc.unsyncedSegment < segment) {
			segment, ok = wc.unsyncedSegment, true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	wc.logger.Debug("Minimal not flushed segment", zap.Int64("segment", segment), zap.Bool("found", ok))
	return segment, ok, nil
}
