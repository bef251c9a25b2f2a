package pagemanager

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// --- Page Identity ---

// LSN is a position in the write-ahead log. The zero value means "no LSN".
type LSN struct {
	Segment  int64
	Position int64
}

// Compare returns -1, 0 or 1. Segment is compared first.
func (l LSN) Compare(o LSN) int {
	switch {
	case l.Segment < o.Segment:
		return -1
	case l.Segment > o.Segment:
		return 1
	case l.Position < o.Position:
		return -1
	case l.Position > o.Position:
		return 1
	}
	return 0
}

func (l LSN) Less(o LSN) bool { return l.Compare(o) < 0 }
func (l LSN) IsZero() bool    { return l.Segment == 0 && l.Position == 0 }
func (l LSN) String() string  { return fmt.Sprintf("LSN{%d, %d}", l.Segment, l.Position) }

// PageKey identifies a page inside one write cache. FileID is the internal
// (per cache) file id, not the external one.
type PageKey struct {
	FileID    int32
	PageIndex int64
}

// Compare orders keys file-major, page-minor so sorted iteration follows disk order.
func (k PageKey) Compare(o PageKey) int {
	switch {
	case k.FileID < o.FileID:
		return -1
	case k.FileID > o.FileID:
		return 1
	case k.PageIndex < o.PageIndex:
		return -1
	case k.PageIndex > o.PageIndex:
		return 1
	}
	return 0
}

// Follows reports whether k is the page right after prev in the same file.
func (k PageKey) Follows(prev PageKey) bool {
	return k.FileID == prev.FileID && k.PageIndex == prev.PageIndex+1
}

func (k PageKey) String() string { return fmt.Sprintf("PageKey{%d, %d}", k.FileID, k.PageIndex) }

// SortPageKeys sorts keys in disk order.
func SortPageKeys(keys []PageKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}

// --- Page Entry ---

// WritersListener is notified when a page becomes, or stops being, held by
// writers only. The write cache implements it to track exclusive-only pages.
type WritersListener interface {
	AddOnlyWriters(fileID, pageIndex int64)
	RemoveOnlyWriters(fileID, pageIndex int64)
}

// BufferReleaser takes back a page buffer once nothing references it.
type BufferReleaser interface {
	Release(buf []byte)
}

const writersMask = 0xFFFFFFFF

// CachePointer is the in-memory copy of one page shared by the read cache
// (readers) and the write cache (writers).
type CachePointer struct {
	fileID    int64
	pageIndex int64
	data      []byte
	pool      BufferReleaser

	version       atomic.Int64
	endLSN        atomic.Pointer[LSN]
	updateCounter atomic.Uint64

	// readers in the high 32 bits, writers in the low 32 bits.
	readersWriters atomic.Int64
	referrers      atomic.Int32

	listenerMu sync.Mutex
	listener   WritersListener

	// This latch protects the page content. It is independent from the
	// write cache's per-key table lock.
	latch sync.RWMutex
}

// NewCachePointer wraps data, which must come from pool (pool may be nil for
// buffers the garbage collector should own).
func NewCachePointer(data []byte, pool BufferReleaser, fileID, pageIndex int64) *CachePointer {
	return &CachePointer{
		fileID:    fileID,
		pageIndex: pageIndex,
		data:      data,
		pool:      pool,
	}
}

func (p *CachePointer) FileID() int64    { return p.fileID }
func (p *CachePointer) PageIndex() int64 { return p.pageIndex }

// Buffer returns the live page buffer. Callers must hold the content latch.
func (p *CachePointer) Buffer() []byte { return p.data }
func (p *CachePointer) Version() int64 { return p.version.Load() }

// EndLSN returns the LSN of the last change that produced the current content.
func (p *CachePointer) EndLSN() (LSN, bool) {
	l := p.endLSN.Load()
	if l == nil {
		return LSN{}, false
	}
	return *l, true
}

func (p *CachePointer) SetEndLSN(lsn LSN) { p.endLSN.Store(&lsn) }

func (p *CachePointer) UpdateCounter() uint64     { return p.updateCounter.Load() }
func (p *CachePointer) SetUpdateCounter(c uint64) { p.updateCounter.Store(c) }
func (p *CachePointer) NextUpdateCounter() uint64 { return p.updateCounter.Add(1) }

func (p *CachePointer) SetWritersListener(l WritersListener) {
	p.listenerMu.Lock()
	p.listener = l
	p.listenerMu.Unlock()
}

func (p *CachePointer) writersListener() WritersListener {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	return p.listener
}

// --- Latch Methods ---

// AcquireExclusiveLock takes the content latch for writing and bumps the version.
func (p *CachePointer) AcquireExclusiveLock() {
	p.latch.Lock()
	p.version.Add(1)
}

func (p *CachePointer) TryAcquireExclusiveLock() bool {
	if !p.latch.TryLock() {
		return false
	}
	p.version.Add(1)
	return true
}

func (p *CachePointer) ReleaseExclusiveLock()      { p.latch.Unlock() }
func (p *CachePointer) AcquireSharedLock()         { p.latch.RLock() }
func (p *CachePointer) TryAcquireSharedLock() bool { return p.latch.TryRLock() }
func (p *CachePointer) ReleaseSharedLock()         { p.latch.RUnlock() }

// --- Referrers ---

func (p *CachePointer) ReadersReferrer() int32 { return int32(p.readersWriters.Load() >> 32) }
func (p *CachePointer) WritersReferrer() int32 { return int32(p.readersWriters.Load() & writersMask) }
func (p *CachePointer) Referrers() int32       { return p.referrers.Load() }

// IncrementReadersReferrer registers a read cache reference.
func (p *CachePointer) IncrementReadersReferrer() {
	readers, writers := p.addReadersWriters(1, 0)
	if writers > 0 && readers == 1 {
		if l := p.writersListener(); l != nil {
			l.RemoveOnlyWriters(p.fileID, p.pageIndex)
		}
	}
	p.IncrementReferrer()
}

func (p *CachePointer) DecrementReadersReferrer() {
	readers, writers := p.addReadersWriters(-1, 0)
	if readers < 0 {
		panic(fmt.Sprintf("readers referrer of page %d:%d is negative", p.fileID, p.pageIndex))
	}
	if readers == 0 && writers > 0 {
		if l := p.writersListener(); l != nil {
			l.AddOnlyWriters(p.fileID, p.pageIndex)
		}
	}
	p.DecrementReferrer()
}

// IncrementWritersReferrer registers the write cache reference. A page that
// has no readers at that moment is exclusive-only.
func (p *CachePointer) IncrementWritersReferrer() {
	readers, writers := p.addReadersWriters(0, 1)
	if readers == 0 && writers == 1 {
		if l := p.writersListener(); l != nil {
			l.AddOnlyWriters(p.fileID, p.pageIndex)
		}
	}
	p.IncrementReferrer()
}

func (p *CachePointer) DecrementWritersReferrer() {
	readers, writers := p.addReadersWriters(0, -1)
	if writers < 0 {
		panic(fmt.Sprintf("writers referrer of page %d:%d is negative", p.fileID, p.pageIndex))
	}
	if readers == 0 && writers == 0 {
		if l := p.writersListener(); l != nil {
			l.RemoveOnlyWriters(p.fileID, p.pageIndex)
		}
	}
	p.DecrementReferrer()
}

func (p *CachePointer) addReadersWriters(dr, dw int32) (int32, int32) {
	for {
		old := p.readersWriters.Load()
		readers := int32(old>>32) + dr
		writers := int32(old&writersMask) + dw
		next := int64(readers)<<32 | int64(uint32(writers))
		if p.readersWriters.CompareAndSwap(old, next) {
			return readers, writers
		}
	}
}

func (p *CachePointer) IncrementReferrer() { p.referrers.Add(1) }

// DecrementReferrer returns the buffer to its pool once nobody references the page.
func (p *CachePointer) DecrementReferrer() {
	n := p.referrers.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("referrers of page %d:%d is negative", p.fileID, p.pageIndex))
	}
	if n == 0 && p.pool != nil {
		p.pool.Release(p.data)
		p.data = nil
	}
}
