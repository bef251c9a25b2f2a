// Package bufferpool hands out fixed-size page buffers. The write cache never
// allocates page memory itself; it borrows from a Pool and gives buffers back
// once the last reference is gone.
package bufferpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool recycles buffers of exactly PageSize bytes.
type Pool struct {
	pageSize    int
	pool        sync.Pool
	outstanding atomic.Int64
}

// New creates a pool of pageSize-byte buffers.
func New(pageSize int) *Pool {
	p := &Pool{pageSize: pageSize}
	p.pool.New = func() interface{} {
		b := make([]byte, pageSize)
		return &b
	}
	return p
}

func (p *Pool) PageSize() int { return p.pageSize }

// Outstanding is the number of buffers acquired and not yet released.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

// Acquire returns a buffer. When clear is set the buffer is zeroed,
// otherwise it may hold the content of a previous page.
func (p *Pool) Acquire(clear bool) []byte {
	b := *(p.pool.Get().(*[]byte))
	if clear {
		for i := range b {
			b[i] = 0
		}
	}
	p.outstanding.Add(1)
	return b
}

// Release gives a buffer back. Buffers of a foreign size are rejected.
func (p *Pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	if len(buf) != p.pageSize {
		panic(fmt.Sprintf("bufferpool: releasing buffer of %d bytes into pool of %d", len(buf), p.pageSize))
	}
	p.outstanding.Add(-1)
	p.pool.Put(&buf)
}
