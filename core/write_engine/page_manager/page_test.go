package pagemanager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	added   int
	removed int
}

func (l *recordingListener) AddOnlyWriters(fileID, pageIndex int64) {
	l.mu.Lock()
	l.added++
	l.mu.Unlock()
}

func (l *recordingListener) RemoveOnlyWriters(fileID, pageIndex int64) {
	l.mu.Lock()
	l.removed++
	l.mu.Unlock()
}

type countingPool struct{ released int }

func (p *countingPool) Release(buf []byte) { p.released++ }

func TestLSNCompare(t *testing.T) {
	assert.Equal(t, -1, LSN{1, 100}.Compare(LSN{2, 0}))
	assert.Equal(t, 1, LSN{2, 1}.Compare(LSN{2, 0}))
	assert.Equal(t, 0, LSN{3, 7}.Compare(LSN{3, 7}))
	assert.True(t, LSN{}.IsZero())
	assert.True(t, LSN{1, 5}.Less(LSN{1, 6}))
}

func TestPageKeyOrderFollowsDisk(t *testing.T) {
	keys := []PageKey{{2, 0}, {1, 5}, {1, 1}, {2, 3}, {1, 2}}
	SortPageKeys(keys)
	assert.Equal(t, []PageKey{{1, 1}, {1, 2}, {1, 5}, {2, 0}, {2, 3}}, keys)
	assert.True(t, PageKey{1, 2}.Follows(PageKey{1, 1}))
	assert.False(t, PageKey{2, 2}.Follows(PageKey{1, 1}))
	assert.False(t, PageKey{1, 3}.Follows(PageKey{1, 1}))
}

func TestExclusiveOnlyTransitions(t *testing.T) {
	l := &recordingListener{}
	p := NewCachePointer(make([]byte, 64), nil, 1, 0)
	p.SetWritersListener(l)

	// readers first, then the write cache takes it: not exclusive.
	p.IncrementReadersReferrer()
	p.IncrementWritersReferrer()
	assert.Equal(t, 0, l.added)

	// read cache evicts it: becomes exclusive-only.
	p.DecrementReadersReferrer()
	assert.Equal(t, 1, l.added)

	// read cache loads it again.
	p.IncrementReadersReferrer()
	assert.Equal(t, 1, l.removed)

	p.DecrementReadersReferrer()
	assert.Equal(t, 2, l.added)

	// flushed and removed from the write cache.
	p.DecrementWritersReferrer()
	assert.Equal(t, 2, l.removed)
	assert.Equal(t, int32(0), p.Referrers())
}

func TestNewPageWithoutReadersIsExclusive(t *testing.T) {
	l := &recordingListener{}
	p := NewCachePointer(make([]byte, 64), nil, 1, 9)
	p.SetWritersListener(l)
	p.IncrementWritersReferrer()
	assert.Equal(t, 1, l.added)
	assert.Equal(t, int32(1), p.WritersReferrer())
	assert.Equal(t, int32(0), p.ReadersReferrer())
}

func TestBufferReturnedWhenUnreferenced(t *testing.T) {
	pool := &countingPool{}
	p := NewCachePointer(make([]byte, 64), pool, 1, 0)
	p.IncrementReadersReferrer()
	p.IncrementWritersReferrer()
	p.DecrementWritersReferrer()
	assert.Equal(t, 0, pool.released)
	p.DecrementReadersReferrer()
	assert.Equal(t, 1, pool.released)
	assert.Nil(t, p.Buffer())
}

func TestVersionBumpsOnExclusiveLock(t *testing.T) {
	p := NewCachePointer(make([]byte, 64), nil, 1, 0)
	require.Equal(t, int64(0), p.Version())
	p.AcquireExclusiveLock()
	p.ReleaseExclusiveLock()
	require.Equal(t, int64(1), p.Version())

	p.AcquireSharedLock()
	assert.False(t, p.TryAcquireExclusiveLock())
	assert.True(t, p.TryAcquireSharedLock())
	p.ReleaseSharedLock()
	p.ReleaseSharedLock()
	assert.Equal(t, int64(1), p.Version())

	_, ok := p.EndLSN()
	assert.False(t, ok)
	p.SetEndLSN(LSN{4, 10})
	lsn, ok := p.EndLSN()
	assert.True(t, ok)
	assert.Equal(t, LSN{4, 10}, lsn)
}

func TestConcurrentReferrers(t *testing.T) {
	l := &recordingListener{}
	p := NewCachePointer(make([]byte, 64), nil, 1, 0)
	p.SetWritersListener(l)
	p.IncrementWritersReferrer()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.IncrementReadersReferrer()
			p.DecrementReadersReferrer()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(0), p.ReadersReferrer())
	assert.Equal(t, int32(1), p.WritersReferrer())
}
