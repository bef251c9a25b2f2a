package writecache

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/write_engine/doublewrite"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagecache/core/write_engine/page_manager"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
)

const testPageSize = 4096

// fakeWAL is an in-memory WAL whose segments are moved by hand.
type fakeWAL struct {
	mu       sync.Mutex
	begin    LSN
	end      LSN
	flushed  LSN
	flushErr error
	stuck    bool
}

var _ wal.WriteAheadLog = (*fakeWAL)(nil)

func newFakeWAL() *fakeWAL {
	return &fakeWAL{begin: LSN{Segment: 1}, end: LSN{Segment: 1}}
}

func (w *fakeWAL) Begin() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.begin
}

func (w *fakeWAL) End() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end
}

func (w *fakeWAL) Log(wal.RecordType, []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.end.Position++
	return w.end, nil
}

func (w *fakeWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushErr != nil {
		return w.flushErr
	}
	if !w.stuck {
		w.flushed = w.end
	}
	return nil
}

func (w *fakeWAL) FlushedLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

func (w *fakeWAL) CutAllSegmentsSmallerThan(segment int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if segment > w.begin.Segment {
		w.begin = LSN{Segment: segment}
	}
	return nil
}

// advance moves the end of the log to at least lsn.
func (w *fakeWAL) advance(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.end.Less(lsn) {
		w.end = lsn
	}
}

type testOption func(*Config, *Deps)

func withConfig(fn func(*Config)) testOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.PageSize = testPageSize
	cfg.ChunkSize = 8
	cfg.FlushInterval = time.Hour
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func openTestCache(t *testing.T, dir string, w *fakeWAL, opts ...testOption) *WriteCache {
	t.Helper()
	cfg := testConfig(dir)
	deps := Deps{Logger: zap.NewNop(), WAL: w}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	wc, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close(context.Background()) })
	return wc
}

func newTestCache(t *testing.T, opts ...testOption) (*WriteCache, *fakeWAL) {
	t.Helper()
	w := newFakeWAL()
	return openTestCache(t, t.TempDir(), w, opts...), w
}

// writePage mutates a fresh page the way a writer does and stores it.
func writePage(t *testing.T, wc *WriteCache, w *fakeWAL, fileID, pageIndex int64, fill byte, lsn LSN) *CachePointer {
	t.Helper()
	p := pagemanager.NewCachePointer(wc.pool.Acquire(true), wc.pool, fileID, pageIndex)
	updatePage(wc, w, p, fill, lsn)
	require.NoError(t, wc.Store(fileID, pageIndex, p))
	return p
}

func updatePage(wc *WriteCache, w *fakeWAL, p *CachePointer, fill byte, lsn LSN) {
	w.advance(lsn)
	p.AcquireExclusiveLock()
	wc.UpdateDirtyPagesTable(p, lsn)
	for i := pageframe.PageDataOffset; i < len(p.Buffer()); i++ {
		p.Buffer()[i] = fill
	}
	if !lsn.IsZero() {
		p.SetEndLSN(lsn)
	}
	p.ReleaseExclusiveLock()
}

func payload(fill byte) []byte {
	b := make([]byte, testPageSize-pageframe.PageDataOffset)
	for i := range b {
		b[i] = fill
	}
	return b
}

func loadPayload(t *testing.T, wc *WriteCache, fileID, pageIndex int64) []byte {
	t.Helper()
	p, hit, err := wc.Load(fileID, pageIndex, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, hit)
	out := append([]byte(nil), p.Buffer()[pageframe.PageDataOffset:]...)
	p.DecrementReadersReferrer()
	return out
}

func randomKey(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestFlushFileThenReload(t *testing.T) {
	tests := []struct {
		name string
		opt  testOption
	}{
		{name: "plain", opt: withConfig(func(*Config) {})},
		{name: "no_checksum", opt: withConfig(func(c *Config) { c.ChecksumMode = ChecksumOff })},
		{name: "encrypted", opt: withConfig(func(c *Config) {
			c.EncryptionKey = randomKey(t, 32)
			c.EncryptionIV = randomKey(t, 16)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			w := newFakeWAL()
			wc := openTestCache(t, dir, w, tt.opt)

			fileID, err := wc.AddFile("idx.dat")
			require.NoError(t, err)
			assert.Equal(t, int64(wc.ID()), fileID>>32)
			idx, err := wc.AllocateNewPage(fileID)
			require.NoError(t, err)
			require.Equal(t, int64(0), idx)

			lsn := LSN{Segment: 1, Position: 100}
			writePage(t, wc, w, fileID, 0, 0xA1, lsn)
			assert.Equal(t, int64(1), wc.WriteCacheSize())
			assert.Equal(t, int64(1), wc.DirtyPagesCount())

			require.NoError(t, wc.FlushFile(context.Background(), fileID))
			assert.Equal(t, int64(0), wc.WriteCacheSize())
			assert.Equal(t, int64(0), wc.DirtyPagesCount())
			assert.False(t, w.FlushedLSN().Less(lsn), "wal must be durable before the page")
			require.NoError(t, wc.Close(context.Background()))

			reopened := openTestCache(t, dir, w, tt.opt)
			id, ok := reopened.FileIDByName("idx.dat")
			require.True(t, ok)
			assert.Equal(t, fileID, id)
			filled, err := reopened.GetFilledUpTo(id)
			require.NoError(t, err)
			assert.Equal(t, int64(1), filled)
			assert.Equal(t, payload(0xA1), loadPayload(t, reopened, id, 0))
		})
	}
}

func TestLoadHitsWriteCache(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	_, err = wc.AllocateNewPage(fileID)
	require.NoError(t, err)
	stored := writePage(t, wc, w, fileID, 0, 7, LSN{})

	p, hit, err := wc.Load(fileID, 0, true)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, stored, p)
	assert.Equal(t, int32(1), p.ReadersReferrer())
	// a reader makes the page shared
	assert.Equal(t, int64(0), wc.ExclusiveWriteCacheSize())
	p.DecrementReadersReferrer()
	assert.Equal(t, int64(1), wc.ExclusiveWriteCacheSize())
}

func TestLoadPastEndOfFile(t *testing.T) {
	wc, _ := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p, hit, err := wc.Load(fileID, 3, true)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.False(t, hit)
}

func TestStoreRejectsDifferentPointer(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p := writePage(t, wc, w, fileID, 0, 1, LSN{})
	require.NoError(t, wc.Store(fileID, 0, p))
	assert.Equal(t, int64(1), wc.WriteCacheSize())

	other := pagemanager.NewCachePointer(wc.pool.Acquire(true), nil, fileID, 0)
	assert.ErrorIs(t, wc.Store(fileID, 0, other), flushmanager.ErrPageNotInCache)
}

func TestFlushFillsGapsWithBlankPages(t *testing.T) {
	wc, w := newTestCache(t, withConfig(func(c *Config) { c.ChunkSize = 3 }))
	fileID, err := wc.AddFile("gap.pcl")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := wc.AllocateNewPage(fileID)
		require.NoError(t, err)
	}
	for i := int64(5); i < 10; i++ {
		writePage(t, wc, w, fileID, i, byte(i), LSN{})
	}
	require.NoError(t, wc.Flush(context.Background()))

	file, ok := wc.files.Get(int64(wc.InternalFileID(fileID)))
	require.True(t, ok)
	size, err := file.UnderlyingFileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(10*testPageSize), size)

	for i := int64(0); i < 5; i++ {
		assert.Equal(t, payload(0), loadPayload(t, wc, fileID, i), "page %d", i)
	}
	for i := int64(5); i < 10; i++ {
		assert.Equal(t, payload(byte(i)), loadPayload(t, wc, fileID, i), "page %d", i)
	}
	broken, err := wc.CheckStoredPages(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestGapRescanStillFillsGap(t *testing.T) {
	wc, w := newTestCache(t, withConfig(func(c *Config) { c.GapRescanLimit = 2 }))
	fileID, err := wc.AddFile("gap.pcl")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := wc.AllocateNewPage(fileID)
		require.NoError(t, err)
	}
	writePage(t, wc, w, fileID, 3, 3, LSN{})
	require.NoError(t, wc.Flush(context.Background()))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.Equal(t, payload(0), loadPayload(t, wc, fileID, 1))
	assert.Equal(t, payload(3), loadPayload(t, wc, fileID, 3))
}

func TestRemoveFlushedPagesChecksVersion(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p := writePage(t, wc, w, fileID, 0, 1, LSN{})
	key := PageKey{FileID: wc.InternalFileID(fileID), PageIndex: 0}

	stale := &chunk{pages: []chunkPage{{key: key, pointer: p, version: p.Version() - 1}}}
	wc.removeFlushedPages(stale)
	assert.Equal(t, int64(1), wc.WriteCacheSize(), "a newer version must stay cached")

	current := &chunk{pages: []chunkPage{{key: key, pointer: p, version: p.Version()}}}
	wc.removeFlushedPages(current)
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.Equal(t, int64(0), wc.ExclusiveWriteCacheSize())
	assert.Equal(t, int32(0), p.WritersReferrer())
}

func TestFlushRetriesLatchedPage(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p := writePage(t, wc, w, fileID, 0, 1, LSN{})

	p.AcquireExclusiveLock()
	done := make(chan error, 1)
	go func() { done <- wc.Flush(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("flush finished while the page was latched: %v", err)
	default:
	}
	for i := pageframe.PageDataOffset; i < len(p.Buffer()); i++ {
		p.Buffer()[i] = 2
	}
	p.ReleaseExclusiveLock()

	require.NoError(t, <-done)
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.Equal(t, payload(2), loadPayload(t, wc, fileID, 0))
}

func TestFlushInterruptedByContext(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p := writePage(t, wc, w, fileID, 0, 1, LSN{})
	p.AcquireExclusiveLock()
	defer p.ReleaseExclusiveLock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, wc.Flush(ctx), flushmanager.ErrInterrupted)
}

func TestDirtyPagesTableKeepsFirstLSN(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	p := writePage(t, wc, w, fileID, 0, 1, LSN{Segment: 2, Position: 5})
	updatePage(wc, w, p, 2, LSN{Segment: 3, Position: 1})

	seg, ok, err := wc.GetMinimalNotFlushedSegment(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), seg)

	// zero start LSN means the current end of the log
	q := writePage(t, wc, w, fileID, 1, 1, LSN{})
	require.NotNil(t, q)
	require.NoError(t, wc.Flush(context.Background()))
	_, ok, err = wc.GetMinimalNotFlushedSegment(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushTillSegment(t *testing.T) {
	wc, w := newTestCache(t)
	a, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	b, err := wc.AddFile("b.pcl")
	require.NoError(t, err)
	writePage(t, wc, w, a, 0, 1, LSN{Segment: 1, Position: 10})
	writePage(t, wc, w, a, 1, 1, LSN{Segment: 2, Position: 10})
	writePage(t, wc, w, b, 0, 2, LSN{Segment: 3, Position: 10})

	require.NoError(t, wc.FlushTillSegment(context.Background(), 3))
	seg, ok, err := wc.GetMinimalNotFlushedSegment(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), seg)
	assert.Equal(t, int64(1), wc.WriteCacheSize())

	p, hit, err := wc.Load(b, 0, true)
	require.NoError(t, err)
	assert.True(t, hit)
	p.DecrementReadersReferrer()
}

func TestPeriodicFlushDrainsOldestSegment(t *testing.T) {
	w := newFakeWAL()
	wc := openTestCache(t, t.TempDir(), w, withConfig(func(c *Config) { c.FlushInterval = 5 * time.Millisecond }))
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)

	// a reader reference keeps the page out of the exclusive-only set
	p := pagemanager.NewCachePointer(wc.pool.Acquire(true), wc.pool, fileID, 0)
	p.IncrementReadersReferrer()
	updatePage(wc, w, p, 9, LSN{Segment: 1, Position: 4})
	require.NoError(t, wc.Store(fileID, 0, p))
	assert.Equal(t, int64(0), wc.ExclusiveWriteCacheSize())
	w.advance(LSN{Segment: 3})

	require.Eventually(t, func() bool { return wc.WriteCacheSize() == 0 }, 2*time.Second, 5*time.Millisecond)
	seg, ok, err := wc.GetMinimalNotFlushedSegment(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "segment %d still dirty", seg)
	p.DecrementReadersReferrer()
}

func TestPeriodicFlushDrainsExclusivePages(t *testing.T) {
	w := newFakeWAL()
	wc := openTestCache(t, t.TempDir(), w, withConfig(func(c *Config) { c.FlushInterval = 5 * time.Millisecond }))
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	for i := int64(0); i < 50; i++ {
		writePage(t, wc, w, fileID, i, byte(i), LSN{})
	}
	require.Eventually(t, func() bool { return wc.ExclusiveWriteCacheSize() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), wc.WriteCacheSize())
}

func TestCheckCacheOverflowBoundsExclusivePages(t *testing.T) {
	const (
		producers = 8
		perThread = 125
		maxSize   = 100
		chunkSize = 8
	)
	w := newFakeWAL()
	wc := openTestCache(t, t.TempDir(), w, withConfig(func(c *Config) {
		c.ExclusiveWriteCacheMaxSize = maxSize
		c.ChunkSize = chunkSize
		c.FlushInterval = 10 * time.Millisecond
	}))
	fileID, err := wc.AddFile("stress.pcl")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		highest int64
	)
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				if !assert.NoError(t, wc.CheckCacheOverflow(context.Background())) {
					return
				}
				idx, err := wc.AllocateNewPage(fileID)
				if !assert.NoError(t, err) {
					return
				}
				p := pagemanager.NewCachePointer(wc.pool.Acquire(true), wc.pool, fileID, idx)
				updatePage(wc, w, p, byte(idx), LSN{})
				if !assert.NoError(t, wc.Store(fileID, idx, p)) {
					return
				}
				mu.Lock()
				highest = max(highest, wc.ExclusiveWriteCacheSize())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, highest, int64(maxSize+chunkSize+producers))
	require.Eventually(t, func() bool { return wc.ExclusiveWriteCacheSize() <= maxSize }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, wc.Flush(context.Background()))
	filled, err := wc.GetFilledUpTo(fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(producers*perThread), filled)
	broken, err := wc.CheckStoredPages(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestFlushErrorIsSticky(t *testing.T) {
	wc, w := newTestCache(t)
	var (
		mu  sync.Mutex
		got []error
	)
	wc.SubscribeBackgroundExceptions(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	w.mu.Lock()
	w.stuck = true
	w.mu.Unlock()
	writePage(t, wc, w, fileID, 0, 1, LSN{Segment: 1, Position: 10})

	err = wc.Flush(context.Background())
	require.ErrorIs(t, err, flushmanager.ErrFlushFailed)
	assert.ErrorIs(t, err, flushmanager.ErrDurability)
	assert.Equal(t, int64(1), wc.WriteCacheSize(), "page must not be written before its wal record")

	w.mu.Lock()
	w.stuck = false
	w.mu.Unlock()
	assert.ErrorIs(t, wc.Flush(context.Background()), flushmanager.ErrFlushFailed)
	assert.ErrorIs(t, wc.FlushTillSegment(context.Background(), 5), flushmanager.ErrFlushFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func corruptPage(t *testing.T, wc *WriteCache, name string, fileID, pageIndex int64, offset int64) {
	t.Helper()
	path := filepath.Join(wc.cfg.Dir, fileSystemName(name, wc.InternalFileID(fileID)))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, pageIndex*testPageSize+offset)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, pageIndex*testPageSize+offset)
	require.NoError(t, err)
}

func TestBrokenPagePolicies(t *testing.T) {
	tests := []struct {
		mode     ChecksumMode
		wantErr  bool
		readOnly bool
	}{
		{mode: ChecksumStoreAndVerify},
		{mode: ChecksumStoreAndThrow, wantErr: true},
		{mode: ChecksumStoreAndSwitchReadOnly, readOnly: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			wc, w := newTestCache(t, withConfig(func(c *Config) { c.ChecksumMode = tt.mode }))
			var brokenPages []int64
			sub := wc.SubscribePageIsBroken(func(name string, pageIndex int64) {
				assert.Equal(t, "idx.dat", name)
				brokenPages = append(brokenPages, pageIndex)
			})
			defer sub.Unsubscribe()

			fileID, err := wc.AddFile("idx.dat")
			require.NoError(t, err)
			writePage(t, wc, w, fileID, 0, 1, LSN{})
			writePage(t, wc, w, fileID, 1, 2, LSN{})
			require.NoError(t, wc.Flush(context.Background()))
			corruptPage(t, wc, "idx.dat", fileID, 1, 100)

			p, _, err := wc.Load(fileID, 1, true)
			if tt.wantErr {
				assert.ErrorIs(t, err, flushmanager.ErrPageBroken)
				assert.ErrorIs(t, err, flushmanager.ErrChecksumMismatch)
				assert.Nil(t, p)
			} else {
				require.NoError(t, err)
				require.NotNil(t, p)
				p.DecrementReadersReferrer()
			}
			assert.Equal(t, []int64{1}, brokenPages)
			assert.Equal(t, tt.readOnly, wc.IsReadOnly())
			if tt.readOnly {
				q := pagemanager.NewCachePointer(wc.pool.Acquire(true), nil, fileID, 2)
				assert.ErrorIs(t, wc.Store(fileID, 2, q), flushmanager.ErrReadOnly)
			}

			// unverified reads never trigger the policy
			p, _, err = wc.Load(fileID, 1, false)
			require.NoError(t, err)
			p.DecrementReadersReferrer()
			assert.Len(t, brokenPages, 1)
		})
	}
}

func TestBrokenPageRestoredFromDoubleWriteLog(t *testing.T) {
	dwl := doublewrite.NewFileLog(1<<20, zap.NewNop())
	wc, w := newTestCache(t,
		withConfig(func(c *Config) { c.ChecksumMode = ChecksumStoreAndThrow }),
		func(_ *Config, d *Deps) { d.DoubleWrite = dwl })
	var broken int
	wc.SubscribePageIsBroken(func(string, int64) { broken++ })

	fileID, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	writePage(t, wc, w, fileID, 0, 0x5A, LSN{})
	require.NoError(t, wc.Flush(context.Background()))
	corruptPage(t, wc, "idx.dat", fileID, 0, 2000)

	require.NoError(t, wc.RestoreModeOn())
	defer wc.RestoreModeOff()
	assert.Equal(t, payload(0x5A), loadPayload(t, wc, fileID, 0))
	assert.Zero(t, broken)

	// the data file itself was repaired
	pages, err := wc.CheckStoredPages(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestCheckStoredPagesReportsDamage(t *testing.T) {
	wc, w := newTestCache(t)
	fileID, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	for i := int64(0); i < 4; i++ {
		writePage(t, wc, w, fileID, i, byte(i+1), LSN{})
	}
	require.NoError(t, wc.Flush(context.Background()))
	corruptPage(t, wc, "idx.dat", fileID, 1, 500)
	corruptPage(t, wc, "idx.dat", fileID, 3, pageframe.MagicNumberOffset)

	var last int64
	pages, err := wc.CheckStoredPages(context.Background(), func(checked, total int64) {
		assert.Equal(t, int64(4), total)
		last = max(last, checked)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
	assert.Equal(t, []PageDataVerificationError{
		{IncorrectCheckSum: true, PageIndex: 1, FileName: "idx.dat"},
		{IncorrectMagicNumber: true, PageIndex: 3, FileName: "idx.dat"},
	}, pages)
}

func TestOperationsAfterClose(t *testing.T) {
	wc, _ := newTestCache(t)
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	require.NoError(t, wc.Close(context.Background()))
	require.NoError(t, wc.Close(context.Background()))

	_, err = wc.AddFile("b.pcl")
	assert.ErrorIs(t, err, flushmanager.ErrCacheClosed)
	_, _, err = wc.Load(fileID, 0, true)
	assert.ErrorIs(t, err, flushmanager.ErrCacheClosed)
	assert.ErrorIs(t, wc.Flush(context.Background()), flushmanager.ErrCacheClosed)
	assert.ErrorIs(t, wc.DeleteFile(context.Background(), fileID), flushmanager.ErrCacheClosed)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.EncryptionKey = randomKey(t, 10)
	cfg.EncryptionIV = randomKey(t, 16)
	_, err := New(context.Background(), cfg, Deps{WAL: newFakeWAL()})
	assert.ErrorIs(t, err, flushmanager.ErrInvalidEncryptionKey)

	_, err = New(context.Background(), testConfig(t.TempDir()), Deps{})
	assert.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}
