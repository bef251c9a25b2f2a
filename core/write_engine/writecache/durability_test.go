package writecache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/write_engine/doublewrite"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
)

// checkpointLog records the checkpoint calls made on a double-write log.
type checkpointLog struct {
	doublewrite.NoOp

	mu     sync.Mutex
	events []string
}

func (l *checkpointLog) StartCheckpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "start")
	return nil
}

func (l *checkpointLog) EndCheckpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "end")
	return nil
}

func (l *checkpointLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func unsyncedFileCount(t *testing.T, wc *WriteCache) int {
	t.Helper()
	var n int
	require.NoError(t, wc.worker.call(context.Background(), "count_unsynced", func(context.Context) error {
		n = len(wc.unsyncedFiles)
		return nil
	}))
	return n
}

func readStoredPage(t *testing.T, wc *WriteCache, name string, fileID, pageIndex int64) []byte {
	t.Helper()
	f, err := os.Open(filepath.Join(wc.cfg.Dir, fileSystemName(name, wc.InternalFileID(fileID))))
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, testPageSize)
	_, err = f.ReadAt(buf, pageIndex*testPageSize)
	require.NoError(t, err)
	return buf
}

func storedCounter(page []byte) uint64 {
	return binary.LittleEndian.Uint64(page[pageframe.MagicNumberOffset:]) >> 8
}

func noSyncOnFlush(c *Config) { c.SyncOnFlush = false }

func TestFlushTillSegmentSyncsWrittenFiles(t *testing.T) {
	ctx := context.Background()
	wc, w := newTestCache(t, withConfig(noSyncOnFlush))
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	writePage(t, wc, w, fileID, 0, 1, LSN{Segment: 1, Position: 5})
	w.advance(LSN{Segment: 3})

	require.NoError(t, wc.FlushTillSegment(ctx, 3))
	assert.Zero(t, unsyncedFileCount(t, wc))
	_, ok, err := wc.GetMinimalNotFlushedSegment(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrittenButNotSyncedPagesHoldBackSegment(t *testing.T) {
	ctx := context.Background()
	log := &checkpointLog{}
	wc, w := newTestCache(t, withConfig(noSyncOnFlush), func(_ *Config, d *Deps) { d.DoubleWrite = log })
	fileID, err := wc.AddFile("a.pcl")
	require.NoError(t, err)
	writePage(t, wc, w, fileID, 0, 1, LSN{Segment: 1, Position: 5})
	writePage(t, wc, w, fileID, 1, 2, LSN{Segment: 2, Position: 5})
	w.advance(LSN{Segment: 3})

	require.NoError(t, wc.Flush(ctx))
	assert.Equal(t, int64(0), wc.DirtyPagesCount())
	assert.Equal(t, 1, unsyncedFileCount(t, wc))
	seg, ok, err := wc.GetMinimalNotFlushedSegment(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), seg)
	assert.Empty(t, log.calls())

	require.NoError(t, wc.FlushTillSegment(ctx, 3))
	assert.Zero(t, unsyncedFileCount(t, wc))
	_, ok, err = wc.GetMinimalNotFlushedSegment(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"start", "end"}, log.calls())
}

func TestDoubleWriteLogRepairsPageAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := newFakeWAL()
	opts := []testOption{
		withConfig(func(c *Config) { c.ChecksumMode = ChecksumStoreAndThrow }),
		func(_ *Config, d *Deps) { d.DoubleWrite = doublewrite.NewFileLog(1<<20, zap.NewNop()) },
	}

	wc := openTestCache(t, dir, w, opts...)
	assert.False(t, wc.InRestoreMode())
	fileID, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	writePage(t, wc, w, fileID, 0, 0x5A, LSN{})
	require.NoError(t, wc.Flush(ctx))
	require.NoError(t, wc.Close(ctx))
	corruptPage(t, wc, "idx.dat", fileID, 0, 2000)

	reopened := openTestCache(t, dir, w, opts...)
	require.True(t, reopened.InRestoreMode())
	id, ok := reopened.FileIDByName("idx.dat")
	require.True(t, ok)

	// flushing before recovery must not drop the earlier copies
	writePage(t, reopened, w, id, 1, 0x11, LSN{})
	require.NoError(t, reopened.Flush(ctx))

	assert.Equal(t, payload(0x5A), loadPayload(t, reopened, id, 0))
	reopened.RestoreModeOff()
	assert.False(t, reopened.InRestoreMode())
	broken, err := reopened.CheckStoredPages(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestBlankPageNeverSharesCounterWithRealWrite(t *testing.T) {
	ctx := context.Background()
	wc, w := newTestCache(t, withConfig(func(c *Config) {
		c.EncryptionKey = randomKey(t, 32)
		c.EncryptionIV = randomKey(t, 16)
	}))
	fileID, err := wc.AddFile("enc.dat")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := wc.AllocateNewPage(fileID)
		require.NoError(t, err)
	}
	writePage(t, wc, w, fileID, 2, 1, LSN{})
	require.NoError(t, wc.Flush(ctx))
	blank := readStoredPage(t, wc, "enc.dat", fileID, 0)
	assert.Equal(t, uint64(pageframe.BlankUpdateCounter), storedCounter(blank))

	writePage(t, wc, w, fileID, 0, 0x5A, LSN{})
	require.NoError(t, wc.Flush(ctx))
	written := readStoredPage(t, wc, "enc.dat", fileID, 0)
	assert.NotEqual(t, storedCounter(blank), storedCounter(written))

	xored := make([]byte, testPageSize-pageframe.PageDataOffset)
	for i := range xored {
		xored[i] = blank[pageframe.PageDataOffset+i] ^ written[pageframe.PageDataOffset+i]
	}
	assert.NotEqual(t, payload(0x5A), xored)
	assert.Equal(t, payload(0x5A), loadPayload(t, wc, fileID, 0))

	// a page written again after truncation starts from a new counter
	require.NoError(t, wc.TruncateFile(ctx, fileID))
	_, err = wc.AllocateNewPage(fileID)
	require.NoError(t, err)
	writePage(t, wc, w, fileID, 0, 0x5A, LSN{})
	require.NoError(t, wc.Flush(ctx))
	rewritten := readStoredPage(t, wc, "enc.dat", fileID, 0)
	assert.Greater(t, storedCounter(rewritten), storedCounter(written))
	assert.NotEqual(t, written[pageframe.PageDataOffset:], rewritten[pageframe.PageDataOffset:])
}
