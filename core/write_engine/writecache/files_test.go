package writecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	nameregistry "github.com/sushant-115/pagecache/core/write_engine/name_registry"
)

func TestFileSystemName(t *testing.T) {
	assert.Equal(t, "idx_7.dat", fileSystemName("idx.dat", 7))
	assert.Equal(t, "noext_12", fileSystemName("noext", 12))
	assert.Equal(t, "a.b_3.c", fileSystemName("a.b.c", 3))
}

func TestAddFileTwiceFails(t *testing.T) {
	wc, _ := newTestCache(t)
	id, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	_, err = wc.AddFile("idx.dat")
	assert.ErrorIs(t, err, flushmanager.ErrFileExists)

	assert.True(t, wc.Exists("idx.dat"))
	assert.FileExists(t, filepath.Join(wc.cfg.Dir, fileSystemName("idx.dat", wc.InternalFileID(id))))
	name, ok := wc.FileNameByID(id)
	require.True(t, ok)
	assert.Equal(t, "idx.dat", name)
	assert.Equal(t, map[string]int64{"idx.dat": id}, wc.Files())
}

func TestBookFileID(t *testing.T) {
	wc, _ := newTestCache(t)
	booked, err := wc.BookFileID("later.dat")
	require.NoError(t, err)
	again, err := wc.BookFileID("later.dat")
	require.NoError(t, err)
	assert.Equal(t, booked, again)
	_, ok := wc.FileIDByName("later.dat")
	assert.False(t, ok, "a booked id is not a live file")

	added, err := wc.AddFile("later.dat")
	require.NoError(t, err)
	assert.Equal(t, booked, added)
	_, err = wc.BookFileID("later.dat")
	assert.ErrorIs(t, err, flushmanager.ErrFileExists)
}

func TestAddFileWithID(t *testing.T) {
	wc, _ := newTestCache(t)
	id, err := wc.AddFileWithID("a.pcl", wc.ExternalFileID(42))
	require.NoError(t, err)
	assert.Equal(t, int32(42), wc.InternalFileID(id))

	_, err = wc.AddFileWithID("a.pcl", wc.ExternalFileID(42))
	assert.ErrorIs(t, err, flushmanager.ErrFileExists)
	_, err = wc.AddFileWithID("a.pcl", wc.ExternalFileID(43))
	assert.ErrorIs(t, err, flushmanager.ErrFileIDConflict)
	_, err = wc.AddFileWithID("b.pcl", wc.ExternalFileID(42))
	assert.ErrorIs(t, err, flushmanager.ErrFileIDConflict)
	_, err = wc.AddFileWithID("c.pcl", wc.ExternalFileID(-1))
	assert.ErrorIs(t, err, flushmanager.ErrFileIDConflict)
}

func TestDeleteFileDropsPagesAndReusesID(t *testing.T) {
	wc, w := newTestCache(t)
	id, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	writePage(t, wc, w, id, 0, 1, LSN{Segment: 1, Position: 3})
	writePage(t, wc, w, id, 1, 1, LSN{Segment: 1, Position: 4})
	path := filepath.Join(wc.cfg.Dir, fileSystemName("idx.dat", wc.InternalFileID(id)))

	require.NoError(t, wc.DeleteFile(context.Background(), id))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.Equal(t, int64(0), wc.ExclusiveWriteCacheSize())
	assert.Equal(t, int64(0), wc.DirtyPagesCount())
	assert.NoFileExists(t, path)
	assert.False(t, wc.Exists("idx.dat"))
	_, ok := wc.FileIDByName("idx.dat")
	assert.False(t, ok)
	assert.ErrorIs(t, wc.DeleteFile(context.Background(), id), flushmanager.ErrFileNotFound)

	again, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	assert.Equal(t, id, again, "a deleted name gets its id back")
}

func TestTruncateFile(t *testing.T) {
	dir := t.TempDir()
	w := newFakeWAL()
	wc := openTestCache(t, dir, w)
	id, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		_, err := wc.AllocateNewPage(id)
		require.NoError(t, err)
		writePage(t, wc, w, id, i, 1, LSN{})
	}
	require.NoError(t, wc.FlushFile(context.Background(), id))
	writePage(t, wc, w, id, 1, 2, LSN{})
	registryPath := filepath.Join(dir, nameregistry.V3FileName)
	before, err := os.Stat(registryPath)
	require.NoError(t, err)

	require.NoError(t, wc.TruncateFile(context.Background(), id))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	filled, err := wc.GetFilledUpTo(id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), filled)
	p, _, err := wc.Load(id, 0, true)
	require.NoError(t, err)
	assert.Nil(t, p)

	after, err := os.Stat(registryPath)
	require.NoError(t, err)
	assert.Greater(t, after.Size(), before.Size(), "truncation is recorded in the registry")
	got, ok := wc.FileIDByName("idx.dat")
	require.True(t, ok)
	assert.Equal(t, id, got)

	require.NoError(t, wc.Close(context.Background()))
	reopened := openTestCache(t, dir, w)
	got, ok = reopened.FileIDByName("idx.dat")
	require.True(t, ok)
	assert.Equal(t, id, got)
	filled, err = reopened.GetFilledUpTo(got)
	require.NoError(t, err)
	assert.Equal(t, int64(0), filled)
}

func TestRenameFile(t *testing.T) {
	dir := t.TempDir()
	w := newFakeWAL()
	wc := openTestCache(t, dir, w)
	id, err := wc.AddFile("old.dat")
	require.NoError(t, err)
	other, err := wc.AddFile("other.dat")
	require.NoError(t, err)
	writePage(t, wc, w, id, 0, 3, LSN{})

	assert.ErrorIs(t, wc.RenameFile(context.Background(), id, "other.dat"), flushmanager.ErrFileExists)
	require.NoError(t, wc.RenameFile(context.Background(), id, "new.dat"))
	_, ok := wc.FileIDByName("old.dat")
	assert.False(t, ok)
	renamed, ok := wc.FileIDByName("new.dat")
	require.True(t, ok)
	assert.Equal(t, id, renamed)
	assert.Equal(t, int64(1), wc.WriteCacheSize(), "renaming keeps cached pages")
	assert.FileExists(t, filepath.Join(dir, fileSystemName("new.dat", wc.InternalFileID(id))))
	assert.NoFileExists(t, filepath.Join(dir, fileSystemName("old.dat", wc.InternalFileID(id))))

	// the old name must not take the id that moved to the new one
	fresh, err := wc.AddFile("old.dat")
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh)
	assert.NotEqual(t, other, fresh)

	require.NoError(t, wc.Close(context.Background()))
	reopened := openTestCache(t, dir, w)
	assert.Equal(t, map[string]int64{"new.dat": id, "other.dat": other, "old.dat": fresh}, reopened.Files())
	assert.Equal(t, payload(3), loadPayload(t, reopened, id, 0))
}

func TestReplaceFileID(t *testing.T) {
	wc, w := newTestCache(t)
	target, err := wc.AddFile("target.dat")
	require.NoError(t, err)
	source, err := wc.AddFile("source.dat")
	require.NoError(t, err)
	writePage(t, wc, w, target, 0, 1, LSN{})
	require.NoError(t, wc.Flush(context.Background()))
	writePage(t, wc, w, target, 0, 9, LSN{})
	writePage(t, wc, w, source, 0, 2, LSN{})
	writePage(t, wc, w, source, 1, 2, LSN{})

	require.NoError(t, wc.ReplaceFileID(context.Background(), target, source))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	_, ok := wc.FileIDByName("source.dat")
	assert.False(t, ok)
	filled, err := wc.GetFilledUpTo(target)
	require.NoError(t, err)
	assert.Equal(t, int64(2), filled)
	assert.Equal(t, payload(2), loadPayload(t, wc, target, 1))
}

func TestCloseFileAndLoadFile(t *testing.T) {
	wc, w := newTestCache(t)
	id, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	writePage(t, wc, w, id, 0, 4, LSN{})

	require.NoError(t, wc.CloseFile(context.Background(), id, true))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.False(t, wc.Exists("idx.dat"))
	_, _, err = wc.Load(id, 0, true)
	assert.ErrorIs(t, err, flushmanager.ErrFileNotFound)

	loaded, err := wc.LoadFile("idx.dat")
	require.NoError(t, err)
	assert.Equal(t, id, loaded)
	assert.Equal(t, payload(4), loadPayload(t, wc, id, 0))

	// closing without flush discards the pages
	writePage(t, wc, w, id, 0, 5, LSN{})
	require.NoError(t, wc.CloseFile(context.Background(), id, false))
	_, err = wc.LoadFile("idx.dat")
	require.NoError(t, err)
	assert.Equal(t, payload(4), loadPayload(t, wc, id, 0))
}

func TestLoadFileUnknownToRegistry(t *testing.T) {
	dir := t.TempDir()
	w := newFakeWAL()
	wc := openTestCache(t, dir, w)
	id, err := wc.AddFile("restored.dat")
	require.NoError(t, err)
	writePage(t, wc, w, id, 0, 6, LSN{})
	require.NoError(t, wc.Close(context.Background()))

	// a restore brings the data file back under its plain name, without the registry
	require.NoError(t, os.Rename(
		filepath.Join(dir, fileSystemName("restored.dat", wc.InternalFileID(id))),
		filepath.Join(dir, "restored.dat")))
	require.NoError(t, os.Remove(filepath.Join(dir, nameregistry.V3FileName)))

	reopened := openTestCache(t, dir, w)
	assert.Empty(t, reopened.Files())
	_, err = reopened.LoadFile("missing.dat")
	assert.ErrorIs(t, err, flushmanager.ErrFileNotFound)
	loaded, err := reopened.LoadFile("restored.dat")
	require.NoError(t, err)
	name, ok := reopened.FileNameByID(loaded)
	require.True(t, ok)
	assert.Equal(t, "restored.dat", name)
	assert.Equal(t, payload(6), loadPayload(t, reopened, loaded, 0))
}

func TestDeleteCache(t *testing.T) {
	dir := t.TempDir()
	w := newFakeWAL()
	wc := openTestCache(t, dir, w)
	id, err := wc.AddFile("idx.dat")
	require.NoError(t, err)
	writePage(t, wc, w, id, 0, 1, LSN{})

	require.NoError(t, wc.Delete(context.Background()))
	assert.Equal(t, int64(0), wc.WriteCacheSize())
	assert.NoFileExists(t, filepath.Join(dir, fileSystemName("idx.dat", wc.InternalFileID(id))))
	assert.ErrorIs(t, wc.Delete(context.Background()), flushmanager.ErrCacheClosed)

	reopened := openTestCache(t, dir, w)
	assert.Empty(t, reopened.Files())
}

