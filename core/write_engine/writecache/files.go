package writecache

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/write_engine/fileio"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	nameregistry "github.com/sushant-115/pagecache/core/write_engine/name_registry"
)

// fileSystemName is the on-disk name of a file: the id is inserted before
// the extension so a reused name never collides with an older file.
func fileSystemName(name string, id int32) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + strconv.Itoa(int(id)) + ext
}

func (wc *WriteCache) filePath(fsName string) string { return filepath.Join(wc.cfg.Dir, fsName) }

// openRegisteredFiles adds every live registry entry to the file container.
// Entries whose file vanished are tombstoned.
func (wc *WriteCache) openRegisteredFiles() error {
	for _, e := range wc.registry.Entries() {
		if e.ID <= 0 {
			continue
		}
		f := fileio.NewFile(wc.filePath(e.FileSystemName), wc.logger)
		if err := f.Open(); err != nil {
			wc.logger.Warn("Registered file is missing, forgetting it",
				zap.String("name", e.Name), zap.String("path", f.Path()), zap.Error(err))
			if err := wc.registry.Append(true, nameregistry.Entry{Name: e.Name, ID: -e.ID, FileSystemName: e.FileSystemName}); err != nil {
				return err
			}
			continue
		}
		if err := wc.files.Add(int64(e.ID), f); err != nil {
			return multierr.Append(err, f.Close())
		}
	}
	return nil
}

// idFree reports whether a remembered id can be given back to its name.
// Callers hold filesLock exclusively.
func (wc *WriteCache) idFree(id int32, name string) bool {
	if _, ok := wc.registry.NameOf(id); ok {
		return false
	}
	if _, ok := wc.files.Get(int64(id)); ok {
		return false
	}
	for n, booked := range wc.booked {
		if booked == id && n != name {
			return false
		}
	}
	return true
}

// newFileID picks a random id that no name, live or deleted, ever used.
// Callers hold filesLock exclusively.
func (wc *WriteCache) newFileID() int32 {
	for {
		id := rand.Int32N(math.MaxInt32) + 1
		if wc.registry.Taken(id) {
			continue
		}
		if _, ok := wc.files.Get(int64(id)); ok {
			continue
		}
		if !wc.isBooked(id) {
			return id
		}
	}
}

func (wc *WriteCache) isBooked(id int32) bool {
	for _, booked := range wc.booked {
		if booked == id {
			return true
		}
	}
	return false
}

// idForName returns the id a new file called name gets: its booked id, its
// remembered id when free, or a fresh one.
func (wc *WriteCache) idForName(name string) int32 {
	if id, ok := wc.booked[name]; ok {
		return id
	}
	if e, ok := wc.registry.Lookup(name); ok && e.ID < 0 && wc.idFree(-e.ID, name) {
		return -e.ID
	}
	return wc.newFileID()
}

// BookFileID reserves the id of a file that is created later. Booking the
// same name twice returns the same id.
func (wc *WriteCache) BookFileID(name string) (int64, error) {
	if err := wc.checkOpen(); err != nil {
		return 0, err
	}
	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()
	if e, ok := wc.registry.Lookup(name); ok && e.ID > 0 {
		return 0, fmt.Errorf("%w: %s", flushmanager.ErrFileExists, name)
	}
	id := wc.idForName(name)
	wc.booked[name] = id
	return wc.ExternalFileID(id), nil
}

// AddFile creates a new file and returns its external id.
func (wc *WriteCache) AddFile(name string) (int64, error) {
	if err := wc.checkOpen(); err != nil {
		return 0, err
	}
	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()
	if e, ok := wc.registry.Lookup(name); ok && e.ID > 0 {
		return 0, fmt.Errorf("%w: %s", flushmanager.ErrFileExists, name)
	}
	id := wc.idForName(name)
	f := fileio.NewFile(wc.filePath(fileSystemName(name, id)), wc.logger)
	if err := f.Create(); err != nil {
		return 0, err
	}
	return wc.registerFile(name, id, f)
}

// AddFileWithID creates a file under a caller chosen id. An existing file
// on disk with the same name is emptied.
func (wc *WriteCache) AddFileWithID(name string, fileID int64) (int64, error) {
	if err := wc.checkOpen(); err != nil {
		return 0, err
	}
	id := wc.InternalFileID(fileID)
	if id <= 0 {
		return 0, fmt.Errorf("%w: file id %d is not positive", flushmanager.ErrFileIDConflict, id)
	}
	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()
	if e, ok := wc.registry.Lookup(name); ok && e.ID > 0 {
		if e.ID == id {
			return 0, fmt.Errorf("%w: %s", flushmanager.ErrFileExists, name)
		}
		return 0, fmt.Errorf("%w: %s is registered with id %d, requested %d",
			flushmanager.ErrFileIDConflict, name, e.ID, id)
	}
	if !wc.idFree(id, name) {
		owner, _ := wc.registry.NameOf(id)
		return 0, fmt.Errorf("%w: id %d belongs to %q", flushmanager.ErrFileIDConflict, id, owner)
	}

	f := fileio.NewFile(wc.filePath(fileSystemName(name, id)), wc.logger)
	if f.Exists() {
		if err := f.Open(); err != nil {
			return 0, err
		}
		if err := f.Shrink(0); err != nil {
			return 0, multierr.Append(err, f.Close())
		}
	} else if err := f.Create(); err != nil {
		return 0, err
	}
	return wc.registerFile(name, id, f)
}

// registerFile persists the mapping of an open file and adds it to the
// container. Callers hold filesLock exclusively.
func (wc *WriteCache) registerFile(name string, id int32, f *fileio.File) (int64, error) {
	entry := nameregistry.Entry{Name: name, ID: id, FileSystemName: f.Name()}
	if err := wc.registry.Append(true, entry); err != nil {
		return 0, multierr.Append(err, f.Close())
	}
	if err := wc.files.Add(int64(id), f); err != nil {
		return 0, multierr.Append(err, f.Close())
	}
	delete(wc.booked, name)
	wc.logger.Info("File added", zap.String("name", name), zap.Int32("id", id), zap.String("path", f.Path()))
	return wc.ExternalFileID(id), nil
}

// LoadFile opens a file that exists on disk and returns its external id.
// A file restored from a backup may be stored under its plain name.
func (wc *WriteCache) LoadFile(name string) (int64, error) {
	if err := wc.checkOpen(); err != nil {
		return 0, err
	}
	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()

	e, ok := wc.registry.Lookup(name)
	if ok && e.ID > 0 {
		if _, loaded := wc.files.Get(int64(e.ID)); loaded {
			return wc.ExternalFileID(e.ID), nil
		}
		f := fileio.NewFile(wc.filePath(e.FileSystemName), wc.logger)
		if err := f.Open(); err != nil {
			return 0, err
		}
		if err := wc.files.Add(int64(e.ID), f); err != nil {
			return 0, multierr.Append(err, f.Close())
		}
		return wc.ExternalFileID(e.ID), nil
	}

	id := wc.idForName(name)
	f := fileio.NewFile(wc.filePath(fileSystemName(name, id)), wc.logger)
	if !f.Exists() {
		plain := fileio.NewFile(wc.filePath(name), wc.logger)
		if !plain.Exists() {
			return 0, fmt.Errorf("%w: %s", flushmanager.ErrFileNotFound, name)
		}
		wc.logger.Warn("File is stored under its plain name", zap.String("name", name))
		f = plain
	}
	if err := f.Open(); err != nil {
		return 0, err
	}
	return wc.registerFile(name, id, f)
}

// FileIDByName returns the external id of a live file.
func (wc *WriteCache) FileIDByName(name string) (int64, bool) {
	e, ok := wc.registry.Lookup(name)
	if !ok || e.ID <= 0 {
		return 0, false
	}
	return wc.ExternalFileID(e.ID), true
}

func (wc *WriteCache) FileNameByID(fileID int64) (string, bool) {
	return wc.registry.NameOf(wc.InternalFileID(fileID))
}

// Exists reports whether name is a live, open file.
func (wc *WriteCache) Exists(name string) bool {
	e, ok := wc.registry.Lookup(name)
	if !ok || e.ID <= 0 {
		return false
	}
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	f, ok := wc.files.Get(int64(e.ID))
	return ok && f.Exists()
}

// Files maps the name of every open file to its external id.
func (wc *WriteCache) Files() map[string]int64 {
	wc.filesLock.RLock()
	defer wc.filesLock.RUnlock()
	out := make(map[string]int64)
	for _, id := range wc.files.IDs() {
		if name, ok := wc.registry.NameOf(int32(id)); ok {
			out[name] = wc.ExternalFileID(int32(id))
		}
	}
	return out
}

// RenameFile gives a file a new name. Its id and cached pages are kept.
func (wc *WriteCache) RenameFile(ctx context.Context, fileID int64, newName string) error {
	if err := wc.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrInterrupted, err)
	}
	id := wc.InternalFileID(fileID)
	wc.filesLock.Lock()
	defer wc.filesLock.Unlock()

	f, ok := wc.files.Get(int64(id))
	if !ok {
		return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
	}
	oldName, ok := wc.registry.NameOf(id)
	if !ok {
		return fmt.Errorf("%w: file id %d has no name", flushmanager.ErrFileNotFound, fileID)
	}
	if e, ok := wc.registry.Lookup(newName); ok && e.ID > 0 {
		return fmt.Errorf("%w: %s", flushmanager.ErrFileExists, newName)
	}
	oldFsName := f.Name()
	newFsName := fileSystemName(newName, id)
	if err := f.RenameTo(wc.filePath(newFsName)); err != nil {
		return err
	}
	if err := wc.registry.Append(true,
		nameregistry.Entry{Name: oldName, ID: -id, FileSystemName: oldFsName},
		nameregistry.Entry{Name: newName, ID: id, FileSystemName: newFsName},
	); err != nil {
		return err
	}
	wc.logger.Info("File renamed", zap.String("from", oldName), zap.String("to", newName), zap.Int32("id", id))
	return nil
}

// ReplaceFileID moves the content of the file newFileID into fileID and
// drops newFileID. Cached pages of both files are discarded.
func (wc *WriteCache) ReplaceFileID(ctx context.Context, fileID, newFileID int64) error {
	if err := wc.FlushFile(ctx, newFileID); err != nil {
		return err
	}
	id, newID := wc.InternalFileID(fileID), wc.InternalFileID(newFileID)
	return wc.structural(ctx, "replace_file_id", func(ctx context.Context) error {
		f, ok := wc.files.Get(int64(id))
		if !ok {
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
		}
		if _, ok := wc.files.Get(int64(newID)); !ok {
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, newFileID)
		}
		newName, _ := wc.registry.NameOf(newID)

		wc.removeCachedPages(id)
		wc.removeCachedPages(newID)
		nf, err := wc.files.Remove(int64(newID))
		if err != nil {
			return err
		}
		newFsName := nf.Name()
		if err := nf.Close(); err != nil {
			return err
		}
		if err := f.ReplaceContentWith(ctx, nf.Path()); err != nil {
			return err
		}
		if err := wc.registry.Append(true, nameregistry.Entry{Name: newName, ID: -newID, FileSystemName: newFsName}); err != nil {
			return err
		}
		wc.logger.Info("File content replaced", zap.Int32("id", id), zap.Int32("from", newID))
		return nil
	})
}

// DeleteFile discards the cached pages of a file and removes it from disk.
// Its name remembers the id for reuse.
func (wc *WriteCache) DeleteFile(ctx context.Context, fileID int64) error {
	id := wc.InternalFileID(fileID)
	return wc.structural(ctx, "delete_file", func(context.Context) error {
		name, ok := wc.registry.NameOf(id)
		if !ok {
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
		}
		wc.removeCachedPages(id)
		f, err := wc.files.Remove(int64(id))
		if err != nil {
			return err
		}
		fsName := f.Name()
		if err := f.Delete(); err != nil {
			return err
		}
		if err := wc.registry.Append(true, nameregistry.Entry{Name: name, ID: -id, FileSystemName: fsName}); err != nil {
			return err
		}
		wc.logger.Info("File deleted", zap.String("name", name), zap.Int32("id", id))
		return nil
	})
}

// TruncateFile discards the cached pages of a file and empties it. The
// registry records the truncation as an invalidate-then-insert pair that
// keeps the name and id.
func (wc *WriteCache) TruncateFile(ctx context.Context, fileID int64) error {
	id := wc.InternalFileID(fileID)
	return wc.structural(ctx, "truncate_file", func(context.Context) error {
		name, ok := wc.registry.NameOf(id)
		if !ok {
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
		}
		f, err := wc.files.Acquire(int64(id))
		if err != nil {
			return err
		}
		defer wc.files.Release(int64(id))
		wc.removeCachedPages(id)
		if err := f.Shrink(0); err != nil {
			return err
		}
		return wc.registry.Append(true,
			nameregistry.Entry{Name: name, ID: -id, FileSystemName: f.Name()},
			nameregistry.Entry{Name: name, ID: id, FileSystemName: f.Name()},
		)
	})
}

// CloseFile closes a file. With flush set its cached pages are written
// first, otherwise they are discarded. The file stays registered and is
// reopened by LoadFile.
func (wc *WriteCache) CloseFile(ctx context.Context, fileID int64, flush bool) error {
	if flush {
		if err := wc.FlushFile(ctx, fileID); err != nil {
			return err
		}
	}
	id := wc.InternalFileID(fileID)
	return wc.structural(ctx, "close_file", func(context.Context) error {
		f, ok := wc.files.Get(int64(id))
		if !ok {
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, fileID)
		}
		_, unsynced := wc.unsyncedFiles[id]
		if unsynced && f.IsOpen() {
			if err := f.Sync(); err != nil {
				return err
			}
		}
		wc.removeCachedPages(id)
		if err := wc.files.CloseHandle(int64(id)); err != nil {
			return err
		}
		_, err := wc.files.Remove(int64(id))
		return err
	})
}

// structural runs fn on the flush worker with the file table locked, so it
// never races a chunk in flight.
func (wc *WriteCache) structural(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := wc.checkOpen(); err != nil {
		return err
	}
	return wc.worker.call(ctx, name, func(ctx context.Context) error {
		wc.filesLock.Lock()
		defer wc.filesLock.Unlock()
		return fn(ctx)
	})
}

// removeCachedPages drops every cached and dirty page of a file without
// writing it. Runs on the flush worker, or after it stopped, with filesLock
// held exclusively.
func (wc *WriteCache) removeCachedPages(id int32) {
	keys := wc.cachedKeys(func(k PageKey) bool { return k.FileID == id })
	for _, key := range keys {
		unlock := wc.pageLocks.Lock(key)
		if p, ok := wc.writeCachePages.LoadAndDelete(key); ok {
			p.AcquireExclusiveLock()
			wc.writeCacheSize.Add(-1)
			p.ReleaseExclusiveLock()
			p.DecrementWritersReferrer()
			p.SetWritersListener(nil)
		}
		unlock()
	}
	wc.dirtyPages.Range(func(k PageKey, _ LSN) bool {
		if k.FileID == id {
			wc.dirtyPages.Delete(k)
		}
		return true
	})
	for _, k := range wc.local.keysOfFile(id) {
		wc.local.remove(k)
	}
	delete(wc.unsyncedFiles, id)
	if len(keys) > 0 {
		wc.logger.Debug("Cached pages discarded", zap.Int32("fileID", id), zap.Int("pages", len(keys)))
	}
}
