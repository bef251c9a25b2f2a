// Package fileio holds the page-aligned file abstraction used by the write
// cache and a bounded container of open file handles.
package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

// WriteRequest is one positioned write of a batch.
type WriteRequest struct {
	Offset int64
	Data   []byte
}

// IOResult completes when an asynchronous batch has been written.
type IOResult struct {
	done chan struct{}
	err  error
}

func newIOResult() *IOResult { return &IOResult{done: make(chan struct{})} }

func (r *IOResult) complete(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until the batch is written or ctx is done.
func (r *IOResult) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// File is a data file addressed by byte offset. It tracks a logical size,
// which grows by AllocateSpace without touching the disk, next to the
// underlying size of the file on disk.
type File struct {
	mu     sync.RWMutex
	path   string
	f      *os.File
	logger *zap.Logger

	logicalSize atomic.Int64
}

func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, logger: logger.Named("file")}
}

func (f *File) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

// Name returns the base name of the file on disk.
func (f *File) Name() string { return filepath.Base(f.Path()) }

func (f *File) Exists() bool {
	_, err := os.Stat(f.Path())
	return err == nil
}

// Create creates a new empty file and opens it. It fails when the file already exists.
func (f *File) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f != nil {
		return fmt.Errorf("%w: %s is already open", flushmanager.ErrFileExists, f.path)
	}
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", flushmanager.ErrFileExists, f.path)
		}
		return fmt.Errorf("%w: creating file %s: %v", flushmanager.ErrIO, f.path, err)
	}
	f.f = file
	f.logicalSize.Store(0)
	return nil
}

// Open opens an existing file. The logical size starts at the size on disk.
func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f != nil {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", flushmanager.ErrFileNotFound, f.path)
		}
		return fmt.Errorf("%w: opening file %s: %v", flushmanager.ErrIO, f.path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: getting file info of %s: %v", flushmanager.ErrIO, f.path, err)
	}
	f.f = file
	if fi.Size() > f.logicalSize.Load() {
		f.logicalSize.Store(fi.Size())
	}
	return nil
}

func (f *File) IsOpen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.f != nil
}

// Close closes the handle. The logical size is kept so a reopened file
// still reports space allocated but not yet written.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *File) closeLocked() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	if err != nil {
		return fmt.Errorf("%w: closing file %s: %v", flushmanager.ErrIO, f.path, err)
	}
	return nil
}

func (f *File) handle() (*os.File, error) {
	if f.f == nil {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrFileNotOpen, f.path)
	}
	return f.f, nil
}

// Read fills buf from offset. Reading past the end of the underlying file is an error.
func (f *File) Read(offset int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, err := f.handle()
	if err != nil {
		return err
	}
	n, err := h.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: short read of %s at %d: got %d of %d bytes",
				flushmanager.ErrIO, f.path, offset, n, len(buf))
		}
		return fmt.Errorf("%w: reading %s at %d: %v", flushmanager.ErrIO, f.path, offset, err)
	}
	return nil
}

func (f *File) Write(offset int64, buf []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, err := f.handle()
	if err != nil {
		return err
	}
	if _, err := h.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing %s at %d: %v", flushmanager.ErrIO, f.path, offset, err)
	}
	f.growLogical(offset + int64(len(buf)))
	return nil
}

// WriteBatch writes reqs in the background. The returned result reports the
// first failure.
func (f *File) WriteBatch(reqs []WriteRequest) *IOResult {
	res := newIOResult()
	go func() {
		for _, r := range reqs {
			if err := f.Write(r.Offset, r.Data); err != nil {
				res.complete(err)
				return
			}
		}
		res.complete(nil)
	}()
	return res
}

func (f *File) growLogical(end int64) {
	for {
		cur := f.logicalSize.Load()
		if end <= cur || f.logicalSize.CompareAndSwap(cur, end) {
			return
		}
	}
}

// AllocateSpace reserves size bytes at the logical end and returns the
// offset of the reserved region. Nothing is written to disk.
func (f *File) AllocateSpace(size int64) int64 {
	return f.logicalSize.Add(size) - size
}

// FileSize returns the logical size.
func (f *File) FileSize() int64 { return f.logicalSize.Load() }

// UnderlyingFileSize returns the size of the file on disk.
func (f *File) UnderlyingFileSize() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, err := f.handle()
	if err != nil {
		return 0, err
	}
	fi, err := h.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info of %s: %v", flushmanager.ErrIO, f.path, err)
	}
	return fi.Size(), nil
}

// Shrink truncates the file on disk and the logical size to size.
func (f *File) Shrink(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, err := f.handle()
	if err != nil {
		return err
	}
	if err := h.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncating %s to %d: %v", flushmanager.ErrIO, f.path, size, err)
	}
	f.logicalSize.Store(size)
	return nil
}

func (f *File) Sync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, err := f.handle()
	if err != nil {
		return err
	}
	if err := h.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, f.path, err)
	}
	return nil
}

// RenameTo moves the file to newPath. An open handle stays usable.
func (f *File) RenameTo(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(f.path, newPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", flushmanager.ErrIO, f.path, newPath, err)
	}
	f.path = newPath
	return nil
}

// ReplaceContentWith moves the file at srcPath over this file. The handle is
// reopened when it was open before.
func (f *File) ReplaceContentWith(ctx context.Context, srcPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasOpen := f.f != nil
	if err := f.closeLocked(); err != nil {
		return err
	}
	if err := RenameOrCopy(ctx, srcPath, f.path); err != nil {
		return err
	}
	fi, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("%w: getting file info of %s: %v", flushmanager.ErrIO, f.path, err)
	}
	f.logicalSize.Store(fi.Size())
	if !wasOpen {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopening %s: %v", flushmanager.ErrIO, f.path, err)
	}
	f.f = file
	return nil
}

// Delete closes and removes the file.
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.closeLocked(); err != nil {
		f.logger.Warn("Closing file before delete failed", zap.String("path", f.path), zap.Error(err))
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: deleting %s: %v", flushmanager.ErrIO, f.path, err)
	}
	f.logicalSize.Store(0)
	return nil
}
