package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// copyChunkSize is the size of each read/write chunk of a copy.
const copyChunkSize = 4 * 1024 * 1024

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyChunkSize)
		return &b
	},
}

// CopyThrottled copies srcPath to dstPath at no more than bytesPerSec
// (unlimited when bytesPerSec <= 0) and syncs the destination.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), copyChunkSize)
	}

	bp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bp)
	buf := *bp

	var off int64
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.WriteAt(buf[:n], off); err != nil {
				return fmt.Errorf("write error: %w", err)
			}
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	return nil
}

// RenameOrCopy moves srcPath to dstPath. When the rename fails (for example
// across file systems) the file is copied next to dstPath under a temporary
// name, renamed into place and the source removed.
func RenameOrCopy(ctx context.Context, srcPath, dstPath string) error {
	if err := os.Rename(srcPath, dstPath); err == nil {
		return syncDir(filepath.Dir(dstPath))
	}
	tmp := dstPath + "." + uuid.NewString() + ".tmp"
	if err := CopyThrottled(ctx, srcPath, tmp, 0); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move copy of %s into %s: %w", srcPath, dstPath, err)
	}
	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("remove %s after copy: %w", srcPath, err)
	}
	return syncDir(filepath.Dir(dstPath))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	// Some platforms refuse to fsync a directory; the rename is still in place.
	_ = d.Sync()
	return nil
}
