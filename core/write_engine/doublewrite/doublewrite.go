// Package doublewrite protects pages against torn writes. Every framed
// chunk is appended to the double-write log and synced before it is written
// to its data file, so a page found broken after a crash can be restored
// from the log.
package doublewrite

import (
	bufferpool "github.com/sushant-115/pagecache/core/write_engine/buffer_pool"
)

// Log is the torn-page protection log consumed by the write cache.
type Log interface {
	Open(name, dir string, pageSize int) error
	StartCheckpoint() error
	EndCheckpoint() error
	// Write logs one contiguous chunk per buffer. buffers[i] holds whole pages
	// of file fileIDs[i] starting at pageIndexes[i]. When it returns
	// mustFsync the caller has to fsync the data files after writing the
	// chunks, because log space holding older copies is about to be reused.
	Write(buffers [][]byte, fileIDs []int32, pageIndexes []int64) (mustFsync bool, err error)
	// LoadPage returns the newest logged copy of a page taken from pool, or
	// nil when the log holds none. Pages are only served in restore mode.
	LoadPage(fileID int32, pageIndex int64, pool *bufferpool.Pool) ([]byte, error)
	Truncate() error
	// Recoverable reports whether segments written before Open are still on
	// disk and may hold the only intact copy of a torn page.
	Recoverable() bool
	// RestoreModeOn indexes the logged pages for LoadPage. The log keeps all
	// of its segments until RestoreModeOff.
	RestoreModeOn() error
	RestoreModeOff()
	Close() error
}

// NoOp is a Log that keeps nothing.
type NoOp struct{}

var _ Log = NoOp{}

func (NoOp) Open(string, string, int) error                          { return nil }
func (NoOp) StartCheckpoint() error                                  { return nil }
func (NoOp) EndCheckpoint() error                                    { return nil }
func (NoOp) Write([][]byte, []int32, []int64) (bool, error)          { return false, nil }
func (NoOp) LoadPage(int32, int64, *bufferpool.Pool) ([]byte, error) { return nil, nil }
func (NoOp) Truncate() error                                         { return nil }
func (NoOp) Recoverable() bool                                       { return false }
func (NoOp) RestoreModeOn() error                                    { return nil }
func (NoOp) RestoreModeOff()                                         {}
func (NoOp) Close() error                                            { return nil }
