package fileio

import (
	"container/list"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

type containerEntry struct {
	id    int64
	file  *File
	users int
	// idle is the entry's position in the LRU list while it is open and unused.
	idle *list.Element
}

// Container keeps the registered files of a cache and bounds how many of
// them hold an open handle. Idle handles are closed least recently used
// first. When every open handle is acquired the limit is exceeded rather
// than blocking.
type Container struct {
	mu      sync.Mutex
	entries map[int64]*containerEntry
	lru     *list.List
	maxOpen int
	open    int
	logger  *zap.Logger
}

func NewContainer(maxOpen int, logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxOpen <= 0 {
		maxOpen = 1
	}
	return &Container{
		entries: make(map[int64]*containerEntry),
		lru:     list.New(),
		maxOpen: maxOpen,
		logger:  logger.Named("file_container"),
	}
}

// Add registers a file under id. An open file counts against the limit as an idle handle.
func (c *Container) Add(id int64, file *File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return fmt.Errorf("%w: file id %d is already in the container", flushmanager.ErrFileIDConflict, id)
	}
	e := &containerEntry{id: id, file: file}
	c.entries[id] = e
	if file.IsOpen() {
		c.open++
		e.idle = c.lru.PushFront(e)
		c.evictLocked()
	}
	return nil
}

// Get returns the file without acquiring it. The handle may be closed.
func (c *Container) Get(id int64) (*File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.file, true
}

// Acquire opens the file if needed and pins its handle until Release.
func (c *Container) Acquire(id int64) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, id)
	}
	if e.idle != nil {
		c.lru.Remove(e.idle)
		e.idle = nil
	} else if e.users == 0 {
		if err := e.file.Open(); err != nil {
			return nil, err
		}
		c.open++
		c.evictLocked()
	}
	e.users++
	return e.file, nil
}

// Release unpins a handle returned by Acquire.
func (c *Container) Release(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.users--
	if e.users < 0 {
		panic(fmt.Sprintf("file %d released more often than acquired", id))
	}
	if e.users == 0 {
		e.idle = c.lru.PushFront(e)
		c.evictLocked()
	}
}

func (c *Container) evictLocked() {
	for c.open > c.maxOpen {
		back := c.lru.Back()
		if back == nil {
			c.logger.Debug("All open files are in use, exceeding open file limit",
				zap.Int("open", c.open), zap.Int("limit", c.maxOpen))
			return
		}
		e := back.Value.(*containerEntry)
		c.lru.Remove(back)
		e.idle = nil
		if err := e.file.Close(); err != nil {
			c.logger.Warn("Closing idle file failed", zap.String("path", e.file.Path()), zap.Error(err))
		}
		c.open--
	}
}

// Remove unregisters id, waiting until no caller holds its handle. The
// returned file is left open if it was open.
func (c *Container) Remove(id int64) (*File, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, id)
		}
		if e.users == 0 {
			if e.idle != nil {
				c.lru.Remove(e.idle)
				e.idle = nil
				c.open--
			}
			delete(c.entries, id)
			c.mu.Unlock()
			return e.file, nil
		}
		c.mu.Unlock()
		runtime.Gosched()
	}
}

// CloseHandle closes the handle of id once no caller holds it. The file
// stays registered and is reopened by the next Acquire.
func (c *Container) CloseHandle(id int64) error {
	for {
		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: file id %d", flushmanager.ErrFileNotFound, id)
		}
		if e.users > 0 {
			c.mu.Unlock()
			runtime.Gosched()
			continue
		}
		defer c.mu.Unlock()
		if e.idle == nil {
			return nil
		}
		c.lru.Remove(e.idle)
		e.idle = nil
		c.open--
		return e.file.Close()
	}
}

// IDs returns the registered ids in no particular order.
func (c *Container) IDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// OpenCount returns the number of files holding an open handle.
func (c *Container) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close closes every file and empties the container.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for id, e := range c.entries {
		errs = multierr.Append(errs, e.file.Close())
		delete(c.entries, id)
	}
	c.lru.Init()
	c.open = 0
	return errs
}
