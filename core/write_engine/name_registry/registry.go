// Package nameregistry persists the mapping between file names, internal
// file ids and the names of the files on disk.
//
// The registry is an append-only log of entries replayed at open time.
// Three on-disk versions exist; older ones are migrated to the current
// format the first time they are opened.
package nameregistry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/write_engine/fileio"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
)

const (
	V1FileName = "name_id_map.cm"
	V2FileName = "name_id_map_v2.cm"
	V3FileName = "name_id_map_v3.cm"

	// MaxRecordLength bounds a v3 record; a longer length marks the end of valid data.
	MaxRecordLength = 64 * 1024

	v3HeaderSize = 12 // xxhash64(8) | recordLength(4)
)

// Entry maps a name to an internal file id. A positive id is a live file, a
// negative id is a deleted file whose id is remembered for reuse, and zero
// drops the name altogether.
type Entry struct {
	Name           string
	ID             int32
	FileSystemName string
}

// Registry is the in-memory view of the persisted entries.
type Registry struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger

	file *os.File
	size int64

	byName map[string]Entry
	byID   map[int32]string
}

// Open loads the registry in dir, migrating older formats and dropping a
// torn tail record.
func Open(ctx context.Context, dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating registry directory %s: %v", flushmanager.ErrIO, dir, err)
	}
	r := &Registry{
		dir:    dir,
		logger: logger.Named("name_registry"),
		byName: make(map[string]Entry),
		byID:   make(map[int32]string),
	}

	v3Path := filepath.Join(dir, V3FileName)
	switch {
	case fileExists(v3Path):
		if err := r.loadV3(v3Path); err != nil {
			return nil, err
		}
	case fileExists(filepath.Join(dir, V2FileName)):
		if err := r.migrate(ctx, V2FileName, readV2); err != nil {
			return nil, err
		}
	case fileExists(filepath.Join(dir, V1FileName)):
		if err := r.migrate(ctx, V1FileName, readV1); err != nil {
			return nil, err
		}
	}
	// A v3 file written by a finished migration makes the old ones obsolete.
	for _, old := range []string{V2FileName, V1FileName} {
		if err := os.Remove(filepath.Join(dir, old)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: removing migrated registry %s: %v", flushmanager.ErrIO, old, err)
		}
	}

	if err := r.openForAppend(v3Path); err != nil {
		return nil, err
	}
	r.logger.Debug("Registry loaded", zap.String("dir", dir), zap.Int("names", len(r.byName)))
	return r, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (r *Registry) openForAppend(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening registry %s: %v", flushmanager.ErrIO, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: getting registry file info: %v", flushmanager.ErrIO, err)
	}
	r.file = f
	r.size = fi.Size()
	return nil
}

func (r *Registry) loadV3(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading registry %s: %v", flushmanager.ErrIO, path, err)
	}
	entries, valid := decodeV3(data)
	for _, e := range entries {
		r.apply(e)
	}
	if valid < len(data) {
		r.logger.Warn("Dropping torn registry tail",
			zap.String("path", path), zap.Int("validBytes", valid), zap.Int("fileBytes", len(data)))
		if err := os.Truncate(path, int64(valid)); err != nil {
			return fmt.Errorf("%w: truncating registry %s: %v", flushmanager.ErrIO, path, err)
		}
	}
	return nil
}

func (r *Registry) migrate(ctx context.Context, name string, read func([]byte) []Entry) error {
	path := filepath.Join(r.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading registry %s: %v", flushmanager.ErrIO, path, err)
	}
	for _, e := range read(data) {
		r.apply(e)
	}
	r.logger.Info("Migrating file registry to the current format",
		zap.String("from", name), zap.Int("names", len(r.byName)))
	return r.rewrite(ctx)
}

// apply replays one entry onto the in-memory tables.
func (r *Registry) apply(e Entry) {
	if prev, ok := r.byName[e.Name]; ok && prev.ID > 0 && r.byID[prev.ID] == e.Name {
		delete(r.byID, prev.ID)
	}
	if e.ID == 0 {
		delete(r.byName, e.Name)
		return
	}
	r.byName[e.Name] = e
	if e.ID > 0 {
		r.byID[e.ID] = e.Name
	}
}

// Lookup returns the id registered for name, which may be negative for a
// deleted file.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	return e, ok
}

// NameOf returns the name of a live file id.
func (r *Registry) NameOf(id int32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byID[id]
	return name, ok
}

// Taken reports whether id, or its tombstone, belongs to any name.
func (r *Registry) Taken(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byName {
		if e.ID == id || e.ID == -id {
			return true
		}
	}
	return false
}

// Entries returns every known name, live or deleted, sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesLocked()
}

func (r *Registry) entriesLocked() []Entry {
	out := make([]Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Append persists entries in order and applies them. With sync set the
// registry file is fsynced before returning.
func (r *Registry) Append(sync bool, entries ...Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("%w: registry is closed", flushmanager.ErrFileNotOpen)
	}
	var buf []byte
	for _, e := range entries {
		rec, err := encodeV3(e)
		if err != nil {
			return err
		}
		buf = append(buf, rec...)
	}
	if _, err := r.file.WriteAt(buf, r.size); err != nil {
		return fmt.Errorf("%w: writing registry: %v", flushmanager.ErrIO, err)
	}
	r.size += int64(len(buf))
	if sync {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("%w: syncing registry: %v", flushmanager.ErrIO, err)
		}
	}
	for _, e := range entries {
		r.apply(e)
	}
	return nil
}

// Compact rewrites the registry with one record per known name.
func (r *Registry) Compact(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("%w: closing registry: %v", flushmanager.ErrIO, err)
		}
		r.file = nil
	}
	if err := r.rewrite(ctx); err != nil {
		return err
	}
	return r.openForAppend(filepath.Join(r.dir, V3FileName))
}

// rewrite writes the in-memory tables to a temporary file that then
// replaces the v3 file.
func (r *Registry) rewrite(ctx context.Context) error {
	var buf []byte
	for _, e := range r.entriesLocked() {
		rec, err := encodeV3(e)
		if err != nil {
			return err
		}
		buf = append(buf, rec...)
	}
	tmp := filepath.Join(r.dir, uuid.NewString()+".cm.tmp")
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating registry temp file: %v", flushmanager.ErrIO, err)
	}
	_, werr := f.Write(buf)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: writing registry temp file: %v", flushmanager.ErrIO, err)
	}
	if err := fileio.RenameOrCopy(ctx, tmp, filepath.Join(r.dir, V3FileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: replacing registry: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing registry: %v", flushmanager.ErrIO, err)
	}
	return nil
}

// Delete closes the registry and removes its files.
func (r *Registry) Delete() error {
	if err := r.Close(); err != nil {
		return err
	}
	for _, name := range []string{V3FileName, V2FileName, V1FileName} {
		if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing registry %s: %v", flushmanager.ErrIO, name, err)
		}
	}
	return nil
}

// --- Record codecs ---

func putString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte, off int) (string, int, bool) {
	if off+4 > len(data) {
		return "", off, false
	}
	n := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return "", off, false
	}
	return string(data[off : off+n]), off + n, true
}

func encodeV3(e Entry) ([]byte, error) {
	body := binary.LittleEndian.AppendUint32(nil, uint32(e.ID))
	body = putString(body, e.Name)
	body = putString(body, e.FileSystemName)
	if len(body) > MaxRecordLength {
		return nil, fmt.Errorf("%w: registry record for %q is %d bytes", flushmanager.ErrRegistryCorrupted, e.Name, len(body))
	}
	rec := make([]byte, v3HeaderSize, v3HeaderSize+len(body))
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(body)))
	rec = append(rec, body...)
	binary.LittleEndian.PutUint64(rec[0:], xxhash.Sum64(rec[8:]))
	return rec, nil
}

// decodeV3 returns the records before the first invalid one and the number
// of bytes they occupy.
func decodeV3(data []byte) ([]Entry, int) {
	var out []Entry
	off := 0
	for off+v3HeaderSize <= len(data) {
		length := int(binary.LittleEndian.Uint32(data[off+8:]))
		end := off + v3HeaderSize + length
		if length > MaxRecordLength || end > len(data) {
			break
		}
		if xxhash.Sum64(data[off+8:end]) != binary.LittleEndian.Uint64(data[off:]) {
			break
		}
		body := data[off+v3HeaderSize : end]
		if len(body) < 4 {
			break
		}
		id := int32(binary.LittleEndian.Uint32(body))
		name, p, ok := readString(body, 4)
		if !ok {
			break
		}
		fsName, _, ok := readString(body, p)
		if !ok {
			break
		}
		out = append(out, Entry{Name: name, ID: id, FileSystemName: fsName})
		off = end
	}
	return out, off
}

func readV2(data []byte) []Entry {
	var out []Entry
	off := 0
	for off+4 <= len(data) {
		id := int32(binary.LittleEndian.Uint32(data[off:]))
		name, p, ok := readString(data, off+4)
		if !ok {
			break
		}
		fsName, p, ok := readString(data, p)
		if !ok {
			break
		}
		out = append(out, Entry{Name: name, ID: id, FileSystemName: fsName})
		off = p
	}
	return out
}

// readV1 reads the oldest format, which has no separate file system name.
func readV1(data []byte) []Entry {
	var out []Entry
	off := 0
	for {
		name, p, ok := readString(data, off)
		if !ok || p+8 > len(data) {
			break
		}
		id := int64(binary.LittleEndian.Uint64(data[p:]))
		out = append(out, Entry{Name: name, ID: int32(id), FileSystemName: name})
		off = p + 8
	}
	return out
}
