package writecache

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/security/encryption"
	bufferpool "github.com/sushant-115/pagecache/core/write_engine/buffer_pool"
	"github.com/sushant-115/pagecache/core/write_engine/doublewrite"
	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	"github.com/sushant-115/pagecache/core/write_engine/pageframe"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
)

// ChecksumMode selects how page checksums are written and what happens
// when a page read from disk fails verification.
type ChecksumMode int

const (
	// ChecksumOff writes pages without a checksum.
	ChecksumOff ChecksumMode = iota
	// ChecksumStore writes checksums but never verifies them.
	ChecksumStore
	// ChecksumStoreAndVerify notifies listeners about broken pages and carries on.
	ChecksumStoreAndVerify
	// ChecksumStoreAndThrow fails the read of a broken page.
	ChecksumStoreAndThrow
	// ChecksumStoreAndSwitchReadOnly switches the cache to read-only on a broken page.
	ChecksumStoreAndSwitchReadOnly
)

var checksumModeNames = map[ChecksumMode]string{
	ChecksumOff:                    "off",
	ChecksumStore:                  "store",
	ChecksumStoreAndVerify:         "store_and_verify",
	ChecksumStoreAndThrow:          "store_and_throw",
	ChecksumStoreAndSwitchReadOnly: "store_and_switch_read_only",
}

func (m ChecksumMode) String() string {
	if s, ok := checksumModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ChecksumMode(%d)", int(m))
}

func (m ChecksumMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ChecksumMode) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for mode, name := range checksumModeNames {
		if name == s {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("%w: unknown checksum mode %q", flushmanager.ErrInvalidConfig, s)
}

func (m ChecksumMode) verifies() bool { return m >= ChecksumStoreAndVerify }

// Config holds the write cache tunables.
type Config struct {
	// Dir holds the data files, the name registry and the double-write log.
	Dir string `yaml:"dir"`
	// StorageName names the double-write log segments.
	StorageName string `yaml:"storage_name"`
	// CacheID is the upper half of every external file id.
	CacheID int32 `yaml:"cache_id"`

	PageSize int `yaml:"page_size"`
	// ChunkSize is the maximum number of pages written in one batch. Zero
	// sizes chunks to DefaultChunkBytes.
	ChunkSize int `yaml:"chunk_size"`
	// ExclusiveWriteCacheMaxSize caps pages held only by the write cache.
	ExclusiveWriteCacheMaxSize int64         `yaml:"exclusive_write_cache_max_size"`
	FlushInterval              time.Duration `yaml:"flush_interval"`
	ShutdownTimeout            time.Duration `yaml:"shutdown_timeout"`

	ChecksumMode ChecksumMode `yaml:"checksum_mode"`
	// EncryptionKey and EncryptionIV are base64 encoded. Pages are stored in
	// plain text when the key is empty.
	EncryptionKey string `yaml:"encryption_key"`
	EncryptionIV  string `yaml:"encryption_iv"`

	// GapRescanLimit is how many times a flush pass restarts from its first
	// page when a chunk would leave a gap in a file, before the gap is
	// filled with blank pages. Zero fills immediately.
	GapRescanLimit int `yaml:"gap_rescan_limit"`
	// FlushRateBytesPerSec throttles data file writes. Zero disables throttling.
	FlushRateBytesPerSec int64 `yaml:"flush_rate_bytes_per_sec"`
	// WriteParallelism bounds concurrent writes of one chunk.
	WriteParallelism int `yaml:"write_parallelism"`
	// SyncOnFlush fsyncs data files at the end of Flush and FlushFile.
	SyncOnFlush bool `yaml:"sync_on_flush"`

	MaxOpenFiles       int `yaml:"max_open_files"`
	PageLockPartitions int `yaml:"page_lock_partitions"`
}

// DefaultChunkBytes is the size of a chunk when ChunkSize is not set.
const DefaultChunkBytes = 64 << 20

// DefaultConfig returns the configuration used for omitted fields.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                        dir,
		StorageName:                "storage",
		CacheID:                    1,
		PageSize:                   8 * 1024,
		ExclusiveWriteCacheMaxSize: 4096,
		FlushInterval:              25 * time.Millisecond,
		ShutdownTimeout:            10 * time.Second,
		ChecksumMode:               ChecksumStoreAndVerify,
		WriteParallelism:           4,
		SyncOnFlush:                true,
		MaxOpenFiles:               512,
		PageLockPartitions:         1024,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig(c.Dir)
	if c.Dir == "" {
		return fmt.Errorf("%w: dir is required", flushmanager.ErrInvalidConfig)
	}
	if c.StorageName == "" {
		c.StorageName = def.StorageName
	}
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	if c.PageSize <= pageframe.PageDataOffset || c.PageSize%512 != 0 {
		return fmt.Errorf("%w: page size %d must be a positive multiple of 512", flushmanager.ErrInvalidConfig, c.PageSize)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = max(DefaultChunkBytes/c.PageSize, 1)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk size %d", flushmanager.ErrInvalidConfig, c.ChunkSize)
	}
	if c.ExclusiveWriteCacheMaxSize <= 0 {
		c.ExclusiveWriteCacheMaxSize = def.ExclusiveWriteCacheMaxSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if _, ok := checksumModeNames[c.ChecksumMode]; !ok {
		return fmt.Errorf("%w: checksum mode %d", flushmanager.ErrInvalidConfig, c.ChecksumMode)
	}
	if c.WriteParallelism <= 0 {
		c.WriteParallelism = def.WriteParallelism
	}
	if c.MaxOpenFiles <= 0 {
		c.MaxOpenFiles = def.MaxOpenFiles
	}
	if c.PageLockPartitions <= 0 {
		c.PageLockPartitions = def.PageLockPartitions
	}
	if c.GapRescanLimit < 0 || c.FlushRateBytesPerSec < 0 {
		return fmt.Errorf("%w: gap rescan limit and flush rate must not be negative", flushmanager.ErrInvalidConfig)
	}
	_, err := c.cipher()
	return err
}

// cipher builds the page cipher, or returns nil when encryption is off.
func (c *Config) cipher() (*encryption.PageCipher, error) {
	if c.EncryptionKey == "" {
		if c.EncryptionIV != "" {
			return nil, fmt.Errorf("%w: iv given without a key", flushmanager.ErrInvalidEncryptionKey)
		}
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64: %v", flushmanager.ErrInvalidEncryptionKey, err)
	}
	if c.EncryptionIV == "" {
		return nil, fmt.Errorf("%w: iv is required with a key", flushmanager.ErrInvalidEncryptionKey)
	}
	iv, err := base64.StdEncoding.DecodeString(c.EncryptionIV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not valid base64: %v", flushmanager.ErrInvalidEncryptionKey, err)
	}
	pc, err := encryption.NewPageCipher(key, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrInvalidEncryptionKey, err)
	}
	return pc, nil
}

// Deps are the collaborators of a write cache. Only WAL is required.
type Deps struct {
	Logger      *zap.Logger
	Meter       metric.Meter
	Tracer      trace.Tracer
	WAL         wal.WriteAheadLog
	DoubleWrite doublewrite.Log
	Pool        *bufferpool.Pool
}
