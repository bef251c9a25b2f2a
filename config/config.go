// Package config loads the YAML configuration file of the page cache tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	flushmanager "github.com/sushant-115/pagecache/core/write_engine/flush_manager"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
	"github.com/sushant-115/pagecache/core/write_engine/writecache"
	"github.com/sushant-115/pagecache/pkg/logger"
	"github.com/sushant-115/pagecache/pkg/telemetry"
)

// DoubleWriteConfig selects the torn-page protection of the write cache.
type DoubleWriteConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSegmentSize is the size at which a double-write segment is rotated.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// Config is the root of the configuration file.
type Config struct {
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	WriteCache  writecache.Config `yaml:"write_cache"`
	WAL         wal.Config        `yaml:"wal"`
	DoubleWrite DoubleWriteConfig `yaml:"double_write"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger:      logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry:   telemetry.Config{ServiceName: logger.DefaultService},
		WriteCache:  writecache.DefaultConfig(""),
		WAL:         wal.DefaultConfig(""),
		DoubleWrite: DoubleWriteConfig{Enabled: true},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config %s: %v", flushmanager.ErrInvalidConfig, path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parsing config %s: %w", flushmanager.ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// WithDir points the write cache at dir. The WAL lives in its "wal"
// subdirectory unless the file sets another one.
func (c Config) WithDir(dir string) Config {
	c.WriteCache.Dir = dir
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(dir, "wal")
	}
	return c
}
