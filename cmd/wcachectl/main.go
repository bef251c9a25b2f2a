// Command wcachectl inspects and exercises a write cache directory.
//
// Usage:
//
//	wcachectl [--config pagecache.yaml] check <dir> [--repair]
//	wcachectl registry dump <dir>
//	wcachectl registry compact <dir>
//	wcachectl stress <dir> [--writers 8] [--pages 1000] [--duration 30s]
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/config"
	bufferpool "github.com/sushant-115/pagecache/core/write_engine/buffer_pool"
	"github.com/sushant-115/pagecache/core/write_engine/doublewrite"
	"github.com/sushant-115/pagecache/core/write_engine/wal"
	"github.com/sushant-115/pagecache/core/write_engine/writecache"
	"github.com/sushant-115/pagecache/pkg/logger"
	"github.com/sushant-115/pagecache/pkg/telemetry"
)

const version = "0.1.0"

// CLI defines the command-line interface for wcachectl.
type CLI struct {
	Config string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`

	Check    CheckCmd      `cmd:"" help:"Verify every page stored in the data files"`
	Registry RegistryGroup `cmd:"" help:"File name registry operations"`
	Stress   StressCmd     `cmd:"" help:"Write pages concurrently through the write cache"`
	Version  VersionCmd    `cmd:"" help:"Print version information"`
}

// RegistryGroup contains name registry operations.
type RegistryGroup struct {
	Dump    RegistryDumpCmd    `cmd:"" help:"Print every registry entry"`
	Compact RegistryCompactCmd `cmd:"" help:"Rewrite the registry without superseded records"`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(rt *runtime) error {
	_, err := fmt.Fprintf(rt.out, "wcachectl %s\n", version)
	return err
}

// runtime holds what every command needs. It is bound into kong's Run.
type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
	out      io.Writer
}

func newRuntime(configPath string, out io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, multierr.Append(err, logger.Sync(log))
	}
	return &runtime{cfg: cfg, logger: log, tel: tel, shutdown: shutdown, out: out}, nil
}

func (rt *runtime) close() error {
	return multierr.Append(rt.shutdown(context.Background()), logger.Sync(rt.logger))
}

// openedCache is a write cache together with the log it was opened with.
type openedCache struct {
	cache *writecache.WriteCache
	wal   *wal.LogManager
	pool  *bufferpool.Pool
}

// openCache opens the write cache in dir. With restore set the double-write
// log indexes its records so broken pages can be recovered on load.
func (rt *runtime) openCache(ctx context.Context, dir string, restore bool) (*openedCache, error) {
	cfg := rt.cfg.WithDir(dir)
	if restore && cfg.WriteCache.ChecksumMode < writecache.ChecksumStoreAndVerify {
		cfg.WriteCache.ChecksumMode = writecache.ChecksumStoreAndVerify
	}
	if cfg.WriteCache.PageSize == 0 {
		cfg.WriteCache.PageSize = writecache.DefaultConfig(dir).PageSize
	}

	log, err := wal.NewLogManager(cfg.WAL, rt.logger)
	if err != nil {
		return nil, err
	}
	var dwl doublewrite.Log = doublewrite.NoOp{}
	if cfg.DoubleWrite.Enabled {
		dwl = doublewrite.NewFileLog(cfg.DoubleWrite.MaxSegmentSize, rt.logger)
	}
	pool := bufferpool.New(cfg.WriteCache.PageSize)
	wc, err := writecache.New(ctx, cfg.WriteCache, writecache.Deps{
		Logger:      rt.logger,
		Meter:       rt.tel.Meter,
		Tracer:      rt.tel.Tracer,
		WAL:         log,
		DoubleWrite: dwl,
		Pool:        pool,
	})
	if err != nil {
		return nil, multierr.Append(err, log.Close())
	}
	if restore && !wc.InRestoreMode() {
		if err := wc.RestoreModeOn(); err != nil {
			return nil, multierr.Combine(err, wc.Close(ctx), log.Close())
		}
	}
	return &openedCache{cache: wc, wal: log, pool: pool}, nil
}

func (oc *openedCache) close(ctx context.Context) error {
	return multierr.Append(oc.cache.Close(ctx), oc.wal.Close())
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wcachectl"),
		kong.Description("Inspect and exercise a write-back page cache directory"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	rt, err := newRuntime(cli.Config, os.Stdout)
	ctx.FatalIfErrorf(err)
	err = multierr.Append(ctx.Run(rt), rt.close())
	ctx.FatalIfErrorf(err)
}
