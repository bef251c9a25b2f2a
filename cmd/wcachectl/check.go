package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/write_engine/writecache"
)

// CheckCmd verifies the pages stored in every data file of a cache.
type CheckCmd struct {
	Dir    string `arg:"" help:"Cache directory" type:"existingdir"`
	Repair bool   `help:"Restore broken pages from the double-write log"`
}

func (c *CheckCmd) Run(rt *runtime) (err error) {
	ctx := context.Background()
	oc, err := rt.openCache(ctx, c.Dir, c.Repair)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, oc.close(ctx)) }()

	broken, err := oc.cache.CheckStoredPages(ctx, progressLogger(rt.logger))
	if err != nil {
		return err
	}
	if c.Repair && len(broken) > 0 {
		repaired := repairPages(oc.cache, broken, rt.logger)
		rt.logger.Info("Broken pages repaired", zap.Int("repaired", repaired), zap.Int("broken", len(broken)))
		if broken, err = oc.cache.CheckStoredPages(ctx, nil); err != nil {
			return err
		}
	}
	return printBroken(rt, broken)
}

// progressLogger logs every tenth of the scan.
func progressLogger(log *zap.Logger) func(checked, total int64) {
	return func(checked, total int64) {
		step := max(total/10, 1)
		if checked%step == 0 || checked == total {
			log.Info("Checking stored pages", zap.Int64("checked", checked), zap.Int64("total", total))
		}
	}
}

// repairPages loads every broken page, which restores it from the
// double-write log when a copy is there.
func repairPages(wc *writecache.WriteCache, broken []writecache.PageDataVerificationError, log *zap.Logger) int {
	repaired := 0
	for _, b := range broken {
		id, ok := wc.FileIDByName(b.FileName)
		if !ok {
			continue
		}
		p, _, err := wc.Load(id, b.PageIndex, true)
		if err != nil {
			log.Warn("Page could not be repaired", zap.String("file", b.FileName), zap.Int64("page", b.PageIndex), zap.Error(err))
			continue
		}
		if p != nil {
			p.DecrementReadersReferrer()
			repaired++
		}
	}
	return repaired
}

func printBroken(rt *runtime, broken []writecache.PageDataVerificationError) error {
	if len(broken) == 0 {
		_, err := fmt.Fprintln(rt.out, "all stored pages are intact")
		return err
	}
	w := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tPAGE\tMAGIC\tCHECKSUM")
	for _, b := range broken {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", b.FileName, b.PageIndex, verdict(b.IncorrectMagicNumber), verdict(b.IncorrectCheckSum))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%d broken pages", len(broken))
}

func verdict(bad bool) string {
	if bad {
		return "bad"
	}
	return "ok"
}
