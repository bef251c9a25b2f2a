package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	nameregistry "github.com/sushant-115/pagecache/core/write_engine/name_registry"
)

// RegistryDumpCmd prints the registry of a cache directory.
type RegistryDumpCmd struct {
	Dir string `arg:"" help:"Cache directory" type:"existingdir"`
	All bool   `help:"Include names of deleted files"`
}

func (c *RegistryDumpCmd) Run(rt *runtime) (err error) {
	r, err := nameregistry.Open(context.Background(), c.Dir, rt.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, r.Close()) }()

	entries := r.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	w := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tSTATE\tFILE")
	for _, e := range entries {
		state := "live"
		if e.ID <= 0 {
			if !c.All {
				continue
			}
			state = "deleted"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Name, e.ID, state, e.FileSystemName)
	}
	return w.Flush()
}

// RegistryCompactCmd rewrites the registry keeping one record per name.
type RegistryCompactCmd struct {
	Dir string `arg:"" help:"Cache directory" type:"existingdir"`
}

func (c *RegistryCompactCmd) Run(rt *runtime) (err error) {
	ctx := context.Background()
	r, err := nameregistry.Open(ctx, c.Dir, rt.logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, r.Close()) }()
	if err := r.Compact(ctx); err != nil {
		return err
	}
	rt.logger.Info("Registry compacted", zap.String("dir", c.Dir), zap.Int("entries", len(r.Entries())))
	return nil
}
