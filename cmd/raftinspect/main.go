// Command raftinspect dumps the on-disk state of a node's shared WAL,
// sealed segment files, group registry, and snapshot store without going
// through a running Node. It is a debugging aid, grounded on
// cmd/influx_inspect's dumptsm/report commands, not bootstrap tooling. The
// wal and segment subcommands only read; the catalog and snapshot
// subcommands go through catalog.Open and snapshotstore.Open, which create
// a missing database file, buckets or directory, and snapshotstore.Open
// also removes leftover .staging snapshot directories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "raftinspect",
		Short: "Inspect on-disk WAL, segment, catalog, and snapshot state",
	}
	root.AddCommand(newWALCommand())
	root.AddCommand(newSegmentCommand())
	root.AddCommand(newCatalogCommand())
	root.AddCommand(newSnapshotCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
