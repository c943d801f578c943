package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/influxdata/ractor/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog <catalog.db>",
		Short: "List the groups a node's catalog registers, and their persisted term",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return dumpCatalog(args[0])
		},
	}
	return cmd
}

func dumpCatalog(path string) error {
	store, err := catalog.Open(path)
	if err != nil {
		return fmt.Errorf("raftinspect: open %s: %w", path, err)
	}
	defer store.Close()

	records, err := store.Groups()
	if err != nil {
		return fmt.Errorf("raftinspect: list groups in %s: %w", path, err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "group_id\tgroup_hash\tcurrent_term\tvoted_for\tservers")

	for _, rec := range records {
		term, votedFor, ok, err := store.LoadTerm(rec.GroupID)
		if err != nil {
			return fmt.Errorf("raftinspect: load term for %s: %w", rec.GroupID, err)
		}
		votedForStr := "-"
		if ok && !votedFor.IsZero() {
			votedForStr = votedFor.String()
		}
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%s\t%v\n", rec.GroupID, rec.GroupHash, term, votedForStr, rec.Config.Servers)
	}
	return nil
}
