package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/influxdata/ractor/snapshotstore"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <snapshots-root-dir> <group-id>",
		Short: "Report the live promoted snapshot for one group, if any",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return dumpSnapshot(args[0], args[1])
		},
	}
	return cmd
}

func dumpSnapshot(rootDir, groupID string) error {
	store, err := snapshotstore.Open(filepath.Join(rootDir, groupID), groupID)
	if err != nil {
		return fmt.Errorf("raftinspect: open snapshot store for %s: %w", groupID, err)
	}

	meta, data, ok, err := store.Recover()
	if err != nil {
		return fmt.Errorf("raftinspect: recover snapshot for %s: %w", groupID, err)
	}
	if !ok {
		fmt.Printf("%s: no promoted snapshot\n", groupID)
		return nil
	}

	fmt.Printf("group=%s last_index=%d last_term=%d state_bytes=%d servers=%v\n",
		groupID, meta.LastIndex, meta.LastTerm, len(data), meta.Config.Servers)
	return nil
}
