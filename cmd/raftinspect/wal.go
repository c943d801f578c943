package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/influxdata/ractor/wal"
)

func newWALCommand() *cobra.Command {
	var showPayload bool
	cmd := &cobra.Command{
		Use:   "wal <file>",
		Short: "Dump the framed records in one WAL segment file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return dumpWAL(args[0], showPayload)
		},
	}
	cmd.Flags().BoolVar(&showPayload, "payload", false, "print payload bytes as a quoted string")
	return cmd
}

func dumpWAL(path string, showPayload bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("raftinspect: read %s: %w", path, err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "offset\tgroup_hash\tindex\tterm\tkind\tpayload_len\tpayload")

	var offset int
	var n int
	for len(data) > 0 {
		rec, consumed, err := wal.Decode(data)
		if err != nil {
			return fmt.Errorf("raftinspect: decode record %d at offset %d in %s: %w", n, offset, path, err)
		}
		payload := ""
		if showPayload {
			payload = fmt.Sprintf("%q", rec.Payload)
		}
		fmt.Fprintf(tw, "%d\t%#x\t%d\t%d\t%s\t%d\t%s\n",
			offset, rec.GroupHash, rec.Index, rec.Term, recordKindName(rec.Kind), len(rec.Payload), payload)

		data = data[consumed:]
		offset += consumed
		n++
	}
	fmt.Fprintf(os.Stderr, "%d record(s)\n", n)
	return nil
}

func recordKindName(k wal.RecordKind) string {
	switch k {
	case wal.KindCommand:
		return "command"
	case wal.KindConfig:
		return "config"
	case wal.KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}
