package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/influxdata/ractor/segment"
)

func newSegmentCommand() *cobra.Command {
	var showPayload bool
	cmd := &cobra.Command{
		Use:   "segment <file>",
		Short: "Dump one sealed segment file's entries via its footer index",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return dumpSegment(args[0], showPayload)
		},
	}
	cmd.Flags().BoolVar(&showPayload, "payload", false, "print payload bytes as a quoted string")
	return cmd
}

func dumpSegment(path string, showPayload bool) error {
	r, err := segment.Open(path)
	if err != nil {
		return fmt.Errorf("raftinspect: %w", err)
	}
	defer r.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "index\tterm\tkind\tpayload_len\tpayload")

	for idx := r.FirstIndex(); idx <= r.LastIndex(); idx++ {
		e, ok, err := r.Fetch(idx)
		if err != nil {
			return fmt.Errorf("raftinspect: fetch %d in %s: %w", idx, path, err)
		}
		if !ok {
			continue
		}
		payload := ""
		if showPayload {
			payload = fmt.Sprintf("%q", e.Payload)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", e.Index, e.Term, segmentKindName(e.Kind), len(e.Payload), payload)
	}
	fmt.Fprintf(os.Stderr, "first_index=%d last_index=%d\n", r.FirstIndex(), r.LastIndex())
	return nil
}

func segmentKindName(k segment.RecordKind) string {
	switch k {
	case segment.KindCommand:
		return "command"
	case segment.KindConfig:
		return "config"
	case segment.KindNoop:
		return "noop"
	default:
		return "unknown"
	}
}
