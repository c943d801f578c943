package segment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/segment"
	"github.com/influxdata/ractor/wal"
)

type fixedResolver struct {
	byHash map[uint64]string
}

func (r *fixedResolver) ResolveGroup(hash uint64) (string, bool) {
	id, ok := r.byHash[hash]
	return id, ok
}

type recordingNotifier struct {
	sealed chan segment.Manifest
}

func (n *recordingNotifier) SegmentSealed(m segment.Manifest) {
	n.sealed <- m
}

func groupHashOf(t *testing.T, groupID string) uint64 {
	t.Helper()
	buf := wal.Encode(nil, wal.Record{GroupID: groupID, Index: 1, Term: 1, Kind: wal.KindCommand})
	decoded, _, err := wal.Decode(buf)
	require.NoError(t, err)
	return decoded.GroupHash
}

type noopWALNotifier struct{}

func (noopWALNotifier) Durable(string, uint64) {}

func TestProcessor_DemultiplexesAndSealsOnIndexThreshold(t *testing.T) {
	walDir := t.TempDir()
	segDir := t.TempDir()

	walOpts := wal.Options{Dir: walDir, MaxBatchDelay: time.Millisecond}
	w := wal.NewWriter(walOpts, noopWALNotifier{})
	require.NoError(t, w.Open())

	hashA := groupHashOf(t, "group-a")
	resolver := &fixedResolver{byHash: map[uint64]string{hashA: "group-a"}}
	notifier := &recordingNotifier{sealed: make(chan segment.Manifest, 8)}

	segOpts := segment.Options{Dir: segDir, SegmentIndexThreshold: 2}
	proc := segment.NewProcessor(segOpts, resolver, notifier, w.Sealed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proc.Run(ctx)

	require.NoError(t, w.Append("group-a", hashA, 1, 1, wal.KindCommand, []byte("a")))
	require.NoError(t, w.Append("group-a", hashA, 2, 1, wal.KindCommand, []byte("b")))
	require.NoError(t, w.Close())

	select {
	case m := <-notifier.sealed:
		require.Equal(t, "group-a", m.GroupID)
		require.Equal(t, uint64(1), m.FirstIndex)
		require.Equal(t, uint64(2), m.LastIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment seal notification")
	}
}
