package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/catalog"
	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/segment"
	"github.com/influxdata/ractor/wal"
)

type noopNotifier struct{}

func (noopNotifier) Durable(string, uint64) {}

func TestDumpWAL_ReadsEveryAppendedRecord(t *testing.T) {
	dir := t.TempDir()
	w := wal.NewWriter(wal.Options{Dir: dir, MaxBatchDelay: time.Millisecond}, noopNotifier{})
	require.NoError(t, w.Open())
	require.NoError(t, w.Append("group-a", wal.GroupHash("group-a"), 1, 1, wal.KindCommand, []byte("put k v")))
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, dumpWAL(matches[0], true))
}

func TestDumpSegment_ReadsSealedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "00001.seg")
	sw, err := segment.Create(path, "group-a")
	require.NoError(t, err)
	require.NoError(t, sw.Append(1, 1, segment.KindCommand, []byte("put k v")))
	require.NoError(t, sw.Append(2, 1, segment.KindNoop, nil))
	_, err = sw.Seal()
	require.NoError(t, err)

	require.NoError(t, dumpSegment(path, true))
}

func TestDumpCatalog_ListsRegisteredGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := catalog.Open(path)
	require.NoError(t, err)

	cfg := raft.ClusterConfig{Servers: []raft.ServerID{{Group: "g1", Addr: "node1"}}}
	require.NoError(t, store.RegisterGroup(catalog.GroupRecord{GroupID: "g1", GroupHash: wal.GroupHash("g1"), Config: cfg}))
	require.NoError(t, store.SaveTerm("g1", 3, raft.ServerID{Group: "g1", Addr: "node1"}))
	require.NoError(t, store.Close())

	require.NoError(t, dumpCatalog(path))
}

func TestDumpSnapshot_ReportsNoPromotedSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, dumpSnapshot(dir, "g1"))
}
