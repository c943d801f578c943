package snapshotstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/snapshotstore"
)

func TestStore_RecoverWithoutAnySnapshotReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)

	_, _, ok, err := s.Recover()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_WritePromoteRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)

	meta := snapshotstore.Meta{LastIndex: 10, LastTerm: 2, Config: raft.ClusterConfig{Servers: []raft.ServerID{{Addr: "a"}, {Addr: "b"}}}}
	h, err := s.Write(meta, []byte("state-v1"))
	require.NoError(t, err)

	// Not visible until promoted.
	_, _, ok, err := s.Recover()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Promote(h))

	gotMeta, data, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meta.LastIndex, gotMeta.LastIndex)
	require.Equal(t, meta.LastTerm, gotMeta.LastTerm)
	require.Equal(t, []byte("state-v1"), data)
}

func TestStore_PromotingNewerSnapshotReplacesOlderLive(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)

	h1, err := s.Write(snapshotstore.Meta{LastIndex: 5, LastTerm: 1}, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Promote(h1))

	h2, err := s.Write(snapshotstore.Meta{LastIndex: 15, LastTerm: 2}, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, s.Promote(h2))

	meta, data, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(15), meta.LastIndex)
	require.Equal(t, []byte("v2"), data)
}

func TestStore_OpenRecoversPromotedSnapshotAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)
	h, err := s1.Write(snapshotstore.Meta{LastIndex: 7, LastTerm: 1}, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s1.Promote(h))

	s2, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)
	meta, data, ok, err := s2.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), meta.LastIndex)
	require.Equal(t, []byte("persisted"), data)
}

func TestStore_CheckpointIsNotVisibleUntilPromoted(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)

	h, err := s.WriteCheckpoint(snapshotstore.Meta{LastIndex: 3, LastTerm: 1}, []byte("checkpoint-state"))
	require.NoError(t, err)

	_, _, ok, err := s.Recover()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PromoteCheckpoint(h))

	meta, data, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), meta.LastIndex)
	require.Equal(t, []byte("checkpoint-state"), data)
}

func TestStore_InstallWritesAndPromotesInOneStep(t *testing.T) {
	dir := t.TempDir()
	s, err := snapshotstore.Open(dir, "group-a")
	require.NoError(t, err)

	meta := snapshotstore.Meta{LastIndex: 42, LastTerm: 4, Config: raft.ClusterConfig{Servers: []raft.ServerID{{Addr: "a"}}}}
	require.NoError(t, s.Install(meta, []byte("installed-state")))

	gotMeta, data, ok, err := s.Recover()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), gotMeta.LastIndex)
	require.Equal(t, []byte("installed-state"), data)
}
