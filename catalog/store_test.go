package catalog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/catalog"
	"github.com/influxdata/ractor/raft"
)

func TestStore_RegisterAndResolveGroupByHash(t *testing.T) {
	dir := t.TempDir()
	s, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer s.Close()

	rec := catalog.GroupRecord{
		GroupID:   "group-a",
		GroupHash: 0xdeadbeef,
		Config:    raft.ClusterConfig{Servers: []raft.ServerID{{Addr: "a"}}},
	}
	require.NoError(t, s.RegisterGroup(rec))

	got, ok := s.ResolveGroup(0xdeadbeef)
	require.True(t, ok)
	require.Equal(t, "group-a", got)

	_, ok = s.ResolveGroup(0x1)
	require.False(t, ok)

	loaded, ok, err := s.Group("group-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.GroupHash, loaded.GroupHash)
}

func TestStore_GroupsListsEverythingRegistered(t *testing.T) {
	dir := t.TempDir()
	s, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RegisterGroup(catalog.GroupRecord{GroupID: "a", GroupHash: 1}))
	require.NoError(t, s.RegisterGroup(catalog.GroupRecord{GroupID: "b", GroupHash: 2}))

	groups, err := s.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
}

func TestStore_RemoveGroupDropsHashIndexAndTerm(t *testing.T) {
	dir := t.TempDir()
	s, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RegisterGroup(catalog.GroupRecord{GroupID: "a", GroupHash: 7}))
	require.NoError(t, s.SaveTerm("a", 3, raft.ServerID{Addr: "a"}))

	require.NoError(t, s.RemoveGroup("a"))

	_, ok, err := s.Group("a")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok = s.ResolveGroup(7)
	require.False(t, ok)

	_, _, ok, err = s.LoadTerm("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SaveAndLoadTermSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")

	s1, err := catalog.Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveTerm("group-a", 5, raft.ServerID{Addr: "leader"}))
	require.NoError(t, s1.Close())

	s2, err := catalog.Open(path)
	require.NoError(t, err)
	defer s2.Close()

	term, votedFor, ok, err := s2.LoadTerm("group-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), term)
	require.Equal(t, raft.ServerID{Addr: "leader"}, votedFor)
}

func TestStore_LoadTermForUnknownGroupIsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer s.Close()

	_, _, ok, err := s.LoadTerm("nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
