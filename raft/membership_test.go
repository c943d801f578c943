package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/raft"
)

func promoteToLeader(t *testing.T, s *raft.Server, mc interface{ Add(time.Duration) }) {
	t.Helper()
	mc.Add(s.Config.ElectionTimeoutMax + 1)
	_, _ = s.Tick()
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		_, _ = s.HandleRequestVoteReply(peer, &raft.RequestVoteReply{Term: s.Persistent.CurrentTerm + 1, Granted: true, PreVote: true})
	}
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		_, _ = s.HandleRequestVoteReply(peer, &raft.RequestVoteReply{Term: s.Persistent.CurrentTerm, Granted: true})
	}
	require.Equal(t, raft.Leader, s.Volatile.Role)
}

func TestServer_JoinRejectedWhileAnotherChangeIsPending(t *testing.T) {
	s, _, mc := newTestServer(t, "a", threeServerCluster(), 1)
	promoteToLeader(t, s, mc)

	newServer := raft.ServerID{Group: "g1", Addr: "d"}
	_, _, err := s.Join(newServer, "client-1", 0)
	require.NoError(t, err)

	other := raft.ServerID{Group: "g1", Addr: "e"}
	_, _, err = s.Join(other, "client-2", 0)
	require.Error(t, err)
	require.Equal(t, raft.EClusterChangeInProgress, raft.ErrorCode(err))
}

func TestServer_JoinAppliesClusterConfigImmediatelyOnAppend(t *testing.T) {
	s, _, mc := newTestServer(t, "a", threeServerCluster(), 1)
	promoteToLeader(t, s, mc)

	newServer := raft.ServerID{Group: "g1", Addr: "d"}
	_, _, err := s.Join(newServer, "client-1", 0)
	require.NoError(t, err)

	require.True(t, s.Volatile.Cluster.Contains(newServer))
	require.NotNil(t, s.Volatile.Pending)
}

func twoServerCluster() raft.ClusterConfig {
	return raft.ClusterConfig{Servers: []raft.ServerID{
		{Group: "g1", Addr: "a"},
		{Group: "g1", Addr: "b"},
	}}
}

// TestServer_JoinNotVerifiedByCommitAloneWhenJoiningServerNeverAcks covers
// the case where adding one server to an N-member cluster doesn't raise
// quorum enough to require the new server's participation: {a,b} joining d
// has quorum 2 both before and after, so a+b alone can commit the config
// entry with d never responding at all. Commit index advancing must not be
// read as the join succeeding.
func TestServer_JoinNotVerifiedByCommitAloneWhenJoiningServerNeverAcks(t *testing.T) {
	s, _, mc := newTestServer(t, "a", twoServerCluster(), 1)
	promoteToLeader(t, s, mc)

	b := raft.ServerID{Group: "g1", Addr: "b"}
	newServer := raft.ServerID{Group: "g1", Addr: "d"}
	_, _, err := s.Join(newServer, "client-1", 50*time.Millisecond)
	require.NoError(t, err)
	configIndex := s.Volatile.Pending.ConfigIndex

	_, _ = s.HandleAppendEntriesReply(b, &raft.AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: true, LastIndex: configIndex})
	require.GreaterOrEqual(t, s.Volatile.CommitIndex, configIndex)

	_, effects := s.VerifyMembershipTick()
	require.NotNil(t, s.Volatile.Pending, "commit alone must not clear a pending join when d has never acked")
	require.Empty(t, effects)

	mc.Add(60 * time.Millisecond)
	_, effects = s.VerifyMembershipTick()
	require.Nil(t, s.Volatile.Pending)
	require.False(t, s.Volatile.Cluster.Contains(newServer), "join should revert since d never acked an append")

	found := false
	for _, e := range effects {
		if e.Kind == raft.EffectNotify {
			found = true
		}
	}
	require.True(t, found, "expected a notify effect reporting the revert")
}

func TestServer_JoinVerifiedOnceJoiningServerAcksAnAppend(t *testing.T) {
	s, _, mc := newTestServer(t, "a", twoServerCluster(), 1)
	promoteToLeader(t, s, mc)

	newServer := raft.ServerID{Group: "g1", Addr: "d"}
	_, _, err := s.Join(newServer, "client-1", 50*time.Millisecond)
	require.NoError(t, err)
	configIndex := s.Volatile.Pending.ConfigIndex

	_, _ = s.HandleAppendEntriesReply(newServer, &raft.AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: true, LastIndex: configIndex})

	_, _ = s.VerifyMembershipTick()
	require.Nil(t, s.Volatile.Pending)
	require.True(t, s.Volatile.Cluster.Contains(newServer))
}

func TestServer_MembershipChangeRevertsAfterTimeout(t *testing.T) {
	s, _, mc := newTestServer(t, "a", threeServerCluster(), 1)
	promoteToLeader(t, s, mc)

	newServer := raft.ServerID{Group: "g1", Addr: "d"}
	_, _, err := s.Join(newServer, "client-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, s.Volatile.Cluster.Contains(newServer))

	mc.Add(60 * time.Millisecond)
	_, effects := s.VerifyMembershipTick()

	require.False(t, s.Volatile.Cluster.Contains(newServer))
	require.Nil(t, s.Volatile.Pending)

	found := false
	for _, e := range effects {
		if e.Kind == raft.EffectNotify {
			found = true
		}
	}
	require.True(t, found, "expected a notify effect reporting the revert")
}
