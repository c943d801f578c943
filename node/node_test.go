package node

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/influxdata/ractor/catalog"
	"github.com/influxdata/ractor/raft"
)

// recordingTransport records every message handed to Send without routing
// it anywhere; the single-member-cluster tests below never have a peer to
// deliver to, so this is sufficient to observe what a group tried to send.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	to   raft.ServerID
	body any
}

func (t *recordingTransport) Send(to raft.ServerID, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{to, msg})
	return nil
}

func (t *recordingTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMessage(nil), t.sent...)
}

// counterFSM records every command it applies, in order, and returns the
// running count as both its state and its reply.
type counterFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *counterFSM) Init(config any) any { return 0 }

func (f *counterFSM) Apply(meta raft.Meta, command []byte, state any) (any, any, []raft.Effect) {
	f.mu.Lock()
	f.applied = append(f.applied, append([]byte(nil), command...))
	f.mu.Unlock()
	count := state.(int) + 1
	return count, count, nil
}

func (f *counterFSM) Applied() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.applied...)
}

// fastRaftConfig shortens every timer so a single-member group reaches
// leadership within a test's patience without hand-driving Server.Tick.
func fastRaftConfig(string) raft.Config {
	cfg := raft.DefaultConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.ElectionTimeoutMin = 15 * time.Millisecond
	cfg.ElectionTimeoutMax = 30 * time.Millisecond
	cfg.PreVoteTimeout = 10 * time.Millisecond
	return cfg
}

func singleMemberCluster(groupID, addr string) raft.ClusterConfig {
	return raft.ClusterConfig{Servers: []raft.ServerID{{Group: raft.GroupID(groupID), Addr: addr}}}
}

func waitForLeader(t *testing.T, n *Node, groupID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		role, ok := n.Status(groupID)
		return ok && role == raft.Leader
	}, time.Second, 2*time.Millisecond, "group %s never became leader", groupID)
}

func TestNode_SingleMemberGroupElectsLeaderAndAppliesProposals(t *testing.T) {
	fsm := &counterFSM{}
	transport := &recordingTransport{}

	n, err := Open(Options{
		Dir:        t.TempDir(),
		Transport:  transport,
		SelfAddr:   "node1",
		RaftConfig: fastRaftConfig,
		FSM:        func(string) raft.FSM { return fsm },
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.AddGroup("g1", singleMemberCluster("g1", "node1")))
	waitForLeader(t, n, "g1")

	index, err := n.Propose("g1", raft.EntryCommand, []byte("hello"), "client-1")
	require.NoError(t, err)
	require.Greater(t, index, uint64(0))

	require.Eventually(t, func() bool {
		return len(fsm.Applied()) == 1
	}, time.Second, 2*time.Millisecond)
	require.Equal(t, []byte("hello"), fsm.Applied()[0])
}

func TestNode_GroupSurvivesRestartAndReplaysLog(t *testing.T) {
	dir := t.TempDir()
	fsm1 := &counterFSM{}

	n1, err := Open(Options{
		Dir:        dir,
		Transport:  &recordingTransport{},
		SelfAddr:   "node1",
		RaftConfig: fastRaftConfig,
		FSM:        func(string) raft.FSM { return fsm1 },
	})
	require.NoError(t, err)

	require.NoError(t, n1.AddGroup("g1", singleMemberCluster("g1", "node1")))
	waitForLeader(t, n1, "g1")

	_, err = n1.Propose("g1", raft.EntryCommand, []byte("hello"), "client-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fsm1.Applied()) == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, n1.Close())

	// The registration and the term survive independently of the node
	// process, in a plain bbolt file this test can inspect directly.
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	records, err := cat.Groups()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "g1", records[0].GroupID)
	term, _, ok, err := cat.LoadTerm("g1")
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, term, uint64(1))
	require.NoError(t, cat.Close())

	// Reopening starts every catalog-registered group on its own, without a
	// second AddGroup call, and a fresh FSM instance recovers "hello" purely
	// by replaying the durable log rather than from any in-memory state.
	fsm2 := &counterFSM{}
	n2, err := Open(Options{
		Dir:        dir,
		Transport:  &recordingTransport{},
		SelfAddr:   "node1",
		RaftConfig: fastRaftConfig,
		FSM:        func(string) raft.FSM { return fsm2 },
	})
	require.NoError(t, err)
	defer n2.Close()

	waitForLeader(t, n2, "g1")
	require.Eventually(t, func() bool { return len(fsm2.Applied()) == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, []byte("hello"), fsm2.Applied()[0])

	_, err = n2.Propose("g1", raft.EntryCommand, []byte("world"), "client-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fsm2.Applied()) == 2 }, time.Second, 2*time.Millisecond)
	require.Equal(t, []byte("world"), fsm2.Applied()[1])
}

func TestNode_DispatchRejectsUnknownGroup(t *testing.T) {
	n, err := Open(Options{
		Dir:        t.TempDir(),
		Transport:  &recordingTransport{},
		SelfAddr:   "node1",
		RaftConfig: fastRaftConfig,
		FSM:        func(string) raft.FSM { return &counterFSM{} },
	})
	require.NoError(t, err)
	defer n.Close()

	err = n.Dispatch("no-such-group", raft.ServerID{Group: "no-such-group", Addr: "peer1"}, &raft.RequestVoteRequest{})
	require.Error(t, err)
}

func TestNode_DispatchRoutesRequestVoteReplyThroughTransport(t *testing.T) {
	transport := &recordingTransport{}
	n, err := Open(Options{
		Dir:        t.TempDir(),
		Transport:  transport,
		SelfAddr:   "node1",
		RaftConfig: fastRaftConfig,
		FSM:        func(string) raft.FSM { return &counterFSM{} },
	})
	require.NoError(t, err)
	defer n.Close()

	// A two-member configuration keeps this node from ever leaving
	// follower/pre_vote (it never sees its peer, so pre-vote never reaches
	// quorum), which
	// keeps the inbound vote request's reply path the only thing in flight.
	cluster := raft.ClusterConfig{Servers: []raft.ServerID{
		{Group: "g1", Addr: "node1"},
		{Group: "g1", Addr: "node2"},
	}}
	require.NoError(t, n.AddGroup("g1", cluster))

	candidate := raft.ServerID{Group: "g1", Addr: "node2"}
	require.NoError(t, n.Dispatch("g1", candidate, &raft.RequestVoteRequest{
		Term:        1,
		CandidateID: candidate,
		LastIndex:   0,
		LastTerm:    0,
	}))

	require.Eventually(t, func() bool {
		for _, m := range transport.messages() {
			if m.to == candidate {
				if _, ok := m.body.(*raft.RequestVoteReply); ok {
					return true
				}
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}
