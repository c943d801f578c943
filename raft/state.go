package raft

import (
	"math/rand"
	"time"
)

// Role is the volatile role of a group member.
type Role int

const (
	Follower Role = iota
	PreVote
	Candidate
	Leader
	AwaitCondition
	ReceiveSnapshot
	TerminatingLeader
	TerminatingFollower
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case PreVote:
		return "pre_vote"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case AwaitCondition:
		return "await_condition"
	case ReceiveSnapshot:
		return "receive_snapshot"
	case TerminatingLeader:
		return "terminating_leader"
	case TerminatingFollower:
		return "terminating_follower"
	default:
		return "unknown"
	}
}

// MembershipChangeType distinguishes a join from a leave.
type MembershipChangeType int

const (
	MembershipJoin MembershipChangeType = iota
	MembershipLeave
)

// PendingMembershipChange tracks the single outstanding join/leave a group
// may have in flight; at most one is ever pending at a time.
type PendingMembershipChange struct {
	Type      MembershipChangeType
	Server    ServerID
	StartedAt time.Time
	TimeoutMS int64

	// ConfigIndex is the index of the config entry this change appended,
	// used to detect whether it has since been reverted or superseded.
	ConfigIndex uint64

	// OriginFrom correlates the reverting notification back to the
	// client's original join/leave command.
	OriginFrom string
}

// PeerState is per-peer leader-side replication bookkeeping.
type PeerState struct {
	NextIndex   uint64
	MatchIndex  uint64
	LastAckTime time.Time
	InFlight    int
}

// SnapshotMetadata describes the log prefix a snapshot replaces.
type SnapshotMetadata struct {
	LastIndex uint64
	LastTerm  uint64
	Config    ClusterConfig
}

// PersistentState is everything that must survive a restart. The log
// itself lives behind the grouplog/wal/segment packages, not here.
type PersistentState struct {
	CurrentTerm  uint64
	VotedFor     ServerID // zero value means "no vote cast this term"
	SnapshotMeta SnapshotMetadata
}

// VolatileState is everything that resets on restart.
type VolatileState struct {
	Role        Role
	CommitIndex uint64
	LastApplied uint64
	LeaderID    ServerID

	Peers   map[ServerID]*PeerState
	Pending *PendingMembershipChange

	// Cluster is the membership in effect: the one carried by the highest
	// appended config entry.
	Cluster ClusterConfig

	// RNG is the explicit source of randomness for election timeouts.
	// Never read time.Now or math/rand's global source outside of this
	// field, so a seeded test reproduces an exact schedule.
	RNG *rand.Rand

	// ElectionDeadline and pre-vote/candidate bookkeeping.
	ElectionDeadline time.Time
	VotesGranted     map[ServerID]bool
	PreVotesGranted  map[ServerID]bool
}

// newVolatileState returns a zeroed VolatileState for cluster, seeded with
// rngSeed so election timeouts are reproducible under test.
func newVolatileState(cluster ClusterConfig, rngSeed int64) VolatileState {
	return VolatileState{
		Role:    Follower,
		Peers:   make(map[ServerID]*PeerState),
		Cluster: cluster,
		RNG:     rand.New(rand.NewSource(rngSeed)),
	}
}
