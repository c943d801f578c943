package raft

// Encoding is left to the transport; these are the logical payloads
// exchanged between group members, generalized to cover pre-vote and
// snapshot install alongside ordinary append_entries and request_vote.

type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     ServerID
	PrevIndex    uint64
	PrevTerm     uint64
	Entries      []Entry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term    uint64
	Success bool

	// LastIndex is the index up to which the follower has appended
	// durably.
	LastIndex uint64

	// MismatchHintTerm/Index implement fast-rollback: on a mismatch the
	// follower returns the first index of its conflicting term so the
	// leader can skip an entire term in one step.
	MismatchHintTerm  uint64
	MismatchHintIndex uint64
}

type RequestVoteRequest struct {
	Term        uint64
	CandidateID ServerID
	LastIndex   uint64
	LastTerm    uint64
	PreVote     bool
}

type RequestVoteReply struct {
	Term    uint64
	Granted bool
	PreVote bool
}

type InstallSnapshotRequest struct {
	Term      uint64
	LeaderID  ServerID
	LastIndex uint64
	LastTerm  uint64
	Config    ClusterConfig
	Offset    int64
	Data      []byte
	Done      bool
}

type InstallSnapshotReply struct {
	Term      uint64
	LastIndex uint64
}

// Message is the union of everything a Server can hand back to its caller
// to be delivered to a peer. Target identifies the recipient.
type Message struct {
	Target ServerID
	Body   any // one of the *Request/*Reply types above
}

// Transport is the interface the core expects to be handed for sending
// outbound messages and observing peer liveness. The core never implements
// a transport itself; it only assumes such a channel exists. This mirrors
// the shape of a conventional Transport interface but drops any concrete
// wire implementation, which belongs to a layer outside this core.
type Transport interface {
	Send(to ServerID, msg any) error
}

// LivenessOracle reports peer up/down transitions. It is advisory and must
// never compromise safety if it lies — the Server only ever uses liveness
// signals to adjust timer durations, never to grant votes or commit
// entries.
type LivenessOracle interface {
	// IsUp reports the last known liveness of peer, defaulting to true
	// (assume reachable) until a signal says otherwise.
	IsUp(peer ServerID) bool
}
