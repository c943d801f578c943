package raft

import (
	"time"
)

// FetchStatus distinguishes why Log.FetchTerm found no term for an index.
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchMissing
	FetchCompacted
)

// Log is the subset of the per-group log façade (package grouplog) that
// the Server drives. Defined here, implemented there, so this package
// never imports grouplog (grouplog imports raft for the Entry/EntryKind
// types instead) — the same inversion used between FSM and its caller.
type Log interface {
	Append(e Entry) error
	Fetch(index uint64) (Entry, bool, error)
	FetchTerm(index uint64) (term uint64, status FetchStatus)
	LastIndexTerm() (index, term uint64)
	NextIndex() uint64
	TruncateFrom(index uint64) error
}

// Server is the per-group Raft state machine. It owns no goroutines:
// callers (package node) serialize all events for a group through a
// single-consumer queue and call the Handle*/Tick/Propose methods below
// one at a time, exactly the way a mutex-guarded log's methods each take
// a lock and return a result rather than running their own loop.
type Server struct {
	ID     ServerID
	Config Config

	Persistent PersistentState
	Volatile   VolatileState

	Log       Log
	Transport Transport
	Liveness  LivenessOracle
	Clock     Clock
}

// NewServer returns a Server for group id, seeded with the initial cluster
// configuration. rngSeed must be supplied by the caller (never time.Now)
// so that election-timeout schedules are reproducible under test.
func NewServer(id ServerID, cfg Config, log Log, transport Transport, liveness LivenessOracle, clk Clock, rngSeed int64) *Server {
	s := &Server{
		ID:         id,
		Config:     cfg,
		Log:        log,
		Transport:  transport,
		Liveness:   liveness,
		Clock:      clk,
		Volatile:   newVolatileState(cfg.Cluster, rngSeed),
		Persistent: PersistentState{},
	}
	s.resetElectionDeadline(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax)
	return s
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

// Now exposes the server's clock to callers outside this package (the
// apply loop stamps raft.Meta.SystemTime with it, never time.Now, so
// replaying the same log against the same Clock reproduces the same
// sequence of timestamps).
func (s *Server) Now() time.Time { return s.now() }

func (s *Server) resetElectionDeadline(min, max time.Duration) {
	s.Volatile.ElectionDeadline = s.now().Add(electionTimeout(s.Volatile.RNG, min, max))
}

func (s *Server) isLeader() bool { return s.Volatile.Role == Leader }

// IsLeader reports whether this server currently believes itself to be the
// group's leader, for callers outside this package (the apply loop decides
// whether to execute effects based on this).
func (s *Server) IsLeader() bool { return s.isLeader() }

// becomeFollower transitions to Follower, clearing candidate/leader-only
// bookkeeping. It does not touch CurrentTerm; callers bump the term
// separately when stepping down because of a higher term.
func (s *Server) becomeFollower(leader ServerID) []Effect {
	prev := s.Volatile.Role
	s.Volatile.Role = Follower
	s.Volatile.LeaderID = leader
	s.Volatile.VotesGranted = nil
	s.Volatile.PreVotesGranted = nil
	s.Volatile.Peers = make(map[ServerID]*PeerState)
	s.resetElectionDeadline(s.Config.ElectionTimeoutMin, s.Config.ElectionTimeoutMax)
	return s.emitStateEnter(prev, Follower)
}

// stepDown forces a transition to Follower because a higher term was
// observed anywhere in the protocol. Per-term vote state is cleared.
func (s *Server) stepDown(term uint64) []Effect {
	s.Persistent.CurrentTerm = term
	s.Persistent.VotedFor = ServerID{}
	return s.becomeFollower(ServerID{})
}

func (s *Server) emitStateEnter(prev, next Role) []Effect {
	// Hook point for FSM.StateEnter; the Server itself has no FSM
	// reference (the apply loop owns that), so this only records the
	// transition for the caller to dispatch if it chooses to. Kept as a
	// method so election.go/replication.go/membership.go have one place
	// to extend if a future effect should fire purely on role change.
	_ = prev
	_ = next
	return nil
}

// quorumSize returns the number of acks required for a majority of the
// cluster currently in effect.
func (s *Server) quorumSize() int {
	return s.Volatile.Cluster.Quorum()
}

func (s *Server) lastLogIndexTerm() (uint64, uint64) {
	return s.Log.LastIndexTerm()
}

// logUpToDate reports whether (candidateLastIndex, candidateLastTerm) is at
// least as up to date as this server's log, per the Raft log comparison
// rule (higher term wins; equal term, higher-or-equal index wins).
func (s *Server) logUpToDate(candidateLastIndex, candidateLastTerm uint64) bool {
	lastIndex, lastTerm := s.lastLogIndexTerm()
	if candidateLastTerm != lastTerm {
		return candidateLastTerm > lastTerm
	}
	return candidateLastIndex >= lastIndex
}
