package raft

// Tick drives timer-based transitions: follower election timeout -> pre
// vote, candidate round timeout -> new candidate round, leader heartbeat.
// It is called once per group tick from the node event loop; now must come
// from the same Clock the Server was constructed with.
func (s *Server) Tick() (outbound []Message, effects []Effect) {
	now := s.now()

	switch s.Volatile.Role {
	case Follower, PreVote:
		if now.Before(s.Volatile.ElectionDeadline) {
			return nil, nil
		}
		return s.startPreVote()
	case Candidate:
		if now.Before(s.Volatile.ElectionDeadline) {
			return nil, nil
		}
		// Split vote or lost replies: start a fresh candidate round.
		return s.startCandidacy()
	case Leader:
		return s.replicateToAll()
	case AwaitCondition, ReceiveSnapshot, TerminatingLeader, TerminatingFollower:
		return nil, nil
	}
	return nil, nil
}

// LivenessChanged accelerates the follower election timer when the current
// leader is reported down, without otherwise affecting safety — the
// oracle is advisory.
func (s *Server) LivenessChanged(peer ServerID, up bool) {
	if up {
		return
	}
	if s.Volatile.Role != Follower && s.Volatile.Role != PreVote {
		return
	}
	if s.Volatile.LeaderID.IsZero() || s.Volatile.LeaderID != peer {
		return
	}
	s.Volatile.ElectionDeadline = s.now().Add(acceleratedElectionTimeout(s.Volatile.RNG))
}

// startPreVote begins a non-term-bumping poll. Only a positive majority of
// pre-votes unlocks a real candidacy, which avoids term inflation from
// isolated or flapping nodes.
func (s *Server) startPreVote() (outbound []Message, effects []Effect) {
	prev := s.Volatile.Role
	s.Volatile.Role = PreVote
	s.Volatile.PreVotesGranted = map[ServerID]bool{s.ID: true}
	s.resetElectionDeadline(s.Config.PreVoteTimeout, s.Config.PreVoteTimeout+s.Config.PreVoteTimeout)

	lastIndex, lastTerm := s.lastLogIndexTerm()
	req := RequestVoteRequest{
		Term:        s.Persistent.CurrentTerm + 1,
		CandidateID: s.ID,
		LastIndex:   lastIndex,
		LastTerm:    lastTerm,
		PreVote:     true,
	}
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		outbound = append(outbound, Message{Target: peer, Body: &req})
	}
	effects = s.emitStateEnter(prev, PreVote)

	if s.countGranted(s.Volatile.PreVotesGranted) >= s.quorumSize() {
		// Single-member cluster: the self pre-vote is already a majority.
		o2, e2 := s.startCandidacy()
		outbound = append(outbound, o2...)
		effects = append(effects, e2...)
	}
	return outbound, effects
}

// startCandidacy increments the term, votes for self, and broadcasts
// request_vote — only reachable after a pre-vote majority.
func (s *Server) startCandidacy() (outbound []Message, effects []Effect) {
	prev := s.Volatile.Role
	s.Persistent.CurrentTerm++
	s.Persistent.VotedFor = s.ID
	s.Volatile.Role = Candidate
	s.Volatile.VotesGranted = map[ServerID]bool{s.ID: true}
	s.resetElectionDeadline(s.Config.ElectionTimeoutMin, s.Config.ElectionTimeoutMax)

	lastIndex, lastTerm := s.lastLogIndexTerm()
	req := RequestVoteRequest{
		Term:        s.Persistent.CurrentTerm,
		CandidateID: s.ID,
		LastIndex:   lastIndex,
		LastTerm:    lastTerm,
		PreVote:     false,
	}
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		outbound = append(outbound, Message{Target: peer, Body: &req})
	}
	effects = s.emitStateEnter(prev, Candidate)

	if s.quorumSize() == 1 {
		// Single-member cluster: self-vote is already a majority.
		o2, e2 := s.becomeLeader()
		outbound = append(outbound, o2...)
		effects = append(effects, e2...)
	}
	return outbound, effects
}

// HandleRequestVote answers a (pre-)vote request. It grants a vote at most
// once per term and only if the candidate's log is at least as up to
// date.
func (s *Server) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteReply, []Effect) {
	var effects []Effect

	if req.Term > s.Persistent.CurrentTerm && !req.PreVote {
		effects = s.stepDown(req.Term)
	}

	reply := &RequestVoteReply{Term: s.Persistent.CurrentTerm, PreVote: req.PreVote}

	if req.PreVote {
		// A peer answers yes to a pre-vote only if it has heard no leader
		// recently (i.e. it would itself be willing to start an election)
		// and the candidate's log is at least as up to date.
		heardNoLeader := s.Volatile.Role != Leader && s.now().After(s.Volatile.ElectionDeadline.Add(-s.Config.ElectionTimeoutMin))
		reply.Granted = req.Term >= s.Persistent.CurrentTerm &&
			heardNoLeader &&
			s.logUpToDate(req.LastIndex, req.LastTerm)
		return reply, effects
	}

	switch {
	case req.Term < s.Persistent.CurrentTerm:
		reply.Granted = false
	case req.Term == s.Persistent.CurrentTerm && !s.Persistent.VotedFor.IsZero() && s.Persistent.VotedFor != req.CandidateID:
		reply.Granted = false
	case !s.logUpToDate(req.LastIndex, req.LastTerm):
		reply.Granted = false
	default:
		s.Persistent.VotedFor = req.CandidateID
		reply.Granted = true
		s.resetElectionDeadline(s.Config.ElectionTimeoutMin, s.Config.ElectionTimeoutMax)
	}
	reply.Term = s.Persistent.CurrentTerm
	return reply, effects
}

// HandleRequestVoteReply processes a vote reply received by a (pre-)
// candidate. Returns any follow-on messages (e.g. the broadcast that
// begins a real election once pre-votes reach a majority).
func (s *Server) HandleRequestVoteReply(from ServerID, reply *RequestVoteReply) (outbound []Message, effects []Effect) {
	// A granted pre-vote reply echoes the term the pre-candidate proposed
	// (one past its own), which is not a higher term seen elsewhere.
	if reply.Term > s.Persistent.CurrentTerm && !(reply.PreVote && reply.Granted) {
		return nil, s.stepDown(reply.Term)
	}
	if !reply.Granted {
		return nil, nil
	}

	if reply.PreVote {
		if s.Volatile.Role != PreVote {
			return nil, nil
		}
		s.Volatile.PreVotesGranted[from] = true
		if s.countGranted(s.Volatile.PreVotesGranted) >= s.quorumSize() {
			return s.startCandidacy()
		}
		return nil, nil
	}

	if s.Volatile.Role != Candidate {
		return nil, nil
	}
	s.Volatile.VotesGranted[from] = true
	if s.countGranted(s.Volatile.VotesGranted) >= s.quorumSize() {
		return s.becomeLeader()
	}
	return nil, nil
}

func (s *Server) countGranted(m map[ServerID]bool) int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

// becomeLeader transitions to Leader, initializes per-peer replication
// state, and appends a noop entry for the new term. The leader only begins
// serving reads once that noop commits.
func (s *Server) becomeLeader() (outbound []Message, effects []Effect) {
	prev := s.Volatile.Role
	s.Volatile.Role = Leader
	s.Volatile.LeaderID = s.ID
	s.Volatile.VotesGranted = nil
	s.Volatile.PreVotesGranted = nil

	nextIndex := s.Log.NextIndex()
	s.Volatile.Peers = make(map[ServerID]*PeerState)
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		s.Volatile.Peers[peer] = &PeerState{NextIndex: nextIndex}
	}

	noop := Entry{Index: nextIndex, Term: s.Persistent.CurrentTerm, Kind: EntryNoop}
	if err := s.Log.Append(noop); err != nil {
		// Fatal for the group per the WAL-unavailable failure mode; the
		// caller surfaces this via the supervision channel.
		return nil, effects
	}

	effects = append(effects, s.emitStateEnter(prev, Leader)...)
	o2, e2 := s.replicateToAll()
	e2 = append(e2, s.advanceCommitIndex()...)
	return append(outbound, o2...), append(effects, e2...)
}
