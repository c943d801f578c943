package raft

import "sort"

// Propose appends a new entry to the leader's log and immediately attempts
// to replicate it. It returns ENotLeader (with a leader hint when known) if
// this server is not currently leader: only a leader originates new
// entries.
func (s *Server) Propose(kind EntryKind, payload []byte, from string) (index uint64, outbound []Message, effects []Effect, err error) {
	if !s.isLeader() {
		var hint *ServerID
		if !s.Volatile.LeaderID.IsZero() {
			h := s.Volatile.LeaderID
			hint = &h
		}
		return 0, nil, nil, &Error{Code: ENotLeader, Op: "propose", HintLeader: hint}
	}
	if kind == EntryConfig && s.Volatile.Pending != nil {
		return 0, nil, nil, &Error{Code: EClusterChangeInProgress, Op: "propose"}
	}

	index = s.Log.NextIndex()
	entry := Entry{Index: index, Term: s.Persistent.CurrentTerm, Kind: kind, Payload: payload, From: from}
	if err := s.Log.Append(entry); err != nil {
		return 0, nil, nil, newError("propose", EWALUnavailable, "append failed", err)
	}
	if kind == EntryConfig {
		s.applyConfigEntry(entry)
	}

	outbound, effects = s.replicateToAll()
	effects = append(effects, s.advanceCommitIndex()...)
	return index, outbound, effects, nil
}

// applyConfigEntry switches the cluster configuration in effect the moment
// a config entry is appended, not when it commits. When the entry removes
// a peer, its PeerState is dropped from replication tracking;
// when it adds one, a fresh PeerState is created lazily by replicateToAll.
func (s *Server) applyConfigEntry(e Entry) {
	var cfg ClusterConfig
	if decoded, ok := decodeClusterConfig(e.Payload); ok {
		cfg = decoded
	} else {
		return
	}
	s.Volatile.Cluster = cfg
	for id := range s.Volatile.Peers {
		if !cfg.Contains(id) {
			delete(s.Volatile.Peers, id)
		}
	}
}

// replicateToAll sends append_entries (or triggers install_snapshot) to
// every peer with room left in its pipeline window: multiple in-flight
// append_entries batches per follower, bounded by a configurable window.
func (s *Server) replicateToAll() (outbound []Message, effects []Effect) {
	if !s.isLeader() {
		return nil, nil
	}
	for _, peer := range s.Volatile.Cluster.Servers {
		if peer == s.ID {
			continue
		}
		ps := s.Volatile.Peers[peer]
		if ps == nil {
			ps = &PeerState{NextIndex: s.Log.NextIndex()}
			s.Volatile.Peers[peer] = ps
		}
		if ps.InFlight >= s.Config.MaxInFlightAppends {
			continue
		}

		if ps.NextIndex <= s.Persistent.SnapshotMeta.LastIndex {
			outbound = append(outbound, s.buildInstallSnapshot(peer))
			continue
		}

		msg, ok := s.buildAppendEntries(peer, ps)
		if !ok {
			continue
		}
		ps.InFlight++
		outbound = append(outbound, msg)
	}
	return outbound, effects
}

func (s *Server) buildAppendEntries(peer ServerID, ps *PeerState) (Message, bool) {
	prevIndex := ps.NextIndex - 1
	prevTerm, status := s.Log.FetchTerm(prevIndex)
	if status == FetchCompacted {
		return Message{}, false
	}

	var entries []Entry
	last := s.Log.NextIndex() - 1
	for idx := ps.NextIndex; idx <= last; idx++ {
		entry, ok, err := s.Log.Fetch(idx)
		if err != nil || !ok {
			break
		}
		entries = append(entries, entry)
		if len(entries) >= 256 {
			break
		}
	}

	req := &AppendEntriesRequest{
		Term:         s.Persistent.CurrentTerm,
		LeaderID:     s.ID,
		PrevIndex:    prevIndex,
		PrevTerm:     prevTerm,
		Entries:      entries,
		LeaderCommit: s.Volatile.CommitIndex,
	}
	return Message{Target: peer, Body: req}, true
}

func (s *Server) buildInstallSnapshot(peer ServerID) Message {
	req := &InstallSnapshotRequest{
		Term:      s.Persistent.CurrentTerm,
		LeaderID:  s.ID,
		LastIndex: s.Persistent.SnapshotMeta.LastIndex,
		LastTerm:  s.Persistent.SnapshotMeta.LastTerm,
		Config:    s.Persistent.SnapshotMeta.Config,
		Done:      true,
	}
	return Message{Target: peer, Body: req}
}

// HandleAppendEntries is the follower-side append_entries handler (spec
// §4.5). On a prev-index/term mismatch it returns a fast-rollback hint
// instead of decrementing one index at a time.
func (s *Server) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesReply, []Effect) {
	var effects []Effect

	if req.Term < s.Persistent.CurrentTerm {
		return &AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: false}, nil
	}
	if req.Term > s.Persistent.CurrentTerm {
		effects = s.stepDown(req.Term)
	} else if s.Volatile.Role != Follower {
		effects = s.becomeFollower(req.LeaderID)
	}
	s.Volatile.LeaderID = req.LeaderID
	s.resetElectionDeadline(s.Config.ElectionTimeoutMin, s.Config.ElectionTimeoutMax)

	if req.PrevIndex > 0 {
		term, status := s.Log.FetchTerm(req.PrevIndex)
		if status != FetchOK || term != req.PrevTerm {
			hintTerm, hintIndex := s.fastRollbackHint(req.PrevIndex)
			return &AppendEntriesReply{
				Term:              s.Persistent.CurrentTerm,
				Success:           false,
				MismatchHintTerm:  hintTerm,
				MismatchHintIndex: hintIndex,
			}, effects
		}
	}

	for _, entry := range req.Entries {
		existingTerm, status := s.Log.FetchTerm(entry.Index)
		if status == FetchOK && existingTerm != entry.Term {
			if err := s.Log.TruncateFrom(entry.Index); err != nil {
				return &AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: false}, effects
			}
			status = FetchMissing
		}
		if status == FetchOK {
			continue // already have this exact entry
		}
		if err := s.Log.Append(entry); err != nil {
			return &AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: false}, effects
		}
		if entry.Kind == EntryConfig {
			s.applyConfigEntry(entry)
		}
	}

	if req.LeaderCommit > s.Volatile.CommitIndex {
		lastIndex, _ := s.lastLogIndexTerm()
		s.Volatile.CommitIndex = min64(req.LeaderCommit, lastIndex)
	}

	lastIndex, _ := s.lastLogIndexTerm()
	return &AppendEntriesReply{Term: s.Persistent.CurrentTerm, Success: true, LastIndex: lastIndex}, effects
}

// fastRollbackHint returns the hint a follower sends when prevIndex does
// not match: if it has an entry at prevIndex with a different term, hint
// the first index of that conflicting term; otherwise hint the first index
// it is missing entirely.
func (s *Server) fastRollbackHint(prevIndex uint64) (term, index uint64) {
	conflictTerm, status := s.Log.FetchTerm(prevIndex)
	if status != FetchOK {
		next := s.Log.NextIndex()
		return 0, next
	}
	idx := prevIndex
	for idx > 0 {
		t, status := s.Log.FetchTerm(idx - 1)
		if status != FetchOK || t != conflictTerm {
			break
		}
		idx--
	}
	return conflictTerm, idx
}

// HandleAppendEntriesReply is the leader-side reply handler. On failure it
// applies the fast-rollback hint instead of retreating one index at a time;
// on success it advances match_index/next_index and re-evaluates
// commit_index.
func (s *Server) HandleAppendEntriesReply(from ServerID, reply *AppendEntriesReply) (outbound []Message, effects []Effect) {
	if reply.Term > s.Persistent.CurrentTerm {
		return nil, s.stepDown(reply.Term)
	}
	if !s.isLeader() {
		return nil, nil
	}
	ps := s.Volatile.Peers[from]
	if ps == nil {
		return nil, nil
	}
	if ps.InFlight > 0 {
		ps.InFlight--
	}

	if !reply.Success {
		if reply.MismatchHintIndex > 0 {
			ps.NextIndex = reply.MismatchHintIndex
		} else if ps.NextIndex > 1 {
			ps.NextIndex--
		}
		o2, _ := s.replicatePeer(from, ps)
		return o2, nil
	}

	ps.MatchIndex = max64(ps.MatchIndex, reply.LastIndex)
	ps.NextIndex = max64(ps.NextIndex, reply.LastIndex+1)
	ps.LastAckTime = s.now()

	effects = s.advanceCommitIndex()

	if s.Log.NextIndex()-1 > ps.MatchIndex {
		o2, _ := s.replicatePeer(from, ps)
		outbound = append(outbound, o2...)
	}
	return outbound, effects
}

func (s *Server) replicatePeer(peer ServerID, ps *PeerState) ([]Message, bool) {
	if ps.InFlight >= s.Config.MaxInFlightAppends {
		return nil, false
	}
	msg, ok := s.buildAppendEntries(peer, ps)
	if !ok {
		return []Message{s.buildInstallSnapshot(peer)}, true
	}
	ps.InFlight++
	return []Message{msg}, true
}

// advanceCommitIndex applies the Raft commit rule: the highest N with a
// majority of match_index >= N whose entry was appended in the leader's
// current term. Entries from prior terms are never committed by counting
// replicas directly — only via the current term's noop/entry, the classic
// safety fix for the leader-completeness hazard.
func (s *Server) advanceCommitIndex() []Effect {
	matches := make([]uint64, 0, len(s.Volatile.Peers)+1)
	lastIndex, _ := s.lastLogIndexTerm()
	matches = append(matches, lastIndex) // self
	for _, ps := range s.Volatile.Peers {
		matches = append(matches, ps.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorumIdx := s.quorumSize() - 1
	if quorumIdx >= len(matches) {
		return nil
	}
	candidate := matches[quorumIdx]
	if candidate <= s.Volatile.CommitIndex {
		return nil
	}
	term, status := s.Log.FetchTerm(candidate)
	if status != FetchOK || term != s.Persistent.CurrentTerm {
		return nil
	}
	s.Volatile.CommitIndex = candidate
	return nil
}

// HandleInstallSnapshot is the follower-side handler: it jumps straight to
// the snapshot's index/term and transitions to ReceiveSnapshot until the
// caller (package node) finishes installing the byte stream via the
// snapshotstore, then calls FinishInstallSnapshot.
func (s *Server) HandleInstallSnapshot(req *InstallSnapshotRequest) (*InstallSnapshotReply, []Effect) {
	var effects []Effect
	if req.Term < s.Persistent.CurrentTerm {
		return &InstallSnapshotReply{Term: s.Persistent.CurrentTerm}, nil
	}
	if req.Term > s.Persistent.CurrentTerm {
		effects = s.stepDown(req.Term)
	}
	s.Volatile.LeaderID = req.LeaderID
	s.Volatile.Role = ReceiveSnapshot
	s.resetElectionDeadline(s.Config.ElectionTimeoutMin, s.Config.ElectionTimeoutMax)
	return &InstallSnapshotReply{Term: s.Persistent.CurrentTerm, LastIndex: req.LastIndex}, effects
}

// FinishInstallSnapshot is called by package node once the snapshot bytes
// named in an InstallSnapshotRequest have been durably written to the
// snapshotstore. It fast-forwards persistent state and returns to Follower.
func (s *Server) FinishInstallSnapshot(meta SnapshotMetadata) []Effect {
	s.Persistent.SnapshotMeta = meta
	s.Volatile.Cluster = meta.Config
	s.Volatile.CommitIndex = max64(s.Volatile.CommitIndex, meta.LastIndex)
	s.Volatile.LastApplied = max64(s.Volatile.LastApplied, meta.LastIndex)
	return s.becomeFollower(s.Volatile.LeaderID)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
