package raft

import "time"

// Join proposes adding server to the cluster as a single-server membership
// change. Only one membership change may be pending at a time; a second
// call while one is outstanding is rejected.
func (s *Server) Join(server ServerID, from string, timeout time.Duration) (outbound []Message, effects []Effect, err error) {
	return s.proposeMembershipChange(MembershipJoin, server, from, timeout)
}

// Leave proposes removing server from the cluster.
func (s *Server) Leave(server ServerID, from string, timeout time.Duration) (outbound []Message, effects []Effect, err error) {
	return s.proposeMembershipChange(MembershipLeave, server, from, timeout)
}

func (s *Server) proposeMembershipChange(kind MembershipChangeType, server ServerID, from string, timeout time.Duration) (outbound []Message, effects []Effect, err error) {
	if !s.isLeader() {
		var hint *ServerID
		if !s.Volatile.LeaderID.IsZero() {
			h := s.Volatile.LeaderID
			hint = &h
		}
		return nil, nil, &Error{Code: ENotLeader, Op: "membership_change", HintLeader: hint}
	}
	if s.Volatile.Pending != nil {
		return nil, nil, &Error{Code: EClusterChangeInProgress, Op: "membership_change"}
	}

	var newCluster ClusterConfig
	switch kind {
	case MembershipJoin:
		if s.Volatile.Cluster.Contains(server) {
			return nil, nil, newError("membership_change", EBadTerm, "server already a member", nil)
		}
		newCluster = s.Volatile.Cluster.WithAdded(server)
	case MembershipLeave:
		if !s.Volatile.Cluster.Contains(server) {
			return nil, nil, newError("membership_change", EBadTerm, "server not a member", nil)
		}
		newCluster = s.Volatile.Cluster.WithRemoved(server)
	}

	if timeout <= 0 {
		timeout = s.Config.MembershipVerifyTimeout
	}

	index, outbound, effects, err := s.Propose(EntryConfig, encodeClusterConfig(newCluster), from)
	if err != nil {
		return nil, nil, err
	}

	s.Volatile.Pending = &PendingMembershipChange{
		Type:        kind,
		Server:      server,
		StartedAt:   s.now(),
		TimeoutMS:   timeout.Milliseconds(),
		ConfigIndex: index,
		OriginFrom:  from,
	}
	return outbound, effects, nil
}

// VerifyMembershipTick is invoked by package node after every event and
// heartbeat tick; it does nothing unless a membership change is pending
// (Config.MembershipVerifyTick is not consulted). If the change has made enough
// progress (see membershipChangeSucceeded), it clears Pending. If the outer
// timeout has elapsed without that, it reverts to the prior configuration
// and notifies the originator — the documented failure mode for a
// membership change that cannot make progress (e.g. the added/removed
// server is unreachable).
func (s *Server) VerifyMembershipTick() (outbound []Message, effects []Effect) {
	pending := s.Volatile.Pending
	if pending == nil {
		return nil, nil
	}

	if s.membershipChangeSucceeded(pending) {
		s.Volatile.Pending = nil
		return nil, nil
	}

	elapsed := s.now().Sub(pending.StartedAt)
	if elapsed < time.Duration(pending.TimeoutMS)*time.Millisecond {
		return nil, nil
	}

	revertCluster := s.Volatile.Cluster
	switch pending.Type {
	case MembershipJoin:
		revertCluster = revertCluster.WithRemoved(pending.Server)
	case MembershipLeave:
		revertCluster = revertCluster.WithAdded(pending.Server)
	}
	s.Volatile.Pending = nil

	if !s.isLeader() {
		// Leadership moved on; the new leader owns verifying its own view
		// of this change. Nothing to revert from here.
		return nil, nil
	}

	_, o2, e2, err := s.Propose(EntryConfig, encodeClusterConfig(revertCluster), pending.OriginFrom)
	if err != nil {
		return nil, nil
	}
	effects = append(e2, Notify(pending.OriginFrom, &Error{
		Code: ETimeout,
		Op:   "membership_change",
		Msg:  "membership change timed out and was reverted",
	}))
	return o2, effects
}

// membershipChangeSucceeded reports whether pending has made enough
// progress that VerifyMembershipTick should stop watching it.
//
// A leave succeeds once its config entry has committed: removal takes
// full effect only once the cluster agrees on it.
//
// A join is different. The config entry adding a server takes effect at
// append, not commit, and the joining server isn't needed to reach
// quorum on its own entry — in a cluster of N members adding one more,
// the pre-existing N members alone can already satisfy quorum(N+1).
// So the entry can commit purely on the votes of the old members while
// the new server never responds at all. A join therefore only counts as
// making progress once the joining server itself has acked an append.
func (s *Server) membershipChangeSucceeded(pending *PendingMembershipChange) bool {
	switch pending.Type {
	case MembershipLeave:
		if s.Volatile.CommitIndex < pending.ConfigIndex {
			return false
		}
		term, status := s.Log.FetchTerm(pending.ConfigIndex)
		return status == FetchOK && term != 0
	case MembershipJoin:
		ps := s.Volatile.Peers[pending.Server]
		return ps != nil && ps.MatchIndex > 0
	default:
		return false
	}
}
