// Package apply implements the apply/effects loop: it advances a group's
// last_applied index toward commit_index one entry at a time, invokes the
// user state machine, and executes the closed effect set only while the
// group believes itself to be leader. Grounded on raft/log.go's
// FSM.Apply call site inside Log.ApplyEntries, generalized from "apply
// then fsync" to "apply then dispatch effects".
package apply

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/influxdata/ractor/grouplog"
	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/snapshotstore"
)

// EffectSink executes every effect kind the apply loop does not interpret
// itself. release_cursor/checkpoint/snapshot are handled internally
// because they reach directly into the group's log and snapshot store;
// everything else is handed to the node-supplied sink: effects are only
// executed by the host that currently believes it is leader.
type EffectSink interface {
	SendMsg(target raft.ServerID, payload any)
	Monitor(pid, ref string)
	Demonitor(pid, ref string)
	Notify(from string, reply any)
	ModCall(fn func())
	Timer(name string, ms int64)
	Aux(v any)
}

// Loop owns one group's application of committed entries to its state
// machine. Like raft.Server, it owns no goroutine: the node package's
// single-consumer queue for the group calls Advance after every event that
// might move commit_index forward.
type Loop struct {
	server *raft.Server
	log    *grouplog.Log
	store  *snapshotstore.Store
	fsm    raft.FSM
	sink   EffectSink
	logger *zap.Logger

	state any
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(loop *Loop) { loop.logger = l }
}

// New constructs a Loop for server, recovering FSM state from store if a
// promoted snapshot exists, or calling fsm.Init(initialConfig) otherwise.
func New(server *raft.Server, log *grouplog.Log, store *snapshotstore.Store, fsm raft.FSM, sink EffectSink, initialConfig any, opts ...Option) (*Loop, error) {
	l := &Loop{server: server, log: log, store: store, fsm: fsm, sink: sink, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}

	meta, data, ok, err := store.Recover()
	if err != nil {
		return nil, fmt.Errorf("apply: recover snapshot: %w", err)
	}
	if !ok {
		l.state = fsm.Init(initialConfig)
		return l, nil
	}

	sfsm, isSnap := fsm.(raft.SnapshotFSM)
	if !isSnap {
		return nil, fmt.Errorf("apply: a snapshot exists on disk but the state machine does not implement raft.SnapshotFSM")
	}
	state, err := sfsm.Restore(data)
	if err != nil {
		return nil, fmt.Errorf("apply: restore snapshot: %w", err)
	}
	l.state = state

	snapMeta := raft.SnapshotMetadata{LastIndex: meta.LastIndex, LastTerm: meta.LastTerm, Config: meta.Config}
	l.log.InstallSnapshot(snapMeta)
	server.Persistent.SnapshotMeta = snapMeta
	server.Volatile.LastApplied = meta.LastIndex
	if server.Volatile.CommitIndex < meta.LastIndex {
		server.Volatile.CommitIndex = meta.LastIndex
	}
	return l, nil
}

// State returns the current (unexported-to-callers-elsewhere) FSM state,
// for tests and for a read-path that wants a consistent read without
// going through Apply.
func (l *Loop) State() any { return l.state }

// Advance applies every entry between last_applied (exclusive) and
// commit_index (inclusive), in order, stopping at the first entry the log
// cannot yet supply (a lagging follower's log may not have replicated
// that far yet even though the leader reported it committed).
func (l *Loop) Advance() error {
	for l.server.Volatile.LastApplied < l.server.Volatile.CommitIndex {
		index := l.server.Volatile.LastApplied + 1
		entry, ok, err := l.log.Fetch(index)
		if err != nil {
			return fmt.Errorf("apply: fetch %d: %w", index, err)
		}
		if !ok {
			return nil
		}
		l.applyOne(entry)
	}
	return nil
}

func (l *Loop) applyOne(e raft.Entry) {
	switch e.Kind {
	case raft.EntryNoop:
		l.server.Volatile.LastApplied = e.Index
		return
	case raft.EntryConfig:
		// Config entries already took effect when appended; the apply
		// loop only advances past them and acks the proposer.
		l.server.Volatile.LastApplied = e.Index
		if l.server.IsLeader() && e.From != "" {
			l.sink.Notify(e.From, nil)
		}
		return
	}

	meta := raft.Meta{Index: e.Index, Term: e.Term, SystemTime: l.server.Now().UnixNano(), From: e.From}
	newState, reply, effects := l.fsm.Apply(meta, e.Payload, l.state)
	l.state = newState
	l.server.Volatile.LastApplied = e.Index

	if e.From != "" {
		l.sink.Notify(e.From, reply)
	}
	if !l.server.IsLeader() {
		return
	}
	for _, eff := range effects {
		l.dispatch(eff)
	}
}

// Tick invokes the state machine's optional periodic callback (TickFSM), if
// it implements one, dispatching any returned effects under the same
// leadership gate as entries applied from the log. systemTimeNano should
// come from Server.Now(), never time.Now, to keep replay deterministic.
func (l *Loop) Tick(systemTimeNano int64) {
	tfsm, ok := l.fsm.(raft.TickFSM)
	if !ok {
		return
	}
	effects := tfsm.Tick(systemTimeNano, l.state)
	if !l.server.IsLeader() {
		return
	}
	for _, eff := range effects {
		l.dispatch(eff)
	}
}

// NotifyRoleChange invokes the state machine's optional StateEnterFSM
// callback, if it implements one, when the server's role has just changed.
// Effects dispatch unconditionally: the transition itself (not current
// leadership) is what the state machine asked to observe.
func (l *Loop) NotifyRoleChange(role raft.Role) {
	sfsm, ok := l.fsm.(raft.StateEnterFSM)
	if !ok {
		return
	}
	l.ExecuteEffects(sfsm.StateEnter(role, l.state))
}

// ExecuteEffects dispatches effects returned directly by raft.Server
// methods (Tick, HandleX, Propose, Join/Leave, VerifyMembershipTick) —
// as opposed to effects returned from FSM.Apply, which Advance dispatches
// itself after gating on current leadership. The Server already only
// returns these when appropriate (e.g. VerifyMembershipTick only emits
// Notify when it acted as leader), so no leadership gate is applied here.
func (l *Loop) ExecuteEffects(effects []raft.Effect) {
	for _, eff := range effects {
		l.dispatch(eff)
	}
}

func (l *Loop) dispatch(eff raft.Effect) {
	switch eff.Kind {
	case raft.EffectSendMsg:
		l.sink.SendMsg(eff.Target, eff.Payload)
	case raft.EffectMonitor:
		l.sink.Monitor(eff.Pid, eff.Ref)
	case raft.EffectDemonitor:
		l.sink.Demonitor(eff.Pid, eff.Ref)
	case raft.EffectNotify:
		l.sink.Notify(eff.From, eff.Reply)
	case raft.EffectModCall:
		l.sink.ModCall(eff.MFA)
	case raft.EffectTimer:
		l.sink.Timer(eff.TimerName, eff.TimerMS)
	case raft.EffectAux:
		l.sink.Aux(eff.Aux)
	case raft.EffectReleaseCursor:
		l.log.UpdateReleaseCursor(eff.Index)
	case raft.EffectCheckpoint:
		l.writeCheckpoint(eff.Index)
	case raft.EffectSnapshot:
		l.writeSnapshot(eff.Index)
	}
}

// writeSnapshot serializes state at index, promotes it as the group's new
// live snapshot, and advances the log's snapshot boundary so the hot cache
// and sealed-segment index stop holding entries it now supersedes.
func (l *Loop) writeSnapshot(index uint64) {
	meta, data, ok := l.snapshotAt(index)
	if !ok {
		return
	}
	h, err := l.store.Write(meta, data)
	if err != nil {
		l.logger.Warn("snapshot write failed", zap.Uint64("index", index), zap.Error(err))
		return
	}
	if err := l.store.Promote(h); err != nil {
		l.logger.Warn("snapshot promote failed", zap.Uint64("index", index), zap.Error(err))
		return
	}
	l.log.InstallSnapshot(raft.SnapshotMetadata{LastIndex: meta.LastIndex, LastTerm: meta.LastTerm, Config: meta.Config})
	l.server.Persistent.SnapshotMeta = raft.SnapshotMetadata{LastIndex: meta.LastIndex, LastTerm: meta.LastTerm, Config: meta.Config}
}

// writeCheckpoint serializes state at index and writes it durably without
// promoting it: a bound on apply-side memory/log replay depth that does
// not yet commit to discarding anything.
func (l *Loop) writeCheckpoint(index uint64) {
	meta, data, ok := l.snapshotAt(index)
	if !ok {
		return
	}
	if _, err := l.store.WriteCheckpoint(meta, data); err != nil {
		l.logger.Warn("checkpoint write failed", zap.Uint64("index", index), zap.Error(err))
	}
}

func (l *Loop) snapshotAt(index uint64) (snapshotstore.Meta, []byte, bool) {
	sfsm, ok := l.fsm.(raft.SnapshotFSM)
	if !ok {
		l.logger.Debug("snapshot/checkpoint effect ignored: state machine is not a raft.SnapshotFSM")
		return snapshotstore.Meta{}, nil, false
	}
	term, status := l.log.FetchTerm(index)
	if status != raft.FetchOK {
		l.logger.Warn("snapshot/checkpoint effect skipped: term unavailable", zap.Uint64("index", index))
		return snapshotstore.Meta{}, nil, false
	}
	data, err := sfsm.Snapshot(l.state)
	if err != nil {
		l.logger.Warn("state machine snapshot failed", zap.Uint64("index", index), zap.Error(err))
		return snapshotstore.Meta{}, nil, false
	}
	return snapshotstore.Meta{LastIndex: index, LastTerm: term, Config: l.server.Volatile.Cluster}, data, true
}
