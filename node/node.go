// Package node is the per-node orchestrator: it starts the two node-wide
// singletons (the shared WAL writer and the segment writer), hosts one
// single-consumer event queue per Raft group, and routes inbound messages,
// proposals, and membership changes through that queue so every event for
// a group is handled one at a time, the way raft/log.go's Log methods each
// take l.mu and return a result rather than running their own loop.
// Grounded on cmd/influxd/launcher's ordered Open/Close of subsystems and
// multiraft/log.go's group/node registries, made durable via catalog.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/influxdata/ractor/apply"
	"github.com/influxdata/ractor/catalog"
	"github.com/influxdata/ractor/grouplog"
	"github.com/influxdata/ractor/raft"
	"github.com/influxdata/ractor/segment"
	"github.com/influxdata/ractor/snapshotstore"
	"github.com/influxdata/ractor/wal"
)

// FSMFactory builds the user state machine for one group. Called once per
// group, at AddGroup time or at startup for every group the catalog already
// lists.
type FSMFactory func(groupID string) raft.FSM

// Options configures a Node.
type Options struct {
	Dir string

	Transport raft.Transport
	Liveness  raft.LivenessOracle
	Clock     raft.Clock

	// RaftConfig, if set, returns the Config to use for groupID. Nil means
	// raft.DefaultConfig() for every group.
	RaftConfig func(groupID string) raft.Config

	FSM FSMFactory

	WAL     wal.Options
	Segment segment.Options

	Logger *zap.Logger

	// SelfAddr is this node's address, combined with a group's id to form
	// the raft.ServerID this node acts as within that group.
	SelfAddr string
}

func (o *Options) setDefaults() {
	if o.Liveness == nil {
		o.Liveness = alwaysUpLiveness{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RaftConfig == nil {
		o.RaftConfig = func(string) raft.Config { return raft.DefaultConfig() }
	}
}

// Node owns one node's hosted groups plus the two shared singletons every
// group funnels through: any group start blocks until both are ready.
type Node struct {
	opts   Options
	logger *zap.Logger

	catalog *catalog.Store
	wal     *wal.Writer
	seg     *segment.Processor

	segCancel context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	groups map[string]*groupHost
}

// groupHost is one group's private state plus the single-consumer event
// channel that serializes every Tick/Dispatch/Propose/Join/Leave call for
// it, the same "one goroutine owns this group" discipline raft.Server
// itself assumes of its caller.
type groupHost struct {
	id     string
	server *raft.Server
	log    *grouplog.Log
	loop   *apply.Loop
	store  *snapshotstore.Store

	events chan func()
	done   chan struct{}

	ticker *time.Ticker

	lastSavedTerm     uint64
	lastSavedVotedFor raft.ServerID
	lastRole          raft.Role
}

// Open brings up the catalog, the shared WAL writer, the shared segment
// processor, and then every group the catalog already lists, in that
// order — no group is started until both node-wide singletons are running.
func Open(opts Options) (*Node, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("node: mkdir %s: %w", opts.Dir, err)
	}

	cat, err := catalog.Open(filepath.Join(opts.Dir, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("node: open catalog: %w", err)
	}

	n := &Node{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "node")),
		catalog: cat,
		groups:  make(map[string]*groupHost),
	}

	opts.WAL.Dir = filepath.Join(opts.Dir, "wal")
	opts.WAL.Logger = opts.Logger
	n.wal = wal.NewWriter(opts.WAL, n)
	if err := n.wal.Open(); err != nil {
		cat.Close()
		return nil, fmt.Errorf("node: open wal: %w", err)
	}

	opts.Segment.Dir = filepath.Join(opts.Dir, "segments")
	opts.Segment.Logger = opts.Logger
	n.seg = segment.NewProcessor(opts.Segment, cat, n, n.wal.Sealed())

	segCtx, segCancel := context.WithCancel(context.Background())
	n.segCancel = segCancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.seg.Run(segCtx); err != nil && segCtx.Err() == nil {
			n.logger.Error("segment processor stopped", zap.Error(err))
		}
	}()

	records, err := cat.Groups()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("node: list groups: %w", err)
	}
	for _, rec := range records {
		if _, err := n.startGroup(rec.GroupID, rec.GroupHash, rec.Config); err != nil {
			n.Close()
			return nil, fmt.Errorf("node: start group %s: %w", rec.GroupID, err)
		}
	}

	return n, nil
}

// Durable implements wal.Notifier. The per-group hot cache already advances
// as entries are appended; this is a best-effort log point for observing
// WAL durability lag, not itself required for correctness.
func (n *Node) Durable(groupID string, upToIndex uint64) {
	n.logger.Debug("wal durable", zap.String("group", groupID), zap.Uint64("up_to_index", upToIndex))
}

// SegmentSealed implements segment.Notifier: it hands the new segment's
// manifest to the owning group's log through that group's own event queue,
// so UpdateSegmentRange never races with that group's other log operations.
func (n *Node) SegmentSealed(m segment.Manifest) {
	n.mu.Lock()
	g := n.groups[m.GroupID]
	n.mu.Unlock()
	if g == nil {
		n.logger.Warn("segment sealed for unknown group", zap.String("group", m.GroupID))
		return
	}
	g.enqueue(func() {
		if err := g.log.UpdateSegmentRange(m); err != nil {
			n.logger.Warn("update segment range failed", zap.String("group", m.GroupID), zap.Error(err))
		}
	})
}

// AddGroup registers a brand new group with this node and starts hosting
// it, durably recording the registration before any Raft activity for the
// group begins.
func (n *Node) AddGroup(groupID string, cfg raft.ClusterConfig) error {
	hash := wal.GroupHash(groupID)
	if err := n.catalog.RegisterGroup(catalog.GroupRecord{GroupID: groupID, GroupHash: hash, Config: cfg}); err != nil {
		return fmt.Errorf("node: register group %s: %w", groupID, err)
	}
	_, err := n.startGroup(groupID, hash, cfg)
	return err
}

func (n *Node) startGroup(groupID string, hash uint64, cfg raft.ClusterConfig) (*groupHost, error) {
	n.mu.Lock()
	if _, exists := n.groups[groupID]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("node: group %s already started", groupID)
	}
	n.mu.Unlock()

	glog := grouplog.New(groupID, hash, n.wal, grouplog.WithLogger(n.logger))

	raftCfg := n.opts.RaftConfig(groupID)
	raftCfg.Cluster = cfg
	selfID := raft.ServerID{Group: raft.GroupID(groupID), Addr: n.opts.SelfAddr}

	server := raft.NewServer(selfID, raftCfg, glog, n.opts.Transport, n.opts.Liveness, n.opts.Clock, int64(hash))
	if term, votedFor, ok, err := n.catalog.LoadTerm(groupID); err != nil {
		return nil, fmt.Errorf("node: load term for %s: %w", groupID, err)
	} else if ok {
		server.Persistent.CurrentTerm = term
		server.Persistent.VotedFor = votedFor
	}

	store, err := snapshotstore.Open(filepath.Join(n.opts.Dir, "snapshots", groupID), groupID)
	if err != nil {
		return nil, fmt.Errorf("node: open snapshot store for %s: %w", groupID, err)
	}

	fsm := n.opts.FSM(groupID)
	sink := &effectSink{node: n, groupID: groupID, logger: n.logger}
	loop, err := apply.New(server, glog, store, fsm, sink, cfg, apply.WithLogger(n.logger))
	if err != nil {
		return nil, fmt.Errorf("node: build apply loop for %s: %w", groupID, err)
	}

	g := &groupHost{
		id:       groupID,
		server:   server,
		log:      glog,
		loop:     loop,
		store:    store,
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		ticker:   time.NewTicker(raftCfg.HeartbeatInterval),
		lastRole: server.Volatile.Role,
	}

	n.mu.Lock()
	n.groups[groupID] = g
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runGroup(g)
	}()

	return g, nil
}

// runGroup is the group's single consumer: every inbound event, proposal,
// membership call, and heartbeat tick for this group flows through here,
// one at a time.
func (n *Node) runGroup(g *groupHost) {
	defer g.ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case fn := <-g.events:
			fn()
			n.afterEvent(g)
		case <-g.ticker.C:
			outbound, effects := g.server.Tick()
			n.send(g, outbound)
			g.loop.ExecuteEffects(effects)
			n.afterEvent(g)
		}
	}
}

// afterEvent persists any term change, notifies the apply loop of a role
// transition, and advances the apply loop past whatever commit_index
// movement the just-handled event produced.
func (n *Node) afterEvent(g *groupHost) {
	if g.server.Persistent.CurrentTerm != g.lastSavedTerm || g.server.Persistent.VotedFor != g.lastSavedVotedFor {
		g.lastSavedTerm = g.server.Persistent.CurrentTerm
		g.lastSavedVotedFor = g.server.Persistent.VotedFor
		if err := n.catalog.SaveTerm(g.id, g.lastSavedTerm, g.lastSavedVotedFor); err != nil {
			n.logger.Warn("save term failed", zap.String("group", g.id), zap.Error(err))
		}
	}

	if g.server.Volatile.Role != g.lastRole {
		prev := g.lastRole
		g.lastRole = g.server.Volatile.Role
		g.loop.NotifyRoleChange(g.lastRole)
		n.logger.Info("role changed",
			zap.String("group", g.id),
			zap.String("from", prev.String()),
			zap.String("to", g.lastRole.String()))
	}

	if outVerify, effVerify := g.server.VerifyMembershipTick(); len(outVerify) > 0 || len(effVerify) > 0 {
		n.send(g, outVerify)
		g.loop.ExecuteEffects(effVerify)
	}

	if err := g.loop.Advance(); err != nil {
		n.logger.Warn("apply advance failed", zap.String("group", g.id), zap.Error(err))
	}
}

func (g *groupHost) enqueue(fn func()) {
	select {
	case g.events <- fn:
	case <-g.done:
	}
}

// send delivers every outbound message via the configured transport,
// attaching the group's current live snapshot bytes to an
// InstallSnapshotRequest before it leaves the node — raft.Server only knows
// the snapshot's metadata (it never imports snapshotstore), so the node is
// the one place that can fill Data in.
func (n *Node) send(g *groupHost, msgs []raft.Message) {
	for _, m := range msgs {
		if req, ok := m.Body.(*raft.InstallSnapshotRequest); ok {
			if _, data, ok, err := g.store.Recover(); err == nil && ok {
				req.Data = data
			} else if err != nil {
				n.logger.Warn("recover snapshot for install failed", zap.String("group", g.id), zap.Error(err))
			}
		}
		if err := n.opts.Transport.Send(m.Target, m.Body); err != nil {
			n.logger.Debug("send failed", zap.String("group", g.id), zap.Stringer("target", m.Target), zap.Error(err))
		}
	}
}

// Dispatch delivers an inbound message for groupID, handled on that group's
// event queue in order with everything else.
func (n *Node) Dispatch(groupID string, from raft.ServerID, msg any) error {
	g, ok := n.group(groupID)
	if !ok {
		return fmt.Errorf("node: unknown group %s", groupID)
	}
	g.enqueue(func() { n.handleInbound(g, from, msg) })
	return nil
}

func (n *Node) handleInbound(g *groupHost, from raft.ServerID, msg any) {
	switch m := msg.(type) {
	case *raft.RequestVoteRequest:
		reply, effects := g.server.HandleRequestVote(m)
		n.send(g, []raft.Message{{Target: from, Body: reply}})
		g.loop.ExecuteEffects(effects)
	case *raft.RequestVoteReply:
		outbound, effects := g.server.HandleRequestVoteReply(from, m)
		n.send(g, outbound)
		g.loop.ExecuteEffects(effects)
	case *raft.AppendEntriesRequest:
		reply, effects := g.server.HandleAppendEntries(m)
		n.send(g, []raft.Message{{Target: from, Body: reply}})
		g.loop.ExecuteEffects(effects)
	case *raft.AppendEntriesReply:
		outbound, effects := g.server.HandleAppendEntriesReply(from, m)
		n.send(g, outbound)
		g.loop.ExecuteEffects(effects)
	case *raft.InstallSnapshotRequest:
		n.handleInstallSnapshot(g, from, m)
	case *raft.InstallSnapshotReply:
		// The leader's replication loop discovers install progress through
		// the next regular Tick/replicateToAll pass rather than a reply
		// handler; there is no leader-side reaction to this reply beyond
		// that.
	default:
		n.logger.Warn("dispatch: unknown message type", zap.String("group", g.id))
	}
}

// handleInstallSnapshot runs the follower side of the snapshot transfer:
// transition the server, durably install the bytes the leader
// sent, fast-forward the group log past them, and only then tell the
// server it may resume as a normal follower.
func (n *Node) handleInstallSnapshot(g *groupHost, from raft.ServerID, req *raft.InstallSnapshotRequest) {
	reply, effects := g.server.HandleInstallSnapshot(req)
	g.loop.ExecuteEffects(effects)

	if req.Done {
		meta := snapshotstore.Meta{LastIndex: req.LastIndex, LastTerm: req.LastTerm, Config: req.Config}
		if err := g.store.Install(meta, req.Data); err != nil {
			n.logger.Warn("install snapshot failed", zap.String("group", g.id), zap.Error(err))
		} else {
			snapMeta := raft.SnapshotMetadata{LastIndex: req.LastIndex, LastTerm: req.LastTerm, Config: req.Config}
			g.log.InstallSnapshot(snapMeta)
			g.server.Persistent.SnapshotMeta = snapMeta
			g.loop.ExecuteEffects(g.server.FinishInstallSnapshot(snapMeta))
		}
	}

	n.send(g, []raft.Message{{Target: from, Body: reply}})
}

// Propose submits a new command entry to groupID's leader, serialized
// through that group's event queue like every other event.
func (n *Node) Propose(groupID string, kind raft.EntryKind, payload []byte, from string) (uint64, error) {
	g, ok := n.group(groupID)
	if !ok {
		return 0, fmt.Errorf("node: unknown group %s", groupID)
	}

	result := make(chan struct {
		index uint64
		err   error
	}, 1)
	g.enqueue(func() {
		index, outbound, effects, err := g.server.Propose(kind, payload, from)
		n.send(g, outbound)
		g.loop.ExecuteEffects(effects)
		result <- struct {
			index uint64
			err   error
		}{index, err}
	})

	select {
	case r := <-result:
		return r.index, r.err
	case <-g.done:
		return 0, fmt.Errorf("node: group %s is shutting down", groupID)
	}
}

// Join proposes adding server to groupID's cluster.
func (n *Node) Join(groupID string, server raft.ServerID, from string, timeout time.Duration) error {
	return n.membershipChange(groupID, func(g *groupHost) ([]raft.Message, []raft.Effect, error) {
		return g.server.Join(server, from, timeout)
	})
}

// Leave proposes removing server from groupID's cluster.
func (n *Node) Leave(groupID string, server raft.ServerID, from string, timeout time.Duration) error {
	return n.membershipChange(groupID, func(g *groupHost) ([]raft.Message, []raft.Effect, error) {
		return g.server.Leave(server, from, timeout)
	})
}

func (n *Node) membershipChange(groupID string, call func(*groupHost) ([]raft.Message, []raft.Effect, error)) error {
	g, ok := n.group(groupID)
	if !ok {
		return fmt.Errorf("node: unknown group %s", groupID)
	}

	errCh := make(chan error, 1)
	g.enqueue(func() {
		outbound, effects, err := call(g)
		n.send(g, outbound)
		g.loop.ExecuteEffects(effects)
		errCh <- err
	})

	select {
	case err := <-errCh:
		return err
	case <-g.done:
		return fmt.Errorf("node: group %s is shutting down", groupID)
	}
}

// Status returns groupID's current role, for tests and operational
// introspection; ok is false if this node does not host groupID. The read
// is serialized through the group's own event queue like every other
// operation, rather than read directly, since the server's volatile state
// is otherwise only ever touched from that one goroutine.
func (n *Node) Status(groupID string) (role raft.Role, ok bool) {
	g, exists := n.group(groupID)
	if !exists {
		return 0, false
	}
	result := make(chan raft.Role, 1)
	g.enqueue(func() { result <- g.server.Volatile.Role })
	select {
	case r := <-result:
		return r, true
	case <-g.done:
		return 0, false
	}
}

func (n *Node) group(groupID string) (*groupHost, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[groupID]
	return g, ok
}

// Close shuts every group down, drains the shared singletons in the order
// they were started, and aggregates every error encountered.
func (n *Node) Close() error {
	var errs error

	n.mu.Lock()
	groups := make([]*groupHost, 0, len(n.groups))
	for _, g := range n.groups {
		groups = append(groups, g)
	}
	n.mu.Unlock()

	for _, g := range groups {
		close(g.done)
	}

	// wal.Writer.Close seals whatever segment file was still open, which
	// hands one final SealedFile to the segment processor; close the
	// writer before touching segCancel so that file is actually queued
	// before the processor's context can be cancelled out from under it.
	if n.wal != nil {
		errs = multierr.Append(errs, n.wal.Close())
	}

	// wal.Writer.Close never closes its sealed-files channel (there is no
	// formal "nothing more will ever be sealed" signal independent of the
	// writer's own lifecycle), so this is a short, bounded, best-effort
	// drain rather than a guarantee that the segment processor has
	// finished flushing that last file before its context is cancelled.
	if n.wal != nil {
		for i := 0; i < 50 && len(n.wal.Sealed()) > 0; i++ {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if n.segCancel != nil {
		n.segCancel()
	}
	n.wg.Wait()
	if n.catalog != nil {
		errs = multierr.Append(errs, n.catalog.Close())
	}
	return errs
}

type alwaysUpLiveness struct{}

func (alwaysUpLiveness) IsUp(raft.ServerID) bool { return true }
