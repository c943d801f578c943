package node

import (
	"go.uber.org/zap"

	"github.com/influxdata/ractor/raft"
)

// effectSink implements apply.EffectSink for one group: send_msg goes
// through the node's transport, mod_call runs inline on the group's own
// event-queue goroutine (it is already single-threaded per group, so no
// extra dispatch is needed), and the remaining effect kinds are logged
// best-effort since nothing in this engine's scope (spec Non-goals exclude
// the public client API surface) yet defines a monitor/timer subsystem for
// a user state machine to hook into.
type effectSink struct {
	node    *Node
	groupID string
	logger  *zap.Logger
}

func (e *effectSink) SendMsg(target raft.ServerID, payload any) {
	if err := e.node.opts.Transport.Send(target, payload); err != nil {
		e.logger.Debug("effect send_msg failed",
			zap.String("group", e.groupID), zap.Stringer("target", target), zap.Error(err))
	}
}

func (e *effectSink) Monitor(pid, ref string) {
	e.logger.Debug("effect monitor", zap.String("group", e.groupID), zap.String("pid", pid), zap.String("ref", ref))
}

func (e *effectSink) Demonitor(pid, ref string) {
	e.logger.Debug("effect demonitor", zap.String("group", e.groupID), zap.String("pid", pid), zap.String("ref", ref))
}

func (e *effectSink) Notify(from string, reply any) {
	e.logger.Debug("effect notify", zap.String("group", e.groupID), zap.String("from", from))
}

func (e *effectSink) ModCall(fn func()) {
	if fn != nil {
		fn()
	}
}

func (e *effectSink) Timer(name string, ms int64) {
	e.logger.Debug("effect timer", zap.String("group", e.groupID), zap.String("name", name), zap.Int64("ms", ms))
}

func (e *effectSink) Aux(v any) {
	e.logger.Debug("effect aux", zap.String("group", e.groupID))
}
