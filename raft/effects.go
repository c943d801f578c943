package raft

// EffectKind enumerates the closed set of side-effectful actions a user
// state machine may return from apply. The set is fixed: add a new kind
// only alongside a version bump to the state-machine contract (see
// VersionedFSM.Version).
type EffectKind uint8

const (
	EffectSendMsg EffectKind = iota
	EffectMonitor
	EffectDemonitor
	EffectNotify
	EffectModCall
	EffectReleaseCursor
	EffectCheckpoint
	EffectSnapshot
	EffectTimer
	EffectAux
)

// Effect is a single value from the closed set above. Only the fields
// relevant to Kind are populated: a fixed variant tagged with an enum plus
// payload, rather than an interface per variant, since the set here is
// closed by contract rather than open for extension.
type Effect struct {
	Kind EffectKind

	// EffectSendMsg
	Target  ServerID
	Payload any

	// EffectMonitor / EffectDemonitor
	Pid string
	Ref string

	// EffectNotify
	From  string
	Reply any

	// EffectModCall
	MFA func()

	// EffectReleaseCursor / EffectCheckpoint / EffectSnapshot
	Index uint64

	// EffectTimer
	TimerName string
	TimerMS   int64

	// EffectAux
	Aux any
}

// SendMsg, Notify, ReleaseCursor, Checkpoint, Snapshot, Timer are
// constructors for the effect kinds the apply loop and membership-change
// logic in this package actually produce; monitor/demonitor/mod_call/aux
// are part of the contract for user state machines and constructed by
// callers, not by this package.

func SendMsg(target ServerID, payload any) Effect {
	return Effect{Kind: EffectSendMsg, Target: target, Payload: payload}
}

func Notify(from string, reply any) Effect {
	return Effect{Kind: EffectNotify, From: from, Reply: reply}
}

func ReleaseCursor(index uint64) Effect {
	return Effect{Kind: EffectReleaseCursor, Index: index}
}

func Checkpoint(index uint64) Effect {
	return Effect{Kind: EffectCheckpoint, Index: index}
}

func Snapshot(index uint64) Effect {
	return Effect{Kind: EffectSnapshot, Index: index}
}

func Timer(name string, ms int64) Effect {
	return Effect{Kind: EffectTimer, TimerName: name, TimerMS: ms}
}
