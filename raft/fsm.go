package raft

// FSM is the callback contract every group host must supply, generalized
// from a conventional Apply/Snapshot/Restore interface to the richer
// apply/effects/upgrade contract this design calls for.
type FSM interface {
	// Init constructs the initial state from a group's configuration.
	Init(config any) any

	// Apply advances state by one committed command and returns the new
	// state, a reply to correlate back to the proposer via meta.From, and
	// any effects to execute if the server is currently leader.
	Apply(meta Meta, command []byte, state any) (newState any, reply any, effects []Effect)
}

// StateEnterFSM is implemented by state machines that want to react to
// Raft role transitions (optional callback).
type StateEnterFSM interface {
	StateEnter(role Role, state any) []Effect
}

// TickFSM is implemented by state machines that want periodic ticks
// (optional callback).
type TickFSM interface {
	Tick(systemTimeNano int64, state any) []Effect
}

// SnapshotFSM is implemented by state machines that can serialize and
// restore their state as an opaque byte blob. A state machine that never
// opts into snapshot/checkpoint effects need not implement this; the
// apply loop treats EffectSnapshot/EffectCheckpoint as a no-op for such
// machines.
type SnapshotFSM interface {
	Snapshot(state any) ([]byte, error)
	Restore(data []byte) (any, error)
}

// VersionedFSM is implemented by state machines that support upgrades:
// Version reports the current module version, and WhichModule resolves the
// implementation responsible for applying entries recorded at an older
// version, allowing dynamic dispatch over user state machines.
type VersionedFSM interface {
	Version() int
	WhichModule(version int) string
}
