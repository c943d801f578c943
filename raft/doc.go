// Package raft implements the per-group consensus state machine described
// in the engine's design: election, log replication, single-server
// membership change and snapshot install. A Server is a pure function of
// (state, event) -> (state, outbound messages, effects, log writes); it owns
// no goroutines and performs no I/O itself. Callers drive it from a
// single-consumer event loop per group (see package node) and are
// responsible for durably persisting log writes through the wal and
// grouplog packages before treating an append as committed.
package raft
