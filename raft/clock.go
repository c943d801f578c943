package raft

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock abstracts time so that election timers can be driven by a virtual
// clock in tests, the way raft/log.go's Log.Clock field does.
type Clock = clock.Clock

// electionTimeout returns a randomized duration in [min, max), drawn from
// rng. The Server never calls time.Now or math/rand's global source
// directly; all randomness flows through the explicit *rand.Rand carried in
// Server.Volatile.RNG so that a seeded test reproduces an exact schedule.
func electionTimeout(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// acceleratedElectionTimeout returns a small randomized timeout used when
// the liveness oracle reports the current leader down, shortening the
// follower's election timer from its normal range.
func acceleratedElectionTimeout(rng *rand.Rand) time.Duration {
	return time.Duration(10+rng.Intn(40)) * time.Millisecond
}
