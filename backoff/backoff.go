// Package backoff holds the reconnect policy of a client connection: whether
// to retry, how many times, and how long to wait between attempts.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy is immutable retry configuration. The wait before each attempt is
// BaseDelay plus a uniformly random jitter in [0, Variance], so that many
// clients failing at once do not reconnect in lockstep.
type Policy struct {
	// Enabled turns automatic reconnection on.
	Enabled bool
	// MaxAttempts caps consecutive failed attempts; 0 means unlimited.
	MaxAttempts int
	// BaseDelay is the fixed part of the wait.
	BaseDelay time.Duration
	// Variance is the upper bound of the random jitter added to BaseDelay.
	Variance time.Duration
}

// DefaultPolicy returns reconnection enabled, unlimited attempts, a 3s base
// delay and up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		MaxAttempts: 0,
		BaseDelay:   3 * time.Second,
		Variance:    time.Second,
	}
}

// Allow reports whether another attempt may be made after attempts failed
// attempts.
//
// Parameters:
//   - attempts: Number of attempts made since the last successful connect
//
// Returns:
//   - true if the policy permits another attempt
func (p Policy) Allow(attempts int) bool {
	if !p.Enabled {
		return false
	}

	return p.MaxAttempts == 0 || attempts <= p.MaxAttempts
}

// Delay returns BaseDelay plus a random jitter in [0, Variance]. A nil rng
// uses the package-level source.
//
// Parameters:
//   - rng: Optional random source, used by tests for determinism
//
// Returns:
//   - The wait before the next attempt
func (p Policy) Delay(rng *rand.Rand) time.Duration {
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}

	if p.Variance <= 0 {
		return base
	}

	return base + time.Duration(Int63n(rng, int64(p.Variance)+1))
}

var (
	globalMu  sync.Mutex
	globalRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Int63n returns a uniform value in [0, n) from rng, or from a shared
// mutex-guarded source when rng is nil. n must be positive.
func Int63n(rng *rand.Rand, n int64) int64 {
	if rng != nil {
		return rng.Int63n(n)
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRng.Int63n(n)
}
