// Package raftrand wraps a seeded PRNG so that election-timeout jitter and
// simulated network sampling are reproducible given a seed, mirroring how
// original_source/raft_consensus seeds a rand_chacha::ChaCha8Rng per node
// and per test run. No third-party PRNG package appears anywhere in the
// retrieval pack, so this wraps math/rand directly rather than inventing a
// dependency that isn't grounded in the corpus.
package raftrand

import "math/rand"

// Source is a deterministic, independently-seedable random source. Each
// simulator run gives its SimNetwork its own Source (Nodes take their own
// seeded *rand.Rand instead) so that no two "independent" draws anywhere in
// the system share hidden global state, per SPEC_FULL.md §9 ("Global state:
// none").
type Source struct {
	r *rand.Rand
}

// New returns a Source seeded with seed. The same seed always produces the
// same sequence of draws.
func New(seed int64) *Source {
	return &Source{r: rand.New(rand.NewSource(seed))}
}

// IntRange returns a pseudo-random duration-independent integer in [min, max).
func (s *Source) IntRange(min, max int64) int64 {
	if max <= min {
		return min
	}
	return min + s.r.Int63n(max-min)
}

// Float64 returns a pseudo-random float in [0, 1), used for drop-probability
// sampling in SimNetwork.
func (s *Source) Float64() float64 {
	return s.r.Float64()
}

// NormFloat64 returns a standard-normal sample, the building block for the
// truncated-normal latency distribution SPEC_FULL.md §4.4 calls for.
func (s *Source) NormFloat64() float64 {
	return s.r.NormFloat64()
}
