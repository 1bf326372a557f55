// Package simulator wraps N Nodes sharing one virtual Clock and one
// SimNetwork, per SPEC_FULL.md §4.5, and continuously checks the two
// cheapest, highest-value Raft safety properties inline as the run
// progresses rather than only at the end — following
// original_source/raft_consensus/tests/simulator/invariant_checker.rs's
// check_state_change_invariants / assert_at_most_one_leader_in_term.
package simulator

import (
	"fmt"
	"sync"

	raft "github.com/Konstantsiy/raftcore"
)

// InvariantChecker observes every (term, role) transition any Node in a run
// makes and flags a violation the instant it happens.
type InvariantChecker struct {
	mu sync.Mutex

	lastTerm      map[raft.ServerId]raft.Term
	leadersByTerm map[raft.Term]map[raft.ServerId]bool
	violations    []string
}

// NewInvariantChecker returns an empty checker ready to Observe.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{
		lastTerm:      make(map[raft.ServerId]raft.Term),
		leadersByTerm: make(map[raft.Term]map[raft.ServerId]bool),
	}
}

// Observe implements node.Observer. It checks, in order:
//
//  1. Term monotonicity: current_term never decreases for any one server.
//  2. Election safety: at most one server believes itself Leader for any
//     given term.
func (c *InvariantChecker) Observe(self raft.ServerId, term raft.Term, role raft.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.lastTerm[self]; ok && term < prev {
		c.violations = append(c.violations, fmt.Sprintf(
			"term monotonicity violated: %s's term decreased from %d to %d", self, prev, term))
	}
	c.lastTerm[self] = term

	if role != raft.RoleLeader {
		return
	}

	leaders := c.leadersByTerm[term]
	if leaders == nil {
		leaders = make(map[raft.ServerId]bool)
		c.leadersByTerm[term] = leaders
	}
	leaders[self] = true

	if len(leaders) > 1 {
		c.violations = append(c.violations, fmt.Sprintf(
			"election safety violated: term %d has %d simultaneous leaders: %v", term, len(leaders), leaderSet(leaders)))
	}
}

// Violations returns every violation recorded so far, in detection order. A
// condition that persists is recorded again on each later Observe that
// still shows it, so the same violation can appear more than once.
func (c *InvariantChecker) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.violations))
	copy(out, c.violations)
	return out
}

// OK reports whether no violation has ever been observed.
func (c *InvariantChecker) OK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.violations) == 0
}

func leaderSet(m map[raft.ServerId]bool) []raft.ServerId {
	out := make([]raft.ServerId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
