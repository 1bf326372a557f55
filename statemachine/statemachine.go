// Package statemachine implements the pure Raft reducer described in
// SPEC_FULL.md §4.1: a function from (role + volatile state, persistent
// snapshot, incoming event) to (next role + volatile state, outbound
// messages, timer requests). It never performs I/O and never blocks —
// every side effect is returned to the caller (package node) to carry out.
//
// The tagged-variant shape of Role follows the teacher's plain State enum
// (raft-server/state.go) generalized per SPEC_FULL.md §3.1 and the
// polymorphic-role-states note in SPEC_FULL.md §9: Candidate and Leader
// carry their own payload structs, non-nil only while that Role is active,
// so a reader can tell at a glance which fields are live without touching
// a debugger.
package statemachine

import (
	"math/rand"
	"time"

	raft "github.com/Konstantsiy/raftcore"
)

// CandidateState is the per-variant payload carried only while Role is
// RoleCandidate: the set of peers whose current-term vote has been counted.
// Counting is keyed by peer id specifically so a duplicated VoteResponse
// cannot be tallied twice (SPEC_FULL.md §5, idempotence under duplication).
type CandidateState struct {
	VotesReceived map[raft.ServerId]bool
}

// LeaderState is the per-variant payload carried only while Role is
// RoleLeader.
type LeaderState struct {
	NextIndex  map[raft.ServerId]raft.LogIndex
	MatchIndex map[raft.ServerId]raft.LogIndex
}

// State is the full reducer state: persistent fields (CurrentTerm, Vote,
// Log), volatile fields (CommitIndex, LastApplied), and the active role's
// payload. Candidate and Leader are nil except while their Role is active.
type State struct {
	Self  raft.ServerId
	Peers []raft.ServerId // every other cluster member, excludes Self

	CurrentTerm raft.Term
	Vote        raft.Vote
	Log         []raft.LogEntry

	CommitIndex raft.LogIndex
	LastApplied raft.LogIndex

	Role      raft.Role
	Candidate *CandidateState
	Leader    *LeaderState
}

// NewFollowerState builds the initial state every node starts in.
func NewFollowerState(self raft.ServerId, peers []raft.ServerId, term raft.Term, vote raft.Vote, log []raft.LogEntry) State {
	return State{
		Self:        self,
		Peers:       peers,
		CurrentTerm: term,
		Vote:        vote,
		Log:         log,
		Role:        raft.RoleFollower,
	}
}

// TimerConfig carries the election-timeout range and heartbeat interval
// from config.TimingConfig without this package depending on package
// config — the reducer only needs durations.
type TimerConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// EventKind tags which field of Event is populated.
type EventKind int

const (
	EventTimerTick EventKind = iota
	EventVoteRequest
	EventVoteResponse
	EventAppendEntriesRequest
	EventAppendEntriesResponse
	EventClientCommand
)

// Event is the tagged-union input to Next. Exactly the field matching Kind
// is populated.
type Event struct {
	Kind EventKind
	Now  time.Time

	VoteRequest            *raft.VoteRequest
	VoteResponse           *raft.VoteResponse
	AppendEntriesRequest   *raft.AppendEntriesRequest
	AppendEntriesResponse  *raft.AppendEntriesResponse
	ClientCommand          *raft.Command
}

// Result carries every side effect Next wants carried out. The caller
// (package node) must persist State's CurrentTerm/Vote/Log before sending
// any message in Outbound, per SPEC_FULL.md §4.1's persistence rule.
type Result struct {
	Outbound            []raft.Message
	ResetElectionTimer  bool
	ElectionTimeout     time.Duration
	StartHeartbeatTimer bool // true exactly once, on Follower/Candidate -> Leader
	StopTimers          bool // true on any step-down from Leader or Candidate to Follower
	CommitAdvancedTo    raft.LogIndex
	CommitAdvanced      bool
	Violation           *raft.InvariantViolation

	// Rejected is set whenever this transition's Outbound reply is a
	// rejection caused by an expected term or log mismatch (a stale
	// candidate, a lagging follower, a demoted former leader) rather than
	// a protocol error. Node logs it at debug per SPEC_FULL.md §7; it is
	// never treated as a failure.
	Rejected *raft.StalenessRejection
}

// quorumSize returns the strict majority of a cluster with 1+otherPeers
// members, floor(total/2)+1 (3 of 5, 3 of 4, 1 of 1) — both candidate
// vote-tallying and leader commit-advancement must use this exact function
// so they can never disagree about what a majority is (SPEC_FULL.md §3.1).
func quorumSize(otherPeers int) int {
	total := otherPeers + 1
	return total/2 + 1
}

// lastLogIndexAndTerm returns (0, 0) for an empty log, the convention
// SPEC_FULL.md §9 resolves the "both logs empty" open question with.
func lastLogIndexAndTerm(log []raft.LogEntry) (raft.LogIndex, raft.Term) {
	if len(log) == 0 {
		return 0, 0
	}
	last := log[len(log)-1]
	return last.Index, last.Term
}

// logAtLeastAsUpToDate reports whether (termA, indexA) is at least as
// up-to-date as (termB, indexB) under the glossary's lexicographic rule:
// term dominates, index only breaks ties within equal terms.
func logAtLeastAsUpToDate(termA raft.Term, indexA raft.LogIndex, termB raft.Term, indexB raft.LogIndex) bool {
	if termA != termB {
		return termA > termB
	}
	return indexA >= indexB
}

func sampleElectionTimeout(cfg TimerConfig, rng *rand.Rand) time.Duration {
	span := int64(cfg.ElectionTimeoutMax - cfg.ElectionTimeoutMin)
	if span <= 0 {
		return cfg.ElectionTimeoutMin
	}
	return cfg.ElectionTimeoutMin + time.Duration(rng.Int63n(span))
}

// SampleElectionTimeout exposes the same randomized election-timeout
// sampling Next uses internally, for package node to arm the very first
// timer before any event has been reduced.
func SampleElectionTimeout(cfg TimerConfig, rng *rand.Rand) time.Duration {
	return sampleElectionTimeout(cfg, rng)
}

// Next is the single exhaustive transition function. It never fails
// (SPEC_FULL.md §7: "StateMachine transitions are total").
func Next(state State, event Event, cfg TimerConfig, rng *rand.Rand) (State, Result) {
	state, steppedDown := applyUniversalPreprocessing(state, event)

	var next State
	var result Result

	switch state.Role {
	case raft.RoleFollower:
		next, result = followerNext(state, event, cfg, rng)
	case raft.RoleCandidate:
		next, result = candidateNext(state, event, cfg, rng)
	case raft.RoleLeader:
		next, result = leaderNext(state, event, cfg)
	default:
		result.Violation = &raft.InvariantViolation{Reason: "reducer state has unknown Role"}
		return state, result
	}

	if steppedDown {
		// Stepping down from Leader always needs StopTimers; stepping down
		// from Candidate does not (it has no heartbeat ticker to stop), but
		// setting it unconditionally here is harmless — Node treats
		// StopTimers as "stop heartbeat ticker if one is running". Becoming
		// a follower also always resets the election timer (§4.1), even
		// when the event that caused the demotion wasn't itself handled by
		// a path that already samples one (e.g. a stale-leader's
		// AppendEntriesResponse carrying a higher term).
		result.StopTimers = true
		result.ResetElectionTimer = true
	}

	if result.ResetElectionTimer && result.ElectionTimeout == 0 {
		result.ElectionTimeout = sampleElectionTimeout(cfg, rng)
	}

	return next, result
}

// applyUniversalPreprocessing is SPEC_FULL.md §4.1's universal rule: any
// message carrying a term strictly greater than current_term forces an
// unconditional demotion to Follower, clears the vote, and raises
// current_term — before any role-specific logic runs. It must run first;
// every historical "invariant violation" bug in the role handlers below is
// prevented by this rule having already fired.
func applyUniversalPreprocessing(state State, event Event) (State, bool) {
	msgTerm, ok := eventTerm(event)
	if !ok || msgTerm <= state.CurrentTerm {
		return state, false
	}

	wasLeaderOrCandidate := state.Role == raft.RoleLeader || state.Role == raft.RoleCandidate

	state.CurrentTerm = msgTerm
	state.Vote = raft.Vote{}
	state.Role = raft.RoleFollower
	state.Candidate = nil
	state.Leader = nil

	return state, wasLeaderOrCandidate
}

func eventTerm(event Event) (raft.Term, bool) {
	switch event.Kind {
	case EventVoteRequest:
		return event.VoteRequest.Term, true
	case EventVoteResponse:
		return event.VoteResponse.Term, true
	case EventAppendEntriesRequest:
		return event.AppendEntriesRequest.Term, true
	case EventAppendEntriesResponse:
		return event.AppendEntriesResponse.Term, true
	default:
		return 0, false
	}
}
