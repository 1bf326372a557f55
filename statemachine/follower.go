package statemachine

import (
	"math/rand"

	raft "github.com/Konstantsiy/raftcore"
)

func followerNext(state State, event Event, cfg TimerConfig, rng *rand.Rand) (State, Result) {
	switch event.Kind {
	case EventTimerTick:
		// Election timeout: become Candidate. The Candidate-entry work
		// (term increment, self-vote, broadcast) happens in
		// candidateEnterElection, which a Candidate's own election timeout
		// also calls, so there is exactly one place that logic lives.
		state.Role = raft.RoleCandidate
		return candidateEnterElection(state, cfg, rng)

	case EventVoteRequest:
		return followerHandleVoteRequest(state, event.VoteRequest)

	case EventAppendEntriesRequest:
		return followerHandleAppendEntries(state, event.AppendEntriesRequest)

	case EventVoteResponse, EventAppendEntriesResponse:
		// Stale or misdirected replies a follower has no use for; ignored
		// rather than logged as a protocol violation, since duplicate or
		// late replies are expected under SPEC_FULL.md §5's reordering
		// tolerance.
		return state, Result{}

	case EventClientCommand:
		// Followers reject local client commands (§4.1: "Local client
		// command (leader only; others reject)"): the reducer returns a
		// no-op and the command is dropped; neither the reducer nor the
		// Node reports the rejection back to the submitter.
		return state, Result{}

	default:
		return state, Result{Violation: &raft.InvariantViolation{Reason: "follower received unknown event kind"}}
	}
}

func followerHandleVoteRequest(state State, req *raft.VoteRequest) (State, Result) {
	grant := voteRequestMeetsGrantConditions(state, req)

	resp := raft.VoteResponse{
		RequestId:   req.RequestId,
		From:        state.Self,
		To:          req.From,
		Term:        state.CurrentTerm,
		VoteGranted: grant,
	}

	if !grant {
		return state, Result{
			Outbound: []raft.Message{resp},
			Rejected: &raft.StalenessRejection{Reason: "vote request rejected: stale term, already voted for another candidate, or candidate's log not up to date"},
		}
	}

	state.Vote = raft.Vote{Term: state.CurrentTerm, Candidate: req.From, Cast: true}

	return state, Result{
		Outbound:           []raft.Message{resp},
		ResetElectionTimer: true,
	}
}

// voteRequestMeetsGrantConditions implements §4.1's three grant conditions.
// Condition (a), `req.term >= current_term`, is always true by the time
// this runs: either it was already equal, or applyUniversalPreprocessing
// already raised current_term to req.term. The equality-of-candidate check
// in (b) is load-bearing per §4.1: granting to the *same* candidate twice
// is safe (duplicate message), granting to a *different* one in the same
// term is the double-vote bug S4 regression-tests against.
func voteRequestMeetsGrantConditions(state State, req *raft.VoteRequest) bool {
	if req.Term < state.CurrentTerm {
		return false
	}

	alreadyVotedThisTerm := state.Vote.Cast && state.Vote.Term == state.CurrentTerm
	if alreadyVotedThisTerm && state.Vote.Candidate != req.From {
		return false
	}

	lastIndex, lastTerm := lastLogIndexAndTerm(state.Log)
	return logAtLeastAsUpToDate(req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex)
}

func followerHandleAppendEntries(state State, req *raft.AppendEntriesRequest) (State, Result) {
	if req.Term < state.CurrentTerm {
		return state, Result{
			Outbound: []raft.Message{raft.AppendEntriesResponse{
				RequestId: req.RequestId,
				From:      state.Self,
				To:        req.From,
				Term:      state.CurrentTerm,
				Success:   false,
			}},
			Rejected: &raft.StalenessRejection{Reason: "append entries rejected: stale term"},
		}
	}

	result := Result{ResetElectionTimer: true}

	if req.PrevLogIndex > 0 {
		entry, ok := entryAt(state.Log, req.PrevLogIndex)
		if !ok || entry.Term != req.PrevLogTerm {
			result.Outbound = []raft.Message{raft.AppendEntriesResponse{
				RequestId: req.RequestId,
				From:      state.Self,
				To:        req.From,
				Term:      state.CurrentTerm,
				Success:   false,
			}}
			result.Rejected = &raft.StalenessRejection{Reason: "append entries rejected: log mismatch at prevLogIndex"}
			return state, result
		}
	}

	state.Log = appendAfterTruncatingConflicts(state.Log, req.PrevLogIndex, req.Entries)

	lastNewIndex := req.PrevLogIndex + raft.LogIndex(len(req.Entries))
	prevCommit := state.CommitIndex
	if req.LeaderCommitIndex < lastNewIndex {
		state.CommitIndex = maxIndex(state.CommitIndex, req.LeaderCommitIndex)
	} else {
		state.CommitIndex = maxIndex(state.CommitIndex, lastNewIndex)
	}
	if state.CommitIndex > prevCommit {
		result.CommitAdvanced = true
		result.CommitAdvancedTo = state.CommitIndex
	}

	result.Outbound = []raft.Message{raft.AppendEntriesResponse{
		RequestId: req.RequestId,
		From:      state.Self,
		To:        req.From,
		Term:      state.CurrentTerm,
		Success:   true,
	}}
	return state, result
}

// entryAt looks up a 1-based LogIndex in a Log slice stored 0-based.
func entryAt(log []raft.LogEntry, index raft.LogIndex) (raft.LogEntry, bool) {
	if index == 0 || int(index) > len(log) {
		return raft.LogEntry{}, false
	}
	return log[index-1], true
}

// appendAfterTruncatingConflicts implements §4.1's "truncate any
// conflicting suffix starting at first divergent entry, append new
// entries". It scans the overlap between the existing log and the incoming
// entries; on the first term mismatch it truncates there, and entries
// already present with a matching term are left untouched (so a
// re-delivered heartbeat never rewrites an already-committed entry).
func appendAfterTruncatingConflicts(log []raft.LogEntry, prevLogIndex raft.LogIndex, entries []raft.LogEntry) []raft.LogEntry {
	for i, newEntry := range entries {
		idx := prevLogIndex + raft.LogIndex(i) + 1
		existing, ok := entryAt(log, idx)
		if !ok {
			log = append(log[:idx-1], entries[i:]...)
			return log
		}
		if existing.Term != newEntry.Term {
			log = append(log[:idx-1], entries[i:]...)
			return log
		}
		// Entry already present and matches; keep scanning.
	}
	return log
}

func maxIndex(a, b raft.LogIndex) raft.LogIndex {
	if a > b {
		return a
	}
	return b
}
