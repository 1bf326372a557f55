package statemachine

import (
	raft "github.com/Konstantsiy/raftcore"
)

func heartbeatFor(state State, peer raft.ServerId) raft.AppendEntriesRequest {
	nextIndex := state.Leader.NextIndex[peer]
	prevLogIndex := nextIndex - 1
	_, prevLogTerm := entryTermAt(state.Log, prevLogIndex)

	var entries []raft.LogEntry
	if lastIndex, _ := lastLogIndexAndTerm(state.Log); nextIndex <= lastIndex {
		entries = slice(state.Log, nextIndex, lastIndex)
	}

	return raft.AppendEntriesRequest{
		From:              state.Self,
		To:                peer,
		Term:              state.CurrentTerm,
		PrevLogIndex:      prevLogIndex,
		PrevLogTerm:       prevLogTerm,
		Entries:           entries,
		LeaderCommitIndex: state.CommitIndex,
	}
}

func entryTermAt(log []raft.LogEntry, index raft.LogIndex) (bool, raft.Term) {
	entry, ok := entryAt(log, index)
	if !ok {
		return false, 0
	}
	return true, entry.Term
}

// slice returns the entries with 1-based index in [from, to] inclusive.
func slice(log []raft.LogEntry, from, to raft.LogIndex) []raft.LogEntry {
	if from == 0 || from > to || int(to) > len(log) {
		return nil
	}
	out := make([]raft.LogEntry, to-from+1)
	copy(out, log[from-1:to])
	return out
}

func leaderNext(state State, event Event, cfg TimerConfig) (State, Result) {
	switch event.Kind {
	case EventTimerTick:
		return leaderHeartbeat(state)

	case EventAppendEntriesResponse:
		return leaderHandleAppendEntriesResponse(state, event.AppendEntriesResponse)

	case EventVoteRequest:
		// Leader behavior, §4.1: "VoteRequest at current_term: reject
		// (leader has already voted for itself)".
		return state, Result{
			Outbound: []raft.Message{raft.VoteResponse{
				RequestId:   event.VoteRequest.RequestId,
				From:        state.Self,
				To:          event.VoteRequest.From,
				Term:        state.CurrentTerm,
				VoteGranted: false,
			}},
			Rejected: &raft.StalenessRejection{Reason: "vote request rejected: leader already voted for itself this term"},
		}

	case EventAppendEntriesRequest:
		// A strictly-higher-term AppendEntries has already been absorbed by
		// applyUniversalPreprocessing (demoting to Follower before we get
		// here); an equal-or-lower term from some other self-proclaimed
		// leader is simply rejected, since this server already believes
		// itself the leader for this term.
		return state, Result{
			Outbound: []raft.Message{raft.AppendEntriesResponse{
				RequestId: event.AppendEntriesRequest.RequestId,
				From:      state.Self,
				To:        event.AppendEntriesRequest.From,
				Term:      state.CurrentTerm,
				Success:   false,
			}},
			Rejected: &raft.StalenessRejection{Reason: "append entries rejected: another leader already claims this term"},
		}

	case EventVoteResponse:
		// A vote reply arriving after this server already won the election
		// it was canvassing for; harmless, dropped.
		return state, Result{}

	case EventClientCommand:
		return leaderHandleClientCommand(state, event.ClientCommand)

	default:
		return state, Result{Violation: &raft.InvariantViolation{Reason: "leader received unknown event kind"}}
	}
}

func leaderHeartbeat(state State) (State, Result) {
	outbound := make([]raft.Message, 0, len(state.Peers))
	for _, peer := range state.Peers {
		outbound = append(outbound, heartbeatFor(state, peer))
	}
	return state, Result{Outbound: outbound}
}

func leaderHandleClientCommand(state State, cmd *raft.Command) (State, Result) {
	lastIndex, _ := lastLogIndexAndTerm(state.Log)
	entry := raft.LogEntry{
		Index:   lastIndex + 1,
		Term:    state.CurrentTerm,
		Command: *cmd,
	}
	state.Log = append(state.Log, entry)
	// Replication to peers proceeds via the next heartbeat round (§4.1); no
	// message is sent from here. advanceCommitIndex still runs so a
	// zero-peer (single-node) cluster, which already holds a quorum with
	// just its own log, commits without waiting on a round-trip that will
	// never happen.
	return advanceCommitIndex(state)
}

// leaderHandleAppendEntriesResponse implements §4.1's leader-side
// AppendEntriesResponse handling: advance next_index/match_index on
// success, back off next_index by one and let the next heartbeat retry on
// failure, then recompute commit_index under the current-term restriction.
func leaderHandleAppendEntriesResponse(state State, resp *raft.AppendEntriesResponse) (State, Result) {
	if _, tracked := state.Leader.NextIndex[resp.From]; !tracked {
		return state, Result{}
	}

	if !resp.Success {
		if state.Leader.NextIndex[resp.From] > 1 {
			state.Leader.NextIndex[resp.From]--
		}
		return state, Result{}
	}

	// The response does not echo back which index it was acknowledging, so
	// the leader infers it from what it most recently believed next_index
	// to be for this peer; this mirrors the teacher's
	// raft-server/server.go replicateLog, which updates matchIndex to
	// nextIndex-1 on a successful reply before recomputing commit_index.
	matched := state.Leader.NextIndex[resp.From] - 1
	if matched > state.Leader.MatchIndex[resp.From] {
		state.Leader.MatchIndex[resp.From] = matched
	}
	if lastIndex, _ := lastLogIndexAndTerm(state.Log); matched < lastIndex {
		state.Leader.NextIndex[resp.From] = matched + 1
	} else {
		state.Leader.NextIndex[resp.From] = lastIndex + 1
	}

	return advanceCommitIndex(state)
}

// advanceCommitIndex implements the current-term commit restriction: the
// highest N such that a majority of match_index >= N AND the entry at N has
// term == current_term. Without the term check a leader could commit an
// entry replicated from a previous term purely by replication count, which
// is the safety violation §4.1 calls out explicitly.
func advanceCommitIndex(state State) (State, Result) {
	lastIndex, _ := lastLogIndexAndTerm(state.Log)
	quorum := quorumSize(len(state.Peers))

	best := state.CommitIndex
	for n := lastIndex; n > state.CommitIndex; n-- {
		entry, ok := entryAt(state.Log, n)
		if !ok || entry.Term != state.CurrentTerm {
			continue
		}
		count := 1 // self always counts as replicated
		for _, peer := range state.Peers {
			if state.Leader.MatchIndex[peer] >= n {
				count++
			}
		}
		if count >= quorum {
			best = n
			break
		}
	}

	if best == state.CommitIndex {
		return state, Result{}
	}

	state.CommitIndex = best
	return state, Result{CommitAdvanced: true, CommitAdvancedTo: best}
}
