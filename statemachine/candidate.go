package statemachine

import (
	"math/rand"

	raft "github.com/Konstantsiy/raftcore"
)

// candidateEnterElection performs §4.1's Candidate on-entry work: increment
// current_term, vote for self, persist, reset the election timer, and
// broadcast VoteRequest to every peer. It is reached both from a Follower
// election timeout and from a Candidate's own election timeout starting a
// new round (§4.1's Candidate -> Candidate self-loop).
func candidateEnterElection(state State, cfg TimerConfig, rng *rand.Rand) (State, Result) {
	state.CurrentTerm++
	state.Vote = raft.Vote{Term: state.CurrentTerm, Candidate: state.Self, Cast: true}
	state.Role = raft.RoleCandidate
	state.Leader = nil
	state.Candidate = &CandidateState{VotesReceived: map[raft.ServerId]bool{state.Self: true}}

	// A single-node cluster (no peers) already holds a quorum with its own
	// vote; without this check it would sit as Candidate forever, since
	// candidateBecomeLeader is otherwise only reached from a VoteResponse
	// that a zero-peer cluster will never receive.
	if len(state.Candidate.VotesReceived) >= quorumSize(len(state.Peers)) {
		return candidateBecomeLeader(state)
	}

	lastIndex, lastTerm := lastLogIndexAndTerm(state.Log)

	outbound := make([]raft.Message, 0, len(state.Peers))
	for _, peer := range state.Peers {
		outbound = append(outbound, raft.VoteRequest{
			From:         state.Self,
			To:           peer,
			Term:         state.CurrentTerm,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})
	}

	return state, Result{
		Outbound:           outbound,
		ResetElectionTimer: true,
		ElectionTimeout:    sampleElectionTimeout(cfg, rng),
	}
}

func candidateNext(state State, event Event, cfg TimerConfig, rng *rand.Rand) (State, Result) {
	switch event.Kind {
	case EventTimerTick:
		// Election timeout while still a candidate: start a new round at a
		// higher term (§4.1 "Candidate -> Candidate: election timeout (new
		// term)").
		return candidateEnterElection(state, cfg, rng)

	case EventVoteResponse:
		return candidateHandleVoteResponse(state, event.VoteResponse)

	case EventVoteRequest:
		// A candidate has already voted for itself this term; it rejects
		// any other VoteRequest at current_term (§4.1 "Leader behavior...
		// VoteRequest at current_term: reject" applies symmetrically to a
		// candidate, which has also already cast its ballot).
		return state, Result{
			Outbound: []raft.Message{raft.VoteResponse{
				RequestId:   event.VoteRequest.RequestId,
				From:        state.Self,
				To:          event.VoteRequest.From,
				Term:        state.CurrentTerm,
				VoteGranted: false,
			}},
			Rejected: &raft.StalenessRejection{Reason: "vote request rejected: candidate already voted for itself this term"},
		}

	case EventAppendEntriesRequest:
		return candidateHandleAppendEntries(state, event.AppendEntriesRequest)

	case EventAppendEntriesResponse:
		// A candidate never sent an AppendEntries itself; any reply here is
		// stale from a previous leadership stint and is dropped.
		return state, Result{}

	case EventClientCommand:
		return state, Result{}

	default:
		return state, Result{Violation: &raft.InvariantViolation{Reason: "candidate received unknown event kind"}}
	}
}

// candidateHandleVoteResponse implements §4.1's load-bearing gate: "count
// the vote only if reply.term == current_term and vote_granted". This is
// the fix for the stale-reply bug S3 regression-tests — a VoteResponse
// carrying an old term must never be tallied, even though
// applyUniversalPreprocessing already filters out replies with a *higher*
// term (those demote this server to Follower before we ever get here).
func candidateHandleVoteResponse(state State, resp *raft.VoteResponse) (State, Result) {
	if resp.Term != state.CurrentTerm || !resp.VoteGranted {
		return state, Result{}
	}

	state.Candidate.VotesReceived[resp.From] = true

	if len(state.Candidate.VotesReceived) < quorumSize(len(state.Peers)) {
		return state, Result{}
	}

	return candidateBecomeLeader(state)
}

func candidateBecomeLeader(state State) (State, Result) {
	lastIndex, _ := lastLogIndexAndTerm(state.Log)

	nextIndex := make(map[raft.ServerId]raft.LogIndex, len(state.Peers))
	matchIndex := make(map[raft.ServerId]raft.LogIndex, len(state.Peers))
	for _, peer := range state.Peers {
		nextIndex[peer] = lastIndex + 1
		matchIndex[peer] = 0
	}

	state.Role = raft.RoleLeader
	state.Candidate = nil
	state.Leader = &LeaderState{NextIndex: nextIndex, MatchIndex: matchIndex}

	outbound := make([]raft.Message, 0, len(state.Peers))
	for _, peer := range state.Peers {
		outbound = append(outbound, heartbeatFor(state, peer))
	}

	return state, Result{
		Outbound:            outbound,
		StartHeartbeatTimer: true,
	}
}

// candidateHandleAppendEntries implements §4.1's candidate AppendEntries
// table: a strictly lower term is rejected outright; a term equal to
// current_term means another candidate already won this election, so this
// server steps down to Follower and processes the request exactly as a
// follower would (note: a strictly higher term never reaches here, because
// applyUniversalPreprocessing has already demoted this server to Follower
// first).
func candidateHandleAppendEntries(state State, req *raft.AppendEntriesRequest) (State, Result) {
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

	state.Role = raft.RoleFollower
	state.Candidate = nil

	next, result := followerHandleAppendEntries(state, req)
	result.StopTimers = true
	return next, result
}
