package statemachine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/Konstantsiy/raftcore"
)

func testCfg() TimerConfig {
	return TimerConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

func newFollower(self raft.ServerId, peers ...raft.ServerId) State {
	return NewFollowerState(self, peers, 0, raft.Vote{}, nil)
}

func voteRequestEvent(req raft.VoteRequest) Event {
	return Event{Kind: EventVoteRequest, VoteRequest: &req}
}

func voteResponseEvent(resp raft.VoteResponse) Event {
	return Event{Kind: EventVoteResponse, VoteResponse: &resp}
}

func appendEntriesEvent(req raft.AppendEntriesRequest) Event {
	return Event{Kind: EventAppendEntriesRequest, AppendEntriesRequest: &req}
}

func appendEntriesRespEvent(resp raft.AppendEntriesResponse) Event {
	return Event{Kind: EventAppendEntriesResponse, AppendEntriesResponse: &resp}
}

func timerEvent(now time.Time) Event {
	return Event{Kind: EventTimerTick, Now: now}
}

// --- Invariant 2 / Scenario S4: double-vote bug regression ---

func TestFollower_RejectsSecondVoteForDifferentCandidateSameTerm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)

	state, result := Next(state, voteRequestEvent(raft.VoteRequest{
		From: 2, To: 1, Term: 1, LastLogIndex: 0, LastLogTerm: 0,
	}), testCfg(), rng)
	require.True(t, result.Outbound[0].(raft.VoteResponse).VoteGranted)
	require.Equal(t, raft.ServerId(2), state.Vote.Candidate)

	state, result = Next(state, voteRequestEvent(raft.VoteRequest{
		From: 3, To: 1, Term: 1, LastLogIndex: 0, LastLogTerm: 0,
	}), testCfg(), rng)

	resp := result.Outbound[0].(raft.VoteResponse)
	require.False(t, resp.VoteGranted)
	require.Equal(t, raft.ServerId(2), state.Vote.Candidate, "vote must remain with the first candidate")
}

func TestFollower_GrantingSameCandidateTwiceIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)

	req := raft.VoteRequest{From: 2, To: 1, Term: 1, LastLogIndex: 0, LastLogTerm: 0}
	state, result1 := Next(state, voteRequestEvent(req), testCfg(), rng)
	state, result2 := Next(state, voteRequestEvent(req), testCfg(), rng)

	require.True(t, result1.Outbound[0].(raft.VoteResponse).VoteGranted)
	require.True(t, result2.Outbound[0].(raft.VoteResponse).VoteGranted)
	require.Equal(t, raft.ServerId(2), state.Vote.Candidate)
}

// --- Invariant 4: leader completeness precondition (log up-to-date check) ---

func TestFollower_RejectsVoteWhenCandidateLogIsStale(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2)
	state.CurrentTerm = 5
	state.Log = []raft.LogEntry{{Index: 1, Term: 5, Command: raft.ApplicationCommand(nil)}}

	_, result := Next(state, voteRequestEvent(raft.VoteRequest{
		From: 2, To: 1, Term: 5, LastLogIndex: 0, LastLogTerm: 0,
	}), testCfg(), rng)

	require.False(t, result.Outbound[0].(raft.VoteResponse).VoteGranted)
}

func TestFollower_GrantsVoteWhenBothLogsEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2)

	_, result := Next(state, voteRequestEvent(raft.VoteRequest{
		From: 2, To: 1, Term: 1, LastLogIndex: 0, LastLogTerm: 0,
	}), testCfg(), rng)

	require.True(t, result.Outbound[0].(raft.VoteResponse).VoteGranted)
}

// --- Universal preprocessing ---

func TestUniversalPreprocessing_HigherTermDemotesLeaderAndResetsVote(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)
	state.CurrentTerm = 3
	state.Vote = raft.Vote{Term: 3, Candidate: 1, Cast: true}
	state.Role = raft.RoleLeader
	state.Leader = &LeaderState{
		NextIndex:  map[raft.ServerId]raft.LogIndex{2: 1, 3: 1},
		MatchIndex: map[raft.ServerId]raft.LogIndex{2: 0, 3: 0},
	}

	next, result := Next(state, appendEntriesRespEvent(raft.AppendEntriesResponse{
		From: 2, To: 1, Term: 9, Success: false,
	}), testCfg(), rng)

	require.Equal(t, raft.RoleFollower, next.Role)
	require.Equal(t, raft.Term(9), next.CurrentTerm)
	require.False(t, next.Vote.Cast)
	require.Nil(t, next.Leader)
	require.True(t, result.StopTimers)
	require.True(t, result.ResetElectionTimer)
	require.Greater(t, result.ElectionTimeout, time.Duration(0))
}

// --- Scenario S5: candidate demotion on same-term append ---

func TestCandidate_DemotesToFollowerOnSameTermAppendEntries(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)
	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng) // election timeout -> candidate
	require.Equal(t, raft.RoleCandidate, state.Role)
	term := state.CurrentTerm

	next, result := Next(state, appendEntriesEvent(raft.AppendEntriesRequest{
		From: 2, To: 1, Term: term, PrevLogIndex: 0, PrevLogTerm: 0,
	}), testCfg(), rng)

	require.Equal(t, raft.RoleFollower, next.Role)
	require.True(t, result.Outbound[0].(raft.AppendEntriesResponse).Success)
	require.True(t, result.ResetElectionTimer)
}

func TestCandidate_RejectsLowerTermAppendEntries(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)
	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)
	term := state.CurrentTerm

	_, result := Next(state, appendEntriesEvent(raft.AppendEntriesRequest{
		From: 2, To: 1, Term: term - 1,
	}), testCfg(), rng)

	require.False(t, result.Outbound[0].(raft.AppendEntriesResponse).Success)
}

// --- Scenario S3 / Invariant 5: no stale-term vote counting ---

func TestCandidate_DoesNotCountStaleTermVoteResponse(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)
	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)
	term := state.CurrentTerm

	next, result := Next(state, voteResponseEvent(raft.VoteResponse{
		From: 2, To: 1, Term: term - 1, VoteGranted: true,
	}), testCfg(), rng)

	require.Equal(t, raft.RoleCandidate, next.Role)
	require.False(t, next.Candidate.VotesReceived[2])
	require.Empty(t, result.Outbound)
}

func TestCandidate_BecomesLeaderOnMajorityCurrentTermVotes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3, 4, 5)
	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)
	term := state.CurrentTerm
	require.Equal(t, raft.RoleCandidate, state.Role)

	state, result := Next(state, voteResponseEvent(raft.VoteResponse{From: 2, To: 1, Term: term, VoteGranted: true}), testCfg(), rng)
	require.Equal(t, raft.RoleCandidate, state.Role)
	require.Empty(t, result.Outbound)

	state, result = Next(state, voteResponseEvent(raft.VoteResponse{From: 3, To: 1, Term: term, VoteGranted: true}), testCfg(), rng)
	require.Equal(t, raft.RoleLeader, state.Role)
	require.True(t, result.StartHeartbeatTimer)
	require.Len(t, result.Outbound, 4) // heartbeat to every peer
}

func TestCandidate_DuplicateVoteResponseIsNotDoubleCounted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3, 4, 5)
	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)
	term := state.CurrentTerm

	resp := raft.VoteResponse{From: 2, To: 1, Term: term, VoteGranted: true}
	state, _ = Next(state, voteResponseEvent(resp), testCfg(), rng)
	state, _ = Next(state, voteResponseEvent(resp), testCfg(), rng)

	require.Equal(t, raft.RoleCandidate, state.Role, "two votes (self + one peer) should not reach a 3-of-5 majority")
	require.Len(t, state.Candidate.VotesReceived, 2)
}

func TestCandidate_SingleNodeClusterBecomesLeaderWithoutAnyPeerReply(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1) // no peers

	next, result := Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)

	require.Equal(t, raft.RoleLeader, next.Role)
	require.True(t, result.StartHeartbeatTimer)
	require.Empty(t, result.Outbound)
}

// --- Leader commit advancement with current-term restriction ---

func TestLeader_CommitAdvancesOnlyForCurrentTermEntries(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := State{
		Self:        1,
		Peers:       []raft.ServerId{2, 3},
		CurrentTerm: 2,
		Role:        raft.RoleLeader,
		Log: []raft.LogEntry{
			{Index: 1, Term: 1, Command: raft.ApplicationCommand([]byte("old"))},
			{Index: 2, Term: 2, Command: raft.ApplicationCommand([]byte("new"))},
		},
		Leader: &LeaderState{
			NextIndex:  map[raft.ServerId]raft.LogIndex{2: 3, 3: 3},
			MatchIndex: map[raft.ServerId]raft.LogIndex{2: 1, 3: 0},
		},
	}

	// Peer 2 has replicated index 1 (term 1, stale) before this leader's
	// term began; a majority replicating only that entry must not commit
	// it, per the current-term restriction.
	next, result := Next(state, appendEntriesRespEvent(raft.AppendEntriesResponse{
		From: 3, To: 1, Term: 2, Success: true,
	}), testCfg(), rng)
	// peer 3's nextIndex was 3, so matched = nextIndex-1 = 2 (term 2) -> commit should advance to 2
	require.True(t, result.CommitAdvanced)
	require.Equal(t, raft.LogIndex(2), result.CommitAdvancedTo)
	require.Equal(t, raft.LogIndex(2), next.CommitIndex)
}

func TestLeader_BackfillsNextIndexOnFailureForRetry(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := State{
		Self:        1,
		Peers:       []raft.ServerId{2},
		CurrentTerm: 1,
		Role:        raft.RoleLeader,
		Log: []raft.LogEntry{
			{Index: 1, Term: 1, Command: raft.ApplicationCommand(nil)},
			{Index: 2, Term: 1, Command: raft.ApplicationCommand(nil)},
		},
		Leader: &LeaderState{
			NextIndex:  map[raft.ServerId]raft.LogIndex{2: 3},
			MatchIndex: map[raft.ServerId]raft.LogIndex{2: 0},
		},
	}

	next, _ := Next(state, appendEntriesRespEvent(raft.AppendEntriesResponse{
		From: 2, To: 1, Term: 1, Success: false,
	}), testCfg(), rng)

	require.Equal(t, raft.LogIndex(2), next.Leader.NextIndex[2])
}

// --- Idempotence (Invariant 6) ---

func TestIdempotence_DuplicateAppendEntriesProducesSamePostState(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2)
	req := raft.AppendEntriesRequest{
		From: 2, To: 1, Term: 1,
		Entries: []raft.LogEntry{{Index: 1, Term: 1, Command: raft.ApplicationCommand([]byte("x"))}},
	}

	first, result1 := Next(state, appendEntriesEvent(req), testCfg(), rng)
	second, result2 := Next(first, appendEntriesEvent(req), testCfg(), rng)

	require.Equal(t, first.Log, second.Log)
	require.Equal(t, first.CommitIndex, second.CommitIndex)
	require.Equal(t, result1.Outbound[0].(raft.AppendEntriesResponse).Success, result2.Outbound[0].(raft.AppendEntriesResponse).Success)
}

// --- Invariant 3: monotonic terms ---

func TestCandidate_TermStrictlyIncreasesOnEachElectionRound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := newFollower(1, 2, 3)

	state, _ = Next(state, timerEvent(time.Unix(0, 0)), testCfg(), rng)
	firstTerm := state.CurrentTerm

	state, _ = Next(state, timerEvent(time.Unix(1, 0)), testCfg(), rng)
	secondTerm := state.CurrentTerm

	require.Greater(t, secondTerm, firstTerm)
}

func TestLeader_RejectsVoteRequestAtCurrentTerm(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := State{
		Self: 1, Peers: []raft.ServerId{2, 3}, CurrentTerm: 4, Role: raft.RoleLeader,
		Leader: &LeaderState{NextIndex: map[raft.ServerId]raft.LogIndex{2: 1, 3: 1}, MatchIndex: map[raft.ServerId]raft.LogIndex{2: 0, 3: 0}},
	}

	_, result := Next(state, voteRequestEvent(raft.VoteRequest{From: 2, To: 1, Term: 4}), testCfg(), rng)
	require.False(t, result.Outbound[0].(raft.VoteResponse).VoteGranted)
}

func TestLeader_ClientCommandAppendsLocallyWithoutImmediateSend(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := State{
		Self: 1, Peers: []raft.ServerId{2}, CurrentTerm: 1, Role: raft.RoleLeader,
		Leader: &LeaderState{NextIndex: map[raft.ServerId]raft.LogIndex{2: 1}, MatchIndex: map[raft.ServerId]raft.LogIndex{2: 0}},
	}
	cmd := raft.ApplicationCommand([]byte("set k v"))

	next, result := Next(state, Event{Kind: EventClientCommand, ClientCommand: &cmd}, testCfg(), rng)

	require.Len(t, next.Log, 1)
	require.Equal(t, raft.LogIndex(1), next.Log[0].Index)
	require.Empty(t, result.Outbound)
	require.False(t, result.CommitAdvanced, "a command with an unreplicated peer must not commit immediately")
}

func TestLeader_ClientCommandCommitsImmediatelyOnSingleNodeCluster(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	state := State{Self: 1, Peers: nil, CurrentTerm: 1, Role: raft.RoleLeader, Leader: &LeaderState{
		NextIndex:  map[raft.ServerId]raft.LogIndex{},
		MatchIndex: map[raft.ServerId]raft.LogIndex{},
	}}
	cmd := raft.ApplicationCommand([]byte("set k v"))

	next, result := Next(state, Event{Kind: EventClientCommand, ClientCommand: &cmd}, testCfg(), rng)

	require.True(t, result.CommitAdvanced, "a zero-peer leader already holds a quorum on its own log")
	require.Equal(t, raft.LogIndex(1), result.CommitAdvancedTo)
	require.Equal(t, raft.LogIndex(1), next.CommitIndex)
}
