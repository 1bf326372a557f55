package httprpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/Konstantsiy/raftcore"
)

// fakeNode stands in for *node.Node: it records delivered messages and lets
// the test script a reply by calling the Endpoint's Send directly, the way
// a real Node's run loop would after reducing the delivered event.
type fakeNode struct {
	mu        sync.Mutex
	delivered []raft.Message
	commands  []raft.Command
}

func (f *fakeNode) Deliver(msg raft.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, msg)
}

func (f *fakeNode) SubmitCommand(cmd raft.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *fakeNode) last() raft.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.delivered) == 0 {
		return nil
	}
	return f.delivered[len(f.delivered)-1]
}

func (f *fakeNode) Role() raft.Role      { return raft.RoleFollower }
func (f *fakeNode) Term() raft.Term      { return 0 }
func (f *fakeNode) Log() []raft.LogEntry { return nil }

func TestEndpoint_RequestVoteRoundTrip(t *testing.T) {
	fn := &fakeNode{}
	ep := New(Config{Self: 2, Node: fn})

	srv := httptest.NewServer(ep.Router())
	defer srv.Close()

	go func() {
		require.Eventually(t, func() bool { return fn.last() != nil }, time.Second, time.Millisecond)
		req := fn.last().(raft.VoteRequest)
		_ = ep.Send(raft.VoteResponse{RequestId: req.RequestId, From: 2, To: req.From, Term: req.Term, VoteGranted: true})
	}()

	body, err := json.Marshal(raft.VoteRequest{RequestId: 1, From: 1, To: 2, Term: 5, LastLogIndex: 0, LastLogTerm: 0})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/request_vote", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out raft.VoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.VoteGranted)
	require.Equal(t, raft.Term(5), out.Term)
}

func TestEndpoint_AppendEntriesRoundTrip(t *testing.T) {
	fn := &fakeNode{}
	ep := New(Config{Self: 2, Node: fn})

	srv := httptest.NewServer(ep.Router())
	defer srv.Close()

	go func() {
		require.Eventually(t, func() bool { return fn.last() != nil }, time.Second, time.Millisecond)
		req := fn.last().(raft.AppendEntriesRequest)
		_ = ep.Send(raft.AppendEntriesResponse{RequestId: req.RequestId, From: 2, To: req.From, Term: req.Term, Success: true})
	}()

	body, err := json.Marshal(raft.AppendEntriesRequest{RequestId: 9, From: 1, To: 2, Term: 3})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/append_entries", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out raft.AppendEntriesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
}

func TestEndpoint_CommandIsSubmittedToLocalNode(t *testing.T) {
	fn := &fakeNode{}
	ep := New(Config{Self: 1, Node: fn})

	srv := httptest.NewServer(ep.Router())
	defer srv.Close()

	payload, err := json.Marshal([]byte("set x 1"))
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/command", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		fn.mu.Lock()
		defer fn.mu.Unlock()
		return len(fn.commands) == 1
	}, time.Second, time.Millisecond)
}

func TestEndpoint_HealthReportsTermAndLeadership(t *testing.T) {
	ep := New(Config{Self: 1, Node: &fakeNode{}})
	srv := httptest.NewServer(ep.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, raft.Term(0), health.Term)
	require.False(t, health.IsLeader)
}

func TestEndpoint_LogsReturnsCurrentLog(t *testing.T) {
	ep := New(Config{Self: 1, Node: &fakeNode{}})
	srv := httptest.NewServer(ep.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []raft.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Empty(t, entries)
}

func TestEndpoint_ReplyForUnknownRequestIsDroppedNotErrored(t *testing.T) {
	ep := New(Config{Self: 1, Node: &fakeNode{}})
	err := ep.Send(raft.VoteResponse{RequestId: 404, From: 1, To: 2, Term: 1, VoteGranted: true})
	require.NoError(t, err)
}

func TestEndpoint_SendRequestToUnknownPeerFails(t *testing.T) {
	ep := New(Config{Self: 1, Node: &fakeNode{}})
	err := ep.Send(raft.VoteRequest{RequestId: 1, From: 1, To: 99, Term: 1})
	require.Error(t, err)
}
