package node

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	raft "github.com/Konstantsiy/raftcore"
	"github.com/Konstantsiy/raftcore/clock"
	"github.com/Konstantsiy/raftcore/logging"
	"github.com/Konstantsiy/raftcore/statemachine"
	"github.com/Konstantsiy/raftcore/storage"
)

type noopTransport struct{}

func (noopTransport) Send(raft.Message) error { return nil }

type recordingApplier struct {
	applied []raft.LogEntry
}

func (a *recordingApplier) Apply(entry raft.LogEntry) {
	a.applied = append(a.applied, entry)
}

func testTiming() statemachine.TimerConfig {
	return statemachine.TimerConfig{
		ElectionTimeoutMin: 10 * time.Millisecond,
		ElectionTimeoutMax: 20 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
	}
}

func TestNode_SingleNodeClusterElectsItselfLeader(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, raft.ServerId(1))
	require.NoError(t, err)
	defer store.Close()

	start := time.Unix(0, 0)
	clk := clock.NewVirtual(start)
	rng := rand.New(rand.NewSource(7))

	n := New(Config{
		Self:      1,
		Peers:     nil,
		Store:     store,
		Clock:     clk,
		Rand:      rng,
		Timing:    testTiming(),
		Transport: noopTransport{},
		Logger:    logging.NewNop(),
	})
	n.Start()
	defer n.Shutdown()

	clk.Advance(start.Add(30 * time.Millisecond))

	require.Eventually(t, func() bool {
		return n.Role() == raft.RoleLeader
	}, time.Second, time.Millisecond)
}

func TestNode_ClientCommandCommitsAndAppliesOnSingleNodeCluster(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, raft.ServerId(1))
	require.NoError(t, err)
	defer store.Close()

	start := time.Unix(0, 0)
	clk := clock.NewVirtual(start)
	rng := rand.New(rand.NewSource(7))
	applier := &recordingApplier{}

	n := New(Config{
		Self:      1,
		Peers:     nil,
		Store:     store,
		Clock:     clk,
		Rand:      rng,
		Timing:    testTiming(),
		Transport: noopTransport{},
		Applier:   applier,
		Logger:    logging.NewNop(),
	})
	n.Start()
	defer n.Shutdown()

	clk.Advance(start.Add(30 * time.Millisecond))
	require.Eventually(t, func() bool { return n.Role() == raft.RoleLeader }, time.Second, time.Millisecond)

	cmd := raft.ApplicationCommand([]byte("set x 1"))
	n.SubmitCommand(cmd)

	require.Eventually(t, func() bool {
		return len(applier.applied) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, cmd, applier.applied[0].Command)
}

func TestNode_DeliverAfterShutdownDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, raft.ServerId(1))
	require.NoError(t, err)
	defer store.Close()

	clk := clock.NewVirtual(time.Unix(0, 0))
	rng := rand.New(rand.NewSource(1))

	n := New(Config{
		Self: 1, Peers: []raft.ServerId{2}, Store: store, Clock: clk, Rand: rng,
		Timing: testTiming(), Transport: noopTransport{}, Logger: logging.NewNop(),
	})
	n.Start()
	n.Shutdown()

	done := make(chan struct{})
	go func() {
		n.Deliver(raft.VoteRequest{From: 2, To: 1, Term: 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked after shutdown")
	}
}
