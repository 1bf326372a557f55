// Package node binds the pure statemachine.Next reducer to its collaborators
// — durable Storage, a Clock (wall or virtual), a seeded random source, and a
// Transport for outbound messages — the glue the spec's component table
// calls "Node | Binds StateMachine to Clock/Storage/Random/Inbox/Outbox".
//
// The lifecycle (Start/Shutdown, an election timer plus a heartbeat ticker,
// a shutdown channel, one goroutine servicing a select loop) is the
// teacher's raft-server/server.go Server, generalized so the loop drives
// statemachine.Next instead of the teacher's inline Server.startElection /
// replicateLog methods.
package node

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	raft "github.com/Konstantsiy/raftcore"
	"github.com/Konstantsiy/raftcore/clock"
	"github.com/Konstantsiy/raftcore/logging"
	"github.com/Konstantsiy/raftcore/statemachine"
	"github.com/Konstantsiy/raftcore/storage"
)

// Transport delivers an outbound message to its destination. Implementations
// must not block the Node's run loop for long: the production one
// (httprpc.Endpoint) makes each request's HTTP round-trip on the calling
// goroutine, bounded by its per-RPC client timeout; a simulated one enqueues
// into SimNetwork.
type Transport interface {
	Send(msg raft.Message) error
}

// Applier is invoked once, in order, for every log entry that becomes
// committed. It is the Node's bridge to the application state machine
// (package appfsm) — the reducer advances CommitIndex and reports it via
// Result.CommitAdvanced, but never applies entries; applying them is the
// Node's job.
type Applier interface {
	Apply(entry raft.LogEntry)
}

// Observer is notified after every reducer transition a Node applies. The
// simulator's invariant checker (package simulator) is the intended
// consumer: it needs to see every (term, role) a Node ever holds, not just
// a periodic snapshot, to catch a same-term double-leader the instant it
// happens.
type Observer interface {
	Observe(self raft.ServerId, term raft.Term, role raft.Role)
}

// Node owns one server's full runtime state and is the only writer of its
// Storage.
type Node struct {
	self raft.ServerId
	log  logging.Logger

	mu    sync.Mutex
	state statemachine.State

	store     *storage.Store
	clk       clock.Clock
	rng       *rand.Rand
	cfg       statemachine.TimerConfig
	transport Transport
	applier   Applier
	observer  Observer

	inbox    chan raft.Message
	commands chan raft.Command

	electionChan  <-chan time.Time
	heartbeatChan <-chan time.Time

	// electionDeadline/heartbeatDeadline mirror electionChan/heartbeatChan
	// as plain instants rather than channels, so a synchronous driver (the
	// simulator) can ask "when is this Node's next timer due" without
	// reading a channel out from under the goroutine-driven run loop. Zero
	// means unarmed. Only meaningful for a Node driven via the Fire*/Sync
	// methods instead of Start.
	electionDeadline  time.Time
	heartbeatDeadline time.Time

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// Config bundles a Node's collaborators.
type Config struct {
	Self      raft.ServerId
	Peers     []raft.ServerId
	Store     *storage.Store
	Clock     clock.Clock
	Rand      *rand.Rand
	Timing    statemachine.TimerConfig
	Transport Transport
	Applier   Applier
	Observer  Observer
	Logger    logging.Logger
}

// New constructs a Node whose initial reducer state is restored from Store.
func New(cfg Config) *Node {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault()
	}

	initial := statemachine.NewFollowerState(cfg.Self, cfg.Peers, cfg.Store.CurrentTerm(), cfg.Store.Vote(), cfg.Store.Log())

	return &Node{
		self:       cfg.Self,
		log:        log.With("server", cfg.Self.String()),
		state:      initial,
		store:      cfg.Store,
		clk:        cfg.Clock,
		rng:        cfg.Rand,
		cfg:        cfg.Timing,
		transport:  cfg.Transport,
		applier:    cfg.Applier,
		observer:   cfg.Observer,
		inbox:      make(chan raft.Message, 256),
		commands:   make(chan raft.Command, 16),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Deliver hands an inbound RPC message to the Node. Safe to call
// concurrently from a transport's request handlers.
func (n *Node) Deliver(msg raft.Message) {
	select {
	case n.inbox <- msg:
	case <-n.shutdownCh:
	}
}

// SubmitCommand enqueues a client command for the Node to process; it is a
// no-op unless the Node is currently Leader (see statemachine's
// followerNext/candidateNext EventClientCommand handling).
func (n *Node) SubmitCommand(cmd raft.Command) {
	select {
	case n.commands <- cmd:
	case <-n.shutdownCh:
	}
}

// DeliverSync processes msg immediately on the caller's goroutine by
// calling the reducer directly, instead of enqueuing onto the inbox for
// Start's background run loop to pick up later. The deterministic
// simulator (package simulator) uses this — and FireElectionTimeout,
// FireHeartbeat, SubmitCommandSync below — so that message delivery and
// reduction happen synchronously within one Cluster.Advance call, with no
// dependency on Go scheduler timing (SPEC_FULL.md §4.5). It reports
// whether the Node may keep running; see step. Must not be called
// concurrently with Start on the same Node.
func (n *Node) DeliverSync(msg raft.Message) bool {
	event, err := eventFromMessage(msg)
	if err != nil {
		n.log.Debug("dropping malformed inbound message", "error", err.Error())
		return true
	}
	return n.step(event, false)
}

// SubmitCommandSync is SubmitCommand's synchronous counterpart, for the
// same reason DeliverSync exists.
func (n *Node) SubmitCommandSync(cmd raft.Command) bool {
	return n.step(statemachine.Event{Kind: statemachine.EventClientCommand, ClientCommand: &cmd}, false)
}

// FireElectionTimeout synchronously reduces an election-timeout tick at
// now. Used in place of letting electionChan fire into the Start/run
// goroutine.
func (n *Node) FireElectionTimeout(now time.Time) bool {
	return n.step(statemachine.Event{Kind: statemachine.EventTimerTick, Now: now}, false)
}

// FireHeartbeat synchronously reduces a heartbeat tick at now. Used in
// place of letting heartbeatChan fire into the Start/run goroutine.
func (n *Node) FireHeartbeat(now time.Time) bool {
	return n.step(statemachine.Event{Kind: statemachine.EventTimerTick, Now: now}, true)
}

// NextElectionDeadline and NextHeartbeatDeadline report this Node's next
// armed timer deadlines for a synchronous driver's scheduling decisions.
// ok is false when that timer isn't currently armed.
func (n *Node) NextElectionDeadline() (deadline time.Time, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.electionDeadline, !n.electionDeadline.IsZero()
}

func (n *Node) NextHeartbeatDeadline() (deadline time.Time, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.heartbeatDeadline, !n.heartbeatDeadline.IsZero()
}

// Role and Term report the Node's current role and term for diagnostics and
// for a transport's "am I the leader" checks.
func (n *Node) Role() raft.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Role
}

func (n *Node) Term() raft.Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.CurrentTerm
}

// Log returns a copy of the Node's current log, for diagnostics (the
// production transport's /logs endpoint) — never the internal slice, so a
// caller can't mutate state the reducer owns.
func (n *Node) Log() []raft.LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]raft.LogEntry, len(n.state.Log))
	copy(out, n.state.Log)
	return out
}

// SetTransport attaches a Transport constructed after the Node itself,
// for collaborators that need a Deliverer (e.g. httprpc.Endpoint) and so
// cannot exist before the Node does. Simulated Transports (simnetwork.
// Network) don't need this: they are built first and passed in via
// Config.Transport, with the Node registered into them afterward instead.
// Must be called before Start; the run loop never re-reads n.transport
// through a lock, so swapping it after Start races with step's send loop.
func (n *Node) SetTransport(t Transport) {
	n.transport = t
}

// Start begins the Node's run loop in a new goroutine.
func (n *Node) Start() {
	timeout := statemachine.SampleElectionTimeout(n.cfg, n.rng)
	n.electionChan = n.clk.After(timeout)
	n.setElectionDeadline(n.clk.Now().Add(timeout))
	n.log.Info("node started", "role", n.state.Role.String(), "term", n.state.CurrentTerm)
	go n.run()
}

// InitSync arms this Node's initial election deadline without starting a
// background goroutine, for a synchronous driver (the simulator) that
// will call FireElectionTimeout/FireHeartbeat/DeliverSync/
// SubmitCommandSync itself instead of using Start/run.
func (n *Node) InitSync(now time.Time) {
	n.setElectionDeadline(now.Add(statemachine.SampleElectionTimeout(n.cfg, n.rng)))
}

func (n *Node) setElectionDeadline(d time.Time) {
	n.mu.Lock()
	n.electionDeadline = d
	n.mu.Unlock()
}

func (n *Node) setHeartbeatDeadline(d time.Time) {
	n.mu.Lock()
	n.heartbeatDeadline = d
	n.mu.Unlock()
}

// Shutdown stops the run loop and blocks until it has exited.
func (n *Node) Shutdown() {
	close(n.shutdownCh)
	<-n.doneCh
}

func (n *Node) run() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.shutdownCh:
			n.log.Info("node shutting down")
			return

		case <-n.electionChan:
			if !n.step(statemachine.Event{Kind: statemachine.EventTimerTick, Now: n.clk.Now()}, false) {
				return
			}

		case <-n.heartbeatChan:
			if !n.step(statemachine.Event{Kind: statemachine.EventTimerTick, Now: n.clk.Now()}, true) {
				return
			}

		case msg := <-n.inbox:
			event, err := eventFromMessage(msg)
			if err != nil {
				n.log.Debug("dropping malformed inbound message", "error", err.Error())
				continue
			}
			if !n.step(event, false) {
				return
			}

		case cmd := <-n.commands:
			if !n.step(statemachine.Event{Kind: statemachine.EventClientCommand, ClientCommand: &cmd}, false) {
				return
			}
		}
	}
}

// eventFromMessage translates a wire message into a reducer event. An
// inbound message of a type the transport shouldn't be able to produce is
// a ProtocolViolation (SPEC_FULL.md §7: "log, drop, do not crash") rather
// than a programmer-error panic — a malformed peer or a future protocol
// version is an expected failure mode, not an invariant violation.
func eventFromMessage(msg raft.Message) (statemachine.Event, error) {
	switch m := msg.(type) {
	case raft.VoteRequest:
		return statemachine.Event{Kind: statemachine.EventVoteRequest, VoteRequest: &m}, nil
	case raft.VoteResponse:
		return statemachine.Event{Kind: statemachine.EventVoteResponse, VoteResponse: &m}, nil
	case raft.AppendEntriesRequest:
		return statemachine.Event{Kind: statemachine.EventAppendEntriesRequest, AppendEntriesRequest: &m}, nil
	case raft.AppendEntriesResponse:
		return statemachine.Event{Kind: statemachine.EventAppendEntriesResponse, AppendEntriesResponse: &m}, nil
	default:
		return statemachine.Event{}, &raft.ProtocolViolation{Reason: fmt.Sprintf("unknown message type %T delivered to inbox", msg)}
	}
}

// step runs one reducer transition and carries out everything its Result
// asks for: persist first (§4.1's persistence-before-reply rule), then send,
// then apply newly committed entries, then rearm timers. heartbeatFired
// tells rearmTimers whether the just-consumed event came from the
// heartbeat ticker (which needs re-arming every round) or the election
// timer / inbox / command queue (which don't).
//
// step returns false when the event must not be retried and the Node must
// stop: a persist failure is a StorageFailure, which SPEC_FULL.md §7 says
// is fatal at the Node level ("the Node exits and the cluster tolerates it
// via normal membership semantics") rather than something to log and
// continue past — continuing would mean acting on, or replying about, a
// term/vote/log the disk never actually recorded.
func (n *Node) step(event Event, heartbeatFired bool) bool {
	n.mu.Lock()
	prevRole := n.state.Role
	next, result := statemachine.Next(n.state, event, n.cfg, n.rng)

	if result.Violation != nil {
		n.log.Error("invariant violation", "reason", result.Violation.Reason)
		n.mu.Unlock()
		panic(result.Violation)
	}

	if err := n.store.SaveState(next.CurrentTerm, next.Vote, next.Log); err != nil {
		failure := &raft.StorageFailure{Op: "persist", Err: err}
		n.log.Error("storage failure, node exiting", "error", failure.Error())
		n.mu.Unlock()
		return false
	}

	// Next never touches LastApplied — applying committed entries to the
	// application state machine is this Node's job, not the reducer's.
	n.state = next
	n.mu.Unlock()

	if n.observer != nil {
		n.observer.Observe(n.self, next.CurrentTerm, next.Role)
	}

	if prevRole != next.Role {
		n.log.Info("role changed", "from", prevRole.String(), "to", next.Role.String(), "term", next.CurrentTerm)
	}

	if result.Rejected != nil {
		n.log.Debug("rejected", "reason", result.Rejected.Reason)
	}

	for _, out := range result.Outbound {
		if err := n.transport.Send(out); err != nil {
			n.log.Debug("send failed", "to", out.MessageTo().String(), "error", err.Error())
		}
	}

	if result.CommitAdvanced {
		n.applyCommitted(result.CommitAdvancedTo)
	}

	n.rearmTimers(result, heartbeatFired)
	return true
}

// applyCommitted feeds every newly committed entry to the Applier in index
// order and advances LastApplied, mirroring the teacher's
// applyCommitedEntries loop in raft-server/server.go.
func (n *Node) applyCommitted(upTo raft.LogIndex) {
	n.mu.Lock()
	log := n.state.Log
	from := n.state.LastApplied + 1
	n.mu.Unlock()

	for idx := from; idx <= upTo; idx++ {
		if int(idx) > len(log) || idx == 0 {
			break
		}
		entry := log[idx-1]
		if n.applier != nil {
			n.applier.Apply(entry)
		}
		n.mu.Lock()
		n.state.LastApplied = idx
		n.mu.Unlock()
	}
}

// rearmTimers re-arms whichever one-shot timer channel a just-processed
// event consumed. clock.Clock.After fires once, so every channel the run
// loop selects on must be replaced after it fires or the Node stops ticking.
func (n *Node) rearmTimers(result statemachine.Result, heartbeatFired bool) {
	now := n.clk.Now()

	if result.StopTimers {
		n.heartbeatChan = nil
		n.setHeartbeatDeadline(time.Time{})
	}
	if result.ResetElectionTimer {
		n.electionChan = n.clk.After(result.ElectionTimeout)
		n.setElectionDeadline(now.Add(result.ElectionTimeout))
	}
	if result.StartHeartbeatTimer {
		n.electionChan = nil
		n.setElectionDeadline(time.Time{})
		n.heartbeatChan = n.clk.After(n.cfg.HeartbeatInterval)
		n.setHeartbeatDeadline(now.Add(n.cfg.HeartbeatInterval))
		return
	}
	if heartbeatFired && !result.StopTimers {
		n.heartbeatChan = n.clk.After(n.cfg.HeartbeatInterval)
		n.setHeartbeatDeadline(now.Add(n.cfg.HeartbeatInterval))
	}
}

// Event is re-exported so callers outside this package (e.g. tests) don't
// need to import package statemachine just to build one.
type Event = statemachine.Event
