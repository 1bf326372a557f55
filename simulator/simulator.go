package simulator

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	raft "github.com/Konstantsiy/raftcore"
	"github.com/Konstantsiy/raftcore/clock"
	"github.com/Konstantsiy/raftcore/logging"
	"github.com/Konstantsiy/raftcore/node"
	"github.com/Konstantsiy/raftcore/raftrand"
	"github.com/Konstantsiy/raftcore/simnetwork"
	"github.com/Konstantsiy/raftcore/statemachine"
	"github.com/Konstantsiy/raftcore/storage"
)

// Config parameterizes one deterministic run: the same Seed with the same
// Nodes and Timing always produces the same sequence of timeouts, drops,
// and latencies, per SPEC_FULL.md §4.5 ("deterministic given the PRNG
// seed").
type Config struct {
	Seed    int64
	Start   time.Time
	Nodes   []raft.ServerId
	Timing  statemachine.TimerConfig
	BaseDir string // per-node durable state lives under BaseDir/<id>
	Logger  logging.Logger
}

// Cluster is a running simulated cluster: N Nodes, a shared virtual Clock, a
// shared SimNetwork, and an InvariantChecker wired as every Node's Observer.
// Grounded structurally on virajbhartiya-raft/pkg/simulator/simulator.go's
// Cluster (one storage/fsm/transport per node id, centrally started and
// stopped), generalized to drive this module's Node instead of that
// package's raft.Server.
//
// Unlike a production deployment, no Node here ever calls Start: Start's
// background goroutine reads timer/message channels on its own schedule,
// and two runs of the same seed could then reduce the same events in a
// different order depending on how the Go scheduler happened to interleave
// them. Advance instead drives every Node directly and synchronously
// through node.Node's Fire*/DeliverSync methods and simnetwork.Network's
// own Advance, so a given seed produces the exact same sequence of
// reductions every run (SPEC_FULL.md §4.5).
type Cluster struct {
	clk     *clock.Virtual
	net     *simnetwork.Network
	checker *InvariantChecker
	order   []raft.ServerId // registration order, kept for a deterministic iteration order
	nodes   map[raft.ServerId]*node.Node
	stores  map[raft.ServerId]*storage.Store
	dead    map[raft.ServerId]bool
}

// New builds a Cluster. Each node gets an independent reducer RNG seeded
// from cfg.Seed plus its own id, while the shared Network RNG is seeded
// directly from cfg.Seed — independent draws, no shared hidden state, per
// SPEC_FULL.md §9.
func New(cfg Config) (*Cluster, error) {
	clk := clock.NewVirtual(cfg.Start)
	net := simnetwork.New(clk, raftrand.New(cfg.Seed))
	checker := NewInvariantChecker()

	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}

	c := &Cluster{
		clk:     clk,
		net:     net,
		checker: checker,
		order:   append([]raft.ServerId(nil), cfg.Nodes...),
		nodes:   make(map[raft.ServerId]*node.Node, len(cfg.Nodes)),
		stores:  make(map[raft.ServerId]*storage.Store, len(cfg.Nodes)),
		dead:    make(map[raft.ServerId]bool),
	}

	for _, id := range cfg.Nodes {
		dataDir := filepath.Join(cfg.BaseDir, fmt.Sprintf("node-%d", uint32(id)))
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		store, err := storage.Open(dataDir, id)
		if err != nil {
			return nil, err
		}

		n := node.New(node.Config{
			Self:      id,
			Peers:     otherPeers(cfg.Nodes, id),
			Store:     store,
			Clock:     clk,
			Rand:      rand.New(rand.NewSource(cfg.Seed + int64(id))),
			Timing:    cfg.Timing,
			Transport: net,
			Observer:  checker,
			Logger:    log,
		})

		c.stores[id] = store
		c.nodes[id] = n
		net.Register(id, n)
	}

	for _, id := range c.order {
		c.nodes[id].InitSync(cfg.Start)
	}

	return c, nil
}

func otherPeers(all []raft.ServerId, self raft.ServerId) []raft.ServerId {
	out := make([]raft.ServerId, 0, len(all)-1)
	for _, id := range all {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Advance moves the cluster's virtual clock forward by d, driving every
// timer and scheduled message delivery due in that window one at a time,
// in strict deadline order, synchronously on the calling goroutine. The
// caller is expected to call this repeatedly (e.g. in small steps) and
// inspect LeaderOf/Checker between calls — single large jumps are valid
// and deliver every pending event in one go, deterministically, just like
// a sequence of smaller ones would.
func (c *Cluster) Advance(d time.Duration) {
	target := c.clk.Now().Add(d)

	for {
		at, ok := c.nextDeadline(target)
		if !ok {
			break
		}
		c.clk.Advance(at)
		c.fireDueAt(at)
	}

	c.clk.Advance(target)
}

// nextDeadline returns the earliest event due at or before target across
// every live Node's timers and the Network's pending deliveries.
func (c *Cluster) nextDeadline(target time.Time) (time.Time, bool) {
	have := false
	var earliest time.Time

	consider := func(d time.Time, ok bool) {
		if !ok || d.After(target) {
			return
		}
		if !have || d.Before(earliest) {
			earliest = d
			have = true
		}
	}

	for _, id := range c.order {
		if c.dead[id] {
			continue
		}
		n := c.nodes[id]
		consider(n.NextElectionDeadline())
		consider(n.NextHeartbeatDeadline())
	}
	consider(c.net.NextDeadline())

	return earliest, have
}

// fireDueAt fires, synchronously and in a fixed deterministic order
// (network deliveries, then election timeouts, then heartbeat timeouts,
// each ordered by registration order), every event due at exactly at.
// Network deliveries go first because a message delivered at this instant
// may itself be the thing a node's timer firing at the same instant would
// otherwise race against — with deliveries always ahead, who wins is never
// a question of map or goroutine scheduling order.
func (c *Cluster) fireDueAt(at time.Time) {
	dead := c.net.Advance(at)
	for _, id := range dead {
		c.markDead(id)
	}

	for _, id := range c.order {
		if c.dead[id] {
			continue
		}
		n := c.nodes[id]
		if deadline, armed := n.NextElectionDeadline(); armed && !deadline.After(at) {
			if !n.FireElectionTimeout(at) {
				c.markDead(id)
			}
		}
	}

	for _, id := range c.order {
		if c.dead[id] {
			continue
		}
		n := c.nodes[id]
		if deadline, armed := n.NextHeartbeatDeadline(); armed && !deadline.After(at) {
			if !n.FireHeartbeat(at) {
				c.markDead(id)
			}
		}
	}
}

// markDead stops a Node from being driven further, per SPEC_FULL.md §7:
// a StorageFailure is fatal at the Node level and the cluster tolerates
// its loss via normal membership semantics rather than retrying it.
func (c *Cluster) markDead(id raft.ServerId) {
	c.dead[id] = true
}

// SubmitCommand synchronously submits cmd to the Node id, as a client
// would through the leader's RPC surface in production. It is a no-op
// unless id currently believes itself Leader.
func (c *Cluster) SubmitCommand(id raft.ServerId, cmd raft.Command) {
	n, ok := c.nodes[id]
	if !ok || c.dead[id] {
		return
	}
	if !n.SubmitCommandSync(cmd) {
		c.markDead(id)
	}
}

// Node returns the Node for id, for tests that want to inspect one member
// directly (e.g. Role, Log).
func (c *Cluster) Node(id raft.ServerId) *node.Node {
	return c.nodes[id]
}

// LeaderOf returns the id of a Node that currently believes itself Leader,
// and whether any does. Ambiguous only transiently during an election; a
// stable simulation converges to exactly one within a few election
// timeouts. Iterates in registration order so a tie (which should never
// happen — see InvariantChecker) is still resolved deterministically.
func (c *Cluster) LeaderOf() (raft.ServerId, bool) {
	for _, id := range c.order {
		if c.dead[id] {
			continue
		}
		if c.nodes[id].Role() == raft.RoleLeader {
			return id, true
		}
	}
	return 0, false
}

// Partition isolates id from the rest of the cluster.
func (c *Cluster) Partition(id raft.ServerId) { c.net.Partition(id) }

// Heal lifts a partition. Only links with an explicit per-link override
// get the residual drop probability (see simnetwork.Network.Heal); this
// Cluster never sets such overrides, so healed links use the Network's
// default params.
func (c *Cluster) Heal(id raft.ServerId) { c.net.Heal(id) }

// Checker exposes the running InvariantChecker so tests can assert on it
// after driving the cluster.
func (c *Cluster) Checker() *InvariantChecker { return c.checker }

// Shutdown closes every Node's Storage. No Node here ever started a
// background goroutine (see Cluster's doc comment), so there's nothing to
// stop beyond that.
func (c *Cluster) Shutdown() {
	for _, s := range c.stores {
		s.Close()
	}
}
