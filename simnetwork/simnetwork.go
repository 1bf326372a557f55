// Package simnetwork implements the tunable, virtual-clock-driven network
// fabric described in SPEC_FULL.md §4.4: per-link latency distribution,
// drop probability, and partition/heal support, used to exercise the
// statemachine reducer under adversarial message interleaving.
//
// The knobs (drop rate, min/max delay, partition-by-node) are grounded on
// virajbhartiya-raft/pkg/transport/inproc.go's InProcTransport. That
// implementation schedules delayed delivery with a real time.Sleep, which
// cannot be deterministic. An earlier version of this package scheduled
// delivery through clock.Virtual.After and a goroutine per message — but a
// goroutine reading off a channel is still scheduler timing, not something
// Advance can control, so two runs of the same seed could reduce events in
// a different order. This version instead keeps its own pending-delivery
// list (the earliest-deadline-first queue SPEC_FULL.md §4.5 step 1 asks
// for, playing the role original_source/raft_consensus/tests/simulator/
// sim_network.rs's BinaryHeap<Reverse<SimulatorEvent>> plays there) and
// only ever delivers from inside Advance, on the caller's own goroutine —
// so a given seed reduces every message in the same order every run.
package simnetwork

import (
	"math"
	"sort"
	"sync"
	"time"

	raft "github.com/Konstantsiy/raftcore"
	"github.com/Konstantsiy/raftcore/clock"
	"github.com/Konstantsiy/raftcore/raftrand"
)

// Deliverer receives a message once the network has decided to deliver it,
// on the calling goroutine — implementations must not block or hand the
// message to another goroutine, or delivery order stops being
// deterministic. *node.Node's DeliverSync satisfies this.
type Deliverer interface {
	DeliverSync(msg raft.Message) bool
}

// LinkParams tunes one directed link's behavior.
type LinkParams struct {
	DropProbability float64
	LatencyMin      time.Duration
	LatencyMax      time.Duration
}

// DefaultLinkParams is a healthy, low-latency link.
func DefaultLinkParams() LinkParams {
	return LinkParams{DropProbability: 0.0, LatencyMin: time.Millisecond, LatencyMax: 5 * time.Millisecond}
}

// HealedResidualDropProbability is the small nonzero drop rate a partition
// is healed to rather than 0, per SPEC_FULL.md §4.4: a healed link still
// occasionally loses a message, which is closer to a real network than an
// idealized zero-loss one.
const HealedResidualDropProbability = 0.01

type linkKey struct {
	from, to raft.ServerId
}

// pendingDelivery is one scheduled-but-not-yet-delivered message. seq
// breaks ties between messages sharing a deadline in send order, matching
// clock.Virtual's own waiter tie-break rule.
type pendingDelivery struct {
	seq      uint64
	deadline time.Time
	msg      raft.Message
}

// Network is a shared fabric for N simulated nodes. Send implements
// node.Transport so a *Network can be handed to node.New directly.
type Network struct {
	mu    sync.Mutex
	clk   *clock.Virtual
	rng   *raftrand.Source
	nodes map[raft.ServerId]Deliverer

	defaultParams LinkParams
	links         map[linkKey]LinkParams
	partitioned   map[raft.ServerId]bool

	nextSeq uint64
	pending []pendingDelivery

	delivered int
	dropped   int
}

// New constructs a Network sharing clk and rng with the simulator driving
// it, so a given seed reproduces the exact same sequence of drops and
// delays across runs.
func New(clk *clock.Virtual, rng *raftrand.Source) *Network {
	return &Network{
		clk:           clk,
		rng:           rng,
		nodes:         make(map[raft.ServerId]Deliverer),
		defaultParams: DefaultLinkParams(),
		links:         make(map[linkKey]LinkParams),
		partitioned:   make(map[raft.ServerId]bool),
	}
}

// Register associates a ServerId with the Deliverer that should receive
// messages addressed to it.
func (n *Network) Register(id raft.ServerId, d Deliverer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = d
}

// SetLinkParams overrides the drop probability and latency distribution for
// one directed link (from -> to). Unset links use defaultParams.
func (n *Network) SetLinkParams(from, to raft.ServerId, params LinkParams) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[linkKey{from, to}] = params
}

// SetDefaultLinkParams overrides the fallback used by links with no explicit
// override.
func (n *Network) SetDefaultLinkParams(params LinkParams) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.defaultParams = params
}

// Partition isolates id from every other node: every message to or from it
// is dropped regardless of link-level drop probability, modeling a hard
// network split.
func (n *Network) Partition(id raft.ServerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = true
}

// Heal lifts a prior Partition. Links to or from id that carry an explicit
// SetLinkParams override get their drop probability set to
// HealedResidualDropProbability rather than 0; links with no override keep
// using defaultParams and its drop probability unchanged.
func (n *Network) Heal(id raft.ServerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, id)
	for key := range n.links {
		if key.from == id || key.to == id {
			p := n.links[key]
			p.DropProbability = HealedResidualDropProbability
			n.links[key] = p
		}
	}
}

// Send schedules msg for delivery, or drops it, per the sending link's
// params. It never delivers inline — delivery only happens when Advance
// reaches the sampled deadline, on the caller's goroutine, so that sending
// a message from inside a reducer transition can never recurse into
// another transition.
func (n *Network) Send(msg raft.Message) error {
	from, to := msg.MessageFrom(), msg.MessageTo()

	n.mu.Lock()
	defer n.mu.Unlock()

	_, known := n.nodes[to]
	if !known {
		return nil
	}

	params := n.paramsLocked(from, to)
	if n.partitioned[from] || n.partitioned[to] || n.rng.Float64() < params.DropProbability {
		n.dropped++
		return nil
	}

	delay := sampleLatency(params, n.rng)
	n.nextSeq++
	n.pending = append(n.pending, pendingDelivery{
		seq:      n.nextSeq,
		deadline: n.clk.Now().Add(delay),
		msg:      msg,
	})
	return nil
}

func (n *Network) paramsLocked(from, to raft.ServerId) LinkParams {
	if p, ok := n.links[linkKey{from, to}]; ok {
		return p
	}
	return n.defaultParams
}

// NextDeadline reports the earliest still-pending delivery's deadline, for
// a synchronous driver (package simulator) deciding how far it can safely
// advance before it must stop and deliver.
func (n *Network) NextDeadline() (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.pending) == 0 {
		return time.Time{}, false
	}
	earliest := n.pending[0].deadline
	for _, p := range n.pending[1:] {
		if p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	return earliest, true
}

// Advance delivers, synchronously and in deadline order (ties broken by
// send order), every pending message whose deadline is at or before now.
// It returns the set of destination node ids a delivery reported a fatal
// StorageFailure for, so the caller (package simulator) can stop driving
// them.
func (n *Network) Advance(now time.Time) []raft.ServerId {
	n.mu.Lock()
	var due []pendingDelivery
	remaining := n.pending[:0:0]
	for _, p := range n.pending {
		if !p.deadline.After(now) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	n.pending = remaining
	n.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].deadline.Equal(due[j].deadline) {
			return due[i].deadline.Before(due[j].deadline)
		}
		return due[i].seq < due[j].seq
	})

	var dead []raft.ServerId
	for _, p := range due {
		to := p.msg.MessageTo()

		n.mu.Lock()
		target, known := n.nodes[to]
		n.mu.Unlock()
		if !known {
			continue
		}

		n.mu.Lock()
		n.delivered++
		n.mu.Unlock()

		if ok := target.DeliverSync(p.msg); !ok {
			dead = append(dead, to)
		}
	}
	return dead
}

// Stats reports how many messages this Network has delivered and dropped
// since construction, for test assertions and simulator run summaries.
func (n *Network) Stats() (delivered, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// sampleLatency draws from a truncated-normal distribution centered between
// LatencyMin and LatencyMax, clamped to that range, per SPEC_FULL.md §4.4.
// Using NormFloat64 rather than a uniform draw means most samples cluster
// near the midpoint with occasional outliers toward either bound, closer to
// real network jitter than a flat distribution.
func sampleLatency(p LinkParams, rng *raftrand.Source) time.Duration {
	if p.LatencyMax <= p.LatencyMin {
		return p.LatencyMin
	}
	mid := float64(p.LatencyMin+p.LatencyMax) / 2
	spread := float64(p.LatencyMax-p.LatencyMin) / 4 // ~95% of samples within [min,max]

	sample := mid + rng.NormFloat64()*spread
	sample = math.Max(float64(p.LatencyMin), math.Min(float64(p.LatencyMax), sample))
	return time.Duration(sample)
}
