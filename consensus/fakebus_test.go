package consensus

import (
	"math/rand"
	"time"

	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/events"
	"github.com/tolelom/pichain/timer"
)

// fakeBus wires a small set of Nodes together in-process for tests.
// Deliveries run on the recipient's own inbox goroutine rather than
// inline, so a handler reacting to a message it triggers (e.g. a
// TRY_OK answering straight back into the sender) never tries to
// re-enter the sender's own lock on the same call stack — the one
// thing a real network never has to worry about that an in-process
// simulation does. Each inbox runs its deliveries one at a time in
// send order, as a real per-peer connection would.
type fakeBus struct {
	nodes map[core.NodeID]*Node
	inbox map[core.NodeID]chan func()
}

func (b *fakeBus) deliver(to core.NodeID, fn func()) {
	b.inbox[to] <- fn
}

func (b *fakeBus) others(from core.NodeID) []core.NodeID {
	var ids []core.NodeID
	for id := range b.nodes {
		if id != from {
			ids = append(ids, id)
		}
	}
	return ids
}

type fakeTransport struct {
	id  core.NodeID
	bus *fakeBus
}

// cloneBlock gives each recipient its own Block value. A real
// transport would deserialize a fresh copy per peer off the wire;
// since this bus hands pointers straight across goroutines, cloning
// here is what stands in for that — without it, two nodes linking the
// same Block concurrently would race on its Depth field.
func cloneBlock(b *core.Block) *core.Block {
	cp := *b
	return &cp
}

func (t *fakeTransport) BroadcastBlock(b *core.Block) {
	for _, peer := range t.bus.others(t.id) {
		dst := t.bus.nodes[peer]
		cp := cloneBlock(b)
		t.bus.deliver(peer, func() { dst.ReceiveBlock(cp, t.id) })
	}
}

func (t *fakeTransport) BroadcastPaxos(m *PaxosMessage) {
	for _, peer := range t.bus.others(t.id) {
		dst := t.bus.nodes[peer]
		msg := *m
		t.bus.deliver(peer, func() { dst.ReceiveMessage(&msg) })
	}
}

func (t *fakeTransport) RespondPaxos(to core.NodeID, m *PaxosMessage) {
	dst, ok := t.bus.nodes[to]
	if !ok {
		return
	}
	t.bus.deliver(to, func() { dst.ReceiveMessage(m) })
}

func (t *fakeTransport) RequestBlock(peer core.NodeID, id core.BlockID) {
	dst, ok := t.bus.nodes[peer]
	if !ok {
		return
	}
	t.bus.deliver(peer, func() { dst.HandleRequestBlock(t.id, id) })
}

func (t *fakeTransport) RespondBlock(to core.NodeID, blocks []*core.Block) {
	dst, ok := t.bus.nodes[to]
	if !ok {
		return
	}
	cp := make([]*core.Block, len(blocks))
	for i, b := range blocks {
		cp[i] = cloneBlock(b)
	}
	t.bus.deliver(to, func() { dst.HandleRespondBlock(t.id, cp) })
}

func (t *fakeTransport) BroadcastAckCommit(core.BlockID) {}

type fixedRTT time.Duration

func (f fixedRTT) Estimate() time.Duration { return time.Duration(f) }

// newCluster builds n Nodes wired through a shared fakeBus, each with
// its own deterministic patience source over a small fixed RTT so
// tests run in milliseconds.
func newCluster(n int) (*fakeBus, []*Node, []*events.Emitter) {
	bus := &fakeBus{nodes: make(map[core.NodeID]*Node, n), inbox: make(map[core.NodeID]chan func(), n)}
	nodes := make([]*Node, n)
	emitters := make([]*events.Emitter, n)
	for i := 0; i < n; i++ {
		id := core.NodeID(i)
		p := timer.New(n, 0.001, fixedRTT(10*time.Millisecond), rand.New(rand.NewSource(int64(i)+1)))
		em := events.NewEmitter()
		nd := New(id, n, p, &fakeTransport{id: id, bus: bus}, em)
		bus.nodes[id] = nd
		inbox := make(chan func(), 1024)
		bus.inbox[id] = inbox
		go func() {
			for fn := range inbox {
				fn()
			}
		}()
		nodes[i] = nd
		emitters[i] = em
	}
	return bus, nodes, emitters
}

// waitUntil polls cond every 2ms up to timeout, returning false if it
// never became true.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
