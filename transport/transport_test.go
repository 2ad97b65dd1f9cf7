package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tolelom/pichain/consensus"
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/rtt"
)

// fakeReceiver records every inbound call for assertions.
type fakeReceiver struct {
	mu        sync.Mutex
	txs       []*core.Transaction
	blocks    []*core.Block
	paxos     []*consensus.PaxosMessage
	reqBlocks []core.BlockID
	rspBlocks [][]*core.Block
}

func (r *fakeReceiver) ReceiveTransaction(t *core.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, t)
}

func (r *fakeReceiver) ReceiveBlock(b *core.Block, from core.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
}

func (r *fakeReceiver) ReceiveMessage(m *consensus.PaxosMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paxos = append(r.paxos, m)
}

func (r *fakeReceiver) HandleRequestBlock(from core.NodeID, id core.BlockID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqBlocks = append(r.reqBlocks, id)
}

func (r *fakeReceiver) HandleRespondBlock(from core.NodeID, blocks []*core.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rspBlocks = append(r.rspBlocks, blocks)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// newLinkedPair starts two Transports on loopback and connects 1->0.
func newLinkedPair(t *testing.T) (*Transport, *fakeReceiver, *Transport, *fakeReceiver) {
	t.Helper()
	r0, r1 := &fakeReceiver{}, &fakeReceiver{}
	t0 := New(0, "127.0.0.1:0", nil, nil)
	if err := t0.Start(); err != nil {
		t.Fatalf("start t0: %v", err)
	}
	t0.SetReceiver(r0)
	t.Cleanup(t0.Stop)

	t1 := New(1, "127.0.0.1:0", nil, nil)
	if err := t1.Start(); err != nil {
		t.Fatalf("start t1: %v", err)
	}
	t1.SetReceiver(r1)
	t.Cleanup(t1.Stop)

	if err := t1.AddPeer(0, t0.listener.Addr().String()); err != nil {
		t.Fatalf("connect t1->t0: %v", err)
	}
	// Give t0's accept loop time to register the HELLO so a reply would
	// have a destination before any assertions below.
	waitFor(t, time.Second, func() bool {
		t0.mu.RLock()
		defer t0.mu.RUnlock()
		_, ok := t0.peers[1]
		return ok
	})
	return t0, r0, t1, r1
}

func TestTransportDeliversBlock(t *testing.T) {
	_, r0, t1, _ := newLinkedPair(t)

	b := core.NewBlock(1, 0, core.GenesisBlockID, nil)
	t1.BroadcastBlock(b)

	waitFor(t, time.Second, func() bool {
		r0.mu.Lock()
		defer r0.mu.Unlock()
		return len(r0.blocks) == 1
	})
	if r0.blocks[0].ID() != b.ID() {
		t.Fatalf("got block id %d, want %d", r0.blocks[0].ID(), b.ID())
	}
}

func TestTransportDeliversPaxosMessage(t *testing.T) {
	_, r0, t1, _ := newLinkedPair(t)

	m := &consensus.PaxosMessage{Type: consensus.TRY, RequestSeq: 3, From: 1}
	t1.BroadcastPaxos(m)

	waitFor(t, time.Second, func() bool {
		r0.mu.Lock()
		defer r0.mu.Unlock()
		return len(r0.paxos) == 1
	})
	if r0.paxos[0].RequestSeq != 3 {
		t.Fatalf("got request_seq %d, want 3", r0.paxos[0].RequestSeq)
	}
}

func TestTransportRequestAndRespondBlock(t *testing.T) {
	t0, r0, t1, r1 := newLinkedPair(t)

	t0.RequestBlock(1, core.GenesisBlockID)
	waitFor(t, time.Second, func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.reqBlocks) == 1
	})

	b := core.NewBlock(1, 0, core.GenesisBlockID, nil)
	t1.RespondBlock(0, []*core.Block{core.Genesis, b})
	waitFor(t, time.Second, func() bool {
		r0.mu.Lock()
		defer r0.mu.Unlock()
		return len(r0.rspBlocks) == 1
	})
	if len(r0.rspBlocks[0]) != 2 {
		t.Fatalf("got %d blocks, want 2", len(r0.rspBlocks[0]))
	}
}

func TestTransportPingUpdatesEstimator(t *testing.T) {
	est0 := rtt.NewEstimator()
	est1 := rtt.NewEstimator()

	t0 := New(0, "127.0.0.1:0", nil, est0)
	if err := t0.Start(); err != nil {
		t.Fatalf("start t0: %v", err)
	}
	t.Cleanup(t0.Stop)

	t1 := New(1, "127.0.0.1:0", nil, est1)
	if err := t1.Start(); err != nil {
		t.Fatalf("start t1: %v", err)
	}
	t.Cleanup(t1.Stop)

	if err := t1.AddPeer(0, t0.listener.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	id := est1.BeginPing(time.Now())
	// Drive the PIN/PON exchange directly rather than waiting out
	// pingInterval, which would make this test slow.
	t1.mu.RLock()
	peer := t1.peers[0]
	t1.mu.RUnlock()
	if peer == nil {
		waitFor(t, time.Second, func() bool {
			t1.mu.RLock()
			defer t1.mu.RUnlock()
			_, ok := t1.peers[0]
			return ok
		})
		t1.mu.RLock()
		peer = t1.peers[0]
		t1.mu.RUnlock()
	}
	data, _ := json.Marshal(pingPayload{ID: id})
	if err := peer.Send(Envelope{Type: MsgPIN, Payload: data}); err != nil {
		t.Fatalf("send pin: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return est1.Estimate() != time.Second // defaultRTT, until a sample lands
	})
}
