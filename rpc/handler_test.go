package rpc

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/tolelom/pichain/consensus"
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/events"
	"github.com/tolelom/pichain/ledger"
	"github.com/tolelom/pichain/storage"
	"github.com/tolelom/pichain/timer"
)

type noopBus struct{ sent []*core.Transaction }

func (b *noopBus) BroadcastTransaction(tx *core.Transaction) { b.sent = append(b.sent, tx) }

type fixedRTT time.Duration

func (f fixedRTT) Estimate() time.Duration { return time.Duration(f) }

func newTestHandler(t *testing.T) (*Handler, *noopBus) {
	t.Helper()
	p := timer.New(1, 0.001, fixedRTT(10*time.Millisecond), rand.New(rand.NewSource(1)))
	em := events.NewEmitter()
	var noop noTransport
	node := consensus.New(0, 1, p, noop, em)
	node.SetRole(core.QUICK)

	db := storage.NewMemDB()
	led := ledger.New(db, em)

	bus := &noopBus{}
	return NewHandler(node, bus, led, 0), bus
}

// noTransport discards everything; these handler tests only exercise
// RPC dispatch, not cross-node delivery.
type noTransport struct{}

func (noTransport) BroadcastBlock(*core.Block)                       {}
func (noTransport) BroadcastPaxos(*consensus.PaxosMessage)            {}
func (noTransport) RespondPaxos(core.NodeID, *consensus.PaxosMessage) {}
func (noTransport) RequestBlock(core.NodeID, core.BlockID)            {}
func (noTransport) RespondBlock(core.NodeID, []*core.Block)           {}
func (noTransport) BroadcastAckCommit(core.BlockID)                   {}

func dispatch(h *Handler, method string, params any) Response {
	raw, _ := json.Marshal(params)
	return h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
}

func TestGetHeadStartsAtGenesis(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "getHead", struct{}{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	summary, ok := resp.Result.(*blockSummary)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if summary.ID != core.GenesisBlockID {
		t.Errorf("head id = %d, want GENESIS", summary.ID)
	}
}

func TestSubmitTransactionFansOutAndCommits(t *testing.T) {
	h, bus := newTestHandler(t)

	resp := dispatch(h, "submitTransaction", map[string]any{"content": []byte("hello")})
	if resp.Error != nil {
		t.Fatalf("submitTransaction error: %v", resp.Error.Message)
	}
	if len(bus.sent) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(bus.sent))
	}

	// Single-node cluster with one QUICK node and no peers: the Paxos
	// round runs entirely through this node's own TRY/TRY_OK handlers,
	// since a majority of 1 is itself. Wait for the commit.
	deadline := time.Now().Add(time.Second)
	for {
		resp := dispatch(h, "getCommitted", struct{}{})
		summary := resp.Result.(*blockSummary)
		if summary.NumTxs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction never committed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitTransactionRejectsEmptyContent(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "submitTransaction", map[string]any{"content": []byte{}})
	if resp.Error == nil {
		t.Fatal("expected error for empty content")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestUnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "noSuchMethod", struct{}{})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestGetCommittedByCreatorRoundTrips(t *testing.T) {
	h, _ := newTestHandler(t)
	dispatch(h, "submitTransaction", map[string]any{"content": []byte("x")})

	deadline := time.Now().Add(time.Second)
	for {
		resp := dispatch(h, "getCommittedByCreator", map[string]any{"creator_id": 0})
		if resp.Error != nil {
			t.Fatalf("getCommittedByCreator error: %v", resp.Error.Message)
		}
		txs, ok := resp.Result.([]*core.Transaction)
		if ok && len(txs) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one committed tx for creator 0, got %v", resp.Result)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
