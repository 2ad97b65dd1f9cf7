package rpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tolelom/pichain/consensus"
	"github.com/tolelom/pichain/core"
)

// Broadcaster is the capability Handler needs to fan a locally
// submitted transaction out to the rest of the cluster.
// transport.Transport satisfies it.
type Broadcaster interface {
	BroadcastTransaction(tx *core.Transaction)
}

// Ledger is the capability Handler needs to answer queries about
// already-committed transactions. ledger.Ledger satisfies it.
type Ledger interface {
	ByCreator(creator core.NodeID) ([]*core.Transaction, error)
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	node      *consensus.Node
	bus       Broadcaster
	ledger    Ledger
	localID   core.NodeID
	nextTxSeq uint64 // atomic; per-node counter for RPC-submitted transactions
}

// NewHandler creates an RPC Handler over node, fanning submitted
// transactions out through bus and answering commit-history queries
// from ledger (may be nil, in which case getCommittedByCreator always
// errors). localID is stamped as the creator of any transaction
// submitted through this handler.
func NewHandler(node *consensus.Node, bus Broadcaster, ledger Ledger, localID core.NodeID) *Handler {
	return &Handler{node: node, bus: bus, ledger: ledger, localID: localID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "submitTransaction":
		return h.submitTransaction(req)
	case "getHead":
		return okResponse(req.ID, blockView(h.node.HeadBlock()))
	case "getCommitted":
		return okResponse(req.ID, blockView(h.node.CommittedBlock()))
	case "getRole":
		return okResponse(req.ID, map[string]string{"role": h.node.Role().String()})
	case "status":
		return okResponse(req.ID, h.status())
	case "getCommittedByCreator":
		return h.getCommittedByCreator(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) submitTransaction(req Request) Response {
	var params struct {
		Content []byte `json:"content"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if len(params.Content) == 0 {
		return errResponse(req.ID, CodeInvalidParams, "content must not be empty")
	}

	seq := atomic.AddUint64(&h.nextTxSeq, 1) - 1
	tx := core.NewTransaction(h.localID, seq, params.Content)

	h.node.ReceiveTransaction(tx)
	if h.bus != nil {
		h.bus.BroadcastTransaction(tx)
	}
	return okResponse(req.ID, map[string]any{"tx_id": tx.ID()})
}

func (h *Handler) getCommittedByCreator(req Request) Response {
	if h.ledger == nil {
		return errResponse(req.ID, CodeInternalError, "ledger not configured")
	}
	var params struct {
		CreatorID core.NodeID `json:"creator_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	txs, err := h.ledger.ByCreator(params.CreatorID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, txs)
}

func (h *Handler) status() map[string]any {
	head := h.node.HeadBlock()
	committed := h.node.CommittedBlock()
	return map[string]any{
		"node_id":        h.localID,
		"role":           h.node.Role().String(),
		"head_block":     blockView(head),
		"committed_block": blockView(committed),
	}
}

// blockView projects a Block into the subset of fields worth exposing
// over RPC — its full transaction payloads are an implementation
// detail callers polling for head/committed position don't need.
type blockSummary struct {
	ID        core.BlockID `json:"id"`
	CreatorID core.NodeID  `json:"creator_id"`
	Seq       uint64       `json:"seq"`
	Depth     int          `json:"depth"`
	NumTxs    int          `json:"num_txs"`
}

func blockView(b *core.Block) *blockSummary {
	if b == nil {
		return nil
	}
	return &blockSummary{
		ID:        b.ID(),
		CreatorID: b.CreatorID,
		Seq:       b.Seq,
		Depth:     b.Depth,
		NumTxs:    len(b.Txs),
	}
}
