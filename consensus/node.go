// Package consensus implements the Node state machine: role
// transitions, the transaction buffer, the patience timer, and the
// three receive handlers (transaction, block, message) that drive
// the Paxos commit rounds over the Blocktree.
//
// All exported methods take the single coarse lock before touching
// any field — per spec.md §5, Blocktree and the Paxos session fields
// have no locking of their own; a Node is the only thing in this
// repository that owns a mutex guarding consensus state.
package consensus

import (
	"errors"
	"log"
	"sync"

	"github.com/tolelom/pichain/blocktree"
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/events"
	"github.com/tolelom/pichain/timer"
)

// Node is one participant in the cluster.
type Node struct {
	mu sync.Mutex

	id   core.NodeID
	n    int // cluster size
	role core.Role

	buf  *core.TxBuffer
	tree *blocktree.Blocktree

	patience *timer.Patience
	timer    *timer.Timer
	hasOldest bool
	oldestTxn core.TxID

	transport Transport
	emitter   *events.Emitter

	nextSeq uint64

	// server-side Paxos state
	sMaxBlock  *core.Block
	sPropBlock *core.Block
	sSuppBlock *core.Block

	// client-side Paxos state
	cNewBlock     *core.Block
	cComBlock     *core.Block
	cPropBlock    *core.Block
	cSuppBlock    *core.Block
	cRequestSeq   uint64
	cVotes        int
	commitRunning bool

	// blocks stashed awaiting a missing parent, keyed by the missing
	// parent's id.
	pendingBlocks map[core.BlockID][]*core.Block
}

// New returns a Node for cluster member id in a cluster of size n.
func New(id core.NodeID, n int, patience *timer.Patience, transport Transport, emitter *events.Emitter) *Node {
	return &Node{
		id:            id,
		n:             n,
		role:          core.SLOW,
		buf:           core.NewTxBuffer(),
		tree:          blocktree.New(),
		patience:      patience,
		transport:     transport,
		emitter:       emitter,
		sMaxBlock:     core.Genesis,
		pendingBlocks: make(map[core.BlockID][]*core.Block),
	}
}

// Role reports the node's current role. Safe for concurrent use.
func (n *Node) Role() core.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// SetRole seeds the node's initial role. Cluster bootstrap designates
// exactly one node QUICK; every other participant starts SLOW (the
// Node zero value), so this exists purely to mark that one node — it
// is not used as part of any receive handler's role transitions.
func (n *Node) SetRole(r core.Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.role = r
}

// HeadBlock returns the current head of the canonical branch.
func (n *Node) HeadBlock() *core.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tree.HeadBlock()
}

// CommittedBlock returns the deepest finalized block.
func (n *Node) CommittedBlock() *core.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tree.CommittedBlock()
}

// ReceiveTransaction implements spec.md §4.3 receive_transaction.
func (n *Node) ReceiveTransaction(t *core.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.buf.Add(t) {
		return
	}
	if n.buf.Len() == 1 {
		n.armTimer(t.ID())
	}
}

// armTimer schedules block creation once the patience for the current
// role elapses. The closure captures armingTx by value and is passed
// to timer.Timer.Arm as a callable, never invoked early — the fix for
// the deferLater(..., f(), ...) bug spec.md §9 flags.
func (n *Node) armTimer(armingTx core.TxID) {
	n.oldestTxn = armingTx
	n.hasOldest = true
	if n.timer == nil {
		n.timer = timer.NewTimer(n.patience)
	}
	role := n.role
	n.timer.Arm(role, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.onPatienceExpired(armingTx)
	})
}

// onPatienceExpired implements timeout_over: pack a block if the
// arming transaction is still pending, otherwise this fire is stale
// and a no-op (reevaluateTimer will have already re-armed on the new
// head of new_txs).
func (n *Node) onPatienceExpired(armingTx core.TxID) {
	if !n.buf.Contains(armingTx) {
		return
	}
	b := n.createBlock()
	if err := n.tree.Insert(b); err != nil {
		log.Printf("[consensus] node %d: insert own block: %v", n.id, err)
		return
	}
	requeue, remove := n.tree.MoveToBlock(b)
	n.applyTxDiff(requeue, remove)
	n.transport.BroadcastBlock(b)

	if n.role == core.QUICK && !n.commitRunning {
		n.openRound(b)
	}
	n.reevaluateTimer()
}

// createBlock packs every pending transaction into a new block
// authored by this node and promotes its role one step toward QUICK.
func (n *Node) createBlock() *core.Block {
	txs := n.buf.DrainAll()
	seq := n.nextSeq
	n.nextSeq++
	b := core.NewBlock(n.id, seq, n.tree.HeadBlock().ID(), txs)
	n.role = n.role.Promoted()
	b.CreatorState = n.role
	return b
}

// applyTxDiff folds a Blocktree reconciliation into the pending queue:
// transactions displaced back onto the canonical path are requeued,
// ones now covered by it are dropped.
func (n *Node) applyTxDiff(requeue, remove []*core.Transaction) {
	for _, tx := range remove {
		n.buf.Remove(tx.ID())
	}
	for _, tx := range requeue {
		n.buf.Requeue(tx)
	}
}

// reevaluateTimer implements readjust_timeout: re-arms on the new
// head of new_txs if it differs from the transaction that armed the
// current timer, and cancels outright once the queue empties.
func (n *Node) reevaluateTimer() {
	if n.buf.Len() == 0 {
		if n.timer != nil {
			n.timer.Cancel()
		}
		n.hasOldest = false
		return
	}
	head := n.buf.Peek()
	if !n.hasOldest || head.ID() != n.oldestTxn {
		n.armTimer(head.ID())
	}
}

// ReceiveBlock implements spec.md §4.3 receive_block.
func (n *Node) ReceiveBlock(b *core.Block, from core.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processBlock(b, from)
}

func (n *Node) processBlock(b *core.Block, from core.NodeID) {
	if d, err := n.tree.Depth(b); err == nil {
		b.Depth = d
	}

	// Step 1: demote. An unresolved depth is treated conservatively as
	// "possibly deeper than head" so the comparison never understates
	// the case for demotion.
	if b.Depth == core.UnknownDepth || b.Greater(n.tree.HeadBlock()) || b.CreatorState == core.QUICK {
		n.role = core.SLOW
	}

	// Steps 2-3: record and attempt to link.
	if err := n.tree.Insert(b); err != nil {
		if errors.Is(err, core.ErrPendingAncestor) {
			n.pendingBlocks[b.ParentID] = append(n.pendingBlocks[b.ParentID], b)
			n.transport.RequestBlock(from, b.ParentID)
		}
		return
	}

	// Step 4.
	if !n.tree.ValidBlock(b) {
		return
	}

	// Step 5.
	requeue, remove := n.tree.MoveToBlock(b)
	n.applyTxDiff(requeue, remove)

	// Step 6.
	n.reevaluateTimer()

	n.unstash(b.ID(), from)
}

// unstash replays any blocks that were waiting on linkedID, now that
// it has been linked.
func (n *Node) unstash(linkedID core.BlockID, from core.NodeID) {
	waiting, ok := n.pendingBlocks[linkedID]
	if !ok {
		return
	}
	delete(n.pendingBlocks, linkedID)
	for _, b := range waiting {
		n.processBlock(b, from)
	}
}

// resolve looks up a block referenced by id in a Paxos message,
// filling in its depth from the Blocktree if it is only observed
// (not yet linked). Returns false for the "field absent" sentinel or
// a wholly unknown id.
func (n *Node) resolve(id core.BlockID) (*core.Block, bool) {
	if id == noBlockID {
		return nil, false
	}
	if b, ok := n.tree.Linked(id); ok {
		return b, true
	}
	b, ok := n.tree.Observed(id)
	if !ok {
		return nil, false
	}
	if d, err := n.tree.Depth(b); err == nil {
		b.Depth = d
	}
	return b, true
}
