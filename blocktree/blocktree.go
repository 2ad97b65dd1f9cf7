// Package blocktree implements the in-memory directed tree of blocks
// described by the core specification: a canonical branch tracked by
// head_block and committed_block, plus a side-set of every block ever
// observed (including forks and orphans) used to serve recovery
// requests.
//
// Blocktree has no internal locking. Per the single-threaded
// cooperative scheduling model the core is designed around, callers
// (consensus.Node) serialize access under one coarse per-node lock.
package blocktree

import (
	"github.com/tolelom/pichain/core"
)

// Blocktree is a tree of blocks rooted at GENESIS.
type Blocktree struct {
	nodes  map[core.BlockID]*core.Block // linked: ancestor chain to GENESIS is contiguous
	blocks map[core.BlockID]*core.Block // every block ever observed, including orphans/forks

	headBlock      *core.Block
	committedBlock *core.Block
}

// New returns a Blocktree containing only GENESIS.
func New() *Blocktree {
	return &Blocktree{
		nodes:          map[core.BlockID]*core.Block{core.GenesisBlockID: core.Genesis},
		blocks:         map[core.BlockID]*core.Block{core.GenesisBlockID: core.Genesis},
		headBlock:      core.Genesis,
		committedBlock: core.Genesis,
	}
}

// HeadBlock returns the deepest known tip of the canonical branch.
func (bt *Blocktree) HeadBlock() *core.Block { return bt.headBlock }

// CommittedBlock returns the deepest block whose commit is finalized.
func (bt *Blocktree) CommittedBlock() *core.Block { return bt.committedBlock }

// Linked returns the block with the given id if it has been fully
// attached to the tree (ancestor chain resolved, depth known).
func (bt *Blocktree) Linked(id core.BlockID) (*core.Block, bool) {
	b, ok := bt.nodes[id]
	return b, ok
}

// Observed returns the block with the given id if it has ever been
// seen, linked or not (includes orphans and discarded forks).
func (bt *Blocktree) Observed(id core.BlockID) (*core.Block, bool) {
	b, ok := bt.blocks[id]
	return b, ok
}

// Insert attaches block to the tree if its parent is already linked,
// setting Depth = parent.Depth + 1. Otherwise the block is kept in the
// orphan side-set and ErrPendingAncestor is returned; the caller
// should request the missing parent and retry once it arrives.
//
// The block is always recorded in the side-set, linked or not, so
// later RequestBlock/RespondBlock recovery can serve it.
func (bt *Blocktree) Insert(b *core.Block) error {
	bt.blocks[b.ID()] = b
	if b.ID() == core.GenesisBlockID {
		return nil
	}
	parent, ok := bt.nodes[b.ParentID]
	if !ok {
		return core.ErrPendingAncestor
	}
	b.Depth = parent.Depth + 1
	bt.nodes[b.ID()] = b
	return nil
}

// Ancestor reports whether a is an ancestor of b, walking b's parent
// chain. b must already be linked, else ErrUnknownBlock.
func (bt *Blocktree) Ancestor(a, b core.BlockID) (bool, error) {
	cur, ok := bt.nodes[b]
	if !ok {
		return false, core.ErrUnknownBlock
	}
	for cur.ID() != core.GenesisBlockID {
		if cur.ParentID == a {
			return true, nil
		}
		next, ok := bt.nodes[cur.ParentID]
		if !ok {
			return false, core.ErrUnknownBlock
		}
		cur = next
	}
	return false, nil
}

func (bt *Blocktree) ancestorOrEqual(a, b core.BlockID) (bool, error) {
	if a == b {
		return true, nil
	}
	return bt.Ancestor(a, b)
}

// ValidBlock reports whether b may become the new head: committed_block
// must be an ancestor of (or equal to) b, and b must be strictly
// greater than head_block under the total order. b must already be
// linked (callers run Insert first).
func (bt *Blocktree) ValidBlock(b *core.Block) bool {
	ok, err := bt.ancestorOrEqual(bt.committedBlock.ID(), b.ID())
	if err != nil || !ok {
		return false
	}
	return b.Greater(bt.headBlock)
}

// Commit finalizes b as the new committed_block and moves head to it,
// unless b is already behind (an ancestor of, or equal to) the current
// committed_block — a duplicate or stale COMMIT is a no-op, so commits
// only ever move forward. The returned requeue/remove sets are the
// same as MoveToBlock's, empty if this call was a no-op.
func (bt *Blocktree) Commit(b *core.Block) (requeue, remove []*core.Transaction, err error) {
	behind, err := bt.ancestorOrEqual(b.ID(), bt.committedBlock.ID())
	if err != nil {
		return nil, nil, err
	}
	if behind {
		return nil, nil, nil
	}
	bt.committedBlock = b
	requeue, remove = bt.MoveToBlock(b)
	return requeue, remove, nil
}

// MoveToBlock switches head_block to target and reports the
// transactions displaced by the switch: requeue holds transactions
// that were on the old head's path but not target's (to go back onto
// new_txs at the tail, in root-to-tip order), remove holds
// transactions now on target's path (to drop from new_txs if
// present). A no-op move (target already head) returns two nil
// slices.
func (bt *Blocktree) MoveToBlock(target *core.Block) (requeue, remove []*core.Transaction) {
	old := bt.headBlock
	lca := bt.lowestCommonAncestor(old, target)
	oldPath := bt.pathFrom(lca.ID(), old)
	newPath := bt.pathFrom(lca.ID(), target)
	for _, blk := range oldPath {
		requeue = append(requeue, blk.Txs...)
	}
	for _, blk := range newPath {
		remove = append(remove, blk.Txs...)
	}
	bt.headBlock = target
	return requeue, remove
}

// lowestCommonAncestor finds the deepest block that is an ancestor of
// (or equal to) both a and b. Both must be linked.
func (bt *Blocktree) lowestCommonAncestor(a, b *core.Block) *core.Block {
	x, y := a, b
	for x.Depth > y.Depth {
		x = bt.nodes[x.ParentID]
	}
	for y.Depth > x.Depth {
		y = bt.nodes[y.ParentID]
	}
	for x.ID() != y.ID() {
		x = bt.nodes[x.ParentID]
		y = bt.nodes[y.ParentID]
	}
	return x
}

// pathFrom returns the blocks on the path from ancestorID down to
// descendant (exclusive of ancestor, inclusive of descendant), in
// root-to-tip order.
func (bt *Blocktree) pathFrom(ancestorID core.BlockID, descendant *core.Block) []*core.Block {
	var chain []*core.Block
	cur := descendant
	for cur.ID() != ancestorID {
		chain = append(chain, cur)
		if cur.ID() == core.GenesisBlockID {
			break // ancestorID was never on this chain; stop rather than loop forever
		}
		cur = bt.nodes[cur.ParentID]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Depth returns b's depth, resolving it by walking the parent chain
// through the orphan side-set if b is not yet linked. Fails with
// ErrPendingAncestor if the chain cannot be fully resolved (some
// ancestor has never been observed at all).
func (bt *Blocktree) Depth(b *core.Block) (int, error) {
	return bt.depthOf(b.ID())
}

func (bt *Blocktree) depthOf(id core.BlockID) (int, error) {
	if linked, ok := bt.nodes[id]; ok {
		return linked.Depth, nil
	}
	orphan, ok := bt.blocks[id]
	if !ok {
		return 0, core.ErrPendingAncestor
	}
	parentDepth, err := bt.depthOf(orphan.ParentID)
	if err != nil {
		return 0, err
	}
	return parentDepth + 1, nil
}

// CommittedSince returns, in commit order, the transactions newly
// finalized by advancing committed_block from prev to cur — the
// payload for the upward per-COMMIT callback (spec §6). prev must be
// an ancestor of cur (true for any two values CommittedBlock() takes
// on in sequence, since Commit only moves forward).
func (bt *Blocktree) CommittedSince(prev, cur *core.Block) []*core.Transaction {
	path := bt.pathFrom(prev.ID(), cur)
	var txs []*core.Transaction
	for _, blk := range path {
		txs = append(txs, blk.Txs...)
	}
	return txs
}
