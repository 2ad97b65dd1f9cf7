package consensus

import "github.com/tolelom/pichain/core"

// maxRecoveryBlocks bounds a single RespondBlock reply, per spec.md §6.
const maxRecoveryBlocks = 5

// HandleRequestBlock implements the server side of spec.md §4.5: reply
// with up to maxRecoveryBlocks blocks on the path from id toward
// GENESIS, parent-first, drawn from the side-set (linked or not).
// Silently does nothing if id itself has never been observed.
func (n *Node) HandleRequestBlock(from core.NodeID, id core.BlockID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	start, ok := n.tree.Observed(id)
	if !ok {
		return
	}
	var chain []*core.Block
	cur := start
	for len(chain) < maxRecoveryBlocks {
		chain = append(chain, cur)
		if cur.ID() == core.GenesisBlockID {
			break
		}
		parent, ok := n.tree.Observed(cur.ParentID)
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	n.transport.RespondBlock(from, chain)
}

// HandleRespondBlock implements the client side of spec.md §4.5: link
// each block in order (the response is already parent-first), which
// potentially unblocks orphans this node had stashed.
func (n *Node) HandleRespondBlock(from core.NodeID, blocks []*core.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, b := range blocks {
		n.processBlock(b, from)
	}
}
