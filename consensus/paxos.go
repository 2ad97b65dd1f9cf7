package consensus

import "github.com/tolelom/pichain/core"

// openRound implements spec.md §4.4 "Opening a round", called after
// this node (as QUICK) has just created newBlock.
func (n *Node) openRound(newBlock *core.Block) {
	if n.commitRunning {
		return
	}
	n.commitRunning = true
	n.cVotes = 0
	n.cRequestSeq++
	n.cNewBlock = newBlock
	n.cPropBlock = nil
	n.cSuppBlock = nil

	n.transport.BroadcastPaxos(&PaxosMessage{
		Type:            TRY,
		RequestSeq:      n.cRequestSeq,
		From:            n.id,
		NewBlockID:      newBlock.ID(),
		LastCommittedID: n.tree.CommittedBlock().ID(),
	})
}

// ReceiveMessage implements spec.md §4.3 receive_message, dispatching
// to the Paxos state machine (§4.4).
func (n *Node) ReceiveMessage(m *PaxosMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch m.Type {
	case TRY:
		n.onTry(m)
	case TRY_OK:
		n.onTryOk(m)
	case PROPOSE:
		n.onPropose(m)
	case PROPOSE_ACK:
		n.onProposeAck(m)
	case COMMIT:
		n.onCommit(m)
	}
}

// onTry is the server-role reaction to TRY.
func (n *Node) onTry(m *PaxosMessage) {
	if lastCommitted, ok := n.resolve(m.LastCommittedID); ok {
		n.commitBlock(lastCommitted)
	} else {
		n.transport.RequestBlock(m.From, m.LastCommittedID)
	}

	newBlock, ok := n.resolve(m.NewBlockID)
	if !ok {
		n.transport.RequestBlock(m.From, m.NewBlockID)
		return
	}
	if !newBlock.Greater(n.sMaxBlock) {
		return
	}
	n.sMaxBlock = newBlock
	n.transport.RespondPaxos(m.From, &PaxosMessage{
		Type:        TRY_OK,
		RequestSeq:  m.RequestSeq,
		From:        n.id,
		PropBlockID: blockIDOrAbsent(n.sPropBlock),
		SuppBlockID: blockIDOrAbsent(n.sSuppBlock),
	})
}

// onTryOk is the client-role reaction to TRY_OK.
func (n *Node) onTryOk(m *PaxosMessage) {
	if m.RequestSeq != n.cRequestSeq {
		return // StaleRound
	}
	n.cVotes++

	if supp, ok := n.resolve(m.SuppBlockID); ok {
		if n.cSuppBlock == nil || supp.Greater(n.cSuppBlock) {
			n.cSuppBlock = supp
			if prop, ok := n.resolve(m.PropBlockID); ok {
				n.cPropBlock = prop
			}
		}
	}

	if n.cVotes <= n.n/2 {
		return
	}
	n.cVotes = 0
	n.cRequestSeq++

	comBlock := n.cNewBlock
	if n.cPropBlock != nil {
		comBlock = n.cPropBlock
	}
	n.cComBlock = comBlock

	n.transport.BroadcastPaxos(&PaxosMessage{
		Type:       PROPOSE,
		RequestSeq: n.cRequestSeq,
		From:       n.id,
		ComBlockID: comBlock.ID(),
		NewBlockID: n.cNewBlock.ID(),
	})
}

// onPropose is the server-role reaction to PROPOSE.
func (n *Node) onPropose(m *PaxosMessage) {
	newBlock, ok := n.resolve(m.NewBlockID)
	if !ok {
		n.transport.RequestBlock(m.From, m.NewBlockID)
		return
	}
	if newBlock.Depth != n.sMaxBlock.Depth {
		return // OutOfOrderPropose: no longer the deepest block seen in round 1
	}
	comBlock, ok := n.resolve(m.ComBlockID)
	if !ok {
		n.transport.RequestBlock(m.From, m.ComBlockID)
		return
	}

	n.sPropBlock = comBlock
	n.sSuppBlock = newBlock
	n.transport.RespondPaxos(m.From, &PaxosMessage{
		Type:       PROPOSE_ACK,
		RequestSeq: m.RequestSeq,
		From:       n.id,
		ComBlockID: comBlock.ID(),
	})
}

// onProposeAck is the client-role reaction to PROPOSE_ACK.
func (n *Node) onProposeAck(m *PaxosMessage) {
	if m.RequestSeq != n.cRequestSeq {
		return // StaleRound
	}
	n.cVotes++
	if n.cVotes <= n.n/2 {
		return
	}
	n.cRequestSeq++

	comBlock, ok := n.resolve(m.ComBlockID)
	if !ok {
		// We proposed this id ourselves; an unresolved reference here
		// means our own side-set lost track of it, which should not
		// happen. Nothing sensible to commit, so let the round lapse —
		// the next locally created block opens a fresh one.
		n.commitRunning = false
		return
	}
	commit := &PaxosMessage{
		Type:       COMMIT,
		RequestSeq: n.cRequestSeq,
		From:       n.id,
		ComBlockID: comBlock.ID(),
	}
	n.transport.BroadcastPaxos(commit)
	// BroadcastPaxos reaches peers only, so the proposer applies its own
	// COMMIT here.
	n.onCommit(commit)
	n.commitRunning = false
}

// onCommit is the any-role reaction to COMMIT.
func (n *Node) onCommit(m *PaxosMessage) {
	comBlock, ok := n.resolve(m.ComBlockID)
	if !ok {
		n.transport.RequestBlock(m.From, m.ComBlockID)
		return
	}
	n.commitBlock(comBlock)

	// Reset server-side state. sMaxBlock resets to GENESIS, not nil —
	// the fix for the open question spec.md §9 flags in the source,
	// where resetting to None breaks the next TRY's "newBlock >
	// sMaxBlock" comparison.
	n.sPropBlock = nil
	n.sSuppBlock = nil
	n.sMaxBlock = core.Genesis

	n.transport.BroadcastAckCommit(comBlock.ID())
	if n.emitter != nil {
		n.emitter.Emit(eventFor(eventAckCommit, comBlock.ID(), nil))
	}
}

// commitBlock applies b to the Blocktree and, if that actually
// advanced committed_block, reconciles the pending-tx queue and fires
// the upward interface with every transaction newly finalized.
func (n *Node) commitBlock(b *core.Block) {
	prev := n.tree.CommittedBlock()
	requeue, remove, err := n.tree.Commit(b)
	if err != nil {
		return
	}
	n.applyTxDiff(requeue, remove)
	n.reevaluateTimer()

	cur := n.tree.CommittedBlock()
	if cur.ID() == prev.ID() {
		return
	}
	if n.emitter != nil {
		committed := n.tree.CommittedSince(prev, cur)
		n.emitter.Emit(eventFor(eventCommitted, cur.ID(), committed))
	}
}
