package consensus

import "github.com/tolelom/pichain/core"

// Transport is the capability a Node depends on to reach its peers.
// Per the redesign called for in spec.md §9 ("dynamic dispatch →
// explicit interfaces"), this replaces the original inheritance-based
// split between protocol and network code: Node holds Transport as a
// plain, non-owning capability, never the reverse.
//
// Implementations own the wire format entirely — framing, transport
// security, retries — none of which the core has any notion of.
type Transport interface {
	// BroadcastBlock delivers a newly created or relayed block to all
	// known peers, best effort.
	BroadcastBlock(b *core.Block)

	// BroadcastPaxos delivers a Paxos protocol message to all known
	// peers, best effort. Used for TRY and PROPOSE (client broadcasts)
	// and COMMIT.
	BroadcastPaxos(m *PaxosMessage)

	// RespondPaxos delivers a Paxos protocol message point-to-point to
	// a single peer — the one whose message triggered the reply.
	RespondPaxos(to core.NodeID, m *PaxosMessage)

	// RequestBlock asks peer for the block identified by id.
	RequestBlock(peer core.NodeID, id core.BlockID)

	// RespondBlock answers a RequestBlock with up to 5 blocks, parent-
	// first, toward GENESIS.
	RespondBlock(to core.NodeID, blocks []*core.Block)

	// BroadcastAckCommit notifies all peers that com_block (and its
	// ancestors) are finalized, for the out-of-scope garbage-collection
	// layer.
	BroadcastAckCommit(comBlock core.BlockID)
}
