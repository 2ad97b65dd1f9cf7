package consensus

import "github.com/tolelom/pichain/core"

// MsgType enumerates the Paxos message kinds exchanged during a
// commit round.
type MsgType string

const (
	TRY         MsgType = "TRY"
	TRY_OK      MsgType = "TRY_OK"
	PROPOSE     MsgType = "PROPOSE"
	PROPOSE_ACK MsgType = "PROPOSE_ACK"
	COMMIT      MsgType = "COMMIT"
)

// noBlockID marks an optional block-valued field as absent. It is
// distinct from core.GenesisBlockID, which is itself a meaningful
// value several fields legitimately carry.
const noBlockID core.BlockID = ^core.BlockID(0)

// PaxosMessage is the structured form of the wire PAM envelope (spec
// §6): block-valued fields carry ids, never full blocks, and are
// resolved against the local Blocktree/side-set on receipt.
type PaxosMessage struct {
	Type       MsgType
	RequestSeq uint64
	From       core.NodeID

	NewBlockID      core.BlockID
	PropBlockID     core.BlockID
	SuppBlockID     core.BlockID
	ComBlockID      core.BlockID
	LastCommittedID core.BlockID
}

func blockIDOrAbsent(b *core.Block) core.BlockID {
	if b == nil {
		return noBlockID
	}
	return b.ID()
}
