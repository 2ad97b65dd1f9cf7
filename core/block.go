package core

// UnknownDepth marks a Block whose depth has not yet been resolved —
// true only before the block is linked into a Blocktree.
const UnknownDepth = -1

// Block is a proposed step in the chain: a creator's local sequence
// number, a reference to its parent, and the transactions it packs.
// Depth is authoritative only once the block has been linked into a
// Blocktree; before that it is UnknownDepth.
type Block struct {
	CreatorID    NodeID
	Seq          uint64
	ParentID     BlockID
	Txs          []*Transaction
	CreatorState Role
	Depth        int
}

// Genesis is the fixed root of every Blocktree. It has no parent, no
// transactions, and depth 0.
var Genesis = &Block{
	CreatorID: GenesisCreatorID,
	Seq:       0,
	ParentID:  GenesisBlockID, // GENESIS is its own "parent" sentinel; walks stop on ID() == GenesisBlockID
	Txs:       nil,
	Depth:     0,
}

// NewBlock builds a block from the given creator's pending
// transactions, attached under parent. Depth is left UnknownDepth
// until the caller links it into a Blocktree.
func NewBlock(creatorID NodeID, seq uint64, parentID BlockID, txs []*Transaction) *Block {
	return &Block{
		CreatorID: creatorID,
		Seq:       seq,
		ParentID:  parentID,
		Txs:       txs,
		Depth:     UnknownDepth,
	}
}

// ID returns the block's identity.
func (b *Block) ID() BlockID {
	return PackID(b.CreatorID, b.Seq)
}

// IsGenesis reports whether b is the GENESIS sentinel.
func (b *Block) IsGenesis() bool {
	return b.ID() == GenesisBlockID
}

// Greater implements the total order over blocks: deeper wins; equal
// depth is broken by the smaller creator id winning.
func (b *Block) Greater(other *Block) bool {
	if b.Depth != other.Depth {
		return b.Depth > other.Depth
	}
	return b.CreatorID < other.CreatorID
}

// Equal reports whether two blocks have the same identity.
func (b *Block) Equal(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.ID() == other.ID()
}
