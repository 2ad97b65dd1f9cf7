package core

// Transaction is the atomic unit of client work ordered by the chain.
// Content is opaque to the core — it is never parsed or interpreted
// here, only carried to commitment and handed to the application layer.
type Transaction struct {
	CreatorID NodeID
	Seq       uint64
	Content   []byte
}

// NewTransaction builds a transaction identified by (creatorID, seq).
// Callers are responsible for handing out a strictly increasing seq
// per creator (spec: "Global counters → per-entity state").
func NewTransaction(creatorID NodeID, seq uint64, content []byte) *Transaction {
	return &Transaction{CreatorID: creatorID, Seq: seq, Content: content}
}

// ID returns the transaction's identity, used for dedup in known_txs
// and for equality checks everywhere else.
func (t *Transaction) ID() TxID {
	return PackID(t.CreatorID, t.Seq)
}

// Equal reports whether two transactions have the same identity.
// Transactions are immutable once created, so identity equality is
// the only equality that matters.
func (t *Transaction) Equal(other *Transaction) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.ID() == other.ID()
}
