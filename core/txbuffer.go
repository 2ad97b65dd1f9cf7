package core

// TxBuffer tracks every transaction a node has ever seen (for dedup)
// and the FIFO queue of transactions not yet packed into a block.
// Callers (consensus.Node) are expected to serialize access under
// their own coarse lock; TxBuffer has none of its own, per the
// single-threaded-cooperative-scheduling model the core is designed
// around.
type TxBuffer struct {
	knownTxs map[TxID]struct{}
	newTxs   []*Transaction
}

// NewTxBuffer returns an empty TxBuffer.
func NewTxBuffer() *TxBuffer {
	return &TxBuffer{knownTxs: make(map[TxID]struct{})}
}

// Seen reports whether a transaction id has already been observed.
func (b *TxBuffer) Seen(id TxID) bool {
	_, ok := b.knownTxs[id]
	return ok
}

// Add records a new transaction as seen and appends it to new_txs.
// Returns false if the transaction was already known (no-op dedup).
func (b *TxBuffer) Add(tx *Transaction) bool {
	id := tx.ID()
	if b.Seen(id) {
		return false
	}
	b.knownTxs[id] = struct{}{}
	b.newTxs = append(b.newTxs, tx)
	return true
}

// Len returns the number of pending (not yet packed) transactions.
func (b *TxBuffer) Len() int {
	return len(b.newTxs)
}

// Peek returns the head of new_txs, or nil if empty.
func (b *TxBuffer) Peek() *Transaction {
	if len(b.newTxs) == 0 {
		return nil
	}
	return b.newTxs[0]
}

// DrainAll removes and returns every pending transaction, in FIFO
// order, leaving new_txs empty. Used when packing a new block.
func (b *TxBuffer) DrainAll() []*Transaction {
	txs := b.newTxs
	b.newTxs = nil
	return txs
}

// Requeue appends tx to the tail of new_txs, as happens when
// MoveToBlock displaces a transaction back onto the pending queue.
// It is a no-op if the transaction is already pending.
func (b *TxBuffer) Requeue(tx *Transaction) {
	for _, existing := range b.newTxs {
		if existing.ID() == tx.ID() {
			return
		}
	}
	b.newTxs = append(b.newTxs, tx)
}

// Contains reports whether id is still pending in new_txs.
func (b *TxBuffer) Contains(id TxID) bool {
	for _, existing := range b.newTxs {
		if existing.ID() == id {
			return true
		}
	}
	return false
}

// Remove deletes tx from new_txs if present, leaving order of the
// remaining elements unchanged. It does NOT forget the transaction
// was seen — known_txs is unaffected.
func (b *TxBuffer) Remove(id TxID) {
	for i, existing := range b.newTxs {
		if existing.ID() == id {
			b.newTxs = append(b.newTxs[:i], b.newTxs[i+1:]...)
			return
		}
	}
}
