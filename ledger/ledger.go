// Package ledger is the in-repo reference consumer of the core's
// upward commit interface (spec.md §6): it subscribes to
// events.EventCommitted and appends each newly committed transaction
// to a durable, creator-indexed log. It performs no business logic —
// it is NOT the application state machine, which spec.md §1 places out
// of scope as an external collaborator — it only demonstrates and
// exercises the commit callback contract end to end.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/events"
	"github.com/tolelom/pichain/storage"
)

const (
	prefixLogEntry    = "ledger:log:"
	prefixByCreator   = "ledger:creator:"
	keyLogLength      = "ledger:len"
)

// Ledger appends committed transactions, in commit order, to db and
// maintains a secondary index by creator id.
type Ledger struct {
	mu sync.Mutex
	db storage.DB
}

// New creates a Ledger backed by db and subscribes it to emitter's
// EventCommitted notifications.
func New(db storage.DB, emitter *events.Emitter) *Ledger {
	l := &Ledger{db: db}
	emitter.Subscribe(events.EventCommitted, l.onCommitted)
	return l
}

func (l *Ledger) onCommitted(ev events.Event) {
	for _, tx := range ev.Txs {
		if err := l.append(tx); err != nil {
			log.Printf("[ledger] append tx %d failed (block=%d): %v", tx.ID(), ev.CommittedBlock, err)
		}
	}
}

func (l *Ledger) append(tx *core.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, err := l.length()
	if err != nil {
		return fmt.Errorf("read log length: %w", err)
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	batch.Set(logEntryKey(idx), data)
	batch.Set([]byte(keyLogLength), encodeUint64(idx+1))
	if err := l.appendToCreatorIndex(batch, tx.CreatorID, idx); err != nil {
		return err
	}
	return batch.Write()
}

// appendToCreatorIndex reads the creator's existing list of log
// indices and rewrites it with idx appended. The read happens outside
// the batch (goleveldb batches are write-only), but append() holds
// l.mu for the whole read-modify-write, so this is safe against
// concurrent appends.
func (l *Ledger) appendToCreatorIndex(batch storage.Batch, creator core.NodeID, idx uint64) error {
	indices, err := l.creatorIndices(creator)
	if err != nil {
		return err
	}
	indices = append(indices, idx)
	data, err := json.Marshal(indices)
	if err != nil {
		return err
	}
	batch.Set(creatorKey(creator), data)
	return nil
}

func (l *Ledger) length() (uint64, error) {
	data, err := l.db.Get([]byte(keyLogLength))
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(data), nil
}

func (l *Ledger) creatorIndices(creator core.NodeID) ([]uint64, error) {
	data, err := l.db.Get(creatorKey(creator))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var indices []uint64
	if err := json.Unmarshal(data, &indices); err != nil {
		return nil, fmt.Errorf("ledger unmarshal creator index: %w", err)
	}
	return indices, nil
}

// Len returns the number of committed transactions recorded so far.
func (l *Ledger) Len() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length()
}

// At returns the committed transaction at log position idx, in
// original commit order.
func (l *Ledger) At(idx uint64) (*core.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.at(idx)
}

func (l *Ledger) at(idx uint64) (*core.Transaction, error) {
	data, err := l.db.Get(logEntryKey(idx))
	if err != nil {
		return nil, err
	}
	var tx core.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("ledger unmarshal entry %d: %w", idx, err)
	}
	return &tx, nil
}

// ByCreator returns every committed transaction authored by creator,
// in the order they were committed.
func (l *Ledger) ByCreator(creator core.NodeID) ([]*core.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	indices, err := l.creatorIndices(creator)
	if err != nil {
		return nil, err
	}
	txs := make([]*core.Transaction, 0, len(indices))
	for _, idx := range indices {
		tx, err := l.at(idx)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// All returns every committed transaction recorded so far, in commit
// order.
func (l *Ledger) All() ([]*core.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.length()
	if err != nil {
		return nil, err
	}
	txs := make([]*core.Transaction, 0, n)
	for i := uint64(0); i < n; i++ {
		tx, err := l.at(i)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func logEntryKey(idx uint64) []byte {
	return append([]byte(prefixLogEntry), encodeUint64(idx)...)
}

func creatorKey(creator core.NodeID) []byte {
	return append([]byte(prefixByCreator), encodeUint64(uint64(creator))...)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
