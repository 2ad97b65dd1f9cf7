// Package events implements a small synchronous pub/sub broker used
// to expose the core's upward interface to whatever application state
// machine consumes committed transactions.
package events

import (
	"log"
	"sync"

	"github.com/tolelom/pichain/core"
)

// EventType labels what happened.
type EventType string

const (
	// EventCommitted fires once per COMMIT, carrying every transaction
	// newly finalized by the advance of committed_block, in order.
	EventCommitted EventType = "committed"

	// EventAckCommit fires once per COMMIT, carrying only the newly
	// committed block's id. It exists for the out-of-scope garbage
	// collection layer, which prunes blocks/transactions made obsolete
	// by the commit; the core itself does no pruning.
	EventAckCommit EventType = "ack_commit"
)

// Event carries a typed payload emitted by the consensus core.
type Event struct {
	Type           EventType
	CommittedBlock core.BlockID
	Txs            []*core.Transaction // populated for EventCommitted
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or halt block production.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
