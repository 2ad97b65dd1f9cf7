package consensus

import (
	"github.com/tolelom/pichain/core"
	"github.com/tolelom/pichain/events"
)

const (
	eventCommitted = events.EventCommitted
	eventAckCommit = events.EventAckCommit
)

func eventFor(typ events.EventType, block core.BlockID, txs []*core.Transaction) events.Event {
	return events.Event{Type: typ, CommittedBlock: block, Txs: txs}
}
