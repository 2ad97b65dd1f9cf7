package core

import "errors"

// Sentinel errors for the taxonomy of recoverable conditions the core
// can hit. None of these are fatal — every one is masked by a retry,
// a recovery request, or a future Paxos round.
var (
	// ErrUnknownBlock: a block id referenced by a message has never
	// been seen. Recovery: issue RequestBlock.
	ErrUnknownBlock = errors.New("core: unknown block")

	// ErrPendingAncestor: a block's parent chain is incomplete.
	// Recovery: issue RequestBlock for the missing ancestor.
	ErrPendingAncestor = errors.New("core: pending ancestor")

	// ErrStaleRound: request_seq does not match the client's current
	// round. Policy: silently drop.
	ErrStaleRound = errors.New("core: stale paxos round")

	// ErrOutOfOrderPropose: a PROPOSE whose supporting block is no
	// longer the deepest seen in round 1. Policy: silently drop.
	ErrOutOfOrderPropose = errors.New("core: out-of-order propose")

	// ErrInvalidBlock: block on a discarded fork, or not deeper than
	// head. Policy: keep in the side-set but do not link as head.
	ErrInvalidBlock = errors.New("core: invalid block")

	// ErrNotFound is returned by storage/ledger lookups.
	ErrNotFound = errors.New("core: not found")
)
