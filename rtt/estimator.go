// Package rtt estimates round-trip time from PIN/PON exchanges with
// all peers (one shared estimate, not one per peer), feeding the
// patience timer's role-dependent formulas.
package rtt

import (
	"sync"
	"time"
)

// defaultRTT seeds the estimate before any PON has been observed,
// matching the original system's EXPECTED_RTT constant.
const defaultRTT = time.Second

// alpha is the exponential-moving-average weight given to each new
// sample.
const alpha = 0.2

// Estimator tracks a single exponential moving average of observed
// round-trip times across all peers. It is safe for concurrent use:
// PIN/PON bookkeeping happens on the transport's own goroutines,
// independent of the Node's coarse lock, so this component keeps its
// own mutex rather than relying on the caller to serialize it.
type Estimator struct {
	mu      sync.Mutex
	current time.Duration
	pending map[uint64]time.Time // ping id -> send time
	nextID  uint64
}

// NewEstimator returns an Estimator seeded at defaultRTT.
func NewEstimator() *Estimator {
	return &Estimator{current: defaultRTT, pending: make(map[uint64]time.Time)}
}

// Estimate returns the current smoothed round-trip estimate.
func (e *Estimator) Estimate() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// BeginPing records the send time of an outgoing PIN and returns the
// id to stamp it with, to be echoed back in the peer's PON.
func (e *Estimator) BeginPing(now time.Time) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.pending[id] = now
	return id
}

// EndPing folds the observed round-trip for the PON matching id into
// the moving average. A PON with an unknown id (late, duplicate, or
// from a restarted peer) is ignored.
func (e *Estimator) EndPing(id uint64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sent, ok := e.pending[id]
	if !ok {
		return
	}
	delete(e.pending, id)
	sample := now.Sub(sent)
	e.current = time.Duration(alpha*float64(sample) + (1-alpha)*float64(e.current))
}
