// Package timer implements the patience timer that governs when a
// node packs its pending transactions into a new block. Patience is a
// function of the node's current role and an externally supplied
// round-trip estimate.
package timer

import (
	"math/rand"
	"time"

	"github.com/tolelom/pichain/core"
)

// Estimator supplies the current round-trip estimate the patience
// formulas scale against. rtt.Estimator satisfies this.
type Estimator interface {
	Estimate() time.Duration
}

// Patience computes role-dependent patience durations for a
// cluster of size n and constant epsilon. The SLOW draw is sampled
// uniformly at random once per process lifetime and cached; every
// later SLOW evaluation reuses it, per spec.
type Patience struct {
	n       int
	epsilon float64
	rtt     Estimator
	rng     *rand.Rand

	slowTimeout time.Duration // 0 until first SLOW draw
}

// New returns a Patience calculator for a cluster of n nodes.
func New(n int, epsilon float64, rtt Estimator, rng *rand.Rand) *Patience {
	return &Patience{n: n, epsilon: epsilon, rtt: rtt, rng: rng}
}

// For returns the patience duration for role.
//
//   - QUICK:  0 (immediate)
//   - MEDIUM: (1+epsilon) * RTT
//   - SLOW:   drawn uniformly from [(2+epsilon)*RTT, (2+epsilon)*RTT + n*RTT/2),
//     once, then cached for the remainder of the process.
func (p *Patience) For(role core.Role) time.Duration {
	switch role {
	case core.QUICK:
		return 0
	case core.MEDIUM:
		rtt := p.rtt.Estimate()
		return time.Duration(float64(rtt) * (1 + p.epsilon))
	default: // SLOW
		return p.slowFor()
	}
}

func (p *Patience) slowFor() time.Duration {
	if p.slowTimeout != 0 {
		return p.slowTimeout
	}
	rtt := float64(p.rtt.Estimate())
	lo := rtt * (2 + p.epsilon)
	spread := rtt * float64(p.n) / 2
	p.slowTimeout = time.Duration(lo + p.rng.Float64()*spread)
	return p.slowTimeout
}

// Timer wraps a single cancellable patience timer. It holds no lock
// of its own — callers (consensus.Node) must serialize Arm/Cancel
// under their own coarse lock, same as every other core component.
type Timer struct {
	patience *Patience
	t        *time.Timer
}

// NewTimer returns an unarmed Timer driven by p.
func NewTimer(p *Patience) *Timer {
	return &Timer{patience: p}
}

// Arm schedules onExpire to run after the patience duration for role
// has elapsed, canceling any previously scheduled fire first. onExpire
// is passed as the callable itself — never invoked here and handed its
// result — since time.AfterFunc must receive a func(), not the value
// returned by calling one early.
func (t *Timer) Arm(role core.Role, onExpire func()) {
	t.Cancel()
	t.t = time.AfterFunc(t.patience.For(role), onExpire)
}

// Cancel stops any pending fire. Safe to call when unarmed.
func (t *Timer) Cancel() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
