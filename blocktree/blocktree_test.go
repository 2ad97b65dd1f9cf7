package blocktree

import (
	"errors"
	"testing"

	"github.com/tolelom/pichain/core"
)

func tx(creator core.NodeID, seq uint64) *core.Transaction {
	return core.NewTransaction(creator, seq, nil)
}

func TestInsertPendingAncestor(t *testing.T) {
	bt := New()
	orphan := core.NewBlock(1, 5, core.PackID(1, 4), nil)
	err := bt.Insert(orphan)
	if !errors.Is(err, core.ErrPendingAncestor) {
		t.Fatalf("want ErrPendingAncestor, got %v", err)
	}
	if _, ok := bt.Linked(orphan.ID()); ok {
		t.Fatal("orphan must not be linked")
	}
	if _, ok := bt.Observed(orphan.ID()); !ok {
		t.Fatal("orphan must still be recorded in the side-set")
	}
}

func TestInsertLinksToParent(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, []*core.Transaction{tx(1, 1)})
	if err := bt.Insert(b1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if b1.Depth != 1 {
		t.Fatalf("depth = %d, want 1", b1.Depth)
	}
	b2 := core.NewBlock(2, 1, b1.ID(), nil)
	if err := bt.Insert(b2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if b2.Depth != 2 {
		t.Fatalf("depth = %d, want 2", b2.Depth)
	}
}

// TestAncestorInvariant exercises invariant: if committed_block is an
// ancestor of head_block (invariant 2), ancestor() must report it.
func TestAncestorInvariant(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(b1))
	b2 := core.NewBlock(2, 1, b1.ID(), nil)
	must(t, bt.Insert(b2))

	ok, err := bt.Ancestor(core.GenesisBlockID, b2.ID())
	if err != nil || !ok {
		t.Fatalf("GENESIS should be an ancestor of b2: ok=%v err=%v", ok, err)
	}
	ok, err = bt.Ancestor(b2.ID(), b1.ID())
	if err != nil || ok {
		t.Fatalf("b2 must not be an ancestor of b1: ok=%v err=%v", ok, err)
	}
}

// TestValidBlockRejectsShallower exercises invariant 3: head_block is
// always >= every valid block seen (deeper-or-tie-break wins), so a
// block that does not beat head under that order (here: same depth,
// larger creator_id) is rejected.
func TestValidBlockRejectsShallower(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(b1))
	bt.MoveToBlock(b1)

	sibling := core.NewBlock(2, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(sibling))
	if bt.ValidBlock(sibling) {
		t.Fatal("sibling at the same depth as head must not be valid")
	}

	deeper := core.NewBlock(3, 1, b1.ID(), nil)
	must(t, bt.Insert(deeper))
	if !bt.ValidBlock(deeper) {
		t.Fatal("strictly deeper block must be valid")
	}
}

func TestValidBlockRejectsBehindCommitted(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(b1))
	fork := core.NewBlock(2, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(fork))

	if _, _, err := bt.Commit(b1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bt.ValidBlock(fork) {
		t.Fatal("fork not descending from committed_block must not be valid")
	}
}

// TestMoveToBlockRequeuesDisplacedTxs exercises invariant 7: switching
// head across a fork boundary requeues the abandoned branch's
// transactions and removes ones now covered by the new branch.
func TestMoveToBlockRequeuesDisplacedTxs(t *testing.T) {
	bt := New()
	txA := tx(1, 1)
	a := core.NewBlock(1, 1, core.GenesisBlockID, []*core.Transaction{txA})
	must(t, bt.Insert(a))
	bt.MoveToBlock(a)

	txB := tx(2, 1)
	b := core.NewBlock(2, 1, core.GenesisBlockID, []*core.Transaction{txB})
	must(t, bt.Insert(b))
	deeper := core.NewBlock(2, 2, b.ID(), nil)
	must(t, bt.Insert(deeper))

	requeue, remove := bt.MoveToBlock(deeper)
	if len(requeue) != 1 || requeue[0].ID() != txA.ID() {
		t.Fatalf("requeue = %v, want [txA]", requeue)
	}
	if len(remove) != 1 || remove[0].ID() != txB.ID() {
		t.Fatalf("remove = %v, want [txB]", remove)
	}
	if bt.HeadBlock().ID() != deeper.ID() {
		t.Fatal("head did not move")
	}
}

func TestCommitIsMonotonic(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, nil)
	must(t, bt.Insert(b1))
	b2 := core.NewBlock(1, 2, b1.ID(), nil)
	must(t, bt.Insert(b2))

	if _, _, err := bt.Commit(b2); err != nil {
		t.Fatalf("commit b2: %v", err)
	}
	if _, _, err := bt.Commit(b1); err != nil {
		t.Fatalf("commit b1 (stale): %v", err)
	}
	if bt.CommittedBlock().ID() != b2.ID() {
		t.Fatal("committed_block must not regress on a stale commit")
	}
}

func TestDepthResolvesThroughOrphans(t *testing.T) {
	bt := New()
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, nil)
	b2 := core.NewBlock(1, 2, b1.ID(), nil)
	b3 := core.NewBlock(1, 3, b2.ID(), nil)

	// Observe deepest-first: b3 and b2 stay orphaned, then b1 links
	// under GENESIS (Insert does not reattach the orphans below it).
	if err := bt.Insert(b3); !errors.Is(err, core.ErrPendingAncestor) {
		t.Fatalf("want ErrPendingAncestor, got %v", err)
	}
	if err := bt.Insert(b2); !errors.Is(err, core.ErrPendingAncestor) {
		t.Fatalf("want ErrPendingAncestor, got %v", err)
	}
	must(t, bt.Insert(b1))

	depth, err := bt.Depth(b3)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("depth = %d, want 3", depth)
	}

	if _, err := bt.depthOf(core.PackID(9, 9)); !errors.Is(err, core.ErrPendingAncestor) {
		t.Fatalf("want ErrPendingAncestor for a wholly unobserved chain, got %v", err)
	}
}

func TestCommittedSince(t *testing.T) {
	bt := New()
	t1 := tx(1, 1)
	b1 := core.NewBlock(1, 1, core.GenesisBlockID, []*core.Transaction{t1})
	must(t, bt.Insert(b1))
	t2 := tx(1, 2)
	b2 := core.NewBlock(1, 2, b1.ID(), []*core.Transaction{t2})
	must(t, bt.Insert(b2))

	txs := bt.CommittedSince(core.Genesis, b2)
	if len(txs) != 2 || txs[0].ID() != t1.ID() || txs[1].ID() != t2.ID() {
		t.Fatalf("CommittedSince = %v, want [t1, t2] in order", txs)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
