package peval

import (
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

const sumSrc = `package p
func f() int {
	sum := 0
	for i := 1; i <= 5; i++ {
		sum += i
	}
	return sum
}`

func TestPeelConstantLoop(t *testing.T) {
	a := analyzeFn(t, sumSrc, "f", nil)
	root := a.Root()

	peels := root.Peels()
	if len(peels) != 1 {
		t.Fatalf("got %d peel attempts, want 1", len(peels))
	}
	pa := peels[0]
	if !pa.Final() {
		t.Fatal("peel attempt did not prove termination")
	}
	// Five executed iterations plus the one that proves the exit.
	if got := len(pa.Iterations()); got != 6 {
		t.Fatalf("got %d iterations, want 6", got)
	}

	last := pa.Iterations()[5]
	header := pa.Loop().Header
	body := blockByComment(t, root.Func(), "for.body")
	if !last.EdgeDead(header, body) {
		t.Error("final iteration still enters the body")
	}
	if got := last.BlockStatus(body); got != StatusDead {
		t.Errorf("final iteration body is %v, want dead", got)
	}
	for i, it := range pa.Iterations()[:5] {
		if got := it.BlockStatus(body); got != StatusCertain {
			t.Errorf("iteration %d body is %v, want certain", i, got)
		}
	}

	// The loop-carried sum is 0,1,3,6,10,15 at the header per iteration.
	want := []int64{0, 1, 3, 6, 10, 15}
	sumPhi := findSumPhi(t, root.Func())
	for i, it := range pa.Iterations() {
		wantInt(t, it.ConstValue(sumPhi), want[i])
	}

	// The exit value flows out of the final iteration to the return.
	wantInt(t, root.ConstValue(findReturn(t, root.Func()).Results[0]), 15)

	done := blockByComment(t, root.Func(), "for.done")
	if got := root.BlockStatus(done); got != StatusCertain {
		t.Errorf("exit block is %v, want certain", got)
	}
}

// findSumPhi picks the accumulator: the header phi whose initial operand
// is the constant 0 (the induction variable starts at 1 in sumSrc).
func findSumPhi(t *testing.T, fn *ssa.Function) *ssa.Phi {
	t.Helper()
	for _, b := range fn.Blocks {
		for _, ins := range b.Instrs {
			phi, ok := ins.(*ssa.Phi)
			if !ok {
				continue
			}
			for _, e := range phi.Edges {
				if c, ok := e.(*ssa.Const); ok && c.Value != nil && c.Int64() == 0 {
					return phi
				}
			}
		}
	}
	t.Fatal("no accumulator phi")
	return nil
}

func TestPeelBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPeelIterations = 8
	a := analyzeFn(t, `package p
func f() int {
	sum := 0
	for i := 0; i < 100; i++ {
		sum += i
	}
	return sum
}`, "f", cfg)

	root := a.Root()
	peels := root.Peels()
	if len(peels) != 1 {
		t.Fatalf("got %d peel attempts, want 1", len(peels))
	}
	pa := peels[0]
	if pa.Final() {
		t.Error("peel reported Final before the loop ended")
	}
	if !pa.Capped() {
		t.Error("peel did not report hitting the bound")
	}
	if got := len(pa.Iterations()); got != 8 {
		t.Errorf("got %d iterations, want 8", got)
	}
	// Past the bound nothing is known about the exit value.
	if c := root.ConstValue(findReturn(t, root.Func()).Results[0]); c != nil {
		t.Errorf("return improved to %v despite the capped peel", c)
	}
}

func TestUnanalyzableLoop(t *testing.T) {
	a := analyzeFn(t, `package p
func f(b bool) int {
	i := 0
loop:
	if i >= 10 {
		return i
	}
	if b {
		i += 2
		goto loop
	}
	i++
	goto loop
}`, "f", nil)

	root := a.Root()
	if peels := root.Peels(); len(peels) != 0 {
		t.Fatalf("got %d peel attempts for a multi-latch loop, want 0", len(peels))
	}
	for _, b := range root.Func().Blocks {
		if got := root.BlockStatus(b); got == StatusDead {
			t.Errorf("block %v dead in an unanalyzable loop", b)
		}
	}
}

func TestUnknownTripCount(t *testing.T) {
	a := analyzeFn(t, `package p
func f(n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += i
	}
	return sum
}`, "f", nil)

	root := a.Root()
	peels := root.Peels()
	if len(peels) != 1 {
		t.Fatalf("got %d peel attempts, want 1", len(peels))
	}
	pa := peels[0]
	if pa.Final() {
		t.Error("loop with unknown bound reported Final")
	}
	if pa.Capped() {
		t.Error("loop with unknown bound peeled to the cap")
	}
	if c := root.ConstValue(findReturn(t, root.Func()).Results[0]); c != nil {
		t.Errorf("return improved to %v with an unknown trip count", c)
	}
}

func TestNestedConstantLoops(t *testing.T) {
	a := analyzeFn(t, `package p
func f() int {
	s := 0
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			s += 1
		}
	}
	return s
}`, "f", nil)

	root := a.Root()
	wantInt(t, root.ConstValue(findReturn(t, root.Func()).Results[0]), 4)

	peels := root.Peels()
	if len(peels) != 1 {
		t.Fatalf("root has %d peel attempts, want 1 (the outer loop)", len(peels))
	}
	outer := peels[0]
	if !outer.Final() {
		t.Fatal("outer loop not Final")
	}
	if outer.Capped() {
		t.Fatal("outer loop unrolled to the iteration bound")
	}
	// Two executed iterations plus the one that proves the exit. The inner
	// loop's certainty must not leak upward before the outer condition
	// folds, or the outer latch locks certain and unrolling never stops.
	if got := len(outer.Iterations()); got != 3 {
		t.Fatalf("outer iterations = %d, want 3", got)
	}
	last := outer.Iterations()[2]
	if !last.EdgeDead(outer.Loop().Latch, outer.Loop().Header) {
		t.Error("latch edge still live in the exiting outer iteration")
	}
	// Each executed outer iteration carries its own peel of the inner loop.
	for i, it := range outer.Iterations()[:2] {
		inner := it.Peels()
		if len(inner) != 1 {
			t.Fatalf("outer iteration %d has %d inner peels, want 1", i, len(inner))
		}
		if !inner[0].Final() {
			t.Errorf("inner loop not Final in outer iteration %d", i)
		}
		if got := len(inner[0].Iterations()); got != 3 {
			t.Errorf("inner iterations = %d in outer iteration %d, want 3", got, i)
		}
	}
}

// TestStatusesStayConsistent checks, over a tree with nested loops, an
// unknown-bound inner loop and a data-dependent branch, that settled facts
// agree with each other: a dead block has only dead edges on both sides,
// and certainty never coexists with deadness.
func TestStatusesStayConsistent(t *testing.T) {
	a := analyzeFn(t, `package p
func f(n int) int {
	s := 0
	for i := 0; i < 2; i++ {
		for j := 0; j < n; j++ {
			s += j
		}
		if s > 100 {
			s = 0
		}
	}
	return s
}`, "f", nil)
	checkStatusInvariants(t, a.Root(), nil)
}

func checkStatusInvariants(t *testing.T, c *Context, within *loops.Loop) {
	t.Helper()
	for _, b := range c.Func().Blocks {
		if within != nil && !within.Contains(b) {
			continue
		}
		if c.BlockStatus(b) != StatusDead {
			continue
		}
		for _, p := range b.Preds {
			if !c.EdgeDead(p, b) {
				t.Errorf("%s: dead block %v has a live in-edge from %v", c, b, p)
			}
		}
		for _, s := range b.Succs {
			if !c.EdgeDead(b, s) {
				t.Errorf("%s: dead block %v has a live out-edge to %v", c, b, s)
			}
		}
	}
	for _, ia := range c.InlineAttempts() {
		checkStatusInvariants(t, ia, nil)
	}
	for _, pa := range c.Peels() {
		for _, it := range pa.Iterations() {
			checkStatusInvariants(t, it, pa.Loop())
		}
	}
}
