package peval

import (
	"go/token"
	"strings"
	"testing"

	"golang.org/x/tools/go/ssa"
)

func TestUnusedValueDies(t *testing.T) {
	a := analyzeFn(t, `package p
func f(a int) int {
	x := a * 2
	_ = x
	return a
}`, "f", nil)

	root := a.Root()
	mul := findBinOp(t, root.Func(), token.MUL)
	if !root.ValueDead(mul) {
		t.Error("unreferenced product not found dead")
	}
}

func TestFoldedBranchConditionDies(t *testing.T) {
	a := analyzeFn(t, `package p
func six() int { return 6 }
func f() int {
	if six() == 6 {
		return 1
	}
	return 2
}`, "f", nil)

	root := a.Root()
	cmp := findBinOp(t, root.Func(), token.EQL)
	if !root.ValueDead(cmp) {
		t.Error("condition of a folded branch not found dead")
	}
}

func TestOperandChainDies(t *testing.T) {
	a := analyzeFn(t, `package p
func f(a int) int {
	x := a + 1
	y := x * 2
	_ = y
	return a
}`, "f", nil)

	root := a.Root()
	mul := findBinOp(t, root.Func(), token.MUL)
	add := findBinOp(t, root.Func(), token.ADD)
	if !root.ValueDead(mul) {
		t.Error("product not found dead")
	}
	if !root.ValueDead(add) {
		t.Error("operand of a dead product not found dead")
	}
}

func TestPureCallWithUnusedResultDies(t *testing.T) {
	a := analyzeFn(t, `package p
func pure(a int) int { return a + 1 }
func f(a int) int {
	x := pure(a)
	_ = x
	return a
}`, "f", nil)

	root := a.Root()
	call := findCall(t, root.Func(), "pure")
	if !root.ValueDead(call) {
		t.Error("pure call with unused result not found dead")
	}
	ia := root.InlineAttempt(call)
	if ia == nil {
		t.Fatal("no inline attempt")
	}
	add := findBinOp(t, ia.Func(), token.ADD)
	if !ia.ValueDead(add) {
		t.Error("returned value of an unused call not found dead")
	}
	if !ia.ValueDead(ia.Func().Params[0]) {
		t.Error("parameter of an unused call not found dead")
	}
}

func TestStoringCallStaysLive(t *testing.T) {
	a := analyzeFn(t, `package p
var sink int
func impure(a int) int {
	sink = a
	return a + 1
}
func f(a int) int {
	x := impure(a)
	_ = x
	return a
}`, "f", nil)

	root := a.Root()
	call := findCall(t, root.Func(), "impure")
	if root.ValueDead(call) {
		t.Error("call writing a global was found dead")
	}
}

func TestUsedValuesStayLive(t *testing.T) {
	a := analyzeFn(t, `package p
func f(a int) int {
	x := a * 2
	return x
}`, "f", nil)

	root := a.Root()
	mul := findBinOp(t, root.Func(), token.MUL)
	if root.ValueDead(mul) {
		t.Error("returned value found dead")
	}
}

func TestDeadLoopBodyValues(t *testing.T) {
	a := analyzeFn(t, sumSrc, "f", nil)
	root := a.Root()
	pa := root.Peels()[0]
	// The final iteration's body never runs; everything in it is dead.
	last := pa.Iterations()[len(pa.Iterations())-1]
	body := blockByComment(t, root.Func(), "for.body")
	for _, ins := range body.Instrs {
		v, ok := ins.(ssa.Value)
		if !ok {
			continue
		}
		if !last.ValueDead(v) {
			t.Errorf("%s in the unreached final body not dead", v.Name())
		}
	}
}

func TestReportMentionsOutcomes(t *testing.T) {
	a := analyzeFn(t, sumSrc, "f", nil)
	var sb strings.Builder
	if err := a.WriteReport(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{"contexts", "1 peeled loops", "1 terminating", "improved"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	st := a.Stats()
	if st.PeelAttempts != 1 || st.FinalPeels != 1 {
		t.Errorf("stats = %+v, want one final peel", st)
	}
	if st.Contexts != 7 { // root + 6 iterations
		t.Errorf("contexts = %d, want 7", st.Contexts)
	}
	if st.ValuesImproved == 0 || st.BlocksKilled == 0 {
		t.Errorf("stats recorded no work: %+v", st)
	}
}

func TestWriteDOT(t *testing.T) {
	a := analyzeFn(t, sumSrc, "f", nil)
	var sb strings.Builder
	if err := a.WriteDOT(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	if !strings.HasPrefix(out, "digraph") {
		t.Fatalf("not a digraph:\n%s", out)
	}
	for _, want := range []string{"cluster_0", "iter 5", "gray80", "palegreen"} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT output missing %q", want)
		}
	}
}

func TestSelectingCallStaysLive(t *testing.T) {
	a := analyzeFn(t, `package p
func ping(ch chan int) int {
	select {
	case ch <- 1:
		return 1
	default:
		return 0
	}
}
func f(ch chan int) {
	ping(ch)
}`, "f", nil)

	root := a.Root()
	call := findCall(t, root.Func(), "ping")
	if root.ValueDead(call) {
		t.Error("call whose only effect is a channel select found dead")
	}
}

func TestSideEffectingCallResultDies(t *testing.T) {
	a := analyzeFn(t, `package p
var g int
func tick(n int) int {
	g = 1
	return n * 2
}
func six() int { return 6 }
func f(a int) int {
	v := tick(a)
	if six() != 6 {
		return v
	}
	return 7
}`, "f", nil)

	// The call stays for its store, but its result's only use is in the
	// folded-away branch: the returned computation inside the attempt
	// must still be found dead.
	root := a.Root()
	call := findCall(t, root.Func(), "tick")
	if root.ValueDead(call) {
		t.Error("call that stores to a global found dead")
	}
	ia := root.InlineAttempt(call)
	if ia == nil {
		t.Fatal("no inline attempt for tick")
	}
	mul := findBinOp(t, ia.Func(), token.MUL)
	if !ia.ValueDead(mul) {
		t.Error("returned product not found dead with the result unused")
	}
	for _, p := range ia.Func().Params {
		if !ia.ValueDead(p) {
			t.Errorf("parameter %s not found dead with the result unused", p.Name())
		}
	}
}
