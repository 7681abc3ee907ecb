package peval

import (
	"go/token"
	"testing"

	"golang.org/x/tools/go/ssa"
)

// Field access keeps the variable off the SSA register promotion path, so
// these bodies really go through stores and loads.

func findLoad(t *testing.T, fn *ssa.Function) *ssa.UnOp {
	t.Helper()
	return findInstr(t, fn, "load", func(ins ssa.Instruction) bool {
		u, ok := ins.(*ssa.UnOp)
		return ok && u.Op == token.MUL
	}).(*ssa.UnOp)
}

func TestForwardStoreToLoad(t *testing.T) {
	a := analyzeFn(t, `package p
func f() int {
	var s struct{ a, b int }
	p := &s.a
	*p = 7
	return s.a
}`, "f", nil)

	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 7)
}

func TestDistinctFieldsDoNotClobber(t *testing.T) {
	a := analyzeFn(t, `package p
func f() int {
	var s struct{ a, b int }
	s.a = 1
	s.b = 2
	return s.a
}`, "f", nil)

	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 1)
}

func TestLoadFromFreshAllocIsZero(t *testing.T) {
	a := analyzeFn(t, `package p
func f() int {
	var s struct{ a, b int }
	s.b = 5
	return s.a
}`, "f", nil)

	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 0)
}

func TestConflictingStoresStayUnknown(t *testing.T) {
	a := analyzeFn(t, `package p
func f(b bool) int {
	var s struct{ a int }
	if b {
		s.a = 1
	} else {
		s.a = 2
	}
	return s.a
}`, "f", nil)

	root := a.Root()
	if c := root.ConstValue(findLoad(t, root.Func())); c != nil {
		t.Errorf("load improved to %v across conflicting stores", c)
	}
}

func TestBranchFoldPicksStore(t *testing.T) {
	a := analyzeFn(t, `package p
func one() int { return 1 }
func f() int {
	var s struct{ a int }
	if one() == 1 {
		s.a = 3
	} else {
		s.a = 4
	}
	return s.a
}`, "f", nil)

	// Folding the branch kills the else store; only one definition is left.
	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 3)
}

func TestUnexpandedCallBlocksForwarding(t *testing.T) {
	a := analyzeFn(t, `package p
import "os"
func f() int {
	var s struct{ a int }
	s.a = 9
	os.Getpid()
	return s.a
}`, "f", nil)

	root := a.Root()
	if c := root.ConstValue(findLoad(t, root.Func())); c != nil {
		t.Errorf("load improved to %v past a call with unknown effects", c)
	}
}

func TestForwardThroughInlinedCall(t *testing.T) {
	a := analyzeFn(t, `package p
func set(p *int) { *p = 11 }
func f() int {
	var s struct{ a int }
	set(&s.a)
	return s.a
}`, "f", nil)

	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 11)
}

func TestAgreeingStoresMergeAcrossUnknownBranch(t *testing.T) {
	a := analyzeFn(t, `package p
func f(c bool) int {
	var s struct{ a, b int }
	if c {
		s.a = 1
	} else {
		s.a = 1
	}
	return s.a
}`, "f", nil)

	// Both arms stay live under the unknown condition, but they store the
	// same constant, so the load still improves.
	root := a.Root()
	wantInt(t, root.ConstValue(findLoad(t, root.Func())), 1)
}
