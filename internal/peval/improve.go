package peval

import (
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

// valCtx identifies one dynamic instance of a value: the same instruction
// denotes a distinct quantity in each loop iteration and inlined call, so
// every improvement and query is keyed by (value, owning context).
// Constants and other context-free values carry a nil ctx. The zero valCtx
// means "unresolvable here".
type valCtx struct {
	val ssa.Value
	ctx *Context
}

func constVC(c *ssa.Const) valCtx { return valCtx{c, nil} }

func (vc valCtx) isConst() bool {
	_, ok := vc.val.(*ssa.Const)
	return ok
}

func (vc valCtx) asConst() *ssa.Const {
	c, _ := vc.val.(*ssa.Const)
	return c
}

// eq is improvement equality: constants by value and type, everything else
// by identity plus context.
func (vc valCtx) eq(o valCtx) bool {
	if vc.val == o.val && vc.ctx == o.ctx {
		return true
	}
	a, b := vc.asConst(), o.asConst()
	if a == nil || b == nil || a.Value == nil || b.Value == nil {
		return false
	}
	return types.Identical(a.Type(), b.Type()) && constEq(a.Value, b.Value)
}

// contextFree reports whether v means the same thing in every context.
func contextFree(v ssa.Value) bool {
	switch v.(type) {
	case *ssa.Const, *ssa.Global, *ssa.Function, *ssa.Builtin:
		return true
	}
	return false
}

// ownerOf returns the context whose scope owns v: c itself for local
// values, or an enclosing context when v is defined at an outer scope.
// Returns nil when v belongs to a child loop of c's scope (such values are
// only readable through a Final peel attempt; see resolveOperand).
func (c *Context) ownerOf(v ssa.Value) *Context {
	s := c.scope()
	var vs *loops.Loop // parameters and free variables live at function scope
	if ins, ok := v.(ssa.Instruction); ok {
		vs = c.nest.ForBlock(ins.Block())
	}
	if vs == s {
		return c
	}
	if s.ContainsLoop(vs) {
		return nil // child-loop value
	}
	// Outer-scope value: walk up until the scope matches.
	x := c
	for x.scope() != vs {
		p := x.parentScopeCtx()
		if p == nil {
			return x
		}
		x = p
	}
	return x
}

// getDefaultVC is the identity improvement: the value as seen in the
// context owning it.
func (c *Context) getDefaultVC(v ssa.Value) valCtx {
	if contextFree(v) {
		return valCtx{v, nil}
	}
	if o := c.ownerOf(v); o != nil {
		return valCtx{v, o}
	}
	return valCtx{v, c}
}

// getReplacement returns v's recorded improvement, or its default valCtx
// when none is known. Outer-scope values delegate to the owning context.
func (c *Context) getReplacement(v ssa.Value) valCtx {
	if contextFree(v) {
		return valCtx{v, nil}
	}
	o := c.ownerOf(v)
	if o == nil {
		return c.getDefaultVC(v)
	}
	if id := o.vals.id(v); id >= 0 {
		if imp := o.improved[id]; imp.val != nil {
			return imp
		}
	}
	return valCtx{v, o}
}

// resolveOperand is getReplacement extended with the loop-exit rule: a
// value defined in a child loop is readable only through the final
// iteration of a Final peel attempt; otherwise the zero valCtx comes back.
func (c *Context) resolveOperand(v ssa.Value) valCtx {
	if contextFree(v) {
		return valCtx{v, nil}
	}
	ins, ok := v.(ssa.Instruction)
	if ok {
		vs := c.nest.ForBlock(ins.Block())
		s := c.scope()
		switch {
		case vs == s:
			// local
		case s.ContainsLoop(vs):
			child := c.nest.ImmediateChild(s, vs)
			pa := c.peels[child]
			if pa == nil || pa.status != iterFinal {
				return valCtx{}
			}
			return pa.lastIter().resolveOperand(v)
		default:
			// Defined at an outer scope, or in a loop that is a child of
			// some ancestor scope; either way the ancestor resolves it.
			if p := c.parentScopeCtx(); p != nil {
				return p.resolveOperand(v)
			}
		}
	}
	return c.getReplacement(v)
}

func (c *Context) getConstReplacement(v ssa.Value) *ssa.Const {
	return c.resolveOperand(v).asConst()
}

// setReplacement records an improvement. Improvements are monotone: the
// first recorded value wins and is never retracted within a run.
func (c *Context) setReplacement(v ssa.Value, vc valCtx) {
	id := c.vals.id(v)
	if id < 0 {
		return
	}
	if c.improved[id].val != nil {
		return
	}
	c.improved[id] = vc
	c.p.debugf("%s improved to %s in %s", v.Name(), vc.val, c)
}

// shouldForwardValue decides whether an improvement is worth recording and
// propagating: constants always, pointers whose ultimate base is an
// identified object, and symbolic handles from open calls.
func (c *Context) shouldForwardValue(vc valCtx) bool {
	if vc.isConst() {
		return true
	}
	if vc.ctx != nil && vc.ctx.isForwardableOpenCall(vc.val) {
		return true
	}
	if _, ok := vc.val.Type().Underlying().(*types.Pointer); ok {
		base, _, ok := c.p.chaseBase(vc)
		return ok && identifiedObject(base.val)
	}
	return false
}

// ---- pointer provenance ----

type aliasResult uint8

const (
	aliasUnknown aliasResult = iota // must always be a safe answer
	aliasSame
	aliasDistinct
)

type pathElem struct {
	field int   // FieldAddr field, or -1
	index int64 // IndexAddr constant index, or -1 when unknown
}

// identifiedObject reports whether v names a distinct memory object.
func identifiedObject(v ssa.Value) bool {
	switch v.(type) {
	case *ssa.Alloc, *ssa.Global:
		return true
	}
	return false
}

// chaseBase walks a pointer back to its ultimate underlying object,
// substituting context-qualified improvements along the way and recording
// the access path. The walk is bounded by MaxPointerChase and reports
// ok=false when the bound trips or the chain leaves known territory.
func (p *pass) chaseBase(vc valCtx) (valCtx, []pathElem, bool) {
	var path []pathElem
	cur := vc
	for i := 0; i < p.cfg.MaxPointerChase; i++ {
		if cur.ctx != nil {
			if rep := cur.ctx.resolveOperand(cur.val); rep.val != nil && !rep.eq(cur) {
				cur = rep
				continue
			}
		}
		switch v := cur.val.(type) {
		case *ssa.FieldAddr:
			path = append(path, pathElem{field: v.Field, index: -1})
			cur = valCtx{v.X, cur.ctx}
		case *ssa.IndexAddr:
			idx := int64(-1)
			if cur.ctx != nil {
				if ci := cur.ctx.getConstReplacement(v.Index); ci != nil && ci.Value != nil {
					if n, exact := intVal(ci); exact {
						idx = n
					}
				}
			}
			path = append(path, pathElem{field: -1, index: idx})
			cur = valCtx{v.X, cur.ctx}
		case *ssa.ChangeType:
			cur = valCtx{v.X, cur.ctx}
		case *ssa.Convert:
			cur = valCtx{v.X, cur.ctx}
		case *ssa.MakeInterface:
			cur = valCtx{v.X, cur.ctx}
		case *ssa.Slice:
			cur = valCtx{v.X, cur.ctx}
		default:
			return cur, path, true
		}
	}
	// Bound exhausted: return the last value found.
	return cur, path, false
}

// sameObject is the provenance oracle: do two context-qualified pointers
// address the same memory? Unknown is always safe.
func (p *pass) sameObject(a, b valCtx) aliasResult {
	ba, pa, oka := p.chaseBase(a)
	bb, pb, okb := p.chaseBase(b)
	if !oka || !okb {
		return aliasUnknown
	}
	if !identifiedObject(ba.val) || !identifiedObject(bb.val) {
		return aliasUnknown
	}
	if ba.val != bb.val || ba.ctx != bb.ctx {
		return aliasDistinct
	}
	// Same object: compare access paths.
	if len(pa) != len(pb) {
		return aliasUnknown
	}
	exact := true
	for i := range pa {
		x, y := pa[i], pb[i]
		if x.field != y.field {
			return aliasDistinct
		}
		if x.field >= 0 {
			continue
		}
		if x.index < 0 || y.index < 0 {
			exact = false
			continue
		}
		if x.index != y.index {
			return aliasDistinct
		}
	}
	if exact {
		return aliasSame
	}
	return aliasUnknown
}
