package peval

import (
	"golang.org/x/tools/go/ssa"
)

// Dead value elimination. After the evaluation fixpoint, a value is dead
// when every use of it is absent: the user sits in a dead block, was
// improved to a constant (so no longer reads its operands), or was itself
// found dead. Deadness crosses context boundaries both ways: an unused
// call result makes the callee's returned values dead, and a dead callee
// parameter makes the caller's argument dead.

// shouldElim reports whether v is the kind of value deadness applies to.
// Side-effecting and control instructions are never eliminated; calls take
// the separate unused-result path.
func shouldElim(v ssa.Value) bool {
	switch v.(type) {
	case *ssa.Parameter:
		return true
	case *ssa.Call, *ssa.Alloc, *ssa.MakeChan, *ssa.MakeMap, *ssa.MakeClosure,
		*ssa.Next, *ssa.Select, *ssa.Range:
		return false
	case ssa.Instruction:
		return true
	}
	return false
}

// queueAllLiveValues seeds the elimination worklist with every value in
// every live block of the attempt tree.
func (c *Context) queueAllLiveValues() {
	if c.kind == ctxRoot {
		for _, p := range c.fn.Params {
			c.p.queueDIE(c, p)
		}
	}
	for _, b := range c.fn.Blocks {
		if c.nest.ForBlock(b) != c.scope() {
			continue
		}
		if c.blockStatus[b.Index] == StatusDead {
			continue
		}
		for _, ins := range b.Instrs {
			if v, ok := ins.(ssa.Value); ok {
				c.p.queueDIE(c, v)
			}
		}
	}
	for _, ia := range c.inlines {
		ia.queueAllLiveValues()
	}
	for _, pa := range c.peels {
		for _, it := range pa.iters {
			it.queueAllLiveValues()
		}
	}
}

func (c *Context) tryKillValue(v ssa.Value) {
	id := c.vals.id(v)
	if id < 0 || c.deadValues[id] {
		return
	}
	if ins, ok := v.(ssa.Instruction); ok {
		if c.nest.ForBlock(ins.Block()) != c.scope() {
			return
		}
		if c.blockStatus[ins.Block().Index] == StatusDead {
			c.markDead(v, id)
			return
		}
	}
	if call, ok := v.(*ssa.Call); ok {
		c.tryKillCall(call)
		return
	}
	if !shouldElim(v) {
		return
	}
	if !c.valueIsDead(v) {
		return
	}
	c.markDead(v, id)
}

func (c *Context) markDead(v ssa.Value, id ID) {
	c.deadValues[id] = true
	c.p.debugf("%s dead in %s", v.Name(), c)
	c.queueDIEOperands(v)
	if p, ok := v.(*ssa.Parameter); ok && c.call != nil && c.parent != nil {
		// The matching argument at the callsite loses a use.
		for i, fp := range c.fn.Params {
			if fp == p && i < len(c.call.Call.Args) {
				c.parent.queueDIEValue(c.call.Call.Args[i])
			}
		}
	}
}

// tryKillCall handles a call whose result is unused: the values the callee
// returns lose their last use, and when the whole attempt is free of side
// effects the call itself is dead.
func (c *Context) tryKillCall(call *ssa.Call) {
	ia := c.inlines[call]
	if ia == nil {
		return
	}
	if !c.valueIsDead(call) {
		return
	}
	// Record the verdict on the attempt: its returns can see it even when
	// the call itself must stay for its side effects.
	if !ia.resultUnused {
		ia.resultUnused = true
		ia.queueReturnOperands()
	}
	if !ia.hasSideEffects() {
		c.markDead(call, c.vals.id(call))
	}
}

// queueReturnOperands re-examines everything this attempt returns; used
// when the caller stops needing the result.
func (c *Context) queueReturnOperands() {
	for _, b := range c.fn.Blocks {
		ret, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return)
		if !ok || c.blockIsDead(b) {
			continue
		}
		for _, r := range ret.Results {
			c.queueDIEValue(r)
		}
	}
}

// hasSideEffects scans the attempt's live blocks for writes and residual
// calls; stores whose target is an allocation local to this attempt's
// subtree do not count.
func (c *Context) hasSideEffects() bool {
	for _, b := range c.fn.Blocks {
		if c.blockIsDead(b) {
			continue
		}
		for _, ins := range b.Instrs {
			switch ins := ins.(type) {
			case *ssa.Store:
				if base, _, ok := c.p.chaseBase(valCtx{ins.Addr, c}); ok {
					if _, isAlloc := base.val.(*ssa.Alloc); isAlloc && base.ctx != nil && base.ctx.within(c) {
						continue
					}
				}
				return true
			case *ssa.Send, *ssa.Select, *ssa.MapUpdate, *ssa.Defer, *ssa.RunDefers,
				*ssa.Go, *ssa.Panic:
				return true
			case *ssa.Call:
				if inl := c.inlines[ins]; inl != nil {
					if inl.hasSideEffects() {
						return true
					}
					continue
				}
				return true
			}
		}
	}
	return false
}

// within reports whether c sits in the attempt subtree rooted at root.
func (c *Context) within(root *Context) bool {
	for x := c; x != nil; {
		if x == root {
			return true
		}
		if x.kind == ctxIteration {
			x = x.pa.parent
		} else {
			x = x.parent
		}
	}
	return false
}

// queueDIEOperands queues each operand of v for re-examination in the
// context owning it.
func (c *Context) queueDIEOperands(v ssa.Value) {
	ins, ok := v.(ssa.Instruction)
	if !ok {
		return
	}
	for _, op := range ins.Operands(nil) {
		if op == nil || *op == nil {
			continue
		}
		c.queueDIEValue(*op)
	}
}

func (c *Context) queueDIEValue(v ssa.Value) {
	if contextFree(v) {
		return
	}
	if o := c.ownerOf(v); o != nil {
		c.p.queueDIE(o, v)
		return
	}
	// Child-loop value: examine it in every materialized iteration.
	ins, ok := v.(ssa.Instruction)
	if !ok {
		return
	}
	vs := c.nest.ForBlock(ins.Block())
	child := c.nest.ImmediateChild(c.scope(), vs)
	if pa := c.peels[child]; pa != nil {
		for _, it := range pa.iters {
			c.p.queueDIE(it, v)
		}
	}
}

// valueIsDead reports whether every use of v is absent.
func (c *Context) valueIsDead(v ssa.Value) bool {
	refs := v.Referrers()
	if refs == nil {
		return false
	}
	for _, user := range *refs {
		if !c.useIsAbsent(v, user) {
			return false
		}
	}
	return true
}

// useIsAbsent routes one use to the context(s) it happens in and asks
// whether it still reads v there.
func (c *Context) useIsAbsent(v ssa.Value, user ssa.Instruction) bool {
	ub := user.Block()
	us := c.nest.ForBlock(ub)
	s := c.scope()
	switch {
	case us == s:
		return c.localUseAbsent(v, user)
	case s.ContainsLoop(us):
		child := c.nest.ImmediateChild(s, us)
		pa := c.peels[child]
		if pa == nil || pa.status != iterFinal {
			return false
		}
		for _, it := range pa.iters {
			if !it.useIsAbsent(v, user) {
				return false
			}
		}
		return true
	default:
		return c.fallCtx(ub).useIsAbsent(v, user)
	}
}

func (c *Context) localUseAbsent(v ssa.Value, user ssa.Instruction) bool {
	if c.blockStatus[user.Block().Index] == StatusDead {
		return true
	}
	if phi, ok := user.(*ssa.Phi); ok && c.kind == ctxIteration && user.Block() == c.loop.Header {
		return c.headerPhiUseAbsent(v, phi)
	}
	if uv, ok := user.(ssa.Value); ok && c.valueInstanceAbsent(uv) {
		return true
	}
	switch u := user.(type) {
	case *ssa.If:
		// A folded branch no longer reads its condition.
		return c.getConstReplacement(u.Cond) != nil
	case *ssa.Call:
		if v == u.Call.Value {
			return false
		}
		ia := c.inlines[u]
		if ia == nil {
			return false
		}
		for i, arg := range u.Call.Args {
			if arg != v {
				continue
			}
			if i >= len(ia.fn.Params) || !ia.valueInstanceAbsent(ia.fn.Params[i]) {
				return false
			}
		}
		return true
	case *ssa.Return:
		if len(u.Results) == 1 && u.Results[0] == v {
			return c.ownCallResultUnused()
		}
		return false
	}
	return false
}

// headerPhiUseAbsent resolves which iteration instance actually consumes a
// header phi operand: the preheader edge feeds iteration 0, the latch edge
// feeds the next iteration (which never runs once the peel is Final).
func (c *Context) headerPhiUseAbsent(v ssa.Value, phi *ssa.Phi) bool {
	b := phi.Block()
	for i, p := range b.Preds {
		if phi.Edges[i] != v {
			continue
		}
		switch p {
		case c.loop.Preheader:
			if !c.pa.iters[0].valueInstanceAbsent(phi) {
				return false
			}
		case c.loop.Latch:
			n := c.pa.nextIter(c)
			if n == nil {
				if c.pa.status != iterFinal {
					return false
				}
			} else if !n.valueInstanceAbsent(phi) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// valueInstanceAbsent reports whether this context's instance of v no
// longer reads its operands: dead, in a dead block, or replaced by a
// constant.
func (c *Context) valueInstanceAbsent(v ssa.Value) bool {
	if ins, ok := v.(ssa.Instruction); ok {
		if c.nest.ForBlock(ins.Block()) == c.scope() &&
			c.blockStatus[ins.Block().Index] == StatusDead {
			return true
		}
	}
	id := c.vals.id(v)
	if id < 0 {
		return false
	}
	if c.deadValues[id] {
		return true
	}
	imp := c.improved[id]
	return imp.val != nil && imp.isConst()
}

func (c *Context) ownCallResultUnused() bool {
	x := c
	for x.kind == ctxIteration {
		x = x.pa.parent
	}
	if x.call == nil || x.parent == nil {
		return false
	}
	if x.resultUnused {
		return true
	}
	refs := x.call.Referrers()
	if refs == nil || len(*refs) == 0 {
		return true
	}
	return x.parent.valueInstanceAbsent(x.call)
}
