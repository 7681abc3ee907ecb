package peval

import (
	"go/constant"
	"go/token"

	"golang.org/x/tools/go/ssa"
)

// Speculative value evaluation. tryEvaluate is the worklist entry point:
// it attempts to improve one node in one context and, on success, queues
// every user that might benefit. Improvements only ever flow from unknown
// to known, so re-evaluating a node is always safe.

func (c *Context) tryEvaluate(node any) {
	switch n := node.(type) {
	case *ssa.If:
		c.foldBranch(n)
	case *ssa.Return:
		c.noteReturn()
	case *ssa.Store:
		// A newly improved stored value may unblock a stalled load.
		if c.resolveOperand(n.Val).val != nil {
			c.p.requeueAllBlockedLoads()
		}
	case ssa.Value:
		c.tryEvaluateValue(n)
	}
}

func (c *Context) tryEvaluateValue(v ssa.Value) {
	if !c.shouldTryEvaluate(v) {
		return
	}
	vc := c.tryEvaluateResult(v)
	if vc.val == nil || !c.shouldForwardValue(vc) {
		return
	}
	c.setReplacement(v, vc)
	c.investigateUsers(v)
}

// shouldTryEvaluate filters out nodes this context cannot usefully improve:
// foreign nodes, nodes owned by a different scope, nodes in dead blocks,
// and nodes already improved.
func (c *Context) shouldTryEvaluate(v ssa.Value) bool {
	id := c.vals.id(v)
	if id < 0 {
		return false
	}
	if c.improved[id].val != nil {
		return false
	}
	if ins, ok := v.(ssa.Instruction); ok {
		b := ins.Block()
		if c.nest.ForBlock(b) != c.scope() {
			return false
		}
		if c.blockStatus[b.Index] == StatusDead {
			return false
		}
	} else if c.kind == ctxIteration {
		return false // parameters and free variables belong to the root
	}
	return true
}

func (c *Context) tryEvaluateResult(v ssa.Value) valCtx {
	switch n := v.(type) {
	case *ssa.Phi:
		return c.getPHINodeValue(n)

	case *ssa.Call:
		if ia := c.getOrCreateInlineAttempt(n); ia != nil {
			if n.Call.Signature().Results().Len() == 1 {
				return ia.tryGetReturnValue()
			}
			return valCtx{}
		}
		if c.openCalls[n] {
			return valCtx{n, c}
		}
		return valCtx{}

	case *ssa.BinOp:
		x := c.resolveOperand(n.X)
		y := c.resolveOperand(n.Y)
		if isComparison(n.Op) {
			if r := c.tryFoldOpenCmp(n.Op, x, y, n); r != nil {
				return constVC(r)
			}
		}
		cx, cy := x.asConst(), y.asConst()
		if cx == nil || cy == nil || cx.Value == nil || cy.Value == nil {
			return valCtx{}
		}
		if r := foldBinOp(n.Op, cx, cy, n.Type()); r != nil {
			return constVC(r)
		}
		return valCtx{}

	case *ssa.UnOp:
		if isLoad(n) {
			// Loads go through the memory dependence walk, not here.
			c.p.queueCheckLoad(c, n)
			return valCtx{}
		}
		if cx := c.getConstReplacement(n.X); cx != nil && cx.Value != nil {
			if r := foldUnOp(n.Op, cx, n.Type()); r != nil {
				return constVC(r)
			}
		}
		return valCtx{}

	case *ssa.Convert:
		vc := c.resolveOperand(n.X)
		if vc.val == nil {
			return valCtx{}
		}
		if vc.ctx != nil && vc.ctx.isForwardableOpenCall(vc.val) {
			// A handle survives integer conversions unchanged.
			return vc
		}
		if cv := vc.asConst(); cv != nil && cv.Value != nil {
			if r := foldConvert(cv, n.Type()); r != nil {
				return constVC(r)
			}
		}
		return valCtx{}

	case *ssa.ChangeType:
		vc := c.resolveOperand(n.X)
		if vc.val == nil {
			return valCtx{}
		}
		if cv := vc.asConst(); cv != nil && cv.Value != nil {
			return constVC(ssa.NewConst(cv.Value, n.Type()))
		}
		return vc

	case *ssa.Parameter:
		return c.getImprovedCallArgument(n)
	}
	return valCtx{}
}

// getImprovedCallArgument reads an argument improvement through the call
// boundary: the i'th parameter of an inline attempt is the i'th argument at
// the site, as the caller sees it.
func (c *Context) getImprovedCallArgument(param *ssa.Parameter) valCtx {
	if c.kind != ctxRoot || c.call == nil || c.parent == nil {
		return valCtx{}
	}
	for i, p := range c.fn.Params {
		if p != param {
			continue
		}
		if i >= len(c.call.Call.Args) {
			return valCtx{}
		}
		return c.parent.resolveOperand(c.call.Call.Args[i])
	}
	return valCtx{}
}

// getPHINodeValue merges a phi over its live in-edges. Header phis of the
// owning iteration read a single edge: the preheader value for iteration 0
// and the previous iteration's latch value afterwards. All other phis
// improve only when every live in-edge carries the same improvement.
func (c *Context) getPHINodeValue(phi *ssa.Phi) valCtx {
	b := phi.Block()
	if c.kind == ctxIteration && b == c.loop.Header {
		from, rc := c.loop.Preheader, c.pa.parent
		if c.iter > 0 {
			from, rc = c.loop.Latch, c.pa.prevIter(c)
		}
		for i, p := range b.Preds {
			if p == from {
				return rc.resolveOperand(phi.Edges[i])
			}
		}
		return valCtx{}
	}

	var merged valCtx
	found := false
	for i, p := range b.Preds {
		if c.edgeIsDead(p, b) {
			continue
		}
		vc := c.resolveEdgeOperand(p, b, phi.Edges[i])
		if vc.val == nil {
			return valCtx{}
		}
		if !found {
			merged, found = vc, true
		} else if !merged.eq(vc) {
			return valCtx{}
		}
	}
	if !found {
		return valCtx{}
	}
	return merged
}

// resolveEdgeOperand resolves a phi edge value in the context the edge
// actually comes from. Edges leaving a child loop are readable only once
// the loop's peel attempt is Final, and then from whichever iterations can
// still take the edge.
func (c *Context) resolveEdgeOperand(p, b *ssa.BasicBlock, v ssa.Value) valCtx {
	ps := c.nest.ForBlock(p)
	s := c.scope()
	if ps == s || !s.ContainsLoop(ps) {
		return c.resolveOperand(v)
	}
	child := c.nest.ImmediateChild(s, ps)
	pa := c.peels[child]
	if pa == nil || pa.status != iterFinal {
		return valCtx{}
	}
	var merged valCtx
	found := false
	for _, it := range pa.iters {
		if it.edgeIsDead(p, b) {
			continue
		}
		vc := it.resolveOperand(v)
		if vc.val == nil {
			return valCtx{}
		}
		if !found {
			merged, found = vc, true
		} else if !merged.eq(vc) {
			return valCtx{}
		}
	}
	if !found {
		return valCtx{}
	}
	return merged
}

// tryGetReturnValue computes the value this attempt returns to its caller:
// every return not in a dead block must resolve, and all must agree.
func (ia *Context) tryGetReturnValue() valCtx {
	var merged valCtx
	found := false
	for _, b := range ia.fn.Blocks {
		ret, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return)
		if !ok {
			continue
		}
		if ia.blockIsDead(b) {
			continue
		}
		if len(ret.Results) != 1 {
			return valCtx{}
		}
		vc := ia.resolveOperand(ret.Results[0])
		if vc.val == nil {
			return valCtx{}
		}
		if !found {
			merged, found = vc, true
		} else if !merged.eq(vc) {
			return valCtx{}
		}
	}
	if !found {
		return valCtx{}
	}
	return merged
}

// noteReturn is triggered when a return operand improves: the callsite in
// the caller may now fold.
func (c *Context) noteReturn() {
	x := c
	for x.kind == ctxIteration {
		x = x.pa.parent
	}
	if x.call != nil && x.parent != nil {
		c.p.queueEval(x.parent, x.call)
	}
}

// foldBranch kills the untaken successor edge of a conditional branch with
// a known condition, then rechecks both successors.
func (c *Context) foldBranch(br *ssa.If) {
	b := br.Block()
	if c.nest.ForBlock(b) != c.scope() {
		return
	}
	if c.blockStatus[b.Index] == StatusDead {
		return
	}
	cond := c.getConstReplacement(br.Cond)
	if cond == nil || cond.Value == nil || cond.Value.Kind() != constant.Bool {
		return
	}
	dead := b.Succs[0]
	if constant.BoolVal(cond.Value) {
		dead = b.Succs[1]
	}
	if !c.edgeIsDead(b, dead) {
		c.setEdgeDead(b, dead)
	}
	c.checkEdge(b, b.Succs[0])
	c.checkEdge(b, b.Succs[1])
}

// tryFoldOpenCmp folds comparisons involving a symbolic handle: a handle
// is an unknown but non-negative integer, so tests against non-positive
// constants are decidable even though the handle's value is not.
func (c *Context) tryFoldOpenCmp(op token.Token, x, y valCtx, at *ssa.BinOp) *ssa.Const {
	hx := x.ctx != nil && x.ctx.isForwardableOpenCall(x.val)
	hy := y.ctx != nil && y.ctx.isForwardableOpenCall(y.val)
	if hx && hy {
		if !x.eq(y) {
			return nil
		}
		switch op {
		case token.EQL, token.LEQ, token.GEQ:
			return ssa.NewConst(constant.MakeBool(true), at.Type())
		case token.NEQ, token.LSS, token.GTR:
			return ssa.NewConst(constant.MakeBool(false), at.Type())
		}
		return nil
	}
	if !hx && !hy {
		return nil
	}
	if hy {
		op = mirrorCmp(op)
		x, y = y, x
	}
	k := y.asConst()
	if k == nil || k.Value == nil {
		return nil
	}
	n, exact := intVal(k)
	if !exact {
		return nil
	}
	var res, known bool
	switch op {
	case token.EQL:
		res, known = false, n < 0
	case token.NEQ:
		res, known = true, n < 0
	case token.GEQ:
		res, known = true, n <= 0
	case token.GTR:
		res, known = true, n < 0
	case token.LSS:
		res, known = false, n <= 0
	case token.LEQ:
		res, known = false, n < 0
	}
	if !known {
		return nil
	}
	return ssa.NewConst(constant.MakeBool(res), at.Type())
}

func mirrorCmp(op token.Token) token.Token {
	switch op {
	case token.LSS:
		return token.GTR
	case token.GTR:
		return token.LSS
	case token.LEQ:
		return token.GEQ
	case token.GEQ:
		return token.LEQ
	}
	return op
}

// investigateUsers queues re-evaluation of everything that reads v, in the
// contexts the reads happen in.
func (c *Context) investigateUsers(v ssa.Value) {
	refs := v.Referrers()
	if refs == nil {
		return
	}
	for _, user := range *refs {
		c.queueUserEval(v, user)
	}
}

// queueUserEval routes one use of v to the context(s) owning the user:
// locally, into every iteration of the child loop containing the user, or
// outward to the ancestor whose scope contains it. A use by the header phi
// of the owning loop additionally feeds the next iteration.
func (c *Context) queueUserEval(v ssa.Value, user ssa.Instruction) {
	ub := user.Block()
	us := c.nest.ForBlock(ub)
	s := c.scope()
	switch {
	case us == s:
		if phi, ok := user.(*ssa.Phi); ok && c.kind == ctxIteration && ub == c.loop.Header {
			if n := c.pa.nextIter(c); n != nil {
				c.p.queueEval(n, phi)
			}
		}
		c.p.queueEval(c, user)
		if _, ok := user.(*ssa.Store); ok {
			c.p.requeueAllBlockedLoads()
		}
		if call, ok := user.(*ssa.Call); ok {
			if ia := c.inlines[call]; ia != nil {
				for i, arg := range call.Call.Args {
					if arg == v && i < len(ia.fn.Params) {
						c.p.queueEval(ia, ia.fn.Params[i])
					}
				}
			}
		}
	case s.ContainsLoop(us):
		child := c.nest.ImmediateChild(s, us)
		if pa := c.peels[child]; pa != nil {
			for _, it := range pa.iters {
				it.queueUserEval(v, user)
			}
		}
	default:
		uc := c.fallCtx(ub)
		c.p.queueEval(uc, user)
	}
}

// requeueAllBlockedLoads releases every stalled load in the tree. Used
// when a fact a loaded value might depend on changes somewhere a blocked
// load cannot name in advance.
func (p *pass) requeueAllBlockedLoads() {
	for _, c := range p.ctxs {
		c.requeueBlockedLoads()
	}
}
