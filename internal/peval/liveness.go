package peval

import (
	"go/token"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

// CFG liveness. Per (block, context) the status machine is
// Unknown -> {Dead, Certain} and never goes back; Assumed is a weaker,
// report-only refinement of Unknown. A block is dead iff every incoming
// edge is dead (the entry never is); certain iff every live predecessor is
// certain and has the block as its only live successor.

// edgeIsDead answers for edges at this scope from the local set; edges
// living at an outer scope are referred upward, and edges inside a child
// loop are dead only when a Final peel attempt kills them in every
// iteration.
func (c *Context) edgeIsDead(from, to *ssa.BasicBlock) bool {
	if c.deadEdges[edgeOf(from, to)] {
		return true
	}
	es := c.nest.ForBlock(from)
	s := c.scope()
	if es == s {
		return false
	}
	if s.ContainsLoop(es) {
		child := c.nest.ImmediateChild(s, es)
		if c.loopEntryDead(child) {
			return true // the loop never runs here, so none of its edges do
		}
		pa := c.peels[child]
		if pa == nil || pa.status != iterFinal {
			return false
		}
		for _, it := range pa.iters {
			if !it.edgeIsDead(from, to) {
				return false
			}
		}
		return true
	}
	if p := c.parentScopeCtx(); p != nil {
		return p.edgeIsDead(from, to)
	}
	return false
}

// loopEntryDead reports whether the child loop l can never be entered at
// this scope.
func (c *Context) loopEntryDead(l *loops.Loop) bool {
	return l.Analyzable() && c.edgeIsDead(l.Preheader, l.Header)
}

func (c *Context) setEdgeDead(from, to *ssa.BasicBlock) {
	e := edgeOf(from, to)
	if c.deadEdges[e] {
		return
	}
	c.deadEdges[e] = true
	c.p.debugf("edge %s->%s dead in %s", from, to, c)
	c.requeueBlockedLoads()
}

func (c *Context) blockIsDead(b *ssa.BasicBlock) bool {
	bs := c.nest.ForBlock(b)
	s := c.scope()
	if bs == s {
		return c.blockStatus[b.Index] == StatusDead
	}
	if s.ContainsLoop(bs) {
		child := c.nest.ImmediateChild(s, bs)
		if c.loopEntryDead(child) {
			return true
		}
		pa := c.peels[child]
		if pa == nil || pa.status != iterFinal {
			return false
		}
		for _, it := range pa.iters {
			if !it.blockIsDead(b) {
				return false
			}
		}
		return true
	}
	if p := c.parentScopeCtx(); p != nil {
		return p.blockIsDead(b)
	}
	return false
}

func (c *Context) blockIsCertain(b *ssa.BasicBlock) bool {
	if c.nest.ForBlock(b) == c.scope() {
		return c.blockStatus[b.Index] == StatusCertain
	}
	return false
}

func (c *Context) shouldCheckBlock(b *ssa.BasicBlock) bool {
	st := c.blockStatus[b.Index]
	return st != StatusDead && st != StatusCertain
}

// predEdgeStatus classifies the edge p->b for b's liveness computation,
// where p may sit inside a child loop (a loop-exit edge). Returns whether
// the edge is live and whether the predecessor side of it is certain with
// b as its only live successor.
func (c *Context) predEdgeStatus(p, b *ssa.BasicBlock) (live, certain bool) {
	ps := c.nest.ForBlock(p)
	s := c.scope()
	if ps == s {
		if c.edgeIsDead(p, b) {
			return false, false
		}
		return true, c.blockIsCertain(p) && c.onlyLiveSucc(c, p, b)
	}
	if s.ContainsLoop(ps) {
		// Exit edge out of a child loop. Live unless the loop can never be
		// entered or a Final peel kills it everywhere; certain only when
		// the loop is certainly entered and exactly one iteration of a
		// Final peel can take it, certainly. Iteration facts are
		// hypotheses conditioned on the iteration running, so they never
		// lift into the parent without the entry edge backing them.
		if c.edgeIsDead(p, b) {
			return false, false
		}
		child := c.nest.ImmediateChild(s, ps)
		pa := c.peels[child]
		if pa == nil || pa.status != iterFinal {
			return true, false
		}
		liveIters := 0
		var only *Context
		for _, it := range pa.iters {
			if !it.edgeIsDead(p, b) {
				liveIters++
				only = it
			}
		}
		if liveIters == 0 {
			return false, false
		}
		if liveIters == 1 && only.blockIsCertain(p) && c.onlyLiveSucc(only, p, b) &&
			c.blockIsCertain(child.Preheader) && c.onlyLiveSucc(c, child.Preheader, child.Header) {
			return true, true
		}
		return true, false
	}
	// Predecessor at an outer scope: the entry edge of a loop; iterations
	// treat their header as entry and never ask this.
	return !c.edgeIsDead(p, b), false
}

func (c *Context) onlyLiveSucc(in *Context, p, b *ssa.BasicBlock) bool {
	for _, s := range p.Succs {
		if s != b && !in.edgeIsDead(p, s) {
			return false
		}
	}
	return true
}

// checkBlock recomputes b's status in c, killing outgoing edges and
// queueing consequences when it settles.
func (c *Context) checkBlock(b *ssa.BasicBlock) {
	if c.nest.ForBlock(b) != c.scope() {
		return
	}
	if !c.shouldCheckBlock(b) {
		return
	}
	first := !c.seen[b.Index]
	c.seen[b.Index] = true

	isDead, isCertain := true, true
	anyDeadPred := false
	if b == c.entryBlock() {
		isDead, isCertain = false, true
	} else {
		for _, p := range b.Preds {
			live, certain := c.predEdgeStatus(p, b)
			if !live {
				anyDeadPred = true
				continue
			}
			isDead = false
			if !certain {
				isCertain = false
			}
		}
	}
	if isDead && isCertain {
		isCertain = false // no incoming edges at all: unreachable, not certain
		isDead = b != c.entryBlock()
	}

	switch {
	case isDead:
		c.p.debugf("block %s dead in %s", b, c)
		c.blockStatus[b.Index] = StatusDead
		// A dead block's instructions never run: drop any improvement
		// recorded for them and count their values as dead.
		for _, ins := range b.Instrs {
			if v, ok := ins.(ssa.Value); ok {
				if id := c.vals.id(v); id >= 0 {
					c.improved[id] = valCtx{}
					c.deadValues[id] = true
				}
			}
		}
		// One less live return: the callsite's merged return value may
		// have just become unique.
		if _, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return); ok {
			c.noteReturn()
		}
		c.requeueBlockedLoads()
	case isCertain:
		c.p.debugf("block %s certain in %s", b, c)
		c.blockStatus[b.Index] = StatusCertain
		for _, ins := range b.Instrs {
			if call, ok := ins.(*ssa.Call); ok {
				c.getOrCreateInlineAttempt(call)
			}
		}
		c.requeueBlockedLoads()
	case anyDeadPred:
		c.blockStatus[b.Index] = StatusAssumed
	}

	if isDead || isCertain || first {
		for _, s := range b.Succs {
			if isDead {
				c.setEdgeDead(b, s)
			}
			c.checkEdge(b, s)
		}
	}
	if !isDead {
		for _, ins := range b.Instrs {
			if u, ok := ins.(*ssa.UnOp); ok && isLoad(u) {
				c.p.queueCheckLoad(c, u)
				continue
			}
			if _, ok := ins.(ssa.Value); ok {
				c.p.queueEval(c, ins)
			}
		}
	}
}

// checkEdge considers the edge from->to after its liveness may have
// changed. Edges inside a child loop are variant there and get referred to
// the loop's iterations; everything else is handled locally.
func (c *Context) checkEdge(from, to *ssa.BasicBlock) {
	fs := c.nest.ForBlock(from)
	s := c.scope()
	if fs != s && s.ContainsLoop(fs) {
		child := c.nest.ImmediateChild(s, fs)
		if pa := c.peels[child]; pa != nil {
			for _, it := range pa.iters {
				it.checkEdge(from, to)
			}
		}
		return
	}
	c.checkLocalEdge(from, to)
}

func (c *Context) checkLocalEdge(from, to *ssa.BasicBlock) {
	if !c.checkLoopSpecialEdge(from, to) {
		c.p.queueCheckBlock(c, to)
	}
}

// checkLoopSpecialEdge intercepts edges that cross loop boundaries; it
// reports whether the edge was special. For iterations, the latch and exit
// edges drive unrolling and the Final verdict; for any context, entering a
// child loop's header spawns (or fails to spawn) a peel attempt.
func (c *Context) checkLoopSpecialEdge(from, to *ssa.BasicBlock) bool {
	if c.kind == ctxIteration {
		l := c.loop
		latchEdge := from == l.Latch && to == l.Header
		exitEdge := l.Contains(from) && !l.Contains(to)
		if latchEdge || exitEdge {
			if c.pa.status == iterUnknown && c == c.pa.lastIter() {
				if c.edgeIsDead(l.Latch, l.Header) {
					c.pa.checkFinalIteration()
				} else if c.blockIsCertain(l.Latch) {
					// Only unroll further while the latch is provably
					// reached; an unknown body would just peel to the cap.
					c.pa.getOrCreateNextIteration(c)
				}
			}
			if exitEdge {
				tc := c.fallCtx(to)
				c.p.queueCheckBlock(tc, to)
			}
			return true
		}
	}
	return c.checkChildLoopEntry(from, to)
}

// checkChildLoopEntry handles the preheader->header edge of an immediate
// child loop: a live sighting creates the peel attempt and re-checks the
// exit targets (their certainty tracks the entry edge's); a dead sighting
// kills the loop's exit edges, peeled or not.
func (c *Context) checkChildLoopEntry(from, to *ssa.BasicBlock) bool {
	l := c.nest.ForBlock(to)
	if l == nil || l == c.scope() || to != l.Header || from != l.Preheader {
		return false
	}
	if c.edgeIsDead(from, to) {
		// The loop can never be entered: its exits can never be taken.
		c.killUnreachableLoop(l)
		return true
	}
	c.getOrCreatePeelAttempt(l)
	for _, e := range l.Exits {
		tc := c.fallCtx(e.To)
		c.p.queueCheckBlock(tc, e.To)
	}
	return true
}

func (c *Context) killUnreachableLoop(l *loops.Loop) {
	for _, e := range l.Exits {
		c.deadEdges[edgeOf(e.From, e.To)] = true
		tc := c.fallCtx(e.To)
		c.p.queueCheckBlock(tc, e.To)
	}
}

func isLoad(u *ssa.UnOp) bool {
	return u.Op == token.MUL
}
