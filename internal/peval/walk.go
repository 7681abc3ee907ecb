package peval

import (
	"golang.org/x/tools/go/ssa"
)

// Cross-context CFG walkers. A walk starts at one instruction in one
// context and explores breadth-first along live edges, crossing context
// boundaries as it goes: into inline attempts through callsites, between
// peeled iterations through the latch, and outward through loop exits and
// function entries. The visitor sees every instruction on every explored
// path exactly once per (context, position).

type walkResult uint8

const (
	walkContinue walkResult = iota
	walkStopPath // this path is answered; do not extend it
	walkStopWalk // the whole walk is answered
)

type instVisitor func(ctx *Context, ins ssa.Instruction) walkResult

type cursor struct {
	ctx *Context
	b   *ssa.BasicBlock
	idx int // next instruction index to visit
}

type walker struct {
	p       *pass
	visit   instVisitor
	visited map[cursor]bool
	queue   []cursor
	next    []cursor

	stopped bool // a visitor returned walkStopWalk
	hitTop  bool // a path ran off the top-level entry (backward) or exit (forward)
	blocked bool // a path hit a region with no facts (unexpanded loop boundary)
}

func newWalker(p *pass, visit instVisitor) *walker {
	return &walker{p: p, visit: visit, visited: make(map[cursor]bool)}
}

func (w *walker) push(cur cursor) {
	if w.visited[cur] {
		return
	}
	w.visited[cur] = true
	w.next = append(w.next, cur)
}

// swap promotes the staged frontier; two buffers keep the traversal
// breadth-first without reallocating.
func (w *walker) swap() bool {
	w.queue, w.next = w.next, w.queue[:0]
	return len(w.queue) > 0
}

// ---- backward ----

// walkBack explores backwards from just before ins. It returns false when
// the walk was cut short by walkStopWalk.
func (w *walker) walkBack(ctx *Context, ins ssa.Instruction) bool {
	b := ins.Block()
	idx := instrIndex(b, ins) - 1
	w.push(cursor{ctx, b, idx})
	for w.swap() {
		for _, cur := range w.queue {
			if w.stopped {
				return false
			}
			w.stepBack(cur)
		}
	}
	return !w.stopped
}

func (w *walker) stepBack(cur cursor) {
	for i := cur.idx; i >= 0; i-- {
		ins := cur.b.Instrs[i]
		if call, ok := ins.(*ssa.Call); ok {
			if ia := cur.ctx.inlines[call]; ia != nil {
				// The callee ran in full before this point; its body is on
				// the path. Re-emerges before the call via entry crossing.
				w.pushCalleeEnds(ia)
				return
			}
		}
		switch w.visit(cur.ctx, ins) {
		case walkStopPath:
			return
		case walkStopWalk:
			w.stopped = true
			return
		}
	}
	w.crossBlockTop(cur.ctx, cur.b)
}

func (w *walker) pushCalleeEnds(ia *Context) {
	for _, b := range ia.fn.Blocks {
		if _, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return); !ok {
			continue
		}
		if ia.blockIsDead(b) {
			continue
		}
		w.push(cursor{ia, b, len(b.Instrs) - 1})
	}
}

// crossBlockTop moves a backward path past the start of b: out of an
// inline attempt into its caller, from an iteration header into the
// previous iteration or the preheader, or to the block's live predecessors.
func (w *walker) crossBlockTop(ctx *Context, b *ssa.BasicBlock) {
	if ctx.kind == ctxIteration && b == ctx.loop.Header {
		if ctx.iter == 0 {
			w.push(cursor{ctx.pa.parent, ctx.loop.Preheader, len(ctx.loop.Preheader.Instrs) - 1})
		} else {
			prev := ctx.pa.prevIter(ctx)
			w.push(cursor{prev, ctx.loop.Latch, len(ctx.loop.Latch.Instrs) - 1})
		}
		return
	}
	if ctx.kind == ctxRoot && b == ctx.fn.Blocks[0] {
		if ctx.call == nil {
			w.hitTop = true
			return
		}
		cb := ctx.call.Block()
		w.push(cursor{ctx.parent, cb, instrIndex(cb, ctx.call) - 1})
		return
	}
	for _, p := range b.Preds {
		w.pushPred(ctx, p, b)
	}
}

func (w *walker) pushPred(ctx *Context, p, b *ssa.BasicBlock) {
	if ctx.edgeIsDead(p, b) {
		return
	}
	lp, lb := ctx.nest.ForBlock(p), ctx.nest.ForBlock(b)
	if lp != lb && lb.ContainsLoop(lp) {
		// Edge out of a nested loop. With a Final peel the path resumes in
		// whichever iterations can still take it; otherwise the region
		// carries no per-iteration facts and the walk continues in ctx,
		// unless an unfinished peel is in flight.
		child := ctx.nest.ImmediateChild(lb, lp)
		if pa := ctx.peels[child]; pa != nil {
			if pa.status != iterFinal {
				w.blocked = true
				return
			}
			for _, it := range pa.iters {
				if !it.edgeIsDead(p, b) {
					w.push(cursor{it, p, len(p.Instrs) - 1})
				}
			}
			return
		}
	}
	w.push(cursor{ctx, p, len(p.Instrs) - 1})
}

// ---- forward ----

// walkForward explores forwards from just after ins.
func (w *walker) walkForward(ctx *Context, ins ssa.Instruction) bool {
	b := ins.Block()
	w.push(cursor{ctx, b, instrIndex(b, ins) + 1})
	for w.swap() {
		for _, cur := range w.queue {
			if w.stopped {
				return false
			}
			w.stepForward(cur)
		}
	}
	return !w.stopped
}

func (w *walker) stepForward(cur cursor) {
	for i := cur.idx; i < len(cur.b.Instrs); i++ {
		ins := cur.b.Instrs[i]
		if call, ok := ins.(*ssa.Call); ok {
			if ia := cur.ctx.inlines[call]; ia != nil {
				// Descend; the path re-emerges after the call through the
				// callee's return crossing.
				w.push(cursor{ia, ia.fn.Blocks[0], 0})
				return
			}
		}
		switch w.visit(cur.ctx, ins) {
		case walkStopPath:
			return
		case walkStopWalk:
			w.stopped = true
			return
		}
		if _, ok := ins.(*ssa.Return); ok {
			w.crossReturn(cur.ctx)
			return
		}
	}
	for _, s := range cur.b.Succs {
		w.pushSucc(cur.ctx, cur.b, s)
	}
}

// crossReturn moves a forward path out of the function it is in: back to
// the instruction after the callsite when this is an inline attempt, or
// off the top of the analysis otherwise.
func (w *walker) crossReturn(ctx *Context) {
	x := ctx
	for x.kind == ctxIteration {
		x = x.pa.parent
	}
	if x.call == nil || x.parent == nil {
		w.hitTop = true
		return
	}
	cb := x.call.Block()
	w.push(cursor{x.parent, cb, instrIndex(cb, x.call) + 1})
}

func (w *walker) pushSucc(ctx *Context, b, s *ssa.BasicBlock) {
	if ctx.edgeIsDead(b, s) {
		return
	}
	if ctx.kind == ctxIteration {
		l := ctx.loop
		if b == l.Latch && s == l.Header {
			if n := ctx.pa.nextIter(ctx); n != nil {
				w.push(cursor{n, s, 0})
			} else if ctx.pa.status != iterFinal {
				// Past the materialized iterations: fall back to the
				// parent's context-insensitive view of the loop body.
				w.push(cursor{ctx.pa.parent, s, 0})
			}
			return
		}
		if l.Contains(b) && !l.Contains(s) {
			tc := ctx.fallCtx(s)
			w.push(cursor{tc, s, 0})
			return
		}
	}
	ls, lb := ctx.nest.ForBlock(s), ctx.nest.ForBlock(b)
	if ls != lb && ls != nil && s == ls.Header && lb.ContainsLoop(ls) {
		child := ctx.nest.ImmediateChild(lb, ls)
		if pa := ctx.peels[child]; pa != nil {
			w.push(cursor{pa.iters[0], s, 0})
			return
		}
	}
	w.push(cursor{ctx, s, 0})
}

func instrIndex(b *ssa.BasicBlock, ins ssa.Instruction) int {
	for i, x := range b.Instrs {
		if x == ins {
			return i
		}
	}
	return -1
}
