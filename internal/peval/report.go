package peval

import (
	"fmt"
	"io"
	"sort"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

// Query surface. Everything here is read-only; the attempt tree is frozen
// once Analyze returns.

// Func returns the function this context speculates.
func (c *Context) Func() *ssa.Function { return c.fn }

// Depth returns the inlining depth, 0 at the root.
func (c *Context) Depth() int { return c.depth }

// Iteration returns the peel ordinal for iteration contexts and -1
// otherwise.
func (c *Context) Iteration() int {
	if c.kind != ctxIteration {
		return -1
	}
	return c.iter
}

// BlockStatus returns the liveness verdict for b at this context's scope.
func (c *Context) BlockStatus(b *ssa.BasicBlock) Status {
	if c.nest.ForBlock(b) != c.scope() {
		if c.blockIsDead(b) {
			return StatusDead
		}
		return StatusUnknown
	}
	return c.blockStatus[b.Index]
}

// EdgeDead reports whether the edge can be taken under this context's
// hypothesis.
func (c *Context) EdgeDead(from, to *ssa.BasicBlock) bool {
	return c.edgeIsDead(from, to)
}

// Improved returns the recorded improvement of v in this context and
// whether one exists.
func (c *Context) Improved(v ssa.Value) (ssa.Value, bool) {
	vc := c.resolveOperand(v)
	if vc.val == nil || vc.val == v {
		return nil, false
	}
	return vc.val, true
}

// ConstValue returns v's constant improvement, or nil.
func (c *Context) ConstValue(v ssa.Value) *ssa.Const {
	return c.getConstReplacement(v)
}

// ValueDead reports whether v's result was found to be unused here.
func (c *Context) ValueDead(v ssa.Value) bool {
	id := c.vals.id(v)
	return id >= 0 && c.deadValues[id]
}

// InlineAttempt returns the child context speculating call, if one was
// made.
func (c *Context) InlineAttempt(call *ssa.Call) *Context {
	return c.inlines[call]
}

// InlineAttempts returns every inline attempt hanging off this context, in
// callsite order.
func (c *Context) InlineAttempts() []*Context {
	out := make([]*Context, 0, len(c.inlines))
	for _, ia := range c.inlines {
		out = append(out, ia)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Peel returns the peel attempt for l at this scope, if one was made.
func (c *Context) Peel(l *loops.Loop) *PeelAttempt {
	return c.peels[l]
}

// Peels returns every peel attempt hanging off this context.
func (c *Context) Peels() []*PeelAttempt {
	out := make([]*PeelAttempt, 0, len(c.peels))
	for _, pa := range c.peels {
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].iters[0].id < out[j].iters[0].id
	})
	return out
}

// Loop returns the loop a peel attempt unrolls.
func (pa *PeelAttempt) Loop() *loops.Loop { return pa.l }

// Iterations returns the materialized iteration contexts in order.
func (pa *PeelAttempt) Iterations() []*Context { return pa.iters }

// Final reports whether the attempt proved the loop terminates within the
// materialized iterations.
func (pa *PeelAttempt) Final() bool { return pa.status == iterFinal }

// Capped reports whether unrolling stopped at the iteration bound.
func (pa *PeelAttempt) Capped() bool { return pa.capped }

// Nest returns the loop structure of this context's function.
func (c *Context) Nest() *loops.Nest { return c.nest }

// Stats aggregates what the whole attempt tree proved.
type Stats struct {
	Contexts        int // attempt tree nodes, root included
	InlineAttempts  int
	PeelAttempts    int
	FinalPeels      int
	BlocksKilled    int // blocks proven dead
	CertainBlocks   int
	EdgesKilled     int
	ValuesImproved  int
	ValuesDead      int
	HeaderPhis      int // loop-carried phis given a per-iteration value
	LatchesKilled   int // latch edges proven dead (terminating loops)
	ResidualCalls   int // live calls left unexpanded
	BlockedAttempts int // loads or peels abandoned on a bound
}

// Stats walks the attempt tree and counts outcomes.
func (a *Analysis) Stats() Stats {
	var st Stats
	st.Contexts = len(a.p.ctxs)
	for _, c := range a.p.ctxs {
		st.InlineAttempts += len(c.inlines)
		st.PeelAttempts += len(c.peels)
		for _, pa := range c.peels {
			if pa.status == iterFinal {
				st.FinalPeels++
			}
			if pa.capped {
				st.BlockedAttempts++
			}
		}
		st.BlockedAttempts += len(c.blockedLoads)
		for _, b := range c.fn.Blocks {
			if c.nest.ForBlock(b) != c.scope() {
				continue
			}
			switch c.blockStatus[b.Index] {
			case StatusDead:
				st.BlocksKilled++
			case StatusCertain:
				st.CertainBlocks++
			}
			for _, ins := range b.Instrs {
				call, ok := ins.(*ssa.Call)
				if !ok || c.blockStatus[b.Index] == StatusDead {
					continue
				}
				if c.inlines[call] == nil && !c.ValueDead(call) {
					st.ResidualCalls++
				}
			}
		}
		st.EdgesKilled += len(c.deadEdges)
		for _, imp := range c.improved {
			if imp.val != nil {
				st.ValuesImproved++
			}
		}
		for _, d := range c.deadValues {
			if d {
				st.ValuesDead++
			}
		}
		if c.kind == ctxIteration {
			if c.edgeIsDead(c.loop.Latch, c.loop.Header) {
				st.LatchesKilled++
			}
			for _, ins := range c.loop.Header.Instrs {
				phi, ok := ins.(*ssa.Phi)
				if !ok {
					continue
				}
				if c.resolveOperand(phi).val != phi {
					st.HeaderPhis++
				}
			}
		}
	}
	return st
}

// WriteReport prints a human-readable summary of one analysis run.
func (a *Analysis) WriteReport(w io.Writer) error {
	st := a.Stats()
	_, err := fmt.Fprintf(w,
		"%s: %d contexts (%d inlined calls, %d peeled loops, %d terminating)\n"+
			"  blocks: %d dead, %d certain; edges dead: %d\n"+
			"  values: %d improved, %d dead; loop phis defined: %d; latches killed: %d\n"+
			"  residual calls: %d; attempts hit a bound: %d\n",
		a.root.fn, st.Contexts, st.InlineAttempts, st.PeelAttempts, st.FinalPeels,
		st.BlocksKilled, st.CertainBlocks, st.EdgesKilled,
		st.ValuesImproved, st.ValuesDead, st.HeaderPhis, st.LatchesKilled,
		st.ResidualCalls, st.BlockedAttempts)
	return err
}

// HandleEscapes reports whether the symbolic handle produced by an open
// call can reach code the analysis has no view into: stored to memory or
// passed to an unexpanded call. Uses the forward walker from the call.
func (a *Analysis) HandleEscapes(ctx *Context, call *ssa.Call) bool {
	if !ctx.openCalls[call] {
		return false
	}
	escaped := false
	w := newWalker(a.p, func(c *Context, ins ssa.Instruction) walkResult {
		switch ins := ins.(type) {
		case *ssa.Store:
			if usesHandle(c, ins.Val, call) {
				escaped = true
				return walkStopWalk
			}
		case *ssa.Call:
			if c.openCalls[ins] {
				return walkContinue
			}
			for _, arg := range ins.Call.Args {
				if usesHandle(c, arg, call) {
					escaped = true
					return walkStopWalk
				}
			}
		}
		return walkContinue
	})
	w.walkForward(ctx, call)
	return escaped || w.hitTop && handleReturned(ctx, call)
}

func usesHandle(c *Context, v ssa.Value, call *ssa.Call) bool {
	if v == call {
		return true
	}
	vc := c.resolveOperand(v)
	return vc.val == call
}

// handleReturned reports whether the handle can leave through a return of
// the context that produced it.
func handleReturned(ctx *Context, call *ssa.Call) bool {
	refs := call.Referrers()
	if refs == nil {
		return false
	}
	for _, u := range *refs {
		if ret, ok := u.(*ssa.Return); ok {
			for _, r := range ret.Results {
				if r == call {
					return true
				}
			}
		}
	}
	return false
}
