package peval

import (
	"golang.org/x/tools/go/ssa"
)

// Memory dependence: forwards stored values to loads. A load improves when
// every live path leading to it passes through a store of one agreed value
// to the same object, or reaches the object's allocation (which reads as
// zero). Any write the analysis cannot account for makes the load unknown.

func (c *Context) checkLoad(load *ssa.UnOp) {
	if !c.shouldTryEvaluate(load) {
		return
	}
	ptr := valCtx{load.X, c}
	base, _, ok := c.p.chaseBase(ptr)
	if !ok || !identifiedObject(base.val) {
		return
	}

	var defs []valCtx
	failed := false
	stalled := false

	w := newWalker(c.p, func(ctx *Context, ins ssa.Instruction) walkResult {
		switch ins := ins.(type) {
		case *ssa.Store:
			switch c.p.sameObject(ptr, valCtx{ins.Addr, ctx}) {
			case aliasDistinct:
				return walkContinue
			case aliasUnknown:
				failed = true
				return walkStopWalk
			}
			vc := ctx.resolveOperand(ins.Val)
			if vc.val == nil {
				// The defining store exists but its value has not settled;
				// retry when improvements land.
				stalled = true
				return walkStopWalk
			}
			defs = append(defs, vc)
			return walkStopPath
		case *ssa.Alloc:
			if ins != base.val || ctx != base.ctx {
				return walkContinue
			}
			z := zeroConst(load.Type())
			if z == nil {
				failed = true
				return walkStopWalk
			}
			defs = append(defs, constVC(z))
			return walkStopPath
		case *ssa.Call:
			// An unexpanded call may write anything.
			failed = true
			return walkStopWalk
		case *ssa.Defer, *ssa.Go:
			failed = true
			return walkStopWalk
		}
		return walkContinue
	})

	w.walkBack(c, load)

	if w.blocked || stalled {
		c.blockLoad(load)
		return
	}
	if failed || w.hitTop || len(defs) == 0 {
		return
	}
	merged := defs[0]
	for _, d := range defs[1:] {
		if !merged.eq(d) {
			return
		}
	}
	if !c.shouldForwardValue(merged) {
		return
	}
	c.setReplacement(load, merged)
	c.investigateUsers(load)
}

// blockLoad parks a load whose answer depends on facts still in flight;
// it is requeued whenever relevant CFG or value facts change.
func (c *Context) blockLoad(load *ssa.UnOp) {
	for _, item := range c.blockedLoads {
		if item.node == load {
			return
		}
	}
	c.blockedLoads = append(c.blockedLoads, workItem{workCheckLoad, c, load})
}
