package peval

import (
	"fmt"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

type ctxKind uint8

const (
	ctxRoot      ctxKind = iota // a hypothetically-inlined call (or the top-level function)
	ctxIteration                // one peeled iteration of a loop
)

// Status is the liveness of a block or edge under the current hypothesis.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusDead           // provably unreachable
	StatusCertain        // provably always executed
	StatusAssumed        // reachable through a merge of dead and live predecessors
)

func (s Status) String() string {
	switch s {
	case StatusDead:
		return "dead"
	case StatusCertain:
		return "certain"
	case StatusAssumed:
		return "assumed"
	}
	return "unknown"
}

type edge struct{ from, to int32 }

func edgeOf(from, to *ssa.BasicBlock) edge {
	return edge{int32(from.Index), int32(to.Index)}
}

// Context is one node of the attempt tree: either a hypothetical inlining
// of a call site (kind ctxRoot) or one peeled iteration of a loop (kind
// ctxIteration). It owns the improvements and liveness facts for the values
// and blocks of its scope. Facts are append-only for its lifetime.
type Context struct {
	p    *pass
	id   ID
	base ID // global handle offset: handle(node) = base + vals.id(node)
	kind ctxKind

	fn   *ssa.Function
	nest *loops.Nest
	vals *valTable

	// Roots: parent is the caller (nil at the top), call the callsite.
	parent       *Context
	call         *ssa.Call
	depth        int
	resultUnused bool // the caller proved every use of the result absent

	// Iterations: loop is the scope, pa the owning peel attempt, iter the
	// ordinal. parent is the context at the loop's parent scope.
	loop *loops.Loop
	pa   *PeelAttempt
	iter int

	improved    []valCtx
	deadValues  []bool
	blockStatus []Status
	seen        []bool // checkBlock ran at least once
	deadEdges   map[edge]bool

	inlines   map[*ssa.Call]*Context
	openCalls map[*ssa.Call]bool
	peels     map[*loops.Loop]*PeelAttempt
	noPeel    map[*loops.Loop]bool // loops found not analyzable; don't retry

	blockedLoads []workItem // loads stalled on CFG facts at this scope
}

type iterStatus uint8

const (
	iterUnknown iterStatus = iota // still speculatively unrolling
	iterFinal                     // exit proven taken; no further iterations
)

// PeelAttempt is the attempt to unroll one loop: an ordered sequence of iteration
// contexts, lazily extended, plus the termination verdict.
type PeelAttempt struct {
	l      *loops.Loop
	parent *Context // context owning the loop's parent scope
	iters  []*Context
	status iterStatus
	capped bool // hit MaxPeelIterations; stop extending, stay unknown
}

func (c *Context) scope() *loops.Loop {
	if c.kind == ctxIteration {
		return c.loop
	}
	return nil
}

func (c *Context) entryBlock() *ssa.BasicBlock {
	if c.kind == ctxIteration {
		return c.loop.Header
	}
	return c.fn.Blocks[0]
}

// parentScopeCtx returns the context owning the enclosing scope: the peel
// parent for iterations, nil for roots (leaving a root crosses a call
// boundary, not a scope boundary).
func (c *Context) parentScopeCtx() *Context {
	if c.kind == ctxIteration {
		return c.pa.parent
	}
	return nil
}

// fallCtx walks outward until it finds the ancestor context whose scope
// contains b at its own level. Used to hand loop-exit targets to the
// context they belong to.
func (c *Context) fallCtx(b *ssa.BasicBlock) *Context {
	target := c.nest.ForBlock(b)
	x := c
	for x.scope() != target {
		p := x.parentScopeCtx()
		if p == nil {
			return x
		}
		x = p
	}
	return x
}

func (c *Context) String() string {
	switch c.kind {
	case ctxIteration:
		return fmt.Sprintf("%s@%s#%d", c.fn.Name(), c.loop.Header, c.iter)
	default:
		if c.call == nil {
			return c.fn.Name()
		}
		return fmt.Sprintf("%s<-%s", c.fn.Name(), c.parent)
	}
}

func (p *pass) newContext(fn *ssa.Function) *Context {
	t := p.tables[fn]
	if t == nil {
		t = newValTable(fn)
		p.tables[fn] = t
		p.nests[fn] = loops.New(fn)
	}
	c := &Context{
		p:           p,
		id:          ID(len(p.ctxs)),
		base:        p.nextBase,
		fn:          fn,
		nest:        p.nests[fn],
		vals:        t,
		improved:    make([]valCtx, t.size()),
		deadValues:  make([]bool, t.size()),
		blockStatus: make([]Status, len(fn.Blocks)),
		seen:        make([]bool, len(fn.Blocks)),
		deadEdges:   make(map[edge]bool),
		inlines:     make(map[*ssa.Call]*Context),
		openCalls:   make(map[*ssa.Call]bool),
		peels:       make(map[*loops.Loop]*PeelAttempt),
		noPeel:      make(map[*loops.Loop]bool),
	}
	p.ctxs = append(p.ctxs, c)
	p.nextBase += ID(t.size())
	return c
}

// handle maps a node of this context's function to its global handle, or
// -1 for foreign nodes (constants, globals, other functions).
func (c *Context) handle(obj any) ID {
	id := c.vals.id(obj)
	if id < 0 {
		return -1
	}
	return c.base + id
}

// getOrCreateInlineAttempt returns the child context speculating call, or
// nil when the callee is unavailable (external, indirect, variadic) or the
// recursion depth guard trips. Creation queues the callee's entry block and
// parameter evaluations, seeding arguments already improved at the site.
func (c *Context) getOrCreateInlineAttempt(call *ssa.Call) *Context {
	if ia, ok := c.inlines[call]; ok {
		return ia
	}
	callee := call.Call.StaticCallee()
	if callee == nil || len(callee.Blocks) == 0 || call.Call.IsInvoke() {
		c.tryPromoteOpenCall(call)
		return nil
	}
	if callee.Signature.Variadic() {
		return nil
	}
	if c.depth+1 >= c.p.cfg.MaxCallDepth {
		c.p.debugf("not inlining %s: depth limit", callee)
		return nil
	}
	ia := c.p.newContext(callee)
	ia.kind = ctxRoot
	ia.parent = c
	ia.call = call
	ia.depth = c.depth + 1
	c.inlines[call] = ia
	c.p.debugf("created inline attempt for %s at %s", callee, c)

	c.p.queueCheckBlock(ia, callee.Blocks[0])
	for _, param := range callee.Params {
		c.p.queueEval(ia, param)
	}
	c.requeueBlockedLoads()
	return ia
}

// tryPromoteOpenCall marks a call to a configured handle-producing
// function. The call's value is then forwardable as a symbolic handle.
func (c *Context) tryPromoteOpenCall(call *ssa.Call) {
	if c.openCalls[call] {
		return
	}
	callee := call.Call.StaticCallee()
	if callee == nil || !c.p.cfg.isHandleFunc(callee.String()) {
		return
	}
	if call.Call.Signature().Results().Len() != 1 {
		return
	}
	c.openCalls[call] = true
	c.p.debugf("promoted open call %s in %s", call, c)
	c.investigateUsers(call)
}

func (c *Context) isForwardableOpenCall(v ssa.Value) bool {
	call, ok := v.(*ssa.Call)
	return ok && c.openCalls[call]
}

// getOrCreatePeelAttempt materializes iteration 0 of l, or returns nil when
// the loop lacks the required structure or its entry edge is already dead.
func (c *Context) getOrCreatePeelAttempt(l *loops.Loop) *PeelAttempt {
	if pa, ok := c.peels[l]; ok {
		return pa
	}
	if c.noPeel[l] {
		return nil
	}
	if !l.Analyzable() {
		c.p.debugf("loop %s not analyzable (missing preheader or latch)", l.Header)
		c.noPeel[l] = true
		return nil
	}
	if c.edgeIsDead(l.Preheader, l.Header) {
		return nil
	}
	pa := &PeelAttempt{l: l, parent: c}
	c.peels[l] = pa
	pa.addIteration()
	c.requeueBlockedLoads()
	return pa
}

// addIteration creates the next iteration context and queues its header.
// Header phis resolve against the previous iteration's latch values (or the
// preheader, for iteration 0) on demand.
func (pa *PeelAttempt) addIteration() *Context {
	p := pa.parent.p
	it := p.newContext(pa.parent.fn)
	it.kind = ctxIteration
	it.loop = pa.l
	it.pa = pa
	it.iter = len(pa.iters)
	it.depth = pa.parent.depth
	pa.iters = append(pa.iters, it)
	p.debugf("created iteration %d of loop %s", it.iter, pa.l.Header)
	p.queueCheckBlock(it, pa.l.Header)
	return it
}

func (pa *PeelAttempt) lastIter() *Context { return pa.iters[len(pa.iters)-1] }

func (pa *PeelAttempt) prevIter(it *Context) *Context {
	if it.iter == 0 {
		return nil
	}
	return pa.iters[it.iter-1]
}

// getOrCreateNextIteration extends the peel from it, subject to the
// iteration bound. Exceeding the bound fails open: the loop simply stays
// unknown.
func (pa *PeelAttempt) getOrCreateNextIteration(it *Context) *Context {
	if it.iter+1 < len(pa.iters) {
		return pa.iters[it.iter+1]
	}
	if pa.status == iterFinal || pa.capped {
		return nil
	}
	if len(pa.iters) >= pa.parent.p.cfg.MaxPeelIterations {
		pa.parent.p.debugf("loop %s hit iteration limit", pa.l.Header)
		pa.capped = true
		return nil
	}
	return pa.addIteration()
}

func (pa *PeelAttempt) nextIter(it *Context) *Context {
	if it.iter+1 < len(pa.iters) {
		return pa.iters[it.iter+1]
	}
	return nil
}

// checkFinalIteration re-examines the loop's exit: when the latch edge of
// the newest iteration is dead, no further iterations can run, the attempt
// is Final, and work blocked on exit values is released.
func (pa *PeelAttempt) checkFinalIteration() {
	if pa.status == iterFinal {
		return
	}
	last := pa.lastIter()
	if !last.edgeIsDead(pa.l.Latch, pa.l.Header) {
		return
	}
	pa.status = iterFinal
	p := pa.parent.p
	p.debugf("loop %s final after %d iterations", pa.l.Header, len(pa.iters))

	// Exit targets can now have their liveness settled, and users of
	// loop-defined values outside the loop can read the final iteration.
	for _, e := range pa.l.Exits {
		tc := pa.parent.fallCtx(e.To)
		p.queueCheckBlock(tc, e.To)
	}
	pa.queueEscapingUses()
	// Returns inside the loop resolve their deadness through the Final
	// verdict; the callsite's merged value may have changed.
	pa.parent.noteReturn()
	pa.parent.requeueBlockedLoads()
}

// queueEscapingUses queues evaluation of every instruction outside the loop
// that uses a value defined inside it.
func (pa *PeelAttempt) queueEscapingUses() {
	p := pa.parent.p
	for _, b := range pa.parent.fn.Blocks {
		if !pa.l.Contains(b) {
			continue
		}
		for _, ins := range b.Instrs {
			v, ok := ins.(ssa.Value)
			if !ok || v.Referrers() == nil {
				continue
			}
			for _, user := range *v.Referrers() {
				if pa.l.Contains(user.Block()) {
					continue
				}
				uc := pa.parent.fallCtx(user.Block())
				p.queueEval(uc, user)
			}
		}
	}
}

func (c *Context) requeueBlockedLoads() {
	for _, item := range c.blockedLoads {
		c.p.requeue(item)
	}
	c.blockedLoads = c.blockedLoads[:0]
}
