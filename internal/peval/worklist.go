package peval

import (
	"fmt"
	"os"

	"golang.org/x/tools/go/ssa"

	"github.com/Tubbz-alt/llpe/internal/loops"
)

type workKind uint8

const (
	workEval workKind = iota
	workCheckBlock
	workCheckLoad
	workDIE
	workKinds
)

type workItem struct {
	kind workKind
	ctx  *Context
	node any // ssa.Instruction, ssa.Value or *ssa.BasicBlock
}

// pass owns the whole analysis run: the context arena, the per-function
// node tables and loop nests, and the worklist. Enqueueing an already
// pending item is a no-op; the run quiesces when every queue drains.
type pass struct {
	cfg *Config

	tables map[*ssa.Function]*valTable
	nests  map[*ssa.Function]*loops.Nest

	ctxs     []*Context
	nextBase ID

	queue   []workItem
	head    int
	pending [workKinds]*sparseSet
}

func newPass(cfg *Config) *pass {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &pass{
		cfg:    cfg,
		tables: make(map[*ssa.Function]*valTable),
		nests:  make(map[*ssa.Function]*loops.Nest),
	}
	for i := range p.pending {
		p.pending[i] = newSparseSet(0)
	}
	return p
}

func (p *pass) debugf(format string, args ...any) {
	if p.cfg.Debug > 0 {
		fmt.Fprintf(os.Stderr, "peval: "+format+"\n", args...)
	}
}

func (p *pass) enqueue(kind workKind, ctx *Context, node any) {
	h := ctx.handle(node)
	if h < 0 {
		return
	}
	if !p.pending[kind].add(h) {
		return
	}
	p.queue = append(p.queue, workItem{kind, ctx, node})
}

func (p *pass) queueEval(ctx *Context, node any) {
	p.enqueue(workEval, ctx, node)
}

func (p *pass) queueCheckBlock(ctx *Context, b *ssa.BasicBlock) {
	p.enqueue(workCheckBlock, ctx, b)
}

func (p *pass) queueCheckLoad(ctx *Context, load *ssa.UnOp) {
	p.enqueue(workCheckLoad, ctx, load)
}

func (p *pass) queueDIE(ctx *Context, node any) {
	p.enqueue(workDIE, ctx, node)
}

// requeue re-submits a previously popped item.
func (p *pass) requeue(item workItem) {
	p.enqueue(item.kind, item.ctx, item.node)
}

// run drains the worklist to a fixpoint. Items are processed FIFO; order
// does not affect the result, only how many re-evaluations happen.
func (p *pass) run() {
	for p.head < len(p.queue) {
		item := p.queue[p.head]
		p.head++
		p.pending[item.kind].remove(item.ctx.handle(item.node))

		switch item.kind {
		case workEval:
			item.ctx.tryEvaluate(item.node)
		case workCheckBlock:
			item.ctx.checkBlock(item.node.(*ssa.BasicBlock))
		case workCheckLoad:
			item.ctx.checkLoad(item.node.(*ssa.UnOp))
		case workDIE:
			item.ctx.tryKillValue(item.node.(ssa.Value))
		}
		if p.head == len(p.queue) {
			p.queue = p.queue[:0]
			p.head = 0
		}
	}
}

// Analysis is the read-only result of one run. Facts hang off the Context
// tree and are queried through it; nothing here mutates the program.
type Analysis struct {
	p    *pass
	root *Context
}

// Analyze speculatively evaluates fn: it explores inlinable calls and
// peelable loops reachable from fn, propagates constants and liveness to a
// fixpoint, then runs dead-value elimination over the attempt tree.
func Analyze(fn *ssa.Function, cfg *Config) (*Analysis, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("peval: %s has no body", fn)
	}
	p := newPass(cfg)
	root := p.newContext(fn)
	root.kind = ctxRoot

	p.queueCheckBlock(root, fn.Blocks[0])
	p.run()

	// Elimination phase: seed every live value in the tree, then drain.
	root.queueAllLiveValues()
	p.run()

	return &Analysis{p: p, root: root}, nil
}

// Root returns the top-level context.
func (a *Analysis) Root() *Context { return a.root }
