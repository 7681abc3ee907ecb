// Package loops computes the natural loop nest of an SSA function.
//
// go/ssa exposes dominance queries but no loop structure, so we find back
// edges (edges whose target dominates their source) and flood the natural
// loop body backwards from each latch. Loops sharing a header are merged.
// The result records, per loop, the header, preheader, latch and exit
// edges, plus the parent/child nesting relation.
package loops

import (
	"golang.org/x/tools/go/ssa"
)

// Loop is one natural loop. Preheader or Latch may be nil when the loop
// does not have a unique one; such loops cannot be speculated on.
type Loop struct {
	Header    *ssa.BasicBlock
	Preheader *ssa.BasicBlock // unique out-of-loop predecessor of Header, or nil
	Latch     *ssa.BasicBlock // unique in-loop predecessor of Header, or nil
	Parent    *Loop           // enclosing loop, nil at top level
	Children  []*Loop
	Exits     []Edge // in-loop source, out-of-loop destination
	blocks    map[*ssa.BasicBlock]bool
	depth     int
}

// Edge is one control-flow edge.
type Edge struct {
	From, To *ssa.BasicBlock
}

// Nest is the loop forest of one function.
type Nest struct {
	Fn    *ssa.Function
	Loops []*Loop
	b2l   map[*ssa.BasicBlock]*Loop // block -> innermost containing loop
}

// Contains reports whether b belongs to l (including nested loops).
func (l *Loop) Contains(b *ssa.BasicBlock) bool {
	return l != nil && l.blocks[b]
}

// ContainsLoop reports whether inner is l or nested anywhere inside l.
// A nil l is the function body and contains every loop.
func (l *Loop) ContainsLoop(inner *Loop) bool {
	if l == nil {
		return true
	}
	for x := inner; x != nil; x = x.Parent {
		if x == l {
			return true
		}
	}
	return false
}

// Depth is the nesting depth, 1 for top-level loops.
func (l *Loop) Depth() int { return l.depth }

// Analyzable reports whether the loop has the header/preheader/latch
// structure speculation needs.
func (l *Loop) Analyzable() bool {
	return l != nil && l.Header != nil && l.Preheader != nil && l.Latch != nil
}

// ForBlock returns the innermost loop containing b, or nil.
func (n *Nest) ForBlock(b *ssa.BasicBlock) *Loop {
	return n.b2l[b]
}

// ImmediateChild returns the child of parent on the path down to inner.
// inner must be contained in parent (nil parent means the function body).
func (n *Nest) ImmediateChild(parent, inner *Loop) *Loop {
	child := inner
	for child != nil && child.Parent != parent {
		child = child.Parent
	}
	return child
}

// New computes the loop nest of fn.
func New(fn *ssa.Function) *Nest {
	n := &Nest{Fn: fn, b2l: make(map[*ssa.BasicBlock]*Loop)}
	if len(fn.Blocks) == 0 {
		return n
	}

	// Find back edges and collect loop bodies per header.
	byHeader := make(map[*ssa.BasicBlock]*Loop)
	var headers []*ssa.BasicBlock
	for _, b := range fn.Blocks {
		for _, s := range b.Succs {
			if !s.Dominates(b) {
				continue
			}
			l := byHeader[s]
			if l == nil {
				l = &Loop{Header: s, blocks: map[*ssa.BasicBlock]bool{s: true}}
				byHeader[s] = l
				headers = append(headers, s)
			}
			collectBody(l, b)
		}
	}

	// Order loops outermost-first by body size so nesting links resolve
	// to the innermost enclosing loop.
	for _, h := range headers {
		n.Loops = append(n.Loops, byHeader[h])
	}
	for i := 0; i < len(n.Loops); i++ {
		for j := i + 1; j < len(n.Loops); j++ {
			if len(n.Loops[j].blocks) > len(n.Loops[i].blocks) {
				n.Loops[i], n.Loops[j] = n.Loops[j], n.Loops[i]
			}
		}
	}
	for _, l := range n.Loops {
		for b := range l.blocks {
			n.b2l[b] = l // later (smaller) loops overwrite: innermost wins
		}
	}
	for _, l := range n.Loops {
		l.Parent = enclosing(n, l)
		if l.Parent != nil {
			l.Parent.Children = append(l.Parent.Children, l)
		}
	}
	for _, l := range n.Loops {
		for x := l; x != nil; x = x.Parent {
			l.depth++
		}
	}

	// Preheader, latch, exits.
	for _, l := range n.Loops {
		for _, p := range l.Header.Preds {
			if l.blocks[p] {
				if l.Latch != nil {
					l.Latch = nil // multiple latches: not analyzable
					break
				}
				l.Latch = p
			}
		}
		out := 0
		for _, p := range l.Header.Preds {
			if !l.blocks[p] {
				l.Preheader = p
				out++
			}
		}
		if out != 1 {
			l.Preheader = nil
		}
		for b := range l.blocks {
			for _, s := range b.Succs {
				if !l.blocks[s] {
					l.Exits = append(l.Exits, Edge{b, s})
				}
			}
		}
	}
	return n
}

// enclosing finds the innermost distinct loop whose body contains l's header.
func enclosing(n *Nest, l *Loop) *Loop {
	var best *Loop
	for _, cand := range n.Loops {
		if cand == l || !cand.blocks[l.Header] {
			continue
		}
		if best == nil || len(cand.blocks) < len(best.blocks) {
			best = cand
		}
	}
	return best
}

// collectBody floods backwards from latch, stopping at the header.
func collectBody(l *Loop, latch *ssa.BasicBlock) {
	if l.blocks[latch] {
		return
	}
	l.blocks[latch] = true
	stack := []*ssa.BasicBlock{latch}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range b.Preds {
			if !l.blocks[p] {
				l.blocks[p] = true
				stack = append(stack, p)
			}
		}
	}
}
