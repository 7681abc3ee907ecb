package peval

import (
	"fmt"
	"io"
)

// WriteDOT renders the attempt tree as a GraphViz digraph: one cluster per
// context, blocks colored by liveness, dead edges dashed, and dotted edges
// tying callsites to inline attempts and latches to the next iteration.
func (a *Analysis) WriteDOT(w io.Writer) error {
	bw := &errWriter{w: w}
	bw.printf("digraph attempts {\n")
	bw.printf("\tnode [shape=box, style=filled, fontname=\"monospace\"];\n")
	for _, c := range a.p.ctxs {
		a.writeContext(bw, c)
	}
	for _, c := range a.p.ctxs {
		for call, ia := range c.inlines {
			bw.printf("\tc%d_b%d -> c%d_b%d [style=dotted, label=%q];\n",
				c.id, call.Block().Index, ia.id, ia.fn.Blocks[0].Index, "inline "+ia.fn.Name())
		}
		for _, pa := range c.peels {
			prev := c
			pb := pa.l.Preheader.Index
			for _, it := range pa.iters {
				bw.printf("\tc%d_b%d -> c%d_b%d [style=dotted, label=\"iter %d\"];\n",
					prev.id, pb, it.id, pa.l.Header.Index, it.iter)
				prev, pb = it, pa.l.Latch.Index
			}
		}
	}
	bw.printf("}\n")
	return bw.err
}

func (a *Analysis) writeContext(bw *errWriter, c *Context) {
	bw.printf("\tsubgraph cluster_%d {\n", c.id)
	bw.printf("\t\tlabel=%q;\n", c.String())
	for _, b := range c.fn.Blocks {
		if c.kind == ctxIteration && !c.loop.Contains(b) {
			continue
		}
		bw.printf("\t\tc%d_b%d [label=\"b%d\", fillcolor=%q];\n",
			c.id, b.Index, b.Index, statusColor(c.BlockStatus(b)))
	}
	for _, b := range c.fn.Blocks {
		if c.kind == ctxIteration && !c.loop.Contains(b) {
			continue
		}
		for _, s := range b.Succs {
			if c.kind == ctxIteration && !c.loop.Contains(s) {
				continue
			}
			attr := ""
			if c.edgeIsDead(b, s) {
				attr = " [style=dashed, color=gray]"
			}
			bw.printf("\t\tc%d_b%d -> c%d_b%d%s;\n", c.id, b.Index, c.id, s.Index, attr)
		}
	}
	bw.printf("\t}\n")
}

func statusColor(s Status) string {
	switch s {
	case StatusDead:
		return "gray80"
	case StatusCertain:
		return "palegreen"
	case StatusAssumed:
		return "khaki"
	}
	return "white"
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
