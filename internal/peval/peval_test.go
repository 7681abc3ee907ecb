package peval

import (
	"go/ast"
	"go/constant"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

func buildPkg(t *testing.T, src string) *ssa.Package {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", src, 0)
	if err != nil {
		t.Fatal(err)
	}
	pkg, _, err := ssautil.BuildPackage(
		&types.Config{Importer: importer.Default()},
		fset, types.NewPackage("p", ""), []*ast.File{f}, ssa.SanityCheckFunctions)
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}

func analyzeFn(t *testing.T, src, name string, cfg *Config) *Analysis {
	t.Helper()
	pkg := buildPkg(t, src)
	fn := pkg.Func(name)
	if fn == nil {
		t.Fatalf("no function %q", name)
	}
	a, err := Analyze(fn, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// findCall returns the only static call to name in fn.
func findCall(t *testing.T, fn *ssa.Function, name string) *ssa.Call {
	t.Helper()
	var found *ssa.Call
	for _, b := range fn.Blocks {
		for _, ins := range b.Instrs {
			call, ok := ins.(*ssa.Call)
			if !ok {
				continue
			}
			if cal := call.Call.StaticCallee(); cal != nil && cal.Name() == name {
				if found != nil {
					t.Fatalf("multiple calls to %s in %s", name, fn)
				}
				found = call
			}
		}
	}
	if found == nil {
		t.Fatalf("no call to %s in %s", name, fn)
	}
	return found
}

// findInstr returns the only instruction in fn matched by pred.
func findInstr(t *testing.T, fn *ssa.Function, what string, pred func(ssa.Instruction) bool) ssa.Instruction {
	t.Helper()
	var found ssa.Instruction
	for _, b := range fn.Blocks {
		for _, ins := range b.Instrs {
			if !pred(ins) {
				continue
			}
			if found != nil {
				t.Fatalf("multiple %s in %s", what, fn)
			}
			found = ins
		}
	}
	if found == nil {
		t.Fatalf("no %s in %s", what, fn)
	}
	return found
}

func findBinOp(t *testing.T, fn *ssa.Function, op token.Token) *ssa.BinOp {
	t.Helper()
	return findInstr(t, fn, "binop "+op.String(), func(ins ssa.Instruction) bool {
		b, ok := ins.(*ssa.BinOp)
		return ok && b.Op == op
	}).(*ssa.BinOp)
}

func findReturn(t *testing.T, fn *ssa.Function) *ssa.Return {
	t.Helper()
	return findInstr(t, fn, "return", func(ins ssa.Instruction) bool {
		_, ok := ins.(*ssa.Return)
		return ok
	}).(*ssa.Return)
}

// blockByComment finds the block the SSA builder labeled name.
func blockByComment(t *testing.T, fn *ssa.Function, name string) *ssa.BasicBlock {
	t.Helper()
	for _, b := range fn.Blocks {
		if b.Comment == name {
			return b
		}
	}
	t.Fatalf("no block %q in %s (have %v)", name, fn, fn.Blocks)
	return nil
}

func wantInt(t *testing.T, c *ssa.Const, want int64) {
	t.Helper()
	if c == nil || c.Value == nil {
		t.Fatalf("no constant, want %d", want)
	}
	if got := c.Int64(); got != want {
		t.Errorf("constant = %d, want %d", got, want)
	}
}

func wantBool(t *testing.T, c *ssa.Const, want bool) {
	t.Helper()
	if c == nil || c.Value == nil {
		t.Fatalf("no constant, want %v", want)
	}
	if got := constant.BoolVal(c.Value); got != want {
		t.Errorf("constant = %v, want %v", got, want)
	}
}
