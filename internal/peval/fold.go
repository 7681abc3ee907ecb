package peval

import (
	"go/constant"
	"go/token"
	"go/types"
	"math/big"

	"golang.org/x/tools/go/ssa"
)

func constEq(a, b constant.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	return constant.Compare(a, token.EQL, b)
}

// intVal extracts an exact int64 from a constant.
func intVal(c *ssa.Const) (int64, bool) {
	if c == nil || c.Value == nil || c.Value.Kind() != constant.Int {
		return 0, false
	}
	return constant.Int64Val(c.Value)
}

func isComparison(op token.Token) bool {
	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return true
	}
	return false
}

func isIntegerType(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsInteger != 0
}

func isUnsignedType(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsUnsigned != 0
}

// foldBinOp folds a binary operation on two constants, or returns nil.
// resType is the instruction's static type.
func foldBinOp(op token.Token, x, y *ssa.Const, resType types.Type) *ssa.Const {
	if x == nil || y == nil || x.Value == nil || y.Value == nil {
		return nil
	}
	if isComparison(op) {
		if !cmpCompatible(x.Value, y.Value) {
			return nil
		}
		return ssa.NewConst(constant.MakeBool(constant.Compare(x.Value, op, y.Value)), resType)
	}
	switch op {
	case token.SHL, token.SHR:
		s, exact := constant.Uint64Val(y.Value)
		if !exact || x.Value.Kind() != constant.Int || s > 256 {
			return nil
		}
		return ssa.NewConst(wrapInt(constant.Shift(x.Value, op, uint(s)), resType), resType)
	case token.QUO, token.REM:
		if y.Value.Kind() != constant.Int && y.Value.Kind() != constant.Float {
			return nil
		}
		if constant.Sign(y.Value) == 0 {
			return nil // leave division by zero to the runtime
		}
		if op == token.QUO && isIntegerType(resType) {
			op = token.QUO_ASSIGN // forces integer division in go/constant
		}
		return ssa.NewConst(wrapInt(constant.BinaryOp(x.Value, op, y.Value), resType), resType)
	case token.ADD, token.SUB, token.MUL, token.AND, token.OR, token.XOR, token.AND_NOT:
		if !arithCompatible(x.Value, y.Value, op) {
			return nil
		}
		return ssa.NewConst(wrapInt(constant.BinaryOp(x.Value, op, y.Value), resType), resType)
	}
	return nil
}

// wrapInt reduces an integer constant to the width of its static type,
// matching the runtime's fixed-width two's-complement arithmetic.
// go/constant computes in arbitrary precision, so without this a uint8
// addition can "produce" 300 and fold comparisons the wrong way.
// Non-integer types and non-integer values pass through unchanged.
func wrapInt(v constant.Value, resType types.Type) constant.Value {
	b, ok := resType.Underlying().(*types.Basic)
	if !ok || b.Info()&types.IsInteger == 0 || v.Kind() != constant.Int {
		return v
	}
	bits := basicBits(b)
	if bits == 0 {
		return v
	}
	x := new(big.Int)
	switch n := constant.Val(v).(type) {
	case int64:
		x.SetInt64(n)
	case *big.Int:
		x.Set(n)
	default:
		return v
	}
	span := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	x.Mod(x, span) // Euclidean: result in [0, 2^bits)
	if b.Info()&types.IsUnsigned == 0 {
		half := new(big.Int).Rsh(span, 1)
		if x.Cmp(half) >= 0 {
			x.Sub(x, span)
		}
	}
	return constant.Make(x)
}

func cmpCompatible(x, y constant.Value) bool {
	kx, ky := x.Kind(), y.Kind()
	if kx == ky {
		return kx != constant.Unknown
	}
	return numeric(kx) && numeric(ky)
}

func numeric(k constant.Kind) bool {
	return k == constant.Int || k == constant.Float || k == constant.Complex
}

func arithCompatible(x, y constant.Value, op token.Token) bool {
	kx, ky := x.Kind(), y.Kind()
	if op == token.ADD && kx == constant.String && ky == constant.String {
		return true
	}
	switch op {
	case token.AND, token.OR, token.XOR, token.AND_NOT:
		return kx == constant.Int && ky == constant.Int
	}
	return numeric(kx) && numeric(ky)
}

// foldUnOp folds !x, -x and ^x on a constant operand, or returns nil.
// Loads (token.MUL) are never folded here; they go through the memory
// dependence walk.
func foldUnOp(op token.Token, x *ssa.Const, resType types.Type) *ssa.Const {
	if x == nil || x.Value == nil {
		return nil
	}
	switch op {
	case token.NOT:
		if x.Value.Kind() != constant.Bool {
			return nil
		}
		return ssa.NewConst(constant.MakeBool(!constant.BoolVal(x.Value)), resType)
	case token.SUB:
		if !numeric(x.Value.Kind()) {
			return nil
		}
		return ssa.NewConst(wrapInt(constant.UnaryOp(token.SUB, x.Value, 0), resType), resType)
	case token.XOR:
		if x.Value.Kind() != constant.Int {
			return nil
		}
		var prec uint
		if isUnsignedType(resType) {
			b := resType.Underlying().(*types.Basic)
			prec = uint(basicBits(b))
		}
		if isUnsignedType(resType) && prec == 0 {
			return nil
		}
		return ssa.NewConst(constant.UnaryOp(token.XOR, x.Value, prec), resType)
	}
	return nil
}

func basicBits(b *types.Basic) int {
	switch b.Kind() {
	case types.Int8, types.Uint8:
		return 8
	case types.Int16, types.Uint16:
		return 16
	case types.Int32, types.Uint32:
		return 32
	case types.Int64, types.Int, types.Uint64, types.Uint, types.Uintptr:
		return 64
	}
	return 0
}

// foldConvert folds a numeric conversion of a constant, or returns nil.
// Only conversions that are exactly representable fold; truncating or
// wrapping conversions are left alone.
func foldConvert(x *ssa.Const, resType types.Type) *ssa.Const {
	if x == nil || x.Value == nil {
		return nil
	}
	b, ok := resType.Underlying().(*types.Basic)
	if !ok {
		return nil
	}
	switch {
	case b.Info()&types.IsInteger != 0:
		v := constant.ToInt(x.Value)
		if v.Kind() != constant.Int {
			return nil
		}
		n, exact := constant.Int64Val(v)
		if !exact || !intFits(n, b) {
			return nil
		}
		return ssa.NewConst(v, resType)
	case b.Info()&types.IsFloat != 0:
		v := constant.ToFloat(x.Value)
		if v.Kind() != constant.Float {
			return nil
		}
		return ssa.NewConst(v, resType)
	case b.Info()&types.IsString != 0 && x.Value.Kind() == constant.String:
		return ssa.NewConst(x.Value, resType)
	}
	return nil
}

func intFits(n int64, b *types.Basic) bool {
	switch b.Kind() {
	case types.Int8:
		return n >= -1<<7 && n < 1<<7
	case types.Int16:
		return n >= -1<<15 && n < 1<<15
	case types.Int32:
		return n >= -1<<31 && n < 1<<31
	case types.Int64, types.Int:
		return true
	case types.Uint8:
		return n >= 0 && n < 1<<8
	case types.Uint16:
		return n >= 0 && n < 1<<16
	case types.Uint32:
		return n >= 0 && n < 1<<32
	case types.Uint64, types.Uint, types.Uintptr:
		return n >= 0
	}
	return false
}

// zeroConst builds the zero value of t for basic types, or nil. Fresh
// allocations read as zero before any store reaches them.
func zeroConst(t types.Type) *ssa.Const {
	b, ok := t.Underlying().(*types.Basic)
	if !ok {
		return nil
	}
	switch {
	case b.Info()&types.IsBoolean != 0:
		return ssa.NewConst(constant.MakeBool(false), t)
	case b.Info()&types.IsInteger != 0:
		return ssa.NewConst(constant.MakeInt64(0), t)
	case b.Info()&types.IsFloat != 0:
		return ssa.NewConst(constant.MakeFloat64(0), t)
	case b.Info()&types.IsString != 0:
		return ssa.NewConst(constant.MakeString(""), t)
	}
	return nil
}
