package peval

import (
	"golang.org/x/tools/go/ssa"
)

// ID is a stable integer handle. Every value, instruction and basic block
// of an analyzed function gets one, and every context is assigned a base
// offset, so that (context, node) pairs map to a single global handle. All
// side tables are keyed by handles rather than pointer identity.
type ID int32

// valTable numbers the nodes of one function. A node is an ssa.Value, an
// ssa.Instruction (most are both), or a basic block. The table is shared by
// every context instantiated for the function.
type valTable struct {
	ids  map[any]ID
	objs []any
}

func newValTable(fn *ssa.Function) *valTable {
	t := &valTable{ids: make(map[any]ID)}
	for _, p := range fn.Params {
		t.add(p)
	}
	for _, fv := range fn.FreeVars {
		t.add(fv)
	}
	for _, b := range fn.Blocks {
		t.add(b)
		for _, ins := range b.Instrs {
			t.add(ins)
		}
	}
	return t
}

func (t *valTable) add(obj any) {
	if _, ok := t.ids[obj]; ok {
		return
	}
	t.ids[obj] = ID(len(t.objs))
	t.objs = append(t.objs, obj)
}

// id returns the handle for obj, or -1 if obj does not belong to the
// function (constants, globals, nodes of other functions).
func (t *valTable) id(obj any) ID {
	if id, ok := t.ids[obj]; ok {
		return id
	}
	return -1
}

func (t *valTable) size() int { return len(t.objs) }

// sparseSet is a growable set of IDs.
// From http://research.swtch.com/sparse; in turn, from Briggs and Torczon.
type sparseSet struct {
	dense  []ID
	sparse []int32
}

func newSparseSet(n int) *sparseSet {
	return &sparseSet{nil, make([]int32, n)}
}

func (s *sparseSet) grow(n int) {
	if n > len(s.sparse) {
		old := s.sparse
		s.sparse = make([]int32, n+n/2)
		copy(s.sparse, old)
	}
}

func (s *sparseSet) contains(k ID) bool {
	if int(k) >= len(s.sparse) {
		return false
	}
	i := s.sparse[k]
	return int(i) < len(s.dense) && s.dense[i] == k
}

// add inserts k and reports whether it was not already present.
func (s *sparseSet) add(k ID) bool {
	s.grow(int(k) + 1)
	i := s.sparse[k]
	if int(i) < len(s.dense) && s.dense[i] == k {
		return false
	}
	s.dense = append(s.dense, k)
	s.sparse[k] = int32(len(s.dense) - 1)
	return true
}

func (s *sparseSet) remove(k ID) {
	if int(k) >= len(s.sparse) {
		return
	}
	i := s.sparse[k]
	if int(i) < len(s.dense) && s.dense[i] == k {
		y := s.dense[len(s.dense)-1]
		s.dense[i] = y
		s.sparse[y] = i
		s.dense = s.dense[:len(s.dense)-1]
	}
}
