package patch

import (
	"github.com/blacktop/fwpatch/pkg/analysis"
	"github.com/blacktop/fwpatch/pkg/arm64"
)

// Pred is an instruction shape.
type Pred func(i arm64.Instruction) bool

// Op matches any of the given operations.
func Op(ops ...arm64.Op) Pred {
	return func(i arm64.Instruction) bool {
		for _, op := range ops {
			if i.Op == op {
				return true
			}
		}
		return false
	}
}

// All matches when every predicate does.
func All(ps ...Pred) Pred {
	return func(i arm64.Instruction) bool {
		for _, p := range ps {
			if !p(i) {
				return false
			}
		}
		return true
	}
}

// AnyOf matches when one predicate does.
func AnyOf(ps ...Pred) Pred {
	return func(i arm64.Instruction) bool {
		for _, p := range ps {
			if p(i) {
				return true
			}
		}
		return false
	}
}

// Not inverts p.
func Not(p Pred) Pred { return func(i arm64.Instruction) bool { return !p(i) } }

// Word matches an exact encoding.
func Word(w uint32) Pred { return func(i arm64.Instruction) bool { return i.Raw == w } }

// MovImm matches mov wN/xN, #v.
func MovImm(n uint8, v int64) Pred {
	return func(i arm64.Instruction) bool { return i.IsMovImm(n, v) }
}

// MovReg matches mov dst, src.
func MovReg(dst, src arm64.Reg) Pred {
	return func(i arm64.Instruction) bool { return i.IsMovReg(dst, src) }
}

// Call matches bl.
var Call Pred = func(i arm64.Instruction) bool { return i.IsCall() }

// Return matches ret and retab.
var Return Pred = func(i arm64.Instruction) bool { return i.IsReturn() }

// CondBranch matches b.cond, cb* and tb*.
var CondBranch Pred = func(i arm64.Instruction) bool { return i.IsCondBranch() }

// CB matches cbz/cbnz on register n. A nil wide accepts both widths.
func CB(n uint8, wide *bool, ops ...arm64.Op) Pred {
	if len(ops) == 0 {
		ops = []arm64.Op{arm64.OpCBZ, arm64.OpCBNZ}
	}
	op := Op(ops...)
	return func(i arm64.Instruction) bool {
		return op(i) && i.Rd.Is(n) && (wide == nil || i.Rd.Wide == *wide)
	}
}

// TB matches tbz/tbnz on register n and bit. A negative bit accepts any.
func TB(n uint8, bit int, ops ...arm64.Op) Pred {
	if len(ops) == 0 {
		ops = []arm64.Op{arm64.OpTBZ, arm64.OpTBNZ}
	}
	op := Op(ops...)
	return func(i arm64.Instruction) bool {
		return op(i) && i.Rd.Is(n) && (bit < 0 || int(i.Bit) == bit)
	}
}

// BCond matches b.<c>.
func BCond(c arm64.Cond) Pred {
	return func(i arm64.Instruction) bool { return i.Op == arm64.OpBCond && i.Cond == c }
}

// Wide and Narrow are the width selectors for CB.
var (
	wide, narrow = true, false
	Wide         = &wide
	Narrow       = &narrow
)

// Seq reports whether the instructions starting at off match preds in order.
func (c *Context) Seq(off int, preds ...Pred) bool {
	if off < 0 || off+4*len(preds) > c.Size() {
		return false
	}
	for k, p := range preds {
		if !p(c.At(off + 4*k)) {
			return false
		}
	}
	return true
}

// MatchIn returns every offset in [start, end) where Seq matches.
func (c *Context) MatchIn(start, end int, preds ...Pred) []int {
	var out []int
	for off := start &^ 3; off+4*len(preds) <= end; off += 4 {
		if c.Seq(off, preds...) {
			out = append(out, off)
		}
	}
	return out
}

// MatchFunc returns every offset in f where Seq matches.
func (c *Context) MatchFunc(f analysis.Func, preds ...Pred) []int {
	return c.MatchIn(f.Start, f.End, preds...)
}

// Forward returns the first offset in [from, to) matching p, or -1.
func (c *Context) Forward(from, to int, p Pred) int {
	to = min(to, c.Size())
	for off := from &^ 3; off+4 <= to; off += 4 {
		if p(c.At(off)) {
			return off
		}
	}
	return -1
}

// Backward returns the last offset in [to, from] matching p scanning down
// from from, or -1.
func (c *Context) Backward(from, to int, p Pred) int {
	for off := from &^ 3; off >= max(to, 0); off -= 4 {
		if p(c.At(off)) {
			return off
		}
	}
	return -1
}

// Ordered reports whether preds match at increasing, not necessarily
// adjacent, positions in [start, end), returning their offsets.
func (c *Context) Ordered(start, end int, preds ...Pred) ([]int, bool) {
	out := make([]int, 0, len(preds))
	off := start
	for _, p := range preds {
		hit := c.Forward(off, end, p)
		if hit < 0 {
			return nil, false
		}
		out = append(out, hit)
		off = hit + 4
	}
	return out, true
}
