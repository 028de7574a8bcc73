package analysis

import "sort"

// CallIndex maps callee offsets to the offsets of the BL instructions that
// target them.
type CallIndex struct {
	callers map[int][]int
}

func isBL(w uint32) bool { return w&0xFC000000 == 0x94000000 }

// BLTarget returns the callee of the BL at off, or -1.
func (a *Analyzer) BLTarget(off int) int {
	w := a.img.Word(off)
	if !isBL(w) {
		return -1
	}
	i := a.dec.Decode(w, a.img.VA(off))
	return a.Offset(i.Target)
}

// Calls returns the call index, building it on first use with a single pass
// over the code ranges.
func (a *Analyzer) Calls() *CallIndex {
	if a.calls != nil {
		return a.calls
	}
	idx := &CallIndex{callers: make(map[int][]int)}
	for _, r := range a.ranges {
		for off := r.Start &^ 3; off+4 <= r.End; off += 4 {
			if !isBL(a.img.Word(off)) {
				continue
			}
			if t := a.BLTarget(off); t >= 0 {
				idx.callers[t] = append(idx.callers[t], off)
			}
		}
	}
	a.calls = idx
	return idx
}

// Callers returns the call sites of target.
func (c *CallIndex) Callers(target int) []int { return c.callers[target] }

// Count returns the number of call sites of target. Zero means the function
// is only reached indirectly.
func (c *CallIndex) Count(target int) int { return len(c.callers[target]) }

// Len returns the number of distinct callees.
func (c *CallIndex) Len() int { return len(c.callers) }

// MostCalled returns the callee with the most call sites. Ties go to the
// lowest offset.
func (c *CallIndex) MostCalled() (int, int) {
	best, n := -1, 0
	for t, cs := range c.callers {
		if len(cs) > n || (len(cs) == n && t < best) {
			best, n = t, len(cs)
		}
	}
	return best, n
}

// Callees returns the distinct BL targets inside [start, end) in first-call
// order.
func (a *Analyzer) Callees(start, end int) []int {
	var out []int
	seen := make(map[int]bool)
	for off := start &^ 3; off+4 <= end; off += 4 {
		t := a.BLTarget(off)
		if t < 0 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// MostCalledIn returns the BL target called most often inside [start, end)
// and its count. Ties go to the target called first.
func (a *Analyzer) MostCalledIn(start, end int) (int, int) {
	counts := make(map[int]int)
	var order []int
	for off := start &^ 3; off+4 <= end; off += 4 {
		if t := a.BLTarget(off); t >= 0 {
			if counts[t] == 0 {
				order = append(order, t)
			}
			counts[t]++
		}
	}
	best, n := -1, 0
	for _, t := range order {
		if counts[t] > n {
			best, n = t, counts[t]
		}
	}
	return best, n
}

// Targets returns every callee offset sorted ascending.
func (c *CallIndex) Targets() []int {
	out := make([]int, 0, len(c.callers))
	for t := range c.callers {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}
