package analysis

import (
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
)

// Func is a [Start, End) function range bounded by prologue markers.
type Func struct {
	Start, End int
}

// Len returns the function size in bytes.
func (f Func) Len() int { return f.End - f.Start }

// Contains reports whether off lies in the function.
func (f Func) Contains(off int) bool { return off >= f.Start && off < f.End }

// Offsets returns the instruction offsets of the function.
func (f Func) Offsets() []int {
	out := make([]int, 0, f.Len()/4)
	for off := f.Start; off < f.End; off += 4 {
		out = append(out, off)
	}
	return out
}

func (a *Analyzer) isPrologue(off int) bool {
	return a.img.Word(off) == arm64.PACIBSP
}

// FuncStart scans backwards from off for the nearest PACIBSP, looking at
// most maxBack bytes back and never leaving the code range.
func (a *Analyzer) FuncStart(off, maxBack int) (int, bool) {
	lo := max(off-maxBack, 0)
	if r, ok := a.RangeOf(off); ok {
		lo = max(lo, r.Start)
	}
	for p := off &^ 3; p >= lo; p -= 4 {
		if a.isPrologue(p) {
			return p, true
		}
	}
	return -1, false
}

// FuncEnd returns the offset of the next PACIBSP after start, or the cap.
func (a *Analyzer) FuncEnd(start, maxSize int) int {
	limit := min(start+maxSize, len(a.img.Data))
	if r, ok := a.RangeOf(start); ok {
		limit = min(limit, r.End)
	}
	for p := start + 4; p+4 <= limit; p += 4 {
		if a.isPrologue(p) {
			return p
		}
	}
	return limit
}

// FuncAt returns the function holding off using the default bounds.
func (a *Analyzer) FuncAt(off int) (Func, bool) {
	start, ok := a.FuncStart(off, DefaultFuncBack)
	if !ok {
		return Func{}, false
	}
	return Func{Start: start, End: a.FuncEnd(start, DefaultFuncSize)}, true
}

// FuncFrom returns the function starting at start, capped at maxSize.
func (a *Analyzer) FuncFrom(start, maxSize int) Func {
	return Func{Start: start, End: a.FuncEnd(start, maxSize)}
}

// Funcs enumerates every PACIBSP-started function in ranges, each capped at
// maxSize bytes.
func (a *Analyzer) Funcs(maxSize int, ranges ...container.Range) []Func {
	if len(ranges) == 0 {
		ranges = a.ranges
	}
	var out []Func
	for _, r := range ranges {
		for p := r.Start &^ 3; p+4 <= r.End; p += 4 {
			if !a.isPrologue(p) {
				continue
			}
			end := min(p+maxSize, r.End)
			for q := p + 4; q+4 <= end; q += 4 {
				if a.isPrologue(q) {
					end = q
					break
				}
			}
			out = append(out, Func{Start: p, End: end})
		}
	}
	return out
}

// FuncRange returns a function as a code range, for scoped scans.
func (f Func) Range() container.Range { return container.Range{Start: f.Start, End: f.End} }

// Scan decodes every instruction of f and returns the offsets where match
// holds.
func (a *Analyzer) Scan(f Func, match func(off int, i arm64.Instruction) bool) []int {
	var out []int
	for off := f.Start; off+4 <= f.End; off += 4 {
		if match(off, a.At(off)) {
			out = append(out, off)
		}
	}
	return out
}

// LastReturn returns the offset of the last return instruction of f, or -1.
func (a *Analyzer) LastReturn(f Func) int {
	for off := f.End - 4; off >= f.Start; off -= 4 {
		if a.At(off).IsReturn() {
			return off
		}
	}
	return -1
}
