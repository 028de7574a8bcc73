package analysis

import (
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
)

// Xref is an instruction pair that materializes an address. For ADR the
// two offsets are equal.
type Xref struct {
	Load int // ADRP or ADR
	Add  int
	Reg  arm64.Reg
}

// StringRef is a cross reference to a located string.
type StringRef struct {
	String int
	Xref
}

type pendingPage struct {
	off   int
	index int
	page  uint64
}

func isADRP(w uint32) bool   { return w&0x9F000000 == 0x90000000 }
func isADR(w uint32) bool    { return w&0x9F000000 == 0x10000000 }
func isADDImm(w uint32) bool { return w&0xFF800000 == 0x91000000 }

// Xrefs returns every ADRP+ADD pair (and ADR) in ranges that computes target.
// One pending ADRP page is tracked per destination register; an ADD
// completes it when it reads that register no more than XrefWindow
// instructions later. With no ranges the code ranges are scanned.
func (a *Analyzer) Xrefs(target uint64, ranges ...container.Range) []Xref {
	if len(ranges) == 0 {
		ranges = a.ranges
	}
	var out []Xref
	for _, r := range ranges {
		var pending [32]*pendingPage
		r.End = min(r.End, len(a.img.Data))
		for off, idx := r.Start&^3, 0; off+4 <= r.End; off, idx = off+4, idx+1 {
			w := a.img.Word(off)
			switch {
			case isADRP(w):
				i := a.dec.Decode(w, a.img.VA(off))
				pending[i.Rd.Num] = &pendingPage{off: off, index: idx, page: i.Target}
			case isADR(w):
				i := a.dec.Decode(w, a.img.VA(off))
				if i.Target == target {
					out = append(out, Xref{Load: off, Add: off, Reg: i.Rd})
				}
				pending[i.Rd.Num] = nil
			case isADDImm(w):
				i := a.dec.Decode(w, a.img.VA(off))
				if i.Rn.SP {
					continue
				}
				p := pending[i.Rn.Num]
				if p == nil || idx-p.index > XrefWindow {
					continue
				}
				if p.page+uint64(i.Imm) == target {
					out = append(out, Xref{Load: p.off, Add: off, Reg: i.Rd})
				}
			}
		}
	}
	return out
}

// XrefsTo returns the references to the address of file offset off.
func (a *Analyzer) XrefsTo(off int, ranges ...container.Range) []Xref {
	return a.Xrefs(a.img.VA(off), ranges...)
}

// StringRefs finds every occurrence of needle, normalizes each to the start
// of its string and collects the references to it. Duplicate loads are
// reported once.
func (a *Analyzer) StringRefs(needle string, ranges ...container.Range) []StringRef {
	var out []StringRef
	seenStr := make(map[int]bool)
	seenRef := make(map[int]bool)
	for _, hit := range a.FindAll(needle) {
		start := a.StringStart(hit)
		if seenStr[start] {
			continue
		}
		seenStr[start] = true
		for _, x := range a.XrefsTo(start, ranges...) {
			if seenRef[x.Load] {
				continue
			}
			seenRef[x.Load] = true
			out = append(out, StringRef{String: start, Xref: x})
		}
	}
	return out
}

// FirstStringRefs resolves the first occurrence of needle only.
func (a *Analyzer) FirstStringRefs(needle string, ranges ...container.Range) (int, []Xref) {
	off, ok := a.FindCString(needle)
	if !ok {
		return -1, nil
	}
	return off, a.XrefsTo(off, ranges...)
}
