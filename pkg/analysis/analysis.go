// Package analysis indexes an image for the patch rules: string and symbol
// lookups, ADRP/ADD cross references, PACIBSP-delimited functions, the BL
// call graph and code caves.
//
// Everything works on file offsets into the image's working buffer, so any
// patch committed earlier in a run is visible to later scans.
package analysis

import (
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/image"
)

const (
	// DefaultFuncBack bounds the backward prologue scan.
	DefaultFuncBack = 0x4000
	// DefaultFuncSize caps the forward scan for the next prologue.
	DefaultFuncSize = 0x4000
	// XrefWindow is the largest instruction distance between an ADRP and the
	// ADD that completes it.
	XrefWindow = 8
)

// Analyzer answers structural queries about one image.
type Analyzer struct {
	img    *image.Image
	dec    arm64.Decoder
	ranges []container.Range

	calls   *CallIndex
	claimed []container.Range
}

// New returns an analyzer over img. A nil decoder selects arm64.Decomposed.
func New(img *image.Image, dec arm64.Decoder) *Analyzer {
	if dec == nil {
		dec = arm64.Decomposed
	}
	return &Analyzer{
		img:    img,
		dec:    dec,
		ranges: img.CodeRanges(),
	}
}

// Image returns the analyzed image.
func (a *Analyzer) Image() *image.Image { return a.img }

// Decoder returns the instruction decoder in use.
func (a *Analyzer) Decoder() arm64.Decoder { return a.dec }

// CodeRanges returns the executable ranges.
func (a *Analyzer) CodeRanges() []container.Range { return a.ranges }

// Data returns the working buffer.
func (a *Analyzer) Data() []byte { return a.img.Data }

// Size returns the buffer length.
func (a *Analyzer) Size() int { return len(a.img.Data) }

// Word returns the instruction word at off in the working buffer.
func (a *Analyzer) Word(off int) uint32 { return a.img.Word(off) }

// At decodes the instruction at off.
func (a *Analyzer) At(off int) arm64.Instruction {
	return a.dec.Decode(a.img.Word(off), a.img.VA(off))
}

// Window decodes n instructions starting at off, stopping at the buffer end.
func (a *Analyzer) Window(off, n int) []arm64.Instruction {
	out := make([]arm64.Instruction, 0, n)
	for i := 0; i < n && off+4*i+4 <= len(a.img.Data); i++ {
		out = append(out, a.At(off+4*i))
	}
	return out
}

// VA returns the address of off.
func (a *Analyzer) VA(off int) uint64 { return a.img.VA(off) }

// Offset converts an address back to a file offset, or -1 when unmapped.
func (a *Analyzer) Offset(va uint64) int {
	off, err := a.img.Offset(va)
	if err != nil {
		return -1
	}
	return off
}

// RangeOf returns the code range holding off.
func (a *Analyzer) RangeOf(off int) (container.Range, bool) {
	for _, r := range a.ranges {
		if r.Contains(off) {
			return r, true
		}
	}
	return container.Range{}, false
}

// InCode reports whether off is inside an executable range.
func (a *Analyzer) InCode(off int) bool {
	_, ok := a.RangeOf(off)
	return ok
}

// Clip intersects the code ranges with r. An empty result means r does not
// overlap code at all.
func (a *Analyzer) Clip(r container.Range) []container.Range {
	var out []container.Range
	for _, c := range a.ranges {
		s, e := max(c.Start, r.Start), min(c.End, r.End)
		if e > s {
			out = append(out, container.Range{Start: s &^ 3, End: e})
		}
	}
	return out
}

// Symbols returns the image's merged symbol table.
func (a *Analyzer) Symbols() *container.Symbols { return a.img.Symbols() }

// Resolve returns the offset of the first named symbol that exists.
func (a *Analyzer) Resolve(names ...string) (int, string, bool) {
	syms := a.img.Symbols()
	for _, name := range names {
		if off, ok := syms.Resolve(name); ok {
			return off, name, true
		}
	}
	return -1, "", false
}
