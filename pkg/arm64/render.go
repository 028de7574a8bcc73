package arm64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
	"golang.org/x/arch/arm64/arm64asm"
)

// Renderer produces operator-facing text for an instruction word.
type Renderer interface {
	Render(word uint32, pc uint64) string
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(word uint32, pc uint64) string

func (f RendererFunc) Render(word uint32, pc uint64) string { return f(word, pc) }

// Text renders through the full disassembler, then the pure Go decoder, then
// the native decoder.
var Text Renderer = RendererFunc(render)

func render(word uint32, pc uint64) string {
	var results [1024]byte
	if instr, err := disassemble.Decompose(pc, word, &results); err == nil {
		if s := instr.String(); s != "" {
			return s
		}
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	if inst, err := arm64asm.Decode(buf[:]); err == nil {
		return strings.ToLower(arm64asm.GNUSyntax(inst))
	}
	return Format(Decode(word, pc))
}

// Listing renders data as one line per instruction starting at pc. The
// line at mark gets a marker.
func Listing(r Renderer, data []byte, pc, mark uint64) []string {
	if r == nil {
		r = Text
	}
	lines := make([]string, 0, len(data)/4)
	for off := 0; off+4 <= len(data); off += 4 {
		addr := pc + uint64(off)
		prefix := "    "
		if addr == mark {
			prefix = " >>>"
		}
		word := binary.LittleEndian.Uint32(data[off:])
		lines = append(lines, fmt.Sprintf("%s %#x: %08x  %s", prefix, addr, word, r.Render(word, addr)))
	}
	return lines
}
