package image

import (
	"fmt"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/blacktop/fwpatch/internal/colors"
	"github.com/blacktop/fwpatch/pkg/arm64"
)

func window(size, off, n, radius int) (int, int) {
	start := max((off&^3)-radius*4, 0)
	end := min((off+n+3)&^3+radius*4, size&^3)
	return start, end
}

// Listing disassembles radius instructions around [off, off+n) of buf and
// marks the instruction at off.
func (i *Image) listing(r arm64.Renderer, buf []byte, off, n, radius int) []string {
	start, end := window(len(buf), off, n, radius)
	return arm64.Listing(r, buf[start:end], i.VA(start), i.VA(off&^3))
}

// Context returns the original and patched disassembly around a patch.
func (i *Image) Context(r arm64.Renderer, off, n, radius int) (before, after []string) {
	return i.listing(r, i.Raw, off, n, radius), i.listing(r, i.Data, off, n, radius)
}

// Diff renders a colored unified diff of the disassembly around a patch.
func (i *Image) Diff(r arm64.Renderer, off, n, radius int) string {
	before, after := i.Context(r, off, n, radius)
	label := fmt.Sprintf("%#x", i.VA(off))
	d := udiff.Unified(label+" (original)", label+" (patched)", strings.Join(before, "\n")+"\n", strings.Join(after, "\n")+"\n")
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(d, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			sb.WriteString(colors.Hunk(line))
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			sb.WriteString(colors.Added(line))
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			sb.WriteString(colors.Removed(line))
		default:
			sb.WriteString(line)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Describe renders a one-line summary of the instructions at [off, off+n).
func (i *Image) Describe(r arm64.Renderer, buf []byte, off, n int) string {
	var parts []string
	for p := off &^ 3; p < off+n && p+4 <= len(buf); p += 4 {
		parts = append(parts, r.Render(arm64.Word(buf, p), i.VA(p)))
	}
	return colors.Addr(fmt.Sprintf("%#x", i.VA(off))) + " " + strings.ReplaceAll(strings.Join(parts, "; "), "\t", " ")
}
