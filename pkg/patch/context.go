package patch

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/fwpatch/pkg/analysis"
	"github.com/blacktop/fwpatch/pkg/arm64"
)

// Context is what a rule sees: the analyzer over the working buffer, the
// injected assembler and renderer, and a logger tagged with the rule name.
type Context struct {
	*analysis.Analyzer

	Log      log.Interface
	Asm      arm64.Assembler
	Renderer arm64.Renderer
	Rule     string
}

// Assemble encodes src as if placed at file offset off.
func (c *Context) Assemble(src string, off int) ([]byte, error) {
	b, err := c.Asm.Assemble(src, c.VA(off))
	if err != nil {
		return nil, fmt.Errorf("%s at %#x: %w", c.Rule, off, err)
	}
	return b, nil
}

// AssembleWord encodes a single instruction at off.
func (c *Context) AssembleWord(src string, off int) (uint32, error) {
	b, err := c.Assemble(src, off)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("%q assembled to %d bytes, want 4", src, len(b))
	}
	return arm64.Word(b, 0), nil
}

// B encodes an unconditional branch between two file offsets.
func (c *Context) B(from, to int) (uint32, error) {
	return arm64.EncodeB(c.VA(from), c.VA(to))
}

// BL encodes a call between two file offsets.
func (c *Context) BL(from, to int) (uint32, error) {
	return arm64.EncodeBL(c.VA(from), c.VA(to))
}

// Target returns the file offset a pc-relative instruction points at, or -1.
func (c *Context) Target(i arm64.Instruction) int {
	if !i.HasTarget() {
		return -1
	}
	return c.Offset(i.Target)
}

// Render formats the instruction at off for log messages.
func (c *Context) Render(off int) string {
	return c.Renderer.Render(c.Word(off), c.VA(off))
}

// Debugf logs at debug level.
func (c *Context) Debugf(format string, args ...any) {
	c.Log.Debugf(format, args...)
}
