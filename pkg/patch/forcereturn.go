package patch

import (
	"fmt"
	"sort"

	"github.com/blacktop/fwpatch/pkg/analysis"
	"github.com/blacktop/fwpatch/pkg/arm64"
)

// ForceReturn rewrites the entry of a function to return a constant.
//
// The function is found by symbol first. Without symbols each anchor string
// is tried in order: every call made shortly after a reference to the string
// and the code directly following the string are candidates, and a
// candidate counts only when its body matches Body. Exactly one distinct
// function must remain.
type ForceReturn struct {
	Tag     string
	Symbols []string
	Anchors []string
	Value   uint64
	// Body is the shape the located function must start with, after an
	// optional pacibsp. It defaults to mov w0/x0, #Value; ret.
	Body []Pred
}

// Name implements Rule.
func (r ForceReturn) Name() string { return r.Tag }

// Apply implements Rule.
func (r ForceReturn) Apply(ctx *Context, set *Set) error {
	if off, name, ok := ctx.Resolve(r.Symbols...); ok {
		ctx.Debugf("resolved %s at %#x", name, off)
		return r.stage(ctx, set, off)
	}
	for _, anchor := range r.Anchors {
		cands := r.candidates(ctx, anchor)
		switch len(cands) {
		case 0:
			ctx.Debugf("anchor %q: no matching function", anchor)
			continue
		case 1:
			return r.stage(ctx, set, cands[0])
		default:
			return fmt.Errorf("anchor %q: %d candidate functions %#x: %w", anchor, len(cands), cands, ErrAmbiguous)
		}
	}
	return NotFound("%s: symbols %q and anchors %q", r.Tag, r.Symbols, r.Anchors)
}

func (r ForceReturn) body() []Pred {
	if len(r.Body) > 0 {
		return r.Body
	}
	return []Pred{MovImm(0, int64(r.Value)), Return}
}

// matches reports whether a function entry at off has the expected body.
func (r ForceReturn) matches(ctx *Context, off int) bool {
	if off < 0 {
		return false
	}
	if ctx.Word(off) == arm64.PACIBSP {
		off += 4
	}
	return ctx.Seq(off, r.body()...)
}

func (r ForceReturn) candidates(ctx *Context, anchor string) []int {
	str, ok := ctx.FindCString(anchor)
	if !ok {
		return nil
	}
	found := make(map[int]bool)
	for _, x := range ctx.XrefsTo(str) {
		for k := 1; k <= analysis.XrefWindow; k++ {
			off := x.Add + 4*k
			if t := ctx.BLTarget(off); t >= 0 {
				if r.matches(ctx, t) {
					found[t] = true
				}
				break
			}
		}
	}
	next := (str + len(ctx.CStringAt(str, 0x1000)) + 1 + 3) &^ 3
	if r.matches(ctx, next) {
		found[next] = true
	}
	out := make([]int, 0, len(found))
	for off := range found {
		out = append(out, off)
	}
	sort.Ints(out)
	return out
}

func (r ForceReturn) stage(ctx *Context, set *Set, off int) error {
	mov, err := arm64.EncodeMovImm(arm64.X(0), r.Value)
	if err != nil {
		return err
	}
	set.Words(off, fmt.Sprintf("mov x0,#%d; ret [%s]", r.Value, r.Tag), mov, arm64.RET)
	return nil
}
