// Package txm holds the Trusted Execution Monitor rules. TXM ships as a
// stripped image, so every site is found through string references and
// instruction shapes.
package txm

import (
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	debuggerEntitlement = "com.apple.private.cs.debugger"
	getTaskAllow        = "get-task-allow"
	developerMode       = "developer mode enabled due to system policy configuration"

	funcBack  = 0x1000
	caveReach = 0x80000
)

// Catalog returns the TXM rules in run order.
func Catalog() patch.Catalog {
	return patch.Catalog{
		Name: "txm",
		Rules: []patch.Rule{
			patch.New("selector24_hashcmp", selector24HashCmp),
			patch.New("selector24_a1", selector24A1),
			patch.New("get_task_allow", forceGetTaskAllow),
			patch.New("selector42_29", selector42_29),
			patch.New("debugger_entitlement", forceDebuggerEntitlement),
			patch.New("developer_mode", developerModeBypass),
		},
	}
}

var (
	w0Bit0Set = patch.TB(0, 0, arm64.OpTBNZ)
	narrow    = func(i arm64.Instruction) bool { return !i.Rd.Wide }
	wide      = func(i arm64.Instruction) bool { return i.Rd.Wide }
)

// matchAll runs a shape over every code range.
func matchAll(ctx *patch.Context, preds ...patch.Pred) []int {
	var out []int
	for _, r := range ctx.CodeRanges() {
		out = append(out, ctx.MatchIn(r.Start, r.End, preds...)...)
	}
	return out
}

// selector24HashCmp drops the CDHash comparison calls of selector 24:
// mov w2,#0x14; bl; cbz w0.
func selector24HashCmp(ctx *patch.Context, set *patch.Set) error {
	hits := matchAll(ctx,
		patch.All(patch.MovImm(2, 0x14), narrow),
		patch.Call,
		patch.CB(0, patch.Narrow, arm64.OpCBZ))
	if err := patch.ExpectRange("mov w2,#0x14; bl; cbz w0", len(hits), 1, 3); err != nil {
		return err
	}
	for n, off := range hits {
		set.Word(off+4, arm64.MovX0_0, fmt.Sprintf("mov x0,#0 [selector24 hashcmp #%d]", n+1))
	}
	return nil
}

// selector24A1 removes the two guards in front of the 0xa1 error return.
func selector24A1(ctx *patch.Context, set *patch.Set) error {
	var sites []int
	for _, off := range matchAll(ctx, patch.All(patch.MovImm(0, 0xa1), narrow)) {
		if off < 0xC {
			continue
		}
		if patch.BCond(arm64.CondLO)(ctx.At(off-0xC)) && patch.CB(9, patch.Wide, arm64.OpCBZ)(ctx.At(off-4)) {
			sites = append(sites, off)
		}
	}
	if err := patch.Expect("b.lo; ..; cbz x9; mov w0,#0xa1", len(sites), 1); err != nil {
		return err
	}
	set.Word(sites[0]-0xC, arm64.NOP, "nop [selector24 A1 b.lo]")
	set.Word(sites[0]-4, arm64.NOP, "nop [selector24 A1 cbz x9]")
	return nil
}

// scanRefs calls match at every instruction within 0x20 after each
// reference to needle and collects the offsets it accepts.
func scanRefs(ctx *patch.Context, needle string, match func(off int) bool) ([]int, error) {
	refs := ctx.StringRefs(needle)
	if len(refs) == 0 {
		return nil, patch.NotFound("references to %q", needle)
	}
	var out []int
	for _, r := range refs {
		for off := r.Add; off < min(r.Add+0x20, ctx.Size()-4); off += 4 {
			if match(off) {
				out = append(out, off)
			}
		}
	}
	return out, nil
}

// forceGetTaskAllow makes the get-task-allow entitlement query return true.
func forceGetTaskAllow(ctx *patch.Context, set *patch.Set) error {
	cands, err := scanRefs(ctx, getTaskAllow, func(off int) bool {
		return ctx.Seq(off, patch.Call, w0Bit0Set)
	})
	if err != nil {
		return err
	}
	if err := patch.Expect("bl; tbnz w0,#0 after get-task-allow", len(cands), 1); err != nil {
		return err
	}
	set.Word(cands[0], arm64.MovX0_1, "mov x0,#1 [get-task-allow]")
	return nil
}

// debuggerCalls returns the mov x0,#0; mov x2,#0; bl; tbnz w0,#0 calls near
// the debugger entitlement string, as bl offsets.
func debuggerCalls(ctx *patch.Context) ([]int, error) {
	return scanRefs(ctx, debuggerEntitlement, func(off int) bool {
		return off >= 8 && ctx.Seq(off-8,
			patch.All(patch.MovImm(0, 0), wide),
			patch.All(patch.MovImm(2, 0), wide),
			patch.Call,
			w0Bit0Set)
	})
}

// forceDebuggerEntitlement makes the debugger entitlement query return true.
func forceDebuggerEntitlement(ctx *patch.Context, set *patch.Set) error {
	cands, err := debuggerCalls(ctx)
	if err != nil {
		return err
	}
	if err := patch.Expect("debugger entitlement call", len(cands), 1); err != nil {
		return err
	}
	set.Word(cands[0], arm64.MovW0_1, "mov w0,#1 [debugger entitlement]")
	return nil
}

// debuggerGate returns the single function holding the debugger entitlement
// call.
func debuggerGate(ctx *patch.Context) (int, error) {
	calls, err := debuggerCalls(ctx)
	if err != nil {
		return -1, err
	}
	starts := make(map[int]bool)
	for _, off := range calls {
		if f, ok := ctx.FuncStart(off, funcBack); ok {
			starts[f] = true
		}
	}
	if err := patch.Expect("debugger gate function", len(starts), 1); err != nil {
		return -1, err
	}
	for f := range starts {
		return f, nil
	}
	return -1, nil
}

// selector42_29 diverts the selector 42|29 dispatch stub through a cave
// that marks the task as debuggable before resuming the stub.
func selector42_29(ctx *patch.Context, set *patch.Set) error {
	gate, err := debuggerGate(ctx)
	if err != nil {
		return err
	}
	callsGate := func(i arm64.Instruction) bool { return i.IsCall() && ctx.Target(i) == gate }
	var stubs []int
	for _, off := range matchAll(ctx,
		patch.Word(arm64.BTIJ),
		patch.MovReg(arm64.X(0), arm64.X(20)),
		patch.Call,
		patch.MovReg(arm64.X(1), arm64.X(21)),
		patch.MovReg(arm64.X(2), arm64.X(22)),
		callsGate,
		patch.Op(arm64.OpB)) {
		stubs = append(stubs, off+4)
	}
	if err := patch.Expect("selector42|29 stub", len(stubs), 1); err != nil {
		return err
	}
	stub := stubs[0]

	cave, err := ctx.FindCaveNear(24, stub, caveReach, true)
	if err != nil {
		return err
	}
	ctx.Claim(cave.Offset, cave.Size)
	ctx.Debugf("gate at %#x, stub at %#x, cave at %#x", gate, stub, cave.Offset)

	code, err := ctx.Assemble(fmt.Sprintf(`
		nop
		mov  x0, #1
		strb w0, [x20, #0x30]
		mov  x0, x20
		b    %#x`, ctx.VA(stub+4)), cave.Offset)
	if err != nil {
		return err
	}
	b, err := ctx.B(stub, cave.Offset)
	if err != nil {
		return err
	}
	set.Word(stub, b, fmt.Sprintf("b %#x [selector42|29]", cave.Offset))
	set.Add(cave.Offset, code, "debuggable shellcode [selector42|29]")
	return nil
}

// developerModeBypass removes the w9 bit 0 guard ahead of the developer
// mode log.
func developerModeBypass(ctx *patch.Context, set *patch.Set) error {
	refs := ctx.StringRefs(developerMode)
	if len(refs) == 0 {
		return patch.NotFound("references to %q", developerMode)
	}
	guard := patch.All(patch.TB(9, 0), narrow)
	var cands []int
	for _, r := range refs {
		for off := r.Add - 4; off > max(r.Add-0x20, 0); off -= 4 {
			if guard(ctx.At(off)) {
				cands = append(cands, off)
			}
		}
	}
	if err := patch.Expect("tbz/tbnz w9,#0 before the developer mode log", len(cands), 1); err != nil {
		return err
	}
	set.Word(cands[0], arm64.NOP, "nop [developer mode]")
	return nil
}
