package kernel

import (
	"fmt"
	"sort"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	execveKillMsg      = "AMFI: hook..execve() killing"
	execveKillFallback = "execve() killing"
	codeSigFailedMsg   = "AMFI: code signature validation failed"
)

// amfiCDHashInTrustCache rewrites AMFIIsCDHashInTrustCache to report every
// cdhash as trusted, storing 1 through the optional out pointer in x2.
func amfiCDHashInTrustCache(k *kernel, set *patch.Set) error {
	shape := []patch.Pred{
		patch.MovReg(arm64.X(19), arm64.X(2)),
		func(i arm64.Instruction) bool {
			return i.Op == arm64.OpSTP && i.Rd == arm64.XZR && i.Ra == arm64.XZR && i.Rn.SP
		},
		patch.MovReg(arm64.X(2), arm64.SP),
		patch.Call,
		patch.MovReg(arm64.X(20), arm64.X(0)),
		patch.CB(0, patch.Narrow, arm64.OpCBNZ),
		patch.CB(19, patch.Wide, arm64.OpCBZ),
	}
	var hits []int
	for _, f := range k.Funcs(0x200, k.amfiText()...) {
		if _, ok := k.Ordered(f.Start, f.End, shape...); ok {
			hits = append(hits, f.Start)
		}
	}
	if err := patch.Expect("AMFIIsCDHashInTrustCache body", len(hits), 1); err != nil {
		return err
	}
	body, err := k.Assemble("mov x0, #1; cbz x2, #8; str x0, [x2]; ret", hits[0])
	if err != nil {
		return err
	}
	set.Add(hits[0], body, "mov x0,#1; cbz x2,+8; str x0,[x2]; ret [AMFIIsCDHashInTrustCache]")
	return nil
}

func (k *kernel) execveKillString() string {
	if _, ok := k.FindCString(execveKillMsg); ok {
		return execveKillMsg
	}
	return execveKillFallback
}

// amfiExecveKillPath neutralizes the two early checks of the AMFI execve
// helper that logs the kill message.
func amfiExecveKillPath(k *kernel, set *patch.Set) error {
	msg := k.execveKillString()
	refs := k.refs(msg, k.kernText())
	if len(refs) == 0 {
		return patch.NotFound("references to %q", msg)
	}
	seen := make(map[int]bool)
	for _, x := range refs {
		start, ok := k.funcStart(x.Load)
		if !ok || seen[start] {
			continue
		}
		seen[start] = true
		end := k.FuncEnd(start, 0x800)
		hits := k.MatchIn(start, min(start+0x120, end), patch.Call, patch.CB(0, patch.Narrow))
		if len(hits) != 2 {
			k.Debugf("execve helper at %#x: %d early bl+cb w0 sites, want 2", start, len(hits))
			continue
		}
		set.Word(hits[0], arm64.MovX0_0, "mov x0,#0 [AMFI execve helper A]")
		set.Word(hits[1], arm64.MovX0_0, "mov x0,#0 [AMFI execve helper B]")
		return nil
	}
	return patch.NotFound("execve helper with two early checks")
}

func cmpW0Imm(i arm64.Instruction) bool {
	return i.Op == arm64.OpCMP && !i.HasRm && i.Rn == arm64.W(0)
}

// calledJustBefore reports a bl in the two instructions before off, not
// crossing lo.
func (k *kernel) calledJustBefore(off, lo int) bool {
	for back := off - 4; back > max(off-12, lo); back -= 4 {
		if k.BLTarget(back) >= 0 {
			return true
		}
	}
	return false
}

// postValidationAdditional forces the result checks in the callees of the
// code signature validation path to compare equal.
func postValidationAdditional(k *kernel, set *patch.Set) error {
	amfi := k.amfiText()
	refs := k.refs(codeSigFailedMsg, amfi)
	if len(refs) == 0 {
		return patch.NotFound("references to %q", codeSigFailedMsg)
	}
	caller, ok := k.funcStart(refs[0].Load)
	if !ok {
		return patch.NotFound("function referencing %q", codeSigFailedMsg)
	}
	targets := k.Callees(caller, k.FuncEnd(caller, 0x2000))
	sort.Ints(targets)
	for _, t := range targets {
		if !inRanges(amfi, t) {
			continue
		}
		for _, off := range k.MatchIn(t, k.FuncEnd(t, 0x200), cmpW0Imm, patch.BCond(arm64.CondNE)) {
			if set.Has(off) || !k.calledJustBefore(off, t) {
				continue
			}
			set.Word(off, arm64.CmpW0W0, "cmp w0,w0 [postValidation additional]")
		}
	}
	if set.Len() == 0 {
		return patch.NotFound("cmp w0,#imm; b.ne after a call in %d callees", len(targets))
	}
	return nil
}

// beforeExecveKill returns the function laid out right before the execve
// kill helper, which is _cred_label_update_execve.
func (k *kernel) beforeExecveKill() (int, bool) {
	refs := k.refs(k.execveKillString(), k.amfiText())
	if len(refs) == 0 {
		return -1, false
	}
	kill, ok := k.funcStart(refs[0].Load)
	if !ok {
		return -1, false
	}
	lo := 0
	if r, ok := k.RangeOf(kill); ok {
		lo = r.Start
	}
	ret := k.Backward(kill-4, max(kill-0x400, lo)+4, isReturnWord)
	if ret < 0 {
		return -1, false
	}
	start := k.Backward(ret-4, max(ret-0x400, lo)+4, patch.Op(arm64.OpPACIBSP))
	return start, start >= 0
}

// credLabelUpdateExecve sends the return of _cred_label_update_execve
// through shellcode that marks the new credential's cs_flags as a valid
// platform binary and clears the hard/kill bits.
func credLabelUpdateExecve(k *kernel, set *patch.Set) error {
	fn := -1
	if name, off, ok := k.Symbols().Contains("cred_label_update_execve", "hook"); ok {
		k.Debugf("resolved %s at %#x", name, off)
		fn = off
	} else if off, ok := k.beforeExecveKill(); ok {
		fn = off
	}
	if fn < 0 {
		return patch.NotFound("_cred_label_update_execve")
	}
	f := k.FuncFrom(fn, 0x200)
	ret := k.Backward(f.End-4, f.Start+4, isReturnWord)
	if ret < 0 {
		return patch.NotFound("return of _cred_label_update_execve at %#x", fn)
	}

	cave, err := k.AllocCave(32)
	if err != nil {
		return err
	}
	code, err := k.Assemble(`
		ldr x0, [sp, #8]
		ldr w1, [x0]
		orr w1, w1, #0x4000000
		orr w1, w1, #0xf
		and w1, w1, #0xffffc0ff
		str w1, [x0]
		mov x0, xzr
		retab`, cave.Offset)
	if err != nil {
		return err
	}
	b, err := k.B(ret, cave.Offset)
	if err != nil {
		return err
	}
	set.Add(cave.Offset, code, "cs_flags shellcode [_cred_label_update_execve]")
	set.Word(ret, b, fmt.Sprintf("b %#x [_cred_label_update_execve]", cave.Offset))
	return nil
}
