package kernel

import (
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

// taskConversionEvalInternal makes the kernel-task guard of
// task_conversion_eval_internal compare xzr with itself.
//
//	ldr  xN, [xN, #..]
//	cmp  xN, x0
//	b.eq ..
//	cmp  xN, x1
//	b.eq ..
func taskConversionEvalInternal(k *kernel, set *patch.Set) error {
	var hits []int
	each(k.kernText(), func(off int) bool {
		if off < 4 {
			return true
		}
		cmp := k.At(off)
		if cmp.Op != arm64.OpCMP || !cmp.HasRm || cmp.Rm != arm64.X(0) {
			return true
		}
		reg := cmp.Rn
		ldr := k.At(off - 4)
		if ldr.Op != arm64.OpLDR || ldr.Rd != reg || ldr.Rn.Num != reg.Num || ldr.Rn.SP {
			return true
		}
		second := func(i arm64.Instruction) bool {
			return i.Op == arm64.OpCMP && i.HasRm && i.Rn == reg && i.Rm == arm64.X(1)
		}
		if k.Seq(off+4, patch.BCond(arm64.CondEQ), second, patch.BCond(arm64.CondEQ)) {
			hits = append(hits, off)
		}
		return true
	})
	if err := patch.Expect("task conversion guard", len(hits), 1); err != nil {
		return err
	}
	set.Word(hits[0], arm64.CmpXZRXZR, "cmp xzr,xzr [_task_conversion_eval_internal]")
	return nil
}

// procInfo finds _proc_info by its callnum bounds check:
//
//	sub wN, wM, #1
//	cmp wN, #0x21
func (k *kernel) procInfo() (int, bool) {
	start := -1
	each(k.kernText(), func(off int) bool {
		sub := k.At(off)
		if sub.Op != arm64.OpSUB || sub.HasRm || sub.Imm != 1 {
			return true
		}
		cmp := k.At(off + 4)
		if cmp.Op != arm64.OpCMP || cmp.HasRm || cmp.Imm != 0x21 || cmp.Rn.Num != sub.Rd.Num {
			return true
		}
		if s, ok := k.funcStart(off); ok {
			start = s
		}
		return false
	})
	return start, start >= 0
}

// procSecurityPolicy stubs _proc_security_policy, which _proc_info calls
// once per flavor and so is the callee it calls most.
func procSecurityPolicy(k *kernel, set *patch.Set) error {
	if off, _, ok := k.Resolve("_proc_security_policy"); ok {
		stub(set, off, "_proc_security_policy")
		return nil
	}
	info, ok := k.procInfo()
	if !ok {
		return patch.NotFound("_proc_info switch (sub #1; cmp #0x21)")
	}
	kern := k.kernText()
	end := k.FuncEnd(info, 0x4000)
	counts := make(map[int]int)
	var order []int
	for off := info; off < end; off += 4 {
		t := k.BLTarget(off)
		if t < 0 || !inRanges(kern, t) {
			continue
		}
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	best, n := -1, 0
	for _, t := range order {
		if counts[t] > n {
			best, n = t, counts[t]
		}
	}
	k.Debugf("_proc_info at %#x, most called %#x (%d calls)", info, best, n)
	if n < 3 {
		return patch.NotFound("callee called at least 3 times from _proc_info")
	}
	stub(set, best, "_proc_security_policy")
	return nil
}

// procPidinfo removes the two pid-0 guards at the top of _proc_pidinfo or
// _proc_info.
func procPidinfo(k *kernel, set *patch.Set) error {
	if off, _, ok := k.Resolve("_proc_pidinfo"); ok {
		if hits := k.narrowCB(off); len(hits) >= 2 {
			set.Word(hits[0], arm64.NOP, "nop [_proc_pidinfo pid-0 guard A]")
			set.Word(hits[1], arm64.NOP, "nop [_proc_pidinfo pid-0 guard B]")
			return nil
		}
	}
	info, ok := k.procInfo()
	if !ok {
		return patch.NotFound("_proc_info switch (sub #1; cmp #0x21)")
	}
	hits := k.MatchIn(info, min(info+0x80, k.Size()), patch.Op(arm64.OpCBZ, arm64.OpCBNZ))
	if len(hits) < 2 {
		return patch.NotFound("two early cbz/cbnz in _proc_info, found %d", len(hits))
	}
	set.Word(hits[0], arm64.NOP, "nop [_proc_pidinfo pid-0 guard A]")
	set.Word(hits[1], arm64.NOP, "nop [_proc_pidinfo pid-0 guard B]")
	return nil
}

// narrowCB returns the cbz/cbnz on w registers in the first 0x80 bytes
// from off.
func (k *kernel) narrowCB(off int) []int {
	var out []int
	for p := off; p+4 <= min(off+0x80, k.Size()); p += 4 {
		if i := k.At(p); i.IsCompareZero() && !i.Rd.Wide {
			out = append(out, p)
		}
	}
	return out
}

func isLdr490(i arm64.Instruction) bool {
	return i.Op == arm64.OpLDR && !i.Rd.Wide && i.Imm == 0x490
}

func isStrC(i arm64.Instruction) bool {
	return i.Op == arm64.OpSTR && !i.Rd.Wide && i.Imm == 0xc
}

// procROCopies returns every ldr wN,[xM,#0x490]; str wN,[xK,#0xc] pair in
// [start, end).
func (k *kernel) procROCopies(start, end int) []int {
	return k.MatchIn(start, end, isLdr490, isStrC)
}

// taskForPid drops the copy of the target's proc_ro security fields in
// _task_for_pid. Without a symbol the trap is recognized by its profile: no
// direct callers, two ldadda, two proc_ro copies, the 0xc8a2 discriminator
// and a call to a common helper that is not _panic.
func taskForPid(k *kernel, set *patch.Set) error {
	if off, _, ok := k.Resolve("_task_for_pid"); ok {
		if copies := k.procROCopies(off, k.FuncEnd(off, 0x800)); len(copies) >= 2 {
			set.Word(copies[1], arm64.NOP, "nop [_task_for_pid proc_ro copy]")
			return nil
		}
	}
	calls := k.Calls()
	for _, f := range k.Funcs(0x1000, k.kernText()...) {
		if calls.Count(f.Start) > 0 {
			continue
		}
		var ldadda int
		var discriminator, common bool
		for off := f.Start; off < f.End; off += 4 {
			i := k.At(off)
			switch {
			case i.Op == arm64.OpLDADD && i.Acquire:
				ldadda++
			case i.Op == arm64.OpMOVK && i.Imm == 0xc8a2:
				discriminator = true
			case i.IsCall():
				if n := calls.Count(k.BLTarget(off)); n > 500 && n < 8000 {
					common = true
				}
			}
		}
		copies := k.procROCopies(f.Start, f.End)
		if ldadda >= 2 && len(copies) >= 2 && discriminator && common {
			k.Debugf("_task_for_pid at %#x", f.Start)
			set.Word(copies[1], arm64.NOP, "nop [_task_for_pid proc_ro copy]")
			return nil
		}
	}
	return patch.NotFound("_task_for_pid profile")
}

// personaPattern finds ldr wN,[xM,#0x600] followed within 0x30 bytes by
// tbnz wN,#1.
func (k *kernel) personaPattern(start, end int) (int, int, bool) {
	for off := start; off+0x30 <= end; off += 4 {
		i := k.At(off)
		if i.Op != arm64.OpLDR || i.Rd.Wide || i.Imm != 0x600 {
			continue
		}
		for d := 4; d < 0x30; d += 4 {
			t := k.At(off + d)
			if t.Op == arm64.OpTBNZ && t.Bit == 1 && !t.Rd.Wide {
				return off, off + d, true
			}
		}
	}
	return -1, -1, false
}

// spawnValidatePersona removes the persona flag load and test in
// _spawn_validate_persona.
func spawnValidatePersona(k *kernel, set *patch.Set) error {
	ldr, tbnz, ok := -1, -1, false
	if off, _, found := k.Resolve("_spawn_validate_persona"); found {
		ldr, tbnz, ok = k.personaPattern(off, k.FuncEnd(off, 0x800))
	}
	for _, r := range k.kernText() {
		if ok {
			break
		}
		ldr, tbnz, ok = k.personaPattern(r.Start, r.End)
	}
	if !ok {
		return patch.NotFound("ldr w,[x,#0x600] ... tbnz w,#1")
	}
	set.Word(ldr, arm64.NOP, "nop [_spawn_validate_persona ldr]")
	set.Word(tbnz, arm64.NOP, "nop [_spawn_validate_persona tbnz]")
	return nil
}
