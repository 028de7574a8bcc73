package kernel

import (
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	kernelMapPanic   = "userspace has control access to a kernel map"
	cryptexesPath    = "/private/preboot/Cryptexes"
	pacDiscriminator = 0xc8a2
	authBitMask      = 0x40000000000000
)

// branchTarget returns the destination of a direct branch at off other than
// bl, or -1.
func (k *kernel) branchTarget(off int) int {
	i := k.At(off)
	if i.Op != arm64.OpB && !i.IsCondBranch() {
		return -1
	}
	return k.Target(i)
}

// convertPortToMap rewrites the branch into the kernel-map panic of
// _convert_port_to_map_with_flavor to jump past the panic call.
func convertPortToMap(k *kernel, set *patch.Set) error {
	str, ok := k.FindCString(kernelMapPanic)
	if !ok {
		return patch.NotFound("%q", kernelMapPanic)
	}
	refs := k.XrefsTo(str, k.kernText()...)
	if len(refs) == 0 {
		return patch.NotFound("references to %q", kernelMapPanic)
	}
	panicOff := k.panicFunc()
	for _, x := range refs {
		bl := k.Forward(x.Add, min(x.Add+0x40, k.Size()), func(i arm64.Instruction) bool {
			return i.IsCall() && k.Offset(i.Target) == panicOff
		})
		if bl < 0 {
			continue
		}
		resume := bl + 4
		lo := x.Load - 0x40
		for back := x.Load - 4; back > max(x.Load-0x200, 0); back -= 4 {
			t := k.branchTarget(back)
			if t < 0 || t < lo || t > resume {
				continue
			}
			w, err := k.B(back, resume)
			if err != nil {
				return err
			}
			set.Word(back, w, fmt.Sprintf("b %#x [_convert_port_to_map skip panic]", resume))
			return nil
		}
	}
	return patch.NotFound("branch into the kernel map panic")
}

// rareCallTested finds a bl to a function with fewer than 20 callers whose
// result is tested with tbz/tbnz w0 in the next four instructions.
func (k *kernel) rareCallTested(start, end int) int {
	calls := k.Calls()
	tested := patch.TB(0, -1)
	for off := start &^ 3; off+8 <= end; off += 4 {
		t := k.BLTarget(off)
		if t < 0 || calls.Count(t) >= 20 {
			continue
		}
		for d := 1; d <= 4; d++ {
			if i := k.At(off + 4*d); tested(i) && !i.Rd.Wide {
				return off
			}
		}
	}
	return -1
}

// vmFaultEnterPrepare drops the pmap check call in _vm_fault_enter_prepare.
func vmFaultEnterPrepare(k *kernel, set *patch.Set) error {
	stage := func(off int) error {
		set.Word(off, arm64.NOP, "nop [_vm_fault_enter_prepare]")
		return nil
	}
	if f, _, ok := k.Resolve("_vm_fault_enter_prepare"); ok {
		if off := k.rareCallTested(f+0x100, k.FuncEnd(f, 0x2000)); off >= 0 {
			return stage(off)
		}
	}
	if str, ok := k.FindCString("vm_fault_enter_prepare"); ok {
		for _, x := range k.XrefsTo(str) {
			f, ok := k.funcStart(x.Load)
			if !ok {
				continue
			}
			if off := k.rareCallTested(f+0x100, k.FuncEnd(f, 0x4000)); off >= 0 {
				return stage(off)
			}
		}
	}
	found := -1
	each(k.kernText(), func(off int) bool {
		if k.rareCallTested(off, off+20) != off {
			return true
		}
		if f, ok := k.funcStart(off); ok && k.FuncEnd(f, 0x4000)-f > 0x2000 {
			found = off
			return false
		}
		return true
	})
	if found < 0 {
		return patch.NotFound("rare bl + tbz w0 in a large function")
	}
	return stage(found)
}

// vmMapProtect branches over the high-bit permission guard of
// _vm_map_protect.
func vmMapProtect(k *kernel, set *patch.Set) error {
	f, _, ok := k.Resolve("_vm_map_protect")
	if !ok {
		f, ok = k.funcByString("vm_map_protect(", k.kernText())
	}
	if !ok {
		return patch.NotFound("_vm_map_protect")
	}
	off := k.Forward(f, k.FuncEnd(f, 0x2000), func(i arm64.Instruction) bool {
		return i.Op == arm64.OpTBNZ && i.Bit >= 24 && i.Target > i.Address
	})
	if off < 0 {
		return patch.NotFound("tbnz #>=24 in _vm_map_protect")
	}
	target := k.Target(k.At(off))
	w, err := k.B(off, target)
	if err != nil {
		return err
	}
	set.Word(off, w, fmt.Sprintf("b %#x [_vm_map_protect]", target))
	return nil
}

// authTriplets returns each tst xN,#(1<<54); b.eq; movk xN,#0xc8a2 in
// [start, end) as the tst offset and the b.eq target.
func (k *kernel) authTriplets(start, end int) [][2]int {
	var out [][2]int
	for _, off := range k.MatchIn(start, end,
		func(i arm64.Instruction) bool { return i.Op == arm64.OpTST && i.Imm == authBitMask },
		patch.BCond(arm64.CondEQ),
		func(i arm64.Instruction) bool { return i.Op == arm64.OpMOVK && i.Imm == pacDiscriminator },
	) {
		out = append(out, [2]int{off, k.Target(k.At(off + 4))})
	}
	return out
}

// loadDylinker skips the PAC re-signing of the last authenticated pointer in
// the chained fixup rebase loop used while loading dyld. The rebase routine
// is only reached through a function pointer so it has no bl callers.
func loadDylinker(k *kernel, set *patch.Set) error {
	var site [2]int
	found := false
	if f, _, ok := k.Resolve("_load_dylinker"); ok {
		if ts := k.authTriplets(f, k.FuncEnd(f, 0x2000)); len(ts) > 0 {
			site, found = ts[len(ts)-1], true
		}
	}
	if !found {
		calls := k.Calls()
		for _, f := range k.Funcs(0x2000, k.kernText()...) {
			if calls.Count(f.Start) > 0 {
				continue
			}
			if ts := k.authTriplets(f.Start, f.End); len(ts) >= 3 {
				k.Debugf("rebase routine at %#x with %d triplets", f.Start, len(ts))
				site, found = ts[len(ts)-1], true
				break
			}
		}
	}
	if !found {
		return patch.NotFound("PAC rebase routine (tst; b.eq; movk #0xc8a2)")
	}
	w, err := k.B(site[0], site[1])
	if err != nil {
		return err
	}
	set.Word(site[0], w, fmt.Sprintf("b %#x [_load_dylinker PAC bypass]", site[1]))
	return nil
}

// sharedRegionMap forces the root vnode comparison in
// _shared_region_map_and_slide_setup to succeed.
func sharedRegionMap(k *kernel, set *patch.Set) error {
	f, _, ok := k.Resolve("_shared_region_map_and_slide_setup")
	if !ok {
		f, ok = k.funcByString(cryptexesPath, k.kernText())
	}
	if !ok {
		return patch.NotFound("_shared_region_map_and_slide_setup")
	}
	hits := k.MatchIn(f, k.FuncEnd(f, 0x2000),
		func(i arm64.Instruction) bool { return i.Op == arm64.OpCMP && i.HasRm },
		patch.BCond(arm64.CondNE))
	if len(hits) == 0 {
		return patch.NotFound("cmp reg,reg; b.ne in %#x", f)
	}
	set.Word(hits[0], arm64.CmpX0X0, "cmp x0,x0 [_shared_region_map_and_slide_setup]")
	return nil
}
