package kernel

import (
	"fmt"
	"strings"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const nvramPermission = "__ZL16verifyPermission16IONVRAMOperationPKhPKcb"

var cbnzW0 = patch.CB(0, patch.Narrow, arm64.OpCBNZ)

// macCall returns the first bl immediately tested with cbnz w0 in
// [start, end), or -1.
func (k *kernel) macCall(start, end int) int {
	if hits := k.MatchIn(start, end, patch.Call, cbnzW0); len(hits) > 0 {
		return hits[0]
	}
	return -1
}

// macMount drops the MAC policy call in ___mac_mount and clears the flags
// register it feeds.
func macMount(k *kernel, set *patch.Set) error {
	f, _, ok := k.Resolve("___mac_mount", "__mac_mount")
	if !ok {
		f, ok = k.macMountFromCommon()
	}
	if !ok {
		return patch.NotFound("___mac_mount")
	}
	end := k.FuncEnd(f, 0x1000)
	bl := k.macCall(f, end)
	if bl < 0 {
		return patch.NotFound("bl; cbnz w0 in ___mac_mount at %#x", f)
	}
	set.Word(bl, arm64.NOP, "nop [___mac_mount MAC check]")
	mov := k.Forward(bl+8, min(bl+0x60, end), func(i arm64.Instruction) bool {
		return i.Op == arm64.OpMOV && i.Rd == arm64.X(8) && !(i.HasRm && i.Rm.IsZR())
	})
	if mov >= 0 {
		set.Word(mov, arm64.MovX8XZR, "mov x8,xzr [___mac_mount]")
	}
	return nil
}

// macMountFromCommon finds ___mac_mount among the kernel callees of
// mount_common as the first one holding a bl; cbnz w0 check.
func (k *kernel) macMountFromCommon() (int, bool) {
	common, ok := k.funcByString("mount_common()", k.kernText())
	if !ok {
		return -1, false
	}
	kern := k.kernText()
	for _, t := range k.Callees(common, k.FuncEnd(common, 0x2000)) {
		if inRanges(kern, t) && k.macCall(t, k.FuncEnd(t, 0x1000)) >= 0 {
			return t, true
		}
	}
	return -1, false
}

// macCheck finds mov w1,#0; mov x2,#0; bl (the movs in either order) and
// returns the bl offset, or -1.
func (k *kernel) macCheck(start, end int) int {
	w1, x2 := patch.MovImm(1, 0), patch.MovImm(2, 0)
	for _, order := range [][]patch.Pred{{w1, x2, patch.Call}, {x2, w1, patch.Call}} {
		if hits := k.MatchIn(start, end, order...); len(hits) > 0 {
			return hits[0] + 8
		}
	}
	return -1
}

// dounmount drops the MAC check call in _dounmount.
func dounmount(k *kernel, set *patch.Set) error {
	stage := func(off int) error {
		set.Word(off, arm64.NOP, "nop [_dounmount MAC check]")
		return nil
	}
	if f, _, ok := k.Resolve("_dounmount"); ok {
		if off := k.macCheck(f, k.FuncEnd(f, 0x1000)); off >= 0 {
			return stage(off)
		}
	}
	kern := k.kernText()
	if str, ok := k.FindCString("dounmount:"); ok {
		for _, x := range k.XrefsTo(str) {
			caller, ok := k.funcStart(x.Load)
			if !ok {
				continue
			}
			for _, t := range k.Callees(caller, k.FuncEnd(caller, 0x2000)) {
				if !inRanges(kern, t) {
					continue
				}
				if off := k.macCheck(t, k.FuncEnd(t, 0x400)); off >= 0 {
					return stage(off)
				}
			}
		}
	}
	for _, f := range k.Funcs(0x400, kern...) {
		if off := k.macCheck(f.Start, f.End); off >= 0 {
			return stage(off)
		}
	}
	return patch.NotFound("mov w1,#0; mov x2,#0; bl")
}

// rootAuthCalls returns every ldr x0,[xN,#0x2b8]; cbz x0; bl in
// [start, end) as the bl offset.
func (k *kernel) rootAuthCalls(start, end int) []int {
	hits := k.MatchIn(start, end,
		func(i arm64.Instruction) bool {
			return i.Op == arm64.OpLDR && i.Rd == arm64.X(0) && i.Imm == 0x2b8
		},
		patch.CB(0, patch.Wide, arm64.OpCBZ),
		patch.Call)
	for n := range hits {
		hits[n] += 8
	}
	return hits
}

// bsdInitAuth replaces the rootvp authentication call in _bsd_init with a
// zero result. Without the symbol the last match in the kernel wins since
// _bsd_init is laid out late.
func bsdInitAuth(k *kernel, set *patch.Set) error {
	bl := -1
	if f, _, ok := k.Resolve("_bsd_init"); ok {
		if hits := k.rootAuthCalls(f, k.FuncEnd(f, 0x2000)); len(hits) > 0 {
			bl = hits[0]
		}
	}
	if bl < 0 {
		var hits []int
		for _, r := range k.kernText() {
			hits = append(hits, k.rootAuthCalls(r.Start, r.End)...)
		}
		if len(hits) == 0 {
			return patch.NotFound("ldr x0,[x,#0x2b8]; cbz x0; bl")
		}
		k.Debugf("%d rootvp auth candidates, using the last", len(hits))
		bl = hits[len(hits)-1]
	}
	set.Word(bl, arm64.MovX0_0, "mov x0,#0 [_bsd_init auth]")
	return nil
}

// nvramVerifyPermission drops the entitlement test guarding the kernel-only
// "krn." variable prefix in IONVRAMController's verifyPermission.
func nvramVerifyPermission(k *kernel, set *patch.Set) error {
	f, _, ok := k.Resolve(nvramPermission)
	if !ok {
		var name string
		name, f, ok = k.Symbols().Contains("verifyPermission")
		ok = ok && strings.Contains(name, "NVRAM")
	}
	ref := -1
	if xs := k.refs("krn.", nil); len(xs) > 0 {
		ref = xs[0].Load
	}
	if !ok && ref >= 0 {
		f, ok = k.funcStart(ref)
	}
	if !ok {
		f, ok = k.funcByString("com.apple.private.iokit.nvram-write-access", nil)
	}
	if !ok {
		return patch.NotFound("verifyPermission")
	}
	tb := patch.Op(arm64.OpTBZ, arm64.OpTBNZ)
	off := -1
	if ref > f {
		off = k.Backward(ref-4, max(f, ref-0x1c), tb)
	}
	if off < 0 {
		off = k.Forward(f, k.FuncEnd(f, 0x600), tb)
	}
	if off < 0 {
		return patch.NotFound("tbz/tbnz in verifyPermission at %#x", f)
	}
	set.Word(off, arm64.NOP, "nop [verifyPermission NVRAM]")
	return nil
}

// ioSecureBSDRoot turns the first forward conditional branch of
// _IOSecureBSDRoot into an unconditional one.
func ioSecureBSDRoot(k *kernel, set *patch.Set) error {
	f, _, ok := k.Resolve("_IOSecureBSDRoot")
	if !ok {
		f, ok = k.funcByString("SecureRootName", nil)
	}
	if !ok {
		return patch.NotFound("_IOSecureBSDRoot")
	}
	off := k.Forward(f, k.FuncEnd(f, 0x400), func(i arm64.Instruction) bool {
		return (i.IsCompareZero() || i.IsTestBranch()) && i.Target > i.Address
	})
	if off < 0 {
		return patch.NotFound("forward cb/tb in _IOSecureBSDRoot at %#x", f)
	}
	target := k.Target(k.At(off))
	w, err := k.B(off, target)
	if err != nil {
		return err
	}
	set.Word(off, w, fmt.Sprintf("b %#x [_IOSecureBSDRoot]", target))
	return nil
}
