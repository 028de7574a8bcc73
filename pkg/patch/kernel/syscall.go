package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

type returnType int32

const RET_UINT64_T returnType = 7

// sysent is one entry of the BSD system call table.
type sysent struct {
	Call       uint64     // implementing function
	Munge      uint64     // system call arguments munger for 32-bit process
	ReturnType returnType // system call return types
	NArg       int16      // number of args
	ArgBytes   uint16     // total size of arguments in bytes for 32-bit system calls
}

const (
	sysentSize = 24
	sysKasInfo = 439
	enosys     = 0x4e
)

// nosys finds _nosys, the mov w0,#ENOSYS; ret stub, optionally behind a
// pacibsp.
func (k *kernel) nosys() (int, bool) {
	if off, _, ok := k.Resolve("_nosys"); ok {
		return off, true
	}
	ret := patch.Word(arm64.RET)
	mov := patch.MovImm(0, enosys)
	for _, r := range k.CodeRanges() {
		for off := r.Start &^ 3; off+8 <= r.End; off += 4 {
			if k.Seq(off, mov, ret) {
				return off, true
			}
			if k.Seq(off, patch.Op(arm64.OpPACIBSP), mov, ret) {
				return off, true
			}
		}
	}
	return -1, false
}

// sysentTable finds the system call table in the data segments: the first
// slot whose call is _nosys and whose successor's call is code.
func (k *kernel) sysentTable(nosys int) (int, bool) {
	for _, r := range k.dataRanges() {
		for off := r.Start &^ 7; off+sysentSize+8 <= r.End; off += 8 {
			if k.pointer(k.u64(off)) != nosys {
				continue
			}
			if next := k.pointer(k.u64(off + sysentSize)); next > 0 && k.InCode(next) {
				return off, true
			}
		}
	}
	return -1, false
}

// thidShouldCrash zeroes the thid_should_crash global. Without a symbol the
// variable is reached through the sysctl_oid laid out after its name, whose
// pointer slots keep the target file offset in their low 32 bits.
func thidShouldCrash(k *kernel, set *patch.Set) error {
	zero := func(off int) error {
		set.Add(off, make([]byte, 4), "zero [_thid_should_crash]")
		return nil
	}
	if off, _, ok := k.Resolve("_thid_should_crash"); ok {
		return zero(off)
	}
	str, ok := k.FindCString("thid_should_crash")
	if !ok {
		return patch.NotFound("%q", "thid_should_crash")
	}
	data := k.dataRanges()
	small := func(off int) bool {
		v := k.u32(off)
		return v >= 1 && v <= 255
	}
	for delta := 0; delta < 128 && str+delta+8 <= k.Size(); delta += 8 {
		v := k.u64(str + delta)
		target := int(v & 0xFFFFFFFF)
		if v == 0 || target == 0 || target >= k.Size() {
			continue
		}
		if small(target) && inRanges(data, target) {
			k.Debugf("variable at %#x via sysctl_oid at name+%#x", target, delta)
			return zero(target)
		}
	}
	if xs := k.XrefsTo(str); len(xs) > 0 {
		if f, ok := k.funcStart(xs[0].Load); ok {
			end := k.FuncEnd(f, 0x200)
			for off := f; off+8 <= end; off += 4 {
				adrp, add := k.At(off), k.At(off+4)
				if adrp.Op != arm64.OpADRP || add.Op != arm64.OpADD || add.HasRm {
					continue
				}
				target := k.Offset(adrp.Target + uint64(add.Imm))
				if target > 0 && target+4 <= k.Size() && small(target) {
					return zero(target)
				}
			}
		}
	}
	return patch.NotFound("_thid_should_crash variable")
}

// syscallmaskApplyToProc diverts _syscallmask_apply_to_proc to a filter that
// installs an all-ones mask through _zalloc_ro_mut before tail calling
// _proc_set_syscall_filter_mask. The mask lives in the first 40 bytes of the
// cave and the code starts after it.
func syscallmaskApplyToProc(k *kernel, set *patch.Set) error {
	fn, _, ok := k.Resolve("_syscallmask_apply_to_proc")
	if !ok {
		fn, ok = k.funcByString("syscallmask.c", k.kernText())
	}
	if !ok {
		return patch.NotFound("_syscallmask_apply_to_proc")
	}
	end := k.FuncEnd(fn, 0x200)
	calls := k.Calls()

	zalloc, _, ok := k.Resolve("_zalloc_ro_mut")
	if !ok {
		for _, t := range k.Callees(fn, end) {
			if calls.Count(t) > 50 {
				zalloc, ok = t, true
				break
			}
		}
	}
	filter, _, found := k.Resolve("_proc_set_syscall_filter_mask")
	if !found {
		kern := k.kernText()
		for off := end - 4; off > fn; off -= 4 {
			if t := k.BLTarget(off); t >= 0 {
				filter, found = t, true
				break
			}
			if i := k.At(off); i.Op == arm64.OpB {
				if t := k.Target(i); inRanges(kern, t) {
					filter, found = t, true
					break
				}
			}
		}
	}
	if !ok || !found {
		return patch.NotFound("_zalloc_ro_mut (%t) and _proc_set_syscall_filter_mask (%t)", ok, found)
	}

	site := k.Forward(fn, min(fn+0x100, end), patch.Call)
	if site < 0 || site-4 < fn {
		return patch.NotFound("call to redirect in _syscallmask_apply_to_proc")
	}

	cave, err := k.AllocCave(160)
	if err != nil {
		return err
	}
	entry := cave.Offset + 40
	code, err := k.Assemble(fmt.Sprintf(`
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		.long 0xffffffff
		cbz  x2, #0x6c
		sub  sp, sp, #0x40
		stp  x19, x20, [sp, #0x10]
		stp  x21, x22, [sp, #0x20]
		stp  x29, x30, [sp, #0x30]
		mov  x19, x0
		mov  x20, x1
		mov  x21, x2
		mov  x22, x3
		mov  x8, #8
		mov  x0, x17
		mov  x1, x21
		mov  x2, #0
		adr  x3, #-0x5c
		udiv x4, x22, x8
		msub x10, x4, x8, x22
		cbz  x10, #8
		add  x4, x4, #1
		bl   %#x
		mov  x0, x19
		mov  x1, x20
		mov  x2, x21
		mov  x3, x22
		ldp  x19, x20, [sp, #0x10]
		ldp  x21, x22, [sp, #0x20]
		ldp  x29, x30, [sp, #0x30]
		add  sp, sp, #0x40
		b    %#x`, k.VA(zalloc), k.VA(filter)), cave.Offset)
	if err != nil {
		return err
	}
	mov, err := k.AssembleWord("mov x17, x0", site-4)
	if err != nil {
		return err
	}
	b, err := k.B(site, entry)
	if err != nil {
		return err
	}
	set.Add(cave.Offset, code, "filter mask shellcode [_syscallmask_apply_to_proc]")
	set.Word(site-4, mov, "mov x17,x0 [_syscallmask_apply_to_proc]")
	set.Word(site, b, fmt.Sprintf("b %#x [_syscallmask_apply_to_proc]", entry))
	return nil
}

// kcall10 replaces SYS_kas_info with a trampoline that calls an arbitrary
// kernel function with ten arguments read from, and results written back to,
// the user argument block.
func kcall10(k *kernel, set *patch.Set) error {
	nosys, ok := k.nosys()
	if !ok {
		return patch.NotFound("_nosys")
	}
	table, ok := k.sysentTable(nosys)
	if !ok {
		return patch.NotFound("sysent table (first call %#x)", nosys)
	}
	entry := table + sysKasInfo*sysentSize
	if entry+sysentSize > k.Size() {
		return patch.NotFound("sysent[%d] past end of image", sysKasInfo)
	}
	k.Debugf("sysent at %#x, _nosys at %#x", table, nosys)

	var sc sysent
	if err := binary.Read(bytes.NewReader(k.Data()[entry:entry+sysentSize]), binary.LittleEndian, &sc); err != nil {
		return fmt.Errorf("failed to read sysent[%d]: %w", sysKasInfo, err)
	}

	cave, err := k.AllocCave(128)
	if err != nil {
		return err
	}
	code, err := k.Assemble(`
		ldr x10, [sp, #0x40]
		ldp x0, x1, [x10]
		ldp x2, x3, [x10, #0x10]
		ldp x4, x5, [x10, #0x20]
		ldp x6, x7, [x10, #0x30]
		ldp x8, x9, [x10, #0x40]
		ldr x10, [x10, #0x50]
		mov x16, x0
		mov x0, x1
		mov x1, x2
		mov x2, x3
		mov x3, x4
		mov x4, x5
		mov x5, x6
		mov x6, x7
		mov x7, x8
		mov x8, x9
		mov x9, x10
		stp x29, x30, [sp, #-0x10]!
		blr x16
		ldp x29, x30, [sp], #0x10
		ldr x11, [sp, #0x40]
		nop
		stp x0, x1, [x11]
		stp x2, x3, [x11, #0x10]
		stp x4, x5, [x11, #0x20]
		stp x6, x7, [x11, #0x30]
		stp x8, x9, [x11, #0x40]
		str x10, [x11, #0x50]
		mov x0, #0
		ret
		nop`, cave.Offset)
	if err != nil {
		return err
	}

	sc.Call = k.VA(cave.Offset)
	if munge, _, ok := k.Resolve("_munge_wwwwwwww"); ok {
		sc.Munge = k.VA(munge)
	} else if _, munge, ok := k.Symbols().Contains("munge_wwwwwwww"); ok {
		sc.Munge = k.VA(munge)
	}
	sc.ReturnType = RET_UINT64_T
	sc.NArg = 8
	sc.ArgBytes = 0x20
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, sc); err != nil {
		return fmt.Errorf("failed to encode sysent[%d]: %w", sysKasInfo, err)
	}
	set.Add(cave.Offset, code, "kcall10 trampoline")
	set.Add(entry, buf.Bytes(), fmt.Sprintf("sysent[%d] = kcall10 %#x", sysKasInfo, sc.Call))
	return nil
}
