package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/fwpatch/pkg/patch"
)

// policyConf is the head of struct mac_policy_conf.
type policyConf struct {
	Name           uint64
	FullName       uint64
	LabelNames     uint64
	LabelNameCount uint32
	_              uint32
	Ops            uint64
}

const policyConfSize = 40

// extendedHooks are the mac_policy_ops slots stubbed on top of the base
// sandbox hooks, in patch order.
var extendedHooks = []struct {
	name  string
	index int
}{
	{"vnode_check_getattr", 245},
	{"proc_check_get_cs_info", 249},
	{"proc_check_set_cs_info", 250},
	{"proc_check_set_cs_info2", 252},
	{"vnode_check_chroot", 254},
	{"vnode_check_create", 255},
	{"vnode_check_deleteextattr", 256},
	{"vnode_check_exchangedata", 257},
	{"vnode_check_exec", 258},
	{"vnode_check_getattrlist", 259},
	{"vnode_check_getextattr", 260},
	{"vnode_check_ioctl", 261},
	{"vnode_check_link", 264},
	{"vnode_check_listextattr", 265},
	{"vnode_check_open", 267},
	{"vnode_check_readlink", 270},
	{"vnode_check_setattrlist", 275},
	{"vnode_check_setextattr", 276},
	{"vnode_check_setflags", 277},
	{"vnode_check_setmode", 278},
	{"vnode_check_setowner", 279},
	{"vnode_check_setutimes", 280},
	{"vnode_check_stat", 281},
	{"vnode_check_truncate", 282},
	{"vnode_check_unlink", 283},
	{"vnode_check_fsgetpath", 316},
}

// sandboxOps locates the Sandbox mac_policy_conf in the data segments by
// its name and fullname pointers and returns the file offset of its
// mac_policy_ops table.
func (k *kernel) sandboxOps() (int, error) {
	name, ok := k.FindExactCString("Sandbox")
	if !ok {
		return -1, patch.NotFound("policy name %q", "Sandbox")
	}
	full, ok := k.FindExactCString("Seatbelt sandbox policy")
	if !ok {
		return -1, patch.NotFound("policy fullname %q", "Seatbelt sandbox policy")
	}
	for _, r := range k.dataRanges() {
		for off := r.Start &^ 7; off+policyConfSize <= r.End; off += 8 {
			if k.pointer(k.u64(off)) != name || k.pointer(k.u64(off+8)) != full {
				continue
			}
			var conf policyConf
			if err := binary.Read(bytes.NewReader(k.Data()[off:off+policyConfSize]), binary.LittleEndian, &conf); err != nil {
				return -1, fmt.Errorf("failed to read mac_policy_conf at %#x: %w", off, err)
			}
			ops := k.pointer(conf.Ops)
			if ops < 0 {
				continue
			}
			k.Debugf("mac_policy_conf at %#x, ops at %#x", off, ops)
			return ops, nil
		}
	}
	return -1, patch.NotFound("Sandbox mac_policy_conf")
}

// opsEntry returns the hook in slot index of the ops table, or -1.
func (k *kernel) opsEntry(ops, index int) int {
	return k.pointer(k.u64(ops + 8*index))
}

// sandboxHooksExtended stubs the extended sandbox hooks to allow.
func sandboxHooksExtended(k *kernel, set *patch.Set) error {
	ops, err := k.sandboxOps()
	if err != nil {
		return err
	}
	sandbox := k.sandboxText()
	seen := make(map[int]bool)
	for _, h := range extendedHooks {
		fn := k.opsEntry(ops, h.index)
		if fn < 0 || !inRanges(sandbox, fn) || seen[fn] {
			continue
		}
		seen[fn] = true
		stub(set, fn, "_hook_"+h.name)
	}
	if len(seen) == 0 {
		return patch.NotFound("extended sandbox hooks in the ops table")
	}
	return nil
}

// credLabelHook finds the cred_label_update_execve slot as the largest hook
// among the first 30 entries of the ops table.
func (k *kernel) credLabelHook(ops int) (index, hook int, err error) {
	index, hook = -1, -1
	best := 0
	for n := 0; n < 30; n++ {
		fn := k.opsEntry(ops, n)
		if fn < 0 || !k.InCode(fn) {
			continue
		}
		if size := k.FuncEnd(fn, 0x2000) - fn; size > best {
			index, hook, best = n, fn, size
		}
	}
	if index < 0 || best < 1000 {
		return -1, -1, patch.NotFound("cred_label_update_execve hook in ops[0:30] (largest %d bytes)", best)
	}
	return index, hook, nil
}

// hookCredLabelUpdateExecve points the sandbox cred_label_update_execve
// slot at a wrapper that copies the executable's setuid/setgid owner into
// the new credential before tail calling the original hook.
func hookCredLabelUpdateExecve(k *kernel, set *patch.Set) error {
	getattr, _, ok := k.Resolve("_vnode_getattr")
	if !ok {
		getattr, ok = k.funcByString("vnode_getattr", nil)
	}
	if !ok {
		return patch.NotFound("_vnode_getattr")
	}
	ops, err := k.sandboxOps()
	if err != nil {
		return err
	}
	index, hook, err := k.credLabelHook(ops)
	if err != nil {
		return err
	}
	k.Debugf("cred_label_update_execve at ops[%d] = %#x", index, hook)

	cave, err := k.AllocCave(180)
	if err != nil {
		return err
	}
	code, err := k.Assemble(fmt.Sprintf(`
		nop
		cbz  x3, #0xa8
		sub  sp, sp, #0x400
		stp  x29, x30, [sp]
		stp  x0, x1, [sp, #16]
		stp  x2, x3, [sp, #32]
		stp  x4, x5, [sp, #48]
		stp  x6, x7, [sp, #64]
		mrs  x8, tpidr_el1
		stp  x8, x0, [sp, #0x70]
		add  x2, sp, #0x70
		ldr  x0, [sp, #0x28]
		add  x1, sp, #0x80
		mov  w8, #0x380
		stp  xzr, x8, [x1]
		stp  xzr, xzr, [x1, #0x10]
		nop
		bl   %#x
		cbnz x0, #0x50
		mov  w2, #0
		ldr  w8, [sp, #0xcc]
		tbz  w8, #11, #0x14
		ldr  w8, [sp, #0xc4]
		ldr  x0, [sp, #0x18]
		str  w8, [x0, #0x18]
		mov  w2, #1
		ldr  w8, [sp, #0xcc]
		tbz  w8, #10, #0x14
		mov  w2, #1
		ldr  w8, [sp, #0xc8]
		ldr  x0, [sp, #0x18]
		str  w8, [x0, #0x28]
		cbz  w2, #0x1c
		ldr  x0, [sp, #0x20]
		ldr  w8, [x0, #0x454]
		orr  w8, w8, #0x100
		str  w8, [x0, #0x454]
		ldp  x0, x1, [sp, #16]
		ldp  x2, x3, [sp, #32]
		ldp  x4, x5, [sp, #48]
		ldp  x6, x7, [sp, #64]
		ldp  x29, x30, [sp]
		add  sp, sp, #0x400
		nop
		b    %#x`, k.VA(getattr), k.VA(hook)), cave.Offset)
	if err != nil {
		return err
	}
	slot := ops + 8*index
	ptr := k.u64(slot)&0xFFFFFFFF00000000 | uint64(cave.Offset)
	if k.u64(slot)&tagMask == tagMask {
		ptr = k.VA(cave.Offset)
	}
	set.Add(cave.Offset, code, "vnode_getattr owner propagation [_hook_cred_label_update_execve]")
	set.U64(slot, ptr,
		fmt.Sprintf("ops[%d] = %#x [_hook_cred_label_update_execve]", index, cave.Offset))
	return nil
}
