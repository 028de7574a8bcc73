// Package kernel holds the kernelcache rules.
//
// Release kernelcaches ship stripped, so every rule tries its symbol first and
// then falls back to string anchors, instruction shapes and call frequency.
// Rules are scoped to the fileset entry they target when the image is a
// fileset and to all executable code otherwise.
package kernel

import (
	"encoding/binary"
	"strings"

	"github.com/blacktop/fwpatch/pkg/analysis"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	kernelID  = "com.apple.kernel"
	amfiID    = "com.apple.driver.AppleMobileFileIntegrity"
	sandboxID = "com.apple.security.sandbox"

	retaa   = 0xD65F0BFF
	tagMask = 0xffff000000000000
)

// Catalog returns the kernel rules in run order.
func Catalog() patch.Catalog {
	return patch.Catalog{
		Name: "kernel",
		Rules: []patch.Rule{
			rule("amfi_cdhash_in_trustcache", amfiCDHashInTrustCache),
			rule("amfi_execve_kill_path", amfiExecveKillPath),
			rule("task_conversion_eval_internal", taskConversionEvalInternal),
			rule("sandbox_hooks_extended", sandboxHooksExtended),

			rule("post_validation_additional", postValidationAdditional),
			rule("proc_security_policy", procSecurityPolicy),
			rule("proc_pidinfo", procPidinfo),
			rule("convert_port_to_map", convertPortToMap),
			rule("vm_fault_enter_prepare", vmFaultEnterPrepare),
			rule("vm_map_protect", vmMapProtect),
			rule("mac_mount", macMount),
			rule("dounmount", dounmount),
			rule("bsd_init_auth", bsdInitAuth),
			rule("spawn_validate_persona", spawnValidatePersona),
			rule("task_for_pid", taskForPid),
			rule("load_dylinker", loadDylinker),
			rule("shared_region_map", sharedRegionMap),
			rule("nvram_verify_permission", nvramVerifyPermission),
			rule("io_secure_bsd_root", ioSecureBSDRoot),
			rule("thid_should_crash", thidShouldCrash),

			rule("cred_label_update_execve", credLabelUpdateExecve),
			rule("syscallmask_apply_to_proc", syscallmaskApplyToProc),
			rule("hook_cred_label_update_execve", hookCredLabelUpdateExecve),
			rule("kcall10", kcall10),
		},
	}
}

// kernel adds kernelcache specific lookups to a rule context.
type kernel struct {
	*patch.Context
}

func rule(name string, fn func(k *kernel, set *patch.Set) error) patch.Rule {
	return patch.New(name, func(ctx *patch.Context, set *patch.Set) error {
		return fn(&kernel{Context: ctx}, set)
	})
}

func (k *kernel) region(id string) []container.Range {
	if m := k.Image().MachO; m != nil {
		if e, ok := m.Entry(id); ok {
			if r, ok := e.TextRange(k.Size()); ok {
				if rs := k.Clip(r); len(rs) > 0 {
					return rs
				}
			}
		}
	}
	return k.CodeRanges()
}

func (k *kernel) kernText() []container.Range    { return k.region(kernelID) }
func (k *kernel) amfiText() []container.Range    { return k.region(amfiID) }
func (k *kernel) sandboxText() []container.Range { return k.region(sandboxID) }

func inRanges(rs []container.Range, off int) bool {
	for _, r := range rs {
		if r.Contains(off) {
			return true
		}
	}
	return false
}

// each visits every instruction offset in rs until fn returns false.
func each(rs []container.Range, fn func(off int) bool) {
	for _, r := range rs {
		for off := r.Start &^ 3; off+4 <= r.End; off += 4 {
			if !fn(off) {
				return
			}
		}
	}
}

func (k *kernel) funcStart(off int) (int, bool) {
	return k.FuncStart(off, analysis.DefaultFuncBack)
}

// refs returns the references to the first occurrence of needle inside
// scope, retrying over all code when the scoped pass finds none.
func (k *kernel) refs(needle string, scope []container.Range) []analysis.Xref {
	str, ok := k.FindCString(needle)
	if !ok {
		return nil
	}
	if xs := k.XrefsTo(str, scope...); len(xs) > 0 {
		return xs
	}
	return k.XrefsTo(str)
}

// funcByString returns the function holding the first reference to needle.
func (k *kernel) funcByString(needle string, scope []container.Range) (int, bool) {
	xs := k.refs(needle, scope)
	if len(xs) == 0 {
		return -1, false
	}
	return k.funcStart(xs[0].Load)
}

// panicFunc is the single most called function, which on a kernelcache is
// always _panic.
func (k *kernel) panicFunc() int {
	off, _ := k.Calls().MostCalled()
	return off
}

func (k *kernel) u64(off int) uint64 {
	if off < 0 || off+8 > k.Size() {
		return 0
	}
	return binary.LittleEndian.Uint64(k.Data()[off:])
}

func (k *kernel) u32(off int) uint32 {
	if off < 0 || off+4 > k.Size() {
		return 0
	}
	return binary.LittleEndian.Uint32(k.Data()[off:])
}

// pointer decodes a pointer slot to a file offset, or -1. Fully tagged
// values are plain addresses; kernelcache chained fixups keep the target
// file offset in the low 32 bits.
func (k *kernel) pointer(v uint64) int {
	if v == 0 {
		return -1
	}
	off := int(v & 0xFFFFFFFF)
	if v&tagMask == tagMask {
		off = k.Offset(v)
	}
	if off <= 0 || off >= k.Size() {
		return -1
	}
	return off
}

// dataRanges returns the file ranges of every segment named *DATA*.
func (k *kernel) dataRanges() []container.Range {
	m := k.Image().MachO
	if m == nil {
		return nil
	}
	var out []container.Range
	add := func(segs []container.Segment) {
		for _, seg := range segs {
			if strings.Contains(seg.Name, "DATA") && seg.FileSize > 0 {
				out = append(out, container.Range{Start: int(seg.Offset), End: int(seg.Offset + seg.FileSize)})
			}
		}
	}
	add(m.Segments)
	for _, e := range m.Entries {
		add(e.Segments)
	}
	return container.Normalize(out, k.Size())
}

func isReturnWord(i arm64.Instruction) bool {
	return i.Raw == arm64.RETAB || i.Raw == retaa || i.Raw == arm64.RET
}

// stub stages mov x0,#0; ret at the entry of a function.
func stub(set *patch.Set, off int, name string) {
	set.Words(off, "mov x0,#0; ret ["+name+"]", arm64.MovX0_0, arm64.RET)
}
