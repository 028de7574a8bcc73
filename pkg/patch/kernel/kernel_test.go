package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	imageSize = 0x10000
	caveStart = 0xA000
	dataStart = 0xC000
	opsTable  = 0xD000
)

// kernelImage returns a builder with nop-filled code up to caveStart, a
// zeroed cave region up to dataStart and a __DATA segment after it.
func kernelImage() *fixture.Builder {
	b := fixture.New(imageSize)
	b.Text = fixture.Region{Start: 0x1000, End: dataStart}
	b.Data = fixture.Region{Start: dataStart, End: imageSize}
	return b.Fill(0x1000, (caveStart-0x1000)/4, arm64.NOP)
}

// withSandboxPolicy lays out the Sandbox mac_policy_conf and points its ops
// table at opsTable.
func withSandboxPolicy(b *fixture.Builder) *fixture.Builder {
	b.String(dataStart, "Sandbox")
	b.String(dataStart+0x10, "Seatbelt sandbox policy")
	b.U64(dataStart+0x100, dataStart)
	b.U64(dataStart+0x108, dataStart+0x10)
	b.U64(dataStart+0x120, opsTable)
	return b
}

func run(t *testing.T, data []byte, names ...string) (*image.Image, patch.Result) {
	t.Helper()
	img := image.New(data)
	if img.MachO == nil {
		t.Fatal("fixture did not parse as Mach-O")
	}
	rules, err := Catalog().Select(names...)
	if err != nil {
		t.Fatal(err)
	}
	e := patch.NewEngine(img,
		patch.WithRenderer(arm64.RendererFunc(func(w uint32, pc uint64) string { return arm64.Decode(w, pc).String() })),
		patch.WithLogger(&log.Logger{Handler: discard.Default, Level: log.DebugLevel}))
	return img, e.Run(rules...)
}

func mustOK(t *testing.T, res patch.Result) {
	t.Helper()
	for _, o := range res.Outcomes {
		if !o.OK() {
			t.Fatalf("%s: %v", o.Rule, o.Err)
		}
	}
}

func mustB(t *testing.T, from, to int) uint32 {
	t.Helper()
	w, err := arm64.EncodeB(uint64(from), uint64(to))
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestCatalog(t *testing.T) {
	names := Catalog().Names()
	if len(names) != 24 {
		t.Fatalf("catalog has %d rules, want 24", len(names))
	}
	if names[0] != "amfi_cdhash_in_trustcache" || names[23] != "kcall10" {
		t.Errorf("catalog order = %v", names)
	}
	seen := make(map[string]bool)
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate rule %q", n)
		}
		seen[n] = true
	}
}

func TestNoAnchorsFailsClosed(t *testing.T) {
	data := kernelImage().MachO()
	img, res := run(t, bytes.Clone(data))
	if res.Applied != 0 || res.Succeeded != 0 {
		t.Fatalf("Run() = %+v", res)
	}
	for _, o := range res.Outcomes {
		if !patch.IsNotFound(o.Err) {
			t.Errorf("%s: err = %v, want not found", o.Rule, o.Err)
		}
	}
	if !bytes.Equal(img.Data, data) {
		t.Error("failed rules modified the image")
	}
}

func TestTaskConversionEvalInternal(t *testing.T) {
	guard := `
		ldr  x9, [x9, #0x10]
		cmp  x9, x0
		b.eq #0x100
		cmp  x9, x1
		b.eq #0xf8`

	b := kernelImage().Asm(0x2000, guard)
	img, res := run(t, b.MachO(), "task_conversion_eval_internal")
	mustOK(t, res)
	if img.Word(0x2004) != arm64.CmpXZRXZR {
		t.Errorf("word at 0x2004 = %#x, want cmp xzr,xzr", img.Word(0x2004))
	}

	b = kernelImage().Asm(0x2000, guard).Asm(0x3000, guard)
	img, res = run(t, b.MachO(), "task_conversion_eval_internal")
	if res.Outcomes[0].OK() {
		t.Fatalf("ambiguous guard applied: %+v", res)
	}
	if img.Word(0x2004) == arm64.CmpXZRXZR || img.Word(0x3004) == arm64.CmpXZRXZR {
		t.Error("ambiguous guard was patched")
	}
}

func TestProcSecurityPolicyTieGoesToFirstCalled(t *testing.T) {
	b := kernelImage()
	b.Asm(0x2000, `
		pacibsp
		sub  w8, w1, #1
		cmp  w8, #0x21
		bl   0x3100
		bl   0x3000
		bl   0x3000
		bl   0x3100
		bl   0x3000
		bl   0x3100
		retab`)
	b.Words(0x3000, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)
	b.Words(0x3100, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)

	img, res := run(t, b.MachO(), "proc_security_policy")
	mustOK(t, res)
	if img.Word(0x3100) != arm64.MovX0_0 || img.Word(0x3104) != arm64.RET {
		t.Errorf("first called target not stubbed: %#x %#x", img.Word(0x3100), img.Word(0x3104))
	}
	if img.Word(0x3000) != arm64.PACIBSP {
		t.Error("second target was stubbed")
	}
}

func TestProcSecurityPolicyNeedsThreeCalls(t *testing.T) {
	b := kernelImage()
	b.Asm(0x2000, `
		pacibsp
		sub  w8, w1, #1
		cmp  w8, #0x21
		bl   0x3000
		bl   0x3000
		retab`)
	b.Words(0x3000, arm64.PACIBSP, arm64.RETAB)
	_, res := run(t, b.MachO(), "proc_security_policy")
	if !patch.IsNotFound(res.Outcomes[0].Err) {
		t.Errorf("err = %v, want not found", res.Outcomes[0].Err)
	}
}

func TestBsdInitAuth(t *testing.T) {
	site := `
		ldr x0, [x19, #0x2b8]
		cbz x0, #0x10
		bl  0x5000`
	build := func() *fixture.Builder {
		b := kernelImage()
		b.Words(0x1ffc, arm64.PACIBSP)
		b.Asm(0x2000, site)
		b.Words(0x3000, arm64.PACIBSP)
		b.Asm(0x4000, site)
		return b
	}

	tests := []struct {
		name    string
		data    []byte
		patched int
		kept    int
	}{
		{"last candidate without symbols", build().MachO(), 0x4008, 0x2008},
		{"symbol", build().Symbol("_bsd_init", 0x1ffc).MachO(), 0x2008, 0x4008},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, res := run(t, tt.data, "bsd_init_auth")
			mustOK(t, res)
			if img.Word(tt.patched) != arm64.MovX0_0 {
				t.Errorf("word at %#x = %#x, want mov x0,#0", tt.patched, img.Word(tt.patched))
			}
			if img.Word(tt.kept) == arm64.MovX0_0 {
				t.Errorf("word at %#x was patched too", tt.kept)
			}
		})
	}
}

func TestLoadDylinkerLastTriplet(t *testing.T) {
	triplet := func(b *fixture.Builder, off, skip int) {
		b.Asm(off, "tst x9, #0x40000000000000")
		w, _ := arm64.EncodeBCond(arm64.CondEQ, uint64(off+4), uint64(skip))
		b.Words(off+4, w)
		b.Asm(off+8, "movk x9, #0xc8a2, lsl #48")
	}
	b := kernelImage()
	// two triplets only
	b.Words(0x1400, arm64.PACIBSP)
	triplet(b, 0x1410, 0x1500)
	triplet(b, 0x1440, 0x1500)
	// the rebase routine
	b.Words(0x2000, arm64.PACIBSP)
	triplet(b, 0x2010, 0x2400)
	triplet(b, 0x2040, 0x2400)
	triplet(b, 0x2080, 0x2400)
	b.Words(0x2800, arm64.PACIBSP)

	img, res := run(t, b.MachO(), "load_dylinker")
	mustOK(t, res)
	if got, want := img.Word(0x2080), mustB(t, 0x2080, 0x2400); got != want {
		t.Errorf("word at 0x2080 = %#x, want b 0x2400 (%#x)", got, want)
	}
	for _, off := range []int{0x1410, 0x1440, 0x2010, 0x2040} {
		if i := arm64.Decode(img.Word(off), uint64(off)); i.Op != arm64.OpTST {
			t.Errorf("tst at %#x was patched: %s", off, i)
		}
	}
}

func TestMacMount(t *testing.T) {
	b := kernelImage()
	b.Asm(0x2000, `
		pacibsp
		bl   0x5000
		cbnz w0, #0x40
		nop
		mov  x8, x1
		retab`)
	b.Symbol("___mac_mount", 0x2000)
	img, res := run(t, b.MachO(), "mac_mount")
	mustOK(t, res)
	if img.Word(0x2004) != arm64.NOP {
		t.Errorf("bl not removed: %#x", img.Word(0x2004))
	}
	if img.Word(0x2010) != arm64.MovX8XZR {
		t.Errorf("mov x8 not cleared: %#x", img.Word(0x2010))
	}
}

func TestDounmountEitherOrder(t *testing.T) {
	for _, src := range []string{
		"mov w1, #0; mov x2, #0; bl 0x5000",
		"mov x2, #0; mov w1, #0; bl 0x5000",
	} {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, src)
		b.Symbol("_dounmount", 0x2000)
		img, res := run(t, b.MachO(), "dounmount")
		mustOK(t, res)
		if img.Word(0x2018) != arm64.NOP {
			t.Errorf("%q: bl at 0x2018 = %#x, want nop", src, img.Word(0x2018))
		}
	}
}

func TestSandboxHooksExtended(t *testing.T) {
	b := withSandboxPolicy(kernelImage())
	b.Words(0x3000, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)
	b.Words(0x3100, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)
	b.U64(opsTable+8*245, 0x3000)
	b.U64(opsTable+8*258, 0x3100)
	b.U64(opsTable+8*267, 0x3000)

	img, res := run(t, b.MachO(), "sandbox_hooks_extended")
	mustOK(t, res)
	for _, off := range []int{0x3000, 0x3100} {
		if img.Word(off) != arm64.MovX0_0 || img.Word(off+4) != arm64.RET {
			t.Errorf("hook at %#x not stubbed", off)
		}
	}
	if res.Outcomes[0].Patches != 2 {
		t.Errorf("patches = %d, want 2 (shared hook stubbed once)", res.Outcomes[0].Patches)
	}
}

func TestHookCredLabelUpdateExecve(t *testing.T) {
	const chained = 0x0010000000000000
	b := withSandboxPolicy(kernelImage())
	b.Words(0x3000, arm64.PACIBSP, arm64.RETAB)
	b.Words(0x3100, arm64.PACIBSP)
	b.Words(0x4000, arm64.PACIBSP, arm64.RETAB)
	b.Words(0x4800, arm64.PACIBSP)
	b.U64(opsTable+8*3, chained|0x4000)
	b.U64(opsTable+8*5, 0x3000)
	b.Symbol("_vnode_getattr", 0x5000)

	img, res := run(t, b.MachO(), "hook_cred_label_update_execve")
	mustOK(t, res)
	if got := binary.LittleEndian.Uint64(img.Data[opsTable+8*3:]); got != chained|caveStart {
		t.Fatalf("ops[3] = %#x, want %#x", got, chained|caveStart)
	}
	if i := arm64.Decode(img.Word(caveStart+17*4), caveStart+17*4); i.Op != arm64.OpBL || i.Target != 0x5000 {
		t.Errorf("cave+0x44 = %s, want bl _vnode_getattr", i)
	}
	if i := arm64.Decode(img.Word(caveStart+44*4), caveStart+44*4); i.Op != arm64.OpB || i.Target != 0x4000 {
		t.Errorf("cave tail = %s, want b to the original hook", i)
	}
	if binary.LittleEndian.Uint64(img.Data[opsTable+8*5:]) != 0x3000 {
		t.Error("smaller hook slot was rewritten")
	}
}

func TestCredLabelUpdateExecve(t *testing.T) {
	b := kernelImage()
	b.Words(0x2000, arm64.PACIBSP)
	b.Words(0x2040, arm64.RETAB)
	b.Words(0x2100, arm64.PACIBSP)
	b.Symbol("_cred_label_update_execve", 0x2000)
	b.Symbol("_hook_cred_label_update_execve", 0x2100)

	img, res := run(t, b.MachO(), "cred_label_update_execve")
	mustOK(t, res)
	if got, want := img.Word(0x2040), mustB(t, 0x2040, caveStart); got != want {
		t.Errorf("return = %#x, want b cave (%#x)", got, want)
	}
	if img.Word(caveStart+7*4) != arm64.RETAB {
		t.Errorf("shellcode does not end in retab: %#x", img.Word(caveStart+7*4))
	}
}

func TestThidShouldCrash(t *testing.T) {
	const variable = 0xE000
	b := kernelImage()
	b.String(dataStart, "thid_should_crash")
	b.U64(dataStart+0x18, variable)
	b.Words(variable, 1)

	img, res := run(t, b.MachO(), "thid_should_crash")
	mustOK(t, res)
	if img.Word(variable) != 0 {
		t.Errorf("variable = %d, want 0", img.Word(variable))
	}
}

func TestKcall10(t *testing.T) {
	const table = 0xC800
	b := kernelImage()
	b.Asm(0x3000, "mov w0, #0x4e; ret")
	b.Words(0x3100, arm64.PACIBSP, arm64.RETAB)
	b.U64(table, 0x3000)
	b.U64(table+sysentSize, 0x3100)
	b.Symbol("_munge_wwwwwwww", 0x3200)

	img, res := run(t, b.MachO(), "kcall10")
	mustOK(t, res)
	entry := img.Data[table+sysKasInfo*sysentSize:]
	if got := binary.LittleEndian.Uint64(entry); got != caveStart {
		t.Errorf("sy_call = %#x, want %#x", got, caveStart)
	}
	if got := binary.LittleEndian.Uint64(entry[8:]); got != 0x3200 {
		t.Errorf("sy_munge = %#x, want 0x3200", got)
	}
	if got := binary.LittleEndian.Uint32(entry[16:]); got != uint32(RET_UINT64_T) {
		t.Errorf("sy_return_type = %d", got)
	}
	if got := binary.LittleEndian.Uint32(entry[20:]); got != 0x200008 {
		t.Errorf("sy_narg/sy_arg_bytes = %#x, want 0x200008", got)
	}
	if i := arm64.Decode(img.Word(caveStart+19*4), caveStart+19*4); i.Op != arm64.OpBLR {
		t.Errorf("cave+0x4c = %s, want blr x16", i)
	}
}

func TestRerunIsStable(t *testing.T) {
	b := kernelImage()
	b.Asm(0x2000, `
		ldr  x9, [x9, #0x10]
		cmp  x9, x0
		b.eq #0x100
		cmp  x9, x1
		b.eq #0xf8`)
	img, res := run(t, b.MachO(), "task_conversion_eval_internal")
	mustOK(t, res)
	once := bytes.Clone(img.Data)
	again, res := run(t, bytes.Clone(once), "task_conversion_eval_internal")
	if res.Applied != 0 || !bytes.Equal(again.Data, once) {
		t.Errorf("second run changed the image: %+v", res)
	}
}

func mustNotFound(t *testing.T, res patch.Result) {
	t.Helper()
	for _, o := range res.Outcomes {
		if !patch.IsNotFound(o.Err) {
			t.Errorf("%s: err = %v, want not found", o.Rule, o.Err)
		}
	}
	if res.Applied != 0 {
		t.Errorf("applied %d patches, want none", res.Applied)
	}
}

func TestAmfiCDHashInTrustCache(t *testing.T) {
	build := func(body string) []byte {
		b := kernelImage()
		b.Asm(0x2000, body)
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		return b.MachO()
	}
	img, res := run(t, build(`
		pacibsp
		mov  x19, x2
		stp  xzr, xzr, [sp, #0x10]
		mov  x2, sp
		bl   0x5000
		mov  x20, x0
		cbnz w0, #0x40
		cbz  x19, #0x40
		retab`), "amfi_cdhash_in_trustcache")
	mustOK(t, res)
	if i := arm64.Decode(img.Word(0x2000), 0x2000); !i.IsMovImm(0, 1) {
		t.Errorf("0x2000 = %s, want mov x0,#1", i)
	}
	if i := arm64.Decode(img.Word(0x2004), 0x2004); i.Op != arm64.OpCBZ || i.Rd != arm64.X(2) || i.Target != 0x200c {
		t.Errorf("0x2004 = %s, want cbz x2 to 0x200c", i)
	}
	if i := arm64.Decode(img.Word(0x2008), 0x2008); i.Op != arm64.OpSTR || i.Rd != arm64.X(0) {
		t.Errorf("0x2008 = %s, want str x0,[x2]", i)
	}
	if img.Word(0x200c) != arm64.RET {
		t.Errorf("0x200c = %#x, want ret", img.Word(0x200c))
	}

	_, res = run(t, build(`
		pacibsp
		mov  x19, x2
		mov  x2, sp
		bl   0x5000
		mov  x20, x0
		cbnz w0, #0x40
		cbz  x19, #0x40
		retab`), "amfi_cdhash_in_trustcache")
	mustNotFound(t, res)
}

func TestAmfiExecveKillPath(t *testing.T) {
	const msg = dataStart + 0x400
	build := func(checks string) []byte {
		b := kernelImage()
		b.String(msg, execveKillMsg)
		b.Asm(0x2000, checks)
		b.Asm(0x2040, "adr x2, 0xc400")
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		return b.MachO()
	}
	img, res := run(t, build("pacibsp; bl 0x5000; cbz w0, #0x40; bl 0x5000; cbnz w0, #0x40"), "amfi_execve_kill_path")
	mustOK(t, res)
	for _, off := range []int{0x2004, 0x200c} {
		if img.Word(off) != arm64.MovX0_0 {
			t.Errorf("bl at %#x = %#x, want mov x0,#0", off, img.Word(off))
		}
	}

	_, res = run(t, build("pacibsp; bl 0x5000; cbz w0, #0x40"), "amfi_execve_kill_path")
	mustNotFound(t, res)
}

func TestPostValidationAdditional(t *testing.T) {
	const msg = dataStart + 0x500
	build := func(callee string) []byte {
		b := kernelImage()
		b.String(msg, codeSigFailedMsg)
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, "adr x0, 0xc500; bl 0x3000")
		b.Asm(0x3000, callee)
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		return b.MachO()
	}
	img, res := run(t, build("pacibsp; bl 0x5000; cmp w0, #1; b.ne #0x20; retab"), "post_validation_additional")
	mustOK(t, res)
	if img.Word(0x3008) != arm64.CmpW0W0 {
		t.Errorf("0x3008 = %#x, want cmp w0,w0", img.Word(0x3008))
	}

	_, res = run(t, build("pacibsp; nop; nop; cmp w0, #1; b.ne #0x20; retab"), "post_validation_additional")
	mustNotFound(t, res)
}

func TestProcSecurityPolicySymbol(t *testing.T) {
	b := kernelImage()
	b.Words(0x3000, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)
	b.Symbol("_proc_security_policy", 0x3000)
	img, res := run(t, b.MachO(), "proc_security_policy")
	mustOK(t, res)
	if img.Word(0x3000) != arm64.MovX0_0 || img.Word(0x3004) != arm64.RET {
		t.Errorf("not stubbed: %#x %#x", img.Word(0x3000), img.Word(0x3004))
	}
}

func TestProcPidinfo(t *testing.T) {
	t.Run("symbol", func(t *testing.T) {
		b := kernelImage()
		b.Asm(0x2000, "pacibsp; cbz w0, #0x40; nop; cbnz w1, #0x40")
		b.Symbol("_proc_pidinfo", 0x2000)
		img, res := run(t, b.MachO(), "proc_pidinfo")
		mustOK(t, res)
		for _, off := range []int{0x2004, 0x200c} {
			if img.Word(off) != arm64.NOP {
				t.Errorf("guard at %#x = %#x, want nop", off, img.Word(off))
			}
		}
	})
	t.Run("proc_info switch", func(t *testing.T) {
		b := kernelImage()
		b.Asm(0x2000, "pacibsp; cbz x0, #0x40; sub w8, w1, #1; cmp w8, #0x21; cbnz w8, #0x20")
		img, res := run(t, b.MachO(), "proc_pidinfo")
		mustOK(t, res)
		for _, off := range []int{0x2004, 0x2010} {
			if img.Word(off) != arm64.NOP {
				t.Errorf("guard at %#x = %#x, want nop", off, img.Word(off))
			}
		}
	})
	t.Run("one guard", func(t *testing.T) {
		b := kernelImage()
		b.Asm(0x2000, "pacibsp; sub w8, w1, #1; cmp w8, #0x21; cbnz w8, #0x20")
		_, res := run(t, b.MachO(), "proc_pidinfo")
		mustNotFound(t, res)
	})
}

func TestTaskForPid(t *testing.T) {
	b := kernelImage()
	b.Words(0x2000, arm64.PACIBSP)
	b.Asm(0x2010, "ldr w9, [x8, #0x490]; str w9, [x10, #0xc]")
	b.Asm(0x2020, "ldr w11, [x8, #0x490]; str w11, [x10, #0xc]")
	b.Symbol("_task_for_pid", 0x2000)
	img, res := run(t, b.MachO(), "task_for_pid")
	mustOK(t, res)
	if img.Word(0x2020) != arm64.NOP {
		t.Errorf("second copy = %#x, want nop", img.Word(0x2020))
	}
	if img.Word(0x2010) == arm64.NOP {
		t.Error("first copy was patched")
	}

	b = kernelImage()
	b.Words(0x2000, arm64.PACIBSP)
	b.Asm(0x2010, "ldr w9, [x8, #0x490]; str w9, [x10, #0xc]")
	b.Symbol("_task_for_pid", 0x2000)
	_, res = run(t, b.MachO(), "task_for_pid")
	mustNotFound(t, res)
}

func TestSpawnValidatePersona(t *testing.T) {
	build := func(test string) []byte {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, "ldr w8, [x0, #0x600]")
		b.Asm(0x2018, test)
		b.Symbol("_spawn_validate_persona", 0x2000)
		return b.MachO()
	}
	img, res := run(t, build("tbnz w8, #1, #0x40"), "spawn_validate_persona")
	mustOK(t, res)
	for _, off := range []int{0x2010, 0x2018} {
		if img.Word(off) != arm64.NOP {
			t.Errorf("%#x = %#x, want nop", off, img.Word(off))
		}
	}

	_, res = run(t, build("tbnz w8, #2, #0x40"), "spawn_validate_persona")
	mustNotFound(t, res)
}

func TestConvertPortToMap(t *testing.T) {
	const msg = dataStart + 0x200
	build := func(guard bool) []byte {
		b := kernelImage()
		b.String(msg, kernelMapPanic)
		b.Words(0x2000, arm64.PACIBSP)
		if guard {
			b.Asm(0x2010, "b.ne 0x2040")
		}
		b.Asm(0x2040, "adr x0, 0xc200; bl 0x5000")
		b.Asm(0x3000, "bl 0x5000; bl 0x5000")
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		return b.MachO()
	}
	img, res := run(t, build(true), "convert_port_to_map")
	mustOK(t, res)
	if got, want := img.Word(0x2010), mustB(t, 0x2010, 0x2048); got != want {
		t.Errorf("0x2010 = %#x, want b past the panic (%#x)", got, want)
	}

	_, res = run(t, build(false), "convert_port_to_map")
	mustNotFound(t, res)
}

func TestVMFaultEnterPrepare(t *testing.T) {
	build := func(test string) []byte {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2100, "bl 0x5000")
		b.Asm(0x2104, test)
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		b.Symbol("_vm_fault_enter_prepare", 0x2000)
		return b.MachO()
	}
	img, res := run(t, build("tbz w0, #3, #0x20"), "vm_fault_enter_prepare")
	mustOK(t, res)
	if img.Word(0x2100) != arm64.NOP {
		t.Errorf("bl = %#x, want nop", img.Word(0x2100))
	}

	_, res = run(t, build("tbz x0, #40, #0x20"), "vm_fault_enter_prepare")
	mustNotFound(t, res)
}

func TestVMMapProtect(t *testing.T) {
	build := func(test string) []byte {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, test)
		b.Symbol("_vm_map_protect", 0x2000)
		return b.MachO()
	}
	img, res := run(t, build("tbnz w8, #24, #0x40"), "vm_map_protect")
	mustOK(t, res)
	if got, want := img.Word(0x2010), mustB(t, 0x2010, 0x2050); got != want {
		t.Errorf("0x2010 = %#x, want b 0x2050 (%#x)", got, want)
	}

	_, res = run(t, build("tbnz w8, #3, #0x40"), "vm_map_protect")
	mustNotFound(t, res)
}

func TestSharedRegionMap(t *testing.T) {
	build := func(cmp string) []byte {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, cmp+"; b.ne #0x40")
		b.Symbol("_shared_region_map_and_slide_setup", 0x2000)
		return b.MachO()
	}
	img, res := run(t, build("cmp x8, x9"), "shared_region_map")
	mustOK(t, res)
	if img.Word(0x2010) != arm64.CmpX0X0 {
		t.Errorf("0x2010 = %#x, want cmp x0,x0", img.Word(0x2010))
	}

	_, res = run(t, build("cmp x8, #1"), "shared_region_map")
	mustNotFound(t, res)
}

func TestNvramVerifyPermission(t *testing.T) {
	t.Run("symbol", func(t *testing.T) {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2010, "tbz w0, #0, #0x20")
		b.Symbol(nvramPermission, 0x2000)
		img, res := run(t, b.MachO(), "nvram_verify_permission")
		mustOK(t, res)
		if img.Word(0x2010) != arm64.NOP {
			t.Errorf("0x2010 = %#x, want nop", img.Word(0x2010))
		}
	})
	t.Run("krn prefix", func(t *testing.T) {
		b := kernelImage()
		b.String(dataStart+0x300, "krn.")
		b.Words(0x2000, arm64.PACIBSP)
		b.Asm(0x2004, "tbz w1, #2, #0x40")
		b.Asm(0x2018, "tbnz w0, #0, #0x40")
		b.Asm(0x2020, "adr x1, 0xc300")
		img, res := run(t, b.MachO(), "nvram_verify_permission")
		mustOK(t, res)
		if img.Word(0x2018) != arm64.NOP {
			t.Errorf("0x2018 = %#x, want nop", img.Word(0x2018))
		}
		if img.Word(0x2004) == arm64.NOP {
			t.Error("earlier test bit was patched")
		}
	})
	t.Run("no test bit", func(t *testing.T) {
		b := kernelImage()
		b.Words(0x2000, arm64.PACIBSP, arm64.RETAB)
		b.Symbol(nvramPermission, 0x2000)
		_, res := run(t, b.MachO(), "nvram_verify_permission")
		mustNotFound(t, res)
	})
}

func TestIOSecureBSDRoot(t *testing.T) {
	b := kernelImage()
	b.Words(0x2000, arm64.PACIBSP)
	b.Asm(0x2008, "cbz x0, #0x30")
	b.Symbol("_IOSecureBSDRoot", 0x2000)
	img, res := run(t, b.MachO(), "io_secure_bsd_root")
	mustOK(t, res)
	if got, want := img.Word(0x2008), mustB(t, 0x2008, 0x2038); got != want {
		t.Errorf("0x2008 = %#x, want b 0x2038 (%#x)", got, want)
	}

	b = kernelImage()
	b.Words(0x2000, arm64.PACIBSP, arm64.RETAB)
	b.Symbol("_IOSecureBSDRoot", 0x2000)
	_, res = run(t, b.MachO(), "io_secure_bsd_root")
	mustNotFound(t, res)
}

func TestSyscallmaskApplyToProc(t *testing.T) {
	build := func(body string) []byte {
		b := kernelImage()
		b.Asm(0x2000, body)
		b.Words(0x5000, arm64.PACIBSP, arm64.RETAB)
		b.Words(0x5100, arm64.PACIBSP, arm64.RETAB)
		b.Symbol("_syscallmask_apply_to_proc", 0x2000)
		b.Symbol("_zalloc_ro_mut", 0x5000)
		b.Symbol("_proc_set_syscall_filter_mask", 0x5100)
		return b.MachO()
	}
	img, res := run(t, build("pacibsp; mov x0, x19; bl 0x5000; retab"), "syscallmask_apply_to_proc")
	mustOK(t, res)
	if i := arm64.Decode(img.Word(0x2004), 0x2004); !i.IsMovReg(arm64.X(17), arm64.X(0)) {
		t.Errorf("0x2004 = %s, want mov x17,x0", i)
	}
	if got, want := img.Word(0x2008), mustB(t, 0x2008, caveStart+40); got != want {
		t.Errorf("0x2008 = %#x, want b to the filter entry (%#x)", got, want)
	}
	for n := 0; n < 10; n++ {
		if w := img.Word(caveStart + 4*n); w != 0xffffffff {
			t.Fatalf("mask word %d = %#x", n, w)
		}
	}
	if i := arm64.Decode(img.Word(caveStart+28*4), caveStart+28*4); i.Op != arm64.OpBL || i.Target != 0x5000 {
		t.Errorf("cave+0x70 = %s, want bl _zalloc_ro_mut", i)
	}
	if i := arm64.Decode(img.Word(caveStart+37*4), caveStart+37*4); i.Op != arm64.OpB || i.Target != 0x5100 {
		t.Errorf("cave tail = %s, want b _proc_set_syscall_filter_mask", i)
	}

	_, res = run(t, build("pacibsp; mov x0, x19; retab"), "syscallmask_apply_to_proc")
	mustNotFound(t, res)
}
