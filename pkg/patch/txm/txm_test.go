package txm

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	imageSize = 0x8000
	strOff    = 0x6000
	gate      = 0x3000
	stubAt    = 0x4800
)

func txmImage() *fixture.Builder {
	b := fixture.New(imageSize)
	b.String(strOff+0x10, debuggerEntitlement)
	b.String(strOff+0x110, getTaskAllow)
	b.String(strOff+0x210, developerMode)

	b.Asm(0x1000, `
		b.lo #0x40
		nop
		cbz  x9, #0x30
		mov  w0, #0xa1`)
	b.Asm(0x1100, `
		mov  w2, #0x14
		bl   0x5000
		cbz  w0, #0x20`)
	b.Asm(0x1200, `
		mov  w2, #0x14
		bl   0x5000
		cbz  w0, #0x20`)
	b.Asm(0x1300, `
		adrp x8, 0x6000
		add  x8, x8, #0x110
		bl   0x5000
		tbnz w0, #0, #0x10`)
	b.Asm(0x1400, `
		tbz  w9, #0, #0x20
		nop
		adrp x0, 0x6000
		add  x0, x0, #0x210
		ret`)
	b.Asm(stubAt, `
		bti  j
		mov  x0, x20
		bl   0x5100
		mov  x1, x21
		mov  x2, x22
		bl   0x3000
		b    0x4c00`)
	b.Asm(gate, `
		pacibsp
		adrp x1, 0x6000
		add  x1, x1, #0x10
		mov  x0, #0
		mov  x2, #0
		bl   0x5000
		tbnz w0, #0, #0x20
		retab`)
	return b
}

func run(t *testing.T, data []byte, names ...string) (*image.Image, patch.Result) {
	t.Helper()
	img := image.New(data)
	rules, err := Catalog().Select(names...)
	if err != nil {
		t.Fatal(err)
	}
	e := patch.NewEngine(img, patch.WithLogger(&log.Logger{Handler: discard.Default, Level: log.DebugLevel}))
	return img, e.Run(rules...)
}

func TestCatalog(t *testing.T) {
	want := []string{
		"selector24_hashcmp",
		"selector24_a1",
		"get_task_allow",
		"selector42_29",
		"debugger_entitlement",
		"developer_mode",
	}
	got := Catalog().Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAllRules(t *testing.T) {
	img, res := run(t, txmImage().Raw())
	for _, o := range res.Outcomes {
		if !o.OK() {
			t.Errorf("%s: %v", o.Rule, o.Err)
		}
	}
	if res.Succeeded != 6 {
		t.Fatalf("Succeeded = %d, want 6", res.Succeeded)
	}

	const cave = stubAt + 0x1c
	words := []struct {
		name string
		off  int
		want uint32
	}{
		{"b.lo", 0x1000, arm64.NOP},
		{"cbz x9", 0x1008, arm64.NOP},
		{"hashcmp #1", 0x1104, arm64.MovX0_0},
		{"hashcmp #2", 0x1204, arm64.MovX0_0},
		{"get-task-allow", 0x1308, arm64.MovX0_1},
		{"developer mode", 0x1400, arm64.NOP},
		{"debugger", gate + 0x14, arm64.MovW0_1},
		{"cave pad", cave, arm64.NOP},
		{"cave mov", cave + 4, arm64.MovX0_1},
	}
	for _, w := range words {
		if got := img.Word(w.off); got != w.want {
			t.Errorf("%s: word at %#x = %#x, want %#x", w.name, w.off, got, w.want)
		}
	}
	if i := arm64.Decode(img.Word(stubAt+4), stubAt+4); i.Op != arm64.OpB || i.Target != cave {
		t.Errorf("stub = %s, want b %#x", i, cave)
	}
	if i := arm64.Decode(img.Word(cave+16), cave+16); i.Op != arm64.OpB || i.Target != stubAt+8 {
		t.Errorf("cave tail = %s, want b %#x", i, stubAt+8)
	}
	if i := arm64.Decode(img.Word(cave+8), cave+8); i.Op != arm64.OpSTRB || i.Imm != 0x30 {
		t.Errorf("cave+8 = %s, want strb w0,[x20,#0x30]", i)
	}
}

func TestHashCmpCardinality(t *testing.T) {
	b := txmImage()
	b.Asm(0x1500, "mov w2, #0x14; bl 0x5000; cbz w0, #0x20")
	b.Asm(0x1600, "mov w2, #0x14; bl 0x5000; cbz w0, #0x20")
	data := b.Raw()
	img, res := run(t, bytes.Clone(data), "selector24_hashcmp")
	if err := res.Outcomes[0].Err; !patch.IsNotFound(err) {
		t.Fatalf("four sites: err = %v, want ambiguous", err)
	}
	if !bytes.Equal(img.Data, data) {
		t.Error("ambiguous hashcmp sites were patched")
	}
}

func TestDebuggerGateMustBeUnique(t *testing.T) {
	b := txmImage()
	b.Asm(0x4000, `
		pacibsp
		adrp x1, 0x6000
		add  x1, x1, #0x10
		mov  x0, #0
		mov  x2, #0
		bl   0x5000
		tbnz w0, #0, #0x20
		retab`)
	_, res := run(t, b.Raw(), "selector42_29", "debugger_entitlement")
	for _, o := range res.Outcomes {
		if !patch.IsNotFound(o.Err) {
			t.Errorf("%s: err = %v, want ambiguous", o.Rule, o.Err)
		}
	}
}

func TestRerunFailsClosed(t *testing.T) {
	img, res := run(t, txmImage().Raw())
	if res.Succeeded != 6 {
		t.Fatalf("first run: %+v", res)
	}
	once := bytes.Clone(img.Data)
	again, res := run(t, bytes.Clone(once))
	if res.Applied != 0 {
		t.Errorf("second run applied %d patches", res.Applied)
	}
	if !bytes.Equal(again.Data, once) {
		t.Error("second run changed the image")
	}
}
