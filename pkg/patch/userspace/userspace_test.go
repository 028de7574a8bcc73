package userspace

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

func machoFixture() *fixture.Builder {
	b := fixture.New(0x6000)
	b.Text = fixture.Region{Start: 0x1000, End: 0x4000}
	b.CString = fixture.Region{Start: 0x4000, End: 0x5000}
	b.Data = fixture.Region{Start: 0x5000, End: 0x6000}
	return b
}

func run(t *testing.T, data []byte, name string) (*image.Image, patch.Outcome) {
	t.Helper()
	c, err := For(name)
	if err != nil {
		t.Fatal(err)
	}
	img := image.New(data)
	e := patch.NewEngine(img, patch.WithLogger(&log.Logger{Handler: discard.Default}))
	res := e.Run(c.Rules...)
	if len(res.Outcomes) != 1 {
		t.Fatalf("ran %d rules for %s", len(res.Outcomes), name)
	}
	return img, res.Outcomes[0]
}

func rel(from, to int) uint32 { return uint32(int32(to - from)) }

func TestFor(t *testing.T) {
	for _, name := range BinaryNames() {
		c, err := For(name)
		if err != nil {
			t.Fatal(err)
		}
		if len(c.Rules) != 1 || c.Rules[0].Name() != Binaries[name] {
			t.Errorf("For(%q) = %v", name, c.Names())
		}
	}
	if _, err := For("launchd"); err == nil {
		t.Error("For(launchd) did not fail")
	}
}

func TestSeputilGigalocker(t *testing.T) {
	b := fixture.New(0x2000).String(0x1800, "/%s.gl")
	img, o := run(t, b.Raw(), "seputil")
	if !o.OK() {
		t.Fatal(o.Err)
	}
	if got := string(img.Data[0x1800:0x1807]); got != "/AA.gl\x00" {
		t.Errorf("string = %q", got)
	}

	again, o := run(t, bytes.Clone(img.Data), "seputil")
	if !o.OK() || !o.Satisfied {
		t.Errorf("rerun = %+v, want satisfied", o)
	}
	if !bytes.Equal(again.Data, img.Data) {
		t.Error("rerun changed the image")
	}
}

func TestLaunchdCacheLoader(t *testing.T) {
	b := machoFixture()
	b.String(0x4010, "launchd_unsecure_cache=")
	b.Asm(0x1000, `
		adrp x0, 0x4000
		add  x0, x0, #0x10
		bl   0x3000
		cbz  w0, #0x20
		ret`)
	img, o := run(t, b.MachO(), "launchd-cache-loader")
	if !o.OK() {
		t.Fatal(o.Err)
	}
	if img.Word(0x100c) != arm64.NOP {
		t.Errorf("branch at 0x100c = %#x, want nop", img.Word(0x100c))
	}
}

func TestLaunchdCacheLoaderFallbackBranch(t *testing.T) {
	b := machoFixture()
	b.String(0x4010, "cache_validation_failed")
	b.Asm(0x1000, `
		adrp x0, 0x4000
		add  x0, x0, #0x10
		nop
		tbnz w8, #2, #0x20`)
	img, o := run(t, b.MachO(), "launchd-cache-loader")
	if !o.OK() {
		t.Fatal(o.Err)
	}
	if img.Word(0x100c) != arm64.NOP {
		t.Errorf("branch at 0x100c = %#x, want nop", img.Word(0x100c))
	}
}

func TestMobileActivationd(t *testing.T) {
	const imp = 0x2000
	build := func() *fixture.Builder {
		b := machoFixture()
		b.Words(imp, arm64.PACIBSP, arm64.MovX0_0, arm64.RETAB)
		return b
	}
	objc := func(b *fixture.Builder) *fixture.Builder {
		const selref, entry = 0x5008, 0x5110
		b.String(0x4100, "should_hactivate")
		b.DataSection("__objc_selrefs", fixture.Region{Start: 0x5000, End: 0x5100})
		b.DataSection("__objc_const", fixture.Region{Start: 0x5100, End: 0x5200})
		b.U64(selref, 0x4100)
		b.Words(entry, rel(entry, selref), 0, rel(entry+8, imp))
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"symbol", build().Symbol("-[DeviceType should_hactivate]", imp).MachO()},
		{"objc metadata", objc(build()).MachO()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, o := run(t, tt.data, "mobileactivationd")
			if !o.OK() {
				t.Fatal(o.Err)
			}
			if img.Word(imp) != arm64.MovX0_1 || img.Word(imp+4) != arm64.RET {
				t.Errorf("imp = %#x %#x, want mov x0,#1; ret", img.Word(imp), img.Word(imp+4))
			}
		})
	}
}

func TestMobileActivationdMissing(t *testing.T) {
	_, o := run(t, machoFixture().MachO(), "mobileactivationd")
	if !patch.IsNotFound(o.Err) {
		t.Errorf("err = %v, want not found", o.Err)
	}
}

func TestLaunchdJetsamEarliestReturnBranch(t *testing.T) {
	b := machoFixture()
	b.String(0x4200, "jetsam property category (Daemon) is not initialized")
	b.Asm(0x1000, `
		pacibsp
		b.ne 0x1200
		cbz  w0, 0x1100
		tbnz w1, #3, 0x1100
		adrp x0, 0x4000
		add  x0, x0, #0x200
		bl   0x3000`)
	b.Asm(0x1100, "mov w0, #0; retab")
	b.Asm(0x1200, "bl 0x3000; retab")

	img, o := run(t, b.MachO(), "launchd-jetsam")
	if !o.OK() {
		t.Fatal(o.Err)
	}
	i := arm64.Decode(img.Word(0x1008), 0x1008)
	if i.Op != arm64.OpB || i.Target != 0x1100 {
		t.Errorf("0x1008 = %s, want b 0x1100", i)
	}
	if arm64.Decode(img.Word(0x1004), 0x1004).Op != arm64.OpBCond {
		t.Error("branch to a non-return block was patched")
	}
	if arm64.Decode(img.Word(0x100c), 0x100c).Op != arm64.OpTBNZ {
		t.Error("later candidate was patched")
	}
}
