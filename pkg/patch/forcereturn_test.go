package patch

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
)

var forceZero = ForceReturn{
	Tag:     "force_return_zero",
	Symbols: []string{"_target_func"},
	Anchors: []string{"anchor_marker"},
}

// targetImage lays out _target_func at 0x1000 as mov w0,#0; ret with the
// anchor string ending right before it and a caller at 0x2000 that loads the
// string and calls the function.
func targetImage() []byte {
	b := fixture.New(0x4000)
	b.String(0x1000-len("anchor_marker")-1, "anchor_marker")
	b.Words(0x1000, arm64.MovW0_0, arm64.RET)
	b.Asm(0x2000, `
		pacibsp
		adrp x0, 0x0
		add  x0, x0, #0xff2
		bl   0x1000
		retab`)
	b.Symbol("_target_func", 0x1000)
	return b.MachO()
}

func run(t *testing.T, data []byte, rules ...Rule) (*image.Image, Result) {
	t.Helper()
	img := image.New(data)
	if img.MachO == nil {
		t.Fatal("fixture did not parse as Mach-O")
	}
	return img, engine(img).Run(rules...)
}

func TestForceReturnSymbolAndFallback(t *testing.T) {
	withSyms, res := run(t, targetImage(), forceZero)
	if res.Applied != 1 {
		t.Fatalf("symbol path: %+v", res)
	}
	if withSyms.Word(0x1000) != arm64.MovX0_0 || withSyms.Word(0x1004) != arm64.RET {
		t.Fatalf("symbol path wrote %#x %#x", withSyms.Word(0x1000), withSyms.Word(0x1004))
	}

	stripped := fixture.StripSymbols(targetImage())
	if n := image.New(bytes.Clone(stripped)).Symbols().Len(); n != 0 {
		t.Fatalf("stripped image still has %d symbols", n)
	}
	fallback, res := run(t, stripped, forceZero)
	if res.Applied != 1 {
		t.Fatalf("fallback path: %+v", res.Outcomes)
	}
	if !bytes.Equal(fixture.StripSymbols(withSyms.Data), fallback.Data) {
		t.Error("symbol and fallback paths produced different buffers")
	}
}

func TestForceReturnAnchorOnly(t *testing.T) {
	// no caller: only the code directly after the string is a candidate
	b := fixture.New(0x4000)
	b.String(0x1000-len("anchor_marker")-1, "anchor_marker")
	b.Words(0x1000, arm64.MovW0_0, arm64.RET)
	img, res := run(t, b.MachO(), forceZero)
	if res.Applied != 1 || img.Word(0x1000) != arm64.MovX0_0 {
		t.Fatalf("Run() = %+v, word %#x", res, img.Word(0x1000))
	}
}

func TestForceReturnSymbolIsUnconditional(t *testing.T) {
	b := fixture.New(0x4000)
	b.Words(0x1000, arm64.PACIBSP, arm64.MovX0_1, arm64.RETAB)
	b.Symbol("_target_func", 0x1000)
	img, res := run(t, b.MachO(), forceZero)
	if res.Applied != 1 || img.Word(0x1000) != arm64.MovX0_0 || img.Word(0x1004) != arm64.RET {
		t.Fatalf("Run() = %+v", res)
	}
}

func TestForceReturnRerun(t *testing.T) {
	for _, tt := range []struct {
		name string
		data []byte
	}{
		{"symbols", targetImage()},
		{"stripped", fixture.StripSymbols(targetImage())},
	} {
		t.Run(tt.name, func(t *testing.T) {
			img := image.New(tt.data)
			e := engine(img)
			if res := e.Run(forceZero); res.Applied != 1 {
				t.Fatalf("first run: %+v", res.Outcomes)
			}
			once := bytes.Clone(img.Data)
			img.Reload()
			res := NewEngine(img, WithRenderer(native), WithLogger(quiet())).Run(forceZero)
			if res.Applied != 0 {
				t.Errorf("second run applied %d patches", res.Applied)
			}
			if o := res.Outcomes[0]; !(o.Satisfied || IsNotFound(o.Err)) {
				t.Errorf("second run outcome = %+v", o)
			}
			if !bytes.Equal(once, img.Data) {
				t.Error("second run changed the buffer")
			}
		})
	}
}

func TestForceReturnFailsClosed(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		b := fixture.New(0x4000)
		b.Words(0x1000, arm64.MovW0_0, arm64.RET)
		_, res := run(t, b.MachO(), forceZero)
		if !errors.Is(res.Outcomes[0].Err, ErrAnchorNotFound) {
			t.Errorf("err = %v, want ErrAnchorNotFound", res.Outcomes[0].Err)
		}
	})
	t.Run("ambiguous", func(t *testing.T) {
		b := fixture.New(0x4000)
		b.String(0x1000-len("anchor_marker")-1, "anchor_marker")
		b.Words(0x1000, arm64.MovW0_0, arm64.RET)
		b.Words(0x3000, arm64.MovW0_0, arm64.RET)
		b.Asm(0x2000, "adrp x1, 0x0; add x1, x1, #0xff2; bl 0x3000")
		img, res := run(t, b.MachO(), forceZero)
		if !errors.Is(res.Outcomes[0].Err, ErrAmbiguous) {
			t.Errorf("err = %v, want ErrAmbiguous", res.Outcomes[0].Err)
		}
		if img.Word(0x1000) != arm64.MovW0_0 || img.Word(0x3000) != arm64.MovW0_0 {
			t.Error("ambiguous rule patched a site")
		}
	})
}
