package iboot

import (
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/fwpatch/pkg/patch"
)

func run(t *testing.T, data []byte, mode Mode) (*image.Image, patch.Result) {
	t.Helper()
	img := image.New(data)
	e := patch.NewEngine(img, patch.WithLogger(&log.Logger{Handler: discard.Default}))
	return img, e.Run(Catalog(mode).Rules...)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"iBSS", IBSS, false},
		{"ibec", IBEC, false},
		{"LLB", LLB, false},
		{"iBoot", IBoot, false},
		{"sep", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCatalogPerMode(t *testing.T) {
	if n := len(Catalog(IBSS).Rules); n != 1 {
		t.Errorf("iBSS rules = %d, want 1", n)
	}
	for _, m := range []Mode{IBEC, LLB, IBoot} {
		if n := len(Catalog(m).Rules); n != 0 {
			t.Errorf("%s rules = %d, want 0", m, n)
		}
	}
}

func TestSkipGenerateNonce(t *testing.T) {
	b := fixture.New(0x4000)
	b.String(0x3000, "boot-nonce")
	b.Asm(0x1000, `
		adrp x1, 0x3000
		add  x1, x1, #0
		bl   0x2000
		nop
		tbnz w0, #0, #0x40
		mov  w0, #0
		bl   0x2100`)

	img, res := run(t, b.Raw(), IBSS)
	if err := res.Outcomes[0].Err; err != nil {
		t.Fatal(err)
	}
	i := arm64.Decode(img.Word(0x1010), 0x1010)
	if i.Op != arm64.OpB || i.Target != 0x1050 {
		t.Errorf("patched = %s, want b 0x1050", i)
	}
}

func TestSkipGenerateNonceOutOfWindow(t *testing.T) {
	b := fixture.New(0x4000)
	b.String(0x3000, "boot-nonce")
	b.Asm(0x1000, "adrp x1, 0x3000; add x1, x1, #0")
	b.Asm(0x1200, "tbz w0, #0, #0x40; mov w0, #0; bl 0x2100")

	_, res := run(t, b.Raw(), IBSS)
	if !patch.IsNotFound(res.Outcomes[0].Err) {
		t.Errorf("err = %v, want not found", res.Outcomes[0].Err)
	}
}
