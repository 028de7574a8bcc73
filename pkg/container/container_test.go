package container

import (
	"errors"
	"testing"

	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/go-macho/types"
)

func sample() *fixture.Builder {
	b := fixture.New(0x4000)
	b.Base = 0xfffffff007004000
	b.Text = fixture.Region{Start: 0x1000, End: 0x3000}
	b.Data = fixture.Region{Start: 0x3000, End: 0x4000}
	b.Words(0x1000, arm64.PACIBSP, arm64.RET)
	b.Symbol("_target_func", 0x1000)
	b.Symbol("_target_func", 0x2000)
	b.Symbol("_other", 0x1004)
	return b
}

func TestParse(t *testing.T) {
	f, err := Parse(sample().MachO())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Base != 0xfffffff007004000 {
		t.Errorf("Base = %#x, want 0xfffffff007004000", f.Base)
	}
	text, ok := f.Segment("__TEXT")
	if !ok || !text.Executable() {
		t.Fatalf("__TEXT missing or not executable: %+v", text)
	}
	if sec, ok := f.Section("__TEXT", "__text"); !ok || sec.Offset != 0x1000 || sec.Size != 0x2000 {
		t.Errorf("__TEXT,__text = %+v", sec)
	}
	if sec, ok := f.SectionAt(0x3100); !ok || sec.Seg != "__DATA" {
		t.Errorf("SectionAt(0x3100) = %+v, %v", sec, ok)
	}
	rs := f.CodeRanges()
	if len(rs) != 1 || rs[0] != (Range{Start: 0x1000, End: 0x3000}) {
		t.Errorf("CodeRanges() = %v", rs)
	}
	if got := f.FirstSectionOffset(); got != 0x1000 {
		t.Errorf("FirstSectionOffset() = %#x, want 0x1000", got)
	}
}

func TestAddressConversion(t *testing.T) {
	f, err := Parse(sample().MachO())
	if err != nil {
		t.Fatal(err)
	}
	off, err := f.VAToOffset(f.Base + 0x3010)
	if err != nil || off != 0x3010 {
		t.Fatalf("VAToOffset = %#x, %v", off, err)
	}
	va, err := f.OffsetToVA(0x1234)
	if err != nil || va != f.Base+0x1234 {
		t.Fatalf("OffsetToVA = %#x, %v", va, err)
	}
	if _, err := f.VAToOffset(0x4141414141414141); !errors.Is(err, ErrNotMapped) {
		t.Errorf("VAToOffset(unmapped) error = %v, want ErrNotMapped", err)
	}
}

func TestSymbolsFirstWins(t *testing.T) {
	f, err := Parse(sample().MachO())
	if err != nil {
		t.Fatal(err)
	}
	syms := f.Symbols()
	if syms.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", syms.Len())
	}
	if off, ok := syms.Resolve("_target_func"); !ok || off != 0x1000 {
		t.Errorf("Resolve(_target_func) = %#x, %v; want first definition 0x1000", off, ok)
	}
	if name, off, ok := syms.Contains("oth"); !ok || name != "_other" || off != 0x1004 {
		t.Errorf("Contains(oth) = %q %#x %v", name, off, ok)
	}
	if _, _, ok := syms.Contains("_", "target", "other"); ok {
		t.Error("Contains with excludes matched")
	}
	if _, ok := f.Symbols().Resolve("_missing"); ok {
		t.Error("Resolve(_missing) succeeded")
	}
}

func TestStrippedSymbols(t *testing.T) {
	f, err := Parse(fixture.StripSymbols(sample().MachO()))
	if err != nil {
		t.Fatal(err)
	}
	if n := f.Symbols().Len(); n != 0 {
		t.Fatalf("stripped image has %d symbols", n)
	}
}

func TestFilesetEntries(t *testing.T) {
	b := sample()
	b.Entries = []string{"com.apple.kernel", "com.apple.security.sandbox"}
	f, err := Parse(b.MachO())
	if err != nil {
		t.Fatal(err)
	}
	e, ok := f.Entry("com.apple.security.sandbox")
	if !ok {
		t.Fatalf("entry missing: %+v", f.Entries)
	}
	r, ok := e.TextRange(len(f.Data()))
	if !ok || r != (Range{Start: 0x1000, End: 0x3000}) {
		t.Errorf("TextRange() = %v, %v", r, ok)
	}
	if syms := f.Symbols(); syms.Len() != 2 {
		t.Errorf("merged symbols = %d, want 2", syms.Len())
	}
}

func TestParseRejects(t *testing.T) {
	if _, err := Parse([]byte("not a mach-o at all, definitely not")); !errors.Is(err, ErrNotMachO) {
		t.Errorf("Parse(garbage) error = %v", err)
	}
	data := sample().MachO()
	data[16] = 0x40 // ncmds beyond the real commands
	if _, err := Parse(data); err == nil {
		t.Error("Parse(bad ncmds) succeeded")
	}
}

func TestSlices(t *testing.T) {
	a := sample().MachO()
	b := sample().MachO()
	fat := fixture.Fat(a, b)
	slices, err := Slices(fat)
	if err != nil {
		t.Fatalf("Slices() error = %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("len(slices) = %d", len(slices))
	}
	for i, s := range slices {
		if s.CPU != types.CPUArm64 || s.Offset%0x4000 != 0 || s.Size != uint64(len(a)) {
			t.Errorf("slice %d = %+v", i, s)
		}
		if _, err := Parse(s.Bytes(fat)); err != nil {
			t.Errorf("slice %d does not parse: %v", i, err)
		}
	}
	if _, err := Slices(a); !errors.Is(err, ErrNotFat) {
		t.Errorf("Slices(thin) error = %v, want ErrNotFat", err)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([]Range{{0x2002, 0x3000}, {-4, 0x10}, {0x1000, 0x2004}, {0x5000, 0x6000}}, 0x5800)
	want := []Range{{0, 0x10}, {0x1000, 0x3000}, {0x5000, 0x5800}}
	if len(got) != len(want) {
		t.Fatalf("Normalize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Normalize()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
