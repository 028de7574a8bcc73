package inject

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/go-macho/types"
)

const hook = "/usr/lib/libhook.dylib"

// cmdsEnd returns the end of the load commands of a builder's image.
func cmdsEnd(t *testing.T, b *fixture.Builder) int {
	t.Helper()
	f, err := container.Parse(b.MachO())
	if err != nil {
		t.Fatal(err)
	}
	return 32 + int(f.SizeCommands)
}

// tight returns a builder whose first section starts gap bytes after its
// load commands.
func tight(t *testing.T, gap int, sig bool) []byte {
	t.Helper()
	b := fixture.New(0x2000)
	if sig {
		b.CodeSignature(0x100)
	}
	b.Text.Start = cmdsEnd(t, b) + gap
	b.Words(b.Text.Start, 0xd503201f)
	return b.MachO()
}

func TestCommand(t *testing.T) {
	cmd := Command(hook)
	if len(cmd)%8 != 0 || len(cmd) < 24+len(hook)+1 {
		t.Fatalf("command size %d", len(cmd))
	}
	if got := string(cmd[24 : 24+len(hook)]); got != hook {
		t.Errorf("name = %q", got)
	}
	if cmd[24+len(hook)] != 0 {
		t.Error("name is not NUL terminated")
	}
}

func TestThin(t *testing.T) {
	size := len(Command(hook))
	tests := []struct {
		name string
		data []byte
		want Method
	}{
		{"padding", fixture.New(0x2000).MachO(), Padding},
		{"code signature", tight(t, size-16, true), Signature},
		{"overflow", tight(t, size-16, false), Overflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := len(tt.data)
			r, err := Thin(tt.data, hook)
			if err != nil {
				t.Fatal(err)
			}
			if r.Method != tt.want {
				t.Errorf("method = %s, want %s", r.Method, tt.want)
			}
			if len(tt.data) != n {
				t.Errorf("size changed %d -> %d", n, len(tt.data))
			}
			libs, err := Dylibs(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Contains(libs, hook) {
				t.Errorf("dylibs = %v", libs)
			}
		})
	}
}

func TestThinStripsSignatureCommand(t *testing.T) {
	data := tight(t, len(Command(hook))-16, true)
	if _, err := Thin(data, hook); err != nil {
		t.Fatal(err)
	}
	f, err := container.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, lc := range f.Loads {
		if lc.Cmd == types.LC_CODE_SIGNATURE {
			t.Error("code signature command kept")
		}
	}
}

func TestThinIdempotent(t *testing.T) {
	data := fixture.New(0x2000).Dylib(hook).MachO()
	orig := bytes.Clone(data)
	r, err := Thin(data, hook)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Satisfied() {
		t.Errorf("method = %s, want %s", r.Method, Present)
	}
	if !bytes.Equal(data, orig) {
		t.Error("buffer modified")
	}
}

func TestThinNoSpace(t *testing.T) {
	long := "/" + strings.Repeat("a", 300) + ".dylib"
	data := tight(t, 8, false)
	orig := bytes.Clone(data)
	if _, err := Thin(data, long); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want %v", err, ErrNoSpace)
	}
	if !bytes.Equal(data, orig) {
		t.Error("buffer modified on failure")
	}
}

func TestThinNoSpaceKeepsSignature(t *testing.T) {
	long := "/" + strings.Repeat("b", 300) + ".dylib"
	data := tight(t, 8, true)
	orig := bytes.Clone(data)
	if _, err := Thin(data, long); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want %v", err, ErrNoSpace)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("buffer modified on failure")
	}
	f, err := container.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if last := f.Loads[len(f.Loads)-1]; last.Cmd != types.LC_CODE_SIGNATURE {
		t.Errorf("last command = %s, want LC_CODE_SIGNATURE", last.Cmd)
	}
}

func TestDylibFatAllOrNothing(t *testing.T) {
	long := "/" + strings.Repeat("c", 300) + ".dylib"
	data := fixture.Fat(
		fixture.New(0x2000).MachO(),
		tight(t, 8, true),
	)
	orig := bytes.Clone(data)
	if _, err := Dylib(data, long); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("err = %v, want %v", err, ErrNoSpace)
	}
	if !bytes.Equal(data, orig) {
		t.Error("first slice written although the second failed")
	}
}

func TestDylibFat(t *testing.T) {
	data := fixture.Fat(
		fixture.New(0x2000).MachO(),
		fixture.New(0x2000).Dylib(hook).MachO(),
	)
	n := len(data)
	results, err := Dylib(data, hook)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Method != Padding || !results[1].Satisfied() {
		t.Errorf("results = %+v", results)
	}
	if len(data) != n {
		t.Error("fat size changed")
	}
	fat, err := container.Slices(data)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range fat {
		libs, err := Dylibs(s.Bytes(data))
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(libs, hook) {
			t.Errorf("slice %d dylibs = %v", i, libs)
		}
	}
}

func TestDylibThin(t *testing.T) {
	results, err := Dylib(fixture.New(0x2000).MachO(), hook)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Slice != "thin" {
		t.Errorf("results = %+v", results)
	}
}
