package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/blacktop/fwpatch/internal/config"
	"github.com/blacktop/fwpatch/internal/fixture"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
	"github.com/blacktop/fwpatch/pkg/plist"
	goplist "github.com/blacktop/go-plist"
)

func init() {
	log.SetHandler(discard.Default)
}

func ibss(anchored bool) []byte {
	b := fixture.New(0x4000)
	if anchored {
		b.String(0x3000, "boot-nonce")
	}
	b.Asm(0x1000, `
		adrp x1, 0x3000
		add  x1, x1, #0
		bl   0x2000
		nop
		tbnz w0, #0, #0x40
		mov  w0, #0
		bl   0x2100`)
	return b.Raw()
}

func write(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func vmDir(t *testing.T) (string, string) {
	t.Helper()
	vm := t.TempDir()
	restore := filepath.Join(vm, "iPhone17,3_26.0_23A100_Restore")
	if err := os.MkdirAll(restore, 0o755); err != nil {
		t.Fatal(err)
	}
	return vm, restore
}

func driver(vm string, conf *config.Config) *Driver {
	d := New(vm, conf, patch.WithLogger(&log.Logger{Handler: discard.Default}))
	d.Components = JB[:1]
	return d
}

func TestCatalogs(t *testing.T) {
	r := Catalogs()
	for _, name := range []string{"kernel", "txm", "ibss", "ibec", "llb", "iboot", "userspace"} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("catalog %s not registered", name)
		}
	}
	for _, c := range JB {
		if _, ok := r.Lookup(c.Catalog); !ok {
			t.Errorf("%s uses unknown catalog %s", c.Name, c.Catalog)
		}
	}
}

func TestComponentKey(t *testing.T) {
	want := []string{"ibss", "txm", "kernelcache"}
	for i, c := range JB {
		if got := c.Key(); got != want[i] {
			t.Errorf("%s key = %q, want %q", c.Name, got, want[i])
		}
	}
}

func TestRestoreDir(t *testing.T) {
	vm, restore := vmDir(t)
	write(t, filepath.Join(vm, "Restore.log"), []byte("log"))
	got, err := RestoreDir(vm)
	if err != nil {
		t.Fatal(err)
	}
	if got != restore {
		t.Errorf("RestoreDir() = %q, want %q", got, restore)
	}
	if _, err := RestoreDir(t.TempDir()); err == nil {
		t.Error("RestoreDir() of an empty directory did not fail")
	}
}

func TestRun(t *testing.T) {
	vm, restore := vmDir(t)
	path := filepath.Join(restore, JB[0].Path)
	write(t, path, ibss(true))

	reports, err := driver(vm, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Result.Applied != 1 || reports[0].File != path {
		t.Fatalf("reports = %+v", reports)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if i := arm64.Decode(arm64.Word(data, 0x1010), 0x1010); i.Op != arm64.OpB || i.Target != 0x1050 {
		t.Errorf("0x1010 = %s, want b 0x1050", i)
	}
}

func TestRunZeroPatchesFails(t *testing.T) {
	vm, restore := vmDir(t)
	path := filepath.Join(restore, JB[0].Path)
	orig := ibss(false)
	write(t, path, orig)

	reports, err := driver(vm, nil).Run(context.Background())
	if err == nil {
		t.Fatal("Run() with nothing to patch did not fail")
	}
	if len(reports) != 1 || reports[0].Err == nil {
		t.Errorf("reports = %+v", reports)
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, orig) {
		t.Error("file rewritten by a failed component")
	}
}

func TestRunSkipAndMissing(t *testing.T) {
	vm, restore := vmDir(t)
	write(t, filepath.Join(restore, JB[0].Path), ibss(true))
	conf := &config.Config{JB: config.JB{Components: map[string]config.Component{
		"txm": {Skip: true},
	}}}
	d := driver(vm, conf)
	d.Components = JB

	reports, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run() with a missing kernelcache did not fail")
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports", len(reports))
	}
	if reports[0].Err != nil {
		t.Errorf("iBSS: %v", reports[0].Err)
	}
	if !reports[1].Skipped {
		t.Error("TXM was not skipped")
	}
	if reports[2].Err == nil {
		t.Error("missing kernelcache did not fail")
	}
}

func TestRunManifestFallback(t *testing.T) {
	vm, restore := vmDir(t)
	rel := "Firmware/dfu/iBSS.vresearch101.RESEARCH_RELEASE.im4p"
	write(t, filepath.Join(restore, rel), ibss(true))
	manifest, err := goplist.Marshal(&plist.BuildManifest{BuildIdentities: []plist.BuildIdentity{{
		Info: plist.IdentityInfo{Variant: "Research Customer Erase Install (IPSW)"},
		Manifest: map[string]plist.IdentityManifest{
			"iBSS": {Info: map[string]any{"Path": rel}},
		},
	}}}, goplist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(restore, "BuildManifest.plist"), manifest)

	reports, err := driver(vm, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := reports[0].File; got != filepath.Join(restore, rel) {
		t.Errorf("file = %q", got)
	}
}

func TestBasePass(t *testing.T) {
	dir := t.TempDir()
	if err := BasePass(context.Background(), "true", dir); err != nil {
		t.Errorf("BasePass(true) = %v", err)
	}
	if err := BasePass(context.Background(), "false", dir); err == nil {
		t.Error("BasePass(false) did not fail")
	}
	if err := BasePass(context.Background(), "  ", dir); err == nil {
		t.Error("BasePass with an empty command did not fail")
	}
}

func TestRunBasePassFailureStops(t *testing.T) {
	vm, restore := vmDir(t)
	path := filepath.Join(restore, JB[0].Path)
	orig := ibss(true)
	write(t, path, orig)
	conf := &config.Config{JB: config.JB{BasePatch: "false"}}

	if _, err := driver(vm, conf).Run(context.Background()); err == nil {
		t.Fatal("Run() after a failed base pass did not fail")
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, orig) {
		t.Error("component patched after a failed base pass")
	}
}
