// Package bundle drives the patch catalogs over the firmware files of an
// unpacked restore bundle.
package bundle

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/config"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/fwpatch/pkg/patch"
	"github.com/blacktop/fwpatch/pkg/plist"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// Component is one firmware file the driver patches.
type Component struct {
	Name string
	// Path is relative to the restore directory.
	Path string
	// Manifest is the BuildManifest key used when Path does not exist.
	Manifest    string
	Catalog     string
	KeepTrailer bool
}

// Key returns the config key of the component: its name up to the first
// space, lower cased.
func (c Component) Key() string {
	name, _, _ := strings.Cut(c.Name, " ")
	return strings.ToLower(name)
}

// JB is the extension component sequence run after the base pass.
var JB = []Component{
	{
		Name:     "iBSS (JB)",
		Path:     "Firmware/dfu/iBSS.vresearch101.RELEASE.im4p",
		Manifest: "iBSS",
		Catalog:  "ibss",
	},
	{
		Name:        "TXM (JB)",
		Path:        "Firmware/txm.iphoneos.research.im4p",
		Manifest:    "Ap,TrustedExecutionMonitor",
		Catalog:     "txm",
		KeepTrailer: true,
	},
	{
		Name:        "kernelcache (JB)",
		Path:        "kernelcache.research.vphone600",
		Manifest:    "KernelCache",
		Catalog:     "kernel",
		KeepTrailer: true,
	},
}

// Report is the outcome of one component.
type Report struct {
	Component Component
	File      string
	Result    patch.Result
	Skipped   bool
	Err       error
}

// Driver patches the components of a VM directory.
type Driver struct {
	VMDir      string
	Components []Component
	Catalogs   *patch.Registry
	Conf       *config.Config
	Options    []patch.Option
}

// New returns a driver for the JB component sequence.
func New(vmDir string, conf *config.Config, opts ...patch.Option) *Driver {
	if conf == nil {
		conf = &config.Config{}
	}
	return &Driver{
		VMDir:      vmDir,
		Components: JB,
		Catalogs:   Catalogs(),
		Conf:       conf,
		Options:    opts,
	}
}

// RestoreDir returns the first directory under vmDir whose name contains
// "Restore".
func RestoreDir(vmDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(vmDir, "*Restore*"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			return m, nil
		}
	}
	return "", errors.Errorf("no *Restore* directory found in %s", vmDir)
}

// BasePass runs command with dir appended as its last argument and waits
// for it to exit successfully.
func BasePass(ctx context.Context, command, dir string) error {
	args := strings.Fields(command)
	if len(args) == 0 {
		return errors.New("empty base pass command")
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], append(args[1:], dir)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	s := spinner.New(spinner.CharSets[38], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Prefix = color.BlueString("   • Running base pass %s ", filepath.Base(args[0]))
	s.Start()
	err := cmd.Run()
	s.Stop()

	if err != nil {
		return errors.Wrapf(err, "base pass %q failed:\n%s", command, tail(out.String(), 20))
	}
	log.WithField("command", command).Info("base pass complete")
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Patch runs catalog over the image at path and saves it in place when at
// least minPatches patches were applied.
func Patch(path string, catalog patch.Catalog, keepTrailer bool, minPatches int, opts ...patch.Option) (patch.Result, error) {
	img, err := image.Load(path)
	if err != nil {
		return patch.Result{}, err
	}
	res := patch.NewEngine(img, opts...).Run(catalog.Rules...)
	for _, o := range res.Outcomes {
		switch {
		case !o.OK():
			log.WithError(o.Err).WithField("rule", o.Rule).Warn("rule failed")
		case o.Satisfied:
			log.WithField("rule", o.Rule).Info("already applied")
		default:
			log.WithFields(log.Fields{"rule": o.Rule, "patches": o.Patches}).Info("applied")
		}
	}
	if res.Applied < minPatches {
		return res, errors.Errorf("%s: %d patches applied by %d/%d rules, need at least %d",
			catalog.Name, res.Applied, res.Succeeded, len(res.Outcomes), minPatches)
	}
	if res.Applied == 0 {
		return res, nil
	}
	if err := image.Save(path, img, keepTrailer); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Driver) locate(restore string, c Component, override string, bm *plist.BuildManifest) (string, error) {
	if len(override) > 0 {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Join(restore, override), nil
	}
	path := filepath.Join(restore, c.Path)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if bm == nil || c.Manifest == "" {
		return "", errors.Errorf("%s not found at %s", c.Name, path)
	}
	rel, err := bm.ComponentPath(c.Manifest, "Research")
	if err != nil {
		return "", errors.Wrapf(err, "%s not found at %s", c.Name, path)
	}
	return filepath.Join(restore, rel), nil
}

// Run executes the base pass, when configured, and then every component in
// order. All components are attempted; the returned error lists the ones
// that failed.
func (d *Driver) Run(ctx context.Context) ([]Report, error) {
	restore, err := RestoreDir(d.VMDir)
	if err != nil {
		return nil, err
	}
	if cmd := d.Conf.JB.BasePatch; len(cmd) > 0 {
		if err := BasePass(ctx, cmd, d.VMDir); err != nil {
			return nil, err
		}
	}

	var bm *plist.BuildManifest
	if m, err := plist.OpenBuildManifest(filepath.Join(restore, "BuildManifest.plist")); err == nil {
		bm = m
	} else if !os.IsNotExist(errors.Cause(err)) {
		log.WithError(err).Warn("failed to parse BuildManifest.plist")
	}

	asm, err := arm64.NewAssembler(string(d.Conf.Assembler.Backend), d.Conf.Assembler.LLVMMC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create assembler")
	}
	opts := append([]patch.Option{patch.WithAssembler(asm), patch.WithContext(d.Conf.Context)}, d.Options...)

	var reports []Report
	var failed []string
	for _, c := range d.Components {
		override, skip, minPatches := d.Conf.Component(c.Key())
		r := Report{Component: c}
		if skip {
			log.WithField("component", c.Name).Info("skipped")
			r.Skipped = true
			reports = append(reports, r)
			continue
		}
		log.WithField("component", c.Name).Info("patching")
		r.Err = func() error {
			cat, ok := d.Catalogs.Lookup(c.Catalog)
			if !ok {
				return errors.Errorf("unknown catalog %q", c.Catalog)
			}
			path, err := d.locate(restore, c, override, bm)
			if err != nil {
				return err
			}
			r.File = path
			r.Result, err = Patch(path, cat, c.KeepTrailer, max(minPatches, 1), opts...)
			return err
		}()
		if r.Err != nil {
			log.WithError(r.Err).WithField("component", c.Name).Error("failed")
			failed = append(failed, c.Name)
		}
		reports = append(reports, r)
	}
	if len(failed) > 0 {
		return reports, errors.Errorf("%d of %d components failed: %s", len(failed), len(d.Components), strings.Join(failed, ", "))
	}
	return reports, nil
}
