// Package userspace holds the rules for the user-space binaries a custom
// firmware install modifies: seputil, launchd_cache_loader,
// mobileactivationd and launchd.
package userspace

import (
	"fmt"
	"sort"

	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/patch"
)

// Binaries maps the binary names accepted on the command line to the rule
// that patches them.
var Binaries = map[string]string{
	"seputil":              "seputil_gigalocker",
	"launchd-cache-loader": "launchd_cache_loader",
	"mobileactivationd":    "mobileactivationd",
	"launchd-jetsam":       "launchd_jetsam",
}

// BinaryNames returns the keys of Binaries sorted.
func BinaryNames() []string {
	names := make([]string, 0, len(Binaries))
	for n := range Binaries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Catalog returns the user-space rules.
func Catalog() patch.Catalog {
	return patch.Catalog{
		Name: "userspace",
		Rules: []patch.Rule{
			patch.New("seputil_gigalocker", seputilGigalocker),
			patch.New("launchd_cache_loader", launchdCacheLoader),
			patch.New("mobileactivationd", mobileActivationd),
			patch.New("launchd_jetsam", launchdJetsam),
		},
	}
}

// For returns the catalog narrowed to the rule for binary.
func For(binary string) (patch.Catalog, error) {
	name, ok := Binaries[binary]
	if !ok {
		return patch.Catalog{}, fmt.Errorf("unknown binary %q (expected one of %v)", binary, BinaryNames())
	}
	c := Catalog()
	rules, err := c.Select(name)
	if err != nil {
		return patch.Catalog{}, err
	}
	c.Name = binary
	c.Rules = rules
	return c, nil
}

// textSection returns the __TEXT,__text range of a Mach-O image.
func textSection(ctx *patch.Context) (container.Range, error) {
	m := ctx.Image().MachO
	if m == nil {
		return container.Range{}, patch.NotFound("__TEXT,__text (not a Mach-O)")
	}
	sec, ok := m.Section("__TEXT", "__text")
	if !ok || sec.Size == 0 {
		return container.Range{}, patch.NotFound("__TEXT,__text")
	}
	return container.Range{Start: int(sec.Offset), End: int(sec.Offset) + int(sec.Size)}, nil
}

// anchorRef resolves the first occurrence of needle to the start of its
// string and returns the first reference to it from text, retrying with the
// exact match offset.
func anchorRef(ctx *patch.Context, needle string, text container.Range) (int, bool) {
	hit, ok := ctx.FindString(needle, 0)
	if !ok {
		return -1, false
	}
	if m := ctx.Image().MachO; m != nil {
		if _, ok := m.SectionAt(hit); !ok {
			return -1, false
		}
	}
	start := ctx.StringStart(hit)
	for _, target := range []int{start, hit} {
		if xs := ctx.XrefsTo(target, text); len(xs) > 0 {
			if start != hit {
				ctx.Debugf("%q is inside %q", needle, ctx.CStringAt(start, 256))
			}
			return xs[0].Load, true
		}
		if start == hit {
			break
		}
	}
	return -1, false
}
