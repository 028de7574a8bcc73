package userspace

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/patch"
)

const hactivate = "should_hactivate"

var dataSegments = []string{"__DATA_CONST", "__DATA", "__AUTH_CONST"}

// mobileActivationd makes -[DeviceType should_hactivate] return YES.
func mobileActivationd(ctx *patch.Context, set *patch.Set) error {
	imp := -1
	if name, off, ok := ctx.Symbols().Contains(hactivate); ok {
		ctx.Debugf("found %s in the symbol table", name)
		imp = off
	}
	if imp < 0 {
		var err error
		if imp, err = methodIMP(ctx, hactivate); err != nil {
			return err
		}
	}
	if imp+8 > ctx.Size() || !ctx.InCode(imp) {
		return patch.NotFound("%s implementation at %#x is not code", hactivate, imp)
	}
	set.Words(imp, "mov x0,#1; ret [-[DeviceType should_hactivate]]", arm64.MovX0_1, arm64.RET)
	return nil
}

func objcSection(m *container.File, name string) (container.Section, bool) {
	for _, seg := range dataSegments {
		if sec, ok := m.Section(seg, name); ok && sec.Size > 0 {
			return sec, true
		}
	}
	return container.Section{}, false
}

// methodIMP walks the ObjC metadata from a selector name to its
// implementation: the selref pointing at the name, then the relative method
// list entry whose name field points at the selref.
func methodIMP(ctx *patch.Context, selector string) (int, error) {
	m, data := ctx.Image().MachO, ctx.Data()
	if m == nil {
		return -1, patch.NotFound("ObjC metadata (not a Mach-O)")
	}
	selOff, ok := ctx.FindExactCString(selector)
	if !ok {
		return -1, patch.NotFound("selector %q", selector)
	}
	selVA, err := m.OffsetToVA(selOff)
	if err != nil {
		return -1, fmt.Errorf("selector %q: %w", selector, err)
	}

	selrefs, ok := objcSection(m, "__objc_selrefs")
	if !ok {
		return -1, patch.NotFound("__objc_selrefs")
	}
	selrefVA := uint64(0)
	for i := uint64(0); i+8 <= selrefs.Size; i += 8 {
		ptr := binary.LittleEndian.Uint64(data[uint64(selrefs.Offset)+i:])
		// chained fixups keep the target in the low bits
		if ptr == selVA || ptr&0x0000FFFFFFFFFFFF == selVA || uint32(ptr) == uint32(selVA) {
			selrefVA = selrefs.Addr + i
			break
		}
	}
	if selrefVA == 0 {
		return -1, patch.NotFound("selref for %q", selector)
	}

	consts, ok := objcSection(m, "__objc_const")
	if !ok {
		return -1, patch.NotFound("__objc_const")
	}
	for i := uint64(0); i+12 <= consts.Size; i += 4 {
		entry := uint64(consts.Offset) + i
		entryVA := consts.Addr + i
		name := int32(binary.LittleEndian.Uint32(data[entry:]))
		if entryVA+uint64(int64(name)) != selrefVA {
			continue
		}
		rel := int32(binary.LittleEndian.Uint32(data[entry+8:]))
		impVA := entryVA + 8 + uint64(int64(rel))
		off, err := m.VAToOffset(impVA)
		if err != nil {
			continue
		}
		return off, nil
	}
	return -1, patch.NotFound("relative method entry for %q", selector)
}
