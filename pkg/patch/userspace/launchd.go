package userspace

import (
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/patch"
)

var (
	cacheLoaderAnchors = []string{
		"unsecure_cache",
		"unsecure",
		"cache_valid",
		"validation",
	}
	jetsamAnchors = []string{
		"jetsam property category (Daemon) is not initialized",
		"jetsam property category",
		"initproc exited -- exit reason namespace 7 subcode 0x1",
	}
)

// branchAfterCall finds the conditional branch testing the result of the
// check call that takes the string loaded at ref: the first conditional
// branch within 8 instructions after the first bl in the next 16, else the
// first conditional branch within 32 instructions.
func branchAfterCall(ctx *patch.Context, ref int, text container.Range) int {
	for d := 0; d < 16; d++ {
		off := ref + 4*d
		if off >= text.End {
			break
		}
		if !ctx.At(off).IsCall() {
			continue
		}
		if br := ctx.Forward(off+4, min(off+4+8*4, text.End), patch.CondBranch); br >= 0 {
			return br
		}
		break
	}
	return ctx.Forward(ref+4, min(ref+4+32*4, text.End), patch.CondBranch)
}

// launchdCacheLoader removes the branch that skips the unsecure cache path,
// so a modified launchd.plist is accepted.
func launchdCacheLoader(ctx *patch.Context, set *patch.Set) error {
	text, err := textSection(ctx)
	if err != nil {
		return err
	}
	for _, anchor := range cacheLoaderAnchors {
		ref, ok := anchorRef(ctx, anchor, text)
		if !ok {
			continue
		}
		br := branchAfterCall(ctx, ref, text)
		if br < 0 {
			continue
		}
		ctx.Debugf("anchor %q referenced at %#x", anchor, ref)
		set.Word(br, arm64.NOP, fmt.Sprintf("nop [launchd_cache_loader %s]", anchor))
		return nil
	}
	return patch.NotFound("cache validation branch (anchors %q)", cacheLoaderAnchors)
}

// isReturnBlock reports whether a ret or retab is reached from off within 8
// instructions without leaving the block.
func isReturnBlock(ctx *patch.Context, off int, text container.Range) bool {
	for n := 0; n < 8; n++ {
		at := off + 4*n
		if at >= text.End {
			break
		}
		switch i := ctx.At(at); {
		case i.IsReturn():
			return true
		case i.Op == arm64.OpB, i.Op == arm64.OpBL, i.Op == arm64.OpBR, i.Op == arm64.OpBLR:
			return false
		}
	}
	return false
}

// launchdJetsam makes the jetsam initialization check in launchd always
// take its success return instead of panicking initproc. The earliest
// qualifying branch before the panic string wins since it skips the most
// of the failure path.
func launchdJetsam(ctx *patch.Context, set *patch.Set) error {
	text, err := textSection(ctx)
	if err != nil {
		return err
	}
	for _, anchor := range jetsamAnchors {
		ref, ok := anchorRef(ctx, anchor, text)
		if !ok {
			continue
		}
		site, target := -1, -1
		for back := ref - 4; back >= max(text.Start, ref-0x300); back -= 4 {
			i := ctx.At(back)
			if !i.IsCondBranch() {
				continue
			}
			t := ctx.Target(i)
			if !text.Contains(t) || !isReturnBlock(ctx, t, text) {
				continue
			}
			site, target = back, t
		}
		if site < 0 {
			continue
		}
		w, err := ctx.B(site, target)
		if err != nil {
			return err
		}
		ctx.Debugf("anchor %q referenced at %#x", anchor, ref)
		set.Word(site, w, fmt.Sprintf("b %#x [launchd jetsam guard]", target))
		return nil
	}
	return patch.NotFound("jetsam guard branch (anchors %q)", jetsamAnchors)
}
