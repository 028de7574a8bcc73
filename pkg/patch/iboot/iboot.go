// Package iboot holds the boot loader rules.
package iboot

import (
	"fmt"
	"strings"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/patch"
)

// Mode is the boot stage an image belongs to.
type Mode string

const (
	IBSS  Mode = "ibss"
	IBEC  Mode = "ibec"
	LLB   Mode = "llb"
	IBoot Mode = "iboot"
)

// Modes lists every boot stage in chain order.
var Modes = []Mode{LLB, IBSS, IBEC, IBoot}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown iBoot mode %q (expected one of %v)", s, Modes)
}

const bootNonce = "boot-nonce"

// Catalog returns the rules for mode. Only iBSS carries rules today.
func Catalog(mode Mode) patch.Catalog {
	c := patch.Catalog{Name: string(mode)}
	if mode == IBSS {
		c.Rules = append(c.Rules, patch.New("skip_generate_nonce", skipGenerateNonce))
	}
	return c
}

// skipGenerateNonce branches over the nonce generation call that follows
// the boot-nonce lookup: tbz/tbnz w0,#0; mov w0,#0; bl.
func skipGenerateNonce(ctx *patch.Context, set *patch.Set) error {
	refs := ctx.StringRefs(bootNonce)
	if len(refs) == 0 {
		return patch.NotFound("references to %q", bootNonce)
	}
	test := patch.All(patch.TB(0, 0), func(i arm64.Instruction) bool { return !i.Rd.Wide })
	for _, r := range refs {
		hits := ctx.MatchIn(r.Add, min(r.Add+0x100, ctx.Size()), test, patch.MovImm(0, 0), patch.Call)
		if len(hits) == 0 {
			continue
		}
		off := hits[0]
		target := ctx.Target(ctx.At(off))
		w, err := ctx.B(off, target)
		if err != nil {
			return err
		}
		set.Word(off, w, fmt.Sprintf("b %#x [skip generate_nonce]", target))
		return nil
	}
	return patch.NotFound("tbz w0,#0; mov w0,#0; bl after %q", bootNonce)
}
