package userspace

import (
	"github.com/blacktop/fwpatch/pkg/patch"
)

const (
	gigalockerFormat  = "/%s.gl\x00"
	gigalockerPatched = "/AA.gl\x00"
)

// seputilGigalocker pins the gigalocker file name: "/%s.gl" formats the
// device UUID into the path and becomes the literal "/AA.gl".
func seputilGigalocker(ctx *patch.Context, set *patch.Set) error {
	off, ok := ctx.FindString(gigalockerFormat, 0)
	if !ok {
		if off, ok = ctx.FindString(gigalockerPatched, 0); !ok {
			return patch.NotFound("format string %q", "/%s.gl")
		}
	}
	ctx.Debugf("gigalocker format at %#x", off)
	set.Add(off+1, []byte("AA"), `"/%s.gl" -> "/AA.gl" [seputil gigalocker]`)
	return nil
}
