package bundle

import (
	"github.com/blacktop/fwpatch/pkg/patch"
	"github.com/blacktop/fwpatch/pkg/patch/iboot"
	"github.com/blacktop/fwpatch/pkg/patch/kernel"
	"github.com/blacktop/fwpatch/pkg/patch/txm"
	"github.com/blacktop/fwpatch/pkg/patch/userspace"
)

// Catalogs returns a registry of every built-in catalog: kernel, txm, the
// boot stages and userspace.
func Catalogs() *patch.Registry {
	r := patch.NewRegistry()
	r.Register("kernel", kernel.Catalog)
	r.Register("txm", txm.Catalog)
	for _, m := range iboot.Modes {
		r.Register(string(m), func() patch.Catalog { return iboot.Catalog(m) })
	}
	r.Register("userspace", userspace.Catalog)
	return r
}
