package binder

import (
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
)

// Binder resolves assembly references to images.
type Binder interface {
	// Name identifies the binder in logs and binding cache keys.
	Name() string

	// Bind resolves ref. The caller owns the returned result.
	Bind(ref metadata.AssemblyRef) (*BindResult, error)

	// BindSystem resolves the runtime's system assembly.
	BindSystem() (*BindResult, error)
}

// BindResult is a resolved image pair and the trust facts the binder
// established while resolving it. Each image carries one reference owned by
// the result.
type BindResult struct {
	IL     *image.Image
	Native *image.Image

	// Host is the binder that owns the resolved assembly, nil when it
	// belongs to the default context.
	Host Binder

	IsFromTrustedLocation bool
	IsOnTPAList           bool
}

// Release drops the references held by the result.
func (r *BindResult) Release() {
	if r == nil {
		return
	}
	if r.IL != nil {
		r.IL.Release()
		r.IL = nil
	}
	if r.Native != nil {
		r.Native.Release()
		r.Native = nil
	}
}
