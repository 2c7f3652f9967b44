package loader

import (
	"bytes"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/registry"
)

// Unit is one loadable unit of managed code. It owns the identity image,
// a lazily cloned IL image, an optional native image and the unit's
// metadata scope. Accessors are safe for concurrent use.
//
// Assemblies and modules embed *Unit; AsAssembly and AsModule recover the
// specialised value.
type Unit struct {
	loader *Loader

	// identity never changes after construction. Dynamic units have none.
	identity *image.Image

	il     atomic.Pointer[image.Image]
	native atomic.Pointer[image.Image]

	// nativeMu serialises binding native images and retiring images.
	nativeMu      sync.Mutex
	retiredImages []*image.Image
	canUseNative  atomic.Bool

	// mdLock guards metadata install and upgrade. Reads of md are lock-free.
	mdLock     sync.Mutex
	md         atomic.Pointer[mdHolder]
	retiredMD  []metadata.Import
	persistent atomic.Bool

	hashMu  sync.Mutex
	hashAlg image.HashAlgorithm
	hash    []byte

	loadMu   sync.Mutex
	loadDone bool
	loadErr  error
	loaded   *image.Layout

	host     binder.Binder
	fallback atomic.Pointer[binderRef]

	debugName atomic.Pointer[string]

	asm    *Assembly
	mod    *Module
	flags  atomic.Uint32
	refs   atomic.Int32
	handle registry.Handle
	kind   Kind
	dead   atomic.Bool
}

type mdHolder struct {
	imp   metadata.Import
	emit  metadata.Emit
	state MetadataState
}

type binderRef struct{ b binder.Binder }

func newUnit(l *Loader, kind Kind, identity *image.Image) *Unit {
	u := &Unit{loader: l, kind: kind, identity: identity}
	u.refs.Store(1)
	u.canUseNative.Store(!l.cfg.DisableNativeImages)
	switch kind {
	case KindAssembly:
		u.setFlags(FlagAssembly)
	case KindModule:
		u.setFlags(FlagModule)
	}
	return u
}

func (u *Unit) setFlags(f Flags) { u.flags.Or(uint32(f)) }

// live panics if the unit was torn down.
func (u *Unit) live() {
	if u.dead.Load() {
		panic(errors.Released("unit " + u.safeName()))
	}
}

func (u *Unit) safeName() string {
	if p := u.debugName.Load(); p != nil {
		return *p
	}
	if u.identity != nil && u.identity.Path() != "" {
		return u.identity.Path()
	}
	return u.kind.String()
}

// Kind returns the variant of the unit.
func (u *Unit) Kind() Kind { return u.kind }

// Loader returns the loader that created the unit.
func (u *Unit) Loader() *Loader { return u.loader }

// AsAssembly returns the assembly view, nil for other kinds.
func (u *Unit) AsAssembly() *Assembly {
	if u.kind == KindAssembly {
		return u.asm
	}
	return nil
}

// AsModule returns the module view, nil for other kinds.
func (u *Unit) AsModule() *Module {
	if u.kind == KindModule {
		return u.mod
	}
	return nil
}

// Assembly returns the assembly this unit belongs to: itself for an
// assembly, the owner for a module and nil for a generic image unit.
func (u *Unit) Assembly() *Assembly {
	switch u.kind {
	case KindAssembly:
		return u.asm
	case KindModule:
		return u.mod.owner
	}
	return nil
}

// Flags returns the current flag set.
func (u *Unit) Flags() Flags { return Flags(u.flags.Load()) }

func (u *Unit) has(f Flags) bool { return u.Flags()&f != 0 }

func (u *Unit) IsAssembly() bool                   { return u.has(FlagAssembly) }
func (u *Unit) IsModule() bool                     { return u.has(FlagModule) }
func (u *Unit) IsSystem() bool                     { return u.has(FlagSystem) }
func (u *Unit) IsDynamic() bool                    { return u.has(FlagDynamic) }
func (u *Unit) IsStream() bool                     { return u.has(FlagStream) }
func (u *Unit) IsIntrospectionOnly() bool          { return u.has(FlagIntrospectionOnly) }
func (u *Unit) IsNativeImageUsedExclusively() bool { return u.has(FlagNativeExclusive) }
func (u *Unit) IsSafeToHardBindTo() bool           { return u.has(FlagSafeToHardBind) }
func (u *Unit) HasNativeImageMetadata() bool       { return u.has(FlagHasNativeMetadata) }

// IdentityImage returns the image the unit's identity and hash derive from.
func (u *Unit) IdentityImage() *image.Image { return u.identity }

// Equals compares the units' underlying images, not the objects. Dynamic
// units are only equal to themselves.
func (u *Unit) Equals(other *Unit) bool {
	if u == nil || other == nil {
		return u == other
	}
	u.live()
	other.live()
	if u == other {
		return true
	}
	if u.identity == nil || other.identity == nil {
		return false
	}
	return u.identity.Equals(other.identity)
}

// EqualsImage reports whether img has the unit's identity.
func (u *Unit) EqualsImage(img *image.Image) bool {
	u.live()
	return u.identity != nil && u.identity.Equals(img)
}

// Hash returns the content hash of the identity image. The unit caches one
// algorithm: asking for a different one afterwards is a hash mismatch.
func (u *Unit) Hash(alg image.HashAlgorithm) ([]byte, error) {
	u.live()
	u.hashMu.Lock()
	defer u.hashMu.Unlock()
	if u.hash != nil {
		if alg != u.hashAlg {
			return nil, errors.New(errors.PhaseHash, errors.KindHashMismatch).
				Unit(u.DebugName()).
				Detail("hash cached with %s, %s requested", u.hashAlg, alg).Build()
		}
		return bytes.Clone(u.hash), nil
	}
	if u.identity == nil {
		return nil, errors.Unsupported(errors.PhaseHash, "dynamic unit has no image to hash")
	}
	h, err := u.identity.Hash(alg)
	if err != nil {
		return nil, err
	}
	u.hashAlg, u.hash = alg, h
	return bytes.Clone(h), nil
}

// SHA1Hash is Hash with SHA-1.
func (u *Unit) SHA1Hash() ([]byte, error) {
	return u.Hash(image.HashSHA1)
}

// CheckHash compares want against the unit's hash under alg. A cached value
// for alg is reused; any other algorithm is computed without touching the
// cache. A mismatch is reported as false, not as an error.
func (u *Unit) CheckHash(alg image.HashAlgorithm, want []byte) (bool, error) {
	u.live()
	u.hashMu.Lock()
	cached := u.hash != nil && u.hashAlg == alg
	got := u.hash
	u.hashMu.Unlock()

	if !cached {
		if u.identity == nil {
			return false, errors.Unsupported(errors.PhaseHash, "dynamic unit has no image to hash")
		}
		var err error
		if got, err = u.identity.Hash(alg); err != nil {
			return false, err
		}
	}
	return bytes.Equal(got, want), nil
}

// Path is the identity image's path, empty for in-memory and dynamic units.
func (u *Unit) Path() string {
	u.live()
	return u.identityPath()
}

func (u *Unit) identityPath() string {
	if u.identity == nil {
		return ""
	}
	return u.identity.Path()
}

// CodeBaseOrName returns the path, or the simple name when there is none.
func (u *Unit) CodeBaseOrName() string {
	if p := u.Path(); p != "" {
		return p
	}
	return u.SimpleName()
}

// DebugName is a short name for logs: the simple name when metadata is
// readable, otherwise the path or the unit kind.
func (u *Unit) DebugName() string {
	if p := u.debugName.Load(); p != nil {
		return *p
	}
	name := u.SimpleName()
	if name == "" {
		name = u.ScopeName()
	}
	if name == "" {
		name = u.safeName()
	}
	if !u.IsDynamic() {
		// Dynamic names may still change through the emitter.
		u.debugName.Store(&name)
	}
	return name
}

// PathForErrorMessages is the path when known, else the debug name.
func (u *Unit) PathForErrorMessages() string {
	if p := u.Path(); p != "" {
		return p
	}
	return u.DebugName()
}

// HostBinder returns the binder that owns the unit, nil for the default
// context.
func (u *Unit) HostBinder() binder.Binder { return u.host }

// HasHostBinder reports whether a host binder owns the unit.
func (u *Unit) HasHostBinder() bool { return u.host != nil }

// FallbackBinder is the binding context inherited from the unit that
// caused this one to be created.
func (u *Unit) FallbackBinder() binder.Binder {
	if r := u.fallback.Load(); r != nil {
		return r.b
	}
	return nil
}

// SetFallbackBinder sets the inherited binding context.
func (u *Unit) SetFallbackBinder(b binder.Binder) {
	if b == nil {
		u.fallback.Store(nil)
		return
	}
	u.fallback.Store(&binderRef{b: b})
}

// BindingContext is the binder dependencies of this unit resolve through:
// the host binder, else the fallback binder, else nil for the loader's
// default binder.
func (u *Unit) BindingContext() binder.Binder {
	if u.host != nil {
		return u.host
	}
	return u.FallbackBinder()
}

// CanUseWithBindingCache reports whether the unit may be shared through
// identity-keyed caches. Assembly refines this with its bindable identity.
func (u *Unit) CanUseWithBindingCache() bool {
	return !u.HasHostBinder()
}

// LoadAssembly resolves an AssemblyRef token of this unit's metadata.
func (u *Unit) LoadAssembly(tok metadata.Token) (*Assembly, error) {
	return u.loader.LoadAssemblyRef(u, tok)
}

// RefCount returns the current reference count.
func (u *Unit) RefCount() int32 { return u.refs.Load() }

// AddRef adds a reference. Reviving a unit whose count reached zero is a
// contract violation and panics.
func (u *Unit) AddRef() int32 {
	n := u.refs.Add(1)
	if n <= 1 {
		panic(errors.Released("unit " + u.safeName()))
	}
	return n
}

// Release drops a reference. The last release tears the unit down:
// metadata first, then native, IL and identity images.
func (u *Unit) Release() int32 {
	n := u.refs.Add(-1)
	switch {
	case n == 0:
		u.teardown()
	case n < 0:
		panic(errors.Released("unit " + u.safeName()))
	}
	return n
}

func (u *Unit) teardown() {
	name := u.safeName()
	u.dead.Store(true)
	if u.handle != 0 {
		u.loader.units.Remove(u.handle)
	}

	if a := u.asm; a != nil {
		a.releaseModules()
	}

	u.mdLock.Lock()
	h := u.md.Swap(nil)
	retired := u.retiredMD
	u.retiredMD = nil
	u.mdLock.Unlock()
	if h != nil {
		if u.persistent.Load() {
			u.loader.retain(h.imp)
		} else {
			h.imp.Release()
		}
	}
	for _, imp := range retired {
		imp.Release()
	}

	u.nativeMu.Lock()
	ni := u.native.Swap(nil)
	retiredImgs := u.retiredImages
	u.retiredImages = nil
	u.nativeMu.Unlock()
	if ni != nil {
		ni.Release()
	}
	for _, img := range retiredImgs {
		img.Release()
	}

	if il := u.il.Swap(nil); il != nil {
		il.Release()
	}
	if u.identity != nil {
		u.identity.Release()
	}
	u.loader.log.Debug("unit released", zap.String("unit", name), zap.Stringer("kind", u.kind))
}
