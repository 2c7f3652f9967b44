package loader

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/registry"
)

// Loader creates units and tracks them until they are released. A loader
// owns the binding cache, the system assembly and persistent metadata.
type Loader struct {
	units  *registry.Table[*Unit]
	system atomic.Pointer[Assembly]
	log    *zap.Logger

	cacheMu sync.Mutex
	cache   map[string]*Assembly

	retainedMu sync.Mutex
	retained   []metadata.Import

	cfg    Config
	closed atomic.Bool
}

// New creates a loader. cfg is copied.
func New(cfg Config) (*Loader, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.ProfileAssemblies = append([]string(nil), cfg.ProfileAssemblies...)
	l := &Loader{
		cfg:   cfg,
		log:   cfg.Logger,
		units: registry.NewTable[*Unit](),
		cache: make(map[string]*Assembly),
	}
	l.log.Debug("loader created",
		zap.String("machine", image.MachineName(cfg.Machine)),
		zap.String("runtime", cfg.RuntimeVersion),
		zap.Bool("strongNameBypass", cfg.StrongNameBypass))
	return l, nil
}

// Config returns the loader's normalized configuration.
func (l *Loader) Config() Config { return l.cfg }

func (l *Loader) register(u *Unit) error {
	h, err := l.units.Insert(uint32(u.kind), u)
	if err != nil {
		return errors.Wrap(errors.PhaseOpen, errors.KindReleased, err, "loader is closed")
	}
	u.handle = h
	return nil
}

// Open wraps a managed image in a generic unit for metadata queries. The
// caller keeps its reference to img.
func (l *Loader) Open(img *image.Image) (*Unit, error) {
	if !img.HasCorHeader() {
		return nil, errors.BadImageFormat(errors.PhaseOpen, img.Path()+" has no CLI header")
	}
	img.AddRef()
	u := newUnit(l, KindImage, img)
	if err := l.register(u); err != nil {
		u.Release()
		return nil, err
	}
	return u, nil
}

// OpenFile opens the image at path as a generic unit.
func (l *Loader) OpenFile(path string) (*Unit, error) {
	img, err := image.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer img.Release()
	return l.Open(img)
}

// OpenBound creates an assembly from a binder result. The result keeps its
// own references; the assembly takes new ones.
func (l *Loader) OpenBound(res *binder.BindResult, isSystem, introspection bool) (*Assembly, error) {
	if res == nil || res.IL == nil {
		return nil, errors.InvalidInput(errors.PhaseOpen, "bind result has no IL image")
	}
	il := res.IL
	if !il.HasCorHeader() {
		return nil, errors.BadImageFormat(errors.PhaseOpen, il.Path()+" has no CLI header")
	}
	il.AddRef()
	a := newAssembly(l, il)
	if isSystem {
		a.setFlags(FlagSystem)
	}
	if introspection {
		a.setFlags(FlagIntrospectionOnly)
	}
	a.host = res.Host
	a.trusted = res.IsFromTrustedLocation
	a.onTPA = res.IsOnTPAList

	if err := a.finishOpen(); err != nil {
		return nil, err
	}

	if res.Native != nil {
		if introspection {
			a.clearNativeGate("introspection-only")
		} else {
			res.Native.AddRef()
			a.setNativeImage(res.Native)
		}
	}

	if err := l.register(a.Unit); err != nil {
		a.Release()
		return nil, err
	}
	l.log.Debug("assembly opened",
		zap.String("assembly", a.DebugName()),
		zap.String("path", a.Path()),
		zap.Stringer("flags", a.Flags()))
	return a, nil
}

// finishOpen reads the manifest and runs the signature check. The
// assembly is released on failure.
func (a *Assembly) finishOpen() error {
	imp, err := a.MetadataImport()
	if err != nil {
		a.Release()
		return err
	}
	if _, ok := imp.Assembly(); !ok {
		name := a.safeName()
		a.Release()
		return errors.New(errors.PhaseOpen, errors.KindBadImageFormat).
			Unit(name).Detail("image has no assembly manifest").Build()
	}
	if err := a.checkSignature(); err != nil {
		a.Release()
		return err
	}
	return nil
}

// OpenHosted creates an assembly owned by host from images the host
// resolved itself. il and ni are not consumed.
func (l *Loader) OpenHosted(host binder.Binder, il, ni *image.Image, introspection bool) (*Assembly, error) {
	if host == nil {
		return nil, errors.InvalidInput(errors.PhaseOpen, "hosted assembly needs a host binder")
	}
	return l.OpenBound(&binder.BindResult{IL: il, Native: ni, Host: host}, false, introspection)
}

// OpenSystem returns the system assembly, binding it on first use. Any
// failure is a bootstrap failure.
func (l *Loader) OpenSystem() (*Assembly, error) {
	if a := l.system.Load(); a != nil {
		a.AddRef()
		return a, nil
	}
	if l.cfg.Binder == nil {
		return nil, errors.BootstrapFailure(errors.Unsupported(errors.PhaseBootstrap, "no binder configured"))
	}
	res, err := l.cfg.Binder.BindSystem()
	if err != nil {
		return nil, errors.BootstrapFailure(err)
	}
	defer res.Release()
	a, err := l.OpenBound(res, true, false)
	if err != nil {
		return nil, errors.BootstrapFailure(err)
	}
	if !l.system.CompareAndSwap(nil, a) {
		a.Release()
		a = l.system.Load()
	}
	a.AddRef()
	l.log.Info("system assembly loaded", zap.String("path", a.Path()))
	return a, nil
}

// OpenMemory creates an assembly from bytes supplied by parent. In-memory
// assemblies have no path, never use native images and resolve their
// dependencies through the parent's binding context.
func (l *Loader) OpenMemory(parent *Unit, data []byte, introspection bool) (*Assembly, error) {
	img, err := image.OpenBytes(data)
	if err != nil {
		return nil, err
	}
	if !img.HasCorHeader() {
		img.Release()
		return nil, errors.BadImageFormat(errors.PhaseOpen, "in-memory image has no CLI header")
	}
	a := newAssembly(l, img)
	a.setFlags(FlagStream)
	if introspection {
		a.setFlags(FlagIntrospectionOnly)
	}
	a.canUseNative.Store(false)
	a.creator = parent
	if parent != nil {
		a.SetFallbackBinder(parent.BindingContext())
	}
	if err := a.finishOpen(); err != nil {
		return nil, err
	}
	if err := l.register(a.Unit); err != nil {
		a.Release()
		return nil, err
	}
	return a, nil
}

// Create makes a dynamic assembly around emit, or around a fresh scope from
// the provider when emit is nil. The caller keeps its reference to emit.
func (l *Loader) Create(parent *Unit, emit metadata.Emit, introspection bool) (*Assembly, error) {
	if emit == nil {
		emit = l.cfg.Provider.DefineScope()
	} else {
		emit.AddRef()
	}
	a := newAssembly(l, nil)
	a.setFlags(FlagDynamic)
	if introspection {
		a.setFlags(FlagIntrospectionOnly)
	}
	a.canUseNative.Store(false)
	a.md.Store(&mdHolder{imp: emit, emit: emit, state: MetadataReadWrite})
	a.creator = parent
	if parent != nil {
		a.SetFallbackBinder(parent.BindingContext())
	}
	if err := l.register(a.Unit); err != nil {
		a.Release()
		return nil, err
	}
	return a, nil
}

// LoadAssemblyRef resolves the AssemblyRef tok of from's metadata through
// from's binding context, or the loader's binder when it has none.
// Resolved assemblies that can be shared are cached per binder.
func (l *Loader) LoadAssemblyRef(from *Unit, tok metadata.Token) (*Assembly, error) {
	imp, err := from.MetadataImport()
	if err != nil {
		return nil, err
	}
	ref, err := imp.AssemblyRef(tok)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(ref.Name, l.cfg.SystemAssemblyName) {
		return l.OpenSystem()
	}

	b := from.BindingContext()
	if b == nil {
		b = l.cfg.Binder
	}
	if b == nil {
		return nil, errors.Unsupported(errors.PhaseBind, "no binder configured")
	}
	key := strings.ToLower(b.Name() + "|" + RefDisplayName(ref))
	if a := l.cached(key); a != nil {
		return a, nil
	}

	res, err := b.Bind(ref)
	if err != nil {
		return nil, err
	}
	defer res.Release()
	a, err := l.OpenBound(res, false, from.IsIntrospectionOnly())
	if err != nil {
		return nil, err
	}
	if !a.CanUseWithBindingCache() {
		return a, nil
	}

	bound := strings.ToLower(b.Name() + "|" + a.DisplayName())
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if prev, ok := l.cache[key]; ok {
		a.Release()
		prev.AddRef()
		return prev, nil
	}
	// Two refs naming the same identity share one assembly.
	prev, ok := l.cache[bound]
	switch {
	case ok && prev.Equals(a.Unit):
		a.Release()
		a = prev
		a.AddRef()
	case ok:
		// A different image now answers to this identity.
		prev.Release()
		fallthrough
	default:
		a.AddRef()
		l.cache[bound] = a
	}
	if key != bound {
		a.AddRef()
		l.cache[key] = a
	}
	return a, nil
}

func (l *Loader) cached(key string) *Assembly {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if a, ok := l.cache[key]; ok {
		a.AddRef()
		return a
	}
	return nil
}

// retain keeps a persistent import alive until Close.
func (l *Loader) retain(imp metadata.Import) {
	l.retainedMu.Lock()
	defer l.retainedMu.Unlock()
	l.retained = append(l.retained, imp)
}

// UnitInfo is a snapshot of one live unit.
type UnitInfo struct {
	Name           string
	Path           string
	Handle         registry.Handle
	RefCount       int32
	Flags          Flags
	Kind           Kind
	MetadataState  MetadataState
	HasNativeImage bool
}

// Units lists the live units in handle order. It reports the cached debug
// name and never opens metadata.
func (l *Loader) Units() []UnitInfo {
	var out []UnitInfo
	l.units.Each(func(h registry.Handle, _ uint32, u *Unit) bool {
		if u.dead.Load() {
			return true
		}
		out = append(out, UnitInfo{
			Handle:         h,
			Kind:           u.kind,
			Name:           u.safeName(),
			Path:           u.identityPath(),
			Flags:          u.Flags(),
			RefCount:       u.RefCount(),
			MetadataState:  u.MetadataState(),
			HasNativeImage: u.HasNativeImage(),
		})
		return true
	})
	return out
}

// Lookup returns the live unit registered under h.
func (l *Loader) Lookup(h registry.Handle) (*Unit, bool) {
	return l.units.Get(h)
}

// Subscribe registers o for unit creation and teardown events.
func (l *Loader) Subscribe(o registry.Observer[*Unit]) { l.units.Subscribe(o) }

// Unsubscribe removes an observer added with Subscribe.
func (l *Loader) Unsubscribe(o registry.Observer[*Unit]) { l.units.Unsubscribe(o) }

// Close drops the binding cache, the system assembly and persistent
// metadata. Units still referenced by callers stay usable; no new units
// can be created.
func (l *Loader) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cacheMu.Lock()
	cache := l.cache
	l.cache = make(map[string]*Assembly)
	l.cacheMu.Unlock()
	for _, a := range cache {
		a.Release()
	}
	if a := l.system.Swap(nil); a != nil {
		a.Release()
	}

	l.retainedMu.Lock()
	retained := l.retained
	l.retained = nil
	l.retainedMu.Unlock()
	for _, imp := range retained {
		imp.Release()
	}

	l.log.Debug("loader closed", zap.Int("liveUnits", l.units.Len()))
	return l.units.Close()
}
