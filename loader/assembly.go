package loader

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/ecma335"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/strongname"
)

const (
	profileUnknown int32 = iota
	profileYes
	profileNo
)

// signatureCheck records the single strong name pass made while opening.
type signatureCheck struct {
	err      error
	present  bool
	verified bool
	bypassed bool
}

// Assembly is a unit with a manifest: a bindable assembly, an in-memory
// assembly or a dynamic emission target.
type Assembly struct {
	*Unit

	creator  *Unit
	sig      signatureCheck
	instance uuid.UUID

	modMu   sync.Mutex
	modules map[string]*Module

	profile atomic.Int32
	trusted bool
	onTPA   bool
}

func newAssembly(l *Loader, identity *image.Image) *Assembly {
	a := &Assembly{Unit: newUnit(l, KindAssembly, identity), instance: uuid.New()}
	a.Unit.asm = a
	return a
}

// Creator is the unit that produced this one, nil for bound assemblies.
func (a *Assembly) Creator() *Unit { return a.creator }

// IsSourceGAC reports whether the binder found the assembly in a trusted
// location.
func (a *Assembly) IsSourceGAC() bool { return a.trusted }

// IsOnTPAList reports whether the binder found it on the trusted list.
func (a *Assembly) IsOnTPAList() bool { return a.onTPA }

// checkSignature runs the one strong name pass for an image-backed
// assembly. A signed assembly whose signature fails to verify is an error
// unless bypass is configured; trusted locations are not verified.
func (a *Assembly) checkSignature() error {
	name := a.safeName()
	props, ok := a.props()
	if !ok {
		return errors.New(errors.PhaseOpen, errors.KindBadImageFormat).
			Unit(name).Detail("image has no assembly manifest").Build()
	}
	sigBlob, err := a.identity.StrongNameSignature()
	if err != nil {
		return errors.SignatureInvalid(name, err)
	}
	a.sig.present = len(sigBlob) > 0 && a.identity.IsStrongNameSigned() && len(props.PublicKey) > 0

	switch {
	case !a.sig.present:
		a.sig.err = errors.SignatureAbsent(name)
	case a.loader.cfg.StrongNameBypass, a.trusted:
		a.sig.bypassed = true
	default:
		if err := strongname.Verify(a.identity, props.PublicKey); err != nil {
			a.sig.err = err
			return err
		}
		a.sig.verified = true
	}
	if a.sig.verified || a.trusted {
		a.setFlags(FlagSkipModuleHashChecks)
	}
	a.loader.log.Debug("signature check",
		zap.String("assembly", name),
		zap.Bool("present", a.sig.present),
		zap.Bool("verified", a.sig.verified),
		zap.Bool("bypassed", a.sig.bypassed))
	return nil
}

// VerifyStrongName returns the cached result of the signature pass: nil
// when verified or bypassed, a signature-absent error for unsigned
// assemblies and the verification error otherwise.
func (a *Assembly) VerifyStrongName() error {
	a.live()
	if a.IsDynamic() {
		return errors.SignatureAbsent(a.DebugName())
	}
	return a.sig.err
}

// IsStrongNameVerified reports a signature that was checked and held.
func (a *Assembly) IsStrongNameVerified() bool { return a.sig.verified }

// HasStrongNameSignature reports a signature blob in a signed image.
func (a *Assembly) HasStrongNameSignature() bool { return a.sig.present }

// IsFullySigned reports a strong name signature that is not merely a
// delay-signed placeholder.
func (a *Assembly) IsFullySigned() bool {
	return a.sig.present && (a.sig.verified || a.sig.bypassed)
}

// NeedsModuleHashChecks reports whether modules loaded for this assembly
// must match the hashes in its File table.
func (a *Assembly) NeedsModuleHashChecks() bool {
	return !a.has(FlagSkipModuleHashChecks)
}

// IsProfileAssembly reports whether the assembly belongs to the configured
// profile. The answer is computed once.
func (a *Assembly) IsProfileAssembly() bool {
	switch a.profile.Load() {
	case profileYes:
		return true
	case profileNo:
		return false
	}
	v := profileNo
	if a.computeProfile() {
		v = profileYes
	}
	a.profile.CompareAndSwap(profileUnknown, v)
	return a.profile.Load() == profileYes
}

func (a *Assembly) computeProfile() bool {
	if a.IsSystem() {
		return true
	}
	if !a.onTPA {
		return false
	}
	list := a.loader.cfg.ProfileAssemblies
	if len(list) == 0 {
		return true
	}
	name := a.SimpleName()
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, name) })
}

// PublicKeyToken is the token of the manifest public key, nil if unsigned.
func (a *Assembly) PublicKeyToken() []byte {
	return strongname.PublicKeyToken(a.PublicKey())
}

// DisplayName renders the assembly identity in the usual
// "Name, Version=..., Culture=..., PublicKeyToken=..." form.
func (a *Assembly) DisplayName() string {
	props, _ := a.props()
	return DisplayName(props.Name, props.Version, props.Culture, a.PublicKeyToken(), props.Flags)
}

// DisplayName formats an assembly identity.
func DisplayName(name string, v metadata.Version, culture string, token []byte, flags uint32) string {
	var sb strings.Builder
	sb.WriteString(name)
	fmt.Fprintf(&sb, ", Version=%s", v)
	if culture == "" {
		culture = "neutral"
	}
	fmt.Fprintf(&sb, ", Culture=%s", culture)
	if len(token) == 0 {
		sb.WriteString(", PublicKeyToken=null")
	} else {
		sb.WriteString(", PublicKeyToken=" + hex.EncodeToString(token))
	}
	if flags&metadata.AssemblyFlagRetargetable != 0 {
		sb.WriteString(", Retargetable=Yes")
	}
	if flags&metadata.AssemblyFlagContentTypeMask == metadata.AssemblyFlagContentTypeWinRT {
		sb.WriteString(", ContentType=WindowsRuntime")
	}
	return sb.String()
}

// RefDisplayName formats the identity an AssemblyRef asks for.
func RefDisplayName(ref metadata.AssemblyRef) string {
	tok := ref.PublicKeyOrToken
	if ref.Flags&metadata.AssemblyFlagPublicKey != 0 {
		tok = strongname.PublicKeyToken(tok)
	}
	return DisplayName(ref.Name, ref.Version, ref.Culture, tok, ref.Flags)
}

// HasBindableIdentity is false for in-memory and dynamic assemblies.
func (a *Assembly) HasBindableIdentity() bool {
	return a.identity != nil && !a.IsDynamic() && !a.IsStream()
}

// CanUseWithBindingCache requires a bindable identity and no host binder.
func (a *Assembly) CanUseWithBindingCache() bool {
	return a.HasBindableIdentity() && a.Unit.CanUseWithBindingCache()
}

// TextualIdentity is the display name for bindable assemblies. Other
// assemblies get an instance suffix so two of them never share a key.
func (a *Assembly) TextualIdentity() string {
	if a.HasBindableIdentity() {
		return a.DisplayName()
	}
	return a.DisplayName() + ", Instance=" + a.instance.String()
}

// EffectivePath is the assembly's path or, for assemblies without one, the
// path of the unit that created it.
func (a *Assembly) EffectivePath() string {
	if p := a.Path(); p != "" {
		return p
	}
	// Creators are not kept alive, so walk them without the liveness check.
	for c := a.creator; c != nil; {
		ca := c.Assembly()
		if ca == nil {
			return c.identityPath()
		}
		if p := ca.identityPath(); p != "" {
			return p
		}
		c = ca.creator
	}
	return ""
}

// CodeBase is the path as a file URL, empty when there is no path.
func (a *Assembly) CodeBase() string {
	p := a.Path()
	if p == "" {
		return ""
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}

// HashIdentity is a 64-bit hash of TextualIdentity for hash tables.
func (a *Assembly) HashIdentity() uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(a.TextualIdentity())))
	return h.Sum64()
}

// IsWindowsRuntime reports the WinRT content type.
func (a *Assembly) IsWindowsRuntime() bool {
	return a.IsMarkedAsContentTypeWindowsRuntime()
}

// LoadModule opens the non-primary module named in the File table. Module
// images live next to the assembly and are hash checked when
// NeedsModuleHashChecks holds. The module is owned by the assembly.
func (a *Assembly) LoadModule(fileName string) (*Module, error) {
	a.live()
	key := strings.ToLower(fileName)
	a.modMu.Lock()
	defer a.modMu.Unlock()
	if m, ok := a.modules[key]; ok {
		return m, nil
	}

	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	entry, ok := imp.FindFile(fileName)
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "file", fileName)
	}
	if entry.Flags&metadata.FileContainsNoMetadata != 0 {
		return nil, errors.Unsupported(errors.PhaseResolve, "file "+fileName+" has no metadata")
	}
	base := a.EffectivePath()
	if base == "" {
		return nil, errors.Unsupported(errors.PhaseResolve, "assembly without a path cannot load modules")
	}

	img, err := image.OpenFile(filepath.Join(filepath.Dir(base), entry.Name))
	if err != nil {
		return nil, err
	}
	m, err := a.loader.newModule(a, img)
	img.Release()
	if err != nil {
		return nil, err
	}

	if a.NeedsModuleHashChecks() {
		alg := image.HashAlgorithm(a.HashAlgID())
		if alg == 0 {
			alg = image.HashSHA1
		}
		got, err := m.Hash(alg)
		if err != nil {
			m.Release()
			return nil, err
		}
		if !slices.Equal(got, entry.HashValue) {
			m.Release()
			return nil, errors.HashMismatch(a.DebugName(),
				fmt.Sprintf("module %s hash %x does not match manifest %x", entry.Name, got, entry.HashValue))
		}
	}

	if a.modules == nil {
		a.modules = make(map[string]*Module)
	}
	a.modules[key] = m
	return m, nil
}

func (a *Assembly) releaseModules() {
	a.modMu.Lock()
	mods := a.modules
	a.modules = nil
	a.modMu.Unlock()
	for _, m := range mods {
		m.Release()
	}
}

// ResourceLocation says where a manifest resource was found.
type ResourceLocation uint8

const (
	ResourceEmbedded ResourceLocation = iota
	ResourceLinkedFile
	ResourceInAssembly
)

func (l ResourceLocation) String() string {
	switch l {
	case ResourceEmbedded:
		return "embedded"
	case ResourceLinkedFile:
		return "file"
	case ResourceInAssembly:
		return "assembly"
	}
	return "unknown"
}

// Resource is a resolved manifest resource.
type Resource struct {
	Data     []byte
	Name     string
	File     string
	Assembly string
	Flags    uint32
	Location ResourceLocation
}

// Resource resolves the manifest resource name: embedded in this image, in
// a linked file next to it, or in a referenced assembly.
func (a *Assembly) Resource(name string) (*Resource, error) {
	a.live()
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	mr, ok := imp.FindManifestResource(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "manifest resource", name)
	}
	res := &Resource{Name: mr.Name, Flags: mr.Flags}

	impl := mr.Implementation
	switch {
	case impl.IsNil():
		data, err := a.EmbeddedResource(mr.Offset)
		if err != nil {
			return nil, err
		}
		res.Data, res.Location = data, ResourceEmbedded

	case impl.Table() == ecma335.TableFile:
		entry, err := imp.File(impl)
		if err != nil {
			return nil, err
		}
		if a.EffectivePath() == "" {
			return nil, errors.Unsupported(errors.PhaseResolve, "assembly without a path cannot read linked resources")
		}
		path := filepath.Join(filepath.Dir(a.EffectivePath()), entry.Name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
				Unit(a.DebugName()).Detail("linked resource file %s", path).Cause(err).Build()
		}
		if a.NeedsModuleHashChecks() && len(entry.HashValue) > 0 {
			if err := checkFileHash(a, entry, data); err != nil {
				return nil, err
			}
		}
		res.Data, res.Location, res.File = data, ResourceLinkedFile, entry.Name

	case impl.Table() == ecma335.TableAssemblyRef:
		dep, err := a.LoadAssembly(impl)
		if err != nil {
			return nil, err
		}
		defer dep.Release()
		inner, err := dep.Resource(name)
		if err != nil {
			return nil, err
		}
		inner.Location, inner.Assembly = ResourceInAssembly, dep.DisplayName()
		return inner, nil

	default:
		return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
			Unit(a.DebugName()).Detail("resource %s has implementation %s", name, impl).Build()
	}
	return res, nil
}

func checkFileHash(a *Assembly, entry metadata.FileEntry, data []byte) error {
	alg := image.HashAlgorithm(a.HashAlgID())
	if alg == 0 {
		alg = image.HashSHA1
	}
	h, err := alg.New()
	if err != nil {
		return err
	}
	h.Write(data)
	if got := h.Sum(nil); !slices.Equal(got, entry.HashValue) {
		return errors.HashMismatch(a.DebugName(),
			fmt.Sprintf("file %s hash %x does not match manifest %x", entry.Name, got, entry.HashValue))
	}
	return nil
}
