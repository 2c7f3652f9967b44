package loader

import (
	"debug/pe"
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
)

// ILImage returns the unit's IL image, cloning the identity image on first
// use. Concurrent first callers race on one compare-and-swap; losers drop
// their clone. Dynamic units return nil.
func (u *Unit) ILImage() *image.Image {
	u.live()
	if il := u.il.Load(); il != nil {
		return il
	}
	if u.identity == nil {
		return nil
	}
	c := u.identity.Clone()
	if !u.il.CompareAndSwap(nil, c) {
		c.Release()
	}
	return u.il.Load()
}

// HasOpenedILImage reports whether the IL clone exists.
func (u *Unit) HasOpenedILImage() bool { return u.il.Load() != nil }

// HasLoadedIL reports whether the IL image has a loaded layout.
func (u *Unit) HasLoadedIL() bool {
	il := u.il.Load()
	return il != nil && il.HasLoadedLayout()
}

// CanUseNativeImage is true until anything clears the gate. Once false it
// stays false.
func (u *Unit) CanUseNativeImage() bool {
	u.live()
	return u.canUseNative.Load()
}

// NativeImage returns the bound native image while the gate is open.
func (u *Unit) NativeImage() *image.Image {
	if !u.canUseNative.Load() {
		return nil
	}
	return u.native.Load()
}

func (u *Unit) HasNativeImage() bool { return u.NativeImage() != nil }

// IsNativeLoaded reports whether a usable native image is mapped.
func (u *Unit) IsNativeLoaded() bool {
	ni := u.NativeImage()
	return ni != nil && ni.HasLoadedLayout()
}

// IsILImageReadyToRun reports whether the IL image embeds precompiled code.
func (u *Unit) IsILImageReadyToRun() bool {
	return u.identity != nil && u.identity.IsReadyToRun()
}

func (u *Unit) HasNativeOrReadyToRunImage() bool {
	return u.HasNativeImage() || u.IsILImageReadyToRun()
}

// clearNativeGate closes the gate permanently. A bound native image is
// retired, not released, since callers may still be reading through it. If
// LoadLibrary had mapped that image, the load is forgotten so the next call
// maps the IL image.
func (u *Unit) clearNativeGate(reason string) {
	u.nativeMu.Lock()
	was := u.canUseNative.Swap(false)
	ni := u.native.Swap(nil)
	if ni != nil {
		u.retiredImages = append(u.retiredImages, ni)
	}
	u.nativeMu.Unlock()

	if ni != nil {
		u.loadMu.Lock()
		if u.loaded != nil && u.loaded == ni.Loaded() {
			u.loadDone, u.loadErr, u.loaded = false, nil, nil
		}
		u.loadMu.Unlock()
	}
	if was {
		u.loader.log.Debug("native image disabled",
			zap.String("unit", u.safeName()), zap.String("reason", reason))
	}
}

// setNativeImage validates ni against the unit and binds it. It takes
// ownership of the caller's reference to ni. A rejected image clears the
// gate; an image offered after the gate closed is declined quietly.
func (u *Unit) setNativeImage(ni *image.Image) bool {
	if !u.canUseNative.Load() || u.native.Load() != nil {
		ni.Release()
		return false
	}
	if err := u.checkNativeImage(ni); err != nil {
		ni.Release()
		u.loader.log.Warn("native image rejected",
			zap.String("unit", u.safeName()), zap.String("native", ni.Path()), zap.Error(err))
		u.clearNativeGate(err.Error())
		return false
	}

	u.nativeMu.Lock()
	if !u.canUseNative.Load() || !u.native.CompareAndSwap(nil, ni) {
		u.nativeMu.Unlock()
		ni.Release()
		return false
	}
	u.nativeMu.Unlock()
	u.setFlags(FlagHasNativeMetadata | FlagSkipModuleHashChecks)
	u.loader.log.Debug("native image bound", zap.String("unit", u.safeName()), zap.String("native", ni.Path()))
	return true
}

// checkNativeImage is the version check between a native image and the
// unit's IL image.
func (u *Unit) checkNativeImage(ni *image.Image) error {
	cfg := &u.loader.cfg
	fail := func(format string, args ...any) error {
		return errors.New(errors.PhaseLoad, errors.KindLoadFailure).
			Unit(u.safeName()).Detail(format, args...).Build()
	}
	switch {
	case u.identity == nil:
		return fail("dynamic unit cannot use a native image")
	case cfg.TreatNativeAsIL:
		return fail("native images are treated as IL")
	case !ni.HasCorHeader() || !ni.IsNativeImage():
		return fail("%s is not a native image", ni.Path())
	case ni.Machine() != cfg.Machine:
		return fail("native image targets %s, host is %s",
			image.MachineName(ni.Machine()), image.MachineName(cfg.Machine))
	}

	data, err := ni.MetadataBytes()
	if err != nil {
		return err
	}
	nimp, err := cfg.Provider.OpenReadOnly(data)
	if err != nil {
		return err
	}
	defer nimp.Release()
	mvid, err := u.MVID()
	if err != nil {
		return err
	}
	if nimp.MVID() != mvid {
		return fail("native image MVID %s does not match IL image %s", nimp.MVID(), mvid)
	}
	return nil
}

// executable returns the image code runs from: the native image while it
// is usable, else the IL image.
func (u *Unit) executable() *image.Image {
	if ni := u.NativeImage(); ni != nil {
		return ni
	}
	return u.ILImage()
}

// LoadLibrary maps the unit's executable image. Success is idempotent. A
// failure is cached and returned again on every later call without
// retrying. Callers must not hold the unit's metadata lock.
func (u *Unit) LoadLibrary() error {
	u.live()
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	if u.loadDone {
		return u.loadErr
	}
	layout, err := u.loadLibrary()
	u.loadDone = true
	u.loadErr = err
	u.loaded = layout
	if err != nil {
		u.loader.log.Warn("load failed", zap.String("unit", u.safeName()), zap.Error(err))
	}
	return err
}

func (u *Unit) loadLibrary() (*image.Layout, error) {
	name := u.safeName()
	if u.identity == nil {
		return nil, errors.LoadFailure(name, "dynamic unit has no image to map", nil)
	}
	if err := u.ValidateForExecution(); err != nil {
		return nil, err
	}
	img := u.executable()
	if !img.HasCorHeader() {
		return nil, errors.LoadFailure(name, "not a managed image", nil)
	}
	if err := u.checkPlatform(img); err != nil {
		return nil, err
	}
	if err := u.checkSideBySide(img); err != nil {
		return nil, err
	}
	layout, err := img.Load()
	if err != nil {
		return nil, errors.LoadFailure(name, "map image", err)
	}
	u.loader.log.Debug("image mapped",
		zap.String("unit", name),
		zap.Bool("native", img != u.il.Load()),
		zap.Int("size", layout.Size()))
	return layout, nil
}

// checkPlatform accepts platform neutral IL and images built for the
// configured machine.
func (u *Unit) checkPlatform(img *image.Image) error {
	want := u.loader.cfg.Machine
	if img.IsILOnly() && img.Machine() == image.MachineI386 && !img.Is32BitRequired() {
		return nil
	}
	if img.Machine() != want {
		return errors.LoadFailure(u.safeName(),
			"image targets "+image.MachineName(img.Machine())+", host is "+image.MachineName(want), nil)
	}
	return nil
}

// checkSideBySide refuses images whose metadata names a newer runtime.
func (u *Unit) checkSideBySide(img *image.Image) error {
	have, _ := runtimeMajor(u.loader.cfg.RuntimeVersion)
	need, ok := runtimeMajor(img.MetadataVersion())
	if !ok {
		return errors.LoadFailure(u.safeName(), "unrecognised metadata version "+img.MetadataVersion(), nil)
	}
	if need > have {
		return errors.LoadFailure(u.safeName(),
			"built for runtime "+img.MetadataVersion()+", newer than "+u.loader.cfg.RuntimeVersion, nil)
	}
	return nil
}

// IsLoaded reports whether the executable image is mapped. With
// allowNativeSkip false a mapped native image only counts if the IL image
// is mapped too. Dynamic units are always loaded.
func (u *Unit) IsLoaded(allowNativeSkip bool) bool {
	u.live()
	if u.IsDynamic() {
		return true
	}
	if u.IsNativeLoaded() {
		return allowNativeSkip || u.HasLoadedIL()
	}
	return u.HasLoadedIL()
}

// CheckLoaded returns nil when IsLoaded holds, else the cached load failure
// or a load-failure error.
func (u *Unit) CheckLoaded(allowNativeSkip bool) error {
	if u.IsLoaded(allowNativeSkip) {
		return nil
	}
	u.loadMu.Lock()
	err := u.loadErr
	u.loadMu.Unlock()
	if err != nil {
		return err
	}
	return errors.LoadFailure(u.safeName(), "image is not loaded", nil)
}

// Loaded returns the layout mapped by LoadLibrary, nil before success.
func (u *Unit) Loaded() *image.Layout {
	u.live()
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	return u.loaded
}

// RvaField returns size bytes at rva, resolved in the native image while it
// is usable and in the IL image otherwise.
func (u *Unit) RvaField(rva, size uint32) ([]byte, error) {
	u.live()
	img := u.executable()
	if img == nil {
		return nil, errors.Unsupported(errors.PhaseResolve, "dynamic unit has no image")
	}
	if rva == 0 {
		return nil, errors.BadRVA(rva, size)
	}
	return img.Slice(rva, size)
}

// CheckRvaField validates that [rva, rva+size) resolves.
func (u *Unit) CheckRvaField(rva, size uint32) error {
	_, err := u.RvaField(rva, size)
	return err
}

// HasTLS reports a TLS directory in the executable image.
func (u *Unit) HasTLS() bool {
	u.live()
	img := u.executable()
	return img != nil && img.HasTLS()
}

// IsRvaFieldTLS reports whether rva lies in the TLS template.
func (u *Unit) IsRvaFieldTLS(rva uint32) bool {
	_, err := u.FieldTLSOffset(rva)
	return err == nil
}

// FieldTLSOffset returns rva's offset within the TLS template.
func (u *Unit) FieldTLSOffset(rva uint32) (uint32, error) {
	u.live()
	img := u.executable()
	if img == nil || !img.HasTLS() {
		return 0, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Unit(u.safeName()).Detail("no TLS directory").Build()
	}
	tls, err := img.TLS()
	if err != nil {
		return 0, err
	}
	if rva < tls.Start || rva >= tls.End {
		return 0, errors.New(errors.PhaseResolve, errors.KindOutOfBounds).
			Unit(u.safeName()).Value(rva).
			Detail("rva 0x%x outside TLS template [0x%x, 0x%x)", rva, tls.Start, tls.End).Build()
	}
	return rva - tls.Start, nil
}

// InternalPInvokeTarget returns the mapped code at target up to the end of
// its section. The executable image must be loaded and target must lie in
// an executable section.
func (u *Unit) InternalPInvokeTarget(target uint32) ([]byte, error) {
	u.live()
	img := u.executable()
	if img == nil {
		return nil, errors.Unsupported(errors.PhaseResolve, "dynamic unit has no image")
	}
	layout := img.Loaded()
	if layout == nil {
		return nil, errors.LoadFailure(u.safeName(), "image is not loaded", nil)
	}
	s, ok := img.Section(target)
	if !ok || s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
		return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
			Unit(u.safeName()).Value(target).
			Detail("p/invoke target 0x%x is not in an executable section", target).Build()
	}
	end := min(uint64(s.VirtualAddress)+uint64(max(s.VirtualSize, s.Size)), uint64(layout.Size()))
	if uint64(target) >= end {
		return nil, errors.BadRVA(target, 1)
	}
	return layout.Bytes()[target:end], nil
}

// CheckInternalPInvokeTarget validates target for InternalPInvokeTarget.
func (u *Unit) CheckInternalPInvokeTarget(target uint32) error {
	_, err := u.InternalPInvokeTarget(target)
	return err
}

// ValidateForExecution refuses units that may only be inspected:
// introspection-only units and reference assemblies marked "no platform".
func (u *Unit) ValidateForExecution() error {
	u.live()
	switch {
	case u.IsIntrospectionOnly():
		return errors.LoadFailure(u.safeName(), "introspection-only unit cannot be executed", nil)
	case u.IsMarkedAsNoPlatform():
		return errors.New(errors.PhaseLoad, errors.KindBadImageFormat).
			Unit(u.safeName()).Detail("reference assembly cannot be loaded for execution").Build()
	}
	return nil
}

// LoadedIL returns the IL image's loaded layout, nil when it is not mapped.
func (u *Unit) LoadedIL() *image.Layout {
	u.live()
	if il := u.il.Load(); il != nil {
		return il.Loaded()
	}
	return nil
}

// LoadedNative returns the usable native image's loaded layout.
func (u *Unit) LoadedNative() *image.Layout {
	u.live()
	if ni := u.NativeImage(); ni != nil {
		return ni.Loaded()
	}
	return nil
}

// IsPtrInILImage reports whether b points into the IL image, flat or
// mapped.
func (u *Unit) IsPtrInILImage(b []byte) bool {
	u.live()
	il := u.il.Load()
	return il != nil && il.Contains(b)
}

// Method header formats (ECMA-335 II.25.4).
const (
	methodTinyFormat = 0x2
	methodFatFormat  = 0x3
	methodFormatMask = 0x3
)

// IL returns the code bytes of the method body at rva, without its header.
func (u *Unit) IL(rva uint32) ([]byte, error) {
	first, err := u.RvaField(rva, 1)
	if err != nil {
		return nil, err
	}
	switch first[0] & methodFormatMask {
	case methodTinyFormat:
		return u.RvaField(rva+1, uint32(first[0]>>2))
	case methodFatFormat:
		hdr, err := u.RvaField(rva, 12)
		if err != nil {
			return nil, err
		}
		hdrSize := uint32(binary.LittleEndian.Uint16(hdr)>>12) * 4
		if hdrSize < 12 {
			return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
				Unit(u.safeName()).Value(rva).Detail("fat method header at 0x%x has size %d", rva, hdrSize).Build()
		}
		codeSize := binary.LittleEndian.Uint32(hdr[4:])
		return u.RvaField(rva+hdrSize, codeSize)
	}
	return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
		Unit(u.safeName()).Value(rva).Detail("bad method header 0x%02x at 0x%x", first[0], rva).Build()
}

// Signature returns the length-prefixed blob at rva, without the prefix.
func (u *Unit) Signature(rva uint32) ([]byte, error) {
	first, err := u.RvaField(rva, 1)
	if err != nil {
		return nil, err
	}
	width := uint32(1)
	switch {
	case first[0]&0x80 == 0:
	case first[0]&0xC0 == 0x80:
		width = 2
	case first[0]&0xE0 == 0xC0:
		width = 4
	default:
		return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
			Unit(u.safeName()).Value(rva).Detail("bad signature length at 0x%x", rva).Build()
	}
	prefix, err := u.RvaField(rva, width)
	if err != nil {
		return nil, err
	}
	n, _, _ := metadata.DecodeCompressedUint(prefix)
	return u.RvaField(rva+width, n)
}

// CheckSignatureRva validates the blob at rva.
func (u *Unit) CheckSignatureRva(rva uint32) error {
	_, err := u.Signature(rva)
	return err
}

// VTableFixups returns the v-table fixup directory of the executable image.
func (u *Unit) VTableFixups() ([]image.VTableFixup, error) {
	u.live()
	img := u.executable()
	if img == nil {
		return nil, nil
	}
	return img.VTableFixups()
}

// VTable returns the slot bytes of the fixup starting at rva.
func (u *Unit) VTable(rva uint32) ([]byte, error) {
	fixups, err := u.VTableFixups()
	if err != nil {
		return nil, err
	}
	for _, f := range fixups {
		if f.RVA != rva {
			continue
		}
		slot := uint32(4)
		if f.Type&image.VTable64Bit != 0 {
			slot = 8
		}
		return u.RvaField(rva, slot*uint32(f.Count))
	}
	return nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
		Unit(u.safeName()).Value(rva).Detail("no v-table fixup at 0x%x", rva).Build()
}

// EmbeddedResource returns the resource at offset in the resources
// directory.
func (u *Unit) EmbeddedResource(offset uint32) ([]byte, error) {
	u.live()
	img := u.executable()
	if img == nil {
		return nil, errors.Unsupported(errors.PhaseResolve, "dynamic unit has no resources")
	}
	return img.Resource(offset)
}

// IsILOnly reports the IL-only CLI flag.
func (u *Unit) IsILOnly() bool {
	u.live()
	return u.identity == nil || u.identity.IsILOnly()
}

// IsDll reports the DLL characteristic.
func (u *Unit) IsDll() bool {
	u.live()
	return u.identity == nil || u.identity.IsDLL()
}

// Subsystem returns the PE subsystem, 0 for dynamic units.
func (u *Unit) Subsystem() uint16 {
	u.live()
	if u.identity == nil {
		return 0
	}
	return u.identity.Subsystem()
}

// EntryPointToken returns the managed entry point, 0 if none.
func (u *Unit) EntryPointToken() metadata.Token {
	u.live()
	if u.identity == nil {
		return 0
	}
	return metadata.Token(u.identity.EntryPointToken())
}

// PEKindAndMachine describes the image's platform requirements.
func (u *Unit) PEKindAndMachine() (PEKind, uint16) {
	u.live()
	if u.identity == nil {
		return PEKindILOnly, image.MachineI386
	}
	img := u.identity
	var k PEKind
	if img.IsILOnly() {
		k |= PEKindILOnly
	}
	if img.Is64() {
		k |= PEKindPE32Plus
	}
	if cor, ok := img.CorHeader(); ok {
		if cor.Flags&image.CorFlag32BitRequired != 0 {
			k |= PEKind32BitRequired
			if cor.Flags&image.CorFlag32BitPreferred != 0 {
				k &^= PEKind32BitRequired
				k |= PEKind32BitPreferred
			}
		}
	}
	if !img.IsILOnly() && !img.Is64() {
		k |= PEKind32BitUnmanaged
	}
	return k, img.Machine()
}

// ILImageTimeDateStamp is the COFF timestamp of the identity image.
func (u *Unit) ILImageTimeDateStamp() uint32 {
	u.live()
	if u.identity == nil {
		return 0
	}
	return u.identity.TimeDateStamp()
}

// HasSecurityDirectory reports an Authenticode directory in the image.
func (u *Unit) HasSecurityDirectory() bool {
	u.live()
	return u.identity != nil && u.identity.HasSecurityDirectory()
}

// ManagedFileContents returns the flat bytes of the identity image.
func (u *Unit) ManagedFileContents() []byte {
	u.live()
	if u.identity == nil {
		return nil
	}
	return u.identity.Content()
}

// releaseIL detaches the IL clone. It is retired rather than released
// because readers may still hold it; the next ILImage call clones again.
func (u *Unit) releaseIL() {
	u.nativeMu.Lock()
	defer u.nativeMu.Unlock()
	if il := u.il.Swap(nil); il != nil {
		u.retiredImages = append(u.retiredImages, il)
	}
}
