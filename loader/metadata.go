package loader

import (
	"bytes"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/metadata"
)

// MetadataState reports how far the unit's metadata has been opened.
func (u *Unit) MetadataState() MetadataState {
	if h := u.md.Load(); h != nil {
		return h.state
	}
	return MetadataUnopened
}

// HasMetadata reports whether the unit carries CLI metadata.
func (u *Unit) HasMetadata() bool {
	u.live()
	if u.identity == nil {
		return u.md.Load() != nil
	}
	return u.identity.HasCorHeader()
}

// Metadata returns the raw metadata block of the identity image.
func (u *Unit) Metadata() ([]byte, error) {
	u.live()
	if u.identity == nil {
		return nil, errors.Unsupported(errors.PhaseMetadata, "dynamic unit has no metadata block")
	}
	return u.identity.MetadataBytes()
}

// MetadataImport returns the unit's shared metadata import, opening it on
// first use. Once the scope has been upgraded this is the writable scope.
// The returned value is borrowed from the unit.
func (u *Unit) MetadataImport() (metadata.Import, error) {
	u.live()
	if h := u.md.Load(); h != nil {
		return h.imp, nil
	}
	return u.openMetadata()
}

// openMetadata opens a candidate import without holding mdLock and installs
// it only if no other goroutine won the race.
func (u *Unit) openMetadata() (metadata.Import, error) {
	if u.identity == nil {
		return nil, errors.Unsupported(errors.PhaseMetadata, "dynamic unit has no image metadata")
	}
	data, err := u.identity.MetadataBytes()
	if err != nil {
		return nil, err
	}
	imp, err := u.loader.cfg.Provider.OpenReadOnly(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseMetadata, errors.KindBadImageFormat, err, "open metadata of "+u.safeName())
	}

	u.mdLock.Lock()
	if h := u.md.Load(); h != nil {
		u.mdLock.Unlock()
		imp.Release()
		return h.imp, nil
	}
	u.md.Store(&mdHolder{imp: imp, state: MetadataReadOnly})
	u.mdLock.Unlock()
	return imp, nil
}

// MetadataImportWithRef returns the import with a reference the caller
// must release.
func (u *Unit) MetadataImportWithRef() (metadata.Import, error) {
	imp, err := u.MetadataImport()
	if err != nil {
		return nil, err
	}
	imp.AddRef()
	return imp, nil
}

// Emitter upgrades the unit's metadata to its writable form. Reads made
// before the upgrade stay valid; the previous import is kept alive until
// teardown because other goroutines may still be using it.
func (u *Unit) Emitter() (metadata.Emit, error) {
	u.live()
	if h := u.md.Load(); h != nil && h.emit != nil {
		return h.emit, nil
	}
	if _, err := u.MetadataImport(); err != nil {
		return nil, err
	}

	u.mdLock.Lock()
	defer u.mdLock.Unlock()
	h := u.md.Load()
	if h.emit != nil {
		return h.emit, nil
	}
	emit, err := u.loader.cfg.Provider.ConvertToReadWrite(h.imp)
	if err != nil {
		return nil, errors.MetadataConversion(u.safeName(), err)
	}
	u.retiredMD = append(u.retiredMD, h.imp)
	u.md.Store(&mdHolder{imp: emit, emit: emit, state: MetadataReadWrite})
	u.loader.log.Debug("metadata converted to read-write", zap.String("unit", u.safeName()))
	return emit, nil
}

// AssemblyEmitter is Emitter narrowed to assembly-level definitions.
func (u *Unit) AssemblyEmitter() (metadata.AssemblyEmit, error) {
	return u.Emitter()
}

// MakePersistent keeps the cached import alive past the unit's teardown.
// The loader releases persistent imports when it is closed.
func (u *Unit) MakePersistent() {
	u.live()
	u.persistent.Store(true)
}

// IsPersistent reports whether MakePersistent was called.
func (u *Unit) IsPersistent() bool { return u.persistent.Load() }

// PersistentMetadataImport marks the import persistent and returns it.
func (u *Unit) PersistentMetadataImport() (metadata.Import, error) {
	u.MakePersistent()
	return u.MetadataImport()
}

// MVID returns the module version id.
func (u *Unit) MVID() (uuid.UUID, error) {
	imp, err := u.MetadataImport()
	if err != nil {
		return uuid.Nil, err
	}
	return imp.MVID(), nil
}

// props returns the Assembly row, if any.
func (u *Unit) props() (metadata.AssemblyProps, bool) {
	imp, err := u.MetadataImport()
	if err != nil {
		return metadata.AssemblyProps{}, false
	}
	return imp.Assembly()
}

// SimpleName is the assembly name, empty when the unit has no manifest.
func (u *Unit) SimpleName() string {
	p, _ := u.props()
	return p.Name
}

// ScopeName is the name of the module row.
func (u *Unit) ScopeName() string {
	imp, err := u.MetadataImport()
	if err != nil {
		return ""
	}
	return imp.ModuleName()
}

// Version is the assembly version.
func (u *Unit) Version() metadata.Version {
	p, _ := u.props()
	return p.Version
}

// PublicKey is the full public key from the manifest, nil if none.
func (u *Unit) PublicKey() []byte {
	p, _ := u.props()
	return bytes.Clone(p.PublicKey)
}

// Locale is the manifest culture as stored, empty for neutral.
func (u *Unit) Locale() string {
	p, _ := u.props()
	return p.Culture
}

// Culture canonicalises Locale as a BCP 47 tag. Neutral and unparsable
// cultures return "".
func (u *Unit) Culture() string {
	loc := u.Locale()
	if loc == "" {
		return ""
	}
	tag, err := language.Parse(loc)
	if err != nil {
		return ""
	}
	return tag.String()
}

// AssemblyFlags are the flags of the Assembly row.
func (u *Unit) AssemblyFlags() uint32 {
	p, _ := u.props()
	return p.Flags
}

// HashAlgID is the manifest's hash algorithm for module hashes.
func (u *Unit) HashAlgID() uint32 {
	p, _ := u.props()
	return p.HashAlgID
}

// IsStrongNamed reports whether the manifest carries a public key.
func (u *Unit) IsStrongNamed() bool {
	p, _ := u.props()
	return len(p.PublicKey) > 0
}

// IsMarkedAsNoPlatform reports the "no platform" processor architecture.
func (u *Unit) IsMarkedAsNoPlatform() bool {
	return u.AssemblyFlags()&metadata.AssemblyFlagProcessorMask == metadata.AssemblyFlagNoPlatform
}

// IsMarkedAsContentTypeWindowsRuntime reports the WinRT content type.
func (u *Unit) IsMarkedAsContentTypeWindowsRuntime() bool {
	return u.AssemblyFlags()&metadata.AssemblyFlagContentTypeMask == metadata.AssemblyFlagContentTypeWinRT
}
