package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// Token identifies a metadata row: table in the high byte, 1-based row id below.
type Token uint32

// MakeToken builds a token from a table id and a row id.
func MakeToken(table int, rid uint32) Token {
	return Token(uint32(table)<<24 | rid&0x00FFFFFF)
}

func (t Token) Table() int     { return int(t >> 24) }
func (t Token) RID() uint32    { return uint32(t) & 0x00FFFFFF }
func (t Token) IsNil() bool    { return t.RID() == 0 }
func (t Token) String() string { return fmt.Sprintf("0x%08x", uint32(t)) }

// Version is a four part assembly version.
type Version struct {
	Major    uint16
	Minor    uint16
	Build    uint16
	Revision uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	if v.Build != o.Build {
		return v.Build < o.Build
	}
	return v.Revision < o.Revision
}

// Assembly flags (ECMA-335 II.23.1.2).
const (
	AssemblyFlagPublicKey          uint32 = 0x0001
	AssemblyFlagRetargetable       uint32 = 0x0100
	AssemblyFlagProcessorMask      uint32 = 0x0070
	AssemblyFlagNoPlatform         uint32 = 0x0070
	AssemblyFlagContentTypeMask    uint32 = 0x0E00
	AssemblyFlagContentTypeWinRT   uint32 = 0x0200
	AssemblyFlagDisableJITOptimize uint32 = 0x4000
)

// File flags (ECMA-335 II.23.1.6).
const (
	FileContainsMetadata   uint32 = 0x0000
	FileContainsNoMetadata uint32 = 0x0001
)

// Manifest resource visibility (ECMA-335 II.23.1.9).
const (
	ResourcePublic  uint32 = 0x0001
	ResourcePrivate uint32 = 0x0002
)

// AssemblyProps is the row of the Assembly table.
type AssemblyProps struct {
	Name      string
	Culture   string
	PublicKey []byte
	Version   Version
	Flags     uint32
	HashAlgID uint32
}

// AssemblyRef is one row of the AssemblyRef table.
type AssemblyRef struct {
	Name             string
	Culture          string
	PublicKeyOrToken []byte
	HashValue        []byte
	Version          Version
	Flags            uint32
	Token            Token
}

// FileEntry is one row of the File table.
type FileEntry struct {
	Name      string
	HashValue []byte
	Flags     uint32
	Token     Token
}

// ManifestResource is one row of the ManifestResource table.
// A nil Implementation means the resource is embedded in this image.
type ManifestResource struct {
	Name           string
	Offset         uint32
	Flags          uint32
	Implementation Token
	Token          Token
}

// Import is the read side of a metadata scope. Implementations are reference
// counted; the creator owns the first reference.
type Import interface {
	AddRef() int32
	Release() int32

	// Writable reports whether the scope was converted to read-write form.
	Writable() bool

	RuntimeVersion() string
	ModuleName() string
	MVID() uuid.UUID
	Assembly() (AssemblyProps, bool)
	AssemblyRefs() []AssemblyRef
	AssemblyRef(tok Token) (AssemblyRef, error)
	Files() []FileEntry
	File(tok Token) (FileEntry, error)
	FindFile(name string) (FileEntry, bool)
	ManifestResources() []ManifestResource
	FindManifestResource(name string) (ManifestResource, bool)
	RowCount(table int) uint32
}

// AssemblyEmit defines assembly-level manifest rows.
type AssemblyEmit interface {
	SetAssembly(props AssemblyProps) error
	DefineAssemblyRef(ref AssemblyRef) Token
	DefineFile(f FileEntry) Token
	DefineManifestResource(r ManifestResource) Token
}

// Emit is the writable form of a scope. It keeps every read of the import it
// was converted from.
type Emit interface {
	Import
	AssemblyEmit
	SetModuleName(name string)
	SetMVID(id uuid.UUID)
}

// Provider produces metadata interfaces from image bytes.
type Provider interface {
	// OpenReadOnly decodes the metadata block of an image.
	OpenReadOnly(data []byte) (Import, error)

	// ConvertToReadWrite returns a writable scope holding the same data.
	ConvertToReadWrite(imp Import) (Emit, error)

	// DefineScope creates an empty writable scope for dynamic emission.
	DefineScope() Emit
}
