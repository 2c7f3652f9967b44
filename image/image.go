package image

import (
	"bytes"
	"crypto/sha256"
	"debug/pe"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/metadata"
)

// Source records how an image was obtained.
type Source uint8

const (
	SourceFile   Source = iota // read from a path
	SourceBytes                // caller supplied buffer
	SourceMapped               // already in loaded layout (OS-loaded module)
)

func (s Source) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceBytes:
		return "bytes"
	case SourceMapped:
		return "mapped"
	}
	return "unknown"
}

// DataDirectory is an RVA/size pair.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// CorHeader is the CLI header (IMAGE_COR20_HEADER).
type CorHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

// VTableFixup is one IMAGE_COR_VTABLEFIXUP entry.
type VTableFixup struct {
	RVA   uint32
	Count uint16
	Type  uint16
}

// headers is the parsed, immutable part of an image shared by its clones.
type headers struct {
	cor             *CorHeader
	sections        []pe.SectionHeader
	dirs            [16]DataDirectory
	path            string
	mdVersion       string
	content         []byte
	digest          [32]byte
	checksumOffset  int
	securityDirOff  int
	sizeOfImage     uint32
	sizeOfHeaders   uint32
	sectionAlign    uint32
	imageBase       uint64
	timeDateStamp   uint32
	machine         uint16
	characteristics uint16
	subsystem       uint16
	source          Source
	is64            bool
}

// Image is one PE/COFF image. Parsed headers and content are immutable and
// shared between clones; each clone owns its own loaded layout and refcount.
type Image struct {
	h      *headers
	layout atomic.Pointer[Layout]
	loadMu sync.Mutex
	loads  atomic.Int32
	refs   atomic.Int32
	closed atomic.Bool
}

// Layout is an image mapped at section alignment, indexed by RVA.
type Layout struct {
	data   []byte
	mapped bool
}

// Bytes returns the mapped view.
func (l *Layout) Bytes() []byte { return l.data }

// Size returns the mapped size.
func (l *Layout) Size() int { return len(l.data) }

// OpenFile reads and parses the image at path.
func OpenFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseOpen, errors.KindNotFound).
			Detail("read %s", path).Cause(err).Build()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return open(abs, data, SourceFile)
}

// OpenBytes parses a flat image from a copy of data.
func OpenBytes(data []byte) (*Image, error) {
	return open("", append([]byte(nil), data...), SourceBytes)
}

// OpenMapped wraps an image that is already in loaded layout, such as a
// module mapped by the OS loader. name is used as its path.
func OpenMapped(name string, mapped []byte) (*Image, error) {
	img, err := open(name, append([]byte(nil), mapped...), SourceMapped)
	if err != nil {
		return nil, err
	}
	img.layout.Store(&Layout{data: img.h.content, mapped: true})
	return img, nil
}

func open(path string, content []byte, source Source) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(content))
	if err != nil {
		return nil, errors.Open("parse PE headers", err)
	}
	defer f.Close()

	h := &headers{
		path:            path,
		content:         content,
		source:          source,
		machine:         f.FileHeader.Machine,
		characteristics: f.FileHeader.Characteristics,
		timeDateStamp:   f.FileHeader.TimeDateStamp,
		digest:          sha256.Sum256(content),
	}

	lfanew := int(binary.LittleEndian.Uint32(content[0x3c:]))
	optStart := lfanew + 4 + 20
	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		h.sizeOfImage = oh.SizeOfImage
		h.sizeOfHeaders = oh.SizeOfHeaders
		h.sectionAlign = oh.SectionAlignment
		h.imageBase = uint64(oh.ImageBase)
		h.subsystem = oh.Subsystem
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
		h.securityDirOff = optStart + 96 + DirectorySecurity*8
	case *pe.OptionalHeader64:
		h.is64 = true
		h.sizeOfImage = oh.SizeOfImage
		h.sizeOfHeaders = oh.SizeOfHeaders
		h.sectionAlign = oh.SectionAlignment
		h.imageBase = oh.ImageBase
		h.subsystem = oh.Subsystem
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, 16)]
		h.securityDirOff = optStart + 112 + DirectorySecurity*8
	default:
		return nil, errors.BadImageFormat(errors.PhaseOpen, "missing optional header")
	}
	h.checksumOffset = optStart + 64
	for i, d := range dirs {
		h.dirs[i] = DataDirectory{VirtualAddress: d.VirtualAddress, Size: d.Size}
	}
	for _, s := range f.Sections {
		h.sections = append(h.sections, s.SectionHeader)
	}

	img := &Image{h: h}
	img.refs.Store(1)

	if cd := h.dirs[DirectoryComDescriptor]; cd.VirtualAddress != 0 {
		raw, err := img.flatSlice(cd.VirtualAddress, CorHeaderSize)
		if err != nil {
			return nil, errors.Open("CLI header outside image", err)
		}
		var cor CorHeader
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &cor); err != nil {
			return nil, errors.Open("decode CLI header", err)
		}
		if cor.Cb < CorHeaderSize {
			return nil, errors.BadImageFormat(errors.PhaseOpen, "CLI header too small")
		}
		h.cor = &cor

		md, err := img.flatSlice(cor.MetaData.VirtualAddress, cor.MetaData.Size)
		if err != nil {
			return nil, errors.Open("metadata outside image", err)
		}
		root, err := metadata.ParseRoot(md)
		if err != nil {
			return nil, err
		}
		h.mdVersion = root.Version
	}

	return img, nil
}

// Clone returns a new image sharing content and headers but with its own
// layout and a single reference.
func (img *Image) Clone() *Image {
	c := &Image{h: img.h}
	c.refs.Store(1)
	if l := img.layout.Load(); l != nil && l.mapped {
		c.layout.Store(l)
	}
	return c
}

// AddRef adds a reference.
func (img *Image) AddRef() int32 {
	return img.refs.Add(1)
}

// Release drops a reference; the last one drops the loaded layout.
func (img *Image) Release() int32 {
	n := img.refs.Add(-1)
	if n == 0 {
		img.closed.Store(true)
		img.layout.Store(nil)
	}
	if n < 0 {
		panic(errors.Released("image"))
	}
	return n
}

// Closed reports whether the last reference was released.
func (img *Image) Closed() bool { return img.closed.Load() }

func (img *Image) Path() string          { return img.h.path }
func (img *Image) Source() Source        { return img.h.source }
func (img *Image) Content() []byte       { return img.h.content }
func (img *Image) Size() int             { return len(img.h.content) }
func (img *Image) Machine() uint16       { return img.h.machine }
func (img *Image) Is64() bool            { return img.h.is64 }
func (img *Image) Subsystem() uint16     { return img.h.subsystem }
func (img *Image) TimeDateStamp() uint32 { return img.h.timeDateStamp }
func (img *Image) IsDLL() bool           { return img.h.characteristics&characteristicDLL != 0 }

// Digest is the SHA-256 of the flat content, used as image identity.
func (img *Image) Digest() [32]byte { return img.h.digest }

// Equals compares image identity: same path or byte-identical content.
func (img *Image) Equals(other *Image) bool {
	if img == nil || other == nil {
		return img == other
	}
	if img.h == other.h {
		return true
	}
	if img.h.path != "" && img.h.path == other.h.path {
		return true
	}
	return img.h.digest == other.h.digest
}

// Hash hashes the flat content with alg.
func (img *Image) Hash(alg HashAlgorithm) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	h.Write(img.h.content)
	return h.Sum(nil), nil
}

// HasCorHeader reports whether the image carries a CLI header.
func (img *Image) HasCorHeader() bool { return img.h.cor != nil }

// CorHeader returns a copy of the CLI header.
func (img *Image) CorHeader() (CorHeader, bool) {
	if img.h.cor == nil {
		return CorHeader{}, false
	}
	return *img.h.cor, true
}

func (img *Image) corFlags() uint32 {
	if img.h.cor == nil {
		return 0
	}
	return img.h.cor.Flags
}

func (img *Image) IsILOnly() bool           { return img.corFlags()&CorFlagILOnly != 0 }
func (img *Image) Is32BitRequired() bool    { return img.corFlags()&CorFlag32BitRequired != 0 }
func (img *Image) IsStrongNameSigned() bool { return img.corFlags()&CorFlagStrongNameSigned != 0 }

// IsNativeImage reports whether the image is a precompiled native image.
func (img *Image) IsNativeImage() bool { return img.corFlags()&CorFlagILLibrary != 0 }

// IsReadyToRun reports whether an IL image carries a ReadyToRun header.
func (img *Image) IsReadyToRun() bool {
	if img.h.cor == nil || img.IsNativeImage() {
		return false
	}
	d := img.h.cor.ManagedNativeHeader
	if d.VirtualAddress == 0 || d.Size < 4 {
		return false
	}
	b, err := img.Slice(d.VirtualAddress, 4)
	if err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(b) == ReadyToRunSignature
}

// EntryPointToken returns the managed entry point token, 0 if none.
func (img *Image) EntryPointToken() uint32 {
	if img.h.cor == nil || img.corFlags()&CorFlagNativeEntrypoint != 0 {
		return 0
	}
	return img.h.cor.EntryPointToken
}

// HasSecurityDirectory reports whether an Authenticode directory is present.
func (img *Image) HasSecurityDirectory() bool {
	return img.h.dirs[DirectorySecurity].Size != 0
}

// Directory returns data directory i.
func (img *Image) Directory(i int) DataDirectory {
	if i < 0 || i >= len(img.h.dirs) {
		return DataDirectory{}
	}
	return img.h.dirs[i]
}

// MetadataVersion is the runtime version string of the metadata root.
func (img *Image) MetadataVersion() string { return img.h.mdVersion }

// MetadataBytes returns the metadata block.
func (img *Image) MetadataBytes() ([]byte, error) {
	if img.h.cor == nil {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "image has no CLI header")
	}
	return img.Slice(img.h.cor.MetaData.VirtualAddress, img.h.cor.MetaData.Size)
}

// StrongNameSignature returns the signature blob, nil if the directory is empty.
func (img *Image) StrongNameSignature() ([]byte, error) {
	if img.h.cor == nil {
		return nil, nil
	}
	d := img.h.cor.StrongNameSignature
	if d.VirtualAddress == 0 || d.Size == 0 {
		return nil, nil
	}
	return img.flatSlice(d.VirtualAddress, d.Size)
}

// HashRegions describes the flat-file ranges excluded from a strong name hash.
type HashRegions struct {
	ChecksumOffset    int
	SecurityDirOffset int
	Signature         [2]int // file offset and size
	Certificates      [2]int // file offset and size
}

// StrongNameHashRegions returns the file ranges a strong name digest skips.
func (img *Image) StrongNameHashRegions() HashRegions {
	r := HashRegions{
		ChecksumOffset:    img.h.checksumOffset,
		SecurityDirOffset: img.h.securityDirOff,
	}
	if img.h.cor != nil {
		d := img.h.cor.StrongNameSignature
		if off, ok := img.RVAToOffset(d.VirtualAddress); ok && d.Size > 0 {
			r.Signature = [2]int{int(off), int(d.Size)}
		}
	}
	// The security directory's address is a file offset, not an RVA.
	if sd := img.h.dirs[DirectorySecurity]; sd.Size > 0 {
		r.Certificates = [2]int{int(sd.VirtualAddress), int(sd.Size)}
	}
	return r
}

// VTableFixups decodes the v-table fixup directory.
func (img *Image) VTableFixups() ([]VTableFixup, error) {
	if img.h.cor == nil {
		return nil, nil
	}
	d := img.h.cor.VTableFixups
	if d.VirtualAddress == 0 || d.Size == 0 {
		return nil, nil
	}
	raw, err := img.Slice(d.VirtualAddress, d.Size)
	if err != nil {
		return nil, err
	}
	out := make([]VTableFixup, 0, len(raw)/8)
	for i := 0; i+8 <= len(raw); i += 8 {
		out = append(out, VTableFixup{
			RVA:   binary.LittleEndian.Uint32(raw[i:]),
			Count: binary.LittleEndian.Uint16(raw[i+4:]),
			Type:  binary.LittleEndian.Uint16(raw[i+6:]),
		})
	}
	return out, nil
}

// Resource returns the embedded resource at offset within the resources
// directory. Each resource is a 4-byte length followed by its bytes.
func (img *Image) Resource(offset uint32) ([]byte, error) {
	if img.h.cor == nil {
		return nil, errors.BadImageFormat(errors.PhaseResolve, "image has no CLI header")
	}
	d := img.h.cor.Resources
	if d.VirtualAddress == 0 || uint64(offset)+4 > uint64(d.Size) {
		return nil, errors.OutOfBounds(errors.PhaseResolve, "resource offset", int(offset), int(d.Size))
	}
	if uint64(d.VirtualAddress)+uint64(d.Size) > math.MaxUint32 {
		return nil, errors.BadRVA(d.VirtualAddress, d.Size)
	}
	start := d.VirtualAddress + offset
	lb, err := img.Slice(start, 4)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lb)
	if uint64(offset)+4+uint64(n) > uint64(d.Size) {
		return nil, errors.New(errors.PhaseResolve, errors.KindBadImageFormat).
			Detail("resource at 0x%x overruns resources directory", offset).Build()
	}
	return img.Slice(start+4, n)
}

// RVAToOffset converts an RVA to a flat file offset.
func (img *Image) RVAToOffset(rva uint32) (uint32, bool) {
	if img.h.source == SourceMapped {
		return rva, int(rva) < len(img.h.content)
	}
	if rva < img.h.sizeOfHeaders {
		return rva, int(rva) < len(img.h.content)
	}
	for _, s := range img.h.sections {
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < s.Size {
			return s.Offset + (rva - s.VirtualAddress), true
		}
	}
	return 0, false
}

func (img *Image) flatSlice(rva, size uint32) ([]byte, error) {
	off, ok := img.RVAToOffset(rva)
	if !ok || uint64(off)+uint64(size) > uint64(len(img.h.content)) {
		return nil, errors.BadRVA(rva, size)
	}
	return img.h.content[off : off+size], nil
}

// Slice returns size bytes at rva from the loaded layout if present,
// otherwise from the flat file.
func (img *Image) Slice(rva, size uint32) ([]byte, error) {
	if l := img.layout.Load(); l != nil {
		if uint64(rva)+uint64(size) > uint64(len(l.data)) {
			return nil, errors.BadRVA(rva, size)
		}
		return l.data[rva : rva+size], nil
	}
	return img.flatSlice(rva, size)
}

// CheckRVA reports whether [rva, rva+size) resolves inside the image.
func (img *Image) CheckRVA(rva, size uint32) error {
	_, err := img.Slice(rva, size)
	return err
}

// HasLoadedLayout reports whether Load has succeeded.
func (img *Image) HasLoadedLayout() bool { return img.layout.Load() != nil }

// Loaded returns the loaded layout or nil.
func (img *Image) Loaded() *Layout { return img.layout.Load() }

// LoadCount is the number of times sections were mapped.
func (img *Image) LoadCount() int32 { return img.loads.Load() }

// MaxImageSize caps the loaded layout of a single image.
const MaxImageSize = 1 << 28

// imageEnd is the section-aligned end of the headers and the last section.
func (h *headers) imageEnd() uint64 {
	align := uint64(h.sectionAlign)
	if align == 0 {
		align = 1
	}
	up := func(v uint64) uint64 { return (v + align - 1) / align * align }
	end := up(uint64(h.sizeOfHeaders))
	for _, s := range h.sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		end = max(end, up(uint64(s.VirtualAddress)+uint64(size)))
	}
	return end
}

// Load maps sections at their RVAs. Repeated calls return the same layout.
func (img *Image) Load() (*Layout, error) {
	if l := img.layout.Load(); l != nil {
		return l, nil
	}
	img.loadMu.Lock()
	defer img.loadMu.Unlock()
	if l := img.layout.Load(); l != nil {
		return l, nil
	}
	if img.closed.Load() {
		return nil, errors.Released("image")
	}

	h := img.h
	if h.sizeOfImage == 0 || h.sizeOfHeaders > h.sizeOfImage || int(h.sizeOfHeaders) > len(h.content) {
		return nil, errors.BadImageFormat(errors.PhaseLoad, "bad SizeOfImage/SizeOfHeaders")
	}
	if end := h.imageEnd(); uint64(h.sizeOfImage) > end || h.sizeOfImage > MaxImageSize {
		return nil, errors.New(errors.PhaseLoad, errors.KindBadImageFormat).
			Detail("SizeOfImage 0x%x exceeds mapped extent 0x%x", h.sizeOfImage, min(end, MaxImageSize)).Build()
	}
	buf := make([]byte, h.sizeOfImage)
	copy(buf, h.content[:h.sizeOfHeaders])
	for _, s := range h.sections {
		n := s.Size
		if s.VirtualSize != 0 && s.VirtualSize < n {
			n = s.VirtualSize
		}
		if uint64(s.Offset)+uint64(n) > uint64(len(h.content)) {
			return nil, errors.New(errors.PhaseLoad, errors.KindBadImageFormat).
				Detail("section %s raw data outside file", s.Name).Build()
		}
		if uint64(s.VirtualAddress)+uint64(n) > uint64(h.sizeOfImage) {
			return nil, errors.New(errors.PhaseLoad, errors.KindBadImageFormat).
				Detail("section %s outside SizeOfImage", s.Name).Build()
		}
		copy(buf[s.VirtualAddress:], h.content[s.Offset:s.Offset+n])
	}

	l := &Layout{data: buf}
	img.loads.Add(1)
	img.layout.Store(l)
	return l, nil
}

// TLSDirectory is an image's thread-local storage template, as RVAs.
type TLSDirectory struct {
	Start    uint32
	End      uint32
	Index    uint32
	ZeroFill uint32
}

// HasTLS reports a non-empty TLS directory.
func (img *Image) HasTLS() bool {
	d := img.h.dirs[DirectoryTLS]
	return d.VirtualAddress != 0 && d.Size != 0
}

// TLS decodes the TLS directory. Its addresses are VAs at the preferred
// base and are converted to RVAs.
func (img *Image) TLS() (TLSDirectory, error) {
	if !img.HasTLS() {
		return TLSDirectory{}, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Detail("image has no TLS directory").Build()
	}
	d := img.h.dirs[DirectoryTLS]
	width, size := uint32(4), uint32(24)
	if img.h.is64 {
		width, size = 8, 40
	}
	if d.Size < size {
		return TLSDirectory{}, errors.BadImageFormat(errors.PhaseResolve, "TLS directory too small")
	}
	raw, err := img.Slice(d.VirtualAddress, size)
	if err != nil {
		return TLSDirectory{}, err
	}
	va := func(i uint32) uint64 {
		if width == 8 {
			return binary.LittleEndian.Uint64(raw[i*8:])
		}
		return uint64(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	rva := func(v uint64) (uint32, bool) {
		if v < img.h.imageBase || v-img.h.imageBase > uint64(img.h.sizeOfImage) {
			return 0, false
		}
		return uint32(v - img.h.imageBase), true
	}
	start, ok1 := rva(va(0))
	end, ok2 := rva(va(1))
	index, ok3 := rva(va(2))
	if !ok1 || !ok2 || !ok3 || end < start {
		return TLSDirectory{}, errors.BadImageFormat(errors.PhaseResolve, "TLS directory addresses outside image")
	}
	return TLSDirectory{
		Start:    start,
		End:      end,
		Index:    index,
		ZeroFill: binary.LittleEndian.Uint32(raw[4*width:]),
	}, nil
}

// Section returns the header of the section containing rva.
func (img *Image) Section(rva uint32) (pe.SectionHeader, bool) {
	for _, s := range img.h.sections {
		size := max(s.VirtualSize, s.Size)
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < size {
			return s, true
		}
	}
	return pe.SectionHeader{}, false
}

// Contains reports whether b points into the image's loaded layout or its
// flat content.
func (img *Image) Contains(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	within := func(buf []byte) bool {
		if len(buf) == 0 {
			return false
		}
		base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		return p >= base && p-base < uintptr(len(buf))
	}
	if l := img.layout.Load(); l != nil && within(l.data) {
		return true
	}
	return within(img.h.content)
}
