package metadata

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/internal/ecma335"
)

// RootSignature is the "BSJB" magic at the start of a metadata block.
const RootSignature = 0x424A5342

// Root is the metadata root header and its stream directory.
type Root struct {
	Streams map[string][]byte
	Version string
	Major   uint16
	Minor   uint16
}

// ParseRoot decodes the metadata root of data. Stream slices alias data.
func ParseRoot(data []byte) (*Root, error) {
	if len(data) < 20 {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "metadata root truncated")
	}
	if binary.LittleEndian.Uint32(data) != RootSignature {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "bad metadata signature")
	}
	r := &Root{
		Major:   binary.LittleEndian.Uint16(data[4:]),
		Minor:   binary.LittleEndian.Uint16(data[6:]),
		Streams: make(map[string][]byte),
	}
	vlen := int(binary.LittleEndian.Uint32(data[12:]))
	if vlen < 0 || 16+vlen+4 > len(data) {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "metadata version string truncated")
	}
	version := data[16 : 16+vlen]
	if i := bytes.IndexByte(version, 0); i >= 0 {
		version = version[:i]
	}
	r.Version = string(version)

	pos := 16 + vlen
	count := int(binary.LittleEndian.Uint16(data[pos+2:]))
	pos += 4
	for i := 0; i < count; i++ {
		if pos+8 > len(data) {
			return nil, errors.BadImageFormat(errors.PhaseMetadata, "stream header truncated")
		}
		off := binary.LittleEndian.Uint32(data[pos:])
		size := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 {
			return nil, errors.BadImageFormat(errors.PhaseMetadata, "stream name unterminated")
		}
		name := string(data[pos : pos+end])
		pos += (end + 4) &^ 3
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, errors.BadImageFormat(errors.PhaseMetadata, "stream "+name+" outside metadata")
		}
		r.Streams[name] = data[off : off+size]
	}
	return r, nil
}

// DecodeCompressedUint reads an ECMA-335 compressed unsigned integer and
// returns the value and the number of bytes consumed.
func DecodeCompressedUint(b []byte) (uint32, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, true
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, false
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, true
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, false
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, true
	}
	return 0, 0, false
}

// AppendCompressedUint appends the compressed encoding of v.
func AppendCompressedUint(dst []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v))
	default:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v))
	}
}

// GUIDFromBytes converts the on-disk GUID layout (little-endian Data1-3) to a UUID.
func GUIDFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	if len(b) < 16 {
		return u
	}
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

// GUIDBytes is the inverse of GUIDFromBytes.
func GUIDBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}

// Reader is the stock Provider. It decodes the manifest tables of a metadata
// block into a read-only Scope.
type Reader struct{}

var _ Provider = (*Reader)(nil)

// NewReader creates the stock metadata provider.
func NewReader() *Reader {
	return &Reader{}
}

func (r *Reader) OpenReadOnly(data []byte) (Import, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Reader) ConvertToReadWrite(imp Import) (Emit, error) {
	s, ok := imp.(*Scope)
	if !ok {
		return nil, errors.Unsupported(errors.PhaseMetadata, "foreign import cannot be converted")
	}
	return s.clone(true), nil
}

func (r *Reader) DefineScope() Emit {
	return NewScope("")
}

type heaps struct {
	strings []byte
	guids   []byte
	blobs   []byte
}

func (h *heaps) str(i uint32) string {
	if int(i) >= len(h.strings) {
		return ""
	}
	s := h.strings[i:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	return string(s)
}

func (h *heaps) guid(i uint32) uuid.UUID {
	if i == 0 || int(i)*16 > len(h.guids) {
		return uuid.Nil
	}
	return GUIDFromBytes(h.guids[(i-1)*16 : i*16])
}

func (h *heaps) blob(i uint32) []byte {
	if int(i) >= len(h.blobs) {
		return nil
	}
	n, sz, ok := DecodeCompressedUint(h.blobs[i:])
	if !ok || int(i)+sz+int(n) > len(h.blobs) {
		return nil
	}
	if n == 0 {
		return nil
	}
	return append([]byte(nil), h.blobs[int(i)+sz:int(i)+sz+int(n)]...)
}

// Decode parses a metadata block into a read-only Scope.
func Decode(data []byte) (*Scope, error) {
	root, err := ParseRoot(data)
	if err != nil {
		return nil, err
	}
	tables, ok := root.Streams["#~"]
	if !ok {
		tables, ok = root.Streams["#-"]
	}
	if !ok {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "no tables stream")
	}
	h := &heaps{
		strings: root.Streams["#Strings"],
		guids:   root.Streams["#GUID"],
		blobs:   root.Streams["#Blob"],
	}

	if len(tables) < 24 {
		return nil, errors.BadImageFormat(errors.PhaseMetadata, "tables header truncated")
	}
	heapSizes := tables[6]
	valid := binary.LittleEndian.Uint64(tables[8:])
	pos := 24
	var rows [ecma335.NumTables]uint32
	for t := 0; t < ecma335.NumTables; t++ {
		if valid&(1<<uint(t)) == 0 {
			continue
		}
		if !ecma335.Defined(t) {
			return nil, errors.New(errors.PhaseMetadata, errors.KindBadImageFormat).
				Detail("unknown table 0x%02x present", t).Build()
		}
		if pos+4 > len(tables) {
			return nil, errors.BadImageFormat(errors.PhaseMetadata, "row counts truncated")
		}
		rows[t] = binary.LittleEndian.Uint32(tables[pos:])
		pos += 4
	}
	if heapSizes&ecma335.HeapExtraData != 0 {
		pos += 4
	}
	layout := ecma335.NewLayout(heapSizes, rows)
	if pos+layout.TablesSize() > len(tables) {
		return nil, errors.New(errors.PhaseMetadata, errors.KindBadImageFormat).
			Detail("tables need %d bytes, stream has %d", layout.TablesSize(), len(tables)-pos).Build()
	}

	var starts [ecma335.NumTables]int
	for t := 0; t < ecma335.NumTables; t++ {
		starts[t] = pos
		pos += int(rows[t]) * layout.RowSize[t]
	}
	row := func(t int, rid uint32) []byte {
		off := starts[t] + int(rid-1)*layout.RowSize[t]
		return tables[off : off+layout.RowSize[t]]
	}

	s := &Scope{runtimeVersion: root.Version, rowCounts: rows}
	s.refs.Store(1)

	if rows[ecma335.TableModule] > 0 {
		r := row(ecma335.TableModule, 1)
		s.moduleName = h.str(layout.Read(ecma335.TableModule, 1, r))
		s.mvid = h.guid(layout.Read(ecma335.TableModule, 2, r))
	}

	if rows[ecma335.TableAssembly] > 0 {
		t := ecma335.TableAssembly
		r := row(t, 1)
		s.assembly = &AssemblyProps{
			HashAlgID: layout.Read(t, 0, r),
			Version: Version{
				Major:    uint16(layout.Read(t, 1, r)),
				Minor:    uint16(layout.Read(t, 2, r)),
				Build:    uint16(layout.Read(t, 3, r)),
				Revision: uint16(layout.Read(t, 4, r)),
			},
			Flags:     layout.Read(t, 5, r),
			PublicKey: h.blob(layout.Read(t, 6, r)),
			Name:      h.str(layout.Read(t, 7, r)),
			Culture:   h.str(layout.Read(t, 8, r)),
		}
	}

	for rid := uint32(1); rid <= rows[ecma335.TableAssemblyRef]; rid++ {
		t := ecma335.TableAssemblyRef
		r := row(t, rid)
		s.assemblyRefs = append(s.assemblyRefs, AssemblyRef{
			Token: MakeToken(t, rid),
			Version: Version{
				Major:    uint16(layout.Read(t, 0, r)),
				Minor:    uint16(layout.Read(t, 1, r)),
				Build:    uint16(layout.Read(t, 2, r)),
				Revision: uint16(layout.Read(t, 3, r)),
			},
			Flags:            layout.Read(t, 4, r),
			PublicKeyOrToken: h.blob(layout.Read(t, 5, r)),
			Name:             h.str(layout.Read(t, 6, r)),
			Culture:          h.str(layout.Read(t, 7, r)),
			HashValue:        h.blob(layout.Read(t, 8, r)),
		})
	}

	for rid := uint32(1); rid <= rows[ecma335.TableFile]; rid++ {
		t := ecma335.TableFile
		r := row(t, rid)
		s.files = append(s.files, FileEntry{
			Token:     MakeToken(t, rid),
			Flags:     layout.Read(t, 0, r),
			Name:      h.str(layout.Read(t, 1, r)),
			HashValue: h.blob(layout.Read(t, 2, r)),
		})
	}

	for rid := uint32(1); rid <= rows[ecma335.TableManifestResource]; rid++ {
		t := ecma335.TableManifestResource
		r := row(t, rid)
		res := ManifestResource{
			Token:  MakeToken(t, rid),
			Offset: layout.Read(t, 0, r),
			Flags:  layout.Read(t, 1, r),
			Name:   h.str(layout.Read(t, 2, r)),
		}
		if impl := layout.Read(t, 3, r); impl != 0 {
			table, implRID, ok := ecma335.DecodeCoded(ecma335.Implementation, impl)
			if !ok {
				return nil, errors.BadImageFormat(errors.PhaseMetadata, "bad resource implementation")
			}
			res.Implementation = MakeToken(table, implRID)
		}
		s.resources = append(s.resources, res)
	}

	return s, nil
}
