// Package testimage assembles small managed PE images for tests.
package testimage

import (
	"bytes"
	"crypto/rsa"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/ecma335"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/strongname"
)

const (
	textRVA       = 0x2000
	fileAlign     = 0x200
	sectionAlign  = 0x2000
	headersSize   = 0x200
	lfanew        = 0x80
	defaultRTVer  = "v4.0.30319"
	delaySignSize = 128
)

// Resource is a manifest resource. Data is embedded when Implementation is nil.
type Resource struct {
	Name           string
	Data           []byte
	Flags          uint32
	Implementation metadata.Token
}

// Fixup requests a v-table fixup of Count slots filled with Tokens.
type Fixup struct {
	Tokens []uint32
	Type   uint16
}

// Options describes the image to build. Zero values pick an IL-only, AnyCPU
// library with a random MVID.
type Options struct {
	Name           string
	ModuleName     string
	Culture        string
	RuntimeVersion string
	Version        metadata.Version
	AssemblyFlags  uint32
	HashAlgID      image.HashAlgorithm
	MVID           uuid.UUID

	// NoAssembly omits the Assembly row, producing a plain module.
	NoAssembly bool
	// NoCLI omits the CLI header entirely.
	NoCLI bool

	Machine  uint16
	Exe      bool
	CorFlags uint32
	// Mixed clears the IL-only flag.
	Mixed bool
	// NativeImage marks the image as a precompiled native image.
	NativeImage bool
	ReadyToRun  bool

	// Key signs the image. PublicKey alone delay-signs it.
	Key       *rsa.PrivateKey
	PublicKey []byte
	// CorruptSignature flips a bit of the signature after signing.
	CorruptSignature bool

	EntryPoint   uint32
	AssemblyRefs []metadata.AssemblyRef
	Files        []metadata.FileEntry
	Resources    []Resource
	Methods      [][]byte
	Fixups       []Fixup
	Certificates []byte
	// TLS is a thread-local storage template described by a TLS directory.
	TLS []byte
}

// Built is a generated image and the RVAs of the pieces placed in it.
type Built struct {
	Data         []byte
	MethodRVAs   []uint32
	FixupRVAs    []uint32
	TLSRVA       uint32
	MetadataRVA  uint32
	SignatureRVA uint32
	MVID         uuid.UUID
	PublicKey    []byte
}

// TinyMethod encodes code with a tiny method header.
func TinyMethod(code []byte) []byte {
	return append([]byte{byte(len(code)<<2 | 0x2)}, code...)
}

// FatMethod encodes code with a fat method header.
func FatMethod(code []byte, maxStack uint16) []byte {
	out := make([]byte, 12, 12+len(code))
	binary.LittleEndian.PutUint16(out[0:], 0x3003)
	binary.LittleEndian.PutUint16(out[2:], maxStack)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(code)))
	return append(out, code...)
}

// Write builds opts into dir/file and returns the path.
func Write(dir, file string, opts Options) (string, *Built, error) {
	b, err := Build(opts)
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, b.Data, 0o644); err != nil {
		return "", nil, err
	}
	return path, b, nil
}

// MustBuild is Build that panics on error.
func MustBuild(opts Options) *Built {
	b, err := Build(opts)
	if err != nil {
		panic(err)
	}
	return b
}

type text struct {
	buf bytes.Buffer
}

func (t *text) rva() uint32 { return textRVA + uint32(t.buf.Len()) }

func (t *text) align(n int) {
	for t.buf.Len()%n != 0 {
		t.buf.WriteByte(0)
	}
}

func (t *text) put(b []byte) uint32 {
	r := t.rva()
	t.buf.Write(b)
	return r
}

// Build assembles an image from opts.
func Build(opts Options) (*Built, error) {
	if opts.Machine == 0 {
		opts.Machine = image.MachineI386
	}
	if opts.RuntimeVersion == "" {
		opts.RuntimeVersion = defaultRTVer
	}
	if opts.MVID == uuid.Nil {
		opts.MVID = uuid.New()
	}
	if opts.HashAlgID == 0 {
		opts.HashAlgID = image.HashSHA1
	}
	if opts.ModuleName == "" {
		opts.ModuleName = opts.Name + ".dll"
	}
	if opts.Key != nil && opts.PublicKey == nil {
		opts.PublicKey = strongname.EncodePublicKey(&opts.Key.PublicKey, opts.HashAlgID)
	}

	out := &Built{MVID: opts.MVID, PublicKey: opts.PublicKey}
	var t text
	var cor image.CorHeader
	var tls pe.DataDirectory

	if !opts.NoCLI {
		t.buf.Write(make([]byte, image.CorHeaderSize))
		t.align(4)

		for _, m := range opts.Methods {
			t.align(4)
			out.MethodRVAs = append(out.MethodRVAs, t.put(m))
		}

		if len(opts.TLS) > 0 {
			tls = putTLS(&t, out, opts.Machine, opts.TLS)
		}

		var res bytes.Buffer
		offsets := make([]uint32, len(opts.Resources))
		for i, r := range opts.Resources {
			if !r.Implementation.IsNil() {
				continue
			}
			offsets[i] = uint32(res.Len())
			binary.Write(&res, binary.LittleEndian, uint32(len(r.Data)))
			res.Write(r.Data)
			for res.Len()%8 != 0 {
				res.WriteByte(0)
			}
		}
		if res.Len() > 0 {
			t.align(8)
			cor.Resources = image.DataDirectory{VirtualAddress: t.put(res.Bytes()), Size: uint32(res.Len())}
		}

		if len(opts.PublicKey) > 0 && !strongname.IsECMAKey(opts.PublicKey) {
			size := delaySignSize
			if opts.Key != nil {
				size = opts.Key.Size()
			}
			t.align(4)
			out.SignatureRVA = t.put(make([]byte, size))
			cor.StrongNameSignature = image.DataDirectory{VirtualAddress: out.SignatureRVA, Size: uint32(size)}
		}

		if len(opts.Fixups) > 0 {
			slot := 4
			if opts.Machine == image.MachineAMD64 || opts.Machine == image.MachineARM64 {
				slot = 8
			}
			var dir bytes.Buffer
			t.align(8)
			for _, f := range opts.Fixups {
				typ := f.Type
				if typ == 0 {
					typ = image.VTable32Bit
					if slot == 8 {
						typ = image.VTable64Bit
					}
				}
				data := make([]byte, slot*len(f.Tokens))
				for i, tok := range f.Tokens {
					binary.LittleEndian.PutUint32(data[i*slot:], tok)
				}
				rva := t.put(data)
				t.align(8)
				out.FixupRVAs = append(out.FixupRVAs, rva)
				binary.Write(&dir, binary.LittleEndian, image.VTableFixup{RVA: rva, Count: uint16(len(f.Tokens)), Type: typ})
			}
			cor.VTableFixups = image.DataDirectory{VirtualAddress: t.put(dir.Bytes()), Size: uint32(dir.Len())}
		}

		if opts.ReadyToRun {
			t.align(4)
			hdr := make([]byte, 16)
			binary.LittleEndian.PutUint32(hdr, image.ReadyToRunSignature)
			cor.ManagedNativeHeader = image.DataDirectory{VirtualAddress: t.put(hdr), Size: 16}
		}

		t.align(4)
		md := buildMetadata(&opts, offsets)
		out.MetadataRVA = t.put(md)

		cor.Cb = image.CorHeaderSize
		cor.MajorRuntimeVersion = 2
		cor.MinorRuntimeVersion = 5
		cor.MetaData = image.DataDirectory{VirtualAddress: out.MetadataRVA, Size: uint32(len(md))}
		cor.EntryPointToken = opts.EntryPoint
		cor.Flags = opts.CorFlags
		if !opts.Mixed {
			cor.Flags |= image.CorFlagILOnly
		}
		if opts.NativeImage {
			cor.Flags |= image.CorFlagILLibrary
		}
		if opts.Key != nil {
			cor.Flags |= image.CorFlagStrongNameSigned
		}
		var hb bytes.Buffer
		binary.Write(&hb, binary.LittleEndian, &cor)
		copy(t.buf.Bytes(), hb.Bytes())
	} else {
		t.buf.Write([]byte{0xC3})
	}

	data := layoutPE(&opts, t.buf.Bytes(), tls)
	if opts.Key != nil {
		img, err := image.OpenBytes(data)
		if err != nil {
			return nil, err
		}
		sig, err := strongname.Sign(img, opts.Key, opts.HashAlgID)
		img.Release()
		if err != nil {
			return nil, err
		}
		if opts.CorruptSignature {
			sig[0] ^= 0x01
		}
		off := headersSize + int(out.SignatureRVA-textRVA)
		copy(data[off:], sig)
	}
	out.Data = data
	return out, nil
}

func alignUp(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

func is64(machine uint16) bool {
	return machine == image.MachineAMD64 || machine == image.MachineARM64
}

func imageBase(machine uint16) uint64 {
	if is64(machine) {
		return 0x180000000
	}
	return 0x10000000
}

// putTLS places the template, an index slot and an IMAGE_TLS_DIRECTORY
// whose addresses are VAs at the preferred image base.
func putTLS(t *text, out *Built, machine uint16, template []byte) pe.DataDirectory {
	t.align(8)
	out.TLSRVA = t.put(template)
	end := t.rva()
	t.align(4)
	index := t.put(make([]byte, 4))
	t.align(8)

	base := imageBase(machine)
	var dir bytes.Buffer
	if is64(machine) {
		binary.Write(&dir, binary.LittleEndian, [4]uint64{base + uint64(out.TLSRVA), base + uint64(end), base + uint64(index), 0})
	} else {
		binary.Write(&dir, binary.LittleEndian, [4]uint32{uint32(base) + out.TLSRVA, uint32(base) + end, uint32(base) + index, 0})
	}
	binary.Write(&dir, binary.LittleEndian, [2]uint32{})
	return pe.DataDirectory{VirtualAddress: t.put(dir.Bytes()), Size: uint32(dir.Len())}
}

func layoutPE(opts *Options, body []byte, tls pe.DataDirectory) []byte {
	wide := is64(opts.Machine)
	rawSize := alignUp(uint32(len(body)), fileAlign)
	imageSize := textRVA + alignUp(uint32(len(body)), sectionAlign)

	var buf bytes.Buffer
	dos := make([]byte, lfanew)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], lfanew)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	chars := uint16(pe.IMAGE_FILE_EXECUTABLE_IMAGE)
	if !opts.Exe {
		chars |= pe.IMAGE_FILE_DLL
	}
	optSize := uint16(224)
	if wide {
		optSize = 240
	}
	binary.Write(&buf, binary.LittleEndian, pe.FileHeader{
		Machine:              opts.Machine,
		NumberOfSections:     1,
		TimeDateStamp:        0x5f000000,
		SizeOfOptionalHeader: optSize,
		Characteristics:      chars,
	})

	var dirs [16]pe.DataDirectory
	dirs[image.DirectoryTLS] = tls
	if !opts.NoCLI {
		dirs[image.DirectoryComDescriptor] = pe.DataDirectory{VirtualAddress: textRVA, Size: image.CorHeaderSize}
	}
	certOffset := headersSize + rawSize
	if len(opts.Certificates) > 0 {
		dirs[image.DirectorySecurity] = pe.DataDirectory{VirtualAddress: certOffset, Size: uint32(len(opts.Certificates))}
	}
	subsystem := uint16(pe.IMAGE_SUBSYSTEM_WINDOWS_CUI)
	if wide {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader64{
			Magic:                 0x20b,
			SizeOfCode:            rawSize,
			BaseOfCode:            textRVA,
			ImageBase:             imageBase(opts.Machine),
			SectionAlignment:      sectionAlign,
			FileAlignment:         fileAlign,
			MajorSubsystemVersion: 6,
			SizeOfImage:           imageSize,
			SizeOfHeaders:         headersSize,
			Subsystem:             subsystem,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		})
	} else {
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader32{
			Magic:                 0x10b,
			SizeOfCode:            rawSize,
			BaseOfCode:            textRVA,
			ImageBase:             uint32(imageBase(opts.Machine)),
			SectionAlignment:      sectionAlign,
			FileAlignment:         fileAlign,
			MajorSubsystemVersion: 6,
			SizeOfImage:           imageSize,
			SizeOfHeaders:         headersSize,
			Subsystem:             subsystem,
			NumberOfRvaAndSizes:   16,
			DataDirectory:         dirs,
		})
	}
	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(body)),
		VirtualAddress:   textRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: headersSize,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".text")
	binary.Write(&buf, binary.LittleEndian, sh)

	data := make([]byte, certOffset, int(certOffset)+len(opts.Certificates))
	copy(data, buf.Bytes())
	copy(data[headersSize:], body)
	return append(data, opts.Certificates...)
}

type heapBuilder struct {
	strings bytes.Buffer
	strIdx  map[string]uint32
	blobs   bytes.Buffer
	guids   bytes.Buffer
}

func newHeaps() *heapBuilder {
	h := &heapBuilder{strIdx: map[string]uint32{"": 0}}
	h.strings.WriteByte(0)
	h.blobs.WriteByte(0)
	return h
}

func (h *heapBuilder) str(s string) uint32 {
	if i, ok := h.strIdx[s]; ok {
		return i
	}
	i := uint32(h.strings.Len())
	h.strings.WriteString(s)
	h.strings.WriteByte(0)
	h.strIdx[s] = i
	return i
}

func (h *heapBuilder) blob(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	i := uint32(h.blobs.Len())
	h.blobs.Write(metadata.AppendCompressedUint(nil, uint32(len(b))))
	h.blobs.Write(b)
	return i
}

func (h *heapBuilder) guid(u uuid.UUID) uint32 {
	h.guids.Write(metadata.GUIDBytes(u))
	return uint32(h.guids.Len() / 16)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func buildMetadata(opts *Options, resOffsets []uint32) []byte {
	h := newHeaps()
	var rows [ecma335.NumTables]uint32
	rows[ecma335.TableModule] = 1
	if !opts.NoAssembly {
		rows[ecma335.TableAssembly] = 1
	}
	rows[ecma335.TableAssemblyRef] = uint32(len(opts.AssemblyRefs))
	rows[ecma335.TableFile] = uint32(len(opts.Files))
	rows[ecma335.TableManifestResource] = uint32(len(opts.Resources))
	l := ecma335.NewLayout(0, rows)

	var tbl bytes.Buffer
	emit := func(t int, vals ...uint32) {
		row := make([]byte, l.RowSize[t])
		for i, v := range vals {
			l.Put(t, i, row, v)
		}
		tbl.Write(row)
	}

	// Rows must go out in table id order.
	emit(ecma335.TableModule, 0, h.str(opts.ModuleName), h.guid(opts.MVID), 0, 0)
	if !opts.NoAssembly {
		flags := opts.AssemblyFlags
		if len(opts.PublicKey) > 0 {
			flags |= metadata.AssemblyFlagPublicKey
		}
		v := opts.Version
		emit(ecma335.TableAssembly, uint32(opts.HashAlgID),
			uint32(v.Major), uint32(v.Minor), uint32(v.Build), uint32(v.Revision),
			flags, h.blob(opts.PublicKey), h.str(opts.Name), h.str(opts.Culture))
	}
	for _, r := range opts.AssemblyRefs {
		v := r.Version
		emit(ecma335.TableAssemblyRef,
			uint32(v.Major), uint32(v.Minor), uint32(v.Build), uint32(v.Revision),
			r.Flags, h.blob(r.PublicKeyOrToken), h.str(r.Name), h.str(r.Culture), h.blob(r.HashValue))
	}
	for _, f := range opts.Files {
		emit(ecma335.TableFile, f.Flags, h.str(f.Name), h.blob(f.HashValue))
	}
	for i, r := range opts.Resources {
		var impl uint32
		if !r.Implementation.IsNil() {
			impl, _ = ecma335.EncodeCoded(ecma335.Implementation, r.Implementation.Table(), r.Implementation.RID())
		}
		flags := r.Flags
		if flags == 0 {
			flags = metadata.ResourcePublic
		}
		emit(ecma335.TableManifestResource, resOffsets[i], flags, h.str(r.Name), impl)
	}

	var valid uint64
	var hdr bytes.Buffer
	for t, n := range rows {
		if n > 0 {
			valid |= 1 << uint(t)
		}
	}
	binary.Write(&hdr, binary.LittleEndian, uint32(0))
	hdr.Write([]byte{2, 0, 0, 1})
	binary.Write(&hdr, binary.LittleEndian, valid)
	binary.Write(&hdr, binary.LittleEndian, uint64(0))
	for _, n := range rows {
		if n > 0 {
			binary.Write(&hdr, binary.LittleEndian, n)
		}
	}
	hdr.Write(tbl.Bytes())

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", pad4(hdr.Bytes())},
		{"#Strings", pad4(h.strings.Bytes())},
		{"#GUID", h.guids.Bytes()},
		{"#Blob", pad4(h.blobs.Bytes())},
	}

	version := pad4(append([]byte(opts.RuntimeVersion), 0))
	headerLen := 16 + len(version) + 4
	for _, s := range streams {
		headerLen += 8 + len(pad4(append([]byte(s.name), 0)))
	}

	var md bytes.Buffer
	binary.Write(&md, binary.LittleEndian, uint32(metadata.RootSignature))
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint32(0))
	binary.Write(&md, binary.LittleEndian, uint32(len(version)))
	md.Write(version)
	binary.Write(&md, binary.LittleEndian, uint16(0))
	binary.Write(&md, binary.LittleEndian, uint16(len(streams)))
	off := uint32(headerLen)
	for _, s := range streams {
		binary.Write(&md, binary.LittleEndian, off)
		binary.Write(&md, binary.LittleEndian, uint32(len(s.data)))
		md.Write(pad4(append([]byte(s.name), 0)))
		off += uint32(len(s.data))
	}
	for _, s := range streams {
		md.Write(s.data)
	}
	return md.Bytes()
}
