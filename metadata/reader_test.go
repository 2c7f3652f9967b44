package metadata_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/ecma335"
	"github.com/wippyai/peloader/internal/testimage"
	"github.com/wippyai/peloader/metadata"
)

func metadataOf(t *testing.T, opts testimage.Options) []byte {
	t.Helper()
	b, err := testimage.Build(opts)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	img, err := image.OpenBytes(b.Data)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Release()
	data, err := img.MetadataBytes()
	if err != nil {
		t.Fatal(err)
	}
	return bytes.Clone(data)
}

func TestCompressedUint(t *testing.T) {
	tests := []struct {
		v    uint32
		size int
	}{
		{0, 1},
		{0x7F, 1},
		{0x80, 2},
		{0x3FFF, 2},
		{0x4000, 4},
		{0x1FFFFFFF, 4},
	}
	for _, tt := range tests {
		enc := metadata.AppendCompressedUint(nil, tt.v)
		if len(enc) != tt.size {
			t.Errorf("encode %#x: %d bytes, want %d", tt.v, len(enc), tt.size)
		}
		got, n, ok := metadata.DecodeCompressedUint(enc)
		if !ok || got != tt.v || n != tt.size {
			t.Errorf("decode %#x = %#x, %d, %v", tt.v, got, n, ok)
		}
	}

	for _, bad := range [][]byte{nil, {0x80}, {0xC0, 0, 0}, {0xE0}} {
		if _, _, ok := metadata.DecodeCompressedUint(bad); ok {
			t.Errorf("decoded invalid input % x", bad)
		}
	}
}

func TestGUIDLayout(t *testing.T) {
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	b := metadata.GUIDBytes(u)
	want := []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if !bytes.Equal(b, want) {
		t.Errorf("GUIDBytes = % x", b)
	}
	if got := metadata.GUIDFromBytes(b); got != u {
		t.Errorf("GUIDFromBytes = %s", got)
	}
	if metadata.GUIDFromBytes(b[:8]) != uuid.Nil {
		t.Error("short GUID decoded")
	}
}

func TestParseRoot(t *testing.T) {
	data := metadataOf(t, testimage.Options{Name: "Lib", RuntimeVersion: "v4.0.30319"})
	root, err := metadata.ParseRoot(data)
	if err != nil {
		t.Fatalf("ParseRoot: %v", err)
	}
	if root.Version != "v4.0.30319" || root.Major != 1 || root.Minor != 1 {
		t.Errorf("root = %q %d.%d", root.Version, root.Major, root.Minor)
	}
	for _, s := range []string{"#~", "#Strings", "#GUID", "#Blob"} {
		if _, ok := root.Streams[s]; !ok {
			t.Errorf("stream %s missing", s)
		}
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad signature", append([]byte("XXXX"), data[4:]...)},
		{"truncated", data[:18]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := metadata.ParseRoot(tt.data); !errors.IsKind(err, errors.KindBadImageFormat) {
				t.Errorf("ParseRoot: %v, want bad image format", err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	mvid := uuid.New()
	data := metadataOf(t, testimage.Options{
		Name:       "Lib",
		ModuleName: "Lib.dll",
		Culture:    "de",
		Version:    metadata.Version{Major: 2, Minor: 1, Build: 0, Revision: 7},
		MVID:       mvid,
		PublicKey:  []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0},
		AssemblyRefs: []metadata.AssemblyRef{
			{Name: "Dep", Version: metadata.Version{Major: 1}, PublicKeyOrToken: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			{Name: "Other", Culture: "fr"},
		},
		Files: []metadata.FileEntry{{Name: "Extra.netmodule", HashValue: []byte{9, 9}}},
		Resources: []testimage.Resource{
			{Name: "a.txt", Data: []byte("a")},
			{Name: "b.txt", Implementation: metadata.MakeToken(ecma335.TableFile, 1)},
		},
	})

	imp, err := metadata.NewReader().OpenReadOnly(data)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer imp.Release()

	if imp.Writable() {
		t.Error("read-only scope is writable")
	}
	if imp.MVID() != mvid || imp.ModuleName() != "Lib.dll" || imp.RuntimeVersion() != "v4.0.30319" {
		t.Errorf("module = %s %q %q", imp.MVID(), imp.ModuleName(), imp.RuntimeVersion())
	}

	props, ok := imp.Assembly()
	if !ok {
		t.Fatal("no assembly row")
	}
	if props.Name != "Lib" || props.Culture != "de" || props.Version != (metadata.Version{Major: 2, Minor: 1, Revision: 7}) {
		t.Errorf("props = %+v", props)
	}
	if props.Flags&metadata.AssemblyFlagPublicKey == 0 || len(props.PublicKey) != 16 {
		t.Error("public key not decoded")
	}
	if props.HashAlgID != uint32(image.HashSHA1) {
		t.Errorf("HashAlgID = %#x", props.HashAlgID)
	}

	refs := imp.AssemblyRefs()
	if len(refs) != 2 || refs[0].Name != "Dep" || refs[1].Culture != "fr" {
		t.Fatalf("refs = %+v", refs)
	}
	ref, err := imp.AssemblyRef(metadata.MakeToken(ecma335.TableAssemblyRef, 1))
	if err != nil || !bytes.Equal(ref.PublicKeyOrToken, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("AssemblyRef = %+v, %v", ref, err)
	}
	if _, err := imp.AssemblyRef(metadata.MakeToken(ecma335.TableAssemblyRef, 3)); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("AssemblyRef out of range: %v", err)
	}

	f, ok := imp.FindFile("extra.NETMODULE")
	if !ok || !bytes.Equal(f.HashValue, []byte{9, 9}) {
		t.Errorf("FindFile = %+v, %v", f, ok)
	}
	if _, err := imp.File(metadata.MakeToken(ecma335.TableAssemblyRef, 1)); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("File with wrong table: %v", err)
	}

	res, ok := imp.FindManifestResource("b.txt")
	if !ok || res.Implementation != metadata.MakeToken(ecma335.TableFile, 1) {
		t.Errorf("resource b.txt = %+v", res)
	}
	if res, _ := imp.FindManifestResource("a.txt"); !res.Implementation.IsNil() || res.Flags != metadata.ResourcePublic {
		t.Errorf("resource a.txt = %+v", res)
	}

	if imp.RowCount(ecma335.TableAssemblyRef) != 2 || imp.RowCount(ecma335.TableModule) != 1 || imp.RowCount(-1) != 0 {
		t.Error("row counts wrong")
	}
}

func TestDecodeModule(t *testing.T) {
	data := metadataOf(t, testimage.Options{ModuleName: "Extra.netmodule", NoAssembly: true})
	s, err := metadata.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Assembly(); ok {
		t.Error("module has an assembly row")
	}
	if s.ModuleName() != "Extra.netmodule" {
		t.Errorf("ModuleName = %q", s.ModuleName())
	}
}

type foreignImport struct{ metadata.Import }

func TestConvertToReadWrite(t *testing.T) {
	r := metadata.NewReader()
	imp, err := r.OpenReadOnly(metadataOf(t, testimage.Options{Name: "Lib"}))
	if err != nil {
		t.Fatal(err)
	}
	defer imp.Release()

	emit, err := r.ConvertToReadWrite(imp)
	if err != nil {
		t.Fatalf("ConvertToReadWrite: %v", err)
	}
	defer emit.Release()
	if !emit.Writable() || emit.MVID() != imp.MVID() {
		t.Error("converted scope lost state")
	}
	if err := emit.SetAssembly(metadata.AssemblyProps{Name: "Renamed"}); err != nil {
		t.Fatal(err)
	}
	if p, _ := imp.Assembly(); p.Name != "Lib" {
		t.Errorf("read-only scope changed to %q", p.Name)
	}

	if _, err := r.ConvertToReadWrite(foreignImport{imp}); !errors.IsKind(err, errors.KindUnsupported) {
		t.Errorf("foreign import: %v", err)
	}
}
