package loader_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/ecma335"
	"github.com/wippyai/peloader/internal/testimage"
	"github.com/wippyai/peloader/loader"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/registry"
	"github.com/wippyai/peloader/strongname"
)

func writeImage(t *testing.T, dir, file string, opts testimage.Options) (string, *testimage.Built) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path, b, err := testimage.Write(dir, file, opts)
	if err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
	return path, b
}

func openFileAssembly(t *testing.T, l *loader.Loader, path string) *loader.Assembly {
	t.Helper()
	img, err := image.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Release()
	return openAssembly(t, l, img)
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func refToken(rid uint32) metadata.Token {
	return metadata.MakeToken(ecma335.TableAssemblyRef, rid)
}

func TestSignatureCheck(t *testing.T) {
	key := newKey(t)
	tests := []struct {
		name       string
		opts       testimage.Options
		cfg        loader.Config
		trusted    bool
		openKind   errors.Kind
		verifyKind errors.Kind
		verified   bool
	}{
		{name: "unsigned", opts: testimage.Options{Name: "Lib"}, verifyKind: errors.KindSignatureAbsent},
		{name: "delay signed", opts: testimage.Options{Name: "Lib", PublicKey: strongname.EncodePublicKey(&key.PublicKey, image.HashSHA1)}, verifyKind: errors.KindSignatureAbsent},
		{name: "signed", opts: testimage.Options{Name: "Lib", Key: key}, verified: true},
		{name: "signed sha256", opts: testimage.Options{Name: "Lib", Key: key, HashAlgID: image.HashSHA256}, verified: true},
		{name: "tampered", opts: testimage.Options{Name: "Lib", Key: key, CorruptSignature: true}, openKind: errors.KindSignatureInvalid},
		{name: "tampered with bypass", opts: testimage.Options{Name: "Lib", Key: key, CorruptSignature: true}, cfg: loader.Config{StrongNameBypass: true}},
		{name: "tampered from trusted location", opts: testimage.Options{Name: "Lib", Key: key, CorruptSignature: true}, trusted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t, tt.cfg)
			img := openImage(t, tt.opts)
			a, err := l.OpenBound(&binder.BindResult{IL: img, IsFromTrustedLocation: tt.trusted}, false, false)
			if tt.openKind != "" {
				if !errors.IsKind(err, tt.openKind) {
					t.Fatalf("OpenBound: %v, want %s", err, tt.openKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenBound: %v", err)
			}
			defer a.Release()

			err = a.VerifyStrongName()
			if tt.verifyKind == "" && err != nil {
				t.Errorf("VerifyStrongName: %v", err)
			}
			if tt.verifyKind != "" && !errors.IsKind(err, tt.verifyKind) {
				t.Errorf("VerifyStrongName: %v, want %s", err, tt.verifyKind)
			}
			if a.IsStrongNameVerified() != tt.verified {
				t.Errorf("IsStrongNameVerified = %v", a.IsStrongNameVerified())
			}
			if tt.verified && a.NeedsModuleHashChecks() {
				t.Error("verified assembly still needs module hash checks")
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	v := metadata.Version{Major: 1, Minor: 2, Build: 3, Revision: 4}
	tests := []struct {
		name    string
		culture string
		token   []byte
		flags   uint32
		want    string
	}{
		{"plain", "", nil, 0, "Lib, Version=1.2.3.4, Culture=neutral, PublicKeyToken=null"},
		{"culture", "en-US", nil, 0, "Lib, Version=1.2.3.4, Culture=en-US, PublicKeyToken=null"},
		{"token", "", []byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89}, 0, "Lib, Version=1.2.3.4, Culture=neutral, PublicKeyToken=b77a5c561934e089"},
		{"retargetable", "", nil, metadata.AssemblyFlagRetargetable, "Lib, Version=1.2.3.4, Culture=neutral, PublicKeyToken=null, Retargetable=Yes"},
		{"winrt", "", nil, metadata.AssemblyFlagContentTypeWinRT, "Lib, Version=1.2.3.4, Culture=neutral, PublicKeyToken=null, ContentType=WindowsRuntime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loader.DisplayName("Lib", v, tt.culture, tt.token, tt.flags); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestAssemblyIdentity(t *testing.T) {
	key := newKey(t)
	dir := t.TempDir()
	path, b := writeImage(t, dir, "Lib.dll", testimage.Options{
		Name:    "Lib",
		Culture: "en-us",
		Version: metadata.Version{Major: 1, Minor: 2, Build: 3, Revision: 4},
		Key:     key,
	})
	l := newLoader(t, loader.Config{})
	a := openFileAssembly(t, l, path)
	defer a.Release()

	tok := strongname.PublicKeyToken(b.PublicKey)
	want := loader.DisplayName("Lib", metadata.Version{Major: 1, Minor: 2, Build: 3, Revision: 4}, "en-us", tok, metadata.AssemblyFlagPublicKey)
	if got := a.DisplayName(); got != want {
		t.Errorf("DisplayName = %q, want %q", got, want)
	}
	if a.TextualIdentity() != a.DisplayName() {
		t.Error("bindable assembly has an instance-qualified identity")
	}
	if a.Locale() != "en-us" || a.Culture() != "en-US" {
		t.Errorf("Locale = %q, Culture = %q", a.Locale(), a.Culture())
	}
	if a.SimpleName() != "Lib" || a.DebugName() != "Lib" || a.ScopeName() != "Lib.dll" {
		t.Errorf("names: %q %q %q", a.SimpleName(), a.DebugName(), a.ScopeName())
	}
	if !a.IsStrongNamed() || len(a.PublicKeyToken()) != 8 {
		t.Error("strong name not reported")
	}
	if a.Path() != path || a.EffectivePath() != path || a.PathForErrorMessages() != path {
		t.Errorf("Path = %q", a.Path())
	}
	if cb := a.CodeBase(); !strings.HasPrefix(cb, "file:///") || !strings.HasSuffix(cb, "/Lib.dll") {
		t.Errorf("CodeBase = %q", cb)
	}
	if !a.HasBindableIdentity() || !a.CanUseWithBindingCache() {
		t.Error("file assembly should be bindable and cacheable")
	}
	if a.AsAssembly() != a || a.Assembly() != a || a.Kind() != loader.KindAssembly {
		t.Error("assembly views wrong")
	}

	img2, _ := image.OpenFile(path)
	defer img2.Release()
	a2 := openAssembly(t, l, img2)
	defer a2.Release()
	if a.HashIdentity() != a2.HashIdentity() || !a.Equals(a2.Unit) {
		t.Error("same file produced different identities")
	}
}

type bindFixture struct {
	loader *loader.Loader
	tpa    *binder.TPABinder
	app    *loader.Assembly
	appDir string
}

func newBindFixture(t *testing.T, profile []string) *bindFixture {
	t.Helper()
	root := t.TempDir()
	tpaDir := filepath.Join(root, "tpa")
	appDir := filepath.Join(root, "app")

	corelib, _ := writeImage(t, tpaDir, "System.Private.CoreLib.dll", testimage.Options{Name: "System.Private.CoreLib", Version: metadata.Version{Major: 8}})
	shared, _ := writeImage(t, tpaDir, "Shared.dll", testimage.Options{Name: "Shared", Version: metadata.Version{Major: 8}})
	other, _ := writeImage(t, tpaDir, "Other.dll", testimage.Options{Name: "Other", Version: metadata.Version{Major: 8}})
	writeImage(t, appDir, "Lib.dll", testimage.Options{
		Name:      "Lib",
		Version:   metadata.Version{Major: 1},
		Resources: []testimage.Resource{{Name: "remote.txt", Data: []byte("from lib")}},
	})
	writeImage(t, appDir, "App.dll", testimage.Options{
		Name:    "App",
		Version: metadata.Version{Major: 1},
		AssemblyRefs: []metadata.AssemblyRef{
			{Name: "Lib", Version: metadata.Version{Major: 1}},
			{Name: "Shared", Version: metadata.Version{Major: 8}},
			{Name: "System.Private.CoreLib", Version: metadata.Version{Major: 8}},
			{Name: "Missing"},
			{Name: "Other"},
		},
	})

	tpa, err := binder.NewTPA(binder.Config{
		TrustedPlatformAssemblies: []string{corelib, shared, other},
		AppPaths:                  []string{appDir},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tpa.Close() })

	l := newLoader(t, loader.Config{Binder: tpa, ProfileAssemblies: profile})
	res, err := tpa.Bind(metadata.AssemblyRef{Name: "App"})
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	app, err := l.OpenBound(res, false, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { app.Release() })
	return &bindFixture{loader: l, tpa: tpa, app: app, appDir: appDir}
}

func TestLoadAssemblyRef(t *testing.T) {
	f := newBindFixture(t, nil)

	lib1, err := f.app.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatalf("LoadAssembly(Lib): %v", err)
	}
	defer lib1.Release()
	lib2, err := f.app.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatal(err)
	}
	defer lib2.Release()
	if lib1 != lib2 {
		t.Error("binding cache returned a second assembly")
	}
	if lib1.IsOnTPAList() || lib1.IsSourceGAC() || lib1.IsProfileAssembly() {
		t.Error("app path assembly marked trusted")
	}
	if !lib1.NeedsModuleHashChecks() {
		t.Error("untrusted unsigned assembly skips module hash checks")
	}

	shared, err := f.app.LoadAssembly(refToken(2))
	if err != nil {
		t.Fatalf("LoadAssembly(Shared): %v", err)
	}
	defer shared.Release()
	if !shared.IsOnTPAList() || !shared.IsSourceGAC() || !shared.IsProfileAssembly() {
		t.Error("TPA assembly not trusted")
	}
	if shared.NeedsModuleHashChecks() {
		t.Error("trusted assembly needs module hash checks")
	}
	if err := shared.VerifyStrongName(); !errors.IsKind(err, errors.KindSignatureAbsent) {
		t.Errorf("VerifyStrongName: %v", err)
	}

	sys, err := f.app.LoadAssembly(refToken(3))
	if err != nil {
		t.Fatalf("LoadAssembly(CoreLib): %v", err)
	}
	defer sys.Release()
	if !sys.IsSystem() || !sys.IsProfileAssembly() {
		t.Error("system assembly flags wrong")
	}
	sys2, err := f.loader.OpenSystem()
	if err != nil {
		t.Fatal(err)
	}
	defer sys2.Release()
	if sys2 != sys {
		t.Error("OpenSystem returned a second system assembly")
	}

	if _, err := f.app.LoadAssembly(refToken(4)); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("missing ref: %v", err)
	}
	if _, err := f.app.LoadAssembly(refToken(9)); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("bad token: %v", err)
	}
}

// staticBinder answers each simple name with a fixed image.
type staticBinder map[string]*image.Image

func (b staticBinder) Name() string { return "static" }

func (b staticBinder) Bind(ref metadata.AssemblyRef) (*binder.BindResult, error) {
	img, ok := b[ref.Name]
	if !ok {
		return nil, errors.New(errors.PhaseBind, errors.KindNotFound).Detail("%s", ref.Name).Build()
	}
	img.AddRef()
	return &binder.BindResult{IL: img}, nil
}

func (b staticBinder) BindSystem() (*binder.BindResult, error) {
	return nil, errors.New(errors.PhaseBind, errors.KindNotFound).Detail("no system assembly").Build()
}

func TestBindingCacheReplacesIdentity(t *testing.T) {
	// Two refs resolve to different images carrying the same identity.
	b := staticBinder{
		"First":  openImage(t, testimage.Options{Name: "Dup"}),
		"Second": openImage(t, testimage.Options{Name: "Dup"}),
	}
	l := newLoader(t, loader.Config{Binder: b})
	app := openAssembly(t, l, openImage(t, testimage.Options{
		Name:         "App",
		AssemblyRefs: []metadata.AssemblyRef{{Name: "First"}, {Name: "Second"}},
	}))
	defer app.Release()

	first, err := app.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatalf("load First: %v", err)
	}
	defer first.Release()
	before := first.RefCount()

	second, err := app.LoadAssembly(refToken(2))
	if err != nil {
		t.Fatalf("load Second: %v", err)
	}
	defer second.Release()
	if second == first || second.Equals(first.Unit) {
		t.Fatal("distinct images collapsed into one assembly")
	}
	if got := first.RefCount(); got != before-1 {
		t.Errorf("replaced cache entry kept its reference: refs %d, want %d", got, before-1)
	}

	again, err := app.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatal(err)
	}
	defer again.Release()
	if again != first {
		t.Error("ref cache entry lost")
	}
}

func TestProfileAssemblies(t *testing.T) {
	f := newBindFixture(t, []string{"shared"})

	shared, err := f.app.LoadAssembly(refToken(2))
	if err != nil {
		t.Fatal(err)
	}
	defer shared.Release()
	other, err := f.app.LoadAssembly(refToken(5))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	if !shared.IsProfileAssembly() {
		t.Error("listed TPA assembly not in profile")
	}
	if other.IsProfileAssembly() {
		t.Error("unlisted TPA assembly in profile")
	}
}

func TestHostedAssembliesBypassCache(t *testing.T) {
	f := newBindFixture(t, nil)
	pluginDir := filepath.Join(filepath.Dir(f.appDir), "plugin")
	writeImage(t, pluginDir, "PluginDep.dll", testimage.Options{Name: "PluginDep"})
	writeImage(t, pluginDir, "Plugin.dll", testimage.Options{
		Name:         "Plugin",
		AssemblyRefs: []metadata.AssemblyRef{{Name: "PluginDep"}, {Name: "Shared"}},
	})

	ctx, err := binder.NewContext("plugin", f.tpa, pluginDir)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()
	res, err := ctx.Bind(metadata.AssemblyRef{Name: "Plugin"})
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	plugin, err := f.loader.OpenHosted(ctx, res.IL, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	defer plugin.Release()

	if plugin.HostBinder() != ctx || plugin.BindingContext() != ctx || plugin.CanUseWithBindingCache() {
		t.Error("hosted assembly binding context wrong")
	}

	dep1, err := plugin.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatalf("LoadAssembly(PluginDep): %v", err)
	}
	defer dep1.Release()
	dep2, err := plugin.LoadAssembly(refToken(1))
	if err != nil {
		t.Fatal(err)
	}
	defer dep2.Release()
	if dep1 == dep2 {
		t.Error("hosted dependency was cached")
	}
	if !dep1.Equals(dep2.Unit) {
		t.Error("hosted dependencies should share identity")
	}

	shared, err := plugin.LoadAssembly(refToken(2))
	if err != nil {
		t.Fatalf("LoadAssembly(Shared) through parent: %v", err)
	}
	defer shared.Release()
	if shared.HasHostBinder() {
		t.Error("parent-resolved assembly has a host binder")
	}

	if _, err := f.loader.OpenHosted(nil, res.IL, nil, false); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("OpenHosted without host: %v", err)
	}
}

func TestOpenSystemFailures(t *testing.T) {
	empty, err := binder.NewTPA(binder.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer empty.Close()

	tests := []struct {
		name string
		cfg  loader.Config
	}{
		{"no binder", loader.Config{}},
		{"system assembly missing", loader.Config{Binder: empty}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(t, tt.cfg)
			if _, err := l.OpenSystem(); !errors.IsKind(err, errors.KindBootstrapFailure) {
				t.Errorf("OpenSystem: %v, want bootstrap failure", err)
			}
		})
	}
}

func TestOpenMemory(t *testing.T) {
	f := newBindFixture(t, nil)
	data := testimage.MustBuild(testimage.Options{Name: "InMemory"}).Data

	mem, err := f.loader.OpenMemory(f.app.Unit, data, false)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer mem.Release()

	if !mem.IsStream() || mem.Path() != "" || mem.CodeBase() != "" {
		t.Error("in-memory assembly reports a path")
	}
	if mem.EffectivePath() != f.app.Path() || mem.Creator() != f.app.Unit {
		t.Error("creator not recorded")
	}
	if mem.CanUseNativeImage() || mem.HasBindableIdentity() || mem.CanUseWithBindingCache() {
		t.Error("in-memory assembly should not be bindable")
	}
	if !strings.Contains(mem.TextualIdentity(), "Instance=") {
		t.Errorf("TextualIdentity = %q", mem.TextualIdentity())
	}
	if mem.CodeBaseOrName() != "InMemory" {
		t.Errorf("CodeBaseOrName = %q", mem.CodeBaseOrName())
	}

	if _, err := f.loader.OpenMemory(nil, []byte("MZ"), false); err == nil {
		t.Error("garbage accepted")
	}
	noManifest := testimage.MustBuild(testimage.Options{NoAssembly: true}).Data
	if _, err := f.loader.OpenMemory(nil, noManifest, false); !errors.IsKind(err, errors.KindBadImageFormat) {
		t.Errorf("module without manifest: %v", err)
	}
}

func TestCreateDynamic(t *testing.T) {
	l := newLoader(t, loader.Config{})

	d, err := l.Create(nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	if !d.IsDynamic() || d.MetadataState() != loader.MetadataReadWrite {
		t.Error("dynamic assembly state wrong")
	}
	if d.IdentityImage() != nil || d.ILImage() != nil || d.CanUseNativeImage() {
		t.Error("dynamic assembly has images")
	}
	if !d.IsLoaded(false) {
		t.Error("dynamic assembly not loaded")
	}
	if err := d.LoadLibrary(); !errors.IsKind(err, errors.KindLoadFailure) {
		t.Errorf("LoadLibrary: %v", err)
	}
	if err := d.VerifyStrongName(); !errors.IsKind(err, errors.KindSignatureAbsent) {
		t.Errorf("VerifyStrongName: %v", err)
	}
	if d.HasBindableIdentity() {
		t.Error("dynamic assembly is bindable")
	}

	emit, err := d.AssemblyEmitter()
	if err != nil {
		t.Fatal(err)
	}
	if err := emit.SetAssembly(metadata.AssemblyProps{Name: "Dyn", Version: metadata.Version{Major: 1}}); err != nil {
		t.Fatal(err)
	}
	if d.SimpleName() != "Dyn" || d.DebugName() != "Dyn" {
		t.Errorf("names after emit: %q %q", d.SimpleName(), d.DebugName())
	}

	scope := metadata.NewScope(loader.DefaultRuntimeVersion)
	d2, err := l.Create(d.Unit, scope, false)
	if err != nil {
		t.Fatal(err)
	}
	if scope.RefCount() != 2 {
		t.Errorf("scope refs = %d, want 2", scope.RefCount())
	}
	if d.Equals(d2.Unit) || !d.Equals(d.Unit) {
		t.Error("dynamic equality wrong")
	}
	d2.Release()
	if scope.RefCount() != 1 {
		t.Errorf("scope refs after release = %d, want 1", scope.RefCount())
	}
}

func TestPersistentMetadata(t *testing.T) {
	l, err := loader.New(loader.Config{Machine: image.MachineI386})
	if err != nil {
		t.Fatal(err)
	}
	scope := metadata.NewScope(loader.DefaultRuntimeVersion)
	defer scope.Release()

	d, err := l.Create(nil, scope, false)
	if err != nil {
		t.Fatal(err)
	}
	imp, err := d.PersistentMetadataImport()
	if err != nil || imp != metadata.Import(scope) || !d.IsPersistent() {
		t.Fatalf("PersistentMetadataImport = %v, %v", imp, err)
	}
	d.Release()
	if scope.RefCount() != 2 {
		t.Errorf("persistent import released with the unit: refs = %d", scope.RefCount())
	}
	l.Close()
	if scope.RefCount() != 1 {
		t.Errorf("loader did not release persistent import: refs = %d", scope.RefCount())
	}
}

func TestLoadModule(t *testing.T) {
	dir := t.TempDir()
	modPath, _ := writeImage(t, dir, "Extra.netmodule", testimage.Options{ModuleName: "Extra.netmodule", NoAssembly: true})
	writeImage(t, dir, "Manifest.netmodule", testimage.Options{Name: "Manifest"})
	modData, err := os.ReadFile(modPath)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(modData)

	files := []metadata.FileEntry{
		{Name: "Extra.netmodule", HashValue: sum[:]},
		{Name: "Bad.netmodule", HashValue: make([]byte, 20)},
		{Name: "Manifest.netmodule"},
		{Name: "Gone.netmodule"},
	}
	writeImage(t, dir, "Bad.netmodule", testimage.Options{ModuleName: "Bad.netmodule", NoAssembly: true})
	asmPath, _ := writeImage(t, dir, "Multi.dll", testimage.Options{Name: "Multi", Files: files})
	signedPath, _ := writeImage(t, dir, "Signed.dll", testimage.Options{Name: "Signed", Files: files, Key: newKey(t)})

	l := newLoader(t, loader.Config{})

	t.Run("hash checked", func(t *testing.T) {
		a := openFileAssembly(t, l, asmPath)

		m, err := a.LoadModule("extra.netmodule")
		if err != nil {
			t.Fatalf("LoadModule: %v", err)
		}
		if m.Owner() != a || m.Assembly() != a || m.AsModule() != m || !m.IsModule() {
			t.Error("module views wrong")
		}
		if m.ScopeName() != "Extra.netmodule" {
			t.Errorf("ScopeName = %q", m.ScopeName())
		}
		if again, _ := a.LoadModule("Extra.netmodule"); again != m {
			t.Error("module loaded twice")
		}

		tests := []struct {
			file string
			kind errors.Kind
		}{
			{"Bad.netmodule", errors.KindHashMismatch},
			{"Manifest.netmodule", errors.KindBadImageFormat},
			{"Gone.netmodule", errors.KindNotFound},
			{"Unlisted.netmodule", errors.KindNotFound},
		}
		for _, tt := range tests {
			if _, err := a.LoadModule(tt.file); !errors.IsKind(err, tt.kind) {
				t.Errorf("LoadModule(%s): %v, want %s", tt.file, err, tt.kind)
			}
		}

		a.Release()
		expectReleasedPanic(t, "module after owner teardown", func() { m.MetadataImport() })
	})

	t.Run("verified skips hashes", func(t *testing.T) {
		a := openFileAssembly(t, l, signedPath)
		defer a.Release()
		if !a.IsStrongNameVerified() {
			t.Fatal("signed assembly not verified")
		}
		if _, err := a.LoadModule("Bad.netmodule"); err != nil {
			t.Errorf("LoadModule: %v", err)
		}
	})
}

func TestResources(t *testing.T) {
	f := newBindFixture(t, nil)
	dir := filepath.Join(filepath.Dir(f.appDir), "res")
	notes := []byte("linked notes")
	sum := sha1.Sum(notes)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), notes, 0o644); err != nil {
		t.Fatal(err)
	}
	path, _ := writeImage(t, dir, "Res.dll", testimage.Options{
		Name:         "Res",
		AssemblyRefs: []metadata.AssemblyRef{{Name: "Lib", Version: metadata.Version{Major: 1}}},
		Files:        []metadata.FileEntry{{Name: "notes.txt", Flags: metadata.FileContainsNoMetadata, HashValue: sum[:]}},
		Resources: []testimage.Resource{
			{Name: "hello.txt", Data: []byte("hello")},
			{Name: "notes.txt", Implementation: metadata.MakeToken(ecma335.TableFile, 1)},
			{Name: "remote.txt", Implementation: refToken(1)},
		},
	})
	a := openFileAssembly(t, f.loader, path)
	defer a.Release()

	tests := []struct {
		name     string
		want     string
		location loader.ResourceLocation
	}{
		{"hello.txt", "hello", loader.ResourceEmbedded},
		{"notes.txt", "linked notes", loader.ResourceLinkedFile},
		{"remote.txt", "from lib", loader.ResourceInAssembly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Resource(tt.name)
			if err != nil {
				t.Fatalf("Resource: %v", err)
			}
			if string(res.Data) != tt.want || res.Location != tt.location {
				t.Errorf("got %q from %s", res.Data, res.Location)
			}
			if tt.location == loader.ResourceInAssembly && !strings.HasPrefix(res.Assembly, "Lib,") {
				t.Errorf("Assembly = %q", res.Assembly)
			}
		})
	}

	if _, err := a.Resource("missing.txt"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("missing resource: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Resource("notes.txt"); !errors.IsKind(err, errors.KindHashMismatch) {
		t.Errorf("tampered linked resource: %v", err)
	}
}

type countingObserver struct {
	created, dropped int
}

func (o *countingObserver) OnEvent(e registry.Event[*loader.Unit]) {
	switch e.Type {
	case registry.EventCreated:
		o.created++
	case registry.EventDropped:
		o.dropped++
	}
}

func TestUnitRegistry(t *testing.T) {
	l := newLoader(t, loader.Config{})
	obs := &countingObserver{}
	l.Subscribe(obs)

	a := openAssembly(t, l, openImage(t, testimage.Options{Name: "Lib"}))
	u, err := l.Open(openImage(t, testimage.Options{Name: "Other"}))
	if err != nil {
		t.Fatal(err)
	}

	units := l.Units()
	if len(units) != 2 {
		t.Fatalf("Units = %d", len(units))
	}
	if units[0].Name != "Lib" || units[0].Kind != loader.KindAssembly || units[0].RefCount != 1 {
		t.Errorf("first unit = %+v", units[0])
	}
	if got, ok := l.Lookup(units[1].Handle); !ok || got != u {
		t.Error("Lookup did not find the generic unit")
	}

	u.Release()
	a.Release()
	if obs.created != 2 || obs.dropped != 2 {
		t.Errorf("events: created %d, dropped %d", obs.created, obs.dropped)
	}
	l.Unsubscribe(obs)

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Open(openImage(t, testimage.Options{Name: "Late"})); !errors.IsKind(err, errors.KindReleased) {
		t.Errorf("Open after Close: %v", err)
	}
}
