package binder_test

import (
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/testimage"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/strongname"
)

func write(t *testing.T, dir, file string, opts testimage.Options) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path, _, err := testimage.Write(dir, file, opts)
	if err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
	return path
}

func TestTPABind(t *testing.T) {
	root := t.TempDir()
	tpaDir := filepath.Join(root, "tpa")
	appDir := filepath.Join(root, "app")
	corelib := write(t, tpaDir, "System.Private.CoreLib.dll", testimage.Options{Name: "System.Private.CoreLib", Version: metadata.Version{Major: 8}})
	write(t, appDir, "App.Lib.dll", testimage.Options{Name: "App.Lib", Version: metadata.Version{Major: 1, Minor: 2}})

	b, err := binder.NewTPA(binder.Config{
		TrustedPlatformAssemblies: []string{corelib},
		AppPaths:                  []string{appDir},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.Name() != "default" {
		t.Errorf("Name = %q", b.Name())
	}

	sys, err := b.BindSystem()
	if err != nil {
		t.Fatalf("BindSystem: %v", err)
	}
	defer sys.Release()
	if !sys.IsFromTrustedLocation || !sys.IsOnTPAList {
		t.Error("system assembly not trusted")
	}
	if sys.Host != nil {
		t.Error("default binder set a host")
	}

	res, err := b.Bind(metadata.AssemblyRef{Name: "app.lib", Version: metadata.Version{Major: 1}})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer res.Release()
	if res.IsFromTrustedLocation || res.IsOnTPAList {
		t.Error("app path assembly marked trusted")
	}
	if res.IL == nil || res.Native != nil {
		t.Errorf("IL=%v Native=%v", res.IL != nil, res.Native != nil)
	}
}

func TestTPABindFailures(t *testing.T) {
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	write(t, dir, "Versioned.dll", testimage.Options{Name: "Versioned", Version: metadata.Version{Major: 1}})
	write(t, dir, "Wrong.dll", testimage.Options{Name: "Other"})
	write(t, dir, "French.dll", testimage.Options{Name: "French", Culture: "fr-FR"})
	write(t, dir, "Signed.dll", testimage.Options{Name: "Signed", Key: key})
	os.WriteFile(filepath.Join(dir, "Garbage.dll"), []byte("not an image"), 0o644)

	b, err := binder.NewTPA(binder.Config{AppPaths: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	tests := []struct {
		name string
		ref  metadata.AssemblyRef
		kind errors.Kind
	}{
		{"missing", metadata.AssemblyRef{Name: "Nope"}, errors.KindNotFound},
		{"empty name", metadata.AssemblyRef{}, errors.KindInvalidInput},
		{"too old", metadata.AssemblyRef{Name: "Versioned", Version: metadata.Version{Major: 2}}, errors.KindNotFound},
		{"name mismatch", metadata.AssemblyRef{Name: "Wrong"}, errors.KindNotFound},
		{"culture mismatch", metadata.AssemblyRef{Name: "French"}, errors.KindNotFound},
		{"token mismatch", metadata.AssemblyRef{Name: "Signed", PublicKeyOrToken: make([]byte, 8)}, errors.KindNotFound},
		{"corrupt", metadata.AssemblyRef{Name: "Garbage"}, errors.KindBadImageFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.Bind(tt.ref)
			if err == nil {
				res.Release()
				t.Fatal("expected error")
			}
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}

	t.Run("token match", func(t *testing.T) {
		pub := strongname.EncodePublicKey(&key.PublicKey, image.HashSHA1)
		res, err := b.Bind(metadata.AssemblyRef{Name: "Signed", PublicKeyOrToken: strongname.PublicKeyToken(pub)})
		if err != nil {
			t.Fatal(err)
		}
		res.Release()

		res, err = b.Bind(metadata.AssemblyRef{Name: "Signed", PublicKeyOrToken: pub, Flags: metadata.AssemblyFlagPublicKey})
		if err != nil {
			t.Fatalf("full key ref: %v", err)
		}
		res.Release()
	})
}

func TestTPADuplicateSimpleName(t *testing.T) {
	_, err := binder.NewTPA(binder.Config{
		TrustedPlatformAssemblies: []string{"/a/Lib.dll", "/b/lib.dll"},
	})
	if !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("err = %v", err)
	}
}

func TestTPANativeImageProbe(t *testing.T) {
	root := t.TempDir()
	ilDir := filepath.Join(root, "il")
	niDir := filepath.Join(root, "ni")
	write(t, ilDir, "Lib.dll", testimage.Options{Name: "Lib"})
	write(t, niDir, "Lib.ni.dll", testimage.Options{Name: "Lib", NativeImage: true})
	write(t, ilDir, "Side.dll", testimage.Options{Name: "Side"})
	write(t, ilDir, "Side.ni.dll", testimage.Options{Name: "Side", NativeImage: true})

	b, err := binder.NewTPA(binder.Config{AppPaths: []string{ilDir}, NativeImagePaths: []string{niDir}})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for _, name := range []string{"Lib", "Side"} {
		res, err := b.Bind(metadata.AssemblyRef{Name: name})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if res.Native == nil || !res.Native.IsNativeImage() {
			t.Errorf("%s: native image not found", name)
		}
		res.Release()
	}
}

func TestTPAImageCache(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "Lib.dll", testimage.Options{Name: "Lib"})
	b, _ := binder.NewTPA(binder.Config{AppPaths: []string{dir}})
	defer b.Close()

	r1, err := b.Bind(metadata.AssemblyRef{Name: "Lib"})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := b.Bind(metadata.AssemblyRef{Name: "Lib"})
	if err != nil {
		t.Fatal(err)
	}
	defer r1.Release()
	defer r2.Release()
	if r1.IL == r2.IL {
		t.Error("binder handed out the same clone twice")
	}
	if !r1.IL.Equals(r2.IL) {
		t.Error("clones of one file are not equal")
	}
}

func TestContextBinder(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(root, "shared")
	plugin := filepath.Join(root, "plugin")
	write(t, shared, "Shared.dll", testimage.Options{Name: "Shared"})
	write(t, plugin, "Plugin.dll", testimage.Options{Name: "Plugin"})

	parent, _ := binder.NewTPA(binder.Config{AppPaths: []string{shared}})
	defer parent.Close()
	ctx, err := binder.NewContext("plugin", parent, plugin)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	res, err := ctx.Bind(metadata.AssemblyRef{Name: "Plugin"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Host != ctx {
		t.Error("own assembly not hosted by context")
	}
	res.Release()

	res, err = ctx.Bind(metadata.AssemblyRef{Name: "Shared"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Host != nil {
		t.Error("delegated assembly carries the context as host")
	}
	res.Release()

	if ctx.Parent() != parent {
		t.Error("Parent mismatch")
	}
	if _, err := binder.NewContext("orphan", nil); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("nil parent err = %v", err)
	}
}
