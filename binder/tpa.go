package binder

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
	"github.com/wippyai/peloader/strongname"
)

// DefaultSystemAssembly is bound by BindSystem when no other name is set.
const DefaultSystemAssembly = "System.Private.CoreLib"

// Config configures a TPABinder.
type Config struct {
	// Name overrides the binder name. Defaults to "default".
	Name string

	// TrustedPlatformAssemblies lists the full paths of the trusted set.
	// Assemblies bound from here are marked as from a trusted location.
	TrustedPlatformAssemblies []string

	// AppPaths are probed in order for <name>.dll and <name>.exe when a
	// reference is not on the trusted list.
	AppPaths []string

	// NativeImagePaths are probed for <name>.ni.dll. The directory of the
	// IL image is always probed last.
	NativeImagePaths []string

	// SystemAssembly names the assembly returned by BindSystem.
	SystemAssembly string

	Provider metadata.Provider
	Logger   *zap.Logger
}

// TPABinder is the default binder. It resolves simple names against the
// trusted platform assembly list, then the application paths, and checks
// the bound image's identity against the reference.
type TPABinder struct {
	provider    metadata.Provider
	log         *zap.Logger
	tpa         map[string]string
	images      map[string]*image.Image
	name        string
	system      string
	appPaths    []string
	nativePaths []string
	mu          sync.Mutex
}

var _ Binder = (*TPABinder)(nil)

// NewTPA creates a binder from cfg. Duplicate simple names on the trusted
// list are rejected.
func NewTPA(cfg Config) (*TPABinder, error) {
	b := &TPABinder{
		provider:    cfg.Provider,
		log:         cfg.Logger,
		tpa:         make(map[string]string, len(cfg.TrustedPlatformAssemblies)),
		images:      make(map[string]*image.Image),
		name:        cfg.Name,
		system:      cfg.SystemAssembly,
		appPaths:    append([]string(nil), cfg.AppPaths...),
		nativePaths: append([]string(nil), cfg.NativeImagePaths...),
	}
	if b.provider == nil {
		b.provider = metadata.NewReader()
	}
	if b.log == nil {
		b.log = Logger()
	}
	if b.name == "" {
		b.name = "default"
	}
	if b.system == "" {
		b.system = DefaultSystemAssembly
	}
	for _, p := range cfg.TrustedPlatformAssemblies {
		key := simpleNameKey(p)
		if prev, ok := b.tpa[key]; ok {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Detail("trusted platform assemblies %s and %s share a simple name", prev, p).Build()
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.tpa[key] = abs
	}
	return b, nil
}

func simpleNameKey(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

func (b *TPABinder) Name() string { return b.name }

// SystemAssemblyName returns the simple name BindSystem resolves.
func (b *TPABinder) SystemAssemblyName() string { return b.system }

// IsOnTPAList reports whether name is on the trusted list.
func (b *TPABinder) IsOnTPAList(name string) bool {
	_, ok := b.tpa[strings.ToLower(name)]
	return ok
}

func (b *TPABinder) BindSystem() (*BindResult, error) {
	return b.Bind(metadata.AssemblyRef{Name: b.system})
}

func (b *TPABinder) Bind(ref metadata.AssemblyRef) (*BindResult, error) {
	if ref.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseBind, "assembly reference has no name")
	}

	path, trusted := b.tpa[strings.ToLower(ref.Name)]
	if !trusted {
		path = b.probe(b.appPaths, ref.Name, ".dll", ".exe")
	}
	if path == "" {
		b.log.Debug("bind failed", zap.String("binder", b.name), zap.String("assembly", ref.Name))
		return nil, errors.NotFound(errors.PhaseBind, "assembly", ref.Name)
	}

	il, err := b.open(path)
	if err != nil {
		return nil, err
	}
	if err := b.checkIdentity(il, ref); err != nil {
		il.Release()
		return nil, err
	}

	res := &BindResult{
		IL:                    il,
		IsFromTrustedLocation: trusted,
		IsOnTPAList:           trusted,
	}
	dirs := append(append([]string(nil), b.nativePaths...), filepath.Dir(path))
	if ni := b.probe(dirs, ref.Name, ".ni.dll"); ni != "" {
		native, err := b.open(ni)
		if err != nil {
			b.log.Warn("ignoring unreadable native image", zap.String("path", ni), zap.Error(err))
		} else {
			res.Native = native
		}
	}

	b.log.Debug("bound assembly",
		zap.String("binder", b.name),
		zap.String("assembly", ref.Name),
		zap.String("path", path),
		zap.Bool("trusted", trusted),
		zap.Bool("native", res.Native != nil))
	return res, nil
}

func (b *TPABinder) probe(dirs []string, name string, exts ...string) string {
	for _, dir := range dirs {
		for _, ext := range exts {
			p := filepath.Join(dir, name+ext)
			if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
				return p
			}
		}
	}
	return ""
}

// open returns a fresh clone of the image at path, parsing it once.
func (b *TPABinder) open(path string) (*image.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if img, ok := b.images[path]; ok {
		return img.Clone(), nil
	}
	img, err := image.OpenFile(path)
	if err != nil {
		return nil, err
	}
	b.images[path] = img
	return img.Clone(), nil
}

// checkIdentity verifies that the image's manifest satisfies ref: same
// simple name and culture, a version no older than requested and a
// matching public key token when ref carries one.
func (b *TPABinder) checkIdentity(img *image.Image, ref metadata.AssemblyRef) error {
	data, err := img.MetadataBytes()
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindBadImageFormat, err, "read metadata of "+img.Path())
	}
	imp, err := b.provider.OpenReadOnly(data)
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindBadImageFormat, err, "open metadata of "+img.Path())
	}
	defer imp.Release()

	props, ok := imp.Assembly()
	if !ok {
		return errors.New(errors.PhaseBind, errors.KindBadImageFormat).
			Unit(ref.Name).Detail("%s has no assembly manifest", img.Path()).Build()
	}
	mismatch := func(format string, args ...any) error {
		return errors.New(errors.PhaseBind, errors.KindNotFound).
			Unit(ref.Name).Detail(format, args...).Build()
	}
	if !strings.EqualFold(props.Name, ref.Name) {
		return mismatch("%s defines %s", img.Path(), props.Name)
	}
	if !strings.EqualFold(props.Culture, ref.Culture) {
		return mismatch("culture %q requested, %q found", ref.Culture, props.Culture)
	}
	if props.Version.Less(ref.Version) {
		return mismatch("version %s requested, %s found", ref.Version, props.Version)
	}
	if want := refToken(ref); want != nil {
		if got := strongname.PublicKeyToken(props.PublicKey); !bytes.Equal(got, want) {
			return mismatch("public key token %x requested, %x found", want, got)
		}
	}
	return nil
}

func refToken(ref metadata.AssemblyRef) []byte {
	if len(ref.PublicKeyOrToken) == 0 {
		return nil
	}
	if ref.Flags&metadata.AssemblyFlagPublicKey != 0 {
		return strongname.PublicKeyToken(ref.PublicKeyOrToken)
	}
	return ref.PublicKeyOrToken
}

// Close releases every cached image. Results already handed out stay valid.
func (b *TPABinder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, img := range b.images {
		img.Release()
		delete(b.images, p)
	}
	return nil
}
