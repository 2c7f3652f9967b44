package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/loader"
)

// Config is the on-disk form of a loader setup.
type Config struct {
	// Machine names the target architecture (i386, amd64, arm, arm64).
	// Empty means the host.
	Machine string `yaml:"machine,omitempty"`

	// RuntimeVersion is the metadata version the loader emulates, e.g.
	// "v4.0.30319". Images built for a newer major version are refused.
	RuntimeVersion string `yaml:"runtime_version,omitempty"`

	StrongNameBypass bool         `yaml:"strong_name_bypass,omitempty"`
	NativeImages     NativeImages `yaml:"native_images,omitempty"`

	// TrustedPlatformAssemblies lists assembly paths. Entries may be glob
	// patterns; relative entries resolve against the config file.
	TrustedPlatformAssemblies []string `yaml:"trusted_platform_assemblies,omitempty"`
	AppPaths                  []string `yaml:"app_paths,omitempty"`
	NativeImagePaths          []string `yaml:"native_image_paths,omitempty"`

	// ProfileAssemblies restricts the profile to the named TPA assemblies.
	ProfileAssemblies []string `yaml:"profile_assemblies,omitempty"`

	SystemAssembly string `yaml:"system_assembly,omitempty"`

	// LogLevel is a zap level name: debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// NativeImages controls native image use.
type NativeImages struct {
	Disabled  bool `yaml:"disabled,omitempty"`
	TreatAsIL bool `yaml:"treat_as_il,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		RuntimeVersion: loader.DefaultRuntimeVersion,
		SystemAssembly: binder.DefaultSystemAssembly,
		LogLevel:       "info",
	}
}

// Load reads and validates the YAML file at path. Relative paths in the
// file resolve against its directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Detail("read config %s", path).Cause(err).Build()
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML over Default and validates the result. Unknown fields
// are rejected. baseDir anchors relative paths; empty leaves them as is.
func Parse(data []byte, baseDir string) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse config")
	}
	if baseDir != "" {
		c.resolve(baseDir)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) resolve(base string) {
	abs := func(list []string) {
		for i, p := range list {
			if p != "" && !filepath.IsAbs(p) {
				list[i] = filepath.Join(base, p)
			}
		}
	}
	abs(c.TrustedPlatformAssemblies)
	abs(c.AppPaths)
	abs(c.NativeImagePaths)
}

// Validate checks every field that has a fixed vocabulary.
func (c *Config) Validate() error {
	if _, err := c.MachineValue(); err != nil {
		return err
	}
	if v := c.RuntimeVersion; v != "" {
		if !strings.HasPrefix(v, "v") {
			return errors.InvalidInput(errors.PhaseConfig, "runtime_version must start with 'v': "+v)
		}
		num, _, _ := strings.Cut(v[1:], ".")
		if _, err := strconv.Atoi(num); err != nil {
			return errors.InvalidInput(errors.PhaseConfig, "runtime_version has no major number: "+v)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for _, p := range c.TrustedPlatformAssemblies {
		if _, err := filepath.Match(p, ""); err != nil {
			return errors.InvalidInput(errors.PhaseConfig, "bad trusted_platform_assemblies pattern "+p)
		}
	}
	return nil
}

// MachineValue returns the COFF machine, the host when Machine is empty.
func (c *Config) MachineValue() (uint16, error) {
	if c.Machine == "" {
		return image.HostMachine(), nil
	}
	m, ok := image.ParseMachine(c.Machine)
	if !ok {
		return 0, errors.InvalidInput(errors.PhaseConfig, "unknown machine "+c.Machine)
	}
	return m, nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log_level")
	}
	return lvl, nil
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := c.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// TrustedAssemblies expands glob entries into a sorted list of files.
// Literal entries are kept even when they do not exist.
func (c *Config) TrustedAssemblies() ([]string, error) {
	var out []string
	for _, p := range c.TrustedPlatformAssemblies {
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, errors.InvalidInput(errors.PhaseConfig, "bad trusted_platform_assemblies pattern "+p)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

// Binder creates the default binder described by c.
func (c *Config) Binder(log *zap.Logger) (*binder.TPABinder, error) {
	tpa, err := c.TrustedAssemblies()
	if err != nil {
		return nil, err
	}
	return binder.NewTPA(binder.Config{
		TrustedPlatformAssemblies: tpa,
		AppPaths:                  c.AppPaths,
		NativeImagePaths:          c.NativeImagePaths,
		SystemAssembly:            c.SystemAssembly,
		Logger:                    log,
	})
}

// LoaderConfig maps c onto a loader configuration using b as the default
// binder.
func (c *Config) LoaderConfig(b binder.Binder, log *zap.Logger) (loader.Config, error) {
	m, err := c.MachineValue()
	if err != nil {
		return loader.Config{}, err
	}
	return loader.Config{
		Binder:              b,
		Logger:              log,
		Machine:             m,
		RuntimeVersion:      c.RuntimeVersion,
		SystemAssemblyName:  c.SystemAssembly,
		ProfileAssemblies:   c.ProfileAssemblies,
		StrongNameBypass:    c.StrongNameBypass,
		DisableNativeImages: c.NativeImages.Disabled,
		TreatNativeAsIL:     c.NativeImages.TreatAsIL,
	}, nil
}

// Environment is a loader together with the binder it was built on.
type Environment struct {
	Loader *loader.Loader
	Binder *binder.TPABinder
}

// NewEnvironment builds the binder and the loader described by c. A nil
// log uses the packages' default loggers.
func (c *Config) NewEnvironment(log *zap.Logger) (*Environment, error) {
	b, err := c.Binder(log)
	if err != nil {
		return nil, err
	}
	lc, err := c.LoaderConfig(b, log)
	if err != nil {
		b.Close()
		return nil, err
	}
	l, err := loader.New(lc)
	if err != nil {
		b.Close()
		return nil, err
	}
	return &Environment{Loader: l, Binder: b}, nil
}

// Close closes the loader, then the binder.
func (e *Environment) Close() error {
	lerr := e.Loader.Close()
	berr := e.Binder.Close()
	if lerr != nil {
		return lerr
	}
	return berr
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "encode config")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
