package loader

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/metadata"
)

// DefaultRuntimeVersion is the metadata version string of the runtime the
// loader emulates when Config leaves it empty.
const DefaultRuntimeVersion = "v4.0.30319"

// Config carries every policy input of a Loader. Nothing here is read from
// process-wide state.
type Config struct {
	// Provider opens metadata. Defaults to metadata.NewReader().
	Provider metadata.Provider

	// Binder is the default binding context used for dependencies of units
	// that have no host or fallback binder, and for the system assembly.
	Binder binder.Binder

	Logger *zap.Logger

	// RuntimeVersion is compared against an image's metadata version to
	// refuse side-by-side loads of images built for a newer runtime.
	RuntimeVersion string

	// SystemAssemblyName is informational; the binder decides what
	// BindSystem returns.
	SystemAssemblyName string

	// ProfileAssemblies restricts which trusted platform assemblies count
	// as profile assemblies. Empty means all of them.
	ProfileAssemblies []string

	// Machine is the COFF machine executable images must target.
	// Defaults to the host.
	Machine uint16

	// StrongNameBypass skips strong name verification of signed images.
	StrongNameBypass bool

	// DisableNativeImages clears the native image gate of every unit.
	DisableNativeImages bool

	// TreatNativeAsIL declines native images offered by binders.
	TreatNativeAsIL bool
}

// DefaultConfig returns a configuration for the host machine.
func DefaultConfig() Config {
	return Config{
		Machine:            image.HostMachine(),
		RuntimeVersion:     DefaultRuntimeVersion,
		SystemAssemblyName: binder.DefaultSystemAssembly,
	}
}

func (c *Config) normalize() error {
	if c.Machine == 0 {
		c.Machine = image.HostMachine()
	}
	switch c.Machine {
	case image.MachineI386, image.MachineAMD64, image.MachineARM, image.MachineARM64:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("unsupported machine 0x%04x", c.Machine).Build()
	}
	if c.RuntimeVersion == "" {
		c.RuntimeVersion = DefaultRuntimeVersion
	}
	if _, ok := runtimeMajor(c.RuntimeVersion); !ok {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Detail("runtime version %q is not of the form vN.N", c.RuntimeVersion).Build()
	}
	if c.SystemAssemblyName == "" {
		c.SystemAssemblyName = binder.DefaultSystemAssembly
	}
	if c.Provider == nil {
		c.Provider = metadata.NewReader()
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return nil
}

// runtimeMajor extracts N from a "vN.M..." version string.
func runtimeMajor(v string) (int, bool) {
	if len(v) < 2 || (v[0] != 'v' && v[0] != 'V') {
		return 0, false
	}
	num := v[1:]
	if i := strings.IndexByte(num, '.'); i >= 0 {
		num = num[:i]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
