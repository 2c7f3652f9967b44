package loader

import "strings"

// Kind discriminates the unit variants.
type Kind uint8

const (
	// KindImage is a generic unit wrapping an image for metadata queries.
	KindImage Kind = iota
	// KindAssembly is a bindable assembly with a manifest.
	KindAssembly
	// KindModule is a non-primary module of an assembly.
	KindModule
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAssembly:
		return "assembly"
	case KindModule:
		return "module"
	}
	return "unknown"
}

// Flags classify a unit. They are set during construction or by Control and
// are read without locking.
type Flags uint32

const (
	FlagSystem Flags = 1 << iota
	FlagAssembly
	FlagModule
	FlagIntrospectionOnly
	FlagSkipModuleHashChecks
	FlagStream
	FlagHasNativeMetadata
	FlagNativeExclusive
	FlagSafeToHardBind
	FlagDynamic
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagSystem, "system"},
	{FlagAssembly, "assembly"},
	{FlagModule, "module"},
	{FlagIntrospectionOnly, "introspection-only"},
	{FlagSkipModuleHashChecks, "skip-module-hash-checks"},
	{FlagStream, "stream"},
	{FlagHasNativeMetadata, "has-native-metadata"},
	{FlagNativeExclusive, "native-exclusive"},
	{FlagSafeToHardBind, "safe-to-hard-bind"},
	{FlagDynamic, "dynamic"},
}

func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// MetadataState is the position of a unit's metadata in its one-way
// open/upgrade sequence.
type MetadataState uint8

const (
	MetadataUnopened MetadataState = iota
	MetadataReadOnly
	MetadataReadWrite
)

func (s MetadataState) String() string {
	switch s {
	case MetadataUnopened:
		return "unopened"
	case MetadataReadOnly:
		return "read-only"
	case MetadataReadWrite:
		return "read-write"
	}
	return "unknown"
}

// PEKind bits reported by PEKindAndMachine.
type PEKind uint32

const (
	PEKindILOnly         PEKind = 0x01
	PEKindPE32Plus       PEKind = 0x02
	PEKind32BitRequired  PEKind = 0x04
	PEKind32BitUnmanaged PEKind = 0x08
	PEKind32BitPreferred PEKind = 0x10
)
