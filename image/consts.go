package image

import (
	"crypto"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	goruntime "runtime"
	"strings"

	"github.com/wippyai/peloader/errors"
)

// Machine types from the COFF file header.
const (
	MachineUnknown uint16 = 0x0000
	MachineI386    uint16 = 0x014c
	MachineARM     uint16 = 0x01c4
	MachineAMD64   uint16 = 0x8664
	MachineARM64   uint16 = 0xaa64
)

// HostMachine returns the COFF machine of the running process.
func HostMachine() uint16 {
	switch goruntime.GOARCH {
	case "386":
		return MachineI386
	case "arm":
		return MachineARM
	case "arm64":
		return MachineARM64
	default:
		return MachineAMD64
	}
}

// MachineName returns a short name for a COFF machine value.
func MachineName(m uint16) string {
	switch m {
	case MachineI386:
		return "i386"
	case MachineARM:
		return "arm"
	case MachineAMD64:
		return "amd64"
	case MachineARM64:
		return "arm64"
	case MachineUnknown:
		return "unknown"
	}
	return fmt.Sprintf("0x%04x", m)
}

// ParseMachine is the inverse of MachineName.
func ParseMachine(name string) (uint16, bool) {
	switch strings.ToLower(name) {
	case "i386", "x86", "386":
		return MachineI386, true
	case "arm":
		return MachineARM, true
	case "amd64", "x64", "x86_64":
		return MachineAMD64, true
	case "arm64", "aarch64":
		return MachineARM64, true
	}
	return 0, false
}

// COFF characteristics.
const (
	characteristicDLL uint16 = 0x2000
)

// Data directory indices.
const (
	DirectorySecurity      = 4
	DirectoryTLS           = 9
	DirectoryComDescriptor = 14
)

// CLI header flags (COMIMAGE_FLAGS_*).
const (
	CorFlagILOnly           uint32 = 0x00000001
	CorFlag32BitRequired    uint32 = 0x00000002
	CorFlagILLibrary        uint32 = 0x00000004
	CorFlagStrongNameSigned uint32 = 0x00000008
	CorFlagNativeEntrypoint uint32 = 0x00000010
	CorFlagTrackDebugData   uint32 = 0x00010000
	CorFlag32BitPreferred   uint32 = 0x00020000
)

// V-table fixup entry types (COR_VTABLE_*).
const (
	VTable32Bit           uint16 = 0x01
	VTable64Bit           uint16 = 0x02
	VTableFromUnmanaged   uint16 = 0x04
	VTableCallMostDerived uint16 = 0x10
)

// ReadyToRunSignature is the "RTR" magic of a ReadyToRun header.
const ReadyToRunSignature uint32 = 0x00525452

// CorHeaderSize is the on-disk size of the CLI header.
const CorHeaderSize = 72

// HashAlgorithm is an ALG_ID naming a content hash.
type HashAlgorithm uint32

const (
	HashMD5    HashAlgorithm = 0x8003
	HashSHA1   HashAlgorithm = 0x8004
	HashSHA256 HashAlgorithm = 0x800c
	HashSHA384 HashAlgorithm = 0x800d
	HashSHA512 HashAlgorithm = 0x800e
)

func (a HashAlgorithm) crypto() (crypto.Hash, bool) {
	switch a {
	case HashMD5:
		return crypto.MD5, true
	case HashSHA1:
		return crypto.SHA1, true
	case HashSHA256:
		return crypto.SHA256, true
	case HashSHA384:
		return crypto.SHA384, true
	case HashSHA512:
		return crypto.SHA512, true
	}
	return 0, false
}

// Crypto returns the crypto.Hash for a.
func (a HashAlgorithm) Crypto() (crypto.Hash, error) {
	h, ok := a.crypto()
	if !ok {
		return 0, errors.New(errors.PhaseHash, errors.KindUnsupported).
			Detail("hash algorithm 0x%04x", uint32(a)).Value(uint32(a)).Build()
	}
	return h, nil
}

// New returns a fresh hash.Hash for a.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashMD5:
		return md5.New(), nil
	case HashSHA1:
		return sha1.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA384:
		return sha512.New384(), nil
	case HashSHA512:
		return sha512.New(), nil
	}
	_, err := a.Crypto()
	return nil, err
}

func (a HashAlgorithm) String() string {
	switch a {
	case HashMD5:
		return "md5"
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	case HashSHA384:
		return "sha384"
	case HashSHA512:
		return "sha512"
	}
	return fmt.Sprintf("alg(0x%04x)", uint32(a))
}

// ParseHashAlgorithm maps a name such as "sha256" to its ALG_ID.
func ParseHashAlgorithm(name string) (HashAlgorithm, bool) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "md5":
		return HashMD5, true
	case "sha1":
		return HashSHA1, true
	case "sha256":
		return HashSHA256, true
	case "sha384":
		return HashSHA384, true
	case "sha512":
		return HashSHA512, true
	}
	return 0, false
}
