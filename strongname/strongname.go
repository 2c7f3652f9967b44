package strongname

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"math/big"
	"slices"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
)

// Key blob constants (wincrypt.h).
const (
	algRSASign     uint32 = 0x2400
	publicKeyBlob  byte   = 0x06
	blobVersion    byte   = 0x02
	rsa1Magic      uint32 = 0x31415352
	blobHeaderSize        = 8
	rsaPubKeySize         = 12
)

// ecmaKey is the neutral public key that framework assemblies carry in
// place of a real one.
var ecmaKey = []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}

// PublicKey is a decoded strong name public key blob.
type PublicKey struct {
	RSA     *rsa.PublicKey
	HashAlg image.HashAlgorithm
}

// IsECMAKey reports whether blob is the neutral framework key.
func IsECMAKey(blob []byte) bool {
	return bytes.Equal(blob, ecmaKey)
}

// ParsePublicKey decodes a PublicKeyBlob as stored in the Assembly table.
func ParsePublicKey(blob []byte) (*PublicKey, error) {
	if IsECMAKey(blob) {
		return nil, errors.Unsupported(errors.PhaseVerify, "neutral framework key cannot verify signatures")
	}
	if len(blob) < 12+blobHeaderSize+rsaPubKeySize {
		return nil, errors.InvalidInput(errors.PhaseVerify, "public key blob truncated")
	}
	sigAlg := binary.LittleEndian.Uint32(blob[0:])
	hashAlg := image.HashAlgorithm(binary.LittleEndian.Uint32(blob[4:]))
	cb := binary.LittleEndian.Uint32(blob[8:])
	key := blob[12:]
	if int(cb) != len(key) {
		return nil, errors.New(errors.PhaseVerify, errors.KindInvalidInput).
			Detail("public key length %d, blob carries %d", cb, len(key)).Build()
	}
	if sigAlg != 0 && sigAlg != algRSASign {
		return nil, errors.New(errors.PhaseVerify, errors.KindUnsupported).
			Detail("signature algorithm 0x%04x", sigAlg).Build()
	}
	if key[0] != publicKeyBlob || key[1] != blobVersion {
		return nil, errors.InvalidInput(errors.PhaseVerify, "not a PUBLICKEYBLOB")
	}
	rk := key[blobHeaderSize:]
	if binary.LittleEndian.Uint32(rk) != rsa1Magic {
		return nil, errors.InvalidInput(errors.PhaseVerify, "not an RSA1 key")
	}
	bits := binary.LittleEndian.Uint32(rk[4:])
	exp := binary.LittleEndian.Uint32(rk[8:])
	mod := rk[12:]
	if bits == 0 || bits%8 != 0 || int(bits/8) != len(mod) {
		return nil, errors.New(errors.PhaseVerify, errors.KindInvalidInput).
			Detail("modulus is %d bytes for %d bits", len(mod), bits).Build()
	}
	if hashAlg == 0 {
		hashAlg = image.HashSHA1
	}
	if _, err := hashAlg.Crypto(); err != nil {
		return nil, err
	}
	be := slices.Clone(mod)
	slices.Reverse(be)
	return &PublicKey{
		RSA:     &rsa.PublicKey{N: new(big.Int).SetBytes(be), E: int(exp)},
		HashAlg: hashAlg,
	}, nil
}

// EncodePublicKey builds the PublicKeyBlob for pub.
func EncodePublicKey(pub *rsa.PublicKey, alg image.HashAlgorithm) []byte {
	size := (pub.N.BitLen() + 7) / 8
	mod := pub.N.FillBytes(make([]byte, size))
	slices.Reverse(mod)

	cb := blobHeaderSize + rsaPubKeySize + size
	out := make([]byte, 12, 12+cb)
	binary.LittleEndian.PutUint32(out[0:], algRSASign)
	binary.LittleEndian.PutUint32(out[4:], uint32(alg))
	binary.LittleEndian.PutUint32(out[8:], uint32(cb))
	out = append(out, publicKeyBlob, blobVersion, 0, 0)
	out = binary.LittleEndian.AppendUint32(out, algRSASign)
	out = binary.LittleEndian.AppendUint32(out, rsa1Magic)
	out = binary.LittleEndian.AppendUint32(out, uint32(size*8))
	out = binary.LittleEndian.AppendUint32(out, uint32(pub.E))
	return append(out, mod...)
}

// PublicKeyToken returns the 8-byte token of a public key blob: the last
// eight bytes of its SHA-1, reversed.
func PublicKeyToken(blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	sum := sha1.Sum(blob)
	tok := slices.Clone(sum[len(sum)-8:])
	slices.Reverse(tok)
	return tok
}

// Digest hashes img with the ranges that signing alters zeroed: the
// optional header checksum, the security directory entry, the signature
// blob and any Authenticode certificates.
func Digest(img *image.Image, alg image.HashAlgorithm) ([]byte, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	data := slices.Clone(img.Content())
	r := img.StrongNameHashRegions()
	zero := func(off, n int) {
		if off < 0 || n <= 0 || off >= len(data) {
			return
		}
		clear(data[off:min(off+n, len(data))])
	}
	zero(r.ChecksumOffset, 4)
	zero(r.SecurityDirOffset, 8)
	zero(r.Signature[0], r.Signature[1])
	zero(r.Certificates[0], r.Certificates[1])
	h.Write(data)
	return h.Sum(nil), nil
}

// Verify checks the strong name signature of img against the public key
// blob from its manifest.
func Verify(img *image.Image, publicKey []byte) error {
	name := img.Path()
	sig, err := img.StrongNameSignature()
	if err != nil {
		return errors.SignatureInvalid(name, err)
	}
	if len(sig) == 0 || !img.IsStrongNameSigned() {
		return errors.SignatureAbsent(name)
	}
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return errors.SignatureInvalid(name, err)
	}
	if len(sig) != key.RSA.Size() {
		return errors.SignatureInvalid(name, errors.New(errors.PhaseVerify, errors.KindInvalidInput).
			Detail("signature is %d bytes, key needs %d", len(sig), key.RSA.Size()).Build())
	}
	digest, err := Digest(img, key.HashAlg)
	if err != nil {
		return errors.SignatureInvalid(name, err)
	}
	ch, _ := key.HashAlg.Crypto()
	be := slices.Clone(sig)
	slices.Reverse(be)
	if err := rsa.VerifyPKCS1v15(key.RSA, ch, digest, be); err != nil {
		return errors.SignatureInvalid(name, err)
	}
	return nil
}

// Sign computes the signature blob for img, in the little-endian order it
// is stored in the image.
func Sign(img *image.Image, key *rsa.PrivateKey, alg image.HashAlgorithm) ([]byte, error) {
	digest, err := Digest(img, alg)
	if err != nil {
		return nil, err
	}
	ch, err := alg.Crypto()
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, ch, digest)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVerify, errors.KindSignatureInvalid, err, "sign image")
	}
	slices.Reverse(sig)
	return sig, nil
}
