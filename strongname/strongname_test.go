package strongname_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/internal/testimage"
	"github.com/wippyai/peloader/strongname"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func TestPublicKeyRoundTrip(t *testing.T) {
	k := key(t)
	for _, alg := range []image.HashAlgorithm{image.HashSHA1, image.HashSHA256} {
		blob := strongname.EncodePublicKey(&k.PublicKey, alg)
		pk, err := strongname.ParsePublicKey(blob)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if pk.RSA.N.Cmp(k.N) != 0 || pk.RSA.E != k.E {
			t.Errorf("%s: key mismatch", alg)
		}
		if pk.HashAlg != alg {
			t.Errorf("HashAlg = %s, want %s", pk.HashAlg, alg)
		}
	}
}

func TestParsePublicKeyErrors(t *testing.T) {
	good := strongname.EncodePublicKey(&key(t).PublicKey, image.HashSHA1)
	badMagic := bytes.Clone(good)
	badMagic[20] = 'X'
	badLen := bytes.Clone(good)
	badLen[8]++

	tests := []struct {
		name string
		blob []byte
		kind errors.Kind
	}{
		{"empty", nil, errors.KindInvalidInput},
		{"truncated", good[:20], errors.KindInvalidInput},
		{"bad magic", badMagic, errors.KindInvalidInput},
		{"bad length", badLen, errors.KindInvalidInput},
		{"ecma key", []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}, errors.KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := strongname.ParsePublicKey(tt.blob)
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestPublicKeyToken(t *testing.T) {
	blob := strongname.EncodePublicKey(&key(t).PublicKey, image.HashSHA1)
	tok := strongname.PublicKeyToken(blob)
	if len(tok) != 8 {
		t.Fatalf("token length %d", len(tok))
	}
	if !bytes.Equal(tok, strongname.PublicKeyToken(bytes.Clone(blob))) {
		t.Error("token not deterministic")
	}
	if strongname.PublicKeyToken(nil) != nil {
		t.Error("empty key has a token")
	}
	// The well-known token of the neutral key.
	ecma := []byte{0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0}
	want := []byte{0xb7, 0x7a, 0x5c, 0x56, 0x19, 0x34, 0xe0, 0x89}
	if got := strongname.PublicKeyToken(ecma); !bytes.Equal(got, want) {
		t.Errorf("ecma token = %x, want %x", got, want)
	}
}

func TestVerify(t *testing.T) {
	k := key(t)
	tests := []struct {
		name string
		opts testimage.Options
		kind errors.Kind
	}{
		{"valid sha1", testimage.Options{Name: "S", Key: k}, ""},
		{"valid sha256", testimage.Options{Name: "S", Key: k, HashAlgID: image.HashSHA256}, ""},
		{"valid with certificates", testimage.Options{Name: "S", Key: k, Certificates: make([]byte, 16)}, ""},
		{"corrupt", testimage.Options{Name: "S", Key: k, CorruptSignature: true}, errors.KindSignatureInvalid},
		{"delay signed", testimage.Options{Name: "S", PublicKey: strongname.EncodePublicKey(&k.PublicKey, image.HashSHA1)}, errors.KindSignatureAbsent},
		{"unsigned", testimage.Options{Name: "S"}, errors.KindSignatureAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testimage.MustBuild(tt.opts)
			img, err := image.OpenBytes(b.Data)
			if err != nil {
				t.Fatal(err)
			}
			err = strongname.Verify(img, b.PublicKey)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				return
			}
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	b := testimage.MustBuild(testimage.Options{Name: "T", Key: key(t)})
	data := bytes.Clone(b.Data)
	data[len(data)-1] ^= 0xFF
	img, err := image.OpenBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := strongname.Verify(img, b.PublicKey); !errors.IsKind(err, errors.KindSignatureInvalid) {
		t.Errorf("tampered image err = %v", err)
	}
}

func TestDigestIgnoresChecksum(t *testing.T) {
	b := testimage.MustBuild(testimage.Options{Name: "D", Key: key(t)})
	img, _ := image.OpenBytes(b.Data)
	d1, err := strongname.Digest(img, image.HashSHA1)
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Clone(b.Data)
	off := img.StrongNameHashRegions().ChecksumOffset
	data[off] = 0x55
	img2, _ := image.OpenBytes(data)
	d2, _ := strongname.Digest(img2, image.HashSHA1)
	if !bytes.Equal(d1, d2) {
		t.Error("checksum change altered digest")
	}
	if err := strongname.Verify(img2, b.PublicKey); err != nil {
		t.Errorf("Verify after checksum change: %v", err)
	}
}
