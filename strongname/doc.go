// Package strongname decodes strong name public keys and verifies the RSA
// signatures stored in signed images.
//
// Keys use the PublicKeyBlob layout found in the Assembly table. Signatures
// are PKCS#1 v1.5 over a digest of the image with the checksum, the security
// directory entry, the signature itself and any certificates zeroed.
package strongname
