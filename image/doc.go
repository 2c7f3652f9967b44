// Package image parses PE/COFF images carrying a CLI header.
//
// An Image holds the flat file bytes and the headers decoded from them.
// Clones share that immutable part and differ only in their loaded layout,
// which Load produces by mapping each section at its RVA. Lookups by RVA go
// through the loaded layout when it exists and fall back to the flat file.
//
// The package answers structural questions only: flags from the CLI header,
// directory locations, hashes of the content and the ranges a strong name
// digest must skip. Metadata decoding lives in package metadata.
package image
