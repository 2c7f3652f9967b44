// Package metadata is the metadata provider used by the loader.
//
// A metadata scope is exposed through two reference-counted interfaces:
// Import for reads and Emit for writes. A Provider opens an Import from the
// metadata block of an image and can convert it to an Emit that preserves
// every row already visible through the Import.
//
// The stock Reader decodes only the manifest-level tables the loader needs
// (Module, Assembly, AssemblyRef, File, ManifestResource) but sizes every
// table so that images with full type and member tables decode correctly.
//
//	imp, err := metadata.NewReader().OpenReadOnly(img.MetadataBytes())
//	if err != nil {
//	    return err
//	}
//	defer imp.Release()
//
//	props, ok := imp.Assembly()
//
// Scope is the in-memory model behind both interfaces and doubles as the
// target for dynamically emitted assemblies.
package metadata
