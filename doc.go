// Package peloader loads managed PE/COFF images for a runtime host.
//
// The library sits between raw images carrying CLI metadata and the rest of
// a runtime: it opens images, wraps them in reference-counted units, lazily
// opens their metadata, verifies strong name signatures, binds assembly
// references and maps images for execution.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	peloader/
//	├── loader/       Units, assemblies, modules and the binding cache
//	├── image/        PE/COFF parsing, layouts, RVA resolution, hashing
//	├── metadata/     Manifest tables: read-only decoding, read-write scopes
//	├── binder/       Trusted platform list binder and load contexts
//	├── strongname/   Strong name public keys, tokens and signatures
//	├── registry/     Handle table with lifecycle events
//	├── config/       YAML configuration and environment wiring
//	├── errors/       Structured error types for debugging
//	└── cmd/peinspect Command line inspector
//
// # Quick Start
//
// Build a loader from a configuration and open an assembly:
//
//	cfg, err := config.Load("peloader.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env, err := cfg.NewEnvironment(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	res, err := env.Binder.Bind(metadata.AssemblyRef{Name: "App"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app, err := env.Loader.OpenBound(res, false, false)
//	res.Release()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Release()
//
//	dep, err := app.LoadAssembly(refToken)
//
// # Reference Counting
//
// Units, images and metadata scopes are reference counted. Every
// constructor and every Load/Open call hands the caller one reference,
// which the caller gives back with Release. Using a unit after its last
// reference is gone panics with a released error.
//
// # Thread Safety
//
// Loaders, units and binders are safe for concurrent use. Lazily computed
// state (metadata, the loaded layout, hashes, the native image) is created
// once; racing callers observe the same result.
package peloader
