// Package loader turns PE images into loadable units of managed code.
//
// A Loader creates three kinds of unit. A generic image unit answers
// metadata queries about any managed image. An Assembly has a manifest
// and is created from a binder result, from bytes in memory or, for
// dynamic emission, from an empty metadata scope. A Module is a
// non-primary file of a multi-file assembly.
//
// Every unit is reference counted. Accessors are safe for concurrent use
// and never block on each other except where a unit opens, upgrades or
// maps state for the first time:
//
//   - the IL image is cloned from the identity image on first use;
//   - metadata opens read-only on first use and may be upgraded once to
//     read-write, after which readers see the writable scope while the
//     previous import stays valid until teardown;
//   - LoadLibrary maps the executable image once and caches failures;
//   - the native image gate only ever closes.
//
// Strong name signatures are checked once while an assembly is opened.
// Dependencies resolve through the unit's binding context and shareable
// results are cached per binder.
package loader
