// Package binder resolves assembly references to images.
//
// TPABinder is the default context. It looks a simple name up on the trusted
// platform assembly list first, then probes the application paths, opens the
// image and checks its manifest against the reference. A native image named
// <name>.ni.dll found on the native image paths, or next to the IL image, is
// returned alongside it; the loader decides whether it is usable.
//
// ContextBinder models a private load context. Assemblies it finds itself
// carry it as their host binder, which keeps them out of identity-keyed
// caches shared with the default context.
package binder
