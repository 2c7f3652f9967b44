// Package errors provides structured error types for the loader.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the display name of the unit involved, a detail message and
// the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindLoadFailure).
//		Unit("System.Runtime").
//		Detail("image machine 0x%x does not match platform 0x%x", img, host).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.BadRVA(rva, size)
//	err := errors.SignatureAbsent(name)
//
// Kinds map onto the loader's failure taxonomy. A bad_image_format unit is unusable,
// a load_failure is cached and returned again without retry, signature_absent and
// signature_invalid are kept apart because policy treats them differently, and
// hash_mismatch is reportable rather than fatal.
//
// All errors implement the standard error interface and support errors.Is/As.
// KindOf and IsKind inspect a wrapped chain by kind alone.
package errors
