package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseOpen      Phase = "open"      // image and unit construction
	PhaseLoad      Phase = "load"      // mapping the executable image
	PhaseMetadata  Phase = "metadata"  // metadata interface open/upgrade
	PhaseHash      Phase = "hash"      // content hashing
	PhaseVerify    Phase = "verify"    // strong name verification
	PhaseBind      Phase = "bind"      // binder resolution
	PhaseResolve   Phase = "resolve"   // RVA and resource resolution
	PhaseBootstrap Phase = "bootstrap" // system assembly
	PhaseConfig    Phase = "config"    // configuration parsing
)

// Kind categorizes the error
type Kind string

const (
	KindBadImageFormat     Kind = "bad_image_format"
	KindLoadFailure        Kind = "load_failure"
	KindSignatureAbsent    Kind = "signature_absent"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindHashMismatch       Kind = "hash_mismatch"
	KindMetadataConversion Kind = "metadata_conversion"
	KindBootstrapFailure   Kind = "bootstrap_failure"
	KindReleased           Kind = "released"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindUnsupported        Kind = "unsupported"
	KindOutOfBounds        Kind = "out_of_bounds"
)

// Error is the structured error type used throughout the loader
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Unit   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Unit != "" {
		b.WriteString(" (")
		b.WriteString(e.Unit)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind, regardless of phase.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Unit sets the display name of the unit the error refers to
func (b *Builder) Unit(name string) *Builder {
	b.err.Unit = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// BadImageFormat creates a malformed image error
func BadImageFormat(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadImageFormat,
		Detail: detail,
	}
}

// BadRVA creates a bad-image-format error for an RVA that does not resolve
func BadRVA(rva uint32, size uint32) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindBadImageFormat,
		Detail: fmt.Sprintf("rva 0x%x (size %d) outside image", rva, size),
		Value:  rva,
	}
}

// LoadFailure creates a load failure error
func LoadFailure(unit, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoadFailure,
		Unit:   unit,
		Detail: detail,
		Cause:  cause,
	}
}

// SignatureAbsent creates an error for a unit without a strong name signature
func SignatureAbsent(unit string) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindSignatureAbsent,
		Unit:   unit,
		Detail: "no strong name signature",
	}
}

// SignatureInvalid creates an error for a strong name signature that does not verify
func SignatureInvalid(unit string, cause error) *Error {
	return &Error{
		Phase:  PhaseVerify,
		Kind:   KindSignatureInvalid,
		Unit:   unit,
		Detail: "strong name signature validation failed",
		Cause:  cause,
	}
}

// HashMismatch creates a hash mismatch error
func HashMismatch(unit, detail string) *Error {
	return &Error{
		Phase:  PhaseHash,
		Kind:   KindHashMismatch,
		Unit:   unit,
		Detail: detail,
	}
}

// MetadataConversion creates an error for a failed read-only to read-write upgrade
func MetadataConversion(unit string, cause error) *Error {
	return &Error{
		Phase:  PhaseMetadata,
		Kind:   KindMetadataConversion,
		Unit:   unit,
		Detail: "convert metadata to read-write",
		Cause:  cause,
	}
}

// BootstrapFailure creates a fatal system assembly error
func BootstrapFailure(cause error) *Error {
	return &Error{
		Phase:  PhaseBootstrap,
		Kind:   KindBootstrapFailure,
		Detail: "open system assembly",
		Cause:  cause,
	}
}

// Released creates a contract violation error for use after final release
func Released(what string) *Error {
	return &Error{
		Phase:  PhaseOpen,
		Kind:   KindReleased,
		Detail: fmt.Sprintf("%s used after final release", what),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, what string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("%s %d out of bounds (length %d)", what, index, length),
		Value:  index,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Open creates an image open error
func Open(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseOpen,
		Kind:   KindBadImageFormat,
		Detail: detail,
		Cause:  cause,
	}
}
