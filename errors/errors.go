package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in the resolution pipeline the error occurred
type Phase string

const (
	PhaseDecode    Phase = "decode"    // packed blob decoding
	PhaseArchive   Phase = "archive"   // archive backend access
	PhaseIndex     Phase = "index"     // resource index queries
	PhaseFind      Phase = "find"      // module lookup
	PhaseLoad      Phase = "load"      // module loading
	PhaseExecute   Phase = "execute"   // module code execution
	PhaseExtension Phase = "extension" // native extension loading
)

// Kind categorizes the error
type Kind string

const (
	KindBadMagic               Kind = "bad_magic"
	KindUnsupportedVersion     Kind = "unsupported_version"
	KindOutOfBounds            Kind = "out_of_bounds"
	KindTruncated              Kind = "truncated"
	KindMalformed              Kind = "malformed"
	KindUnsupportedCompression Kind = "unsupported_compression"
	KindNotFound               Kind = "not_found"
	KindInvalidName            Kind = "invalid_name"
	KindInvalidRecord          Kind = "invalid_record"
	KindInvalidImage           Kind = "invalid_image"
	KindEntryMissing           Kind = "entry_missing"
	KindInitFailed             Kind = "init_failed"
	KindWriteFailed            Kind = "write_failed"
	KindExecFailed             Kind = "exec_failed"
	KindClosed                 Kind = "closed"
)

// Error is the structured error type used throughout the library
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Name   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Name != "" {
		b.WriteString(" for ")
		fmt.Fprintf(&b, "%q", e.Name)
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

// Name sets the module or resource name the error refers to
func (b *Builder) Name(name string) *Builder {
	b.err.Name = name
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

// BadMagic creates a format error for an unrecognized magic value
func BadMagic(got, want string) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindBadMagic,
		Detail: fmt.Sprintf("magic %q, want %q", got, want),
	}
}

// UnsupportedVersion creates a format error for a version the decoder rejects
func UnsupportedVersion(got, max uint16) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindUnsupportedVersion,
		Detail: fmt.Sprintf("format version %d, max supported %d", got, max),
	}
}

// OutOfBounds creates a format error for an offset/length pair outside the buffer
func OutOfBounds(name, field string, offset, length uint32, size int) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindOutOfBounds,
		Name:   name,
		Detail: fmt.Sprintf("%s at offset %d length %d exceeds buffer size %d", field, offset, length, size),
	}
}

// Truncated creates a format error for a buffer shorter than its own declarations
func Truncated(what string, need, have int) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindTruncated,
		Detail: fmt.Sprintf("%s needs %d bytes, have %d", what, need, have),
	}
}

// Malformed creates an error for structurally invalid input
func Malformed(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMalformed,
		Detail: detail,
		Cause:  cause,
	}
}

// UnsupportedCompression creates an archive error for a compression method
// the backend cannot decode
func UnsupportedCompression(name string, method uint16) *Error {
	return &Error{
		Phase:  PhaseArchive,
		Kind:   KindUnsupportedCompression,
		Name:   name,
		Detail: fmt.Sprintf("compression method %d", method),
	}
}

// NotFound creates a not-found error. Callers at the index/finder boundary
// convert it to a negative lookup result rather than a hard failure.
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("%s not found", what),
	}
}

// IsNotFound reports whether err is a not-found signal from any phase
func IsNotFound(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}

// InvalidImage creates an extension error for a malformed native payload
func InvalidImage(name string, cause error) *Error {
	return &Error{
		Phase: PhaseExtension,
		Kind:  KindInvalidImage,
		Name:  name,
		Cause: cause,
	}
}

// EntryMissing creates an extension error for an absent init entry point
func EntryMissing(name, symbol string) *Error {
	return &Error{
		Phase:  PhaseExtension,
		Kind:   KindEntryMissing,
		Name:   name,
		Detail: fmt.Sprintf("entry point %q not exported", symbol),
	}
}

// InitFailed creates an extension error for a failed init invocation
func InitFailed(name string, cause error) *Error {
	return &Error{
		Phase: PhaseExtension,
		Kind:  KindInitFailed,
		Name:  name,
		Cause: cause,
	}
}

// WriteFailed creates an extension error for temp-file staging failures
func WriteFailed(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseExtension,
		Kind:   KindWriteFailed,
		Name:   name,
		Detail: "stage payload to temporary file",
		Cause:  cause,
	}
}

// ExecFailed wraps an error raised by module code during execution.
// The cause is preserved verbatim and reachable through Unwrap.
func ExecFailed(name string, cause error) *Error {
	return &Error{
		Phase: PhaseExecute,
		Kind:  KindExecFailed,
		Name:  name,
		Cause: cause,
	}
}

// InvalidRecord creates an error for a record violating structural invariants
func InvalidRecord(phase Phase, name, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidRecord,
		Name:   name,
		Detail: detail,
	}
}

// Closed creates an error for operations on a closed index, source or loader
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}
