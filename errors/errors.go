package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage produced the error
type Phase string

const (
	PhaseResolve Phase = "resolve" // target resolution
	PhaseDecode  Phase = "decode"  // module decoding and validation
	PhaseCompile Phase = "compile" // native code generation
	PhaseEmit    Phase = "emit"    // object file serialization
	PhaseLink    Phase = "link"    // external linker invocation
	PhaseIO      Phase = "io"      // artifact storage
	PhaseConfig  Phase = "config"  // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedTarget Kind = "unsupported_target"
	KindInvalidModule     Kind = "invalid_module"
	KindCompilation       Kind = "compilation"
	KindObjectFormat      Kind = "object_format"
	KindLinker            Kind = "linker"
	KindIO                Kind = "io"
	KindCancelled         Kind = "cancelled"
	KindInvalidInput      Kind = "invalid_input"
)

// Error is the structured error type used throughout the pipeline
type Error struct {
	Value       any
	Cause       error
	Phase       Phase
	Kind        Kind
	Detail      string
	Diagnostics string
	Path        []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
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

// ExitCode maps the error kind to the process exit status
func (e *Error) ExitCode() ExitCode {
	return ExitCodeForKind(e.Kind)
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

// Path sets the location path (function, section, symbol)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
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

// Diagnostics attaches raw tool output
func (b *Builder) Diagnostics(text string) *Builder {
	b.err.Diagnostics = text
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

// KindOf returns the kind of the outermost *Error in the chain, or "" if
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any *Error in the chain has the given kind,
// regardless of phase.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// Convenience constructors, one per taxonomy kind

// UnsupportedTarget creates an unsupported target error
func UnsupportedTarget(detail string, args ...any) *Error {
	return New(PhaseResolve, KindUnsupportedTarget).Detail(detail, args...).Build()
}

// InvalidModule wraps a decode or validation failure
func InvalidModule(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidModule,
		Detail: detail,
		Cause:  cause,
	}
}

// Compilation creates a compilation error located at path
func Compilation(path []string, detail string, args ...any) *Error {
	return New(PhaseCompile, KindCompilation).Path(path...).Detail(detail, args...).Build()
}

// ObjectFormat creates an object format error
func ObjectFormat(format string, detail string, args ...any) *Error {
	return New(PhaseEmit, KindObjectFormat).Path(format).Detail(detail, args...).Build()
}

// Linker creates a linker error preserving the tool's output verbatim
func Linker(detail string, diagnostics string, cause error) *Error {
	return &Error{
		Phase:       PhaseLink,
		Kind:        KindLinker,
		Detail:      detail,
		Diagnostics: diagnostics,
		Cause:       cause,
	}
}

// IO wraps a storage failure on path
func IO(op, path string, cause error) *Error {
	return &Error{
		Phase:  PhaseIO,
		Kind:   KindIO,
		Path:   []string{path},
		Detail: op,
		Cause:  cause,
	}
}

// Cancelled records a user or timeout abort during phase
func Cancelled(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCancelled,
		Detail: "build cancelled",
		Cause:  cause,
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

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
