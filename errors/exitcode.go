package errors

import stderrors "errors"

// ExitCode is the process status reported by the wasmaot command
type ExitCode uint8

// Exit codes, one per failure category so scripts can branch on cause.
const (
	ExitSuccess           ExitCode = 0
	ExitGeneric           ExitCode = 1
	ExitInvalidInput      ExitCode = 2
	ExitInvalidModule     ExitCode = 3
	ExitUnsupportedTarget ExitCode = 4
	ExitCompilation       ExitCode = 5
	ExitEmission          ExitCode = 6
	ExitLinker            ExitCode = 7
	ExitIO                ExitCode = 8
	ExitCancelled         ExitCode = 130
)

// HasExitCode is implemented by errors that carry their own exit status
type HasExitCode interface {
	error
	ExitCode() ExitCode
}

type withExitCode struct {
	error
	code ExitCode
}

func (w withExitCode) Unwrap() error      { return w.error }
func (w withExitCode) ExitCode() ExitCode { return w.code }

// WithExitCodeIfNone attaches code unless err already carries one
func WithExitCodeIfNone(err error, code ExitCode) error {
	if err == nil {
		return nil
	}
	var e HasExitCode
	if stderrors.As(err, &e) {
		return err
	}
	return withExitCode{error: err, code: code}
}

// ExitCodeForKind returns the status for a taxonomy kind
func ExitCodeForKind(k Kind) ExitCode {
	switch k {
	case KindInvalidInput:
		return ExitInvalidInput
	case KindInvalidModule:
		return ExitInvalidModule
	case KindUnsupportedTarget:
		return ExitUnsupportedTarget
	case KindCompilation:
		return ExitCompilation
	case KindObjectFormat:
		return ExitEmission
	case KindLinker:
		return ExitLinker
	case KindIO:
		return ExitIO
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitGeneric
	}
}

// ExitCodeOf returns the status for err: 0 for nil, the carried code when
// present, otherwise 1.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	var e HasExitCode
	if stderrors.As(err, &e) {
		return e.ExitCode()
	}
	return ExitGeneric
}
