package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindCompilation,
				Path:   []string{"func[3]", "0x2a"},
				Detail: "opcode 0x92 is not supported",
			},
			contains: []string{"[compile]", "compilation", "func[3].0x2a", "opcode 0x92"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseEmit,
				Kind:  KindObjectFormat,
			},
			contains: []string{"[emit]", "object_format"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseIO,
				Kind:   KindIO,
				Detail: "write object",
				Cause:  errors.New("disk full"),
			},
			contains: []string{"[io]", "io", "write object", "caused by", "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseLink, KindLinker, cause, "link")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestError_Is(t *testing.T) {
	a := UnsupportedTarget("riscv64")
	if !errors.Is(a, &Error{Phase: PhaseResolve, Kind: KindUnsupportedTarget}) {
		t.Error("same phase and kind should match")
	}
	if errors.Is(a, &Error{Phase: PhaseCompile, Kind: KindUnsupportedTarget}) {
		t.Error("different phase should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("boom")
	err := New(PhaseLink, KindLinker).
		Path("cc").
		Detail("exit status %d", 1).
		Diagnostics("undefined reference to `foo'").
		Cause(cause).
		Value(1).
		Build()

	if err.Detail != "exit status 1" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if err.Diagnostics != "undefined reference to `foo'" {
		t.Errorf("Diagnostics = %q", err.Diagnostics)
	}
	if len(err.Path) != 1 || err.Path[0] != "cc" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.Value != 1 {
		t.Errorf("Value = %v", err.Value)
	}
	if err.Cause != cause {
		t.Error("Cause not set")
	}
}

func TestKindOfAndIsKind(t *testing.T) {
	inner := Cancelled(PhaseLink, errors.New("context canceled"))
	wrapped := fmt.Errorf("build: %w", inner)

	if got := KindOf(wrapped); got != KindCancelled {
		t.Errorf("KindOf = %q, want %q", got, KindCancelled)
	}
	if !IsKind(wrapped, KindCancelled) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if IsKind(wrapped, KindLinker) {
		t.Error("IsKind matched the wrong kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		err  error
		want ExitCode
	}{
		{nil, ExitSuccess},
		{errors.New("plain"), ExitGeneric},
		{InvalidInput(PhaseConfig, "bad flag"), ExitInvalidInput},
		{InvalidModule("bad magic", nil), ExitInvalidModule},
		{UnsupportedTarget("riscv64"), ExitUnsupportedTarget},
		{Compilation(nil, "float"), ExitCompilation},
		{ObjectFormat("coff", "too many relocations"), ExitEmission},
		{Linker("cc failed", "", nil), ExitLinker},
		{IO("write", "/tmp/x.o", errors.New("denied")), ExitIO},
		{fmt.Errorf("wrapped: %w", Cancelled(PhaseLink, nil)), ExitCancelled},
		{WithExitCodeIfNone(errors.New("plain"), ExitIO), ExitIO},
	}

	for _, tt := range tests {
		if got := ExitCodeOf(tt.err); got != tt.want {
			t.Errorf("ExitCodeOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	seen := map[ExitCode]Kind{}
	for _, k := range []Kind{KindInvalidInput, KindInvalidModule, KindUnsupportedTarget,
		KindCompilation, KindObjectFormat, KindLinker, KindIO, KindCancelled} {
		code := ExitCodeForKind(k)
		if code == ExitSuccess || code == ExitGeneric {
			t.Errorf("kind %s maps to non-distinct code %d", k, code)
		}
		if prev, dup := seen[code]; dup {
			t.Errorf("kinds %s and %s share exit code %d", prev, k, code)
		}
		seen[code] = k
	}
}

func TestWithExitCodeIfNoneKeepsExisting(t *testing.T) {
	err := WithExitCodeIfNone(Linker("x", "", nil), ExitIO)
	if got := ExitCodeOf(err); got != ExitLinker {
		t.Errorf("existing code replaced: got %d", got)
	}
	if WithExitCodeIfNone(nil, ExitIO) != nil {
		t.Error("nil must stay nil")
	}
}
