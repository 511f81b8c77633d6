// Package errors provides the structured error taxonomy of the AOT pipeline.
//
// Errors are categorized by Phase (which stage failed) and Kind (what went
// wrong). Every component surfaces the most specific kind; callers branch on
// it with IsKind or map it to a process status with ExitCodeOf.
//
// Use the Builder for structured construction:
//
//	err := errors.New(errors.PhaseCompile, errors.KindCompilation).
//		Path("func[3]", "0x2a").
//		Detail("opcode 0x%02x is not supported", op).
//		Build()
//
// Or use the per-kind constructors:
//
//	err := errors.UnsupportedTarget("no backend for %s", arch)
//	err := errors.Linker("cc exited with status 1", stderr, cause)
//
// Kinds map to exit codes: invalid input 2, invalid module 3, unsupported
// target 4, compilation 5, emission 6, linker 7, io 8, cancelled 130.
package errors
