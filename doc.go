// Package wasmaot compiles WebAssembly core modules ahead of time into
// native object files and standalone executables.
//
// # Architecture Overview
//
// The work is split into packages along the build pipeline:
//
//	wasmaot/
//	├── target/      Target triples, object formats and calling conventions
//	├── wasm/        Core module decoding, validation and encoding
//	├── engine/      wazero-backed validation and reference execution
//	├── compiler/    Per-function native code generation (x86-64, AArch64)
//	├── symbols/     Per-module symbol prefixes and name mangling
//	├── object/      ELF, Mach-O, COFF and archive emission
//	├── runtime/     Embedded C support library
//	├── linker/      System linker discovery and invocation
//	├── config/      wasmaot.toml and environment settings
//	├── build/       The state machine tying the stages together
//	├── errors/      Structured errors and process exit codes
//	└── cmd/wasmaot  Command line front end
//
// # Quick Start
//
// Compile a module into an object file for the host:
//
//	res, err := build.Build(ctx, build.Request{
//		Module: wasmBytes,
//		Name:   "app.wasm",
//		Mode:   build.ModeObject,
//		Fs:     afero.NewOsFs(),
//	})
//	if err != nil {
//		os.Exit(int(errors.ExitCodeOf(err)))
//	}
//	fmt.Println(res.ObjectPath)
//
// With build.ModeExecutable the object is linked together with the runtime
// library by the system C toolchain.
//
// # Symbols
//
// Every exported symbol of a compiled module carries a prefix, so several
// modules can be linked into one program. The prefix is derived from the
// module hash unless one is given. Imports resolve to wasmhost_ symbols,
// which the host or the runtime library provides.
//
// # Error Handling
//
// All packages return *errors.Error values carrying the failing phase and a
// kind. The command line maps each kind to a distinct exit code:
//
//	var e *errors.Error
//	if errors.As(err, &e) && e.Kind == errors.KindLinker {
//		fmt.Fprintln(os.Stderr, e.Diagnostics)
//	}
package wasmaot
