// Package linker turns emitted objects into a standalone executable.
//
// A link reads the manifest embedded in every object, synthesizes a small
// C bootstrap whose main hands each module descriptor to the runtime, and
// runs the platform's C driver over the bootstrap, the runtime sources and
// the objects:
//
//	ELF     gnu     cc, gcc, clang (cross: <triple>-gcc, clang --target)
//	Mach-O  darwin  clang, cc
//	COFF    msvc    clang-cl, cl
//
// Options.Overrides replaces the candidate list with a single program.
// Only a missing program moves on to the next candidate; a linker that runs
// and fails ends the link with a linker error carrying its output verbatim.
// Cancelling the context kills the child process.
package linker
