// Package compiler lowers a decoded WebAssembly module to native code.
//
// Code generation is a single pass per function over frame slots: every
// local and operand stack value has a fixed 8-byte slot, and each
// instruction loads its operands into scratch registers, computes, and
// stores the result. Functions are compiled in parallel and the output is
// a deterministic function of the module and the target.
//
// Compiled code takes a pointer to the runtime's vmctx as its first native
// argument:
//
//	offset 0   memory base
//	offset 8   memory size in bytes
//	offset 16  globals (one uint64 per global)
//	offset 24  table entries {fn, type id}
//	offset 32  table size
//
// Calls to other functions, imports and runtime routines are left as
// symbolic relocations for the object emitter. Every check that can trap
// is recorded in the function's trap table, and every call site in its
// stack maps.
package compiler
