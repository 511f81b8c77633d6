// Package object serializes compiled modules into relocatable ELF, Mach-O
// and COFF objects, optionally wrapped in an ar archive.
//
// Every object carries the same five sections whatever the container:
// code, read-only data (segment bytes, initial global values, strings),
// metadata tables (functions, traps, stack maps, exports, imports,
// segments, elements), the module descriptor the runtime instantiates
// from, and a non-allocated msgpack manifest read back by the linker and
// the inspect command.
package object
