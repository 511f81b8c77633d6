// Package wasm decodes and encodes WebAssembly core module binaries.
//
// The model covers the sections an ahead-of-time compiler consumes: types,
// imports, functions, tables, memories, globals, exports, start, elements,
// code and data. Function bodies stay as raw bytecode on the Module and are
// decoded on demand with DecodeInstructions, which records the offset of
// every instruction so native code can be mapped back to bytecode.
//
// Basic usage:
//
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//		return err
//	}
//	if err := m.Validate(); err != nil {
//		return err
//	}
//	instrs, err := wasm.DecodeInstructions(m.Code[0].Code)
//
// Encode is the inverse of ParseModule and is used to build fixtures.
package wasm
