// Package engine runs WebAssembly modules in wazero's interpreter.
//
// The build pipeline uses it as a second, independent validator: a module
// that wazero refuses to compile is rejected before any native code is
// generated. Tests use Engine.Run as the reference implementation whose
// results compiled executables must reproduce.
//
//	e := engine.New(ctx, nil)
//	defer e.Close(ctx)
//	out, err := e.Run(ctx, wasmBytes, engine.RunOptions{Export: "add", Args: []uint64{40, 2}})
package engine
