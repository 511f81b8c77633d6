package wasm

import "github.com/wippyai/wasm-aot/wasm/internal/binary"

// LEB128 helpers for callers that assemble bytecode by hand.

// AppendULEB128 appends the unsigned LEB128 encoding of v.
func AppendULEB128(dst []byte, v uint64) []byte { return binary.AppendU64(dst, v) }

// AppendSLEB128 appends the signed LEB128 encoding of v.
func AppendSLEB128(dst []byte, v int64) []byte { return binary.AppendS64(dst, v) }
