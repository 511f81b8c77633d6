package wasm_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/wippyai/wasm-aot/wasm"
)

func TestDecodeInstructionsRoundTrip(t *testing.T) {
	instrs := []wasm.Instruction{
		{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeI32}},
		{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: 3}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: -7}},
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 1 << 40}},
		{Opcode: wasm.OpBrTable, Imm: wasm.BrTableImm{Labels: []uint32{0, 1}, Default: 1}},
		{Opcode: wasm.OpI64Load32U, Imm: wasm.MemoryImm{Align: 2, Offset: 100}},
		{Opcode: wasm.OpCallIndirect, Imm: wasm.CallIndirectImm{TypeIdx: 4}},
		{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}}},
		{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Bits: 0x400921FB54442D18}},
		{Opcode: wasm.OpSelectType, Imm: wasm.SelectTypeImm{Types: []wasm.ValType{wasm.ValI64}}},
		{Opcode: wasm.OpEnd},
	}
	code := wasm.EncodeInstructions(instrs)
	got, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(got) != len(instrs) {
		t.Fatalf("decoded %d instructions, want %d", len(got), len(instrs))
	}
	for i := range instrs {
		if got[i].Opcode != instrs[i].Opcode || !reflect.DeepEqual(got[i].Imm, instrs[i].Imm) {
			t.Errorf("instr %d: got %+v, want %+v", i, got[i], instrs[i])
		}
	}
	if got[0].Offset != 0 || got[1].Offset != 2 {
		t.Errorf("offsets = %d, %d", got[0].Offset, got[1].Offset)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	_, err := wasm.DecodeInstructions([]byte{wasm.OpNop, wasm.OpPrefixSIMD, 0x0c})
	var uerr *wasm.UnsupportedOpcodeError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedOpcodeError, got %v", err)
	}
	if uerr.Offset != 1 || uerr.Sub != 0x0c {
		t.Errorf("error = %+v", uerr)
	}

	if _, err := wasm.DecodeInstructions([]byte{0x06}); !errors.As(err, &uerr) {
		t.Errorf("try should be unsupported, got %v", err)
	}
}

func TestMemArgWithMemoryIndex(t *testing.T) {
	code := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Load, Imm: wasm.MemoryImm{Align: 2, Offset: 8, MemIdx: 1}},
	})
	got, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatal(err)
	}
	if imm := got[0].Imm.(wasm.MemoryImm); imm.MemIdx != 1 || imm.Align != 2 || imm.Offset != 8 {
		t.Errorf("memarg = %+v", imm)
	}
}

func TestEvalConstExpr(t *testing.T) {
	globals := map[uint32]struct {
		v   uint64
		typ wasm.ValType
	}{0: {10, wasm.ValI32}, 1: {0x400921FB54442D18, wasm.ValF64}}
	lookup := func(idx uint32) (uint64, wasm.ValType, bool) {
		g, ok := globals[idx]
		return g.v, g.typ, ok
	}
	gget := func(idx uint32) []byte {
		return wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: idx}},
			{Opcode: wasm.OpEnd},
		})
	}

	expr := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 5}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	})
	v, typ, err := wasm.EvalConstExpr(expr, lookup)
	if err != nil || v != 15 || typ != wasm.ValI32 {
		t.Errorf("EvalConstExpr = %d, %s, %v", v, typ, err)
	}

	// global.get yields the type of the global it reads
	if v, typ, err := wasm.EvalConstExpr(gget(1), lookup); err != nil || typ != wasm.ValF64 || v != 0x400921FB54442D18 {
		t.Errorf("f64 global.get = %#x, %s, %v", v, typ, err)
	}
	mixed := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 1}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	})
	if _, _, err := wasm.EvalConstExpr(mixed, lookup); err == nil {
		t.Error("i32.add of an f64 global should fail")
	}

	f32 := wasm.EncodeInstructions([]wasm.Instruction{{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: 0xBF800000}}, {Opcode: wasm.OpEnd}})
	if v, typ, err := wasm.EvalConstExpr(f32, nil); err != nil || typ != wasm.ValF32 || v != 0xBF800000 {
		t.Errorf("f32.const = %#x, %s, %v", v, typ, err)
	}

	neg := i32Const(-1)
	if v, _, _ := wasm.EvalConstExpr(neg, nil); v != 0xFFFFFFFF {
		t.Errorf("i32 -1 should zero-extend, got %#x", v)
	}

	if _, _, err := wasm.EvalConstExpr(gget(3), lookup); !errors.Is(err, wasm.ErrNotConstant) {
		t.Errorf("expected ErrNotConstant, got %v", err)
	}
}

func TestGlobalRef(t *testing.T) {
	lone := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 7}},
		{Opcode: wasm.OpEnd},
	})
	if idx, ok := wasm.GlobalRef(lone); !ok || idx != 7 {
		t.Errorf("GlobalRef = %d, %v", idx, ok)
	}
	sum := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 7}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	})
	if _, ok := wasm.GlobalRef(sum); ok {
		t.Error("an expression beyond a lone global.get is not a reference")
	}
	if _, ok := wasm.GlobalRef(i32Const(3)); ok {
		t.Error("i32.const is not a reference")
	}
}

func TestAppendLEB128(t *testing.T) {
	if got := wasm.AppendULEB128(nil, 624485); !reflect.DeepEqual(got, []byte{0xe5, 0x8e, 0x26}) {
		t.Errorf("AppendULEB128 = %x", got)
	}
	if got := wasm.AppendSLEB128(nil, -123456); !reflect.DeepEqual(got, []byte{0xc0, 0xbb, 0x78}) {
		t.Errorf("AppendSLEB128 = %x", got)
	}
}
