package wasm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/wippyai/wasm-aot/wasm"
)

func u64(v uint64) *uint64 { return &v }

func i32Const(v int32) []byte {
	return wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}},
		{Opcode: wasm.OpEnd},
	})
}

func sampleModule() *wasm.Module {
	start := uint32(2)
	addBody := wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	})
	return &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{},
			{Params: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "wasi_snapshot_preview1", Name: "proc_exit", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 2}},
		},
		Funcs:    []uint32{0, 1},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 2, Max: u64(2)}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: u64(4)}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: i32Const(42)},
		},
		Exports: []wasm.Export{
			{Name: "add", Kind: wasm.KindFunc, Idx: 1},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Start: &start,
		Elements: []wasm.Element{
			{Offset: i32Const(0), FuncIdxs: []uint32{1, wasm.NullFunc}, Type: wasm.ValFuncRef},
		},
		Code: []wasm.FuncBody{
			{Code: addBody},
			{Locals: []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI64}}, Code: []byte{wasm.OpNop, wasm.OpEnd}},
		},
		Data: []wasm.DataSegment{
			{Offset: i32Const(16), Init: []byte("hello")},
		},
		CustomSections: []wasm.CustomSection{{Name: "producers", Data: []byte{0}}},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := sampleModule()
	data := orig.Encode()

	m, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if len(m.Types) != 3 || !m.Types[0].Equal(orig.Types[0]) {
		t.Errorf("types = %v", m.Types)
	}
	if len(m.Imports) != 1 || m.Imports[0].Name != "proc_exit" {
		t.Errorf("imports = %+v", m.Imports)
	}
	if m.NumImportedFuncs() != 1 || m.NumFuncs() != 3 {
		t.Errorf("func counts: imported %d total %d", m.NumImportedFuncs(), m.NumFuncs())
	}
	if m.Start == nil || *m.Start != 2 {
		t.Errorf("start = %v", m.Start)
	}
	if got := m.GetFuncType(1); got == nil || got.String() != "(i32, i32) -> i32" {
		t.Errorf("GetFuncType(1) = %v", got)
	}
	if len(m.Elements) != 1 || m.Elements[0].FuncIdxs[1] != wasm.NullFunc {
		t.Errorf("elements = %+v", m.Elements)
	}
	if len(m.Data) != 1 || string(m.Data[0].Init) != "hello" {
		t.Errorf("data = %+v", m.Data)
	}
	if m.Code[1].Locals[0].Count != 2 {
		t.Errorf("locals = %+v", m.Code[1].Locals)
	}
	if !bytes.Equal(data[m.Code[0].Offset:m.Code[0].Offset+len(m.Code[0].Code)], m.Code[0].Code) {
		t.Error("body offset does not point at the body bytes")
	}
	if len(m.CustomSections) != 1 || m.CustomSections[0].Name != "producers" {
		t.Errorf("custom sections = %+v", m.CustomSections)
	}

	if again := m.Encode(); !bytes.Equal(again, data) {
		t.Error("re-encoding is not stable")
	}
}

func TestParseModuleErrors(t *testing.T) {
	valid := sampleModule().Encode()

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"bad magic", []byte{0, 'a', 's', 'n', 1, 0, 0, 0}, "magic"},
		{"bad version", []byte{0, 'a', 's', 'm', 2, 0, 0, 0}, "version"},
		{"truncated", valid[:len(valid)-3], ""},
		{"out of order", []byte{0, 'a', 's', 'm', 1, 0, 0, 0, 3, 1, 0, 1, 1, 0}, "out of order"},
		{"unknown section", []byte{0, 'a', 's', 'm', 1, 0, 0, 0, 0x20, 0}, "unknown section"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}

	if _, err := wasm.ParseModule([]byte{1, 2, 3, 4, 1, 0, 0, 0}); !errors.Is(err, wasm.ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wasm.Module)
		want   string
	}{
		{"duplicate export", func(m *wasm.Module) {
			m.Exports = append(m.Exports, wasm.Export{Name: "add", Kind: wasm.KindFunc, Idx: 1})
		}, "duplicate export"},
		{"export out of range", func(m *wasm.Module) {
			m.Exports[0].Idx = 9
		}, "out of range"},
		{"bad start type", func(m *wasm.Module) {
			s := uint32(1)
			m.Start = &s
		}, "start function"},
		{"memory limits", func(m *wasm.Module) {
			m.Memories[0].Limits = wasm.Limits{Min: 5, Max: u64(2)}
		}, "below minimum"},
		{"element func", func(m *wasm.Module) {
			m.Elements[0].FuncIdxs[0] = 77
		}, "function index 77"},
		{"function type", func(m *wasm.Module) {
			m.Funcs[0] = 12
		}, "type index 12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleModule()
			tt.mutate(m)
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestCanonicalTypeIndex(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FuncType{
		{Params: []wasm.ValType{wasm.ValI32}},
		{},
		{Params: []wasm.ValType{wasm.ValI32}},
	}}
	if got := m.CanonicalTypeIndex(2); got != 0 {
		t.Errorf("CanonicalTypeIndex(2) = %d, want 0", got)
	}
	if got := m.CanonicalTypeIndex(1); got != 1 {
		t.Errorf("CanonicalTypeIndex(1) = %d, want 1", got)
	}
	if got := m.AddType(wasm.FuncType{}); got != 1 {
		t.Errorf("AddType reused index %d, want 1", got)
	}
}
