package engine_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wippyai/wasm-aot/engine"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/wasm"
)

func ins(op byte, imm interface{}) wasm.Instruction { return wasm.Instruction{Opcode: op, Imm: imm} }

func code(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, ins(wasm.OpEnd, nil)))
}

func i32(v int32) wasm.Instruction { return ins(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

func local(i uint32) wasm.Instruction { return ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: i}) }

var binI32 = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}

// arith exports add, div and main; main logs 7 through env.log and returns
// add(40, 2).
func arith() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			binI32,
			{Params: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}}},
		Funcs:   []uint32{0, 0, 2},
		Exports: []wasm.Export{
			{Name: "add", Kind: wasm.KindFunc, Idx: 1},
			{Name: "div", Kind: wasm.KindFunc, Idx: 2},
			{Name: "main", Kind: wasm.KindFunc, Idx: 3},
		},
		Code: []wasm.FuncBody{
			{Code: code(local(0), local(1), ins(wasm.OpI32Add, nil))},
			{Code: code(local(0), local(1), ins(wasm.OpI32DivS, nil))},
			{Code: code(i32(7), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}), i32(40), i32(2), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}))},
		},
	}
	return m.Encode()
}

// hello writes "hi\n" with fd_write and exits with status 3.
func hello() []byte {
	fdWrite := wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	}
	m := &wasm.Module{
		Types: []wasm.FuncType{fdWrite, {Params: []wasm.ValType{wasm.ValI32}}, {}},
		Imports: []wasm.Import{
			{Module: "wasi_snapshot_preview1", Name: "fd_write", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "wasi_snapshot_preview1", Name: "proc_exit", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
		},
		Funcs:    []uint32{2},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
			{Name: "_start", Kind: wasm.KindFunc, Idx: 2},
		},
		Data: []wasm.DataSegment{
			{Offset: code(i32(0)), Init: []byte("hi\n")},
			{Offset: code(i32(16)), Init: []byte{0, 0, 0, 0, 3, 0, 0, 0}},
		},
		Code: []wasm.FuncBody{{Code: code(
			i32(1), i32(16), i32(1), i32(32), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}), ins(wasm.OpDrop, nil),
			i32(3), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}),
		)}},
	}
	return m.Encode()
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	if err := engine.Validate(ctx, arith()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	err := engine.Validate(ctx, []byte("\x00asm\x01\x00\x00\x00\x0a"))
	if !errors.IsKind(err, errors.KindInvalidModule) {
		t.Errorf("truncated module: %v", err)
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	e := engine.New(ctx, nil)
	defer e.Close(ctx)

	out, err := e.Run(ctx, arith(), engine.RunOptions{Export: "add", Args: []uint64{40, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0] != 42 {
		t.Errorf("add = %v", out.Results)
	}

	var logged []uint64
	out, err = e.Run(ctx, arith(), engine.RunOptions{Hosts: map[string]map[string]engine.HostFunc{
		"env": {"log": func(_ context.Context, args []uint64) uint64 {
			logged = append(logged, args...)
			return 0
		}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0] != 42 || len(logged) != 1 || logged[0] != 7 {
		t.Errorf("main = %v, logged %v", out.Results, logged)
	}

	out, err = e.Run(ctx, arith(), engine.RunOptions{Export: "div", Args: []uint64{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Trap, "integer divide by zero") {
		t.Errorf("trap = %q", out.Trap)
	}

	if _, err = e.Run(ctx, arith(), engine.RunOptions{Export: "missing"}); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("missing export: %v", err)
	}
}

func TestRunWASI(t *testing.T) {
	ctx := context.Background()
	e := engine.New(ctx, &engine.Config{MemoryLimitPages: 16})
	defer e.Close(ctx)

	out, err := e.Run(ctx, hello(), engine.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Exited || out.ExitCode != 3 {
		t.Errorf("exit = %v %d", out.Exited, out.ExitCode)
	}
	if string(out.Stdout) != "hi\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

// imported reads env.base plus one through env.log, and calls slot 0 of
// the imported env.table from "slot".
func imported() []byte {
	unary := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	m := &wasm.Module{
		Types: []wasm.FuncType{unary, {Results: []wasm.ValType{wasm.ValI32}}},
		Imports: []wasm.Import{
			{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "base", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
			{Module: "env", Name: "table", Desc: wasm.ImportDesc{Kind: wasm.KindTable, Table: &wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 2}}}},
		},
		Funcs: []uint32{1, 1},
		Exports: []wasm.Export{
			{Name: "main", Kind: wasm.KindFunc, Idx: 1},
			{Name: "slot", Kind: wasm.KindFunc, Idx: 2},
		},
		Code: []wasm.FuncBody{
			{Code: code(ins(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 0}), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}))},
			{Code: code(i32(0), ins(wasm.OpCallIndirect, wasm.CallIndirectImm{TypeIdx: 1}))},
		},
	}
	return m.Encode()
}

func TestRunImportedGlobalsAndTables(t *testing.T) {
	ctx := context.Background()
	e := engine.New(ctx, nil)
	defer e.Close(ctx)

	plusOne := map[string]map[string]engine.HostFunc{
		"env": {"log": func(_ context.Context, args []uint64) uint64 { return args[0] + 1 }},
	}
	out, err := e.Run(ctx, imported(), engine.RunOptions{
		Hosts:   plusOne,
		Globals: map[string]map[string]uint64{"env": {"base": 41}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0] != 42 {
		t.Errorf("main = %v, trap %q", out.Results, out.Trap)
	}

	// unset globals are zero
	out, err = e.Run(ctx, imported(), engine.RunOptions{Hosts: plusOne})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0] != 1 {
		t.Errorf("main with zero base = %v", out.Results)
	}

	out, err = e.Run(ctx, imported(), engine.RunOptions{Export: "slot"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Trap == "" {
		t.Error("call through a null imported table did not trap")
	}
}
