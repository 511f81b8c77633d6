package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/wasm"
)

// hostSuffix names the host module behind a provider; wasm module names
// cannot clash with it in practice.
const hostSuffix = "\x00host"

// providedNames returns the import module names that supply a global or
// a table. Host module builders only export functions, so these get a
// synthesized wasm module instead.
func providedNames(m *wasm.Module) map[string]bool {
	out := map[string]bool{}
	for _, imp := range m.Imports {
		if imp.Desc.Kind == wasm.KindGlobal || imp.Desc.Kind == wasm.KindTable {
			out[imp.Module] = true
		}
	}
	return out
}

// providerModule builds the module instantiated as name. It defines every
// global and table m imports from name and re-exports the imported
// functions from a host module. Globals take their raw bits from values,
// zero when unset; tables start out null.
func providerModule(m *wasm.Module, name string, values map[string]uint64) (*wasm.Module, error) {
	p := &wasm.Module{}
	var funcs uint32
	for _, imp := range m.Imports {
		if imp.Module != name {
			continue
		}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			if int(imp.Desc.TypeIdx) >= len(m.Types) {
				return nil, errors.InvalidModule(fmt.Sprintf("import %s.%s has type %d out of range", imp.Module, imp.Name, imp.Desc.TypeIdx), nil)
			}
			p.Types = append(p.Types, m.Types[imp.Desc.TypeIdx])
			p.Imports = append(p.Imports, wasm.Import{
				Module: name + hostSuffix,
				Name:   imp.Name,
				Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: uint32(len(p.Types) - 1)},
			})
			p.Exports = append(p.Exports, wasm.Export{Name: imp.Name, Kind: wasm.KindFunc, Idx: funcs})
			funcs++
		case wasm.KindGlobal:
			init, err := constInit(imp.Desc.Global.ValType, values[imp.Name])
			if err != nil {
				return nil, err
			}
			p.Exports = append(p.Exports, wasm.Export{Name: imp.Name, Kind: wasm.KindGlobal, Idx: uint32(len(p.Globals))})
			p.Globals = append(p.Globals, wasm.Global{Type: *imp.Desc.Global, Init: init})
		case wasm.KindTable:
			p.Exports = append(p.Exports, wasm.Export{Name: imp.Name, Kind: wasm.KindTable, Idx: uint32(len(p.Tables))})
			p.Tables = append(p.Tables, *imp.Desc.Table)
		case wasm.KindMemory:
			return nil, errors.InvalidInput(errors.PhaseDecode, fmt.Sprintf("imported memory %s.%s cannot be provided", imp.Module, imp.Name))
		}
	}
	return p, nil
}

func constInit(t wasm.ValType, bits uint64) ([]byte, error) {
	var in wasm.Instruction
	switch t {
	case wasm.ValI32:
		in = wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(uint32(bits))}}
	case wasm.ValI64:
		in = wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: int64(bits)}}
	case wasm.ValF32:
		in = wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: uint32(bits)}}
	case wasm.ValF64:
		in = wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Bits: bits}}
	default:
		return nil, errors.InvalidInput(errors.PhaseDecode, fmt.Sprintf("global of type %s cannot be provided", t))
	}
	return wasm.EncodeInstructions([]wasm.Instruction{in, {Opcode: wasm.OpEnd}}), nil
}

// provide instantiates the provider for name and, when it re-exports
// functions, the host module behind it.
func (e *Engine) provide(ctx context.Context, m *wasm.Module, name string, defs []api.FunctionDefinition, opts RunOptions) ([]api.Closer, error) {
	p, err := providerModule(m, name, opts.Globals[name])
	if err != nil {
		return nil, err
	}
	var closers []api.Closer
	if len(defs) > 0 {
		h, err := e.hostModule(ctx, name+hostSuffix, defs, opts.Hosts[name])
		if err != nil {
			return nil, err
		}
		closers = append(closers, h)
	}
	cm, err := e.runtime.CompileModule(ctx, p.Encode())
	if err != nil {
		closeAll(ctx, closers)
		return nil, fmt.Errorf("compile provider %s: %w", name, err)
	}
	inst, err := e.runtime.InstantiateModule(ctx, cm, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		closeAll(ctx, append(closers, cm))
		return nil, fmt.Errorf("instantiate provider %s: %w", name, err)
	}
	e.log.Debug("provider instantiated",
		zap.String("module", name),
		zap.Int("globals", len(p.Globals)),
		zap.Int("tables", len(p.Tables)))
	return append(closers, cm, inst), nil
}

func closeAll(ctx context.Context, closers []api.Closer) {
	for _, c := range closers {
		_ = c.Close(ctx)
	}
}
