package compiler

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// Options configures Compile.
type Options struct {
	Logger *zap.Logger
	// Progress is called after each function is compiled. It may be
	// called from several goroutines at once.
	Progress func(done, total int, funcIdx uint32)
	// Jobs bounds parallel function compilation; 0 means GOMAXPROCS.
	Jobs int
	// Entry names the export run by the bootstrap. Empty tries EntryNames.
	Entry string
}

// CodeAlign is the alignment of every function in the code section.
const CodeAlign = 16

// maxARM64Code is the reach of a bl instruction.
const maxARM64Code = 128 << 20

// Compile lowers every defined function of m to native code for t. The
// result depends only on m, t and nothing else, so repeated compilations
// are byte-identical.
func Compile(ctx context.Context, m *wasm.Module, t target.Target, opts Options) (*CompiledModule, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if t.Backend() == target.BackendNone {
		return nil, errors.UnsupportedTarget("no code generator for %s", t)
	}

	mi, cm, err := prepare(m, t, opts.Entry)
	if err != nil {
		return nil, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	total := len(m.Funcs)
	cm.Functions = make([]CompiledFunction, total)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i := 0; i < total; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn, err := compileFunction(mi, t, i)
			if err != nil {
				return err
			}
			cm.Functions[i] = fn
			log.Debug("compiled function",
				zap.Uint32("index", fn.Index),
				zap.Int("code_bytes", len(fn.Code)),
				zap.Int("traps", len(fn.Traps)),
				zap.Int("relocs", len(fn.Relocs)))
			if opts.Progress != nil {
				opts.Progress(int(done.Add(1)), total, fn.Index)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Cancelled(errors.PhaseCompile, ctxErr)
		}
		return nil, err
	}

	if t.Arch == target.ArchARM64 {
		size := 0
		for i := range cm.Functions {
			size = alignUp(size, CodeAlign) + len(cm.Functions[i].Code)
		}
		if size > maxARM64Code {
			return nil, errors.Compilation([]string{"code"}, "code section of %d bytes exceeds the 128 MiB branch range", size)
		}
	}

	log.Info("module compiled",
		zap.String("target", t.String()),
		zap.Int("functions", total),
		zap.Int("code_bytes", cm.CodeSize()))
	return cm, nil
}

// prepare checks module-level limits and folds everything that does not
// depend on function bodies.
func prepare(m *wasm.Module, t target.Target, entry string) (*moduleInfo, *CompiledModule, error) {
	if len(m.Code) != len(m.Funcs) {
		return nil, nil, errors.InvalidModule(
			fmt.Sprintf("%d function declarations but %d bodies", len(m.Funcs), len(m.Code)), nil)
	}
	cm := &CompiledModule{
		Target:           t,
		Types:            m.Types,
		Start:            m.Start,
		NumImportedFuncs: uint32(m.NumImportedFuncs()),
	}
	mi := &moduleInfo{m: m, numImported: cm.NumImportedFuncs}

	funcIdx := uint32(0)
	for _, imp := range m.Imports {
		path := []string{"import", imp.Module, imp.Name}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			if int(imp.Desc.TypeIdx) >= len(m.Types) {
				return nil, nil, errors.InvalidModule(fmt.Sprintf("import %s.%s has type %d out of range", imp.Module, imp.Name, imp.Desc.TypeIdx), nil)
			}
			sig := m.Types[imp.Desc.TypeIdx]
			if err := checkSignature(&sig, path); err != nil {
				return nil, nil, err
			}
			cm.Imports = append(cm.Imports, ImportedFunction{
				Module:    imp.Module,
				Name:      imp.Name,
				Symbol:    symbols.Import(imp.Module, imp.Name),
				Signature: sig,
				Index:     funcIdx,
				TypeID:    m.CanonicalTypeIndex(imp.Desc.TypeIdx),
			})
			funcIdx++
		case wasm.KindMemory:
			return nil, nil, errors.Compilation(path, "imported memories are not supported")
		case wasm.KindTable:
			tt := imp.Desc.Table
			if cm.Table != nil {
				return nil, nil, errors.Compilation(path, "more than one table is not supported")
			}
			if tt.ElemType != wasm.ValFuncRef {
				return nil, nil, errors.Compilation(path, "table of %s is not supported", tt.ElemType)
			}
			cm.Table = &Table{
				Import: &ImportName{Module: imp.Module, Name: imp.Name},
				Min:    tt.Limits.Min,
				Max:    tt.Limits.Max,
			}
		case wasm.KindGlobal:
			gt := imp.Desc.Global
			if !gt.ValType.IsNumeric() {
				return nil, nil, errors.Compilation(path, "global of type %s is not supported", gt.ValType)
			}
			cm.Globals = append(cm.Globals, Global{
				Import: &GlobalImport{
					ImportName: ImportName{Module: imp.Module, Name: imp.Name},
					Symbol:     symbols.ImportGlobal(imp.Module, imp.Name),
				},
				Type:    gt.ValType,
				Mutable: gt.Mutable,
			})
		}
	}

	if len(m.Memories) > 1 {
		return nil, nil, errors.Compilation([]string{"memory"}, "%d memories declared, only one is supported", len(m.Memories))
	}
	if len(m.Memories) == 1 {
		l := m.Memories[0].Limits
		if l.Memory64 {
			return nil, nil, errors.Compilation([]string{"memory"}, "64-bit memories are not supported")
		}
		if l.Shared {
			return nil, nil, errors.Compilation([]string{"memory"}, "shared memories are not supported")
		}
		cm.Memory = &Memory{MinPages: l.Min, Max: l.Max}
		mi.hasMemory = true
	}

	tables := len(m.Tables)
	if cm.Table != nil {
		tables++
	}
	if tables > 1 {
		return nil, nil, errors.Compilation([]string{"table"}, "%d tables declared, only one is supported", tables)
	}
	if len(m.Tables) == 1 {
		tt := m.Tables[0]
		if tt.ElemType != wasm.ValFuncRef {
			return nil, nil, errors.Compilation([]string{"table"}, "table of %s is not supported", tt.ElemType)
		}
		cm.Table = &Table{Min: tt.Limits.Min, Max: tt.Limits.Max}
	}
	mi.hasTable = cm.Table != nil

	globals, err := foldGlobals(m, cm.Globals)
	if err != nil {
		return nil, nil, err
	}
	cm.Globals = globals
	mi.globals = globals

	if cm.Segments, err = foldSegments(m, globals); err != nil {
		return nil, nil, err
	}
	if cm.Elements, err = foldElements(m, globals, cm.Table != nil); err != nil {
		return nil, nil, err
	}

	for _, e := range m.Exports {
		exp := Export{Name: e.Name, Kind: e.Kind, Index: e.Idx}
		if e.Kind == wasm.KindFunc {
			typeIdx, ok := m.FuncTypeIndex(e.Idx)
			if !ok {
				return nil, nil, errors.InvalidModule(fmt.Sprintf("export %q names undefined function %d", e.Name, e.Idx), nil)
			}
			exp.TypeID = m.CanonicalTypeIndex(typeIdx)
		}
		cm.Exports = append(cm.Exports, exp)
	}
	names := EntryNames
	if entry != "" {
		names = []string{entry}
	}
	cm.Entry = findEntry(m, cm.Exports, names)
	if entry != "" && cm.Entry == nil {
		return nil, nil, errors.InvalidInput(errors.PhaseCompile,
			fmt.Sprintf("entry %q is not an exported function without parameters returning nothing or i32", entry))
	}
	return mi, cm, nil
}

// constGlobals resolves global.get against the first n globals whose
// values are known at compile time.
func constGlobals(globals []Global, n int) wasm.GlobalResolver {
	return func(idx uint32) (uint64, wasm.ValType, bool) {
		if int(idx) >= n || !globals[idx].Constant() {
			return 0, 0, false
		}
		return globals[idx].Init, globals[idx].Type, true
	}
}

// foldGlobals appends the defined globals of m to the imported ones. An
// initializer that is a lone global.get of a global known only at
// instantiation becomes a copy.
func foldGlobals(m *wasm.Module, imported []Global) ([]Global, error) {
	out := make([]Global, len(imported), len(imported)+len(m.Globals))
	copy(out, imported)
	for _, g := range m.Globals {
		idx := len(out)
		path := []string{fmt.Sprintf("global[%d]", idx)}
		if !g.Type.ValType.IsNumeric() {
			return nil, errors.Compilation(path, "global of type %s is not supported", g.Type.ValType)
		}
		gl := Global{Type: g.Type.ValType, Mutable: g.Type.Mutable}
		v, typ, err := wasm.EvalConstExpr(g.Init, constGlobals(out, idx))
		if errors.Is(err, wasm.ErrNotConstant) {
			if ref, ok := wasm.GlobalRef(g.Init); ok && int(ref) < idx && !out[ref].Mutable {
				typ, err = out[ref].Type, nil
				gl.From = &ref
			}
		}
		if err != nil {
			return nil, errors.Compilation(path, "initializer: %v", err)
		}
		if typ != g.Type.ValType {
			return nil, errors.InvalidModule(fmt.Sprintf("global %d initializer has type %s, want %s", idx, typ, g.Type.ValType), nil)
		}
		gl.Init = v
		out = append(out, gl)
	}
	return out, nil
}

// constOffset folds a segment offset. A lone global.get of a global known
// only at instantiation is returned as base instead.
func constOffset(expr []byte, globals []Global, path []string) (off uint32, base *uint32, err error) {
	v, typ, err := wasm.EvalConstExpr(expr, constGlobals(globals, len(globals)))
	if errors.Is(err, wasm.ErrNotConstant) {
		if ref, ok := wasm.GlobalRef(expr); ok && int(ref) < len(globals) && !globals[ref].Mutable {
			v, typ, err = 0, globals[ref].Type, nil
			base = &ref
		}
	}
	if err != nil {
		return 0, nil, errors.Compilation(path, "offset: %v", err)
	}
	if typ != wasm.ValI32 {
		return 0, nil, errors.InvalidModule(fmt.Sprintf("%s offset has type %s", path[0], typ), nil)
	}
	return uint32(v), base, nil
}

func foldSegments(m *wasm.Module, globals []Global) ([]Segment, error) {
	var out []Segment
	for i, d := range m.Data {
		if !d.Active() {
			continue
		}
		path := []string{fmt.Sprintf("data[%d]", i)}
		if d.MemIdx != 0 || len(m.Memories) == 0 {
			return nil, errors.Compilation(path, "segment targets memory %d", d.MemIdx)
		}
		off, base, err := constOffset(d.Offset, globals, path)
		if err != nil {
			return nil, err
		}
		out = append(out, Segment{Offset: off, Base: base, Data: d.Init})
	}
	return out, nil
}

func foldElements(m *wasm.Module, globals []Global, hasTable bool) ([]ElementEntry, error) {
	var out []ElementEntry
	for i, el := range m.Elements {
		if !el.Active() {
			continue
		}
		path := []string{fmt.Sprintf("elem[%d]", i)}
		if el.TableIdx != 0 || !hasTable {
			return nil, errors.Compilation(path, "segment targets table %d", el.TableIdx)
		}
		off, base, err := constOffset(el.Offset, globals, path)
		if err != nil {
			return nil, err
		}
		for j, f := range el.FuncIdxs {
			if f == wasm.NullFunc {
				continue
			}
			typeIdx, ok := m.FuncTypeIndex(f)
			if !ok {
				return nil, errors.InvalidModule(fmt.Sprintf("element %d references undefined function %d", i, f), nil)
			}
			out = append(out, ElementEntry{
				Base:       base,
				TableIndex: off + uint32(j),
				FuncIndex:  f,
				TypeID:     m.CanonicalTypeIndex(typeIdx),
			})
		}
	}
	return out, nil
}

// EntryNames are the exports tried, in order, as the program entry point.
var EntryNames = []string{"_start", "main"}

func findEntry(m *wasm.Module, exports []Export, names []string) *Export {
	for _, name := range names {
		for i := range exports {
			e := &exports[i]
			if e.Name != name || e.Kind != wasm.KindFunc {
				continue
			}
			sig := m.GetFuncType(e.Index)
			if sig == nil || len(sig.Params) != 0 {
				continue
			}
			if len(sig.Results) == 1 && sig.Results[0] != wasm.ValI32 {
				continue
			}
			return e
		}
	}
	return nil
}
