package engine

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/wasm"
)

const wasiModule = "wasi_snapshot_preview1"

// Config holds configuration for engine creation
type Config struct {
	Logger *zap.Logger

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means the wazero default.
	MemoryLimitPages uint32
}

// Engine wraps a wazero runtime running the interpreter, so results do not
// depend on the host's JIT support.
type Engine struct {
	runtime wazero.Runtime
	log     *zap.Logger
}

// New creates an engine. Close releases it.
func New(ctx context.Context, cfg *Config) *Engine {
	rc := wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true)
	log := zap.NewNop()
	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.Logger != nil {
			log = cfg.Logger
		}
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, rc), log: log}
}

// Close releases every module the engine compiled or instantiated.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Validate compiles the module with wazero and discards it. It is the
// external check run next to the structural validator.
func (e *Engine) Validate(ctx context.Context, module []byte) error {
	cm, err := e.runtime.CompileModule(ctx, module)
	if err != nil {
		return errors.InvalidModule("rejected by wazero", err)
	}
	e.log.Debug("module validated",
		zap.Int("imports", len(cm.ImportedFunctions())),
		zap.Int("exports", len(cm.ExportedFunctions())))
	return cm.Close(ctx)
}

// Validate runs Engine.Validate on a short-lived engine.
func Validate(ctx context.Context, module []byte) error {
	e := New(ctx, nil)
	defer e.Close(ctx)
	return e.Validate(ctx, module)
}

// HostFunc implements an imported function for a reference run. It
// receives the arguments as raw uint64 values and returns the result, which
// is ignored for functions without one.
type HostFunc func(ctx context.Context, args []uint64) uint64

// RunOptions configures Engine.Run.
type RunOptions struct {
	// Export names the function to call. Empty selects the program entry
	// the compiler would pick.
	Export string
	Args   []uint64
	// Hosts implements imports by module and name. wasi_snapshot_preview1
	// is provided by wazero and cannot be overridden.
	Hosts map[string]map[string]HostFunc
	// Globals sets imported globals by module and name, as raw bits.
	// Unset globals are zero and imported tables hold only null entries,
	// matching a link with mocked imports.
	Globals map[string]map[string]uint64
	Stdout  io.Writer
}

// Outcome is what a reference run observed.
type Outcome struct {
	Results []uint64
	Stdout  []byte
	// Trap is the wazero error text when the call trapped.
	Trap string
	// ExitCode is set when the module called proc_exit.
	ExitCode uint32
	Exited   bool
}

// Run instantiates the module in the interpreter and calls one export. It
// is the oracle compiled code is checked against.
func (e *Engine) Run(ctx context.Context, module []byte, opts RunOptions) (*Outcome, error) {
	cm, err := e.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, errors.InvalidModule("rejected by wazero", err)
	}
	defer cm.Close(ctx)
	parsed, err := wasm.ParseModule(module)
	if err != nil {
		return nil, errors.InvalidModule("decode", err)
	}
	provided := providedNames(parsed)

	export := opts.Export
	if export == "" {
		defs := cm.ExportedFunctions()
		for _, name := range compiler.EntryNames {
			if _, ok := defs[name]; ok {
				export = name
				break
			}
		}
		if export == "" {
			return nil, errors.InvalidInput(errors.PhaseDecode, "module exports neither _start nor main")
		}
	}

	imports := map[string][]api.FunctionDefinition{}
	for _, def := range cm.ImportedFunctions() {
		mod, _, _ := def.Import()
		imports[mod] = append(imports[mod], def)
	}
	var hosts []api.Closer
	defer func() { closeAll(ctx, hosts) }()
	for mod := range provided {
		cs, err := e.provide(ctx, parsed, mod, imports[mod], opts)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, cs...)
	}
	for mod, defs := range imports {
		if provided[mod] {
			continue
		}
		if mod == wasiModule {
			h, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime)
			if err != nil {
				return nil, fmt.Errorf("instantiate %s: %w", wasiModule, err)
			}
			hosts = append(hosts, h)
			continue
		}
		h, err := e.hostModule(ctx, mod, defs, opts.Hosts[mod])
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}

	var stdout bytes.Buffer
	var w io.Writer = &stdout
	if opts.Stdout != nil {
		w = io.MultiWriter(&stdout, opts.Stdout)
	}
	config := wazero.NewModuleConfig().WithName("").WithStdout(w).WithStartFunctions()
	inst, err := e.runtime.InstantiateModule(ctx, cm, config)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	fn := inst.ExportedFunction(export)
	if fn == nil {
		return nil, errors.InvalidInput(errors.PhaseDecode, fmt.Sprintf("no exported function %q", export))
	}
	out := &Outcome{}
	results, callErr := fn.Call(ctx, opts.Args...)
	out.Stdout = stdout.Bytes()
	var exit *sys.ExitError
	switch {
	case callErr == nil:
		out.Results = results
	case stderrors.As(callErr, &exit):
		out.Exited = true
		out.ExitCode = exit.ExitCode()
	case ctx.Err() != nil:
		return nil, errors.Cancelled(errors.PhaseDecode, ctx.Err())
	default:
		out.Trap = callErr.Error()
	}
	e.log.Debug("reference run",
		zap.String("export", export),
		zap.Uint64s("results", out.Results),
		zap.String("trap", out.Trap))
	return out, nil
}

// hostModule defines the imports of one module name. Imports without an
// implementation return zero.
func (e *Engine) hostModule(ctx context.Context, name string, defs []api.FunctionDefinition, impls map[string]HostFunc) (api.Module, error) {
	b := e.runtime.NewHostModuleBuilder(name)
	for _, def := range defs {
		_, field, _ := def.Import()
		impl := impls[field]
		nparams := len(def.ParamTypes())
		hasResult := len(def.ResultTypes()) > 0
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				var r uint64
				if impl != nil {
					r = impl(ctx, append([]uint64(nil), stack[:nparams]...))
				}
				if hasResult {
					stack[0] = r
				}
			}), def.ParamTypes(), def.ResultTypes()).
			Export(field)
	}
	m, err := b.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module %s: %w", name, err)
	}
	return m, nil
}
