package build

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/engine"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/linker"
	"github.com/wippyai/wasm-aot/object"
	"github.com/wippyai/wasm-aot/runtime"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// Mode selects the final artifact.
type Mode string

const (
	ModeObject     Mode = "object"
	ModeExecutable Mode = "executable"
)

// LinkSettings configures the Linking state.
type LinkSettings struct {
	Overrides linker.Overrides
	Args      []string
	// Objects are extra linker inputs placed after the module's object.
	Objects []string
	// Runtime is a directory holding a prebuilt copy of the support
	// library sources. Empty uses the embedded library.
	Runtime            string
	MockMissingImports bool
	KeepTemp           bool
	TempDir            string
	// Diagnostics receives the linker's output as it is produced.
	Diagnostics io.Writer
	LookPath    func(string) (string, error)
}

// Request is one build invocation.
type Request struct {
	Module []byte
	// Name is the module's file name. It is recorded in the manifest and
	// gives the default output names.
	Name   string
	Target target.Options
	// Prefix overrides the content-derived symbol prefix.
	Prefix string
	// Prefixer shares prefixes across the builds of one program. Nil
	// gives the build its own.
	Prefixer *symbols.Prefixer
	Mode     Mode
	// Output is the final artifact: the object in ModeObject, the
	// executable in ModeExecutable.
	Output string
	// ObjectOutput places the object in ModeExecutable. Empty derives it
	// from Output.
	ObjectOutput string
	// Entry names the export the executable runs.
	Entry    string
	Jobs     int
	Link     LinkSettings
	Fs       afero.Fs
	Logger   *zap.Logger
	Progress ProgressSink
}

// Result describes a build that ran. Failed builds return a Result too,
// so callers can tell how far it got.
type Result struct {
	State          State
	FailedKind     errors.Kind
	Target         target.Target
	Prefix         symbols.Prefix
	ObjectPath     string
	ExecutablePath string
	Timings        Timings
	Artifact       *object.Artifact
	Link           *linker.Result
}

type driver struct {
	req  Request
	fs   afero.Fs
	log  *zap.Logger
	sink ProgressSink
	m    *machine
	res  *Result
}

// Build runs the pipeline. Each call is a fresh state machine; concurrent
// calls are safe as long as their outputs differ.
func Build(ctx context.Context, req Request) (*Result, error) {
	d := &driver{req: req, fs: req.Fs, log: req.Logger, sink: req.Progress, m: newMachine(nil), res: &Result{}}
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.sink == nil {
		d.sink = NopSink{}
	}
	return d.run(ctx)
}

func (d *driver) run(ctx context.Context) (*Result, error) {
	d.started()
	t, err := d.resolve(ctx)
	if err != nil {
		return d.failed(err)
	}
	d.advance(StateCompiling)
	cm, err := d.compile(ctx, t)
	if err != nil {
		return d.failed(err)
	}
	d.advance(StateEmitting)
	if err := d.emit(ctx, cm, t); err != nil {
		return d.failed(err)
	}
	if d.req.Mode == ModeObject {
		d.advance(StateDone)
		return d.done()
	}
	d.advance(StateLinking)
	if err := d.link(ctx, t); err != nil {
		return d.failed(err)
	}
	d.advance(StateDone)
	return d.done()
}

func (d *driver) started() {
	d.sink.OnEvent(Event{Stage: d.m.state.Stage(), Status: StatusWorking})
}

// advance finishes the current stage and starts the next one.
func (d *driver) advance(next State) {
	stage := d.m.state.Stage()
	elapsed := d.m.to(next)
	d.sink.OnEvent(Event{Stage: stage, Status: StatusDone, Elapsed: elapsed})
	if s := next.Stage(); s != "" {
		d.sink.OnEvent(Event{Stage: s, Status: StatusWorking})
	}
}

func (d *driver) failed(err error) (*Result, error) {
	stage := d.m.state.Stage()
	elapsed := d.m.fail(err)
	d.sink.OnEvent(Event{Stage: stage, Status: StatusError, Err: err, Elapsed: elapsed})
	d.res.State = d.m.state
	d.res.FailedKind = d.m.kind
	d.res.Timings = d.m.timings
	d.log.Debug("build failed",
		zap.String("stage", string(stage)),
		zap.String("kind", string(d.m.kind)),
		zap.Error(err))
	return d.res, err
}

func (d *driver) done() (*Result, error) {
	d.res.State = d.m.state
	d.res.Timings = d.m.timings
	d.log.Info("build finished",
		zap.String("target", d.res.Target.Triple()),
		zap.String("object", d.res.ObjectPath),
		zap.String("executable", d.res.ExecutablePath),
		zap.Duration("elapsed", d.m.timings.Total()))
	return d.res, nil
}

// resolve settles the target and every output path. Nothing is decoded or
// written before it succeeds.
func (d *driver) resolve(ctx context.Context) (target.Target, error) {
	if err := ctx.Err(); err != nil {
		return target.Target{}, errors.Cancelled(errors.PhaseResolve, err)
	}
	switch d.req.Mode {
	case ModeObject, ModeExecutable:
	default:
		return target.Target{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(d.req.Mode).
			Detail("mode must be %q or %q", ModeObject, ModeExecutable).
			Build()
	}
	t, err := target.Resolve(d.req.Target)
	if err != nil {
		return target.Target{}, err
	}
	d.res.Target = t

	base := strings.TrimSuffix(filepath.Base(d.req.Name), filepath.Ext(d.req.Name))
	if d.req.Name == "" || base == "" || base == "." {
		base = "module"
	}
	if d.req.Mode == ModeObject {
		d.res.ObjectPath = firstOf(d.req.ObjectOutput, d.req.Output, base+t.ObjectExt())
	} else {
		exe := firstOf(d.req.Output, base+t.ExecutableExt())
		d.res.ExecutablePath = exe
		stem := strings.TrimSuffix(exe, t.ExecutableExt())
		d.res.ObjectPath = firstOf(d.req.ObjectOutput, stem+t.ObjectExt())
		if filepath.Clean(d.res.ObjectPath) == filepath.Clean(exe) {
			return target.Target{}, errors.InvalidInput(errors.PhaseConfig,
				fmt.Sprintf("object and executable would both be written to %s", exe))
		}
	}
	d.log.Debug("target resolved",
		zap.String("target", t.String()),
		zap.String("object", d.res.ObjectPath),
		zap.String("executable", d.res.ExecutablePath))
	return t, nil
}

func (d *driver) compile(ctx context.Context, t target.Target) (*compiler.CompiledModule, error) {
	mod, err := wasm.ParseModule(d.req.Module)
	if err != nil {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidModule).
			Path(d.req.Name).
			Cause(err).
			Detail("decode").
			Build()
	}
	if err := mod.Validate(); err != nil {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidModule).
			Path(d.req.Name).
			Cause(err).
			Detail("validate").
			Build()
	}
	e := engine.New(ctx, &engine.Config{Logger: d.log})
	err = e.Validate(ctx, d.req.Module)
	_ = e.Close(ctx)
	if err != nil {
		return nil, err
	}

	cm, err := compiler.Compile(ctx, mod, t, compiler.Options{
		Logger: d.log,
		Jobs:   d.req.Jobs,
		Entry:  d.req.Entry,
		Progress: func(done, total int, funcIdx uint32) {
			d.sink.OnEvent(Event{Stage: StageCompile, Status: StatusFunction, Function: funcIdx, Done: done, Total: total})
		},
	})
	if err != nil {
		return nil, err
	}
	if d.req.Mode == ModeExecutable && cm.Entry == nil {
		return nil, errors.InvalidInput(errors.PhaseCompile,
			fmt.Sprintf("module exports no entry point (tried %s); build an object instead", strings.Join(compiler.EntryNames, ", ")))
	}
	return cm, nil
}

func (d *driver) emit(ctx context.Context, cm *compiler.CompiledModule, t target.Target) error {
	prefixer := d.req.Prefixer
	if prefixer == nil {
		prefixer = symbols.NewPrefixer(symbols.GrammarFor(t.ObjectFormat()))
	}
	prefix, err := prefixer.For(d.req.Module, d.req.Prefix)
	if err != nil {
		return err
	}
	d.res.Prefix = prefix

	art, err := object.Emit(cm, prefix, t, object.Options{Logger: d.log, Name: filepath.Base(d.req.Name)})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Cancelled(errors.PhaseEmit, err)
	}
	if err := object.WriteFile(d.fs, d.res.ObjectPath, art); err != nil {
		return err
	}
	d.res.Artifact = art
	d.log.Debug("object written",
		zap.String("path", d.res.ObjectPath),
		zap.String("prefix", string(prefix)),
		zap.Int("bytes", len(art.Bytes)))
	return nil
}

func (d *driver) link(ctx context.Context, t target.Target) error {
	ls := d.req.Link
	lk := linker.New(linker.Options{
		Logger:    d.log,
		Overrides: ls.Overrides,
		TempDir:   ls.TempDir,
		KeepTemp:  ls.KeepTemp,
		LookPath:  ls.LookPath,
		Fs:        d.fs,
	})
	plan := linker.Plan{
		Diagnostics:        ls.Diagnostics,
		Entry:              string(d.res.Prefix),
		Output:             d.res.ExecutablePath,
		Objects:            append([]string{d.res.ObjectPath}, ls.Objects...),
		ExtraArgs:          ls.Args,
		Target:             t,
		MockMissingImports: ls.MockMissingImports,
	}
	if ls.Runtime != "" {
		plan.Runtime = &runtime.Library{
			Dir:     ls.Runtime,
			Include: ls.Runtime,
			Sources: []string{filepath.Join(ls.Runtime, runtime.SourceName)},
		}
	}
	lr, err := lk.Link(ctx, plan)
	if err != nil {
		return err
	}
	d.res.Link = lr
	d.res.ExecutablePath = lr.Output
	return nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
