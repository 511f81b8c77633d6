package linker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/object"
	"github.com/wippyai/wasm-aot/runtime"
	"github.com/wippyai/wasm-aot/target"
)

// Options configures a Linker.
type Options struct {
	Logger    *zap.Logger
	Overrides Overrides
	// TempDir is where bootstrap directories are created. Empty means the
	// system default.
	TempDir string
	// KeepTemp leaves the bootstrap directory in place for inspection.
	KeepTemp bool
	// LookPath resolves candidate programs. Nil means exec.LookPath.
	LookPath func(string) (string, error)
	// Fs holds objects, the bootstrap and the output. It must be backed by
	// the OS file system for the external linker to see the files. Nil
	// means afero.NewOsFs().
	Fs afero.Fs
}

// Plan is one link request.
type Plan struct {
	// Runtime is a support library already on disk. Nil writes the
	// embedded sources next to the bootstrap.
	Runtime *runtime.Library
	// Diagnostics receives the linker's output line by line.
	Diagnostics io.Writer
	// Entry is the symbol prefix of the module to run. Empty selects the
	// first object.
	Entry              string
	Output             string
	Objects            []string
	ExtraArgs          []string
	Target             target.Target
	MockMissingImports bool
}

// Result describes a successful link.
type Result struct {
	Output      string
	Linker      string // the candidate that ran
	Args        []string
	Diagnostics string
	Bootstrap   string   // synthesized source path, empty once removed
	Mocked      []string // import symbols given stubs
	Tables      []string // imported tables left null
	Duration    time.Duration
}

// Linker drives an external toolchain to turn objects into an executable.
// It keeps no state between calls and is safe for concurrent use as long as
// the plans name distinct outputs.
type Linker struct {
	opts     Options
	log      *zap.Logger
	fs       afero.Fs
	lookPath func(string) (string, error)
}

// New creates a Linker.
func New(opts Options) *Linker {
	l := &Linker{opts: opts, log: opts.Logger, fs: opts.Fs, lookPath: opts.LookPath}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	if l.lookPath == nil {
		l.lookPath = exec.LookPath
	}
	return l
}

// Link produces plan.Output from plan.Objects, the runtime and a
// synthesized bootstrap. The output is written under a temporary name in
// its directory and renamed only after the linker succeeds.
func (l *Linker) Link(ctx context.Context, plan Plan) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(errors.PhaseLink, err)
	}
	if len(plan.Objects) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLink, "no objects to link")
	}
	if plan.Output == "" {
		return nil, errors.InvalidInput(errors.PhaseLink, "no output path")
	}

	manifests, err := l.manifests(plan)
	if err != nil {
		return nil, err
	}
	boot, err := Synthesize(manifests, plan.Entry, plan.MockMissingImports)
	if err != nil {
		if errors.KindOf(err) != "" {
			return nil, err
		}
		return nil, errors.New(errors.PhaseLink, errors.KindInvalidInput).Detail("%v", err).Build()
	}
	for _, sym := range boot.Mocked {
		l.log.Info("mocking missing import", zap.String("symbol", sym))
	}
	for _, name := range boot.Tables {
		l.log.Info("mocking imported table", zap.String("table", name))
	}

	dir, err := afero.TempDir(l.fs, l.opts.TempDir, "wasmaot-link-")
	if err != nil {
		return nil, errors.IO("create bootstrap directory", l.opts.TempDir, err)
	}
	res := &Result{Mocked: boot.Mocked, Tables: boot.Tables, Bootstrap: filepath.Join(dir, BootstrapName)}
	if l.opts.KeepTemp {
		l.log.Info("keeping bootstrap directory", zap.String("dir", dir))
	} else {
		defer func() {
			if rmErr := l.fs.RemoveAll(dir); rmErr != nil {
				l.log.Warn("cannot remove bootstrap directory", zap.String("dir", dir), zap.Error(rmErr))
			}
		}()
	}

	lib := plan.Runtime
	if lib == nil {
		if lib, err = runtime.Write(l.fs, dir); err != nil {
			return nil, err
		}
	}
	if err = afero.WriteFile(l.fs, res.Bootstrap, boot.Source, 0o644); err != nil {
		return nil, errors.IO("write bootstrap", res.Bootstrap, err)
	}

	output, err := filepath.Abs(plan.Output)
	if err != nil {
		return nil, errors.IO("resolve output path", plan.Output, err)
	}
	tmp, err := l.reserveOutput(output)
	if err != nil {
		return nil, err
	}
	linked := false
	defer func() {
		if !linked {
			_ = l.fs.Remove(tmp)
		}
	}()

	inputs := append([]string{res.Bootstrap}, lib.Sources...)
	for _, obj := range plan.Objects {
		abs, absErr := filepath.Abs(obj)
		if absErr != nil {
			abs = obj
		}
		inputs = append(inputs, abs)
	}
	cmd := command{inputs: inputs, include: lib.Include, output: tmp, extra: plan.ExtraArgs}

	if err = l.invoke(ctx, plan, cmd, dir, res); err != nil {
		return nil, err
	}
	if err = l.fs.Chmod(tmp, 0o755); err != nil {
		return nil, errors.IO("chmod", tmp, err)
	}
	if err = l.fs.Rename(tmp, output); err != nil {
		return nil, errors.IO("rename", plan.Output, err)
	}
	linked = true

	res.Output = plan.Output
	res.Duration = time.Since(start)
	if !l.opts.KeepTemp {
		res.Bootstrap = ""
	}
	l.log.Info("executable linked",
		zap.String("output", plan.Output),
		zap.String("linker", res.Linker),
		zap.Int("modules", len(manifests)),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

// invoke tries each candidate in turn. Only an absent program moves on to
// the next one.
func (l *Linker) invoke(ctx context.Context, plan Plan, cmd command, dir string, res *Result) error {
	host, err := target.Host()
	if err != nil {
		host = target.Target{}
	}
	flavor := FlavorFor(plan.Target)
	var tried []string
	for _, c := range Candidates(plan.Target, host, l.opts.Overrides) {
		path, err := l.lookPath(c.Program)
		if err != nil {
			if !isNotFound(err) {
				return errors.Linker(fmt.Sprintf("cannot resolve %s", c.Program), "", err)
			}
			l.log.Debug("linker candidate not found", zap.String("program", c.Program))
			tried = append(tried, c.Program)
			continue
		}
		args := cmd.args(flavor, plan.Target, c)
		l.log.Debug("running linker",
			zap.String("flavor", flavor.String()),
			zap.String("program", path),
			zap.Strings("args", args))

		out, err := process{program: path, args: args, dir: dir}.run(ctx, plan.Diagnostics, l.log)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Cancelled(errors.PhaseLink, ctxErr)
		}
		if err != nil {
			if isNotFound(err) {
				tried = append(tried, c.Program)
				continue
			}
			detail := fmt.Sprintf("%s failed", c)
			var exit *exec.ExitError
			if stderrors.As(err, &exit) {
				detail = fmt.Sprintf("%s exited with status %d", c, exit.ExitCode())
			}
			return errors.Linker(detail, out, err)
		}
		res.Linker = c.String()
		res.Args = args
		res.Diagnostics = out
		return nil
	}
	return errors.Linker("no linker found (tried "+strings.Join(tried, ", ")+")", "", exec.ErrNotFound)
}

// manifests reads each object's manifest and checks it was built for the
// plan's target.
func (l *Linker) manifests(plan Plan) ([]*object.Manifest, error) {
	out := make([]*object.Manifest, 0, len(plan.Objects))
	want := plan.Target.Triple()
	for _, path := range plan.Objects {
		f, err := l.fs.Open(path)
		if err != nil {
			return nil, errors.IO("open object", path, err)
		}
		m, err := object.ReadManifest(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.New(errors.PhaseLink, errors.KindObjectFormat).Path(path).Cause(err).Detail("not a wasmaot object").Build()
		}
		if m.Target != want {
			return nil, errors.New(errors.PhaseLink, errors.KindInvalidInput).
				Path(path).
				Detail("object was compiled for %s, not %s", m.Target, want).
				Build()
		}
		out = append(out, m)
	}
	return out, nil
}

// reserveOutput creates an empty temporary file next to output for the
// linker to overwrite.
func (l *Linker) reserveOutput(output string) (string, error) {
	dir := filepath.Dir(output)
	f, err := afero.TempFile(l.fs, dir, "."+filepath.Base(output)+".link-")
	if err != nil {
		return "", errors.IO("create temporary output", dir, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = l.fs.Remove(name)
		return "", errors.IO("close", name, err)
	}
	return name, nil
}
