package main

import (
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-aot/build"
	"github.com/wippyai/wasm-aot/config"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/linker"
)

type compileOptions struct {
	target     string
	format     string
	cpu        string
	features   string
	output     string
	prefix     string
	objectOnly bool
	entry      string
	jobs       int
	configPath string
	linkerArgs []string
	mock       bool
	keepTemp   bool
	ui         string
}

func newCompileCmd(g *globalOptions) *cobra.Command {
	o := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile [flags] <module.wasm>",
		Short: "Compile a module to an object file or executable",
		Long: `Compile a WebAssembly core module ahead of time.

By default the module is linked with the wasmaot runtime into a standalone
executable for the host. --object-only stops after the object file.

Settings are read from wasmaot.toml (searched upward from the working
directory, or named with --config), then WASMAOT_LINKER, WASMAOT_TARGET,
WASMAOT_JOBS, WASMAOT_KEEP_TEMP and CC, then flags.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, g, o, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "", "target triple (default: host)")
	f.StringVar(&o.format, "format", "", "object format: elf, macho, coff or archive")
	f.StringVar(&o.cpu, "cpu", "", "CPU level: baseline, native, or a named level")
	f.StringVar(&o.features, "features", "", "feature adjustments, e.g. +popcnt,-lzcnt")
	f.StringVarP(&o.output, "output", "o", "", "output path")
	f.StringVar(&o.prefix, "prefix", "", "symbol prefix (default: derived from the module hash)")
	f.BoolVar(&o.objectOnly, "object-only", false, "write the object file and skip linking")
	f.StringVar(&o.entry, "entry", "", "export to run (default: _start, then main)")
	f.IntVar(&o.jobs, "jobs", 0, "parallel function compilations (default: GOMAXPROCS)")
	f.StringVar(&o.configPath, "config", "", "configuration file")
	f.StringArrayVar(&o.linkerArgs, "linker-arg", nil, "extra linker argument (repeatable)")
	f.BoolVar(&o.mock, "mock-missing-imports", false, "link stubs for imports the runtime does not provide")
	f.BoolVar(&o.keepTemp, "keep-temp", false, "keep the bootstrap directory")
	f.StringVar(&o.ui, "ui", "auto", "progress output: auto, tui or plain")
	return cmd
}

// loadConfig layers the file and the environment under the flags.
func loadConfig(cmd *cobra.Command, fs afero.Fs, o *compileOptions) (config.Config, config.Env, error) {
	cfg := config.Default()
	path := o.configPath
	if path == "" {
		found, ok, err := config.Find(fs, ".")
		if err != nil {
			return cfg, config.Env{}, err
		}
		if ok {
			path = found
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(fs, path); err != nil {
			return cfg, config.Env{}, err
		}
	}
	env, err := config.FromEnv(nil)
	if err != nil {
		return cfg, env, err
	}
	cfg = cfg.Apply(env)

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("target", func() { cfg.Target.Triple = o.target })
	set("format", func() { cfg.Target.Format = o.format })
	set("cpu", func() { cfg.Target.CPU = o.cpu })
	set("features", func() { cfg.Target.Features = o.features })
	set("output", func() { cfg.Build.Output = o.output })
	set("prefix", func() { cfg.Build.Prefix = o.prefix })
	set("entry", func() { cfg.Build.Entry = o.entry })
	set("jobs", func() { cfg.Build.Jobs = o.jobs })
	set("object-only", func() {
		if o.objectOnly {
			cfg.Build.Mode = config.ModeObject
		} else {
			cfg.Build.Mode = config.ModeExecutable
		}
	})
	set("linker-arg", func() { cfg.Link.Args = append(cfg.Link.Args, o.linkerArgs...) })
	set("mock-missing-imports", func() { cfg.Link.MockMissingImports = o.mock })
	set("keep-temp", func() { cfg.Link.KeepTemp = o.keepTemp })
	return cfg, env, cfg.Validate()
}

func runCompile(cmd *cobra.Command, g *globalOptions, o *compileOptions, input string) error {
	mode, err := readUIMode(o.ui)
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	cfg, env, err := loadConfig(cmd, fs, o)
	if err != nil {
		return err
	}
	module, err := afero.ReadFile(fs, input)
	if err != nil {
		return errors.IO("read module", input, err)
	}

	log := newLogger(g.verbose)
	defer func() { _ = log.Sync() }()

	tui := useTUI(mode, g.verbose)
	req := build.Request{
		Module: module,
		Name:   input,
		Target: cfg.TargetOptions(),
		Prefix: cfg.Build.Prefix,
		Mode:   build.Mode(cfg.Build.Mode),
		Output: cfg.Build.Output,
		Entry:  cfg.Build.Entry,
		Jobs:   cfg.Build.Jobs,
		Link: build.LinkSettings{
			Overrides:          linker.Overrides{Linker: cfg.Link.Linker, CC: env.CC},
			Args:               cfg.Link.Args,
			Runtime:            cfg.Link.Runtime,
			MockMissingImports: cfg.Link.MockMissingImports,
			KeepTemp:           cfg.Link.KeepTemp,
		},
		Fs:     fs,
		Logger: log,
	}
	var res *build.Result
	if tui {
		res, err = runWithTUI(cmd.Context(), filepath.Base(input), req)
	} else {
		req.Progress = plainSink{w: cmd.ErrOrStderr()}
		req.Link.Diagnostics = cmd.ErrOrStderr()
		res, err = build.Build(cmd.Context(), req)
	}
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res, g.verbose)
	return nil
}
