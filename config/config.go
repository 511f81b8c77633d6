// Package config loads wasmaot.toml and the WASMAOT_* environment.
//
// Values are layered: command-line flags over the environment over the
// file over Default. This package handles the lower three layers; the
// command applies flags last.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/target"
)

// FileName is the configuration file looked up from the working directory.
const FileName = "wasmaot.toml"

// Build modes.
const (
	ModeObject     = "object"
	ModeExecutable = "executable"
)

// Config is the merged configuration of a compile.
type Config struct {
	Target Target `toml:"target"`
	Build  Build  `toml:"build"`
	Link   Link   `toml:"link"`
}

// Target selects what to compile for.
type Target struct {
	Triple   string `toml:"triple"`
	Format   string `toml:"format"`
	CPU      string `toml:"cpu"`
	Features string `toml:"features"`
}

// Build controls the pipeline.
type Build struct {
	Mode   string `toml:"mode"`
	Output string `toml:"output"`
	Prefix string `toml:"prefix"`
	Entry  string `toml:"entry"`
	Jobs   int    `toml:"jobs"`
}

// Link controls the external linker.
type Link struct {
	Linker             string   `toml:"linker"`
	Args               []string `toml:"args"`
	Runtime            string   `toml:"runtime"`
	MockMissingImports bool     `toml:"mock_missing_imports"`
	KeepTemp           bool     `toml:"keep_temp"`
}

// Default returns the built-in configuration: an executable for the host.
func Default() Config {
	return Config{Build: Build{Mode: ModeExecutable}}
}

// TargetOptions converts the target section for target.Resolve.
func (c Config) TargetOptions() target.Options {
	return target.Options{
		Triple:   c.Target.Triple,
		Format:   c.Target.Format,
		CPU:      c.Target.CPU,
		Features: c.Target.Features,
	}
}

// Validate checks values the type system cannot.
func (c Config) Validate() error {
	switch c.Build.Mode {
	case ModeObject, ModeExecutable:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("build", "mode").
			Value(c.Build.Mode).
			Detail("mode must be %q or %q", ModeObject, ModeExecutable).
			Build()
	}
	if c.Build.Jobs < 0 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("build", "jobs").
			Value(c.Build.Jobs).
			Detail("jobs must not be negative").
			Build()
	}
	return nil
}

// Load decodes path over Default. Keys the file sets but Config does not
// know are an error, so typos do not pass silently.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.IO("read config", path, err)
	}
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(path).
			Cause(err).
			Detail("parse TOML").
			Build()
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(path).
			Detail("unknown keys: %s", strings.Join(keys, ", ")).
			Build()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Find looks for FileName in dir and its parents.
func Find(fs afero.Fs, dir string) (string, bool, error) {
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := fs.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !stderrors.Is(err, os.ErrNotExist) {
			return "", false, errors.IO("stat", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Env is the environment layer. Pointer fields are nil when unset.
type Env struct {
	Linker   string `envconfig:"WASMAOT_LINKER"`
	CC       string `envconfig:"CC"`
	Target   string `envconfig:"WASMAOT_TARGET"`
	Jobs     *int   `envconfig:"WASMAOT_JOBS"`
	KeepTemp *bool  `envconfig:"WASMAOT_KEEP_TEMP"`
}

// FromEnv reads the environment through lookup, os.LookupEnv when nil.
func FromEnv(lookup func(string) (string, bool)) (Env, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var env Env
	if err := envconfig.Process("", &env, lookup); err != nil {
		return env, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Cause(err).
			Detail("environment").
			Build()
	}
	return env, nil
}

// Apply overlays the set environment values on c. CC is not applied here;
// the linker consults it only for flavors that accept it.
func (c Config) Apply(env Env) Config {
	if env.Linker != "" {
		c.Link.Linker = env.Linker
	}
	if env.Target != "" {
		c.Target.Triple = env.Target
	}
	if env.Jobs != nil {
		c.Build.Jobs = *env.Jobs
	}
	if env.KeepTemp != nil {
		c.Link.KeepTemp = *env.KeepTemp
	}
	return c
}
