// Package runtime carries the C support library that compiled modules
// link against.
//
// The library instantiates each module from its descriptor, implements
// the routines compiled code calls (traps, memory.grow, bulk memory) and
// provides a small set of host imports. The sources are embedded and
// written next to the bootstrap at link time, then compiled by the same
// toolchain that links the executable.
package runtime

import (
	"embed"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
)

// Source file names.
const (
	HeaderName = "wasmaot_rt.h"
	SourceName = "wasmaot_rt.c"
)

// TrapExitCode is the process exit status after a trap.
const TrapExitCode = 134

// C files next to runtime.go would make this a cgo package.
//
//go:embed native/*.c native/*.h
var sources embed.FS

// Import is a host import the library implements.
type Import struct {
	Module string
	Name   string
}

// Symbol returns the linker symbol compiled code calls for the import.
func (i Import) Symbol() string { return symbols.Import(i.Module, i.Name) }

var builtins = []Import{
	{Module: "wasi_snapshot_preview1", Name: "fd_write"},
	{Module: "wasi_snapshot_preview1", Name: "proc_exit"},
}

// Builtins lists the host imports the library provides, sorted by symbol.
func Builtins() []Import {
	out := append([]Import(nil), builtins...)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

// Provides reports whether the library implements the named import.
func Provides(module, name string) bool {
	for _, b := range builtins {
		if b.Module == module && b.Name == name {
			return true
		}
	}
	return false
}

// Header returns the contents of wasmaot_rt.h.
func Header() []byte { return mustRead(HeaderName) }

// Source returns the contents of wasmaot_rt.c.
func Source() []byte { return mustRead(SourceName) }

func mustRead(name string) []byte {
	b, err := sources.ReadFile(path.Join("native", name))
	if err != nil {
		panic(err)
	}
	return b
}

// Library is the support library written to disk.
type Library struct {
	Dir     string
	Include string   // directory holding wasmaot_rt.h
	Sources []string // translation units to compile
}

// Write stores the library sources in dir, which must exist.
func Write(fs afero.Fs, dir string) (*Library, error) {
	for _, name := range []string{HeaderName, SourceName} {
		dst := filepath.Join(dir, name)
		if err := afero.WriteFile(fs, dst, mustRead(name), 0o644); err != nil {
			return nil, errors.IO("write runtime source", dst, err)
		}
	}
	return &Library{
		Dir:     dir,
		Include: dir,
		Sources: []string{filepath.Join(dir, SourceName)},
	}, nil
}
