package linker_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/wippyai/wasm-aot/compiler"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/linker"
	"github.com/wippyai/wasm-aot/object"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

func ins(op byte, imm interface{}) wasm.Instruction { return wasm.Instruction{Opcode: op, Imm: imm} }

func code(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, ins(wasm.OpEnd, nil)))
}

func i32(v int32) wasm.Instruction { return ins(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

// answerModule exports main, which returns add(40, 2). With importLog set
// main also calls env.log first.
func answerModule(importLog bool) *wasm.Module {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
			{Params: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0, 1},
		Code: []wasm.FuncBody{
			{Code: code(ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0}), ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 1}), ins(wasm.OpI32Add, nil))},
			{Code: code(i32(40), i32(2), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}))},
		},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 1}},
	}
	if importLog {
		m.Imports = []wasm.Import{{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 2}}}
		m.Exports[0].Idx = 2
		m.Code[1].Code = code(i32(1), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}), i32(40), i32(2), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}))
	}
	return m
}

// writeObject compiles answerModule for tgt and stores the object in dir.
func writeObject(t *testing.T, dir string, tgt target.Target, prefix symbols.Prefix, importLog bool) string {
	t.Helper()
	cm, err := compiler.Compile(context.Background(), answerModule(importLog), tgt, compiler.Options{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	a, err := object.Emit(cm, prefix, tgt, object.Options{Name: string(prefix)})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	path := filepath.Join(dir, string(prefix)+tgt.ObjectExt())
	if err := object.WriteFile(afero.NewOsFs(), path, a); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func mustResolve(t *testing.T, triple string) target.Target {
	t.Helper()
	tgt, err := target.Resolve(target.Options{Triple: triple})
	if err != nil {
		t.Fatal(err)
	}
	return tgt
}

// fakeLinker writes a shell script standing in for the C driver.
func fakeLinker(t *testing.T, body string) string {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("fake linkers are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "fake-cc")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// writesOutput copies every argument into the file named by -o.
const writesOutput = `out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
echo "warning: fake linker" >&2
printf '%s\n' "$@" > "$out"`

func TestSynthesize(t *testing.T) {
	mods := []*object.Manifest{
		{Prefix: "a", Descriptor: "a__descriptor", Imports: []object.ManifestImport{
			{Module: "env", Name: "log", Symbol: "wasmhost_env_Ilog"},
			{Module: "wasi_snapshot_preview1", Name: "fd_write", Symbol: "wasmhost_wasi__snapshot__preview1_Ifd__write"},
		}},
		{Prefix: "b", Descriptor: "b__descriptor", Imports: []object.ManifestImport{
			{Module: "env", Name: "log", Symbol: "wasmhost_env_Ilog"},
			{Module: "env", Name: "abort", Symbol: "wasmhost_env_Iabort"},
		}},
	}

	b, err := linker.Synthesize(mods, "b", true)
	if err != nil {
		t.Fatal(err)
	}
	if b.Entry != 1 {
		t.Errorf("entry = %d", b.Entry)
	}
	if want := []string{"wasmhost_env_Iabort", "wasmhost_env_Ilog"}; strings.Join(b.Mocked, ",") != strings.Join(want, ",") {
		t.Errorf("mocked = %v, want %v", b.Mocked, want)
	}
	src := string(b.Source)
	for _, want := range []string{
		"#include \"wasmaot_rt.h\"",
		"extern const wasmaot_module a__descriptor;",
		"extern const wasmaot_module b__descriptor;",
		"uint64_t wasmhost_env_Ilog(wasmaot_vmctx *vm)",
		"\t&a__descriptor,\n\t&b__descriptor,\n",
		"return wasmaot_rt_main(argc, argv, modules, 2, 1);",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("bootstrap lacks %q:\n%s", want, src)
		}
	}
	if strings.Count(src, "uint64_t wasmhost_env_Ilog(") != 1 {
		t.Error("shared import stubbed twice")
	}
	if strings.Contains(src, "Ifd__write(") {
		t.Error("runtime builtin was stubbed")
	}

	plain, err := linker.Synthesize(mods, "", false)
	if err != nil || plain.Entry != 0 || len(plain.Mocked) != 0 || strings.Contains(string(plain.Source), "uint64_t wasmhost") {
		t.Errorf("without mocks: %+v, %v", plain, err)
	}

	if _, err := linker.Synthesize(mods, "c", false); err == nil {
		t.Error("unknown entry prefix accepted")
	}
	if _, err := linker.Synthesize([]*object.Manifest{mods[0], mods[0]}, "", false); err == nil {
		t.Error("duplicate prefix accepted")
	}
}

func TestSynthesizeGlobalsAndTables(t *testing.T) {
	mods := []*object.Manifest{
		{Prefix: "a", Descriptor: "a__descriptor",
			Globals: []object.ManifestGlobal{
				{Module: "env", Name: "__memory_base", Symbol: "wasmhost_env_G____memory__base", Type: "i32"},
			},
			Table: &object.ManifestTable{Module: "env", Name: "table", Min: 4},
		},
	}
	_, err := linker.Synthesize(mods, "", false)
	if !errors.IsKind(err, errors.KindLinker) || !strings.Contains(err.Error(), "--mock-missing-imports") {
		t.Fatalf("imported table without mocks: %v", err)
	}

	b, err := linker.Synthesize(mods, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(b.Mocked, ",") != "wasmhost_env_G____memory__base" {
		t.Errorf("mocked = %v", b.Mocked)
	}
	if strings.Join(b.Tables, ",") != "env.table" {
		t.Errorf("tables = %v", b.Tables)
	}
	src := string(b.Source)
	if !strings.Contains(src, "uint64_t wasmhost_env_G____memory__base = 0;") {
		t.Errorf("global not zero-filled:\n%s", src)
	}
	if strings.Contains(src, "wasmhost_env_G____memory__base(") {
		t.Error("global stubbed as a function")
	}

	mods[0].Table = nil
	plain, err := linker.Synthesize(mods, "", false)
	if err != nil || strings.Contains(string(plain.Source), "G____memory__base") {
		t.Errorf("global without mocks: %v", err)
	}
}

func TestLink(t *testing.T) {
	tgt := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, tgt, "wanswer", true)
	tmp := t.TempDir()
	out := filepath.Join(dir, "answer")

	l := linker.New(linker.Options{
		Overrides: linker.Overrides{Linker: fakeLinker(t, writesOutput)},
		TempDir:   tmp,
	})
	var diag bytes.Buffer
	res, err := l.Link(context.Background(), linker.Plan{
		Objects:            []string{obj},
		Output:             out,
		Target:             tgt,
		ExtraArgs:          []string{"-lm"},
		MockMissingImports: true,
		Diagnostics:        &diag,
	})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !strings.Contains(diag.String(), "warning: fake linker") || !strings.Contains(res.Diagnostics, "warning: fake linker") {
		t.Errorf("diagnostics not streamed: %q / %q", diag.String(), res.Diagnostics)
	}
	if len(res.Mocked) != 1 || res.Mocked[0] != "wasmhost_env_Ilog" {
		t.Errorf("mocked = %v", res.Mocked)
	}

	args, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(args)), "\n")
	if lines[len(lines)-1] != "-lm" || lines[len(lines)-2] != obj {
		t.Errorf("linker arguments end with %q", lines[len(lines)-2:])
	}
	var sawBootstrap bool
	for _, a := range lines {
		sawBootstrap = sawBootstrap || strings.HasSuffix(a, linker.BootstrapName)
	}
	if !sawBootstrap {
		t.Error("bootstrap not passed to the linker")
	}
	if fi, _ := os.Stat(out); fi.Mode().Perm()&0o100 == 0 {
		t.Errorf("output mode %v is not executable", fi.Mode())
	}

	if entries, _ := os.ReadDir(tmp); len(entries) != 0 {
		t.Errorf("bootstrap directory left behind: %v", entries)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("temporary output left behind: %s", e.Name())
		}
	}
}

func TestLinkKeepTemp(t *testing.T) {
	tgt := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, tgt, "wkeep", false)
	l := linker.New(linker.Options{
		Overrides: linker.Overrides{Linker: fakeLinker(t, writesOutput)},
		TempDir:   t.TempDir(),
		KeepTemp:  true,
	})
	res, err := l.Link(context.Background(), linker.Plan{Objects: []string{obj}, Output: filepath.Join(dir, "keep"), Target: tgt})
	if err != nil {
		t.Fatal(err)
	}
	src, err := os.ReadFile(res.Bootstrap)
	if err != nil || !bytes.Contains(src, []byte("wkeep__descriptor")) {
		t.Errorf("bootstrap %q not kept: %v", res.Bootstrap, err)
	}
}

func TestLinkFailure(t *testing.T) {
	tgt := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, tgt, "wfail", true)
	script := fakeLinker(t, "echo \"undefined reference to \\`wasmhost_env_Ilog'\" >&2\nexit 1")
	l := linker.New(linker.Options{Overrides: linker.Overrides{Linker: script}, TempDir: t.TempDir()})

	out := filepath.Join(dir, "fail")
	_, err := l.Link(context.Background(), linker.Plan{Objects: []string{obj}, Output: out, Target: tgt})
	if !errors.IsKind(err, errors.KindLinker) {
		t.Fatalf("err = %v, want linker error", err)
	}
	var e *errors.Error
	if !errors.As(err, &e) || !strings.Contains(e.Diagnostics, "undefined reference to `wasmhost_env_Ilog'") {
		t.Errorf("diagnostics = %q", e.Diagnostics)
	}
	if !strings.Contains(e.Detail, "status 1") {
		t.Errorf("detail = %q", e.Detail)
	}
	if errors.ExitCodeOf(err) != errors.ExitLinker {
		t.Errorf("exit code = %d", errors.ExitCodeOf(err))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("output directory holds %d entries, want only the object", len(entries))
	}
}

func TestLinkCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tgt := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, tgt, "wslow", false)
	l := linker.New(linker.Options{Overrides: linker.Overrides{Linker: fakeLinker(t, "exec sleep 30")}, TempDir: t.TempDir()})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := l.Link(ctx, linker.Plan{Objects: []string{obj}, Output: filepath.Join(dir, "slow"), Target: tgt})
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("linker was not killed promptly")
	}
	if errors.ExitCodeOf(err) != errors.ExitCancelled {
		t.Errorf("exit code = %d", errors.ExitCodeOf(err))
	}
}

func TestLinkNoCandidates(t *testing.T) {
	tgt := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, tgt, "wnone", false)
	var asked []string
	l := linker.New(linker.Options{
		TempDir: t.TempDir(),
		LookPath: func(name string) (string, error) {
			asked = append(asked, name)
			return "", exec.ErrNotFound
		},
	})
	_, err := l.Link(context.Background(), linker.Plan{Objects: []string{obj}, Output: filepath.Join(dir, "none"), Target: tgt})
	if !errors.IsKind(err, errors.KindLinker) || !strings.Contains(err.Error(), "tried") {
		t.Fatalf("err = %v", err)
	}
	if len(asked) < 2 {
		t.Errorf("only %v tried", asked)
	}
}

func TestLinkRejects(t *testing.T) {
	linux := mustResolve(t, "x86_64-unknown-linux-gnu")
	dir := t.TempDir()
	obj := writeObject(t, dir, linux, "wrej", false)
	junk := filepath.Join(dir, "junk.o")
	_ = os.WriteFile(junk, []byte("junk"), 0o644)
	l := linker.New(linker.Options{TempDir: t.TempDir()})

	tests := []struct {
		name string
		plan linker.Plan
		kind errors.Kind
	}{
		{"no objects", linker.Plan{Output: "x", Target: linux}, errors.KindInvalidInput},
		{"no output", linker.Plan{Objects: []string{obj}, Target: linux}, errors.KindInvalidInput},
		{"target mismatch", linker.Plan{Objects: []string{obj}, Output: "x", Target: mustResolve(t, "arm64-apple-darwin")}, errors.KindInvalidInput},
		{"unknown entry", linker.Plan{Objects: []string{obj}, Output: "x", Target: linux, Entry: "other"}, errors.KindInvalidInput},
		{"missing object", linker.Plan{Objects: []string{filepath.Join(dir, "absent.o")}, Output: "x", Target: linux}, errors.KindIO},
		{"not an object", linker.Plan{Objects: []string{junk}, Output: "x", Target: linux}, errors.KindObjectFormat},
	}
	for _, tt := range tests {
		if _, err := l.Link(context.Background(), tt.plan); !errors.IsKind(err, tt.kind) {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.kind)
		}
	}
}

// TestLinkHost builds and runs a real executable with the host toolchain.
func TestLinkHost(t *testing.T) {
	host, err := target.Host()
	if err != nil || host.Backend() == target.BackendNone || host.OS == target.OSWindows {
		t.Skip("host has no supported native backend")
	}
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("no C toolchain on PATH")
	}
	dir := t.TempDir()
	obj := writeObject(t, dir, host, "whost", true)
	out := filepath.Join(dir, "answer")
	var diag bytes.Buffer
	_, err = linker.New(linker.Options{TempDir: t.TempDir()}).Link(context.Background(), linker.Plan{
		Objects:            []string{obj},
		Output:             out,
		Target:             host,
		MockMissingImports: true,
		Diagnostics:        &diag,
	})
	if err != nil {
		t.Fatalf("Link: %v\n%s", err, diag.String())
	}

	var stderr bytes.Buffer
	cmd := exec.Command(out)
	cmd.Stderr = &stderr
	err = cmd.Run()
	var exit *exec.ExitError
	if !errors.As(err, &exit) || exit.ExitCode() != 42 {
		t.Fatalf("run: %v, want exit status 42", err)
	}
	if !strings.Contains(stderr.String(), "import env.log is not implemented") {
		t.Errorf("stderr = %q", stderr.String())
	}
}
