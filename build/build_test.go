package build_test

import (
	"bytes"
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/wippyai/wasm-aot/build"
	"github.com/wippyai/wasm-aot/engine"
	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/linker"
	"github.com/wippyai/wasm-aot/object"
	"github.com/wippyai/wasm-aot/runtime"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

const linuxX64 = "x86_64-unknown-linux-gnu"

func ins(op byte, imm interface{}) wasm.Instruction { return wasm.Instruction{Opcode: op, Imm: imm} }

func code(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, ins(wasm.OpEnd, nil)))
}

func i32(v int32) wasm.Instruction { return ins(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

func local(i uint32) wasm.Instruction { return ins(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: i}) }

// answer exports add and, when withMain is set, a main returning add(40, 2).
func answer(withMain bool) []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "add", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: code(local(0), local(1), ins(wasm.OpI32Add, nil))}},
	}
	if withMain {
		m.Funcs = append(m.Funcs, 1)
		m.Exports = append(m.Exports, wasm.Export{Name: "main", Kind: wasm.KindFunc, Idx: 1})
		m.Code = append(m.Code, wasm.FuncBody{Code: code(i32(40), i32(2), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}))})
	}
	return m.Encode()
}

type recorder struct {
	mu     sync.Mutex
	events []build.Event
}

func (r *recorder) OnEvent(ev build.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) stages(status build.Status) []build.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []build.Stage
	for _, ev := range r.events {
		if ev.Status == status {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func (r *recorder) functions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Status == build.StatusFunction {
			n++
			if ev.Total != 2 || ev.Done < 1 || ev.Done > 2 {
				return -1
			}
		}
	}
	return n
}

func files(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	var out []string
	err := afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			out = append(out, path)
		}
		return err
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return out
}

func TestBuildObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := &recorder{}
	res, err := build.Build(context.Background(), build.Request{
		Module:   answer(true),
		Name:     "answer.wasm",
		Target:   target.Options{Triple: linuxX64},
		Mode:     build.ModeObject,
		Output:   "/out/answer.o",
		Prefix:   "wanswer",
		Jobs:     2,
		Fs:       fs,
		Progress: rec,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.State != build.StateDone || res.Prefix != "wanswer" || res.ObjectPath != "/out/answer.o" || res.ExecutablePath != "" {
		t.Errorf("result = %+v", res)
	}
	if res.Target.Triple() != linuxX64 {
		t.Errorf("target = %s", res.Target.Triple())
	}

	f, err := fs.Open("/out/answer.o")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	man, err := object.ReadManifest(f)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if man.Prefix != "wanswer" || man.Name != "answer.wasm" || man.Entry != "main" || man.Functions != 2 {
		t.Errorf("manifest = %+v", man)
	}

	want := []build.Stage{build.StageResolve, build.StageCompile, build.StageEmit}
	if got := rec.stages(build.StatusDone); !equalStages(got, want) {
		t.Errorf("done stages = %v, want %v", got, want)
	}
	if n := rec.functions(); n != 2 {
		t.Errorf("function events = %d", n)
	}
	for _, s := range want {
		if !res.Timings.Has(s) {
			t.Errorf("no timing for %s", s)
		}
	}
	if res.Timings.Has(build.StageLink) {
		t.Error("object build recorded a link stage")
	}
}

func equalStages(a, b []build.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuildDefaultOutputs(t *testing.T) {
	tests := []struct {
		triple, format string
		mode           build.Mode
		object, exe    string
	}{
		{linuxX64, "", build.ModeObject, "answer.o", ""},
		{"x86_64-pc-windows-msvc", "", build.ModeObject, "answer.obj", ""},
		{"aarch64-unknown-linux-gnu", "archive", build.ModeObject, "answer.a", ""},
		{"x86_64-pc-windows-msvc", "", build.ModeExecutable, "answer.obj", "answer.exe"},
	}
	for _, tt := range tests {
		t.Run(tt.triple+"/"+string(tt.mode), func(t *testing.T) {
			dir := t.TempDir()
			res, _ := build.Build(context.Background(), build.Request{
				Module: answer(true),
				Name:   filepath.Join(dir, "answer.wasm"),
				Target: target.Options{Triple: tt.triple, Format: tt.format},
				Mode:   tt.mode,
				Fs:     afero.NewMemMapFs(),
				// Fails at the link, after the paths are settled.
				Link: build.LinkSettings{LookPath: func(string) (string, error) { return "", os.ErrNotExist }},
			})
			if res.ObjectPath != tt.object || res.ExecutablePath != tt.exe {
				t.Errorf("paths = %q, %q", res.ObjectPath, res.ExecutablePath)
			}
		})
	}
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name  string
		req   build.Request
		kind  errors.Kind
		exit  errors.ExitCode
		stops build.Stage
	}{
		{
			name:  "unsupported target",
			req:   build.Request{Module: answer(true), Target: target.Options{Triple: "riscv64-unknown-linux-gnu"}, Mode: build.ModeObject},
			kind:  errors.KindUnsupportedTarget,
			exit:  errors.ExitUnsupportedTarget,
			stops: build.StageResolve,
		},
		{
			name:  "bad mode",
			req:   build.Request{Module: answer(true), Target: target.Options{Triple: linuxX64}, Mode: "library"},
			kind:  errors.KindInvalidInput,
			exit:  errors.ExitInvalidInput,
			stops: build.StageResolve,
		},
		{
			name:  "garbage module",
			req:   build.Request{Module: []byte("not wasm"), Target: target.Options{Triple: linuxX64}, Mode: build.ModeObject},
			kind:  errors.KindInvalidModule,
			exit:  errors.ExitInvalidModule,
			stops: build.StageCompile,
		},
		{
			name:  "no entry",
			req:   build.Request{Module: answer(false), Target: target.Options{Triple: linuxX64}, Mode: build.ModeExecutable},
			kind:  errors.KindInvalidInput,
			exit:  errors.ExitInvalidInput,
			stops: build.StageCompile,
		},
		{
			name:  "unknown entry",
			req:   build.Request{Module: answer(true), Target: target.Options{Triple: linuxX64}, Mode: build.ModeObject, Entry: "run"},
			kind:  errors.KindInvalidInput,
			exit:  errors.ExitInvalidInput,
			stops: build.StageCompile,
		},
		{
			name:  "illegal prefix",
			req:   build.Request{Module: answer(true), Target: target.Options{Triple: linuxX64}, Mode: build.ModeObject, Prefix: "bad-prefix"},
			kind:  errors.KindInvalidInput,
			exit:  errors.ExitInvalidInput,
			stops: build.StageEmit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			rec := &recorder{}
			tt.req.Fs = fs
			tt.req.Progress = rec
			res, err := build.Build(context.Background(), tt.req)
			if !errors.IsKind(err, tt.kind) {
				t.Fatalf("err = %v, want %s", err, tt.kind)
			}
			if errors.ExitCodeOf(err) != tt.exit {
				t.Errorf("exit = %d, want %d", errors.ExitCodeOf(err), tt.exit)
			}
			if res.State != build.StateFailed || res.FailedKind != tt.kind {
				t.Errorf("state = %s (%s)", res.State, res.FailedKind)
			}
			if got := rec.stages(build.StatusError); len(got) != 1 || got[0] != tt.stops {
				t.Errorf("failed stages = %v, want %s", got, tt.stops)
			}
			if left := files(t, fs); len(left) != 0 {
				t.Errorf("files written: %v", left)
			}
		})
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := build.Build(ctx, build.Request{Module: answer(true), Target: target.Options{Triple: linuxX64}, Mode: build.ModeObject, Fs: afero.NewMemMapFs()})
	if !errors.IsKind(err, errors.KindCancelled) || errors.ExitCodeOf(err) != errors.ExitCancelled {
		t.Fatalf("err = %v", err)
	}
	if res.FailedKind != errors.KindCancelled {
		t.Errorf("failed kind = %s", res.FailedKind)
	}
}

func TestBuildSharedPrefixer(t *testing.T) {
	// Two different modules of one program may not claim one override.
	p := symbols.NewPrefixer(symbols.GrammarFor(target.FormatELF))
	first := build.Request{
		Module:   answer(true),
		Target:   target.Options{Triple: linuxX64},
		Mode:     build.ModeObject,
		Output:   "/a.o",
		Prefix:   "wshared",
		Prefixer: p,
		Fs:       afero.NewMemMapFs(),
	}
	if _, err := build.Build(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	again := first
	again.Output = "/a2.o"
	if res, err := build.Build(context.Background(), again); err != nil || res.Prefix != "wshared" {
		t.Errorf("same module again: %v", err)
	}
	second := first
	second.Module, second.Output = answer(false), "/b.o"
	if _, err := build.Build(context.Background(), second); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("second module with the same prefix: %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("prefixer saw %d modules", p.Len())
	}
}

func TestBuildExecutable(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("fake linkers are shell scripts")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-cc")
	body := `#!/bin/sh
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
echo "note: linking" >&2
printf '%s\n' "$@" > "$out"
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	var diag bytes.Buffer
	rec := &recorder{}
	res, err := build.Build(context.Background(), build.Request{
		Module:   answer(true),
		Name:     "answer.wasm",
		Target:   target.Options{Triple: linuxX64},
		Mode:     build.ModeExecutable,
		Output:   filepath.Join(dir, "answer"),
		Fs:       afero.NewOsFs(),
		Progress: rec,
		Link: build.LinkSettings{
			Overrides:   linker.Overrides{Linker: script},
			Args:        []string{"-lm"},
			TempDir:     dir,
			Diagnostics: &diag,
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.State != build.StateDone || res.Link == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.ObjectPath != filepath.Join(dir, "answer.o") {
		t.Errorf("object = %s", res.ObjectPath)
	}
	args, err := os.ReadFile(res.ExecutablePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "answer.o") || !strings.HasSuffix(strings.TrimSpace(string(args)), "-lm") {
		t.Errorf("linker args = %q", args)
	}
	if !strings.Contains(diag.String(), "note: linking") {
		t.Errorf("diagnostics = %q", diag.String())
	}
	want := []build.Stage{build.StageResolve, build.StageCompile, build.StageEmit, build.StageLink}
	if got := rec.stages(build.StatusDone); !equalStages(got, want) {
		t.Errorf("done stages = %v", got)
	}
}

func TestBuildLinkFailure(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("fake linkers are shell scripts")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fail-cc")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'undefined reference to wasmhost_env_Ilog' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := build.Build(context.Background(), build.Request{
		Module: answer(true),
		Target: target.Options{Triple: linuxX64},
		Mode:   build.ModeExecutable,
		Output: filepath.Join(dir, "answer"),
		Link:   build.LinkSettings{Overrides: linker.Overrides{Linker: script}, TempDir: dir},
	})
	if !errors.IsKind(err, errors.KindLinker) || errors.ExitCodeOf(err) != errors.ExitLinker {
		t.Fatalf("err = %v", err)
	}
	if res.State != build.StateFailed || res.FailedKind != errors.KindLinker {
		t.Errorf("state = %s (%s)", res.State, res.FailedKind)
	}
	if _, err := os.Stat(filepath.Join(dir, "answer")); !os.IsNotExist(err) {
		t.Errorf("executable left behind: %v", err)
	}
	if _, err := os.Stat(res.ObjectPath); err != nil {
		t.Errorf("object missing: %v", err)
	}
}

func TestChannelSink(t *testing.T) {
	ch := make(chan build.Event, 64)
	done := make(chan struct{})
	var got []build.Event
	go func() {
		for ev := range ch {
			got = append(got, ev)
		}
		close(done)
	}()
	_, err := build.Build(context.Background(), build.Request{
		Module:   answer(true),
		Target:   target.Options{Triple: "aarch64-apple-darwin"},
		Mode:     build.ModeObject,
		Output:   "/answer.o",
		Fs:       afero.NewMemMapFs(),
		Progress: build.ChannelSink{Ch: ch},
	})
	close(ch)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Stage != build.StageResolve || got[0].Status != build.StatusWorking {
		t.Errorf("first event = %+v", got)
	}
	last := got[len(got)-1]
	if last.Stage != build.StageEmit || last.Status != build.StatusDone {
		t.Errorf("last event = %+v", last)
	}
}

// summation exports main returning the sum of 1..10 computed in a loop.
func summation() []byte {
	set := func(i uint32) wasm.Instruction { return ins(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: i}) }
	sum := wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}},
		Code: code(
			ins(wasm.OpBlock, wasm.BlockImm{Type: wasm.BlockTypeVoid}),
			ins(wasm.OpLoop, wasm.BlockImm{Type: wasm.BlockTypeVoid}),
			local(0), ins(wasm.OpI32Eqz, nil), ins(wasm.OpBrIf, wasm.BranchImm{LabelIdx: 1}),
			local(1), local(0), ins(wasm.OpI32Add, nil), set(1),
			local(0), i32(1), ins(wasm.OpI32Sub, nil), set(0),
			ins(wasm.OpBr, wasm.BranchImm{LabelIdx: 0}),
			ins(wasm.OpEnd, nil),
			ins(wasm.OpEnd, nil),
			local(1),
		),
	}
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs:   []uint32{0, 1},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 1}},
		Code: []wasm.FuncBody{
			sum,
			{Code: code(i32(10), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}))},
		},
	}
	return m.Encode()
}

func u64(v uint64) *uint64 { return &v }

func f64c(v float64) wasm.Instruction { return ins(wasm.OpF64Const, wasm.F64Imm{Bits: math.Float64bits(v)}) }

func f32c(v float32) wasm.Instruction { return ins(wasm.OpF32Const, wasm.F32Imm{Bits: math.Float32bits(v)}) }

var mainSig = wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}}

// mainOnly is a module whose only function is main.
func mainOnly(instrs ...wasm.Instruction) *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{mainSig},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: code(instrs...)}},
	}
}

func withMemory(m *wasm.Module, min uint64, max *uint64) *wasm.Module {
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: min, Max: max}}}
	return m
}

// indirect calls table slot through type 0, with forty() in slot 0 and a
// function of another type in slot 1. The table has three slots.
func indirect(slot int32) *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{mainSig, {Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}},
		Funcs:   []uint32{0, 0, 1},
		Tables:  []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 3, Max: u64(3)}}},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Elements: []wasm.Element{
			{Offset: code(i32(0)), FuncIdxs: []uint32{1, 2}, Type: wasm.ValFuncRef},
		},
		Code: []wasm.FuncBody{
			{Code: code(i32(slot), ins(wasm.OpCallIndirect, wasm.CallIndirectImm{TypeIdx: 0}), i32(2), ins(wasm.OpI32Add, nil))},
			{Code: code(i32(40))},
			{Code: code(local(0))},
		},
	}
}

// recursion calls itself until the stack runs out.
func recursion() *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{mainSig, {Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}},
		Funcs:   []uint32{0, 1},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: code(i32(0), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}))},
			{Code: code(local(0), i32(1), ins(wasm.OpI32Add, nil), ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}), i32(1), ins(wasm.OpI32Add, nil))},
		},
	}
}

// started sets global 0 from a start function; main returns it.
func started() *wasm.Module {
	gget := ins(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 0})
	start := uint32(1)
	return &wasm.Module{
		Types: []wasm.FuncType{mainSig, {}},
		Funcs: []uint32{0, 1},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: code(i32(10))},
		},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Start:   &start,
		Code: []wasm.FuncBody{
			{Code: code(gget)},
			{Code: code(gget, i32(4), ins(wasm.OpI32Mul, nil), i32(2), ins(wasm.OpI32Add, nil), ins(wasm.OpGlobalSet, wasm.GlobalImm{GlobalIdx: 0}))},
		},
	}
}

// relocated places its data at an imported base, zero when mocked.
func relocated() *wasm.Module {
	m := withMemory(mainOnly(i32(3), ins(wasm.OpI32Load8U, wasm.MemoryImm{})), 1, nil)
	m.Imports = []wasm.Import{
		{Module: "env", Name: "base", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
	}
	m.Data = []wasm.DataSegment{{Offset: code(ins(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 0})), Init: []byte{0, 0, 0, 42}}}
	return m
}

type differential struct {
	name   string
	module *wasm.Module
	// trap is the runtime message; ref the interpreter's, defaulting to
	// trap. Both are empty when main returns.
	trap, ref string
	mock      bool
}

func differentialCases() []differential {
	misc := func(sub uint32, operands ...uint32) wasm.Instruction {
		return ins(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: sub, Operands: operands})
	}
	return []differential{
		{name: "loop", module: mustParse(summation())},
		{name: "divide by zero", module: mainOnly(i32(1), i32(0), ins(wasm.OpI32DivS, nil)), trap: "integer divide by zero"},
		{name: "signed overflow", module: mainOnly(i32(-2147483648), i32(-1), ins(wasm.OpI32DivS, nil)), trap: "integer overflow"},
		{name: "unreachable", module: mainOnly(ins(wasm.OpUnreachable, nil)), trap: "unreachable"},
		{name: "out of bounds load", module: withMemory(mainOnly(i32(65533), ins(wasm.OpI32Load, wasm.MemoryImm{Align: 2})), 1, nil), trap: "out of bounds memory access"},
		{name: "call indirect", module: indirect(0)},
		{name: "call indirect mismatch", module: indirect(1), trap: "indirect call type mismatch"},
		{name: "call indirect null", module: indirect(2), trap: "uninitialized element", ref: "invalid table access"},
		{name: "call indirect out of range", module: indirect(5), trap: "undefined element", ref: "invalid table access"},
		{
			name: "memory grow past max",
			module: withMemory(mainOnly(
				i32(1), ins(wasm.OpMemoryGrow, wasm.MemoryIdxImm{}), i32(-1), ins(wasm.OpI32Eq, nil),
				ins(wasm.OpMemorySize, wasm.MemoryIdxImm{}), ins(wasm.OpI32Add, nil),
			), 1, u64(1)),
		},
		{
			name: "bulk memory",
			module: withMemory(mainOnly(
				i32(0), i32(7), i32(16), misc(11, 0),
				i32(32), i32(0), i32(16), misc(10, 0, 0),
				i32(40), ins(wasm.OpI32Load8U, wasm.MemoryImm{}),
			), 1, nil),
		},
		{name: "bulk memory out of bounds", module: withMemory(mainOnly(i32(65530), i32(0), i32(16), misc(11, 0), i32(0)), 1, nil), trap: "out of bounds memory access"},
		{name: "start and globals", module: started()},
		{name: "imported data base", module: relocated(), mock: true},
		{name: "call stack exhausted", module: recursion(), trap: "call stack exhausted", ref: "stack overflow"},
		{
			name: "f64 arithmetic",
			module: mainOnly(
				i32(1764), ins(wasm.OpF64ConvertI32S, nil), ins(wasm.OpF64Sqrt, nil), ins(wasm.OpI32TruncF64S, nil),
				f64c(2.5), ins(wasm.OpF64Nearest, nil), ins(wasm.OpI32TruncF64S, nil), ins(wasm.OpI32Add, nil),
				f64c(-1.5), ins(wasm.OpF64Floor, nil), ins(wasm.OpI32TruncF64S, nil), ins(wasm.OpI32Add, nil),
			),
		},
		{
			name: "f32 arithmetic",
			module: mainOnly(
				f32c(6.5), f32c(2), ins(wasm.OpF32Mul, nil), ins(wasm.OpI32TruncF32U, nil),
				f32c(0), ins(wasm.OpF32Neg, nil), ins(wasm.OpI32ReinterpF32, nil), i32(31), ins(wasm.OpI32ShrU, nil),
				ins(wasm.OpI32Add, nil),
			),
		},
		{
			name: "u64 conversions",
			module: mainOnly(
				ins(wasm.OpI64Const, wasm.I64Imm{Value: -1}), ins(wasm.OpF64ConvertI64U, nil), f64c(0.5), ins(wasm.OpF64Mul, nil),
				ins(wasm.OpI64TruncF64U, nil), ins(wasm.OpI64Const, wasm.I64Imm{Value: 60}), ins(wasm.OpI64ShrU, nil),
				ins(wasm.OpI32WrapI64, nil),
			),
		},
		{
			name: "saturating truncation",
			module: mainOnly(
				f64c(-1e10), misc(2), i32(31), ins(wasm.OpI32ShrU, nil),
				f64c(0), f64c(0), ins(wasm.OpF64Div, nil), misc(3), ins(wasm.OpI32Add, nil),
			),
		},
		{name: "truncate nan", module: mainOnly(f64c(0), f64c(0), ins(wasm.OpF64Div, nil), ins(wasm.OpI32TruncF64S, nil)), trap: "invalid conversion to integer"},
		{name: "truncate overflow", module: mainOnly(f64c(3e9), ins(wasm.OpI32TruncF64S, nil)), trap: "integer overflow"},
	}
}

func mustParse(b []byte) *wasm.Module {
	m, err := wasm.ParseModule(b)
	if err != nil {
		panic(err)
	}
	return m
}

// runBoth runs module in the interpreter and as a host executable. It
// returns the interpreter outcome, the exit status and the stderr of the
// executable.
func runBoth(t *testing.T, e *engine.Engine, module []byte, mock bool) (*engine.Outcome, int, string) {
	t.Helper()
	ctx := context.Background()
	ref, err := e.Run(ctx, module, engine.RunOptions{})
	if err != nil {
		t.Fatalf("reference: %v", err)
	}

	dir := t.TempDir()
	var diag bytes.Buffer
	res, err := build.Build(ctx, build.Request{
		Module: module,
		Name:   "case.wasm",
		Mode:   build.ModeExecutable,
		Output: filepath.Join(dir, "case"),
		Fs:     afero.NewOsFs(),
		Link:   build.LinkSettings{TempDir: t.TempDir(), Diagnostics: &diag, MockMissingImports: mock},
	})
	if err != nil {
		t.Fatalf("Build: %v\n%s", err, diag.String())
	}
	var stderr bytes.Buffer
	cmd := exec.Command(res.ExecutablePath)
	cmd.Stderr = &stderr
	err = cmd.Run()
	var exit *exec.ExitError
	switch {
	case err == nil:
		return ref, 0, stderr.String()
	case errors.As(err, &exit):
		return ref, exit.ExitCode(), stderr.String()
	default:
		t.Fatalf("run: %v", err)
		return nil, 0, ""
	}
}

// TestBuildMatchesReference runs host executables and the interpreter on
// the same modules and compares what they observe.
func TestBuildMatchesReference(t *testing.T) {
	host, err := target.Host()
	if err != nil || host.Backend() == target.BackendNone || host.OS == target.OSWindows {
		t.Skip("host has no supported native backend")
	}
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("no C toolchain on PATH")
	}
	ctx := context.Background()
	e := engine.New(ctx, nil)
	defer e.Close(ctx)

	for _, tt := range differentialCases() {
		t.Run(tt.name, func(t *testing.T) {
			ref, status, stderr := runBoth(t, e, tt.module.Encode(), tt.mock)
			if tt.trap == "" {
				if ref.Trap != "" || len(ref.Results) != 1 {
					t.Fatalf("reference = %+v", ref)
				}
				if want := int(uint8(ref.Results[0])); status != want {
					t.Errorf("exit status %d, reference returned %d\n%s", status, ref.Results[0], stderr)
				}
				return
			}
			want := tt.ref
			if want == "" {
				want = tt.trap
			}
			if !strings.Contains(ref.Trap, want) {
				t.Errorf("reference trap = %q, want %q", ref.Trap, want)
			}
			if status != runtime.TrapExitCode || !strings.Contains(stderr, "wasm trap: "+tt.trap) {
				t.Errorf("exit status %d, stderr %q", status, stderr)
			}
		})
	}
}
