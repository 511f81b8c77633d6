package linker

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/target"
)

func mustResolve(t *testing.T, triple string) target.Target {
	t.Helper()
	tgt, err := target.Resolve(target.Options{Triple: triple})
	if err != nil {
		t.Fatalf("Resolve(%q): %v", triple, err)
	}
	return tgt
}

func TestCandidates(t *testing.T) {
	linux := mustResolve(t, "x86_64-unknown-linux-gnu")
	mac := mustResolve(t, "arm64-apple-darwin")
	win := mustResolve(t, "x86_64-pc-windows-msvc")

	tests := []struct {
		name   string
		target string
		host   target.Target
		o      Overrides
		want   []string
	}{
		{"native elf", "x86_64-unknown-linux-gnu", linux, Overrides{}, []string{"cc", "gcc", "clang"}},
		{"cross elf", "aarch64-unknown-linux-gnu", linux, Overrides{}, []string{
			"aarch64-linux-gnu-gcc",
			"aarch64-unknown-linux-gnu-gcc",
			"clang --target=aarch64-unknown-linux-gnu -fuse-ld=lld",
		}},
		{"darwin host", "x86_64-apple-darwin", mac, Overrides{}, []string{"clang", "cc"}},
		{"darwin from linux", "arm64-apple-darwin", linux, Overrides{}, []string{"clang --target=arm64-apple-macosx11.0.0 -fuse-ld=lld"}},
		{"native coff", "x86_64-pc-windows-msvc", win, Overrides{}, []string{"clang-cl", "cl"}},
		{"cross coff", "x86_64-pc-windows-msvc", linux, Overrides{}, []string{"clang-cl --target=x86_64-pc-windows-msvc -fuse-ld=lld"}},
		{"linker override", "x86_64-unknown-linux-gnu", linux, Overrides{Linker: "musl-gcc -static", CC: "gcc"}, []string{"musl-gcc -static"}},
		{"cc override", "arm64-apple-darwin", mac, Overrides{CC: "/opt/clang"}, []string{"/opt/clang"}},
		{"cc ignored for msvc", "x86_64-pc-windows-msvc", win, Overrides{CC: "gcc"}, []string{"clang-cl", "cl"}},
		{"blank override", "x86_64-unknown-linux-gnu", linux, Overrides{Linker: "  "}, []string{"cc", "gcc", "clang"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range Candidates(mustResolve(t, tt.target), tt.host, tt.o) {
				got = append(got, c.String())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Candidates = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandArgs(t *testing.T) {
	cmd := command{
		inputs:  []string{"/b/main.c", "/b/rt.c", "/o/mod.o"},
		include: "/b",
		output:  "/o/.app.link-1",
		extra:   []string{"-s"},
	}
	tests := []struct {
		triple string
		cand   Candidate
		want   []string
	}{
		{"x86_64-unknown-linux-gnu", Candidate{Program: "cc"},
			[]string{"-std=c11", "-O1", "-I", "/b", "-o", "/o/.app.link-1", "/b/main.c", "/b/rt.c", "/o/mod.o", "-lm", "-s"}},
		{"arm64-apple-darwin", Candidate{Program: "clang"},
			[]string{"-arch", "arm64", "-std=c11", "-O1", "-I", "/b", "-o", "/o/.app.link-1", "/b/main.c", "/b/rt.c", "/o/mod.o", "-s"}},
		{"x86_64-pc-windows-msvc", Candidate{Program: "clang-cl", Args: []string{"--target=x86_64-pc-windows-msvc"}},
			[]string{"--target=x86_64-pc-windows-msvc", "/nologo", "/I/b", "/Fe/o/.app.link-1", "/b/main.c", "/b/rt.c", "/o/mod.o", "-s"}},
	}
	for _, tt := range tests {
		tgt := mustResolve(t, tt.triple)
		got := cmd.args(FlavorFor(tgt), tgt, tt.cand)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: args = %q, want %q", tt.triple, got, tt.want)
		}
	}
}

func TestLineWriter(t *testing.T) {
	var sink lineSink
	lw := &lineWriter{w: &sink, log: zap.NewNop()}
	_, _ = lw.Write([]byte("first\nsec"))
	_, _ = lw.Write([]byte("ond\nthird"))
	all := lw.flush()
	want := []string{"first\n", "second\n", "third\n"}
	if !reflect.DeepEqual(sink.lines, want) {
		t.Errorf("lines = %q, want %q", sink.lines, want)
	}
	if all != "first\nsecond\nthird" {
		t.Errorf("captured %q", all)
	}
}

type lineSink struct{ lines []string }

func (s *lineSink) Write(p []byte) (int, error) {
	s.lines = append(s.lines, string(p))
	return len(p), nil
}
