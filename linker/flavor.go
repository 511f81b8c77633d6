package linker

import (
	"strings"

	"github.com/wippyai/wasm-aot/target"
)

// Flavor is the command-line dialect of a linker driver.
type Flavor uint8

const (
	FlavorGNU    Flavor = iota + 1 // cc, gcc, clang producing ELF
	FlavorDarwin                   // clang producing Mach-O
	FlavorMSVC                     // cl, clang-cl producing PE
)

func (f Flavor) String() string {
	switch f {
	case FlavorGNU:
		return "gnu"
	case FlavorDarwin:
		return "darwin"
	case FlavorMSVC:
		return "msvc"
	default:
		return "unknown"
	}
}

// FlavorFor selects the flavor that consumes objects of t.
func FlavorFor(t target.Target) Flavor {
	switch t.ObjectFormat() {
	case target.FormatMachO:
		return FlavorDarwin
	case target.FormatCOFF:
		return FlavorMSVC
	default:
		return FlavorGNU
	}
}

// Candidate is one linker driver to try: a program and the arguments that
// precede the flavor's own.
type Candidate struct {
	Program string
	Args    []string
}

func (c Candidate) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Overrides replaces the default candidate list. Linker wins over CC, and
// CC applies only to the GNU and Darwin flavors. Either may carry leading
// arguments, as in "clang --target=aarch64-linux-gnu".
type Overrides struct {
	Linker string
	CC     string
}

func parseCandidate(s string) (Candidate, bool) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return Candidate{}, false
	}
	return Candidate{Program: f[0], Args: f[1:]}, true
}

// Candidates lists the drivers to try, in order, for linking t on host.
func Candidates(t, host target.Target, o Overrides) []Candidate {
	flavor := FlavorFor(t)
	if c, ok := parseCandidate(o.Linker); ok {
		return []Candidate{c}
	}
	if flavor != FlavorMSVC {
		if c, ok := parseCandidate(o.CC); ok {
			return []Candidate{c}
		}
	}

	native := t.Arch == host.Arch && t.OS == host.OS
	triple := t.Triple()
	lld := []string{"--target=" + triple, "-fuse-ld=lld"}
	switch flavor {
	case FlavorDarwin:
		if host.OS == target.OSDarwin {
			return []Candidate{{Program: "clang"}, {Program: "cc"}}
		}
		return []Candidate{{Program: "clang", Args: lld}}
	case FlavorMSVC:
		if native {
			return []Candidate{{Program: "clang-cl"}, {Program: "cl"}}
		}
		return []Candidate{{Program: "clang-cl", Args: lld}}
	default:
		if native {
			return []Candidate{{Program: "cc"}, {Program: "gcc"}, {Program: "clang"}}
		}
		return []Candidate{
			{Program: gnuToolPrefix(t) + "-gcc"},
			{Program: triple + "-gcc"},
			{Program: "clang", Args: lld},
		}
	}
}

// gnuToolPrefix is the vendor-less triple Debian-style cross compilers use,
// for example aarch64-linux-gnu.
func gnuToolPrefix(t target.Target) string {
	parts := strings.Split(t.Triple(), "-")
	if len(parts) == 4 {
		return parts[0] + "-" + parts[2] + "-" + parts[3]
	}
	return t.Triple()
}

// command is one fully formed link invocation.
type command struct {
	inputs  []string // bootstrap and runtime sources, objects
	include string
	output  string
	extra   []string
}

// args renders the flavor's argument list after the candidate's own.
func (c command) args(flavor Flavor, t target.Target, cand Candidate) []string {
	out := append([]string(nil), cand.Args...)
	switch flavor {
	case FlavorMSVC:
		out = append(out, "/nologo", "/I"+c.include, "/Fe"+c.output)
		out = append(out, c.inputs...)
	case FlavorDarwin:
		arch := "x86_64"
		if t.Arch == target.ArchARM64 {
			arch = "arm64"
		}
		out = append(out, "-arch", arch, "-std=c11", "-O1", "-I", c.include, "-o", c.output)
		out = append(out, c.inputs...)
	default:
		out = append(out, "-std=c11", "-O1", "-I", c.include, "-o", c.output)
		out = append(out, c.inputs...)
		// The float rounding routines need libm.
		out = append(out, "-lm")
	}
	return append(out, c.extra...)
}
