package symbols

import (
	"fmt"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/target"
)

// Grammar describes the identifier rules of an object format.
type Grammar struct {
	// Leading is prepended to every C-level name in the symbol table
	// (Mach-O C symbols carry a leading underscore).
	Leading string
	Format  target.Format
	// MaxPrefix bounds user-supplied prefixes.
	MaxPrefix int
}

// GrammarFor returns the grammar of an object format. Archive members use
// the grammar of the wrapped format.
func GrammarFor(f target.Format) Grammar {
	switch f {
	case target.FormatMachO:
		return Grammar{Format: f, Leading: "_", MaxPrefix: 64}
	case target.FormatCOFF:
		return Grammar{Format: f, MaxPrefix: 64}
	default:
		return Grammar{Format: target.FormatELF, MaxPrefix: 64}
	}
}

// Decorate returns the raw symbol-table spelling of a C-level name.
func (g Grammar) Decorate(name string) string {
	return g.Leading + name
}

// ValidPrefix checks a user-supplied prefix. Every supported format must
// accept the descriptor name from C, so prefixes are C identifiers. They
// may not contain '_': the separator is '_' and mangled names contain it,
// so a prefix "m1_x" with export "2D" would spell the same symbol as
// prefix "m1" with export "x-".
func (g Grammar) ValidPrefix(s string) error {
	fail := func(why string) error {
		return errors.New(errors.PhaseCompile, errors.KindInvalidInput).
			Path(g.Format.String()).
			Value(s).
			Detail("invalid symbol prefix %q: %s", s, why).
			Build()
	}
	if s == "" {
		return fail("empty")
	}
	if len(s) > g.MaxPrefix {
		return fail(fmt.Sprintf("longer than %d characters", g.MaxPrefix))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '_':
			return fail("must not contain '_'")
		case c >= '0' && c <= '9':
			if i == 0 {
				return fail("must not start with a digit")
			}
		default:
			return fail(fmt.Sprintf("character %q is not allowed", c))
		}
	}
	if isReservedPrefix(s) {
		return fail("reserved for the runtime")
	}
	return nil
}
