package symbols

import (
	"strconv"
	"strings"
)

// Separator joins a prefix and a local name.
const Separator = "_"

// RuntimePrefix namespaces the runtime support library.
const RuntimePrefix = "wasmaot"

// HostPrefix namespaces host-provided import implementations.
const HostPrefix = "wasmhost"

// Runtime routines called from compiled code.
const (
	RuntimeTrap       = RuntimePrefix + "_rt_trap"
	RuntimeMemoryGrow = RuntimePrefix + "_rt_memory_grow"
	RuntimeMemoryCopy = RuntimePrefix + "_rt_memory_copy"
	RuntimeMemoryFill = RuntimePrefix + "_rt_memory_fill"
	RuntimeMain       = RuntimePrefix + "_rt_main"

	// Float rounding, for targets without a rounding instruction. They
	// take and return raw bits.
	RuntimeF32Ceil    = RuntimePrefix + "_rt_f32_ceil"
	RuntimeF32Floor   = RuntimePrefix + "_rt_f32_floor"
	RuntimeF32Trunc   = RuntimePrefix + "_rt_f32_trunc"
	RuntimeF32Nearest = RuntimePrefix + "_rt_f32_nearest"
	RuntimeF64Ceil    = RuntimePrefix + "_rt_f64_ceil"
	RuntimeF64Floor   = RuntimePrefix + "_rt_f64_floor"
	RuntimeF64Trunc   = RuntimePrefix + "_rt_f64_trunc"
	RuntimeF64Nearest = RuntimePrefix + "_rt_f64_nearest"
)

// Local names of per-module metadata symbols. They all start with '_'
// followed by a lowercase letter, which no mangled export name can.
const (
	LocalDescriptor  = "_descriptor"
	LocalFuncs       = "_funcs"
	LocalTraps       = "_traps"
	LocalStackMaps   = "_stackmaps"
	LocalExports     = "_exports"
	LocalImports     = "_imports"
	LocalElems       = "_elems"
	LocalSegments    = "_segments"
	LocalGlobals     = "_globals"
	LocalGlobalInits = "_globalinits"
	LocalRodata      = "_rodata"
	LocalCode        = "_code"
)

// Mangle encodes an arbitrary export or import name into the identifier
// alphabet. Letters and digits are kept, '_' is doubled, and every other
// byte becomes '_' plus two uppercase hex digits. The encoding is
// injective, and a mangled name never starts with '_' followed by a
// lowercase letter.
func Mangle(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	const hex = "0123456789ABCDEF"
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xF])
		}
	}
	return b.String()
}

// Demangle reverses Mangle. It reports false for strings Mangle cannot
// produce.
func Demangle(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '_' {
			b.WriteByte('_')
			i++
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil || strings.ToUpper(s[i+1:i+3]) != s[i+1:i+3] {
			return "", false
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), true
}

// Table forms every symbol name of one module. It holds no state beyond
// the prefix, so it can be copied freely between stages.
type Table struct {
	Prefix Prefix
}

// NewTable returns the naming table for prefix.
func NewTable(p Prefix) Table {
	return Table{Prefix: p}
}

// Name joins the prefix and a local name.
func (t Table) Name(local string) string {
	return string(t.Prefix) + Separator + local
}

// Export names the symbol of a module export.
func (t Table) Export(name string) string {
	return t.Name(Mangle(name))
}

// Descriptor names the module descriptor the bootstrap looks up.
func (t Table) Descriptor() string {
	return t.Name(LocalDescriptor)
}

// Func names the body of a defined function by its function index.
func (t Table) Func(idx uint32) string {
	return t.Name("_func" + strconv.FormatUint(uint64(idx), 10))
}

// Meta names a metadata table, for example Meta(LocalTraps).
func (t Table) Meta(local string) string {
	return t.Name(local)
}

// Import names the host implementation of an imported function.
// "_I" is not a token of the mangled alphabet, so the split is unambiguous.
func Import(module, name string) string {
	return HostPrefix + Separator + Mangle(module) + "_I" + Mangle(name)
}

// ImportGlobal names the host data symbol of an imported global, a
// uint64_t holding its raw bits.
func ImportGlobal(module, name string) string {
	return HostPrefix + Separator + Mangle(module) + "_G" + Mangle(name)
}
