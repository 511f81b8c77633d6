package compiler

import (
	"fmt"

	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// CompiledModule is the output of Compile. It is immutable once returned.
type CompiledModule struct {
	Target    target.Target
	Functions []CompiledFunction // defined functions, in function index order
	Imports   []ImportedFunction
	Exports   []Export
	Memory    *Memory
	Table     *Table
	Globals   []Global // global index space, imports first
	Segments  []Segment
	Elements  []ElementEntry
	Types     []wasm.FuncType
	Start     *uint32
	Entry     *Export // _start, else main, else nil

	// NumImportedFuncs is the offset of Functions[0] in the function index space.
	NumImportedFuncs uint32
}

// CompiledFunction is one defined function lowered to native code.
type CompiledFunction struct {
	Code      []byte
	Relocs    []Reloc
	Traps     []TrapSite
	StackMaps []StackMapEntry
	Signature wasm.FuncType
	Index     uint32 // function index space
	TypeID    uint32 // canonical type index
	FrameSize uint32
}

// ImportedFunction is an imported function bound to a host symbol.
type ImportedFunction struct {
	Module    string
	Name      string
	Symbol    string
	Signature wasm.FuncType
	Index     uint32
	TypeID    uint32
}

// Export is an exported function, memory, table or global.
type Export struct {
	Name   string
	Kind   byte
	Index  uint32
	TypeID uint32 // canonical type index for functions
}

// Memory describes the single linear memory.
type Memory struct {
	Max      *uint64
	MinPages uint64
}

// Table describes the single funcref table. Import is set when the
// module imports it; the runtime allocates it at Min entries either way.
type Table struct {
	Import *ImportName
	Max    *uint64
	Min    uint64
}

// ImportName is the module and field of an import.
type ImportName struct {
	Module string
	Name   string
}

// Global is a module global. Defined globals with a constant initializer
// carry the folded value in Init; the rest are filled in at
// instantiation, from the host symbol of an import or by copying the
// global named by From.
type Global struct {
	Import  *GlobalImport
	From    *uint32
	Init    uint64
	Type    wasm.ValType
	Mutable bool
}

// Constant reports whether every read of the global yields Init.
func (g *Global) Constant() bool {
	return !g.Mutable && g.Import == nil && g.From == nil
}

// GlobalImport binds an imported global to a host data symbol holding
// its raw 64-bit value.
type GlobalImport struct {
	ImportName
	Symbol string
}

// Segment is an active data segment. Its offset is Offset, plus the value
// of global Base when that is set.
type Segment struct {
	Data   []byte
	Base   *uint32
	Offset uint32
}

// ElementEntry is one table slot initialized at instantiation. The slot
// is TableIndex, plus the value of global Base when that is set.
type ElementEntry struct {
	Base       *uint32
	TableIndex uint32
	FuncIndex  uint32
	TypeID     uint32
}

// FuncIndexOf returns the position of funcIdx in Functions.
func (m *CompiledModule) FuncIndexOf(funcIdx uint32) (int, bool) {
	if funcIdx < m.NumImportedFuncs {
		return 0, false
	}
	i := int(funcIdx - m.NumImportedFuncs)
	if i >= len(m.Functions) {
		return 0, false
	}
	return i, true
}

// CodeSize returns the total number of code bytes.
func (m *CompiledModule) CodeSize() int {
	n := 0
	for i := range m.Functions {
		n += len(m.Functions[i].Code)
	}
	return n
}

// RelocKind is the abstract relocation vocabulary of compiled code.
type RelocKind uint8

const (
	// RelocCallPCRel is a 32-bit pc-relative call displacement (amd64
	// rel32 or arm64 imm26).
	RelocCallPCRel RelocKind = iota + 1
	// RelocAbs64 is an absolute 64-bit address.
	RelocAbs64
)

func (k RelocKind) String() string {
	switch k {
	case RelocCallPCRel:
		return "call_pcrel"
	case RelocAbs64:
		return "abs64"
	default:
		return fmt.Sprintf("reloc(%d)", uint8(k))
	}
}

// SymbolKind says which namespace a relocation target lives in.
type SymbolKind uint8

const (
	SymbolFunc    SymbolKind = iota + 1 // defined function, by index
	SymbolImport                        // imported function, by index
	SymbolRuntime                       // runtime routine, by name
)

// SymbolRef is a symbolic relocation target, resolved to a name at
// emission time.
type SymbolRef struct {
	Name  string // runtime routine name
	Kind  SymbolKind
	Index uint32 // function index space
}

func (s SymbolRef) String() string {
	switch s.Kind {
	case SymbolFunc:
		return fmt.Sprintf("func[%d]", s.Index)
	case SymbolImport:
		return fmt.Sprintf("import[%d]", s.Index)
	default:
		return s.Name
	}
}

// Reloc is an unresolved reference from code to a symbol. Offset is
// relative to the start of the function's code.
type Reloc struct {
	Target SymbolRef
	Offset uint32
	Addend int64
	Kind   RelocKind
}

// TrapCode identifies why a trap fired.
type TrapCode uint32

const (
	TrapUnreachable TrapCode = iota + 1
	TrapMemoryOutOfBounds
	TrapIntegerDivideByZero
	TrapIntegerOverflow
	TrapUndefinedElement
	TrapUninitializedElement
	TrapIndirectCallTypeMismatch
	TrapCallStackExhausted
	TrapInvalidConversion
)

func (c TrapCode) String() string {
	switch c {
	case TrapUnreachable:
		return "unreachable"
	case TrapMemoryOutOfBounds:
		return "out of bounds memory access"
	case TrapIntegerDivideByZero:
		return "integer divide by zero"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapUndefinedElement:
		return "undefined element"
	case TrapUninitializedElement:
		return "uninitialized element"
	case TrapIndirectCallTypeMismatch:
		return "indirect call type mismatch"
	case TrapCallStackExhausted:
		return "call stack exhausted"
	case TrapInvalidConversion:
		return "invalid conversion to integer"
	default:
		return fmt.Sprintf("trap(%d)", uint32(c))
	}
}

// TrapSite maps a check in native code back to its bytecode position.
type TrapSite struct {
	NativeOffset uint32
	WasmOffset   uint32 // module-relative
	Code         TrapCode
}

// StackMapEntry describes the frame at a call's return address.
type StackMapEntry struct {
	NativeOffset uint32 // return address, relative to function start
	WasmOffset   uint32
	StackHeight  uint32 // operand stack slots live across the call
	FrameSize    uint32
}
