package compiler

import (
	"math"

	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

type label int

type binOp uint8

const (
	binAdd binOp = iota
	binSub
	binMul
	binAnd
	binOr
	binXor
	binShl
	binShrS
	binShrU
	binRotl
	binRotr
	binDivS
	binDivU
	binRemS
	binRemU
)

type cmpOp uint8

const (
	cmpEq cmpOp = iota
	cmpNe
	cmpLtS
	cmpLtU
	cmpGtS
	cmpGtU
	cmpLeS
	cmpLeU
	cmpGeS
	cmpGeU
)

type unOp uint8

const (
	unClz unOp = iota
	unCtz
	unPopcnt
	unEqz
	unExtend8S
	unExtend16S
	unExtend32S
)

type convOp uint8

const (
	convWrap    convOp = iota // i64 -> i32
	convExtendS               // i32 -> i64 signed
	convExtendU               // i32 -> i64 unsigned
)

// fbinOp is a float arithmetic operation on two operands.
type fbinOp uint8

const (
	fAdd fbinOp = iota
	fSub
	fMul
	fDiv
	fMin
	fMax
)

// funOp is a float operation on one operand.
type funOp uint8

const (
	fSqrt funOp = iota
	fCeil
	fFloor
	fTrunc
	fNearest
)

// fcmpOp is an ordered float comparison; only fNe holds for NaN.
type fcmpOp uint8

const (
	fEq fcmpOp = iota
	fNe
	fLt
	fGt
	fLe
	fGe
)

type fconvKind uint8

const (
	fconvFromInt fconvKind = iota // f.convert_i
	fconvTrunc                    // i.trunc_f, trapping
	fconvTruncSat                 // i.trunc_sat_f
	fconvPromote                  // f32 -> f64
	fconvDemote                   // f64 -> f32
)

// fconv is a conversion between a float and an integer or between the two
// float widths.
type fconv struct {
	kind    fconvKind
	signed  bool
	intWide bool // i64 side
	double  bool // f64 side
}

// truncBounds returns the exclusive range of floats that truncate to a
// representable integer.
func truncBounds(c fconv) (lo, hi float64) {
	switch {
	case c.signed && !c.intWide:
		lo, hi = -2147483649, 2147483648
		if !c.double {
			lo = -2147483904
		}
	case c.signed:
		lo, hi = -9223372036854777856, 9223372036854775808
		if !c.double {
			lo = -9223373136366403584
		}
	case !c.intWide:
		lo, hi = -1, 4294967296
	default:
		lo, hi = -1, 18446744073709551616
	}
	return lo, hi
}

// satBounds returns the results of a saturating truncation below and above
// the representable range, as slot values.
func satBounds(c fconv) (lo, hi uint64) {
	switch {
	case c.signed && !c.intWide:
		return 1 << 31, math.MaxInt32
	case c.signed:
		return 1 << 63, math.MaxInt64
	case !c.intWide:
		return 0, math.MaxUint32
	default:
		return 0, math.MaxUint64
	}
}

func floatBits(double bool, v float64) uint64 {
	if double {
		return math.Float64bits(v)
	}
	return uint64(math.Float32bits(float32(v)))
}

// narrow reports whether values of t occupy the low 32 bits of a slot and
// a register. Float values travel through calls as their bit patterns.
func narrow(t wasm.ValType) bool {
	return t == wasm.ValI32 || t == wasm.ValF32
}

// memOp describes an integer load or store access.
type memOp struct {
	size   uint8 // 1, 2, 4 or 8 bytes
	signed bool  // sign-extending load
	wide   bool  // i64 value
}

// frameInfo is what a backend needs to lay out a function frame.
type frameInfo struct {
	params []wasm.ValType
	locals int // params included
}

// isa is the per-architecture code generator. Operands are frame slot
// numbers; locals occupy [0, locals) and operand stack values follow.
// Every value lives in its slot between instructions.
type isa interface {
	begin(f frameInfo)
	finish(slots int) (code []byte, frameSize int, err error)
	offset() int

	newLabel() label
	bind(l label)
	jump(l label)
	branchIf(slot int, nonzero bool, l label)
	branchIfConst(slot int, eq bool, v uint32, l label)
	ret(slot int, has bool)

	constant(dst int, v uint64)
	copy(dst, src int)
	binary(op binOp, wide bool, dst, a, b int)
	compare(op cmpOp, wide bool, dst, a, b int)
	unary(op unOp, wide bool, dst, a int)
	convert(op convOp, dst, a int)
	sel(dst, a, b, cond int)

	load(op memOp, dst, addr int, offset uint64)
	store(op memOp, addr, val int, offset uint64)
	memorySize(dst int)
	globalGet(dst int, idx uint32)
	globalSet(idx uint32, src int)

	call(target SymbolRef, sig *wasm.FuncType, base int)
	callIndirect(typeID uint32, sig *wasm.FuncType, base, elem int)
	// callRuntime calls a runtime routine; wide keeps all 64 bits of the
	// result in ret.
	callRuntime(name string, args []int, ret int, wide bool)
	trap(code TrapCode)

	fbinary(op fbinOp, double bool, dst, a, b int)
	funary(op funOp, double bool, dst, a int)
	fcompare(op fcmpOp, double bool, dst, a, b int)
	fconvert(c fconv, dst, a int)
}

// funcState is the per-function state shared between the lowering pass
// and its backend.
type funcState struct {
	relocs     []Reloc
	traps      []TrapSite
	stackMaps  []StackMapEntry
	err        error
	index      uint32
	wasmOffset uint32
	height     int
}

// trapSite records a checked instruction and returns its site number.
func (s *funcState) trapSite(native int, code TrapCode) int {
	s.traps = append(s.traps, TrapSite{
		NativeOffset: uint32(native),
		WasmOffset:   s.wasmOffset,
		Code:         code,
	})
	return len(s.traps) - 1
}

func (s *funcState) reloc(kind RelocKind, offset int, sym SymbolRef, addend int64) {
	s.relocs = append(s.relocs, Reloc{Kind: kind, Offset: uint32(offset), Target: sym, Addend: addend})
}

// callReturn records a stack map at the return address of a call.
func (s *funcState) callReturn(native int) {
	s.stackMaps = append(s.stackMaps, StackMapEntry{
		NativeOffset: uint32(native),
		WasmOffset:   s.wasmOffset,
		StackHeight:  uint32(s.height),
	})
}

// fail keeps the first backend error.
func (s *funcState) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// stackGuardPage is the spacing of the touches that grow the stack through
// a large frame one guard page at a time.
const stackGuardPage = 4096

// maxFrameSize bounds a function frame; arm64 prologues encode it in two
// 12-bit immediates.
const maxFrameSize = 1<<24 - 16

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

func newISA(t target.Target, s *funcState) isa {
	switch t.Arch {
	case target.ArchARM64:
		return newARM64(t, s)
	default:
		return newAMD64(t, s)
	}
}
