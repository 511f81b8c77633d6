package compiler

import "github.com/wippyai/wasm-aot/symbols"

// Scalar SSE2 opcodes, after the 0x0F escape.
const (
	sseMovLoad = 0x10
	sseSqrt    = 0x51
	sseAnd     = 0x54
	sseOr      = 0x56
	sseAdd     = 0x58
	sseMul     = 0x59
	sseCvt     = 0x5A // cvtss2sd, cvtsd2ss
	sseSub     = 0x5C
	sseMin     = 0x5D
	sseDiv     = 0x5E
	sseMax     = 0x5F
	sseCvtSI   = 0x2A // cvtsi2ss, cvtsi2sd
	sseCvttSI  = 0x2C // cvttss2si, cvttsd2si
	sseUcomi   = 0x2E
)

// scalarPrefix selects the single or double form of a scalar instruction.
func scalarPrefix(double bool) byte {
	if double {
		return 0xF2
	}
	return 0xF3
}

// sse emits a scalar op xmm, xmm.
func (b *amd64) sse(double bool, op byte, dst, src int) {
	b.rr(scalarPrefix(double), false, []byte{0x0F, op}, dst, src)
}

// bitwise emits andps/orps; the packed form serves both widths.
func (b *amd64) bitwise(op byte, dst, src int) {
	b.rr(0, false, []byte{0x0F, op}, dst, src)
}

func (b *amd64) ucomi(double bool, x, y int) {
	var pfx byte
	if double {
		pfx = 0x66
	}
	b.rr(pfx, false, []byte{0x0F, sseUcomi}, x, y)
}

func (b *amd64) loadFloat(double bool, xmm, slot int) {
	b.mem(scalarPrefix(double), false, []byte{0x0F, sseMovLoad}, xmm, rbp, slotDisp(slot))
}

// movToXMM is movd/movq xmm, gpr.
func (b *amd64) movToXMM(double bool, xmm, reg int) {
	b.rr(0x66, double, []byte{0x0F, 0x6E}, xmm, reg)
}

// movFromXMM is movd/movq gpr, xmm; movd clears the upper half.
func (b *amd64) movFromXMM(double bool, reg, xmm int) {
	b.rr(0x66, double, []byte{0x0F, 0x7E}, xmm, reg)
}

func (b *amd64) storeFloat(double bool, slot, xmm int) {
	b.movFromXMM(double, rax, xmm)
	b.storeSlot(slot, rax)
}

// floatConst loads the float v into xmm through rcx.
func (b *amd64) floatConst(double bool, xmm int, v float64) {
	b.movImm(rcx, floatBits(double, v))
	b.movToXMM(double, xmm, rcx)
}

func (b *amd64) fbinary(op fbinOp, double bool, dst, x, y int) {
	b.loadFloat(double, xmm0, x)
	b.loadFloat(double, xmm1, y)
	switch op {
	case fAdd:
		b.sse(double, sseAdd, xmm0, xmm1)
	case fSub:
		b.sse(double, sseSub, xmm0, xmm1)
	case fMul:
		b.sse(double, sseMul, xmm0, xmm1)
	case fDiv:
		b.sse(double, sseDiv, xmm0, xmm1)
	case fMin, fMax:
		b.minMax(op == fMin, double)
	}
	b.storeFloat(double, dst, xmm0)
}

// minMax gives minss/maxss the Wasm semantics: NaN operands propagate
// and -0 orders below +0.
func (b *amd64) minMax(isMin, double bool) {
	nan, ordinary, done := b.newLabel(), b.newLabel(), b.newLabel()
	b.ucomi(double, xmm0, xmm1)
	b.jumpIf(ccP, nan)
	b.jumpIf(ccNE, ordinary)
	if isMin {
		b.bitwise(sseOr, xmm0, xmm1)
	} else {
		b.bitwise(sseAnd, xmm0, xmm1)
	}
	b.jump(done)
	b.bind(nan)
	b.sse(double, sseAdd, xmm0, xmm1)
	b.jump(done)
	b.bind(ordinary)
	if isMin {
		b.sse(double, sseMin, xmm0, xmm1)
	} else {
		b.sse(double, sseMax, xmm0, xmm1)
	}
	b.bind(done)
}

// roundingRoutines are indexed by width, then by op - fCeil.
var roundingRoutines = [2][4]string{
	{symbols.RuntimeF32Ceil, symbols.RuntimeF32Floor, symbols.RuntimeF32Trunc, symbols.RuntimeF32Nearest},
	{symbols.RuntimeF64Ceil, symbols.RuntimeF64Floor, symbols.RuntimeF64Trunc, symbols.RuntimeF64Nearest},
}

func (b *amd64) funary(op funOp, double bool, dst, x int) {
	if op == fSqrt {
		b.loadFloat(double, xmm0, x)
		b.sse(double, sseSqrt, xmm0, xmm0)
		b.storeFloat(double, dst, xmm0)
		return
	}
	// SSE2 has no rounding instruction.
	w := 0
	if double {
		w = 1
	}
	b.callRuntime(roundingRoutines[w][op-fCeil], []int{x}, dst, double)
}

func (b *amd64) fcompare(op fcmpOp, double bool, dst, x, y int) {
	switch op {
	case fLt, fLe:
		x, y = y, x
	}
	b.loadFloat(double, xmm0, x)
	b.loadFloat(double, xmm1, y)
	b.ucomi(double, xmm0, xmm1)
	switch op {
	case fEq:
		b.setcc(ccE, rax)
		b.setcc(ccNP, rcx)
		b.alu(opAnd, false, rax, rcx)
	case fNe:
		b.setcc(ccNE, rax)
		b.setcc(ccP, rcx)
		b.alu(opOr, false, rax, rcx)
	case fLt, fGt:
		b.setcc(ccA, rax)
	case fLe, fGe:
		b.setcc(ccAE, rax)
	}
	b.storeSlot(dst, rax)
}

func (b *amd64) fconvert(c fconv, dst, x int) {
	switch c.kind {
	case fconvPromote:
		b.loadFloat(false, xmm0, x)
		b.sse(false, sseCvt, xmm0, xmm0)
		b.storeFloat(true, dst, xmm0)
	case fconvDemote:
		b.loadFloat(true, xmm0, x)
		b.sse(true, sseCvt, xmm0, xmm0)
		b.storeFloat(false, dst, xmm0)
	case fconvFromInt:
		b.fromInt(c, x)
		b.storeFloat(c.double, dst, xmm0)
	case fconvTrunc:
		b.loadFloat(c.double, xmm0, x)
		b.truncChecked(c)
		b.storeSlot(dst, rax)
	case fconvTruncSat:
		b.loadFloat(c.double, xmm0, x)
		b.truncSat(c)
		b.storeSlot(dst, rax)
	}
}

// cvtsi emits cvtsi2ss/sd xmm0, reg with a 32 or 64-bit source.
func (b *amd64) cvtsi(double, w bool, reg int) {
	b.rr(scalarPrefix(double), w, []byte{0x0F, sseCvtSI}, xmm0, reg)
}

// fromInt converts the integer in slot x into xmm0.
func (b *amd64) fromInt(c fconv, x int) {
	switch {
	case !c.intWide:
		// An unsigned i32 is exact as a signed i64.
		b.loadSlot(false, rax, x)
		b.cvtsi(c.double, !c.signed, rax)
	case c.signed:
		b.loadSlot(true, rax, x)
		b.cvtsi(c.double, true, rax)
	default:
		big, done := b.newLabel(), b.newLabel()
		b.loadSlot(true, rax, x)
		b.alu(opTest, true, rax, rax)
		b.jumpIf(ccS, big)
		b.cvtsi(c.double, true, rax)
		b.jump(done)
		// Halve with the low bit kept sticky, convert, then double.
		b.bind(big)
		b.alu(opMov, true, rcx, rax)
		b.shiftImm(shShr, true, rcx, 1)
		b.aluImm(immAnd, false, rax, 1)
		b.alu(opOr, true, rcx, rax)
		b.cvtsi(c.double, true, rcx)
		b.sse(c.double, sseAdd, xmm0, xmm0)
		b.bind(done)
	}
}

// cvtt emits cvttss2si/cvttsd2si reg, xmm0.
func (b *amd64) cvtt(double, w bool, reg int) {
	b.rr(scalarPrefix(double), w, []byte{0x0F, sseCvttSI}, reg, xmm0)
}

// truncInRange converts xmm0, already known to lie strictly inside the
// bounds of c, into rax.
func (b *amd64) truncInRange(c fconv) {
	switch {
	case c.signed:
		b.cvtt(c.double, c.intWide, rax)
	case !c.intWide:
		b.cvtt(c.double, true, rax)
		b.alu(opMov, false, rax, rax)
	default:
		small, done := b.newLabel(), b.newLabel()
		b.floatConst(c.double, xmm1, 9223372036854775808)
		b.ucomi(c.double, xmm0, xmm1)
		b.jumpIf(ccB, small)
		b.sse(c.double, sseSub, xmm0, xmm1)
		b.cvtt(c.double, true, rax)
		b.movImm(rcx, 1<<63)
		b.alu(opXor, true, rax, rcx)
		b.jump(done)
		b.bind(small)
		b.cvtt(c.double, true, rax)
		b.bind(done)
	}
}

func (b *amd64) truncChecked(c fconv) {
	lo, hi := truncBounds(c)
	b.ucomi(c.double, xmm0, xmm0)
	b.trapIf(ccP, TrapInvalidConversion)
	b.floatConst(c.double, xmm1, lo)
	b.ucomi(c.double, xmm0, xmm1)
	b.trapIf(ccBE, TrapIntegerOverflow)
	b.floatConst(c.double, xmm1, hi)
	b.ucomi(c.double, xmm0, xmm1)
	b.trapIf(ccAE, TrapIntegerOverflow)
	b.truncInRange(c)
}

func (b *amd64) truncSat(c fconv) {
	lo, hi := truncBounds(c)
	satLo, satHi := satBounds(c)
	nan, under, over, done := b.newLabel(), b.newLabel(), b.newLabel(), b.newLabel()
	b.ucomi(c.double, xmm0, xmm0)
	b.jumpIf(ccP, nan)
	b.floatConst(c.double, xmm1, lo)
	b.ucomi(c.double, xmm0, xmm1)
	b.jumpIf(ccBE, under)
	b.floatConst(c.double, xmm1, hi)
	b.ucomi(c.double, xmm0, xmm1)
	b.jumpIf(ccAE, over)
	b.truncInRange(c)
	b.jump(done)
	b.bind(nan)
	b.alu(opXor, false, rax, rax)
	b.jump(done)
	b.bind(under)
	b.movImm(rax, satLo)
	b.jump(done)
	b.bind(over)
	b.movImm(rax, satHi)
	b.bind(done)
}
