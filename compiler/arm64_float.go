package compiler

// AArch64 scalar floating point encodings. ftype selects double.
const (
	fpAdd    = 0x1E202800
	fpSub    = 0x1E203800
	fpMul    = 0x1E200800
	fpDiv    = 0x1E201800
	fpMax    = 0x1E204800
	fpMin    = 0x1E205800
	fpSqrt   = 0x1E21C000
	fpRintN  = 0x1E244000
	fpRintP  = 0x1E24C000
	fpRintM  = 0x1E254000
	fpRintZ  = 0x1E25C000
	fpCmp    = 0x1E202000
	fpCvtSD  = 0x1E22C000 // fcvt d, s
	fpCvtDS  = 0x1E624000 // fcvt s, d
	fpSCvtF  = 0x1E220000
	fpUCvtF  = 0x1E230000
	fpCvtZS  = 0x1E380000
	fpCvtZU  = 0x1E390000
	fpMovToW = 0x1E260000 // fmov w, s
	fpMovToS = 0x1E270000 // fmov s, w
)

// v0 and v1 are the only vector registers written.
const (
	v0 = 0
	v1 = 1
)

func ftype(double bool) uint32 {
	if double {
		return 1 << 22
	}
	return 0
}

func (a *arm64Asm) fp3(op uint32, double bool, rd, rn, rm int) {
	a.inst(op | ftype(double) | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd))
}

func (a *arm64Asm) fp2(op uint32, double bool, rd, rn int) {
	a.inst(op | ftype(double) | uint32(rn)<<5 | uint32(rd))
}

func (a *arm64Asm) fcmp(double bool, rn, rm int) {
	a.inst(fpCmp | ftype(double) | uint32(rm)<<16 | uint32(rn)<<5)
}

// fmovTo and fmovFrom move raw bits between a general register and a
// vector register; the 64-bit forms carry sf and ftype together.
func (a *arm64Asm) fmovTo(double bool, vd, rn int) {
	a.inst(fpMovToS | sf(double) | ftype(double) | uint32(rn)<<5 | uint32(vd))
}

func (a *arm64Asm) fmovFrom(double bool, rd, vn int) {
	a.inst(fpMovToW | sf(double) | ftype(double) | uint32(vn)<<5 | uint32(rd))
}

func (b *arm64) loadFloat(double bool, v, slot int) {
	b.loadSlot(double, x9, slot)
	b.fmovTo(double, v, x9)
}

func (b *arm64) storeFloat(double bool, slot, v int) {
	b.fmovFrom(double, x9, v)
	b.storeSlot(slot, x9)
}

var arm64FloatOps = [...]uint32{
	fAdd: fpAdd, fSub: fpSub, fMul: fpMul, fDiv: fpDiv, fMin: fpMin, fMax: fpMax,
}

func (b *arm64) fbinary(op fbinOp, double bool, dst, x, y int) {
	b.loadFloat(double, v0, x)
	b.loadFloat(double, v1, y)
	b.fp3(arm64FloatOps[op], double, v0, v0, v1)
	b.storeFloat(double, dst, v0)
}

var arm64UnaryOps = [...]uint32{
	fSqrt: fpSqrt, fCeil: fpRintP, fFloor: fpRintM, fTrunc: fpRintZ, fNearest: fpRintN,
}

func (b *arm64) funary(op funOp, double bool, dst, x int) {
	b.loadFloat(double, v0, x)
	b.fp2(arm64UnaryOps[op], double, v0, v0)
	b.storeFloat(double, dst, v0)
}

// fcmp leaves NZCV at 0011 for unordered operands, which fails every
// condition below except NE.
var arm64FloatConds = [...]uint32{
	fEq: condEQ, fNe: condNE, fLt: condMI, fGt: condGT, fLe: condLS, fGe: condGE,
}

func (b *arm64) fcompare(op fcmpOp, double bool, dst, x, y int) {
	b.loadFloat(double, v0, x)
	b.loadFloat(double, v1, y)
	b.fcmp(double, v0, v1)
	b.cset(false, x9, arm64FloatConds[op])
	b.storeSlot(dst, x9)
}

func (b *arm64) fconvert(c fconv, dst, x int) {
	switch c.kind {
	case fconvPromote:
		b.loadFloat(false, v0, x)
		b.inst(fpCvtSD | uint32(v0)<<5 | v0)
		b.storeFloat(true, dst, v0)
	case fconvDemote:
		b.loadFloat(true, v0, x)
		b.inst(fpCvtDS | uint32(v0)<<5 | v0)
		b.storeFloat(false, dst, v0)
	case fconvFromInt:
		op := uint32(fpUCvtF)
		if c.signed {
			op = fpSCvtF
		}
		b.loadSlot(c.intWide, x9, x)
		b.inst(op | sf(c.intWide) | ftype(c.double) | uint32(x9)<<5 | v0)
		b.storeFloat(c.double, dst, v0)
	case fconvTrunc, fconvTruncSat:
		b.loadFloat(c.double, v0, x)
		if c.kind == fconvTrunc {
			b.checkTrunc(c)
		}
		// fcvtz saturates and maps NaN to zero.
		op := uint32(fpCvtZU)
		if c.signed {
			op = fpCvtZS
		}
		b.inst(op | sf(c.intWide) | ftype(c.double) | uint32(v0)<<5 | x9)
		b.storeSlot(dst, x9)
	}
}

func (b *arm64) checkTrunc(c fconv) {
	lo, hi := truncBounds(c)
	b.fcmp(c.double, v0, v0)
	b.trapIf(condVS, TrapInvalidConversion)
	b.movImm(x10, floatBits(c.double, lo))
	b.fmovTo(c.double, v1, x10)
	b.fcmp(c.double, v0, v1)
	b.trapIf(condLS, TrapIntegerOverflow)
	b.movImm(x10, floatBits(c.double, hi))
	b.fmovTo(c.double, v1, x10)
	b.fcmp(c.double, v0, v1)
	b.trapIf(condGE, TrapIntegerOverflow)
}
