package compiler

import (
	"encoding/binary"
	"fmt"
)

// arm64 registers used by the code generator.
const (
	x0  = 0
	x9  = 9
	x10 = 10
	x11 = 11
	x12 = 12
	x13 = 13
	x16 = 16 // address scratch for out-of-range offsets
	x17 = 17 // call_indirect target
	x29 = 29
	xzr = 31 // also sp, depending on the instruction
	sp  = 31
)

// arm64 condition codes.
const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2
	condLO = 0x3
	condMI = 0x4
	condVS = 0x6
	condHI = 0x8
	condLS = 0x9
	condGE = 0xA
	condLT = 0xB
	condGT = 0xC
	condLE = 0xD
)

// arm64Asm is an append-only AArch64 instruction encoder.
type arm64Asm struct {
	buf []byte
}

func (a *arm64Asm) inst(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

func (a *arm64Asm) pos() int { return len(a.buf) }

func (a *arm64Asm) at(i int) uint32 { return binary.LittleEndian.Uint32(a.buf[i:]) }

func (a *arm64Asm) put(i int, v uint32) { binary.LittleEndian.PutUint32(a.buf[i:], v) }

func sf(w bool) uint32 {
	if w {
		return 1 << 31
	}
	return 0
}

func rrr(base uint32, w bool, rd, rn, rm int) uint32 {
	return base | sf(w) | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd)
}

// Data processing, register forms. Register 31 is the zero register.
func (a *arm64Asm) add(w bool, rd, rn, rm int)  { a.inst(rrr(0x0B000000, w, rd, rn, rm)) }
func (a *arm64Asm) sub(w bool, rd, rn, rm int)  { a.inst(rrr(0x4B000000, w, rd, rn, rm)) }
func (a *arm64Asm) and(w bool, rd, rn, rm int)  { a.inst(rrr(0x0A000000, w, rd, rn, rm)) }
func (a *arm64Asm) orr(w bool, rd, rn, rm int)  { a.inst(rrr(0x2A000000, w, rd, rn, rm)) }
func (a *arm64Asm) eor(w bool, rd, rn, rm int)  { a.inst(rrr(0x4A000000, w, rd, rn, rm)) }
func (a *arm64Asm) mul(w bool, rd, rn, rm int)  { a.inst(rrr(0x1B007C00, w, rd, rn, rm)) }
func (a *arm64Asm) sdiv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC00C00, w, rd, rn, rm)) }
func (a *arm64Asm) udiv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC00800, w, rd, rn, rm)) }
func (a *arm64Asm) lslv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC02000, w, rd, rn, rm)) }
func (a *arm64Asm) lsrv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC02400, w, rd, rn, rm)) }
func (a *arm64Asm) asrv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC02800, w, rd, rn, rm)) }
func (a *arm64Asm) rorv(w bool, rd, rn, rm int) { a.inst(rrr(0x1AC02C00, w, rd, rn, rm)) }

// msub computes rd = ra - rn*rm.
func (a *arm64Asm) msub(w bool, rd, rn, rm, ra int) {
	a.inst(rrr(0x1B008000, w, rd, rn, rm) | uint32(ra)<<10)
}

// addShifted computes rd = rn + (rm << shift).
func (a *arm64Asm) addShifted(w bool, rd, rn, rm int, shift uint32) {
	a.inst(rrr(0x0B000000, w, rd, rn, rm) | shift<<10)
}

func (a *arm64Asm) mov(w bool, rd, rm int) { a.orr(w, rd, xzr, rm) }

func (a *arm64Asm) cmp(w bool, rn, rm int) { a.inst(rrr(0x6B00001F, w, 0, rn, rm)) }

func (a *arm64Asm) cmpImm(w bool, rn int, imm uint32) {
	a.inst(0x7100001F | sf(w) | imm<<10 | uint32(rn)<<5)
}

func (a *arm64Asm) cmnImm(w bool, rn int, imm uint32) {
	a.inst(0x3100001F | sf(w) | imm<<10 | uint32(rn)<<5)
}

func (a *arm64Asm) cset(w bool, rd int, cond uint32) {
	a.inst(0x1A9F07E0 | sf(w) | (cond^1)<<12 | uint32(rd))
}

// csel computes rd = cond ? rn : rm.
func (a *arm64Asm) csel(w bool, rd, rn, rm int, cond uint32) {
	a.inst(rrr(0x1A800000, w, rd, rn, rm) | cond<<12)
}

func (a *arm64Asm) clz(w bool, rd, rn int)  { a.inst(0x5AC01000 | sf(w) | uint32(rn)<<5 | uint32(rd)) }
func (a *arm64Asm) rbit(w bool, rd, rn int) { a.inst(0x5AC00000 | sf(w) | uint32(rn)<<5 | uint32(rd)) }

// Sign extension through SBFM.
func (a *arm64Asm) sxtb(w bool, rd, rn int) { a.inst(sbfm(w, 7) | uint32(rn)<<5 | uint32(rd)) }
func (a *arm64Asm) sxth(w bool, rd, rn int) { a.inst(sbfm(w, 15) | uint32(rn)<<5 | uint32(rd)) }
func (a *arm64Asm) sxtw(rd, rn int)         { a.inst(sbfm(true, 31) | uint32(rn)<<5 | uint32(rd)) }

func sbfm(w bool, imms uint32) uint32 {
	if w {
		return 0x93400000 | imms<<10
	}
	return 0x13000000 | imms<<10
}

// lsrImm is UBFM rd, rn, #n, #(bits-1).
func (a *arm64Asm) lsrImm(w bool, rd, rn int, n uint32) {
	if w {
		a.inst(0xD3400000 | n<<16 | 63<<10 | uint32(rn)<<5 | uint32(rd))
		return
	}
	a.inst(0x53000000 | n<<16 | 31<<10 | uint32(rn)<<5 | uint32(rd))
}

// addImm and subImm take a 12-bit immediate, optionally shifted by 12.
// Register 31 is sp.
func (a *arm64Asm) addImm(rd, rn int, imm uint32, shift12 bool) {
	a.inst(0x91000000 | sh12(shift12) | imm<<10 | uint32(rn)<<5 | uint32(rd))
}

func (a *arm64Asm) subImm(rd, rn int, imm uint32, shift12 bool) {
	a.inst(0xD1000000 | sh12(shift12) | imm<<10 | uint32(rn)<<5 | uint32(rd))
}

func sh12(on bool) uint32 {
	if on {
		return 1 << 22
	}
	return 0
}

// addOffset computes rd = rn + off for offsets below 16 MiB.
func (a *arm64Asm) addOffset(rd, rn, off int) {
	n := off
	if n < 0 {
		n = -n
	}
	lo, hi := uint32(n&0xFFF), uint32(n>>12)
	op := a.addImm
	if off < 0 {
		op = a.subImm
	}
	if hi == 0 {
		op(rd, rn, lo, false)
		return
	}
	op(rd, rn, hi, true)
	if lo != 0 {
		op(rd, rd, lo, false)
	}
}

// movImm materializes a 64-bit constant with movz and movk.
func (a *arm64Asm) movImm(rd int, v uint64) {
	a.inst(0xD2800000 | uint32(v&0xFFFF)<<5 | uint32(rd))
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32(v>>(16*hw)) & 0xFFFF
		if chunk != 0 {
			a.inst(0xF2800000 | hw<<21 | chunk<<5 | uint32(rd))
		}
	}
}

// memClass is one load/store width with its unscaled and scaled opcodes.
type memClass struct {
	unscaled uint32
	scaled   uint32
	scale    int
}

var (
	ldrX   = memClass{0xF8400000, 0xF9400000, 8}
	strX   = memClass{0xF8000000, 0xF9000000, 8}
	ldrW   = memClass{0xB8400000, 0xB9400000, 4}
	strW   = memClass{0xB8000000, 0xB9000000, 4}
	ldrSW  = memClass{0xB8800000, 0xB9800000, 4}
	ldrH   = memClass{0x78400000, 0x79400000, 2}
	ldrSHX = memClass{0x78800000, 0x79800000, 2}
	ldrSHW = memClass{0x78C00000, 0x79C00000, 2}
	strH   = memClass{0x78000000, 0x79000000, 2}
	ldrB   = memClass{0x38400000, 0x39400000, 1}
	ldrSBX = memClass{0x38800000, 0x39800000, 1}
	ldrSBW = memClass{0x38C00000, 0x39C00000, 1}
	strB   = memClass{0x38000000, 0x39000000, 1}
)

// ldst emits a load or store of rt at [base+off], going through x16 when
// no immediate form reaches.
func (a *arm64Asm) ldst(c memClass, rt, base, off int) {
	switch {
	case off >= 0 && off%c.scale == 0 && off/c.scale < 4096:
		a.inst(c.scaled | uint32(off/c.scale)<<10 | uint32(base)<<5 | uint32(rt))
	case off >= -256 && off < 256:
		a.inst(c.unscaled | uint32(off&0x1FF)<<12 | uint32(base)<<5 | uint32(rt))
	default:
		a.addOffset(x16, base, off)
		a.inst(c.scaled | uint32(x16)<<5 | uint32(rt))
	}
}

func (a *arm64Asm) blr(rn int) { a.inst(0xD63F0000 | uint32(rn)<<5) }

// Branch fixup kinds.
const (
	fixImm26 uint8 = iota
	fixImm19
)

const (
	instB     = 0x14000000
	instBL    = 0x94000000
	instBCond = 0x54000000
	instCBZ   = 0x34000000
	instCBNZ  = 0x35000000
	instRet   = 0xD65F03C0
	instBrk   = 0xD4200000
	instNop   = 0xD503201F
)

// patchBranch resolves a branch at pc to target.
func (a *arm64Asm) patchBranch(pc, target int, kind uint8) error {
	delta := (target - pc) / 4
	ins := a.at(pc)
	switch kind {
	case fixImm19:
		if delta < -(1<<18) || delta >= 1<<18 {
			return fmt.Errorf("conditional branch at %#x spans %d bytes, beyond the 1 MiB range", pc, target-pc)
		}
		a.put(pc, ins|uint32(delta&0x7FFFF)<<5)
	default:
		if delta < -(1<<25) || delta >= 1<<25 {
			return fmt.Errorf("branch at %#x spans %d bytes, beyond the 128 MiB range", pc, target-pc)
		}
		a.put(pc, ins|uint32(delta&0x3FFFFFF))
	}
	return nil
}
