package compiler

import "encoding/binary"

// amd64 general purpose registers.
const (
	rax = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
)

// SSE registers.
const (
	xmm0 = iota
	xmm1
)

// amd64 condition codes, the low nibble of jcc/setcc/cmovcc.
const (
	ccB  = 0x2
	ccAE = 0x3
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6
	ccA  = 0x7
	ccS  = 0x8
	ccP  = 0xA
	ccNP = 0xB
	ccL  = 0xC
	ccGE = 0xD
	ccLE = 0xE
	ccG  = 0xF
)

// amd64 ALU opcodes in their "op r/m, reg" form.
const (
	opAdd  = 0x01
	opOr   = 0x09
	opAnd  = 0x21
	opSub  = 0x29
	opXor  = 0x31
	opCmp  = 0x39
	opTest = 0x85
	opMov  = 0x89
	opLoad = 0x8B
	opLea  = 0x8D
)

// amd64Asm is an append-only x86-64 instruction encoder.
type amd64Asm struct {
	buf []byte
}

func (a *amd64Asm) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *amd64Asm) u32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

func (a *amd64Asm) u64(v uint64) { a.buf = binary.LittleEndian.AppendUint64(a.buf, v) }

func (a *amd64Asm) pos() int { return len(a.buf) }

func rex(w bool, reg, rm int) byte {
	r := byte(0x40)
	if w {
		r |= 0x08
	}
	if reg >= 8 {
		r |= 0x04
	}
	if rm >= 8 {
		r |= 0x01
	}
	return r
}

func (a *amd64Asm) prefix(pfx byte, w bool, reg, rm int) {
	if pfx != 0 {
		a.emit(pfx)
	}
	if r := rex(w, reg, rm); r != 0x40 {
		a.emit(r)
	}
}

// rr emits a register-direct form: [pfx] [REX] op modrm(11, reg, rm).
func (a *amd64Asm) rr(pfx byte, w bool, op []byte, reg, rm int) {
	a.prefix(pfx, w, reg, rm)
	a.emit(op...)
	a.emit(0xC0 | byte(reg&7)<<3 | byte(rm&7))
}

// mem emits a [base+disp] memory form, choosing the shortest displacement.
func (a *amd64Asm) mem(pfx byte, w bool, op []byte, reg, base int, disp int32) {
	a.prefix(pfx, w, reg, base)
	a.emit(op...)
	rm := byte(base & 7)
	var mod byte
	switch {
	case disp == 0 && rm != rbp:
		mod = 0
	case disp >= -128 && disp <= 127:
		mod = 1
	default:
		mod = 2
	}
	a.emit(mod<<6 | byte(reg&7)<<3 | rm)
	if rm == rsp {
		a.emit(0x24)
	}
	switch mod {
	case 1:
		a.emit(byte(int8(disp)))
	case 2:
		a.u32(uint32(disp))
	}
}

func (a *amd64Asm) movLoad(w bool, dst, base int, disp int32) {
	a.mem(0, w, []byte{opLoad}, dst, base, disp)
}

func (a *amd64Asm) movStore(w bool, base int, disp int32, src int) {
	a.mem(0, w, []byte{opMov}, src, base, disp)
}

// alu emits "op dst, src" for one of the op r/m, reg opcodes.
func (a *amd64Asm) alu(op byte, w bool, dst, src int) {
	a.rr(0, w, []byte{op}, src, dst)
}

// aluImm emits the 0x81/0x83 group: digit selects add/or/and/sub/xor/cmp.
func (a *amd64Asm) aluImm(digit int, w bool, dst int, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.rr(0, w, []byte{0x83}, digit, dst)
		a.emit(byte(int8(imm)))
		return
	}
	a.rr(0, w, []byte{0x81}, digit, dst)
	a.u32(uint32(imm))
}

const (
	immAdd = 0
	immAnd = 4
	immSub = 5
	immXor = 6
	immCmp = 7
)

// shiftImm emits the 0xC1 group with an 8-bit count.
func (a *amd64Asm) shiftImm(digit int, w bool, dst int, n uint8) {
	a.rr(0, w, []byte{0xC1}, digit, dst)
	a.emit(n)
}

const (
	shRol = 0
	shRor = 1
	shShl = 4
	shShr = 5
	shSar = 7
)

// movImm loads a constant, picking the shortest encoding.
func (a *amd64Asm) movImm(dst int, v uint64) {
	switch {
	case v <= 0xFFFFFFFF:
		a.prefix(0, false, 0, dst)
		a.emit(0xB8 + byte(dst&7))
		a.u32(uint32(v))
	case int64(v) >= -1<<31 && int64(v) < 1<<31:
		a.rr(0, true, []byte{0xC7}, 0, dst)
		a.u32(uint32(v))
	default:
		a.prefix(0, true, 0, dst)
		a.emit(0xB8 + byte(dst&7))
		a.u64(v)
	}
}

// jcc emits a rel32 conditional jump and returns the displacement position.
func (a *amd64Asm) jcc(cc byte) int {
	a.emit(0x0F, 0x80|cc)
	at := a.pos()
	a.u32(0)
	return at
}

// jmp emits a rel32 jump and returns the displacement position.
func (a *amd64Asm) jmp() int {
	a.emit(0xE9)
	at := a.pos()
	a.u32(0)
	return at
}

// callRel emits call rel32 and returns the displacement position.
func (a *amd64Asm) callRel() int {
	a.emit(0xE8)
	at := a.pos()
	a.u32(0)
	return at
}

func (a *amd64Asm) setcc(cc byte, dst int) {
	a.rr(0, false, []byte{0x0F, 0x90 | cc}, 0, dst)
	a.rr(0, false, []byte{0x0F, 0xB6}, dst, dst)
}

func (a *amd64Asm) patchRel32(at, target int) {
	binary.LittleEndian.PutUint32(a.buf[at:], uint32(int32(target-(at+4))))
}
