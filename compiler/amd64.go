package compiler

import (
	"fmt"

	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// amd64 frame layout, rbp-relative:
//
//	[rbp+16+shadow]  stack arguments
//	[rbp+8]          return address
//	[rbp-8]          vmctx
//	[rbp-16-8*i]     slot i
//
// rax, rcx, rdx and r8-r11 are the only registers written, and they are
// caller-saved under both SysV and Win64.
type amd64 struct {
	amd64Asm
	s          *funcState
	labels     []int // bound position, -1 while unbound
	fixups     []fixup
	trapLabels []label
	argRegs    []int
	shadow     int32 // Win64 home area
	features   target.Features
	framePatch int
	touchPatch int   // nop replaced by a jump to the frame touch loop
	touchDone  int   // where the touch loop returns to
	stackTrap  label // trap stub that first drops the frame
}

type fixup struct {
	at   int
	l    label
	kind uint8 // arm64 branch encoding
}

const vmctxDisp = -8

// vmctx field offsets, mirrored by struct wasmaot_vmctx in the runtime.
const (
	vmctxMemoryBase = 0
	vmctxMemorySize = 8
	vmctxGlobals    = 16
	vmctxTable      = 24
	vmctxTableSize  = 32
	vmctxStackLimit = 40
)

func newAMD64(t target.Target, s *funcState) *amd64 {
	b := &amd64{s: s, features: t.Features}
	if t.CallConv() == target.CallConvWin64 {
		b.argRegs = []int{rcx, rdx, r8, r9}
		b.shadow = 32
	} else {
		b.argRegs = []int{rdi, rsi, rdx, rcx, r8, r9}
	}
	return b
}

func slotDisp(slot int) int32 { return int32(-16 - 8*slot) }

func (b *amd64) offset() int { return b.pos() }

func (b *amd64) loadSlot(w bool, reg, slot int) { b.movLoad(w, reg, rbp, slotDisp(slot)) }

func (b *amd64) storeSlot(slot, reg int) { b.movStore(true, rbp, slotDisp(slot), reg) }

func (b *amd64) loadVMContext(reg int) { b.movLoad(true, reg, rbp, vmctxDisp) }

func (b *amd64) begin(f frameInfo) {
	b.emit(0x55)             // push rbp
	b.alu(opMov, true, rbp, rsp)
	b.emit(0x48, 0x81, 0xEC) // sub rsp, imm32
	b.framePatch = b.pos()
	b.u32(0)
	b.movStore(true, rbp, vmctxDisp, b.argRegs[0])
	b.mem(0, true, []byte{0x3B}, rsp, b.argRegs[0], vmctxStackLimit) // cmp rsp, [vm+40]
	b.trapIf(ccB, TrapCallStackExhausted)
	b.stackTrap = b.trapLabels[len(b.trapLabels)-1]
	b.touchPatch = b.pos()
	b.emit(0x0F, 0x1F, 0x44, 0x00, 0x00) // nop dword [rax+rax]
	b.touchDone = b.pos()

	for i, p := range f.params {
		n := i + 1
		reg := rax
		if n < len(b.argRegs) {
			reg = b.argRegs[n]
		} else {
			k := int32(n - len(b.argRegs))
			b.movLoad(true, rax, rbp, 16+b.shadow+8*k)
		}
		if narrow(p) {
			b.alu(opMov, false, reg, reg)
		}
		b.storeSlot(i, reg)
	}
	if f.locals > len(f.params) {
		b.alu(opXor, false, rax, rax)
		for i := len(f.params); i < f.locals; i++ {
			b.storeSlot(i, rax)
		}
	}
}

func (b *amd64) finish(slots int) ([]byte, int, error) {
	frame := alignUp(8*(slots+1), 16)
	if frame > maxFrameSize {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", frame, maxFrameSize)
	}
	b.buf[b.framePatch] = byte(frame)
	b.buf[b.framePatch+1] = byte(frame >> 8)
	b.buf[b.framePatch+2] = byte(frame >> 16)
	b.buf[b.framePatch+3] = byte(frame >> 24)
	if frame > stackGuardPage {
		b.touchFrame()
	}

	for site, l := range b.trapLabels {
		b.bind(l)
		if l == b.stackTrap {
			b.mem(0, true, []byte{opLea}, rsp, rbp, -16)
		}
		b.aluImm(immSub, true, rsp, 32)
		b.loadVMContext(b.argRegs[0])
		b.movImm(b.argRegs[1], uint64(b.s.index))
		b.movImm(b.argRegs[2], uint64(site))
		at := b.callRel()
		b.s.reloc(RelocCallPCRel, at, SymbolRef{Kind: SymbolRuntime, Name: symbols.RuntimeTrap}, 0)
		b.emit(0x0F, 0x0B) // ud2
	}

	for _, f := range b.fixups {
		to := b.labels[f.l]
		if to < 0 {
			return nil, 0, fmt.Errorf("label %d never bound", f.l)
		}
		b.patchRel32(f.at, to)
	}
	return b.buf, frame, nil
}

// touchFrame touches every page of a frame larger than a guard page, top
// down, so the stack grows one page at a time.
func (b *amd64) touchFrame() {
	start := b.pos()
	b.alu(opMov, true, rax, rbp)
	loop := b.pos()
	b.aluImm(immSub, true, rax, stackGuardPage)
	b.alu(opCmp, true, rax, rsp)
	b.patchRel32(b.jcc(ccB), b.touchDone)
	b.mem(0, false, []byte{opTest}, rax, rax, 0) // test [rax], eax
	b.patchRel32(b.jmp(), loop)

	b.buf[b.touchPatch] = 0xE9
	b.patchRel32(b.touchPatch+1, start)
}

func (b *amd64) newLabel() label {
	b.labels = append(b.labels, -1)
	return label(len(b.labels) - 1)
}

func (b *amd64) bind(l label) { b.labels[l] = b.pos() }

func (b *amd64) jump(l label) {
	b.fixups = append(b.fixups, fixup{at: b.jmp(), l: l})
}

func (b *amd64) jumpIf(cc byte, l label) {
	b.fixups = append(b.fixups, fixup{at: b.jcc(cc), l: l})
}

// trapIf branches to a fresh trap stub when cc holds.
func (b *amd64) trapIf(cc byte, code TrapCode) {
	b.s.trapSite(b.pos(), code)
	l := b.newLabel()
	b.trapLabels = append(b.trapLabels, l)
	b.jumpIf(cc, l)
}

func (b *amd64) trap(code TrapCode) {
	b.s.trapSite(b.pos(), code)
	l := b.newLabel()
	b.trapLabels = append(b.trapLabels, l)
	b.jump(l)
}

func (b *amd64) branchIf(slot int, nonzero bool, l label) {
	b.loadSlot(false, rax, slot)
	b.alu(opTest, false, rax, rax)
	if nonzero {
		b.jumpIf(ccNE, l)
	} else {
		b.jumpIf(ccE, l)
	}
}

func (b *amd64) branchIfConst(slot int, eq bool, v uint32, l label) {
	b.loadSlot(false, rax, slot)
	b.aluImm(immCmp, false, rax, int32(v))
	if eq {
		b.jumpIf(ccE, l)
	} else {
		b.jumpIf(ccNE, l)
	}
}

func (b *amd64) ret(slot int, has bool) {
	if has {
		b.loadSlot(true, rax, slot)
	}
	b.emit(0xC9, 0xC3) // leave; ret
}

func (b *amd64) constant(dst int, v uint64) {
	if int64(v) >= -1<<31 && int64(v) < 1<<31 {
		b.mem(0, true, []byte{0xC7}, 0, rbp, slotDisp(dst))
		b.u32(uint32(v))
		return
	}
	b.movImm(rax, v)
	b.storeSlot(dst, rax)
}

func (b *amd64) copy(dst, src int) {
	if dst == src {
		return
	}
	b.loadSlot(true, rax, src)
	b.storeSlot(dst, rax)
}

func (b *amd64) binary(op binOp, w bool, dst, x, y int) {
	b.loadSlot(w, rax, x)
	b.loadSlot(w, rcx, y)
	switch op {
	case binAdd:
		b.alu(opAdd, w, rax, rcx)
	case binSub:
		b.alu(opSub, w, rax, rcx)
	case binAnd:
		b.alu(opAnd, w, rax, rcx)
	case binOr:
		b.alu(opOr, w, rax, rcx)
	case binXor:
		b.alu(opXor, w, rax, rcx)
	case binMul:
		b.rr(0, w, []byte{0x0F, 0xAF}, rax, rcx)
	case binShl:
		b.rr(0, w, []byte{0xD3}, shShl, rax)
	case binShrS:
		b.rr(0, w, []byte{0xD3}, shSar, rax)
	case binShrU:
		b.rr(0, w, []byte{0xD3}, shShr, rax)
	case binRotl:
		b.rr(0, w, []byte{0xD3}, shRol, rax)
	case binRotr:
		b.rr(0, w, []byte{0xD3}, shRor, rax)
	case binDivS, binRemS, binDivU, binRemU:
		b.divide(op, w)
	}
	b.storeSlot(dst, rax)
}

// divide computes rax op rcx with Wasm trapping semantics.
func (b *amd64) divide(op binOp, w bool) {
	b.alu(opTest, w, rcx, rcx)
	b.trapIf(ccE, TrapIntegerDivideByZero)

	switch op {
	case binDivU, binRemU:
		b.alu(opXor, false, rdx, rdx)
		b.rr(0, w, []byte{0xF7}, 6, rcx) // div rcx
	case binDivS:
		ok := b.newLabel()
		b.aluImm(immCmp, w, rcx, -1)
		b.jumpIf(ccNE, ok)
		if w {
			b.movImm(rdx, 1<<63)
			b.alu(opCmp, true, rax, rdx)
		} else {
			b.aluImm(immCmp, false, rax, -1<<31)
		}
		b.trapIf(ccE, TrapIntegerOverflow)
		b.bind(ok)
		b.signExtendRDX(w)
		b.rr(0, w, []byte{0xF7}, 7, rcx) // idiv rcx
	case binRemS:
		do, done := b.newLabel(), b.newLabel()
		b.aluImm(immCmp, w, rcx, -1)
		b.jumpIf(ccNE, do)
		b.alu(opXor, false, rdx, rdx)
		b.jump(done)
		b.bind(do)
		b.signExtendRDX(w)
		b.rr(0, w, []byte{0xF7}, 7, rcx)
		b.bind(done)
	}
	if op == binRemS || op == binRemU {
		b.alu(opMov, w, rax, rdx)
	}
}

// signExtendRDX emits cdq or cqo.
func (b *amd64) signExtendRDX(w bool) {
	if w {
		b.emit(0x48)
	}
	b.emit(0x99)
}

var amd64Conds = [...]byte{
	cmpEq: ccE, cmpNe: ccNE,
	cmpLtS: ccL, cmpLtU: ccB,
	cmpGtS: ccG, cmpGtU: ccA,
	cmpLeS: ccLE, cmpLeU: ccBE,
	cmpGeS: ccGE, cmpGeU: ccAE,
}

func (b *amd64) compare(op cmpOp, w bool, dst, x, y int) {
	b.loadSlot(w, rax, x)
	b.loadSlot(w, rcx, y)
	b.alu(opCmp, w, rax, rcx)
	b.setcc(amd64Conds[op], rax)
	b.storeSlot(dst, rax)
}

func (b *amd64) unary(op unOp, w bool, dst, x int) {
	bits := uint64(32)
	if w {
		bits = 64
	}
	b.loadSlot(w, rax, x)
	switch op {
	case unEqz:
		b.alu(opTest, w, rax, rax)
		b.setcc(ccE, rax)
	case unClz:
		if b.features.Has(target.FeatureLZCNT) {
			b.rr(0xF3, w, []byte{0x0F, 0xBD}, rax, rax)
			break
		}
		b.scanBits(w, bits, 0xBD, true)
	case unCtz:
		if b.features.Has(target.FeatureBMI1) {
			b.rr(0xF3, w, []byte{0x0F, 0xBC}, rax, rax)
			break
		}
		b.scanBits(w, bits, 0xBC, false)
	case unPopcnt:
		if b.features.Has(target.FeaturePOPCNT) {
			b.rr(0xF3, w, []byte{0x0F, 0xB8}, rax, rax)
			break
		}
		b.popcntSWAR(w, bits)
	case unExtend8S:
		b.rr(0, w, []byte{0x0F, 0xBE}, rax, rax)
	case unExtend16S:
		b.rr(0, w, []byte{0x0F, 0xBF}, rax, rax)
	case unExtend32S:
		b.rr(0, true, []byte{0x63}, rax, rax)
	}
	b.storeSlot(dst, rax)
}

// scanBits counts leading (bsr, flipped) or trailing (bsf) zeros of rax
// without lzcnt/tzcnt; both scans leave rax undefined for zero input.
func (b *amd64) scanBits(w bool, bits uint64, op byte, flip bool) {
	nonzero, done := b.newLabel(), b.newLabel()
	b.alu(opTest, w, rax, rax)
	b.jumpIf(ccNE, nonzero)
	b.movImm(rax, bits)
	b.jump(done)
	b.bind(nonzero)
	b.rr(0, w, []byte{0x0F, op}, rax, rax)
	if flip {
		b.aluImm(immXor, false, rax, int32(bits-1))
	}
	b.bind(done)
}

func swarMasks(bits uint64) (m1, m2, m4, h01 uint64) {
	m1, m2, m4, h01 = 0x5555555555555555, 0x3333333333333333, 0x0F0F0F0F0F0F0F0F, 0x0101010101010101
	if bits == 32 {
		m1, m2, m4, h01 = m1&0xFFFFFFFF, m2&0xFFFFFFFF, m4&0xFFFFFFFF, h01&0xFFFFFFFF
	}
	return
}

func (b *amd64) popcntSWAR(w bool, bits uint64) {
	m1, m2, m4, h01 := swarMasks(bits)
	// x -= (x >> 1) & m1
	b.alu(opMov, w, rcx, rax)
	b.shiftImm(shShr, w, rcx, 1)
	b.movImm(rdx, m1)
	b.alu(opAnd, w, rcx, rdx)
	b.alu(opSub, w, rax, rcx)
	// x = (x & m2) + ((x >> 2) & m2)
	b.alu(opMov, w, rcx, rax)
	b.shiftImm(shShr, w, rcx, 2)
	b.movImm(rdx, m2)
	b.alu(opAnd, w, rcx, rdx)
	b.alu(opAnd, w, rax, rdx)
	b.alu(opAdd, w, rax, rcx)
	// x = (x + (x >> 4)) & m4
	b.alu(opMov, w, rcx, rax)
	b.shiftImm(shShr, w, rcx, 4)
	b.alu(opAdd, w, rax, rcx)
	b.movImm(rdx, m4)
	b.alu(opAnd, w, rax, rdx)
	// x = (x * h01) >> (bits - 8)
	b.movImm(rdx, h01)
	b.rr(0, w, []byte{0x0F, 0xAF}, rax, rdx)
	b.shiftImm(shShr, w, rax, uint8(bits-8))
}

func (b *amd64) convert(op convOp, dst, x int) {
	b.loadSlot(false, rax, x)
	if op == convExtendS {
		b.rr(0, true, []byte{0x63}, rax, rax)
	}
	b.storeSlot(dst, rax)
}

func (b *amd64) sel(dst, x, y, cond int) {
	b.loadSlot(true, rax, x)
	b.loadSlot(true, rcx, y)
	b.loadSlot(false, rdx, cond)
	b.alu(opTest, false, rdx, rdx)
	b.rr(0, true, []byte{0x0F, 0x40 | ccE}, rax, rcx) // cmove rax, rcx
	b.storeSlot(dst, rax)
}

// effectiveAddress leaves the host address of a checked access in rcx.
func (b *amd64) effectiveAddress(addr int, offset uint64, size uint8) {
	b.loadSlot(false, rax, addr)
	b.movImm(rcx, offset)
	b.alu(opAdd, true, rcx, rax)
	b.mem(0, true, []byte{opLea}, rax, rcx, int32(size))
	b.loadVMContext(rdx)
	b.mem(0, true, []byte{0x3B}, rax, rdx, vmctxMemorySize) // cmp rax, [rdx+8]
	b.trapIf(ccA, TrapMemoryOutOfBounds)
	b.mem(0, true, []byte{0x03}, rcx, rdx, vmctxMemoryBase) // add rcx, [rdx]
}

func (b *amd64) load(op memOp, dst, addr int, offset uint64) {
	b.effectiveAddress(addr, offset, op.size)
	switch op.size {
	case 1:
		if op.signed {
			b.mem(0, op.wide, []byte{0x0F, 0xBE}, rax, rcx, 0)
		} else {
			b.mem(0, false, []byte{0x0F, 0xB6}, rax, rcx, 0)
		}
	case 2:
		if op.signed {
			b.mem(0, op.wide, []byte{0x0F, 0xBF}, rax, rcx, 0)
		} else {
			b.mem(0, false, []byte{0x0F, 0xB7}, rax, rcx, 0)
		}
	case 4:
		if op.signed && op.wide {
			b.mem(0, true, []byte{0x63}, rax, rcx, 0)
		} else {
			b.movLoad(false, rax, rcx, 0)
		}
	case 8:
		b.movLoad(true, rax, rcx, 0)
	}
	b.storeSlot(dst, rax)
}

func (b *amd64) store(op memOp, addr, val int, offset uint64) {
	b.effectiveAddress(addr, offset, op.size)
	b.loadSlot(true, rax, val)
	switch op.size {
	case 1:
		b.mem(0, false, []byte{0x88}, rax, rcx, 0)
	case 2:
		b.mem(0x66, false, []byte{opMov}, rax, rcx, 0)
	case 4:
		b.movStore(false, rcx, 0, rax)
	case 8:
		b.movStore(true, rcx, 0, rax)
	}
}

func (b *amd64) memorySize(dst int) {
	b.loadVMContext(rax)
	b.movLoad(true, rax, rax, vmctxMemorySize)
	b.shiftImm(shShr, true, rax, 16)
	b.storeSlot(dst, rax)
}

func (b *amd64) globalGet(dst int, idx uint32) {
	b.loadVMContext(rax)
	b.movLoad(true, rax, rax, vmctxGlobals)
	b.movLoad(true, rax, rax, int32(8*idx))
	b.storeSlot(dst, rax)
}

func (b *amd64) globalSet(idx uint32, src int) {
	b.loadVMContext(rax)
	b.movLoad(true, rax, rax, vmctxGlobals)
	b.loadSlot(true, rcx, src)
	b.movStore(true, rax, int32(8*idx), rcx)
}

// callSequence passes vmctx and the argument slots, then emits the call
// instruction through emitCall. Outgoing stack space keeps rsp 16-aligned.
func (b *amd64) callSequence(args []int, emitCall func()) {
	nregs := len(b.argRegs)
	onStack := 1 + len(args) - nregs
	if onStack < 0 {
		onStack = 0
	}
	space := int32(alignUp(int(b.shadow)+8*onStack, 16))
	if space > 0 {
		b.aluImm(immSub, true, rsp, space)
	}
	for i, slot := range args {
		n := i + 1
		if n < nregs {
			continue
		}
		b.loadSlot(true, rax, slot)
		b.movStore(true, rsp, b.shadow+int32(8*(n-nregs)), rax)
	}
	b.loadVMContext(b.argRegs[0])
	for i, slot := range args {
		if n := i + 1; n < nregs {
			b.loadSlot(true, b.argRegs[n], slot)
		}
	}
	emitCall()
	b.s.callReturn(b.pos())
	if space > 0 {
		b.aluImm(immAdd, true, rsp, space)
	}
}

func (b *amd64) storeResult(sig *wasm.FuncType, slot int) {
	if len(sig.Results) == 0 {
		return
	}
	if narrow(sig.Results[0]) {
		b.alu(opMov, false, rax, rax)
	}
	b.storeSlot(slot, rax)
}

func argSlots(base, n int) []int {
	args := make([]int, n)
	for i := range args {
		args[i] = base + i
	}
	return args
}

func (b *amd64) call(sym SymbolRef, sig *wasm.FuncType, base int) {
	b.callSequence(argSlots(base, len(sig.Params)), func() {
		at := b.callRel()
		b.s.reloc(RelocCallPCRel, at, sym, 0)
	})
	b.storeResult(sig, base)
}

func (b *amd64) callIndirect(typeID uint32, sig *wasm.FuncType, base, elem int) {
	b.loadSlot(false, rax, elem)
	b.loadVMContext(rdx)
	b.mem(0, true, []byte{0x3B}, rax, rdx, vmctxTableSize) // cmp rax, [rdx+32]
	b.trapIf(ccAE, TrapUndefinedElement)
	b.shiftImm(shShl, true, rax, 4)
	b.mem(0, true, []byte{0x03}, rax, rdx, vmctxTable) // add rax, [rdx+24]
	b.movLoad(true, r11, rax, 0)
	b.alu(opTest, true, r11, r11)
	b.trapIf(ccE, TrapUninitializedElement)
	b.movImm(rcx, uint64(typeID))
	b.mem(0, true, []byte{0x3B}, rcx, rax, 8) // cmp rcx, [rax+8]
	b.trapIf(ccNE, TrapIndirectCallTypeMismatch)
	b.callSequence(argSlots(base, len(sig.Params)), func() {
		b.rr(0, false, []byte{0xFF}, 2, r11) // call r11
	})
	b.storeResult(sig, base)
}

func (b *amd64) callRuntime(name string, args []int, ret int, wide bool) {
	b.callSequence(args, func() {
		at := b.callRel()
		b.s.reloc(RelocCallPCRel, at, SymbolRef{Kind: SymbolRuntime, Name: name}, 0)
	})
	if ret >= 0 {
		if !wide {
			b.alu(opMov, false, rax, rax)
		}
		b.storeSlot(ret, rax)
	}
}
