package compiler

import (
	"fmt"

	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

// arm64 frame layout, x29-relative:
//
//	[x29+16]      stack arguments
//	[x29+0]       saved x29, x30
//	[x29-8]       vmctx
//	[x29-16-8*i]  slot i
//
// Only x0-x17 and v0 are written; x18 stays untouched for platforms that
// reserve it.
type arm64 struct {
	arm64Asm
	s          *funcState
	labels     []int
	fixups     []fixup
	trapLabels []label
	features   target.Features
	apple      bool // Darwin packs stack arguments by natural size
	framePatch int
	touchPatch int   // nop replaced by a branch to the frame touch loop
	touchDone  int   // where the touch loop returns to
	stackTrap  label // trap stub that first drops the frame
}

const arm64ArgRegs = 8

func newARM64(t target.Target, s *funcState) *arm64 {
	return &arm64{
		s:        s,
		features: t.Features,
		apple:    t.CallConv() == target.CallConvAppleARM64,
	}
}

func (b *arm64) offset() int { return b.pos() }

func slotOff(slot int) int { return -16 - 8*slot }

func (b *arm64) loadSlot(w bool, reg, slot int) {
	if w {
		b.ldst(ldrX, reg, x29, slotOff(slot))
	} else {
		b.ldst(ldrW, reg, x29, slotOff(slot))
	}
}

func (b *arm64) storeSlot(slot, reg int) { b.ldst(strX, reg, x29, slotOff(slot)) }

func (b *arm64) loadVMContext(reg int) { b.ldst(ldrX, reg, x29, -8) }

// stackArgOffsets returns the outgoing stack offset of each native
// argument beyond the register file; register arguments get -1.
func (b *arm64) stackArgOffsets(types []wasm.ValType) ([]int, int) {
	offs := make([]int, len(types))
	size := 0
	for i, t := range types {
		if i+1 < arm64ArgRegs {
			offs[i] = -1
			continue
		}
		n := 8
		if b.apple && narrow(t) {
			n = 4
		}
		size = alignUp(size, n)
		offs[i] = size
		size += n
	}
	return offs, size
}

func (b *arm64) begin(f frameInfo) {
	b.inst(0xA9BF7BFD) // stp x29, x30, [sp, #-16]!
	b.addImm(x29, sp, 0, false)
	b.framePatch = b.pos()
	b.subImm(sp, sp, 0, true)
	b.subImm(sp, sp, 0, false)
	b.storeSlot(-1, x0)
	b.ldst(ldrX, x9, x0, vmctxStackLimit)
	b.addImm(x10, sp, 0, false)
	b.cmp(true, x10, x9)
	b.trapIf(condLO, TrapCallStackExhausted)
	b.stackTrap = b.trapLabels[len(b.trapLabels)-1]
	b.touchPatch = b.pos()
	b.inst(instNop)
	b.touchDone = b.pos()

	offs, _ := b.stackArgOffsets(f.params)
	for i, p := range f.params {
		reg := i + 1
		if offs[i] >= 0 {
			reg = x9
			if b.apple && narrow(p) {
				b.ldst(ldrW, x9, x29, 16+offs[i])
			} else {
				b.ldst(ldrX, x9, x29, 16+offs[i])
			}
		}
		if narrow(p) {
			b.mov(false, reg, reg)
		}
		b.storeSlot(i, reg)
	}
	for i := len(f.params); i < f.locals; i++ {
		b.storeSlot(i, xzr)
	}
}

func (b *arm64) finish(slots int) ([]byte, int, error) {
	frame := alignUp(8*(slots+1), 16)
	if frame > maxFrameSize {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", frame, maxFrameSize)
	}
	b.put(b.framePatch, b.at(b.framePatch)|uint32(frame>>12)<<10)
	b.put(b.framePatch+4, b.at(b.framePatch+4)|uint32(frame&0xFFF)<<10)
	if frame > stackGuardPage {
		if err := b.touchFrame(); err != nil {
			return nil, 0, err
		}
	}

	for site, l := range b.trapLabels {
		b.bind(l)
		if l == b.stackTrap {
			b.subImm(sp, x29, 16, false)
		}
		b.loadVMContext(x0)
		b.movImm(1, uint64(b.s.index))
		b.movImm(2, uint64(site))
		b.s.reloc(RelocCallPCRel, b.pos(), SymbolRef{Kind: SymbolRuntime, Name: symbols.RuntimeTrap}, 0)
		b.inst(instBL)
		b.inst(instBrk)
	}

	for _, f := range b.fixups {
		to := b.labels[f.l]
		if to < 0 {
			return nil, 0, fmt.Errorf("label %d never bound", f.l)
		}
		if err := b.patchBranch(f.at, to, f.kind); err != nil {
			return nil, 0, err
		}
	}
	return b.buf, frame, nil
}

// touchFrame touches every page of a frame larger than a guard page, top
// down, so the stack grows one page at a time.
func (b *arm64) touchFrame() error {
	start := b.pos()
	b.mov(true, x9, x29)
	loop := b.pos()
	b.subImm(x9, x9, 1, true)
	b.addImm(x10, sp, 0, false)
	b.cmp(true, x9, x10)
	exit := b.pos()
	b.inst(instBCond | condLO)
	b.ldst(ldrX, x10, x9, 0)
	back := b.pos()
	b.inst(instB)

	b.put(b.touchPatch, instB)
	for _, br := range []struct {
		pc, to int
		kind   uint8
	}{
		{exit, b.touchDone, fixImm19},
		{back, loop, fixImm26},
		{b.touchPatch, start, fixImm26},
	} {
		if err := b.patchBranch(br.pc, br.to, br.kind); err != nil {
			return err
		}
	}
	return nil
}

func (b *arm64) newLabel() label {
	b.labels = append(b.labels, -1)
	return label(len(b.labels) - 1)
}

func (b *arm64) bind(l label) { b.labels[l] = b.pos() }

func (b *arm64) branchTo(ins uint32, kind uint8, l label) {
	b.fixups = append(b.fixups, fixup{at: b.pos(), l: l, kind: kind})
	b.inst(ins)
}

func (b *arm64) jump(l label) { b.branchTo(instB, fixImm26, l) }

func (b *arm64) jumpIf(cond uint32, l label) { b.branchTo(instBCond|cond, fixImm19, l) }

func (b *arm64) newTrap(code TrapCode) label {
	b.s.trapSite(b.pos(), code)
	l := b.newLabel()
	b.trapLabels = append(b.trapLabels, l)
	return l
}

func (b *arm64) trapIf(cond uint32, code TrapCode) { b.jumpIf(cond, b.newTrap(code)) }

// trapIfZero branches to a trap stub when reg is zero.
func (b *arm64) trapIfZero(w bool, reg int, code TrapCode) {
	b.branchTo(instCBZ|sf(w)|uint32(reg), fixImm19, b.newTrap(code))
}

func (b *arm64) trap(code TrapCode) { b.jump(b.newTrap(code)) }

func (b *arm64) branchIf(slot int, nonzero bool, l label) {
	b.loadSlot(false, x9, slot)
	ins := uint32(instCBZ)
	if nonzero {
		ins = instCBNZ
	}
	b.branchTo(ins|x9, fixImm19, l)
}

func (b *arm64) branchIfConst(slot int, eq bool, v uint32, l label) {
	b.loadSlot(false, x9, slot)
	if v < 4096 {
		b.cmpImm(false, x9, v)
	} else {
		b.movImm(x10, uint64(v))
		b.cmp(false, x9, x10)
	}
	if eq {
		b.jumpIf(condEQ, l)
	} else {
		b.jumpIf(condNE, l)
	}
}

func (b *arm64) ret(slot int, has bool) {
	if has {
		b.loadSlot(true, x0, slot)
	}
	b.addImm(sp, x29, 0, false)
	b.inst(0xA8C17BFD) // ldp x29, x30, [sp], #16
	b.inst(instRet)
}

func (b *arm64) constant(dst int, v uint64) {
	if v == 0 {
		b.storeSlot(dst, xzr)
		return
	}
	b.movImm(x9, v)
	b.storeSlot(dst, x9)
}

func (b *arm64) copy(dst, src int) {
	if dst == src {
		return
	}
	b.loadSlot(true, x9, src)
	b.storeSlot(dst, x9)
}

func (b *arm64) binary(op binOp, w bool, dst, x, y int) {
	b.loadSlot(w, x9, x)
	b.loadSlot(w, x10, y)
	switch op {
	case binAdd:
		b.add(w, x9, x9, x10)
	case binSub:
		b.sub(w, x9, x9, x10)
	case binMul:
		b.mul(w, x9, x9, x10)
	case binAnd:
		b.and(w, x9, x9, x10)
	case binOr:
		b.orr(w, x9, x9, x10)
	case binXor:
		b.eor(w, x9, x9, x10)
	case binShl:
		b.lslv(w, x9, x9, x10)
	case binShrS:
		b.asrv(w, x9, x9, x10)
	case binShrU:
		b.lsrv(w, x9, x9, x10)
	case binRotl:
		b.sub(w, x10, xzr, x10)
		b.rorv(w, x9, x9, x10)
	case binRotr:
		b.rorv(w, x9, x9, x10)
	case binDivS:
		b.trapIfZero(w, x10, TrapIntegerDivideByZero)
		ok := b.newLabel()
		b.cmnImm(w, x10, 1)
		b.jumpIf(condNE, ok)
		if w {
			b.movImm(x11, 1<<63)
		} else {
			b.movImm(x11, 1<<31)
		}
		b.cmp(w, x9, x11)
		b.trapIf(condEQ, TrapIntegerOverflow)
		b.bind(ok)
		b.sdiv(w, x9, x9, x10)
	case binDivU:
		b.trapIfZero(w, x10, TrapIntegerDivideByZero)
		b.udiv(w, x9, x9, x10)
	case binRemS:
		// sdiv yields MIN for MIN / -1, and MIN - MIN*-1 wraps to 0.
		b.trapIfZero(w, x10, TrapIntegerDivideByZero)
		b.sdiv(w, x11, x9, x10)
		b.msub(w, x9, x11, x10, x9)
	case binRemU:
		b.trapIfZero(w, x10, TrapIntegerDivideByZero)
		b.udiv(w, x11, x9, x10)
		b.msub(w, x9, x11, x10, x9)
	}
	b.storeSlot(dst, x9)
}

var arm64Conds = [...]uint32{
	cmpEq: condEQ, cmpNe: condNE,
	cmpLtS: condLT, cmpLtU: condLO,
	cmpGtS: condGT, cmpGtU: condHI,
	cmpLeS: condLE, cmpLeU: condLS,
	cmpGeS: condGE, cmpGeU: condHS,
}

func (b *arm64) compare(op cmpOp, w bool, dst, x, y int) {
	b.loadSlot(w, x9, x)
	b.loadSlot(w, x10, y)
	b.cmp(w, x9, x10)
	b.cset(false, x9, arm64Conds[op])
	b.storeSlot(dst, x9)
}

func (b *arm64) unary(op unOp, w bool, dst, x int) {
	b.loadSlot(w, x9, x)
	switch op {
	case unEqz:
		b.cmpImm(w, x9, 0)
		b.cset(false, x9, condEQ)
	case unClz:
		b.clz(w, x9, x9)
	case unCtz:
		b.rbit(w, x9, x9)
		b.clz(w, x9, x9)
	case unPopcnt:
		if b.features.Has(target.FeatureNEON) {
			b.inst(0x9E670000 | x9<<5) // fmov d0, x9
			b.inst(0x0E205800)         // cnt v0.8b, v0.8b
			b.inst(0x0E31B800)         // addv b0, v0.8b
			b.inst(0x0E013C00 | x9)    // umov w9, v0.b[0]
			break
		}
		b.popcntSWAR(w)
	case unExtend8S:
		b.sxtb(w, x9, x9)
	case unExtend16S:
		b.sxth(w, x9, x9)
	case unExtend32S:
		b.sxtw(x9, x9)
	}
	b.storeSlot(dst, x9)
}

func (b *arm64) popcntSWAR(w bool) {
	bits := uint64(32)
	if w {
		bits = 64
	}
	m1, m2, m4, h01 := swarMasks(bits)
	b.lsrImm(w, x10, x9, 1)
	b.movImm(x11, m1)
	b.and(w, x10, x10, x11)
	b.sub(w, x9, x9, x10)

	b.lsrImm(w, x10, x9, 2)
	b.movImm(x11, m2)
	b.and(w, x10, x10, x11)
	b.and(w, x9, x9, x11)
	b.add(w, x9, x9, x10)

	b.lsrImm(w, x10, x9, 4)
	b.add(w, x9, x9, x10)
	b.movImm(x11, m4)
	b.and(w, x9, x9, x11)

	b.movImm(x11, h01)
	b.mul(w, x9, x9, x11)
	b.lsrImm(w, x9, x9, uint32(bits-8))
}

func (b *arm64) convert(op convOp, dst, x int) {
	b.loadSlot(false, x9, x)
	if op == convExtendS {
		b.sxtw(x9, x9)
	}
	b.storeSlot(dst, x9)
}

func (b *arm64) sel(dst, x, y, cond int) {
	b.loadSlot(true, x9, x)
	b.loadSlot(true, x10, y)
	b.loadSlot(false, x11, cond)
	b.cmpImm(false, x11, 0)
	b.csel(true, x9, x9, x10, condNE)
	b.storeSlot(dst, x9)
}

// effectiveAddress leaves the host address of a checked access in x10.
func (b *arm64) effectiveAddress(addr int, offset uint64, size uint8) {
	b.loadSlot(false, x9, addr)
	b.movImm(x10, offset)
	b.add(true, x10, x9, x10)
	b.addImm(x11, x10, uint32(size), false)
	b.loadVMContext(x12)
	b.ldst(ldrX, x13, x12, vmctxMemorySize)
	b.cmp(true, x11, x13)
	b.trapIf(condHI, TrapMemoryOutOfBounds)
	b.ldst(ldrX, x13, x12, vmctxMemoryBase)
	b.add(true, x10, x13, x10)
}

func (b *arm64) load(op memOp, dst, addr int, offset uint64) {
	b.effectiveAddress(addr, offset, op.size)
	var c memClass
	switch op.size {
	case 1:
		c = ldrB
		if op.signed {
			c = pick(op.wide, ldrSBX, ldrSBW)
		}
	case 2:
		c = ldrH
		if op.signed {
			c = pick(op.wide, ldrSHX, ldrSHW)
		}
	case 4:
		c = ldrW
		if op.signed && op.wide {
			c = ldrSW
		}
	default:
		c = ldrX
	}
	b.ldst(c, x9, x10, 0)
	b.storeSlot(dst, x9)
}

func pick(wide bool, x, w memClass) memClass {
	if wide {
		return x
	}
	return w
}

func (b *arm64) store(op memOp, addr, val int, offset uint64) {
	b.effectiveAddress(addr, offset, op.size)
	b.loadSlot(true, x9, val)
	switch op.size {
	case 1:
		b.ldst(strB, x9, x10, 0)
	case 2:
		b.ldst(strH, x9, x10, 0)
	case 4:
		b.ldst(strW, x9, x10, 0)
	default:
		b.ldst(strX, x9, x10, 0)
	}
}

func (b *arm64) memorySize(dst int) {
	b.loadVMContext(x9)
	b.ldst(ldrX, x9, x9, vmctxMemorySize)
	b.lsrImm(true, x9, x9, 16)
	b.storeSlot(dst, x9)
}

func (b *arm64) globalGet(dst int, idx uint32) {
	b.loadVMContext(x9)
	b.ldst(ldrX, x9, x9, vmctxGlobals)
	b.ldst(ldrX, x9, x9, int(8*idx))
	b.storeSlot(dst, x9)
}

func (b *arm64) globalSet(idx uint32, src int) {
	b.loadVMContext(x9)
	b.ldst(ldrX, x9, x9, vmctxGlobals)
	b.loadSlot(true, x10, src)
	b.ldst(strX, x10, x9, int(8*idx))
}

// callSequence passes vmctx in x0 and the arguments in x1-x7, spilling
// the rest below sp, then emits the call through emitCall.
func (b *arm64) callSequence(args []int, types []wasm.ValType, emitCall func()) {
	offs, size := b.stackArgOffsets(types)
	space := alignUp(size, 16)
	if space > 0 {
		b.addOffset(sp, sp, -space)
	}
	for i, slot := range args {
		if offs[i] < 0 {
			continue
		}
		b.loadSlot(true, x9, slot)
		if b.apple && narrow(types[i]) {
			b.ldst(strW, x9, sp, offs[i])
		} else {
			b.ldst(strX, x9, sp, offs[i])
		}
	}
	b.loadVMContext(x0)
	for i, slot := range args {
		if offs[i] < 0 {
			b.loadSlot(true, i+1, slot)
		}
	}
	emitCall()
	b.s.callReturn(b.pos())
	if space > 0 {
		b.addOffset(sp, sp, space)
	}
}

func (b *arm64) storeResult(sig *wasm.FuncType, slot int) {
	if len(sig.Results) == 0 {
		return
	}
	if narrow(sig.Results[0]) {
		b.mov(false, x0, x0)
	}
	b.storeSlot(slot, x0)
}

func (b *arm64) call(sym SymbolRef, sig *wasm.FuncType, base int) {
	b.callSequence(argSlots(base, len(sig.Params)), sig.Params, func() {
		b.s.reloc(RelocCallPCRel, b.pos(), sym, 0)
		b.inst(instBL)
	})
	b.storeResult(sig, base)
}

func (b *arm64) callIndirect(typeID uint32, sig *wasm.FuncType, base, elem int) {
	b.loadSlot(false, x9, elem)
	b.loadVMContext(x11)
	b.ldst(ldrX, x10, x11, vmctxTableSize)
	b.cmp(true, x9, x10)
	b.trapIf(condHS, TrapUndefinedElement)
	b.ldst(ldrX, x10, x11, vmctxTable)
	b.addShifted(true, x10, x10, x9, 4)
	b.ldst(ldrX, x17, x10, 0)
	b.trapIfZero(true, x17, TrapUninitializedElement)
	b.ldst(ldrX, x12, x10, 8)
	b.movImm(x13, uint64(typeID))
	b.cmp(true, x12, x13)
	b.trapIf(condNE, TrapIndirectCallTypeMismatch)
	b.callSequence(argSlots(base, len(sig.Params)), sig.Params, func() {
		b.blr(x17)
	})
	b.storeResult(sig, base)
}

func (b *arm64) callRuntime(name string, args []int, ret int, wide bool) {
	types := make([]wasm.ValType, len(args))
	for i := range types {
		types[i] = wasm.ValI32
	}
	b.callSequence(args, types, func() {
		b.s.reloc(RelocCallPCRel, b.pos(), SymbolRef{Kind: SymbolRuntime, Name: name}, 0)
		b.inst(instBL)
	})
	if ret >= 0 {
		if !wide {
			b.mov(false, x0, x0)
		}
		b.storeSlot(ret, x0)
	}
}
