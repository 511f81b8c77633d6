package compiler

import (
	"fmt"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/symbols"
	"github.com/wippyai/wasm-aot/target"
	"github.com/wippyai/wasm-aot/wasm"
)

type ctrlKind uint8

const (
	ctrlFunc ctrlKind = iota
	ctrlBlock
	ctrlLoop
	ctrlIf
)

type ctrlFrame struct {
	params      []wasm.ValType
	results     []wasm.ValType
	height      int // operand height below the frame's params
	label       label
	elseLabel   label
	kind        ctrlKind
	hasElse     bool
	unreachable bool
}

// arity is the number of values a branch to the frame carries.
func (f *ctrlFrame) arity() int {
	if f.kind == ctrlLoop {
		return len(f.params)
	}
	return len(f.results)
}

// lowering walks one function body and drives an isa.
type lowering struct {
	mod    *moduleInfo
	a      isa
	s      *funcState
	sig    *wasm.FuncType
	ctrl   []ctrlFrame
	path   []string
	locals int
	height int
	max    int
	dead   int // nesting depth inside unreachable code
}

// moduleInfo is the read-only per-module context shared by all function
// compilations.
type moduleInfo struct {
	m           *wasm.Module
	globals     []Global
	numImported uint32
	hasMemory   bool
	hasTable    bool
}

func compileFunction(mi *moduleInfo, t target.Target, defIdx int) (CompiledFunction, error) {
	m := mi.m
	funcIdx := mi.numImported + uint32(defIdx)
	path := []string{fmt.Sprintf("func[%d]", funcIdx)}
	typeIdx := m.Funcs[defIdx]
	sig := &m.Types[typeIdx]
	if err := checkSignature(sig, path); err != nil {
		return CompiledFunction{}, err
	}
	body := &m.Code[defIdx]

	localTypes := append([]wasm.ValType(nil), sig.Params...)
	for _, le := range body.Locals {
		if !le.ValType.IsNumeric() {
			return CompiledFunction{}, errors.Compilation(path, "local of type %s is not supported", le.ValType)
		}
		for i := uint32(0); i < le.Count; i++ {
			localTypes = append(localTypes, le.ValType)
		}
	}

	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return CompiledFunction{}, errors.Compilation(path, "%v", err)
	}

	s := &funcState{index: funcIdx}
	l := &lowering{
		mod:    mi,
		s:      s,
		sig:    sig,
		path:   path,
		locals: len(localTypes),
		a:      newISA(t, s),
	}
	s.wasmOffset = uint32(body.Offset)
	l.a.begin(frameInfo{params: sig.Params, locals: len(localTypes)})
	l.ctrl = append(l.ctrl, ctrlFrame{kind: ctrlFunc, results: sig.Results, label: l.a.newLabel()})

	for i := range instrs {
		in := &instrs[i]
		s.wasmOffset = uint32(body.Offset + in.Offset)
		if err := l.instr(in); err != nil {
			return CompiledFunction{}, err
		}
		if s.err != nil {
			return CompiledFunction{}, errors.Compilation(path, "%v", s.err)
		}
	}
	if len(l.ctrl) != 0 {
		return CompiledFunction{}, errors.Compilation(path, "function body is not terminated by end")
	}

	code, frameSize, err := l.a.finish(l.locals + l.max)
	if err != nil {
		return CompiledFunction{}, errors.Compilation(path, "%v", err)
	}
	for i := range s.stackMaps {
		s.stackMaps[i].FrameSize = uint32(frameSize)
	}
	return CompiledFunction{
		Index:     funcIdx,
		TypeID:    m.CanonicalTypeIndex(typeIdx),
		Signature: *sig,
		Code:      code,
		Relocs:    s.relocs,
		Traps:     s.traps,
		StackMaps: s.stackMaps,
		FrameSize: uint32(frameSize),
	}, nil
}

func checkSignature(sig *wasm.FuncType, path []string) error {
	for _, p := range sig.Params {
		if !p.IsNumeric() {
			return errors.Compilation(path, "parameter type %s is not supported", p)
		}
	}
	if len(sig.Results) > 1 {
		return errors.Compilation(path, "multiple results %s are not supported", sig)
	}
	for _, r := range sig.Results {
		if !r.IsNumeric() {
			return errors.Compilation(path, "result type %s is not supported", r)
		}
	}
	return nil
}

func (l *lowering) slot(h int) int { return l.locals + h }

func (l *lowering) push() int {
	h := l.height
	l.height++
	if l.height > l.max {
		l.max = l.height
	}
	return l.slot(h)
}

func (l *lowering) pop() int {
	l.height--
	return l.slot(l.height)
}

func (l *lowering) top() *ctrlFrame { return &l.ctrl[len(l.ctrl)-1] }

func (l *lowering) markUnreachable() {
	f := l.top()
	f.unreachable = true
	l.height = f.height
}

func (l *lowering) unsupported(in *wasm.Instruction, what string) error {
	return errors.New(errors.PhaseCompile, errors.KindCompilation).
		Path(l.path...).
		Value(in.Opcode).
		Detail("%s at offset %d is not supported", what, l.s.wasmOffset).
		Build()
}

func (l *lowering) blockType(bt int32) (params, results []wasm.ValType, err error) {
	switch bt {
	case wasm.BlockTypeVoid:
		return nil, nil, nil
	case wasm.BlockTypeI32:
		return nil, []wasm.ValType{wasm.ValI32}, nil
	case wasm.BlockTypeI64:
		return nil, []wasm.ValType{wasm.ValI64}, nil
	case wasm.BlockTypeF32:
		return nil, []wasm.ValType{wasm.ValF32}, nil
	case wasm.BlockTypeF64:
		return nil, []wasm.ValType{wasm.ValF64}, nil
	}
	if bt < 0 || int(bt) >= len(l.mod.m.Types) {
		return nil, nil, errors.Compilation(l.path, "block type %d is not supported", bt)
	}
	ft := &l.mod.m.Types[bt]
	for _, v := range append(append([]wasm.ValType(nil), ft.Params...), ft.Results...) {
		if !v.IsNumeric() {
			return nil, nil, errors.Compilation(l.path, "block type %s is not supported", ft)
		}
	}
	return ft.Params, ft.Results, nil
}

func (l *lowering) instr(in *wasm.Instruction) error {
	if l.top().unreachable {
		return l.skip(in)
	}
	a := l.a
	switch op := in.Opcode; op {
	case wasm.OpUnreachable:
		a.trap(TrapUnreachable)
		l.markUnreachable()
	case wasm.OpNop:
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		return l.enter(in)
	case wasm.OpElse:
		f := l.top()
		a.jump(f.label)
		l.elseBranch(f)
	case wasm.OpEnd:
		l.end()
	case wasm.OpBr:
		l.branch(in.Imm.(wasm.BranchImm).LabelIdx)
		l.markUnreachable()
	case wasm.OpBrIf:
		depth := in.Imm.(wasm.BranchImm).LabelIdx
		cond := l.pop()
		if f := l.target(depth); l.inPlace(f) {
			a.branchIf(cond, true, f.label)
			break
		}
		skip := a.newLabel()
		a.branchIf(cond, false, skip)
		l.branch(depth)
		a.bind(skip)
	case wasm.OpBrTable:
		imm := in.Imm.(wasm.BrTableImm)
		idx := l.pop()
		for i, depth := range imm.Labels {
			if f := l.target(depth); l.inPlace(f) {
				a.branchIfConst(idx, true, uint32(i), f.label)
				continue
			}
			next := a.newLabel()
			a.branchIfConst(idx, false, uint32(i), next)
			l.branch(depth)
			a.bind(next)
		}
		l.branch(imm.Default)
		l.markUnreachable()
	case wasm.OpReturn:
		l.ret()
		l.markUnreachable()
	case wasm.OpCall:
		return l.call(in.Imm.(wasm.CallImm).FuncIdx)
	case wasm.OpCallIndirect:
		return l.callIndirect(in)

	case wasm.OpDrop:
		l.pop()
	case wasm.OpSelect, wasm.OpSelectType:
		if imm, ok := in.Imm.(wasm.SelectTypeImm); ok {
			for _, t := range imm.Types {
				if !t.IsNumeric() {
					return l.unsupported(in, "select of type "+t.String())
				}
			}
		}
		cond := l.pop()
		b := l.pop()
		x := l.pop()
		a.sel(l.push(), x, b, cond)

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		idx := int(in.Imm.(wasm.LocalImm).LocalIdx)
		if idx >= l.locals {
			return errors.Compilation(l.path, "local %d out of range", idx)
		}
		switch op {
		case wasm.OpLocalGet:
			a.copy(l.push(), idx)
		case wasm.OpLocalSet:
			a.copy(idx, l.pop())
		default:
			a.copy(idx, l.slot(l.height-1))
		}
	case wasm.OpGlobalGet:
		return l.globalGet(in)
	case wasm.OpGlobalSet:
		idx := in.Imm.(wasm.GlobalImm).GlobalIdx
		if int(idx) >= len(l.mod.globals) {
			return errors.Compilation(l.path, "global %d out of range", idx)
		}
		a.globalSet(idx, l.pop())

	case wasm.OpMemorySize:
		if !l.mod.hasMemory || in.Imm.(wasm.MemoryIdxImm).MemIdx != 0 {
			return l.unsupported(in, "memory.size without memory 0")
		}
		a.memorySize(l.push())
	case wasm.OpMemoryGrow:
		if !l.mod.hasMemory || in.Imm.(wasm.MemoryIdxImm).MemIdx != 0 {
			return l.unsupported(in, "memory.grow without memory 0")
		}
		delta := l.pop()
		l.s.height = l.height
		a.callRuntime(symbols.RuntimeMemoryGrow, []int{delta}, l.push(), false)

	case wasm.OpI32Const:
		a.constant(l.push(), uint64(uint32(in.Imm.(wasm.I32Imm).Value)))
	case wasm.OpI64Const:
		a.constant(l.push(), uint64(in.Imm.(wasm.I64Imm).Value))
	case wasm.OpF32Const:
		a.constant(l.push(), uint64(in.Imm.(wasm.F32Imm).Bits))
	case wasm.OpF64Const:
		a.constant(l.push(), in.Imm.(wasm.F64Imm).Bits)

	case wasm.OpI32Eqz, wasm.OpI64Eqz:
		x := l.pop()
		a.unary(unEqz, op == wasm.OpI64Eqz, l.push(), x)
	case wasm.OpI32WrapI64, wasm.OpI64ExtendI32S, wasm.OpI64ExtendI32U:
		x := l.pop()
		a.convert(convOps[op], l.push(), x)
	case wasm.OpI32ReinterpF32, wasm.OpI64ReinterpF64, wasm.OpF32ReinterpI32, wasm.OpF64ReinterpI64:
		// Slots hold raw bits.
	case wasm.OpF32Abs, wasm.OpF64Abs, wasm.OpF32Neg, wasm.OpF64Neg:
		l.signOp(op)
	case wasm.OpF32Copysign, wasm.OpF64Copysign:
		l.copysign(op == wasm.OpF64Copysign)
	case wasm.OpPrefixMisc:
		return l.misc(in)
	default:
		if mop, ok := loadOps[op]; ok {
			return l.load(in, mop)
		}
		if mop, ok := storeOps[op]; ok {
			return l.store(in, mop)
		}
		if c, ok := cmpOps[op]; ok {
			b := l.pop()
			x := l.pop()
			a.compare(c.op, c.wide, l.push(), x, b)
			return nil
		}
		if b, ok := binOps[op]; ok {
			y := l.pop()
			x := l.pop()
			a.binary(b.op, b.wide, l.push(), x, y)
			return nil
		}
		if u, ok := unOps[op]; ok {
			x := l.pop()
			a.unary(u.op, u.wide, l.push(), x)
			return nil
		}
		if f, ok := fbinOps[op]; ok {
			y := l.pop()
			x := l.pop()
			a.fbinary(f.op, f.double, l.push(), x, y)
			return nil
		}
		if f, ok := fcmpOps[op]; ok {
			y := l.pop()
			x := l.pop()
			a.fcompare(f.op, f.double, l.push(), x, y)
			return nil
		}
		if f, ok := funOps[op]; ok {
			x := l.pop()
			l.s.height = l.height
			a.funary(f.op, f.double, l.push(), x)
			return nil
		}
		if c, ok := fconvOps[op]; ok {
			x := l.pop()
			a.fconvert(c, l.push(), x)
			return nil
		}
		return l.unsupported(in, opcodeName(in))
	}
	return nil
}

// skip consumes instructions in unreachable code, tracking nesting so
// that the matching else or end resumes lowering.
func (l *lowering) skip(in *wasm.Instruction) error {
	switch in.Opcode {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		l.dead++
	case wasm.OpElse:
		if l.dead == 0 {
			l.elseBranch(l.top())
		}
	case wasm.OpEnd:
		if l.dead > 0 {
			l.dead--
			return nil
		}
		l.end()
	}
	return nil
}

func (l *lowering) enter(in *wasm.Instruction) error {
	params, results, err := l.blockType(in.Imm.(wasm.BlockImm).Type)
	if err != nil {
		return err
	}
	a := l.a
	f := ctrlFrame{params: params, results: results}
	switch in.Opcode {
	case wasm.OpBlock:
		f.kind = ctrlBlock
		f.label = a.newLabel()
	case wasm.OpLoop:
		f.kind = ctrlLoop
		f.label = a.newLabel()
		a.bind(f.label)
	case wasm.OpIf:
		cond := l.pop()
		f.kind = ctrlIf
		f.label = a.newLabel()
		f.elseLabel = a.newLabel()
		a.branchIf(cond, false, f.elseLabel)
	}
	f.height = l.height - len(params)
	l.ctrl = append(l.ctrl, f)
	return nil
}

func (l *lowering) elseBranch(f *ctrlFrame) {
	l.a.bind(f.elseLabel)
	f.hasElse = true
	f.unreachable = false
	l.height = f.height + len(f.params)
}

func (l *lowering) end() {
	f := l.ctrl[len(l.ctrl)-1]
	l.ctrl = l.ctrl[:len(l.ctrl)-1]
	if f.kind == ctrlIf && !f.hasElse {
		l.a.bind(f.elseLabel)
	}
	l.height = f.height + len(f.results)
	if l.height > l.max {
		l.max = l.height
	}
	switch f.kind {
	case ctrlFunc:
		if !f.unreachable {
			l.ret()
		}
	case ctrlBlock, ctrlIf:
		l.a.bind(f.label)
	}
}

func (l *lowering) target(depth uint32) *ctrlFrame {
	return &l.ctrl[len(l.ctrl)-1-int(depth)]
}

// inPlace reports whether a branch to f needs no value moves.
func (l *lowering) inPlace(f *ctrlFrame) bool {
	if f.kind == ctrlFunc {
		return false
	}
	n := f.arity()
	return n == 0 || l.height-n == f.height
}

func (l *lowering) branch(depth uint32) {
	f := l.target(depth)
	if f.kind == ctrlFunc {
		l.ret()
		return
	}
	n := f.arity()
	src := l.height - n
	if src != f.height {
		for i := 0; i < n; i++ {
			l.a.copy(l.slot(f.height+i), l.slot(src+i))
		}
	}
	l.a.jump(f.label)
}

func (l *lowering) ret() {
	if len(l.sig.Results) == 0 {
		l.a.ret(0, false)
		return
	}
	l.a.ret(l.slot(l.height-1), true)
}

func (l *lowering) call(funcIdx uint32) error {
	m := l.mod.m
	sig := m.GetFuncType(funcIdx)
	if sig == nil {
		return errors.Compilation(l.path, "call to undefined function %d", funcIdx)
	}
	if err := checkSignature(sig, []string{l.path[0], fmt.Sprintf("call[%d]", funcIdx)}); err != nil {
		return err
	}
	sym := SymbolRef{Kind: SymbolFunc, Index: funcIdx}
	if funcIdx < l.mod.numImported {
		sym.Kind = SymbolImport
	}
	base := l.height - len(sig.Params)
	l.height = base
	l.s.height = base
	l.a.call(sym, sig, l.slot(base))
	for range sig.Results {
		l.push()
	}
	return nil
}

func (l *lowering) callIndirect(in *wasm.Instruction) error {
	imm := in.Imm.(wasm.CallIndirectImm)
	m := l.mod.m
	if !l.mod.hasTable || imm.TableIdx != 0 {
		return l.unsupported(in, fmt.Sprintf("call_indirect through table %d", imm.TableIdx))
	}
	if int(imm.TypeIdx) >= len(m.Types) {
		return errors.Compilation(l.path, "call_indirect type %d out of range", imm.TypeIdx)
	}
	sig := &m.Types[imm.TypeIdx]
	if err := checkSignature(sig, l.path); err != nil {
		return err
	}
	elem := l.pop()
	base := l.height - len(sig.Params)
	l.height = base
	l.s.height = base
	l.a.callIndirect(m.CanonicalTypeIndex(imm.TypeIdx), sig, l.slot(base), elem)
	for range sig.Results {
		l.push()
	}
	return nil
}

func (l *lowering) globalGet(in *wasm.Instruction) error {
	idx := in.Imm.(wasm.GlobalImm).GlobalIdx
	if int(idx) >= len(l.mod.globals) {
		return errors.Compilation(l.path, "global %d out of range", idx)
	}
	g := l.mod.globals[idx]
	dst := l.push()
	if g.Constant() {
		l.a.constant(dst, g.Init)
		return nil
	}
	l.a.globalGet(dst, idx)
	return nil
}

func (l *lowering) memArg(in *wasm.Instruction) (uint64, error) {
	imm := in.Imm.(wasm.MemoryImm)
	if !l.mod.hasMemory {
		return 0, l.unsupported(in, "memory access without a memory")
	}
	if imm.MemIdx != 0 {
		return 0, l.unsupported(in, fmt.Sprintf("access to memory %d", imm.MemIdx))
	}
	if imm.Offset > 0xFFFFFFFF {
		return 0, l.unsupported(in, "64-bit memory offset")
	}
	return imm.Offset, nil
}

func (l *lowering) load(in *wasm.Instruction, op memOp) error {
	off, err := l.memArg(in)
	if err != nil {
		return err
	}
	addr := l.pop()
	l.a.load(op, l.push(), addr, off)
	return nil
}

func (l *lowering) store(in *wasm.Instruction, op memOp) error {
	off, err := l.memArg(in)
	if err != nil {
		return err
	}
	val := l.pop()
	addr := l.pop()
	l.a.store(op, addr, val, off)
	return nil
}

func (l *lowering) misc(in *wasm.Instruction) error {
	imm := in.Imm.(wasm.MiscImm)
	if sub := imm.SubOpcode; sub >= wasm.MiscI32TruncSatF32S && sub <= wasm.MiscI64TruncSatF64U {
		x := l.pop()
		l.a.fconvert(fconv{
			kind:    fconvTruncSat,
			signed:  sub%2 == 0,
			double:  sub&2 != 0,
			intWide: sub >= 4,
		}, l.push(), x)
		return nil
	}
	var name string
	switch imm.SubOpcode {
	case wasm.MiscMemoryCopy:
		name = symbols.RuntimeMemoryCopy
	case wasm.MiscMemoryFill:
		name = symbols.RuntimeMemoryFill
	default:
		return l.unsupported(in, opcodeName(in))
	}
	if !l.mod.hasMemory {
		return l.unsupported(in, opcodeName(in)+" without a memory")
	}
	for _, mem := range imm.Operands {
		if mem != 0 {
			return l.unsupported(in, fmt.Sprintf("access to memory %d", mem))
		}
	}
	n := l.pop()
	x := l.pop()
	d := l.pop()
	l.s.height = l.height
	l.a.callRuntime(name, []int{d, x, n}, -1, false)
	return nil
}

// signOp lowers abs and neg to integer masking of the sign bit.
func (l *lowering) signOp(op byte) {
	double := op == wasm.OpF64Abs || op == wasm.OpF64Neg
	sign := signBit(double)
	x := l.pop()
	dst := l.push()
	m := l.push()
	if op == wasm.OpF32Abs || op == wasm.OpF64Abs {
		l.a.constant(m, ^sign&widthMask(double))
		l.a.binary(binAnd, double, dst, x, m)
	} else {
		l.a.constant(m, sign)
		l.a.binary(binXor, double, dst, x, m)
	}
	l.pop()
}

// copysign combines the magnitude of the first operand with the sign of
// the second.
func (l *lowering) copysign(double bool) {
	sign := signBit(double)
	y := l.pop()
	x := l.pop()
	dst := l.push()
	l.push()
	m := l.push()
	l.a.constant(m, sign)
	l.a.binary(binAnd, double, y, y, m)
	l.a.constant(m, ^sign&widthMask(double))
	l.a.binary(binAnd, double, dst, x, m)
	l.a.binary(binOr, double, dst, dst, y)
	l.pop()
	l.pop()
}

func signBit(double bool) uint64 {
	if double {
		return 1 << 63
	}
	return 1 << 31
}

func widthMask(double bool) uint64 {
	if double {
		return ^uint64(0)
	}
	return 0xFFFFFFFF
}

type binEntry struct {
	op   binOp
	wide bool
}

type cmpEntry struct {
	op   cmpOp
	wide bool
}

type unEntry struct {
	op   unOp
	wide bool
}

var binOps = map[byte]binEntry{
	wasm.OpI32Add: {binAdd, false}, wasm.OpI32Sub: {binSub, false}, wasm.OpI32Mul: {binMul, false},
	wasm.OpI32DivS: {binDivS, false}, wasm.OpI32DivU: {binDivU, false},
	wasm.OpI32RemS: {binRemS, false}, wasm.OpI32RemU: {binRemU, false},
	wasm.OpI32And: {binAnd, false}, wasm.OpI32Or: {binOr, false}, wasm.OpI32Xor: {binXor, false},
	wasm.OpI32Shl: {binShl, false}, wasm.OpI32ShrS: {binShrS, false}, wasm.OpI32ShrU: {binShrU, false},
	wasm.OpI32Rotl: {binRotl, false}, wasm.OpI32Rotr: {binRotr, false},

	wasm.OpI64Add: {binAdd, true}, wasm.OpI64Sub: {binSub, true}, wasm.OpI64Mul: {binMul, true},
	wasm.OpI64DivS: {binDivS, true}, wasm.OpI64DivU: {binDivU, true},
	wasm.OpI64RemS: {binRemS, true}, wasm.OpI64RemU: {binRemU, true},
	wasm.OpI64And: {binAnd, true}, wasm.OpI64Or: {binOr, true}, wasm.OpI64Xor: {binXor, true},
	wasm.OpI64Shl: {binShl, true}, wasm.OpI64ShrS: {binShrS, true}, wasm.OpI64ShrU: {binShrU, true},
	wasm.OpI64Rotl: {binRotl, true}, wasm.OpI64Rotr: {binRotr, true},
}

var cmpOps = map[byte]cmpEntry{
	wasm.OpI32Eq: {cmpEq, false}, wasm.OpI32Ne: {cmpNe, false},
	wasm.OpI32LtS: {cmpLtS, false}, wasm.OpI32LtU: {cmpLtU, false},
	wasm.OpI32GtS: {cmpGtS, false}, wasm.OpI32GtU: {cmpGtU, false},
	wasm.OpI32LeS: {cmpLeS, false}, wasm.OpI32LeU: {cmpLeU, false},
	wasm.OpI32GeS: {cmpGeS, false}, wasm.OpI32GeU: {cmpGeU, false},

	wasm.OpI64Eq: {cmpEq, true}, wasm.OpI64Ne: {cmpNe, true},
	wasm.OpI64LtS: {cmpLtS, true}, wasm.OpI64LtU: {cmpLtU, true},
	wasm.OpI64GtS: {cmpGtS, true}, wasm.OpI64GtU: {cmpGtU, true},
	wasm.OpI64LeS: {cmpLeS, true}, wasm.OpI64LeU: {cmpLeU, true},
	wasm.OpI64GeS: {cmpGeS, true}, wasm.OpI64GeU: {cmpGeU, true},
}

var unOps = map[byte]unEntry{
	wasm.OpI32Clz: {unClz, false}, wasm.OpI32Ctz: {unCtz, false}, wasm.OpI32Popcnt: {unPopcnt, false},
	wasm.OpI64Clz: {unClz, true}, wasm.OpI64Ctz: {unCtz, true}, wasm.OpI64Popcnt: {unPopcnt, true},
	wasm.OpI32Extend8S: {unExtend8S, false}, wasm.OpI32Extend16S: {unExtend16S, false},
	wasm.OpI64Extend8S: {unExtend8S, true}, wasm.OpI64Extend16S: {unExtend16S, true},
	wasm.OpI64Extend32S: {unExtend32S, true},
}

type fbinEntry struct {
	op     fbinOp
	double bool
}

type funEntry struct {
	op     funOp
	double bool
}

type fcmpEntry struct {
	op     fcmpOp
	double bool
}

var fbinOps = map[byte]fbinEntry{
	wasm.OpF32Add: {fAdd, false}, wasm.OpF32Sub: {fSub, false}, wasm.OpF32Mul: {fMul, false},
	wasm.OpF32Div: {fDiv, false}, wasm.OpF32Min: {fMin, false}, wasm.OpF32Max: {fMax, false},

	wasm.OpF64Add: {fAdd, true}, wasm.OpF64Sub: {fSub, true}, wasm.OpF64Mul: {fMul, true},
	wasm.OpF64Div: {fDiv, true}, wasm.OpF64Min: {fMin, true}, wasm.OpF64Max: {fMax, true},
}

var funOps = map[byte]funEntry{
	wasm.OpF32Sqrt: {fSqrt, false}, wasm.OpF32Ceil: {fCeil, false}, wasm.OpF32Floor: {fFloor, false},
	wasm.OpF32Trunc: {fTrunc, false}, wasm.OpF32Nearest: {fNearest, false},

	wasm.OpF64Sqrt: {fSqrt, true}, wasm.OpF64Ceil: {fCeil, true}, wasm.OpF64Floor: {fFloor, true},
	wasm.OpF64Trunc: {fTrunc, true}, wasm.OpF64Nearest: {fNearest, true},
}

var fcmpOps = map[byte]fcmpEntry{
	wasm.OpF32Eq: {fEq, false}, wasm.OpF32Ne: {fNe, false}, wasm.OpF32Lt: {fLt, false},
	wasm.OpF32Gt: {fGt, false}, wasm.OpF32Le: {fLe, false}, wasm.OpF32Ge: {fGe, false},

	wasm.OpF64Eq: {fEq, true}, wasm.OpF64Ne: {fNe, true}, wasm.OpF64Lt: {fLt, true},
	wasm.OpF64Gt: {fGt, true}, wasm.OpF64Le: {fLe, true}, wasm.OpF64Ge: {fGe, true},
}

var fconvOps = map[byte]fconv{
	wasm.OpI32TruncF32S: {kind: fconvTrunc, signed: true},
	wasm.OpI32TruncF32U: {kind: fconvTrunc},
	wasm.OpI32TruncF64S: {kind: fconvTrunc, signed: true, double: true},
	wasm.OpI32TruncF64U: {kind: fconvTrunc, double: true},
	wasm.OpI64TruncF32S: {kind: fconvTrunc, signed: true, intWide: true},
	wasm.OpI64TruncF32U: {kind: fconvTrunc, intWide: true},
	wasm.OpI64TruncF64S: {kind: fconvTrunc, signed: true, intWide: true, double: true},
	wasm.OpI64TruncF64U: {kind: fconvTrunc, intWide: true, double: true},

	wasm.OpF32ConvertI32S: {kind: fconvFromInt, signed: true},
	wasm.OpF32ConvertI32U: {kind: fconvFromInt},
	wasm.OpF32ConvertI64S: {kind: fconvFromInt, signed: true, intWide: true},
	wasm.OpF32ConvertI64U: {kind: fconvFromInt, intWide: true},
	wasm.OpF64ConvertI32S: {kind: fconvFromInt, signed: true, double: true},
	wasm.OpF64ConvertI32U: {kind: fconvFromInt, double: true},
	wasm.OpF64ConvertI64S: {kind: fconvFromInt, signed: true, intWide: true, double: true},
	wasm.OpF64ConvertI64U: {kind: fconvFromInt, intWide: true, double: true},

	wasm.OpF32DemoteF64:  {kind: fconvDemote},
	wasm.OpF64PromoteF32: {kind: fconvPromote},
}

var convOps = map[byte]convOp{
	wasm.OpI32WrapI64:    convWrap,
	wasm.OpI64ExtendI32S: convExtendS,
	wasm.OpI64ExtendI32U: convExtendU,
}

var loadOps = map[byte]memOp{
	wasm.OpI32Load:    {size: 4},
	wasm.OpI64Load:    {size: 8, wide: true},
	wasm.OpF32Load:    {size: 4},
	wasm.OpF64Load:    {size: 8, wide: true},
	wasm.OpI32Load8S:  {size: 1, signed: true},
	wasm.OpI32Load8U:  {size: 1},
	wasm.OpI32Load16S: {size: 2, signed: true},
	wasm.OpI32Load16U: {size: 2},
	wasm.OpI64Load8S:  {size: 1, signed: true, wide: true},
	wasm.OpI64Load8U:  {size: 1, wide: true},
	wasm.OpI64Load16S: {size: 2, signed: true, wide: true},
	wasm.OpI64Load16U: {size: 2, wide: true},
	wasm.OpI64Load32S: {size: 4, signed: true, wide: true},
	wasm.OpI64Load32U: {size: 4, wide: true},
}

var storeOps = map[byte]memOp{
	wasm.OpI32Store:   {size: 4},
	wasm.OpI64Store:   {size: 8, wide: true},
	wasm.OpF32Store:   {size: 4},
	wasm.OpF64Store:   {size: 8, wide: true},
	wasm.OpI32Store8:  {size: 1},
	wasm.OpI32Store16: {size: 2},
	wasm.OpI64Store8:  {size: 1, wide: true},
	wasm.OpI64Store16: {size: 2, wide: true},
	wasm.OpI64Store32: {size: 4, wide: true},
}

func opcodeName(in *wasm.Instruction) string {
	switch {
	case in.Opcode == wasm.OpPrefixMisc:
		if imm, ok := in.Imm.(wasm.MiscImm); ok {
			return fmt.Sprintf("opcode 0xfc %d", imm.SubOpcode)
		}
	case in.Opcode >= wasm.OpRefNull && in.Opcode <= wasm.OpRefFunc,
		in.Opcode == wasm.OpTableGet, in.Opcode == wasm.OpTableSet:
		return fmt.Sprintf("reference opcode 0x%02x", in.Opcode)
	}
	return fmt.Sprintf("opcode 0x%02x", in.Opcode)
}
