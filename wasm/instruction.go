package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-aot/wasm/internal/binary"
)

// Instruction is one decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Offset int // byte offset of the opcode within the function body
	Opcode byte
}

// BlockImm is the immediate for block, loop, and if.
// Type is BlockTypeVoid, a value type encoding, or a non-negative type index.
type BlockImm struct {
	Type int32
}

// BranchImm is the immediate for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm is the immediate for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm is the immediate for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm is the immediate for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm is the immediate for local.get/set/tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm is the immediate for global.get/set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm is the memarg immediate of loads and stores.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm is the immediate for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm is the immediate for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm is the immediate for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm is the raw bit pattern of f32.const.
type F32Imm struct {
	Bits uint32
}

// F64Imm is the raw bit pattern of f64.const.
type F64Imm struct {
	Bits uint64
}

// MiscImm is the immediate of a 0xFC prefixed instruction.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// TableImm is the immediate for table.get/set.
type TableImm struct {
	TableIdx uint32
}

// RefNullImm is the immediate for ref.null.
type RefNullImm struct {
	HeapType ValType
}

// RefFuncImm is the immediate for ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm is the immediate for typed select.
type SelectTypeImm struct {
	Types []ValType
}

// UnsupportedOpcodeError reports an opcode outside the decodable core set.
type UnsupportedOpcodeError struct {
	Offset int
	Sub    uint32
	Opcode byte
}

func (e *UnsupportedOpcodeError) Error() string {
	switch e.Opcode {
	case OpPrefixSIMD:
		return fmt.Sprintf("simd opcode 0xfd %d at offset %d is not supported", e.Sub, e.Offset)
	case OpPrefixMisc:
		return fmt.Sprintf("opcode 0xfc %d at offset %d is not supported", e.Sub, e.Offset)
	default:
		return fmt.Sprintf("opcode 0x%02x at offset %d is not supported", e.Opcode, e.Offset)
	}
}

// DecodeInstructions decodes a function body's instruction stream. Offsets
// are relative to the start of code.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code, 0)
	instrs := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	off := r.Position()
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	instr := Instruction{Opcode: op, Offset: off}

	switch {
	case op == OpBlock || op == OpLoop || op == OpIf:
		bt, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		if bt < -64 || bt > 0xFFFFFFFF {
			return instr, fmt.Errorf("invalid block type %d at offset %d", bt, off)
		}
		instr.Imm = BlockImm{Type: int32(bt)}

	case op == OpBr || op == OpBrIf:
		l, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: l}

	case op == OpBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(n) > r.Len() {
			return instr, fmt.Errorf("br_table length %d exceeds body at offset %d", n, off)
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case op == OpCall || op == OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if op == OpCall {
			instr.Imm = CallImm{FuncIdx: idx}
		} else {
			instr.Imm = RefFuncImm{FuncIdx: idx}
		}

	case op == OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case op == OpSelectType:
		n, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(n) > r.Len() {
			return instr, fmt.Errorf("select type count %d exceeds body", n)
		}
		types := make([]ValType, n)
		for i := range types {
			b, err := r.ReadByte()
			if err != nil {
				return instr, err
			}
			types[i] = ValType(b)
		}
		instr.Imm = SelectTypeImm{Types: types}

	case op >= OpLocalGet && op <= OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case op == OpGlobalGet || op == OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case op == OpTableGet || op == OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case op >= OpI32Load && op <= OpI64Store32:
		m, err := readMemArg(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = m

	case op == OpMemorySize || op == OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryIdxImm{MemIdx: idx}

	case op == OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: v}

	case op == OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: v}

	case op == OpF32Const:
		b, err := r.ReadBytes(4)
		if err != nil {
			return instr, err
		}
		instr.Imm = F32Imm{Bits: uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24}

	case op == OpF64Const:
		b, err := r.ReadBytes(8)
		if err != nil {
			return instr, err
		}
		var bits uint64
		for i := 7; i >= 0; i-- {
			bits = bits<<8 | uint64(b[i])
		}
		instr.Imm = F64Imm{Bits: bits}

	case op == OpRefNull:
		b, err := r.ReadByte()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefNullImm{HeapType: ValType(b)}

	case op == OpPrefixMisc:
		imm, err := readMiscImm(r, off)
		if err != nil {
			return instr, err
		}
		instr.Imm = imm

	case op == OpPrefixSIMD:
		sub, _ := r.ReadU32()
		return instr, &UnsupportedOpcodeError{Opcode: op, Sub: sub, Offset: off}

	case op <= OpElse || op == OpEnd || op == OpReturn || op == OpDrop || op == OpSelect ||
		(op >= OpI32Eqz && op <= OpI64Extend32S) || op == OpRefIsNull:
		// no immediate

	default:
		return instr, &UnsupportedOpcodeError{Opcode: op, Offset: off}
	}
	return instr, nil
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var m MemoryImm
	// Bit 6 of the alignment field announces an explicit memory index.
	if align&0x40 != 0 {
		align &^= 0x40
		if m.MemIdx, err = r.ReadU32(); err != nil {
			return m, err
		}
	}
	m.Align = align
	if m.Offset, err = r.ReadU64(); err != nil {
		return m, err
	}
	return m, nil
}

func readMiscImm(r *binary.Reader, off int) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: sub}
	var n int
	switch sub {
	case 0, 1, 2, 3, 4, 5, 6, 7:
		n = 0
	case MiscDataDrop, MiscElemDrop, MiscMemoryFill, MiscTableGrow, MiscTableSize, MiscTableFill:
		n = 1
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		n = 2
	default:
		return imm, &UnsupportedOpcodeError{Opcode: OpPrefixMisc, Sub: sub, Offset: off}
	}
	for i := 0; i < n; i++ {
		v, err := r.ReadU32()
		if err != nil {
			return imm, err
		}
		imm.Operands = append(imm.Operands, v)
	}
	return imm, nil
}

// EncodeInstructions encodes instructions back to bytecode.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstruction(w, &instrs[i])
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, instr *Instruction) {
	w.Byte(instr.Opcode)
	switch imm := instr.Imm.(type) {
	case BlockImm:
		w.S64(int64(imm.Type))
	case BranchImm:
		w.U32(imm.LabelIdx)
	case BrTableImm:
		w.U32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.U32(l)
		}
		w.U32(imm.Default)
	case CallImm:
		w.U32(imm.FuncIdx)
	case RefFuncImm:
		w.U32(imm.FuncIdx)
	case CallIndirectImm:
		w.U32(imm.TypeIdx)
		w.U32(imm.TableIdx)
	case SelectTypeImm:
		w.U32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case LocalImm:
		w.U32(imm.LocalIdx)
	case GlobalImm:
		w.U32(imm.GlobalIdx)
	case TableImm:
		w.U32(imm.TableIdx)
	case MemoryImm:
		if imm.MemIdx != 0 {
			w.U32(imm.Align | 0x40)
			w.U32(imm.MemIdx)
		} else {
			w.U32(imm.Align)
		}
		w.U64(imm.Offset)
	case MemoryIdxImm:
		w.U32(imm.MemIdx)
	case I32Imm:
		w.S64(int64(imm.Value))
	case I64Imm:
		w.S64(imm.Value)
	case F32Imm:
		w.Fixed32(imm.Bits)
	case F64Imm:
		w.Fixed32(uint32(imm.Bits))
		w.Fixed32(uint32(imm.Bits >> 32))
	case RefNullImm:
		w.Byte(byte(imm.HeapType))
	case MiscImm:
		w.U32(imm.SubOpcode)
		for _, v := range imm.Operands {
			w.U32(v)
		}
	}
}
