package wasm

import (
	"errors"
	"fmt"
)

// ErrNotConstant is returned when a constant expression depends on a value
// that is only known at instantiation time.
var ErrNotConstant = errors.New("expression is not a compile-time constant")

// GlobalResolver returns the value and type of a global a constant
// expression reads. It returns false when the value is not known until
// instantiation.
type GlobalResolver func(idx uint32) (uint64, ValType, bool)

// EvalConstExpr evaluates a constant expression. The result is the raw
// 64-bit pattern; i32 and f32 results are zero-extended.
func EvalConstExpr(expr []byte, global GlobalResolver) (uint64, ValType, error) {
	instrs, err := DecodeInstructions(expr)
	if err != nil {
		return 0, 0, err
	}

	type value struct {
		bits uint64
		typ  ValType
	}
	var stack []value
	pop := func() (value, error) {
		if len(stack) == 0 {
			return value{}, errors.New("constant expression stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, in := range instrs {
		switch in.Opcode {
		case OpI32Const:
			stack = append(stack, value{uint64(uint32(in.Imm.(I32Imm).Value)), ValI32})
		case OpI64Const:
			stack = append(stack, value{uint64(in.Imm.(I64Imm).Value), ValI64})
		case OpF32Const:
			stack = append(stack, value{uint64(in.Imm.(F32Imm).Bits), ValF32})
		case OpF64Const:
			stack = append(stack, value{in.Imm.(F64Imm).Bits, ValF64})
		case OpGlobalGet:
			idx := in.Imm.(GlobalImm).GlobalIdx
			if global == nil {
				return 0, 0, ErrNotConstant
			}
			v, typ, ok := global(idx)
			if !ok {
				return 0, 0, fmt.Errorf("global %d: %w", idx, ErrNotConstant)
			}
			stack = append(stack, value{v, typ})
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
			b, err := pop()
			if err != nil {
				return 0, 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, 0, err
			}
			want := ValI64
			if in.Opcode <= OpI32Mul {
				want = ValI32
			}
			if a.typ != want || b.typ != want {
				return 0, 0, fmt.Errorf("opcode 0x%02x: operands %s, %s", in.Opcode, a.typ, b.typ)
			}
			var r uint64
			switch in.Opcode {
			case OpI32Add, OpI64Add:
				r = a.bits + b.bits
			case OpI32Sub, OpI64Sub:
				r = a.bits - b.bits
			default:
				r = a.bits * b.bits
			}
			if want == ValI32 {
				r = uint64(uint32(r))
			}
			stack = append(stack, value{r, want})
		case OpEnd:
			if len(stack) != 1 {
				return 0, 0, fmt.Errorf("constant expression leaves %d values", len(stack))
			}
			return stack[0].bits, stack[0].typ, nil
		default:
			return 0, 0, fmt.Errorf("opcode 0x%02x: %w", in.Opcode, ErrNotConstant)
		}
	}
	return 0, 0, errors.New("constant expression missing end")
}

// GlobalRef reports whether expr is exactly a single global.get, and which
// global it reads.
func GlobalRef(expr []byte) (uint32, bool) {
	instrs, err := DecodeInstructions(expr)
	if err != nil || len(instrs) != 2 || instrs[0].Opcode != OpGlobalGet || instrs[1].Opcode != OpEnd {
		return 0, false
	}
	return instrs[0].Imm.(GlobalImm).GlobalIdx, true
}
