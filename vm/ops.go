// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"fmt"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

func (v *VM) isFloat(t value.TypeID) bool {
	info, ok := v.Types.Lookup(t)
	return ok && info.Name == "float32"
}

func truthy(v value.Value) bool {
	if v.Big != nil {
		return v.Big.Sign() != 0
	}
	return v.Bool || v.I32 != 0 || v.F32 != 0 || !v.Ptr.Null() || v.Handle.Valid()
}

func valuesEqual(a, b value.Value) bool {
	if a.TypeID != b.TypeID || a.Storage != b.Storage {
		return false
	}
	switch a.Storage {
	case value.StorageHeap:
		return a.Ptr == b.Ptr
	case value.StorageHandle:
		return a.Handle == b.Handle
	default:
		if a.Big != nil || b.Big != nil {
			if a.Big == nil || b.Big == nil {
				return false
			}
			return a.Big.Eq(b.Big)
		}
		return a.I32 == b.I32 && a.F32 == b.F32 && a.Bool == b.Bool
	}
}

func negate(a value.Value) value.Value {
	if a.Big != nil {
		neg := new(value.Value)
		*neg = a
		n := *a.Big
		n.Neg(&n)
		neg.Big = &n
		return *neg
	}
	if a.F32 != 0 {
		return value.Float32(a.TypeID, -a.F32)
	}
	return value.Int32(a.TypeID, -a.I32)
}

func numericLess(a, b value.Value, orEqual bool) (bool, error) {
	if a.Big != nil && b.Big != nil {
		cmp := a.Big.Cmp(b.Big)
		if orEqual {
			return cmp <= 0, nil
		}
		return cmp < 0, nil
	}
	var af, bf float64
	if a.F32 != 0 || b.F32 != 0 {
		af, bf = float64(a.F32), float64(b.F32)
	} else {
		af, bf = float64(a.I32), float64(b.I32)
	}
	if orEqual {
		return af <= bf, nil
	}
	return af < bf, nil
}

// binOp implements the arithmetic and bitwise opcode family. Operands
// come from registers B and C; the result is stored to register A.
// uint256-boxed operands (Value.Big set) take priority over the int32/
// float32 immediate paths, matching how scalar overflow-safe values are
// threaded through the VM.
func (v *VM) binOp(op bytecode.Op, ins bytecode.Instruction) error {
	a, b := *v.reg(ins.B()), *v.reg(ins.C())
	dst := v.reg(ins.A())

	if a.Big != nil || b.Big != nil {
		if a.Big == nil || b.Big == nil {
			return fmt.Errorf("%w: u256 op against non-u256 operand", ErrTypeMismatch)
		}
		result := new(value.Value)
		result.TypeID = a.TypeID
		n := a.Big.Clone()
		switch op {
		case bytecode.OpADD:
			n.Add(n, b.Big)
		case bytecode.OpSUB:
			n.Sub(n, b.Big)
		case bytecode.OpMUL:
			n.Mul(n, b.Big)
		case bytecode.OpDIV:
			if b.Big.IsZero() {
				return fmt.Errorf("%w: u256 DIV", ErrDivisionByZero)
			}
			n.Div(n, b.Big)
		case bytecode.OpMOD:
			if b.Big.IsZero() {
				return fmt.Errorf("%w: u256 MOD", ErrDivisionByZero)
			}
			n.Mod(n, b.Big)
		case bytecode.OpAND:
			n.And(n, b.Big)
		case bytecode.OpOR:
			n.Or(n, b.Big)
		case bytecode.OpXOR:
			n.Xor(n, b.Big)
		case bytecode.OpSHL:
			n.Lsh(n, uint(b.Big.Uint64()))
		case bytecode.OpSHR, bytecode.OpUSR:
			n.Rsh(n, uint(b.Big.Uint64()))
		}
		result.Big = n
		*dst = *result
		return nil
	}

	if v.isFloat(a.TypeID) || a.F32 != 0 || b.F32 != 0 {
		var r float32
		af, bf := a.F32, b.F32
		switch op {
		case bytecode.OpADD:
			r = af + bf
		case bytecode.OpSUB:
			r = af - bf
		case bytecode.OpMUL:
			r = af * bf
		case bytecode.OpDIV:
			if bf == 0 {
				return fmt.Errorf("%w: float32 DIV", ErrDivisionByZero)
			}
			r = af / bf
		default:
			return fmt.Errorf("%w: bitwise op against float operand", ErrTypeMismatch)
		}
		*dst = value.Float32(a.TypeID, r)
		return nil
	}

	ai, bi := a.I32, b.I32
	var r int32
	switch op {
	case bytecode.OpADD:
		r = ai + bi
	case bytecode.OpSUB:
		r = ai - bi
	case bytecode.OpMUL:
		r = ai * bi
	case bytecode.OpDIV:
		if bi == 0 {
			return fmt.Errorf("%w: int32 DIV", ErrDivisionByZero)
		}
		r = ai / bi
	case bytecode.OpMOD:
		if bi == 0 {
			return fmt.Errorf("%w: int32 MOD", ErrDivisionByZero)
		}
		r = ai % bi
	case bytecode.OpAND:
		r = ai & bi
	case bytecode.OpOR:
		r = ai | bi
	case bytecode.OpXOR:
		r = ai ^ bi
	case bytecode.OpSHL:
		r = ai << uint(bi)
	case bytecode.OpSHR:
		r = ai >> uint(bi)
	case bytecode.OpUSR:
		r = int32(uint32(ai) >> uint(bi))
	}
	*dst = value.Int32(a.TypeID, r)
	return nil
}
