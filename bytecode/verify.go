// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import "fmt"

// Verify checks that every function in mod only ever references in-range
// registers, constant-pool entries, jump targets, global slots, native
// bindings, and closure upvalue descriptors. A module that fails Verify
// must never be handed to the VM: most of these checks are bounds checks
// the VM would otherwise have to repeat on every instruction fetch, and
// jump targets and upvalue descriptors are checks the VM has no cheap way
// to perform per-instruction at all (a bad jump target just walks off the
// end of Instrs; a bad upvalue descriptor reads garbage out of the
// enclosing frame).
func Verify(mod *Module) error {
	for i := range mod.functions {
		fn := &mod.functions[i]
		if err := verifyFunction(mod, fn); err != nil {
			return fmt.Errorf("bytecode: function %q: %w", fn.Name, err)
		}
	}
	return nil
}

func checkReg(fn *CompiledFunction, reg uint8, role string) error {
	if int(reg) >= fn.NumRegisters {
		return fmt.Errorf("register operand %s=%d out of range (registers=%d)", role, reg, fn.NumRegisters)
	}
	return nil
}

func verifyFunction(mod *Module, fn *CompiledFunction) error {
	for pc, ins := range fn.Instrs {
		if err := verifyInstruction(mod, fn, pc, ins); err != nil {
			return fmt.Errorf("pc %d: %w", pc, err)
		}
	}
	return nil
}

func verifyJumpTarget(fn *CompiledFunction, pc int, ins Instruction) error {
	target := pc + 1 + int(ins.JumpOffset())
	if target < 0 || target >= len(fn.Instrs) {
		return fmt.Errorf("jump target %d out of range [0, %d)", target, len(fn.Instrs))
	}
	return nil
}

func verifyInstruction(mod *Module, fn *CompiledFunction, pc int, ins Instruction) error {
	op := ins.Op()
	switch op {
	case OpNOP, OpRETVOID:
		return nil

	case OpMOVE, OpNEG, OpNOT:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		return checkReg(fn, ins.B(), "b")

	case OpLOADI, OpLOADNIL, OpGETUPVAL, OpSETUPVAL, OpRET, OpCALL:
		return checkReg(fn, ins.A(), "a")

	case OpLOADK:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		if int(ins.Bx()) >= len(mod.constants) {
			return fmt.Errorf("constant index %d out of range (have %d)", ins.Bx(), len(mod.constants))
		}
		return nil

	case OpGETGLOBAL, OpSETGLOBAL:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		if int(ins.Bx()) >= len(mod.Globals) {
			return fmt.Errorf("global slot %d out of range (have %d)", ins.Bx(), len(mod.Globals))
		}
		return nil

	case OpADD, OpSUB, OpMUL, OpDIV, OpMOD, OpAND, OpOR, OpXOR, OpSHL, OpSHR, OpUSR,
		OpISEQ, OpISLT, OpISLE, OpGETINDEX, OpSETINDEX:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		if err := checkReg(fn, ins.B(), "b"); err != nil {
			return err
		}
		return checkReg(fn, ins.C(), "c")

	case OpGETFIELD, OpGETPROPSETFIELD, OpGETPROPSET:
		// the third operand on each of these is a field index or propset
		// type id resolved dynamically against a runtime type, which this
		// module has no access to; only the register operands are checked
		// here, and the VM still bounds-checks the dynamic one at call time.
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		return checkReg(fn, ins.B(), "b")

	case OpSETFIELD, OpSETPROPSETFIELD:
		// b is the field index here and c the source register.
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		return checkReg(fn, ins.C(), "c")

	case OpNEWSTRUCT, OpNEWARRAY:
		return checkReg(fn, ins.A(), "a")

	case OpJMP:
		return verifyJumpTarget(fn, pc, ins)

	case OpJMPT, OpJMPF:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		return verifyJumpTarget(fn, pc, ins)

	case OpCLOSURE:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		idx := int(ins.Bx())
		target, ok := mod.FunctionAt(idx)
		if !ok {
			return fmt.Errorf("CLOSURE references unknown function index %d", idx)
		}
		for i, desc := range target.Upvalues {
			if desc.FromLocal {
				if int(desc.Index) >= fn.NumRegisters {
					return fmt.Errorf("CLOSURE upvalue %d captures out-of-range local register %d", i, desc.Index)
				}
			} else if int(desc.Index) >= len(fn.Upvalues) {
				return fmt.Errorf("CLOSURE upvalue %d copies out-of-range enclosing upvalue %d", i, desc.Index)
			}
		}
		return nil

	case OpNATIVECALL:
		if err := checkReg(fn, ins.A(), "a"); err != nil {
			return err
		}
		if int(ins.B()) >= len(mod.NativeBindings) {
			return fmt.Errorf("native binding index %d out of range (have %d)", ins.B(), len(mod.NativeBindings))
		}
		return nil

	default:
		return fmt.Errorf("unknown opcode %s", op)
	}
}
