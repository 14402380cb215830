// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"fmt"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

// closureHandleTag marks a TypedHandle as indexing vm.closures rather
// than an engine/handle-pool resource; closures live only as long as the
// VM that created them and are never passed to handle.Pool.
const closureHandleTag uint8 = 0xFE

// Closure is a function value bound to the upvalues captured at the
// CLOSURE instruction that created it.
type Closure struct {
	FuncIndex int
	Upvalues  []*Upvalue
}

// execClosure implements CLOSURE a, bx: build a closure over function
// table entry bx, capturing upvalues per that function's declared
// UpvalueSource list (FromLocal captures the creating frame's own
// register by reference; otherwise it shares the creating frame's own
// upvalue of the same index), and store a closure-handle Value in a.
//
// The target function's upvalue descriptors are stored on
// bytecode.CompiledFunction itself rather than as trailing pseudo-
// instructions in the instruction stream: this VM already represents a
// module as Go structs rather than a literal byte stream, so there is no
// wire-format reason to smuggle them inline.
func (v *VM) execClosure(f *Frame, ins bytecode.Instruction) error {
	idx := int(ins.Bx())
	fn, ok := v.module.FunctionAt(idx)
	if !ok {
		return fmt.Errorf("vm: CLOSURE against unknown function index %d", idx)
	}
	upvals := make([]*Upvalue, len(fn.Upvalues))
	for i, desc := range fn.Upvalues {
		if desc.FromLocal {
			upvals[i] = f.openUpvalueFor(v, desc.Index)
		} else {
			if int(desc.Index) >= len(f.Upvalues) {
				return fmt.Errorf("vm: CLOSURE upvalue descriptor %d out of range", desc.Index)
			}
			upvals[i] = f.Upvalues[desc.Index]
		}
	}
	closureIdx := len(v.closures)
	v.closures = append(v.closures, &Closure{FuncIndex: idx, Upvalues: upvals})
	handle := value.NewTypedHandle(1, closureHandleTag, uint32(closureIdx))
	*v.reg(ins.A()) = value.FromHandle(0, handle)
	return nil
}

func (v *VM) closureFor(val value.Value) (*Closure, bool) {
	if val.Storage != value.StorageHandle || val.Handle.TypeTag() != closureHandleTag {
		return nil, false
	}
	idx := int(val.Handle.ID())
	if idx < 0 || idx >= len(v.closures) {
		return nil, false
	}
	return v.closures[idx], true
}

// execCall implements CALL a, b, c: invoke the closure in register a with
// b arguments starting at a+1. The return value, if any, lands in register
// a; c is not consulted, so at most one value is returned. The callee's register window is the continuation of the caller's own
// register file starting at a+1 (Lua-style stacked windows), not a
// separately allocated range.
func (v *VM) execCall(f *Frame, ins bytecode.Instruction) (ExecutionResult, bool, error) {
	callee := *v.reg(ins.A())
	closure, ok := v.closureFor(callee)
	if !ok {
		return ExecutionResult{}, false, fmt.Errorf("vm: register %d is not callable", ins.A())
	}
	fn, ok := v.module.FunctionAt(closure.FuncIndex)
	if !ok {
		return ExecutionResult{}, false, fmt.Errorf("vm: closure references unknown function %d", closure.FuncIndex)
	}
	if argc := int(ins.B()); argc != fn.NumParams {
		return ExecutionResult{}, false, fmt.Errorf("%w: %q expects %d args, got %d", ErrTypeMismatch, fn.Name, fn.NumParams, argc)
	}

	calleeBase := f.RegisterBase + int(ins.A()) + 1
	if calleeBase+fn.NumRegisters > maxRegisters {
		return ExecutionResult{}, false, fmt.Errorf("vm: register file exhausted calling %q", fn.Name)
	}
	if calleeBase+fn.NumRegisters > v.registerTop {
		v.registerTop = calleeBase + fn.NumRegisters
	}

	newFrame := &Frame{
		Function:       fn,
		ReturnPC:       f.pc,
		RegisterBase:   calleeBase,
		ReturnRegister: ins.A(),
		Upvalues:       closure.Upvalues,
		GasAtEntry:     v.gas,
	}
	v.frames = append(v.frames, newFrame)
	return ExecutionResult{}, false, nil
}

// execNativeCall implements NATIVECALL a, b, c: invoke the native bound
// under the module's b-th NativeBindings entry with c arguments starting
// at a+1, checking each argument's TypeID against the native's declared
// signature, and storing its return Value in register a.
func (v *VM) execNativeCall(ins bytecode.Instruction) error {
	bindingIdx := int(ins.B())
	if bindingIdx < 0 || bindingIdx >= len(v.module.NativeBindings) {
		return fmt.Errorf("vm: native binding index %d out of range", bindingIdx)
	}
	name := v.module.NativeBindings[bindingIdx]
	native, ok := v.natives[name]
	if !ok {
		return fmt.Errorf("vm: native %q is not registered", name)
	}

	argc := int(ins.C())
	if argc != native.Arity {
		return fmt.Errorf("%w: native %q expects %d args, got %d", ErrTypeMismatch, name, native.Arity, argc)
	}
	args := make([]value.Value, argc)
	base := int(ins.A()) + 1
	for i := 0; i < argc; i++ {
		arg := *v.reg(uint8(base + i))
		if i < len(native.Sig) && native.Sig[i] != 0 && arg.TypeID != native.Sig[i] {
			return fmt.Errorf("%w: native %q arg %d", ErrTypeMismatch, name, i)
		}
		args[i] = arg
	}

	result, err := native.Fn(v, args)
	if err != nil {
		return fmt.Errorf("native %q: %w", name, err)
	}
	*v.reg(ins.A()) = result
	return nil
}

// execRet implements RET a (hasValue=true: return value in register a)
// and RETVOID (hasValue=false),
// unwinding the current frame: closing its open upvalues, placing the
// return value (if any) in the caller's reserved return register, and
// either resuming the caller or — for the outermost frame — producing the
// final ExecutionResult.
func (v *VM) execRet(ins bytecode.Instruction, hasValue bool) (ExecutionResult, bool, error) {
	f := v.curFrame()
	var retVal value.Value
	if hasValue {
		retVal = *v.reg(ins.A())
	}
	f.closeUpvalues()

	v.frames = v.frames[:len(v.frames)-1]
	if len(v.frames) == 0 {
		return ExecutionResult{Value: retVal, Ok: true}, true, nil
	}

	caller := v.curFrame()
	caller.pc = f.ReturnPC
	if hasValue {
		*v.reg(f.ReturnRegister) = retVal
	}
	return ExecutionResult{}, false, nil
}
