// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package vm implements the register-based bytecode interpreter: the
// frame stack, the fetch-decode-dispatch loop, gas metering, the native
// call bridge, and the write-barrier call sites the garbage collector
// depends on.
//
// Grounded on the go-probe scripting VM's dispatch loop (lang/vm/vm.go: a
// switch-based fetch/decode over a flat instruction slice, a resource
// table for engine-owned values, gas-like step limiting via a bounded
// instruction counter), generalized to the fixed ABC/ABx/AsBx/Jump
// instruction shapes, register-window-per-frame calling convention, and
// propset/write-barrier integration this runtime's heap and collector
// require.
package vm

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/gc"
	"github.com/haven-engine/scriptrt/handle"
	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/propset"
	"github.com/haven-engine/scriptrt/runtimelog"
	"github.com/haven-engine/scriptrt/value"
)

// State is the execution-wide state machine position.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateSuspendedOnGCStep
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspendedOnGCStep:
		return "suspended_on_gc_step"
	case StateFailed:
		return "failed"
	default:
		return "state?"
	}
}

// ErrGasExhausted is returned (boxed into an ExecutionResult) when the
// gas counter reaches zero mid-execution.
var ErrGasExhausted = errors.New("vm: gas exhausted")

// ErrTypeMismatch is returned when a native call's argument types don't
// match its declared signature.
var ErrTypeMismatch = errors.New("vm: type mismatch")

// ErrDivisionByZero is returned by DIV/MOD against a zero divisor, for any
// of the numeric representations binOp handles (u256, float32, int32).
var ErrDivisionByZero = errors.New("vm: division by zero")

// ErrBounds is returned when a GETINDEX/SETINDEX array access falls
// outside the array's declared element count.
var ErrBounds = errors.New("vm: index out of bounds")

// StackEntry is one (function, source line) pair in an ExecutionResult's
// stack trace.
type StackEntry struct {
	FunctionName string
	SourceLine   uint32
}

// ExecutionResult is the outcome of ExecuteScript.
type ExecutionResult struct {
	Value        value.Value
	Ok           bool
	ErrorKind    string
	ErrorMessage string
	StackTrace   []StackEntry
}

// NativeFunc is a host-provided function invoked via NATIVECALL. Natives
// that write a HeapPtr into runtime-visible storage outside the register
// file (an engine-owned table, say) must call VM.WriteBarrierRoot on it.
type NativeFunc struct {
	Arity int
	Sig   []value.TypeID // declared parameter types, checked at call time
	Fn    func(v *VM, args []value.Value) (value.Value, error)
}

const maxRegisters = 1 << 16

// VM is the single-threaded interpreter. Exactly one VM exists per
// runtime; it holds exclusive access to the heap, type table, collector,
// propset manager, and handle pool for the duration of any entry point.
type VM struct {
	registers   []value.Value
	registerTop int
	frames      []*Frame
	closures    []*Closure

	Heap      *heap.Heap
	Types     *value.Table
	Collector *gc.Collector
	Handles   *handle.Pool
	Registry  *gc.HandleRegistry
	Propsets  *propset.Manager

	module  *bytecode.Module
	natives map[string]NativeFunc

	gas   int
	state State

	log runtimelog.Logger
}

// New constructs a VM over the given subsystems. The gas budget is not set
// here: ExecuteScript takes it per call.
func New(h *heap.Heap, types *value.Table, collector *gc.Collector, handles *handle.Pool, registry *gc.HandleRegistry, propsets *propset.Manager) *VM {
	return &VM{
		registers: make([]value.Value, maxRegisters),
		Heap:      h,
		Types:     types,
		Collector: collector,
		Handles:   handles,
		Registry:  registry,
		Propsets:  propsets,
		natives:   make(map[string]NativeFunc),
		log:       runtimelog.Root,
	}
}

// RegisterNative installs fn under name so module bytecode can invoke it
// via NATIVECALL.
func (v *VM) RegisterNative(name string, fn NativeFunc) {
	v.natives[name] = fn
}

// State returns the VM's current execution-wide state.
func (v *VM) State() State { return v.state }

// Roots implements gc.RootProvider: every register up to the current
// high-water mark, plus the active module's globals. Registers belonging
// to calls already returned may still hold stale Values; scanning them
// anyway is a conservative over-approximation, never an under-approximation,
// so it cannot produce a dangling pointer.
func (v *VM) Roots() []value.HeapPtr {
	var out []value.HeapPtr
	for i := 0; i < v.registerTop; i++ {
		if p := v.registers[i]; p.Storage == value.StorageHeap && !p.Ptr.Null() {
			out = append(out, p.Ptr)
		}
	}
	if v.module != nil {
		for _, g := range v.module.Globals {
			if g.Storage == value.StorageHeap && !g.Ptr.Null() {
				out = append(out, g.Ptr)
			}
		}
	}
	// Closed upvalues hold their own copy outside the register file (their
	// creating frame may already have returned), so they need separate
	// root enumeration; open ones are already covered by the register scan
	// above.
	for _, cl := range v.closures {
		for _, uv := range cl.Upvalues {
			if uv.closed && uv.val.Storage == value.StorageHeap && !uv.val.Ptr.Null() {
				out = append(out, uv.val.Ptr)
			}
		}
	}
	return out
}

// WriteBarrierRoot lets native functions invoked through the VM bridge
// participate in the same shading discipline as propset and global
// writes: any HeapPtr a native stores into runtime-visible storage it
// owns must be announced here.
func (v *VM) WriteBarrierRoot(ptr value.HeapPtr) {
	v.Collector.ShadeRoot(ptr)
}

func (v *VM) fail(kind string, err error) ExecutionResult {
	v.state = StateFailed
	trace := v.buildStackTrace()
	v.log.Error("script execution failed", "kind", kind, "err", err, "frames", len(trace))
	return ExecutionResult{Ok: false, ErrorKind: kind, ErrorMessage: err.Error(), StackTrace: trace}
}

func (v *VM) buildStackTrace() []StackEntry {
	out := make([]StackEntry, 0, len(v.frames))
	for i := len(v.frames) - 1; i >= 0; i-- {
		f := v.frames[i]
		out = append(out, StackEntry{FunctionName: f.Function.Name, SourceLine: f.Function.LineFor(f.pc)})
	}
	return out
}

// internalError wraps an invariant violation (a bug in this VM, not a
// script fault) with the Go call stack, for diagnostic logs only; it is
// never shown to script authors as a catchable error kind.
func (v *VM) internalError(format string, args ...interface{}) error {
	return fmt.Errorf("%s [%v]", fmt.Sprintf(format, args...), stack.Trace().TrimRuntime())
}

// ExecuteScript loads mod (if not already the active module), resets the
// gas counter to budget, and runs fnName from its entry point to
// completion or failure. It never suspends: no path enters
// StateSuspendedOnGCStep.
func (v *VM) ExecuteScript(mod *bytecode.Module, fnName string, args []value.Value, gasBudget int) ExecutionResult {
	if v.module != mod {
		v.module = mod
	}
	fn, ok := mod.GetFunction(fnName)
	if !ok {
		return v.fail("not_found", fmt.Errorf("vm: no function %q in module %q", fnName, mod.Name))
	}

	v.gas = gasBudget
	v.state = StateRunning
	v.frames = v.frames[:0]

	base := v.registerTop
	if base+fn.NumRegisters > maxRegisters {
		return v.fail("resource_exhausted", errors.New("vm: register file exhausted"))
	}
	for i, a := range args {
		if i >= fn.NumParams {
			break
		}
		v.registers[base+i] = a
	}
	frame := &Frame{Function: fn, RegisterBase: base, GasAtEntry: v.gas, ReturnPC: -1}
	v.frames = append(v.frames, frame)
	v.registerTop = base + fn.NumRegisters

	return v.run()
}

func (v *VM) curFrame() *Frame { return v.frames[len(v.frames)-1] }

func (v *VM) reg(rel uint8) *value.Value {
	return &v.registers[v.curFrame().RegisterBase+int(rel)]
}

// run executes instructions until RET unwinds the outermost frame, gas
// is exhausted, or an invariant violation aborts the call. GC steps never
// occur mid-instruction; they are only taken between the top of this loop
// and the next fetch, via the caller-driven tick policy (see runtime
// package), not inlined here.
func (v *VM) run() ExecutionResult {
	for len(v.frames) > 0 {
		f := v.curFrame()
		if f.pc >= len(f.Function.Instrs) {
			return v.fail("malformed_bytecode", fmt.Errorf("vm: fell off end of function %q", f.Function.Name))
		}
		ins := f.Function.Instrs[f.pc]
		op := ins.Op()

		v.gas -= bytecode.CostOf(op)
		if v.gas < 0 {
			return v.fail("gas_exhausted", ErrGasExhausted)
		}

		f.pc++

		if res, done, err := v.dispatch(f, ins, op); err != nil {
			return v.fail(errKind(err), err)
		} else if done {
			return res
		}
	}
	return ExecutionResult{Ok: true}
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, ErrBounds):
		return "bounds"
	case errors.Is(err, propset.ErrInvalidRef):
		return "invalid_propset_ref"
	case errors.Is(err, heap.ErrAllocationFailed):
		return "allocation_failed"
	case errors.Is(err, heap.ErrInvalidPointer):
		return "invalid_pointer"
	default:
		return "runtime_error"
	}
}

// dispatch executes a single decoded instruction. It returns (result,
// true, nil) on RET/RETVOID unwinding the last frame, (zero, false, nil)
// to continue the loop, or a non-nil error to abort execution.
func (v *VM) dispatch(f *Frame, ins bytecode.Instruction, op bytecode.Op) (ExecutionResult, bool, error) {
	switch op {
	case bytecode.OpNOP:
		return ExecutionResult{}, false, nil

	case bytecode.OpMOVE:
		*v.reg(ins.A()) = *v.reg(ins.B())

	case bytecode.OpLOADI:
		*v.reg(ins.A()) = value.Int32(0, ins.SBx())

	case bytecode.OpLOADK:
		*v.reg(ins.A()) = v.module.Constant(uint32(ins.Bx()))

	case bytecode.OpLOADNIL:
		*v.reg(ins.A()) = value.Nil()

	case bytecode.OpGETGLOBAL:
		idx := int(ins.Bx())
		if idx < 0 || idx >= len(v.module.Globals) {
			return ExecutionResult{}, false, fmt.Errorf("vm: global index %d out of range", idx)
		}
		*v.reg(ins.A()) = v.module.Globals[idx]

	case bytecode.OpSETGLOBAL:
		idx := int(ins.Bx())
		if idx < 0 || idx >= len(v.module.Globals) {
			return ExecutionResult{}, false, fmt.Errorf("vm: global index %d out of range", idx)
		}
		val := *v.reg(ins.A())
		v.module.Globals[idx] = val
		if val.Storage == value.StorageHeap {
			v.Collector.ShadeRoot(val.Ptr)
		}

	case bytecode.OpADD, bytecode.OpSUB, bytecode.OpMUL, bytecode.OpDIV, bytecode.OpMOD,
		bytecode.OpAND, bytecode.OpOR, bytecode.OpXOR, bytecode.OpSHL, bytecode.OpSHR, bytecode.OpUSR:
		return ExecutionResult{}, false, v.binOp(op, ins)

	case bytecode.OpNEG:
		a := v.reg(ins.B())
		*v.reg(ins.A()) = negate(*a)

	case bytecode.OpNOT:
		a := v.reg(ins.B())
		*v.reg(ins.A()) = value.Bool(a.TypeID, !truthy(*a))

	case bytecode.OpISEQ:
		*v.reg(ins.A()) = value.Bool(0, valuesEqual(*v.reg(ins.B()), *v.reg(ins.C())))

	case bytecode.OpISLT:
		ok, err := numericLess(*v.reg(ins.B()), *v.reg(ins.C()), false)
		if err != nil {
			return ExecutionResult{}, false, err
		}
		*v.reg(ins.A()) = value.Bool(0, ok)

	case bytecode.OpISLE:
		ok, err := numericLess(*v.reg(ins.B()), *v.reg(ins.C()), true)
		if err != nil {
			return ExecutionResult{}, false, err
		}
		*v.reg(ins.A()) = value.Bool(0, ok)

	case bytecode.OpJMP:
		f.pc += int(ins.JumpOffset())

	case bytecode.OpJMPT:
		if truthy(*v.reg(ins.A())) {
			f.pc += int(ins.JumpOffset())
		}

	case bytecode.OpJMPF:
		if !truthy(*v.reg(ins.A())) {
			f.pc += int(ins.JumpOffset())
		}

	case bytecode.OpCLOSURE:
		return ExecutionResult{}, false, v.execClosure(f, ins)

	case bytecode.OpGETUPVAL:
		*v.reg(ins.A()) = f.Upvalues[ins.B()].Get()

	case bytecode.OpSETUPVAL:
		f.Upvalues[ins.B()].Set(*v.reg(ins.A()))

	case bytecode.OpNEWSTRUCT:
		return ExecutionResult{}, false, v.execNewStruct(ins)

	case bytecode.OpGETFIELD:
		return ExecutionResult{}, false, v.execGetField(ins)

	case bytecode.OpSETFIELD:
		return ExecutionResult{}, false, v.execSetField(ins)

	case bytecode.OpNEWARRAY:
		return ExecutionResult{}, false, v.execNewArray(ins)

	case bytecode.OpGETINDEX:
		return ExecutionResult{}, false, v.execGetIndex(ins)

	case bytecode.OpSETINDEX:
		return ExecutionResult{}, false, v.execSetIndex(ins)

	case bytecode.OpGETPROPSET:
		return ExecutionResult{}, false, v.execGetPropset(ins)

	case bytecode.OpGETPROPSETFIELD:
		return ExecutionResult{}, false, v.execGetPropsetField(ins)

	case bytecode.OpSETPROPSETFIELD:
		return ExecutionResult{}, false, v.execSetPropsetField(ins)

	case bytecode.OpCALL:
		return v.execCall(f, ins)

	case bytecode.OpNATIVECALL:
		return ExecutionResult{}, false, v.execNativeCall(ins)

	case bytecode.OpRET:
		return v.execRet(ins, true)

	case bytecode.OpRETVOID:
		return v.execRet(ins, false)

	default:
		return ExecutionResult{}, false, v.internalError("vm: unhandled opcode %s", op)
	}
	return ExecutionResult{}, false, nil
}
