// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"fmt"
	"strings"

	"github.com/haven-engine/scriptrt/value"
)

// CompiledFunction is one function entry in a module's function table: its
// instruction stream, the upvalue capture descriptors that follow any
// CLOSURE referencing it, and the register-window sizing the VM needs to
// set up a Frame.
type CompiledFunction struct {
	Name         string
	Instrs       []Instruction
	DebugLines   []uint32 // source line per instruction, parallel to Instrs; used for stack traces
	Upvalues     []UpvalueSource
	NumParams    int
	NumRegisters int
	ReturnType   value.TypeID
}

// LineFor returns the source line recorded for instruction pc, or 0 if no
// debug line table was emitted for this function.
func (fn *CompiledFunction) LineFor(pc int) uint32 {
	if pc < 0 || pc >= len(fn.DebugLines) {
		return 0
	}
	return fn.DebugLines[pc]
}

// Module is the immutable (post-load) container an external compiler
// populates: a deduplicated string pool, a constants pool, and a function
// table. Globals is the only part of a Module the VM itself mutates, and
// only through SETGLOBAL; the VM does not initialize it on load, so its
// initial values are whatever the module's builder put there.
type Module struct {
	Name      string
	strings   []string
	stringIdx map[string]uint32
	constants []value.Value
	functions []CompiledFunction
	funcIdx   map[string]int

	Globals []value.Value

	// NativeBindings lists the native functions this module calls via
	// NATIVECALL, by name; the runtime resolves each against its native
	// registry when the module is loaded.
	NativeBindings []string
}

// AddNativeBinding records name as a native function this module invokes.
func (m *Module) AddNativeBinding(name string) {
	m.NativeBindings = append(m.NativeBindings, name)
}

// NewModule returns an empty module ready for the compiler to populate.
func NewModule(name string) *Module {
	return &Module{
		Name:      name,
		stringIdx: make(map[string]uint32),
		funcIdx:   make(map[string]int),
	}
}

// AddString interns s into the string pool, returning its existing index
// if already present.
func (m *Module) AddString(s string) uint32 {
	if idx, ok := m.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(len(m.strings))
	m.strings = append(m.strings, s)
	m.stringIdx[s] = idx
	return idx
}

// String returns the interned string at idx.
func (m *Module) String(idx uint32) string {
	if int(idx) >= len(m.strings) {
		return ""
	}
	return m.strings[idx]
}

// AddConstant appends c to the constants pool and returns its index. No
// deduplication is performed — compilation, not execution, is the hot
// path that would benefit from it, and constant identity rarely repeats
// across a whole module the way string literals do.
func (m *Module) AddConstant(c value.Value) uint32 {
	idx := uint32(len(m.constants))
	m.constants = append(m.constants, c)
	return idx
}

// Constant returns the constant at idx.
func (m *Module) Constant(idx uint32) value.Value {
	if int(idx) >= len(m.constants) {
		return value.Nil()
	}
	return m.constants[idx]
}

// Strings returns the module's interned string pool, in index order.
func (m *Module) Strings() []string { return m.strings }

// Constants returns the module's constant pool, in index order.
func (m *Module) Constants() []value.Value { return m.constants }

// Functions returns the module's function table, in index order.
func (m *Module) Functions() []CompiledFunction { return m.functions }

// AddFunction appends fn to the function table and returns its index.
func (m *Module) AddFunction(fn CompiledFunction) int {
	idx := len(m.functions)
	m.functions = append(m.functions, fn)
	m.funcIdx[fn.Name] = idx
	return idx
}

// GetFunction looks up a function by name via the name-to-index map. CALL
// itself never uses it; it addresses functions by index.
func (m *Module) GetFunction(name string) (*CompiledFunction, bool) {
	idx, ok := m.funcIdx[name]
	if !ok {
		return nil, false
	}
	return &m.functions[idx], true
}

// GetFunctionIndex returns the function table index for name.
func (m *Module) GetFunctionIndex(name string) (int, bool) {
	idx, ok := m.funcIdx[name]
	return idx, ok
}

// FunctionAt returns the function at table index idx.
func (m *Module) FunctionAt(idx int) (*CompiledFunction, bool) {
	if idx < 0 || idx >= len(m.functions) {
		return nil, false
	}
	return &m.functions[idx], true
}

// Disassemble renders every function's instruction stream as a
// human-readable listing, used by `smalls check` and test
// diagnostics.
func (m *Module) Disassemble() string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s\n", m.Name)
	for _, fn := range m.functions {
		fmt.Fprintf(&b, "function %s(params=%d, registers=%d)\n", fn.Name, fn.NumParams, fn.NumRegisters)
		for pc, ins := range fn.Instrs {
			fmt.Fprintf(&b, "  %4d  %s\n", pc, disassembleOne(ins))
		}
	}
	return b.String()
}

func disassembleOne(ins Instruction) string {
	op := ins.Op()
	switch op {
	case OpJMP, OpJMPT, OpJMPF:
		return fmt.Sprintf("%-10s off=%d", op, ins.JumpOffset())
	case OpLOADK, OpGETGLOBAL, OpSETGLOBAL, OpCLOSURE, OpNEWSTRUCT, OpNEWARRAY:
		return fmt.Sprintf("%-10s a=%d bx=%d", op, ins.A(), ins.Bx())
	case OpLOADI:
		return fmt.Sprintf("%-10s a=%d imm=%d", op, ins.A(), ins.SBx())
	default:
		return fmt.Sprintf("%-10s a=%d b=%d c=%d", op, ins.A(), ins.B(), ins.C())
	}
}
