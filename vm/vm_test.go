// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/gc"
	"github.com/haven-engine/scriptrt/handle"
	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/propset"
	"github.com/haven-engine/scriptrt/value"
)

func newTestVM() (*VM, *value.Table) {
	types := value.NewTable()
	h := heap.New(0)
	handles := handle.New()
	registry := gc.NewHandleRegistry()
	cards := gc.NewCardTable()
	propsets := propset.NewManager(types, h)
	machine := New(h, types, nil, handles, registry, propsets)
	collector := gc.New(h, types, cards, registry, gc.DefaultConfig(), machine, propsets)
	machine.Collector = collector
	propsets.SetCollector(collector)
	return machine, types
}

func addModule(i32 value.TypeID) *bytecode.Module {
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "add",
		Instrs: []bytecode.Instruction{
			bytecode.NewABC(bytecode.OpADD, 2, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
		},
		NumParams:    2,
		NumRegisters: 3,
		ReturnType:   i32,
	})
	return mod
}

func TestExecuteScriptRunsAddFunction(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := addModule(i32)

	result := machine.ExecuteScript(mod, "add", []value.Value{value.Int32(i32, 19), value.Int32(i32, 23)}, 100)
	assert.True(t, result.Ok)
	assert.Equal(t, int32(42), result.Value.I32)
}

func TestExecuteScriptUnknownFunction(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := addModule(i32)

	result := machine.ExecuteScript(mod, "missing", nil, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "not_found", result.ErrorKind)
}

func TestExecuteScriptGasExhausted(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := addModule(i32)

	result := machine.ExecuteScript(mod, "add", []value.Value{value.Int32(i32, 1), value.Int32(i32, 2)}, 0)
	assert.False(t, result.Ok)
	assert.Equal(t, "gas_exhausted", result.ErrorKind)
}

func TestExecuteScriptDivisionByZero(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "div",
		Instrs: []bytecode.Instruction{
			bytecode.NewABC(bytecode.OpDIV, 2, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
		},
		NumParams:    2,
		NumRegisters: 3,
		ReturnType:   i32,
	})

	result := machine.ExecuteScript(mod, "div", []value.Value{value.Int32(i32, 1), value.Int32(i32, 0)}, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "division_by_zero", result.ErrorKind)
}

func TestExecuteScriptModByZero(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "mod",
		Instrs: []bytecode.Instruction{
			bytecode.NewABC(bytecode.OpMOD, 2, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
		},
		NumParams:    2,
		NumRegisters: 3,
		ReturnType:   i32,
	})

	result := machine.ExecuteScript(mod, "mod", []value.Value{value.Int32(i32, 7), value.Int32(i32, 0)}, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "division_by_zero", result.ErrorKind)
}

func TestExecuteScriptArrayIndexOutOfBounds(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	arrType := types.RegisterArray("Ints", i32, 4)
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "index",
		Instrs: []bytecode.Instruction{
			bytecode.NewABx(bytecode.OpNEWARRAY, 0, uint16(arrType)),
			bytecode.NewAsBx(bytecode.OpLOADI, 1, 99),
			bytecode.NewABC(bytecode.OpGETINDEX, 2, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
		},
		NumRegisters: 3,
		ReturnType:   i32,
	})

	result := machine.ExecuteScript(mod, "index", nil, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "bounds", result.ErrorKind)
}

func TestExecuteScriptMalformedBytecodeFallsOffEnd(t *testing.T) {
	machine, _ := newTestVM()
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name:         "empty",
		Instrs:       nil,
		NumRegisters: 1,
	})
	result := machine.ExecuteScript(mod, "empty", nil, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "malformed_bytecode", result.ErrorKind)
}

func TestExecuteScriptLoadiAndJmp(t *testing.T) {
	machine, types := newTestVM()
	i32, _ := types.ByName("int32")
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "skip",
		Instrs: []bytecode.Instruction{
			bytecode.NewAsBx(bytecode.OpLOADI, 0, 1),
			bytecode.NewJump(bytecode.OpJMP, 1),
			bytecode.NewAsBx(bytecode.OpLOADI, 0, 99),
			bytecode.NewABC(bytecode.OpRET, 0, 0, 0),
		},
		NumRegisters: 1,
		ReturnType:   i32,
	})
	result := machine.ExecuteScript(mod, "skip", nil, 100)
	assert.True(t, result.Ok)
	assert.Equal(t, int32(1), result.Value.I32)
}

func callModule() *bytecode.Module {
	mod := bytecode.NewModule("test")
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "inc",
		Instrs: []bytecode.Instruction{
			bytecode.NewAsBx(bytecode.OpLOADI, 1, 1),
			bytecode.NewABC(bytecode.OpADD, 0, 0, 1),
			bytecode.NewABC(bytecode.OpRET, 0, 0, 0),
		},
		NumParams:    1,
		NumRegisters: 2,
	})
	mod.AddFunction(bytecode.CompiledFunction{
		Name: "main",
		Instrs: []bytecode.Instruction{
			bytecode.NewABx(bytecode.OpCLOSURE, 0, 0),
			bytecode.NewAsBx(bytecode.OpLOADI, 1, 41),
			bytecode.NewABC(bytecode.OpCALL, 0, 1, 0),
			bytecode.NewABC(bytecode.OpRET, 0, 0, 0),
		},
		NumRegisters: 2,
	})
	return mod
}

func TestExecuteScriptCallWithMatchingArityReturnsResult(t *testing.T) {
	machine, _ := newTestVM()
	mod := callModule()

	result := machine.ExecuteScript(mod, "main", nil, 100)
	assert.True(t, result.Ok)
	assert.Equal(t, int32(42), result.Value.I32)
}

func TestExecuteScriptCallWithMismatchedArityFailsTypeMismatch(t *testing.T) {
	machine, _ := newTestVM()
	mod := callModule()
	main, ok := mod.GetFunction("main")
	assert.True(t, ok)
	main.Instrs[2] = bytecode.NewABC(bytecode.OpCALL, 0, 2, 0)

	result := machine.ExecuteScript(mod, "main", nil, 100)
	assert.False(t, result.Ok)
	assert.Equal(t, "type_mismatch", result.ErrorKind)
}

func TestRootsScansHeapValuedRegisters(t *testing.T) {
	machine, types := newTestVM()
	structType, _ := types.ByName("int32")
	ptr, err := machine.Heap.Allocate(4, 4, structType)
	assert.NoError(t, err)

	machine.registerTop = 1
	machine.registers[0] = value.FromHeap(structType, ptr)

	roots := machine.Roots()
	assert.Contains(t, roots, ptr)
}
