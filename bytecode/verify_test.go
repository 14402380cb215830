// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/value"
)

func wellFormedModule() *Module {
	mod := NewModule("verify")
	mod.AddConstant(value.Int32(0, 7))
	mod.Globals = []value.Value{value.Nil()}
	mod.AddNativeBinding("engine.log")
	mod.AddFunction(CompiledFunction{
		Name: "callee",
		Instrs: []Instruction{
			NewABC(OpLOADI, 0, 0, 0),
			NewABC(OpRET, 0, 0, 0),
		},
		NumParams:    0,
		NumRegisters: 1,
	})
	mod.AddFunction(CompiledFunction{
		Name: "main",
		Instrs: []Instruction{
			NewABC(OpLOADI, 0, 0, 0),
			NewABx(OpLOADK, 1, 0),
			NewABx(OpGETGLOBAL, 2, 0),
			NewJump(OpJMP, 1),
			NewABC(OpNOP, 0, 0, 0),
			NewABC(OpADD, 0, 0, 1),
			NewABx(OpCLOSURE, 3, 0),
			NewABC(OpNATIVECALL, 3, 0, 0),
			NewABC(OpRETVOID, 0, 0, 0),
		},
		NumParams:    0,
		NumRegisters: 4,
	})
	return mod
}

func TestVerifyAcceptsWellFormedModule(t *testing.T) {
	assert.NoError(t, Verify(wellFormedModule()))
}

func TestVerifyRejectsRegisterOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[0] = NewABC(OpLOADI, 200, 0, 0)

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsConstantIndexOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[1] = NewABx(OpLOADK, 1, 99)

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsGlobalSlotOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[2] = NewABx(OpGETGLOBAL, 2, 99)

	err := Verify(mod)
	assert.Error(t, err)
}

// TestVerifyRejectsJumpTargetOutOfRange is one of the two boundary tests
// explicitly required: a JMP whose target lies outside [0, n_instructions)
// must fail verification.
func TestVerifyRejectsJumpTargetOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[3] = NewJump(OpJMP, 1000)

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsNegativeJumpTargetOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[3] = NewJump(OpJMP, -1000)

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsNativeBindingIndexOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[7] = NewABC(OpNATIVECALL, 3, 9, 0)

	err := Verify(mod)
	assert.Error(t, err)
}

// TestVerifyRejectsClosureDescriptorOutOfRange is the other explicitly
// required boundary test: a CLOSURE whose descriptor regs are out of range
// fails verification.
func TestVerifyRejectsClosureDescriptorOutOfRange(t *testing.T) {
	mod := wellFormedModule()
	mod.functions[0].Upvalues = []UpvalueSource{{FromLocal: true, Index: 200}}

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsClosureDescriptorCopyingOutOfRangeUpvalue(t *testing.T) {
	mod := wellFormedModule()
	mod.functions[0].Upvalues = []UpvalueSource{{FromLocal: false, Index: 5}}

	err := Verify(mod)
	assert.Error(t, err)
}

func TestVerifyRejectsClosureReferencingUnknownFunction(t *testing.T) {
	mod := wellFormedModule()
	fn, ok := mod.GetFunction("main")
	assert.True(t, ok)
	fn.Instrs[6] = NewABx(OpCLOSURE, 3, 99)

	err := Verify(mod)
	assert.Error(t, err)
}
