// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package demo builds a small in-process module and type table the
// smalls CLI exercises, standing in for the external compiler this tree
// does not ship. It is a fixture, not a reference implementation of any
// source language.
package demo

import (
	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

// Types returns a type table with a plain heap-resident Vec2 struct, its
// propset counterpart Vec2Props, and an Entity object type registered, the way a loaded
// module's external compiler would populate one at load time.
func Types() *value.Table {
	t := value.NewTable()
	RegisterTypes(t)
	return t
}

// RegisterTypes populates t with the demo's Vec2/Vec2Props/Entity types,
// for use against a runtime's own live type table rather than a scratch
// one.
func RegisterTypes(t *value.Table) {
	i32, _ := t.ByName("int32")
	fields := []value.FieldInfo{
		{Name: "x", Offset: 0, Type: i32},
		{Name: "y", Offset: 4, Type: i32},
	}
	t.RegisterStruct("Vec2", fields, false)
	t.RegisterStruct("Vec2Props", fields, true)
	t.RegisterObject("Entity")
}

// Module returns a compiled module with one function, "add", computing
// r2 = r0 + r1 over its two int32 parameters.
func Module(types *value.Table) *bytecode.Module {
	mod := bytecode.NewModule("demo")
	i32, _ := types.ByName("int32")

	instrs := []bytecode.Instruction{
		bytecode.NewABC(bytecode.OpADD, 2, 0, 1),
		bytecode.NewABC(bytecode.OpRET, 2, 0, 0),
	}
	mod.AddFunction(bytecode.CompiledFunction{
		Name:         "add",
		Instrs:       instrs,
		DebugLines:   []uint32{1, 1},
		NumParams:    2,
		NumRegisters: 3,
		ReturnType:   i32,
	})
	return mod
}
