// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

// Upvalue is a captured variable shared between a closure and the frame
// that created it. While its owning frame is still on the call stack it is
// open and reads/writes alias the live register file; once that frame
// returns it is closed, at which point it holds its own copy.
type Upvalue struct {
	vm       *VM
	absIndex int
	closed   bool
	val      value.Value
}

// Get returns the upvalue's current value.
func (u *Upvalue) Get() value.Value {
	if u.closed {
		return u.val
	}
	return u.vm.registers[u.absIndex]
}

// Set stores v into the upvalue.
func (u *Upvalue) Set(v value.Value) {
	if u.closed {
		u.val = v
		return
	}
	u.vm.registers[u.absIndex] = v
}

func (u *Upvalue) close() {
	if !u.closed {
		u.val = u.vm.registers[u.absIndex]
		u.closed = true
	}
}

// Frame is a VM activation record: the executing function, where to
// resume the caller, the register window this call owns, and the gas
// balance at entry (used only for diagnostics; gas itself is a single
// execution-wide counter, not per-frame).
type Frame struct {
	Function       *bytecode.CompiledFunction
	ReturnPC       int
	RegisterBase   int
	ReturnRegister uint8
	Upvalues       []*Upvalue
	GasAtEntry     int

	pc            int
	openUpvalues  map[int]*Upvalue // absolute register index -> open upvalue captured from this frame
}

func (f *Frame) openUpvalueFor(vmRef *VM, localReg uint8) *Upvalue {
	abs := f.RegisterBase + int(localReg)
	if f.openUpvalues == nil {
		f.openUpvalues = make(map[int]*Upvalue)
	}
	if u, ok := f.openUpvalues[abs]; ok {
		return u
	}
	u := &Upvalue{vm: vmRef, absIndex: abs}
	f.openUpvalues[abs] = u
	return u
}

func (f *Frame) closeUpvalues() {
	for _, u := range f.openUpvalues {
		u.close()
	}
}
