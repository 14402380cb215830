// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"fmt"
	"math"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

func getUint64(b []byte, off int) uint64 {
	if off < 0 || off+8 > len(b) {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v
}

func putUint64(b []byte, off int, val uint64) {
	if off < 0 || off+8 > len(b) {
		return
	}
	for i := 0; i < 8; i++ {
		b[off+i] = byte(val >> (8 * i))
	}
}

// execNewStruct implements NEWSTRUCT a, bx: allocate a heap cell sized for
// struct type bx and store a heap-storage Value referencing it in
// register a. bx names the TypeID directly (compiler-assigned types fit
// comfortably in 16 bits), not an indirection through the constants pool.
func (v *VM) execNewStruct(ins bytecode.Instruction) error {
	typeID := value.TypeID(ins.Bx())
	info, ok := v.Types.Lookup(typeID)
	if !ok || info.Kind != value.KindStruct {
		return fmt.Errorf("vm: NEWSTRUCT against non-struct type %d", typeID)
	}
	ptr, err := v.Heap.Allocate(info.Size, 8, typeID)
	if err != nil {
		return err
	}
	*v.reg(ins.A()) = value.FromHeap(typeID, ptr)
	return nil
}

// execGetField implements GETFIELD a, b, c: read field index c (an index
// into the struct type's Fields list, resolved from register b's own
// TypeID) from the heap-storage Value in register b into register a.
func (v *VM) execGetField(ins bytecode.Instruction) error {
	src := *v.reg(ins.B())
	info, ok := v.Types.Lookup(src.TypeID)
	if !ok || int(ins.C()) >= len(info.Fields) {
		return fmt.Errorf("vm: GETFIELD field index %d out of range for type %d", ins.C(), src.TypeID)
	}
	field := info.Fields[ins.C()]
	data, err := v.Heap.GetPtr(src.Ptr)
	if err != nil {
		return err
	}
	*v.reg(ins.A()) = v.decodeTypedValue(field.Type, data, field.Offset)
	return nil
}

// execSetField implements SETFIELD a, b, c: write register c into field
// index b of the heap-storage Value held in register a, applying the
// write barrier for heap-typed fields.
func (v *VM) execSetField(ins bytecode.Instruction) error {
	dst := *v.reg(ins.A())
	info, ok := v.Types.Lookup(dst.TypeID)
	if !ok || int(ins.B()) >= len(info.Fields) {
		return fmt.Errorf("vm: SETFIELD field index %d out of range for type %d", ins.B(), dst.TypeID)
	}
	field := info.Fields[ins.B()]
	newVal := *v.reg(ins.C())

	data, err := v.Heap.GetPtr(dst.Ptr)
	if err != nil {
		return err
	}
	v.encodeTypedValue(field.Type, data, field.Offset, newVal)
	v.Heap.PutLarge(dst.Ptr, data)

	if fi, ok := v.Types.Lookup(field.Type); ok && fi.HeapResident {
		v.Collector.WriteBarrier(int32(dst.Ptr)-1, newVal.Ptr)
	}
	return nil
}

// execNewArray implements NEWARRAY a, bx: allocate a fixed-size array of
// array-type bx and store a heap-storage Value referencing it in a.
func (v *VM) execNewArray(ins bytecode.Instruction) error {
	typeID := value.TypeID(ins.Bx())
	info, ok := v.Types.Lookup(typeID)
	if !ok || info.Kind != value.KindArray {
		return fmt.Errorf("vm: NEWARRAY against non-array type %d", typeID)
	}
	ptr, err := v.Heap.Allocate(info.Size, 8, typeID)
	if err != nil {
		return err
	}
	*v.reg(ins.A()) = value.FromHeap(typeID, ptr)
	return nil
}

func (v *VM) arrayElemSize(info value.TypeInfo) int {
	elemInfo, ok := v.Types.Lookup(info.ElemType)
	if !ok {
		return 8
	}
	size := elemInfo.Size
	if size <= 0 {
		size = 8
	}
	return size
}

// execGetIndex implements GETINDEX a, b, c: read element register c
// (an int32 index) of the array Value in register b into register a.
func (v *VM) execGetIndex(ins bytecode.Instruction) error {
	arr := *v.reg(ins.B())
	idx := v.reg(ins.C()).I32
	info, ok := v.Types.Lookup(arr.TypeID)
	if !ok || info.Kind != value.KindArray {
		return fmt.Errorf("vm: GETINDEX against non-array type %d", arr.TypeID)
	}
	if idx < 0 || int(idx) >= info.ElemCount {
		return fmt.Errorf("%w: array index %d (len=%d)", ErrBounds, idx, info.ElemCount)
	}
	data, err := v.Heap.GetPtr(arr.Ptr)
	if err != nil {
		return err
	}
	elemSize := v.arrayElemSize(info)
	*v.reg(ins.A()) = v.decodeTypedValue(info.ElemType, data, int(idx)*elemSize)
	return nil
}

// execSetIndex implements SETINDEX a, b, c: write register c into element
// index (register b) of the array Value in register a, write-barriered.
func (v *VM) execSetIndex(ins bytecode.Instruction) error {
	arr := *v.reg(ins.A())
	idx := v.reg(ins.B()).I32
	newVal := *v.reg(ins.C())
	info, ok := v.Types.Lookup(arr.TypeID)
	if !ok || info.Kind != value.KindArray {
		return fmt.Errorf("vm: SETINDEX against non-array type %d", arr.TypeID)
	}
	if idx < 0 || int(idx) >= info.ElemCount {
		return fmt.Errorf("%w: array index %d (len=%d)", ErrBounds, idx, info.ElemCount)
	}
	data, err := v.Heap.GetPtr(arr.Ptr)
	if err != nil {
		return err
	}
	elemSize := v.arrayElemSize(info)
	v.encodeTypedValue(info.ElemType, data, int(idx)*elemSize, newVal)
	v.Heap.PutLarge(arr.Ptr, data)

	if elemInfo, ok := v.Types.Lookup(info.ElemType); ok && elemInfo.HeapResident {
		v.Collector.WriteBarrier(int32(arr.Ptr)-1, newVal.Ptr)
	}
	return nil
}

func (v *VM) decodeTypedValue(t value.TypeID, data []byte, offset int) value.Value {
	info, ok := v.Types.Lookup(t)
	if !ok {
		return value.Nil()
	}
	switch {
	case info.HeapResident:
		return value.FromHeap(t, value.HeapPtr(getUint64(data, offset)))
	case info.Kind == value.KindHandle:
		return value.FromHandle(t, value.TypedHandle(getUint64(data, offset)))
	case info.Name == "bool":
		return value.Bool(t, offset < len(data) && data[offset] != 0)
	case info.Name == "float32":
		return value.Float32(t, math.Float32frombits(uint32(getUint64(data, offset))))
	default:
		return value.Int32(t, int32(getUint64(data, offset)))
	}
}

func (v *VM) encodeTypedValue(t value.TypeID, data []byte, offset int, val value.Value) {
	info, ok := v.Types.Lookup(t)
	if !ok {
		return
	}
	switch {
	case info.HeapResident:
		putUint64(data, offset, uint64(val.Ptr))
	case info.Kind == value.KindHandle:
		putUint64(data, offset, uint64(val.Handle))
	case info.Name == "bool":
		if offset < len(data) {
			if val.Bool {
				data[offset] = 1
			} else {
				data[offset] = 0
			}
		}
	case info.Name == "float32":
		putUint64(data, offset, uint64(math.Float32bits(val.F32)))
	default:
		putUint64(data, offset, uint64(uint32(val.I32)))
	}
}

// execGetPropset implements GETPROPSET a, b, c: b holds the engine object
// handle to bind, c names a propset TypeID directly (mirroring NEWSTRUCT's
// bx-as-TypeID convention, here fit into an 8-bit operand since propset
// types are few per module); the resulting propset reference Value is
// stored to register a.
func (v *VM) execGetPropset(ins bytecode.Instruction) error {
	objVal := *v.reg(ins.B())
	typeID := value.TypeID(ins.C())
	result, err := v.Propsets.GetOrCreate(typeID, objVal.Handle)
	if err != nil {
		return err
	}
	*v.reg(ins.A()) = result
	return nil
}

// execGetPropsetField implements GETPROPSETFIELD a, b, c: b holds a
// propset reference Value, c indexes that propset type's Fields list.
func (v *VM) execGetPropsetField(ins bytecode.Instruction) error {
	ref := *v.reg(ins.B())
	info, ok := v.Types.Lookup(ref.TypeID)
	if !ok || int(ins.C()) >= len(info.Fields) {
		return fmt.Errorf("vm: GETPROPSETFIELD field index %d out of range for type %d", ins.C(), ref.TypeID)
	}
	field := info.Fields[ins.C()]
	result, err := v.Propsets.ReadField(ref.TypeID, ref.Handle, field.Offset, field.Type, false)
	if err != nil {
		return err
	}
	*v.reg(ins.A()) = result
	return nil
}

// execSetPropsetField implements SETPROPSETFIELD a, b, c: a holds a
// propset reference Value, b indexes its Fields list, c is the source
// register.
func (v *VM) execSetPropsetField(ins bytecode.Instruction) error {
	ref := *v.reg(ins.A())
	info, ok := v.Types.Lookup(ref.TypeID)
	if !ok || int(ins.B()) >= len(info.Fields) {
		return fmt.Errorf("vm: SETPROPSETFIELD field index %d out of range for type %d", ins.B(), ref.TypeID)
	}
	field := info.Fields[ins.B()]
	return v.Propsets.WriteField(ref.TypeID, ref.Handle, field.Offset, field.Type, *v.reg(ins.C()))
}
