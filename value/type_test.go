// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTableRegistersPrimitives(t *testing.T) {
	tbl := NewTable()
	id, ok := tbl.ByName("int32")
	assert.True(t, ok)
	info, ok := tbl.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, KindPrimitive, info.Kind)
	assert.Equal(t, 4, info.Size)
}

func TestRegisterStructComputesSize(t *testing.T) {
	tbl := NewTable()
	i32, _ := tbl.ByName("int32")
	f32, _ := tbl.ByName("float32")
	fields := []FieldInfo{
		{Name: "x", Offset: 0, Type: i32},
		{Name: "y", Offset: 4, Type: f32},
	}
	id := tbl.RegisterStruct("Vec2", fields, false)
	info, ok := tbl.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, 8, info.Size)
	assert.True(t, info.HeapResident)
	assert.False(t, info.IsPropset)
}

func TestRegisterStructPropsetIsNotHeapResident(t *testing.T) {
	tbl := NewTable()
	i32, _ := tbl.ByName("int32")
	fields := []FieldInfo{{Name: "hp", Offset: 0, Type: i32}}
	id := tbl.RegisterStruct("Health", fields, true)
	info, _ := tbl.Lookup(id)
	assert.True(t, info.IsPropset)
	assert.False(t, info.HeapResident)
}

func TestRegisterArraySizesByElement(t *testing.T) {
	tbl := NewTable()
	i32, _ := tbl.ByName("int32")
	id := tbl.RegisterArray("IntArray4", i32, 4)
	info, ok := tbl.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, 16, info.Size)
	assert.Equal(t, 4, info.ElemCount)
}

func TestLookupUnknownTypeID(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Lookup(TypeID(9999))
	assert.False(t, ok)
}

func TestMustLookupPanicsOnUnknown(t *testing.T) {
	tbl := NewTable()
	assert.Panics(t, func() {
		tbl.MustLookup(TypeID(9999))
	})
}
