// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package propset

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/value"
)

func newVec2Table() (*value.Table, value.TypeID) {
	t := value.NewTable()
	i32, _ := t.ByName("int32")
	fields := []value.FieldInfo{
		{Name: "x", Offset: 0, Type: i32},
		{Name: "y", Offset: 4, Type: i32},
	}
	propType := t.RegisterStruct("Vec2Props", fields, true)
	return t, propType
}

func TestGetOrCreateAllocatesOncePerObject(t *testing.T) {
	types, propType := newVec2Table()
	h := heap.New(0)
	m := NewManager(types, h)
	owner := value.NewTypedHandle(1, 0, 1)

	v1, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)
	v2, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestGetOrCreateRejectsNonPropsetType(t *testing.T) {
	types := value.NewTable()
	i32, _ := types.ByName("int32")
	plain := types.RegisterStruct("Plain", []value.FieldInfo{{Name: "v", Offset: 0, Type: i32}}, false)
	h := heap.New(0)
	m := NewManager(types, h)
	_, err := m.GetOrCreate(plain, value.NewTypedHandle(1, 0, 1))
	assert.Error(t, err)
}

func TestWriteFieldThenReadFieldRoundTrips(t *testing.T) {
	types, propType := newVec2Table()
	h := heap.New(0)
	m := NewManager(types, h)
	owner := value.NewTypedHandle(1, 0, 1)
	_, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)

	i32, _ := types.ByName("int32")
	err = m.WriteField(propType, owner, 0, i32, value.Int32(i32, 42))
	assert.NoError(t, err)

	got, err := m.ReadField(propType, owner, 0, i32, false)
	assert.NoError(t, err)
	assert.Equal(t, int32(42), got.I32)
}

func TestReadWriteFieldInvalidRefForUnknownOwner(t *testing.T) {
	types, propType := newVec2Table()
	h := heap.New(0)
	m := NewManager(types, h)
	i32, _ := types.ByName("int32")

	_, err := m.ReadField(propType, value.NewTypedHandle(1, 0, 99), 0, i32, false)
	assert.ErrorIs(t, err, ErrInvalidRef)

	err = m.WriteField(propType, value.NewTypedHandle(1, 0, 99), 0, i32, value.Int32(i32, 1))
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestMarkHeapMutationDirtiesOwningSlotCard(t *testing.T) {
	types := value.NewTable()
	i32, _ := types.ByName("int32")
	nodeType := types.RegisterStruct("Node", []value.FieldInfo{{Name: "v", Offset: 0, Type: i32}}, false)
	propType := types.RegisterStruct("Holder", []value.FieldInfo{{Name: "node", Offset: 0, Type: nodeType}}, true)

	h := heap.New(0)
	m := NewManager(types, h)
	owner := value.NewTypedHandle(1, 0, 1)
	_, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)

	// ReadField with markDirty=false allocates the backing heap cell but
	// must not dirty the card itself; only MarkHeapMutation should.
	got, err := m.ReadField(propType, owner, 0, nodeType, false)
	assert.NoError(t, err)
	assert.False(t, got.Ptr.Null())

	p, ref, s, err := m.resolve(propType, owner)
	assert.NoError(t, err)
	assert.True(t, s.hasLiveHeapRefs)
	assert.Empty(t, p.slabs[ref.Slab].cards)

	m.MarkHeapMutation(got.Ptr)

	card := ref.Index / slotsPerCard
	word := card / 64
	assert.NotZero(t, p.slabs[ref.Slab].cards[word]&(1<<uint(card%64)), "MarkHeapMutation did not dirty the owning slot's card")
}

func TestMarkHeapMutationIsNoOpAfterFieldOverwritten(t *testing.T) {
	types := value.NewTable()
	i32, _ := types.ByName("int32")
	nodeType := types.RegisterStruct("Node", []value.FieldInfo{{Name: "v", Offset: 0, Type: i32}}, false)
	propType := types.RegisterStruct("Holder", []value.FieldInfo{{Name: "node", Offset: 0, Type: nodeType}}, true)

	h := heap.New(0)
	m := NewManager(types, h)
	owner := value.NewTypedHandle(1, 0, 1)
	_, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)

	got, err := m.ReadField(propType, owner, 0, nodeType, false)
	assert.NoError(t, err)
	oldPtr := got.Ptr

	replacement, err := h.Allocate(4, 4, nodeType)
	assert.NoError(t, err)
	err = m.WriteField(propType, owner, 0, nodeType, value.FromHeap(nodeType, replacement))
	assert.NoError(t, err)

	_, ok := m.heapOwners[int32(oldPtr)-1]
	assert.False(t, ok, "stale owner entry for the overwritten pointer should have been removed")

	p, ref, _, err := m.resolve(propType, owner)
	assert.NoError(t, err)
	before := append([]uint64(nil), p.slabs[ref.Slab].cards...)
	m.MarkHeapMutation(oldPtr)
	assert.Equal(t, before, p.slabs[ref.Slab].cards, "MarkHeapMutation on a no-longer-owned pointer must not touch any card")
}

func TestPruneInvalidOwnersMarksSlotDead(t *testing.T) {
	types, propType := newVec2Table()
	h := heap.New(0)
	m := NewManager(types, h)
	owner := value.NewTypedHandle(1, 0, 1)
	_, err := m.GetOrCreate(propType, owner)
	assert.NoError(t, err)

	m.PruneInvalidOwners(func(value.ObjectHandle) bool { return false })

	i32, _ := types.ByName("int32")
	_, err = m.ReadField(propType, owner, 0, i32, false)
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestRuntimeObjectPoolAppendGetSet(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	h := p.New(i32)

	assert.NoError(t, p.Append(h, value.Int32(i32, 1)))
	assert.NoError(t, p.Append(h, value.Int32(i32, 2)))

	n, ok := p.Len(h)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	v, err := p.Get(h, 1)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), v.I32)

	assert.NoError(t, p.Set(h, 0, value.Int32(i32, 99)))
	v, err = p.Get(h, 0)
	assert.NoError(t, err)
	assert.Equal(t, int32(99), v.I32)
}

func TestRuntimeObjectPoolRejectsTypeMismatch(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	f32 := value.TypeID(3)
	h := p.New(i32)
	err := p.Append(h, value.Float32(f32, 1.5))
	assert.Error(t, err)
}

func TestRuntimeObjectPoolBoundsChecking(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	h := p.New(i32)
	_, err := p.Get(h, 0)
	assert.ErrorIs(t, err, ErrArrayBounds)
}

func TestRuntimeObjectPoolResizeGrowsWithZeroValues(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	h := p.New(i32)
	assert.NoError(t, p.Resize(h, 3))
	n, _ := p.Len(h)
	assert.Equal(t, 3, n)
}

func TestRuntimeObjectPoolDestroyInvalidatesHandle(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	h := p.New(i32)
	p.Destroy(h)
	_, err := p.Get(h, 0)
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestRuntimeObjectPoolClearTruncates(t *testing.T) {
	p := newRuntimeObjectPool()
	i32 := value.TypeID(2)
	h := p.New(i32)
	_ = p.Append(h, value.Int32(i32, 1))
	assert.NoError(t, p.Clear(h))
	n, _ := p.Len(h)
	assert.Equal(t, 0, n)
}
