// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package propset

import (
	"errors"

	"github.com/haven-engine/scriptrt/value"
)

// ErrArrayBounds is returned by Get/Set for an out-of-range array index.
var ErrArrayBounds = errors.New("propset: unmanaged array index out of bounds")

// unmanagedArrayTypeTag is the handle package type tag reserved for
// RuntimeObjectPool-issued handles, distinguishing them from engine handles
// allocated through the handle package's generation pool.
const unmanagedArrayTypeTag uint8 = 0xFF

type unmanagedArray struct {
	elemType value.TypeID
	elems    []value.Value
	nextGen  uint32
	live     bool
}

// RuntimeObjectPool allocates and owns the backing storage for unmanaged
// (non-GC) arrays referenced from propset fields, identified by TypedHandle
// rather than HeapPtr. It supports append/get/set/clear/resize against a
// fixed element type enforced per array.
type RuntimeObjectPool struct {
	arrays []unmanagedArray
	free   []uint32
}

func newRuntimeObjectPool() *RuntimeObjectPool {
	return &RuntimeObjectPool{}
}

// New allocates a fresh unmanaged array of the given element type and
// returns its handle.
func (p *RuntimeObjectPool) New(elemType value.TypeID) value.TypedHandle {
	var idx uint32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
		p.arrays[idx] = unmanagedArray{elemType: elemType, live: true, nextGen: p.arrays[idx].nextGen}
	} else {
		idx = uint32(len(p.arrays))
		p.arrays = append(p.arrays, unmanagedArray{elemType: elemType, live: true, nextGen: 1})
	}
	return value.NewTypedHandle(p.arrays[idx].nextGen, unmanagedArrayTypeTag, idx)
}

func (p *RuntimeObjectPool) get(h value.TypedHandle) (*unmanagedArray, bool) {
	idx := h.ID()
	if int(idx) >= len(p.arrays) {
		return nil, false
	}
	a := &p.arrays[idx]
	if !a.live || a.nextGen != h.Generation() {
		return nil, false
	}
	return a, true
}

// Len returns the number of live elements in the array named by h.
func (p *RuntimeObjectPool) Len(h value.TypedHandle) (int, bool) {
	a, ok := p.get(h)
	if !ok {
		return 0, false
	}
	return len(a.elems), true
}

// Append adds v to the end of the array named by h, rejecting a value
// whose TypeID does not match the array's declared element type.
func (p *RuntimeObjectPool) Append(h value.TypedHandle, v value.Value) error {
	a, ok := p.get(h)
	if !ok {
		return ErrInvalidRef
	}
	if v.TypeID != a.elemType {
		return errors.New("propset: unmanaged array element type mismatch")
	}
	a.elems = append(a.elems, v)
	return nil
}

// Get returns the element at index i of the array named by h.
func (p *RuntimeObjectPool) Get(h value.TypedHandle, i int) (value.Value, error) {
	a, ok := p.get(h)
	if !ok {
		return value.Value{}, ErrInvalidRef
	}
	if i < 0 || i >= len(a.elems) {
		return value.Value{}, ErrArrayBounds
	}
	return a.elems[i], nil
}

// Set overwrites the element at index i of the array named by h.
func (p *RuntimeObjectPool) Set(h value.TypedHandle, i int, v value.Value) error {
	a, ok := p.get(h)
	if !ok {
		return ErrInvalidRef
	}
	if i < 0 || i >= len(a.elems) {
		return ErrArrayBounds
	}
	if v.TypeID != a.elemType {
		return errors.New("propset: unmanaged array element type mismatch")
	}
	a.elems[i] = v
	return nil
}

// Clear truncates the array named by h to zero elements.
func (p *RuntimeObjectPool) Clear(h value.TypedHandle) error {
	a, ok := p.get(h)
	if !ok {
		return ErrInvalidRef
	}
	a.elems = a.elems[:0]
	return nil
}

// Resize grows or shrinks the array named by h to exactly n elements,
// zero-filling any newly added slots.
func (p *RuntimeObjectPool) Resize(h value.TypedHandle, n int) error {
	a, ok := p.get(h)
	if !ok {
		return ErrInvalidRef
	}
	if n < 0 {
		return ErrArrayBounds
	}
	if n <= len(a.elems) {
		a.elems = a.elems[:n]
		return nil
	}
	for len(a.elems) < n {
		a.elems = append(a.elems, value.Value{TypeID: a.elemType})
	}
	return nil
}

// Destroy releases the array named by h back to the pool's free list,
// invalidating h and any copies of it. Called by PruneInvalidOwners via
// destroy_unmanaged_array semantics when a propset slot owning this array
// is torn down.
func (p *RuntimeObjectPool) Destroy(h value.TypedHandle) {
	a, ok := p.get(h)
	if !ok {
		return
	}
	a.live = false
	a.elems = nil
	a.nextGen++
	if a.nextGen == 0 {
		a.nextGen = 1
	}
	p.free = append(p.free, h.ID())
}
