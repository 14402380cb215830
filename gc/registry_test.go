// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/value"
)

func TestInternAndLookup(t *testing.T) {
	h := heap.New(0)
	r := NewHandleRegistry()
	th := value.NewTypedHandle(1, 0, 7)

	ptr, err := r.Intern(h, th, value.EngineOwned)
	assert.NoError(t, err)
	assert.False(t, ptr.Null())

	got, ok := r.Lookup(th)
	assert.True(t, ok)
	assert.Equal(t, ptr, got)
}

func TestRootsExcludesVMOwned(t *testing.T) {
	h := heap.New(0)
	r := NewHandleRegistry()
	vmOwned := value.NewTypedHandle(1, 0, 1)
	engineOwned := value.NewTypedHandle(1, 0, 2)

	_, _ = r.Intern(h, vmOwned, value.VMOwned)
	enginePtr, _ := r.Intern(h, engineOwned, value.EngineOwned)

	roots := r.Roots()
	assert.Contains(t, roots, enginePtr)
	assert.Len(t, roots, 1)
}

func TestFinalizeUnreachableInvokesDestructorOnce(t *testing.T) {
	h := heap.New(0)
	r := NewHandleRegistry()
	th := value.NewTypedHandle(1, 3, 5)
	ptr, _ := r.Intern(h, th, value.VMOwned)

	calls := 0
	r.RegisterDestructor(3, func(got value.TypedHandle) {
		calls++
		assert.Equal(t, th, got)
	})

	unreachable := func(p value.HeapPtr) bool { return false }
	r.finalizeUnreachable(unreachable)
	assert.Equal(t, 1, calls)

	_, ok := r.Lookup(th)
	assert.False(t, ok)

	// a second sweep must not re-invoke the destructor for a dropped entry
	r.finalizeUnreachable(unreachable)
	assert.Equal(t, 1, calls)
	_ = ptr
}

func TestFinalizeUnreachableSkipsStillReachable(t *testing.T) {
	h := heap.New(0)
	r := NewHandleRegistry()
	th := value.NewTypedHandle(1, 1, 1)
	ptr, _ := r.Intern(h, th, value.VMOwned)

	calls := 0
	r.RegisterDestructor(1, func(value.TypedHandle) { calls++ })

	r.finalizeUnreachable(func(p value.HeapPtr) bool { return p == ptr })
	assert.Equal(t, 0, calls)

	_, ok := r.Lookup(th)
	assert.True(t, ok)
}
