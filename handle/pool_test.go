// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haven-engine/scriptrt/value"
)

func TestAllocateGrowsAndReturnsValidHandle(t *testing.T) {
	p := New()
	h := p.Allocate(1, value.Int32(0, 42))
	assert.True(t, p.Valid(h))

	slot, ok := p.Get(h)
	assert.True(t, ok)
	assert.Equal(t, int32(42), slot.Value.I32)
	assert.Equal(t, uint8(1), h.TypeTag())
}

func TestAllocateAcrossChunkBoundary(t *testing.T) {
	p := New()
	handles := make([]value.TypedHandle, 0, chunkSize+10)
	for i := 0; i < chunkSize+10; i++ {
		handles = append(handles, p.Allocate(0, value.Int32(0, int32(i))))
	}
	for i, h := range handles {
		slot, ok := p.Get(h)
		assert.True(t, ok)
		assert.Equal(t, int32(i), slot.Value.I32)
	}
}

func TestDestroyInvalidatesHandle(t *testing.T) {
	p := New()
	h := p.Allocate(0, value.Int32(0, 1))
	p.Destroy(h)
	assert.False(t, p.Valid(h))
}

func TestDestroyBumpsGenerationSkippingZero(t *testing.T) {
	p := New()
	h1 := p.Allocate(0, value.Int32(0, 1))
	p.Destroy(h1)

	h2 := p.Allocate(0, value.Int32(0, 2))
	assert.Equal(t, h1.ID(), h2.ID(), "recycled slot should reuse the same id")
	assert.NotEqual(t, h1.Generation(), h2.Generation())
	assert.NotEqual(t, uint32(0), h2.Generation())

	// a handle from before Destroy must never validate against the new generation
	assert.False(t, p.Valid(h1))
	assert.True(t, p.Valid(h2))
}

func TestDestroyOnUnknownHandleIsNoOp(t *testing.T) {
	p := New()
	bogus := value.NewTypedHandle(1, 0, 999)
	assert.NotPanics(t, func() { p.Destroy(bogus) })
}

func TestGetOutOfRangeIsInvalid(t *testing.T) {
	p := New()
	p.Allocate(0, value.Int32(0, 1))
	bogus := value.NewTypedHandle(1, 0, 9999)
	_, ok := p.Get(bogus)
	assert.False(t, ok)
}

func TestLenTracksChunkGrowth(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Len())
	p.Allocate(0, value.Value{})
	assert.Equal(t, chunkSize, p.Len())
}
