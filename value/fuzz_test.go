// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
)

// TestTypedHandleGenerationWraparound fuzzes NewTypedHandle's generation
// masking: whatever 32-bit generation a caller passes in, the handle must
// report it truncated to the low 24 bits, and a generation of exactly 0
// must always read back as invalid regardless of id/type tag.
func TestTypedHandleGenerationWraparound(t *testing.T) {
	f := fuzz.New()
	for round := 0; round < 500; round++ {
		var gen uint32
		var typeTag uint8
		var id uint32
		f.Fuzz(&gen)
		f.Fuzz(&typeTag)
		f.Fuzz(&id)

		h := NewTypedHandle(gen, typeTag, id)
		assert.Equal(t, gen&handleGenMask, h.Generation(), "round=%d gen=%d", round, gen)
		assert.Equal(t, typeTag, h.TypeTag())
		assert.Equal(t, id, h.ID())

		if gen&handleGenMask == 0 {
			assert.False(t, h.Valid(), "round=%d gen=%d should be invalid", round, gen)
		} else {
			assert.True(t, h.Valid(), "round=%d gen=%d should be valid", round, gen)
		}
	}
}
