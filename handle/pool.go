// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package handle implements the generation-tagged handle allocator used to
// bind engine-side effects/objects to TypedHandle values.
//
// Grounded on the go-probe scripting VM's resource tracking
// (resourceState/resources map/nextResID monotone counter) and its
// OpResourceNew/OpResourceDrop/OpResourceCheck opcodes, generalized from a
// flat map-of-state to chunked slab storage so growth never invalidates
// previously issued slot indices and lookups stay O(1) without per-handle
// map overhead.
package handle

import "github.com/haven-engine/scriptrt/value"

// chunkSize is the number of slots allocated per growth step.
const chunkSize = 256

// Slot is the per-handle payload plus bookkeeping the pool needs to
// validate a handle and to recycle the slot once destroyed.
type Slot struct {
	generation uint32 // current generation; slot is free iff this holds the
	                  // value that would be assigned next, tracked via onFreeList
	onFreeList bool
	Value      value.Value // the payload a caller attached via Allocate
}

// Pool is a generation-tagged slab allocator over fixed-size chunks.
//
// Allocate pops from a free list or grows by one chunk; Get validates
// generation match and liveness; Destroy increments generation (skipping
// 0, wrapping at 2^24) and returns the slot to the free list; Valid is a
// side-effect-free liveness check.
type Pool struct {
	chunks    [][]Slot
	freeHead  int32 // index into the flattened slot space, or -1
	freeNext  []int32
}

// New returns an empty handle pool.
func New() *Pool {
	return &Pool{freeHead: -1}
}

func (p *Pool) slotAt(idx int32) *Slot {
	chunk := idx / chunkSize
	off := idx % chunkSize
	return &p.chunks[chunk][off]
}

func (p *Pool) grow() {
	p.chunks = append(p.chunks, make([]Slot, chunkSize))
	base := int32(len(p.chunks)-1) * chunkSize
	for i := int32(chunkSize - 1); i >= 0; i-- {
		idx := base + i
		p.freeNext = growFreeNext(p.freeNext, idx)
		p.freeNext[idx] = p.freeHead
		p.chunks[idx/chunkSize][idx%chunkSize] = Slot{generation: 1, onFreeList: true}
		p.freeHead = idx
	}
}

func growFreeNext(s []int32, idx int32) []int32 {
	for int32(len(s)) <= idx {
		s = append(s, 0)
	}
	return s
}

// Allocate pops a free slot (growing the pool by one chunk if none remain)
// and returns a handle whose generation is the slot's current generation
// and whose id is the slot's flattened index. typeTag is stored in the
// returned handle only; the pool itself does not interpret it.
func (p *Pool) Allocate(typeTag uint8, payload value.Value) value.TypedHandle {
	if p.freeHead < 0 {
		p.grow()
	}
	idx := p.freeHead
	p.freeHead = p.freeNext[idx]

	slot := p.slotAt(idx)
	slot.onFreeList = false
	slot.Value = payload

	return value.NewTypedHandle(slot.generation, typeTag, uint32(idx))
}

// Get validates h (generation match, not free-listed) and returns a
// pointer to its slot for in-place mutation. It returns ok=false on any
// validation failure; callers must not deref garbage in that case.
func (p *Pool) Get(h value.TypedHandle) (*Slot, bool) {
	idx := int32(h.ID())
	if idx < 0 || int(idx) >= len(p.chunks)*chunkSize {
		return nil, false
	}
	slot := p.slotAt(idx)
	if slot.onFreeList || slot.generation != h.Generation() {
		return nil, false
	}
	return slot, true
}

// Valid reports whether h currently names a live slot.
func (p *Pool) Valid(h value.TypedHandle) bool {
	_, ok := p.Get(h)
	return ok
}

// Destroy invalidates h: the slot's generation is incremented (skipping 0,
// wrapping modulo 2^24) and the slot is pushed onto the free-list head.
// Calling it on an already-free or unknown handle is a caller error that
// is silently ignored here — the pool never panics on a bad handle, it
// simply treats the call as a no-op.
func (p *Pool) Destroy(h value.TypedHandle) {
	slot, ok := p.Get(h)
	if !ok {
		return
	}
	slot.generation = (slot.generation + 1) % (1 << 24)
	if slot.generation == 0 {
		slot.generation = 1
	}
	slot.onFreeList = true
	slot.Value = value.Value{}

	idx := int32(h.ID())
	p.freeNext = growFreeNext(p.freeNext, idx)
	p.freeNext[idx] = p.freeHead
	p.freeHead = idx
}

// Len returns the total number of slots the pool has ever allocated
// (live + free), i.e. chunk count * chunkSize.
func (p *Pool) Len() int { return len(p.chunks) * chunkSize }
