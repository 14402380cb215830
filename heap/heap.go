// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package heap implements the script heap: a headered, bump/free-list
// byte allocator with an intrusive all_objects chain and young/old
// generation byte counters used to drive GC scheduling.
//
// Grounded on the go-probe scripting VM's memory tracker (allocation map,
// bounds-checked byte slice, roundUp alignment helper), generalized from
// that flat "one map entry per live allocation, no header, manual free"
// model to headered cells linked into an intrusive all_objects list,
// because the collector must be able to walk every live object during
// sweep without a side index. Large allocations get a single rounded byte
// slice rather than being bucketed into a size class, but otherwise follow
// the exact same slice-indexed storage as small objects: a live cell's
// bytes are never at the mercy of a separate arena's own eviction policy.
package heap

import (
	"errors"
	"fmt"

	"github.com/haven-engine/scriptrt/value"
)

// ErrAllocationFailed is returned when the underlying allocator cannot
// satisfy a request; this is fatal to the current script call and is
// never retried internally.
var ErrAllocationFailed = errors.New("heap: allocation failed")

// ErrInvalidPointer is returned by TryGetHeader/GetPtr for a HeapPtr that
// does not name a live cell.
var ErrInvalidPointer = errors.New("heap: invalid pointer")

// Generation distinguishes young (nursery) cells from promoted old cells.
type Generation uint8

const (
	Young Generation = iota
	Old
)

// MarkColor is the tri-color mark state used by the incremental major GC.
// Colors are stored per-header and interpreted relative to the heap's
// current epoch parity (flipped by gc.Collector.StartMajorCycle), so a sweep never needs to
// rewrite every header to "reset" colors between cycles.
type MarkColor uint8

const (
	White MarkColor = iota
	Gray
	Black
)

// smallObjectThreshold is the largest allocation served by a size-class
// free list; anything bigger gets its own exactly-sized slice instead of
// being rounded up to the nearest class.
const smallObjectThreshold = 512

var sizeClasses = [...]int{8, 16, 32, 64, 128, 256, 512}

// Header is the metadata every heap cell carries (kept as a plain Go
// struct rather than a literal bit-packed word: this runtime is a
// from-scratch Go implementation, not a byte-for-byte port of a C ABI,
// so there is no wire-format reason to hand-pack these fields, and doing
// so would only cost readability).
type Header struct {
	TypeID      value.TypeID
	ByteSize    uint32
	NextObject  int32 // index into Heap.objects, or -1 for end of chain
	MarkColor   MarkColor
	Generation  Generation
	Age         uint8 // survivor age; promoted at gc.Config.PromotionAge
	Pinned      bool
	Finalizable bool
	Epoch       bool // parity tag; see gc.Collector for epoch-based tri-color reset
	freed       bool // true once swept; index may be recycled
}

// Freed reports whether this header's slot has already been swept and
// returned to the free list. Sweep and trace walks that iterate slot
// ranges directly (rather than through TryGetHeader) use this to skip
// dead slots without risking a use-after-free on their data.
func (h *Header) Freed() bool { return h.freed }

// cell is a live (or recently-freed, awaiting slot reuse) heap object.
type cell struct {
	Header
	data  []byte
	large bool // true if alloc was rounded directly rather than size-classed
}

// Heap is the Script Heap: headered allocator, all_objects chain, and byte
// counters the GC consults when deciding whether to run.
type Heap struct {
	objects []cell // dense slot table; index is the HeapPtr's payload - 1
	free    []int32 // recycled slot indices (post-sweep)
	head    int32    // head of the intrusive all_objects chain, or -1

	Committed uint64
	YoungBytes uint64
	OldBytes   uint64
}

// New returns an empty script heap. initialCommit sizes the heap's initial
// committed-byte counter, informational only (objects is grown on demand).
func New(initialCommit int) *Heap {
	if initialCommit <= 0 {
		initialCommit = 32 * 1024
	}
	return &Heap{
		head:      -1,
		Committed: uint64(initialCommit),
	}
}

func ptrFromIndex(idx int32) value.HeapPtr { return value.HeapPtr(idx + 1) }
func indexFromPtr(p value.HeapPtr) int32   { return int32(p) - 1 }

func roundUp(n, align uint32) uint32 {
	if align == 0 {
		align = 1
	}
	return (n + align - 1) &^ (align - 1)
}

func sizeClassFor(n uint32) int {
	for _, c := range sizeClasses {
		if int(n) <= c {
			return c
		}
	}
	return int(n)
}

// Allocate reserves size bytes for a cell of the given type, links it at
// the head of the all_objects chain, and returns its HeapPtr. Allocation
// never blocks; size is rounded up to align and then to a size class, or
// left exactly rounded (no class bucketing) past smallObjectThreshold.
func (h *Heap) Allocate(size int, align int, typeID value.TypeID) (value.HeapPtr, error) {
	if size < 0 || align <= 0 {
		return 0, fmt.Errorf("%w: invalid size=%d align=%d", ErrAllocationFailed, size, align)
	}
	rounded := roundUp(uint32(size), uint32(align))
	large := int(rounded) > smallObjectThreshold
	alloc := int(rounded)
	if !large {
		alloc = sizeClassFor(rounded)
	}
	if alloc < 0 {
		return 0, ErrAllocationFailed
	}

	c := cell{
		Header: Header{
			TypeID:     typeID,
			ByteSize:   uint32(alloc),
			Generation: Young,
		},
		data:  make([]byte, alloc),
		large: large,
	}

	var idx int32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[idx] = c
	} else {
		idx = int32(len(h.objects))
		h.objects = append(h.objects, c)
	}

	h.objects[idx].NextObject = h.head
	h.head = idx

	h.YoungBytes += uint64(alloc)
	h.Committed += uint64(alloc)

	return ptrFromIndex(idx), nil
}

// TryGetHeader returns the header for ptr, or ok=false if ptr is null,
// out of range, or has already been swept.
func (h *Heap) TryGetHeader(ptr value.HeapPtr) (*Header, bool) {
	if ptr.Null() {
		return nil, false
	}
	idx := indexFromPtr(ptr)
	if idx < 0 || int(idx) >= len(h.objects) {
		return nil, false
	}
	c := &h.objects[idx]
	if c.freed {
		return nil, false
	}
	return &c.Header, true
}

// GetPtr returns the raw byte slice backing ptr's cell, or an error if ptr
// is invalid. The slice is a direct, mutable view of the cell's storage
// for both small and large allocations; writes through it are visible to
// every subsequent GetPtr/ObjectData call against the same ptr without any
// separate commit step.
func (h *Heap) GetPtr(ptr value.HeapPtr) ([]byte, error) {
	idx := indexFromPtr(ptr)
	if ptr.Null() || idx < 0 || int(idx) >= len(h.objects) || h.objects[idx].freed {
		return nil, fmt.Errorf("%w: 0x%x", ErrInvalidPointer, uint64(ptr))
	}
	return h.objects[idx].data, nil
}

// PutLarge is a no-op kept for call-site compatibility: GetPtr's slice is
// already a live view of the cell's backing storage, for large allocations
// same as small ones, so there is nothing left to commit.
func (h *Heap) PutLarge(ptr value.HeapPtr, data []byte) {}

// HeadIndex returns the index of the first object in the all_objects
// chain, or -1 if the heap is empty. Used by the collector's sweep walk.
func (h *Heap) HeadIndex() int32 { return h.head }

// Len returns the number of slots the heap has ever allocated (live,
// freed, and recycled). The collector uses this to bound card-range scans
// that may extend past the last allocated slot.
func (h *Heap) Len() int32 { return int32(len(h.objects)) }

// SetHead rewires the all_objects chain head; only the collector's sweep
// phase should call this.
func (h *Heap) SetHead(idx int32) { h.head = idx }

// ObjectAt exposes a cell's header and next-link by slot index, for the
// collector's sweep and trace walks. It never returns an error: indices
// handed back by HeadIndex/NextObject are always in range by construction.
func (h *Heap) ObjectAt(idx int32) *Header { return &h.objects[idx].Header }

// ObjectData returns the raw bytes for the object at slot idx.
func (h *Heap) ObjectData(idx int32) []byte {
	return h.objects[idx].data
}

// Free reclaims the cell at idx: it is unlinked by the caller (the
// collector's sweep, which rewrites the chain as it walks), has its bytes
// scrubbed to catch use-after-free, and its slot index is pushed onto the
// free list for the next Allocate call. Byte counters are decremented
// according to the cell's generation at time of free.
func (h *Heap) Free(idx int32) {
	c := &h.objects[idx]
	if c.freed {
		return
	}
	switch c.Generation {
	case Young:
		h.YoungBytes -= uint64(c.ByteSize)
	case Old:
		h.OldBytes -= uint64(c.ByteSize)
	}
	h.Committed -= uint64(c.ByteSize)
	for i := range c.data {
		c.data[i] = 0xCC
	}
	c.freed = true
	c.data = nil
	h.free = append(h.free, idx)
}

// Promote flips a young cell's generation to old, transferring its bytes
// from the young to the old counter. Called by the minor GC once a
// survivor's age reaches the configured promotion threshold.
func (h *Heap) Promote(idx int32) {
	c := &h.objects[idx]
	if c.Generation == Old {
		return
	}
	c.Generation = Old
	h.YoungBytes -= uint64(c.ByteSize)
	h.OldBytes += uint64(c.ByteSize)
}

// YoungPressure returns the fraction of committed bytes currently held by
// the young generation, compared against Config.YoungPressureThreshold by
// the tick runner to decide whether an unscheduled minor GC should run.
func (h *Heap) YoungPressure() float64 {
	if h.Committed == 0 {
		return 0
	}
	return float64(h.YoungBytes) / float64(h.Committed)
}
