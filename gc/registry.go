// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package gc

import (
	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/value"
)

// handleBoxTypeID is the TypeID stamped on the small heap cells that box a
// TypedHandle on behalf of HandleRegistry.Intern. It is TypeID 0, the
// built-in "void" primitive every value.Table registers first, so box cells
// carry no struct layout for the collector to trace.
const handleBoxTypeID value.TypeID = 0

// DestructorFunc is invoked exactly once, by the collector, when a
// VM_OWNED handle's backing Value becomes unreachable.
type DestructorFunc func(value.TypedHandle)

type regEntry struct {
	mode      value.HandleMode
	ptr       value.HeapPtr
	finalized bool
}

// HandleRegistry records, per TypedHandle referenced by a Value, which of
// VM_OWNED / ENGINE_OWNED / BORROWED owns its lifetime, and backs the
// runtime's intern/lookup/register-destructor surface for handle values.
//
// This is distinct from the handle package's generation-tagged slot pool:
// that pool allocates the TypedHandles engine objects and propset owners
// use; HandleRegistry tracks GC-visible ownership for whichever of those
// handles a script Value ends up referencing.
type HandleRegistry struct {
	entries     map[value.TypedHandle]*regEntry
	destructors map[uint8]DestructorFunc
}

// NewHandleRegistry returns an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{
		entries:     make(map[value.TypedHandle]*regEntry),
		destructors: make(map[uint8]DestructorFunc),
	}
}

// RegisterDestructor associates a finalizer with every handle whose type
// tag matches typeTag, for later invocation at finalization time.
func (r *HandleRegistry) RegisterDestructor(typeTag uint8, fn DestructorFunc) {
	r.destructors[typeTag] = fn
}

// Intern boxes th in a freshly allocated heap cell and records mode as its
// ownership. The returned HeapPtr is what VM code stores in a Value's Ptr
// field for a handle-typed register/global/field.
func (r *HandleRegistry) Intern(h *heap.Heap, th value.TypedHandle, mode value.HandleMode) (value.HeapPtr, error) {
	ptr, err := h.Allocate(8, 8, handleBoxTypeID)
	if err != nil {
		return 0, err
	}
	data, _ := h.GetPtr(ptr)
	putUint64(data, uint64(th))
	// PutLarge is a no-op for every cell: GetPtr's slice is already a
	// direct mutable view of the cell's storage, so the write above is
	// final. The call is kept for symmetry with the VM's write paths.
	h.PutLarge(ptr, data)
	r.entries[th] = &regEntry{mode: mode, ptr: ptr}
	return ptr, nil
}

// Lookup returns the HeapPtr previously interned for th.
func (r *HandleRegistry) Lookup(th value.TypedHandle) (value.HeapPtr, bool) {
	e, ok := r.entries[th]
	if !ok {
		return 0, false
	}
	return e.ptr, true
}

// Roots implements gc.RootProvider: every entry whose mode is not
// VM_OWNED must survive regardless of script reachability.
func (r *HandleRegistry) Roots() []value.HeapPtr {
	var out []value.HeapPtr
	for _, e := range r.entries {
		if e.mode != value.VMOwned {
			out = append(out, e.ptr)
		}
	}
	return out
}

// finalizeUnreachable scans VM_OWNED entries whose backing cell is about
// to be swept (reachable returns false) and invokes each destructor
// exactly once, then drops the entry so a later reuse of the same
// (type, id) pair never re-invokes it.
func (r *HandleRegistry) finalizeUnreachable(reachable func(value.HeapPtr) bool) {
	for th, e := range r.entries {
		if e.mode != value.VMOwned || e.finalized {
			continue
		}
		if reachable(e.ptr) {
			continue
		}
		if fn, ok := r.destructors[th.TypeTag()]; ok {
			fn(th)
		}
		e.finalized = true
		delete(r.entries, th)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8 && i < len(b); i++ {
		b[i] = byte(v >> (8 * i))
	}
}
