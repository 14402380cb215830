// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package propset implements the propset pool: slab-allocated storage for
// script structs bound one-to-one with an engine object, plus the
// RuntimeObjectPool backing unmanaged (non-GC) arrays that a propset slot
// may reference by TypedHandle.
//
// Grounded on the go-probe scripting VM's slab-style bytecode constant
// pool (a flat slice grown in fixed-size chunks, indexed by integer id)
// generalized here into a per-type slab pool keyed by engine object id,
// because propset storage must outlive any single script call and be
// independently dirty-tracked per card, unlike a constant pool.
package propset

import (
	"errors"
	"fmt"
	"math"

	"github.com/haven-engine/scriptrt/gc"
	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/value"
)

// ErrInvalidRef is returned when a propset reference no longer names a
// live slot: the engine object handle was destroyed, or the owner handle
// stored in the slot no longer matches.
var ErrInvalidRef = errors.New("propset: invalid reference")

// ErrUnmanagedField is returned by write_field against an unmanaged array
// field; those must be mutated through the array API instead.
var ErrUnmanagedField = errors.New("propset: field is an unmanaged array, use the array API")

const (
	slotsPerSlab = 256
	slotsPerCard = 64
)

// SlotRef names a live propset slot: which slab and which offset within it.
type SlotRef struct {
	Type  value.TypeID
	Slab  int
	Index int
}

type slot struct {
	alive             bool
	aggregateDirty    bool
	isStatic          bool
	hasLiveHeapRefs   bool
	hasUnmanagedArrays bool
	dirtyFieldBits    uint64
	owner             value.ObjectHandle
	storage           []byte
}

type slab struct {
	slots []slot
	cards []uint64 // one bit per slotsPerCard slots
}

func (s *slab) markCardDirty(idx int) {
	card := idx / slotsPerCard
	word := card / 64
	for len(s.cards) <= word {
		s.cards = append(s.cards, 0)
	}
	s.cards[word] |= 1 << uint(card%64)
}

// Pool holds every slab of one propset-annotated struct type.
type Pool struct {
	typeID      value.TypeID
	layoutSize  int
	slabs       []*slab
	objectSlots map[value.ObjectHandle]SlotRef
}

func newPool(typeID value.TypeID, layoutSize int) *Pool {
	return &Pool{typeID: typeID, layoutSize: layoutSize, objectSlots: make(map[value.ObjectHandle]SlotRef)}
}

// Manager owns one Pool per propset type plus the unmanaged-array object
// pool and the heap-cell ownership side table used by mark_heap_mutation.
type Manager struct {
	types   *value.Table
	heap    *heap.Heap
	collector *gc.Collector

	pools      map[value.TypeID]*Pool
	heapOwners map[int32]ownerRef // heap slot index -> owning propset slot

	Objects *RuntimeObjectPool
}

type ownerRef struct {
	typeID value.TypeID
	slab   int
	index  int
}

// NewManager returns an empty propset manager over types and h. collector
// may be nil until the collector is constructed; call SetCollector once it
// exists (the two are mutually referential: the collector needs propset
// slots as GC roots, and propset field writes need the collector's write
// barrier).
func NewManager(types *value.Table, h *heap.Heap) *Manager {
	return &Manager{
		types:      types,
		heap:       h,
		pools:      make(map[value.TypeID]*Pool),
		heapOwners: make(map[int32]ownerRef),
		Objects:    newRuntimeObjectPool(),
	}
}

// SetCollector wires the collector used for write-barrier calls on heap
// field writes.
func (m *Manager) SetCollector(c *gc.Collector) { m.collector = c }

func (m *Manager) poolFor(typeID value.TypeID) (*Pool, error) {
	if p, ok := m.pools[typeID]; ok {
		return p, nil
	}
	info, ok := m.types.Lookup(typeID)
	if !ok || !info.IsPropset {
		return nil, fmt.Errorf("propset: type %d is not propset-annotated", typeID)
	}
	p := newPool(typeID, info.Size)
	m.pools[typeID] = p
	return p, nil
}

func (m *Manager) allocSlot(p *Pool, owner value.ObjectHandle) SlotRef {
	for si, s := range p.slabs {
		for i := range s.slots {
			if !s.slots[i].alive {
				s.slots[i] = slot{alive: true, isStatic: true, owner: owner, storage: make([]byte, p.layoutSize)}
				return SlotRef{Type: p.typeID, Slab: si, Index: i}
			}
		}
	}
	s := &slab{slots: make([]slot, slotsPerSlab)}
	s.slots[0] = slot{alive: true, isStatic: true, owner: owner, storage: make([]byte, p.layoutSize)}
	p.slabs = append(p.slabs, s)
	return SlotRef{Type: p.typeID, Slab: len(p.slabs) - 1, Index: 0}
}

func (p *Pool) slotAt(ref SlotRef) *slot {
	return &p.slabs[ref.Slab].slots[ref.Index]
}

// GetOrCreate returns a Value referencing the propset slot bound to obj,
// allocating and zero-initializing a fresh slot on first use.
func (m *Manager) GetOrCreate(typeID value.TypeID, obj value.ObjectHandle) (value.Value, error) {
	p, err := m.poolFor(typeID)
	if err != nil {
		return value.Value{}, err
	}
	if ref, ok := p.objectSlots[obj]; ok {
		if p.slotAt(ref).alive {
			return value.FromHandle(typeID, obj), nil
		}
	}
	ref := m.allocSlot(p, obj)
	p.objectSlots[obj] = ref
	return value.FromHandle(typeID, obj), nil
}

func (m *Manager) resolve(typeID value.TypeID, obj value.ObjectHandle) (*Pool, SlotRef, *slot, error) {
	p, ok := m.pools[typeID]
	if !ok {
		return nil, SlotRef{}, nil, ErrInvalidRef
	}
	ref, ok := p.objectSlots[obj]
	if !ok {
		return nil, SlotRef{}, nil, ErrInvalidRef
	}
	s := p.slotAt(ref)
	if !s.alive || s.owner != obj {
		return nil, SlotRef{}, nil, ErrInvalidRef
	}
	return p, ref, s, nil
}

// ReadField validates the (typeID, obj) reference and returns the field at
// offset interpreted as fieldType. markDirty is set by callers that intend
// to hand back a mutable reference (e.g. returning an unmanaged array
// handle for in-place append); it is recorded the same as a write would be.
func (m *Manager) ReadField(typeID value.TypeID, obj value.ObjectHandle, offset int, fieldType value.TypeID, markDirty bool) (value.Value, error) {
	_, ref, s, err := m.resolve(typeID, obj)
	if err != nil {
		return value.Value{}, err
	}
	fi, ok := m.types.Lookup(fieldType)
	if !ok {
		return value.Value{}, fmt.Errorf("propset: unknown field type %d", fieldType)
	}

	if markDirty {
		s.isStatic = false
		s.aggregateDirty = true
		if bit := offset / 8; bit < 64 {
			s.dirtyFieldBits |= 1 << uint(bit)
		}
		m.markSlotDirty(typeID, ref, offset, fi.HeapResident)
	}

	if fi.HeapResident {
		ptr := value.HeapPtr(getUint64(s.storage, offset))
		if ptr.Null() {
			newPtr, aerr := m.heap.Allocate(fi.Size, 8, fieldType)
			if aerr != nil {
				return value.Value{}, aerr
			}
			putUint64(s.storage, offset, uint64(newPtr))
			ptr = newPtr
			s.hasLiveHeapRefs = true
			m.recordHeapOwner(typeID, ref, ptr)
			if m.collector != nil {
				m.collector.ShadeRoot(ptr)
			}
		}
		return value.FromHeap(fieldType, ptr), nil
	}

	if fi.Kind == value.KindHandle {
		h := value.TypedHandle(getUint64(s.storage, offset))
		return value.FromHandle(fieldType, h), nil
	}
	return decodeImmediate(fi, s.storage, offset), nil
}

// WriteField validates the reference and writes v into the field at
// offset, marking the slot and (for heap-typed fields) the owning card
// dirty, and applying the write barrier. Writes against unmanaged-array
// fields are rejected; use the array API.
func (m *Manager) WriteField(typeID value.TypeID, obj value.ObjectHandle, offset int, fieldType value.TypeID, v value.Value) error {
	_, ref, s, err := m.resolve(typeID, obj)
	if err != nil {
		return err
	}
	fi, ok := m.types.Lookup(fieldType)
	if !ok {
		return fmt.Errorf("propset: unknown field type %d", fieldType)
	}
	if fi.Kind == value.KindArray && !fi.HeapResident {
		return ErrUnmanagedField
	}

	isHeapField := fi.HeapResident
	if isHeapField {
		if old := value.HeapPtr(getUint64(s.storage, offset)); !old.Null() {
			delete(m.heapOwners, int32(old)-1)
		}
		putUint64(s.storage, offset, uint64(v.Ptr))
		s.hasLiveHeapRefs = true
		m.recordHeapOwner(typeID, ref, v.Ptr)
		if m.collector != nil {
			m.collector.ShadeRoot(v.Ptr)
		}
	} else if fi.Kind == value.KindHandle {
		putUint64(s.storage, offset, uint64(v.Handle))
	} else {
		encodeImmediate(fi, s.storage, offset, v)
	}

	s.isStatic = false
	s.aggregateDirty = true
	bit := offset / 8
	if bit < 64 {
		s.dirtyFieldBits |= 1 << uint(bit)
	}
	m.markSlotDirty(typeID, ref, offset, isHeapField)
	return nil
}

// markSlotDirty dirties the owning slab's card only for heap-field
// mutations; scalar field writes leave card state untouched.
func (m *Manager) markSlotDirty(typeID value.TypeID, ref SlotRef, offset int, heapField bool) {
	if !heapField {
		return
	}
	p := m.pools[typeID]
	p.slabs[ref.Slab].markCardDirty(ref.Index)
}

// recordHeapOwner registers ref as the propset slot owning the heap cell at
// ptr, so a later MarkHeapMutation(ptr) can find its way back to the card
// that needs dirtying.
func (m *Manager) recordHeapOwner(typeID value.TypeID, ref SlotRef, ptr value.HeapPtr) {
	if ptr.Null() {
		return
	}
	idx := int32(ptr) - 1
	m.heapOwners[idx] = ownerRef{typeID: typeID, slab: ref.Slab, index: ref.Index}
}

// MarkHeapMutation records that the engine mutated a heap cell at ptr,
// marking the propset slot that owns it (if any) dirty so the next minor
// GC rescans it.
func (m *Manager) MarkHeapMutation(ptr value.HeapPtr) {
	idx := int32(ptr) - 1
	own, ok := m.heapOwners[idx]
	if !ok {
		return
	}
	p := m.pools[own.typeID]
	if p == nil {
		return
	}
	p.slabs[own.slab].markCardDirty(own.index)
}

// PruneInvalidOwners sweeps every slot whose owner handle no longer
// validates against isLive, freeing unmanaged arrays it held and marking
// the slot dead. Called during GC root enumeration.
func (m *Manager) PruneInvalidOwners(isLive func(value.ObjectHandle) bool) {
	for typeID, p := range m.pools {
		info, _ := m.types.Lookup(typeID)
		for obj, ref := range p.objectSlots {
			if isLive(obj) {
				continue
			}
			s := p.slotAt(ref)
			for _, f := range info.Fields {
				fi, ok := m.types.Lookup(f.Type)
				if ok && fi.Kind == value.KindArray && !fi.HeapResident {
					h := value.TypedHandle(getUint64(s.storage, f.Offset))
					m.Objects.Destroy(h)
				}
			}
			s.alive = false
			delete(p.objectSlots, obj)
		}
	}
}

// Roots implements gc.RootProvider: every live slot that holds heap refs
// and is non-static or aggregate-dirty contributes its embedded heap
// pointers as GC roots. Static slots
// that have never been written (is_static still true) are skipped, the
// "static slot optimization" that keeps root-scan time down for propsets
// whose script never mutates them.
func (m *Manager) Roots() []value.HeapPtr {
	var out []value.HeapPtr
	for typeID, p := range m.pools {
		info, _ := m.types.Lookup(typeID)
		for _, s := range p.slabs {
			for i := range s.slots {
				sl := &s.slots[i]
				if !sl.alive || (sl.isStatic && !sl.aggregateDirty) {
					continue
				}
				if !sl.hasLiveHeapRefs {
					continue
				}
				for _, f := range info.Fields {
					fi, ok := m.types.Lookup(f.Type)
					if !ok || !fi.HeapResident {
						continue
					}
					if p := value.HeapPtr(getUint64(sl.storage, f.Offset)); !p.Null() {
						out = append(out, p)
					}
				}
			}
		}
	}
	return out
}

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

func putUint64(b []byte, off int, v uint64) {
	if off < 0 || off+8 > len(b) {
		return
	}
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

func decodeImmediate(fi value.TypeInfo, b []byte, off int) value.Value {
	switch fi.Name {
	case "bool":
		return value.Bool(fi.ID, off < len(b) && b[off] != 0)
	case "float32":
		bits := uint32(getUint64(b, off))
		return value.Float32(fi.ID, math.Float32frombits(bits))
	default:
		return value.Int32(fi.ID, int32(getUint64(b, off)))
	}
}

func encodeImmediate(fi value.TypeInfo, b []byte, off int, v value.Value) {
	switch fi.Name {
	case "bool":
		if off < len(b) {
			if v.Bool {
				b[off] = 1
			} else {
				b[off] = 0
			}
		}
	case "float32":
		putUint64(b, off, uint64(math.Float32bits(v.F32)))
	default:
		putUint64(b, off, uint64(uint32(v.I32)))
	}
}
