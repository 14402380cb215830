// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package value

import (
	"fmt"

	"github.com/holiman/uint256"
)

// HeapPtr is a tagged index into the Script Heap. Zero is null.
type HeapPtr uint64

// Null reports whether p is the null pointer.
func (p HeapPtr) Null() bool { return p == 0 }

// HandleMode records who owns the lifetime of a TypedHandle's backing
// value.
type HandleMode uint8

const (
	// VMOwned means the GC may finalize the handle by calling its
	// registered destructor once the backing Value becomes unreachable.
	VMOwned HandleMode = iota
	// EngineOwned means the handle's lifetime belongs to the engine; the
	// GC must preserve it regardless of script reachability.
	EngineOwned
	// Borrowed means the handle is a temporary reference; the GC must
	// preserve it for the duration of the current execution.
	Borrowed
)

func (m HandleMode) String() string {
	switch m {
	case VMOwned:
		return "vm_owned"
	case EngineOwned:
		return "engine_owned"
	case Borrowed:
		return "borrowed"
	default:
		return "handle_mode?"
	}
}

// TypedHandle is a 64-bit engine handle: 24 bits of generation, 8 bits of
// type tag, 32 bits of slot id. Generation 0 is always invalid.
type TypedHandle uint64

const (
	handleGenShift  = 40
	handleGenMask   = 0xFFFFFF
	handleTypeShift = 32
	handleTypeMask  = 0xFF
	handleIDMask    = 0xFFFFFFFF
)

// NewTypedHandle packs a (generation, type tag, id) triple into a handle.
func NewTypedHandle(generation uint32, typeTag uint8, id uint32) TypedHandle {
	return TypedHandle(uint64(generation&handleGenMask)<<handleGenShift |
		uint64(typeTag)<<handleTypeShift |
		uint64(id))
}

// Generation returns the handle's 24-bit generation counter.
func (h TypedHandle) Generation() uint32 { return uint32(h>>handleGenShift) & handleGenMask }

// TypeTag returns the handle's 8-bit type tag.
func (h TypedHandle) TypeTag() uint8 { return uint8(h>>handleTypeShift) & handleTypeMask }

// ID returns the handle's 32-bit slot id.
func (h TypedHandle) ID() uint32 { return uint32(h & handleIDMask) }

// Valid reports whether the handle's generation is non-zero (structurally
// valid; this does not check liveness against a registry).
func (h TypedHandle) Valid() bool { return h.Generation() != 0 }

func (h TypedHandle) String() string {
	return fmt.Sprintf("handle(gen=%d,type=%d,id=%d)", h.Generation(), h.TypeTag(), h.ID())
}

// ObjectHandle identifies an engine-side object (the thing a propset view
// is bound to). It is opaque to this package: the hosting engine controls
// its allocation and liveness; the runtime only compares and stores it.
type ObjectHandle = TypedHandle

// Storage classifies how a Value's Data should be interpreted.
type Storage uint8

const (
	StorageImmediate Storage = iota
	StorageHeap
	StorageHandle
)

func (s Storage) String() string {
	switch s {
	case StorageImmediate:
		return "immediate"
	case StorageHeap:
		return "heap"
	case StorageHandle:
		return "handle"
	default:
		return "storage?"
	}
}

// Value is the tagged union used in VM registers, module globals, and
// propset fields. It is a plain Go struct with a separate field per payload
// kind, not a packed 16-byte word. Values are bitwise-copyable; no destructor runs on a
// Value itself — ownership of anything it references is tracked by the GC
// (heap cells) or the handle registry (typed handles).
type Value struct {
	TypeID  TypeID
	Storage Storage

	// Exactly one of the following is meaningful, selected by Storage and
	// by the registered Kind of TypeID:
	I32    int32
	F32    float32
	Bool   bool
	Ptr    HeapPtr
	Handle TypedHandle

	// Big carries a *uint256.Int for integers too wide for the 4-byte I32
	// slot. The type table has no dedicated u256 kind: the VM's arithmetic
	// and comparison paths take the u256 route whenever Big is non-nil.
	// Nothing boxes Big behind Ptr, and the heap-field and propset-field
	// encoders do not store it.
	Big *uint256.Int
}

// Nil returns the canonical nil/void value.
func Nil() Value { return Value{} }

// Int32 constructs an immediate int32 value of the given type.
func Int32(t TypeID, v int32) Value {
	return Value{TypeID: t, Storage: StorageImmediate, I32: v}
}

// Float32 constructs an immediate float32 value of the given type.
func Float32(t TypeID, v float32) Value {
	return Value{TypeID: t, Storage: StorageImmediate, F32: v}
}

// Bool constructs an immediate bool value of the given type.
func Bool(t TypeID, v bool) Value {
	return Value{TypeID: t, Storage: StorageImmediate, Bool: v}
}

// FromHeap constructs a heap-storage value pointing at ptr.
func FromHeap(t TypeID, ptr HeapPtr) Value {
	return Value{TypeID: t, Storage: StorageHeap, Ptr: ptr}
}

// FromHandle constructs a handle-storage value wrapping h.
func FromHandle(t TypeID, h TypedHandle) Value {
	return Value{TypeID: t, Storage: StorageHandle, Handle: h}
}

// IsNil reports whether v is the nil/void value (type 0, immediate, zero
// payload) — used by VM opcodes that test for LOADNIL results.
func (v Value) IsNil() bool {
	return v.TypeID == 0 && v.Storage == StorageImmediate && v.I32 == 0 &&
		v.F32 == 0 && !v.Bool && v.Big == nil
}

func (v Value) String() string {
	switch v.Storage {
	case StorageHeap:
		return fmt.Sprintf("Value{type=%d, heap=0x%x}", v.TypeID, uint64(v.Ptr))
	case StorageHandle:
		return fmt.Sprintf("Value{type=%d, %s}", v.TypeID, v.Handle)
	default:
		if v.Big != nil {
			return fmt.Sprintf("Value{type=%d, u256=%s}", v.TypeID, v.Big.String())
		}
		return fmt.Sprintf("Value{type=%d, i32=%d, f32=%v, bool=%v}", v.TypeID, v.I32, v.F32, v.Bool)
	}
}
