// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package value implements the scripting runtime's typed value model: the
// per-process type table, the tagged Value union used in VM
// registers, module globals, and propset fields, and the TypedHandle engine
// handle representation.
//
// Grounded on ProbeChain-go-probe/probe-lang/lang/types (Kind enum, Type
// interface, struct/array/fn type shapes), generalized from the donor's
// linear-resource type system to the spec's simpler heap-resident /
// immediate / handle storage classes (this runtime has no linear-type
// verifier — that is an explicit Non-goal not carried over from the donor).
package value

import "fmt"

// TypeID is a 32-bit identifier into the runtime's type table.
type TypeID uint32

// Kind categorizes the fundamental shape of a registered type.
type Kind uint8

const (
	KindPrimitive Kind = iota
	KindStruct
	KindArray
	KindFunction
	KindHandle
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindFunction:
		return "function"
	case KindHandle:
		return "handle"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// FieldInfo describes one field of a struct type: its byte offset within
// the type's layout and the TypeID of its contents.
type FieldInfo struct {
	Name   string
	Offset int
	Type   TypeID
}

// TypeInfo is the per-type record held in the type table.
type TypeInfo struct {
	ID            TypeID
	Name          string
	Kind          Kind
	Size          int  // byte size of the type's layout
	Align         int  // required alignment in bytes
	HeapResident  bool // true if values of this type live behind a HeapPtr
	Fields        []FieldInfo
	IsPropset     bool // true for struct types annotated `propset`
	ElemType      TypeID
	ElemCount     int // for fixed arrays; 0 for dynamic/unmanaged arrays

	// SchemaVersion is carried for forward compatibility with propset
	// schema migration. Unused today: propset schema migration is left as
	// future work, not required behavior.
	SchemaVersion uint32
}

// Table is the per-process type table. It is populated by the external
// compiler when a module is loaded (register/RegisterStruct) and consulted
// by the VM, GC, and propset pool at every type-directed operation.
type Table struct {
	byID   []TypeInfo
	byName map[string]TypeID
}

// NewTable returns a type table pre-populated with the built-in primitive
// kinds used by VM immediates.
func NewTable() *Table {
	t := &Table{byName: make(map[string]TypeID)}
	for _, prim := range []struct {
		name string
		size int
	}{
		{"void", 0}, {"bool", 1}, {"int32", 4}, {"float32", 4},
		{"heapptr", 8}, {"handle", 8}, {"string", 8}, {"bytes", 8},
	} {
		t.register(TypeInfo{Name: prim.name, Kind: KindPrimitive, Size: prim.size, Align: prim.size})
	}
	return t
}

func (t *Table) register(info TypeInfo) TypeID {
	id := TypeID(len(t.byID))
	info.ID = id
	t.byID = append(t.byID, info)
	t.byName[info.Name] = id
	return id
}

// RegisterStruct adds a struct (or propset-annotated struct) type and
// returns its TypeID. Field offsets must already be computed by the
// caller (the external compiler); the only layout math done here is taking
// the type's Size as the largest field offset plus that field's size.
func (t *Table) RegisterStruct(name string, fields []FieldInfo, propset bool) TypeID {
	size := 0
	for _, f := range fields {
		end := f.Offset
		if fi, ok := t.Lookup(f.Type); ok {
			end += fi.Size
		}
		if end > size {
			size = end
		}
	}
	return t.register(TypeInfo{
		Name: name, Kind: KindStruct, Size: size, Align: 8,
		HeapResident: !propset, Fields: fields, IsPropset: propset,
	})
}

// RegisterArray adds a fixed-size array type [elem; count].
func (t *Table) RegisterArray(name string, elem TypeID, count int) TypeID {
	elemSize := 8
	if fi, ok := t.Lookup(elem); ok {
		elemSize = fi.Size
	}
	return t.register(TypeInfo{
		Name: name, Kind: KindArray, Size: elemSize * count, Align: 8,
		HeapResident: true, ElemType: elem, ElemCount: count,
	})
}

// RegisterHandle adds a TypedHandle-backed engine handle type (used for
// unmanaged arrays and other engine-owned opaque resources).
func (t *Table) RegisterHandle(name string) TypeID {
	return t.register(TypeInfo{Name: name, Kind: KindHandle, Size: 8, Align: 8})
}

// RegisterObject adds an engine-object type usable as a propset owner.
func (t *Table) RegisterObject(name string) TypeID {
	return t.register(TypeInfo{Name: name, Kind: KindObject, Size: 8, Align: 8})
}

// Lookup returns the TypeInfo for id.
func (t *Table) Lookup(id TypeID) (TypeInfo, bool) {
	if int(id) < 0 || int(id) >= len(t.byID) {
		return TypeInfo{}, false
	}
	return t.byID[id], true
}

// ByName returns the TypeID registered under name.
func (t *Table) ByName(name string) (TypeID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// MustLookup is Lookup but panics on an unknown id; reserved for call sites
// that already verified id came from this table (e.g. echoing a Value's
// own type_id back for a header comparison).
func (t *Table) MustLookup(id TypeID) TypeInfo {
	info, ok := t.Lookup(id)
	if !ok {
		panic(fmt.Sprintf("value: unknown type id %d", id))
	}
	return info
}
