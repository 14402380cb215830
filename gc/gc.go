// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package gc implements the generational, incremental collector over the
// script heap: a young-generation mark/promote/sweep pass driven by roots
// and the old-generation remembered set (card table), and an old-generation
// incremental tri-color mark-sweep pass that can be stepped in small,
// budgeted increments so a single collection never stalls a script call.
//
// Grounded on the go-probe scripting VM's resource/value tracing (how the
// donor's interpreter walks a Value's children when dropping linear
// resources), generalized from that one-shot drop-on-scope-exit model to a
// persistent, incremental tri-color scan driven by a deckarep/golang-set
// gray queue, because a script heap with long-lived propset-owned state
// cannot afford stop-the-world full traces on every allocation.
package gc

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/haven-engine/scriptrt/heap"
	"github.com/haven-engine/scriptrt/value"
)

// Phase names the collector's current activity, surfaced by `smalls
// gcstats` and used by the tick runner to decide what work to resume.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseMinor
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMinor:
		return "minor"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "phase?"
	}
}

// Config tunes collection thresholds and step budgets.
type Config struct {
	PromotionAge          uint8   // survivor age at which a young cell is promoted
	YoungPressureThreshold float64 // YoungBytes/Committed ratio that triggers a minor GC
	MarkStepBudget        int     // cells blackened per incremental MarkStep call
	SweepStepBudget        int     // cells visited per incremental SweepStep call
}

// DefaultConfig mirrors the thresholds a script-heavy engine loop would
// pick: promote after two survived minor cycles, trigger a minor GC once
// the young generation holds a quarter of committed bytes, and keep
// incremental steps small enough to run once per engine tick.
func DefaultConfig() Config {
	return Config{
		PromotionAge:           2,
		YoungPressureThreshold: 0.25,
		MarkStepBudget:         256,
		SweepStepBudget:        256,
	}
}

// Stats reports what the most recently completed (or in-progress)
// collection did, for `smalls gcstats` and test assertions.
type Stats struct {
	Phase           Phase
	MinorCycles     uint64
	MajorCycles     uint64
	ObjectsFreed    uint64
	BytesFreed      uint64
	ObjectsPromoted uint64
	Finalized       uint64
}

// RootProvider is implemented by every holder of Values the collector must
// treat as always-reachable: the VM's register file and global table, and
// the handle registry's non-VM_OWNED entries.
type RootProvider interface {
	Roots() []value.HeapPtr
}

// Collector ties the heap, type table, card table, and handle registry
// together and runs minor and major collections against them.
type Collector struct {
	heap     *heap.Heap
	types    *value.Table
	cards    *CardTable
	registry *HandleRegistry
	roots    []RootProvider
	cfg      Config
	stats    Stats

	epoch bool // flips each major cycle; a header's Epoch field stale vs
	// this means "implicitly white", avoiding an O(heap) color reset
	gray mapset.Set // slot indices (int32) awaiting scan, major phase only
}

// New returns a collector over h, wired to types for field tracing, cards
// for the old-generation remembered set, and registry for handle
// finalization. roots is consulted fresh on every collection, so the VM
// can add or remove root providers across calls.
func New(h *heap.Heap, types *value.Table, cards *CardTable, registry *HandleRegistry, cfg Config, roots ...RootProvider) *Collector {
	return &Collector{
		heap:     h,
		types:    types,
		cards:    cards,
		registry: registry,
		roots:    roots,
		cfg:      cfg,
		gray:     mapset.NewThreadUnsafeSet(),
	}
}

// Stats returns a copy of the collector's running statistics.
func (c *Collector) Stats() Stats { return c.stats }

func (c *Collector) allRoots() []value.HeapPtr {
	var out []value.HeapPtr
	for _, rp := range c.roots {
		out = append(out, rp.Roots()...)
	}
	out = append(out, c.registry.Roots()...)
	return out
}

// colorOf interprets a header's stored color relative to the collector's
// current epoch: a header stamped with a stale epoch reads as White
// regardless of its MarkColor field, which is what lets a new major cycle
// start without rewriting every live header.
func (c *Collector) colorOf(h *heap.Header) heap.MarkColor {
	if h.Epoch != c.epoch {
		return heap.White
	}
	return h.MarkColor
}

func (c *Collector) setColor(h *heap.Header, col heap.MarkColor) {
	h.Epoch = c.epoch
	h.MarkColor = col
}

// traceChildren reports the HeapPtr fields held inside the cell at idx,
// using its registered type's Fields layout. A field is traced only if its
// declared type is heap-resident; immediate and handle-storage fields hold
// no heap pointer and are skipped.
func (c *Collector) traceChildren(idx int32) []value.HeapPtr {
	hdr := c.heap.ObjectAt(idx)
	info, ok := c.types.Lookup(hdr.TypeID)
	if !ok {
		return nil
	}
	data := c.heap.ObjectData(idx)

	var out []value.HeapPtr
	readPtr := func(off int) value.HeapPtr {
		if off < 0 || off+8 > len(data) {
			return 0
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(data[off+i]) << (8 * i)
		}
		return value.HeapPtr(v)
	}

	switch info.Kind {
	case value.KindStruct:
		for _, f := range info.Fields {
			fi, ok := c.types.Lookup(f.Type)
			if !ok || !fi.HeapResident {
				continue
			}
			if p := readPtr(f.Offset); !p.Null() {
				out = append(out, p)
			}
		}
	case value.KindArray:
		elemInfo, ok := c.types.Lookup(info.ElemType)
		if !ok || !elemInfo.HeapResident {
			break
		}
		elemSize := elemInfo.Size
		if elemSize <= 0 {
			elemSize = 8
		}
		for i := 0; i*elemSize+8 <= len(data); i++ {
			if p := readPtr(i * elemSize); !p.Null() {
				out = append(out, p)
			}
		}
	}
	return out
}

// WriteBarrier must be called by every VM/propset store that writes a
// HeapPtr-valued child into an existing cell at dstSlot. It serves two
// purposes at once: it shades a white child gray when the destination is
// already black (the Dijkstra insertion barrier, preventing a concurrent
// incremental mark from missing a newly-installed reference), and it
// dirties the destination's card when the destination is old and the
// child is young (the remembered set the next minor GC scans).
func (c *Collector) WriteBarrier(dstSlot int32, child value.HeapPtr) {
	if child.Null() {
		return
	}
	dst := c.heap.ObjectAt(dstSlot)
	if c.stats.Phase == PhaseMarking && c.colorOf(dst) == heap.Black {
		if childIdx := indexOf(child); childIdx >= 0 {
			childHdr := c.heap.ObjectAt(childIdx)
			if c.colorOf(childHdr) == heap.White {
				c.setColor(childHdr, heap.Gray)
				c.gray.Add(childIdx)
			}
		}
	}
	if dst.Generation == heap.Old {
		if childIdx := indexOf(child); childIdx >= 0 {
			if c.heap.ObjectAt(childIdx).Generation == heap.Young {
				c.cards.MarkDirty(dstSlot)
			}
		}
	}
}

// ShadeRoot is the write-barrier variant for stores into non-heap root
// storage (propset slots, VM registers, globals) rather than into an
// existing heap cell: there is no destination header to test for black,
// so it unconditionally shades a white child gray during an active mark
// phase. Safe to call outside a mark phase; it is then a no-op.
func (c *Collector) ShadeRoot(child value.HeapPtr) {
	if child.Null() || c.stats.Phase != PhaseMarking {
		return
	}
	idx := indexOf(child)
	if idx < 0 {
		return
	}
	hdr := c.heap.ObjectAt(idx)
	if c.colorOf(hdr) == heap.White {
		c.setColor(hdr, heap.Gray)
		c.gray.Add(idx)
	}
}

func indexOf(p value.HeapPtr) int32 {
	if p.Null() {
		return -1
	}
	return int32(p) - 1
}

// MinorGC runs a full (non-incremental) young-generation collection: every
// young cell reachable from the roots or from a dirty old-generation card
// survives (and ages, promoting once PromotionAge is reached); every other
// young cell is freed. Minor collections are always run to completion —
// the young generation is kept small enough that budgeting one is not
// necessary, unlike the major mark phase.
func (c *Collector) MinorGC() Stats {
	c.stats.Phase = PhaseMinor

	reached := make(map[int32]bool)
	var stack []value.HeapPtr
	stack = append(stack, c.allRoots()...)

	heapLen := c.heap.Len()
	for _, card := range c.cards.DirtyCards() {
		end := (card + 1) * slotsPerCard
		if end > heapLen {
			end = heapLen
		}
		for slot := card * slotsPerCard; slot < end; slot++ {
			if !c.heap.ObjectAt(slot).Freed() {
				stack = append(stack, c.traceChildren(slot)...)
			}
		}
	}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		idx := indexOf(p)
		if idx < 0 {
			continue
		}
		hdr := c.heap.ObjectAt(idx)
		if hdr.Generation != heap.Young || reached[idx] {
			continue
		}
		reached[idx] = true
		stack = append(stack, c.traceChildren(idx)...)
	}

	reachableFn := func(p value.HeapPtr) bool {
		idx := indexOf(p)
		if idx < 0 {
			return false
		}
		if c.heap.ObjectAt(idx).Generation != heap.Young {
			return true
		}
		return reached[idx]
	}

	head := c.heap.HeadIndex()
	var newHead int32 = -1
	var tailIdx int32 = -1
	setNext := func(idx int32) {
		if tailIdx < 0 {
			newHead = idx
		} else {
			c.heap.ObjectAt(tailIdx).NextObject = idx
		}
		tailIdx = idx
	}

	for idx := head; idx != -1; {
		hdr := c.heap.ObjectAt(idx)
		next := hdr.NextObject
		if hdr.Generation != heap.Young {
			setNext(idx)
			idx = next
			continue
		}
		if reached[idx] {
			hdr.Age++
			if hdr.Age >= c.cfg.PromotionAge {
				c.heap.Promote(idx)
				c.stats.ObjectsPromoted++
			}
			setNext(idx)
		} else {
			c.stats.ObjectsFreed++
			c.stats.BytesFreed += uint64(hdr.ByteSize)
			c.heap.Free(idx)
		}
		idx = next
	}
	if tailIdx >= 0 {
		c.heap.ObjectAt(tailIdx).NextObject = -1
	}
	c.heap.SetHead(newHead)

	c.registry.finalizeUnreachable(reachableFn)
	c.cards.ClearAll()

	c.stats.MinorCycles++
	c.stats.Phase = PhaseIdle
	return c.stats
}

// StartMajorCycle flips the epoch (making every previously-marked header
// read as White again without rewriting it) and seeds the gray queue with
// the current roots.
func (c *Collector) StartMajorCycle() {
	c.epoch = !c.epoch
	c.gray.Clear()
	c.stats.Phase = PhaseMarking
	for _, p := range c.allRoots() {
		idx := indexOf(p)
		if idx < 0 {
			continue
		}
		c.setColor(c.heap.ObjectAt(idx), heap.Gray)
		c.gray.Add(idx)
	}
}

// MarkStep blackens up to MarkStepBudget gray cells, shading their white
// children gray. It returns false once the gray queue is empty, at which
// point the caller should move to SweepStep.
func (c *Collector) MarkStep() bool {
	budget := c.cfg.MarkStepBudget
	for budget > 0 && c.gray.Cardinality() > 0 {
		// Pop, not Iter+break: Iter spawns a goroutine that sends every
		// element down an unbuffered channel, and abandoning it after one
		// receive leaks that goroutine whenever more than one element is
		// gray.
		idx := c.gray.Pop().(int32)
		hdr := c.heap.ObjectAt(idx)
		c.setColor(hdr, heap.Black)
		for _, child := range c.traceChildren(idx) {
			cidx := indexOf(child)
			if cidx < 0 {
				continue
			}
			chdr := c.heap.ObjectAt(cidx)
			if c.colorOf(chdr) == heap.White {
				c.setColor(chdr, heap.Gray)
				c.gray.Add(cidx)
			}
		}
		budget--
	}
	return c.gray.Cardinality() > 0
}

// SweepStep walks up to SweepStepBudget cells of the all_objects chain
// starting from cursor, freeing any cell that is still White (unreached by
// the just-completed mark phase) and returning the index to resume from on
// the next call, or -1 once the chain is exhausted.
func (c *Collector) SweepStep(cursor int32) int32 {
	c.stats.Phase = PhaseSweeping
	visited := 0
	idx := cursor
	if idx == -1 {
		idx = c.heap.HeadIndex()
	}

	var prev int32 = -1
	if cursor != -1 {
		for i := c.heap.HeadIndex(); i != -1 && i != cursor; i = c.heap.ObjectAt(i).NextObject {
			prev = i
		}
	}
	for idx != -1 && visited < c.cfg.SweepStepBudget {
		hdr := c.heap.ObjectAt(idx)
		next := hdr.NextObject
		if c.colorOf(hdr) == heap.White {
			c.stats.ObjectsFreed++
			c.stats.BytesFreed += uint64(hdr.ByteSize)
			c.heap.Free(idx)
			if prev == -1 {
				c.heap.SetHead(next)
			} else {
				c.heap.ObjectAt(prev).NextObject = next
			}
		} else {
			prev = idx
		}
		idx = next
		visited++
	}

	if idx == -1 {
		c.stats.MajorCycles++
		c.stats.Phase = PhaseIdle
		c.registry.finalizeUnreachable(func(p value.HeapPtr) bool {
			i := indexOf(p)
			return i >= 0 && !c.heap.ObjectAt(i).Freed()
		})
	}
	return idx
}

// ShouldRunMinor reports whether young-generation pressure has crossed the
// configured threshold; the tick runner calls this once per engine tick.
func (c *Collector) ShouldRunMinor() bool {
	return c.heap.YoungPressure() >= c.cfg.YoungPressureThreshold
}
