package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Heap: index-addressed object arena
// ---------------------------------------------------------------------------

// Heap stores every object of one runtime. Slots are addressed by index and
// carry a generation that is bumped on reclamation, so refs that outlive
// their object are detected instead of silently aliasing a new one.
type Heap struct {
	objects []*Object
	gens    []uint16
	free    []uint32

	live      int
	allocated uint64
}

// NewHeap creates an empty heap. Slot 0 is reserved so that the zero ref is
// never valid.
func NewHeap() *Heap {
	return &Heap{
		objects: []*Object{nil},
		gens:    []uint16{0},
	}
}

// alloc reserves a slot for a new object of the given kind.
func (h *Heap) alloc(kind Kind) (Value, *Object) {
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		idx = uint32(len(h.objects))
		h.objects = append(h.objects, nil)
		h.gens = append(h.gens, 0)
	}
	obj := &Object{kind: kind}
	h.objects[idx] = obj
	h.live++
	h.allocated++
	return makeRef(idx, h.gens[idx]), obj
}

// lookup resolves a ref. It reports false for immediates and stale refs.
func (h *Heap) lookup(v Value) (*Object, bool) {
	if !v.IsRef() {
		return nil, false
	}
	idx := v.refIndex()
	if idx == 0 || int(idx) >= len(h.objects) {
		return nil, false
	}
	obj := h.objects[idx]
	if obj == nil || h.gens[idx] != v.refGen() {
		return nil, false
	}
	return obj, true
}

// get resolves a ref, panicking on stale or non-ref values. Evaluated code
// only ever holds refs the collector proved live, so a failure here is a
// rooting bug in the embedder.
func (h *Heap) get(v Value) *Object {
	obj, ok := h.lookup(v)
	if !ok {
		panic(fmt.Errorf("%w: %v", ErrStaleReference, v))
	}
	return obj
}

// release reclaims the slot at idx.
func (h *Heap) release(idx uint32) {
	h.objects[idx].reset()
	h.objects[idx] = nil
	h.gens[idx]++
	h.free = append(h.free, idx)
	h.live--
}

// Live returns the number of allocated objects.
func (h *Heap) Live() int {
	return h.live
}

// Allocated returns the number of objects ever allocated.
func (h *Heap) Allocated() uint64 {
	return h.allocated
}

// Capacity returns the number of arena slots, free or not.
func (h *Heap) Capacity() int {
	return len(h.objects) - 1
}

// Contains reports whether v addresses a live heap object.
func (h *Heap) Contains(v Value) bool {
	_, ok := h.lookup(v)
	return ok
}

// Object returns the heap record addressed by v.
func (h *Heap) Object(v Value) (*Object, bool) {
	return h.lookup(v)
}

// follow chases indirections to the value they forward to.
func (h *Heap) follow(v Value) Value {
	for {
		obj, ok := h.lookup(v)
		if !ok || obj.kind != KindIndirection {
			return v
		}
		v = obj.fields[0]
	}
}
