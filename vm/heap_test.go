package vm

import (
	"errors"
	"testing"
)

func TestHeapAllocLookup(t *testing.T) {
	h := NewHeap()
	ref, obj := h.alloc(KindArray)
	if !ref.IsRef() {
		t.Fatal("alloc should return a ref")
	}
	got, ok := h.lookup(ref)
	if !ok || got != obj {
		t.Fatal("lookup should return the allocated object")
	}
	if h.Live() != 1 || h.Allocated() != 1 {
		t.Errorf("Live = %d, Allocated = %d", h.Live(), h.Allocated())
	}
	if _, ok := h.lookup(FromSmallInt(1)); ok {
		t.Error("lookup of an immediate should fail")
	}
	if _, ok := h.lookup(Nil); ok {
		t.Error("lookup of nil should fail")
	}
}

func TestHeapReleaseDetectsStaleRefs(t *testing.T) {
	h := NewHeap()
	ref, _ := h.alloc(KindClosure)
	h.release(ref.refIndex())

	if h.Contains(ref) {
		t.Error("released ref should not be contained")
	}

	reused, _ := h.alloc(KindClosure)
	if reused.refIndex() != ref.refIndex() {
		t.Fatalf("slot %d not reused (got %d)", ref.refIndex(), reused.refIndex())
	}
	if reused == ref {
		t.Error("reused slot should carry a new generation")
	}
	if h.Contains(ref) {
		t.Error("stale ref must not alias the new object")
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrStaleReference) {
			t.Errorf("get(stale) panic = %v, want ErrStaleReference", r)
		}
	}()
	h.get(ref)
}

func TestHeapFollowIndirections(t *testing.T) {
	h := NewHeap()
	target, _ := h.alloc(KindClosure)
	mid, m := h.alloc(KindIndirection)
	m.fields = []Value{target}
	outer, o := h.alloc(KindIndirection)
	o.fields = []Value{mid}

	if got := h.follow(outer); got != target {
		t.Errorf("follow = %v, want %v", got, target)
	}
	if got := h.follow(FromSmallInt(3)); got != FromSmallInt(3) {
		t.Errorf("follow of immediate = %v", got)
	}
}

func TestObjectEachField(t *testing.T) {
	rt, _ := newTestRuntime(t)
	a := FromSmallInt(1)
	b := rt.NewArray(2, Nil)
	c := rt.NewClosure(NewCode("c", returnSelf), a, b)

	obj, _ := rt.Heap().Object(c)
	var got []Value
	obj.EachField(func(v Value) { got = append(got, v) })
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("EachField = %v", got)
	}
	if obj.Kind() != KindClosure || obj.NumFields() != 2 || obj.Field(1) != b {
		t.Error("object accessors wrong")
	}

	mv := rt.NewMVarWith(c)
	mobj, _ := rt.Heap().Object(mv)
	got = nil
	mobj.EachField(func(v Value) { got = append(got, v) })
	if len(got) != 1 || got[0] != c {
		t.Errorf("mvar EachField = %v", got)
	}
}

func TestArrayAccess(t *testing.T) {
	rt, _ := newTestRuntime(t)
	arr := rt.NewArray(3, FromSmallInt(0))
	rt.ArraySet(arr, 1, FromSmallInt(9))
	if rt.ArrayLen(arr) != 3 {
		t.Errorf("ArrayLen = %d", rt.ArrayLen(arr))
	}
	if rt.ArrayGet(arr, 1).SmallInt() != 9 || rt.ArrayGet(arr, 2).SmallInt() != 0 {
		t.Error("ArrayGet wrong")
	}
}
