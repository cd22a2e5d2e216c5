package vm

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fields(obj *Object) []Value {
	var out []Value
	obj.EachField(func(v Value) { out = append(out, v) })
	return out
}

func TestKindNames(t *testing.T) {
	for k := KindFree; k <= KindWeak; k++ {
		if k.String() == "unknown" || k.String() == "" {
			t.Errorf("kind %d has no name", k)
		}
	}
	if Kind(200).String() != "unknown" {
		t.Errorf("Kind(200) = %q", Kind(200).String())
	}
}

func TestWeakDoesNotTraceKey(t *testing.T) {
	rt, _ := newTestRuntime(t)
	key := rt.NewClosure(noopCode)
	w, err := rt.MakeWeak(key, FromSmallInt(1), Nil)
	if err != nil {
		t.Fatal(err)
	}
	obj, _ := rt.Heap().Object(w)
	if got := fields(obj); len(got) != 0 {
		t.Errorf("weak EachField = %v, want nothing", got)
	}
}

func TestTVarTracesValueAndInvariants(t *testing.T) {
	rt, _ := newTestRuntime(t)
	payload := rt.NewClosure(noopCode)
	tv := rt.NewTVar(payload)
	inv := act(rt, "inv", func(e *Exec) Signal {
		after(e, func(e *Exec, v Value, _ []Value) Signal {
			return e.Return(True)
		})
		return e.ReadTVar(tv)
	})
	rt.Fork(atomic(rt, act(rt, "install", func(e *Exec) Signal {
		return e.AddInvariant(inv)
	})))
	drain(t, rt)

	obj, _ := rt.Heap().Object(tv)
	if diff := cmp.Diff([]Value{payload, inv}, fields(obj)); diff != "" {
		t.Errorf("tvar EachField mismatch (-want +got):\n%s", diff)
	}
}

func TestMVarTracesQueuedWrites(t *testing.T) {
	rt, _ := newTestRuntime(t)
	first := rt.NewClosure(noopCode)
	queued := rt.NewClosure(noopCode)
	mv := rt.NewMVarWith(first)
	rt.WriteMVar(mv, queued)

	obj, _ := rt.Heap().Object(mv)
	if diff := cmp.Diff([]Value{first, queued}, fields(obj)); diff != "" {
		t.Errorf("mvar EachField mismatch (-want +got):\n%s", diff)
	}

	empty, _ := rt.Heap().Object(rt.NewMVar())
	if got := fields(empty); len(got) != 0 {
		t.Errorf("empty mvar EachField = %v", got)
	}
}

func TestThreadTracesStackAndWait(t *testing.T) {
	rt, _ := newTestRuntime(t)
	held := rt.NewClosure(noopCode)
	mv := rt.NewMVar()
	th := rt.Fork(act(rt, "hold", func(e *Exec) Signal {
		e.Push(NewCode("keep", func(e *Exec, env []Value) Signal {
			return e.Return(env[0])
		}), held)
		return e.TakeMVar(mv)
	}))
	drain(t, rt)

	obj, _ := rt.Heap().Object(th.Ref())
	got := fields(obj)
	var sawHeld, sawMVar bool
	for _, v := range got {
		sawHeld = sawHeld || v == held
		sawMVar = sawMVar || v == mv
	}
	if !sawHeld || !sawMVar {
		t.Errorf("thread EachField = %v, want the stack value and the blocking mvar", got)
	}
}

func TestObjectResetOnSweep(t *testing.T) {
	rt, clock := newTestRuntime(t)
	c := rt.NewClosure(noopCode, FromSmallInt(1))
	obj, _ := rt.Heap().Object(c)
	clock.Advance(time.Second)
	mustGC(t, rt)
	if obj.Kind() != KindFree || obj.NumFields() != 0 || obj.Code() != nil {
		t.Errorf("swept object not reset: kind %s, %d fields", obj.Kind(), obj.NumFields())
	}
}
