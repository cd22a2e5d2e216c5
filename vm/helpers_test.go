package vm

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic scheduling.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// newTestRuntime returns a runtime with automatic collection disabled and a
// fake clock.
func newTestRuntime(t *testing.T) (*Runtime, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rt := New(Options{Clock: clock.Now})
	return rt, clock
}

// drain ticks until no thread is runnable.
func drain(t *testing.T, rt *Runtime) {
	t.Helper()
	for i := 0; rt.Tick(); i++ {
		if i > 100000 {
			t.Fatal("runtime did not go idle")
		}
	}
}

// act builds an action from a Go function.
func act(rt *Runtime, name string, fn func(e *Exec) Signal) Value {
	return rt.Action(name, func(e *Exec, env []Value) Signal {
		return fn(e)
	})
}

// after pushes a continuation receiving the value returned by whatever runs
// next. Heap values the continuation needs go in env, which the frame
// carries for the collector.
func after(e *Exec, k func(e *Exec, v Value, env []Value) Signal, env ...Value) {
	e.Push(NewCode("after", func(e *Exec, env []Value) Signal {
		return k(e, e.Value(), env)
	}), env...)
}

// constThunk allocates a thunk evaluating to v, counting evaluations.
func constThunk(rt *Runtime, v Value, count *int) Value {
	return rt.NewThunk(NewCode("const", func(e *Exec, env []Value) Signal {
		*count++
		return e.Return(v)
	}))
}

func wantStatus(t *testing.T, th *Thread, want ThreadStatus) {
	t.Helper()
	if th.Status() != want {
		t.Fatalf("thread %s status = %s, want %s (err %v)", th, th.Status(), want, th.Err())
	}
}
