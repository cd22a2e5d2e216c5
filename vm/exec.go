package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// Exec: the interface evaluated code sees
// ---------------------------------------------------------------------------

// Exec is handed to every code entry. It names the running thread and
// exposes the primitives that may suspend it.
type Exec struct {
	rt *Runtime
	t  *Thread
}

// Runtime returns the owning runtime, for allocation.
func (e *Exec) Runtime() *Runtime {
	return e.rt
}

// Thread returns the running thread.
func (e *Exec) Thread() *Thread {
	return e.t
}

// Value returns the incoming return value.
func (e *Exec) Value() Value {
	return e.t.r1
}

// Return sets the return value and continues with the next frame.
func (e *Exec) Return(v Value) Signal {
	e.t.r1 = v
	return Continue
}

// Push installs a continuation frame. It runs when everything pushed after
// it has returned.
func (e *Exec) Push(code *Code, env ...Value) {
	e.t.push(Frame{Code: code, Env: env})
}

// Apply enters closure f with args appended to its fields. A thunk is
// forced first and the result applied.
func (e *Exec) Apply(f Value, args ...Value) Signal {
	f = e.rt.heap.follow(f)
	obj := e.rt.heap.get(f)
	switch obj.kind {
	case KindClosure:
		env := make([]Value, 0, len(obj.fields)+len(args))
		env = append(env, obj.fields...)
		env = append(env, args...)
		e.Push(obj.code, env...)
		return Continue
	case KindThunk, KindBlackhole:
		e.Push(applyResultCode, args...)
		return e.Force(f)
	}
	panic("Exec.Apply: cannot apply " + obj.kind.String())
}

// MyThreadID returns the running thread's ThreadId.
func (e *Exec) MyThreadID() Value {
	return e.t.ref
}

// Fork starts a thread running action, inheriting the caller's mask state,
// and returns its ThreadId.
func (e *Exec) Fork(action Value) Value {
	t := e.rt.Fork(action)
	t.mask = e.t.mask
	return t.ref
}

// ThreadStatus reports the status of a thread.
func (e *Exec) ThreadStatus(tid Value) ThreadStatus {
	t, ok := e.rt.Thread(tid)
	if !ok {
		return ThreadFinished
	}
	return t.status
}

// LabelThread attaches a diagnostic label.
func (e *Exec) LabelThread(tid Value, label string) {
	if t, ok := e.rt.Thread(tid); ok {
		t.label = label
	}
}

// Yield moves the running thread to the back of the ready queue.
func (e *Exec) Yield() Signal {
	e.t.r1 = Unit
	return Reschedule
}

// Delay suspends the running thread for at least d. The wait is
// interruptible.
func (e *Exec) Delay(d time.Duration) Signal {
	if d <= 0 {
		return e.Yield()
	}
	t := e.t
	t.r1 = Unit
	t.delayed = true
	t.interruptible = true
	e.rt.delayed.add(t, e.rt.now().Add(d).UnixNano())
	e.rt.block(t, blocker{kind: blockDelay})
	return Reschedule
}

// Fail kills the running thread with a non-catchable error.
func (e *Exec) Fail(err error) Signal {
	e.rt.fail(e.t, &UncaughtError{ThreadID: e.t.id, Label: e.t.label, Exception: Nil, Name: "fatal", err: err})
	return Reschedule
}
