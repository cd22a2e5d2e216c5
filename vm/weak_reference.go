package vm

// ---------------------------------------------------------------------------
// Weak: a reference that doesn't keep its key alive
// ---------------------------------------------------------------------------

// Weak pairs a key with a value that stays reachable only while the key is.
// When the collector finds the key unreachable the value is cleared and the
// finalizer, if any, is scheduled once.
type Weak struct {
	key       Value
	value     Value
	finalizer Value
	dead      bool
}

// Dead reports whether the weak reference has been cleared.
func (w *Weak) Dead() bool {
	return w.dead
}

func (w *Weak) clear() {
	w.key = Nil
	w.value = Nil
	w.finalizer = Nil
	w.dead = true
}

// finalizerEntry keeps a weak's value and finalizer alive while its key is,
// independently of whether the Weak object itself is still referenced.
type finalizerEntry struct {
	weak Value
	w    *Weak
}

// MakeWeak creates a weak reference from key to value. finalizer is an
// action run on a finalizer thread after key becomes unreachable; pass Nil
// for none. The key must be a heap object.
func (rt *Runtime) MakeWeak(key, value, finalizer Value) (Value, error) {
	if _, ok := rt.heap.lookup(key); !ok {
		return Nil, ErrBadWeakKey
	}
	ref, obj := rt.heap.alloc(KindWeak)
	w := &Weak{key: key, value: value, finalizer: finalizer}
	obj.weak = w
	if finalizer != Nil {
		rt.finalizers = append(rt.finalizers, &finalizerEntry{weak: ref, w: w})
	}
	return ref, nil
}

// Weak returns the state behind a weak reference value.
func (rt *Runtime) Weak(ref Value) (*Weak, bool) {
	obj, ok := rt.heap.lookup(ref)
	if !ok || obj.kind != KindWeak {
		return nil, false
	}
	return obj.weak, true
}

// DeRefWeak returns the weak's value, or false once the key was collected
// or the weak finalized.
func (rt *Runtime) DeRefWeak(ref Value) (Value, bool) {
	w, ok := rt.Weak(ref)
	if !ok || w.dead {
		return Nil, false
	}
	return w.value, true
}

// FinalizeWeak clears the weak reference immediately and returns its
// finalizer for the caller to run. The finalizer will not be scheduled by
// the collector afterwards.
func (rt *Runtime) FinalizeWeak(ref Value) (Value, bool) {
	w, ok := rt.Weak(ref)
	if !ok || w.dead {
		return Nil, false
	}
	fin := w.finalizer
	rt.removeFinalizer(w)
	w.clear()
	return fin, fin != Nil
}

func (rt *Runtime) removeFinalizer(w *Weak) {
	for i, fe := range rt.finalizers {
		if fe.w == w {
			copy(rt.finalizers[i:], rt.finalizers[i+1:])
			rt.finalizers[len(rt.finalizers)-1] = nil
			rt.finalizers = rt.finalizers[:len(rt.finalizers)-1]
			return
		}
	}
}

// PendingFinalizers returns the number of weak references whose finalizer
// has not been scheduled yet.
func (rt *Runtime) PendingFinalizers() int {
	return len(rt.finalizers)
}

var runFinalizerCode = &Code{Name: "run-finalizer", Entry: func(e *Exec, env []Value) Signal {
	return e.Catch(env[0], e.rt.ignoreHandler)
}}

// startFinalizers forks one thread that runs each finalizer in order.
// Exceptions raised by a finalizer are discarded.
func (rt *Runtime) startFinalizers(fins []Value) *Thread {
	t := rt.newThread()
	t.label = "finalizer"
	for i := len(fins) - 1; i >= 0; i-- {
		t.push(Frame{Code: runFinalizerCode, Env: []Value{fins[i]}})
	}
	rt.ready.enqueue(t)
	rt.log.gc.Debugf("scheduled %d finalizers on thread %s", len(fins), t)
	return t
}
