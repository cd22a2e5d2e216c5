package vm

// ---------------------------------------------------------------------------
// MVar: single-slot blocking mailbox
// ---------------------------------------------------------------------------

// mvarWriter is a queued put. thread is nil for values written by the host.
type mvarWriter struct {
	thread *Thread
	val    Value
}

// MVar is a slot that is either empty or holds one value. Takers and
// putters that cannot proceed queue in FIFO order; non-consuming readers
// queue separately and are all released by the next value.
type MVar struct {
	full    bool
	val     Value
	readers []*Thread
	writers []mvarWriter
	waiters []*Thread
}

// Full reports whether the MVar holds a value.
func (m *MVar) Full() bool {
	return m.full
}

// Queued returns the number of threads waiting to take, put and read.
func (m *MVar) Queued() (readers, writers, waiters int) {
	return len(m.readers), len(m.writers), len(m.waiters)
}

// removeThread drops every registration of t.
func (m *MVar) removeThread(t *Thread) {
	m.readers = removeThread(m.readers, t)
	m.waiters = removeThread(m.waiters, t)
	out := m.writers[:0]
	for _, w := range m.writers {
		if w.thread != t {
			out = append(out, w)
		}
	}
	clear(m.writers[len(out):])
	m.writers = out
}

func removeThread(ts []*Thread, t *Thread) []*Thread {
	out := ts[:0]
	for _, x := range ts {
		if x != t {
			out = append(out, x)
		}
	}
	clear(ts[len(out):])
	return out
}

// NewMVar allocates an empty MVar.
func (rt *Runtime) NewMVar() Value {
	ref, obj := rt.heap.alloc(KindMVar)
	obj.mvar = &MVar{val: Nil}
	return ref
}

// NewMVarWith allocates an MVar holding v.
func (rt *Runtime) NewMVarWith(v Value) Value {
	ref := rt.NewMVar()
	rt.mvar(ref).full = true
	rt.mvar(ref).val = v
	return ref
}

// MVar returns the state behind an MVar value.
func (rt *Runtime) MVar(mv Value) (*MVar, bool) {
	obj, ok := rt.heap.lookup(mv)
	if !ok || obj.kind != KindMVar {
		return nil, false
	}
	return obj.mvar, true
}

func (rt *Runtime) mvar(mv Value) *MVar {
	obj := rt.heap.get(mv)
	if obj.kind != KindMVar {
		panic("not an mvar: " + obj.kind.String())
	}
	return obj.mvar
}

// TakeMVar empties mv and returns its value, blocking while it is empty.
func (e *Exec) TakeMVar(mv Value) Signal {
	m := e.rt.mvar(mv)
	if m.full {
		v := m.val
		e.rt.notifyEmpty(m)
		return e.Return(v)
	}
	m.readers = append(m.readers, e.t)
	e.parkOnMVar(mv)
	return Reschedule
}

// PutMVar fills mv with v, blocking while it is full.
func (e *Exec) PutMVar(mv, v Value) Signal {
	m := e.rt.mvar(mv)
	if m.full {
		m.writers = append(m.writers, mvarWriter{thread: e.t, val: v})
		e.t.r1 = Unit
		e.parkOnMVar(mv)
		return Reschedule
	}
	e.rt.notifyFull(m, v)
	return e.Return(Unit)
}

// ReadMVar returns mv's value without taking it, blocking while it is
// empty.
func (e *Exec) ReadMVar(mv Value) Signal {
	m := e.rt.mvar(mv)
	if m.full {
		return e.Return(m.val)
	}
	m.waiters = append(m.waiters, e.t)
	e.parkOnMVar(mv)
	return Reschedule
}

func (e *Exec) parkOnMVar(mv Value) {
	e.t.interruptible = true
	e.rt.block(e.t, blocker{kind: blockMVar, obj: mv})
}

// TryTakeMVar empties mv if it is full.
func (rt *Runtime) TryTakeMVar(mv Value) (Value, bool) {
	m := rt.mvar(mv)
	if !m.full {
		return Nil, false
	}
	v := m.val
	rt.notifyEmpty(m)
	return v, true
}

// TryPutMVar fills mv if it is empty.
func (rt *Runtime) TryPutMVar(mv, v Value) bool {
	m := rt.mvar(mv)
	if m.full {
		return false
	}
	rt.notifyFull(m, v)
	return true
}

// TryReadMVar returns mv's value if it is full.
func (rt *Runtime) TryReadMVar(mv Value) (Value, bool) {
	m := rt.mvar(mv)
	if !m.full {
		return Nil, false
	}
	return m.val, true
}

// IsEmptyMVar reports whether mv is empty.
func (rt *Runtime) IsEmptyMVar(mv Value) bool {
	return !rt.mvar(mv).full
}

// WriteMVar puts v into mv from the host. If mv is full the value queues
// behind the waiting putters; the host never blocks.
func (rt *Runtime) WriteMVar(mv, v Value) {
	m := rt.mvar(mv)
	if m.full {
		m.writers = append(m.writers, mvarWriter{val: v})
		return
	}
	rt.notifyFull(m, v)
}

// notifyFull hands a new value to the waiting readers and then to the
// oldest taker. With no taker the value stays in the slot.
func (rt *Runtime) notifyFull(m *MVar, v Value) {
	for _, w := range m.waiters {
		w.r1 = v
		rt.wakeup(w)
	}
	clear(m.waiters)
	m.waiters = m.waiters[:0]

	if len(m.readers) > 0 {
		r := m.readers[0]
		m.readers[0] = nil
		m.readers = m.readers[1:]
		r.r1 = v
		rt.wakeup(r)
		return
	}
	m.full = true
	m.val = v
}

// notifyEmpty refills the slot from the oldest queued putter, if any.
func (rt *Runtime) notifyEmpty(m *MVar) {
	if len(m.writers) == 0 {
		m.full = false
		m.val = Nil
		return
	}
	w := m.writers[0]
	m.writers[0] = mvarWriter{}
	m.writers = m.writers[1:]
	m.val = w.val
	if w.thread != nil {
		rt.wakeup(w.thread)
	}
}
