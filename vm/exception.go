package vm

// ---------------------------------------------------------------------------
// Exceptions: frame-based unwinding and asynchronous delivery
// ---------------------------------------------------------------------------

var (
	catchCode = &Code{Name: "catch", kind: frameCatch, Entry: passThrough}

	restoreMaskCode *Code
	raiseAsyncCode  *Code

	// raiseCode is the body a thunk is overwritten with when its evaluation
	// raised synchronously: forcing it again re-raises.
	raiseCode *Code

	// ignoreHandlerCode is an exception handler that swallows the
	// exception.
	ignoreHandlerCode = &Code{Name: "ignore-exception", Entry: func(e *Exec, env []Value) Signal {
		return e.Return(Unit)
	}}
)

func init() {
	restoreMaskCode = &Code{Name: "restore-mask", kind: frameRestoreMask, Entry: func(e *Exec, env []Value) Signal {
		e.t.mask = MaskState(env[0].SmallInt())
		e.rt.postAsync(e.t)
		return Continue
	}}
	raiseAsyncCode = &Code{Name: "raise-async", Entry: func(e *Exec, env []Value) Signal {
		return e.unwind(env[0], true)
	}}
	raiseCode = &Code{Name: "raise", Entry: func(e *Exec, env []Value) Signal {
		return e.Throw(env[0])
	}}
}

func passThrough(e *Exec, env []Value) Signal {
	return Continue
}

// Throw raises ex synchronously in the running thread.
func (e *Exec) Throw(ex Value) Signal {
	return e.unwind(ex, false)
}

// Catch runs action; if it raises, handler is applied to the exception.
// The handler runs with asynchronous exceptions masked interruptibly and
// the previous mask state is restored when it returns.
func (e *Exec) Catch(action, handler Value) Signal {
	e.Push(catchCode, handler, FromSmallInt(int64(e.t.mask)))
	return e.Apply(action)
}

// Mask runs action with asynchronous exceptions masked at level.
func (e *Exec) Mask(level MaskState, action Value) Signal {
	return e.setMask(level, action)
}

// Unmask runs action with asynchronous exceptions enabled. Pending
// exceptions are delivered before action starts.
func (e *Exec) Unmask(action Value) Signal {
	return e.setMask(Unmasked, action)
}

// MaskStatus returns the running thread's mask state.
func (e *Exec) MaskStatus() MaskState {
	return e.t.mask
}

func (e *Exec) setMask(level MaskState, action Value) Signal {
	t := e.t
	if t.mask != level {
		e.Push(restoreMaskCode, FromSmallInt(int64(t.mask)))
		t.mask = level
	}
	e.Push(applyCode, action)
	e.rt.postAsync(t)
	return Continue
}

// ThrowTo raises ex asynchronously in the thread tid. If the target cannot
// receive it now, the caller blocks until it is delivered or the target
// finishes.
func (e *Exec) ThrowTo(tid, ex Value) Signal {
	target, ok := e.rt.Thread(tid)
	if !ok || target.Done() {
		return e.Return(Unit)
	}
	if target == e.t {
		e.t.r1 = Unit
		return e.unwind(ex, true)
	}
	if target.canReceive() {
		e.rt.deliverAsync(target, ex)
		return e.Return(Unit)
	}
	target.excep = append(target.excep, pendingException{sender: e.t, exc: ex})
	e.t.r1 = Unit
	e.t.interruptible = true
	e.rt.block(e.t, blocker{kind: blockThread, obj: tid})
	return Reschedule
}

// Kill raises ThreadKilled in the thread tid.
func (e *Exec) Kill(tid Value) Signal {
	return e.ThrowTo(tid, e.rt.exc.threadKilled)
}

// ThrowTo raises ex in t from outside any thread. It is delivered as soon
// as t's mask state permits.
func (rt *Runtime) ThrowTo(t *Thread, ex Value) {
	if t.Done() {
		return
	}
	if t.canReceive() {
		rt.deliverAsync(t, ex)
		return
	}
	t.excep = append(t.excep, pendingException{exc: ex})
}

// Kill raises ThreadKilled in t from outside any thread.
func (rt *Runtime) Kill(t *Thread) {
	rt.ThrowTo(t, rt.exc.threadKilled)
}

// canReceive reports whether an asynchronous exception can be delivered to
// t right now.
func (t *Thread) canReceive() bool {
	return t.mask == Unmasked || (t.mask == MaskedInterruptible && t.interruptible)
}

// deliverAsync unregisters t from its wait, wakes it and redirects its
// stack to raise ex.
func (rt *Runtime) deliverAsync(t *Thread, ex Value) {
	rt.forceWakeup(t)
	t.push(Frame{Code: raiseAsyncCode, Env: []Value{ex}})
}

// postAsync delivers the oldest pending exception if t can receive it, and
// releases the thread that sent it.
func (rt *Runtime) postAsync(t *Thread) bool {
	if len(t.excep) == 0 || !t.canReceive() {
		return false
	}
	p := t.excep[0]
	t.excep[0] = pendingException{}
	t.excep = t.excep[1:]
	if p.sender != nil {
		rt.wakeup(p.sender)
	}
	rt.deliverAsync(t, p.exc)
	return true
}

// unwind pops frames until a handler accepts ex. Thunks under evaluation
// are rolled back, masks restored and transactions aborted on the way.
func (e *Exec) unwind(ex Value, async bool) Signal {
	t := e.t
	for len(t.stack) > 0 {
		f := t.pop()
		switch f.Code.kind {
		case frameCatch:
			saved := MaskState(f.Env[1].SmallInt())
			t.mask = saved
			if saved == Unmasked {
				e.Push(restoreMaskCode, FromSmallInt(int64(Unmasked)))
				t.mask = MaskedInterruptible
			}
			return e.Apply(f.Env[0], ex)
		case frameUpdate:
			e.rt.abandonThunk(f.Env[0], ex, async)
		case frameRestoreMask:
			t.mask = MaskState(f.Env[0].SmallInt())
		case frameAtomically:
			if !async && !e.rt.validate(t.transaction) {
				e.rt.log.stm.Debugf("thread %s: exception from invalid transaction, restarting", t)
				return e.startAtomically(f.Env[0])
			}
			t.transaction = Nil
		case frameRetryWait:
			e.rt.unblockTVars(t, f.Env[1:])
			t.transaction = Nil
		case frameCatchRetry, frameInvariant:
			e.rt.abortNested(t)
		case frameCatchSTM:
			e.rt.abortNested(t)
			return e.Apply(f.Env[0], ex)
		}
	}
	t.err = e.rt.uncaught(t, ex)
	e.rt.finishThread(t, ThreadDied)
	return Reschedule
}

// ExceptionCode returns the constructor code of an exception value.
func (rt *Runtime) ExceptionCode(ex Value) *Code {
	obj, ok := rt.heap.lookup(rt.heap.follow(ex))
	if !ok || obj.kind != KindClosure {
		return nil
	}
	return obj.code
}

func (rt *Runtime) uncaught(t *Thread, ex Value) *UncaughtError {
	u := &UncaughtError{ThreadID: t.id, Label: t.label, Exception: ex, Name: "exception"}
	if code := rt.ExceptionCode(ex); code != nil {
		u.Name = code.Name
		u.err = code.err
	}
	return u
}
