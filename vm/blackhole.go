package vm

// ---------------------------------------------------------------------------
// Blackholes: exactly-once thunk evaluation
// ---------------------------------------------------------------------------

// blackhole is installed over a thunk while its owner evaluates it. The
// saved code and fields let an asynchronous exception put the thunk back.
type blackhole struct {
	owner   *Thread
	waiters []*Thread
	code    *Code
	saved   []Value
}

func (bh *blackhole) removeWaiter(t *Thread) {
	out := bh.waiters[:0]
	for _, w := range bh.waiters {
		if w != t {
			out = append(out, w)
		}
	}
	clear(bh.waiters[len(out):])
	bh.waiters = out
}

var (
	// updateCode overwrites the thunk in env[0] with the incoming value.
	updateCode = &Code{Name: "update", kind: frameUpdate, Entry: func(e *Exec, env []Value) Signal {
		e.rt.updateThunk(env[0], e.Value())
		return Continue
	}}

	// reforceCode forces env[0] again after a blackhole wait.
	reforceCode *Code
)

func init() {
	reforceCode = &Code{Name: "reforce", Entry: func(e *Exec, env []Value) Signal {
		return e.Force(env[0])
	}}
}

// Force evaluates v to weak head normal form and returns it. The first
// thread to force a thunk blackholes it; other threads forcing it block
// until the owner writes the result.
func (e *Exec) Force(v Value) Signal {
	v = e.rt.heap.follow(v)
	obj, ok := e.rt.heap.lookup(v)
	if !ok {
		return e.Return(v)
	}
	switch obj.kind {
	case KindThunk:
		bh := &blackhole{owner: e.t, code: obj.code, saved: obj.fields}
		obj.kind = KindBlackhole
		obj.bh = bh
		obj.code = nil
		obj.fields = nil
		e.Push(updateCode, v)
		e.Push(bh.code, bh.saved...)
		return Continue
	case KindBlackhole:
		return e.blockOnBlackhole(v, obj.bh)
	}
	return e.Return(v)
}

// blockOnBlackhole queues the running thread on a thunk another thread is
// evaluating. Waiting on a chain of owners that leads back to the running
// thread can never finish and raises NonTermination instead.
func (e *Exec) blockOnBlackhole(ref Value, bh *blackhole) Signal {
	if e.rt.blackholeCycle(e.t, bh) {
		return e.Throw(e.rt.exc.nonTermination)
	}
	bh.waiters = append(bh.waiters, e.t)
	e.Push(reforceCode, ref)
	e.t.interruptible = true
	e.rt.block(e.t, blocker{kind: blockBlackhole, obj: ref})
	return Reschedule
}

// blackholeCycle follows owners through the blackholes they wait on and
// reports whether the chain reaches t.
func (rt *Runtime) blackholeCycle(t *Thread, bh *blackhole) bool {
	seen := make(map[*Thread]bool)
	for bh != nil {
		owner := bh.owner
		if owner == t {
			return true
		}
		if seen[owner] || owner.status != ThreadBlocked || owner.blockedOn.kind != blockBlackhole {
			return false
		}
		seen[owner] = true
		next, ok := rt.heap.lookup(owner.blockedOn.obj)
		if !ok || next.kind != KindBlackhole {
			return false
		}
		bh = next.bh
	}
	return false
}

// updateThunk replaces a blackhole with an indirection to its value and
// wakes every waiter in arrival order.
func (rt *Runtime) updateThunk(ref, v Value) {
	obj, ok := rt.heap.lookup(ref)
	if !ok || obj.kind != KindBlackhole {
		return
	}
	waiters := obj.bh.waiters
	obj.bh = nil
	obj.kind = KindIndirection
	obj.fields = []Value{v}
	for _, w := range waiters {
		rt.wakeup(w)
	}
}

// abandonThunk rolls back a thunk whose evaluation was interrupted. After an
// asynchronous exception the original computation is restored so a later
// force can resume it; after a synchronous one, forcing re-raises ex.
func (rt *Runtime) abandonThunk(ref, ex Value, async bool) {
	obj, ok := rt.heap.lookup(ref)
	if !ok || obj.kind != KindBlackhole {
		return
	}
	bh := obj.bh
	obj.bh = nil
	obj.kind = KindThunk
	if async {
		obj.code = bh.code
		obj.fields = bh.saved
	} else {
		obj.code = raiseCode
		obj.fields = []Value{ex}
	}
	for _, w := range bh.waiters {
		rt.wakeup(w)
	}
}

// ---------------------------------------------------------------------------
// Synchronous blackhole resolution
// ---------------------------------------------------------------------------

// runBlackholeSync drives the owners of a chain of blackholes on the
// caller's goroutine until ref is evaluated, without entering the
// scheduler. It gives up when an owner blocks on anything other than
// another blackhole or has asynchronous exceptions pending.
func (rt *Runtime) runBlackholeSync(ref Value) bool {
	saved := rt.current
	defer func() {
		rt.current = saved
		rt.exec.t = saved
	}()

	var chain []Value
	cur := ref
	for {
		obj, ok := rt.heap.lookup(cur)
		if !ok || obj.kind != KindBlackhole {
			if len(chain) == 0 {
				return true
			}
			cur = chain[len(chain)-1]
			chain = chain[:len(chain)-1]
			continue
		}
		owner := obj.bh.owner
		if len(owner.excep) > 0 {
			return false
		}
		if owner.status == ThreadRunning {
			rt.stepUntil(owner, func() bool {
				o, ok := rt.heap.lookup(cur)
				return !ok || o.kind != KindBlackhole
			})
			continue
		}
		if owner.status != ThreadBlocked || owner.blockedOn.kind != blockBlackhole {
			return false
		}
		next := owner.blockedOn.obj
		for _, c := range chain {
			if c == next {
				return false
			}
		}
		chain = append(chain, cur)
		cur = next
	}
}

// stepUntil runs t one frame at a time until done reports true or t stops
// being runnable.
func (rt *Runtime) stepUntil(t *Thread, done func() bool) {
	rt.current = t
	rt.exec.t = t
	for t.status == ThreadRunning && !done() {
		if len(t.stack) == 0 {
			t.result = t.r1
			rt.finishThread(t, ThreadFinished)
			return
		}
		f := t.pop()
		f.Code.Entry(&rt.exec, f.Env)
	}
}
