package vm

// ---------------------------------------------------------------------------
// STM: transactional variables and nested transactions
// ---------------------------------------------------------------------------

// TVar is a cell that is read and written only inside transactions.
type TVar struct {
	val        Value
	blocked    []*Thread
	invariants []*invariant
}

// Value returns the committed value.
func (tv *TVar) Value() Value {
	return tv.val
}

// Blocked returns the number of threads waiting for tv to change.
func (tv *TVar) Blocked() int {
	return len(tv.blocked)
}

func (tv *TVar) block(t *Thread) {
	for _, x := range tv.blocked {
		if x == t {
			return
		}
	}
	tv.blocked = append(tv.blocked, t)
}

func (tv *TVar) unblock(t *Thread) {
	tv.blocked = removeThread(tv.blocked, t)
}

func (tv *TVar) addInvariant(inv *invariant) {
	for _, x := range tv.invariants {
		if x == inv {
			return
		}
	}
	tv.invariants = append(tv.invariants, inv)
}

// invariant is an STM action that must return True after every commit that
// writes one of its dependencies. A local invariant was registered by the
// running transaction and becomes attached to its dependencies on commit.
type invariant struct {
	action    Value
	deps      tvarSet
	committed bool
}

// tvarSet is an insertion-ordered set of TVar refs.
type tvarSet struct {
	order []Value
	has   map[Value]bool
}

func (s *tvarSet) add(tv Value) {
	if s.has[tv] {
		return
	}
	if s.has == nil {
		s.has = make(map[Value]bool)
	}
	s.has[tv] = true
	s.order = append(s.order, tv)
}

// accessSet records the committed value of every TVar a transaction
// touched, for validation. Nested transactions share their parent's set.
type accessSet struct {
	order []Value
	snap  map[Value]Value
}

func (a *accessSet) get(tv Value) (Value, bool) {
	v, ok := a.snap[tv]
	return v, ok
}

func (a *accessSet) add(tv, committed Value) {
	if _, ok := a.snap[tv]; ok {
		return
	}
	a.snap[tv] = committed
	a.order = append(a.order, tv)
}

type tvarWrite struct {
	tvar Value
	val  Value
}

// Transaction is the state of one (possibly nested) atomic block.
type Transaction struct {
	action Value
	parent Value

	writes []tvarWrite
	index  map[Value]int

	accessed *accessSet
	// deps collects every TVar read while an invariant is being checked;
	// nil outside invariant checks.
	deps *tvarSet

	invariants []*invariant
	checks     []*invariant
}

// Nested reports whether the transaction has a parent.
func (tx *Transaction) Nested() bool {
	return tx.parent != Nil
}

// Writes returns the number of buffered writes.
func (tx *Transaction) Writes() int {
	return len(tx.writes)
}

func (tx *Transaction) lookup(tv Value) (Value, bool) {
	if i, ok := tx.index[tv]; ok {
		return tx.writes[i].val, true
	}
	return Nil, false
}

func (tx *Transaction) set(tv, v Value) {
	if i, ok := tx.index[tv]; ok {
		tx.writes[i].val = v
		return
	}
	if tx.index == nil {
		tx.index = make(map[Value]int)
	}
	tx.index[tv] = len(tx.writes)
	tx.writes = append(tx.writes, tvarWrite{tvar: tv, val: v})
}

func (tx *Transaction) eachValue(fn func(Value)) {
	fn(tx.action)
	fn(tx.parent)
	for _, w := range tx.writes {
		fn(w.tvar)
		fn(w.val)
	}
	for _, tv := range tx.accessed.order {
		fn(tv)
		fn(tx.accessed.snap[tv])
	}
	if tx.deps != nil {
		for _, tv := range tx.deps.order {
			fn(tv)
		}
	}
	for _, list := range [][]*invariant{tx.invariants, tx.checks} {
		for _, inv := range list {
			fn(inv.action)
			for _, tv := range inv.deps.order {
				fn(tv)
			}
		}
	}
}

// NewTVar allocates a TVar holding v. TVars may be created outside
// transactions.
func (rt *Runtime) NewTVar(v Value) Value {
	ref, obj := rt.heap.alloc(KindTVar)
	obj.tvar = &TVar{val: v}
	return ref
}

// TVar returns the state behind a TVar value.
func (rt *Runtime) TVar(tv Value) (*TVar, bool) {
	obj, ok := rt.heap.lookup(tv)
	if !ok || obj.kind != KindTVar {
		return nil, false
	}
	return obj.tvar, true
}

// ReadTVarIO returns the committed value of tv without a transaction.
func (rt *Runtime) ReadTVarIO(tv Value) Value {
	return rt.tvar(tv).val
}

func (rt *Runtime) tvar(tv Value) *TVar {
	obj := rt.heap.get(tv)
	if obj.kind != KindTVar {
		panic("not a tvar: " + obj.kind.String())
	}
	return obj.tvar
}

func (rt *Runtime) newTransaction(action, parent Value) Value {
	ref, obj := rt.heap.alloc(KindTransaction)
	tx := &Transaction{action: action, parent: parent}
	if p := rt.txOf(parent); p != nil {
		tx.accessed = p.accessed
		tx.deps = p.deps
	} else {
		tx.accessed = &accessSet{snap: make(map[Value]Value)}
	}
	obj.tx = tx
	return ref
}

// txOf returns the transaction behind ref, or nil for Nil.
func (rt *Runtime) txOf(ref Value) *Transaction {
	if ref == Nil {
		return nil
	}
	return rt.heap.get(ref).tx
}

// Transaction returns the innermost transaction of t, if any.
func (rt *Runtime) Transaction(t *Thread) *Transaction {
	return rt.txOf(t.transaction)
}

// ---------------------------------------------------------------------------
// Transactional reads and writes
// ---------------------------------------------------------------------------

// ReadTVar reads tv in the running transaction: buffered writes of the
// transaction and its ancestors first, then the value first seen by the
// transaction, else the committed value, which is recorded for validation.
func (e *Exec) ReadTVar(tv Value) Signal {
	tx := e.rt.txOf(e.t.transaction)
	if tx == nil {
		return e.Fail(ErrNoTransaction)
	}
	return e.Return(e.rt.readLocal(tx, tv))
}

func (rt *Runtime) readLocal(tx *Transaction, tv Value) Value {
	if tx.deps != nil {
		tx.deps.add(tv)
	}
	for cur := tx; cur != nil; cur = rt.txOf(cur.parent) {
		if v, ok := cur.lookup(tv); ok {
			return v
		}
	}
	if v, ok := tx.accessed.get(tv); ok {
		return v
	}
	v := rt.tvar(tv).val
	tx.accessed.add(tv, v)
	return v
}

// WriteTVar buffers a write in the innermost transaction.
func (e *Exec) WriteTVar(tv, v Value) Signal {
	tx := e.rt.txOf(e.t.transaction)
	if tx == nil {
		return e.Fail(ErrNoTransaction)
	}
	tx.accessed.add(tv, e.rt.tvar(tv).val)
	tx.set(tv, v)
	return e.Return(Unit)
}

// ---------------------------------------------------------------------------
// atomically
// ---------------------------------------------------------------------------

func init() {
	atomicallyCode = &Code{Name: "atomically", kind: frameAtomically, Entry: func(e *Exec, env []Value) Signal {
		rt, t := e.rt, e.t
		if !rt.validate(t.transaction) {
			rt.log.stm.Debugf("thread %s: transaction invalid, restarting", t)
			return e.startAtomically(env[0])
		}
		rt.commit(rt.txOf(t.transaction))
		t.transaction = Nil
		return Continue
	}}
	checkInvariantsCode = &Code{Name: "check-invariants", Entry: func(e *Exec, env []Value) Signal {
		return e.checkInvariants()
	}}
}

var (
	// atomicallyCode validates and commits the top-level transaction once
	// its action (and the invariant checks above it) returned. env[0] is
	// the action, rerun when validation fails.
	atomicallyCode      *Code
	checkInvariantsCode *Code

	invariantStartCode = &Code{Name: "invariant", Entry: func(e *Exec, env []Value) Signal {
		rt, t := e.rt, e.t
		inv := rt.txOf(t.transaction).checks[env[0].SmallInt()]
		nested := rt.newTransaction(inv.action, t.transaction)
		rt.txOf(nested).deps = &tvarSet{}
		t.transaction = nested
		e.Push(invariantResultCode, env[0])
		return e.Apply(inv.action)
	}}

	invariantResultCode = &Code{Name: "invariant-result", kind: frameInvariant, Entry: func(e *Exec, env []Value) Signal {
		rt, t := e.rt, e.t
		deps := rt.txOf(t.transaction).deps.order
		rt.abortNested(t)
		inv := rt.txOf(t.transaction).checks[env[0].SmallInt()]
		if !e.Value().IsTrue() {
			return e.Throw(rt.exc.invariant)
		}
		for _, tv := range deps {
			if inv.committed {
				rt.tvar(tv).addInvariant(inv)
			} else {
				inv.deps.add(tv)
			}
		}
		return Continue
	}}

	// catchRetryCode commits the first branch of OrElse when it returns;
	// env[0] is the alternative.
	catchRetryCode = &Code{Name: "catch-retry", kind: frameCatchRetry, Entry: func(e *Exec, env []Value) Signal {
		e.rt.commitNested(e.t)
		return Continue
	}}

	// catchSTMCode commits the guarded action of CatchSTM when it returns;
	// env[0] is the handler.
	catchSTMCode = &Code{Name: "catch-stm", kind: frameCatchSTM, Entry: func(e *Exec, env []Value) Signal {
		e.rt.commitNested(e.t)
		return Continue
	}}

	// retryWaitCode resumes a retried transaction: env[0] is the action and
	// env[1:] the TVars the thread waited on.
	retryWaitCode = &Code{Name: "retry-wait", kind: frameRetryWait, Entry: func(e *Exec, env []Value) Signal {
		e.rt.unblockTVars(e.t, env[1:])
		e.rt.log.stm.Debugf("thread %s: retrying transaction", e.t)
		return e.startAtomically(env[0])
	}}
)

// Atomically runs the STM action as one transaction. Nested use inside a
// transaction is fatal to the calling thread.
func (e *Exec) Atomically(action Value) Signal {
	if e.t.transaction != Nil {
		return e.Fail(ErrNestedAtomically)
	}
	return e.startAtomically(action)
}

func (e *Exec) startAtomically(action Value) Signal {
	e.Push(atomicallyCode, action)
	e.Push(checkInvariantsCode)
	e.t.transaction = e.rt.newTransaction(action, Nil)
	return e.Apply(action)
}

// checkInvariants schedules every invariant attached to a written TVar and
// every invariant registered by the transaction, each in its own nested
// transaction, while preserving the action's result.
func (e *Exec) checkInvariants() Signal {
	rt := e.rt
	tx := rt.txOf(e.t.transaction)
	var checks []*invariant
	seen := make(map[*invariant]bool)
	for _, w := range tx.writes {
		for _, inv := range rt.tvar(w.tvar).invariants {
			if !seen[inv] {
				seen[inv] = true
				checks = append(checks, inv)
			}
		}
	}
	checks = append(checks, tx.invariants...)
	tx.checks = checks

	e.Push(returnCode, e.Value())
	for i := len(checks) - 1; i >= 0; i-- {
		e.Push(invariantStartCode, FromSmallInt(int64(i)))
	}
	return Continue
}

// AddInvariant registers an STM action that must return True now and after
// every later commit touching the TVars it reads.
func (e *Exec) AddInvariant(action Value) Signal {
	tx := e.rt.txOf(e.t.transaction)
	if tx == nil {
		return e.Fail(ErrNoTransaction)
	}
	tx.invariants = append(tx.invariants, &invariant{action: action})
	return e.Return(Unit)
}

// validate reports whether every TVar the transaction accessed still holds
// the value it saw.
func (rt *Runtime) validate(ref Value) bool {
	tx := rt.txOf(ref)
	if tx == nil {
		return true
	}
	for _, tv := range tx.accessed.order {
		if rt.tvar(tv).val != tx.accessed.snap[tv] {
			return false
		}
	}
	return true
}

// commit publishes a validated top-level transaction.
func (rt *Runtime) commit(tx *Transaction) {
	for _, w := range tx.writes {
		rt.commitTVar(w.tvar, w.val)
	}
	for _, inv := range tx.invariants {
		inv.committed = true
		for _, tv := range inv.deps.order {
			rt.tvar(tv).addInvariant(inv)
		}
		inv.deps = tvarSet{}
	}
}

// commitTVar stores v and wakes the threads retrying on tv, unless the
// value did not change.
func (rt *Runtime) commitTVar(ref, v Value) {
	tv := rt.tvar(ref)
	if tv.val == v {
		return
	}
	tv.val = v
	for _, t := range tv.blocked {
		if t.status == ThreadBlocked {
			rt.wakeup(t)
		}
	}
}

// commitNested merges the innermost transaction into its parent.
func (rt *Runtime) commitNested(t *Thread) {
	tx := rt.txOf(t.transaction)
	parent := rt.txOf(tx.parent)
	for _, w := range tx.writes {
		parent.set(w.tvar, w.val)
	}
	parent.invariants = append(parent.invariants, tx.invariants...)
	t.transaction = tx.parent
}

// abortNested discards the innermost transaction.
func (rt *Runtime) abortNested(t *Thread) {
	if tx := rt.txOf(t.transaction); tx != nil {
		t.transaction = tx.parent
	}
}

func (rt *Runtime) unblockTVars(t *Thread, tvars []Value) {
	for _, ref := range tvars {
		if tv, ok := rt.TVar(ref); ok {
			tv.unblock(t)
		}
	}
}

// ---------------------------------------------------------------------------
// retry, orElse, catchSTM
// ---------------------------------------------------------------------------

// Retry abandons the current attempt. Inside OrElse the alternative runs
// next; otherwise the thread blocks until a commit changes a TVar the
// transaction read, then reruns it from the start.
func (e *Exec) Retry() Signal {
	t := e.t
	if t.transaction == Nil {
		return e.Fail(ErrRetryOutsideTransaction)
	}
	for len(t.stack) > 0 {
		f := t.pop()
		switch f.Code.kind {
		case frameAtomically:
			// A commit since the reads would never wake the wait below.
			if !e.rt.validate(t.transaction) {
				e.rt.log.stm.Debugf("thread %s: read set changed before retry, restarting", t)
				return e.startAtomically(f.Env[0])
			}
			return e.suspendRetry(f.Env[0])
		case frameCatchRetry:
			e.rt.abortNested(t)
			return e.Apply(f.Env[0])
		case frameCatchSTM, frameInvariant:
			e.rt.abortNested(t)
		case frameUpdate:
			e.rt.abandonThunk(f.Env[0], Nil, true)
		case frameRestoreMask:
			t.mask = MaskState(f.Env[0].SmallInt())
		}
	}
	return e.Fail(ErrRetryOutsideTransaction)
}

// suspendRetry blocks the thread on every TVar the transaction accessed.
func (e *Exec) suspendRetry(action Value) Signal {
	t := e.t
	tx := e.rt.txOf(t.transaction)
	tvars := append([]Value(nil), tx.accessed.order...)
	for _, ref := range tvars {
		e.rt.tvar(ref).block(t)
	}
	e.Push(retryWaitCode, append([]Value{action}, tvars...)...)
	t.r1 = Unit
	t.interruptible = true
	e.rt.block(t, blocker{kind: blockSTM, tvars: tvars})
	e.rt.log.stm.Debugf("thread %s: retry blocked on %d tvars", t, len(tvars))
	return Reschedule
}

// Check retries unless ok.
func (e *Exec) Check(ok bool) Signal {
	if ok {
		return e.Return(Unit)
	}
	return e.Retry()
}

// OrElse runs first in a nested transaction; if it retries, its effects are
// discarded and second runs instead.
func (e *Exec) OrElse(first, second Value) Signal {
	if e.t.transaction == Nil {
		return e.Fail(ErrNoTransaction)
	}
	e.t.transaction = e.rt.newTransaction(second, e.t.transaction)
	e.Push(catchRetryCode, second)
	return e.Apply(first)
}

// CatchSTM runs action in a nested transaction. If it raises, its effects
// are discarded and handler is applied to the exception.
func (e *Exec) CatchSTM(action, handler Value) Signal {
	if e.t.transaction == Nil {
		return e.Fail(ErrNoTransaction)
	}
	e.t.transaction = e.rt.newTransaction(action, e.t.transaction)
	e.Push(catchSTMCode, handler)
	return e.Apply(action)
}
