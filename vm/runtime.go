package vm

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Runtime: one isolated heap, scheduler and collector
// ---------------------------------------------------------------------------

// Host is the embedding event loop. The runtime asks it to call Resume
// again after d; zero means as soon as possible. Fulfill calls Wakeup(0)
// on the caller's goroutine, so implementations must be safe for
// concurrent use and must not call back into the runtime from Wakeup.
type Host interface {
	Wakeup(d time.Duration)
}

// Observer receives lifecycle events. Calls happen on the runtime's
// goroutine between reduction steps.
type Observer interface {
	ThreadExited(info ThreadInfo)
	GCFinished(stats GCStats)
}

// Options configures a Runtime.
type Options struct {
	// Slice bounds how long one thread runs before the scheduler moves on.
	Slice time.Duration
	// Batch is the number of reduction steps between clock checks.
	Batch int
	// YieldAfter bounds how long Resume runs before handing control back
	// to the host.
	YieldAfter time.Duration
	// GCInterval is the minimum time between scheduler-triggered
	// collections. Zero disables automatic collection.
	GCInterval time.Duration
	// RetainCAFs keeps every CAF alive instead of resetting unreachable
	// ones.
	RetainCAFs bool
	// Clock supplies the current time; defaults to time.Now.
	Clock    func() time.Time
	Host     Host
	Observer Observer
}

// Default scheduler tuning.
const (
	DefaultSlice      = 25 * time.Millisecond
	DefaultBatch      = 1000
	DefaultYieldAfter = 500 * time.Millisecond
	DefaultGCInterval = time.Second
)

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		Slice:      DefaultSlice,
		Batch:      DefaultBatch,
		YieldAfter: DefaultYieldAfter,
		GCInterval: DefaultGCInterval,
	}
}

// Runtime owns all heap objects, threads and scheduler state. Everything
// except Fulfill must be called from a single goroutine.
type Runtime struct {
	id   uuid.UUID
	opts Options
	heap *Heap
	log  loggers

	threads  map[uint64]*Thread
	threadID uint64
	ready    readyQueue
	delayed  delayedSet
	blocked  map[uint64]*Thread
	current  *Thread
	main     *Thread
	exec     Exec
	inSync   bool

	retained   map[Value]int
	finalizers []*finalizerEntry
	cafs       []caf
	epoch      uint8
	gc         gcState

	hostMu    sync.Mutex
	inbox     []completion
	wake      chan struct{}
	tokenID   uint64
	hostWaits map[Token]*Thread
	hostMVars map[Token]Value

	exc struct {
		nonTermination Value
		blockedMVar    Value
		blockedSTM     Value
		threadKilled   Value
		invariant      Value
	}
	ignoreHandler Value
}

type loggers struct {
	sched commonlog.Logger
	gc    commonlog.Logger
	stm   commonlog.Logger
	host  commonlog.Logger
}

// New creates a runtime with the given options. Zero fields take defaults,
// except GCInterval where zero disables automatic collection.
func New(opts Options) *Runtime {
	if opts.Slice <= 0 {
		opts.Slice = DefaultSlice
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.YieldAfter <= 0 {
		opts.YieldAfter = DefaultYieldAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	rt := &Runtime{
		id:        uuid.New(),
		opts:      opts,
		heap:      NewHeap(),
		threads:   make(map[uint64]*Thread),
		blocked:   make(map[uint64]*Thread),
		retained:  make(map[Value]int),
		epoch:     markEven,
		wake:      make(chan struct{}, 1),
		hostWaits: make(map[Token]*Thread),
		hostMVars: make(map[Token]Value),
		log: loggers{
			sched: commonlog.GetLogger("lazyrt.scheduler"),
			gc:    commonlog.GetLogger("lazyrt.gc"),
			stm:   commonlog.GetLogger("lazyrt.stm"),
			host:  commonlog.GetLogger("lazyrt.host"),
		},
	}
	rt.exec.rt = rt
	rt.gc.last = opts.Clock()

	rt.exc.nonTermination = rt.newStatic(NonTerminationCode)
	rt.exc.blockedMVar = rt.newStatic(BlockedIndefinitelyOnMVarCode)
	rt.exc.blockedSTM = rt.newStatic(BlockedIndefinitelyOnSTMCode)
	rt.exc.threadKilled = rt.newStatic(ThreadKilledCode)
	rt.exc.invariant = rt.newStatic(InvariantViolationCode)
	rt.ignoreHandler = rt.newStatic(ignoreHandlerCode)
	return rt
}

// ID returns the runtime's instance identifier.
func (rt *Runtime) ID() uuid.UUID {
	return rt.id
}

// Heap exposes the object arena for inspection.
func (rt *Runtime) Heap() *Heap {
	return rt.heap
}

// Options returns the effective configuration.
func (rt *Runtime) Options() Options {
	return rt.opts
}

// SetObserver replaces the lifecycle observer. Observers that need the
// runtime's ID are attached this way after New.
func (rt *Runtime) SetObserver(o Observer) {
	rt.opts.Observer = o
}

func (rt *Runtime) now() time.Time {
	return rt.opts.Clock()
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// NewClosure allocates a closure (a function or an evaluated constructor).
func (rt *Runtime) NewClosure(code *Code, fields ...Value) Value {
	ref, obj := rt.heap.alloc(KindClosure)
	obj.code = code
	obj.fields = fields
	return ref
}

// NewThunk allocates a deferred computation. Forcing it runs code with
// fields as its environment and overwrites the thunk with the result.
func (rt *Runtime) NewThunk(code *Code, fields ...Value) Value {
	ref, obj := rt.heap.alloc(KindThunk)
	obj.code = code
	obj.fields = fields
	return ref
}

// NewException allocates an exception value built with an exception code.
func (rt *Runtime) NewException(code *Code, fields ...Value) Value {
	return rt.NewClosure(code, fields...)
}

// NewArray allocates an array of n elements set to init.
func (rt *Runtime) NewArray(n int, init Value) Value {
	ref, obj := rt.heap.alloc(KindArray)
	obj.fields = make([]Value, n)
	for i := range obj.fields {
		obj.fields[i] = init
	}
	return ref
}

// ArrayLen returns the length of an array.
func (rt *Runtime) ArrayLen(arr Value) int {
	return len(rt.heap.get(arr).fields)
}

// ArrayGet reads element i of an array.
func (rt *Runtime) ArrayGet(arr Value, i int) Value {
	return rt.heap.get(arr).fields[i]
}

// ArraySet writes element i of an array.
func (rt *Runtime) ArraySet(arr Value, i int, v Value) {
	rt.heap.get(arr).fields[i] = v
}

// newStatic allocates a runtime-owned constant that the collector never
// reclaims.
func (rt *Runtime) newStatic(code *Code, fields ...Value) Value {
	ref, obj := rt.heap.alloc(KindClosure)
	obj.code = code
	obj.fields = fields
	obj.static = true
	return ref
}

// Alive reports whether v is an immediate or addresses a live object.
func (rt *Runtime) Alive(v Value) bool {
	return !v.IsRef() || rt.heap.Contains(v)
}

// Retain registers v as a root until a matching Release. Embedders must
// retain any heap value they hold across a collection.
func (rt *Runtime) Retain(v Value) Value {
	if v.IsRef() {
		rt.retained[v]++
	}
	return v
}

// Release drops one Retain of v.
func (rt *Runtime) Release(v Value) {
	if n := rt.retained[v]; n > 1 {
		rt.retained[v] = n - 1
	} else {
		delete(rt.retained, v)
	}
}

// Whnf follows indirections and reports the object v currently denotes.
func (rt *Runtime) Whnf(v Value) Value {
	return rt.heap.follow(v)
}

// ---------------------------------------------------------------------------
// Thread registry
// ---------------------------------------------------------------------------

func (rt *Runtime) newThread() *Thread {
	rt.threadID++
	ref, obj := rt.heap.alloc(KindThread)
	t := &Thread{
		id:          rt.threadID,
		ref:         ref,
		r1:          Unit,
		result:      Nil,
		transaction: Nil,
		heapIndex:   -1,
	}
	obj.thread = t
	rt.threads[t.id] = t
	return t
}

// Fork creates a thread running action and makes it runnable.
func (rt *Runtime) Fork(action Value) *Thread {
	t := rt.newThread()
	t.push(Frame{Code: applyCode, Env: []Value{action}})
	rt.ready.enqueue(t)
	rt.log.sched.Debugf("fork thread %d", t.id)
	return t
}

// ForkLabeled is Fork with a diagnostic label.
func (rt *Runtime) ForkLabeled(label string, action Value) *Thread {
	t := rt.Fork(action)
	t.label = label
	return t
}

// Thread resolves a ThreadId value.
func (rt *Runtime) Thread(tid Value) (*Thread, bool) {
	obj, ok := rt.heap.lookup(tid)
	if !ok || obj.kind != KindThread {
		return nil, false
	}
	return obj.thread, true
}

// ThreadByID returns a thread that has not yet finished.
func (rt *Runtime) ThreadByID(id uint64) (*Thread, bool) {
	t, ok := rt.threads[id]
	return t, ok
}

// SetLabel attaches a diagnostic label to a thread.
func (rt *Runtime) SetLabel(t *Thread, label string) {
	t.label = label
}

// Current returns the executing thread, or nil between slices.
func (rt *Runtime) Current() *Thread {
	return rt.current
}

// block parks t on b. The caller returns Reschedule.
func (rt *Runtime) block(t *Thread, b blocker) {
	t.status = ThreadBlocked
	t.blockedOn = b
	rt.blocked[t.id] = t
	t.compact()
}

// wakeup makes a blocked thread runnable again. It does not undo the wait
// registration; callers that did not dequeue t themselves must call
// removeBlock first.
func (rt *Runtime) wakeup(t *Thread) {
	if t.status != ThreadBlocked {
		return
	}
	t.blockedOn = blocker{}
	t.status = ThreadRunning
	t.interruptible = false
	delete(rt.blocked, t.id)
	if t.sync && rt.inSync {
		return
	}
	rt.ready.enqueue(t)
}

// forceWakeup unregisters t from whatever it waits on and wakes it.
func (rt *Runtime) forceWakeup(t *Thread) {
	if t.status == ThreadBlocked {
		rt.removeBlock(t)
		rt.wakeup(t)
	}
}

// removeBlock undoes t's wait registration so the original event can no
// longer wake it.
func (rt *Runtime) removeBlock(t *Thread) {
	if t.status != ThreadBlocked {
		return
	}
	b := t.blockedOn
	switch b.kind {
	case blockDelay:
		rt.delayed.remove(t)
		t.delayed = false
	case blockMVar:
		rt.heap.get(b.obj).mvar.removeThread(t)
	case blockThread:
		if target, ok := rt.Thread(b.obj); ok {
			for i := range target.excep {
				if target.excep[i].sender == t {
					target.excep[i].sender = nil
					break
				}
			}
		}
	case blockSTM:
		for _, tv := range b.tvars {
			if obj, ok := rt.heap.lookup(tv); ok {
				obj.tvar.unblock(t)
			}
		}
	case blockBlackhole:
		if obj, ok := rt.heap.lookup(b.obj); ok && obj.kind == KindBlackhole {
			obj.bh.removeWaiter(t)
		}
	case blockHost:
		delete(rt.hostWaits, b.token)
	}
}

// finishThread releases a thread that completed or died.
func (rt *Runtime) finishThread(t *Thread, status ThreadStatus) {
	rt.removeBlock(t)
	rt.delayed.remove(t)
	t.status = status
	t.blockedOn = blocker{}
	delete(rt.blocked, t.id)
	t.stack = nil
	t.mask = Unmasked
	t.transaction = Nil
	for _, p := range t.excep {
		if p.sender != nil {
			rt.wakeup(p.sender)
		}
	}
	t.excep = nil
	delete(rt.threads, t.id)

	if status == ThreadDied {
		if t == rt.main {
			rt.log.sched.Errorf("main thread %s died: %v", t, t.err)
		} else {
			rt.log.sched.Warningf("thread %s died: %v", t, t.err)
		}
	} else {
		rt.log.sched.Debugf("thread %s finished", t)
	}
	if rt.opts.Observer != nil {
		rt.opts.Observer.ThreadExited(rt.threadInfo(t))
	}
}

// fail kills t with a non-catchable error. Thunks the thread was
// evaluating are restored so other threads can evaluate them.
func (rt *Runtime) fail(t *Thread, err error) {
	for i := len(t.stack) - 1; i >= 0; i-- {
		f := t.stack[i]
		switch f.Code.kind {
		case frameUpdate:
			rt.abandonThunk(f.Env[0], Nil, true)
		case frameRetryWait:
			rt.unblockTVars(t, f.Env[1:])
		}
	}
	t.err = err
	rt.finishThread(t, ThreadDied)
}
