package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Thread: a cooperative green thread
// ---------------------------------------------------------------------------

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus int

const (
	ThreadRunning ThreadStatus = iota
	ThreadBlocked
	ThreadFinished
	ThreadDied
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadBlocked:
		return "blocked"
	case ThreadFinished:
		return "finished"
	case ThreadDied:
		return "died"
	}
	return "unknown"
}

// MaskState controls delivery of asynchronous exceptions.
type MaskState int

const (
	Unmasked MaskState = iota
	MaskedInterruptible
	MaskedUninterruptible
)

func (m MaskState) String() string {
	switch m {
	case Unmasked:
		return "unmasked"
	case MaskedInterruptible:
		return "masked-interruptible"
	case MaskedUninterruptible:
		return "masked-uninterruptible"
	}
	return "unknown"
}

// blockKind names the structure a blocked thread is registered with.
type blockKind int

const (
	blockNone blockKind = iota
	blockMVar
	blockSTM
	blockBlackhole
	blockThread
	blockDelay
	blockHost
)

var blockNames = [...]string{
	blockNone:      "",
	blockMVar:      "mvar",
	blockSTM:       "stm",
	blockBlackhole: "blackhole",
	blockThread:    "thread",
	blockDelay:     "delay",
	blockHost:      "host",
}

// blocker records what a thread waits on so the wait can be undone when an
// asynchronous exception interrupts it.
type blocker struct {
	kind  blockKind
	obj   Value   // MVar, Blackhole or target Thread
	tvars []Value // read-set of a retrying transaction
	token Token   // host completion
}

// pendingException is an asynchronous exception queued on a masked thread.
// sender is nil for exceptions raised by the runtime itself or when the
// sending thread gave up waiting.
type pendingException struct {
	sender *Thread
	exc    Value
}

// Thread is one cooperative thread. Its stack is plain data so the
// collector can scan parked threads.
type Thread struct {
	id    uint64
	ref   Value
	label string

	status ThreadStatus
	stack  []Frame
	r1     Value

	mask          MaskState
	interruptible bool
	excep         []pendingException

	blockedOn blocker
	delayed   bool
	wakeAt    int64 // unix nanos, valid while delayed
	heapIndex int   // position in the delayed set, -1 when absent

	transaction Value

	result Value
	err    error

	sync          bool
	continueAsync bool
}

// ID returns the thread's numeric identifier.
func (t *Thread) ID() uint64 {
	return t.id
}

// Ref returns the heap value naming this thread (its ThreadId).
func (t *Thread) Ref() Value {
	return t.ref
}

// Label returns the diagnostic label, if any.
func (t *Thread) Label() string {
	return t.label
}

// Status returns the lifecycle state.
func (t *Thread) Status() ThreadStatus {
	return t.status
}

// Mask returns the current mask state.
func (t *Thread) Mask() MaskState {
	return t.mask
}

// Result returns the final value of a finished thread.
func (t *Thread) Result() Value {
	return t.result
}

// Err returns the uncaught error of a thread that died.
func (t *Thread) Err() error {
	return t.err
}

// Done reports whether the thread finished or died.
func (t *Thread) Done() bool {
	return t.status == ThreadFinished || t.status == ThreadDied
}

// StackDepth returns the number of frames on the stack.
func (t *Thread) StackDepth() int {
	return len(t.stack)
}

func (t *Thread) String() string {
	if t == nil {
		return "<no thread>"
	}
	if t.label != "" {
		return fmt.Sprintf("%s (%d)", t.label, t.id)
	}
	return fmt.Sprintf("%d", t.id)
}

func (t *Thread) push(f Frame) {
	t.stack = append(t.stack, f)
}

func (t *Thread) pop() Frame {
	n := len(t.stack) - 1
	f := t.stack[n]
	t.stack[n] = Frame{}
	t.stack = t.stack[:n]
	return f
}

func (t *Thread) top() *Frame {
	if len(t.stack) == 0 {
		return nil
	}
	return &t.stack[len(t.stack)-1]
}

// compactThreshold is the stack capacity below which parked stacks are
// never reallocated.
const compactThreshold = 100

// compact releases the unused part of a parked thread's stack. A stack using
// less than half its capacity past the threshold is copied into a right-sized
// slice; otherwise the slack is cleared so stale frames hold no references.
func (t *Thread) compact() {
	n, c := len(t.stack), cap(t.stack)
	if c-n > n && c > compactThreshold {
		s := make([]Frame, n, n+n/2+1)
		copy(s, t.stack)
		t.stack = s
		return
	}
	slack := t.stack[n:c]
	for i := range slack {
		slack[i] = Frame{}
	}
}

// eachRoot reports every value the thread keeps alive: its stack, return
// register, transaction, queued exceptions and the object it waits on.
func (t *Thread) eachRoot(fn func(Value)) {
	for i := range t.stack {
		for _, v := range t.stack[i].Env {
			fn(v)
		}
	}
	fn(t.r1)
	fn(t.result)
	fn(t.transaction)
	for _, p := range t.excep {
		fn(p.exc)
	}
	if t.status == ThreadBlocked {
		fn(t.blockedOn.obj)
		for _, tv := range t.blockedOn.tvars {
			fn(tv)
		}
	}
}
