package vm

// ---------------------------------------------------------------------------
// Code and continuation frames
// ---------------------------------------------------------------------------

// Signal tells the scheduler what to do after a frame's entry returns.
type Signal int

const (
	// Continue pops the next frame off the current thread's stack.
	Continue Signal = iota
	// Reschedule ends the thread's slice: it blocked, yielded or finished.
	Reschedule
)

// Entry is the body of a code block. env holds the frame's captured values
// (a closure's fields followed by any applied arguments); the incoming
// return value is available through Exec.Value.
type Entry func(e *Exec, env []Value) Signal

// frameKind marks frames the unwinder and the retry machinery must
// recognise. Ordinary code has frameOrdinary.
type frameKind uint8

const (
	frameOrdinary frameKind = iota
	frameUpdate
	frameCatch
	frameRestoreMask
	frameAtomically
	frameCatchRetry
	frameCatchSTM
	frameInvariant
	frameRetryWait
)

// Code is a named entry point. Closures and thunks point at Code; frames
// pair Code with the environment it runs in.
type Code struct {
	Name  string
	Entry Entry

	kind frameKind
	// err is the Go sentinel an exception constructed with this code
	// unwraps to.
	err error
}

// NewCode creates a code block.
func NewCode(name string, entry Entry) *Code {
	return &Code{Name: name, Entry: entry}
}

// NewExceptionCode creates a constructor code for exception values. An
// uncaught exception built from it unwraps to err.
func NewExceptionCode(name string, err error) *Code {
	return &Code{Name: name, Entry: returnSelf, err: err}
}

func (c *Code) String() string {
	if c == nil {
		return "<nil code>"
	}
	return c.Name
}

// Frame is one continuation on a thread's stack. Env is scanned by the
// collector, so every heap value a frame needs must live there.
type Frame struct {
	Code *Code
	Env  []Value
}

// returnSelf is the entry of data constructors: applying one is an error in
// well-formed programs, so it just returns its first field.
func returnSelf(e *Exec, env []Value) Signal {
	if len(env) > 0 {
		return e.Return(env[0])
	}
	return e.Return(Unit)
}

// ---------------------------------------------------------------------------
// Internal frames shared across subsystems
// ---------------------------------------------------------------------------

var (
	// applyCode applies env[0] to env[1:].
	applyCode = &Code{Name: "apply", Entry: func(e *Exec, env []Value) Signal {
		return e.Apply(env[0], env[1:]...)
	}}

	// applyResultCode applies the incoming value to env.
	applyResultCode *Code

	// applyToCode applies env[0] to the incoming value.
	applyToCode = &Code{Name: "apply-to", Entry: func(e *Exec, env []Value) Signal {
		return e.Apply(env[0], e.Value())
	}}

	// returnCode discards the incoming value and returns env[0].
	returnCode = &Code{Name: "return", Entry: func(e *Exec, env []Value) Signal {
		return e.Return(env[0])
	}}
)

func init() {
	applyResultCode = &Code{Name: "apply-result", Entry: func(e *Exec, env []Value) Signal {
		return e.Apply(e.Value(), env...)
	}}
}

// ---------------------------------------------------------------------------
// Action combinators
// ---------------------------------------------------------------------------

var (
	pureCode = &Code{Name: "pure", Entry: func(e *Exec, env []Value) Signal {
		return e.Return(env[0])
	}}

	thenCode = &Code{Name: "then", Entry: func(e *Exec, env []Value) Signal {
		e.Push(applyCode, env[1])
		return e.Apply(env[0])
	}}

	bindCode = &Code{Name: "bind", Entry: func(e *Exec, env []Value) Signal {
		e.Push(applyToCode, env[1])
		return e.Apply(env[0])
	}}
)

// Pure builds an action that returns v.
func (rt *Runtime) Pure(v Value) Value {
	return rt.NewClosure(pureCode, v)
}

// Then builds an action that runs a, discards its result and runs b.
func (rt *Runtime) Then(a, b Value) Value {
	return rt.NewClosure(thenCode, a, b)
}

// Bind builds an action that runs a and applies k to its result.
func (rt *Runtime) Bind(a, k Value) Value {
	return rt.NewClosure(bindCode, a, k)
}

// Action builds a zero-argument closure over fields running fn.
func (rt *Runtime) Action(name string, fn Entry, fields ...Value) Value {
	return rt.NewClosure(NewCode(name, fn), fields...)
}
