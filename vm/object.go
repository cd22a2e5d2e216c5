package vm

// Kind tags the variant of a heap object.
type Kind uint8

const (
	KindFree Kind = iota // unallocated arena slot
	KindClosure
	KindThunk
	KindIndirection
	KindBlackhole
	KindMVar
	KindTVar
	KindThread
	KindTransaction
	KindArray
	KindWeak
)

var kindNames = [...]string{
	KindFree:        "free",
	KindClosure:     "closure",
	KindThunk:       "thunk",
	KindIndirection: "indirection",
	KindBlackhole:   "blackhole",
	KindMVar:        "mvar",
	KindTVar:        "tvar",
	KindThread:      "thread",
	KindTransaction: "transaction",
	KindArray:       "array",
	KindWeak:        "weak",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Object is a heap record addressed by a ref Value.
//
// Only the payload matching kind is populated:
//   - Closure, Thunk: code and fields (free variables)
//   - Indirection: fields[0] is the forwarded value
//   - Blackhole: bh (owner, waiters, saved thunk)
//   - Array: fields are the elements
//   - MVar, TVar, Thread, Transaction, Weak: the matching pointer
//
// mark holds the collector epoch once the object is proven live in a cycle.
type Object struct {
	kind   Kind
	mark   uint8
	static bool // survives sweeping (CAFs, runtime-owned constants)

	code   *Code
	fields []Value

	bh     *blackhole
	mvar   *MVar
	tvar   *TVar
	thread *Thread
	tx     *Transaction
	weak   *Weak
}

// Kind returns the object's variant tag.
func (o *Object) Kind() Kind {
	return o.kind
}

// Code returns the entry code of a closure or thunk.
func (o *Object) Code() *Code {
	return o.code
}

// NumFields returns the number of directly held values.
func (o *Object) NumFields() int {
	return len(o.fields)
}

// Field returns the i-th held value.
func (o *Object) Field(i int) Value {
	return o.fields[i]
}

// EachField calls fn for every value the object references. This is the
// collector's view of the object: values reachable only through a weak key
// or a thread's wait registration are not reported here.
func (o *Object) EachField(fn func(Value)) {
	switch o.kind {
	case KindFree:
	case KindClosure, KindThunk, KindIndirection, KindArray:
		for _, v := range o.fields {
			fn(v)
		}
	case KindBlackhole:
		for _, v := range o.bh.saved {
			fn(v)
		}
	case KindMVar:
		if o.mvar.full {
			fn(o.mvar.val)
		}
		for _, w := range o.mvar.writers {
			fn(w.val)
		}
	case KindTVar:
		fn(o.tvar.val)
		for _, inv := range o.tvar.invariants {
			fn(inv.action)
		}
	case KindThread:
		o.thread.eachRoot(fn)
	case KindTransaction:
		o.tx.eachValue(fn)
	case KindWeak:
		// Keys are never traced; the payload is traced by the collector
		// only once the key is proven live.
	}
}

// reset returns the slot to the free state, dropping every payload.
func (o *Object) reset() {
	*o = Object{}
}
