package vm

// caf is a top-level thunk together with what it takes to rebuild it.
type caf struct {
	ref    Value
	code   *Code
	fields []Value
}

// NewCAF allocates a constant applicative form: a shared top-level thunk
// that is evaluated at most once while reachable. When a collection finds
// an evaluated CAF unreachable it is reset to its unevaluated form, so the
// code must be safe to run again.
func (rt *Runtime) NewCAF(code *Code, fields ...Value) Value {
	ref, obj := rt.heap.alloc(KindThunk)
	obj.code = code
	obj.fields = fields
	obj.static = true
	rt.cafs = append(rt.cafs, caf{ref: ref, code: code, fields: fields})
	return ref
}

// CAFs returns the number of registered CAFs.
func (rt *Runtime) CAFs() int {
	return len(rt.cafs)
}

// resetCAF restores an evaluated CAF. CAFs under evaluation are left alone.
func (rt *Runtime) resetCAF(c caf) bool {
	obj, ok := rt.heap.lookup(c.ref)
	if !ok || obj.kind != KindIndirection {
		return false
	}
	obj.kind = KindThunk
	obj.code = c.code
	obj.fields = c.fields
	return true
}
