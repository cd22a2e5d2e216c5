package vm

import (
	"maps"
	"slices"
	"time"
)

// ---------------------------------------------------------------------------
// GC: stop-the-world mark and reclaim
// ---------------------------------------------------------------------------

// Mark epochs alternate between cycles, so objects marked in the previous
// cycle read as unmarked without a clearing pass.
const (
	markEven uint8 = 2
	markOdd  uint8 = 3
)

// GCStats holds statistics from a single collection.
type GCStats struct {
	Cycle        uint64
	Timestamp    time.Time
	Duration     time.Duration
	Marked       int
	Swept        int
	Live         int
	WeaksCleared int
	Finalizers   int
	CAFsReset    int
	Deadlocked   int
}

type gcState struct {
	cycles uint64
	last   time.Time
	stats  GCStats
}

// GCCount returns the number of completed collections.
func (rt *Runtime) GCCount() uint64 {
	return rt.gc.cycles
}

// LastGC returns when the last collection ran and its statistics.
func (rt *Runtime) LastGC() (time.Time, GCStats) {
	return rt.gc.last, rt.gc.stats
}

// marker traces the heap for one cycle.
type marker struct {
	rt     *Runtime
	epoch  uint8
	work   []Value
	weaks  []Value
	marked int
}

func (m *marker) mark(v Value) {
	obj, ok := m.rt.heap.lookup(v)
	if !ok || obj.mark == m.epoch {
		return
	}
	obj.mark = m.epoch
	m.marked++
	if obj.kind == KindWeak {
		m.weaks = append(m.weaks, v)
	}
	m.work = append(m.work, v)
}

func (m *marker) drain() {
	for len(m.work) > 0 {
		v := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		m.rt.heap.get(v).EachField(m.mark)
	}
}

// live reports whether v survives this cycle so far.
func (m *marker) live(v Value) bool {
	if !v.IsRef() {
		return true
	}
	obj, ok := m.rt.heap.lookup(v)
	return ok && (obj.static || obj.mark == m.epoch)
}

// markRetained traces to a fixpoint, including values held by weak
// references and finalizer entries whose keys are proven live.
func (m *marker) markRetained() {
	for {
		m.drain()
		before := m.marked
		for _, fe := range m.rt.finalizers {
			if m.live(fe.w.key) {
				m.mark(fe.w.value)
				m.mark(fe.w.finalizer)
			}
		}
		for i := 0; i < len(m.weaks); i++ {
			w := m.rt.heap.get(m.weaks[i]).weak
			if !w.dead && m.live(w.key) {
				m.mark(w.value)
				m.mark(w.finalizer)
			}
		}
		if m.marked == before && len(m.work) == 0 {
			return
		}
	}
}

// GC runs a full collection. It must not be called while a thread is
// executing.
//
// Roots are running threads, threads blocked on anything other than an
// MVar or a transaction, retained values, host-token MVars and the CAF
// environments. A thread blocked on an MVar or TVars nothing else can
// reach is deadlocked: it receives BlockedIndefinitelyOnMVar or
// BlockedIndefinitelyOnSTM regardless of its mask and becomes a root.
func (rt *Runtime) GC() (GCStats, error) {
	if rt.current != nil {
		return GCStats{}, ErrGCWhileRunning
	}
	start := rt.now()
	rt.epoch = markEven + markOdd - rt.epoch
	m := &marker{rt: rt, epoch: rt.epoch}
	// Static objects are never swept, so a mark from two cycles ago would
	// read as current.
	for _, obj := range rt.heap.objects {
		if obj != nil && obj.static {
			obj.mark = 0
		}
	}
	stats := GCStats{Cycle: rt.gc.cycles + 1, Timestamp: start}

	threads := rt.sortedThreads()
	for _, t := range threads {
		switch {
		case t.status == ThreadRunning:
			m.mark(t.ref)
		case t.status == ThreadBlocked && t.blockedOn.kind != blockMVar && t.blockedOn.kind != blockSTM:
			m.mark(t.ref)
		}
		if t.status == ThreadBlocked {
			t.compact()
		}
	}
	if rt.main != nil && rt.main.Done() {
		m.mark(rt.main.ref)
	}
	for v := range rt.retained {
		m.mark(v)
	}
	for _, mv := range rt.hostMVars {
		m.mark(mv)
	}
	for _, c := range rt.cafs {
		for _, v := range c.fields {
			m.mark(v)
		}
		if rt.opts.RetainCAFs {
			m.mark(c.ref)
		}
	}
	m.markRetained()

	for {
		var victims []*Thread
		for _, t := range threads {
			if t.status == ThreadBlocked && !m.live(t.ref) && rt.waitUnreachable(m, t) {
				victims = append(victims, t)
			}
		}
		if len(victims) == 0 {
			break
		}
		for _, t := range victims {
			ex := rt.exc.blockedMVar
			if t.blockedOn.kind == blockSTM {
				ex = rt.exc.blockedSTM
			}
			rt.log.gc.Warningf("thread %s blocked indefinitely on %s", t, blockNames[t.blockedOn.kind])
			rt.deliverAsync(t, ex)
			m.mark(t.ref)
			stats.Deadlocked++
		}
		m.markRetained()
	}
	for _, t := range threads {
		if !t.Done() {
			m.mark(t.ref)
		}
	}
	m.markRetained()

	var fins []Value
	kept := rt.finalizers[:0]
	for _, fe := range rt.finalizers {
		if m.live(fe.w.key) {
			kept = append(kept, fe)
			continue
		}
		fins = append(fins, fe.w.finalizer)
		fe.w.clear()
		stats.WeaksCleared++
	}
	clear(rt.finalizers[len(kept):])
	rt.finalizers = kept
	if len(fins) > 0 {
		ft := rt.startFinalizers(fins)
		m.mark(ft.ref)
		m.markRetained()
		stats.Finalizers = len(fins)
	}

	for _, ref := range m.weaks {
		w := rt.heap.get(ref).weak
		if !w.dead && !m.live(w.key) {
			w.clear()
			stats.WeaksCleared++
		}
	}

	if !rt.opts.RetainCAFs {
		for _, c := range rt.cafs {
			if obj, ok := rt.heap.lookup(c.ref); ok && obj.mark != m.epoch && rt.resetCAF(c) {
				stats.CAFsReset++
			}
		}
	}

	stats.Marked = m.marked
	stats.Swept = rt.sweep(m.epoch)
	stats.Live = rt.heap.Live()
	stats.Duration = rt.now().Sub(start)

	rt.gc.cycles++
	rt.gc.last = rt.now()
	rt.gc.stats = stats
	rt.log.gc.Debugf("gc %d: marked %d, swept %d, live %d, finalizers %d, deadlocked %d",
		stats.Cycle, stats.Marked, stats.Swept, stats.Live, stats.Finalizers, stats.Deadlocked)
	if rt.opts.Observer != nil {
		rt.opts.Observer.GCFinished(stats)
	}
	return stats, nil
}

// waitUnreachable reports whether nothing live can complete t's MVar or
// STM wait.
func (rt *Runtime) waitUnreachable(m *marker, t *Thread) bool {
	switch t.blockedOn.kind {
	case blockMVar:
		return !m.live(t.blockedOn.obj)
	case blockSTM:
		for _, tv := range t.blockedOn.tvars {
			if m.live(tv) {
				return false
			}
		}
		return true
	}
	return false
}

// sweep reclaims every unmarked object that is not static.
func (rt *Runtime) sweep(epoch uint8) int {
	h := rt.heap
	swept := 0
	for i := 1; i < len(h.objects); i++ {
		obj := h.objects[i]
		if obj == nil || obj.static || obj.mark == epoch {
			continue
		}
		h.release(uint32(i))
		swept++
	}
	return swept
}

func (rt *Runtime) sortedThreads() []*Thread {
	ids := slices.Sorted(maps.Keys(rt.threads))
	out := make([]*Thread, len(ids))
	for i, id := range ids {
		out[i] = rt.threads[id]
	}
	return out
}
