package vm

import (
	"time"
)

// ThreadInfo is a read-only view of one thread.
type ThreadInfo struct {
	ID         uint64
	Label      string
	Status     string
	Mask       string
	BlockedOn  string
	StackDepth int
	Pending    int
	Error      string
}

func (rt *Runtime) threadInfo(t *Thread) ThreadInfo {
	info := ThreadInfo{
		ID:         t.id,
		Label:      t.label,
		Status:     t.status.String(),
		Mask:       t.mask.String(),
		StackDepth: len(t.stack),
		Pending:    len(t.excep),
	}
	if t.status == ThreadBlocked {
		info.BlockedOn = blockNames[t.blockedOn.kind]
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// Diagnostics is a point-in-time summary of a runtime.
type Diagnostics struct {
	RuntimeID  string
	Taken      time.Time
	Threads    []ThreadInfo
	Ready      int
	Blocked    int
	Delayed    int
	HeapLive   int
	HeapSlots  int
	Allocated  uint64
	Kinds      map[string]int
	GCCycles   uint64
	LastGC     time.Time
	LastStats  GCStats
	Finalizers int
	CAFs       int
}

// Diagnostics collects a summary of threads, heap and collector state.
func (rt *Runtime) Diagnostics() Diagnostics {
	d := Diagnostics{
		RuntimeID:  rt.id.String(),
		Taken:      rt.now(),
		Blocked:    len(rt.blocked),
		Delayed:    rt.delayed.len(),
		HeapLive:   rt.heap.Live(),
		HeapSlots:  rt.heap.Capacity(),
		Allocated:  rt.heap.Allocated(),
		Kinds:      make(map[string]int),
		GCCycles:   rt.gc.cycles,
		LastGC:     rt.gc.last,
		LastStats:  rt.gc.stats,
		Finalizers: len(rt.finalizers),
		CAFs:       len(rt.cafs),
	}
	for _, t := range rt.sortedThreads() {
		d.Threads = append(d.Threads, rt.threadInfo(t))
	}
	rt.ready.each(func(t *Thread) {
		if t.status == ThreadRunning {
			d.Ready++
		}
	})
	for _, obj := range rt.heap.objects[1:] {
		if obj != nil {
			d.Kinds[obj.kind.String()]++
		}
	}
	return d
}
