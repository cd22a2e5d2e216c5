package vm

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// State is the outcome of a Resume call.
type State int

const (
	// StateIdle means no thread is runnable; timers or host completions may
	// still make one runnable later.
	StateIdle State = iota
	// StateYield means the yield budget ran out with work still queued.
	StateYield
	// StateHalted means the main thread has finished or died.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateYield:
		return "yield"
	case StateHalted:
		return "halted"
	}
	return "unknown"
}

// Tick performs one scheduling decision: it absorbs host completions, wakes
// due sleepers, collects if the GC interval elapsed, and runs one slice of
// the next runnable thread. It reports whether a thread ran.
func (rt *Runtime) Tick() bool {
	rt.drainInbox()
	rt.wakeupDelayed()
	rt.maybeGC()
	t := rt.nextReady()
	if t == nil {
		return false
	}
	rt.runSlice(t)
	return true
}

// Resume ticks until nothing is runnable, the main thread halts or the
// yield budget is spent, then asks the host to come back when there is
// more to do.
func (rt *Runtime) Resume() State {
	start := rt.now()
	for {
		if rt.halted() {
			return StateHalted
		}
		if !rt.Tick() {
			if d, ok := rt.NextWakeup(); ok && rt.opts.Host != nil {
				rt.opts.Host.Wakeup(d)
			}
			return StateIdle
		}
		if rt.now().Sub(start) >= rt.opts.YieldAfter {
			if rt.opts.Host != nil {
				rt.opts.Host.Wakeup(0)
			}
			return StateYield
		}
	}
}

// Run forks action as the main thread and drives the scheduler on the
// calling goroutine until it finishes. An uncaught exception in the main
// thread ends the run and is returned as an *UncaughtError.
func (rt *Runtime) Run(ctx context.Context, action Value) (Value, error) {
	rt.main = rt.ForkLabeled("main", action)
	for {
		switch rt.Resume() {
		case StateHalted:
			return rt.mainResult()
		case StateYield:
			if err := ctx.Err(); err != nil {
				return Nil, err
			}
			continue
		}

		d, timed := rt.NextWakeup()
		if !timed && !rt.hostPending() {
			// Nothing can wake anyone: let the collector find deadlocked
			// threads and raise in them.
			if _, err := rt.GC(); err != nil {
				return Nil, err
			}
			if rt.runnable() {
				continue
			}
			return Nil, ErrDeadlock
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if timed {
			timer = time.NewTimer(d)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Nil, ctx.Err()
		case <-rt.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Main returns the thread started by Run.
func (rt *Runtime) Main() *Thread {
	return rt.main
}

func (rt *Runtime) mainResult() (Value, error) {
	if rt.main.status == ThreadDied {
		return Nil, rt.main.err
	}
	return rt.main.result, nil
}

func (rt *Runtime) halted() bool {
	return rt.main != nil && rt.main.Done()
}

// runnable reports whether the ready queue holds a thread that can run.
func (rt *Runtime) runnable() bool {
	found := false
	rt.ready.each(func(t *Thread) {
		if t.status == ThreadRunning {
			found = true
		}
	})
	return found
}

// nextReady dequeues the next runnable thread, dropping stale entries.
func (rt *Runtime) nextReady() *Thread {
	for {
		t := rt.ready.dequeue()
		if t == nil || t.status == ThreadRunning {
			return t
		}
	}
}

// NextWakeup returns how long until the earliest sleeping thread is due.
func (rt *Runtime) NextWakeup() (time.Duration, bool) {
	at, ok := rt.delayed.peek()
	if !ok {
		return 0, false
	}
	d := time.Duration(at - rt.now().UnixNano())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (rt *Runtime) wakeupDelayed() {
	now := rt.now().UnixNano()
	for t := rt.delayed.popDue(now); t != nil; t = rt.delayed.popDue(now) {
		if t.delayed {
			t.delayed = false
			rt.wakeup(t)
		}
	}
}

func (rt *Runtime) maybeGC() {
	if rt.opts.GCInterval <= 0 || rt.now().Sub(rt.gc.last) < rt.opts.GCInterval {
		return
	}
	if _, err := rt.GC(); err != nil {
		rt.log.gc.Errorf("scheduled collection: %v", err)
	}
}

// runSlice runs t until it blocks, yields, finishes or exhausts its slice.
func (rt *Runtime) runSlice(t *Thread) {
	rt.current = t
	rt.exec.t = t
	defer func() {
		rt.current = nil
		rt.exec.t = nil
	}()

	start := rt.now()
	rt.postAsync(t)
	for steps := 1; ; steps++ {
		if t.status != ThreadRunning {
			return
		}
		if len(t.stack) == 0 {
			t.result = t.r1
			rt.finishThread(t, ThreadFinished)
			return
		}
		f := t.pop()
		if f.Code.Entry(&rt.exec, f.Env) == Reschedule {
			switch t.status {
			case ThreadRunning:
				rt.ready.enqueue(t)
			case ThreadBlocked:
				// A masked thread that blocked interruptibly can now
				// receive what was queued for it.
				rt.postAsync(t)
			}
			return
		}
		if steps%rt.opts.Batch == 0 && rt.now().Sub(start) >= rt.opts.Slice {
			rt.ready.enqueue(t)
			return
		}
	}
}
