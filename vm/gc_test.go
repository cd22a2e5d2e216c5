package vm

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingObserver struct {
	exits []ThreadInfo
	gcs   []GCStats
}

func (o *recordingObserver) ThreadExited(info ThreadInfo) {
	o.exits = append(o.exits, info)
}

func (o *recordingObserver) GCFinished(stats GCStats) {
	o.gcs = append(o.gcs, stats)
}

var noopCode = NewCode("noop", func(e *Exec, env []Value) Signal {
	return e.Return(Unit)
})

func mustGC(t *testing.T, rt *Runtime) GCStats {
	t.Helper()
	stats, err := rt.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	return stats
}

func TestGCSweepsUnreachable(t *testing.T) {
	rt, _ := newTestRuntime(t)
	garbage := rt.NewClosure(noopCode)
	kept := rt.Retain(rt.NewClosure(noopCode, garbage))
	lost := rt.NewClosure(noopCode)

	stats := mustGC(t, rt)
	if !rt.Alive(kept) || !rt.Alive(garbage) {
		t.Error("retained closure or its field was collected")
	}
	if rt.Alive(lost) {
		t.Error("unreachable closure survived")
	}
	if stats.Swept != 1 {
		t.Errorf("swept = %d, want 1", stats.Swept)
	}
	if stats.Cycle != 1 || rt.GCCount() != 1 {
		t.Errorf("cycle = %d, count = %d", stats.Cycle, rt.GCCount())
	}

	// Stale references must not alias a reused slot.
	fresh := rt.NewClosure(noopCode)
	if fresh == lost || rt.Alive(lost) {
		t.Error("stale reference resolves after slot reuse")
	}
}

func TestRetainIsCounted(t *testing.T) {
	rt, _ := newTestRuntime(t)
	v := rt.NewClosure(noopCode)
	rt.Retain(v)
	rt.Retain(v)
	rt.Release(v)
	mustGC(t, rt)
	if !rt.Alive(v) {
		t.Fatal("value collected while still retained once")
	}
	rt.Release(v)
	mustGC(t, rt)
	if rt.Alive(v) {
		t.Error("value survived after its last release")
	}
}

func TestGCRefusedWhileRunning(t *testing.T) {
	rt, _ := newTestRuntime(t)
	var err error
	rt.Fork(act(rt, "collect", func(e *Exec) Signal {
		_, err = e.Runtime().GC()
		return e.Return(Unit)
	}))
	drain(t, rt)
	if !errors.Is(err, ErrGCWhileRunning) {
		t.Errorf("err = %v, want ErrGCWhileRunning", err)
	}
}

func TestGCPreservesLiveThreads(t *testing.T) {
	rt, clock := newTestRuntime(t)
	cell := rt.NewClosure(noopCode)
	var got Value
	th := rt.Fork(rt.Action("sleeper", func(e *Exec, env []Value) Signal {
		after(e, func(e *Exec, _ Value, env []Value) Signal {
			got = env[0]
			return e.Return(Unit)
		}, env[0])
		return e.Delay(time.Second)
	}, cell))
	drain(t, rt)
	mustGC(t, rt)
	if !rt.Alive(cell) {
		t.Fatal("value held by a sleeping thread was collected")
	}
	clock.Advance(time.Second)
	drain(t, rt)
	wantStatus(t, th, ThreadFinished)
	if got != cell {
		t.Errorf("got %v, want %v", got, cell)
	}
}

func TestGCKeepsContinuationEnvOfParkedThread(t *testing.T) {
	rt, _ := newTestRuntime(t)
	mv := rt.Retain(rt.NewMVar())
	cell := rt.NewArray(1, FromSmallInt(7))
	th := rt.Fork(rt.Action("taker", func(e *Exec, env []Value) Signal {
		after(e, func(e *Exec, v Value, env []Value) Signal {
			n := e.Runtime().ArrayGet(env[0], 0).SmallInt()
			return e.Return(FromSmallInt(n + v.SmallInt()))
		}, env[0])
		return e.TakeMVar(mv)
	}, cell))
	drain(t, rt)
	wantStatus(t, th, ThreadBlocked)

	// Two cycles so both mark epochs have been used.
	mustGC(t, rt)
	mustGC(t, rt)
	if !rt.Alive(cell) {
		t.Fatal("value carried by a parked continuation was collected")
	}

	rt.WriteMVar(mv, FromSmallInt(1))
	drain(t, rt)
	wantStatus(t, th, ThreadFinished)
	if th.Result() != FromSmallInt(8) {
		t.Errorf("result = %v, want 8", th.Result())
	}
}

// ---------------------------------------------------------------------------
// CAFs
// ---------------------------------------------------------------------------

func newCounterCAF(rt *Runtime, count *int) Value {
	return rt.NewCAF(NewCode("counter", func(e *Exec, env []Value) Signal {
		*count++
		return e.Return(FromSmallInt(int64(*count)))
	}))
}

func TestUnreachableCAFIsReset(t *testing.T) {
	rt, _ := newTestRuntime(t)
	count := 0
	c := newCounterCAF(rt, &count)
	var r Value
	forcer(rt, c, &r)
	drain(t, rt)
	forcer(rt, c, &r)
	drain(t, rt)
	if count != 1 {
		t.Fatalf("evaluated %d times before collection, want 1", count)
	}

	stats := mustGC(t, rt)
	if stats.CAFsReset != 1 {
		t.Errorf("CAFs reset = %d, want 1", stats.CAFsReset)
	}
	if !rt.Alive(c) {
		t.Fatal("CAF object was swept")
	}
	forcer(rt, c, &r)
	drain(t, rt)
	if count != 2 || r != FromSmallInt(2) {
		t.Errorf("count = %d, result = %v after reset; want 2", count, r)
	}
}

func TestReachableCAFIsKept(t *testing.T) {
	rt, _ := newTestRuntime(t)
	count := 0
	c := rt.Retain(newCounterCAF(rt, &count))
	var r Value
	forcer(rt, c, &r)
	drain(t, rt)
	if stats := mustGC(t, rt); stats.CAFsReset != 0 {
		t.Errorf("CAFs reset = %d, want 0", stats.CAFsReset)
	}
	forcer(rt, c, &r)
	drain(t, rt)
	if count != 1 {
		t.Errorf("evaluated %d times, want 1", count)
	}
}

func TestRetainCAFsOption(t *testing.T) {
	clock := newFakeClock()
	rt := New(Options{Clock: clock.Now, RetainCAFs: true})
	count := 0
	c := newCounterCAF(rt, &count)
	var r Value
	forcer(rt, c, &r)
	drain(t, rt)
	mustGC(t, rt)
	mustGC(t, rt)
	forcer(rt, c, &r)
	drain(t, rt)
	if count != 1 {
		t.Errorf("evaluated %d times with RetainCAFs, want 1", count)
	}
	if rt.CAFs() != 1 {
		t.Errorf("CAFs = %d", rt.CAFs())
	}
}

// ---------------------------------------------------------------------------
// Deadlock detection
// ---------------------------------------------------------------------------

func TestBlockedIndefinitelyOnSTM(t *testing.T) {
	rt, _ := newTestRuntime(t)
	tv := rt.NewTVar(FromSmallInt(0))
	waiter := rt.Fork(atomic(rt, act(rt, "wait", func(e *Exec) Signal {
		after(e, func(e *Exec, v Value, _ []Value) Signal {
			return e.Retry()
		})
		return e.ReadTVar(tv)
	})))
	drain(t, rt)
	wantStatus(t, waiter, ThreadBlocked)

	stats := mustGC(t, rt)
	if stats.Deadlocked != 1 {
		t.Errorf("deadlocked = %d, want 1", stats.Deadlocked)
	}
	drain(t, rt)
	wantStatus(t, waiter, ThreadDied)
	if !errors.Is(waiter.Err(), ErrBlockedIndefinitelyOnSTM) {
		t.Errorf("err = %v, want ErrBlockedIndefinitelyOnSTM", waiter.Err())
	}
	if mustTVar(t, rt, tv).Blocked() != 0 {
		t.Error("dead thread still registered on the tvar")
	}
}

func TestReachableMVarIsNotDeadlock(t *testing.T) {
	rt, _ := newTestRuntime(t)
	mv := rt.Retain(rt.NewMVar())
	var got int64
	th := taker(rt, mv, &got)
	drain(t, rt)
	if stats := mustGC(t, rt); stats.Deadlocked != 0 {
		t.Errorf("deadlocked = %d, want 0", stats.Deadlocked)
	}
	rt.WriteMVar(mv, FromSmallInt(3))
	drain(t, rt)
	wantStatus(t, th, ThreadFinished)
	if got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestDeadlockedHandlerCanRecover(t *testing.T) {
	rt, _ := newTestRuntime(t)
	var caught bool
	handler := rt.Action("handler", func(e *Exec, env []Value) Signal {
		caught = e.Runtime().ExceptionCode(env[0]) == BlockedIndefinitelyOnMVarCode
		return e.Return(False)
	})
	th := rt.Fork(act(rt, "main", func(e *Exec) Signal {
		rt := e.Runtime()
		return e.Mask(MaskedUninterruptible, act(rt, "take", func(e *Exec) Signal {
			return e.Catch(act(rt, "take", func(e *Exec) Signal {
				return e.TakeMVar(e.Runtime().NewMVar())
			}), handler)
		}))
	}))
	drain(t, rt)
	mustGC(t, rt)
	drain(t, rt)
	wantStatus(t, th, ThreadFinished)
	if !caught {
		t.Error("handler did not receive BlockedIndefinitelyOnMVar")
	}
	if th.Result() != False {
		t.Errorf("result = %v, want the handler's value", th.Result())
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

func TestObserverNotified(t *testing.T) {
	clock := newFakeClock()
	obs := &recordingObserver{}
	rt := New(Options{Clock: clock.Now, Observer: obs})
	th := rt.ForkLabeled("worker", rt.Pure(Unit))
	drain(t, rt)
	mustGC(t, rt)

	if len(obs.exits) != 1 {
		t.Fatalf("exits = %d, want 1", len(obs.exits))
	}
	want := ThreadInfo{ID: th.ID(), Label: "worker", Status: ThreadFinished.String(), Mask: Unmasked.String()}
	if diff := cmp.Diff(want, obs.exits[0]); diff != "" {
		t.Errorf("exit info mismatch (-want +got):\n%s", diff)
	}
	if len(obs.gcs) != 1 || obs.gcs[0].Cycle != 1 {
		t.Errorf("gc notifications = %+v", obs.gcs)
	}
}

func TestAutomaticCollection(t *testing.T) {
	clock := newFakeClock()
	rt := New(Options{Clock: clock.Now, GCInterval: time.Second})
	rt.Fork(act(rt, "sleep", func(e *Exec) Signal {
		return e.Delay(2 * time.Second)
	}))
	drain(t, rt)
	if rt.GCCount() != 0 {
		t.Fatalf("collected before the interval elapsed")
	}
	clock.Advance(2 * time.Second)
	drain(t, rt)
	if rt.GCCount() == 0 {
		t.Error("no automatic collection after the interval")
	}
}

func TestDiagnostics(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.ForkLabeled("sleeper", act(rt, "sleep", func(e *Exec) Signal {
		return e.Delay(time.Minute)
	}))
	rt.NewTVar(Unit)
	drain(t, rt)
	mustGC(t, rt)

	d := rt.Diagnostics()
	if d.RuntimeID != rt.ID().String() {
		t.Errorf("runtime id = %q", d.RuntimeID)
	}
	if d.Delayed != 1 || d.Blocked != 1 || d.Ready != 0 {
		t.Errorf("delayed/blocked/ready = %d/%d/%d, want 1/1/0", d.Delayed, d.Blocked, d.Ready)
	}
	if len(d.Threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(d.Threads))
	}
	info := d.Threads[0]
	if info.Label != "sleeper" || info.BlockedOn != "delay" || info.Status != ThreadBlocked.String() {
		t.Errorf("thread info = %+v", info)
	}
	if d.Kinds["thread"] != 1 || d.Kinds["tvar"] != 0 {
		t.Errorf("kinds = %v", d.Kinds)
	}
	if d.GCCycles != 1 || d.LastStats.Cycle != 1 {
		t.Errorf("gc cycles = %d, last = %+v", d.GCCycles, d.LastStats)
	}
	if d.HeapLive != rt.Heap().Live() {
		t.Errorf("heap live = %d, want %d", d.HeapLive, rt.Heap().Live())
	}
}
