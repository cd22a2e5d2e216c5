package demo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/lazyrt/vm"
	"github.com/google/go-cmp/cmp"
)

func run(t *testing.T, rt *vm.Runtime, main vm.Value) vm.Value {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := rt.Run(ctx, main)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}

func TestPingPong(t *testing.T) {
	rt := vm.New(vm.Options{})
	if got := run(t, rt, PingPong(rt, 25)); got != vm.FromSmallInt(25) {
		t.Errorf("result = %v, want 25", got)
	}
}

func TestBankConservesMoney(t *testing.T) {
	rt := vm.New(vm.Options{})
	b := NewBank(rt, 4, 100)
	total := run(t, rt, b.Main(5))
	if total != vm.FromSmallInt(400) {
		t.Errorf("total = %v, want 400", total)
	}
	if diff := cmp.Diff([]int64{250, 50, 50, 50}, b.Balances()); diff != "" {
		t.Errorf("balances mismatch (-want +got):\n%s", diff)
	}
}

func TestBankInvariantRejectsTheft(t *testing.T) {
	rt := vm.New(vm.Options{})
	b := NewBank(rt, 2, 10)
	theft := atomically(rt, "theft", func(e *vm.Exec, env []vm.Value) vm.Signal {
		return e.WriteTVar(env[0], vm.FromSmallInt(0))
	}, b.accounts[0])
	main := rt.Action("main", func(e *vm.Exec, env []vm.Value) vm.Signal {
		then(e, "steal", func(e *vm.Exec, _ vm.Value, env []vm.Value) vm.Signal {
			return e.Apply(env[0])
		}, env[0])
		return e.Apply(atomically(e.Runtime(), "setup", func(e *vm.Exec, _ []vm.Value) vm.Signal {
			return e.AddInvariant(b.Conserved())
		}))
	}, theft)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := rt.Run(ctx, main); !errors.Is(err, vm.ErrInvariantViolation) {
		t.Fatalf("Run error = %v, want an invariant violation", err)
	}
	if diff := cmp.Diff([]int64{10, 10}, b.Balances()); diff != "" {
		t.Errorf("balances mismatch (-want +got):\n%s", diff)
	}
}

func TestSharedThunkEvaluatedOnce(t *testing.T) {
	rt := vm.New(vm.Options{})
	evals := 0
	sum := run(t, rt, SharedThunk(rt, 6, &evals))
	if sum != vm.FromSmallInt(6*42) {
		t.Errorf("sum = %v, want %d", sum, 6*42)
	}
	if evals != 1 {
		t.Errorf("evaluated %d times, want 1", evals)
	}
}

func TestFinalizersRun(t *testing.T) {
	rt := vm.New(vm.Options{})
	f := NewFinalizers(rt, 3)
	if got := run(t, rt, f.Main()); got != vm.FromSmallInt(3) {
		t.Errorf("finalizers ran = %v, want 3", got)
	}
	if f.Cleared() != 3 {
		t.Errorf("cleared = %d, want 3", f.Cleared())
	}
}

func TestDeadlockBroken(t *testing.T) {
	rt := vm.New(vm.Options{})
	var caught []string
	run(t, rt, Deadlock(rt, &caught))
	want := []string{"BlockedIndefinitelyOnSTM", "BlockedIndefinitelyOnMVar"}
	if diff := cmp.Diff(want, caught); diff != "" {
		t.Errorf("caught mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry(t *testing.T) {
	var names []string
	for _, d := range All() {
		names = append(names, d.Name)
		if d.Description == "" || d.Run == nil {
			t.Errorf("demo %q is incomplete", d.Name)
		}
	}
	want := []string{"bank", "deadlock", "finalizers", "pingpong", "thunk"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("demo names mismatch (-want +got):\n%s", diff)
	}
	if _, ok := Lookup("nope"); ok {
		t.Error("Lookup found a demo that does not exist")
	}
}

func TestEveryDemoReports(t *testing.T) {
	for _, d := range All() {
		t.Run(d.Name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			report, err := d.Run(ctx, vm.New(vm.DefaultOptions()))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report == "" {
				t.Error("empty report")
			}
		})
	}
}

// steppingClock moves forward by step every time it is read.
func steppingClock(step time.Duration) func() time.Time {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestEveryDemoSurvivesCollectionEachTick(t *testing.T) {
	for _, d := range All() {
		t.Run(d.Name, func(t *testing.T) {
			// Every clock reading passes the interval, so the scheduler
			// collects before each slice.
			rt := vm.New(vm.Options{Clock: steppingClock(time.Millisecond), GCInterval: time.Nanosecond})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			report, err := d.Run(ctx, rt)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report == "" {
				t.Error("empty report")
			}
			if rt.GCCount() == 0 {
				t.Error("no collection ran")
			}
		})
	}
}

func TestDeadlockBrokenUnderConstantCollection(t *testing.T) {
	rt := vm.New(vm.Options{Clock: steppingClock(time.Millisecond), GCInterval: time.Nanosecond})
	var caught []string
	run(t, rt, Deadlock(rt, &caught))
	want := []string{"BlockedIndefinitelyOnSTM", "BlockedIndefinitelyOnMVar"}
	if diff := cmp.Diff(want, caught); diff != "" {
		t.Errorf("caught mismatch (-want +got):\n%s", diff)
	}
}
