package demo

import (
	"context"
	"fmt"

	"github.com/chazu/lazyrt/vm"
)

func init() {
	register(Demo{
		Name:        "deadlock",
		Description: "threads blocked on unreachable MVars and TVars receive BlockedIndefinitely exceptions",
		Run: func(ctx context.Context, rt *vm.Runtime) (string, error) {
			var caught []string
			if _, err := rt.Run(ctx, Deadlock(rt, &caught)); err != nil {
				return "", err
			}
			return fmt.Sprintf("caught %v", caught), nil
		},
	})
}

// Deadlock builds a main action that forks a thread retrying on a TVar
// nobody else can see, waits for it, then takes from an MVar nobody else
// can see. Each wait is broken by the collector; the names of the caught
// exceptions are appended to caught in order.
func Deadlock(rt *vm.Runtime, caught *[]string) vm.Value {
	childDone := rt.Retain(rt.NewMVar())

	record := rt.Action("record", func(e *vm.Exec, env []vm.Value) vm.Signal {
		name := "?"
		if code := e.Runtime().ExceptionCode(env[0]); code != nil {
			name = code.Name
		}
		*caught = append(*caught, name)
		return e.Return(vm.Unit)
	})

	stuckSTM := rt.Action("stuck-stm", func(e *vm.Exec, env []vm.Value) vm.Signal {
		tv := e.Runtime().NewTVar(vm.False)
		wait := atomically(e.Runtime(), "wait", func(e *vm.Exec, env []vm.Value) vm.Signal {
			then(e, "check", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
				return e.Check(v == vm.True)
			})
			return e.ReadTVar(env[0])
		}, tv)
		then(e, "child-done", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			return e.PutMVar(childDone, vm.Unit)
		})
		return e.Catch(wait, env[0])
	}, record)

	stuckMVar := action(rt, "stuck-mvar", func(e *vm.Exec) vm.Signal {
		return e.TakeMVar(e.Runtime().NewMVar())
	})

	return rt.Action("deadlock", func(e *vm.Exec, env []vm.Value) vm.Signal {
		stuckSTM, stuckMVar, record := env[0], env[1], env[2]
		e.LabelThread(e.Fork(stuckSTM), "stuck-stm")
		then(e, "second", func(e *vm.Exec, _ vm.Value, env []vm.Value) vm.Signal {
			rt.Release(childDone)
			return e.Catch(env[0], env[1])
		}, stuckMVar, record)
		return e.TakeMVar(childDone)
	}, stuckSTM, stuckMVar, record)
}
