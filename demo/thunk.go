package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/chazu/lazyrt/vm"
)

// SharedThunkForcers is the number of threads racing to force the thunk.
const SharedThunkForcers = 8

func init() {
	register(Demo{
		Name:        "thunk",
		Description: "many threads force one slow thunk; blackholing makes it run once",
		Run: func(ctx context.Context, rt *vm.Runtime) (string, error) {
			evals := 0
			v, err := rt.Run(ctx, SharedThunk(rt, SharedThunkForcers, &evals))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d threads saw %d, thunk evaluated %d time(s)",
				SharedThunkForcers, v.SmallInt()/SharedThunkForcers, evals), nil
		},
	})
}

// SharedThunk builds a main action forking forcers threads that all force
// one thunk, returning the sum of what they saw. evals counts how often
// the thunk body ran.
func SharedThunk(rt *vm.Runtime, forcers int, evals *int) vm.Value {
	slow := rt.Retain(rt.NewThunk(vm.NewCode("slow-answer", func(e *vm.Exec, env []vm.Value) vm.Signal {
		*evals++
		then(e, "answer", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			return e.Return(vm.FromSmallInt(42))
		})
		return e.Delay(5 * time.Millisecond)
	})))
	results := rt.Retain(rt.NewMVar())

	forcer := action(rt, "forcer", func(e *vm.Exec) vm.Signal {
		then(e, "report", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
			return e.PutMVar(results, v)
		})
		return e.Force(slow)
	})

	return rt.Action("shared-thunk", func(e *vm.Exec, env []vm.Value) vm.Signal {
		for range forcers {
			e.Fork(env[0])
		}
		var sum int64
		then(e, "sum", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			rt.Release(slow)
			rt.Release(results)
			return e.Return(vm.FromSmallInt(sum))
		})
		return repeat(e, forcers, func(e *vm.Exec, _ int) vm.Signal {
			then(e, "collect", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
				sum += v.SmallInt()
				return e.Return(vm.Unit)
			})
			return e.TakeMVar(results)
		})
	}, forcer)
}
