package demo

import (
	"context"
	"fmt"

	"github.com/chazu/lazyrt/vm"
)

// FinalizerObjects is the number of weakly referenced objects created.
const FinalizerObjects = 5

func init() {
	register(Demo{
		Name:        "finalizers",
		Description: "weak references to dropped objects are cleared and their finalizers run",
		Run: func(ctx context.Context, rt *vm.Runtime) (string, error) {
			f := NewFinalizers(rt, FinalizerObjects)
			v, err := rt.Run(ctx, f.Main())
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d finalizers ran, %d weak references cleared", v.SmallInt(), f.Cleared()), nil
		},
	})
}

// Finalizers allocates objects, keeps only weak references to them and
// waits for the collector to finalize them.
type Finalizers struct {
	rt    *vm.Runtime
	n     int
	weaks []vm.Value
	done  vm.Value
}

// NewFinalizers prepares a demo over n objects.
func NewFinalizers(rt *vm.Runtime, n int) *Finalizers {
	return &Finalizers{rt: rt, n: n, done: rt.Retain(rt.NewMVar())}
}

var payloadCode = vm.NewCode("payload", func(e *vm.Exec, env []vm.Value) vm.Signal {
	return e.Return(vm.Unit)
})

// Main creates the weak references and then blocks until every finalizer
// has reported. Blocking with nothing runnable makes the scheduler collect,
// which schedules the finalizers.
func (f *Finalizers) Main() vm.Value {
	rt := f.rt
	return action(rt, "finalizers", func(e *vm.Exec) vm.Signal {
		for i := range f.n {
			key := rt.NewArray(4, vm.FromSmallInt(int64(i)))
			fin := action(rt, "finalize", func(e *vm.Exec) vm.Signal {
				return e.PutMVar(f.done, vm.FromSmallInt(int64(i)))
			})
			w, err := rt.MakeWeak(key, rt.NewClosure(payloadCode, key), fin)
			if err != nil {
				return e.Fail(err)
			}
			f.weaks = append(f.weaks, rt.Retain(w))
		}
		ran := 0
		then(e, "finished", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			rt.Release(f.done)
			return e.Return(vm.FromSmallInt(int64(ran)))
		})
		return repeat(e, f.n, func(e *vm.Exec, _ int) vm.Signal {
			then(e, "count", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
				ran++
				return e.Return(vm.Unit)
			})
			return e.TakeMVar(f.done)
		})
	})
}

// Cleared counts weak references that no longer dereference.
func (f *Finalizers) Cleared() int {
	n := 0
	for _, w := range f.weaks {
		if _, ok := f.rt.DeRefWeak(w); !ok {
			n++
		}
	}
	return n
}
