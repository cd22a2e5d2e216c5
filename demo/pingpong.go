package demo

import (
	"context"
	"fmt"

	"github.com/chazu/lazyrt/vm"
)

// PingPongRounds is the number of exchanges the pingpong demo performs.
const PingPongRounds = 1000

func init() {
	register(Demo{
		Name:        "pingpong",
		Description: "two threads pass a counter back and forth through a pair of MVars",
		Run: func(ctx context.Context, rt *vm.Runtime) (string, error) {
			v, err := rt.Run(ctx, PingPong(rt, PingPongRounds))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("ball returned %d times", v.SmallInt()), nil
		},
	})
}

// PingPong builds a main action that forks a ponger and bounces a counter
// off it rounds times. The result is the final counter.
func PingPong(rt *vm.Runtime, rounds int) vm.Value {
	ping := rt.Retain(rt.NewMVar())
	pong := rt.Retain(rt.NewMVar())

	ponger := action(rt, "ponger", func(e *vm.Exec) vm.Signal {
		return repeat(e, rounds, func(e *vm.Exec, _ int) vm.Signal {
			then(e, "pong", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
				return e.PutMVar(pong, vm.FromSmallInt(v.SmallInt()+1))
			})
			return e.TakeMVar(ping)
		})
	})

	return rt.Action("pinger", func(e *vm.Exec, env []vm.Value) vm.Signal {
		e.LabelThread(e.Fork(env[0]), "ponger")
		ball := vm.FromSmallInt(0)
		then(e, "done", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			rt.Release(ping)
			rt.Release(pong)
			return e.Return(ball)
		})
		return repeat(e, rounds, func(e *vm.Exec, _ int) vm.Signal {
			then(e, "ping", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
				then(e, "catch", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
					ball = v
					return e.Return(vm.Unit)
				})
				return e.TakeMVar(pong)
			})
			return e.PutMVar(ping, ball)
		})
	}, ponger)
}
