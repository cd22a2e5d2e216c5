// Package demo holds small programs that exercise the runtime end to end.
// The CLI runs them by name.
package demo

import (
	"context"
	"fmt"
	"sort"

	"github.com/chazu/lazyrt/vm"
)

// Demo is one runnable program. Run builds the program on rt, runs it to
// completion and returns a one-line report.
type Demo struct {
	Name        string
	Description string
	Run         func(ctx context.Context, rt *vm.Runtime) (string, error)
}

var registry = map[string]Demo{}

func register(d Demo) {
	if _, dup := registry[d.Name]; dup {
		panic(fmt.Sprintf("demo: duplicate name %q", d.Name))
	}
	registry[d.Name] = d
}

// All returns every demo sorted by name.
func All() []Demo {
	out := make([]Demo, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a demo by name.
func Lookup(name string) (Demo, bool) {
	d, ok := registry[name]
	return d, ok
}

// action builds an argument-less action from a Go function.
func action(rt *vm.Runtime, name string, fn func(e *vm.Exec) vm.Signal) vm.Value {
	return rt.Action(name, func(e *vm.Exec, env []vm.Value) vm.Signal {
		return fn(e)
	})
}

// then pushes a continuation receiving the value returned by whatever runs
// next. Heap values the continuation uses must be passed in env: the
// collector sees the frame, not the Go closure.
func then(e *vm.Exec, name string, k func(e *vm.Exec, v vm.Value, env []vm.Value) vm.Signal, env ...vm.Value) {
	e.Push(vm.NewCode(name, func(e *vm.Exec, env []vm.Value) vm.Signal {
		return k(e, e.Value(), env)
	}), env...)
}

// repeat runs step n times in sequence, then returns Unit.
func repeat(e *vm.Exec, n int, step func(e *vm.Exec, i int) vm.Signal) vm.Signal {
	var loop func(e *vm.Exec, i int) vm.Signal
	loop = func(e *vm.Exec, i int) vm.Signal {
		if i == n {
			return e.Return(vm.Unit)
		}
		then(e, "repeat", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			return loop(e, i+1)
		})
		return step(e, i)
	}
	return loop(e, 0)
}

// atomically wraps an STM body over fields in a transaction.
func atomically(rt *vm.Runtime, name string, body vm.Entry, fields ...vm.Value) vm.Value {
	stm := rt.Action(name, body, fields...)
	return rt.Action("atomically", func(e *vm.Exec, env []vm.Value) vm.Signal {
		return e.Atomically(env[0])
	}, stm)
}
