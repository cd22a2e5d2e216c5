package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/chazu/lazyrt/vm"
)

// Bank parameters.
const (
	BankAccounts  = 4
	BankOpening   = 100
	BankTransfers = 5
)

func init() {
	register(Demo{
		Name:        "bank",
		Description: "concurrent STM transfers around a ring of accounts, guarded by a conservation invariant",
		Run: func(ctx context.Context, rt *vm.Runtime) (string, error) {
			b := NewBank(rt, BankAccounts, BankOpening)
			total, err := rt.Run(ctx, b.Main(BankTransfers))
			if err != nil {
				return "", err
			}
			var parts []string
			for _, n := range b.Balances() {
				parts = append(parts, fmt.Sprint(n))
			}
			return fmt.Sprintf("balances [%s], total %d", strings.Join(parts, " "), total.SmallInt()), nil
		},
	})
}

// Bank is a set of TVar accounts.
type Bank struct {
	rt       *vm.Runtime
	accounts []vm.Value
	total    int64
}

// NewBank opens n accounts holding opening each.
func NewBank(rt *vm.Runtime, n int, opening int64) *Bank {
	b := &Bank{rt: rt, total: int64(n) * opening}
	for range n {
		b.accounts = append(b.accounts, rt.Retain(rt.NewTVar(vm.FromSmallInt(opening))))
	}
	return b
}

// Balances reads every account outside a transaction.
func (b *Bank) Balances() []int64 {
	out := make([]int64, len(b.accounts))
	for i, a := range b.accounts {
		out[i] = b.rt.ReadTVarIO(a).SmallInt()
	}
	return out
}

// sum reads every account inside the running transaction.
func (b *Bank) sum(e *vm.Exec, i int, acc int64, k func(e *vm.Exec, total int64) vm.Signal) vm.Signal {
	if i == len(b.accounts) {
		return k(e, acc)
	}
	then(e, "sum", func(e *vm.Exec, v vm.Value, _ []vm.Value) vm.Signal {
		return b.sum(e, i+1, acc+v.SmallInt(), k)
	})
	return e.ReadTVar(b.accounts[i])
}

// Conserved is an STM action returning whether the money supply is intact.
func (b *Bank) Conserved() vm.Value {
	return action(b.rt, "conserved", func(e *vm.Exec) vm.Signal {
		return b.sum(e, 0, 0, func(e *vm.Exec, total int64) vm.Signal {
			return e.Return(vm.FromBool(total == b.total))
		})
	})
}

// Transfer builds a transaction moving amount from one account to another.
// It retries while the source cannot cover it.
func (b *Bank) Transfer(from, to int, amount int64) vm.Value {
	return atomically(b.rt, "transfer", func(e *vm.Exec, env []vm.Value) vm.Signal {
		then(e, "debit", func(e *vm.Exec, v vm.Value, env []vm.Value) vm.Signal {
			src, dst := env[0], env[1]
			bal := v.SmallInt()
			if bal < amount {
				return e.Retry()
			}
			then(e, "credit", func(e *vm.Exec, _ vm.Value, env []vm.Value) vm.Signal {
				then(e, "deposit", func(e *vm.Exec, v vm.Value, env []vm.Value) vm.Signal {
					return e.WriteTVar(env[0], vm.FromSmallInt(v.SmallInt()+amount))
				}, env[0])
				return e.ReadTVar(env[0])
			}, dst)
			return e.WriteTVar(src, vm.FromSmallInt(bal-amount))
		}, env...)
		return e.ReadTVar(env[0])
	}, b.accounts[from], b.accounts[to])
}

// Main installs the invariant, forks one worker per account that sends
// (i+1)*10 to the next account rounds times, waits for all of them and
// returns the final total.
func (b *Bank) Main(rounds int) vm.Value {
	rt := b.rt
	n := len(b.accounts)
	done := rt.Retain(rt.NewMVar())
	setup := atomically(rt, "setup", func(e *vm.Exec, _ []vm.Value) vm.Signal {
		return e.AddInvariant(b.Conserved())
	})

	return rt.Action("bank", func(e *vm.Exec, env []vm.Value) vm.Signal {
		setup := env[0]
		then(e, "fork-workers", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
			for i := range n {
				transfer := rt.Retain(b.Transfer(i, (i+1)%n, int64(i+1)*10))
				worker := action(rt, "worker", func(e *vm.Exec) vm.Signal {
					then(e, "worker-done", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
						rt.Release(transfer)
						return e.PutMVar(done, vm.Unit)
					})
					return repeat(e, rounds, func(e *vm.Exec, _ int) vm.Signal {
						return e.Apply(transfer)
					})
				})
				e.LabelThread(e.Fork(worker), fmt.Sprintf("teller-%d", i))
			}
			then(e, "audit", func(e *vm.Exec, _ vm.Value, _ []vm.Value) vm.Signal {
				rt.Release(done)
				var total int64
				for _, n := range b.Balances() {
					total += n
				}
				return e.Return(vm.FromSmallInt(total))
			})
			return repeat(e, n, func(e *vm.Exec, _ int) vm.Signal {
				return e.TakeMVar(done)
			})
		})
		return e.Apply(setup)
	}, setup)
}
