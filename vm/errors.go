package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors. Uncaught runtime exceptions unwrap to the sentinel of
// their constructor code.
var (
	ErrNonTermination            = errors.New("non-termination: thunk forced during its own evaluation")
	ErrBlockedIndefinitelyOnMVar = errors.New("thread blocked indefinitely in an MVar operation")
	ErrBlockedIndefinitelyOnSTM  = errors.New("thread blocked indefinitely in an STM transaction")
	ErrThreadKilled              = errors.New("thread killed")
	ErrInvariantViolation        = errors.New("transaction invariant violated")
	ErrRetryOutsideTransaction   = errors.New("retry outside a transaction")
	ErrNoTransaction             = errors.New("transactional variable accessed outside a transaction")
	ErrNestedAtomically          = errors.New("atomically nested inside a transaction")
	ErrGCWhileRunning            = errors.New("garbage collection requested while a thread is running")
	ErrSyncWhileRunning          = errors.New("synchronous run requested while a thread is running")
	ErrDeadlock                  = errors.New("main thread blocked with no runnable threads")
	ErrWouldBlock                = errors.New("synchronous execution blocked")
	ErrBadWeakKey                = errors.New("weak reference key must be a heap object")
	ErrStaleReference            = errors.New("stale heap reference")
	ErrUnknownToken              = errors.New("unknown host completion token")
)

// Built-in exception constructors.
var (
	NonTerminationCode            = NewExceptionCode("NonTermination", ErrNonTermination)
	BlockedIndefinitelyOnMVarCode = NewExceptionCode("BlockedIndefinitelyOnMVar", ErrBlockedIndefinitelyOnMVar)
	BlockedIndefinitelyOnSTMCode  = NewExceptionCode("BlockedIndefinitelyOnSTM", ErrBlockedIndefinitelyOnSTM)
	ThreadKilledCode              = NewExceptionCode("ThreadKilled", ErrThreadKilled)
	InvariantViolationCode        = NewExceptionCode("InvariantViolation", ErrInvariantViolation)
)

// UncaughtError reports the exception that terminated a thread.
type UncaughtError struct {
	ThreadID  uint64
	Label     string
	Exception Value
	Name      string

	err error
}

func (e *UncaughtError) Error() string {
	who := fmt.Sprintf("thread %d", e.ThreadID)
	if e.Label != "" {
		who = fmt.Sprintf("thread %s (%d)", e.Label, e.ThreadID)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: uncaught %s: %v", who, e.Name, e.err)
	}
	return fmt.Sprintf("%s: uncaught exception %s %v", who, e.Name, e.Exception)
}

func (e *UncaughtError) Unwrap() error {
	return e.err
}

// BlockedError is returned by RunSync when the thread cannot make progress
// without the scheduler.
type BlockedError struct {
	On string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%v on %s", ErrWouldBlock, e.On)
}

func (e *BlockedError) Unwrap() error {
	return ErrWouldBlock
}
