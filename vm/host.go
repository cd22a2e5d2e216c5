package vm

// ---------------------------------------------------------------------------
// Host integration: completion tokens and synchronous runs
// ---------------------------------------------------------------------------

// Token identifies one pending host completion.
type Token uint64

type completion struct {
	token Token
	val   Value
	build func(*Runtime) Value
}

func (rt *Runtime) newToken() Token {
	rt.tokenID++
	return Token(rt.tokenID)
}

// Await parks the running thread until the host fulfills a token. start
// receives the token and runs immediately on the runtime goroutine; it
// usually hands the token to a goroutine that performs the I/O. The
// fulfilled value becomes the result of Await.
func (e *Exec) Await(start func(tok Token)) Signal {
	tok := e.rt.newToken()
	e.rt.hostWaits[tok] = e.t
	e.t.r1 = Unit
	e.t.interruptible = true
	e.rt.block(e.t, blocker{kind: blockHost, token: tok})
	start(tok)
	return Reschedule
}

// MVarToken returns a token whose completions are written to mv, for
// callbacks that fire more than once. The MVar stays alive until
// ReleaseToken.
func (rt *Runtime) MVarToken(mv Value) Token {
	rt.mvar(mv)
	tok := rt.newToken()
	rt.hostMVars[tok] = mv
	return tok
}

// ReleaseToken forgets an MVar token.
func (rt *Runtime) ReleaseToken(tok Token) {
	delete(rt.hostMVars, tok)
}

// Fulfill completes tok with v. It is safe to call from any goroutine; the
// completion is applied at the start of the next tick. v must be an
// immediate or a value the runtime already retains.
func (rt *Runtime) Fulfill(tok Token, v Value) {
	rt.post(completion{token: tok, val: v})
}

// FulfillFunc completes tok with the value build returns. build runs on
// the runtime goroutine, so it may allocate.
func (rt *Runtime) FulfillFunc(tok Token, build func(*Runtime) Value) {
	rt.post(completion{token: tok, build: build})
}

func (rt *Runtime) post(c completion) {
	rt.hostMu.Lock()
	rt.inbox = append(rt.inbox, c)
	rt.hostMu.Unlock()
	select {
	case rt.wake <- struct{}{}:
	default:
	}
	if rt.opts.Host != nil {
		rt.opts.Host.Wakeup(0)
	}
}

func (rt *Runtime) drainInbox() {
	rt.hostMu.Lock()
	batch := rt.inbox
	rt.inbox = nil
	rt.hostMu.Unlock()
	for _, c := range batch {
		rt.complete(c)
	}
}

func (rt *Runtime) complete(c completion) {
	v := c.val
	if c.build != nil {
		v = c.build(rt)
	}
	if t, ok := rt.hostWaits[c.token]; ok {
		delete(rt.hostWaits, c.token)
		t.r1 = v
		rt.wakeup(t)
		return
	}
	if mv, ok := rt.hostMVars[c.token]; ok {
		rt.WriteMVar(mv, v)
		return
	}
	rt.log.host.Warningf("%v: %d dropped", ErrUnknownToken, c.token)
}

// hostPending reports whether the host may still make a thread runnable.
func (rt *Runtime) hostPending() bool {
	if len(rt.hostWaits) > 0 || len(rt.hostMVars) > 0 {
		return true
	}
	rt.hostMu.Lock()
	defer rt.hostMu.Unlock()
	return len(rt.inbox) > 0
}

// RunSync runs action on a fresh thread on the caller's goroutine, without
// the scheduler, until it finishes or blocks. Blackholes owned by other
// threads are resolved by running their owners synchronously. Any other
// block returns a *BlockedError; with continueAsync the thread then carries
// on under the scheduler, otherwise it is discarded.
func (rt *Runtime) RunSync(action Value, continueAsync bool) (Value, error) {
	if rt.current != nil {
		return Nil, ErrSyncWhileRunning
	}
	t := rt.newThread()
	t.label = "sync"
	t.sync = true
	t.continueAsync = continueAsync
	t.push(Frame{Code: applyCode, Env: []Value{action}})

	rt.inSync = true
	defer func() {
		rt.inSync = false
		rt.current = nil
		rt.exec.t = nil
	}()

	for {
		rt.stepUntil(t, func() bool { return false })
		switch t.status {
		case ThreadFinished:
			return t.result, nil
		case ThreadDied:
			return Nil, t.err
		}
		if t.blockedOn.kind == blockBlackhole && rt.runBlackholeSync(t.blockedOn.obj) && t.status == ThreadRunning {
			continue
		}
		if t.status == ThreadRunning {
			continue
		}
		err := &BlockedError{On: blockNames[t.blockedOn.kind]}
		if continueAsync {
			t.sync = false
			rt.log.host.Debugf("sync thread %s blocked on %s, continuing asynchronously", t, err.On)
			return Nil, err
		}
		rt.fail(t, err)
		return Nil, err
	}
}
