// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// CoroutineState is one of {Ready, Running, Terminated}, per the C1 data
// model.
type CoroutineState int32

const (
	stateReady CoroutineState = iota
	stateRunning
	stateTerminated
)

// String implements fmt.Stringer.
func (s CoroutineState) String() string {
	switch s {
	case stateReady:
		return "Ready"
	case stateRunning:
		return "Running"
	case stateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var coroutineIDSeq atomic.Uint64

func nextCoroutineID() uint64 {
	return coroutineIDSeq.Add(1)
}

// Coroutine is a stackful cooperative execution context realized, per
// SPEC_FULL.md §4.0, as one backing goroutine handed off via a pair of
// unbuffered channels: the goroutine's own (runtime-managed, growable)
// stack plays the role the spec's "fixed-size stack + machine context"
// plays in a systems language, and Resume/Yield play the role of the
// context switch, always pairing on the logical line of control that owns
// this Coroutine.
type Coroutine struct {
	id             uint64
	callable       atomic.Pointer[func()]
	runInScheduler bool
	stackHint      int

	state atomic.Int32 // CoroutineState, accessed via helpers below

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool

	panicValue any
	panicStack string

	metrics *runtimeMetrics

	// activePivot is the workerPivot of whatever goroutine called Resume
	// most recently, captured at the moment of resumption. Because Resume
	// hands off to c's own backing goroutine (a different goroutine than
	// the resumer's), CurrentScheduler/CurrentIOLoop/SchedulerMainCoroutine
	// cannot simply key off the calling goroutine's id while running
	// inside c's body -- they instead consult Current().activePivot. nil
	// when c was resumed by a goroutine with no pivot of its own.
	activePivot *workerPivot
}

// NewCoroutine creates a Coroutine bound to callable, ready to run on first
// Resume. stackSize is advisory (see defaultStackSize); 0 selects the
// package default. runInScheduler mirrors the C1 flag of the same name: if
// true, a Yield transfers control back to the scheduler's pivot; if false,
// to the calling thread's pivot. Because Resume/Yield here are synchronous
// handoffs rather than true context switches, both cases behave
// identically from Resume's caller's point of view -- the flag is retained
// for data-model fidelity and reported by RunInScheduler; Scheduler's run
// loop does not consult it and re-enqueues every fiber that yields Ready.
func NewCoroutine(callable func(), stackSize int, runInScheduler bool) *Coroutine {
	co := &Coroutine{
		id:             nextCoroutineID(),
		runInScheduler: runInScheduler,
		stackHint:      stackSize,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	if co.stackHint <= 0 {
		co.stackHint = defaultConfig.StackSize()
	}
	c := callable
	co.callable.Store(&c)
	co.state.Store(int32(stateReady))
	return co
}

// newPivotCoroutine constructs the placeholder Coroutine that
// SchedulerMainCoroutine returns when the caller's pivot has no
// scheduler_main recorded (runWorker records each worker's idle coroutine
// there): it is never Resumed or run_in_scheduler-dispatched, it exists
// only so pivot identity (ID, State) can still be queried.
func newPivotCoroutine() *Coroutine {
	co := &Coroutine{id: nextCoroutineID(), runInScheduler: true}
	co.state.Store(int32(stateRunning))
	return co
}

// ID returns the coroutine's monotonic, non-zero identity.
func (c *Coroutine) ID() uint64 { return c.id }

// State returns the coroutine's current state.
func (c *Coroutine) State() CoroutineState { return CoroutineState(c.state.Load()) }

// RunInScheduler reports the run_in_scheduler flag this coroutine was
// created (or Reset) with.
func (c *Coroutine) RunInScheduler() bool { return c.runInScheduler }

// Resume transfers control to c. Precondition: State() == Ready. On
// return, c is either Ready (it yielded) or Terminated (it finished or
// failed); a failure is never propagated to Resume's caller -- callers
// must read State() (see Failure model, §7).
func (c *Coroutine) Resume() error {
	if CoroutineState(c.state.Load()) != stateReady {
		return ErrInvalidState
	}
	c.state.Store(int32(stateRunning))
	if c.metrics != nil && !c.started.Load() {
		c.metrics.activeCoroutines.Add(1)
	}
	c.activePivot = getWorkerPivot()
	if c.started.CompareAndSwap(false, true) {
		go c.trampoline()
	}
	c.resumeCh <- struct{}{}
	<-c.yieldCh
	return nil
}

// Yield suspends the calling coroutine, returning control to whichever
// pivot resumed it. It is a programming error to call Yield outside a
// running Coroutine body; in that case it is a silent no-op, matching the
// "all methods safe on nil/invalid receivers" texture of the logging
// builder this runtime also carries.
func Yield() {
	co := Current()
	if co == nil {
		return
	}
	co.yieldOut()
}

// yieldOut implements C1's yield_out(self): pre-state Running or
// Terminated; if Running, transitions to Ready, then hands control back to
// Resume's caller.
func (c *Coroutine) yieldOut() {
	if CoroutineState(c.state.Load()) == stateRunning {
		c.state.Store(int32(stateReady))
	}
	c.yieldCh <- struct{}{}
	<-c.resumeCh
}

// Reset rebinds c to a new callable so the same Coroutine value (and its
// id) can be reused instead of allocating a new one (mirrors the Scheduler
// run loop's "reusable carrier coroutine" for CallableTasks, §4.2 step 3).
// The first Resume after a Reset still starts a new backing goroutine.
// Precondition: State() in {Ready, Terminated}.
func (c *Coroutine) Reset(callable func()) error {
	switch CoroutineState(c.state.Load()) {
	case stateReady, stateTerminated:
	default:
		return ErrInvalidState
	}
	newCh := make(chan struct{})
	newYieldCh := make(chan struct{})
	cc := callable
	c.callable.Store(&cc)
	c.resumeCh = newCh
	c.yieldCh = newYieldCh
	c.started.Store(false)
	c.panicValue = nil
	c.panicStack = ""
	c.state.Store(int32(stateReady))
	return nil
}

// trampoline is the function run on the coroutine's backing goroutine. It
// waits for the first resume signal, executes the callable to completion
// (recovering and logging any panic, per the DESIGN NOTES on exception
// propagation -- failures never unwind through the handoff), marks the
// coroutine Terminated, then performs the final yield. The pivot never
// resumes a Terminated coroutine again.
func (c *Coroutine) trampoline() {
	<-c.resumeCh
	registerSelf(c)
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.panicValue = r
				c.panicStack = string(debug.Stack())
				logCoroutine(logiface.LevelError, c.id, "coroutine panicked", &PanicError{Value: r, Stack: c.panicStack})
			}
		}()
		if p := c.callable.Load(); p != nil {
			(*p)()
		}
	}()
	c.state.Store(int32(stateTerminated))
	if c.metrics != nil {
		c.metrics.activeCoroutines.Add(-1)
	}
	c.callable.Store(nil)
	unregisterSelf()
	c.yieldCh <- struct{}{}
}

// Failure returns the recovered panic, if the coroutine terminated due to
// an unrecoverable failure, wrapped as a *PanicError. Returns nil for a
// coroutine that finished normally or hasn't terminated yet.
func (c *Coroutine) Failure() error {
	if c.panicValue == nil {
		return nil
	}
	return &PanicError{Value: c.panicValue, Stack: c.panicStack}
}
