// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"runtime"
	"strconv"
	"sync"
)

// getGoroutineID extracts the calling goroutine's id by parsing the header
// line of a single-goroutine stack dump. This is the same trick the
// teacher's Loop uses (loopGoroutineID / isLoopThread) to cheaply tell
// whether the caller is already "on" the loop; here it keys two small
// registries below, since Go exposes no public thread-local storage and
// goroutines -- not OS threads -- are this runtime's actual unit of
// execution (see SPEC_FULL.md §4.0).
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// format: "goroutine 123 [running]:\n..."
	b := buf[:n]
	const prefix = "goroutine "
	if len(b) <= len(prefix) || string(b[:len(prefix)]) != prefix {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}

// selfRegistry maps the goroutine id of a Coroutine's own backing goroutine
// to the Coroutine running there, for the duration it is actively executing
// user code (between receiving a resume signal and sending a yield/finish
// signal). It is how Current() and Yield() find "self" without needing an
// explicit handle threaded through every call, and how hook code (which
// always runs inside the coroutine it suspends) finds the coroutine to arm
// an fd-event continuation against.
var selfRegistry struct {
	mu sync.Mutex
	m  map[uint64]*Coroutine
}

func init() {
	selfRegistry.m = make(map[uint64]*Coroutine)
}

func registerSelf(co *Coroutine) {
	gid := getGoroutineID()
	selfRegistry.mu.Lock()
	selfRegistry.m[gid] = co
	selfRegistry.mu.Unlock()
}

func unregisterSelf() {
	gid := getGoroutineID()
	selfRegistry.mu.Lock()
	delete(selfRegistry.m, gid)
	selfRegistry.mu.Unlock()
}

// Current returns the coroutine presently executing on the calling
// goroutine, or nil if the caller is not running inside a Coroutine body
// (e.g. a worker's own run loop, between resumes).
func Current() *Coroutine {
	gid := getGoroutineID()
	selfRegistry.mu.Lock()
	co := selfRegistry.m[gid]
	selfRegistry.mu.Unlock()
	return co
}

// workerPivot is the C2 per-worker pivot: the scheduler that owns this
// worker goroutine, and the Coroutine recorded as the worker's
// scheduler_main (runWorker sets it to the worker's idle coroutine),
// exposed via SchedulerMainCoroutine.
type workerPivot struct {
	scheduler     *Scheduler
	schedulerMain *Coroutine
}

var workerPivots struct {
	mu sync.Mutex
	m  map[uint64]*workerPivot
}

func init() {
	workerPivots.m = make(map[uint64]*workerPivot)
}

func setWorkerPivot(sched *Scheduler) *workerPivot {
	gid := getGoroutineID()
	wp := &workerPivot{scheduler: sched}
	workerPivots.mu.Lock()
	workerPivots.m[gid] = wp
	workerPivots.mu.Unlock()
	return wp
}

func clearWorkerPivot() {
	gid := getGoroutineID()
	workerPivots.mu.Lock()
	delete(workerPivots.m, gid)
	workerPivots.mu.Unlock()
}

func getWorkerPivot() *workerPivot {
	gid := getGoroutineID()
	workerPivots.mu.Lock()
	wp := workerPivots.m[gid]
	workerPivots.mu.Unlock()
	return wp
}

// pivotForCaller resolves the workerPivot relevant to the calling code,
// whether it runs directly on a worker's own run-loop goroutine (the
// use_caller and idle-loop-internals cases, found via getWorkerPivot) or
// inside a Coroutine body running on its own backing goroutine (found via
// the coroutine's activePivot, captured when it was last Resumed).
func pivotForCaller() *workerPivot {
	if co := Current(); co != nil && co.activePivot != nil {
		return co.activePivot
	}
	return getWorkerPivot()
}

// CurrentScheduler returns the Scheduler owning the calling worker
// goroutine (or, if called from inside a Coroutine body, the Scheduler
// that last resumed it), or nil if neither applies.
func CurrentScheduler() *Scheduler {
	if wp := pivotForCaller(); wp != nil {
		return wp.scheduler
	}
	return nil
}

// SchedulerMainCoroutine returns the calling worker's scheduler_main
// pivot coroutine (a worker's idle coroutine), creating a placeholder with
// newPivotCoroutine only if none has been recorded.
func SchedulerMainCoroutine() *Coroutine {
	wp := pivotForCaller()
	if wp == nil {
		return nil
	}
	if wp.schedulerMain == nil {
		wp.schedulerMain = newPivotCoroutine()
	}
	return wp.schedulerMain
}
