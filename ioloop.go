// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package coroloop

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Event is a bitset of {Read, Write}, the two kinds of fd readiness an
// FdEventSlot can have armed (C6 data model).
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
)

// EventContext holds exactly one of {fiber, callback} for one armed event
// on one fd, plus the scheduler to resume/schedule it on.
type EventContext struct {
	scheduler *Scheduler
	fiber     *Coroutine
	callback  func()
	populated bool
}

func (c *EventContext) fire() {
	if !c.populated {
		return
	}
	sched, fiber, cb := c.scheduler, c.fiber, c.callback
	*c = EventContext{}
	if fiber != nil {
		_ = sched.Schedule(fiber, AnyThread)
	} else if cb != nil {
		_ = sched.Schedule(cb, AnyThread)
	}
}

// FdEventSlot is the per-fd structure described in the C6 data model: the
// armed-events bitset, one EventContext per event kind, and a per-slot
// mutex guarding arm/disarm/trigger.
type FdEventSlot struct {
	mu     sync.Mutex
	events Event
	ctx    [2]EventContext // index via eventIndex
}

func eventIndex(e Event) int {
	if e == EventWrite {
		return 1
	}
	return 0
}

// IOLoop is C6: a Scheduler (C3) extended with an epoll-style readiness
// wait integrating the TimerWheel (C4) and FdRegistry (C5), per spec.md
// §4.5.
type IOLoop struct {
	*Scheduler

	poller *epollPoller
	timers *TimerWheel

	tickleRead  int
	tickleWrite int

	slotsMu sync.RWMutex
	slots   []*FdEventSlot

	pendingEventCount atomic.Int64
}

// maxWaitMs caps epoll_wait's timeout, per spec.md §4.5, so the loop
// remains responsive to tickle races even if a wakeup byte is somehow
// missed.
const maxWaitMs = 3000

// initialSlotCapacity is the C6 IOLoop's pre-sized FdEventSlot vector
// ("Pre-size the FdEventSlot vector to 32 slots", §4.5).
const initialSlotCapacity = 32

// NewIOLoop constructs an IOLoop: an epoll descriptor, a self-pipe tickle
// mechanism (its read end armed edge-triggered), a pre-sized slot vector,
// and the base Scheduler -- then starts the base Scheduler's worker pool
// bookkeeping (Start must still be called by the caller).
func NewIOLoop(opts ...SchedulerOption) (*IOLoop, error) {
	poller, err := newEpollPoller()
	if err != nil {
		return nil, err
	}
	r, w, err := makeSelfPipe()
	if err != nil {
		_ = poller.close()
		return nil, err
	}

	loop := &IOLoop{
		poller:      poller,
		tickleRead:  r,
		tickleWrite: w,
		slots:       make([]*FdEventSlot, initialSlotCapacity),
	}
	loop.Scheduler = NewScheduler(opts...)
	loop.Scheduler.self = loop
	loop.Scheduler.idleBody = loop.readinessLoopBody
	loop.Scheduler.extraStopGate = loop.stopGate
	loop.Scheduler.ownerIOLoop = loop
	loop.timers = NewTimerWheel(loop.tickle)

	if err := poller.add(r, EventRead); err != nil {
		_ = poller.close()
		_ = unix.Close(r)
		_ = unix.Close(w)
		return nil, err
	}
	return loop, nil
}

// Timers exposes the IOLoop's TimerWheel (external interface façade).
func (l *IOLoop) Timers() *TimerWheel { return l.timers }

// FdRegistry returns the process-wide FdRegistry hooks.go consults.
func (l *IOLoop) FdRegistry() *FdRegistry { return globalFdRegistry }

// stopGate is IOLoop's override of the base Scheduler's stopping
// predicate: the loop may only stop once there are no pending fd events
// and no live timers, in addition to the base stopping flag.
func (l *IOLoop) stopGate() bool {
	return l.pendingEventCount.Load() == 0 && !l.timers.HasTimer()
}

// tickle writes one byte to the self-pipe, waking a thread blocked in
// epoll_wait. This is IOLoop's override of the base Scheduler's
// logging-no-op tickle (dispatched via Scheduler.self, see scheduler.go).
func (l *IOLoop) tickle() {
	var b [1]byte
	_, err := unix.Write(l.tickleWrite, b[:])
	if err != nil && err != unix.EAGAIN {
		logIOLoop(logiface.LevelWarning, "tickle write failed", err)
	}
}

func (l *IOLoop) slotFor(fd int, grow bool) *FdEventSlot {
	l.slotsMu.RLock()
	if fd < len(l.slots) {
		s := l.slots[fd]
		l.slotsMu.RUnlock()
		if s != nil || !grow {
			return s
		}
	} else {
		l.slotsMu.RUnlock()
	}
	if !grow {
		return nil
	}
	l.slotsMu.Lock()
	defer l.slotsMu.Unlock()
	if fd >= len(l.slots) {
		grown := make([]*FdEventSlot, int(float64(fd+1)*1.5)+1)
		copy(grown, l.slots)
		l.slots = grown
	}
	if l.slots[fd] == nil {
		l.slots[fd] = &FdEventSlot{}
	}
	return l.slots[fd]
}

// AddEvent arms event for fd, resuming callback (or, if callback is nil,
// the currently running coroutine) once the fd becomes ready. Per
// spec.md §4.5, it is a programming error to arm an event already armed.
func (l *IOLoop) AddEvent(fd int, event Event, callback func()) error {
	slot := l.slotFor(fd, true)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.events&event != 0 {
		return ErrInvalidState
	}

	op := unix.EPOLL_CTL_ADD
	if slot.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	newMask := slot.events | event
	var err error
	if op == unix.EPOLL_CTL_ADD {
		err = l.poller.add(fd, newMask)
	} else {
		err = l.poller.modify(fd, newMask)
	}
	if err != nil {
		return err
	}
	slot.events = newMask

	idx := eventIndex(event)
	ctx := EventContext{scheduler: l.Scheduler, populated: true}
	if callback != nil {
		ctx.callback = callback
	} else {
		ctx.fiber = Current()
	}
	slot.ctx[idx] = ctx
	l.pendingEventCount.Add(1)
	return nil
}

// RemoveEvent disarms event without firing it.
func (l *IOLoop) RemoveEvent(fd int, event Event) bool {
	slot := l.slotFor(fd, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.events&event == 0 {
		return false
	}
	newMask := slot.events &^ event
	if newMask == 0 {
		_ = l.poller.remove(fd)
	} else {
		_ = l.poller.modify(fd, newMask)
	}
	slot.events = newMask
	slot.ctx[eventIndex(event)] = EventContext{}
	l.pendingEventCount.Add(-1)
	return true
}

// CancelEvent disarms event and fires its continuation once, immediately.
func (l *IOLoop) CancelEvent(fd int, event Event) bool {
	slot := l.slotFor(fd, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	if slot.events&event == 0 {
		slot.mu.Unlock()
		return false
	}
	newMask := slot.events &^ event
	if newMask == 0 {
		_ = l.poller.remove(fd)
	} else {
		_ = l.poller.modify(fd, newMask)
	}
	slot.events = newMask
	idx := eventIndex(event)
	ctx := slot.ctx[idx]
	slot.ctx[idx] = EventContext{}
	slot.mu.Unlock()
	l.pendingEventCount.Add(-1)
	ctx.fire()
	return true
}

// CancelAll disarms and fires both Read and Write continuations on fd, if
// armed -- used by the hooked close() (§4.6) so parked coroutines observe
// the closed state and unwind.
func (l *IOLoop) CancelAll(fd int) bool {
	slot := l.slotFor(fd, false)
	if slot == nil {
		return false
	}
	slot.mu.Lock()
	if slot.events == 0 {
		slot.mu.Unlock()
		return false
	}
	_ = l.poller.remove(fd)
	var ctxs [2]EventContext
	fired := 0
	for i, bit := range [2]Event{EventRead, EventWrite} {
		if slot.events&bit != 0 {
			ctxs[i] = slot.ctx[i]
			slot.ctx[i] = EventContext{}
			fired++
		}
	}
	slot.events = 0
	slot.mu.Unlock()
	l.pendingEventCount.Add(int64(-fired))
	for i := range ctxs {
		ctxs[i].fire()
	}
	return true
}

// readinessLoopBody returns the idle-coroutine body for worker workerID:
// the epoll_wait-driven readiness loop from spec.md §4.5. Every worker's
// idle slot uses it, since any worker may be the one parked when the queue
// drains and NewIOLoop supports multiple workers waiting on the same epfd
// concurrently (§5); each closure gets its own eventBuf so concurrent
// epoll_wait calls from different workers never share a buffer.
func (l *IOLoop) readinessLoopBody(workerID int) func() {
	eventBuf := make([]unix.EpollEvent, 256)
	return func() {
		for {
			if l.stoppingPredicate() {
				return
			}

			waitMs := l.timers.NextTimeoutMs()
			if waitMs < 0 || waitMs > maxWaitMs {
				waitMs = maxWaitMs
			}

			n, err := l.poller.wait(eventBuf, int(waitMs))
			if err != nil {
				logIOLoop(logiface.LevelWarning, "epoll_wait failed", err)
				Yield()
				continue
			}

			var expired []func()
			expired = l.timers.DrainExpired(expired)
			for _, cb := range expired {
				cb := cb
				_ = l.Schedule(func() { cb() }, AnyThread)
			}

			for i := 0; i < n; i++ {
				ev := eventBuf[i]
				fd := int(ev.Fd)
				if fd == l.tickleRead {
					l.drainTickle()
					continue
				}
				l.dispatchReady(fd, ev.Events)
			}

			Yield()
		}
	}
}

func (l *IOLoop) drainTickle() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.tickleRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *IOLoop) dispatchReady(fd int, mask uint32) {
	slot := l.slotFor(fd, false)
	if slot == nil {
		return
	}
	readReady, writeReady := decodeEpollEvent(mask)

	slot.mu.Lock()
	var fireCtx [2]EventContext
	fireCount := 0
	remaining := slot.events
	if readReady && slot.events&EventRead != 0 {
		fireCtx[fireCount] = slot.ctx[eventIndex(EventRead)]
		slot.ctx[eventIndex(EventRead)] = EventContext{}
		remaining &^= EventRead
		fireCount++
	}
	if writeReady && slot.events&EventWrite != 0 {
		fireCtx[fireCount] = slot.ctx[eventIndex(EventWrite)]
		slot.ctx[eventIndex(EventWrite)] = EventContext{}
		remaining &^= EventWrite
		fireCount++
	}
	if remaining != slot.events {
		slot.events = remaining
		if remaining == 0 {
			_ = l.poller.remove(fd)
		} else {
			_ = l.poller.modify(fd, remaining)
		}
	}
	slot.mu.Unlock()

	if fireCount > 0 {
		l.pendingEventCount.Add(int64(-fireCount))
	}
	for i := 0; i < fireCount; i++ {
		fireCtx[i].fire()
	}
}

// Stop shuts down the IOLoop: base Scheduler shutdown, then closes the
// epoll descriptor and self-pipe.
func (l *IOLoop) Stop() {
	l.Scheduler.Stop()
	_ = l.poller.close()
	_ = unix.Close(l.tickleRead)
	_ = unix.Close(l.tickleWrite)
}
