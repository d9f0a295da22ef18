// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/joeycumines/logiface"
)

// clockRollbackThreshold is the 1-hour backward jump spec.md §4.3 treats as
// "the wall clock rolled back; drain everything to recover".
const clockRollbackThreshold = int64(time.Hour / time.Millisecond)

// NoTimeout is the sentinel NextTimeoutMs returns when the wheel is empty.
const NoTimeout int64 = -1

var timerIDSeq atomic.Uint64

// Timer is a single TimerWheel entry (C4 data model).
type Timer struct {
	id        uint64
	deadline  int64 // wall-clock ms since the Unix epoch (see nowMs)
	interval  int64 // ms; equals the original scheduling delta
	recurring bool
	callback  func()

	// witnessCheck is non-nil only for conditional timers; it reports
	// whether the weak-referenced witness object is still alive. When it
	// returns false, DrainExpired treats the callback as a no-op instead
	// of invoking it -- this is what makes a conditional timer "auto
	// cancel" once nothing references its owner.
	witnessCheck func() bool

	index int // maintained by container/heap
}

// ID returns the timer's identity, used for tie-breaking equal deadlines.
func (t *Timer) ID() uint64 { return t.id }

type timerHeapSlice []*Timer

func (h timerHeapSlice) Len() int { return len(h) }
func (h timerHeapSlice) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].id < h[j].id
}
func (h timerHeapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeapSlice) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeapSlice) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerWheel is an ordered set of Timers with tickless-wait computation and
// clock-rollback recovery (C4).
type TimerWheel struct {
	mu              sync.RWMutex
	heap            timerHeapSlice
	tickled         bool
	previousNowMs   int64
	onEarliestChange func()
	nowFunc         func() int64
}

// NewTimerWheel constructs an empty TimerWheel. onEarliestChanged, if
// non-nil, is invoked (outside the wheel's lock) whenever an insertion
// becomes the new earliest deadline while the wheel was previously
// untickled -- IOLoop wires this to tickle() its readiness wait.
func NewTimerWheel(onEarliestChanged func()) *TimerWheel {
	return &TimerWheel{
		onEarliestChange: onEarliestChanged,
		previousNowMs:    nowMs(),
		nowFunc:          nowMs,
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// AddTimer inserts a one-shot or recurring timer firing ms from now.
func (w *TimerWheel) AddTimer(ms int64, callback func(), recurring bool) *Timer {
	return w.insert(ms, callback, recurring, nil)
}

// AddConditionalTimer inserts a timer whose callback is gated on witness
// remaining reachable: the stored callback first attempts to upgrade a
// weak.Pointer taken over witness; if the upgrade fails (the witness has
// been collected), the callback becomes a no-op, letting the timer
// auto-cancel when its owner disappears. Grounded on the weak.Pointer
// lifecycle-tracking idiom the teacher's registry.go uses for promises.
func AddConditionalTimer[T any](w *TimerWheel, ms int64, callback func(), witness *T, recurring bool) *Timer {
	wp := weak.Make(witness)
	check := func() bool { return wp.Value() != nil }
	return w.insert(ms, callback, recurring, check)
}

func (w *TimerWheel) insert(ms int64, callback func(), recurring bool, witnessCheck func() bool) *Timer {
	t := &Timer{
		id:           timerIDSeq.Add(1),
		interval:     ms,
		recurring:    recurring,
		callback:     callback,
		witnessCheck: witnessCheck,
	}
	w.mu.Lock()
	now := w.observeNowLocked()
	t.deadline = now + ms
	heap.Push(&w.heap, t)
	becameEarliest := w.heap[0] == t
	var shouldNotify bool
	if becameEarliest && !w.tickled {
		w.tickled = true
		shouldNotify = true
	}
	w.mu.Unlock()
	logTimer(logiface.LevelDebug, t.id, "timer added")
	if shouldNotify && w.onEarliestChange != nil {
		w.onEarliestChange()
	}
	return t
}

// Cancel drops handle's callback and removes it from the wheel. Idempotent:
// returns whether it actually removed anything.
func (w *TimerWheel) Cancel(handle *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if handle.index < 0 || handle.index >= len(w.heap) || w.heap[handle.index] != handle {
		return false
	}
	heap.Remove(&w.heap, handle.index)
	handle.callback = nil
	return true
}

// Refresh re-inserts handle at now + interval (a keep-alive style reset).
func (w *TimerWheel) Refresh(handle *Timer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.observeNowLocked()
	if handle.index >= 0 && handle.index < len(w.heap) && w.heap[handle.index] == handle {
		heap.Remove(&w.heap, handle.index)
	}
	handle.deadline = now + handle.interval
	heap.Push(&w.heap, handle)
}

// Reset updates handle's interval and deadline. If fromNow, the new
// deadline is now+newMs; otherwise it is previous_deadline - old_interval +
// new_ms, per spec.md §4.3.
func (w *TimerWheel) Reset(handle *Timer, newMs int64, fromNow bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.observeNowLocked()
	if fromNow {
		handle.deadline = now + newMs
	} else {
		handle.deadline = handle.deadline - handle.interval + newMs
	}
	handle.interval = newMs
	if handle.index >= 0 && handle.index < len(w.heap) && w.heap[handle.index] == handle {
		heap.Fix(&w.heap, handle.index)
	}
}

// NextTimeoutMs returns milliseconds until the earliest deadline, or
// NoTimeout if the wheel is empty. Calling this clears tickled, marking
// that a reader has observed the current head.
func (w *TimerWheel) NextTimeoutMs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.observeNowLocked()
	w.tickled = false
	if len(w.heap) == 0 {
		return NoTimeout
	}
	d := w.heap[0].deadline - now
	if d < 0 {
		return 0
	}
	return d
}

// HasTimer reports whether the wheel currently holds any entries.
func (w *TimerWheel) HasTimer() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.heap) > 0
}

// DrainExpired appends the callbacks of every timer whose deadline has
// passed to out, re-inserting recurring timers at now+interval and
// dropping one-shot ones. A conditional timer whose witness has been
// collected is still drained (so it stops occupying the wheel) but its
// callback is skipped. Returns the (possibly grown) out slice.
func (w *TimerWheel) DrainExpired(out []func()) []func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.observeNowLocked()
	rollback := w.checkRollbackLocked(now)
	for len(w.heap) > 0 && (rollback || w.heap[0].deadline <= now) {
		t := heap.Pop(&w.heap).(*Timer)
		alive := t.witnessCheck == nil || t.witnessCheck()
		if t.callback != nil && alive {
			out = append(out, t.callback)
		}
		if t.recurring && t.callback != nil && alive {
			t.deadline = now + t.interval
			heap.Push(&w.heap, t)
		}
	}
	return out
}

// observeNowLocked returns the current wall-clock ms reading (nowFunc), to
// be called while w.mu is held.
func (w *TimerWheel) observeNowLocked() int64 {
	return w.nowFunc()
}

// checkRollbackLocked implements the clock-rollback policy: if now has
// regressed by more than clockRollbackThreshold since the previous
// observation, every outstanding timer is treated as expired in this pass.
// previousNowMs is updated on every call regardless.
func (w *TimerWheel) checkRollbackLocked(now int64) bool {
	rollback := now < w.previousNowMs-clockRollbackThreshold
	w.previousNowMs = now
	if rollback {
		logTimer(logiface.LevelDebug, 0, "clock rollback detected, draining all timers")
	}
	return rollback
}
