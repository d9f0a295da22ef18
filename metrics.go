// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import "sync/atomic"

// runtimeMetrics holds the atomic counters backing Scheduler.Metrics. Unlike
// the teacher's Metrics/LatencyMetrics (which track P-square percentile
// estimates of task latency), this carries only the plain counters this
// domain's spec and supplemented features ask for: no distribution
// estimation is in scope here.
type runtimeMetrics struct {
	activeCoroutines atomic.Int64
	activeTimers      atomic.Int64
	idleWorkers       atomic.Int64
	activeWorkers     atomic.Int64
	eventsFired       atomic.Int64
}

// Metrics is a point-in-time snapshot of runtimeMetrics, returned by
// Scheduler.Metrics().
type Metrics struct {
	// ActiveCoroutines is the number of coroutines this scheduler has
	// started running (fiber tasks and its callable carriers) that have
	// not yet reached Terminated. Grounded on original_source's
	// s_fiber_count diagnostic counter (see DESIGN.md §Supplemented
	// features).
	ActiveCoroutines int64
	// ActiveTimers is the number of entries currently in the owning
	// IOLoop's TimerWheel (zero for a plain Scheduler).
	ActiveTimers int64
	// IdleWorkers / ActiveWorkers mirror the C3 data model's idle_count /
	// active_count fields.
	IdleWorkers   int64
	ActiveWorkers int64
	// EventsFired is the cumulative count of tasks the scheduler has run:
	// every fiber resume and every callable, which includes fd-event
	// continuations and timer callbacks.
	EventsFired int64
}

func (m *runtimeMetrics) snapshot() Metrics {
	return Metrics{
		ActiveCoroutines: m.activeCoroutines.Load(),
		ActiveTimers:     m.activeTimers.Load(),
		IdleWorkers:      m.idleWorkers.Load(),
		ActiveWorkers:    m.activeWorkers.Load(),
		EventsFired:      m.eventsFired.Load(),
	}
}
