// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// SchedulerState mirrors the teacher's LoopState enum (state.go), adapted
// to this runtime's start/stop lifecycle instead of a browser-style event
// loop's awake/sleeping/terminating cycle.
type SchedulerState uint32

const (
	SchedulerCreated SchedulerState = iota
	SchedulerRunning
	SchedulerStopping
	SchedulerStopped
)

// tickler is implemented by anything that can override the scheduler's
// wakeup mechanism -- the base Scheduler logs (a no-op tickle, per §4.2),
// while IOLoop writes to its self-pipe.
type tickler interface {
	tickle()
}

// SchedulerOption configures a Scheduler at construction.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	name       string
	threads    int
	useCaller  bool
	config     *Config
	metrics    bool
}

// WithWorkers sets thread_count. With WithCallerParticipation enabled,
// worker #0 counts within thread_count when thread_count > 1 (thread_count
// workers in total); thread_count 0 or 1 gives that many dedicated workers
// plus worker #0.
func WithWorkers(n int) SchedulerOption {
	return func(o *schedulerOptions) { o.threads = n }
}

// WithCallerParticipation sets use_caller: the goroutine that calls Start
// also participates as worker #0.
func WithCallerParticipation(enabled bool) SchedulerOption {
	return func(o *schedulerOptions) { o.useCaller = enabled }
}

// WithName sets the scheduler's diagnostic name, returned by Name (see
// DESIGN.md Supplemented features). The name is not included in log
// entries.
func WithName(name string) SchedulerOption {
	return func(o *schedulerOptions) { o.name = name }
}

// WithConfig attaches a *Config other than the package default.
func WithConfig(c *Config) SchedulerOption {
	return func(o *schedulerOptions) { o.config = c }
}

// WithMetrics enables the counters returned by Scheduler.Metrics.
func WithMetrics(enabled bool) SchedulerOption {
	return func(o *schedulerOptions) { o.metrics = enabled }
}

// Scheduler is a work-stealing-free, FIFO multi-thread coroutine/callable
// runner (C3). It owns a fixed worker pool, a single-mutex task queue, and
// the tickle/idle wakeup protocol described in spec.md §4.2.
type Scheduler struct {
	name      string
	queue     *taskQueue
	config    *Config
	metrics   *runtimeMetrics
	self      tickler // overridden by IOLoop to point at itself

	state atomic.Uint32

	idleCount   atomic.Int64
	activeCount atomic.Int64

	stopping atomic.Bool
	autoStop atomic.Bool

	workerCount int
	useCaller   bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	doneCh   chan struct{}

	// idleBody builds the body of each worker's idle coroutine, given the
	// worker id; the base Scheduler's body yields until the stopping
	// predicate holds, while IOLoop's overrides it with the epoll wait.
	idleBody func(workerID int) func()

	// carriers holds one reusable coroutine per worker, indexed by worker
	// id, for CallableTask entries, per run loop step 3.
	carriers []*Coroutine

	// extraStopGate lets IOLoop add its own stricter stopping predicate
	// (pending_event_count==0 and no live timers) without Scheduler having
	// to know about IOLoop; nil means "no extra condition".
	extraStopGate func() bool

	// ownerIOLoop is set by NewIOLoop to point back at the IOLoop wrapping
	// this Scheduler, so CurrentIOLoop can recover it given only the
	// *Scheduler a worker's pivot records; nil for a plain Scheduler.
	ownerIOLoop *IOLoop
}

// NewScheduler constructs a Scheduler per the given options. thread_count
// defaults to 1 additional worker with no caller participation.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	o := schedulerOptions{threads: 1, config: defaultConfig}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Scheduler{
		name:      o.name,
		queue:     newTaskQueue(),
		config:    o.config,
		useCaller: o.useCaller,
		doneCh:    make(chan struct{}),
	}
	if o.metrics {
		s.metrics = &runtimeMetrics{}
	}
	s.self = s
	// Per spec.md's Open Question #2 (also DESIGN.md resolution): when
	// use_caller is set, the caller becomes worker #0 and, for
	// thread_count > 1, thread_count is decremented by one before spawning
	// the remaining plain workers; thread_count=1 keeps one dedicated
	// worker alongside worker #0 (two total).
	threads := o.threads
	if o.useCaller && threads > 1 {
		threads--
	}
	s.workerCount = threads
	if o.useCaller {
		s.workerCount++
	}
	s.carriers = make([]*Coroutine, s.workerCount)
	s.idleBody = s.defaultIdleBody
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// IdleCount / ActiveCount mirror the C3 data model fields of the same
// name, supplemented per DESIGN.md from original_source's
// Scheduler::hasIdleThreads().
func (s *Scheduler) IdleCount() int64   { return s.idleCount.Load() }
func (s *Scheduler) ActiveCount() int64 { return s.activeCount.Load() }

// Metrics returns a point-in-time snapshot, populated only if WithMetrics
// was passed to NewScheduler; otherwise every field reads zero.
func (s *Scheduler) Metrics() Metrics {
	if s.metrics == nil {
		return Metrics{}
	}
	m := s.metrics.snapshot()
	m.IdleWorkers = s.idleCount.Load()
	m.ActiveWorkers = s.activeCount.Load()
	if s.ownerIOLoop != nil {
		if w := s.ownerIOLoop.Timers(); w != nil {
			w.mu.RLock()
			m.ActiveTimers = int64(len(w.heap))
			w.mu.RUnlock()
		}
	}
	return m
}

// Schedule enqueues a single Task. If the queue was empty, tickle() is
// invoked so a sleeping worker observes the new work promptly.
func (s *Scheduler) Schedule(fiberOrCallable any, target int) error {
	if s.stopping.Load() {
		return ErrStopped
	}
	t, err := taskFromAny(fiberOrCallable, target)
	if err != nil {
		return err
	}
	if s.queue.pushBack(t) {
		s.self.tickle()
	}
	return nil
}

// ScheduleBulk enqueues every task in ts, tickling at most once.
func (s *Scheduler) ScheduleBulk(items []any, target int) error {
	if s.stopping.Load() {
		return ErrStopped
	}
	tasks := make([]Task, 0, len(items))
	for _, it := range items {
		t, err := taskFromAny(it, target)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	if s.queue.pushBackBulk(tasks) {
		s.self.tickle()
	}
	return nil
}

func taskFromAny(v any, target int) (Task, error) {
	switch x := v.(type) {
	case *Coroutine:
		return Task{Kind: FiberTask, Fiber: x, Target: target}, nil
	case func():
		return Task{Kind: CallableTask, Callable: x, Target: target}, nil
	default:
		return Task{}, WrapError("Schedule", ErrInvalidState)
	}
}

// tickle is the base Scheduler's wakeup: a logging no-op, per spec.md
// §4.2 ("For the plain scheduler tickle is a logging no-op"). IOLoop
// overrides this by embedding Scheduler and shadowing tickle via its own
// tickler implementation.
func (s *Scheduler) tickle() {
	logScheduler(logiface.LevelDebug, "tickle", nil)
}

// Start spawns the worker pool. Idempotent: calling Start on an
// already-running or stopped Scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.state.CompareAndSwap(uint32(SchedulerCreated), uint32(SchedulerRunning)) {
		return
	}
	s.stopping.Store(false)
	workerID := 0
	if s.useCaller {
		// Worker #0 is the caller-participation worker. Start does not
		// block: worker #0 runs on its own goroutine like every other
		// worker, and the caller's goroutine returns from Start without
		// running tasks. Its idle coroutine is recorded as its
		// scheduler_main (workerPivot.schedulerMain), as for every worker.
		s.wg.Add(1)
		go s.runWorker(workerID)
		workerID++
	}
	for ; workerID < s.workerCount; workerID++ {
		s.wg.Add(1)
		go s.runWorker(workerID)
	}
	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()
}

// Stop requests shutdown: sets auto_stop, tickles every worker (plus the
// root, if applicable), waits for all workers to terminate, then
// transitions to Stopped. Calling Stop on a Scheduler that never Started,
// or quiescent scheduler (no queued work, no live workers), short-circuits
// immediately per spec.md §4.2.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.autoStop.Store(true)
		if s.state.CompareAndSwap(uint32(SchedulerCreated), uint32(SchedulerStopped)) {
			// never started: no worker goroutine exists to close doneCh
			close(s.doneCh)
			return
		}
		s.stopping.Store(true)
		s.state.Store(uint32(SchedulerStopping))
		for i := 0; i < s.workerCount; i++ {
			s.self.tickle()
		}
		s.wg.Wait()
		s.state.Store(uint32(SchedulerStopped))
	})
	<-s.doneCh
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() SchedulerState { return SchedulerState(s.state.Load()) }

// stoppingPredicate reports whether the run loop is allowed to exit: base
// Scheduler only checks the stopping flag (runWorker separately requires
// the idle coroutine to have terminated); IOLoop additionally requires
// pending_event_count==0 and no live timers (see stopGate in ioloop.go).
func (s *Scheduler) stoppingPredicate() bool {
	if !s.stopping.Load() {
		return false
	}
	if s.extraStopGate != nil {
		return s.extraStopGate()
	}
	return true
}

// runWorker is the body executed by each worker goroutine: the Run loop
// described in spec.md §4.2.
func (s *Scheduler) runWorker(workerID int) {
	defer s.wg.Done()
	wp := setWorkerPivot(s)
	defer clearWorkerPivot()

	idle := NewCoroutine(s.idleBody(workerID), 0, true)
	wp.schedulerMain = idle

	s.activeCount.Add(1)
	defer s.activeCount.Add(-1)

	for {
		t, ok, skipped := s.queue.popFront(workerID)
		if ok {
			s.runTask(workerID, t)
			continue
		}
		if skipped {
			// a task exists but is pinned to another worker; nudge that
			// worker rather than spinning hot on this one.
			s.self.tickle()
		}
		if s.stoppingPredicate() && idle.State() == stateTerminated {
			return
		}
		s.idleCount.Add(1)
		if idle.State() == stateTerminated {
			// the idle coroutine already finished (e.g. IOLoop decided to
			// exit); recreate so the loop can still park productively if
			// stoppingPredicate flips back to false transiently.
			idle = NewCoroutine(s.idleBody(workerID), 0, true)
			wp.schedulerMain = idle
		}
		_ = idle.Resume()
		s.idleCount.Add(-1)
		if s.stoppingPredicate() && idle.State() == stateTerminated {
			return
		}
	}
}

func (s *Scheduler) runTask(workerID int, t Task) {
	switch t.Kind {
	case FiberTask:
		if t.Fiber.State() != stateReady {
			return
		}
		if t.Fiber.metrics == nil && !t.Fiber.started.Load() {
			t.Fiber.metrics = s.metrics
		}
		_ = t.Fiber.Resume()
		if t.Fiber.State() == stateReady {
			_ = s.queue.pushBack(Task{Kind: FiberTask, Fiber: t.Fiber, Target: t.Target})
		}
		if s.metrics != nil {
			s.metrics.eventsFired.Add(1)
		}
	case CallableTask:
		carrier := s.carrierFor(workerID)
		carrier.metrics = s.metrics
		_ = carrier.Reset(t.Callable)
		_ = carrier.Resume()
		if s.metrics != nil {
			s.metrics.eventsFired.Add(1)
		}
	}
}

func (s *Scheduler) carrierFor(workerID int) *Coroutine {
	if workerID >= 0 && workerID < len(s.carriers) {
		if s.carriers[workerID] == nil {
			s.carriers[workerID] = NewCoroutine(func() {}, 0, true)
		}
		return s.carriers[workerID]
	}
	return NewCoroutine(func() {}, 0, true)
}

// defaultIdleBody is the plain Scheduler's idle coroutine: it simply
// parks, yielding once per resumption, forever, until the worker loop
// decides (via stoppingPredicate) to stop resuming it. A real "park until
// tickled" wait is unnecessary here because runWorker only resumes idle
// when the queue was observed empty, and the scheduler's own goroutine
// scheduling already yields the OS thread -- IOLoop overrides idleBody
// with the actual epoll_wait-driven readiness loop.
func (s *Scheduler) defaultIdleBody(workerID int) func() {
	return func() {
		for !s.stoppingPredicate() {
			Yield()
		}
	}
}
