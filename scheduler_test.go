// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsCallable(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.Schedule(func() { close(done) }, AnyThread))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callable never ran")
	}
}

func TestSchedulerFIFOOrdering(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, s.Schedule(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, AnyThread))
	}
	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestSchedulerTargetedWorker(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	s.Start()
	defer s.Stop()

	var ran atomic.Bool
	require.NoError(t, s.Schedule(func() { ran.Store(true) }, 1))

	deadline := time.Now().Add(2 * time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, ran.Load())
}

func TestSchedulerStopIsIdempotentAndDrains(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	s.Start()
	s.Stop()
	s.Stop() // must not block or panic a second time
	assert.Equal(t, SchedulerStopped, s.State())
}

func TestSchedulerScheduleAfterStopFails(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	s.Start()
	s.Stop()
	err := s.Schedule(func() {}, AnyThread)
	assert.ErrorIs(t, err, ErrStopped)
}

// TestSchedulerUseCallerSubtractsOneWorker resolves spec's Open Question
// #2: use_caller=true, thread_count=1 means a single dedicated worker plus
// the caller-participation worker (two total), not one or three.
func TestSchedulerUseCallerSubtractsOneWorker(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithCallerParticipation(true))
	assert.Equal(t, 2, s.workerCount)

	s2 := NewScheduler(WithWorkers(3), WithCallerParticipation(true))
	assert.Equal(t, 3, s2.workerCount)

	s3 := NewScheduler(WithWorkers(0), WithCallerParticipation(true))
	assert.Equal(t, 1, s3.workerCount)
}

func TestSchedulerFiberTaskReenqueuedUntilTerminated(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	s.Start()
	defer s.Stop()

	var yields atomic.Int32
	done := make(chan struct{})
	co := NewCoroutine(func() {
		yields.Add(1)
		Yield()
		yields.Add(1)
		Yield()
		yields.Add(1)
		close(done)
	}, 0, true)

	require.NoError(t, s.Schedule(co, AnyThread))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never completed")
	}
	waitForState(t, co, stateTerminated, time.Second)
	assert.Equal(t, int32(3), yields.Load())
}

func TestCurrentSchedulerInsideWorker(t *testing.T) {
	s := NewScheduler(WithWorkers(1), WithName("test-sched"))
	s.Start()
	defer s.Stop()

	found := make(chan *Scheduler, 1)
	require.NoError(t, s.Schedule(func() {
		found <- CurrentScheduler()
	}, AnyThread))

	select {
	case got := <-found:
		assert.Same(t, s, got)
	case <-time.After(2 * time.Second):
		t.Fatal("never observed CurrentScheduler")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for WaitGroup")
	}
}

func waitForState(t *testing.T, co *Coroutine, want CoroutineState, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if co.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("coroutine never reached state %v, still %v", want, co.State())
}
