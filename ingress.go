// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import "sync"

// TaskKind distinguishes the two Task variants the C3 data model allows.
type TaskKind int

const (
	// FiberTask wraps a Coroutine handle to be resumed.
	FiberTask TaskKind = iota
	// CallableTask wraps a bare closure to be run on a reusable carrier
	// coroutine (see Scheduler run loop step 3).
	CallableTask
)

// AnyThread is the target_thread sentinel meaning "any worker may run
// this task."
const AnyThread = -1

// Task is a single Scheduler queue entry.
type Task struct {
	Kind     TaskKind
	Fiber    *Coroutine
	Callable func()
	Target   int
}

// chunkSize matches the grouping the teacher's ChunkedIngress batches
// entries into, trading a little wasted capacity in the tail chunk for far
// fewer allocations than a node-per-task linked list.
const chunkSize = 32

type taskChunk struct {
	tasks [chunkSize]Task
	n     int
	next  *taskChunk
}

// taskQueue is a FIFO of Task guarded by a single mutex, per spec.md §5
// ("The Scheduler task queue uses a single mutex"). It is shaped like the
// teacher's ChunkedIngress (a singly-linked list of fixed-size chunks with
// head/tail cursors), but deliberately drops that type's lock-free
// MicrotaskRing fast path: that mechanism exists in the teacher to serve a
// single-producer microtask model this spec does not have, and spec.md's
// explicit single-mutex mandate rules it out here regardless.
type taskQueue struct {
	mu         sync.Mutex
	head, tail *taskChunk
	len        int
	freeList   *taskChunk
}

func newTaskQueue() *taskQueue {
	c := &taskChunk{}
	return &taskQueue{head: c, tail: c}
}

// pushBack appends t, returning true if the queue was empty beforehand
// (the caller uses this to decide whether to tickle).
func (q *taskQueue) pushBack(t Task) bool {
	q.mu.Lock()
	wasEmpty := q.len == 0
	if q.tail.n == chunkSize {
		next := q.allocChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.n] = t
	q.tail.n++
	q.len++
	q.mu.Unlock()
	return wasEmpty
}

// pushBackBulk appends every task in ts, tickling the caller's decision at
// most once (it too only reports whether the queue was empty before the
// first push).
func (q *taskQueue) pushBackBulk(ts []Task) bool {
	q.mu.Lock()
	wasEmpty := q.len == 0
	for _, t := range ts {
		if q.tail.n == chunkSize {
			next := q.allocChunk()
			q.tail.next = next
			q.tail = next
		}
		q.tail.tasks[q.tail.n] = t
		q.tail.n++
		q.len++
	}
	q.mu.Unlock()
	return wasEmpty
}

func (q *taskQueue) allocChunk() *taskChunk {
	if q.freeList != nil {
		c := q.freeList
		q.freeList = c.next
		c.next = nil
		c.n = 0
		return c
	}
	return &taskChunk{}
}

// popFront returns and removes the first task addressed to worker, where
// worker==AnyThread matches everything. Entries addressed to a different,
// specific worker are left in place (per the run loop's "skip and set
// tickle_needed" rule) and popFront reports skipped=true so the caller
// knows to tickle other workers.
func (q *taskQueue) popFront(worker int) (task Task, ok bool, skipped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for c := q.head; c != nil; c = c.next {
		for i := 0; i < c.n; i++ {
			t := c.tasks[i]
			if t.Target == AnyThread || t.Target == worker {
				// shift the remainder of this chunk down; chunks are small
				// so this is cheap and keeps in-chunk ordering exact.
				copy(c.tasks[i:c.n-1], c.tasks[i+1:c.n])
				c.n--
				q.len--
				if c == q.head && c.n == 0 {
					q.advanceHeadIfDrained()
				}
				return t, true, skipped
			}
			skipped = true
		}
	}
	return Task{}, false, skipped
}

// advanceHeadIfDrained recycles the head chunk once it has no remaining
// entries, returning it to the free list so future pushes reuse its
// backing array instead of allocating.
func (q *taskQueue) advanceHeadIfDrained() {
	if q.head.next == nil {
		return
	}
	old := q.head
	q.head = q.head.next
	old.next = q.freeList
	q.freeList = old
}

// Len returns the current queue depth.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}
