// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package coroloop implements a user-space coroutine runtime: stackful
// coroutines scheduled FIFO across a small pool of worker goroutines, a
// timer wheel integrated with the scheduler's sleep bound, and an
// epoll-based I/O loop that exposes coroutine-aware replacements for the
// usual blocking network syscalls.
//
// A typical consumer spawns a Scheduler, optionally upgrades it to an
// IOLoop, enables hooks on its workers, and then writes ordinary sequential
// code inside a coroutine body:
//
//	sched, err := coroloop.NewIOLoop(coroloop.WithWorkers(2))
//	sched.Start()
//	defer sched.Stop()
//
//	sched.Schedule(coroloop.NewCoroutine(func() {
//		coroloop.SetHookEnabled(true)
//		err := coroloop.Connect(fd, addr, nil)
//		...
//	}, 0, true), coroloop.AnyThread)
package coroloop
