// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !linux

package coroloop

// Event is a bitset of {Read, Write}; see ioloop.go (linux) for the
// real definition. Kept here so the IOLoop stub methods below keep the
// same signatures on unsupported platforms (hooks.go is linux-only).
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
)

// IOLoop is unimplemented outside linux; see NewIOLoop.
type IOLoop struct {
	*Scheduler
}

// Timers is unreachable: NewIOLoop always fails first on this platform.
func (l *IOLoop) Timers() *TimerWheel { return nil }

// FdRegistry returns the process-wide FdRegistry hooks.go consults.
func (l *IOLoop) FdRegistry() *FdRegistry { return globalFdRegistry }

// AddEvent is unreachable: NewIOLoop always fails first on this platform.
func (l *IOLoop) AddEvent(fd int, event Event, callback func()) error {
	return ErrUnsupportedPlatform
}

// RemoveEvent is unreachable: NewIOLoop always fails first on this platform.
func (l *IOLoop) RemoveEvent(fd int, event Event) bool { return false }

// CancelEvent is unreachable: NewIOLoop always fails first on this platform.
func (l *IOLoop) CancelEvent(fd int, event Event) bool { return false }

// CancelAll is unreachable: NewIOLoop always fails first on this platform.
func (l *IOLoop) CancelAll(fd int) bool { return false }

// NewIOLoop is only implemented for linux (epoll); the core's scheduler,
// timer wheel, and coroutine primitive (C1-C4) remain fully portable.
func NewIOLoop(opts ...SchedulerOption) (*IOLoop, error) {
	return nil, ErrUnsupportedPlatform
}
