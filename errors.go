// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"errors"
	"fmt"
)

// Sentinel errors for the runtime's error taxonomy (see ERROR HANDLING
// design: InvalidState / SystemCall / Timeout / PeerClosed / NotRegistered).
var (
	// ErrInvalidState is returned (or wrapped into a panic, for internal
	// invariant violations that must never happen in correct code) when an
	// operation is attempted against a coroutine, timer, or event slot in a
	// state that forbids it: resuming a non-Ready coroutine, resetting a
	// Running one, double-arming an already-armed event. TimerWheel
	// insertion has no stopped state and never returns it.
	ErrInvalidState = errors.New("coroloop: invalid state")

	// ErrTimedOut names the timeout condition (errno ETIMEDOUT
	// equivalent). The hook functions do not return it: a timed-out hook
	// returns unix.ETIMEDOUT, which errors.Is does not match to this
	// sentinel.
	ErrTimedOut = errors.New("coroloop: timed out")

	// ErrClosed names the closed-fd condition. The hook functions do not
	// return it: for an fd whose FdRegistry entry is marked closed they call
	// the raw syscall and return its result.
	ErrClosed = errors.New("coroloop: fd closed")

	// ErrNotRegistered indicates a hook was invoked for an fd with no
	// FdRegistry entry; hooks degrade to the raw syscall in this case
	// rather than returning this error to the caller.
	ErrNotRegistered = errors.New("coroloop: fd not registered")

	// ErrStopped is returned by Scheduler.Schedule once the scheduler has
	// entered its stopping state.
	ErrStopped = errors.New("coroloop: scheduler stopped")

	// ErrUnsupportedPlatform is returned by IOLoop construction on
	// platforms with no epoll-style poller implementation.
	ErrUnsupportedPlatform = errors.New("coroloop: unsupported platform")
)

// PanicError wraps a value recovered from a coroutine trampoline panic,
// retaining both the original panic value and a captured stack trace for
// diagnostics. It is never propagated through Resume; the runtime logs it
// and marks the coroutine Terminated instead (see Failure model, C1).
type PanicError struct {
	Value any
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("coroloop: coroutine panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is itself an
// error, enabling errors.Is/errors.As through the cause chain. Returns nil
// if the panic value is not an error (e.g. a string).
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// WrapError wraps cause with a contextual message, preserving the chain for
// errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
