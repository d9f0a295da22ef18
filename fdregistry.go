// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TimeoutKind distinguishes the two per-fd timeouts FdEntry tracks.
type TimeoutKind int

const (
	TimeoutRecv TimeoutKind = iota
	TimeoutSend
)

// InfiniteTimeout is the sentinel meaning "no timer is armed" for
// FdEntry's recv/send timeouts.
const InfiniteTimeout time.Duration = -1

// FdEntry is the per-fd state recorded on first observation (C5 data
// model).
type FdEntry struct {
	mu             sync.Mutex
	initialized    bool
	isSocket       bool
	systemNonblock bool
	userNonblock   bool
	closed         bool
	recvTimeout    time.Duration
	sendTimeout    time.Duration
}

// FdRegistry is the process-wide, reader-writer-locked table of FdEntry,
// grounded on the teacher's FastPoller.fds direct-indexed slice (C5).
type FdRegistry struct {
	mu      sync.RWMutex
	entries []*FdEntry
}

// NewFdRegistry constructs an empty registry.
func NewFdRegistry() *FdRegistry {
	return &FdRegistry{}
}

// globalFdRegistry is the single process-wide instance hooks.go consults,
// per spec.md §4.4 ("The registry is shared process-wide").
var globalFdRegistry = NewFdRegistry()

// Get returns the FdEntry for fd, creating it (querying socket-ness and
// forcing the kernel-side non-block flag on, if so) when autoCreate is
// true and no entry yet exists. Returns nil for fd < 0.
func (r *FdRegistry) Get(fd int, autoCreate bool) *FdEntry {
	if fd < 0 {
		return nil
	}
	r.mu.RLock()
	if fd < len(r.entries) && r.entries[fd] != nil {
		e := r.entries[fd]
		r.mu.RUnlock()
		return e
	}
	r.mu.RUnlock()
	if !autoCreate {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.entries) && r.entries[fd] != nil {
		return r.entries[fd]
	}
	if fd >= len(r.entries) {
		grown := make([]*FdEntry, int(float64(fd+1)*1.5)+1)
		copy(grown, r.entries)
		r.entries = grown
	}
	e := &FdEntry{
		initialized: true,
		recvTimeout: InfiniteTimeout,
		sendTimeout: InfiniteTimeout,
	}
	e.isSocket = isSocket(fd)
	if e.isSocket {
		if err := setNonblock(fd, true); err == nil {
			e.systemNonblock = true
		}
	}
	r.entries[fd] = e
	return e
}

// Remove clears fd's slot, called from the hooked close().
func (r *FdRegistry) Remove(fd int) {
	if fd < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.entries) {
		r.entries[fd] = nil
	}
}

// SetTimeout records the recv/send deadline used by hooked I/O; d ==
// InfiniteTimeout means no timer is armed.
func (e *FdEntry) SetTimeout(kind TimeoutKind, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case TimeoutRecv:
		e.recvTimeout = d
	case TimeoutSend:
		e.sendTimeout = d
	}
}

// GetTimeout returns the recv/send deadline currently recorded.
func (e *FdEntry) GetTimeout(kind TimeoutKind) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case TimeoutRecv:
		return e.recvTimeout
	default:
		return e.sendTimeout
	}
}

// MarkClosed flags the entry as closed. Hooks treat a closed entry like an
// unregistered fd: they call the raw syscall directly and return its
// result; they do not synthesize EBADF themselves.
func (e *FdEntry) MarkClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Closed reports whether the entry has been marked closed.
func (e *FdEntry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// IsSocket reports whether fd was observed to be a socket.
func (e *FdEntry) IsSocket() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSocket
}

// UserNonblock / SetUserNonblock track the F_SETFL/ioctl(FIONBIO)
// non-block flag the application itself requested (as distinct from the
// system_nonblock the runtime forces on every hooked socket fd).
func (e *FdEntry) UserNonblock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userNonblock
}

func (e *FdEntry) SetUserNonblock(v bool) {
	e.mu.Lock()
	e.userNonblock = v
	e.mu.Unlock()
}

func (e *FdEntry) SystemNonblock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemNonblock
}

func isSocket(fd int) bool {
	_, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	return err == nil
}

func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}
