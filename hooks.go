// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package coroloop

import (
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// hookEnabled is the per-goroutine hook_enable flag (§4.6): off by default,
// turned on inside scheduler workers that want hooked syscalls to suspend
// the calling coroutine instead of blocking the OS thread. Go offers no
// symbol interposition at link time, so -- per spec.md §9's own fallback
// clause ("An implementation that cannot intercept symbols at link time
// must expose the same surface as explicit functions the application
// calls") -- this package exposes Sleep/Socket/Connect/... as ordinary
// functions rather than intercepting libc.
var hookEnabled struct {
	mu sync.Mutex
	m  map[uint64]bool
}

func init() {
	hookEnabled.m = make(map[uint64]bool)
}

// SetHookEnabled turns hooked (coroutine-suspending) syscall behavior on or
// off for the calling goroutine.
func SetHookEnabled(enabled bool) {
	gid := getGoroutineID()
	hookEnabled.mu.Lock()
	defer hookEnabled.mu.Unlock()
	if enabled {
		hookEnabled.m[gid] = true
	} else {
		delete(hookEnabled.m, gid)
	}
}

// HookEnabled reports whether the calling goroutine currently has hooked
// syscall behavior enabled.
func HookEnabled() bool {
	gid := getGoroutineID()
	hookEnabled.mu.Lock()
	defer hookEnabled.mu.Unlock()
	return hookEnabled.m[gid]
}

// CurrentIOLoop returns the IOLoop owning the calling worker goroutine, or
// nil if the caller is not running inside one (external interface, §6).
func CurrentIOLoop() *IOLoop {
	sched := CurrentScheduler()
	if sched == nil {
		return nil
	}
	return sched.ownerIOLoop
}

// timerInfo is the shared "TimerInfo" witness object from spec.md §4.6: its
// timedOut field is how a coroutine parked on an fd event distinguishes a
// timeout from natural readiness once both the timer and the event could
// race to resume it.
type timerInfo struct {
	timedOut bool
}

// awaitReady parks the calling coroutine until fd becomes ready for event,
// or (if timeout >= 0) a deadline elapses first. Returns true if the wait
// ended due to timeout. The timer and the fd event are mutually
// cancelling: whichever fires first disarms the other.
func awaitReady(loop *IOLoop, fd int, event Event, timeout time.Duration) bool {
	info := &timerInfo{}
	var timer *Timer
	if timeout >= 0 {
		ms := timeout.Milliseconds()
		timer = loop.Timers().AddTimer(ms, func() {
			info.timedOut = true
			loop.CancelEvent(fd, event)
		}, false)
	}
	if err := loop.AddEvent(fd, event, nil); err != nil {
		if timer != nil {
			loop.Timers().Cancel(timer)
		}
		return false
	}
	Yield()
	if timer != nil {
		loop.Timers().Cancel(timer)
	}
	return info.timedOut
}

// hookGate reports whether the hooked retry-loop path applies to fd, per
// the common precondition every C7 operation shares: hooking is enabled,
// the fd has a registry entry, the entry isn't closed, it is a socket, and
// the application hasn't asked for raw non-blocking behavior itself.
func hookGate(fd int) (*FdEntry, *IOLoop, bool) {
	if !HookEnabled() {
		return nil, nil, false
	}
	entry := globalFdRegistry.Get(fd, false)
	if entry == nil || entry.Closed() {
		return entry, nil, false
	}
	if !entry.IsSocket() || entry.UserNonblock() {
		return entry, nil, false
	}
	loop := CurrentIOLoop()
	if loop == nil {
		return entry, nil, false
	}
	return entry, loop, true
}

// retryIO implements the shared C7 retry-loop shape: attempt the raw call;
// on EINTR retry immediately; on EAGAIN park on event (with timeoutKind's
// configured deadline) and retry on natural wakeup, or fail with
// ETIMEDOUT; any other result (success or a different error) returns
// as-is.
func retryIO(fd int, event Event, kind TimeoutKind, attempt func() (int, error)) (int, error) {
	entry, loop, hooked := hookGate(fd)
	if !hooked {
		return attempt()
	}
	for {
		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return n, err
		}
		timeout := entry.GetTimeout(kind)
		if awaitReady(loop, fd, event, timeout) {
			return -1, unix.ETIMEDOUT
		}
	}
}

// Sleep suspends the calling coroutine for d, without blocking its worker
// thread: it arms a one-shot timer that re-enqueues the coroutine as a
// FiberTask on wake, then yields (§4.6, sleep/usleep/nanosleep family). d
// is converted to whole milliseconds, rounding up so short durations never
// collapse to a no-op timer. Falls back to a real blocking time.Sleep if
// called outside a coroutine running on an IOLoop, since there is then no
// scheduler to re-enqueue onto.
func Sleep(d time.Duration) error {
	loop := CurrentIOLoop()
	co := Current()
	if loop == nil || co == nil {
		time.Sleep(d)
		return nil
	}
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	loop.Timers().AddTimer(ms, func() {
		_ = loop.Schedule(co, AnyThread)
	}, false)
	Yield()
	return nil
}

// Socket is the hooked socket(2): on success the new fd is registered with
// auto_create so subsequent hooked I/O recognizes it.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	globalFdRegistry.Get(fd, true)
	return fd, nil
}

// Connect is the hooked connect(2): a non-blocking connect that parks the
// calling coroutine on Write-readiness until the kernel reports the
// outcome via SO_ERROR, or until tcp.connect.timeout elapses.
func Connect(fd int, sa unix.Sockaddr, cfg *Config) error {
	_, loop, hooked := hookGate(fd)
	err := unix.Connect(fd, sa)
	if err == nil || !hooked {
		return err
	}
	if err != unix.EINPROGRESS {
		return err
	}
	if cfg == nil {
		cfg = defaultConfig
	}
	timedOut := awaitReady(loop, fd, EventWrite, cfg.ConnectTimeout())
	if timedOut {
		logHook(logiface.LevelDebug, fd, "connect timed out", nil)
		return unix.ETIMEDOUT
	}
	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept is the hooked accept(2): read-event pattern; on success the new
// fd is registered.
func Accept(fd int) (int, unix.Sockaddr, error) {
	entry, loop, hooked := hookGate(fd)
	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			globalFdRegistry.Get(nfd, true)
			return nfd, sa, nil
		}
		if !hooked {
			return -1, nil, err
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return -1, nil, err
		}
		if awaitReady(loop, fd, EventRead, entry.GetTimeout(TimeoutRecv)) {
			return -1, nil, unix.ETIMEDOUT
		}
	}
}

// Read is the hooked read(2).
func Read(fd int, p []byte) (int, error) {
	return retryIO(fd, EventRead, TimeoutRecv, func() (int, error) { return unix.Read(fd, p) })
}

// Readv is the hooked readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return retryIO(fd, EventRead, TimeoutRecv, func() (int, error) { return readv(fd, iovs) })
}

// Recv is the hooked recv(2) (recvfrom with nil peer address).
func Recv(fd int, p []byte, flags int) (int, error) {
	return retryIO(fd, EventRead, TimeoutRecv, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// RecvFrom is the hooked recvfrom(2).
func RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	entry, loop, hooked := hookGate(fd)
	for {
		n, from, err := unix.Recvfrom(fd, p, flags)
		if err == nil {
			return n, from, nil
		}
		if !hooked {
			return n, from, err
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return n, from, err
		}
		if awaitReady(loop, fd, EventRead, entry.GetTimeout(TimeoutRecv)) {
			return -1, nil, unix.ETIMEDOUT
		}
	}
}

// RecvMsg is the hooked recvmsg(2).
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn int, err error) {
	entry, loop, hooked := hookGate(fd)
	for {
		var recvflags int
		n, oobn, recvflags, _, err = unix.Recvmsg(fd, p, oob, flags)
		_ = recvflags
		if err == nil {
			return n, oobn, nil
		}
		if !hooked {
			return n, oobn, err
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return n, oobn, err
		}
		if awaitReady(loop, fd, EventRead, entry.GetTimeout(TimeoutRecv)) {
			return -1, -1, unix.ETIMEDOUT
		}
	}
}

// Write is the hooked write(2).
func Write(fd int, p []byte) (int, error) {
	return retryIO(fd, EventWrite, TimeoutSend, func() (int, error) { return unix.Write(fd, p) })
}

// Writev is the hooked writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return retryIO(fd, EventWrite, TimeoutSend, func() (int, error) { return writev(fd, iovs) })
}

// Send is the hooked send(2) (sendto with nil peer address).
func Send(fd int, p []byte, flags int) (int, error) {
	return retryIO(fd, EventWrite, TimeoutSend, func() (int, error) {
		err := unix.Sendto(fd, p, flags, nil)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendTo is the hooked sendto(2).
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return retryIO(fd, EventWrite, TimeoutSend, func() (int, error) {
		err := unix.Sendto(fd, p, flags, to)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendMsg is the hooked sendmsg(2).
func SendMsg(fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	return retryIO(fd, EventWrite, TimeoutSend, func() (int, error) {
		n, err := unix.SendmsgN(fd, p, oob, to, flags)
		return n, err
	})
}

// readv/writev are thin helpers over Read/Write since x/sys/unix has no
// direct readv/writev wrapper with the unix.Errno semantics retryIO
// expects; they iterate the buffer list sequentially, matching the
// "single syscall result drives one retry decision" shape of every other
// hook. A sub-call's EAGAIN is only surfaced to retryIO's caller (which
// re-invokes attempt from scratch on EAGAIN) when nothing has been
// transferred yet; once any byte of a prior iov has been consumed, the
// helper returns the partial count with a nil error instead, so retryIO
// never re-reads/re-writes already-consumed buffers.
func readv(fd int, iovs [][]byte) (int, error) {
	total := 0
	for _, b := range iovs {
		if len(b) == 0 {
			continue
		}
		n, err := unix.Read(fd, b)
		total += n
		if err != nil {
			if err == unix.EAGAIN && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

func writev(fd int, iovs [][]byte) (int, error) {
	total := 0
	for _, b := range iovs {
		if len(b) == 0 {
			continue
		}
		n, err := unix.Write(fd, b)
		total += n
		if err != nil {
			if err == unix.EAGAIN && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// Close is the hooked close(2): cancels every armed event on fd (firing
// remaining continuations so they observe the closed state and unwind),
// removes the FdRegistry entry, then calls the raw close.
func Close(fd int) error {
	if loop := CurrentIOLoop(); loop != nil {
		loop.CancelAll(fd)
	}
	globalFdRegistry.Remove(fd)
	return unix.Close(fd)
}

// Fcntl implements the hooked fcntl(2) subset: F_SETFL records the
// user-visible non-block flag and ORs in the system-forced one before
// issuing the real fcntl; F_GETFL masks the system-forced bit back out so
// the application only ever observes what it asked for. Every other
// command passes through unchanged.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	entry := globalFdRegistry.Get(fd, true)
	switch cmd {
	case unix.F_SETFL:
		userNonblock := arg&unix.O_NONBLOCK != 0
		entry.SetUserNonblock(userNonblock)
		realArg := arg | unix.O_NONBLOCK
		return unix.FcntlInt(uintptr(fd), cmd, realArg)
	case unix.F_GETFL:
		r, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return r, err
		}
		if entry.SystemNonblock() && !entry.UserNonblock() {
			r &^= unix.O_NONBLOCK
		}
		return r, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl implements the hooked ioctl(2) subset: only FIONBIO is
// intercepted, to track the user-visible non-block flag; it still passes
// the call through to the kernel.
func Ioctl(fd int, req uint, nonblocking bool) error {
	if req == unix.FIONBIO {
		entry := globalFdRegistry.Get(fd, true)
		entry.SetUserNonblock(nonblocking)
	}
	v := 0
	if nonblocking {
		v = 1
	}
	return unix.IoctlSetInt(fd, req, v)
}

// GetsockoptTimeout is the hooked getsockopt(SOL_SOCKET, SO_RCVTIMEO |
// SO_SNDTIMEO): it returns the timeout last recorded in the FdRegistry
// (which setsockopt below also intercepts), falling back to the raw
// kernel value for an fd the registry has no entry for.
func GetsockoptTimeout(fd int, kind TimeoutKind) (time.Duration, error) {
	entry := globalFdRegistry.Get(fd, false)
	if entry != nil {
		return entry.GetTimeout(kind), nil
	}
	opt := unix.SO_RCVTIMEO
	if kind == TimeoutSend {
		opt = unix.SO_SNDTIMEO
	}
	tv, err := unix.GetsockoptTimeval(fd, unix.SOL_SOCKET, opt)
	if err != nil {
		return 0, err
	}
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond, nil
}

// SetsockoptTimeout is the hooked setsockopt(SOL_SOCKET, SO_RCVTIMEO |
// SO_SNDTIMEO): it records the timeout in the FdRegistry, so the runtime's
// own timer arming uses it, in addition to calling the raw setsockopt.
func SetsockoptTimeout(fd int, kind TimeoutKind, d time.Duration) error {
	entry := globalFdRegistry.Get(fd, true)
	entry.SetTimeout(kind, d)
	opt := unix.SO_RCVTIMEO
	if kind == TimeoutSend {
		opt = unix.SO_SNDTIMEO
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}
