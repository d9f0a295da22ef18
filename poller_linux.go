// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package coroloop

import (
	"golang.org/x/sys/unix"
)

// epollPoller is a thin wrapper over epoll_create1/epoll_ctl/epoll_wait,
// grounded directly on the teacher's FastPoller (poller_linux.go): direct
// syscalls, no buffering beyond the caller-supplied event slice. Unlike
// FastPoller's fixed-size direct-indexed fds array keyed purely by fd
// number, slot bookkeeping here lives in IOLoop's own grown-on-demand
// slice (mirroring FdRegistry's growth policy) -- epollPoller itself is
// just the syscall boundary.
type epollPoller struct {
	epfd int
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

// epollEventBits maps spec.md's Read/Write event bits onto epoll's.
// Edge-triggered per spec.md §4.5 ("register... with edge-triggered
// readable notification" / "issue the update... edge-triggered").
func epollEventBits(events Event) uint32 {
	var bits uint32 = unix.EPOLLET
	if events&EventRead != 0 {
		bits |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (p *epollPoller) add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: epollEventBits(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: epollEventBits(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(buf []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

// decodeEpollEvent converts a raw epoll event mask into the (readable,
// writable) pair the readiness loop pseudocode computes, treating HUP/ERR
// as both per spec.md §4.5.
func decodeEpollEvent(mask uint32) (readReady, writeReady bool) {
	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		return true, true
	}
	return mask&unix.EPOLLIN != 0, mask&unix.EPOLLOUT != 0
}

// makeSelfPipe creates the tickle self-pipe: tickle_fds[0] is the
// non-blocking read end, tickle_fds[1] the write end, per spec.md's
// literal glossary definition of "Tickle" ("a byte written to a
// self-pipe"). This is a deliberate divergence from the teacher's own
// eventfd-based wakeup_linux.go -- see DESIGN.md / SPEC_FULL.md REDESIGN
// FLAGS.
func makeSelfPipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
