// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package coroloop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHookEnabledIsPerGoroutine(t *testing.T) {
	assert.False(t, HookEnabled())
	SetHookEnabled(true)
	assert.True(t, HookEnabled())
	SetHookEnabled(false)
	assert.False(t, HookEnabled())
}

// TestSleepHookTiming exercises scenario 1: in a single-worker scheduler, a
// coroutine records T0, calls Sleep(1s), records T1; the elapsed time must
// land within [900ms, 1500ms] and the coroutine must terminate.
func TestSleepHookTiming(t *testing.T) {
	loop := newTestIOLoop(t)

	var elapsed time.Duration
	done := make(chan struct{})
	co := NewCoroutine(func() {
		t0 := time.Now()
		_ = Sleep(time.Second)
		elapsed = time.Since(t0)
		close(done)
	}, 0, true)

	require.NoError(t, loop.Schedule(co, AnyThread))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("sleep hook never returned")
	}
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 1500*time.Millisecond)
	waitForState(t, co, stateTerminated, time.Second)
}

// TestConnectHookSuccess exercises scenario 2: connecting to a live local
// listener returns success and registers the fd as a socket.
func TestConnectHookSuccess(t *testing.T) {
	loop := newTestIOLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
		}
	}()

	var connErr error
	var fd int
	done := make(chan struct{})
	co := NewCoroutine(func() {
		SetHookEnabled(true)
		cfg := NewConfig(WithConnectTimeout(time.Second))
		fd, connErr = Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if connErr != nil {
			close(done)
			return
		}
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		connErr = Connect(fd, sa, cfg)
		close(done)
	}, 0, true)

	require.NoError(t, loop.Schedule(co, AnyThread))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connect hook never returned")
	}
	require.NoError(t, connErr)
	entry := globalFdRegistry.Get(fd, false)
	require.NotNil(t, entry)
	assert.True(t, entry.IsSocket())
	unix.Close(fd)
}

// TestConnectHookTimeout exercises scenario 3: connecting to a
// non-routable blackhole address with a short timeout returns ETIMEDOUT
// within roughly the configured bound.
func TestConnectHookTimeout(t *testing.T) {
	loop := newTestIOLoop(t)

	var connErr error
	var elapsed time.Duration
	done := make(chan struct{})
	co := NewCoroutine(func() {
		SetHookEnabled(true)
		cfg := NewConfig(WithConnectTimeout(200 * time.Millisecond))
		fd, err := Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		sa := &unix.SockaddrInet4{Port: 1}
		copy(sa.Addr[:], net.ParseIP("10.255.255.1").To4())
		t0 := time.Now()
		connErr = Connect(fd, sa, cfg)
		elapsed = time.Since(t0)
		unix.Close(fd)
		close(done)
	}, 0, true)

	require.NoError(t, loop.Schedule(co, AnyThread))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connect hook never returned")
	}
	assert.ErrorIs(t, connErr, unix.ETIMEDOUT)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 1*time.Second)
}

func TestCloseHookCancelsEventsAndRemovesEntry(t *testing.T) {
	loop := newTestIOLoop(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	defer unix.Close(fds[1])

	globalFdRegistry.Get(fds[0], true)
	fired := make(chan struct{}, 1)
	require.NoError(t, loop.AddEvent(fds[0], EventRead, func() { fired <- struct{}{} }))

	var closeErr error
	done := make(chan struct{})
	co := NewCoroutine(func() {
		closeErr = Close(fds[0])
		close(done)
	}, 0, true)
	require.NoError(t, loop.Schedule(co, AnyThread))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook coroutine never finished")
	}
	require.NoError(t, closeErr)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired pending continuation")
	}
	assert.Nil(t, globalFdRegistry.Get(fds[0], false))
}

func TestFcntlHookTracksUserNonblock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	entry := globalFdRegistry.Get(fds[0], true)
	entry.SetUserNonblock(false)

	_, err = Fcntl(fds[0], unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.True(t, entry.UserNonblock())

	flags, err := Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestSetsockoptTimeoutRecordsInRegistry(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, SetsockoptTimeout(fds[0], TimeoutRecv, 250*time.Millisecond))
	got, err := GetsockoptTimeout(fds[0], TimeoutRecv)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, got)
}
