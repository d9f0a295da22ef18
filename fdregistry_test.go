// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFdRegistryGetAutoCreate(t *testing.T) {
	r := NewFdRegistry()
	assert.Nil(t, r.Get(5, false))

	e := r.Get(5, true)
	require.NotNil(t, e)
	assert.Same(t, e, r.Get(5, true))
	assert.Equal(t, InfiniteTimeout, e.GetTimeout(TimeoutRecv))
	assert.Equal(t, InfiniteTimeout, e.GetTimeout(TimeoutSend))
}

func TestFdRegistryNegativeFd(t *testing.T) {
	r := NewFdRegistry()
	assert.Nil(t, r.Get(-1, true))
}

func TestFdRegistryRemove(t *testing.T) {
	r := NewFdRegistry()
	r.Get(3, true)
	r.Remove(3)
	assert.Nil(t, r.Get(3, false))
}

func TestFdEntryTimeoutsAndClosed(t *testing.T) {
	r := NewFdRegistry()
	e := r.Get(9, true)
	e.SetTimeout(TimeoutRecv, 2*time.Second)
	assert.Equal(t, 2*time.Second, e.GetTimeout(TimeoutRecv))

	assert.False(t, e.Closed())
	e.MarkClosed()
	assert.True(t, e.Closed())
}

func TestFdEntryDetectsRealSocket(t *testing.T) {
	r := NewFdRegistry()
	f, err := os.CreateTemp(t.TempDir(), "coroloop-fdtest")
	require.NoError(t, err)
	defer f.Close()

	e := r.Get(int(f.Fd()), true)
	require.NotNil(t, e)
	assert.False(t, e.IsSocket())
}
