// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package coroloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicErrorUnwrapsUnderlyingError(t *testing.T) {
	cause := errors.New("underlying")
	pe := &PanicError{Value: cause}
	assert.ErrorIs(t, pe, cause)
	assert.Contains(t, pe.Error(), "underlying")
}

func TestPanicErrorNonErrorValueDoesNotUnwrap(t *testing.T) {
	pe := &PanicError{Value: "just a string"}
	assert.Nil(t, pe.Unwrap())
	assert.Contains(t, pe.Error(), "just a string")
}

func TestWrapErrorPreservesChain(t *testing.T) {
	err := WrapError("doing the thing", ErrInvalidState)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "doing the thing")
}
