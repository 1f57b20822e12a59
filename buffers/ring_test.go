// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferAppendUpToCapacity(t *testing.T) {
	rb := NewRingBuffer(10)
	assert.Equal(t, 6, rb.Append([]byte("abcdef")))
	assert.Equal(t, 4, rb.Append([]byte("ghijkl")))
	assert.Equal(t, 10, rb.Len())
	assert.Equal(t, 0, rb.Free())
	assert.Equal(t, 0, rb.Append([]byte("x")))

	out := make([]byte, 10)
	require.Equal(t, 10, rb.ReadAt(out, 0))
	assert.Equal(t, "abcdefghij", string(out))
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)
	require.Equal(t, 6, rb.Append([]byte("012345")))
	require.Equal(t, 4, rb.Discard(4))
	require.Equal(t, 5, rb.Append([]byte("6789a")))
	assert.Equal(t, 7, rb.Len())
	assert.Equal(t, 1, rb.Free())

	out := make([]byte, 7)
	require.Equal(t, 7, rb.ReadAt(out, 0))
	assert.Equal(t, "456789a", string(out))

	window := make([]byte, 3)
	require.Equal(t, 3, rb.ReadAt(window, 2))
	assert.Equal(t, "678", string(window))

	// windowed read past the end is short
	require.Equal(t, 2, rb.ReadAt(window, 5))
	assert.Equal(t, "9a", string(window[:2]))
	assert.Equal(t, 0, rb.ReadAt(window, 7))
}

func TestRingBufferDiscard(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Append([]byte("abcd"))
	assert.Equal(t, 2, rb.Discard(2))
	rb.Append([]byte("ef"))
	assert.Equal(t, 4, rb.Discard(10))
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 4, rb.Free())
	assert.Equal(t, 0, rb.Discard(1))
}

func TestRingBufferResize(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Append([]byte("abcd"))
	rb.Discard(2)
	rb.Append([]byte("ef"))

	err := rb.Resize(3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShrinkBelowLen))

	require.NoError(t, rb.Resize(8))
	assert.Equal(t, 8, rb.Cap())
	assert.Equal(t, 4, rb.Len())
	rb.Append([]byte("ghij"))

	out := make([]byte, 8)
	require.Equal(t, 8, rb.ReadAt(out, 0))
	assert.Equal(t, "cdefghij", string(out))

	require.NoError(t, rb.Resize(8))
	assert.Equal(t, 0, rb.Free())
}
