// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers holds the byte staging and range bookkeeping structures
// owned by a single connection. None of the types here are safe for
// concurrent use; a connection mutates them only from its event handlers.
package buffers

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShrinkBelowLen is returned by Resize when the requested capacity cannot
// hold the bytes already buffered.
var ErrShrinkBelowLen = errors.New("ring buffer: new capacity smaller than buffered bytes")

// RingBuffer is a fixed-capacity circular byte buffer addressed by offset from
// its front. Bytes enter at the back with Append and leave from the front with
// Discard; ReadAt copies out a window without consuming it.
type RingBuffer struct {
	buffer []byte

	start int
	end   int
	wraps bool
}

// NewRingBuffer allocates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buffer: make([]byte, size),
	}
}

// Append copies as much of data as fits and returns the number of bytes
// accepted.
func (rb *RingBuffer) Append(data []byte) int {
	if avail := rb.Free(); len(data) > avail {
		data = data[:avail]
	}
	accepted := len(data)

	if !rb.wraps {
		bytesToCopy := len(rb.buffer) - rb.end
		if len(data) < bytesToCopy {
			bytesToCopy = len(data)
		}
		copy(rb.buffer[rb.end:rb.end+bytesToCopy], data[:bytesToCopy])
		data = data[bytesToCopy:]
		rb.end += bytesToCopy
		if rb.end == len(rb.buffer) && len(rb.buffer) > 0 {
			rb.end = 0
			rb.wraps = true
		}
	}
	if rb.wraps && len(data) > 0 {
		if len(data) > rb.start-rb.end {
			panic(fmt.Sprintf("internal error: %d too big (start=%d, end=%d, size=%d, wraps=%v)", len(data), rb.start, rb.end, len(rb.buffer), rb.wraps))
		}
		copy(rb.buffer[rb.end:rb.end+len(data)], data)
		rb.end += len(data)
	}
	return accepted
}

// ReadAt copies up to len(p) bytes starting off bytes past the front of the
// buffer into p, and returns how many were copied. Nothing is consumed.
func (rb *RingBuffer) ReadAt(p []byte, off int) int {
	used := rb.Len()
	if off < 0 || off >= used {
		return 0
	}
	if len(p) > used-off {
		p = p[:used-off]
	}
	n := len(p)
	pos := (rb.start + off) % len(rb.buffer)
	for len(p) > 0 {
		chunk := copy(p, rb.buffer[pos:minInt(len(rb.buffer), pos+len(p))])
		p = p[chunk:]
		pos = (pos + chunk) % len(rb.buffer)
	}
	return n
}

// Discard removes up to n bytes from the front and returns how many were
// removed.
func (rb *RingBuffer) Discard(n int) int {
	if used := rb.Len(); n > used {
		n = used
	}
	if n <= 0 {
		return 0
	}
	removed := n
	if rb.wraps {
		bytesToDrop := len(rb.buffer) - rb.start
		if n < bytesToDrop {
			bytesToDrop = n
		}
		n -= bytesToDrop
		rb.start += bytesToDrop
		if rb.start == len(rb.buffer) {
			rb.start = 0
			rb.wraps = false
		}
	}
	if !rb.wraps && n > 0 {
		rb.start += n
	}
	if rb.start == rb.end && !rb.wraps {
		// empty; rewind so the next Append copies contiguously
		rb.start, rb.end = 0, 0
	}
	return removed
}

// Resize changes the capacity of the buffer, keeping its contents.
func (rb *RingBuffer) Resize(size int) error {
	used := rb.Len()
	if size < used {
		return errors.Wrapf(ErrShrinkBelowLen, "resize to %d with %d buffered", size, used)
	}
	buf := make([]byte, size)
	rb.ReadAt(buf[:used], 0)
	rb.buffer = buf
	rb.start = 0
	rb.end = used
	rb.wraps = false
	if rb.end == size && size > 0 {
		rb.end = 0
		rb.wraps = true
	}
	return nil
}

// Reset empties the buffer.
func (rb *RingBuffer) Reset() {
	rb.start, rb.end, rb.wraps = 0, 0, false
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int { return len(rb.buffer) }

// Free returns the number of bytes that can still be appended.
func (rb *RingBuffer) Free() int {
	if rb.wraps {
		return rb.start - rb.end
	}
	return len(rb.buffer) - rb.end + rb.start
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	if rb.wraps {
		return len(rb.buffer) + rb.end - rb.start
	}
	return rb.end - rb.start
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
