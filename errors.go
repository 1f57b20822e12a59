// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import "github.com/pkg/errors"

// Error kinds. Decode and transient protocol errors are handled inside the
// Connection; only ErrRetransmissionLimit, ErrHandshakeTimeout and
// ErrConnectionReset ever reach Application.Error.
var (
	ErrMalformedSegment    = errors.New("malformed segment")
	ErrBufferOverflow      = errors.New("receive buffer overflow")
	ErrUnexpectedAck       = errors.New("unexpected acknowledgment")
	ErrRetransmissionLimit = errors.New("retransmission limit exceeded")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrConnectionReset     = errors.New("connection reset by peer")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

// IsFatal reports whether err tears down a connection.
func IsFatal(err error) bool {
	switch errors.Cause(err) {
	case ErrRetransmissionLimit, ErrHandshakeTimeout, ErrConnectionReset:
		return true
	}
	return false
}
