// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"fmt"
	"runtime"

	"github.com/google/netstack/tcpip/seqnum"
)

// mustHold panics with the caller's location when val is false. Broken
// invariants are programming errors, never recoverable conditions.
func mustHold(val bool, format string, args ...interface{}) {
	if val {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if _, file, line, ok := runtime.Caller(1); ok {
		panic(fmt.Sprintf("failed assertion at %s:%d: %s", file, line, msg))
	}
	panic("failed assertion: " + msg)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func minSeq(a, b seqnum.Value) seqnum.Value {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxSeq(a, b seqnum.Value) seqnum.Value {
	if a.LessThan(b) {
		return b
	}
	return a
}
