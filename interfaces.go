// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"net/netip"
	"time"
)

//go:generate mockgen -destination=mock_collaborators_test.go -package=tcpsim . Network,Application,Scheduler

// ProtocolTCP is the IP protocol number segments are forwarded with.
const ProtocolTCP = 6

// Route is the IP envelope the network collaborator wraps each segment in.
type Route struct {
	Src, Dst    netip.Addr
	Protocol    uint8
	RouterAlert bool
	TTL         uint8
	TOS         uint8
}

// Network carries encoded segments to the peer. Forward is fire-and-forget:
// the engine never learns whether a segment arrived. Segments for this
// connection come back in through Connection.Deliver.
type Network interface {
	Forward(pkt []byte, route Route)
}

// Application is the upward half of the application contract. The engine
// never reads from the application; it reports free send buffer space after
// events that drain it and hands up in-order received bytes.
type Application interface {
	// Start is called once when the handshake completes.
	Start(available int)
	// Report is called when acknowledgments free send buffer space.
	Report(available int)
	// Error is called at most once, when the connection aborts.
	Error(err error)
	// Receive delivers in-order stream bytes. data is only valid for the
	// duration of the call.
	Receive(data []byte)
}

// TimerKind identifies one of a connection's timer slots.
type TimerKind int

const (
	RetransmitTimer TimerKind = iota
	DelayedAckTimer
)

func (k TimerKind) String() string {
	switch k {
	case RetransmitTimer:
		return "retransmit"
	case DelayedAckTimer:
		return "delayed-ack"
	}
	return "unknown"
}

// TimerHandle names one scheduled timer. A fire is only acted on if the
// handle's generation still matches the generation armed in its slot.
type TimerHandle struct {
	Kind       TimerKind
	Generation uint64
	Deadline   time.Duration
}

// TimerTarget receives timer fires.
type TimerTarget interface {
	OnFire(h TimerHandle)
}

// Scheduler is the clock and timer service of the surrounding event loop.
// Times are offsets from an arbitrary epoch.
type Scheduler interface {
	Now() time.Duration
	// Schedule arranges for target.OnFire(h) to be called at h.Deadline.
	Schedule(target TimerTarget, h TimerHandle)
	// Cancel drops a scheduled fire. Cancelling an unknown or already fired
	// handle is a no-op.
	Cancel(target TimerTarget, h TimerHandle)
}
