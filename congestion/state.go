// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package congestion implements the window arithmetic of the TCP congestion
// control disciplines. Strategies are stateless; everything they remember
// lives in State, which the sending side of a connection owns.
package congestion

import (
	"fmt"
	"math"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

// Phase is the congestion control phase of a sender.
type Phase int

const (
	// SlowStart grows the window by one segment per ACK.
	SlowStart Phase = iota
	// CongestionAvoidance grows the window by about one segment per RTT.
	CongestionAvoidance
	// FastRecovery is entered after three duplicate ACKs.
	FastRecovery
)

var phaseNames = []string{"SlowStart", "CongestionAvoidance", "FastRecovery"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// LossCause tells a strategy why loss recovery is being entered.
type LossCause int

const (
	// LossDupAcks is a fast retransmit after the third duplicate ACK.
	LossDupAcks LossCause = iota
	// LossTimeout is a retransmission timer expiry.
	LossTimeout
)

func (c LossCause) String() string {
	switch c {
	case LossDupAcks:
		return "dupacks"
	case LossTimeout:
		return "timeout"
	}
	return "unknown"
}

// Params are the per-connection tunables of the variant-specific algorithms.
type Params struct {
	// VegasAlpha, VegasBeta and VegasGamma are measured in segments.
	VegasAlpha float64
	VegasBeta  float64
	VegasGamma float64

	// CubicC is the cubic scaling constant, in segments/s^3.
	CubicC float64
	// CubicBeta is the multiplicative decrease factor.
	CubicBeta float64
	// CubicFastConvergence releases bandwidth faster when a new flow joins.
	CubicFastConvergence bool
	// HyStart enables the hybrid slow start exit heuristic.
	HyStart bool
}

// DefaultParams returns the values recommended by the papers/RFCs that define
// each algorithm.
func DefaultParams() Params {
	return Params{
		VegasAlpha:           2,
		VegasBeta:            4,
		VegasGamma:           1,
		CubicC:               0.4,
		CubicBeta:            0.7,
		CubicFastConvergence: true,
		HyStart:              true,
	}
}

// Sample is what a strategy learns from each ACK that advances snd_una.
type Sample struct {
	// RTT is zero when the ACK carried no usable measurement.
	RTT time.Duration
	// Ack is the cumulative acknowledgment number.
	Ack seqnum.Value
	// SndNxt is the next sequence number the sender will use.
	SndNxt seqnum.Value
}

// State is the congestion control block of one sender (CongestionParams).
type State struct {
	MSS      uint32
	Cwnd     uint32
	Ssthresh uint32
	MaxCwnd  uint32
	Phase    Phase

	// AdvWindow is the window most recently advertised by the peer.
	AdvWindow uint32
	// Timeouts counts consecutive retransmission timeouts.
	Timeouts int
	// Recover is snd_max at the moment fast recovery was entered.
	Recover seqnum.Value
	// Now is the time of the event being processed.
	Now time.Duration

	Params Params

	Vegas VegasState
	Cubic CubicState
}

// NewState returns a congestion block in slow start with an initial window of
// initialSegments segments.
func NewState(mss uint32, initialSegments int, maxCwnd uint32, params Params) *State {
	s := &State{
		MSS:       mss,
		Cwnd:      mss * uint32(initialSegments),
		Ssthresh:  maxCwnd,
		MaxCwnd:   maxCwnd,
		AdvWindow: math.MaxUint32,
		Params:    params,
		Phase:     SlowStart,
	}
	finish(s)
	return s
}

// SetMSS updates the segment size after option negotiation, keeping the
// window the same number of segments.
func (s *State) SetMSS(mss uint32) {
	if mss == 0 || mss == s.MSS {
		return
	}
	segments := s.Cwnd / s.MSS
	if segments == 0 {
		segments = 1
	}
	s.MSS = mss
	s.Cwnd = segments * mss
	if s.Ssthresh < 2*mss {
		s.Ssthresh = 2 * mss
	}
	finish(s)
}

// Window is the usable send window: the smaller of cwnd and the peer's
// advertised window.
func (s *State) Window() uint32 {
	if s.AdvWindow < s.Cwnd {
		return s.AdvWindow
	}
	return s.Cwnd
}

// InSlowStart reports whether the window is below ssthresh.
func (s *State) InSlowStart() bool {
	return s.Phase == SlowStart
}

// InRecovery reports whether the sender is in fast recovery.
func (s *State) InRecovery() bool {
	return s.Phase == FastRecovery
}

// Inflate adds one segment to the window for each duplicate ACK received
// beyond the third while in fast recovery (RFC 2581 §3.2 step 4).
func Inflate(s *State) {
	if s.Phase != FastRecovery {
		return
	}
	s.Cwnd += s.MSS
	finish(s)
}

// halfWindow is the RFC 2581 ssthresh after loss: half the window, never less
// than two segments.
func halfWindow(s *State) uint32 {
	return maxUint32(s.Window()/2, 2*s.MSS)
}

// cwndLimited reports whether the sender is actually using its window. Growing
// the window of an idle or application-limited sender would overshoot.
func cwndLimited(s *State, inFlight uint32) bool {
	if inFlight >= s.Cwnd {
		return true
	}
	room := s.Cwnd - inFlight
	slowStartLimited := s.Phase == SlowStart && inFlight > s.Cwnd/2
	return slowStartLimited || room <= 3*s.MSS
}

// renoGrow is the standard RFC 2581 increase: one MSS per ACK in slow start,
// MSS*MSS/cwnd per ACK in congestion avoidance.
func renoGrow(s *State) {
	if s.Cwnd < s.Ssthresh {
		s.Cwnd += s.MSS
		return
	}
	inc := s.MSS * s.MSS / s.Cwnd
	if inc == 0 {
		inc = 1
	}
	s.Cwnd += inc
}

// timeoutReset collapses the window to one segment. ssthresh is only lowered
// on the first timeout of a series; later backoffs keep it.
func timeoutReset(s *State, ssthresh uint32) {
	if s.Timeouts <= 1 {
		s.Ssthresh = ssthresh
	}
	s.Cwnd = s.MSS
	s.Phase = SlowStart
}

// fastRetransmitEnter starts Reno-style fast recovery.
func fastRetransmitEnter(s *State, ssthresh uint32) {
	s.Ssthresh = ssthresh
	s.Cwnd = ssthresh + 3*s.MSS
	s.Phase = FastRecovery
}

// newRenoRecoveryAck implements RFC 6582 partial acknowledgment handling.
func newRenoRecoveryAck(s *State, acked uint32, partial bool) bool {
	if partial {
		if s.Cwnd > acked {
			s.Cwnd -= acked
		} else {
			s.Cwnd = s.MSS
		}
		if acked >= s.MSS {
			s.Cwnd += s.MSS
		}
		finish(s)
		return false
	}
	exitRecovery(s)
	return true
}

func exitRecovery(s *State) {
	s.Cwnd = s.Ssthresh
	s.Phase = CongestionAvoidance
	finish(s)
}

// finish clamps the window, derives the phase from cwnd/ssthresh when not
// recovering, and checks the invariants every strategy must keep.
func finish(s *State) {
	if s.Cwnd > s.MaxCwnd {
		s.Cwnd = s.MaxCwnd
	}
	if s.Cwnd < s.MSS {
		s.Cwnd = s.MSS
	}
	if s.Phase != FastRecovery {
		if s.Cwnd < s.Ssthresh {
			s.Phase = SlowStart
		} else {
			s.Phase = CongestionAvoidance
		}
	}
	checkInvariants(s)
}

func checkInvariants(s *State) {
	if s.Ssthresh < 2*s.MSS {
		panic(fmt.Sprintf("congestion: ssthresh %d below floor %d", s.Ssthresh, 2*s.MSS))
	}
	if s.Cwnd == 0 || s.Cwnd > s.MaxCwnd {
		panic(fmt.Sprintf("congestion: cwnd %d outside (0, %d]", s.Cwnd, s.MaxCwnd))
	}
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
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
