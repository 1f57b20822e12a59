// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package congestion

import (
	"math"
	"time"
)

// CubicState is the epoch bookkeeping of CUBIC (RFC 8312).
type CubicState struct {
	// LastMaxCwnd is W_max, the window just before the last reduction.
	LastMaxCwnd uint32
	// EpochStart is when the current congestion avoidance epoch began.
	EpochStart time.Duration
	EpochValid bool
	// OriginPoint is the window the cubic curve plateaus at.
	OriginPoint uint32
	// K is the time from EpochStart until the curve reaches OriginPoint.
	K time.Duration
	// TCPCwnd is the window an AIMD flow would have, in bytes.
	TCPCwnd float64
	// DelayMin is the smallest RTT observed.
	DelayMin time.Duration

	HyStart HyStartState
}

// CubicStrategy is CUBIC congestion avoidance with HyStart slow start exit.
type CubicStrategy struct{}

func (CubicStrategy) Algorithm() Algorithm { return Cubic }

// Ssthresh is the window scaled by beta, never below two segments.
func (CubicStrategy) Ssthresh(s *State) uint32 {
	return maxUint32(uint32(float64(s.Window())*s.Params.CubicBeta), 2*s.MSS)
}

func (c CubicStrategy) OnLossEnter(s *State, cause LossCause) {
	cs := &s.Cubic
	if cause == LossDupAcks || s.Timeouts <= 1 {
		cs.EpochValid = false
		if s.Cwnd < cs.LastMaxCwnd && s.Params.CubicFastConvergence {
			cs.LastMaxCwnd = uint32(float64(s.Cwnd) * (1 + s.Params.CubicBeta) / 2)
		} else {
			cs.LastMaxCwnd = s.Cwnd
		}
	}
	cs.HyStart.reset()

	if cause == LossTimeout {
		timeoutReset(s, c.Ssthresh(s))
	} else {
		fastRetransmitEnter(s, c.Ssthresh(s))
	}
	finish(s)
}

func (CubicStrategy) OnAckSample(s *State, smp Sample) {
	cs := &s.Cubic
	if smp.RTT > 0 && (cs.DelayMin == 0 || smp.RTT < cs.DelayMin) {
		cs.DelayMin = smp.RTT
	}
	if s.Phase == SlowStart && s.Params.HyStart {
		if cs.HyStart.update(s, smp, cs.DelayMin) {
			s.Ssthresh = s.Cwnd
			s.Phase = CongestionAvoidance
			finish(s)
		}
	}
}

func (c CubicStrategy) Grow(s *State, acked, inFlight uint32) {
	if !cwndLimited(s, inFlight) {
		// An application-limited flow must not carry a stale epoch forward.
		s.Cubic.EpochValid = false
		return
	}
	if s.Cwnd < s.Ssthresh {
		s.Cwnd += s.MSS
		finish(s)
		return
	}
	c.congestionAvoidance(s, acked)
	finish(s)
}

func (c CubicStrategy) congestionAvoidance(s *State, acked uint32) {
	cs := &s.Cubic
	if !cs.EpochValid {
		c.StartEpoch(s)
	}
	target := c.Target(s, s.Now-cs.EpochStart+cs.DelayMin)

	// TCP-friendly region: follow AIMD with alpha = 3(1-beta)/(1+beta).
	beta := s.Params.CubicBeta
	alpha := 3 * (1 - beta) / (1 + beta)
	cs.TCPCwnd += alpha * float64(s.MSS) * float64(acked) / float64(s.Cwnd)
	if cs.TCPCwnd > target {
		target = cs.TCPCwnd
	}

	cwnd := float64(s.Cwnd)
	var inc float64
	if target > cwnd {
		inc = float64(s.MSS) * (target - cwnd) / cwnd
		if inc > float64(s.MSS) {
			inc = float64(s.MSS)
		}
	} else {
		inc = float64(s.MSS) / (100 * cwnd / float64(s.MSS))
	}
	if inc < 1 {
		inc = 1
	}
	s.Cwnd += uint32(inc)
}

// StartEpoch begins a congestion avoidance epoch at s.Now. When the window is
// below W_max the curve starts in its concave region and plateaus at W_max
// after K = cbrt((W_max - cwnd) / C), measured in segments; otherwise the
// epoch starts at the plateau.
func (CubicStrategy) StartEpoch(s *State) {
	cs := &s.Cubic
	cs.EpochStart = s.Now
	cs.EpochValid = true
	cs.TCPCwnd = float64(s.Cwnd)
	if cs.LastMaxCwnd <= s.Cwnd {
		cs.K = 0
		cs.OriginPoint = s.Cwnd
		return
	}
	segments := float64(cs.LastMaxCwnd-s.Cwnd) / float64(s.MSS)
	k := math.Cbrt(segments / s.Params.CubicC)
	cs.K = time.Duration(k * float64(time.Second))
	cs.OriginPoint = cs.LastMaxCwnd
}

// Target is the cubic window, in bytes, t after the epoch start:
// OriginPoint + C*(t-K)^3 segments.
func (CubicStrategy) Target(s *State, t time.Duration) float64 {
	cs := &s.Cubic
	d := (t - cs.K).Seconds()
	w := float64(cs.OriginPoint) + s.Params.CubicC*d*d*d*float64(s.MSS)
	if w < float64(s.MSS) {
		w = float64(s.MSS)
	}
	return w
}

func (CubicStrategy) OnRecoveryAck(s *State, acked uint32, partial bool) bool {
	return newRenoRecoveryAck(s, acked, partial)
}
