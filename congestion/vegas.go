// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package congestion

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

// VegasState is the per-round bookkeeping of TCP Vegas.
type VegasState struct {
	// BaseRTT is the smallest RTT seen over the connection's lifetime.
	BaseRTT time.Duration
	// MinRTT is the smallest RTT seen in the current round.
	MinRTT time.Duration
	// CntRTT is the number of RTT samples in the current round.
	CntRTT int
	// AckedInRound is the number of bytes acknowledged in the current round.
	AckedInRound uint32

	begSndNxt  seqnum.Value
	roundStart time.Duration
	interval   time.Duration
	started    bool
	roundDone  bool
}

func (v *VegasState) resetRound() {
	v.MinRTT = 0
	v.CntRTT = 0
	v.AckedInRound = 0
}

// VegasStrategy adjusts the window once per round trip from the difference
// between the expected and the actual throughput. Losses are handled like
// NewReno.
type VegasStrategy struct{}

func (VegasStrategy) Algorithm() Algorithm { return Vegas }

func (VegasStrategy) Ssthresh(s *State) uint32 { return halfWindow(s) }

func (v VegasStrategy) OnLossEnter(s *State, cause LossCause) {
	if cause == LossTimeout {
		timeoutReset(s, v.Ssthresh(s))
	} else {
		fastRetransmitEnter(s, v.Ssthresh(s))
	}
	s.Vegas.resetRound()
	s.Vegas.started = false
	s.Vegas.roundDone = false
	finish(s)
}

func (VegasStrategy) OnAckSample(s *State, smp Sample) {
	v := &s.Vegas
	if smp.RTT > 0 {
		if v.BaseRTT == 0 || smp.RTT < v.BaseRTT {
			v.BaseRTT = smp.RTT
		}
		if v.MinRTT == 0 || smp.RTT < v.MinRTT {
			v.MinRTT = smp.RTT
		}
		v.CntRTT++
	}
	if !v.started {
		v.started = true
		v.begSndNxt = smp.SndNxt
		v.roundStart = s.Now
		return
	}
	if v.begSndNxt.LessThan(smp.Ack) {
		v.roundDone = true
		v.interval = s.Now - v.roundStart
		v.begSndNxt = smp.SndNxt
		v.roundStart = s.Now
	}
}

func (vs VegasStrategy) Grow(s *State, acked, inFlight uint32) {
	v := &s.Vegas
	v.AckedInRound += acked
	if !v.roundDone {
		if s.Phase == SlowStart && cwndLimited(s, inFlight) {
			s.Cwnd += s.MSS
			finish(s)
		}
		return
	}
	v.roundDone = false
	defer v.resetRound()

	if v.CntRTT <= 2 || v.BaseRTT == 0 {
		// Too few samples to tell queueing from noise.
		if cwndLimited(s, inFlight) {
			renoGrow(s)
		}
		finish(s)
		return
	}

	diff := vs.Diff(s)
	p := s.Params
	switch {
	case s.Phase == SlowStart:
		if diff > p.VegasGamma {
			s.Ssthresh = maxUint32(minUint32(s.Ssthresh, s.Cwnd-s.MSS), 2*s.MSS)
			s.Cwnd = maxUint32(s.Cwnd-s.MSS, s.MSS)
			s.Phase = CongestionAvoidance
		} else {
			s.Cwnd += s.MSS
		}
	case diff < p.VegasAlpha:
		s.Cwnd += s.MSS
	case diff > p.VegasBeta:
		if s.Cwnd > 2*s.MSS {
			s.Cwnd -= s.MSS
		}
		if s.Ssthresh > s.Cwnd {
			s.Ssthresh = maxUint32(s.Cwnd, 2*s.MSS)
		}
	}
	finish(s)
}

// Diff is the estimated number of segments the flow keeps queued in the
// network: (expected - actual) * BaseRTT / MSS, where expected is
// cwnd/BaseRTT and actual is the bytes acked over the last round's duration.
func (VegasStrategy) Diff(s *State) float64 {
	v := &s.Vegas
	if v.BaseRTT == 0 {
		return 0
	}
	interval := v.interval
	if interval <= 0 {
		interval = v.MinRTT
	}
	if interval <= 0 {
		return 0
	}
	base := v.BaseRTT.Seconds()
	expected := float64(s.Cwnd) / base
	actual := float64(v.AckedInRound) / interval.Seconds()
	return (expected - actual) * base / float64(s.MSS)
}

func (VegasStrategy) OnRecoveryAck(s *State, acked uint32, partial bool) bool {
	return newRenoRecoveryAck(s, acked, partial)
}

// ShouldRetransmitEarly lets Vegas retransmit on the first or second duplicate
// ACK once the oldest outstanding segment is older than the smoothed RTT.
func (VegasStrategy) ShouldRetransmitEarly(s *State, age, srtt time.Duration) bool {
	return srtt > 0 && age > srtt
}
