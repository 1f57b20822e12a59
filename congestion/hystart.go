// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package congestion

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

const (
	// hystartLowWindow is the window, in segments, below which HyStart
	// never ends slow start.
	hystartLowWindow = 16
	hystartMinSamples = 8
	hystartAckDelta   = 2 * time.Millisecond
	hystartDelayMin   = 4 * time.Millisecond
	hystartDelayMax   = 16 * time.Millisecond
)

// HyStartState tracks ACK trains and per-round RTT increase for hybrid slow
// start.
type HyStartState struct {
	roundStart  time.Duration
	lastAck     time.Duration
	endSeq      seqnum.Value
	currRTT     time.Duration
	sampleCount int
	started     bool
}

func (h *HyStartState) reset() {
	*h = HyStartState{}
}

func (h *HyStartState) startRound(now time.Duration, sndNxt seqnum.Value) {
	h.roundStart = now
	h.lastAck = now
	h.endSeq = sndNxt
	h.currRTT = 0
	h.sampleCount = 0
	h.started = true
}

// update feeds one ACK to HyStart and reports whether slow start should end.
func (h *HyStartState) update(s *State, smp Sample, delayMin time.Duration) bool {
	if !h.started || h.endSeq.LessThan(smp.Ack) {
		h.startRound(s.Now, smp.SndNxt)
	}
	if s.Cwnd < hystartLowWindow*s.MSS || delayMin == 0 {
		return false
	}

	// ACK train: closely spaced ACKs spanning more than half the minimum
	// delay mean the pipe is full.
	if s.Now-h.lastAck <= hystartAckDelta {
		h.lastAck = s.Now
		if s.Now-h.roundStart > delayMin/2 {
			return true
		}
	}

	if smp.RTT <= 0 {
		return false
	}
	if h.sampleCount < hystartMinSamples {
		if h.currRTT == 0 || smp.RTT < h.currRTT {
			h.currRTT = smp.RTT
		}
		h.sampleCount++
		return false
	}
	return h.currRTT > delayMin+delayThreshold(delayMin)
}

func delayThreshold(delayMin time.Duration) time.Duration {
	t := delayMin / 8
	if t < hystartDelayMin {
		return hystartDelayMin
	}
	if t > hystartDelayMax {
		return hystartDelayMax
	}
	return t
}
