// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import "time"

// RttEstimator is the Jacobson/Karels estimator of RFC 2988, kept in
// fixed point: srtt is stored scaled by 8 and rttvar scaled by 4, both in
// units of the timer granularity.
type RttEstimator struct {
	srtt8   int64
	rttvar4 int64
	samples int

	tick       time.Duration
	initialRTO time.Duration
	minRTO     time.Duration
	maxRTO     time.Duration

	backoff    uint
	maxBackoff int
}

// NewRttEstimator returns an estimator with no samples. Until the first
// sample arrives RTO returns initialRTO (times the backoff factor).
func NewRttEstimator(tick, initialRTO, minRTO, maxRTO time.Duration, maxBackoff int) *RttEstimator {
	mustHold(tick > 0, "timer granularity %v", tick)
	if maxBackoff < 1 {
		maxBackoff = 1
	}
	return &RttEstimator{
		tick:       tick,
		initialRTO: initialRTO,
		minRTO:     minRTO,
		maxRTO:     maxRTO,
		maxBackoff: maxBackoff,
	}
}

// Sample feeds one round trip measurement. A valid sample also clears the
// timeout backoff.
func (e *RttEstimator) Sample(rtt time.Duration) {
	m := int64(rtt / e.tick)
	if m <= 0 {
		m = 1
	}
	if e.samples == 0 {
		e.srtt8 = m << 3
		e.rttvar4 = m << 1
	} else {
		// delta is taken against the old srtt for both updates.
		delta := m - (e.srtt8 >> 3)
		e.srtt8 += delta
		if delta < 0 {
			delta = -delta
		}
		delta -= e.rttvar4 >> 2
		e.rttvar4 += delta
	}
	e.samples++
	e.backoff = 0
}

// SRTT is the smoothed round trip time. It is zero before the first sample.
func (e *RttEstimator) SRTT() time.Duration {
	return time.Duration(e.srtt8>>3) * e.tick
}

// RTTVar is the round trip time variance.
func (e *RttEstimator) RTTVar() time.Duration {
	return time.Duration(e.rttvar4>>2) * e.tick
}

// Samples is the number of measurements taken so far.
func (e *RttEstimator) Samples() int { return e.samples }

// BaseRTO is srtt + 4*rttvar clamped to [max(tick, minRTO), maxRTO], without
// backoff.
func (e *RttEstimator) BaseRTO() time.Duration {
	var rto time.Duration
	if e.samples == 0 {
		rto = e.initialRTO
	} else {
		rto = time.Duration((e.srtt8>>3)+e.rttvar4) * e.tick
	}
	floor := e.minRTO
	if floor < e.tick {
		floor = e.tick
	}
	if rto < floor {
		rto = floor
	}
	if rto > e.maxRTO {
		rto = e.maxRTO
	}
	return rto
}

// RTO is the current retransmission timeout: BaseRTO times the backoff
// factor, never more than maxRTO.
func (e *RttEstimator) RTO() time.Duration {
	rto := e.BaseRTO() * time.Duration(e.BackoffFactor())
	if rto > e.maxRTO || rto <= 0 {
		rto = e.maxRTO
	}
	return rto
}

// Backoff doubles the timeout, up to the maximum factor.
func (e *RttEstimator) Backoff() {
	if e.BackoffFactor()*2 <= e.maxBackoff {
		e.backoff++
	}
}

// BackoffFactor is the multiplier currently applied to BaseRTO.
func (e *RttEstimator) BackoffFactor() int {
	return 1 << e.backoff
}

// ResetBackoff returns the timeout to its unmultiplied value.
func (e *RttEstimator) ResetBackoff() {
	e.backoff = 0
}
