// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package congestion

// TahoeStrategy has no fast recovery: any loss drops the window to one
// segment and restarts slow start.
type TahoeStrategy struct{}

func (TahoeStrategy) Algorithm() Algorithm { return Tahoe }

func (TahoeStrategy) Ssthresh(s *State) uint32 { return halfWindow(s) }

func (t TahoeStrategy) OnLossEnter(s *State, cause LossCause) {
	if cause == LossTimeout {
		timeoutReset(s, t.Ssthresh(s))
	} else {
		s.Ssthresh = t.Ssthresh(s)
		s.Cwnd = s.MSS
		s.Phase = SlowStart
	}
	finish(s)
}

func (TahoeStrategy) Grow(s *State, acked, inFlight uint32) {
	if !cwndLimited(s, inFlight) {
		return
	}
	renoGrow(s)
	finish(s)
}

func (TahoeStrategy) OnAckSample(s *State, smp Sample) {}

func (TahoeStrategy) OnRecoveryAck(s *State, acked uint32, partial bool) bool {
	exitRecovery(s)
	return true
}

// RenoStrategy is RFC 2581 fast retransmit and fast recovery. The first new
// ACK ends recovery.
type RenoStrategy struct{}

func (RenoStrategy) Algorithm() Algorithm { return Reno }

func (RenoStrategy) Ssthresh(s *State) uint32 { return halfWindow(s) }

func (r RenoStrategy) OnLossEnter(s *State, cause LossCause) {
	if cause == LossTimeout {
		timeoutReset(s, r.Ssthresh(s))
	} else {
		fastRetransmitEnter(s, r.Ssthresh(s))
	}
	finish(s)
}

func (RenoStrategy) Grow(s *State, acked, inFlight uint32) {
	if !cwndLimited(s, inFlight) {
		return
	}
	renoGrow(s)
	finish(s)
}

func (RenoStrategy) OnAckSample(s *State, smp Sample) {}

func (RenoStrategy) OnRecoveryAck(s *State, acked uint32, partial bool) bool {
	exitRecovery(s)
	return true
}

// NewRenoStrategy stays in fast recovery until the whole window outstanding at
// the time of the loss has been acknowledged (RFC 6582).
type NewRenoStrategy struct{ RenoStrategy }

func (NewRenoStrategy) Algorithm() Algorithm { return NewReno }

func (NewRenoStrategy) OnRecoveryAck(s *State, acked uint32, partial bool) bool {
	return newRenoRecoveryAck(s, acked, partial)
}
