// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"storj.io/tcpsim/buffers"
	"storj.io/tcpsim/congestion"
)

const (
	// duplicateAcksBeforeResend is the RFC 2581 fast retransmit threshold.
	duplicateAcksBeforeResend = 3
	// sackResendBurst caps the gap retransmissions sent per ACK.
	sackResendBurst = 2
)

type sentRecord struct {
	seq, end seqnum.Value
	at       time.Duration
}

// sendState is the Sender: everything owned by the sending half.
type sendState struct {
	state  SendSideState
	opened bool

	iss seqnum.Value
	// una <= nxt <= max <= dataEnd (+1 once the FIN is out).
	una, nxt, max seqnum.Value

	buf *buffers.RingBuffer
	// bufSeq is the sequence number of the first byte in buf.
	bufSeq seqnum.Value

	// burst counts bytes emitted since the last new ACK.
	burst   int
	dupAcks int
	cc      *congestion.State
	mss     uint32

	// scoreboard holds the ranges the peer reported via SACK.
	scoreboard buffers.IntervalSet
	// retransHigh is the end of the last range retransmitted during the
	// current loss episode.
	retransHigh seqnum.Value

	wndShift uint8
	wsOK     bool
	sackOK   bool
	tsOK     bool

	finSent   bool
	finSeq    seqnum.Value
	finSentAt time.Duration

	// Karn timing, used when timestamps are off.
	rtTiming bool
	rtSeq    seqnum.Value
	rtTime   time.Duration

	synSentAt time.Duration
	inflight  []sentRecord
}

// dataEnd is one past the last byte the application has buffered.
func (c *Connection) dataEnd() seqnum.Value {
	return c.snd.bufSeq.Add(seqnum.Size(c.snd.buf.Len()))
}

// inFlight is the number of bytes sent but not yet acknowledged.
func (c *Connection) inFlight() uint32 {
	return uint32(c.snd.una.Size(c.snd.nxt))
}

// maxSendableLen is how many new bytes may go out now: the window edge
// min(una + min(cwnd, peer window), dataEnd) minus nxt. The result is
// rounded down to whole segments unless the remainder empties the buffer.
func (c *Connection) maxSendableLen() int {
	s := &c.snd
	limit := s.una.Add(seqnum.Size(s.cc.Window()))
	dataEnd := c.dataEnd()
	edge := minSeq(limit, dataEnd)
	if !s.nxt.LessThan(edge) {
		return 0
	}
	n := int(s.nxt.Size(edge))
	mss := int(s.mss)
	switch {
	case edge == dataEnd:
		return n
	case n >= mss:
		return n - n%mss
	case s.nxt == s.una:
		// Nothing in flight and the window is smaller than a segment.
		return n
	}
	return 0
}

// output sends whatever the windows allow, then the FIN if the application
// stopped and everything else is out.
func (c *Connection) output() {
	s := &c.snd
	if c.closed() || (s.state != SendEstablished && s.state != SendFinWait1) {
		return
	}
	maxBurst := c.cfg.MaxBurst * int(s.mss)
	for maxBurst == 0 || s.burst < maxBurst {
		n := c.maxSendableLen()
		if n == 0 {
			break
		}
		n = minInt(n, int(s.mss))
		seq := s.nxt
		end := c.sendData(seq, n, seq.LessThan(s.max))
		s.nxt = end
		if s.max.LessThan(end) {
			s.max = end
		}
		s.burst += n
	}

	dataEnd := c.dataEnd()
	switch {
	case c.stopped && !s.finSent && s.nxt == dataEnd && s.state == SendEstablished:
		c.sendFin(false)
	case s.finSent && s.nxt == s.finSeq:
		// Going back after a timeout reached the FIN again.
		c.sendFin(true)
	}

	if !c.retransmitTimer.armed {
		outstanding := s.una != s.max
		persist := s.cc.AdvWindow == 0 && s.nxt.LessThan(dataEnd)
		if outstanding || persist {
			c.armTimer(&c.retransmitTimer, c.retransmitTimeout())
		}
	}
}

// sendData emits n bytes starting at seq and returns the end of the segment.
func (c *Connection) sendData(seq seqnum.Value, n int, retransmit bool) seqnum.Value {
	s := &c.snd
	payload := c.scratch[:n]
	got := s.buf.ReadAt(payload, int(s.bufSeq.Size(seq)))
	mustHold(got == n, "read %d of %d bytes at seq %d", got, n, seq)
	end := seq.Add(seqnum.Size(n))

	seg := &Segment{Seq: seq, Payload: payload}
	if end == c.dataEnd() {
		seg.Flags |= FlagPsh
	}
	now := c.clock.Now()
	if retransmit {
		if s.rtTiming && seq.LessThanEq(s.rtSeq) && s.rtSeq.LessThan(end) {
			s.rtTiming = false
		}
		for i := range s.inflight {
			if s.inflight[i].seq == seq {
				s.inflight[i].at = now
				break
			}
		}
	} else {
		if !s.rtTiming {
			s.rtTiming = true
			s.rtSeq = seq
			s.rtTime = now
		}
		s.inflight = append(s.inflight, sentRecord{seq: seq, end: end, at: now})
	}
	c.emit(seg, retransmit)
	return end
}

func (c *Connection) sendFin(retransmit bool) {
	s := &c.snd
	if !retransmit {
		s.finSent = true
		s.finSeq = c.dataEnd()
		s.finSentAt = c.clock.Now()
		c.setSendState(SendFinWait1)
	}
	c.emit(&Segment{Seq: s.finSeq, Flags: FlagFin}, retransmit)
	s.nxt = s.finSeq.Add(1)
	if s.max.LessThan(s.nxt) {
		s.max = s.nxt
	}
	c.armTimer(&c.retransmitTimer, c.retransmitTimeout())
}

// retransmit resends one segment starting at seq, never past limit. It
// returns the end of what was sent.
func (c *Connection) retransmit(seq, limit seqnum.Value) seqnum.Value {
	s := &c.snd
	if s.finSent && seq == s.finSeq {
		c.emit(&Segment{Seq: s.finSeq, Flags: FlagFin}, true)
		return s.finSeq.Add(1)
	}
	edge := minSeq(minSeq(limit, c.dataEnd()), s.max)
	if !seq.LessThan(edge) {
		return seq
	}
	n := minInt(int(seq.Size(edge)), int(s.mss))
	return c.sendData(seq, n, true)
}

// retransmitTimeout is the RTO, cut short when only the FIN is outstanding
// and FinTimeout is about to run out.
func (c *Connection) retransmitTimeout() time.Duration {
	s := &c.snd
	rto := c.rtt.RTO()
	if s.finSent && s.una == s.finSeq {
		left := s.finSentAt + c.cfg.FinTimeout - c.clock.Now()
		if left < 0 {
			left = 0
		}
		if left < rto {
			return left
		}
	}
	return rto
}

func (c *Connection) finTimedOut() bool {
	s := &c.snd
	return s.state == SendFinWait1 && s.una == s.finSeq && c.clock.Now()-s.finSentAt >= c.cfg.FinTimeout
}

// onAck is the Sender's ACK handler. It returns false when the segment must
// be ignored entirely.
func (c *Connection) onAck(seg *Segment) bool {
	s := &c.snd
	ack := seg.Ack
	window := uint32(seg.Window) << s.wndShift

	switch {
	case ack.LessThan(s.una):
		c.logger.V(2).Info("old ack", "ack", ack, "snd-una", s.una)
		return true
	case s.max.LessThan(ack):
		c.drop(errors.Wrapf(ErrUnexpectedAck, "ack %d beyond snd_max %d", ack, s.max))
		c.sendAck()
		return false
	case ack == s.una:
		dup := len(seg.Payload) == 0 && !seg.Flags.Has(FlagFin) &&
			s.una != s.max && window == s.cc.AdvWindow
		s.cc.AdvWindow = window
		if dup {
			c.onDupAck(seg)
		}
		return true
	}
	c.onNewAck(seg, window)
	return true
}

func (c *Connection) onNewAck(seg *Segment, window uint32) {
	s, cc := &c.snd, c.snd.cc
	ack := seg.Ack
	now := c.clock.Now()
	acked := uint32(s.una.Size(ack))
	priorInFlight := c.inFlight()

	var freed int
	if s.bufSeq.LessThan(ack) {
		upTo := minSeq(ack, c.dataEnd())
		freed = s.buf.Discard(int(s.bufSeq.Size(upTo)))
		s.bufSeq = s.bufSeq.Add(seqnum.Size(freed))
	}
	finAcked := s.finSent && s.finSeq.LessThan(ack)

	s.una = ack
	if s.nxt.LessThan(ack) {
		s.nxt = ack
	}
	s.dupAcks = 0
	s.burst = 0
	cc.Timeouts = 0
	cc.AdvWindow = window
	cc.Now = now
	s.scoreboard.TrimBelow(ack)
	c.updateScoreboard(seg)
	n := 0
	for n < len(s.inflight) && s.inflight[n].end.LessThanEq(ack) {
		n++
	}
	s.inflight = s.inflight[n:]

	rtt := c.measureRTT(seg, ack, now)
	c.sampleRTT(rtt)

	c.strategy.OnAckSample(cc, congestion.Sample{RTT: rtt, Ack: ack, SndNxt: s.nxt})
	if cc.InRecovery() {
		partial := ack.LessThan(cc.Recover)
		if c.strategy.OnRecoveryAck(cc, acked, partial) {
			c.logger.V(1).Info("recovery complete", "ack", ack, "cwnd", cc.Cwnd, "ssthresh", cc.Ssthresh)
		} else {
			// Partial ACK: the segment at the new una was lost as well.
			s.retransHigh = maxSeq(s.retransHigh, c.retransmit(s.una, s.max))
			c.retransmitSACKGaps()
		}
	} else {
		c.strategy.Grow(cc, acked, priorInFlight)
	}
	c.traceCongestion()

	if s.una == s.max {
		c.disarmTimer(&c.retransmitTimer)
	} else {
		c.armTimer(&c.retransmitTimer, c.retransmitTimeout())
	}

	if finAcked {
		c.setSendState(SendClosed)
		c.maybeTeardown()
		return
	}
	if freed > 0 && !c.stopped {
		c.app.Report(s.buf.Free())
	}
}

func (c *Connection) measureRTT(seg *Segment, ack seqnum.Value, now time.Duration) time.Duration {
	s := &c.snd
	if s.tsOK && seg.HasTS && seg.TSEcr != 0 {
		return time.Duration(c.tsNow()-seg.TSEcr) * time.Microsecond
	}
	if s.rtTiming && s.rtSeq.LessThan(ack) {
		s.rtTiming = false
		return now - s.rtTime
	}
	return 0
}

func (c *Connection) updateScoreboard(seg *Segment) {
	s := &c.snd
	if !s.sackOK {
		return
	}
	for _, blk := range seg.SACKBlocks {
		start := maxSeq(blk.Start, s.una)
		if start.LessThan(blk.End) && blk.End.LessThanEq(s.max) {
			s.scoreboard.Add(start, blk.End)
		}
	}
}

func (c *Connection) onDupAck(seg *Segment) {
	s, cc := &c.snd, c.snd.cc
	s.dupAcks++
	c.stats.DupAcksRecv++
	c.updateScoreboard(seg)
	cc.Now = c.clock.Now()
	c.logger.V(2).Info("duplicate ack", "ack", seg.Ack, "count", s.dupAcks)

	switch {
	case cc.InRecovery():
		congestion.Inflate(cc)
		c.retransmitSACKGaps()
	case s.dupAcks == duplicateAcksBeforeResend || c.earlyRetransmit():
		c.enterLossRecovery()
	}
	c.traceCongestion()
}

// earlyRetransmit asks strategies that support it whether the oldest segment
// has been out long enough to be declared lost before the third duplicate.
func (c *Connection) earlyRetransmit() bool {
	s := &c.snd
	er, ok := c.strategy.(congestion.EarlyRetransmitter)
	if !ok || s.dupAcks >= duplicateAcksBeforeResend || len(s.inflight) == 0 || c.rtt.Samples() == 0 {
		return false
	}
	age := c.clock.Now() - s.inflight[0].at
	return er.ShouldRetransmitEarly(s.cc, age, c.rtt.SRTT())
}

func (c *Connection) enterLossRecovery() {
	s, cc := &c.snd, c.snd.cc
	cc.Recover = s.max
	c.logger.V(1).Info("fast retransmit", "snd-una", s.una, "cwnd", cc.Cwnd, "dupacks", s.dupAcks)
	c.strategy.OnLossEnter(cc, congestion.LossDupAcks)
	c.stats.FastReXmit++
	c.traceLoss(congestion.LossDupAcks)

	if cc.InRecovery() {
		s.retransHigh = c.retransmit(s.una, s.max)
		c.retransmitSACKGaps()
	} else {
		// No fast recovery: go back to una in slow start.
		s.nxt = s.una
		s.rtTiming = false
		s.retransHigh = s.una
	}
	c.armTimer(&c.retransmitTimer, c.retransmitTimeout())
}

// retransmitSACKGaps resends the holes below the highest SACKed byte that
// this loss episode has not resent yet, at most sackResendBurst segments.
func (c *Connection) retransmitSACKGaps() {
	s := &c.snd
	if !s.sackOK {
		return
	}
	last, ok := s.scoreboard.Last()
	if !ok {
		return
	}
	budget := sackResendBurst
	for _, gap := range s.scoreboard.Gaps(maxSeq(s.una, s.retransHigh), last.End) {
		for seq := gap.Start; seq.LessThan(gap.End) && budget > 0; budget-- {
			end := c.retransmit(seq, gap.End)
			if end == seq {
				return
			}
			c.stats.SACKReXmit++
			s.retransHigh = end
			seq = end
		}
		if budget == 0 {
			return
		}
	}
}

// onRetransmitTimeout handles a valid retransmission timer fire.
func (c *Connection) onRetransmitTimeout() {
	s, cc := &c.snd, c.snd.cc
	switch {
	case s.state == SendSynSent || c.rcv.state == RecvSynRcvd:
		c.abort(ErrHandshakeTimeout, false)
		return
	case c.finTimedOut():
		c.logger.V(1).Info("FIN not acknowledged, closing send side")
		c.setSendState(SendClosed)
		c.maybeTeardown()
		return
	case cc.AdvWindow == 0 && s.una.LessThan(c.dataEnd()):
		c.sendWindowProbe()
		c.rtt.Backoff()
		c.armTimer(&c.retransmitTimer, c.rtt.RTO())
		return
	case s.una == s.max:
		return
	}

	cc.Timeouts++
	c.stats.Timeouts++
	if c.tracer != nil && c.tracer.TimedOut != nil {
		c.tracer.TimedOut(c.rtt.BackoffFactor())
	}
	if cc.Timeouts >= c.cfg.MaxRetransmissions {
		c.abort(errors.Wrapf(ErrRetransmissionLimit, "%d consecutive timeouts", cc.Timeouts), true)
		return
	}
	c.logger.V(1).Info("retransmission timeout", "snd-una", s.una, "snd-max", s.max,
		"rto", c.rtt.RTO(), "timeouts", cc.Timeouts)

	cc.Now = c.clock.Now()
	c.strategy.OnLossEnter(cc, congestion.LossTimeout)
	c.traceLoss(congestion.LossTimeout)
	c.rtt.Backoff()

	s.nxt = s.una
	s.dupAcks = 0
	s.burst = 0
	s.rtTiming = false
	s.retransHigh = s.una
	s.scoreboard.Clear()
	c.output()
	c.armTimer(&c.retransmitTimer, c.retransmitTimeout())
	c.traceCongestion()
}

// sendWindowProbe pushes one byte past a zero window so the peer's reply
// carries a fresh window.
func (c *Connection) sendWindowProbe() {
	s := &c.snd
	c.logger.V(1).Info("zero window probe", "snd-una", s.una)
	if s.una != s.max {
		c.sendData(s.una, 1, true)
		return
	}
	end := c.sendData(s.nxt, 1, false)
	s.nxt = end
	s.max = end
}

func (c *Connection) traceCongestion() {
	if c.tracer == nil || c.tracer.UpdatedCongestion == nil {
		return
	}
	cc := c.snd.cc
	c.tracer.UpdatedCongestion(c.strategy.Algorithm(), cc.Phase, cc.Cwnd, cc.Ssthresh)
}

func (c *Connection) traceLoss(cause congestion.LossCause) {
	if c.tracer != nil && c.tracer.LossDetected != nil {
		c.tracer.LossDetected(cause)
	}
}
