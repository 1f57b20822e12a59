// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"storj.io/tcpsim/buffers"
	"storj.io/tcpsim/congestion"
)

// Connection is one simulated TCP session: a Sender and a Receiver sharing a
// handshake/teardown state machine. A Connection is not safe for concurrent
// use; the surrounding event loop must deliver segments, application calls
// and timer fires one at a time.
type Connection struct {
	cfg      Config
	logger   logr.Logger
	tracer   *Tracer
	network  Network
	app      Application
	clock    Scheduler
	strategy congestion.Strategy
	rtt      *RttEstimator

	snd sendState
	rcv recvState

	retransmitTimer timerSlot
	delayedAckTimer timerSlot
	timerGeneration uint64

	// stopped is set once the application asked for the send side to close.
	stopped bool
	// finished is set when both halves closed normally.
	finished bool
	// err is the reason the connection aborted.
	err error

	stats   Stats
	scratch []byte
}

// NewConnection creates a connection in the Closed/Listen state. The first
// Send makes it the active opener; a SYN arriving first makes it passive.
func NewConnection(network Network, app Application, clock Scheduler, options ...ConnectOption) (*Connection, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt.apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := congestion.New(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	iss := cfg.ISS
	if iss == 0 {
		if iss, err = randomISS(); err != nil {
			return nil, err
		}
	}

	c := &Connection{
		cfg:      cfg,
		logger:   cfg.Logger.WithValues("local-port", cfg.LocalPort, "remote-port", cfg.RemotePort),
		tracer:   cfg.Tracer,
		network:  network,
		app:      app,
		clock:    clock,
		strategy: strategy,
		rtt:      NewRttEstimator(cfg.TimerGranularity, cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO, cfg.MaxBackoff),
		scratch:  make([]byte, cfg.MSS),
	}
	c.retransmitTimer.kind = RetransmitTimer
	c.delayedAckTimer.kind = DelayedAckTimer

	c.snd = sendState{
		iss:    iss,
		una:    iss,
		nxt:    iss,
		max:    iss,
		bufSeq: iss.Add(1),
		buf:    buffers.NewRingBuffer(cfg.SendBufferSize),
		mss:    cfg.MSS,
		cc:     congestion.NewState(cfg.MSS, cfg.InitialCwnd, cfg.MaxCwnd, cfg.Congestion),
	}
	c.rcv = recvState{
		buf:  buffers.NewRingBuffer(cfg.ReceiveBufferSize),
		held: btree.NewG[heldSegment](8, heldLess),
	}
	if cfg.WindowScale {
		c.rcv.wndShift = windowShift(cfg.ReceiveBufferSize)
	}
	return c, nil
}

func randomISS() (seqnum.Value, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "could not generate initial sequence number")
	}
	return seqnum.Value(binary.BigEndian.Uint32(b[:])), nil
}

// windowShift is the smallest RFC 1323 shift that lets a 16-bit window
// field describe size bytes.
func windowShift(size int) uint8 {
	var shift uint8
	for size>>shift > 0xffff && shift < 14 {
		shift++
	}
	return shift
}

// Send queues as much of p as the send buffer can hold and returns the
// number of bytes accepted. The first Send opens the connection.
func (c *Connection) Send(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.stopped || c.finished {
		return 0, ErrConnectionClosed
	}
	n := c.snd.buf.Append(p)
	c.logger.V(2).Info("send", "requested", len(p), "accepted", n)
	if n == 0 {
		return 0, nil
	}
	switch {
	case !c.snd.opened:
		c.connect()
	case c.snd.state == SendEstablished:
		c.output()
	}
	c.checkInvariants()
	return n, nil
}

// Query returns the free space in the send buffer.
func (c *Connection) Query() int {
	if c.closed() {
		return 0
	}
	return c.snd.buf.Free()
}

// Stop closes the send side. Buffered data is still delivered; the FIN goes
// out once the buffer drains.
func (c *Connection) Stop() {
	if c.closed() || c.stopped {
		return
	}
	c.stopped = true
	c.logger.V(1).Info("stop requested", "buffered", c.snd.buf.Len())
	if c.snd.state == SendEstablished {
		c.output()
	}
	c.checkInvariants()
}

// Deliver hands the connection one encoded segment from the network.
func (c *Connection) Deliver(pkt []byte) {
	if c.closed() {
		return
	}
	seg, err := Decode(pkt)
	if err != nil {
		c.drop(err)
		return
	}
	c.stats.received(seg)
	if c.tracer != nil && c.tracer.ReceivedSegment != nil {
		c.tracer.ReceivedSegment(seg)
	}
	c.logger.V(2).Info("recv", "flags", seg.Flags, "seq", seg.Seq, "ack", seg.Ack, "len", len(seg.Payload), "wnd", seg.Window)
	c.handleSegment(seg)
	if !c.closed() {
		c.checkInvariants()
	}
}

func (c *Connection) handleSegment(seg *Segment) {
	switch {
	case seg.Flags.Has(FlagRst):
		if c.snd.opened {
			c.abort(ErrConnectionReset, false)
		}
		return
	case seg.Flags.Has(FlagSyn):
		c.handleSyn(seg)
		return
	case !seg.Flags.Has(FlagAck):
		c.drop(errors.Wrap(ErrMalformedSegment, "segment without ACK"))
		return
	}

	c.updateTSRecent(seg)

	// The ACK completing a passive open has nothing left for the Sender.
	completed := false
	if c.rcv.state == RecvSynRcvd {
		if seg.Ack != c.snd.iss.Add(1) {
			c.drop(errors.Wrapf(ErrUnexpectedAck, "ack %d does not complete handshake", seg.Ack))
			return
		}
		c.snd.una = seg.Ack
		c.snd.cc.AdvWindow = uint32(seg.Window) << c.snd.wndShift
		c.sampleRTT(c.clock.Now() - c.snd.synSentAt)
		c.establish()
		completed = true
	}

	switch c.snd.state {
	case SendSynSent:
		c.drop(errors.Wrapf(ErrUnexpectedAck, "ack %d while waiting for SYN-ACK", seg.Ack))
		return
	case SendEstablished, SendFinWait1:
		if !completed && !c.onAck(seg) {
			return
		}
	}
	if c.closed() {
		return
	}
	if c.rcv.state == RecvEstablished || c.rcv.state == RecvClosed {
		c.onSegment(seg)
	}
	if c.closed() {
		return
	}
	c.output()
}

// handleSyn covers both halves of the three way handshake.
func (c *Connection) handleSyn(seg *Segment) {
	if seg.Flags.Has(FlagAck) {
		if c.snd.state != SendSynSent {
			// Our handshake ACK was lost and the peer repeated its SYN-ACK.
			if c.rcv.state == RecvEstablished && seg.Seq == c.rcv.irs {
				c.sendAck()
			}
			return
		}
		if seg.Ack != c.snd.iss.Add(1) {
			c.drop(errors.Wrapf(ErrUnexpectedAck, "SYN-ACK acks %d, want %d", seg.Ack, c.snd.iss.Add(1)))
			return
		}
		c.negotiate(seg)
		c.rcv.irs = seg.Seq
		c.rcv.nxt = seg.Seq.Add(1)
		c.snd.una = seg.Ack
		c.snd.cc.AdvWindow = uint32(seg.Window)
		c.sampleRTT(c.clock.Now() - c.snd.synSentAt)
		c.setRecvState(RecvEstablished)
		c.sendAck()
		c.establish()
		c.output()
		return
	}

	if c.rcv.state != RecvListen || c.snd.opened {
		c.drop(errors.Wrap(ErrUnexpectedAck, "SYN on an open connection"))
		return
	}
	c.negotiate(seg)
	c.rcv.irs = seg.Seq
	c.rcv.nxt = seg.Seq.Add(1)
	c.snd.cc.AdvWindow = uint32(seg.Window)
	c.snd.opened = true
	c.setRecvState(RecvSynRcvd)
	c.sendSyn()
}

// negotiate applies the peer's SYN options.
func (c *Connection) negotiate(seg *Segment) {
	s, r := &c.snd, &c.rcv
	if seg.MSS != 0 && uint32(seg.MSS) < s.mss {
		s.mss = uint32(seg.MSS)
		s.cc.SetMSS(s.mss)
	}
	s.wsOK = c.cfg.WindowScale && seg.WindowScale >= 0
	if s.wsOK {
		s.wndShift = uint8(seg.WindowScale)
		if s.wndShift > 14 {
			s.wndShift = 14
		}
	} else {
		s.wndShift = 0
		r.wndShift = 0
	}
	s.sackOK = c.cfg.SACK && seg.SACKPermitted
	s.tsOK = c.cfg.Timestamps && seg.HasTS
	if s.tsOK {
		r.tsRecent = seg.TSVal
	}
	c.logger.V(1).Info("negotiated options", "mss", s.mss, "sack", s.sackOK, "timestamps", s.tsOK,
		"snd-wscale", s.wndShift, "rcv-wscale", r.wndShift)
}

// connect starts an active open.
func (c *Connection) connect() {
	c.snd.opened = true
	c.setSendState(SendSynSent)
	c.sendSyn()
}

// sendSyn emits our SYN, or SYN-ACK when the peer opened first. The
// handshake step gets exactly one timeout.
func (c *Connection) sendSyn() {
	s := &c.snd
	seg := &Segment{
		Seq:         s.iss,
		Flags:       FlagSyn,
		MSS:         uint16(c.cfg.MSS),
		WindowScale: -1,
	}
	if c.rcv.state == RecvListen {
		if c.cfg.WindowScale {
			seg.WindowScale = int(c.rcv.wndShift)
		}
		seg.SACKPermitted = c.cfg.SACK
	} else {
		// A SYN-ACK only echoes the options the peer offered.
		if s.wsOK {
			seg.WindowScale = int(c.rcv.wndShift)
		}
		seg.SACKPermitted = s.sackOK
	}
	s.synSentAt = c.clock.Now()
	s.nxt = s.iss.Add(1)
	s.max = s.nxt
	c.emit(seg, false)
	c.armTimer(&c.retransmitTimer, c.cfg.HandshakeTimeout)
}

func (c *Connection) establish() {
	c.disarmTimer(&c.retransmitTimer)
	c.setSendState(SendEstablished)
	c.setRecvState(RecvEstablished)
	c.logger.V(1).Info("connection established", "iss", c.snd.iss, "irs", c.rcv.irs, "rto", c.rtt.RTO())
	c.app.Start(c.snd.buf.Free())
}

func (c *Connection) sampleRTT(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	c.rtt.Sample(rtt)
	if c.tracer != nil && c.tracer.UpdatedRTT != nil {
		c.tracer.UpdatedRTT(c.rtt.SRTT(), c.rtt.RTTVar(), c.rtt.RTO())
	}
}

// emit fills in the acknowledgment, window and option fields of seg and
// hands it to the network.
func (c *Connection) emit(seg *Segment, retransmit bool) {
	r := &c.rcv
	seg.SrcPort = c.cfg.LocalPort
	seg.DstPort = c.cfg.RemotePort
	syn := seg.Flags.Has(FlagSyn)
	if r.state != RecvListen {
		seg.Flags |= FlagAck
		seg.Ack = r.nxt
	}
	seg.Window = c.advertisedWindow(syn)
	if c.snd.tsOK || (syn && r.state == RecvListen && c.cfg.Timestamps) {
		seg.HasTS = true
		seg.TSVal = c.tsNow()
		seg.TSEcr = r.tsRecent
	}
	if seg.Flags.Has(FlagAck) && !syn {
		if blocks := c.sackBlocks(); len(blocks) > 0 {
			seg.SACKBlocks = blocks
			seg.Flags |= FlagSACK
		}
	}

	pkt := seg.Encode()
	c.stats.transmitted(seg, retransmit)
	if seg.Flags.Has(FlagAck) {
		r.lastAckSent = seg.Ack
		r.unacked = 0
		c.disarmTimer(&c.delayedAckTimer)
	}
	c.logger.V(2).Info("xmit", "flags", seg.Flags, "seq", seg.Seq, "ack", seg.Ack, "len", len(seg.Payload),
		"wnd", seg.Window, "sack", len(seg.SACKBlocks), "retransmit", retransmit)
	if c.tracer != nil && c.tracer.SentSegment != nil {
		c.tracer.SentSegment(seg, retransmit)
	}
	c.network.Forward(pkt, c.cfg.Route)
}

// sendAck emits a pure acknowledgment.
func (c *Connection) sendAck() {
	c.emit(&Segment{Seq: c.snd.nxt}, false)
}

func (c *Connection) sendReset() {
	c.emit(&Segment{Seq: c.snd.nxt, Flags: FlagRst}, false)
}

// tsNow is the local timestamp clock, in microseconds. It never reads zero
// so a zero echo always means "no timestamp".
func (c *Connection) tsNow() uint32 {
	return uint32(c.clock.Now()/time.Microsecond) + 1
}

func (c *Connection) updateTSRecent(seg *Segment) {
	if c.snd.tsOK && seg.HasTS && seg.Seq.LessThanEq(c.rcv.lastAckSent) {
		c.rcv.tsRecent = seg.TSVal
	}
}

func (c *Connection) drop(err error) {
	c.stats.Dropped++
	c.logger.V(1).Info("dropping segment", "reason", err.Error())
	if c.tracer != nil && c.tracer.DroppedSegment != nil {
		c.tracer.DroppedSegment(err)
	}
}

// abort tears the connection down after a fatal error and reports it to the
// application exactly once.
func (c *Connection) abort(err error, reset bool) {
	if c.err != nil || c.finished {
		return
	}
	c.err = err
	c.logger.Error(err, "connection aborted", "snd-una", c.snd.una, "snd-max", c.snd.max,
		"rcv-nxt", c.rcv.nxt, "timeouts", c.snd.cc.Timeouts)
	if reset {
		c.sendReset()
	}
	c.setSendState(SendClosed)
	c.setRecvState(RecvClosed)
	c.release()
	if c.tracer != nil && c.tracer.Closed != nil {
		c.tracer.Closed(err)
	}
	c.app.Error(err)
}

// maybeTeardown finishes the connection once both halves are closed.
func (c *Connection) maybeTeardown() {
	if c.snd.state != SendClosed || c.rcv.state != RecvClosed || c.finished {
		return
	}
	c.finished = true
	c.logger.V(1).Info("connection closed", "bytes-sent", c.stats.BytesXmit, "bytes-delivered", c.stats.BytesDelivered)
	c.release()
	if c.tracer != nil && c.tracer.Closed != nil {
		c.tracer.Closed(nil)
	}
}

func (c *Connection) release() {
	c.disarmTimer(&c.retransmitTimer)
	c.disarmTimer(&c.delayedAckTimer)
	c.snd.buf.Reset()
	c.snd.inflight = nil
	c.snd.scoreboard.Clear()
	c.rcv.buf.Reset()
	c.rcv.ranges.Clear()
	c.rcv.held.Clear(false)
	c.rcv.heldBytes = 0
}

func (c *Connection) closed() bool {
	return c.err != nil || c.finished
}

// Err returns the reason the connection aborted, if it did.
func (c *Connection) Err() error { return c.err }

// Finished reports whether both halves closed without error.
func (c *Connection) Finished() bool { return c.finished }

// Stats returns a copy of the connection's counters.
func (c *Connection) Stats() Stats { return c.stats }

// Info is a snapshot of a connection's state.
type Info struct {
	SendState    SendSideState
	ReceiveState ReceiveSideState

	Algorithm congestion.Algorithm
	Phase     congestion.Phase
	MSS       uint32
	Cwnd      uint32
	Ssthresh  uint32
	PeerWnd   uint32

	SRTT    time.Duration
	RTTVar  time.Duration
	RTO     time.Duration
	Backoff int

	SndUna, SndNxt, SndMax seqnum.Value
	RcvNxt                 seqnum.Value
	Buffered               int
	DupAcks                int

	SACK       bool
	Timestamps bool

	Stats Stats
	Err   error
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	s, cc := &c.snd, c.snd.cc
	return Info{
		SendState:    s.state,
		ReceiveState: c.rcv.state,
		Algorithm:    c.strategy.Algorithm(),
		Phase:        cc.Phase,
		MSS:          s.mss,
		Cwnd:         cc.Cwnd,
		Ssthresh:     cc.Ssthresh,
		PeerWnd:      cc.AdvWindow,
		SRTT:         c.rtt.SRTT(),
		RTTVar:       c.rtt.RTTVar(),
		RTO:          c.rtt.RTO(),
		Backoff:      c.rtt.BackoffFactor(),
		SndUna:       s.una,
		SndNxt:       s.nxt,
		SndMax:       s.max,
		RcvNxt:       c.rcv.nxt,
		Buffered:     s.buf.Len(),
		DupAcks:      s.dupAcks,
		SACK:         s.sackOK,
		Timestamps:   s.tsOK,
		Stats:        c.stats,
		Err:          c.err,
	}
}
