// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"storj.io/tcpsim/buffers"
)

// heldSegment is out-of-order payload waiting for the gap before it to
// close.
type heldSegment struct {
	seq  seqnum.Value
	data []byte
}

func (h heldSegment) end() seqnum.Value {
	return h.seq.Add(seqnum.Size(len(h.data)))
}

func heldLess(a, b heldSegment) bool {
	return a.seq.LessThan(b.seq)
}

// recvState is the Receiver: everything owned by the receiving half.
type recvState struct {
	state ReceiveSideState
	irs   seqnum.Value
	// nxt never moves backwards.
	nxt seqnum.Value

	buf *buffers.RingBuffer
	// ranges holds what arrived beyond nxt. Everything below nxt has been
	// trimmed away.
	ranges    buffers.IntervalSet
	held      *btree.BTreeG[heldSegment]
	heldBytes int

	wndShift uint8

	// unacked counts in-order segments since the last ACK went out.
	unacked     int
	tsRecent    uint32
	lastAckSent seqnum.Value

	finPending bool
	finSeq     seqnum.Value
}

// receiveWindow is the space we can still promise the peer. Held
// out-of-order data already lies inside the window, so it does not shrink
// it; the right edge never moves left while segments are held.
func (c *Connection) receiveWindow() int {
	return c.rcv.buf.Free()
}

// advertisedWindow is the receive window as it goes in the header. Windows
// on SYN segments are never scaled.
func (c *Connection) advertisedWindow(syn bool) uint16 {
	wnd := c.receiveWindow()
	if !syn {
		wnd >>= c.rcv.wndShift
	}
	if wnd > 0xffff {
		return 0xffff
	}
	return uint16(wnd)
}

// sackBlocks reports up to MaxSACKBlocks received ranges beyond rcv_nxt,
// the most recently updated first.
func (c *Connection) sackBlocks() []header.SACKBlock {
	if !c.snd.sackOK {
		return nil
	}
	ranges := c.rcv.ranges.MostRecent(c.rcv.nxt, c.cfg.MaxSACKBlocks)
	if len(ranges) == 0 {
		return nil
	}
	blocks := make([]header.SACKBlock, len(ranges))
	for i, r := range ranges {
		blocks[i] = header.SACKBlock{Start: r.Start, End: r.End}
	}
	return blocks
}

// onSegment is the Receiver's data handler.
func (c *Connection) onSegment(seg *Segment) {
	r := &c.rcv
	fin := seg.Flags.Has(FlagFin)
	if len(seg.Payload) == 0 && !fin {
		return
	}
	if r.state == RecvClosed {
		// Retransmitted FIN or data after it; our ACK was probably lost.
		c.sendAck()
		return
	}

	start := seg.Seq
	end := start.Add(seqnum.Size(len(seg.Payload)))
	limit := r.nxt.Add(seqnum.Size(r.buf.Cap()))
	if limit.LessThan(end) {
		c.drop(errors.Wrapf(ErrBufferOverflow, "segment [%d,%d) beyond %d", start, end, limit))
		return
	}

	if fin && !r.finPending {
		r.finPending = true
		r.finSeq = end
	}
	duplicate := len(seg.Payload) > 0 &&
		(end.LessThanEq(r.nxt) || (r.nxt.LessThanEq(start) && r.ranges.Contains(start, end)))
	if duplicate && !(fin && r.nxt == r.finSeq) {
		c.stats.DupSegmentsRecv++
		c.logger.V(2).Info("duplicate segment", "seq", start, "end", end, "rcv-nxt", r.nxt)
		c.sendAck()
		return
	}

	payload := seg.Payload
	if start.LessThan(r.nxt) {
		payload = payload[start.Size(r.nxt):]
		start = r.nxt
	}

	immediate := fin
	if start.LessThan(end) {
		hadGaps := r.ranges.Len() > 0
		r.ranges.Add(start, end)
		if start == r.nxt {
			c.advance(payload)
			immediate = immediate || hadGaps
		} else {
			c.hold(start, payload)
			c.stats.OutOfOrderRecv++
			immediate = true
		}
	}

	if r.finPending && r.nxt == r.finSeq {
		r.nxt = r.nxt.Add(1)
		c.setRecvState(RecvClosed)
		c.logger.V(1).Info("peer closed", "rcv-nxt", r.nxt)
	}

	if immediate {
		c.sendAck()
	} else {
		c.scheduleAck()
	}
	if r.state == RecvClosed {
		c.maybeTeardown()
	}
}

// advance stages the in-order payload plus any held segments it reaches and
// delivers them upward.
func (c *Connection) advance(payload []byte) {
	r := &c.rcv
	first, ok := r.ranges.First()
	mustHold(ok && first.Start == r.nxt, "advance without a range at rcv_nxt %d", r.nxt)
	next := first.End

	staged := r.buf.Append(payload)
	mustHold(staged == len(payload), "staged %d of %d bytes", staged, len(payload))
	at := r.nxt.Add(seqnum.Size(staged))

	for r.held.Len() > 0 {
		h, _ := r.held.Min()
		if !h.seq.LessThanEq(at) {
			break
		}
		r.held.DeleteMin()
		r.heldBytes -= len(h.data)
		if at.LessThan(h.end()) {
			data := h.data[h.seq.Size(at):]
			n := r.buf.Append(data)
			mustHold(n == len(data), "staged %d of %d held bytes", n, len(data))
			at = at.Add(seqnum.Size(n))
		}
	}
	mustHold(at == next, "reassembled up to %d, ranges say %d", at, next)

	r.nxt = next
	r.ranges.TrimBelow(next)
	c.flushReceived()
}

// hold keeps an out-of-order payload, preferring the longer copy when two
// segments start at the same sequence number.
func (c *Connection) hold(seq seqnum.Value, payload []byte) {
	r := &c.rcv
	if old, ok := r.held.Get(heldSegment{seq: seq}); ok {
		if len(old.data) >= len(payload) {
			return
		}
		r.heldBytes -= len(old.data)
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	r.held.ReplaceOrInsert(heldSegment{seq: seq, data: data})
	r.heldBytes += len(data)
	c.logger.V(2).Info("holding out-of-order segment", "seq", seq, "len", len(data), "held", r.held.Len())
}

// flushReceived hands everything staged to the application.
func (c *Connection) flushReceived() {
	r := &c.rcv
	n := r.buf.Len()
	if n == 0 {
		return
	}
	data := make([]byte, n)
	r.buf.ReadAt(data, 0)
	r.buf.Discard(n)
	c.stats.BytesDelivered += uint64(n)
	c.app.Receive(data)
}

// scheduleAck applies the delayed ACK policy to an in-order arrival.
func (c *Connection) scheduleAck() {
	r := &c.rcv
	if !c.cfg.DelayedAck {
		c.sendAck()
		return
	}
	r.unacked++
	if r.unacked >= c.cfg.AckEvery {
		c.sendAck()
		return
	}
	if !c.delayedAckTimer.armed {
		c.armTimer(&c.delayedAckTimer, c.cfg.DelayedAckTimeout)
	}
}
