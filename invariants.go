// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

// checkInvariants runs after every event. A violation is a bug in this
// package, so it panics.
func (c *Connection) checkInvariants() {
	if c.closed() {
		return
	}
	s, r := &c.snd, &c.rcv
	end := c.dataEnd()
	if s.finSent {
		end = s.finSeq.Add(1)
	}
	mustHold(s.una.LessThanEq(s.nxt), "snd_una %d > snd_nxt %d", s.una, s.nxt)
	mustHold(s.nxt.LessThanEq(s.max), "snd_nxt %d > snd_max %d", s.nxt, s.max)
	mustHold(s.max.LessThanEq(end), "snd_max %d beyond buffered data %d", s.max, end)
	mustHold(s.cc.Cwnd > 0, "zero congestion window")
	mustHold(s.dupAcks >= 0 && r.heldBytes >= 0, "negative counters: dupacks=%d held=%d", s.dupAcks, r.heldBytes)
	c.checkDeepInvariants()
}
