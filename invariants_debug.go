// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build tcpsimdebug

package tcpsim

// checkDeepInvariants walks the reassembly and scoreboard structures. It is
// only compiled in with the tcpsimdebug tag.
func (c *Connection) checkDeepInvariants() {
	s, r := &c.snd, &c.rcv

	prev := r.nxt
	for i, rng := range r.ranges.Ranges() {
		mustHold(prev.LessThan(rng.Start), "receive range %d [%d,%d) not beyond %d", i, rng.Start, rng.End, prev)
		prev = rng.End
	}
	held := 0
	r.held.Ascend(func(h heldSegment) bool {
		mustHold(r.nxt.LessThan(h.end()), "held segment at %d already delivered (rcv_nxt %d)", h.seq, r.nxt)
		held += len(h.data)
		return true
	})
	mustHold(held == r.heldBytes, "held bytes %d, counted %d", held, r.heldBytes)

	blocks := c.sackBlocks()
	mustHold(len(blocks) <= MaxSACKBlocks, "%d SACK blocks", len(blocks))

	for _, rng := range s.scoreboard.Ranges() {
		mustHold(s.una.LessThanEq(rng.Start) && rng.End.LessThanEq(s.max),
			"scoreboard range [%d,%d) outside (%d,%d]", rng.Start, rng.End, s.una, s.max)
	}
	for i := 1; i < len(s.inflight); i++ {
		mustHold(s.inflight[i-1].end.LessThanEq(s.inflight[i].seq), "in-flight records out of order at %d", i)
	}
}
