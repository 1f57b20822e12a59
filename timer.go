// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import "time"

// timerSlot is one of the connection's two timers. Each arm takes a fresh
// generation from the connection, so a fire that was already queued when
// the slot was disarmed or rearmed is recognized as stale.
type timerSlot struct {
	kind       TimerKind
	generation uint64
	deadline   time.Duration
	armed      bool
}

func (s *timerSlot) handle() TimerHandle {
	return TimerHandle{Kind: s.kind, Generation: s.generation, Deadline: s.deadline}
}

// current reports whether h is the fire this slot is waiting for.
func (s *timerSlot) current(h TimerHandle) bool {
	return s.armed && s.generation == h.Generation
}

func (c *Connection) slot(kind TimerKind) *timerSlot {
	switch kind {
	case RetransmitTimer:
		return &c.retransmitTimer
	case DelayedAckTimer:
		return &c.delayedAckTimer
	}
	return nil
}

func (c *Connection) armTimer(s *timerSlot, after time.Duration) {
	c.disarmTimer(s)
	c.timerGeneration++
	s.generation = c.timerGeneration
	s.deadline = c.clock.Now() + after
	s.armed = true
	c.logger.V(2).Info("arm timer", "kind", s.kind, "generation", s.generation, "deadline", s.deadline)
	c.clock.Schedule(c, s.handle())
}

func (c *Connection) disarmTimer(s *timerSlot) {
	if !s.armed {
		return
	}
	s.armed = false
	c.clock.Cancel(c, s.handle())
}

// OnFire implements TimerTarget.
func (c *Connection) OnFire(h TimerHandle) {
	s := c.slot(h.Kind)
	if s == nil || !s.current(h) {
		c.logger.V(2).Info("ignoring stale timer", "kind", h.Kind, "generation", h.Generation)
		return
	}
	s.armed = false
	if c.closed() {
		return
	}
	switch h.Kind {
	case RetransmitTimer:
		c.onRetransmitTimeout()
	case DelayedAckTimer:
		c.sendAck()
	}
	c.checkInvariants()
}
