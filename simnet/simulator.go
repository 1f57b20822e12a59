// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package simnet is a discrete event harness for tcpsim connections: a
// virtual clock with a timer service, and lossy links between endpoints.
package simnet

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/btree"

	"storj.io/tcpsim"
)

// ctxCheckInterval is how many events Run processes between context checks.
const ctxCheckInterval = 1024

type event struct {
	at  time.Duration
	seq uint64
	fn  func()
}

func eventLess(a, b *event) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.seq < b.seq
}

type timerKey struct {
	target     tcpsim.TimerTarget
	kind       tcpsim.TimerKind
	generation uint64
}

// Simulator owns virtual time. Events at the same instant run in the order
// they were scheduled. It implements tcpsim.Scheduler and is not safe for
// concurrent use: run one Simulator per goroutine.
type Simulator struct {
	logger    logr.Logger
	now       time.Duration
	seq       uint64
	queue     *btree.BTreeG[*event]
	timers    map[timerKey]*event
	processed uint64
}

// New returns a simulator at time zero with nothing scheduled.
func New(logger logr.Logger) *Simulator {
	return &Simulator{
		logger: logger,
		queue:  btree.NewG[*event](16, eventLess),
		timers: make(map[timerKey]*event),
	}
}

// Now implements tcpsim.Scheduler.
func (s *Simulator) Now() time.Duration { return s.now }

// After runs fn once d has elapsed.
func (s *Simulator) After(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.push(s.now+d, fn)
}

func (s *Simulator) push(at time.Duration, fn func()) *event {
	s.seq++
	ev := &event{at: at, seq: s.seq, fn: fn}
	s.queue.ReplaceOrInsert(ev)
	return ev
}

// Schedule implements tcpsim.Scheduler.
func (s *Simulator) Schedule(target tcpsim.TimerTarget, h tcpsim.TimerHandle) {
	key := timerKey{target: target, kind: h.Kind, generation: h.Generation}
	at := h.Deadline
	if at < s.now {
		at = s.now
	}
	s.timers[key] = s.push(at, func() {
		delete(s.timers, key)
		target.OnFire(h)
	})
}

// Cancel implements tcpsim.Scheduler.
func (s *Simulator) Cancel(target tcpsim.TimerTarget, h tcpsim.TimerHandle) {
	key := timerKey{target: target, kind: h.Kind, generation: h.Generation}
	ev, ok := s.timers[key]
	if !ok {
		return
	}
	delete(s.timers, key)
	s.queue.Delete(ev)
}

// Pending is the number of scheduled events.
func (s *Simulator) Pending() int { return s.queue.Len() }

// Timers is the number of scheduled timer fires.
func (s *Simulator) Timers() int { return len(s.timers) }

// Processed is the number of events run so far.
func (s *Simulator) Processed() uint64 { return s.processed }

// Step runs the next event, advancing the clock to it. It returns false
// when nothing is scheduled.
func (s *Simulator) Step() bool {
	ev, ok := s.queue.DeleteMin()
	if !ok {
		return false
	}
	if ev.at > s.now {
		s.now = ev.at
	}
	s.processed++
	ev.fn()
	return true
}

// Run processes events until the queue is empty or the next event lies past
// limit. Virtual time never moves beyond limit.
func (s *Simulator) Run(ctx context.Context, limit time.Duration) error {
	return s.RunUntil(ctx, limit, nil)
}

// RunUntil is Run with an extra stop condition, checked after every event.
func (s *Simulator) RunUntil(ctx context.Context, limit time.Duration, done func() bool) error {
	start := s.processed
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		next, ok := s.queue.Min()
		if !ok || next.at > limit {
			break
		}
		s.Step()
		if done != nil && done() {
			break
		}
	}
	s.logger.V(1).Info("simulation paused", "now", s.now, "events", s.processed-start, "pending", s.queue.Len())
	return nil
}
