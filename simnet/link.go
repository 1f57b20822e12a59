// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package simnet

import (
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"storj.io/tcpsim"
)

// ErrInvalidLink is returned for link parameters that make no sense.
var ErrInvalidLink = errors.New("invalid link configuration")

// LinkConfig describes one direction of a path.
type LinkConfig struct {
	// Delay is the one-way propagation delay.
	Delay time.Duration `json:"delay"`
	// Jitter adds a uniformly distributed extra delay in [0, Jitter).
	// Packets may be reordered when it is nonzero.
	Jitter time.Duration `json:"jitter"`
	// Bandwidth in bytes per second. Zero means infinitely fast.
	Bandwidth int64 `json:"bandwidth"`
	// Loss is the probability of dropping each packet.
	Loss float64 `json:"loss"`
	// QueueLimit is the most packets in flight on the link before new
	// ones are tail-dropped. Zero means unlimited.
	QueueLimit int `json:"queue_limit"`
	// Seed makes loss and jitter reproducible.
	Seed int64 `json:"seed"`
}

// Validate checks the configuration.
func (c LinkConfig) Validate() error {
	switch {
	case c.Delay < 0 || c.Jitter < 0:
		return errors.Wrapf(ErrInvalidLink, "negative delay %v or jitter %v", c.Delay, c.Jitter)
	case c.Bandwidth < 0:
		return errors.Wrapf(ErrInvalidLink, "negative bandwidth %d", c.Bandwidth)
	case c.Loss < 0 || c.Loss >= 1:
		return errors.Wrapf(ErrInvalidLink, "loss probability %v not in [0, 1)", c.Loss)
	case c.QueueLimit < 0:
		return errors.Wrapf(ErrInvalidLink, "negative queue limit %d", c.QueueLimit)
	}
	return nil
}

// Receiver is anything that accepts packets from a link, usually a
// *tcpsim.Connection.
type Receiver interface {
	Deliver(pkt []byte)
}

// LinkStats counts what happened on a link.
type LinkStats struct {
	Forwarded   uint64
	Delivered   uint64
	Bytes       uint64
	Lost        uint64 // random loss and the Drop filter
	QueueDrops  uint64
	TTLExpired  uint64
	MaxInFlight int
}

// Link carries packets one way with delay, serialization time, random loss
// and a bounded queue. It implements tcpsim.Network.
type Link struct {
	sim    *Simulator
	cfg    LinkConfig
	logger logr.Logger
	rng    *rand.Rand
	dst    Receiver

	busyUntil time.Duration
	inFlight  int
	count     int
	stats     LinkStats

	// Drop, when set, is asked about every packet before random loss is
	// applied; n counts packets forwarded on this link from zero.
	Drop func(n int, pkt []byte) bool
}

// NewLink creates an unattached link.
func NewLink(sim *Simulator, cfg LinkConfig, logger logr.Logger) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Link{
		sim:    sim,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Attach sets the far end of the link.
func (l *Link) Attach(dst Receiver) { l.dst = dst }

// Stats returns a copy of the link counters.
func (l *Link) Stats() LinkStats { return l.stats }

// Forward implements tcpsim.Network.
func (l *Link) Forward(pkt []byte, route tcpsim.Route) {
	n := l.count
	l.count++
	l.stats.Forwarded++

	switch {
	case route.TTL == 0:
		l.stats.TTLExpired++
		l.logger.V(2).Info("ttl expired", "dst", route.Dst)
		return
	case l.Drop != nil && l.Drop(n, pkt):
		l.stats.Lost++
		l.logger.V(2).Info("filtered packet", "n", n, "len", len(pkt))
		return
	case l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss:
		l.stats.Lost++
		l.logger.V(2).Info("lost packet", "n", n, "len", len(pkt))
		return
	case l.cfg.QueueLimit > 0 && l.inFlight >= l.cfg.QueueLimit:
		l.stats.QueueDrops++
		l.logger.V(2).Info("queue full", "n", n, "in-flight", l.inFlight)
		return
	}

	now := l.sim.Now()
	departure := now
	if l.busyUntil > departure {
		departure = l.busyUntil
	}
	if l.cfg.Bandwidth > 0 {
		departure += time.Duration(int64(len(pkt)) * int64(time.Second) / l.cfg.Bandwidth)
		l.busyUntil = departure
	}
	arrival := departure + l.cfg.Delay
	if l.cfg.Jitter > 0 {
		arrival += time.Duration(l.rng.Int63n(int64(l.cfg.Jitter)))
	}

	data := append([]byte(nil), pkt...)
	l.inFlight++
	if l.inFlight > l.stats.MaxInFlight {
		l.stats.MaxInFlight = l.inFlight
	}
	l.sim.After(arrival-now, func() {
		l.inFlight--
		l.stats.Delivered++
		l.stats.Bytes += uint64(len(data))
		if l.dst != nil {
			l.dst.Deliver(data)
		}
	})
}
