// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"storj.io/tcpsim/congestion"
)

// Config holds every tunable of a Connection. Start from DefaultConfig and
// adjust with ConnectOptions.
type Config struct {
	Logger logr.Logger
	Tracer *Tracer

	LocalPort  uint16
	RemotePort uint16
	Route      Route

	// MSS is the largest payload this side will send or accept. The
	// effective MSS is the smaller of both sides' offers.
	MSS               uint32
	SendBufferSize    int
	ReceiveBufferSize int

	// InitialCwnd is in segments, MaxCwnd in bytes.
	InitialCwnd int
	MaxCwnd     uint32
	Algorithm   congestion.Algorithm
	Congestion  congestion.Params

	SACK          bool
	MaxSACKBlocks int

	DelayedAck        bool
	DelayedAckTimeout time.Duration
	// AckEvery forces an ACK after this many unacknowledged in-order
	// segments even when delaying.
	AckEvery int

	Timestamps  bool
	WindowScale bool

	InitialRTO       time.Duration
	MinRTO           time.Duration
	MaxRTO           time.Duration
	TimerGranularity time.Duration
	MaxBackoff       int
	// MaxRetransmissions is the number of consecutive timeouts after which
	// the connection is aborted.
	MaxRetransmissions int
	HandshakeTimeout   time.Duration
	// FinTimeout bounds how long the sender waits for its FIN to be
	// acknowledged.
	FinTimeout time.Duration

	// MaxBurst caps the segments emitted per event. Zero means no cap.
	MaxBurst int

	// ISS is the initial send sequence number. Zero picks one at random.
	ISS seqnum.Value
}

// DefaultConfig returns the settings used when no options are given.
func DefaultConfig() Config {
	return Config{
		Logger:     logr.Discard(),
		LocalPort:  49152,
		RemotePort: 80,
		Route: Route{
			Src:      netip.MustParseAddr("10.0.0.1"),
			Dst:      netip.MustParseAddr("10.0.0.2"),
			Protocol: ProtocolTCP,
			TTL:      64,
		},
		MSS:                1460,
		SendBufferSize:     256 << 10,
		ReceiveBufferSize:  256 << 10,
		InitialCwnd:        2,
		MaxCwnd:            4 << 20,
		Algorithm:          congestion.NewReno,
		Congestion:         congestion.DefaultParams(),
		SACK:               true,
		MaxSACKBlocks:      MaxSACKBlocks,
		DelayedAck:         true,
		DelayedAckTimeout:  100 * time.Millisecond,
		AckEvery:           2,
		Timestamps:         true,
		WindowScale:        true,
		InitialRTO:         time.Second,
		MinRTO:             200 * time.Millisecond,
		MaxRTO:             60 * time.Second,
		TimerGranularity:   time.Millisecond,
		MaxBackoff:         64,
		MaxRetransmissions: 12,
		HandshakeTimeout:   3 * time.Second,
		FinTimeout:         30 * time.Second,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MSS < 64 || c.MSS > 65495:
		return errors.Wrapf(ErrInvalidConfig, "MSS %d out of range [64, 65495]", c.MSS)
	case c.SendBufferSize < int(c.MSS):
		return errors.Wrapf(ErrInvalidConfig, "send buffer %d smaller than MSS %d", c.SendBufferSize, c.MSS)
	case c.ReceiveBufferSize < int(c.MSS):
		return errors.Wrapf(ErrInvalidConfig, "receive buffer %d smaller than MSS %d", c.ReceiveBufferSize, c.MSS)
	case c.ReceiveBufferSize > 1<<30:
		return errors.Wrapf(ErrInvalidConfig, "receive buffer %d larger than 1GiB", c.ReceiveBufferSize)
	case c.InitialCwnd < 1:
		return errors.Wrapf(ErrInvalidConfig, "initial cwnd %d segments", c.InitialCwnd)
	case c.MaxCwnd < 2*c.MSS || c.MaxCwnd < uint32(c.InitialCwnd)*c.MSS:
		return errors.Wrapf(ErrInvalidConfig, "max cwnd %d below initial window", c.MaxCwnd)
	case c.MaxSACKBlocks < 0 || c.MaxSACKBlocks > MaxSACKBlocks:
		return errors.Wrapf(ErrInvalidConfig, "max SACK blocks %d", c.MaxSACKBlocks)
	case c.AckEvery < 1:
		return errors.Wrapf(ErrInvalidConfig, "ack every %d segments", c.AckEvery)
	case c.DelayedAck && c.DelayedAckTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "delayed ACK timeout must be positive")
	case c.TimerGranularity <= 0:
		return errors.Wrap(ErrInvalidConfig, "timer granularity must be positive")
	case c.InitialRTO <= 0 || c.MaxRTO < c.MinRTO:
		return errors.Wrapf(ErrInvalidConfig, "RTO bounds initial=%v min=%v max=%v", c.InitialRTO, c.MinRTO, c.MaxRTO)
	case c.MaxBackoff < 1 || c.MaxBackoff&(c.MaxBackoff-1) != 0:
		return errors.Wrapf(ErrInvalidConfig, "max backoff %d is not a power of two", c.MaxBackoff)
	case c.MaxRetransmissions < 1:
		return errors.Wrapf(ErrInvalidConfig, "max retransmissions %d", c.MaxRetransmissions)
	case c.HandshakeTimeout <= 0 || c.FinTimeout <= 0:
		return errors.Wrap(ErrInvalidConfig, "handshake and FIN timeouts must be positive")
	case c.MaxBurst < 0:
		return errors.Wrapf(ErrInvalidConfig, "max burst %d", c.MaxBurst)
	}
	if _, err := congestion.New(c.Algorithm); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// ConnectOption changes one setting of a Config.
type ConnectOption interface {
	apply(c *Config)
}

type optionFunc func(c *Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithLogger sets the logger. Segment detail is logged at V(2), state
// changes and loss events at V(1).
func WithLogger(logger logr.Logger) ConnectOption {
	return optionFunc(func(c *Config) { c.Logger = logger })
}

// WithTracer installs event callbacks.
func WithTracer(tracer *Tracer) ConnectOption {
	return optionFunc(func(c *Config) { c.Tracer = tracer })
}

// WithAlgorithm selects the congestion control discipline.
func WithAlgorithm(alg congestion.Algorithm) ConnectOption {
	return optionFunc(func(c *Config) { c.Algorithm = alg })
}

// WithCongestionParams overrides the Vegas and Cubic tunables.
func WithCongestionParams(params congestion.Params) ConnectOption {
	return optionFunc(func(c *Config) { c.Congestion = params })
}

// WithMSS sets the maximum segment size offered to the peer.
func WithMSS(mss uint32) ConnectOption {
	return optionFunc(func(c *Config) { c.MSS = mss })
}

// WithBufferSizes sets the send and receive buffer capacities.
func WithBufferSizes(send, receive int) ConnectOption {
	return optionFunc(func(c *Config) {
		c.SendBufferSize = send
		c.ReceiveBufferSize = receive
	})
}

// WithSACK enables or disables offering selective acknowledgments.
func WithSACK(enabled bool) ConnectOption {
	return optionFunc(func(c *Config) { c.SACK = enabled })
}

// WithDelayedAck enables or disables delayed ACKs.
func WithDelayedAck(enabled bool) ConnectOption {
	return optionFunc(func(c *Config) { c.DelayedAck = enabled })
}

// WithTimestamps enables or disables the RFC 1323 timestamp option.
func WithTimestamps(enabled bool) ConnectOption {
	return optionFunc(func(c *Config) { c.Timestamps = enabled })
}

// WithWindowScale enables or disables the RFC 1323 window scale option.
func WithWindowScale(enabled bool) ConnectOption {
	return optionFunc(func(c *Config) { c.WindowScale = enabled })
}

// WithRTO sets the initial timeout and the bounds the computed timeout is
// clamped to.
func WithRTO(initial, minRTO, maxRTO time.Duration) ConnectOption {
	return optionFunc(func(c *Config) {
		c.InitialRTO = initial
		c.MinRTO = minRTO
		c.MaxRTO = maxRTO
	})
}

// WithMaxRetransmissions sets how many consecutive timeouts abort the
// connection.
func WithMaxRetransmissions(n int) ConnectOption {
	return optionFunc(func(c *Config) { c.MaxRetransmissions = n })
}

// WithISS fixes the initial send sequence number.
func WithISS(iss seqnum.Value) ConnectOption {
	return optionFunc(func(c *Config) { c.ISS = iss })
}

// WithPorts sets the local and remote ports.
func WithPorts(local, remote uint16) ConnectOption {
	return optionFunc(func(c *Config) {
		c.LocalPort = local
		c.RemotePort = remote
	})
}

// WithRoute sets the IP envelope handed to the network collaborator.
func WithRoute(route Route) ConnectOption {
	return optionFunc(func(c *Config) { c.Route = route })
}

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(cfg Config) ConnectOption {
	return optionFunc(func(c *Config) { *c = cfg })
}
