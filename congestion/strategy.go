// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package congestion

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Algorithm names a congestion control discipline.
type Algorithm int

const (
	Tahoe Algorithm = iota
	Reno
	NewReno
	Vegas
	Cubic
)

var algorithmNames = []string{"tahoe", "reno", "newreno", "vegas", "cubic"}

func (a Algorithm) String() string {
	if a < 0 || int(a) >= len(algorithmNames) {
		return "unknown"
	}
	return algorithmNames[a]
}

// ErrUnknownAlgorithm is returned by ParseAlgorithm for names it does not know.
var ErrUnknownAlgorithm = errors.New("unknown congestion control algorithm")

// ParseAlgorithm maps a case-insensitive name to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range algorithmNames {
		if n == name {
			return Algorithm(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownAlgorithm, "%q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Strategy is one congestion control discipline. Implementations keep no state
// of their own; every hook reads and writes the State it is handed, and must
// leave it with cwnd in (0, MaxCwnd] and ssthresh >= 2*MSS.
type Strategy interface {
	Algorithm() Algorithm
	// Ssthresh returns the slow start threshold to use after a loss.
	Ssthresh(s *State) uint32
	// OnLossEnter is called on the third duplicate ACK and on every
	// retransmission timeout.
	OnLossEnter(s *State, cause LossCause)
	// Grow is called for each new ACK outside of fast recovery.
	Grow(s *State, acked, inFlight uint32)
	// OnAckSample is called for each new ACK, before Grow or OnRecoveryAck.
	OnAckSample(s *State, smp Sample)
	// OnRecoveryAck handles a new ACK during fast recovery. partial is set
	// when the ACK does not cover s.Recover. It returns true once recovery
	// is over.
	OnRecoveryAck(s *State, acked uint32, partial bool) bool
}

// EarlyRetransmitter is implemented by strategies that retransmit on the
// first duplicate ACK when the oldest segment has been out longer than an RTT.
type EarlyRetransmitter interface {
	ShouldRetransmitEarly(s *State, age, srtt time.Duration) bool
}

// New returns the Strategy implementing alg.
func New(alg Algorithm) (Strategy, error) {
	switch alg {
	case Tahoe:
		return TahoeStrategy{}, nil
	case Reno:
		return RenoStrategy{}, nil
	case NewReno:
		return NewRenoStrategy{}, nil
	case Vegas:
		return VegasStrategy{}, nil
	case Cubic:
		return CubicStrategy{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownAlgorithm, "%d", int(alg))
}
