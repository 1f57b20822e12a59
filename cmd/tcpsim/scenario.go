// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"

	"storj.io/tcpsim"
	"storj.io/tcpsim/congestion"
	"storj.io/tcpsim/simnet"
)

// Duration reads "150ms"-style strings from scenario files.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*d = Duration(v)
	return nil
}

// Link is one direction of the simulated path.
type Link struct {
	Delay      Duration `json:"delay"`
	Jitter     Duration `json:"jitter"`
	Bandwidth  int64    `json:"bandwidth"`
	Loss       float64  `json:"loss"`
	QueueLimit int      `json:"queue_limit"`
	Seed       int64    `json:"seed"`
}

func (l Link) config() simnet.LinkConfig {
	return simnet.LinkConfig{
		Delay:      time.Duration(l.Delay),
		Jitter:     time.Duration(l.Jitter),
		Bandwidth:  l.Bandwidth,
		Loss:       l.Loss,
		QueueLimit: l.QueueLimit,
		Seed:       l.Seed,
	}
}

// Scenario describes a bulk transfer to repeat once per algorithm.
type Scenario struct {
	Name         string                 `json:"name"`
	Bytes        int                    `json:"bytes"`
	ReverseBytes int                    `json:"reverse_bytes"`
	Algorithms   []congestion.Algorithm `json:"algorithms"`
	Forward      Link                   `json:"forward"`
	Reverse      Link                   `json:"reverse"`

	MSS           uint32 `json:"mss"`
	SendBuffer    int    `json:"send_buffer"`
	ReceiveBuffer int    `json:"receive_buffer"`
	SACK          *bool  `json:"sack"`
	DelayedAck    *bool  `json:"delayed_ack"`
	Timestamps    *bool  `json:"timestamps"`
	WindowScale   *bool  `json:"window_scale"`

	// Limit caps simulated time per run.
	Limit Duration `json:"limit"`
	// Seed fills the transferred payload.
	Seed int64 `json:"seed"`
}

var errInvalidScenario = errors.New("invalid scenario")

// defaultScenario is used when no file is given.
func defaultScenario() Scenario {
	return Scenario{
		Name:       "default",
		Bytes:      1 << 20,
		Algorithms: []congestion.Algorithm{congestion.Tahoe, congestion.Reno, congestion.NewReno, congestion.Vegas, congestion.Cubic},
		Forward:    Link{Delay: Duration(20 * time.Millisecond), Bandwidth: 1 << 20, Loss: 0.01, Seed: 1},
		Reverse:    Link{Delay: Duration(20 * time.Millisecond), Bandwidth: 1 << 20, Seed: 2},
		Limit:      Duration(10 * time.Minute),
		Seed:       1,
	}
}

// loadScenario reads a JSON-with-comments scenario from fs. Fields left out
// keep the defaults.
func loadScenario(fs afero.Fs, path string) (Scenario, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Scenario{}, errors.Wrapf(err, "reading scenario %q", path)
	}
	sc := defaultScenario()
	if err := json.Unmarshal(jsonc.ToJSON(raw), &sc); err != nil {
		return Scenario{}, errors.Wrapf(err, "parsing scenario %q", path)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, errors.Wrapf(err, "scenario %q", path)
	}
	return sc, nil
}

// Validate checks the transfer and both links. Connection settings are
// checked when each run builds its connections.
func (sc Scenario) Validate() error {
	switch {
	case sc.Bytes < 0 || sc.ReverseBytes < 0:
		return errors.Wrapf(errInvalidScenario, "negative transfer size")
	case sc.Bytes == 0 && sc.ReverseBytes == 0:
		return errors.Wrapf(errInvalidScenario, "nothing to transfer")
	case len(sc.Algorithms) == 0:
		return errors.Wrapf(errInvalidScenario, "no algorithms")
	case sc.Limit <= 0:
		return errors.Wrapf(errInvalidScenario, "limit %v", time.Duration(sc.Limit))
	}
	if err := sc.Forward.config().Validate(); err != nil {
		return errors.Wrap(err, "forward link")
	}
	if err := sc.Reverse.config().Validate(); err != nil {
		return errors.Wrap(err, "reverse link")
	}
	return nil
}

// options are the connection settings shared by both ends.
func (sc Scenario) options(alg congestion.Algorithm) []tcpsim.ConnectOption {
	opts := []tcpsim.ConnectOption{tcpsim.WithAlgorithm(alg)}
	if sc.MSS != 0 {
		opts = append(opts, tcpsim.WithMSS(sc.MSS))
	}
	if sc.SendBuffer != 0 || sc.ReceiveBuffer != 0 {
		def := tcpsim.DefaultConfig()
		send, receive := def.SendBufferSize, def.ReceiveBufferSize
		if sc.SendBuffer != 0 {
			send = sc.SendBuffer
		}
		if sc.ReceiveBuffer != 0 {
			receive = sc.ReceiveBuffer
		}
		opts = append(opts, tcpsim.WithBufferSizes(send, receive))
	}
	if sc.SACK != nil {
		opts = append(opts, tcpsim.WithSACK(*sc.SACK))
	}
	if sc.DelayedAck != nil {
		opts = append(opts, tcpsim.WithDelayedAck(*sc.DelayedAck))
	}
	if sc.Timestamps != nil {
		opts = append(opts, tcpsim.WithTimestamps(*sc.Timestamps))
	}
	if sc.WindowScale != nil {
		opts = append(opts, tcpsim.WithWindowScale(*sc.WindowScale))
	}
	return opts
}
