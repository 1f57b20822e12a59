// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"storj.io/tcpsim/congestion"
	"storj.io/tcpsim/simnet"
)

const scenarioFile = `{
	// two algorithms over a short clean path
	"name": "small",
	"bytes": 20000,
	"reverse_bytes": 3000,
	"algorithms": ["reno", "cubic"],
	"forward": {"delay": "5ms", "bandwidth": 1048576, "seed": 3},
	"reverse": {"delay": "5ms", "seed": 4},
	"mss": 536,
	"sack": false, /* exercise the non-SACK path */
	"limit": "1m",
}`

func writeScenario(t *testing.T, contents string) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scenario.jsonc", []byte(contents), 0o644))
	return fs
}

func TestLoadScenario(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, scenarioFile), "/scenario.jsonc")
	require.NoError(t, err)

	assert.Equal(t, "small", sc.Name)
	assert.Equal(t, 20000, sc.Bytes)
	assert.Equal(t, []congestion.Algorithm{congestion.Reno, congestion.Cubic}, sc.Algorithms)
	assert.Equal(t, 5*time.Millisecond, sc.Forward.config().Delay)
	assert.EqualValues(t, 1<<20, sc.Forward.Bandwidth)
	assert.EqualValues(t, 536, sc.MSS)
	require.NotNil(t, sc.SACK)
	assert.False(t, *sc.SACK)
	assert.Nil(t, sc.DelayedAck)
	assert.Equal(t, Duration(time.Minute), sc.Limit)
	// Not in the file, kept from the defaults.
	assert.EqualValues(t, 1, sc.Seed)
}

func TestLoadScenarioErrors(t *testing.T) {
	_, err := loadScenario(afero.NewMemMapFs(), "/missing.jsonc")
	require.Error(t, err)

	_, err = loadScenario(writeScenario(t, `{"algorithms": ["bbr"]}`), "/scenario.jsonc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, congestion.ErrUnknownAlgorithm))

	_, err = loadScenario(writeScenario(t, `{"forward": {"delay": 5}}`), "/scenario.jsonc")
	require.Error(t, err)

	_, err = loadScenario(writeScenario(t, `{"forward": {"loss": 1.5}}`), "/scenario.jsonc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, simnet.ErrInvalidLink))

	_, err = loadScenario(writeScenario(t, `{"bytes": 0}`), "/scenario.jsonc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInvalidScenario))
}

func TestParseAlgorithms(t *testing.T) {
	algs, err := parseAlgorithms("tahoe, Vegas,cubic")
	require.NoError(t, err)
	assert.Equal(t, []congestion.Algorithm{congestion.Tahoe, congestion.Vegas, congestion.Cubic}, algs)

	_, err = parseAlgorithms("reno,,cubic")
	require.Error(t, err)
}

func TestRunScenario(t *testing.T) {
	logger := zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)))
	var out bytes.Buffer
	opts := options{scenario: "/scenario.jsonc", dumpMetrics: true}
	require.NoError(t, run(context.Background(), logger, writeScenario(t, scenarioFile), opts, &out))

	text := out.String()
	assert.Contains(t, text, `scenario "small"`)
	assert.Contains(t, text, "reno")
	assert.Contains(t, text, "cubic")
	assert.NotContains(t, text, "corrupted")
	assert.Contains(t, text, "tcpsim_segments_sent_total")
	assert.Contains(t, text, `tcpsim_connections_closed_total{algorithm="cubic",result="ok"} 1`)
}

func TestRunOneDeliversBothDirections(t *testing.T) {
	logger := zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)))
	sc, err := loadScenario(writeScenario(t, scenarioFile), "/scenario.jsonc")
	require.NoError(t, err)

	results, err := runScenario(context.Background(), logger, sc, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Algorithm.String())
		assert.True(t, r.Intact, r.Algorithm.String())
		assert.Equal(t, 23000, r.Delivered)
		assert.Zero(t, r.Client.ReXmit)
		assert.Positive(t, r.goodput())
		assert.EqualValues(t, 536, r.Info.MSS)
	}
	assert.NotEqual(t, results[0].ID, results[1].ID)
}

func TestRunCancelled(t *testing.T) {
	logger := zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.InfoLevel)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runScenario(ctx, logger, defaultScenario(), nil)
	require.ErrorIs(t, err, context.Canceled)
}
