// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/gofrs/uuid/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"storj.io/tcpsim"
	"storj.io/tcpsim/congestion"
	"storj.io/tcpsim/metrics"
	"storj.io/tcpsim/simnet"
)

// result is the outcome of one algorithm's run.
type result struct {
	ID        uuid.UUID
	Algorithm congestion.Algorithm
	// Elapsed is simulated time.
	Elapsed   time.Duration
	Events    uint64
	Sent      int
	Delivered int
	Intact    bool
	Client    tcpsim.Stats
	Server    tcpsim.Stats
	Info      tcpsim.Info
	Err       error
}

// goodput is delivered bytes per simulated second.
func (r result) goodput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Delivered) / r.Elapsed.Seconds()
}

// runScenario runs every algorithm of sc concurrently, each on its own
// simulator. Connection failures are part of a result; only setup errors and
// cancellation fail the whole run.
func runScenario(ctx context.Context, logger logr.Logger, sc Scenario, collector *metrics.Collector) ([]result, error) {
	results := make([]result, len(sc.Algorithms))
	group, ctx := errgroup.WithContext(ctx)
	for i, alg := range sc.Algorithms {
		i, alg := i, alg
		group.Go(func() error {
			r, err := runOne(ctx, logger, sc, alg, collector)
			if err != nil {
				return errors.Wrapf(err, "running %s", alg)
			}
			results[i] = r
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runOne(ctx context.Context, logger logr.Logger, sc Scenario, alg congestion.Algorithm, collector *metrics.Collector) (result, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return result{}, errors.WithStack(err)
	}
	logger = logger.WithValues("run", id.String(), "algorithm", alg.String())

	client, server := sc.options(alg), sc.options(alg)
	if collector != nil {
		client = append(client, tcpsim.WithTracer(collector.Tracer(alg)))
	}

	sim := simnet.New(logger.WithName("sim"))
	pair, err := simnet.NewPair(sim, logger, sc.Forward.config(), sc.Reverse.config(), client, server)
	if err != nil {
		return result{}, err
	}
	forward := payload(sc.Seed, sc.Bytes)
	reverse := payload(sc.Seed+1, sc.ReverseBytes)
	pair.Client.App.Write(forward, true)
	pair.Server.App.Write(reverse, true)

	if err := sim.RunUntil(ctx, time.Duration(sc.Limit), pair.Done); err != nil {
		return result{}, err
	}

	r := result{
		ID:        id,
		Algorithm: alg,
		Elapsed:   sim.Now(),
		Events:    sim.Processed(),
		Sent:      len(forward) + len(reverse),
		Delivered: len(pair.Server.App.Received()) + len(pair.Client.App.Received()),
		Intact: bytes.Equal(pair.Server.App.Received(), forward) &&
			bytes.Equal(pair.Client.App.Received(), reverse),
		Client: pair.Client.Conn.Stats(),
		Server: pair.Server.Conn.Stats(),
		Info:   pair.Client.Conn.Info(),
	}
	switch {
	case pair.Client.Conn.Err() != nil:
		r.Err = pair.Client.Conn.Err()
	case pair.Server.Conn.Err() != nil:
		r.Err = pair.Server.Conn.Err()
	case !pair.Done():
		r.Err = errors.Errorf("not finished after %v", time.Duration(sc.Limit))
	}
	logger.Info("run finished", "elapsed", r.Elapsed, "events", r.Events, "intact", r.Intact)
	return r, nil
}

func payload(seed int64, n int) []byte {
	data := make([]byte, n)
	_, _ = rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func printResults(w io.Writer, sc Scenario, results []result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "scenario %q: %s forward, %s reverse\n",
		sc.Name, humanize.IBytes(uint64(sc.Bytes)), humanize.IBytes(uint64(sc.ReverseBytes)))
	_, _ = fmt.Fprintln(tw, "algorithm\telapsed\tgoodput\tsegments\tretransmits\tfast\tsack\ttimeouts\tsrtt\tresult")
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != nil:
			status = r.Err.Error()
		case !r.Intact:
			status = "corrupted"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%s/s\t%s\t%s\t%d\t%d\t%d\t%v\t%s\n",
			r.Algorithm,
			r.Elapsed.Round(time.Millisecond),
			humanize.IBytes(uint64(r.goodput())),
			humanize.Comma(int64(r.Client.SegmentsXmit)),
			humanize.Comma(int64(r.Client.ReXmit)),
			r.Client.FastReXmit,
			r.Client.SACKReXmit,
			r.Client.Timeouts,
			r.Info.SRTT.Round(time.Microsecond),
			status)
	}
	return tw.Flush()
}
