// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Command tcpsim runs a simulated bulk transfer once per congestion control
// algorithm and prints how each one fared.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/tcpsim/congestion"
	"storj.io/tcpsim/metrics"
)

type options struct {
	scenario    string
	algorithms  string
	dumpMetrics bool
	verbosity   int
}

func main() {
	var opts options
	flag.StringVar(&opts.scenario, "scenario", "", "scenario file (JSON with comments); built-in default when empty")
	flag.StringVar(&opts.algorithms, "algorithms", "", "comma-separated algorithms overriding the scenario's list")
	flag.BoolVar(&opts.dumpMetrics, "metrics", false, "print Prometheus metrics after the runs")
	flag.IntVar(&opts.verbosity, "v", 0, "log verbosity; 1 logs state changes, 2 logs every segment")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := newLogger(opts.verbosity)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger, afero.NewOsFs(), opts, os.Stdout); err != nil {
		logger.Error(err, "tcpsim failed")
		os.Exit(1)
	}
}

func newLogger(verbosity int) (logr.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zapcore.Level(-verbosity))
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(plainLogger), nil
}

func run(ctx context.Context, logger logr.Logger, fs afero.Fs, opts options, out io.Writer) error {
	sc := defaultScenario()
	if opts.scenario != "" {
		var err error
		if sc, err = loadScenario(fs, opts.scenario); err != nil {
			return err
		}
	}
	if opts.algorithms != "" {
		algs, err := parseAlgorithms(opts.algorithms)
		if err != nil {
			return err
		}
		sc.Algorithms = algs
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	logger.Info("running scenario", "name", sc.Name, "algorithms", len(sc.Algorithms), "bytes", sc.Bytes)
	results, err := runScenario(ctx, logger, sc, collector)
	if err != nil {
		return err
	}
	if err := printResults(out, sc, results); err != nil {
		return errors.WithStack(err)
	}
	if opts.dumpMetrics {
		return dumpMetrics(out, reg)
	}
	return nil
}

func parseAlgorithms(list string) ([]congestion.Algorithm, error) {
	var algs []congestion.Algorithm
	for _, name := range strings.Split(list, ",") {
		alg, err := congestion.ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}
		algs = append(algs, alg)
	}
	return algs, nil
}

func dumpMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	_, _ = fmt.Fprintln(out)
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(out, family); err != nil {
			return errors.Wrap(err, "writing metrics")
		}
	}
	return nil
}
