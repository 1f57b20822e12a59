// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package metrics exports connection events as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"storj.io/tcpsim"
	"storj.io/tcpsim/congestion"
)

const namespace = "tcpsim"

// Collector holds the metric vectors shared by every traced connection. All
// vectors carry an "algorithm" label.
type Collector struct {
	segmentsSent     *prometheus.CounterVec
	segmentsReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	losses           *prometheus.CounterVec
	timeouts         *prometheus.CounterVec
	closed           *prometheus.CounterVec
	cwnd             *prometheus.GaugeVec
	ssthresh         *prometheus.GaugeVec
	srtt             *prometheus.HistogramVec
}

// NewCollector registers the collectors with reg. When an equivalent
// collector was registered before, the existing one is reused, so several
// Collectors may share one registry.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{}
	var err error
	if c.segmentsSent, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_sent_total",
		Help:      "Segments handed to the network",
	}, []string{"algorithm", "kind"})); err != nil {
		return nil, err
	}
	if c.segmentsReceived, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_received_total",
		Help:      "Segments accepted from the network",
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	if c.bytesSent, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_bytes_sent_total",
		Help:      "Payload bytes transmitted, retransmissions included",
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	if c.dropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_dropped_total",
		Help:      "Incoming segments discarded",
	}, []string{"algorithm", "reason"})); err != nil {
		return nil, err
	}
	if c.losses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loss_events_total",
		Help:      "Entries into loss recovery",
	}, []string{"algorithm", "cause"})); err != nil {
		return nil, err
	}
	if c.timeouts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retransmission_timeouts_total",
		Help:      "Retransmission timer expiries",
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	if c.closed, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_closed_total",
		Help:      "Connections that reached Closed",
	}, []string{"algorithm", "result"})); err != nil {
		return nil, err
	}
	if c.cwnd, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "congestion_window_bytes",
		Help:      "Most recent congestion window",
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	if c.ssthresh, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "slow_start_threshold_bytes",
		Help:      "Most recent slow start threshold",
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	if c.srtt, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "smoothed_rtt_seconds",
		Help:      "Smoothed round trip time after each sample",
		Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
	}, []string{"algorithm"})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "registering collector")
	}
	return c, nil
}

// Tracer returns connection callbacks that feed c. The algorithm label is
// fixed when the tracer is made, since a connection's algorithm does not
// change after configuration.
func (c *Collector) Tracer(alg congestion.Algorithm) *tcpsim.Tracer {
	label := alg.String()
	return &tcpsim.Tracer{
		SentSegment: func(seg *tcpsim.Segment, retransmit bool) {
			kind := "control"
			switch {
			case retransmit:
				kind = "retransmit"
			case len(seg.Payload) > 0:
				kind = "data"
			}
			c.segmentsSent.WithLabelValues(label, kind).Inc()
			c.bytesSent.WithLabelValues(label).Add(float64(len(seg.Payload)))
		},
		ReceivedSegment: func(*tcpsim.Segment) {
			c.segmentsReceived.WithLabelValues(label).Inc()
		},
		DroppedSegment: func(reason error) {
			c.dropped.WithLabelValues(label, errors.Cause(reason).Error()).Inc()
		},
		UpdatedCongestion: func(_ congestion.Algorithm, _ congestion.Phase, cwnd, ssthresh uint32) {
			c.cwnd.WithLabelValues(label).Set(float64(cwnd))
			c.ssthresh.WithLabelValues(label).Set(float64(ssthresh))
		},
		UpdatedRTT: func(srtt, _, _ time.Duration) {
			c.srtt.WithLabelValues(label).Observe(srtt.Seconds())
		},
		LossDetected: func(cause congestion.LossCause) {
			c.losses.WithLabelValues(label, cause.String()).Inc()
		},
		TimedOut: func(int) {
			c.timeouts.WithLabelValues(label).Inc()
		},
		Closed: func(err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			c.closed.WithLabelValues(label, result).Inc()
		},
	}
}
