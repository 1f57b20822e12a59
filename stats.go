// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"time"

	"storj.io/tcpsim/congestion"
)

// Segment size buckets for Stats.SentSizes and Stats.RecvSizes.
const (
	sizeEmptyBucket = iota
	sizeSmallBucket
	sizeMidBucket
	sizeBigBucket
	sizeHugeBucket
	numSizeBuckets
)

const (
	sizeSmall = 300
	sizeMid   = 600
	sizeBig   = 1200
)

func sizeBucket(payload int) int {
	switch {
	case payload == 0:
		return sizeEmptyBucket
	case payload <= sizeSmall:
		return sizeSmallBucket
	case payload <= sizeMid:
		return sizeMidBucket
	case payload <= sizeBig:
		return sizeBigBucket
	}
	return sizeHugeBucket
}

// Stats are the counters collected for one Connection.
type Stats struct {
	BytesRecv       uint64 // payload bytes received, duplicates included
	BytesXmit       uint64 // payload bytes transmitted, retransmissions included
	BytesDelivered  uint64 // in-order bytes handed to the application
	SegmentsXmit    uint64
	SegmentsRecv    uint64
	ReXmit          uint64 // segments retransmitted, for any reason
	FastReXmit      uint64 // retransmissions triggered by duplicate ACKs
	SACKReXmit      uint64 // gap retransmissions driven by SACK blocks
	Timeouts        uint64
	DupAcksRecv     uint64
	DupSegmentsRecv uint64
	OutOfOrderRecv  uint64
	Dropped         uint64 // malformed or overflowing segments

	// Segments by payload size: empty, <=300, <=600, <=1200, larger.
	SentSizes [numSizeBuckets]uint64
	RecvSizes [numSizeBuckets]uint64
}

func (s *Stats) transmitted(seg *Segment, retransmit bool) {
	s.SegmentsXmit++
	s.BytesXmit += uint64(len(seg.Payload))
	s.SentSizes[sizeBucket(len(seg.Payload))]++
	if retransmit {
		s.ReXmit++
	}
}

func (s *Stats) received(seg *Segment) {
	s.SegmentsRecv++
	s.BytesRecv += uint64(len(seg.Payload))
	s.RecvSizes[sizeBucket(len(seg.Payload))]++
}

// Tracer receives connection events as they happen. Any field may be nil.
type Tracer struct {
	SentSegment       func(seg *Segment, retransmit bool)
	ReceivedSegment   func(seg *Segment)
	DroppedSegment    func(reason error)
	UpdatedCongestion func(alg congestion.Algorithm, phase congestion.Phase, cwnd, ssthresh uint32)
	UpdatedRTT        func(srtt, rttvar, rto time.Duration)
	LossDetected      func(cause congestion.LossCause)
	TimedOut          func(backoff int)
	ChangedState      func(send SendSideState, recv ReceiveSideState)
	Closed            func(err error)
}
