// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"storj.io/tcpsim/congestion"
)

func dataSegments(segs []*Segment) []*Segment {
	var out []*Segment
	for _, seg := range segs {
		if len(seg.Payload) > 0 {
			out = append(out, seg)
		}
	}
	return out
}

func localSeq(off int) seqnum.Value {
	return localISS.Add(1).Add(seqnum.Size(off))
}

func peerSACK(off int, blocks ...[2]int) *Segment {
	seg := peerAck(off)
	for _, b := range blocks {
		seg.SACKBlocks = append(seg.SACKBlocks, header.SACKBlock{Start: localSeq(b[0]), End: localSeq(b[1])})
	}
	return seg
}

func TestTimerStaleFireIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	network := NewMockNetwork(ctrl)
	network.EXPECT().Forward(gomock.Any(), gomock.Any()).AnyTimes()
	app := NewMockApplication(ctrl)
	sched := NewMockScheduler(ctrl)
	sched.EXPECT().Now().Return(time.Duration(0)).AnyTimes()

	var handles []TimerHandle
	sched.EXPECT().Schedule(gomock.Any(), gomock.Any()).Do(func(_ TimerTarget, h TimerHandle) {
		handles = append(handles, h)
	}).Times(2)
	sched.EXPECT().Cancel(gomock.Any(), gomock.Any()).Times(1)

	conn, err := NewConnection(network, app, sched, WithISS(localISS))
	require.NoError(t, err)
	_, err = conn.Send([]byte("x"))
	require.NoError(t, err)
	conn.armTimer(&conn.retransmitTimer, 5*time.Second)
	require.Len(t, handles, 2)
	assert.Greater(t, handles[1].Generation, handles[0].Generation)

	conn.OnFire(handles[0])
	require.NoError(t, conn.Err(), "stale fire must not time out the handshake")

	app.EXPECT().Error(gomock.Any()).Do(func(err error) {
		assert.True(t, errors.Is(err, ErrHandshakeTimeout))
	}).Times(1)
	conn.OnFire(handles[1])
	require.Error(t, conn.Err())

	// A repeated fire of the same handle is stale as well.
	conn.OnFire(handles[1])
}

func TestHandshakeTimeoutIsFatal(t *testing.T) {
	h := newHarness(t)
	h.app.EXPECT().Error(gomock.Any()).Times(1)
	_, err := h.conn.Send([]byte("hello"))
	require.NoError(t, err)

	handle, ok := h.clock.fireNext()
	require.True(t, ok)
	assert.Equal(t, h.conn.cfg.HandshakeTimeout, handle.Deadline)
	assert.True(t, errors.Is(h.conn.Err(), ErrHandshakeTimeout))
	assert.True(t, IsFatal(h.conn.Err()))
	assert.Empty(t, h.clock.pending)
	assert.Len(t, h.sent, 1, "the SYN is never retried")

	_, err = h.conn.Send([]byte("again"))
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
	assert.Zero(t, h.conn.Query())
}

func TestPassiveHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	h.app.EXPECT().Error(gomock.Any()).Times(1)
	syn := basicSyn()
	syn.Seq = peerISS
	syn.Flags = FlagSyn
	h.deliver(&syn)
	require.Equal(t, RecvSynRcvd, h.conn.rcv.state)

	_, ok := h.clock.fireNext()
	require.True(t, ok)
	assert.True(t, errors.Is(h.conn.Err(), ErrHandshakeTimeout))
}

func TestRetransmissionBackoff(t *testing.T) {
	h := newHarness(t, WithRTO(time.Second, 200*time.Millisecond, 20*time.Second), WithMaxRetransmissions(8))
	h.connect(pattern(100), Segment{MSS: peerMSS, WindowScale: -1})
	require.Len(t, dataSegments(h.sent), 1)

	var reported []error
	h.app.EXPECT().Error(gomock.Any()).Do(func(err error) { reported = append(reported, err) }).Times(1)

	var intervals []time.Duration
	var last time.Duration
	for {
		handle, ok := h.clock.fireNext()
		if !ok {
			break
		}
		require.Equal(t, RetransmitTimer, handle.Kind)
		intervals = append(intervals, handle.Deadline-last)
		last = handle.Deadline
	}

	s := time.Second
	assert.Equal(t, []time.Duration{1 * s, 2 * s, 4 * s, 8 * s, 16 * s, 20 * s, 20 * s, 20 * s}, intervals)
	require.Len(t, reported, 1)
	assert.True(t, errors.Is(reported[0], ErrRetransmissionLimit))
	assert.Equal(t, reported[0], h.conn.Err())
	assert.True(t, h.lastSent().Flags.Has(FlagRst))
	assert.EqualValues(t, 7, h.conn.Stats().ReXmit)
	assert.EqualValues(t, 8, h.conn.Stats().Timeouts)
	assert.Equal(t, SendClosed, h.conn.snd.state)
	assert.Equal(t, RecvClosed, h.conn.rcv.state)
}

func TestTimeoutGoesBackToUna(t *testing.T) {
	h := newHarness(t, WithAlgorithm(congestion.Reno))
	h.accept(basicSyn())
	h.conn.snd.cc.Cwnd = 4 * peerMSS
	_, err := h.conn.Send(pattern(4 * peerMSS))
	require.NoError(t, err)
	require.Len(t, dataSegments(h.sent), 4)

	h.deliver(peerAck(peerMSS))
	handle, ok := h.clock.fireNext()
	require.True(t, ok)
	require.Equal(t, RetransmitTimer, handle.Kind)

	info := h.conn.Info()
	assert.Equal(t, congestion.SlowStart, info.Phase)
	assert.EqualValues(t, peerMSS, info.Cwnd)
	assert.Equal(t, 2, info.Backoff)
	last := h.lastSent()
	assert.Equal(t, localSeq(peerMSS), last.Seq)
	assert.Len(t, last.Payload, peerMSS)

	// The next ACK resets the timeout count and the window grows again.
	h.deliver(peerAck(2 * peerMSS))
	assert.Zero(t, h.conn.snd.cc.Timeouts)
	assert.EqualValues(t, 2*peerMSS, h.conn.snd.cc.Cwnd)
}

func TestRenoFastRecovery(t *testing.T) {
	h := newHarness(t, WithAlgorithm(congestion.Reno), WithSACK(false))
	h.accept(basicSyn())
	cc := h.conn.snd.cc
	cc.Cwnd = 10 * peerMSS
	_, err := h.conn.Send(pattern(10 * peerMSS))
	require.NoError(t, err)
	require.Len(t, dataSegments(h.sent), 10)

	for i := 0; i < 2; i++ {
		h.deliver(peerAck(0))
	}
	assert.Equal(t, 2, h.conn.snd.dupAcks)
	assert.NotEqual(t, congestion.FastRecovery, cc.Phase)

	sent := len(h.sent)
	h.deliver(peerAck(0))
	assert.EqualValues(t, 5*peerMSS, cc.Ssthresh)
	assert.EqualValues(t, 8*peerMSS, cc.Cwnd)
	assert.Equal(t, congestion.FastRecovery, cc.Phase)
	require.Len(t, h.sent, sent+1)
	assert.Equal(t, localSeq(0), h.lastSent().Seq)
	assert.EqualValues(t, 1, h.conn.Stats().FastReXmit)

	h.deliver(peerAck(0))
	assert.EqualValues(t, 9*peerMSS, cc.Cwnd)

	h.deliver(peerAck(10 * peerMSS))
	assert.Equal(t, congestion.CongestionAvoidance, cc.Phase)
	assert.Equal(t, cc.Ssthresh, cc.Cwnd)
	assert.Zero(t, h.conn.snd.dupAcks)
	assert.False(t, h.clock.armed(RetransmitTimer))
}

func TestNewRenoPartialAck(t *testing.T) {
	h := newHarness(t, WithAlgorithm(congestion.NewReno), WithSACK(false))
	h.accept(basicSyn())
	cc := h.conn.snd.cc
	cc.Cwnd = 10 * peerMSS
	_, err := h.conn.Send(pattern(10 * peerMSS))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.deliver(peerAck(0))
	}
	require.Equal(t, congestion.FastRecovery, cc.Phase)
	require.EqualValues(t, 8*peerMSS, cc.Cwnd)

	h.deliver(peerAck(2 * peerMSS))
	assert.Equal(t, congestion.FastRecovery, cc.Phase)
	assert.EqualValues(t, 7*peerMSS, cc.Cwnd)
	assert.Equal(t, localSeq(2*peerMSS), h.lastSent().Seq, "partial ACK resends the next hole")

	h.deliver(peerAck(10 * peerMSS))
	assert.Equal(t, congestion.CongestionAvoidance, cc.Phase)
	assert.EqualValues(t, 5*peerMSS, cc.Cwnd)
}

func TestTahoeGoesBackToSlowStart(t *testing.T) {
	h := newHarness(t, WithAlgorithm(congestion.Tahoe), WithSACK(false))
	h.accept(basicSyn())
	cc := h.conn.snd.cc
	cc.Cwnd = 10 * peerMSS
	_, err := h.conn.Send(pattern(10 * peerMSS))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.deliver(peerAck(0))
	}
	assert.Equal(t, congestion.SlowStart, cc.Phase)
	assert.EqualValues(t, peerMSS, cc.Cwnd)
	assert.EqualValues(t, 5*peerMSS, cc.Ssthresh)
	assert.Equal(t, localSeq(0), h.lastSent().Seq)
	assert.Equal(t, localSeq(peerMSS), h.conn.snd.nxt)
}

func TestSACKRecoveryResendsGaps(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	require.True(t, h.conn.snd.sackOK)
	h.conn.snd.cc.Cwnd = 10 * peerMSS
	_, err := h.conn.Send(pattern(10 * peerMSS))
	require.NoError(t, err)

	// Segments 0 and 3 are lost.
	h.deliver(peerSACK(0, [2]int{1 * peerMSS, 3 * peerMSS}))
	h.deliver(peerSACK(0, [2]int{4 * peerMSS, 5 * peerMSS}, [2]int{1 * peerMSS, 3 * peerMSS}))
	sent := len(h.sent)
	h.deliver(peerSACK(0, [2]int{4 * peerMSS, 6 * peerMSS}, [2]int{1 * peerMSS, 3 * peerMSS}))

	require.Len(t, h.sent, sent+2)
	assert.Equal(t, localSeq(0), h.sent[sent].Seq)
	assert.Equal(t, localSeq(3*peerMSS), h.sent[sent+1].Seq)
	assert.EqualValues(t, 1, h.conn.Stats().SACKReXmit)

	// Another duplicate does not resend the same holes.
	sent = len(h.sent)
	h.deliver(peerSACK(0, [2]int{4 * peerMSS, 7 * peerMSS}, [2]int{1 * peerMSS, 3 * peerMSS}))
	assert.Len(t, dataSegments(h.sent[sent:]), 0)
}

func TestVegasEarlyRetransmit(t *testing.T) {
	h := newHarness(t, WithAlgorithm(congestion.Vegas), WithSACK(false))
	h.accept(basicSyn())
	h.conn.rtt.Sample(50 * time.Millisecond)
	cc := h.conn.snd.cc
	cc.Cwnd = 10 * peerMSS
	_, err := h.conn.Send(pattern(10 * peerMSS))
	require.NoError(t, err)

	h.clock.now += 80 * time.Millisecond
	sent := len(h.sent)
	h.deliver(peerAck(0))
	assert.Equal(t, 1, h.conn.snd.dupAcks)
	require.Len(t, h.sent, sent+1, "the oldest segment is older than srtt")
	assert.Equal(t, localSeq(0), h.lastSent().Seq)
	assert.Equal(t, congestion.FastRecovery, cc.Phase)
}

func TestSendSegmentsWholeWindows(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	h.conn.snd.cc.Cwnd = 1300
	_, err := h.conn.Send(pattern(3000))
	require.NoError(t, err)

	segs := dataSegments(h.sent)
	require.Len(t, segs, 2, "a partial segment is not sent while more data is buffered")
	assert.Len(t, segs[0].Payload, peerMSS)
	assert.Len(t, segs[1].Payload, peerMSS)
	assert.Zero(t, h.conn.maxSendableLen())
	assert.False(t, segs[0].Flags.Has(FlagPsh))
}

func TestSendFinalFragment(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	_, err := h.conn.Send(pattern(1500))
	require.NoError(t, err)
	require.Len(t, dataSegments(h.sent), 2)

	h.deliver(peerAck(2 * peerMSS))
	segs := dataSegments(h.sent)
	require.Len(t, segs, 3)
	assert.Len(t, segs[2].Payload, 1500-2*peerMSS)
	assert.True(t, segs[2].Flags.Has(FlagPsh))
}

func TestZeroWindowProbe(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	closed := peerAck(0)
	closed.Window = 0
	h.deliver(closed)

	_, err := h.conn.Send(pattern(100))
	require.NoError(t, err)
	require.Empty(t, dataSegments(h.sent))
	require.True(t, h.clock.armed(RetransmitTimer))

	_, ok := h.clock.fireNext()
	require.True(t, ok)
	probes := dataSegments(h.sent)
	require.Len(t, probes, 1)
	assert.Len(t, probes[0].Payload, 1)
	assert.Zero(t, h.conn.snd.cc.Timeouts, "probes do not count as timeouts")

	h.deliver(peerAck(1))
	assert.Len(t, dataSegments(h.sent), 2)
	assert.Equal(t, localSeq(100), h.conn.snd.nxt)
}

func TestOrderlyTeardown(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	_, err := h.conn.Send(pattern(100))
	require.NoError(t, err)
	h.conn.Stop()

	fin := h.lastSent()
	require.True(t, fin.Flags.Has(FlagFin))
	assert.Equal(t, localSeq(100), fin.Seq)
	assert.Equal(t, SendFinWait1, h.conn.snd.state)

	_, err = h.conn.Send([]byte("late"))
	assert.True(t, errors.Is(err, ErrConnectionClosed))

	h.deliver(peerAck(101))
	assert.Equal(t, SendClosed, h.conn.snd.state)
	assert.False(t, h.conn.Finished())

	h.deliver(&Segment{Seq: peerISS.Add(1), Ack: localSeq(101), Flags: FlagAck | FlagFin, Window: 0xffff})
	assert.Equal(t, RecvClosed, h.conn.rcv.state)
	assert.True(t, h.conn.Finished())
	assert.NoError(t, h.conn.Err())
	assert.Equal(t, peerISS.Add(2), h.lastSent().Ack)
	assert.Empty(t, h.clock.pending)
}

func TestResetAborts(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	h.app.EXPECT().Error(gomock.Any()).Times(1)

	h.deliver(&Segment{Seq: peerISS.Add(1), Flags: FlagRst})
	assert.True(t, errors.Is(h.conn.Err(), ErrConnectionReset))
	assert.Equal(t, SendClosed, h.conn.snd.state)

	// Nothing is processed after the abort.
	h.deliver(peerData(0, pattern(10)))
	assert.Empty(t, h.received)
}

func TestUnexpectedAckDropped(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	sent := len(h.sent)
	h.deliver(peerAck(5000))
	assert.EqualValues(t, 1, h.conn.Stats().Dropped)
	assert.Equal(t, localSeq(0), h.conn.snd.una)
	require.Len(t, h.sent, sent+1, "an ACK beyond snd_max is answered with our ACK")
	assert.NoError(t, h.conn.Err())
}

func TestMalformedSegmentDropped(t *testing.T) {
	h := newHarness(t)
	h.accept(basicSyn())
	pkt := peerData(0, pattern(10)).Encode()
	pkt[len(pkt)-1] ^= 1
	h.conn.Deliver(pkt)
	assert.EqualValues(t, 1, h.conn.Stats().Dropped)
	assert.Empty(t, h.received)
	assert.NoError(t, h.conn.Err())
}

func TestTimestampsMeasureRTT(t *testing.T) {
	h := newHarness(t)
	syn := basicSyn()
	syn.HasTS = true
	syn.TSVal = 77
	h.accept(syn)
	require.True(t, h.conn.snd.tsOK)

	_, err := h.conn.Send(pattern(100))
	require.NoError(t, err)
	data := h.lastSent()
	require.True(t, data.HasTS)
	assert.Equal(t, uint32(77), data.TSEcr)

	h.clock.now += 40 * time.Millisecond
	ack := peerAck(100)
	ack.HasTS = true
	ack.TSVal = 78
	ack.TSEcr = data.TSVal
	h.deliver(ack)
	assert.Equal(t, 40*time.Millisecond, h.conn.rtt.SRTT())
	assert.Equal(t, uint32(78), h.conn.rcv.tsRecent)
}
