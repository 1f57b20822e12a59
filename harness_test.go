// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	localISS = seqnum.Value(5000)
	peerISS  = seqnum.Value(1000)
	peerMSS  = 512
)

type scheduled struct {
	target TimerTarget
	handle TimerHandle
}

// manualClock is a Scheduler whose time only moves when a test fires a
// timer.
type manualClock struct {
	now     time.Duration
	pending []scheduled
}

func (m *manualClock) Now() time.Duration { return m.now }

func (m *manualClock) Schedule(target TimerTarget, h TimerHandle) {
	m.pending = append(m.pending, scheduled{target: target, handle: h})
}

func (m *manualClock) Cancel(target TimerTarget, h TimerHandle) {
	for i, p := range m.pending {
		if p.target == target && p.handle == h {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// fireNext moves time to the earliest pending deadline and fires it.
func (m *manualClock) fireNext() (TimerHandle, bool) {
	if len(m.pending) == 0 {
		return TimerHandle{}, false
	}
	first := 0
	for i, p := range m.pending {
		if p.handle.Deadline < m.pending[first].handle.Deadline {
			first = i
		}
	}
	p := m.pending[first]
	m.pending = append(m.pending[:first], m.pending[first+1:]...)
	if p.handle.Deadline > m.now {
		m.now = p.handle.Deadline
	}
	p.target.OnFire(p.handle)
	return p.handle, true
}

func (m *manualClock) armed(kind TimerKind) bool {
	for _, p := range m.pending {
		if p.handle.Kind == kind {
			return true
		}
	}
	return false
}

// harness plays the peer by hand: it decodes everything the connection
// forwards and delivers hand-built segments back.
type harness struct {
	t        *testing.T
	app      *MockApplication
	clock    *manualClock
	conn     *Connection
	sent     []*Segment
	received []byte
}

func newHarness(t *testing.T, opts ...ConnectOption) *harness {
	ctrl := gomock.NewController(t)
	h := &harness{t: t, clock: &manualClock{}}

	network := NewMockNetwork(ctrl)
	network.EXPECT().Forward(gomock.Any(), gomock.Any()).Do(func(pkt []byte, route Route) {
		require.Equal(t, uint8(ProtocolTCP), route.Protocol)
		seg, err := Decode(pkt)
		require.NoError(t, err)
		h.sent = append(h.sent, seg)
	}).AnyTimes()

	h.app = NewMockApplication(ctrl)
	h.app.EXPECT().Receive(gomock.Any()).Do(func(data []byte) {
		h.received = append(h.received, data...)
	}).AnyTimes()
	h.app.EXPECT().Report(gomock.Any()).AnyTimes()

	conn, err := NewConnection(network, h.app, h.clock, append([]ConnectOption{WithISS(localISS)}, opts...)...)
	require.NoError(t, err)
	h.conn = conn
	return h
}

func (h *harness) deliver(seg *Segment) {
	h.conn.Deliver(seg.Encode())
}

func (h *harness) lastSent() *Segment {
	require.NotEmpty(h.t, h.sent)
	return h.sent[len(h.sent)-1]
}

// accept completes a passive open with the given peer SYN and returns our
// SYN-ACK.
func (h *harness) accept(syn Segment) *Segment {
	h.app.EXPECT().Start(gomock.Any())
	syn.Seq = peerISS
	syn.Flags = FlagSyn
	if syn.Window == 0 {
		syn.Window = 0xffff
	}
	h.deliver(&syn)
	synAck := h.lastSent()
	require.True(h.t, synAck.Flags.Has(FlagSyn|FlagAck), "got %v", synAck.Flags)
	require.Equal(h.t, localISS, synAck.Seq)
	require.Equal(h.t, peerISS.Add(1), synAck.Ack)

	h.deliver(&Segment{Seq: peerISS.Add(1), Ack: localISS.Add(1), Flags: FlagAck, Window: 0xffff})
	require.Equal(h.t, SendEstablished, h.conn.snd.state)
	require.Equal(h.t, RecvEstablished, h.conn.rcv.state)
	return synAck
}

// connect completes an active open by sending data and answering the SYN.
func (h *harness) connect(data []byte, synAck Segment) {
	h.app.EXPECT().Start(gomock.Any())
	n, err := h.conn.Send(data)
	require.NoError(h.t, err)
	require.Equal(h.t, len(data), n)
	syn := h.lastSent()
	require.Equal(h.t, FlagSyn, syn.Flags)

	synAck.Seq = peerISS
	synAck.Ack = syn.Seq.Add(1)
	synAck.Flags = FlagSyn | FlagAck
	if synAck.Window == 0 {
		synAck.Window = 0xffff
	}
	h.deliver(&synAck)
	require.Equal(h.t, SendEstablished, h.conn.snd.state)
}

// peerData builds an in-window data segment at offset off of the peer's
// stream.
func peerData(off int, payload []byte) *Segment {
	return &Segment{
		Seq:     peerISS.Add(1).Add(seqnum.Size(off)),
		Ack:     localISS.Add(1),
		Flags:   FlagAck,
		Window:  0xffff,
		Payload: payload,
	}
}

// peerAck acknowledges off bytes of our stream.
func peerAck(off int) *Segment {
	return &Segment{
		Seq:    peerISS.Add(1),
		Ack:    localISS.Add(1).Add(seqnum.Size(off)),
		Flags:  FlagAck,
		Window: 0xffff,
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func basicSyn() Segment {
	return Segment{MSS: peerMSS, WindowScale: -1, SACKPermitted: true}
}
