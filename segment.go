// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package tcpsim

import (
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Flags is the set of control bits carried by a segment.
type Flags uint8

const (
	FlagFin Flags = header.TCPFlagFin
	FlagSyn Flags = header.TCPFlagSyn
	FlagRst Flags = header.TCPFlagRst
	FlagPsh Flags = header.TCPFlagPsh
	FlagAck Flags = header.TCPFlagAck
	// FlagSACK marks a segment carrying SACK blocks. It has no bit of its
	// own on the wire; Decode sets it when the SACK option is present.
	FlagSACK Flags = 1 << 6

	wireFlags = FlagFin | FlagSyn | FlagRst | FlagPsh | FlagAck | header.TCPFlagUrg
)

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	var names []string
	for _, fl := range []struct {
		bit  Flags
		name string
	}{{FlagSyn, "SYN"}, {FlagFin, "FIN"}, {FlagRst, "RST"}, {FlagPsh, "PSH"}, {FlagAck, "ACK"}, {FlagSACK, "SACK"}} {
		if f.Has(fl.bit) {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// MaxSACKBlocks is the most SACK blocks a segment carries.
const MaxSACKBlocks = 3

const maxOptionsSize = 40

// Segment is one decoded TCP segment. Treat it as immutable once built.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     seqnum.Value
	Ack     seqnum.Value
	// Window is the raw 16-bit advertised window, before scaling.
	Window uint16
	Flags  Flags

	// HasTS is set when the timestamp option is present.
	HasTS bool
	TSVal uint32
	TSEcr uint32

	SACKBlocks []header.SACKBlock

	// SYN-only options. WindowScale is -1 when absent.
	MSS           uint16
	WindowScale   int
	SACKPermitted bool

	Payload []byte
}

// Len is the sequence space the segment occupies: payload plus one for each
// of SYN and FIN.
func (s *Segment) Len() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.Flags.Has(FlagSyn) {
		n++
	}
	if s.Flags.Has(FlagFin) {
		n++
	}
	return n
}

// End is the first sequence number after the segment.
func (s *Segment) End() seqnum.Value {
	return s.Seq.Add(s.Len())
}

func (s *Segment) options(b []byte) int {
	n := 0
	if s.Flags.Has(FlagSyn) {
		if s.MSS != 0 {
			n += header.EncodeMSSOption(uint32(s.MSS), b[n:])
		}
		if s.WindowScale >= 0 {
			n += header.EncodeWSOption(s.WindowScale, b[n:])
		}
		if s.SACKPermitted {
			n += header.EncodeSACKPermittedOption(b[n:])
		}
	}
	if s.HasTS {
		n += header.EncodeTSOption(s.TSVal, s.TSEcr, b[n:])
	}
	if len(s.SACKBlocks) > 0 && !s.Flags.Has(FlagSyn) {
		n += header.EncodeSACKBlocks(s.SACKBlocks, b[n:])
	}
	for n%4 != 0 {
		b[n] = header.TCPOptionNOP
		n++
	}
	return n
}

// Encode serializes the segment, options and checksum included.
func (s *Segment) Encode() []byte {
	var opts [maxOptionsSize]byte
	optLen := s.options(opts[:])
	hdrLen := header.TCPMinimumSize + optLen

	buf := make([]byte, hdrLen+len(s.Payload))
	tcp := header.TCP(buf)
	tcp.Encode(&header.TCPFields{
		SrcPort:    s.SrcPort,
		DstPort:    s.DstPort,
		SeqNum:     uint32(s.Seq),
		AckNum:     uint32(s.Ack),
		DataOffset: uint8(hdrLen),
		Flags:      uint8(s.Flags & wireFlags),
		WindowSize: s.Window,
	})
	copy(buf[header.TCPMinimumSize:], opts[:optLen])
	copy(buf[hdrLen:], s.Payload)

	xsum := header.Checksum(s.Payload, 0)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return buf
}

// Decode parses a segment produced by Encode. Malformed input yields an
// error wrapping ErrMalformedSegment. The returned payload is a copy.
func Decode(b []byte) (*Segment, error) {
	if len(b) < header.TCPMinimumSize {
		return nil, errors.Wrapf(ErrMalformedSegment, "short header: %d bytes", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < header.TCPMinimumSize || off > len(b) {
		return nil, errors.Wrapf(ErrMalformedSegment, "bad data offset %d for %d bytes", off, len(b))
	}
	payload := tcp.Payload()
	if tcp.CalculateChecksum(header.Checksum(payload, 0)) != 0xffff {
		return nil, errors.Wrap(ErrMalformedSegment, "checksum mismatch")
	}

	seg := &Segment{
		SrcPort:     tcp.SourcePort(),
		DstPort:     tcp.DestinationPort(),
		Seq:         seqnum.Value(tcp.SequenceNumber()),
		Ack:         seqnum.Value(tcp.AckNumber()),
		Window:      tcp.WindowSize(),
		Flags:       Flags(tcp.Flags()) & wireFlags,
		WindowScale: -1,
	}
	if seg.Flags.Has(FlagSyn) && seg.Flags.Has(FlagFin) {
		return nil, errors.Wrap(ErrMalformedSegment, "SYN and FIN both set")
	}

	opts := tcp.Options()
	if seg.Flags.Has(FlagSyn) {
		syn := header.ParseSynOptions(opts, seg.Flags.Has(FlagAck))
		seg.MSS = syn.MSS
		seg.WindowScale = syn.WS
		seg.SACKPermitted = syn.SACKPermitted
		seg.HasTS = syn.TS
		seg.TSVal, seg.TSEcr = syn.TSVal, syn.TSEcr
	} else {
		parsed := header.ParseTCPOptions(opts)
		seg.HasTS = parsed.TS
		seg.TSVal, seg.TSEcr = parsed.TSVal, parsed.TSEcr
		if n := len(parsed.SACKBlocks); n > 0 {
			if n > MaxSACKBlocks {
				return nil, errors.Wrapf(ErrMalformedSegment, "%d SACK blocks", n)
			}
			for _, blk := range parsed.SACKBlocks {
				if !blk.Start.LessThan(blk.End) {
					return nil, errors.Wrapf(ErrMalformedSegment, "empty SACK block [%d,%d)", blk.Start, blk.End)
				}
			}
			seg.SACKBlocks = parsed.SACKBlocks
			seg.Flags |= FlagSACK
		}
	}
	if len(payload) > 0 {
		seg.Payload = append([]byte(nil), payload...)
	}
	return seg, nil
}
